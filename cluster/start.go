package cluster

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/tkmct/chainoracle/wait"
	"golang.org/x/sync/errgroup"
)

// NodeSpec describes one cluster member. A node with an Executable is
// launched and owned by the cluster; otherwise it is attached to remotely.
type NodeSpec struct {
	Name       string
	HTTP       string `toml:",omitempty"`
	WS         string `toml:",omitempty"`
	WalletFile string
	Executable string `toml:",omitempty"`
	ConfigFile string `toml:",omitempty"`
	Genesis    string `toml:",omitempty"`
	DataDir    string `toml:",omitempty"`
	CleanData  bool   `toml:",omitempty"`
	// Provider selects the endpoint to dial, "http" (default) or "ws".
	Provider string `toml:",omitempty"`
}

// Endpoint returns the RPC endpoint selected by Provider.
func (s NodeSpec) Endpoint() (string, error) {
	switch s.Provider {
	case "", "http":
		if s.HTTP != "" {
			return s.HTTP, nil
		}
		if s.Provider == "" && s.WS != "" {
			return s.WS, nil
		}
	case "ws":
		if s.WS != "" {
			return s.WS, nil
		}
	default:
		return "", fmt.Errorf("unknown provider %q", s.Provider)
	}
	return "", errors.New("no RPC endpoint configured")
}

// StartOptions tune Start.
type StartOptions struct {
	Selector Selector
	// Readiness bounds the wait for each node to listen.
	Readiness wait.Policy
	// LoadKey overrides wallet file loading.
	LoadKey func(NodeSpec) (*ecdsa.PrivateKey, error)
}

// Start launches or attaches to every node concurrently and assembles the
// cluster. On failure every node already started is torn down.
func Start(ctx context.Context, specs []NodeSpec, opts StartOptions) (*Cluster, error) {
	if len(specs) == 0 {
		return nil, errors.New("cluster has no nodes")
	}
	if opts.LoadKey == nil {
		opts.LoadKey = func(s NodeSpec) (*ecdsa.PrivateKey, error) { return LoadWallet(s.WalletFile) }
	}
	if opts.Readiness == (wait.Policy{}) {
		opts.Readiness = wait.DefaultPolicy
	}
	nodes := make([]*Node, len(specs))
	g, gctx := errgroup.WithContext(ctx)
	for i, spec := range specs {
		g.Go(func() error {
			n, err := startNode(gctx, spec, opts)
			if err != nil {
				return fmt.Errorf("node %s: %w", spec.Name, err)
			}
			nodes[i] = n
			return nil
		})
	}
	err := g.Wait()
	if err == nil {
		var c *Cluster
		if c, err = New(nodes, opts.Selector); err == nil {
			return c, nil
		}
	}
	for _, n := range nodes {
		if n != nil {
			n.Close()
		}
	}
	return nil, err
}

func startNode(ctx context.Context, spec NodeSpec, opts StartOptions) (*Node, error) {
	key, err := opts.LoadKey(spec)
	if err != nil {
		return nil, fmt.Errorf("wallet: %w", err)
	}
	endpoint, err := spec.Endpoint()
	if err != nil {
		return nil, err
	}
	var proc *Process
	if spec.Executable != "" {
		proc, err = Launch(ctx, LaunchConfig{
			Name:       spec.Name,
			Executable: spec.Executable,
			ConfigFile: spec.ConfigFile,
			WalletFile: spec.WalletFile,
			Genesis:    spec.Genesis,
			DataDir:    spec.DataDir,
			CleanData:  spec.CleanData,
		})
		if err != nil {
			return nil, err
		}
	}
	n, err := Dial(ctx, spec.Name, endpoint, key, proc, opts.Readiness)
	if err != nil {
		if proc != nil {
			proc.Terminate()
		}
		return nil, err
	}
	return n, nil
}
