// Package cluster gives the oracle its view of the nodes under test: RPC
// access to each node, the account it mines with, the process running it and
// the selection of a default node.
package cluster

import (
	"context"
	"errors"
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/tkmct/chainoracle/wait"
	"go.uber.org/multierr"
)

// QuorumPolicy bounds the wait for the peer mesh to form.
var QuorumPolicy = wait.Policy{MaxAttempts: 60, Backoff: wait.DefaultPolicy.Backoff}

// Cluster is a fixed, ordered, non-empty set of nodes.
type Cluster struct {
	nodes    []*Node
	selector Selector
	accounts mapset.Set[common.Address]
}

// New assembles a cluster. Node names and accounts must be unique. A nil
// selector picks node 0.
func New(nodes []*Node, selector Selector) (*Cluster, error) {
	if len(nodes) == 0 {
		return nil, errors.New("cluster has no nodes")
	}
	if selector == nil {
		selector = FixedSelector(0)
	}
	names := mapset.NewThreadUnsafeSet[string]()
	accounts := mapset.NewThreadUnsafeSet[common.Address]()
	for i, n := range nodes {
		if n == nil {
			return nil, fmt.Errorf("node %d is nil", i)
		}
		if !names.Add(n.Name()) {
			return nil, fmt.Errorf("duplicate node name %q", n.Name())
		}
		if !accounts.Add(n.Account()) {
			return nil, fmt.Errorf("node %s: duplicate account %s", n.Name(), n.Account())
		}
	}
	return &Cluster{nodes: nodes, selector: selector, accounts: accounts}, nil
}

// Len returns the number of nodes.
func (c *Cluster) Len() int { return len(c.nodes) }

// Nodes returns the nodes in cluster order.
func (c *Cluster) Nodes() []*Node { return c.nodes }

// Node returns the i-th node.
func (c *Cluster) Node(i int) *Node { return c.nodes[i] }

// Pick returns the default node. The selector is consulted on every call.
func (c *Cluster) Pick() *Node { return c.nodes[c.selector.Select(len(c.nodes))] }

// Accounts returns the set of node accounts. The set must not be modified.
func (c *Cluster) Accounts() mapset.Set[common.Address] { return c.accounts }

// IsAccount reports whether addr belongs to one of the nodes.
func (c *Cluster) IsAccount(addr common.Address) bool { return c.accounts.Contains(addr) }

// WaitQuorum blocks until every node reports at least Len/2 peers.
func (c *Cluster) WaitQuorum(ctx context.Context, policy wait.Policy) error {
	want := uint64(len(c.nodes) / 2)
	for _, n := range c.nodes {
		logger := log.New("node", n.Name(), "want", want)
		_, err := wait.Wait(ctx, n.PeerCount, wait.Options[uint64]{
			IsValueOK:       func(peers uint64) bool { return peers >= want },
			FailImmediately: func(uint64, error) bool { return n.Crashed() },
			Logger:          logger,
		}, policy)
		if err != nil {
			return fmt.Errorf("quorum on node %s: %w", n.Name(), err)
		}
		logger.Debug("Node connected to quorum")
	}
	log.Info("Cluster reached quorum", "nodes", len(c.nodes), "peers", want)
	return nil
}

// Crashed returns the nodes whose process has exited.
func (c *Cluster) Crashed() []*Node {
	var crashed []*Node
	for _, n := range c.nodes {
		if n.Crashed() {
			crashed = append(crashed, n)
		}
	}
	return crashed
}

// Close closes every node and terminates managed processes.
func (c *Cluster) Close() error {
	var err error
	for _, n := range c.nodes {
		if cerr := n.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("node %s: %w", n.Name(), cerr))
		}
	}
	return err
}
