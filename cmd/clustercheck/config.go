package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"time"
	"unicode"

	"github.com/ethereum/go-ethereum/log"
	"github.com/naoina/toml"
	"github.com/tkmct/chainoracle/chaintester"
	"github.com/tkmct/chainoracle/cluster"
	"github.com/tkmct/chainoracle/wait"
)

// Field names are used verbatim and unknown fields are rejected.
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string {
		return key
	},
	FieldToKey: func(rt reflect.Type, field string) string {
		return field
	},
	MissingField: func(rt reflect.Type, field string) error {
		var link string
		if unicode.IsUpper(rune(rt.Name()[0])) && rt.PkgPath() != "main" {
			link = fmt.Sprintf(", see https://godoc.org/%s#%s for available fields", rt.PkgPath(), rt.Name())
		}
		return fmt.Errorf("field '%s' is not defined in %s%s", field, rt.String(), link)
	},
}

// duration is a time.Duration written as "1s", "250ms" in TOML.
type duration time.Duration

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = duration(v)
	return nil
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// SyncConfig bounds the block-by-block verification.
type SyncConfig struct {
	Attempts    int      // per block, 0 = unlimited
	Backoff     duration // between attempts
	Balances    bool     // track a shadow ledger
	AutoFilters bool     // block and pending-tx filters on every node

	ReadAttempts int
	ReadBackoff  duration
}

type ProtocolConfig struct {
	GasLimit uint64
	LogIndex string // "receipt" or "block"
}

// SelectorConfig picks the node a transaction is submitted through when a
// scenario does not name one.
type SelectorConfig struct {
	Kind  string // "random" or "fixed"
	Index int
	Seed  int64 // 0 seeds from the clock
}

// ContractConfig locates the compiled emitter contract used by the
// contract scenarios. It must expose emitValue(uint256) and
// event Emitted(uint256 indexed val, address sender).
type ContractConfig struct {
	ABI string `toml:",omitempty"`
	Bin string `toml:",omitempty"`
}

// Config is the clustercheck configuration file.
type Config struct {
	// Workspace holds the run lock and the data dirs of managed nodes.
	Workspace string
	Scenarios []string

	Sync     SyncConfig
	Protocol ProtocolConfig
	Selector SelectorConfig
	Contract ContractConfig
	Nodes    []cluster.NodeSpec
}

func defaultConfig() *Config {
	return &Config{
		Workspace: "clustercheck-data",
		Scenarios: []string{"all"},
		Sync: SyncConfig{
			Attempts:     chaintester.DefaultSyncPolicy.MaxAttempts,
			Backoff:      duration(chaintester.DefaultSyncPolicy.Backoff),
			Balances:     true,
			AutoFilters:  true,
			ReadAttempts: chaintester.DefaultFetchPolicy.MaxAttempts,
			ReadBackoff:  duration(chaintester.DefaultFetchPolicy.Backoff),
		},
		Protocol: ProtocolConfig{GasLimit: chaintester.DefaultGasLimit, LogIndex: "receipt"},
		Selector: SelectorConfig{Kind: "random"},
	}
}

func loadConfig(file string, cfg *Config) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	err = tomlSettings.NewDecoder(bufio.NewReader(f)).Decode(cfg)
	// Add file name to errors that have a line number.
	if _, ok := err.(*toml.LineError); ok {
		err = errors.New(file + ", " + err.Error())
	}
	return err
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Workspace == "" {
		return fmt.Errorf("workspace is required")
	}
	if len(c.Nodes) == 0 {
		return fmt.Errorf("at least one node is required")
	}
	names := make(map[string]bool, len(c.Nodes))
	for i, n := range c.Nodes {
		if n.Name == "" {
			return fmt.Errorf("node %d: name is required", i)
		}
		if names[n.Name] {
			return fmt.Errorf("node %s: duplicate name", n.Name)
		}
		names[n.Name] = true
		if n.WalletFile == "" {
			return fmt.Errorf("node %s: wallet file is required", n.Name)
		}
		if _, err := n.Endpoint(); err != nil {
			return fmt.Errorf("node %s: %w", n.Name, err)
		}
	}
	if c.Sync.Attempts < 0 || c.Sync.ReadAttempts < 0 {
		return fmt.Errorf("sync attempts must be >= 0")
	}
	if c.Sync.Backoff <= 0 || c.Sync.ReadBackoff <= 0 {
		return fmt.Errorf("sync backoff must be > 0")
	}
	if c.Protocol.GasLimit == 0 {
		return fmt.Errorf("protocol gas limit must be > 0")
	}
	if _, err := c.logIndexMode(); err != nil {
		return err
	}
	switch c.Selector.Kind {
	case "random":
	case "fixed":
		if c.Selector.Index < 0 || c.Selector.Index >= len(c.Nodes) {
			return fmt.Errorf("selector index %d out of range [0, %d)", c.Selector.Index, len(c.Nodes))
		}
	default:
		return fmt.Errorf("selector kind must be 'random' or 'fixed', got %q", c.Selector.Kind)
	}
	if (c.Contract.ABI == "") != (c.Contract.Bin == "") {
		return fmt.Errorf("contract abi and bin must be given together")
	}
	if _, err := parseScenarios(c.Scenarios); err != nil {
		return err
	}
	return nil
}

// nodeSpecs returns the node list with managed nodes' data dirs defaulted
// into the workspace.
func (c *Config) nodeSpecs() []cluster.NodeSpec {
	specs := make([]cluster.NodeSpec, len(c.Nodes))
	for i, n := range c.Nodes {
		if n.Executable != "" && n.DataDir == "" {
			n.DataDir = filepath.Join(c.Workspace, n.Name)
		}
		specs[i] = n
	}
	return specs
}

func (c *Config) selector() cluster.Selector {
	if c.Selector.Kind == "fixed" {
		return cluster.FixedSelector(c.Selector.Index)
	}
	seed := c.Selector.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return cluster.NewRandomSelector(seed)
}

func (c *Config) logIndexMode() (chaintester.LogIndexMode, error) {
	switch c.Protocol.LogIndex {
	case "receipt", "":
		return chaintester.LogIndexPerReceipt, nil
	case "block":
		return chaintester.LogIndexPerBlock, nil
	}
	return 0, fmt.Errorf("protocol log index must be 'receipt' or 'block', got %q", c.Protocol.LogIndex)
}

func (c *Config) readPolicy() wait.Policy {
	return wait.Policy{MaxAttempts: c.Sync.ReadAttempts, Backoff: time.Duration(c.Sync.ReadBackoff)}
}

func (c *Config) testerConfig(logger log.Logger) chaintester.Config {
	mode, _ := c.logIndexMode()
	return chaintester.Config{
		TrackBalances: c.Sync.Balances,
		AutoFilters:   c.Sync.AutoFilters,
		SyncPolicy:    wait.Policy{MaxAttempts: c.Sync.Attempts, Backoff: time.Duration(c.Sync.Backoff)},
		FetchPolicy:   c.readPolicy(),
		Protocol:      chaintester.Protocol{GasLimit: c.Protocol.GasLimit, LogIndex: mode},
		Logger:        logger,
	}
}
