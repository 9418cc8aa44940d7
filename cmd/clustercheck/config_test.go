package main

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tkmct/chainoracle/chaintester"
	"github.com/tkmct/chainoracle/cluster"
	"github.com/urfave/cli/v2"
)

func validConfig() *Config {
	cfg := defaultConfig()
	cfg.Nodes = []cluster.NodeSpec{
		{Name: "node0", HTTP: "http://127.0.0.1:7777", WalletFile: "wallet0.json"},
		{Name: "node1", WS: "ws://127.0.0.1:8777", WalletFile: "wallet1.json"},
	}
	return cfg
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, validConfig().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no nodes", func(c *Config) { c.Nodes = nil }, "at least one node is required"},
		{"no workspace", func(c *Config) { c.Workspace = "" }, "workspace is required"},
		{"unnamed node", func(c *Config) { c.Nodes[1].Name = "" }, "node 1: name is required"},
		{"duplicate name", func(c *Config) { c.Nodes[1].Name = "node0" }, "duplicate name"},
		{"no wallet", func(c *Config) { c.Nodes[0].WalletFile = "" }, "wallet file is required"},
		{"no endpoint", func(c *Config) { c.Nodes[0].HTTP = "" }, "no RPC endpoint"},
		{"bad provider", func(c *Config) { c.Nodes[0].Provider = "ipc" }, "unknown provider"},
		{"negative attempts", func(c *Config) { c.Sync.Attempts = -1 }, "attempts must be >= 0"},
		{"zero backoff", func(c *Config) { c.Sync.Backoff = 0 }, "backoff must be > 0"},
		{"zero gas limit", func(c *Config) { c.Protocol.GasLimit = 0 }, "gas limit must be > 0"},
		{"bad log index", func(c *Config) { c.Protocol.LogIndex = "tx" }, "log index must be"},
		{"bad selector", func(c *Config) { c.Selector.Kind = "roundrobin" }, "selector kind"},
		{"fixed out of range", func(c *Config) { c.Selector = SelectorConfig{Kind: "fixed", Index: 2} }, "out of range"},
		{"abi without bin", func(c *Config) { c.Contract.ABI = "emitter.abi" }, "given together"},
		{"unknown scenario", func(c *Config) { c.Scenarios = []string{"A,Z"} }, `unknown scenario "Z"`},
		{"no scenario", func(c *Config) { c.Scenarios = []string{" , "} }, "no scenario selected"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			require.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}

func TestParseScenarios(t *testing.T) {
	list, err := parseScenarios([]string{"e", "b, A"})
	require.NoError(t, err)
	var ids []string
	for _, s := range list {
		ids = append(ids, s.id)
	}
	require.Equal(t, []string{"A", "B", "E"}, ids)

	list, err = parseScenarios([]string{"D", "all"})
	require.NoError(t, err)
	require.Len(t, list, len(scenarios))
}

const sampleConfig = `
Workspace = "/var/lib/clustercheck"
Scenarios = ["A", "D"]

[Sync]
Attempts = 50
Backoff = "250ms"
Balances = false
AutoFilters = true
ReadAttempts = 5
ReadBackoff = "2s"

[Protocol]
GasLimit = 30000000
LogIndex = "block"

[Selector]
Kind = "fixed"
Index = 1

[[Nodes]]
Name = "boot"
HTTP = "http://10.0.0.1:7777"
WalletFile = "/keys/boot.json"

[[Nodes]]
Name = "managed"
WS = "ws://127.0.0.1:8777"
Provider = "ws"
WalletFile = "/keys/managed.json"
Executable = "/usr/bin/node"
ConfigFile = "/etc/node.json"
CleanData = true
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	cfg := defaultConfig()
	require.NoError(t, loadConfig(writeFile(t, "cluster.toml", sampleConfig), cfg))
	require.NoError(t, cfg.Validate())

	require.Equal(t, []string{"A", "D"}, cfg.Scenarios)
	require.Equal(t, 50, cfg.Sync.Attempts)
	require.Equal(t, 250*time.Millisecond, time.Duration(cfg.Sync.Backoff))
	require.False(t, cfg.Sync.Balances)
	require.Equal(t, 2*time.Second, time.Duration(cfg.Sync.ReadBackoff))
	require.Equal(t, uint64(30000000), cfg.Protocol.GasLimit)
	require.Equal(t, cluster.FixedSelector(1), cfg.selector())
	require.Len(t, cfg.Nodes, 2)
	require.True(t, cfg.Nodes[1].CleanData)

	specs := cfg.nodeSpecs()
	require.Empty(t, specs[0].DataDir)
	require.Equal(t, "/var/lib/clustercheck/managed", specs[1].DataDir)
	endpoint, err := specs[1].Endpoint()
	require.NoError(t, err)
	require.Equal(t, "ws://127.0.0.1:8777", endpoint)

	tc := cfg.testerConfig(nil)
	require.Equal(t, 50, tc.SyncPolicy.MaxAttempts)
	require.Equal(t, 5, tc.FetchPolicy.MaxAttempts)
	require.Equal(t, chaintester.LogIndexPerBlock, tc.Protocol.LogIndex)
	require.Equal(t, chaintester.LogIndexPerReceipt, validConfig().testerConfig(nil).Protocol.LogIndex)
	require.True(t, tc.AutoFilters)
	require.False(t, tc.TrackBalances)
}

func TestLoadConfigRejectsUnknownField(t *testing.T) {
	path := writeFile(t, "cluster.toml", "[Sync]\nAttempt = 3\n")
	err := loadConfig(path, defaultConfig())
	require.ErrorContains(t, err, path)
	require.ErrorContains(t, err, "field 'Attempt' is not defined")
}

func newCLIContext(t *testing.T, args ...string) *cli.Context {
	t.Helper()
	set := flag.NewFlagSet("clustercheck-test", flag.ContinueOnError)
	for _, f := range app.Flags {
		require.NoError(t, f.Apply(set))
	}
	require.NoError(t, set.Parse(args))
	return cli.NewContext(app, set, nil)
}

func TestBuildConfigFromCLI(t *testing.T) {
	path := writeFile(t, "cluster.toml", sampleConfig)

	cfg, err := buildConfigFromCLI(newCLIContext(t, "--config", path))
	require.NoError(t, err)
	require.Equal(t, "/var/lib/clustercheck", cfg.Workspace)
	require.Equal(t, 50, cfg.Sync.Attempts)

	cfg, err = buildConfigFromCLI(newCLIContext(t,
		"--config", path,
		"--workspace", "/tmp/ws",
		"--sync.attempts", "7",
		"--sync.backoff", "3s",
		"--sync.balances",
		"--selector", "random",
		"--seed", "42",
		"--scenarios", "E",
	))
	require.NoError(t, err)
	require.Equal(t, "/tmp/ws", cfg.Workspace)
	require.Equal(t, 7, cfg.Sync.Attempts)
	require.Equal(t, 3*time.Second, time.Duration(cfg.Sync.Backoff))
	require.True(t, cfg.Sync.Balances)
	require.Equal(t, SelectorConfig{Kind: "random", Index: 1, Seed: 42}, cfg.Selector)
	require.Equal(t, []string{"E"}, cfg.Scenarios)
	// Untouched flags keep the file's values.
	require.Equal(t, 5, cfg.Sync.ReadAttempts)

	_, err = buildConfigFromCLI(newCLIContext(t, "--config", filepath.Join(t.TempDir(), "missing.toml")))
	require.Error(t, err)
}
