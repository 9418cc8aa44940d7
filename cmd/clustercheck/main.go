// Command clustercheck launches or attaches to a cluster of Ethereum
// JSON-RPC nodes and verifies that they stay consistent while transactions
// are driven through them.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/ethereum/go-ethereum/log"
	"github.com/fatih/color"
	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/tkmct/chainoracle/chaintester"
	"github.com/tkmct/chainoracle/cluster"
	"github.com/urfave/cli/v2"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	app = &cli.App{
		Name:  "clustercheck",
		Usage: "Verify the consistency of an Ethereum JSON-RPC node cluster",
	}

	configFileFlag = &cli.StringFlag{
		Name:    "config",
		Usage:   "TOML cluster configuration file",
		EnvVars: []string{"CLUSTERCHECK_CONFIG"},
	}
	workspaceFlag = &cli.StringFlag{
		Name:  "workspace",
		Usage: "Directory holding the run lock and managed node data",
	}
	scenariosFlag = &cli.StringSliceFlag{
		Name:  "scenarios",
		Usage: "Scenarios to run (A,B,C,D,E or all)",
	}
	syncAttemptsFlag = &cli.IntFlag{
		Name:  "sync.attempts",
		Usage: "Attempts to wait for each block on every node (0 = unlimited)",
	}
	syncBackoffFlag = &cli.DurationFlag{
		Name:  "sync.backoff",
		Usage: "Delay between block polling attempts",
	}
	syncBalancesFlag = &cli.BoolFlag{
		Name:  "sync.balances",
		Usage: "Track a shadow ledger and check balances after every sync",
	}
	syncFiltersFlag = &cli.BoolFlag{
		Name:  "sync.filters",
		Usage: "Install block and pending transaction filters on every node",
	}
	selectorFlag = &cli.StringFlag{
		Name:  "selector",
		Usage: "Node selection for unpinned submissions (random or fixed)",
	}
	selectorIndexFlag = &cli.IntFlag{
		Name:  "selector.index",
		Usage: "Node index used by the fixed selector",
	}
	seedFlag = &cli.Int64Flag{
		Name:  "seed",
		Usage: "Seed of the random selector (0 = clock)",
	}
	contractABIFlag = &cli.StringFlag{
		Name:  "contract.abi",
		Usage: "ABI of the emitter contract used by scenarios B and C",
	}
	contractBinFlag = &cli.StringFlag{
		Name:  "contract.bin",
		Usage: "Hex bytecode of the emitter contract",
	}
	verbosityFlag = &cli.IntFlag{
		Name:  "verbosity",
		Usage: "Logging verbosity: 0=silent, 1=error, 2=warn, 3=info, 4=debug, 5=detail",
		Value: 3,
	}
	logFormatFlag = &cli.StringFlag{
		Name:  "log.format",
		Usage: "Log format to use (terminal|json)",
		Value: "terminal",
	}
	logFileFlag = &cli.StringFlag{
		Name:  "log.file",
		Usage: "Write logs to a rotated file instead of stderr",
	}
	logMaxSizeFlag = &cli.IntFlag{
		Name:  "log.maxsize",
		Usage: "Maximum size in MBs of a single log file",
		Value: 100,
	}
	logMaxBackupsFlag = &cli.IntFlag{
		Name:  "log.maxbackups",
		Usage: "Maximum number of log files to retain",
		Value: 10,
	}
	logCompressFlag = &cli.BoolFlag{
		Name:  "log.compress",
		Usage: "Compress rotated log files",
	}
)

func init() {
	app.Action = runCheck
	app.Flags = []cli.Flag{
		configFileFlag,
		workspaceFlag,
		scenariosFlag,
		syncAttemptsFlag,
		syncBackoffFlag,
		syncBalancesFlag,
		syncFiltersFlag,
		selectorFlag,
		selectorIndexFlag,
		seedFlag,
		contractABIFlag,
		contractBinFlag,
		verbosityFlag,
		logFormatFlag,
		logFileFlag,
		logMaxSizeFlag,
		logMaxBackupsFlag,
		logCompressFlag,
	}
	app.Commands = []*cli.Command{
		{
			Name:   "dumpconfig",
			Usage:  "Print the effective configuration as TOML",
			Flags:  app.Flags,
			Action: dumpConfig,
		},
	}
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setupLogging installs the default logger. The returned function closes
// the log file, if any.
func setupLogging(ctx *cli.Context) (func() error, error) {
	var (
		output   io.Writer = colorable.NewColorableStderr()
		closer             = func() error { return nil }
		useColor           = isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())
	)
	if file := ctx.String(logFileFlag.Name); file != "" {
		lj := &lumberjack.Logger{
			Filename:   file,
			MaxSize:    ctx.Int(logMaxSizeFlag.Name),
			MaxBackups: ctx.Int(logMaxBackupsFlag.Name),
			Compress:   ctx.Bool(logCompressFlag.Name),
		}
		output, closer, useColor = lj, lj.Close, false
	}
	level := log.FromLegacyLevel(ctx.Int(verbosityFlag.Name))

	var handler slog.Handler
	switch format := ctx.String(logFormatFlag.Name); format {
	case "json":
		handler = log.JSONHandlerWithLevel(output, level)
	case "terminal", "":
		handler = log.NewTerminalHandlerWithLevel(output, level, useColor)
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	log.SetDefault(log.NewLogger(handler))
	return closer, nil
}

func buildConfigFromCLI(ctx *cli.Context) (*Config, error) {
	cfg := defaultConfig()
	if file := ctx.String(configFileFlag.Name); file != "" {
		if err := loadConfig(file, cfg); err != nil {
			return nil, err
		}
	}
	if ctx.IsSet(workspaceFlag.Name) {
		cfg.Workspace = ctx.String(workspaceFlag.Name)
	}
	if ctx.IsSet(scenariosFlag.Name) {
		cfg.Scenarios = ctx.StringSlice(scenariosFlag.Name)
	}
	if ctx.IsSet(syncAttemptsFlag.Name) {
		cfg.Sync.Attempts = ctx.Int(syncAttemptsFlag.Name)
	}
	if ctx.IsSet(syncBackoffFlag.Name) {
		cfg.Sync.Backoff = duration(ctx.Duration(syncBackoffFlag.Name))
	}
	if ctx.IsSet(syncBalancesFlag.Name) {
		cfg.Sync.Balances = ctx.Bool(syncBalancesFlag.Name)
	}
	if ctx.IsSet(syncFiltersFlag.Name) {
		cfg.Sync.AutoFilters = ctx.Bool(syncFiltersFlag.Name)
	}
	if ctx.IsSet(selectorFlag.Name) {
		cfg.Selector.Kind = ctx.String(selectorFlag.Name)
	}
	if ctx.IsSet(selectorIndexFlag.Name) {
		cfg.Selector.Index = ctx.Int(selectorIndexFlag.Name)
	}
	if ctx.IsSet(seedFlag.Name) {
		cfg.Selector.Seed = ctx.Int64(seedFlag.Name)
	}
	if ctx.IsSet(contractABIFlag.Name) {
		cfg.Contract.ABI = ctx.String(contractABIFlag.Name)
	}
	if ctx.IsSet(contractBinFlag.Name) {
		cfg.Contract.Bin = ctx.String(contractBinFlag.Name)
	}
	return cfg, nil
}

func dumpConfig(ctx *cli.Context) error {
	cfg, err := buildConfigFromCLI(ctx)
	if err != nil {
		return err
	}
	out, err := tomlSettings.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = ctx.App.Writer.Write(out)
	return err
}

func runCheck(ctx *cli.Context) error {
	closeLog, err := setupLogging(ctx)
	if err != nil {
		return err
	}
	defer closeLog()

	cfg, err := buildConfigFromCLI(ctx)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	list, _ := parseScenarios(cfg.Scenarios)

	// One run per workspace: managed nodes keep their data dirs there.
	if err := os.MkdirAll(cfg.Workspace, 0o755); err != nil {
		return err
	}
	lock := flock.New(filepath.Join(cfg.Workspace, "LOCK"))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("lock workspace: %w", err)
	}
	if !locked {
		return fmt.Errorf("workspace %s is in use by another run", cfg.Workspace)
	}
	defer lock.Unlock()

	runID := uuid.New().String()
	logger := log.New("run", runID)

	sigctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	results := NewResults(color.Output)
	if err := check(sigctx, cfg, list, results, logger); err != nil {
		return err
	}
	results.Print(runID)
	if results.Failed > 0 {
		return fmt.Errorf("%d scenario(s) failed", results.Failed)
	}
	return nil
}

// startTester brings up the cluster and attaches a chain tester to it.
func startTester(ctx context.Context, cfg *Config, logger log.Logger) (*cluster.Cluster, *chaintester.ChainTester, error) {
	logger.Info("Starting cluster", "nodes", len(cfg.Nodes), "workspace", cfg.Workspace)
	c, err := cluster.Start(ctx, cfg.nodeSpecs(), cluster.StartOptions{
		Selector:  cfg.selector(),
		Readiness: cfg.readPolicy(),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to start cluster: %w", err)
	}
	if err := c.WaitQuorum(ctx, cfg.readPolicy()); err != nil {
		c.Close()
		return nil, nil, err
	}
	tester, err := chaintester.New(ctx, c, cfg.testerConfig(logger))
	if err != nil {
		c.Close()
		return nil, nil, fmt.Errorf("failed to create chain tester: %w", err)
	}
	return c, tester, nil
}

// check runs the scenarios against a freshly started cluster.
func check(ctx context.Context, cfg *Config, list []scenario, results *Results, logger log.Logger) error {
	var contract *chaintester.Contract
	if cfg.Contract.ABI != "" {
		var err error
		if contract, err = chaintester.LoadContract("Emitter", cfg.Contract.ABI, cfg.Contract.Bin); err != nil {
			return fmt.Errorf("load contract: %w", err)
		}
	}
	c, tester, err := startTester(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := c.Close(); err != nil {
			logger.Warn("Failed to stop cluster", "err", err)
		}
	}()

	r := &runner{tester: tester, contract: contract, results: results, logger: logger}
	r.Run(ctx, list)

	if crashed := c.Crashed(); len(crashed) > 0 {
		names := make([]string, len(crashed))
		for i, n := range crashed {
			names[i] = n.Name()
		}
		results.Fail("Cluster health", fmt.Sprintf("crashed nodes: %v", names))
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		logger.Warn("Run interrupted")
	}
	return nil
}
