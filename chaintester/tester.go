// Package chaintester drives transactions into a cluster and verifies, one
// block at a time, that every node agrees on the resulting chain and that the
// chain matches what the oracle expected to happen.
package chaintester

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/tkmct/chainoracle/cluster"
	"github.com/tkmct/chainoracle/filtertest"
	"github.com/tkmct/chainoracle/wait"
)

// DefaultGasLimit is the fixed block gas limit of the nodes under test.
const DefaultGasLimit = 9007199254740991

var (
	// DefaultSyncPolicy bounds the wait for a new block to reach every node.
	DefaultSyncPolicy = wait.Policy{MaxAttempts: 200, Backoff: time.Second}

	// DefaultFetchPolicy bounds every other read.
	DefaultFetchPolicy = wait.DefaultPolicy
)

// LogIndexMode selects what a log's logIndex counts.
type LogIndexMode int

const (
	// LogIndexPerReceipt restarts logIndex at zero in every receipt.
	LogIndexPerReceipt LogIndexMode = iota
	// LogIndexPerBlock counts logs across the whole block, as the EVM does.
	LogIndexPerBlock
)

// Protocol holds the constants every block and receipt must honor.
type Protocol struct {
	GasLimit uint64
	LogIndex LogIndexMode
}

// Config tunes a ChainTester.
type Config struct {
	// TrackBalances keeps a shadow ledger of every account a synced
	// transaction touches and checks it against the nodes.
	TrackBalances bool
	// AutoFilters installs a block filter and a pending-transaction filter on
	// every node and checks them after each Sync.
	AutoFilters bool
	// DefaultSigner signs transactions locally unless a call says otherwise.
	// Nil leaves signing to the nodes.
	DefaultSigner *ecdsa.PrivateKey

	SyncPolicy  wait.Policy
	FetchPolicy wait.Policy
	Nonces      NonceStrategy
	Protocol    Protocol
	Logger      log.Logger
}

func (c *Config) setDefaults() {
	if c.SyncPolicy == (wait.Policy{}) {
		c.SyncPolicy = DefaultSyncPolicy
	}
	if c.FetchPolicy == (wait.Policy{}) {
		c.FetchPolicy = DefaultFetchPolicy
	}
	if c.Nonces == nil {
		c.Nonces = NewCounterNonces()
	}
	if c.Protocol.GasLimit == 0 {
		c.Protocol.GasLimit = DefaultGasLimit
	}
	if c.Logger == nil {
		c.Logger = log.Root()
	}
}

// ChainTester is the oracle for one cluster. It must be used from a single
// goroutine; a concurrent Sync is reported as a fatal failure.
type ChainTester struct {
	cfg      Config
	cluster  *cluster.Cluster
	registry *Registry
	blocks   []*cluster.Block // verified, index == height
	ledger   *Ledger
	touched  map[common.Address]uint64 // height each shadowed account was last touched at
	synced   []common.Hash              // every resolved transaction, in chain order

	blockFilters   []*filtertest.Tester[common.Hash]
	pendingFilters []*filtertest.Tester[common.Hash]

	syncing sync.Mutex
	logger  log.Logger
}

// New creates a tester for c. Block 0 must be identical on every node; it
// becomes the first verified block.
func New(ctx context.Context, c *cluster.Cluster, cfg Config) (*ChainTester, error) {
	cfg.setDefaults()
	t := &ChainTester{
		cfg:      cfg,
		cluster:  c,
		registry: NewRegistry(cfg.Nonces),
		ledger:   NewLedger(),
		touched:  make(map[common.Address]uint64),
		logger:   cfg.Logger.New("module", "chaintester"),
	}
	genesis, err := t.fetchBlock(ctx, 0, cfg.FetchPolicy)
	if err != nil {
		return nil, fmt.Errorf("genesis: %w", err)
	}
	t.blocks = append(t.blocks, genesis)

	if cfg.AutoFilters {
		for _, n := range c.Nodes() {
			bf, err := filtertest.NewBlockFilter(ctx, n, cfg.FetchPolicy)
			if err != nil {
				return nil, err
			}
			pf, err := filtertest.NewPendingTxFilter(ctx, n, cfg.FetchPolicy)
			if err != nil {
				return nil, err
			}
			t.blockFilters = append(t.blockFilters, bf)
			t.pendingFilters = append(t.pendingFilters, pf)
		}
	}
	t.logger.Info("Chain tester ready", "nodes", c.Len(), "genesis", genesis.Hash)
	return t, nil
}

// Cluster returns the cluster under test.
func (t *ChainTester) Cluster() *cluster.Cluster { return t.cluster }

// Registry returns the pending transaction registry.
func (t *ChainTester) Registry() *Registry { return t.registry }

// Ledger returns the shadow ledger. It is empty unless balances are tracked.
func (t *ChainTester) Ledger() *Ledger { return t.ledger }

// LastBlockNumber returns the highest verified height.
func (t *ChainTester) LastBlockNumber() uint64 { return uint64(len(t.blocks) - 1) }

// Block returns the verified block at height n.
func (t *ChainTester) Block(n uint64) (*cluster.Block, bool) {
	if n >= uint64(len(t.blocks)) {
		return nil, false
	}
	return t.blocks[n], true
}

func (t *ChainTester) options(opts []Option) callOptions {
	o := callOptions{node: -1, signer: t.cfg.DefaultSigner}
	for _, opt := range opts {
		opt(&o)
	}
	if o.nodeSigned {
		o.signer = nil
	}
	return o
}

func (t *ChainTester) node(o callOptions) *cluster.Node {
	if o.node >= 0 {
		return t.cluster.Node(o.node)
	}
	return t.cluster.Pick()
}

// dryRunParams fills the sender of calls that are never submitted.
func (t *ChainTester) dryRunParams(params TxParams, o callOptions) TxParams {
	params = params.merge(o.params)
	if params.From == nil && o.signer != nil {
		from := crypto.PubkeyToAddress(o.signer.PublicKey)
		params.From = &from
	}
	return params
}

func (t *ChainTester) submit(ctx context.Context, params TxParams, o callOptions) (*PendingTx, error) {
	node := t.node(o)
	pt, err := t.registry.Submit(ctx, node, params.merge(o.params), o.signer, o.exp)
	if err != nil {
		return nil, fmt.Errorf("submit through %s: %w", node.Name(), err)
	}
	t.logger.Debug("Transaction submitted", "hash", pt.Hash, "node", node.Name(), "expect", pt.Expectation)
	return pt, nil
}

// SendTransaction submits an arbitrary transaction.
func (t *ChainTester) SendTransaction(ctx context.Context, params TxParams, opts ...Option) (*Future, error) {
	pt, err := t.submit(ctx, params, t.options(opts))
	if err != nil {
		return nil, err
	}
	return pt.Future, nil
}

// CoinTransfer sends value to the given address.
func (t *ChainTester) CoinTransfer(ctx context.Context, to common.Address, value *big.Int, opts ...Option) (*Future, error) {
	return t.SendTransaction(ctx, TxParams{To: &to, Value: value}, opts...)
}

// DeployContract submits the creation of contract with constructor args. The
// deployment's address is bound when the transaction is synced.
func (t *ChainTester) DeployContract(ctx context.Context, contract *Contract, args []any, opts ...Option) (*ContractDeployment, error) {
	data, err := contract.deployData(args)
	if err != nil {
		return nil, err
	}
	pt, err := t.submit(ctx, TxParams{Data: data}, t.options(opts))
	if err != nil {
		return nil, err
	}
	d := &ContractDeployment{Contract: contract, Tx: pt.Future, tester: t}
	pt.deployment = d
	return d, nil
}

// DeployContractEstimateGas estimates the creation of contract.
func (t *ChainTester) DeployContractEstimateGas(ctx context.Context, contract *Contract, args []any, opts ...Option) (uint64, error) {
	data, err := contract.deployData(args)
	if err != nil {
		return 0, err
	}
	o := t.options(opts)
	return t.node(o).EstimateGas(ctx, t.dryRunParams(TxParams{Data: data}, o).args())
}

// ExpectAbsent checks that no node serves block n.
func (t *ChainTester) ExpectAbsent(ctx context.Context, n uint64) error {
	for _, node := range t.cluster.Nodes() {
		res, err := wait.Wait(ctx, func(ctx context.Context) (*cluster.Block, error) {
			return node.BlockByNumber(ctx, n, false)
		}, wait.Options[*cluster.Block]{
			IsValueOK:       func(*cluster.Block) bool { return false },
			IsAbsent:        isNotFound,
			FailImmediately: func(b *cluster.Block, err error) bool { return err == nil },
			Logger:          t.logger,
		}, t.cfg.FetchPolicy)
		if errors.Is(err, wait.ErrUnexpectedValue) {
			return wait.Fatalf("block %d exists on %s", n, node.Name())
		}
		if err != nil {
			return fmt.Errorf("block %d on %s: %w", n, node.Name(), err)
		}
		if !res.Absent {
			return wait.Fatalf("block %d exists on %s", n, node.Name())
		}
	}
	return nil
}

func isNotFound(err error) bool { return errors.Is(err, ethereum.NotFound) }
