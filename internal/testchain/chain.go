// Package testchain is a scripted multi-node chain for tests. Every node
// serves the eth and net JSON-RPC namespaces over its own rpc.Server and sees
// the same shared chain, unless a fault is injected for it.
package testchain

import (
	"crypto/ecdsa"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
)

// GasLimit is the block gas limit every block carries.
const GasLimit = 9007199254740991

// InitialBalance is credited to every node account at genesis.
var InitialBalance = hexutil.MustDecodeBig("0x1ffffffffffffff")

const genesisTime = 1700000000

// Config parameterizes a chain.
type Config struct {
	Nodes    int
	ChainID  uint64 // 0 selects unprotected homestead signatures
	GasPrice *big.Int
	// Alloc funds extra accounts at genesis.
	Alloc map[common.Address]*big.Int
	// BlockLogIndex numbers logs across the block instead of per receipt.
	BlockLogIndex bool
}

type state struct {
	balances  map[common.Address]*big.Int
	nonces    map[common.Address]uint64
	contracts map[common.Address]common.Hash // slot 0
}

func (s *state) copy() *state {
	cp := &state{
		balances:  make(map[common.Address]*big.Int, len(s.balances)),
		nonces:    make(map[common.Address]uint64, len(s.nonces)),
		contracts: make(map[common.Address]common.Hash, len(s.contracts)),
	}
	for a, b := range s.balances {
		cp.balances[a] = new(big.Int).Set(b)
	}
	for a, n := range s.nonces {
		cp.nonces[a] = n
	}
	for a, v := range s.contracts {
		cp.contracts[a] = v
	}
	return cp
}

func (s *state) balance(a common.Address) *big.Int {
	if b, ok := s.balances[a]; ok {
		return b
	}
	return new(big.Int)
}

type receipt struct {
	tx              *types.Transaction
	from            common.Address
	block           uint64
	index           uint64
	gasUsed         uint64
	cumulativeGas   uint64
	status          uint64
	contractAddress *common.Address
	logs            []*types.Log
}

type block struct {
	number     uint64
	hash       common.Hash
	parentHash common.Hash
	miner      common.Address
	timestamp  uint64
	gasUsed    uint64
	receipts   []*receipt
	state      *state
}

// Chain is the shared chain and the set of nodes serving it.
type Chain struct {
	mu       sync.Mutex
	cfg      Config
	signer   types.Signer
	keys     []*ecdsa.PrivateKey
	byAddr   map[common.Address]*ecdsa.PrivateKey
	blocks   []*block
	byHash   map[common.Hash]*block
	txs      map[common.Hash]*receipt
	pending  []*types.Transaction
	senders  map[common.Hash]common.Address
	current  *state // state including sealed blocks only
	nodes    []*node
	nextSeal int

	httpMu  sync.Mutex
	servers []*http.Server
}

// New creates a chain with cfg.Nodes nodes and seals its genesis block.
func New(cfg Config) *Chain {
	if cfg.Nodes <= 0 {
		cfg.Nodes = 1
	}
	if cfg.GasPrice == nil {
		cfg.GasPrice = big.NewInt(1)
	}
	c := &Chain{
		cfg:     cfg,
		byAddr:  make(map[common.Address]*ecdsa.PrivateKey),
		byHash:  make(map[common.Hash]*block),
		txs:     make(map[common.Hash]*receipt),
		senders: make(map[common.Hash]common.Address),
		current: &state{
			balances:  make(map[common.Address]*big.Int),
			nonces:    make(map[common.Address]uint64),
			contracts: make(map[common.Address]common.Hash),
		},
	}
	if cfg.ChainID == 0 {
		c.signer = types.HomesteadSigner{}
	} else {
		c.signer = types.LatestSignerForChainID(new(big.Int).SetUint64(cfg.ChainID))
	}
	for i := 0; i < cfg.Nodes; i++ {
		key := NodeKey(i)
		addr := crypto.PubkeyToAddress(key.PublicKey)
		c.keys = append(c.keys, key)
		c.byAddr[addr] = key
		c.current.balances[addr] = new(big.Int).Set(InitialBalance)
		c.nodes = append(c.nodes, newNode(c, i))
	}
	for addr, bal := range cfg.Alloc {
		c.current.balances[addr] = new(big.Int).Set(bal)
	}
	genesis := &block{timestamp: genesisTime, state: c.current.copy()}
	genesis.hash = genesis.computeHash()
	c.blocks = append(c.blocks, genesis)
	c.byHash[genesis.hash] = genesis
	return c
}

// NodeKey derives the deterministic account key of node i.
func NodeKey(i int) *ecdsa.PrivateKey {
	key, err := crypto.ToECDSA(crypto.Keccak256([]byte(fmt.Sprintf("testchain-node-%d", i))))
	if err != nil {
		panic(err)
	}
	return key
}

// Key returns the account key of node i.
func (c *Chain) Key(i int) *ecdsa.PrivateKey { return c.keys[i] }

// Account returns the account address of node i.
func (c *Chain) Account(i int) common.Address { return crypto.PubkeyToAddress(c.keys[i].PublicKey) }

// Len returns the number of nodes.
func (c *Chain) Len() int { return len(c.nodes) }

// Signer returns the signer transactions are validated with.
func (c *Chain) Signer() types.Signer { return c.signer }

// Client returns an in-process RPC client connected to node i.
func (c *Chain) Client(i int) *rpc.Client { return rpc.DialInProc(c.nodes[i].server) }

// ListenHTTP serves node i on a loopback HTTP port and returns its URL.
func (c *Chain) ListenHTTP(i int) (string, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	srv := &http.Server{Handler: c.nodes[i].server}
	go func() { _ = srv.Serve(listener) }()
	c.httpMu.Lock()
	c.servers = append(c.servers, srv)
	c.httpMu.Unlock()
	return "http://" + listener.Addr().String(), nil
}

// Close stops all servers.
func (c *Chain) Close() {
	c.httpMu.Lock()
	for _, srv := range c.servers {
		srv.Close()
	}
	c.servers = nil
	c.httpMu.Unlock()
	for _, n := range c.nodes {
		n.server.Stop()
	}
}

// Head returns the height of the newest sealed block.
func (c *Chain) Head() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return uint64(len(c.blocks) - 1)
}

// PendingCount returns the number of transactions waiting to be sealed.
func (c *Chain) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// BlockHash returns the hash of the block at height n.
func (c *Chain) BlockHash(n uint64) common.Hash {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blocks[n].hash
}

// Balance returns the head balance of addr.
func (c *Chain) Balance(addr common.Address) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).Set(c.current.balance(addr))
}

// Reward credits addr outside any transaction, like a block reward. It shows
// from the next sealed block on.
func (c *Chain) Reward(addr common.Address, amount *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current.balances[addr] = new(big.Int).Add(c.current.balance(addr), amount)
}

// Seal executes every pending transaction into one new block, mined by the
// nodes in turn, and returns its height. Sealing with nothing pending
// produces an empty block.
func (c *Chain) Seal() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	parent := c.blocks[len(c.blocks)-1]
	b := &block{
		number:     parent.number + 1,
		parentHash: parent.hash,
		miner:      crypto.PubkeyToAddress(c.keys[c.nextSeal%len(c.keys)].PublicKey),
		timestamp:  parent.timestamp + 1,
	}
	c.nextSeal++
	for i, tx := range c.pending {
		r := c.execute(tx, c.senders[tx.Hash()], uint64(i))
		r.block = b.number
		b.gasUsed += r.gasUsed
		r.cumulativeGas = b.gasUsed
		b.receipts = append(b.receipts, r)
	}
	b.hash = b.computeHash()
	var logIndex uint
	for _, r := range b.receipts {
		if !c.cfg.BlockLogIndex {
			logIndex = 0
		}
		for _, l := range r.logs {
			l.BlockHash = b.hash
			l.BlockNumber = b.number
			l.Index = logIndex
			logIndex++
		}
		c.txs[r.tx.Hash()] = r
	}
	b.state = c.current.copy()
	c.blocks = append(c.blocks, b)
	c.byHash[b.hash] = b
	c.pending = nil
	for _, n := range c.nodes {
		n.onBlock(b)
	}
	return b.number
}

func (c *Chain) execute(tx *types.Transaction, from common.Address, index uint64) *receipt {
	s := c.current
	kind := s.classify(tx.To(), tx.Data())
	r := &receipt{tx: tx, from: from, index: index, gasUsed: kind.gas(), status: types.ReceiptStatusSuccessful}
	if r.gasUsed > tx.Gas() {
		r.gasUsed = tx.Gas()
		r.status = types.ReceiptStatusFailed
	}
	if kind == kindRevert {
		r.status = types.ReceiptStatusFailed
	}
	fee := new(big.Int).Mul(tx.GasPrice(), new(big.Int).SetUint64(r.gasUsed))
	nonce := s.nonces[from]
	s.nonces[from] = nonce + 1
	s.balances[from] = new(big.Int).Sub(s.balance(from), fee)

	var to common.Address
	if kind == kindDeploy {
		to = crypto.CreateAddress(from, nonce)
		r.contractAddress = &to
	} else {
		to = *tx.To()
	}
	if r.status != types.ReceiptStatusSuccessful {
		return r
	}
	if kind == kindDeploy {
		s.contracts[to] = common.Hash{}
	}
	if kind == kindEmit {
		topics, data := emittedLog(from, tx.Data())
		s.contracts[to] = topics[1]
		r.logs = append(r.logs, &types.Log{
			Address: to,
			Topics:  topics,
			Data:    data,
			TxHash:  tx.Hash(),
			TxIndex: uint(index),
		})
	}
	if v := tx.Value(); v.Sign() > 0 {
		s.balances[from] = new(big.Int).Sub(s.balances[from], v)
		s.balances[to] = new(big.Int).Add(s.balance(to), v)
	}
	return r
}

// submit validates and queues a signed transaction. Callers hold c.mu.
func (c *Chain) submit(tx *types.Transaction) (common.Hash, error) {
	from, err := types.Sender(c.signer, tx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("invalid sender: %w", err)
	}
	hash := tx.Hash()
	if _, ok := c.txs[hash]; ok {
		return common.Hash{}, errors.New("already known")
	}
	for _, p := range c.pending {
		if p.Hash() == hash {
			return common.Hash{}, errors.New("already known")
		}
	}
	next := c.pendingNonce(from)
	switch {
	case tx.Nonce() < next:
		return common.Hash{}, fmt.Errorf("nonce too low: address %s, tx: %d state: %d", from, tx.Nonce(), next)
	case tx.Nonce() > next:
		return common.Hash{}, fmt.Errorf("nonce too high: address %s, tx: %d state: %d", from, tx.Nonce(), next)
	}
	cost := new(big.Int).Mul(tx.GasPrice(), new(big.Int).SetUint64(tx.Gas()))
	cost.Add(cost, tx.Value())
	if c.current.balance(from).Cmp(cost) < 0 {
		return common.Hash{}, fmt.Errorf("insufficient funds for gas * price + value: address %s", from)
	}
	c.pending = append(c.pending, tx)
	c.senders[hash] = from
	for _, n := range c.nodes {
		n.onPending(hash)
	}
	return hash, nil
}

func (c *Chain) pendingNonce(addr common.Address) uint64 {
	n := c.current.nonces[addr]
	for _, tx := range c.pending {
		if c.senders[tx.Hash()] == addr {
			n++
		}
	}
	return n
}

func (b *block) computeHash() common.Hash {
	var num [8]byte
	binary.BigEndian.PutUint64(num[:], b.number)
	parts := [][]byte{b.parentHash[:], num[:], b.miner[:]}
	for _, r := range b.receipts {
		h := r.tx.Hash()
		parts = append(parts, h[:])
	}
	return crypto.Keccak256Hash(parts...)
}
