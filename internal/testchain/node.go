package testchain

import (
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
)

type filterKind int

const (
	logFilter filterKind = iota
	blockFilter
	pendingFilter
)

type filter struct {
	kind   filterKind
	crit   criteria
	hashes []common.Hash // queued block or transaction hashes
	logs   []*types.Log  // queued logs
}

type node struct {
	chain  *Chain
	index  int
	server *rpc.Server

	// Fault injection, guarded by chain.mu.
	peers         int
	lag           int
	tamperBlocks  map[uint64]func(map[string]any)
	tamperRcpts   map[common.Hash]func(map[string]any)
	keepFilters   bool
	repeatPending bool

	filters  map[string]*filter
	filterID uint64
}

func newNode(c *Chain, i int) *node {
	n := &node{
		chain:        c,
		index:        i,
		server:       rpc.NewServer(),
		peers:        c.cfg.Nodes - 1,
		tamperBlocks: make(map[uint64]func(map[string]any)),
		tamperRcpts:  make(map[common.Hash]func(map[string]any)),
		filters:      make(map[string]*filter),
	}
	if err := n.server.RegisterName("eth", &ethAPI{n}); err != nil {
		panic(fmt.Sprintf("register eth API: %v", err))
	}
	if err := n.server.RegisterName("net", &netAPI{n}); err != nil {
		panic(fmt.Sprintf("register net API: %v", err))
	}
	return n
}

func (n *node) installFilter(f *filter) string {
	n.filterID++
	id := "0x" + strconv.FormatUint(n.filterID, 16)
	n.filters[id] = f
	return id
}

func (n *node) onBlock(b *block) {
	for _, f := range n.filters {
		switch f.kind {
		case blockFilter:
			f.hashes = append(f.hashes, b.hash)
		case logFilter:
			for _, r := range b.receipts {
				for _, l := range r.logs {
					if f.crit.matches(l, b.number, n.chain.head()) {
						f.logs = append(f.logs, l)
					}
				}
			}
		}
	}
}

func (n *node) onPending(hash common.Hash) {
	for _, f := range n.filters {
		if f.kind == pendingFilter {
			f.hashes = append(f.hashes, hash)
			if n.repeatPending {
				f.hashes = append(f.hashes, hash)
			}
		}
	}
}

// SetPeers overrides the peer count node i reports.
func (c *Chain) SetPeers(i, peers int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nodes[i].peers = peers
}

// Lag makes node i answer "not found" for its head block on the next polls
// requests, as if the block had not propagated to it yet.
func (c *Chain) Lag(i, polls int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nodes[i].lag = polls
}

// TamperBlock rewrites every representation of block height that node i serves.
func (c *Chain) TamperBlock(i int, height uint64, fn func(map[string]any)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nodes[i].tamperBlocks[height] = fn
}

// TamperReceipt rewrites the receipt of tx that node i serves.
func (c *Chain) TamperReceipt(i int, tx common.Hash, fn func(map[string]any)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nodes[i].tamperRcpts[tx] = fn
}

// KeepFiltersOnUninstall makes node i acknowledge eth_uninstallFilter while
// keeping the filter alive.
func (c *Chain) KeepFiltersOnUninstall(i int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nodes[i].keepFilters = true
}

// RepeatPendingEntries makes node i report every new pending transaction
// twice to its pending-transaction filters.
func (c *Chain) RepeatPendingEntries(i int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nodes[i].repeatPending = true
}

// head returns the current head height. Callers hold c.mu.
func (c *Chain) head() uint64 { return uint64(len(c.blocks) - 1) }
