package chaintester

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"
)

// NonceStrategy supplies the nonce of the next transaction sent by an address.
// Release hands back a nonce whose transaction never reached a node.
type NonceStrategy interface {
	Next(ctx context.Context, addr common.Address) (uint64, error)
	Release(addr common.Address, n uint64)
}

// CounterNonces counts per address starting at zero. It is the default
// strategy for fresh chains where the oracle is the only sender.
type CounterNonces struct {
	mu   sync.Mutex
	next map[common.Address]uint64
}

// NewCounterNonces creates an empty counter strategy.
func NewCounterNonces() *CounterNonces {
	return &CounterNonces{next: make(map[common.Address]uint64)}
}

func (c *CounterNonces) Next(_ context.Context, addr common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.next[addr]
	c.next[addr] = n + 1
	return n, nil
}

// Release rewinds the counter of addr to n if n was the last nonce handed
// out. A later nonce already in use keeps the counter where it is.
func (c *CounterNonces) Release(addr common.Address, n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if next, ok := c.next[addr]; ok && next == n+1 {
		c.next[addr] = n
	}
}

// Set makes n the next nonce handed out for addr.
func (c *CounterNonces) Set(addr common.Address, n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next[addr] = n
}

// Reset forgets every address.
func (c *CounterNonces) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.next)
}

// NonceReader reads an account nonce from a node.
type NonceReader interface {
	Nonce(ctx context.Context, addr common.Address, number *big.Int) (uint64, error)
}

// ChainNonces seeds each address from the node's pending nonce on first use
// and counts locally afterwards. It tracks nonces advanced outside the oracle.
type ChainNonces struct {
	Reader NonceReader

	counter CounterNonces
	seeded  map[common.Address]bool
}

// NewChainNonces creates a strategy reading from r.
func NewChainNonces(r NonceReader) *ChainNonces {
	return &ChainNonces{
		Reader:  r,
		counter: CounterNonces{next: make(map[common.Address]uint64)},
		seeded:  make(map[common.Address]bool),
	}
}

func (c *ChainNonces) Next(ctx context.Context, addr common.Address) (uint64, error) {
	if !c.seeded[addr] {
		n, err := c.Reader.Nonce(ctx, addr, big.NewInt(int64(rpc.PendingBlockNumber)))
		if err != nil {
			return 0, err
		}
		c.counter.Set(addr, n)
		c.seeded[addr] = true
	}
	return c.counter.Next(ctx, addr)
}

func (c *ChainNonces) Release(addr common.Address, n uint64) { c.counter.Release(addr, n) }
