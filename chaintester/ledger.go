package chaintester

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/tkmct/chainoracle/wait"
)

// Ledger is the oracle's own record of account balances, advanced by every
// synced transaction and compared against the nodes.
type Ledger struct {
	balances map[common.Address]*uint256.Int

	seeded   uint256.Int
	credited uint256.Int
	debited  uint256.Int
	burnt    uint256.Int
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{balances: make(map[common.Address]*uint256.Int)}
}

// Tracks reports whether addr has a balance in the ledger.
func (l *Ledger) Tracks(addr common.Address) bool {
	_, ok := l.balances[addr]
	return ok
}

// Seed sets the starting balance of addr.
func (l *Ledger) Seed(addr common.Address, balance *big.Int) error {
	v, overflow := uint256.FromBig(balance)
	if overflow || balance.Sign() < 0 {
		return wait.Fatalf("balance %v of %s does not fit 256 bits", balance, addr)
	}
	if old, ok := l.balances[addr]; ok {
		l.seeded.Sub(&l.seeded, old)
	}
	l.balances[addr] = v
	l.seeded.Add(&l.seeded, v)
	return nil
}

// Balance returns the tracked balance of addr.
func (l *Ledger) Balance(addr common.Address) (*big.Int, bool) {
	v, ok := l.balances[addr]
	if !ok {
		return nil, false
	}
	return v.ToBig(), true
}

// Balances returns a copy of every tracked balance.
func (l *Ledger) Balances() map[common.Address]*big.Int {
	out := make(map[common.Address]*big.Int, len(l.balances))
	for addr, v := range l.balances {
		out[addr] = v.ToBig()
	}
	return out
}

func (l *Ledger) get(addr common.Address) *uint256.Int {
	v, ok := l.balances[addr]
	if !ok {
		v = new(uint256.Int)
		l.balances[addr] = v
	}
	return v
}

// Debit subtracts amount from addr. Going below zero is fatal.
func (l *Ledger) Debit(addr common.Address, amount *big.Int) error {
	a, overflow := uint256.FromBig(amount)
	if overflow {
		return wait.Fatalf("debit %v from %s does not fit 256 bits", amount, addr)
	}
	v := l.get(addr)
	var next uint256.Int
	if _, under := next.SubOverflow(v, a); under {
		return wait.Fatalf("balance of %s went negative after debit of %v", addr, amount)
	}
	v.Set(&next)
	l.debited.Add(&l.debited, a)
	return nil
}

// Credit adds amount to addr.
func (l *Ledger) Credit(addr common.Address, amount *big.Int) error {
	a, overflow := uint256.FromBig(amount)
	if overflow {
		return wait.Fatalf("credit %v to %s does not fit 256 bits", amount, addr)
	}
	v := l.get(addr)
	var next uint256.Int
	if _, over := next.AddOverflow(v, a); over {
		return wait.Fatalf("balance of %s overflowed after credit of %v", addr, amount)
	}
	v.Set(&next)
	l.credited.Add(&l.credited, a)
	return nil
}

// Burn debits a transaction fee from addr.
func (l *Ledger) Burn(addr common.Address, fee *big.Int) error {
	if err := l.Debit(addr, fee); err != nil {
		return err
	}
	f, _ := uint256.FromBig(fee)
	l.burnt.Add(&l.burnt, f)
	return nil
}

// Conserved reports whether the tracked balances sum to what was seeded,
// plus credits, minus debits. Fees count as debits.
func (l *Ledger) Conserved() bool {
	var sum uint256.Int
	for _, v := range l.balances {
		sum.Add(&sum, v)
	}
	var want uint256.Int
	want.Add(&l.seeded, &l.credited)
	want.Sub(&want, &l.debited)
	return sum.Eq(&want)
}

// Burnt returns the total fees debited so far.
func (l *Ledger) Burnt() *big.Int { return l.burnt.ToBig() }
