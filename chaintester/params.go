package chaintester

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/davecgh/go-spew/spew"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/tkmct/chainoracle/cluster"
)

// ErrNothingToSync is returned by Sync when no transaction is pending.
var ErrNothingToSync = errors.New("nothing to sync: no pending transactions")

// TxParams are the caller-controlled fields of a transaction. Nil fields are
// filled in at submission.
type TxParams struct {
	From     *common.Address
	To       *common.Address
	Value    *big.Int
	Gas      *uint64
	GasPrice *big.Int
	Nonce    *uint64
	Data     []byte
}

// merge overlays the non-nil fields of o onto p.
func (p TxParams) merge(o TxParams) TxParams {
	if o.From != nil {
		p.From = o.From
	}
	if o.To != nil {
		p.To = o.To
	}
	if o.Value != nil {
		p.Value = o.Value
	}
	if o.Gas != nil {
		p.Gas = o.Gas
	}
	if o.GasPrice != nil {
		p.GasPrice = o.GasPrice
	}
	if o.Nonce != nil {
		p.Nonce = o.Nonce
	}
	if o.Data != nil {
		p.Data = o.Data
	}
	return p
}

func (p TxParams) args() cluster.TxArgs {
	args := cluster.TxArgs{From: p.From, To: p.To}
	if p.Value != nil {
		args.Value = (*hexutil.Big)(p.Value)
	}
	if p.Gas != nil {
		gas := hexutil.Uint64(*p.Gas)
		args.Gas = &gas
	}
	if p.GasPrice != nil {
		args.GasPrice = (*hexutil.Big)(p.GasPrice)
	}
	if p.Nonce != nil {
		nonce := hexutil.Uint64(*p.Nonce)
		args.Nonce = &nonce
	}
	if len(p.Data) > 0 {
		data := hexutil.Bytes(p.Data)
		args.Input = &data
	}
	return args
}

func (p TxParams) value() *big.Int {
	if p.Value == nil {
		return new(big.Int)
	}
	return p.Value
}

// EventCall is one event a transaction is expected to emit.
type EventCall struct {
	Event *ContractEvent
	Args  map[string]any
}

func (c EventCall) String() string {
	if c.Event == nil {
		return "<nil event>"
	}
	return fmt.Sprintf("%s%v", c.Event.Name(), c.Args)
}

// Expectation declares the outcome of a transaction. The zero value expects
// success without events.
type Expectation struct {
	Fail    bool
	GasUsed *uint64
	Events  []EventCall
}

func (e Expectation) String() string {
	var b strings.Builder
	if e.Fail {
		b.WriteString("fail")
	} else {
		b.WriteString("ok")
	}
	if e.GasUsed != nil {
		fmt.Fprintf(&b, " gasUsed=%d", *e.GasUsed)
	}
	for _, ev := range e.Events {
		b.WriteString(" ")
		b.WriteString(ev.String())
	}
	return b.String()
}

// Future is the eventual outcome of a submitted transaction. It is resolved
// exactly once, when the block including the transaction is synced.
type Future struct {
	Hash common.Hash

	resolved bool
	receipt  *cluster.Receipt
	events   []*DecodedEvent
}

// Resolved reports whether the transaction has been synced.
func (f *Future) Resolved() bool { return f.resolved }

// Receipt returns the synced receipt, nil before resolution.
func (f *Future) Receipt() *cluster.Receipt { return f.receipt }

// Events returns the decoded events in emission order.
func (f *Future) Events() []*DecodedEvent { return f.events }

// Result returns the receipt and events, or an error if the transaction is
// still pending.
func (f *Future) Result() (*cluster.Receipt, []*DecodedEvent, error) {
	if !f.resolved {
		return nil, nil, fmt.Errorf("transaction %s is not synced yet", f.Hash)
	}
	return f.receipt, f.events, nil
}

// TxError attributes a verification failure to the transaction it happened on.
type TxError struct {
	Hash        common.Hash
	Params      string // dump of the submission parameters
	Expectation Expectation
	Stack       []byte // call stack at submission
	Err         error
}

func (e *TxError) Error() string {
	return fmt.Sprintf("failed on validating the transaction with hash %s: %v\nparams: %s\nexpectation: %v\noriginally sent at:\n%s",
		e.Hash, e.Err, e.Params, e.Expectation, e.Stack)
}

func (e *TxError) Unwrap() error { return e.Err }

var dumper = spew.ConfigState{Indent: "  ", DisablePointerAddresses: true, DisableCapacities: true}

func dumpParams(p TxParams) string { return dumper.Sdump(p) }
