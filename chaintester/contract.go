package chaintester

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"reflect"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/tkmct/chainoracle/filtertest"
	"github.com/tkmct/chainoracle/wait"
)

// Contract is a compiled contract: its interface and deployment code.
type Contract struct {
	Name     string
	ABI      abi.ABI
	Bytecode []byte
}

// NewContract parses a JSON ABI.
func NewContract(name, abiJSON string, bytecode []byte) (*Contract, error) {
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return nil, fmt.Errorf("contract %s: %w", name, err)
	}
	return &Contract{Name: name, ABI: parsed, Bytecode: bytecode}, nil
}

// LoadContract reads a JSON ABI file and a hex encoded bytecode file.
func LoadContract(name, abiPath, binPath string) (*Contract, error) {
	abiJSON, err := os.ReadFile(abiPath)
	if err != nil {
		return nil, err
	}
	bin, err := os.ReadFile(binPath)
	if err != nil {
		return nil, err
	}
	return NewContract(name, string(abiJSON), common.FromHex(strings.TrimSpace(string(bin))))
}

func (c *Contract) deployData(args []any) ([]byte, error) {
	packed, err := c.ABI.Pack("", args...)
	if err != nil {
		return nil, fmt.Errorf("pack constructor of %s: %w", c.Name, err)
	}
	return append(append([]byte{}, c.Bytecode...), packed...), nil
}

// ContractDeployment is a contract created through the tester. Its address is
// bound exactly once, when the deployment receipt is synced.
type ContractDeployment struct {
	Contract *Contract
	Tx       *Future

	tester  *ChainTester
	address *common.Address
}

// Deployed reports whether the deployment has been synced.
func (d *ContractDeployment) Deployed() bool { return d.address != nil }

// Address returns the deployed address.
func (d *ContractDeployment) Address() (common.Address, error) {
	if d.address == nil {
		return common.Address{}, fmt.Errorf("contract %s is not yet deployed", d.Contract.Name)
	}
	return *d.address, nil
}

func (d *ContractDeployment) bind(addr common.Address) error {
	if d.address != nil {
		return wait.Fatalf("contract %s deployed twice: at %s and %s", d.Contract.Name, *d.address, addr)
	}
	if addr == (common.Address{}) {
		return wait.Fatalf("contract %s deployed at the zero address", d.Contract.Name)
	}
	d.address = &addr
	return nil
}

func (d *ContractDeployment) txParams(method string, args []any) (TxParams, error) {
	addr, err := d.Address()
	if err != nil {
		return TxParams{}, err
	}
	data, err := d.Contract.ABI.Pack(method, args...)
	if err != nil {
		return TxParams{}, fmt.Errorf("pack %s.%s: %w", d.Contract.Name, method, err)
	}
	return TxParams{To: &addr, Data: data}, nil
}

// Call runs a read-only method against the chain state and unpacks its outputs.
func (d *ContractDeployment) Call(ctx context.Context, method string, args []any, opts ...Option) ([]any, error) {
	params, err := d.txParams(method, args)
	if err != nil {
		return nil, err
	}
	o := d.tester.options(opts)
	node := d.tester.node(o)
	out, err := node.CallContract(ctx, d.tester.dryRunParams(params, o).args(), o.block)
	if err != nil {
		return nil, fmt.Errorf("call %s.%s on %s: %w", d.Contract.Name, method, node.Name(), err)
	}
	return d.Contract.ABI.Unpack(method, out)
}

// EstimateGas estimates a method invocation.
func (d *ContractDeployment) EstimateGas(ctx context.Context, method string, args []any, opts ...Option) (uint64, error) {
	params, err := d.txParams(method, args)
	if err != nil {
		return 0, err
	}
	o := d.tester.options(opts)
	return d.tester.node(o).EstimateGas(ctx, d.tester.dryRunParams(params, o).args())
}

// Execute submits a method invocation as a transaction.
func (d *ContractDeployment) Execute(ctx context.Context, method string, args []any, opts ...Option) (*Future, error) {
	params, err := d.txParams(method, args)
	if err != nil {
		return nil, err
	}
	pt, err := d.tester.submit(ctx, params, d.tester.options(opts))
	if err != nil {
		return nil, err
	}
	return pt.Future, nil
}

// Event returns a handle on one of the contract's events.
func (d *ContractDeployment) Event(name string) (*ContractEvent, error) {
	ev, ok := d.Contract.ABI.Events[name]
	if !ok {
		return nil, fmt.Errorf("contract %s has no event %s", d.Contract.Name, name)
	}
	return &ContractEvent{deployment: d, event: ev}, nil
}

// DecodedEvent is a log decoded against its event's ABI.
type DecodedEvent struct {
	Name    string
	Address common.Address
	Args    map[string]any
	Log     *types.Log
}

// ContractEvent is an event of a deployed contract.
type ContractEvent struct {
	deployment *ContractDeployment
	event      abi.Event
}

func (e *ContractEvent) Name() string { return e.event.Name }

// ID is the event's signature topic.
func (e *ContractEvent) ID() common.Hash { return e.event.ID }

// Address returns the emitting contract's address.
func (e *ContractEvent) Address() (common.Address, error) { return e.deployment.Address() }

// Call builds the expectation that the event is emitted with args.
func (e *ContractEvent) Call(args map[string]any) EventCall {
	return EventCall{Event: e, Args: args}
}

func (e *ContractEvent) indexed() abi.Arguments {
	var out abi.Arguments
	for _, arg := range e.event.Inputs {
		if arg.Indexed {
			out = append(out, arg)
		}
	}
	return out
}

// Decode decodes l as an occurrence of the event.
func (e *ContractEvent) Decode(l *types.Log) (*DecodedEvent, error) {
	if len(l.Topics) == 0 || l.Topics[0] != e.event.ID {
		return nil, fmt.Errorf("log %d is not a %s event", l.Index, e.event.Name)
	}
	args := make(map[string]any)
	if err := e.event.Inputs.NonIndexed().UnpackIntoMap(args, l.Data); err != nil {
		return nil, fmt.Errorf("decode %s data: %w", e.event.Name, err)
	}
	if err := abi.ParseTopicsIntoMap(args, e.indexed(), l.Topics[1:]); err != nil {
		return nil, fmt.Errorf("decode %s topics: %w", e.event.Name, err)
	}
	return &DecodedEvent{Name: e.event.Name, Address: l.Address, Args: args, Log: l}, nil
}

// Query builds a filter query for the event over [from, to], restricted by
// constraints on indexed arguments. Nil bounds mean the earliest and latest
// blocks.
func (e *ContractEvent) Query(from, to *big.Int, constraints map[string]any) (ethereum.FilterQuery, error) {
	addr, err := e.Address()
	if err != nil {
		return ethereum.FilterQuery{}, err
	}
	indexed := e.indexed()
	rules := [][]any{{e.event.ID}}
	used := 0
	for _, arg := range indexed {
		if v, ok := constraints[arg.Name]; ok {
			rules = append(rules, []any{v})
			used++
		} else {
			rules = append(rules, nil)
		}
	}
	if used != len(constraints) {
		return ethereum.FilterQuery{}, fmt.Errorf("event %s: constraints must name indexed arguments only", e.event.Name)
	}
	topics, err := abi.MakeTopics(rules...)
	if err != nil {
		return ethereum.FilterQuery{}, fmt.Errorf("event %s topics: %w", e.event.Name, err)
	}
	return ethereum.FilterQuery{
		FromBlock: from,
		ToBlock:   to,
		Addresses: []common.Address{addr},
		Topics:    topics,
	}, nil
}

// NewFilter installs a log filter for the event on node.
func (e *ContractEvent) NewFilter(ctx context.Context, node filtertest.Filterer, from, to *big.Int, constraints map[string]any) (*filtertest.Tester[filtertest.LogID], error) {
	q, err := e.Query(from, to, constraints)
	if err != nil {
		return nil, err
	}
	return filtertest.NewLogFilter(ctx, node, q, e.deployment.tester.cfg.FetchPolicy)
}

// argsEqual compares expected event arguments with decoded ones. Integers
// compare by value whatever their Go type.
func argsEqual(want, got map[string]any) bool {
	if len(want) != len(got) {
		return false
	}
	for k, w := range want {
		g, ok := got[k]
		if !ok || !valueEqual(w, g) {
			return false
		}
	}
	return true
}

func valueEqual(want, got any) bool {
	wi, wok := asBig(want)
	gi, gok := asBig(got)
	if wok && gok {
		return wi.Cmp(gi) == 0
	}
	return reflect.DeepEqual(want, got)
}

func asBig(v any) (*big.Int, bool) {
	if x, ok := v.(*big.Int); ok {
		return x, x != nil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return big.NewInt(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return new(big.Int).SetUint64(rv.Uint()), true
	}
	return nil, false
}
