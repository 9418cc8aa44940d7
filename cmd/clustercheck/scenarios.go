package main

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"slices"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/tkmct/chainoracle/chaintester"
	"github.com/tkmct/chainoracle/filtertest"
)

type scenario struct {
	id            string
	name          string
	minNodes      int
	needsContract bool
	run           func(ctx context.Context, r *runner) error
}

var scenarios = []scenario{
	{id: "A", name: "coin transfer", minNodes: 2, run: scenarioCoinTransfer},
	{id: "B", name: "contract deployment", minNodes: 1, needsContract: true, run: scenarioDeploy},
	{id: "C", name: "event filters", minNodes: 1, needsContract: true, run: scenarioEvents},
	{id: "D", name: "absent block", minNodes: 1, run: scenarioAbsentBlock},
	{id: "E", name: "nothing to sync", minNodes: 1, run: scenarioNothingToSync},
}

// parseScenarios accepts ids like "A", "b,c" or "all".
func parseScenarios(values []string) ([]scenario, error) {
	selected := make(map[string]bool)
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = strings.ToUpper(strings.TrimSpace(part))
			switch {
			case part == "":
			case part == "ALL":
				return scenarios, nil
			case slices.ContainsFunc(scenarios, func(s scenario) bool { return s.id == part }):
				selected[part] = true
			default:
				return nil, fmt.Errorf("unknown scenario %q", part)
			}
		}
	}
	if len(selected) == 0 {
		return nil, errors.New("no scenario selected")
	}
	var out []scenario
	for _, s := range scenarios {
		if selected[s.id] {
			out = append(out, s)
		}
	}
	return out, nil
}

// runner carries the state shared by the scenarios of one run.
type runner struct {
	tester     *chaintester.ChainTester
	contract   *chaintester.Contract
	deployment *chaintester.ContractDeployment
	results    *Results
	logger     log.Logger
}

// Run executes the scenarios in order. The first failure skips the rest.
func (r *runner) Run(ctx context.Context, list []scenario) {
	var failed string
	for _, s := range list {
		label := fmt.Sprintf("Scenario %s (%s)", s.id, s.name)
		switch {
		case failed != "":
			r.results.Skip(label, "aborted after failure of scenario "+failed)
		case s.needsContract && r.contract == nil:
			r.results.Skip(label, "no contract configured")
		case r.tester.Cluster().Len() < s.minNodes:
			r.results.Skip(label, fmt.Sprintf("needs %d nodes", s.minNodes))
		default:
			r.logger.Info("Running scenario", "id", s.id, "name", s.name)
			if err := s.run(ctx, r); err != nil {
				r.logger.Error("Scenario failed", "id", s.id, "err", err)
				r.results.Fail(label, err.Error())
				failed = s.id
				continue
			}
			r.results.Pass(label, "ok")
		}
	}
}

func (r *runner) sync(ctx context.Context) error {
	if err := r.tester.Sync(ctx); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	return nil
}

// deployed returns the emitter deployed by scenario B, deploying it first
// if B did not run.
func (r *runner) deployed(ctx context.Context) (*chaintester.ContractDeployment, error) {
	if r.deployment != nil {
		return r.deployment, nil
	}
	d, err := r.tester.DeployContract(ctx, r.contract, nil, chaintester.WithNode(0), chaintester.WithNodeSigning())
	if err != nil {
		return nil, err
	}
	if err := r.sync(ctx); err != nil {
		return nil, err
	}
	r.deployment = d
	return d, nil
}

func scenarioCoinTransfer(ctx context.Context, r *runner) error {
	c := r.tester.Cluster()
	node := c.Node(0)
	from, to := node.Account(), c.Node(1).Account()
	value := big.NewInt(100)

	fut, err := r.tester.CoinTransfer(ctx, to, value, chaintester.WithNode(0), chaintester.WithNodeSigning())
	if err != nil {
		return err
	}
	if err := r.sync(ctx); err != nil {
		return err
	}
	receipt, _, err := fut.Result()
	if err != nil {
		return err
	}
	if receipt.Status == nil || uint64(*receipt.Status) != types.ReceiptStatusSuccessful {
		return fmt.Errorf("transfer %s did not succeed", receipt.TransactionHash)
	}
	tx, err := node.TransactionByHash(ctx, receipt.TransactionHash)
	if err != nil {
		return err
	}
	fee := new(big.Int).Mul(tx.GasPriceInt(), new(big.Int).SetUint64(uint64(receipt.GasUsed)))

	after := new(big.Int).SetUint64(uint64(receipt.BlockNumber))
	before := new(big.Int).Sub(after, big.NewInt(1))
	for _, acc := range []struct {
		addr common.Address
		want *big.Int
	}{
		{from, new(big.Int).Neg(new(big.Int).Add(value, fee))},
		{to, value},
	} {
		b0, err := node.Balance(ctx, acc.addr, before)
		if err != nil {
			return err
		}
		b1, err := node.Balance(ctx, acc.addr, after)
		if err != nil {
			return err
		}
		if got := new(big.Int).Sub(b1, b0); got.Cmp(acc.want) != 0 {
			return fmt.Errorf("balance of %s changed by %v in block %v, expected %v", acc.addr, got, after, acc.want)
		}
	}
	return nil
}

func scenarioDeploy(ctx context.Context, r *runner) error {
	d, err := r.tester.DeployContract(ctx, r.contract, nil, chaintester.WithNode(0), chaintester.WithNodeSigning())
	if err != nil {
		return err
	}
	if err := r.sync(ctx); err != nil {
		return err
	}
	receipt, _, err := d.Tx.Result()
	if err != nil {
		return err
	}
	if receipt.ContractAddress == nil {
		return fmt.Errorf("deployment %s has no contract address", receipt.TransactionHash)
	}
	addr, err := d.Address()
	if err != nil {
		return err
	}
	if addr != *receipt.ContractAddress {
		return fmt.Errorf("deployment bound to %s, receipt says %s", addr, receipt.ContractAddress)
	}
	r.deployment = d
	return nil
}

func scenarioEvents(ctx context.Context, r *runner) error {
	d, err := r.deployed(ctx)
	if err != nil {
		return err
	}
	ev, err := d.Event("Emitted")
	if err != nil {
		return err
	}
	c := r.tester.Cluster()
	watcher := c.Node(c.Len() - 1)
	one, err := ev.NewFilter(ctx, watcher, nil, nil, map[string]any{"val": big.NewInt(1)})
	if err != nil {
		return err
	}
	all, err := ev.NewFilter(ctx, watcher, nil, nil, nil)
	if err != nil {
		return err
	}

	sender := c.Node(0).Account()
	futs := make([]*chaintester.Future, 3)
	for v := range futs {
		val := big.NewInt(int64(v))
		exp := chaintester.Expectation{Events: []chaintester.EventCall{
			ev.Call(map[string]any{"val": val, "sender": sender}),
		}}
		futs[v], err = d.Execute(ctx, "emitValue", []any{val},
			chaintester.WithNode(0), chaintester.WithNodeSigning(), chaintester.WithExpectation(exp))
		if err != nil {
			return err
		}
	}
	if err := r.sync(ctx); err != nil {
		return err
	}

	ids := make([]filtertest.LogID, len(futs))
	for i, f := range futs {
		_, events, err := f.Result()
		if err != nil {
			return err
		}
		ids[i] = filtertest.LogIDOf(events[0].Log)
	}
	if err := one.TestPoll(ctx, ids[1:2]); err != nil {
		return fmt.Errorf("filter val=1: %w", err)
	}
	if err := all.TestPoll(ctx, ids); err != nil {
		return fmt.Errorf("unconstrained filter: %w", err)
	}
	if err := one.TestUninstall(ctx); err != nil {
		return err
	}
	return all.TestUninstall(ctx)
}

func scenarioAbsentBlock(ctx context.Context, r *runner) error {
	return r.tester.ExpectAbsent(ctx, r.tester.LastBlockNumber()+1)
}

func scenarioNothingToSync(ctx context.Context, r *runner) error {
	err := r.tester.Sync(ctx)
	switch {
	case errors.Is(err, chaintester.ErrNothingToSync):
		return nil
	case err == nil:
		return errors.New("sync with no pending transactions succeeded")
	default:
		return fmt.Errorf("expected nothing to sync, got: %w", err)
	}
}
