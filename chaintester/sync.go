package chaintester

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tkmct/chainoracle/cluster"
	"github.com/tkmct/chainoracle/wait"
)

// Sync verifies new blocks one height at a time until every pending
// transaction has been resolved, then checks that no further block exists and
// that the shadow ledger and auto filters agree with the nodes.
//
// A fatal failure aborts the cycle. Blocks verified and transactions resolved
// before it stay so; the remaining pending transactions are leaked.
func (t *ChainTester) Sync(ctx context.Context) (err error) {
	if !t.syncing.TryLock() {
		return wait.Fatalf("concurrent Sync on the same chain tester")
	}
	defer t.syncing.Unlock()

	if t.registry.Len() == 0 {
		return ErrNothingToSync
	}
	start := time.Now()
	defer func() {
		syncLatency.UpdateSince(start)
		switch {
		case wait.IsFatal(err):
			syncFatalTotal.Inc(1)
		case errors.Is(err, wait.ErrTimeout):
			syncTimeoutTotal.Inc(1)
		}
	}()

	touched := mapset.NewThreadUnsafeSet[common.Address]()
	first := t.LastBlockNumber() + 1
	for t.registry.Len() > 0 {
		if err := t.syncBlock(ctx, touched); err != nil {
			return err
		}
	}
	last := t.LastBlockNumber()
	if err := t.ExpectAbsent(ctx, last+1); err != nil {
		return err
	}
	if t.cfg.TrackBalances {
		if err := t.checkBalances(ctx, touched); err != nil {
			return err
		}
	}
	if t.cfg.AutoFilters {
		if err := t.checkAutoFilters(ctx); err != nil {
			return err
		}
	}
	t.logger.Info("Chain synced", "from", first, "to", last, "elapsed", time.Since(start))
	return nil
}

// poll runs get under policy. Absent objects are retried like any other
// transient error.
func poll[V any](ctx context.Context, t *ChainTester, policy wait.Policy, get func(context.Context) (V, error)) (V, error) {
	res, err := wait.Wait(ctx, get, wait.Options[V]{Logger: t.logger}, policy)
	return res.Value, err
}

// fetchAll asks every node the same question.
func fetchAll[V any](ctx context.Context, t *ChainTester, policy wait.Policy, what string, get func(context.Context, *cluster.Node) (V, error)) ([]V, error) {
	nodes := t.cluster.Nodes()
	out := make([]V, len(nodes))
	for i, n := range nodes {
		v, err := poll(ctx, t, policy, func(ctx context.Context) (V, error) { return get(ctx, n) })
		if err != nil {
			return nil, fmt.Errorf("%s from %s: %w", what, n.Name(), err)
		}
		out[i] = v
	}
	return out, nil
}

// samples pairs each node's answer with the node name. A non-nil ref is put
// first under the given source name.
func samples[V any](t *ChainTester, ref *cluster.Sample, vals []V, raw func(V) json.RawMessage) []cluster.Sample {
	out := make([]cluster.Sample, 0, len(vals)+1)
	if ref != nil {
		out = append(out, *ref)
	}
	for i, v := range vals {
		out = append(out, cluster.Sample{Source: t.cluster.Node(i).Name(), Raw: raw(v)})
	}
	return out
}

func blockRaw(b *cluster.Block) json.RawMessage     { return b.Raw }
func txRaw(tx *cluster.Transaction) json.RawMessage { return tx.Raw }
func receiptRaw(r *cluster.Receipt) json.RawMessage { return r.Raw }

// fetchBlock loads the expanded block n from every node and requires them to
// be identical.
func (t *ChainTester) fetchBlock(ctx context.Context, n uint64, policy wait.Policy) (*cluster.Block, error) {
	blocks, err := fetchAll(ctx, t, policy, fmt.Sprintf("block %d", n), func(ctx context.Context, node *cluster.Node) (*cluster.Block, error) {
		return node.BlockByNumber(ctx, n, true)
	})
	if err != nil {
		return nil, err
	}
	if err := cluster.AssertEqualJSON(fmt.Sprintf("block %d", n), samples(t, nil, blocks, blockRaw)...); err != nil {
		return nil, err
	}
	return blocks[0], nil
}

// ledgerEntry is the balance effect of one synced transaction.
type ledgerEntry struct {
	from  common.Address
	to    *common.Address
	value *big.Int
	fee   *big.Int
	ok    bool
}

func (t *ChainTester) syncBlock(ctx context.Context, touched mapset.Set[common.Address]) error {
	start := time.Now()
	defer syncBlockLatency.UpdateSince(start)

	n := t.LastBlockNumber() + 1
	what := fmt.Sprintf("block %d", n)

	// Expanded and compact forms by height.
	b, err := t.fetchBlock(ctx, n, t.cfg.SyncPolicy)
	if err != nil {
		return err
	}
	compacts, err := fetchAll(ctx, t, t.cfg.FetchPolicy, "compact "+what, func(ctx context.Context, node *cluster.Node) (*cluster.Block, error) {
		return node.BlockByNumber(ctx, n, false)
	})
	if err != nil {
		return err
	}
	if err := cluster.AssertEqualJSON("compact "+what, samples(t, nil, compacts, blockRaw)...); err != nil {
		return err
	}
	compacted, err := b.Compact()
	if err != nil {
		return wait.Fatalf("%s: %v", what, err)
	}
	if err := cluster.AssertEqualJSON("compact and expanded "+what,
		cluster.Sample{Source: "expanded form", Raw: compacted},
		cluster.Sample{Source: "compact form", Raw: compacts[0].Raw}); err != nil {
		return err
	}

	// Both forms again by hash.
	for _, full := range []bool{true, false} {
		ref := cluster.Sample{Source: "lookup by number", Raw: b.Raw}
		if !full {
			ref.Raw = compacts[0].Raw
		}
		byHash, err := fetchAll(ctx, t, t.cfg.FetchPolicy, what+" by hash", func(ctx context.Context, node *cluster.Node) (*cluster.Block, error) {
			return node.BlockByHash(ctx, b.Hash, full)
		})
		if err != nil {
			return err
		}
		if err := cluster.AssertEqualJSON(fmt.Sprintf("%s by hash (full=%t)", what, full), samples(t, &ref, byHash, blockRaw)...); err != nil {
			return err
		}
	}

	if err := t.checkHeader(b, n); err != nil {
		return err
	}
	txs, err := b.FullTransactions()
	if err != nil {
		return wait.Fatalf("%v", err)
	}
	if err := t.checkTxCount(ctx, b, len(txs)); err != nil {
		return err
	}

	var (
		cumulative uint64
		logIndex   uint
		entries    []ledgerEntry
	)
	for i, tx := range txs {
		entry, err := t.verifyTx(ctx, b, uint64(i), tx, &cumulative, &logIndex)
		if err != nil {
			return err
		}
		entries = append(entries, entry)
		t.synced = append(t.synced, tx.Hash)
	}
	if cumulative != uint64(b.GasUsed) {
		return wait.Fatalf("%s: gasUsed %d, receipts add up to %d", what, b.GasUsed, cumulative)
	}
	if t.cfg.TrackBalances {
		if err := t.applyLedger(ctx, n, entries, touched); err != nil {
			return err
		}
	}

	t.blocks = append(t.blocks, b)
	syncBlocksTotal.Inc(1)
	syncHeightGauge.Update(int64(n))
	t.logger.Debug("Block verified", "number", n, "hash", b.Hash, "txs", len(txs), "gasUsed", uint64(b.GasUsed))
	return nil
}

type headerCheck struct {
	field string
	ok    bool
	got   any
}

func isZero(v *hexutil.Big) bool { return v != nil && v.ToInt().Sign() == 0 }

func (t *ChainTester) checkHeader(b *cluster.Block, n uint64) error {
	parent := t.blocks[n-1]
	author := "<missing>"
	if b.Author != nil {
		author = b.Author.Hex()
	}
	checks := []headerCheck{
		{"parentHash", b.ParentHash == parent.Hash, b.ParentHash},
		{"number", b.NumberU64() == n, b.NumberU64()},
		{"miner", t.cluster.IsAccount(b.Miner), b.Miner},
		{"author", b.Author != nil && *b.Author == b.Miner, author},
		{"extraData", len(b.ExtraData) == 0, b.ExtraData},
		{"gasLimit", uint64(b.GasLimit) == t.cfg.Protocol.GasLimit, uint64(b.GasLimit)},
		{"mixHash", b.MixHash == (common.Hash{}), b.MixHash},
		{"nonce", bytes.Equal(b.Nonce, make([]byte, 8)), b.Nonce},
		{"sha3Uncles", b.UncleHash == types.EmptyUncleHash, b.UncleHash},
		{"uncles", len(b.Uncles) == 0, b.Uncles},
		{"difficulty", isZero(b.Difficulty), b.Difficulty},
		{"totalDifficulty", isZero(b.TotalDifficulty), b.TotalDifficulty},
	}
	for _, c := range checks {
		if !c.ok {
			return wait.Fatalf("block %d: unexpected %s %v", n, c.field, c.got)
		}
	}
	return nil
}

func (t *ChainTester) checkTxCount(ctx context.Context, b *cluster.Block, want int) error {
	n := b.NumberU64()
	byNumber, err := fetchAll(ctx, t, t.cfg.FetchPolicy, "transaction count", func(ctx context.Context, node *cluster.Node) (uint64, error) {
		return node.BlockTxCountByNumber(ctx, n)
	})
	if err != nil {
		return err
	}
	byHash, err := fetchAll(ctx, t, t.cfg.FetchPolicy, "transaction count", func(ctx context.Context, node *cluster.Node) (uint64, error) {
		return node.BlockTxCountByHash(ctx, b.Hash)
	})
	if err != nil {
		return err
	}
	for i := range byNumber {
		if byNumber[i] != uint64(want) || byHash[i] != uint64(want) {
			return wait.Fatalf("block %d holds %d transactions, %s counts %d by number and %d by hash",
				n, want, t.cluster.Node(i).Name(), byNumber[i], byHash[i])
		}
	}
	return nil
}

// verifyTx checks the index-th transaction of b against the registry and the
// receipts served by every node, then resolves it.
func (t *ChainTester) verifyTx(ctx context.Context, b *cluster.Block, index uint64, tx *cluster.Transaction, cumulative *uint64, logIndex *uint) (ledgerEntry, error) {
	pt, err := t.registry.Take(tx.Hash)
	if err != nil {
		return ledgerEntry{}, fmt.Errorf("block %d transaction %d: %w", b.NumberU64(), index, err)
	}
	receipt, events, err := t.checkTx(ctx, b, index, tx, pt, cumulative, logIndex)
	if err != nil {
		return ledgerEntry{}, pt.wrap(err)
	}
	if err := t.registry.Resolve(tx.Hash, receipt, events); err != nil {
		return ledgerEntry{}, pt.wrap(err)
	}
	entry := ledgerEntry{
		from:  tx.From,
		to:    tx.To,
		value: tx.ValueInt(),
		fee:   new(big.Int).Mul(tx.GasPriceInt(), new(big.Int).SetUint64(uint64(receipt.GasUsed))),
		ok:    uint64(*receipt.Status) == types.ReceiptStatusSuccessful,
	}
	if tx.To == nil && entry.ok {
		entry.to = receipt.ContractAddress
	}
	return entry, nil
}

func (t *ChainTester) checkTx(ctx context.Context, b *cluster.Block, index uint64, tx *cluster.Transaction, pt *PendingTx, cumulative *uint64, logIndex *uint) (*cluster.Receipt, []*DecodedEvent, error) {
	n := b.NumberU64()
	inBlock := cluster.Sample{Source: fmt.Sprintf("block %d", n), Raw: tx.Raw}

	byHash, err := fetchAll(ctx, t, t.cfg.FetchPolicy, "transaction", func(ctx context.Context, node *cluster.Node) (*cluster.Transaction, error) {
		return node.TransactionByHash(ctx, tx.Hash)
	})
	if err != nil {
		return nil, nil, err
	}
	if err := cluster.AssertEqualJSON("transaction by hash", samples(t, &inBlock, byHash, txRaw)...); err != nil {
		return nil, nil, err
	}
	byIndex, err := fetchAll(ctx, t, t.cfg.FetchPolicy, "transaction", func(ctx context.Context, node *cluster.Node) (*cluster.Transaction, error) {
		return node.TransactionByBlockNumberAndIndex(ctx, n, index)
	})
	if err != nil {
		return nil, nil, err
	}
	if err := cluster.AssertEqualJSON("transaction by block and index", samples(t, &inBlock, byIndex, txRaw)...); err != nil {
		return nil, nil, err
	}
	if tx.BlockHash == nil || *tx.BlockHash != b.Hash || tx.BlockNumber == nil || uint64(*tx.BlockNumber) != n ||
		tx.TransactionIndex == nil || uint64(*tx.TransactionIndex) != index {
		return nil, nil, wait.Fatalf("transaction does not locate itself at block %d index %d", n, index)
	}

	receipts, err := fetchAll(ctx, t, t.cfg.FetchPolicy, "receipt", func(ctx context.Context, node *cluster.Node) (*cluster.Receipt, error) {
		return node.Receipt(ctx, tx.Hash)
	})
	if err != nil {
		return nil, nil, err
	}
	if err := cluster.AssertEqualJSON("receipt", samples(t, nil, receipts, receiptRaw)...); err != nil {
		return nil, nil, err
	}
	r := receipts[0]

	if uint64(r.GasUsed) > uint64(tx.Gas) {
		return nil, nil, wait.Fatalf("gasUsed %d exceeds gas %d", r.GasUsed, tx.Gas)
	}
	*cumulative += uint64(r.GasUsed)
	if uint64(r.CumulativeGasUsed) != *cumulative {
		return nil, nil, wait.Fatalf("cumulativeGasUsed %d, expected %d", r.CumulativeGasUsed, *cumulative)
	}
	if r.HasRoot {
		return nil, nil, wait.Fatalf("receipt carries a state root")
	}
	if r.Status == nil {
		return nil, nil, wait.Fatalf("receipt carries no status")
	}
	wantStatus := types.ReceiptStatusSuccessful
	if pt.Expectation.Fail {
		wantStatus = types.ReceiptStatusFailed
	}
	if uint64(*r.Status) != wantStatus {
		return nil, nil, wait.Fatalf("status %d, expected %d", uint64(*r.Status), wantStatus)
	}
	if g := pt.Expectation.GasUsed; g != nil && *g != uint64(r.GasUsed) {
		return nil, nil, wait.Fatalf("gasUsed %d, expected %d", r.GasUsed, *g)
	}

	checks := []headerCheck{
		{"from", r.From == tx.From, r.From},
		{"to", addrEqual(r.To, tx.To), r.To},
		{"transactionHash", r.TransactionHash == tx.Hash, r.TransactionHash},
		{"blockNumber", uint64(r.BlockNumber) == n, uint64(r.BlockNumber)},
		{"blockHash", r.BlockHash == b.Hash, r.BlockHash},
		{"transactionIndex", uint64(r.TransactionIndex) == index, uint64(r.TransactionIndex)},
	}
	for _, c := range checks {
		if !c.ok {
			return nil, nil, wait.Fatalf("receipt has unexpected %s %v", c.field, c.got)
		}
	}

	if tx.To == nil {
		created := crypto.CreateAddress(tx.From, uint64(tx.Nonce))
		if r.ContractAddress == nil || *r.ContractAddress != created {
			return nil, nil, wait.Fatalf("creation receipt has contractAddress %v, expected %s", r.ContractAddress, created)
		}
		if pt.deployment != nil && wantStatus == types.ReceiptStatusSuccessful {
			if err := pt.deployment.bind(created); err != nil {
				return nil, nil, err
			}
		}
	} else if r.ContractAddress != nil {
		return nil, nil, wait.Fatalf("call receipt has contractAddress %s", *r.ContractAddress)
	}

	events, err := t.checkLogs(b, index, tx, r, pt.Expectation, logIndex)
	if err != nil {
		return nil, nil, err
	}
	return r, events, nil
}

func addrEqual(a, b *common.Address) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// checkLogs matches the receipt's logs positionally against the expected
// event calls and decodes them.
func (t *ChainTester) checkLogs(b *cluster.Block, index uint64, tx *cluster.Transaction, r *cluster.Receipt, exp Expectation, logIndex *uint) ([]*DecodedEvent, error) {
	if len(r.Logs) != len(exp.Events) {
		return nil, wait.Fatalf("receipt has %d logs, expected events %v", len(r.Logs), exp.Events)
	}
	events := make([]*DecodedEvent, 0, len(r.Logs))
	for i, l := range r.Logs {
		wantIndex := uint(i)
		if t.cfg.Protocol.LogIndex == LogIndexPerBlock {
			wantIndex = *logIndex
		}
		checks := []headerCheck{
			{"blockHash", l.BlockHash == b.Hash, l.BlockHash},
			{"blockNumber", l.BlockNumber == b.NumberU64(), l.BlockNumber},
			{"logIndex", l.Index == wantIndex, l.Index},
			{"removed", !l.Removed, l.Removed},
			{"transactionHash", l.TxHash == tx.Hash, l.TxHash},
			{"transactionIndex", uint64(l.TxIndex) == index, l.TxIndex},
		}
		for _, c := range checks {
			if !c.ok {
				return nil, wait.Fatalf("log %d has unexpected %s %v", i, c.field, c.got)
			}
		}
		*logIndex++

		call := exp.Events[i]
		addr, err := call.Event.Address()
		if err != nil {
			return nil, wait.Fatalf("log %d: %v", i, err)
		}
		if l.Address != addr {
			return nil, wait.Fatalf("log %d emitted by %s, expected %s from %s", i, l.Address, call, addr)
		}
		dec, err := call.Event.Decode(l)
		if err != nil {
			return nil, wait.Fatalf("log %d: %v", i, err)
		}
		if dec.Name != call.Event.Name() || !argsEqual(call.Args, dec.Args) {
			return nil, wait.Fatalf("log %d decodes to %s%v, expected %s", i, dec.Name, dec.Args, call)
		}
		eventsMatchedTotal.Inc(1)
		events = append(events, dec)
	}
	return events, nil
}

// applyLedger advances the shadow ledger by block n. Every account the block
// touches is seeded afresh with its balance at n-1.
func (t *ChainTester) applyLedger(ctx context.Context, n uint64, entries []ledgerEntry, touched mapset.Set[common.Address]) error {
	var debited, credited big.Int
	seeded := mapset.NewThreadUnsafeSet[common.Address]()
	for _, e := range entries {
		addrs := []common.Address{e.from}
		if e.to != nil {
			addrs = append(addrs, *e.to)
		}
		for _, addr := range addrs {
			if seeded.Add(addr) {
				bal, err := t.balanceAt(ctx, addr, new(big.Int).SetUint64(n-1))
				if err != nil {
					return err
				}
				if err := t.ledger.Seed(addr, bal); err != nil {
					return err
				}
			}
			t.touched[addr] = n
			touched.Add(addr)
		}
		if err := t.ledger.Burn(e.from, e.fee); err != nil {
			return err
		}
		if !e.ok || e.value.Sign() == 0 {
			continue
		}
		if e.to == nil {
			return wait.Fatalf("block %d: value moved by %s to no recipient", n, e.from)
		}
		if err := t.ledger.Debit(e.from, e.value); err != nil {
			return err
		}
		debited.Add(&debited, e.value)
		if err := t.ledger.Credit(*e.to, e.value); err != nil {
			return err
		}
		credited.Add(&credited, e.value)
	}
	if debited.Cmp(&credited) != 0 || !t.ledger.Conserved() {
		return wait.Fatalf("block %d: ledger debited %v and credited %v", n, &debited, &credited)
	}
	return nil
}

func (t *ChainTester) balanceAt(ctx context.Context, addr common.Address, number *big.Int) (*big.Int, error) {
	node := t.cluster.Pick()
	bal, err := poll(ctx, t, t.cfg.FetchPolicy, func(ctx context.Context) (*big.Int, error) {
		return node.Balance(ctx, addr, number)
	})
	if err != nil {
		return nil, fmt.Errorf("balance of %s from %s: %w", addr, node.Name(), err)
	}
	return bal, nil
}

// checkBalances compares the shadow balance of every account touched during
// the cycle with the node's, at the height it was last touched and at head.
func (t *ChainTester) checkBalances(ctx context.Context, touched mapset.Set[common.Address]) error {
	for _, addr := range touched.ToSlice() {
		want, _ := t.ledger.Balance(addr)
		heights := []*big.Int{new(big.Int).SetUint64(t.touched[addr]), nil}
		for _, h := range heights {
			got, err := t.balanceAt(ctx, addr, h)
			if err != nil {
				return err
			}
			balanceChecksTotal.Inc(1)
			if got.Cmp(want) != 0 {
				at := "head"
				if h != nil {
					at = "block " + h.String()
				}
				return wait.Fatalf("balance of %s at %s is %v, expected %v", addr, at, got, want)
			}
		}
	}
	return nil
}

func (t *ChainTester) checkAutoFilters(ctx context.Context) error {
	blocks := make([]common.Hash, 0, len(t.blocks)-1)
	for _, b := range t.blocks[1:] {
		blocks = append(blocks, b.Hash)
	}
	for i := range t.blockFilters {
		if err := t.blockFilters[i].TestPoll(ctx, blocks); err != nil {
			return err
		}
		if err := t.pendingFilters[i].TestPoll(ctx, t.synced); err != nil {
			return err
		}
	}
	return nil
}
