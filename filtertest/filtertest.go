// Package filtertest checks a node's filter API against the entries the
// oracle knows to exist: incremental polls must converge on exactly the
// expected set, bulk retrieval must agree with what was polled, and an
// uninstalled filter must stay silent.
package filtertest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/tkmct/chainoracle/cluster"
	"github.com/tkmct/chainoracle/wait"
)

var (
	filterEntriesTotal    = metrics.NewRegisteredCounter("oracle/filter/entries/total", nil)
	filterUnexpectedTotal = metrics.NewRegisteredCounter("oracle/filter/unexpected/total", nil)
)

// Filterer is the filter API of one node.
type Filterer interface {
	Name() string
	NewFilter(ctx context.Context, q ethereum.FilterQuery) (string, error)
	NewBlockFilter(ctx context.Context) (string, error)
	NewPendingTransactionFilter(ctx context.Context) (string, error)
	FilterChanges(ctx context.Context, id string) ([]json.RawMessage, error)
	FilterLogs(ctx context.Context, id string) ([]json.RawMessage, error)
	UninstallFilter(ctx context.Context, id string) (bool, error)
}

// LogID identifies a log independently of its payload.
type LogID struct {
	BlockHash common.Hash
	TxHash    common.Hash
	Index     uint
}

// LogIDOf returns the identity of l.
func LogIDOf(l *types.Log) LogID {
	return LogID{BlockHash: l.BlockHash, TxHash: l.TxHash, Index: l.Index}
}

// Tester wraps one installed filter and everything it has reported so far.
type Tester[E comparable] struct {
	// AllowDuplicates lets the same entry be reported more than once over the
	// filter's lifetime.
	AllowDuplicates bool

	node    Filterer
	id      string
	kind    string
	bulk    bool // supports eth_getFilterLogs
	decode  func(json.RawMessage) (E, error)
	policy  wait.Policy
	seen    []E
	seenSet mapset.Set[E]
	logger  log.Logger
}

func newTester[E comparable](node Filterer, id, kind string, decode func(json.RawMessage) (E, error), policy wait.Policy) *Tester[E] {
	return &Tester[E]{
		node:    node,
		id:      id,
		kind:    kind,
		decode:  decode,
		policy:  policy,
		seenSet: mapset.NewThreadUnsafeSet[E](),
		logger:  log.New("node", node.Name(), "filter", id, "kind", kind),
	}
}

// NewLogFilter installs a log filter on node.
func NewLogFilter(ctx context.Context, node Filterer, q ethereum.FilterQuery, policy wait.Policy) (*Tester[LogID], error) {
	id, err := node.NewFilter(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("install log filter on %s: %w", node.Name(), err)
	}
	t := newTester(node, id, "log", decodeLog, policy)
	t.bulk = true
	return t, nil
}

// NewBlockFilter installs a new-block filter on node.
func NewBlockFilter(ctx context.Context, node Filterer, policy wait.Policy) (*Tester[common.Hash], error) {
	id, err := node.NewBlockFilter(ctx)
	if err != nil {
		return nil, fmt.Errorf("install block filter on %s: %w", node.Name(), err)
	}
	return newTester(node, id, "block", decodeHash, policy), nil
}

// NewPendingTxFilter installs a pending-transaction filter on node. Nodes
// may announce a transaction more than once, so duplicates are allowed.
func NewPendingTxFilter(ctx context.Context, node Filterer, policy wait.Policy) (*Tester[common.Hash], error) {
	id, err := node.NewPendingTransactionFilter(ctx)
	if err != nil {
		return nil, fmt.Errorf("install pending transaction filter on %s: %w", node.Name(), err)
	}
	t := newTester(node, id, "pending", decodeHash, policy)
	t.AllowDuplicates = true
	return t, nil
}

func decodeHash(raw json.RawMessage) (common.Hash, error) {
	var h common.Hash
	err := json.Unmarshal(raw, &h)
	return h, err
}

func decodeLog(raw json.RawMessage) (LogID, error) {
	var l types.Log
	if err := json.Unmarshal(raw, &l); err != nil {
		return LogID{}, err
	}
	if l.Removed {
		return LogID{}, wait.Fatalf("filter reported removed log %d of transaction %s", l.Index, l.TxHash)
	}
	return LogIDOf(&l), nil
}

// ID returns the node-assigned filter id.
func (t *Tester[E]) ID() string { return t.id }

// Seen returns every distinct entry reported so far, in first-report order.
func (t *Tester[E]) Seen() []E { return t.seen }

// Poll fetches the entries reported since the previous poll and returns those
// not seen before. A repeated entry is fatal unless duplicates are allowed.
func (t *Tester[E]) Poll(ctx context.Context) ([]E, error) {
	raws, err := t.node.FilterChanges(ctx, t.id)
	if err != nil {
		return nil, err
	}
	var fresh []E
	for _, raw := range raws {
		e, err := t.decode(raw)
		if err != nil {
			return nil, fmt.Errorf("decode %s filter entry: %w", t.kind, err)
		}
		filterEntriesTotal.Inc(1)
		if !t.seenSet.Add(e) {
			if !t.AllowDuplicates {
				return nil, wait.Fatalf("%s filter %s on %s reported %v twice", t.kind, t.id, t.node.Name(), e)
			}
			continue
		}
		t.seen = append(t.seen, e)
		fresh = append(fresh, e)
	}
	return fresh, nil
}

// TestPoll polls until the entries seen over the filter's lifetime are
// exactly expected. An entry outside expected is fatal.
func (t *Tester[E]) TestPoll(ctx context.Context, expected []E) error {
	want := mapset.NewThreadUnsafeSet(expected...)
	if want.Cardinality() != len(expected) {
		return errors.New("expected entries contain duplicates")
	}
	err := wait.Until(ctx, func(ctx context.Context) (bool, error) {
		if _, err := t.Poll(ctx); err != nil {
			return false, err
		}
		if extra := t.seenSet.Difference(want); extra.Cardinality() > 0 {
			filterUnexpectedTotal.Inc(int64(extra.Cardinality()))
			return false, wait.Fatalf("%s filter %s on %s reported unexpected entries %v", t.kind, t.id, t.node.Name(), extra.ToSlice())
		}
		return t.seenSet.Cardinality() == want.Cardinality(), nil
	}, t.policy)
	if err != nil {
		if errors.Is(err, wait.ErrTimeout) {
			missing := want.Difference(t.seenSet)
			return fmt.Errorf("%s filter %s on %s still misses %v: %w", t.kind, t.id, t.node.Name(), missing.ToSlice(), err)
		}
		return err
	}
	t.logger.Debug("Filter entries verified", "entries", want.Cardinality())
	return nil
}

// TestGetAllEntries checks that a bulk query of the filter returns exactly
// what has been polled so far, in the same order.
func (t *Tester[E]) TestGetAllEntries(ctx context.Context) error {
	if !t.bulk {
		return fmt.Errorf("%s filters do not support bulk retrieval", t.kind)
	}
	raws, err := t.node.FilterLogs(ctx, t.id)
	if err != nil {
		return fmt.Errorf("get filter logs: %w", err)
	}
	all := make([]E, len(raws))
	for i, raw := range raws {
		if all[i], err = t.decode(raw); err != nil {
			return fmt.Errorf("decode %s filter entry: %w", t.kind, err)
		}
	}
	if len(all) != len(t.seen) {
		return wait.Fatalf("%s filter %s on %s: bulk query returned %d entries, polled %d", t.kind, t.id, t.node.Name(), len(all), len(t.seen))
	}
	for i := range all {
		if all[i] != t.seen[i] {
			return wait.Fatalf("%s filter %s on %s: entry %d is %v in bulk query, %v when polled", t.kind, t.id, t.node.Name(), i, all[i], t.seen[i])
		}
	}
	return nil
}

type filterQuery struct {
	name string
	fn   func(context.Context, string) ([]json.RawMessage, error)
}

// TestUninstall removes the filter and checks that neither incremental nor
// bulk queries report anything afterwards. A node answering "filter not
// found" satisfies the check.
func (t *Tester[E]) TestUninstall(ctx context.Context) error {
	ok, err := t.node.UninstallFilter(ctx, t.id)
	if err != nil {
		return fmt.Errorf("uninstall filter: %w", err)
	}
	if !ok {
		return wait.Fatalf("%s filter %s on %s was not installed", t.kind, t.id, t.node.Name())
	}
	checks := []filterQuery{{"incremental", t.node.FilterChanges}}
	if t.bulk {
		checks = append(checks, filterQuery{"bulk", t.node.FilterLogs})
	}
	for _, c := range checks {
		entries, err := c.fn(ctx, t.id)
		if cluster.IsFilterNotFound(err) {
			continue
		}
		if err != nil {
			return fmt.Errorf("%s query after uninstall: %w", c.name, err)
		}
		if len(entries) > 0 {
			return wait.Fatalf("%s filter %s on %s returned %d entries to a %s query after uninstall", t.kind, t.id, t.node.Name(), len(entries), c.name)
		}
	}
	return nil
}
