package filtertest

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
	"github.com/tkmct/chainoracle/cluster"
	"github.com/tkmct/chainoracle/internal/testchain"
	"github.com/tkmct/chainoracle/wait"
)

var fast = wait.Policy{MaxAttempts: 10, Backoff: 2 * time.Millisecond}

func newTestNodes(t *testing.T, chain *testchain.Chain) []*cluster.Node {
	t.Helper()
	nodes := make([]*cluster.Node, chain.Len())
	for i := range nodes {
		nodes[i] = cluster.NewNode(fmt.Sprintf("node%d", i), chain.Key(i), chain.Client(i), nil)
		n := nodes[i]
		t.Cleanup(func() { n.Close() })
	}
	return nodes
}

func sealed(chain *testchain.Chain, blocks int) []common.Hash {
	var hashes []common.Hash
	for i := 0; i < blocks; i++ {
		hashes = append(hashes, chain.BlockHash(chain.Seal()))
	}
	return hashes
}

func TestBlockFilter(t *testing.T) {
	chain := testchain.New(testchain.Config{Nodes: 2})
	defer chain.Close()
	nodes := newTestNodes(t, chain)
	ctx := context.Background()

	f, err := NewBlockFilter(ctx, nodes[1], fast)
	require.NoError(t, err)
	require.NotEmpty(t, f.ID())
	hashes := sealed(chain, 3)

	require.NoError(t, f.TestPoll(ctx, hashes))
	require.Equal(t, hashes, f.Seen())
	require.ErrorContains(t, f.TestGetAllEntries(ctx), "bulk retrieval")

	err = f.TestPoll(ctx, append(hashes, common.HexToHash("0x01")))
	require.ErrorIs(t, err, wait.ErrTimeout)
	require.False(t, wait.IsFatal(err))
	require.ErrorContains(t, err, "still misses")

	require.NoError(t, f.TestUninstall(ctx))
	require.True(t, wait.IsFatal(f.TestUninstall(ctx)))
}

func TestUnexpectedEntryIsFatal(t *testing.T) {
	chain := testchain.New(testchain.Config{Nodes: 1})
	defer chain.Close()
	nodes := newTestNodes(t, chain)
	ctx := context.Background()

	f, err := NewBlockFilter(ctx, nodes[0], fast)
	require.NoError(t, err)
	hashes := sealed(chain, 2)

	err = f.TestPoll(ctx, hashes[:1])
	require.True(t, wait.IsFatal(err))
	require.ErrorContains(t, err, "unexpected entries")
	require.ErrorContains(t, f.TestPoll(ctx, []common.Hash{hashes[0], hashes[0]}), "duplicates")
}

func TestPendingFilterDuplicates(t *testing.T) {
	chain := testchain.New(testchain.Config{Nodes: 2})
	defer chain.Close()
	chain.RepeatPendingEntries(0)
	nodes := newTestNodes(t, chain)
	ctx := context.Background()

	tolerant, err := NewPendingTxFilter(ctx, nodes[0], fast)
	require.NoError(t, err)
	require.True(t, tolerant.AllowDuplicates)
	strict, err := NewPendingTxFilter(ctx, nodes[0], fast)
	require.NoError(t, err)
	strict.AllowDuplicates = false

	from, to := chain.Account(0), chain.Account(1)
	hash, err := nodes[1].SendTransaction(ctx, cluster.TxArgs{From: &from, To: &to})
	require.NoError(t, err)

	require.NoError(t, tolerant.TestPoll(ctx, []common.Hash{hash}))
	require.Equal(t, []common.Hash{hash}, tolerant.Seen())

	_, err = strict.Poll(ctx)
	require.True(t, wait.IsFatal(err))
	require.ErrorContains(t, err, "twice")
}

func emitValue(t *testing.T, ctx context.Context, node *cluster.Node, from, contract common.Address, nonce uint64, val int64) common.Hash {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(testchain.EmitterABI))
	require.NoError(t, err)
	input, err := parsed.Pack("emitValue", big.NewInt(val))
	require.NoError(t, err)
	data := hexutil.Bytes(input)
	n := hexutil.Uint64(nonce)
	hash, err := node.SendTransaction(ctx, cluster.TxArgs{From: &from, To: &contract, Input: &data, Nonce: &n})
	require.NoError(t, err)
	return hash
}

func TestLogFilter(t *testing.T) {
	chain := testchain.New(testchain.Config{Nodes: 2, BlockLogIndex: true})
	defer chain.Close()
	nodes := newTestNodes(t, chain)
	ctx := context.Background()

	from := chain.Account(0)
	code := hexutil.Bytes(testchain.EmitterCode)
	_, err := nodes[0].SendTransaction(ctx, cluster.TxArgs{From: &from, Input: &code})
	require.NoError(t, err)
	chain.Seal()
	contract := crypto.CreateAddress(from, 0)

	f, err := NewLogFilter(ctx, nodes[1], ethereum.FilterQuery{Addresses: []common.Address{contract}}, fast)
	require.NoError(t, err)

	// Bulk retrieval runs ahead of polling until the filter is polled.
	emitValue(t, ctx, nodes[0], from, contract, 1, 5)
	emitValue(t, ctx, nodes[0], from, contract, 2, 6)
	chain.Seal()
	require.True(t, wait.IsFatal(f.TestGetAllEntries(ctx)))

	fresh, err := f.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, fresh, 2)
	require.Equal(t, uint(0), fresh[0].Index)
	require.Equal(t, uint(1), fresh[1].Index)
	require.NoError(t, f.TestGetAllEntries(ctx))

	require.NoError(t, f.TestUninstall(ctx))
}

func TestUninstalledFilterMustStaySilent(t *testing.T) {
	chain := testchain.New(testchain.Config{Nodes: 1})
	defer chain.Close()
	chain.KeepFiltersOnUninstall(0)
	nodes := newTestNodes(t, chain)
	ctx := context.Background()

	f, err := NewBlockFilter(ctx, nodes[0], fast)
	require.NoError(t, err)
	sealed(chain, 1)

	err = f.TestUninstall(ctx)
	require.True(t, wait.IsFatal(err))
	require.ErrorContains(t, err, "after uninstall")
}

func TestRemovedLogIsFatal(t *testing.T) {
	l := &types.Log{
		Address: common.HexToAddress("0xc0"),
		Topics:  []common.Hash{common.HexToHash("0x01")},
		Data:    []byte{},
		TxHash:  common.HexToHash("0x02"),
		Removed: true,
	}
	raw, err := json.Marshal(l)
	require.NoError(t, err)
	_, err = decodeLog(raw)
	require.True(t, wait.IsFatal(err))

	l.Removed = false
	raw, err = json.Marshal(l)
	require.NoError(t, err)
	id, err := decodeLog(raw)
	require.NoError(t, err)
	require.Equal(t, LogIDOf(l), id)
}
