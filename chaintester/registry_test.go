package chaintester

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
	"github.com/tkmct/chainoracle/cluster"
	"github.com/tkmct/chainoracle/wait"
)

// stubSubmitter answers every node-signed send with the next queued hash.
type stubSubmitter struct {
	account common.Address
	hashes  []common.Hash
	sent    []cluster.TxArgs
	sendErr error // returned once by the next send
}

func (s *stubSubmitter) Account() common.Address { return s.account }

func (s *stubSubmitter) GasPrice(context.Context) (*big.Int, error) { return big.NewInt(3), nil }

func (s *stubSubmitter) EstimateGas(context.Context, cluster.TxArgs) (uint64, error) {
	return 21000, nil
}

func (s *stubSubmitter) Signer(context.Context) (types.Signer, error) {
	return types.HomesteadSigner{}, nil
}

func (s *stubSubmitter) SendRawTransaction(_ context.Context, tx *types.Transaction) (common.Hash, error) {
	return tx.Hash(), nil
}

func (s *stubSubmitter) SendTransaction(_ context.Context, args cluster.TxArgs) (common.Hash, error) {
	s.sent = append(s.sent, args)
	if err := s.sendErr; err != nil {
		s.sendErr = nil
		return common.Hash{}, err
	}
	h := s.hashes[0]
	s.hashes = s.hashes[1:]
	return h, nil
}

func TestRegistryLifecycle(t *testing.T) {
	ctx := context.Background()
	h1, h2 := common.HexToHash("0x01"), common.HexToHash("0x02")
	node := &stubSubmitter{account: common.HexToAddress("0xa1"), hashes: []common.Hash{h1, h2, h1, h1, h1}}
	nonces := NewCounterNonces()
	r := NewRegistry(nonces)

	p1, err := r.Submit(ctx, node, TxParams{}, nil, Expectation{})
	require.NoError(t, err)
	require.Nil(t, p1.Params.From)
	require.Equal(t, node.account, *node.sent[0].From)
	require.Equal(t, uint64(0), uint64(*node.sent[0].Nonce))

	p2, err := r.Submit(ctx, node, TxParams{}, nil, Expectation{Fail: true})
	require.NoError(t, err)
	require.Equal(t, uint64(1), uint64(*node.sent[1].Nonce))
	require.Equal(t, []*PendingTx{p1, p2}, r.Pending())

	_, err = r.Submit(ctx, node, TxParams{}, nil, Expectation{})
	require.True(t, wait.IsFatal(err))
	require.ErrorContains(t, err, "already pending")

	_, err = r.Take(common.HexToHash("0x03"))
	require.True(t, wait.IsFatal(err))

	require.True(t, wait.IsFatal(r.Resolve(h1, nil, nil)))
	taken, err := r.Take(h1)
	require.NoError(t, err)
	require.Same(t, p1, taken)
	_, err = r.Take(h1)
	require.True(t, wait.IsFatal(err))

	_, err = r.Submit(ctx, node, TxParams{}, nil, Expectation{})
	require.ErrorContains(t, err, "under verification")

	receipt := &cluster.Receipt{TransactionHash: h1}
	require.NoError(t, r.Resolve(h1, receipt, nil))
	require.True(t, p1.Future.Resolved())
	require.Same(t, receipt, p1.Future.Receipt())
	f, ok := r.Resolved(h1)
	require.True(t, ok)
	require.Same(t, p1.Future, f)

	require.True(t, wait.IsFatal(r.Resolve(h1, receipt, nil)))
	_, err = r.Take(h1)
	require.ErrorContains(t, err, "included twice")
	_, err = r.Submit(ctx, node, TxParams{}, nil, Expectation{})
	require.ErrorContains(t, err, "already resolved")
	require.Equal(t, 1, r.Len())
}

func TestRejectedSendReleasesNonce(t *testing.T) {
	ctx := context.Background()
	node := &stubSubmitter{
		account: common.HexToAddress("0xa1"),
		hashes:  []common.Hash{common.HexToHash("0x01"), common.HexToHash("0x02")},
		sendErr: errors.New("insufficient funds for gas * price + value"),
	}
	r := NewRegistry(nil)

	_, err := r.Submit(ctx, node, TxParams{}, nil, Expectation{})
	require.ErrorContains(t, err, "insufficient funds")
	require.Zero(t, r.Len())

	_, err = r.Submit(ctx, node, TxParams{}, nil, Expectation{})
	require.NoError(t, err)
	require.Len(t, node.sent, 2)
	require.Equal(t, uint64(0), uint64(*node.sent[1].Nonce))

	// A caller-chosen nonce is not handed back.
	node.sendErr = errors.New("nonce too high")
	_, err = r.Submit(ctx, node, TxParams{Nonce: u64(9)}, nil, Expectation{})
	require.Error(t, err)
	_, err = r.Submit(ctx, node, TxParams{}, nil, Expectation{})
	require.NoError(t, err)
	require.Equal(t, uint64(1), uint64(*node.sent[3].Nonce))
}

func TestRegistrySignsLocally(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	node := &stubSubmitter{account: common.HexToAddress("0xa1")}
	r := NewRegistry(nil)
	to := common.HexToAddress("0xb2")

	pt, err := r.Submit(context.Background(), node, TxParams{To: &to, Nonce: u64(7)}, key, Expectation{})
	require.NoError(t, err)
	require.Empty(t, node.sent)
	require.Nil(t, pt.Params.GasPrice)

	// The hash the registry keys on is that of the locally signed transaction.
	tx, err := types.SignNewTx(key, types.HomesteadSigner{}, &types.LegacyTx{
		Nonce: 7, GasPrice: big.NewInt(3), Gas: 21000, To: &to, Value: new(big.Int),
	})
	require.NoError(t, err)
	require.Equal(t, tx.Hash(), pt.Hash)
}

type fixedReader uint64

func (r fixedReader) Nonce(context.Context, common.Address, *big.Int) (uint64, error) {
	return uint64(r), nil
}

func TestNonceStrategies(t *testing.T) {
	ctx := context.Background()
	a, b := common.HexToAddress("0xa"), common.HexToAddress("0xb")

	c := NewCounterNonces()
	for want := uint64(0); want < 3; want++ {
		n, err := c.Next(ctx, a)
		require.NoError(t, err)
		require.Equal(t, want, n)
	}
	n, _ := c.Next(ctx, b)
	require.Zero(t, n)
	c.Set(a, 10)
	n, _ = c.Next(ctx, a)
	require.Equal(t, uint64(10), n)
	c.Reset()
	n, _ = c.Next(ctx, a)
	require.Zero(t, n)

	// Only the newest nonce can be released.
	n1, _ := c.Next(ctx, a)
	n2, _ := c.Next(ctx, a)
	c.Release(a, n1)
	n, _ = c.Next(ctx, a)
	require.Equal(t, n2+1, n)
	c.Release(a, n)
	n, _ = c.Next(ctx, a)
	require.Equal(t, n2+1, n)

	chain := NewChainNonces(fixedReader(5))
	n, _ = chain.Next(ctx, a)
	require.Equal(t, uint64(5), n)
	n, _ = chain.Next(ctx, a)
	require.Equal(t, uint64(6), n)
	chain.Release(a, 6)
	n, _ = chain.Next(ctx, a)
	require.Equal(t, uint64(6), n)
}

func TestLedger(t *testing.T) {
	a, b := common.HexToAddress("0xa"), common.HexToAddress("0xb")
	l := NewLedger()
	require.NoError(t, l.Seed(a, big.NewInt(100)))
	require.NoError(t, l.Seed(b, big.NewInt(0)))
	require.True(t, l.Tracks(a))

	require.NoError(t, l.Burn(a, big.NewInt(10)))
	require.NoError(t, l.Debit(a, big.NewInt(40)))
	require.NoError(t, l.Credit(b, big.NewInt(40)))
	require.True(t, l.Conserved())

	bal, ok := l.Balance(a)
	require.True(t, ok)
	require.Equal(t, "50", bal.String())
	require.Equal(t, "10", l.Burnt().String())
	require.Len(t, l.Balances(), 2)

	err := l.Debit(b, big.NewInt(41))
	require.True(t, wait.IsFatal(err))
	require.ErrorContains(t, err, "went negative")

	_, ok = l.Balance(common.HexToAddress("0xc"))
	require.False(t, ok)
	require.True(t, wait.IsFatal(l.Seed(a, new(big.Int).Lsh(big.NewInt(1), 256))))
}

func TestArgsEqual(t *testing.T) {
	addr := common.HexToAddress("0xa")
	got := map[string]any{"val": big.NewInt(1), "sender": addr}
	require.True(t, argsEqual(map[string]any{"val": 1, "sender": addr}, got))
	require.True(t, argsEqual(map[string]any{"val": uint64(1), "sender": addr}, got))
	require.False(t, argsEqual(map[string]any{"val": 2, "sender": addr}, got))
	for _, v := range []any{int8(1), int16(1), uint16(1), uint32(1), int32(1), uint(1)} {
		require.True(t, argsEqual(map[string]any{"val": v, "sender": addr}, got), "%T", v)
	}
	small := map[string]any{"val": int16(-3)}
	require.True(t, argsEqual(map[string]any{"val": big.NewInt(-3)}, small))
	require.False(t, argsEqual(map[string]any{"val": uint8(3)}, small))
	require.False(t, argsEqual(map[string]any{"val": 1}, got))
	require.False(t, argsEqual(map[string]any{"val": 1, "other": addr}, got))
}

func TestTxErrorReport(t *testing.T) {
	to := common.HexToAddress("0xb2")
	pt := &PendingTx{
		Hash:        common.HexToHash("0xabc"),
		Params:      TxParams{To: &to, Value: big.NewInt(100)},
		Expectation: Expectation{GasUsed: u64(21000)},
		Stack:       []byte("main.go:42"),
	}
	err := pt.wrap(wait.Fatalf("boom"))
	require.True(t, wait.IsFatal(err))
	msg := err.Error()
	require.Contains(t, msg, pt.Hash.Hex())
	require.Contains(t, msg, "boom")
	require.Contains(t, msg, "gasUsed=21000")
	require.Contains(t, msg, "Value")
	require.Contains(t, msg, "main.go:42")
}
