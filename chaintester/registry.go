package chaintester

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"runtime/debug"
	"slices"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tkmct/chainoracle/cluster"
	"github.com/tkmct/chainoracle/wait"
)

// Submitter is the part of a node the registry submits through.
type Submitter interface {
	Account() common.Address
	GasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, args cluster.TxArgs) (uint64, error)
	Signer(ctx context.Context) (types.Signer, error)
	SendRawTransaction(ctx context.Context, tx *types.Transaction) (common.Hash, error)
	SendTransaction(ctx context.Context, args cluster.TxArgs) (common.Hash, error)
}

// PendingTx is a submitted transaction awaiting inclusion.
type PendingTx struct {
	Hash        common.Hash
	Params      TxParams // as given by the caller
	Expectation Expectation
	CreatedAt   time.Time
	Stack       []byte
	Future      *Future

	seq        uint64
	deployment *ContractDeployment
}

// wrap attributes err to the transaction.
func (p *PendingTx) wrap(err error) error {
	return &TxError{
		Hash:        p.Hash,
		Params:      dumpParams(p.Params),
		Expectation: p.Expectation,
		Stack:       p.Stack,
		Err:         err,
	}
}

// Registry tracks every transaction from submission to resolution. A hash is
// pending, under verification or resolved, never more than one of them.
type Registry struct {
	nonces   NonceStrategy
	pending  map[common.Hash]*PendingTx
	taken    map[common.Hash]*PendingTx
	resolved map[common.Hash]*Future
	seq      uint64
}

// NewRegistry creates an empty registry. A nil strategy counts nonces from zero.
func NewRegistry(nonces NonceStrategy) *Registry {
	if nonces == nil {
		nonces = NewCounterNonces()
	}
	return &Registry{
		nonces:   nonces,
		pending:  make(map[common.Hash]*PendingTx),
		taken:    make(map[common.Hash]*PendingTx),
		resolved: make(map[common.Hash]*Future),
	}
}

// Submit sends a transaction through node and records its expectation. With a
// signer the transaction is signed locally and sent raw; without one the
// node signs it for params.From, defaulting to the node's own account.
func (r *Registry) Submit(ctx context.Context, node Submitter, params TxParams, signer *ecdsa.PrivateKey, exp Expectation) (*PendingTx, error) {
	orig := params
	var sender common.Address
	switch {
	case signer != nil:
		sender = crypto.PubkeyToAddress(signer.PublicKey)
	case params.From != nil:
		sender = *params.From
	default:
		sender = node.Account()
	}
	params.From = &sender
	allocated := params.Nonce == nil
	if allocated {
		n, err := r.nonces.Next(ctx, sender)
		if err != nil {
			return nil, fmt.Errorf("nonce for %s: %w", sender, err)
		}
		params.Nonce = &n
	}

	var (
		hash common.Hash
		err  error
	)
	if signer != nil {
		hash, err = r.sendSigned(ctx, node, params, signer)
	} else {
		hash, err = node.SendTransaction(ctx, params.args())
	}
	if err != nil {
		if allocated {
			r.nonces.Release(sender, *params.Nonce)
		}
		return nil, fmt.Errorf("send transaction: %w", err)
	}
	if _, ok := r.pending[hash]; ok {
		return nil, wait.Fatalf("duplicate transaction hash %s: already pending", hash)
	}
	if _, ok := r.taken[hash]; ok {
		return nil, wait.Fatalf("duplicate transaction hash %s: under verification", hash)
	}
	if _, ok := r.resolved[hash]; ok {
		return nil, wait.Fatalf("duplicate transaction hash %s: already resolved", hash)
	}
	r.seq++
	pt := &PendingTx{
		Hash:        hash,
		Params:      orig,
		Expectation: exp,
		CreatedAt:   time.Now(),
		Stack:       debug.Stack(),
		Future:      &Future{Hash: hash},
		seq:         r.seq,
	}
	r.pending[hash] = pt
	txSubmittedTotal.Inc(1)
	return pt, nil
}

func (r *Registry) sendSigned(ctx context.Context, node Submitter, params TxParams, key *ecdsa.PrivateKey) (common.Hash, error) {
	if params.GasPrice == nil {
		price, err := node.GasPrice(ctx)
		if err != nil {
			return common.Hash{}, fmt.Errorf("gas price: %w", err)
		}
		params.GasPrice = price
	}
	if params.Gas == nil {
		gas, err := node.EstimateGas(ctx, params.args())
		if err != nil {
			return common.Hash{}, fmt.Errorf("estimate gas: %w", err)
		}
		params.Gas = &gas
	}
	signer, err := node.Signer(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	tx, err := types.SignNewTx(key, signer, &types.LegacyTx{
		Nonce:    *params.Nonce,
		GasPrice: params.GasPrice,
		Gas:      *params.Gas,
		To:       params.To,
		Value:    params.value(),
		Data:     params.Data,
	})
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign: %w", err)
	}
	hash, err := node.SendRawTransaction(ctx, tx)
	if err != nil {
		return common.Hash{}, err
	}
	if hash != tx.Hash() {
		return common.Hash{}, wait.Fatalf("node reported hash %s for transaction %s", hash, tx.Hash())
	}
	return hash, nil
}

// Len returns the number of pending transactions.
func (r *Registry) Len() int { return len(r.pending) }

// Pending returns the pending transactions in submission order.
func (r *Registry) Pending() []*PendingTx {
	out := make([]*PendingTx, 0, len(r.pending))
	for _, pt := range r.pending {
		out = append(out, pt)
	}
	slices.SortFunc(out, func(a, b *PendingTx) int { return int(a.seq) - int(b.seq) })
	return out
}

// Resolved returns the future of a resolved transaction.
func (r *Registry) Resolved(hash common.Hash) (*Future, bool) {
	f, ok := r.resolved[hash]
	return f, ok
}

// Take moves a pending transaction under verification. A hash that was never
// submitted, or that is already taken or resolved, is a fatal failure.
func (r *Registry) Take(hash common.Hash) (*PendingTx, error) {
	if _, ok := r.resolved[hash]; ok {
		return nil, wait.Fatalf("transaction %s included twice", hash)
	}
	if _, ok := r.taken[hash]; ok {
		return nil, wait.Fatalf("transaction %s is already under verification", hash)
	}
	pt, ok := r.pending[hash]
	if !ok {
		return nil, wait.Fatalf("transaction %s is not known as pending", hash)
	}
	delete(r.pending, hash)
	r.taken[hash] = pt
	return pt, nil
}

// Resolve completes a taken transaction. Resolving twice is a fatal failure.
func (r *Registry) Resolve(hash common.Hash, receipt *cluster.Receipt, events []*DecodedEvent) error {
	if _, ok := r.resolved[hash]; ok {
		return wait.Fatalf("transaction %s resolved twice", hash)
	}
	pt, ok := r.taken[hash]
	if !ok {
		return wait.Fatalf("transaction %s resolved without being taken", hash)
	}
	delete(r.taken, hash)
	pt.Future.receipt = receipt
	pt.Future.events = events
	pt.Future.resolved = true
	r.resolved[hash] = pt.Future
	txResolvedTotal.Inc(1)
	return nil
}
