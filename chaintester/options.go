package chaintester

import (
	"crypto/ecdsa"
	"math/big"
)

// Option adjusts a single driver call.
type Option func(*callOptions)

type callOptions struct {
	node       int // -1 lets the cluster selector pick
	signer     *ecdsa.PrivateKey
	nodeSigned bool
	exp        Expectation
	params     TxParams
	block      *big.Int
}

// WithNode sends the call to the i-th node of the cluster.
func WithNode(i int) Option {
	return func(o *callOptions) { o.node = i }
}

// WithSigner signs the transaction locally with key.
func WithSigner(key *ecdsa.PrivateKey) Option {
	return func(o *callOptions) { o.signer = key }
}

// WithNodeSigning lets the node sign the transaction even when the tester has
// a default signer.
func WithNodeSigning() Option {
	return func(o *callOptions) { o.nodeSigned = true }
}

// WithExpectation declares the outcome the transaction must have once synced.
func WithExpectation(exp Expectation) Option {
	return func(o *callOptions) { o.exp = exp }
}

// WithParams overrides transaction fields.
func WithParams(p TxParams) Option {
	return func(o *callOptions) { o.params = o.params.merge(p) }
}

// WithBlock evaluates read-only calls against the state at number.
func WithBlock(number *big.Int) Option {
	return func(o *callOptions) { o.block = number }
}
