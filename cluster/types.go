package cluster

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
)

// Block is the decoded form of an eth_getBlockBy* response. Transactions are
// kept raw: in the compact form each entry is a hash string, in the expanded
// form a transaction object.
type Block struct {
	Number          hexutil.Uint64    `json:"number"`
	Hash            common.Hash       `json:"hash"`
	ParentHash      common.Hash       `json:"parentHash"`
	Miner           common.Address    `json:"miner"`
	Author          *common.Address   `json:"author"`
	ExtraData       hexutil.Bytes     `json:"extraData"`
	GasLimit        hexutil.Uint64    `json:"gasLimit"`
	GasUsed         hexutil.Uint64    `json:"gasUsed"`
	MixHash         common.Hash       `json:"mixHash"`
	Nonce           hexutil.Bytes     `json:"nonce"`
	UncleHash       common.Hash       `json:"sha3Uncles"`
	Uncles          []common.Hash     `json:"uncles"`
	Difficulty      *hexutil.Big      `json:"difficulty"`
	TotalDifficulty *hexutil.Big      `json:"totalDifficulty"`
	Timestamp       hexutil.Uint64    `json:"timestamp"`
	Transactions    []json.RawMessage `json:"transactions"`

	Raw json.RawMessage `json:"-"`
}

// NumberU64 returns the block height.
func (b *Block) NumberU64() uint64 { return uint64(b.Number) }

// FullTransactions decodes the expanded transaction list.
func (b *Block) FullTransactions() ([]*Transaction, error) {
	txs := make([]*Transaction, len(b.Transactions))
	for i, raw := range b.Transactions {
		tx, err := decodeTransaction(raw)
		if err != nil {
			return nil, fmt.Errorf("block %d transaction %d: %w", b.Number, i, err)
		}
		txs[i] = tx
	}
	return txs, nil
}

// TransactionHashes decodes the compact transaction list.
func (b *Block) TransactionHashes() ([]common.Hash, error) {
	hashes := make([]common.Hash, len(b.Transactions))
	for i, raw := range b.Transactions {
		if err := json.Unmarshal(raw, &hashes[i]); err != nil {
			return nil, fmt.Errorf("block %d transaction %d: %w", b.Number, i, err)
		}
	}
	return hashes, nil
}

// Compact returns the raw block with each expanded transaction replaced by its
// hash, which is how the node should render the block without full objects.
func (b *Block) Compact() (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b.Raw, &fields); err != nil {
		return nil, fmt.Errorf("decode block: %w", err)
	}
	hashes := make([]json.RawMessage, len(b.Transactions))
	for i, raw := range b.Transactions {
		var tx struct {
			Hash json.RawMessage `json:"hash"`
		}
		if err := json.Unmarshal(raw, &tx); err != nil || tx.Hash == nil {
			return nil, fmt.Errorf("block %d transaction %d is not an object with a hash", b.Number, i)
		}
		hashes[i] = tx.Hash
	}
	list, err := json.Marshal(hashes)
	if err != nil {
		return nil, err
	}
	fields["transactions"] = list
	return json.Marshal(fields)
}

// Transaction is the decoded form of an RPC transaction object.
type Transaction struct {
	Hash             common.Hash     `json:"hash"`
	From             common.Address  `json:"from"`
	To               *common.Address `json:"to"`
	Value            *hexutil.Big    `json:"value"`
	Gas              hexutil.Uint64  `json:"gas"`
	GasPrice         *hexutil.Big    `json:"gasPrice"`
	Nonce            hexutil.Uint64  `json:"nonce"`
	Input            hexutil.Bytes   `json:"input"`
	BlockHash        *common.Hash    `json:"blockHash"`
	BlockNumber      *hexutil.Uint64 `json:"blockNumber"`
	TransactionIndex *hexutil.Uint64 `json:"transactionIndex"`

	Raw json.RawMessage `json:"-"`
}

// ValueInt returns the transferred value, zero if missing.
func (tx *Transaction) ValueInt() *big.Int {
	if tx.Value == nil {
		return new(big.Int)
	}
	return tx.Value.ToInt()
}

// GasPriceInt returns the gas price, zero if missing.
func (tx *Transaction) GasPriceInt() *big.Int {
	if tx.GasPrice == nil {
		return new(big.Int)
	}
	return tx.GasPrice.ToInt()
}

// Receipt is the decoded form of eth_getTransactionReceipt.
type Receipt struct {
	TransactionHash   common.Hash     `json:"transactionHash"`
	TransactionIndex  hexutil.Uint64  `json:"transactionIndex"`
	BlockHash         common.Hash     `json:"blockHash"`
	BlockNumber       hexutil.Uint64  `json:"blockNumber"`
	From              common.Address  `json:"from"`
	To                *common.Address `json:"to"`
	GasUsed           hexutil.Uint64  `json:"gasUsed"`
	CumulativeGasUsed hexutil.Uint64  `json:"cumulativeGasUsed"`
	ContractAddress   *common.Address `json:"contractAddress"`
	Logs              []*types.Log    `json:"logs"`
	Status            *hexutil.Uint64 `json:"status"`

	// HasRoot is set when the response carries a pre-Byzantium state root.
	HasRoot bool            `json:"-"`
	Raw     json.RawMessage `json:"-"`
}

// TxArgs are the arguments of eth_sendTransaction, eth_estimateGas and eth_call.
type TxArgs struct {
	From     *common.Address `json:"from,omitempty"`
	To       *common.Address `json:"to,omitempty"`
	Gas      *hexutil.Uint64 `json:"gas,omitempty"`
	GasPrice *hexutil.Big    `json:"gasPrice,omitempty"`
	Value    *hexutil.Big    `json:"value,omitempty"`
	Nonce    *hexutil.Uint64 `json:"nonce,omitempty"`
	Input    *hexutil.Bytes  `json:"input,omitempty"`
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func decodeBlock(raw json.RawMessage) (*Block, error) {
	if isNull(raw) {
		return nil, ethereum.NotFound
	}
	var b Block
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("decode block: %w", err)
	}
	b.Raw = raw
	return &b, nil
}

func decodeTransaction(raw json.RawMessage) (*Transaction, error) {
	if isNull(raw) {
		return nil, ethereum.NotFound
	}
	var tx Transaction
	if err := json.Unmarshal(raw, &tx); err != nil {
		return nil, fmt.Errorf("decode transaction: %w", err)
	}
	tx.Raw = raw
	return &tx, nil
}

func decodeReceipt(raw json.RawMessage) (*Receipt, error) {
	if isNull(raw) {
		return nil, ethereum.NotFound
	}
	var r Receipt
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("decode receipt: %w", err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("decode receipt: %w", err)
	}
	_, r.HasRoot = fields["root"]
	r.Raw = raw
	return &r, nil
}

// blockArg renders a block number the way the JSON-RPC API expects it.
// Nil means "latest"; negative values are the rpc package's named tags.
func blockArg(number *big.Int) string {
	if number == nil {
		return "latest"
	}
	if number.Sign() >= 0 {
		return hexutil.EncodeBig(number)
	}
	return rpc.BlockNumber(number.Int64()).String()
}
