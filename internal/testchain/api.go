package testchain

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
)

var (
	errHeaderNotFound = errors.New("header not found")
	errFilterNotFound = errors.New("filter not found")
)

type ethAPI struct{ n *node }

type txArgs struct {
	From     *common.Address `json:"from"`
	To       *common.Address `json:"to"`
	Gas      *hexutil.Uint64 `json:"gas"`
	GasPrice *hexutil.Big    `json:"gasPrice"`
	Value    *hexutil.Big    `json:"value"`
	Nonce    *hexutil.Uint64 `json:"nonce"`
	Input    *hexutil.Bytes  `json:"input"`
	Data     *hexutil.Bytes  `json:"data"`
}

func (a txArgs) data() []byte {
	if a.Input != nil {
		return *a.Input
	}
	if a.Data != nil {
		return *a.Data
	}
	return nil
}

func (a txArgs) value() *big.Int {
	if a.Value == nil {
		return new(big.Int)
	}
	return a.Value.ToInt()
}

func (api *ethAPI) lock() *Chain {
	api.n.chain.mu.Lock()
	return api.n.chain
}

func (api *ethAPI) unlock() { api.n.chain.mu.Unlock() }

func (api *ethAPI) ChainId() *hexutil.Big {
	return (*hexutil.Big)(new(big.Int).SetUint64(api.n.chain.cfg.ChainID))
}

func (api *ethAPI) GasPrice() *hexutil.Big {
	return (*hexutil.Big)(new(big.Int).Set(api.n.chain.cfg.GasPrice))
}

func (api *ethAPI) BlockNumber() hexutil.Uint64 {
	c := api.lock()
	defer api.unlock()
	return hexutil.Uint64(c.head())
}

// blockAt resolves a block tag. Callers hold the chain lock.
func (api *ethAPI) blockAt(number rpc.BlockNumber) *block {
	c := api.n.chain
	h := resolve(&number, c.head(), c.head())
	if h > c.head() {
		return nil
	}
	return c.blocks[h]
}

func (api *ethAPI) stateAt(number *rpc.BlockNumberOrHash) (*state, error) {
	c := api.n.chain
	if number == nil {
		return c.current, nil
	}
	if hash, ok := number.Hash(); ok {
		b, ok := c.byHash[hash]
		if !ok {
			return nil, errHeaderNotFound
		}
		return b.state, nil
	}
	n, _ := number.Number()
	if n == rpc.PendingBlockNumber || n == rpc.LatestBlockNumber {
		return c.current, nil
	}
	b := api.blockAt(n)
	if b == nil {
		return nil, errHeaderNotFound
	}
	return b.state, nil
}

func (api *ethAPI) GetBalance(addr common.Address, number rpc.BlockNumberOrHash) (*hexutil.Big, error) {
	api.lock()
	defer api.unlock()
	s, err := api.stateAt(&number)
	if err != nil {
		return nil, err
	}
	return (*hexutil.Big)(new(big.Int).Set(s.balance(addr))), nil
}

func (api *ethAPI) GetTransactionCount(addr common.Address, number rpc.BlockNumberOrHash) (hexutil.Uint64, error) {
	c := api.lock()
	defer api.unlock()
	if n, ok := number.Number(); ok && n == rpc.PendingBlockNumber {
		return hexutil.Uint64(c.pendingNonce(addr)), nil
	}
	s, err := api.stateAt(&number)
	if err != nil {
		return 0, err
	}
	return hexutil.Uint64(s.nonces[addr]), nil
}

func (api *ethAPI) GetStorageAt(addr common.Address, slot common.Hash, number rpc.BlockNumberOrHash) (hexutil.Bytes, error) {
	api.lock()
	defer api.unlock()
	s, err := api.stateAt(&number)
	if err != nil {
		return nil, err
	}
	var v common.Hash
	if slot == (common.Hash{}) {
		v = s.contracts[addr]
	}
	return v[:], nil
}

func (api *ethAPI) GetBlockByNumber(number rpc.BlockNumber, fullTx bool) (map[string]any, error) {
	c := api.lock()
	defer api.unlock()
	b := api.blockAt(number)
	if b == nil {
		return nil, nil
	}
	if b.number == c.head() && api.n.lag > 0 {
		api.n.lag--
		return nil, nil
	}
	return api.n.blockJSON(b, fullTx), nil
}

func (api *ethAPI) GetBlockByHash(hash common.Hash, fullTx bool) (map[string]any, error) {
	c := api.lock()
	defer api.unlock()
	b, ok := c.byHash[hash]
	if !ok {
		return nil, nil
	}
	return api.n.blockJSON(b, fullTx), nil
}

func (api *ethAPI) GetBlockTransactionCountByNumber(number rpc.BlockNumber) *hexutil.Uint {
	api.lock()
	defer api.unlock()
	b := api.blockAt(number)
	if b == nil {
		return nil
	}
	n := hexutil.Uint(len(b.receipts))
	return &n
}

func (api *ethAPI) GetBlockTransactionCountByHash(hash common.Hash) *hexutil.Uint {
	c := api.lock()
	defer api.unlock()
	b, ok := c.byHash[hash]
	if !ok {
		return nil
	}
	n := hexutil.Uint(len(b.receipts))
	return &n
}

func (api *ethAPI) GetTransactionByHash(hash common.Hash) map[string]any {
	c := api.lock()
	defer api.unlock()
	if r, ok := c.txs[hash]; ok {
		return c.txJSON(r.tx, r.from, c.blocks[r.block], r.index)
	}
	for _, tx := range c.pending {
		if tx.Hash() == hash {
			return c.txJSON(tx, c.senders[hash], nil, 0)
		}
	}
	return nil
}

func (api *ethAPI) GetTransactionByBlockNumberAndIndex(number rpc.BlockNumber, index hexutil.Uint) map[string]any {
	c := api.lock()
	defer api.unlock()
	b := api.blockAt(number)
	if b == nil || int(index) >= len(b.receipts) {
		return nil
	}
	r := b.receipts[index]
	return c.txJSON(r.tx, r.from, b, r.index)
}

func (api *ethAPI) GetTransactionReceipt(hash common.Hash) (map[string]any, error) {
	c := api.lock()
	defer api.unlock()
	r, ok := c.txs[hash]
	if !ok {
		return nil, nil
	}
	m := c.receiptJSON(r, c.blocks[r.block])
	if fn := api.n.tamperRcpts[hash]; fn != nil {
		fn(m)
	}
	return m, nil
}

func (api *ethAPI) SendRawTransaction(input hexutil.Bytes) (common.Hash, error) {
	c := api.lock()
	defer api.unlock()
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(input); err != nil {
		return common.Hash{}, err
	}
	return c.submit(tx)
}

func (api *ethAPI) SendTransaction(args txArgs) (common.Hash, error) {
	c := api.lock()
	defer api.unlock()
	if args.From == nil {
		return common.Hash{}, errors.New("missing from")
	}
	key, ok := c.byAddr[*args.From]
	if !ok {
		return common.Hash{}, fmt.Errorf("unknown account %s", *args.From)
	}
	nonce := c.pendingNonce(*args.From)
	if args.Nonce != nil {
		nonce = uint64(*args.Nonce)
	}
	gas := c.current.classify(args.To, args.data()).gas()
	if args.Gas != nil {
		gas = uint64(*args.Gas)
	}
	gasPrice := c.cfg.GasPrice
	if args.GasPrice != nil {
		gasPrice = args.GasPrice.ToInt()
	}
	tx, err := types.SignNewTx(key, c.signer, &types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       args.To,
		Value:    args.value(),
		Data:     args.data(),
	})
	if err != nil {
		return common.Hash{}, err
	}
	return c.submit(tx)
}

func (api *ethAPI) EstimateGas(args txArgs, number *rpc.BlockNumberOrHash) (hexutil.Uint64, error) {
	api.lock()
	defer api.unlock()
	s, err := api.stateAt(number)
	if err != nil {
		return 0, err
	}
	kind := s.classify(args.To, args.data())
	if kind == kindRevert {
		return 0, errors.New("execution reverted")
	}
	return hexutil.Uint64(kind.gas()), nil
}

func (api *ethAPI) Call(args txArgs, number *rpc.BlockNumberOrHash) (hexutil.Bytes, error) {
	api.lock()
	defer api.unlock()
	s, err := api.stateAt(number)
	if err != nil {
		return nil, err
	}
	switch s.classify(args.To, args.data()) {
	case kindRevert:
		return nil, errors.New("execution reverted")
	case kindView:
		v := s.contracts[*args.To]
		return v[:], nil
	default:
		return hexutil.Bytes{}, nil
	}
}

func (api *ethAPI) NewFilter(crit criteria) string {
	api.lock()
	defer api.unlock()
	return api.n.installFilter(&filter{kind: logFilter, crit: crit})
}

func (api *ethAPI) NewBlockFilter() string {
	api.lock()
	defer api.unlock()
	return api.n.installFilter(&filter{kind: blockFilter})
}

func (api *ethAPI) NewPendingTransactionFilter() string {
	api.lock()
	defer api.unlock()
	return api.n.installFilter(&filter{kind: pendingFilter})
}

func (api *ethAPI) GetFilterChanges(id string) (any, error) {
	api.lock()
	defer api.unlock()
	f, ok := api.n.filters[id]
	if !ok {
		return nil, errFilterNotFound
	}
	if f.kind == logFilter {
		logs := f.logs
		if logs == nil {
			logs = []*types.Log{}
		}
		f.logs = nil
		return logs, nil
	}
	hashes := f.hashes
	if hashes == nil {
		hashes = []common.Hash{}
	}
	f.hashes = nil
	return hashes, nil
}

func (api *ethAPI) GetFilterLogs(id string) ([]*types.Log, error) {
	c := api.lock()
	defer api.unlock()
	f, ok := api.n.filters[id]
	if !ok || f.kind != logFilter {
		return nil, errFilterNotFound
	}
	return c.allLogs(f.crit), nil
}

func (api *ethAPI) GetLogs(crit criteria) []*types.Log {
	c := api.lock()
	defer api.unlock()
	return c.allLogs(crit)
}

func (api *ethAPI) UninstallFilter(id string) bool {
	api.lock()
	defer api.unlock()
	_, ok := api.n.filters[id]
	if !api.n.keepFilters {
		delete(api.n.filters, id)
	}
	return ok
}

type netAPI struct{ n *node }

func (api *netAPI) Listening() bool { return true }

func (api *netAPI) PeerCount() hexutil.Uint {
	api.n.chain.mu.Lock()
	defer api.n.chain.mu.Unlock()
	return hexutil.Uint(api.n.peers)
}

func (api *netAPI) Version() string {
	return fmt.Sprint(api.n.chain.cfg.ChainID)
}

func (n *node) blockJSON(b *block, fullTx bool) map[string]any {
	c := n.chain
	txs := make([]any, len(b.receipts))
	for i, r := range b.receipts {
		if fullTx {
			txs[i] = c.txJSON(r.tx, r.from, b, r.index)
		} else {
			txs[i] = r.tx.Hash()
		}
	}
	m := map[string]any{
		"number":           hexutil.Uint64(b.number),
		"hash":             b.hash,
		"parentHash":       b.parentHash,
		"miner":            b.miner,
		"author":           b.miner,
		"extraData":        hexutil.Bytes{},
		"gasLimit":         hexutil.Uint64(GasLimit),
		"gasUsed":          hexutil.Uint64(b.gasUsed),
		"mixHash":          common.Hash{},
		"nonce":            types.BlockNonce{},
		"sha3Uncles":       types.EmptyUncleHash,
		"uncles":           []common.Hash{},
		"difficulty":       (*hexutil.Big)(new(big.Int)),
		"totalDifficulty":  (*hexutil.Big)(new(big.Int)),
		"timestamp":        hexutil.Uint64(b.timestamp),
		"stateRoot":        common.Hash{},
		"transactionsRoot": types.EmptyTxsHash,
		"receiptsRoot":     types.EmptyReceiptsHash,
		"logsBloom":        types.Bloom{},
		"transactions":     txs,
	}
	if fn := n.tamperBlocks[b.number]; fn != nil {
		fn(m)
	}
	return m
}

func (c *Chain) txJSON(tx *types.Transaction, from common.Address, b *block, index uint64) map[string]any {
	v, r, s := tx.RawSignatureValues()
	m := map[string]any{
		"hash":             tx.Hash(),
		"from":             from,
		"to":               tx.To(),
		"value":            (*hexutil.Big)(tx.Value()),
		"gas":              hexutil.Uint64(tx.Gas()),
		"gasPrice":         (*hexutil.Big)(tx.GasPrice()),
		"nonce":            hexutil.Uint64(tx.Nonce()),
		"input":            hexutil.Bytes(tx.Data()),
		"type":             hexutil.Uint64(tx.Type()),
		"v":                (*hexutil.Big)(v),
		"r":                (*hexutil.Big)(r),
		"s":                (*hexutil.Big)(s),
		"blockHash":        nil,
		"blockNumber":      nil,
		"transactionIndex": nil,
	}
	if b != nil {
		m["blockHash"] = b.hash
		m["blockNumber"] = hexutil.Uint64(b.number)
		m["transactionIndex"] = hexutil.Uint64(index)
	}
	return m
}

func (c *Chain) receiptJSON(r *receipt, b *block) map[string]any {
	logs := r.logs
	if logs == nil {
		logs = []*types.Log{}
	}
	return map[string]any{
		"transactionHash":   r.tx.Hash(),
		"transactionIndex":  hexutil.Uint64(r.index),
		"blockHash":         b.hash,
		"blockNumber":       hexutil.Uint64(b.number),
		"from":              r.from,
		"to":                r.tx.To(),
		"gasUsed":           hexutil.Uint64(r.gasUsed),
		"cumulativeGasUsed": hexutil.Uint64(r.cumulativeGas),
		"effectiveGasPrice": (*hexutil.Big)(r.tx.GasPrice()),
		"contractAddress":   r.contractAddress,
		"logs":              logs,
		"logsBloom":         types.Bloom{},
		"status":            hexutil.Uint64(r.status),
		"type":              hexutil.Uint64(r.tx.Type()),
	}
}
