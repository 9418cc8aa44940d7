package cluster

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/tkmct/chainoracle/wait"
)

// Node is the oracle's handle on one node: its RPC connection, the account it
// mines with and, for managed nodes, the process running it.
type Node struct {
	name     string
	endpoint string
	key      *ecdsa.PrivateKey
	account  common.Address

	client *rpc.Client
	eth    *ethclient.Client
	proc   *Process
	logger log.Logger

	signerMu sync.Mutex
	signer   types.Signer

	closeOnce sync.Once
	closeErr  error
}

// NewNode wraps an established RPC connection. Ownership of client and proc
// passes to the node.
func NewNode(name string, key *ecdsa.PrivateKey, client *rpc.Client, proc *Process) *Node {
	return &Node{
		name:    name,
		key:     key,
		account: crypto.PubkeyToAddress(key.PublicKey),
		client:  client,
		eth:     ethclient.NewClient(client),
		proc:    proc,
		logger:  log.New("node", name),
	}
}

// Dial connects to endpoint and waits until the node reports that it is
// listening. The wait gives up early if the node's own process has exited.
func Dial(ctx context.Context, name, endpoint string, key *ecdsa.PrivateKey, proc *Process, policy wait.Policy) (*Node, error) {
	logger := log.New("node", name, "endpoint", endpoint)
	res, err := wait.Wait(ctx, func(ctx context.Context) (*rpc.Client, error) {
		client, err := rpc.DialContext(ctx, endpoint)
		if err != nil {
			return nil, err
		}
		var listening bool
		if err := client.CallContext(ctx, &listening, "net_listening"); err != nil {
			client.Close()
			return nil, err
		}
		if !listening {
			client.Close()
			return nil, errors.New("node is not listening yet")
		}
		return client, nil
	}, wait.Options[*rpc.Client]{
		FailImmediately: func(*rpc.Client, error) bool { return proc != nil && proc.Exited() },
		Logger:          logger,
	}, policy)
	if err != nil {
		if proc != nil && proc.Exited() {
			return nil, fmt.Errorf("node %s exited before becoming ready: %w", name, proc.Err())
		}
		return nil, fmt.Errorf("node %s not ready at %s: %w", name, endpoint, err)
	}
	n := NewNode(name, key, res.Value, proc)
	n.endpoint = endpoint
	logger.Info("Connected to node", "account", n.account)
	return n, nil
}

// Name returns the node's label.
func (n *Node) Name() string { return n.name }

// Endpoint returns the RPC endpoint the node was dialed at, empty for in-process nodes.
func (n *Node) Endpoint() string { return n.endpoint }

// Account returns the node's own account address.
func (n *Node) Account() common.Address { return n.account }

// Key returns the node's account key.
func (n *Node) Key() *ecdsa.PrivateKey { return n.key }

// Client exposes the underlying RPC client.
func (n *Node) Client() *rpc.Client { return n.client }

// Crashed reports whether the node's managed process has exited.
func (n *Node) Crashed() bool { return n.proc != nil && n.proc.Exited() }

// Close disconnects and terminates the managed process, if any. It is safe to
// call more than once.
func (n *Node) Close() error {
	n.closeOnce.Do(func() {
		n.client.Close()
		if n.proc != nil {
			n.closeErr = n.proc.Terminate()
		}
	})
	return n.closeErr
}

// PeerCount returns net_peerCount.
func (n *Node) PeerCount(ctx context.Context) (uint64, error) {
	var count hexutil.Uint64
	if err := n.client.CallContext(ctx, &count, "net_peerCount"); err != nil {
		return 0, err
	}
	return uint64(count), nil
}

// Listening returns net_listening.
func (n *Node) Listening(ctx context.Context) (bool, error) {
	var listening bool
	err := n.client.CallContext(ctx, &listening, "net_listening")
	return listening, err
}

// Balance returns the balance of addr at the given height, nil meaning latest.
func (n *Node) Balance(ctx context.Context, addr common.Address, number *big.Int) (*big.Int, error) {
	return n.eth.BalanceAt(ctx, addr, number)
}

// Nonce returns the account nonce at the given height, nil meaning latest.
func (n *Node) Nonce(ctx context.Context, addr common.Address, number *big.Int) (uint64, error) {
	return n.eth.NonceAt(ctx, addr, number)
}

// StorageAt returns one storage slot of addr.
func (n *Node) StorageAt(ctx context.Context, addr common.Address, slot common.Hash, number *big.Int) ([]byte, error) {
	return n.eth.StorageAt(ctx, addr, slot, number)
}

// BlockNumber returns the node's head height.
func (n *Node) BlockNumber(ctx context.Context) (uint64, error) {
	return n.eth.BlockNumber(ctx)
}

// BlockByNumber fetches a block by height. A missing block is ethereum.NotFound.
func (n *Node) BlockByNumber(ctx context.Context, number uint64, fullTx bool) (*Block, error) {
	var raw json.RawMessage
	if err := n.client.CallContext(ctx, &raw, "eth_getBlockByNumber", hexutil.EncodeUint64(number), fullTx); err != nil {
		return nil, err
	}
	return decodeBlock(raw)
}

// BlockByHash fetches a block by hash. A missing block is ethereum.NotFound.
func (n *Node) BlockByHash(ctx context.Context, hash common.Hash, fullTx bool) (*Block, error) {
	var raw json.RawMessage
	if err := n.client.CallContext(ctx, &raw, "eth_getBlockByHash", hash, fullTx); err != nil {
		return nil, err
	}
	return decodeBlock(raw)
}

// BlockTxCountByNumber returns the number of transactions in the block at height number.
func (n *Node) BlockTxCountByNumber(ctx context.Context, number uint64) (uint64, error) {
	var count *hexutil.Uint64
	if err := n.client.CallContext(ctx, &count, "eth_getBlockTransactionCountByNumber", hexutil.EncodeUint64(number)); err != nil {
		return 0, err
	}
	if count == nil {
		return 0, ethereum.NotFound
	}
	return uint64(*count), nil
}

// BlockTxCountByHash returns the number of transactions in the block with the given hash.
func (n *Node) BlockTxCountByHash(ctx context.Context, hash common.Hash) (uint64, error) {
	var count *hexutil.Uint64
	if err := n.client.CallContext(ctx, &count, "eth_getBlockTransactionCountByHash", hash); err != nil {
		return 0, err
	}
	if count == nil {
		return 0, ethereum.NotFound
	}
	return uint64(*count), nil
}

// TransactionByHash fetches a transaction. A missing one is ethereum.NotFound.
func (n *Node) TransactionByHash(ctx context.Context, hash common.Hash) (*Transaction, error) {
	var raw json.RawMessage
	if err := n.client.CallContext(ctx, &raw, "eth_getTransactionByHash", hash); err != nil {
		return nil, err
	}
	return decodeTransaction(raw)
}

// TransactionByBlockNumberAndIndex fetches the index-th transaction of a block.
func (n *Node) TransactionByBlockNumberAndIndex(ctx context.Context, number uint64, index uint64) (*Transaction, error) {
	var raw json.RawMessage
	if err := n.client.CallContext(ctx, &raw, "eth_getTransactionByBlockNumberAndIndex", hexutil.EncodeUint64(number), hexutil.Uint64(index)); err != nil {
		return nil, err
	}
	return decodeTransaction(raw)
}

// Receipt fetches a transaction receipt. A missing one is ethereum.NotFound.
func (n *Node) Receipt(ctx context.Context, hash common.Hash) (*Receipt, error) {
	var raw json.RawMessage
	if err := n.client.CallContext(ctx, &raw, "eth_getTransactionReceipt", hash); err != nil {
		return nil, err
	}
	return decodeReceipt(raw)
}

// SendTransaction submits a transaction for the node to sign with one of its
// own accounts.
func (n *Node) SendTransaction(ctx context.Context, args TxArgs) (common.Hash, error) {
	var hash common.Hash
	err := n.client.CallContext(ctx, &hash, "eth_sendTransaction", args)
	return hash, err
}

// SendRawTransaction submits a signed transaction and returns the hash the
// node reports for it.
func (n *Node) SendRawTransaction(ctx context.Context, tx *types.Transaction) (common.Hash, error) {
	data, err := tx.MarshalBinary()
	if err != nil {
		return common.Hash{}, err
	}
	var hash common.Hash
	err = n.client.CallContext(ctx, &hash, "eth_sendRawTransaction", hexutil.Bytes(data))
	return hash, err
}

// EstimateGas runs eth_estimateGas against the latest block.
func (n *Node) EstimateGas(ctx context.Context, args TxArgs) (uint64, error) {
	var gas hexutil.Uint64
	if err := n.client.CallContext(ctx, &gas, "eth_estimateGas", args); err != nil {
		return 0, err
	}
	return uint64(gas), nil
}

// CallContract runs eth_call at the given block tag.
func (n *Node) CallContract(ctx context.Context, args TxArgs, number *big.Int) ([]byte, error) {
	var out hexutil.Bytes
	if err := n.client.CallContext(ctx, &out, "eth_call", args, blockArg(number)); err != nil {
		return nil, err
	}
	return out, nil
}

// GasPrice returns eth_gasPrice.
func (n *Node) GasPrice(ctx context.Context) (*big.Int, error) {
	return n.eth.SuggestGasPrice(ctx)
}

// ChainID returns eth_chainId.
func (n *Node) ChainID(ctx context.Context) (*big.Int, error) {
	return n.eth.ChainID(ctx)
}

// Signer returns the transaction signer matching the node's chain id.
func (n *Node) Signer(ctx context.Context) (types.Signer, error) {
	n.signerMu.Lock()
	defer n.signerMu.Unlock()
	if n.signer != nil {
		return n.signer, nil
	}
	chainID, err := n.eth.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain id: %w", err)
	}
	if chainID.Sign() == 0 {
		n.signer = types.HomesteadSigner{}
	} else {
		n.signer = types.LatestSignerForChainID(chainID)
	}
	return n.signer, nil
}

// NewFilter installs a log filter and returns its id.
func (n *Node) NewFilter(ctx context.Context, q ethereum.FilterQuery) (string, error) {
	arg, err := filterArg(q)
	if err != nil {
		return "", err
	}
	var id string
	err = n.client.CallContext(ctx, &id, "eth_newFilter", arg)
	return id, err
}

// NewBlockFilter installs a new-block filter.
func (n *Node) NewBlockFilter(ctx context.Context) (string, error) {
	var id string
	err := n.client.CallContext(ctx, &id, "eth_newBlockFilter")
	return id, err
}

// NewPendingTransactionFilter installs a pending-transaction filter.
func (n *Node) NewPendingTransactionFilter(ctx context.Context) (string, error) {
	var id string
	err := n.client.CallContext(ctx, &id, "eth_newPendingTransactionFilter")
	return id, err
}

// FilterChanges returns the entries that arrived since the previous poll.
func (n *Node) FilterChanges(ctx context.Context, id string) ([]json.RawMessage, error) {
	var entries []json.RawMessage
	err := n.client.CallContext(ctx, &entries, "eth_getFilterChanges", id)
	return entries, err
}

// FilterLogs returns every log matching a log filter.
func (n *Node) FilterLogs(ctx context.Context, id string) ([]json.RawMessage, error) {
	var entries []json.RawMessage
	err := n.client.CallContext(ctx, &entries, "eth_getFilterLogs", id)
	return entries, err
}

// UninstallFilter removes a filter.
func (n *Node) UninstallFilter(ctx context.Context, id string) (bool, error) {
	var ok bool
	err := n.client.CallContext(ctx, &ok, "eth_uninstallFilter", id)
	return ok, err
}

// IsFilterNotFound reports whether err is a node's answer for an unknown filter id.
func IsFilterNotFound(err error) bool {
	return err != nil && strings.Contains(err.Error(), "filter not found")
}

func filterArg(q ethereum.FilterQuery) (map[string]any, error) {
	arg := map[string]any{
		"address": q.Addresses,
		"topics":  q.Topics,
	}
	if q.BlockHash != nil {
		if q.FromBlock != nil || q.ToBlock != nil {
			return nil, errors.New("cannot specify both BlockHash and FromBlock/ToBlock")
		}
		arg["blockHash"] = *q.BlockHash
		return arg, nil
	}
	if q.FromBlock == nil {
		arg["fromBlock"] = "0x0"
	} else {
		arg["fromBlock"] = blockArg(q.FromBlock)
	}
	arg["toBlock"] = blockArg(q.ToBlock)
	return arg, nil
}
