package testchain

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/stretchr/testify/require"
)

func TestTransferIsSealedOnEveryNode(t *testing.T) {
	chain := New(Config{Nodes: 3, ChainID: 7})
	defer chain.Close()
	ctx := context.Background()

	client := ethclient.NewClient(chain.Client(0))
	defer client.Close()

	to := chain.Account(1)
	tx, err := types.SignNewTx(chain.Key(0), chain.Signer(), &types.LegacyTx{
		Nonce: 0, GasPrice: big.NewInt(1), Gas: TransferGas, To: &to, Value: big.NewInt(100),
	})
	require.NoError(t, err)
	require.NoError(t, client.SendTransaction(ctx, tx))
	require.Equal(t, 1, chain.PendingCount())
	require.Equal(t, uint64(1), chain.Seal())

	for i := 0; i < chain.Len(); i++ {
		c := ethclient.NewClient(chain.Client(i))
		receipt, err := c.TransactionReceipt(ctx, tx.Hash())
		require.NoError(t, err)
		require.Equal(t, types.ReceiptStatusSuccessful, receipt.Status)
		require.Equal(t, uint64(TransferGas), receipt.GasUsed)

		bal, err := c.BalanceAt(ctx, to, nil)
		require.NoError(t, err)
		require.Equal(t, new(big.Int).Add(InitialBalance, big.NewInt(100)), bal)

		prev, err := c.BalanceAt(ctx, to, big.NewInt(0))
		require.NoError(t, err)
		require.Equal(t, InitialBalance, prev)
		c.Close()
	}
}

func TestNonceIsEnforced(t *testing.T) {
	chain := New(Config{Nodes: 1})
	defer chain.Close()
	client := ethclient.NewClient(chain.Client(0))
	defer client.Close()

	to := common.HexToAddress("0x01")
	tx, err := types.SignNewTx(chain.Key(0), chain.Signer(), &types.LegacyTx{
		Nonce: 3, GasPrice: big.NewInt(1), Gas: TransferGas, To: &to,
	})
	require.NoError(t, err)
	require.ErrorContains(t, client.SendTransaction(context.Background(), tx), "nonce too high")
}

func TestEmitterContract(t *testing.T) {
	chain := New(Config{Nodes: 2})
	defer chain.Close()
	ctx := context.Background()
	client := ethclient.NewClient(chain.Client(1))
	defer client.Close()

	deploy, err := types.SignNewTx(chain.Key(0), chain.Signer(), &types.LegacyTx{
		Nonce: 0, GasPrice: big.NewInt(1), Gas: DeployGas, Data: EmitterCode,
	})
	require.NoError(t, err)
	require.NoError(t, client.SendTransaction(ctx, deploy))
	chain.Seal()
	receipt, err := client.TransactionReceipt(ctx, deploy.Hash())
	require.NoError(t, err)
	contract := crypto.CreateAddress(chain.Account(0), 0)
	require.Equal(t, contract, receipt.ContractAddress)

	input := append(append([]byte{}, emitSelector...), common.BigToHash(big.NewInt(42)).Bytes()...)
	call, err := types.SignNewTx(chain.Key(0), chain.Signer(), &types.LegacyTx{
		Nonce: 1, GasPrice: big.NewInt(1), Gas: CallGas, To: &contract, Data: input,
	})
	require.NoError(t, err)
	require.NoError(t, client.SendTransaction(ctx, call))
	chain.Seal()

	logs, err := client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: big.NewInt(0),
		Addresses: []common.Address{contract},
	})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Equal(t, emittedTopic, logs[0].Topics[0])
	require.Equal(t, common.BigToHash(big.NewInt(42)), logs[0].Topics[1])

	out, err := client.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: valueSelector}, nil)
	require.NoError(t, err)
	require.Equal(t, common.BigToHash(big.NewInt(42)).Bytes(), out)
}

func TestLaggingNodeHidesHead(t *testing.T) {
	chain := New(Config{Nodes: 2})
	defer chain.Close()
	chain.Seal()
	chain.Lag(1, 2)

	client := ethclient.NewClient(chain.Client(1))
	defer client.Close()
	for i := 0; i < 2; i++ {
		_, err := client.HeaderByNumber(context.Background(), big.NewInt(1))
		require.ErrorIs(t, err, ethereum.NotFound)
	}
	_, err := client.HeaderByNumber(context.Background(), big.NewInt(1))
	require.NoError(t, err)
}
