package rpc

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendRawTransaction(t *testing.T) {
	client := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		req := decodeRequest(t, r)
		assert.Equal(t, "eth_sendRawTransaction", req.Method)
		assert.Equal(t, []any{"0xf86b"}, req.Params)
		return answer(t, req, rpcResponse{Result: json.RawMessage(`"0xabc"`)}), nil
	})

	hash, err := client.SendRawTransaction(context.Background(), "0xf86b")
	require.NoError(t, err)
	assert.Equal(t, "0xabc", hash)
}

func TestGetBlockNumber(t *testing.T) {
	client := newTestClient(t, resultHandler(t, "eth_blockNumber", `"0x10"`))
	n, err := client.GetBlockNumber(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(16), n)
}

func TestGetBlockByNumber(t *testing.T) {
	block := `{"number":"0x5","hash":"0xb5","parentHash":"0xb4","timestamp":"0x1","transactions":[
		{"hash":"0xt1","from":"0xaa","to":"0xbb","nonce":"0x3","transactionIndex":"0x0","value":"0x1","gasPrice":"0x1"},
		{"hash":"0xt2","from":"0xcc","to":null,"nonce":"0x0","transactionIndex":"0x1","value":"0x0","gasPrice":"0x1"}]}`
	client := newTestClient(t, resultHandler(t, "eth_getBlockByNumber", block))

	got, err := client.GetBlockByNumber(context.Background(), 5, true)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "0xb5", got.Hash)
	require.Len(t, got.Transactions, 2)
	require.NotNil(t, got.Transactions[0].To)
	assert.Equal(t, "0xbb", *got.Transactions[0].To)
	assert.Nil(t, got.Transactions[1].To)
}

func TestGetBlockByNumber_Null(t *testing.T) {
	client := newTestClient(t, resultHandler(t, "eth_getBlockByNumber", `null`))
	got, err := client.GetBlockByNumber(context.Background(), 99, true)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestGetTransactionReceipt(t *testing.T) {
	client := newTestClient(t, resultHandler(t, "eth_getTransactionReceipt",
		`{"transactionHash":"0xt1","blockNumber":"0x7","transactionIndex":"0x2","status":"0x1"}`))
	receipt, err := client.GetTransactionReceipt(context.Background(), "0xt1")
	require.NoError(t, err)
	require.NotNil(t, receipt)
	assert.Equal(t, "0x1", receipt.Status)
	assert.Equal(t, "0x7", receipt.BlockNumber)
}

func TestGetTransactionReceipt_Pending(t *testing.T) {
	client := newTestClient(t, resultHandler(t, "eth_getTransactionReceipt", `null`))
	receipt, err := client.GetTransactionReceipt(context.Background(), "0xt1")
	require.NoError(t, err)
	assert.Nil(t, receipt)
}

func TestGetBalanceAndGasPrice(t *testing.T) {
	client := newTestClient(t, resultHandler(t, "eth_getBalance", `"0xde0b6b3a7640000"`))
	bal, err := client.GetBalance(context.Background(), "0xaa")
	require.NoError(t, err)
	assert.Equal(t, 0, bal.Cmp(big.NewInt(1_000_000_000_000_000_000)))

	client = newTestClient(t, resultHandler(t, "eth_gasPrice", `"0x3b9aca00"`))
	price, err := client.GasPrice(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1_000_000_000), price.Int64())
}

func TestGetTransactionCount(t *testing.T) {
	client := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		req := decodeRequest(t, r)
		assert.Equal(t, "eth_getTransactionCount", req.Method)
		assert.Equal(t, []any{"0xaa", "pending"}, req.Params)
		return answer(t, req, rpcResponse{Result: json.RawMessage(`"0x9"`)}), nil
	})
	n, err := client.GetTransactionCount(context.Background(), "0xaa", "")
	require.NoError(t, err)
	assert.Equal(t, uint64(9), n)
}
