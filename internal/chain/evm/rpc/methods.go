package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

func (c *Client) SendRawTransaction(ctx context.Context, rawHex string) (string, error) {
	result, err := c.call(ctx, "eth_sendRawTransaction", rawHex)
	if err != nil {
		return "", fmt.Errorf("eth_sendRawTransaction: %w", err)
	}
	var hash string
	if err := json.Unmarshal(result, &hash); err != nil {
		return "", fmt.Errorf("unmarshal tx hash: %w", err)
	}
	return hash, nil
}

func (c *Client) GetBlockNumber(ctx context.Context) (uint64, error) {
	result, err := c.call(ctx, "eth_blockNumber")
	if err != nil {
		return 0, fmt.Errorf("eth_blockNumber: %w", err)
	}
	return decodeQuantity(result, "block number")
}

func (c *Client) GetBlockByNumber(ctx context.Context, blockNumber uint64, includeFullTx bool) (*Block, error) {
	result, err := c.call(ctx, "eth_getBlockByNumber", hexutil.EncodeUint64(blockNumber), includeFullTx)
	if err != nil {
		return nil, fmt.Errorf("eth_getBlockByNumber(%d): %w", blockNumber, err)
	}
	if isNull(result) {
		return nil, nil
	}

	var block Block
	if err := json.Unmarshal(result, &block); err != nil {
		return nil, fmt.Errorf("unmarshal block: %w", err)
	}
	return &block, nil
}

func (c *Client) GetTransactionReceipt(ctx context.Context, hash string) (*TransactionReceipt, error) {
	result, err := c.call(ctx, "eth_getTransactionReceipt", hash)
	if err != nil {
		return nil, fmt.Errorf("eth_getTransactionReceipt(%s): %w", hash, err)
	}
	if isNull(result) {
		return nil, nil
	}

	var receipt TransactionReceipt
	if err := json.Unmarshal(result, &receipt); err != nil {
		return nil, fmt.Errorf("unmarshal transaction receipt: %w", err)
	}
	return &receipt, nil
}

func (c *Client) GetBalance(ctx context.Context, address string) (*big.Int, error) {
	result, err := c.call(ctx, "eth_getBalance", address, "latest")
	if err != nil {
		return nil, fmt.Errorf("eth_getBalance(%s): %w", address, err)
	}
	return decodeBig(result, "balance")
}

func (c *Client) GasPrice(ctx context.Context) (*big.Int, error) {
	result, err := c.call(ctx, "eth_gasPrice")
	if err != nil {
		return nil, fmt.Errorf("eth_gasPrice: %w", err)
	}
	return decodeBig(result, "gas price")
}

// GetTransactionCount returns the account nonce at the given block tag
// ("latest" or "pending").
func (c *Client) GetTransactionCount(ctx context.Context, address, tag string) (uint64, error) {
	if tag == "" {
		tag = "pending"
	}
	result, err := c.call(ctx, "eth_getTransactionCount", address, tag)
	if err != nil {
		return 0, fmt.Errorf("eth_getTransactionCount(%s): %w", address, err)
	}
	return decodeQuantity(result, "transaction count")
}

func decodeQuantity(raw json.RawMessage, what string) (uint64, error) {
	var hexNum string
	if err := json.Unmarshal(raw, &hexNum); err != nil {
		return 0, fmt.Errorf("unmarshal %s: %w", what, err)
	}
	v, err := ParseQuantity(hexNum)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", what, err)
	}
	return v, nil
}

func decodeBig(raw json.RawMessage, what string) (*big.Int, error) {
	var hexNum string
	if err := json.Unmarshal(raw, &hexNum); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", what, err)
	}
	v, err := hexutil.DecodeBig(hexNum)
	if err != nil {
		return nil, fmt.Errorf("parse %s %q: %w", what, hexNum, err)
	}
	return v, nil
}

// ParseQuantity decodes a hex quantity. Some nodes pad quantities with
// leading zeros, which hexutil rejects, so those are normalized first.
func ParseQuantity(value string) (uint64, error) {
	if value == "" {
		return 0, fmt.Errorf("empty hex value")
	}
	v, err := hexutil.DecodeUint64(value)
	if err == nil {
		return v, nil
	}
	if err == hexutil.ErrLeadingZero {
		trimmed := "0x" + trimLeadingZeros(value[2:])
		return hexutil.DecodeUint64(trimmed)
	}
	return 0, fmt.Errorf("parse hex %q: %w", value, err)
}

func trimLeadingZeros(s string) string {
	for len(s) > 1 && s[0] == '0' {
		s = s[1:]
	}
	return s
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}
