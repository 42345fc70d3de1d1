package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// RPCClient is the subset of the Ethereum JSON-RPC API the custodial
// pipeline depends on.
type RPCClient interface {
	SendRawTransaction(ctx context.Context, rawHex string) (string, error)
	GetTransactionReceipt(ctx context.Context, hash string) (*TransactionReceipt, error)
	GetBlockNumber(ctx context.Context) (uint64, error)
	GetBlockByNumber(ctx context.Context, blockNumber uint64, includeFullTx bool) (*Block, error)
	GetBalance(ctx context.Context, address string) (*big.Int, error)
	GasPrice(ctx context.Context) (*big.Int, error)
	GetTransactionCount(ctx context.Context, address, tag string) (uint64, error)
}

// Client speaks JSON-RPC to one node over go-ethereum's rpc transport.
// Results are kept raw so nodes that pad quantities can still be decoded.
type Client struct {
	rpc    *gethrpc.Client
	logger *slog.Logger
}

func NewClient(ctx context.Context, rpcURL string, timeout time.Duration, logger *slog.Logger) (*Client, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return dial(ctx, rpcURL, &http.Client{Timeout: timeout}, logger)
}

func dial(ctx context.Context, rpcURL string, hc *http.Client, logger *slog.Logger) (*Client, error) {
	c, err := gethrpc.DialOptions(ctx, rpcURL, gethrpc.WithHTTPClient(hc))
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", rpcURL, err)
	}
	return &Client{rpc: c, logger: logger.With("component", "evm_rpc")}, nil
}

func (c *Client) Close() {
	c.rpc.Close()
}

func (c *Client) call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	var result json.RawMessage
	err := c.rpc.CallContext(ctx, &result, method, params...)
	if err == nil {
		return result, nil
	}

	var httpErr gethrpc.HTTPError
	var nodeErr gethrpc.Error
	switch {
	case errors.As(err, &httpErr):
		return nil, fmt.Errorf("http status %d: %s", httpErr.StatusCode, httpErr.Body)
	case errors.As(err, &nodeErr):
		c.logger.Debug("rpc error", "method", method, "code", nodeErr.ErrorCode(), "message", nodeErr.Error())
		return nil, &RPCError{Code: nodeErr.ErrorCode(), Message: nodeErr.Error()}
	}
	return nil, err
}
