package evm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/cache"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/chain"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/chain/evm/rpc"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/chain/ratelimit"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/circuitbreaker"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/metrics"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/pipeline/retry"
)

var _ chain.Connector = (*Connector)(nil)

const gasPriceKey = "gas_price"

type ConnectorConfig struct {
	RPS         float64
	Burst       int
	GasPriceTTL time.Duration
	Breaker     circuitbreaker.Config
}

// Connector implements chain.Connector over an Ethereum JSON-RPC node.
type Connector struct {
	client   rpc.RPCClient
	chain    string
	limiter  *ratelimit.Limiter
	breaker  *circuitbreaker.Breaker
	gasCache *cache.LRU[string, *big.Int]
	logger   *slog.Logger
}

func NewConnector(client rpc.RPCClient, chainName string, cfg ConnectorConfig, logger *slog.Logger) *Connector {
	logger = logger.With("component", "evm_connector", "chain", chainName)

	bcfg := cfg.Breaker
	bcfg.IsFailure = nodeUnreachable
	bcfg.OnStateChange = func(from, to circuitbreaker.State) {
		metrics.RPCCircuitState.WithLabelValues(chainName).Set(float64(to))
		logger.Warn("node circuit state changed", "from", from.String(), "to", to.String())
	}

	c := &Connector{
		client:  client,
		chain:   chainName,
		limiter: ratelimit.NewLimiter(cfg.RPS, cfg.Burst, chainName),
		breaker: circuitbreaker.New(bcfg),
		logger:  logger,
	}
	if cfg.GasPriceTTL > 0 {
		c.gasCache = cache.NewLRU[string, *big.Int](1, cfg.GasPriceTTL)
	}
	return c
}

func (c *Connector) Chain() string {
	return c.chain
}

// do runs one node call behind the rate limiter and circuit breaker.
func (c *Connector) do(ctx context.Context, method string, fn func(context.Context) error) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	started := time.Now()
	err := c.breaker.Do(ctx, fn)
	ratelimit.Observe(c.chain, method, started, err)
	return err
}

// nodeUnreachable reports errors where the node did not answer at all.
// JSON-RPC errors are answers, even when they signal overload.
func nodeUnreachable(err error) bool {
	var rpcErr *rpc.RPCError
	if errors.As(err, &rpcErr) {
		return false
	}
	return retry.Classify(err).IsTransient()
}

// wrapRead maps read-path failures onto the chain error taxonomy.
func wrapRead(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) || retry.Classify(err).IsTransient() {
		return fmt.Errorf("%w: %v", chain.ErrTransient, err)
	}
	return err
}

func (c *Connector) Submit(ctx context.Context, raw []byte) (string, error) {
	var hash string
	err := c.do(ctx, "eth_sendRawTransaction", func(ctx context.Context) error {
		var err error
		hash, err = c.client.SendRawTransaction(ctx, hexutil.Encode(raw))
		return err
	})
	if err != nil {
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
			return "", fmt.Errorf("%w: %v", chain.ErrTransient, err)
		}
		return "", retry.ClassifySubmission(err)
	}
	return strings.ToLower(hash), nil
}

func (c *Connector) Receipt(ctx context.Context, hash string) (*chain.Receipt, error) {
	var receipt *rpc.TransactionReceipt
	err := c.do(ctx, "eth_getTransactionReceipt", func(ctx context.Context) error {
		var err error
		receipt, err = c.client.GetTransactionReceipt(ctx, hash)
		return err
	})
	if err != nil {
		return nil, wrapRead(err)
	}
	if receipt == nil || receipt.BlockNumber == "" {
		return nil, nil
	}

	block, err := rpc.ParseQuantity(receipt.BlockNumber)
	if err != nil {
		return nil, fmt.Errorf("receipt %s block number: %w", hash, err)
	}
	index, err := rpc.ParseQuantity(receipt.TransactionIndex)
	if err != nil {
		return nil, fmt.Errorf("receipt %s tx index: %w", hash, err)
	}
	// Pre-byzantium receipts carry a state root instead of a status.
	success := receipt.Status == "" || receipt.Status == "0x1"

	return &chain.Receipt{
		TxHash:      strings.ToLower(hash),
		Success:     success,
		BlockNumber: block,
		TxIndex:     uint(index),
	}, nil
}

func (c *Connector) LatestBlock(ctx context.Context) (uint64, error) {
	var n uint64
	err := c.do(ctx, "eth_blockNumber", func(ctx context.Context) error {
		var err error
		n, err = c.client.GetBlockNumber(ctx)
		return err
	})
	return n, wrapRead(err)
}

func (c *Connector) Block(ctx context.Context, number uint64) (*chain.Block, error) {
	var block *rpc.Block
	err := c.do(ctx, "eth_getBlockByNumber", func(ctx context.Context) error {
		var err error
		block, err = c.client.GetBlockByNumber(ctx, number, true)
		return err
	})
	if err != nil {
		return nil, wrapRead(err)
	}
	if block == nil {
		return nil, nil
	}

	out := &chain.Block{
		Number: number,
		Hash:   strings.ToLower(block.Hash),
		Txs:    make([]chain.BlockTx, 0, len(block.Transactions)),
	}
	for i, tx := range block.Transactions {
		if tx == nil {
			continue
		}
		nonce, err := rpc.ParseQuantity(tx.Nonce)
		if err != nil {
			return nil, fmt.Errorf("block %d tx %s nonce: %w", number, tx.Hash, err)
		}
		index := uint(i)
		if tx.TransactionIndex != "" {
			parsed, err := rpc.ParseQuantity(tx.TransactionIndex)
			if err != nil {
				return nil, fmt.Errorf("block %d tx %s index: %w", number, tx.Hash, err)
			}
			index = uint(parsed)
		}
		to := ""
		if tx.To != nil {
			to = strings.ToLower(*tx.To)
		}
		out.Txs = append(out.Txs, chain.BlockTx{
			Hash:  strings.ToLower(tx.Hash),
			From:  strings.ToLower(tx.From),
			To:    to,
			Nonce: nonce,
			Index: index,
		})
	}
	return out, nil
}

func (c *Connector) Balance(ctx context.Context, address string) (*big.Int, error) {
	var bal *big.Int
	err := c.do(ctx, "eth_getBalance", func(ctx context.Context) error {
		var err error
		bal, err = c.client.GetBalance(ctx, address)
		return err
	})
	return bal, wrapRead(err)
}

// GasPrice returns the node gas price, cached for GasPriceTTL.
func (c *Connector) GasPrice(ctx context.Context) (*big.Int, error) {
	fetch := func() (*big.Int, error) {
		var price *big.Int
		err := c.do(ctx, "eth_gasPrice", func(ctx context.Context) error {
			var err error
			price, err = c.client.GasPrice(ctx)
			return err
		})
		return price, wrapRead(err)
	}
	if c.gasCache == nil {
		return fetch()
	}
	price, err := c.gasCache.Load(gasPriceKey, fetch)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(price), nil
}

func (c *Connector) PendingNonce(ctx context.Context, address string) (uint64, error) {
	var n uint64
	err := c.do(ctx, "eth_getTransactionCount", func(ctx context.Context) error {
		var err error
		n, err = c.client.GetTransactionCount(ctx, address, "pending")
		return err
	})
	return n, wrapRead(err)
}
