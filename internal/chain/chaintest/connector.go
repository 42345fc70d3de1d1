// Package chaintest provides an in-memory chain.Connector for package tests.
package chaintest

import (
	"context"
	"math/big"
	"strings"
	"sync"

	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/chain"
)

// Connector is a scripted chain.Connector. Zero values answer like an empty
// chain: no balance, no receipts, head at block 0.
type Connector struct {
	Name string

	mu        sync.Mutex
	head      uint64
	headErr   error
	balances  map[string]*big.Int
	gasPrice  *big.Int
	receipts  map[string]*chain.Receipt
	blocks    map[uint64]*chain.Block
	nonces    map[string]uint64
	submitErr func(raw []byte) error
	hasher    func(raw []byte) string
	submitted [][]byte
}

func New(name string) *Connector {
	return &Connector{
		Name:     name,
		balances: make(map[string]*big.Int),
		gasPrice: big.NewInt(1),
		receipts: make(map[string]*chain.Receipt),
		blocks:   make(map[uint64]*chain.Block),
		nonces:   make(map[string]uint64),
	}
}

func (c *Connector) SetHead(n uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.head, c.headErr = n, err
}

func (c *Connector) SetBalance(address string, wei *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balances[strings.ToLower(address)] = wei
}

func (c *Connector) SetGasPrice(wei *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gasPrice = wei
}

func (c *Connector) SetReceipt(r chain.Receipt) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r.TxHash = strings.ToLower(r.TxHash)
	c.receipts[r.TxHash] = &r
}

func (c *Connector) SetBlock(b chain.Block) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blocks[b.Number] = &b
	if b.Number > c.head {
		c.head = b.Number
	}
}

func (c *Connector) SetPendingNonce(address string, n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nonces[strings.ToLower(address)] = n
}

// OnSubmit scripts the answer to Submit.
func (c *Connector) OnSubmit(fn func(raw []byte) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submitErr = fn
}

// HashWith sets the function Submit uses to derive the returned hash.
func (c *Connector) HashWith(fn func(raw []byte) string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hasher = fn
}

// Submitted returns every payload passed to Submit, in order.
func (c *Connector) Submitted() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.submitted))
	copy(out, c.submitted)
	return out
}

func (c *Connector) Chain() string { return c.Name }

func (c *Connector) Submit(_ context.Context, raw []byte) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submitted = append(c.submitted, raw)
	if c.submitErr != nil {
		if err := c.submitErr(raw); err != nil {
			return "", err
		}
	}
	if c.hasher != nil {
		return c.hasher(raw), nil
	}
	return "", nil
}

func (c *Connector) Receipt(_ context.Context, hash string) (*chain.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.headErr != nil {
		return nil, c.headErr
	}
	r, ok := c.receipts[strings.ToLower(hash)]
	if !ok {
		return nil, nil
	}
	out := *r
	return &out, nil
}

func (c *Connector) LatestBlock(context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head, c.headErr
}

func (c *Connector) Block(_ context.Context, number uint64) (*chain.Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.headErr != nil {
		return nil, c.headErr
	}
	b, ok := c.blocks[number]
	if !ok {
		if number <= c.head {
			return &chain.Block{Number: number}, nil
		}
		return nil, nil
	}
	out := *b
	out.Txs = append([]chain.BlockTx(nil), b.Txs...)
	return &out, nil
}

func (c *Connector) Balance(_ context.Context, address string) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.balances[strings.ToLower(address)]; ok {
		return new(big.Int).Set(b), nil
	}
	return new(big.Int), nil
}

func (c *Connector) GasPrice(context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).Set(c.gasPrice), nil
}

func (c *Connector) PendingNonce(_ context.Context, address string) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nonces[strings.ToLower(address)], nil
}

var _ chain.Connector = (*Connector)(nil)
