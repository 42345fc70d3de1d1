package chain

import (
	"context"
	"errors"
	"math/big"
)

// Connector abstracts the node so the queue core never sees the transaction
// wire format.
type Connector interface {
	// Chain returns the chain spec string the connector serves.
	Chain() string

	// Submit broadcasts a signed transaction and returns its hash.
	Submit(ctx context.Context, raw []byte) (string, error)

	// Receipt returns nil without error while the transaction is pending.
	Receipt(ctx context.Context, hash string) (*Receipt, error)

	LatestBlock(ctx context.Context) (uint64, error)

	// Block returns nil without error when the block does not exist yet.
	Block(ctx context.Context, number uint64) (*Block, error)

	Balance(ctx context.Context, address string) (*big.Int, error)
	GasPrice(ctx context.Context) (*big.Int, error)
	PendingNonce(ctx context.Context, address string) (uint64, error)
}

// Receipt is the chain outcome of a mined transaction.
type Receipt struct {
	TxHash      string
	Success     bool
	BlockNumber uint64
	TxIndex     uint
}

// Block is a mined block with its transactions in index order.
type Block struct {
	Number uint64
	Hash   string
	Txs    []BlockTx
}

type BlockTx struct {
	Hash  string
	From  string
	To    string
	Nonce uint64
	Index uint
}

// Intent is the decoded, format-independent content of a signed transaction.
type Intent struct {
	From     string
	To       string
	Nonce    uint64
	GasPrice *big.Int
	Gas      uint64
	Value    *big.Int
	Data     []byte
}

// Cost is the maximum amount the sender pays for the transaction.
func (i Intent) Cost() *big.Int {
	cost := new(big.Int).SetUint64(i.Gas)
	if i.GasPrice != nil {
		cost.Mul(cost, i.GasPrice)
	} else {
		cost.SetUint64(0)
	}
	if i.Value != nil {
		cost.Add(cost, i.Value)
	}
	return cost
}

// Codec decodes stored payloads and signs new ones.
type Codec interface {
	// Decode returns ErrUndecodable when the payload cannot be interpreted.
	Decode(raw []byte) (*Intent, error)
	// Sign builds and signs intent with the key of intent.From.
	Sign(ctx context.Context, intent Intent) (raw []byte, hash string, err error)
}

// Error taxonomy shared by connector implementations and callers.
var (
	// ErrRejected is a deterministic refusal by the node. Never retried.
	ErrRejected = errors.New("transaction rejected by node")
	// ErrTransient covers unreachable or overloaded nodes.
	ErrTransient = errors.New("transient node error")
	// ErrAlreadyKnown means the node already holds the exact transaction.
	ErrAlreadyKnown = errors.New("transaction already known")
	// ErrInsufficientFunds means the sender cannot pay for gas and value.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrNonceTooLow means the nonce was consumed by another transaction.
	ErrNonceTooLow = errors.New("nonce too low")
	// ErrUnderpriced means the gas price is below what the node accepts.
	ErrUnderpriced = errors.New("transaction underpriced")
	// ErrUndecodable means a stored payload could not be decoded.
	ErrUndecodable = errors.New("undecodable transaction")
	// ErrUnknownAccount means no signing key is held for the sender.
	ErrUnknownAccount = errors.New("unknown account")
)
