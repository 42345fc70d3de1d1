// Package wallet implements the custodial operations that create new
// outgoing transactions: account creation, value transfer and gas refill.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/google/uuid"

	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/addressindex"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/chain"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/domain/model"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/lock"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/nonce"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/txqueue"
)

const (
	defaultGasLimit = 21000
	// refillLookback bounds the gifter records scanned for a pending refill.
	refillLookback = 200
)

var (
	ErrInvalidAmount = errors.New("invalid amount")
	ErrNoGifter      = errors.New("no gas gifter configured")
	// ErrRefillPending means a refill to the recipient is still in flight.
	ErrRefillPending = errors.New("gas refill already pending")
	// ErrRefillNotNeeded means the recipient holds at least the threshold.
	ErrRefillNotNeeded = errors.New("gas refill not needed")
)

// Accounts creates and knows custodial keys.
type Accounts interface {
	NewAccount(ctx context.Context) (string, error)
	Has(address string) bool
}

type Config struct {
	GasLimit uint64
	// Gifter funds gas refills. Refills are disabled when empty.
	Gifter          string
	RefillAmount    *big.Int
	RefillThreshold *big.Int
}

type Service struct {
	chain    model.Chain
	cfg      Config
	accounts Accounts
	codec    chain.Codec
	conn     chain.Connector
	nonces   *nonce.Allocator
	locks    *lock.Manager
	txs      *txqueue.Service
	index    addressindex.Index
	logger   *slog.Logger
}

func New(
	c model.Chain,
	cfg Config,
	accounts Accounts,
	codec chain.Codec,
	conn chain.Connector,
	nonces *nonce.Allocator,
	locks *lock.Manager,
	txs *txqueue.Service,
	index addressindex.Index,
	logger *slog.Logger,
) *Service {
	if cfg.GasLimit == 0 {
		cfg.GasLimit = defaultGasLimit
	}
	cfg.Gifter = model.NormalizeAddress(cfg.Gifter)
	return &Service{
		chain:    c,
		cfg:      cfg,
		accounts: accounts,
		codec:    codec,
		conn:     conn,
		nonces:   nonces,
		locks:    locks,
		txs:      txs,
		index:    index,
		logger:   logger.With("component", "wallet", "chain", c.String()),
	}
}

// CreateAccount generates a key and starts its nonce counter at zero. It is
// refused while CREATE is locked chain-wide.
func (s *Service) CreateAccount(ctx context.Context) (string, error) {
	if err := s.locks.CheckAggregate(ctx, s.chain, model.LockCreate, model.ZeroAddress); err != nil {
		return "", err
	}
	address, err := s.accounts.NewAccount(ctx)
	if err != nil {
		return "", fmt.Errorf("new account: %w", err)
	}
	address = model.NormalizeAddress(address)
	if _, err := s.nonces.Init(ctx, address, 0); err != nil {
		return "", err
	}
	if s.index != nil {
		s.index.Add(address)
	}
	s.logger.Info("account created", "address", address)
	return address, nil
}

// Transfer queues a value transfer from a custodial account. key identifies
// the unit of work; a call redelivered before its reservation was released
// returns the record already stored for it.
func (s *Service) Transfer(ctx context.Context, from, to string, value *big.Int, key uuid.UUID) (string, error) {
	if value == nil || value.Sign() <= 0 {
		return "", fmt.Errorf("%w: %v", ErrInvalidAmount, value)
	}
	from = model.NormalizeAddress(from)
	if !s.accounts.Has(from) {
		return "", fmt.Errorf("%s: %w", from, chain.ErrUnknownAccount)
	}
	return s.queue(ctx, from, model.NormalizeAddress(to), value, key)
}

// RefillGas sends RefillAmount from the gifter to recipient.
func (s *Service) RefillGas(ctx context.Context, recipient string, key uuid.UUID) (string, error) {
	if s.cfg.Gifter == "" || s.cfg.RefillAmount == nil {
		return "", ErrNoGifter
	}
	recipient = model.NormalizeAddress(recipient)

	if s.cfg.RefillThreshold != nil {
		balance, err := s.conn.Balance(ctx, recipient)
		if err != nil {
			return "", fmt.Errorf("balance of %s: %w", recipient, err)
		}
		if balance.Cmp(s.cfg.RefillThreshold) >= 0 {
			return "", ErrRefillNotNeeded
		}
	}

	pending, err := s.refillPending(ctx, recipient)
	if err != nil {
		return "", err
	}
	if pending != "" {
		return pending, fmt.Errorf("%s by %s: %w", recipient, pending, ErrRefillPending)
	}
	return s.queue(ctx, s.cfg.Gifter, recipient, s.cfg.RefillAmount, key)
}

// RequestRefill queues a refill for address in-process. A refill already in
// flight or a sufficient balance is not an error.
func (s *Service) RequestRefill(ctx context.Context, address string) error {
	hash, err := s.RefillGas(ctx, address, uuid.New())
	switch {
	case errors.Is(err, ErrRefillPending), errors.Is(err, ErrRefillNotNeeded):
		return nil
	case err != nil:
		return err
	}
	s.logger.Info("gas refill queued", "address", address, "tx_hash", hash)
	return nil
}

func (s *Service) refillPending(ctx context.Context, recipient string) (string, error) {
	recent, err := s.txs.BySender(ctx, s.chain, s.cfg.Gifter, refillLookback)
	if err != nil {
		return "", fmt.Errorf("gifter records: %w", err)
	}
	for _, o := range recent {
		if !o.Status.IsAlive() || o.Status.IsFinal() {
			continue
		}
		info, err := s.txs.Info(ctx, o.TxHash)
		if err != nil {
			return "", err
		}
		if info.Cache != nil && info.Cache.Recipient == recipient {
			return o.TxHash, nil
		}
	}
	return "", nil
}

// Balance returns the native balance of address in wei.
func (s *Service) Balance(ctx context.Context, address string) (*big.Int, error) {
	return s.conn.Balance(ctx, model.NormalizeAddress(address))
}

func (s *Service) queue(ctx context.Context, from, to string, value *big.Int, key uuid.UUID) (string, error) {
	if err := s.locks.CheckAggregate(ctx, s.chain, model.LockQueue, from); err != nil {
		return "", err
	}

	n, err := s.nonces.Reserve(ctx, from, key)
	if err != nil {
		return "", err
	}
	log := s.logger.With("address", from, "nonce", n, "key", key)

	if existing, err := s.stored(ctx, from, n, to); err != nil || existing != "" {
		if err == nil {
			log.Info("transfer already stored for key", "tx_hash", existing)
			s.release(ctx, key, log)
		}
		return existing, err
	}

	price, err := s.conn.GasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("gas price: %w", err)
	}
	raw, hash, err := s.codec.Sign(ctx, chain.Intent{
		From:     from,
		To:       to,
		Nonce:    n,
		GasPrice: price,
		Gas:      s.cfg.GasLimit,
		Value:    value,
	})
	if err != nil {
		return "", fmt.Errorf("sign transfer: %w", err)
	}

	o, err := s.txs.Create(ctx, txqueue.NewTx{
		Chain:     s.chain,
		Hash:      hash,
		Nonce:     n,
		Sender:    from,
		SignedRaw: raw,
		Cache: model.TxCache{
			Sender:           from,
			Recipient:        to,
			SourceToken:      model.ZeroAddress,
			DestinationToken: model.ZeroAddress,
			FromValue:        new(big.Int).Set(value),
			ToValue:          new(big.Int).Set(value),
		},
	})
	if err != nil {
		return "", err
	}
	s.release(ctx, key, log)
	return o.TxHash, nil
}

// stored returns an alive record of from at nonce paying to, if any.
func (s *Service) stored(ctx context.Context, from string, n uint64, to string) (string, error) {
	recs, err := s.txs.AtNonce(ctx, s.chain, from, n)
	if err != nil {
		return "", err
	}
	for _, o := range recs {
		if !o.Status.IsAlive() {
			continue
		}
		info, err := s.txs.Info(ctx, o.TxHash)
		if err != nil {
			return "", err
		}
		if info.Cache == nil || info.Cache.Recipient == to {
			return o.TxHash, nil
		}
	}
	return "", nil
}

func (s *Service) release(ctx context.Context, key uuid.UUID, log *slog.Logger) {
	if err := s.nonces.Release(ctx, key); err != nil {
		log.Warn("nonce reservation not released", "error", err)
	}
}
