// Package nonce hands out gap-free per-sender nonces and repairs nonce gaps
// by shifting a sender's pending transactions.
package nonce

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/domain/model"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/metrics"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/store"
)

// Source reports the next nonce the chain expects from an address.
type Source interface {
	PendingNonce(ctx context.Context, address string) (uint64, error)
}

// Allocator reserves nonces for one chain.
type Allocator struct {
	chain  model.Chain
	repo   store.NonceRepository
	source Source
	logger *slog.Logger
}

func NewAllocator(c model.Chain, repo store.NonceRepository, source Source, logger *slog.Logger) *Allocator {
	return &Allocator{
		chain:  c,
		repo:   repo,
		source: source,
		logger: logger.With("component", "nonce", "chain", c.String()),
	}
}

// Reserve returns the nonce reserved for key, allocating the next free one on
// first use. An address without a counter is initialised from the chain's
// pending nonce when a Source is configured.
func (a *Allocator) Reserve(ctx context.Context, address string, key uuid.UUID) (uint64, error) {
	address = model.NormalizeAddress(address)
	n, err := a.repo.Reserve(ctx, a.chain, address, key)
	if errors.Is(err, store.ErrNonceNotInitialized) && a.source != nil {
		pending, perr := a.source.PendingNonce(ctx, address)
		if perr != nil {
			return 0, fmt.Errorf("init nonce for %s: %w", address, perr)
		}
		if _, ierr := a.repo.Init(ctx, a.chain, address, pending); ierr != nil {
			return 0, fmt.Errorf("init nonce for %s: %w", address, ierr)
		}
		a.logger.Info("nonce counter initialised from chain", "address", address, "nonce", pending)
		n, err = a.repo.Reserve(ctx, a.chain, address, key)
	}
	if err != nil {
		return 0, fmt.Errorf("reserve nonce for %s: %w", address, err)
	}
	metrics.NonceReservationsTotal.WithLabelValues(a.chain.String()).Inc()
	a.logger.Debug("nonce reserved", "address", address, "nonce", n, "key", key)
	return n, nil
}

// Init creates the counter of a new account. Existing counters are kept.
func (a *Allocator) Init(ctx context.Context, address string, nonce uint64) (bool, error) {
	created, err := a.repo.Init(ctx, a.chain, model.NormalizeAddress(address), nonce)
	if err != nil {
		return false, fmt.Errorf("init nonce for %s: %w", address, err)
	}
	return created, nil
}

// Sync raises the counter of address to the chain pending nonce. It never
// lowers the counter.
func (a *Allocator) Sync(ctx context.Context, address string) (uint64, error) {
	if a.source == nil {
		return 0, errors.New("nonce sync: no chain source configured")
	}
	address = model.NormalizeAddress(address)
	pending, err := a.source.PendingNonce(ctx, address)
	if err != nil {
		return 0, fmt.Errorf("pending nonce for %s: %w", address, err)
	}
	n, err := a.repo.Raise(ctx, a.chain, address, pending)
	if err != nil {
		return 0, fmt.Errorf("raise nonce for %s: %w", address, err)
	}
	return n, nil
}

// Release drops the reservation of key once its transaction is stored.
func (a *Allocator) Release(ctx context.Context, key uuid.UUID) error {
	if err := a.repo.Release(ctx, key); err != nil {
		return fmt.Errorf("release nonce reservation %s: %w", key, err)
	}
	return nil
}

// Next returns the next nonce that Reserve would hand out.
func (a *Allocator) Next(ctx context.Context, address string) (uint64, error) {
	return a.repo.Next(ctx, a.chain, model.NormalizeAddress(address))
}
