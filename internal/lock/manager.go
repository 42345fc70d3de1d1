// Package lock gates send, queue and account creation per address and per
// chain. Locks are advisory: every mutating component checks them before
// touching a sender's transactions.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/domain/model"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/metrics"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/store"
)

// ErrLocked matches every *LockedError.
var ErrLocked = errors.New("locked")

// LockedError reports which flags blocked an operation and where they were set.
type LockedError struct {
	Chain   model.Chain
	Address string
	Flags   model.LockFlag
	Global  bool
}

func (e *LockedError) Error() string {
	where := e.Address
	if e.Global {
		where = "global"
	}
	return fmt.Sprintf("locked: %s on %s (%s)", e.Flags, where, e.Chain)
}

func (e *LockedError) Is(target error) bool {
	return target == ErrLocked
}

type Manager struct {
	repo   store.LockRepository
	logger *slog.Logger
}

func NewManager(repo store.LockRepository, logger *slog.Logger) *Manager {
	return &Manager{
		repo:   repo,
		logger: logger.With("component", "lock"),
	}
}

// Set OR-merges flags into the lock of address and returns the resulting
// flags. txHash, when known locally, is recorded as the cause.
func (m *Manager) Set(ctx context.Context, chain model.Chain, flags model.LockFlag, address, txHash string) (model.LockFlag, error) {
	address = keyAddress(address)
	out, err := m.repo.Set(ctx, chain, address, flags, txHash)
	if err != nil {
		return 0, fmt.Errorf("set lock %s on %s: %w", flags, address, err)
	}
	metrics.LockChangesTotal.WithLabelValues(chain.String(), "set").Inc()
	m.logger.Info("lock set", "chain", chain, "address", address, "flags", flags.String(), "result", out.String(), "tx_hash", txHash)
	return out, nil
}

// Reset clears flags and returns what is left. The lock disappears at zero.
func (m *Manager) Reset(ctx context.Context, chain model.Chain, flags model.LockFlag, address string) (model.LockFlag, error) {
	address = keyAddress(address)
	out, err := m.repo.Reset(ctx, chain, address, flags)
	if err != nil {
		return 0, fmt.Errorf("reset lock %s on %s: %w", flags, address, err)
	}
	metrics.LockChangesTotal.WithLabelValues(chain.String(), "reset").Inc()
	m.logger.Info("lock reset", "chain", chain, "address", address, "flags", flags.String(), "result", out.String())
	return out, nil
}

// Check returns the subset of flags set on address alone.
func (m *Manager) Check(ctx context.Context, chain model.Chain, flags model.LockFlag, address string) (model.LockFlag, error) {
	cur, err := m.repo.Get(ctx, chain, keyAddress(address))
	if err != nil {
		return 0, fmt.Errorf("check lock: %w", err)
	}
	return cur & flags, nil
}

// CheckAggregate checks address and the global key. It returns a
// *LockedError when any of flags is set on either.
func (m *Manager) CheckAggregate(ctx context.Context, chain model.Chain, flags model.LockFlag, address string) error {
	global, err := m.Check(ctx, chain, flags, model.ZeroAddress)
	if err != nil {
		return err
	}
	address = keyAddress(address)
	var local model.LockFlag
	if address != model.ZeroAddress {
		if local, err = m.Check(ctx, chain, flags, address); err != nil {
			return err
		}
	}
	if global|local == 0 {
		return nil
	}
	metrics.LockBlockedTotal.WithLabelValues(chain.String(), (global | local).String()).Inc()
	return &LockedError{
		Chain:   chain,
		Address: address,
		Flags:   global | local,
		Global:  local == 0,
	}
}

// Aggregate returns the OR of the flags on address and the global key.
func (m *Manager) Aggregate(ctx context.Context, chain model.Chain, flags model.LockFlag, address string) (model.LockFlag, error) {
	err := m.CheckAggregate(ctx, chain, flags, address)
	var lerr *LockedError
	if errors.As(err, &lerr) {
		return lerr.Flags, nil
	}
	return 0, err
}

func (m *Manager) List(ctx context.Context, chain model.Chain, address string) ([]model.Lock, error) {
	if address != "" {
		address = keyAddress(address)
	}
	locks, err := m.repo.List(ctx, chain, address)
	if err != nil {
		return nil, fmt.Errorf("list locks: %w", err)
	}
	return locks, nil
}

// Hold sets flags for the duration of fn and resets them afterwards, also
// when fn fails. Flags already set on address before Hold are left in place.
func (m *Manager) Hold(ctx context.Context, chain model.Chain, flags model.LockFlag, address, txHash string, fn func(context.Context) error) error {
	held, err := m.Check(ctx, chain, flags, address)
	if err != nil {
		return err
	}
	if _, err := m.Set(ctx, chain, flags, address, txHash); err != nil {
		return err
	}
	owned := flags &^ held
	if owned == 0 {
		return fn(ctx)
	}
	defer func() {
		// Reset must run even if ctx was cancelled mid-operation.
		if _, err := m.Reset(context.WithoutCancel(ctx), chain, owned, address); err != nil {
			m.logger.Error("lock release failed", "chain", chain, "address", address, "flags", flags.String(), "error", err)
		}
	}()
	return fn(ctx)
}

func keyAddress(address string) string {
	if address == "" {
		return model.ZeroAddress
	}
	return model.NormalizeAddress(address)
}
