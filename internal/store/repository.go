package store

//go:generate mockgen -destination=mocks/mock_repository.go -package=mocks . LockRepository,NonceRepository,SyncRepository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/domain/model"
)

var (
	// ErrNotFound is returned when a referenced row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a unique key already exists.
	ErrDuplicate = errors.New("duplicate")
	// ErrNonceNotInitialized is returned by Reserve for an address without a counter.
	ErrNonceNotInitialized = errors.New("nonce counter not initialized")
)

// UpcomingBatchSize bounds one dispatcher query.
const UpcomingBatchSize = 250

// OtxRepository stores signed transaction attempts and their cache rows.
type OtxRepository interface {
	// Create stores a record and its cache row atomically and returns the otx id.
	Create(ctx context.Context, o *model.Otx, c *model.TxCache) (int64, error)
	GetByHash(ctx context.Context, hash string) (*model.Otx, error)
	GetCache(ctx context.Context, otxID int64) (*model.TxCache, error)
	// UpdateStatus applies tr under a row lock and returns the updated record.
	UpdateStatus(ctx context.Context, hash string, tr model.Transition) (*model.Otx, error)
	// Upcoming returns, per sender, the lowest-nonce sendable record whose
	// predecessors are all in the network or dead and whose sender is not
	// gated by a SEND or QUEUE lock.
	Upcoming(ctx context.Context, chain model.Chain, limit int) ([]model.Otx, error)
	ByStatus(ctx context.Context, chain model.Chain, q model.StatusQuery) ([]model.Otx, error)
	BySenderNonce(ctx context.Context, chain model.Chain, sender string, nonce uint64) ([]model.Otx, error)
	// AliveFromNonce returns alive records of sender with nonce >= nonce, ascending.
	AliveFromNonce(ctx context.Context, chain model.Chain, sender string, nonce uint64) ([]model.Otx, error)
	BySender(ctx context.Context, chain model.Chain, sender string, limit int) ([]model.Otx, error)
	// Replace stores replacement, clones the cache row of originalHash onto it
	// and obsoletes the original, all in one transaction.
	Replace(ctx context.Context, originalHash string, replacement *model.Otx) (int64, error)
	TouchChecked(ctx context.Context, hash string, at time.Time) error
	SetMined(ctx context.Context, hash string, blockNumber uint64, txIndex uint) error
	Senders(ctx context.Context, chain model.Chain) ([]string, error)
}

// LockRepository persists lock flags. A row exists only while flags != 0.
type LockRepository interface {
	Set(ctx context.Context, chain model.Chain, address string, flags model.LockFlag, txHash string) (model.LockFlag, error)
	Reset(ctx context.Context, chain model.Chain, address string, flags model.LockFlag) (model.LockFlag, error)
	Get(ctx context.Context, chain model.Chain, address string) (model.LockFlag, error)
	// List returns locks of chain, filtered by address when non-empty.
	List(ctx context.Context, chain model.Chain, address string) ([]model.Lock, error)
}

// NonceRepository holds per-sender nonce counters and reservations.
type NonceRepository interface {
	// Reserve hands out the next nonce for key. The same key always gets the same nonce.
	Reserve(ctx context.Context, chain model.Chain, address string, key uuid.UUID) (uint64, error)
	// Init creates the counter if absent. Reports whether it was created.
	Init(ctx context.Context, chain model.Chain, address string, nonce uint64) (bool, error)
	// Raise sets the counter to max(current, nonce) and returns the result.
	Raise(ctx context.Context, chain model.Chain, address string, nonce uint64) (uint64, error)
	// Set overwrites the counter.
	Set(ctx context.Context, chain model.Chain, address string, nonce uint64) error
	// Shift lowers the counter by delta (raises it for a negative delta) in
	// one step. The result never drops to or below the nonce of an alive
	// transaction or an outstanding reservation of address.
	Shift(ctx context.Context, chain model.Chain, address string, delta int64) (uint64, error)
	Next(ctx context.Context, chain model.Chain, address string) (uint64, error)
	Reservation(ctx context.Context, key uuid.UUID) (*model.NonceReservation, error)
	Release(ctx context.Context, key uuid.UUID) error
	Addresses(ctx context.Context, chain model.Chain) ([]string, error)
}

// SyncRepository stores sync segments.
type SyncRepository interface {
	Create(ctx context.Context, s *model.BlockchainSync) (int64, error)
	Get(ctx context.Context, id int64) (*model.BlockchainSync, error)
	// Incomplete returns bounded segments with cursor < target, oldest first.
	Incomplete(ctx context.Context, chain model.Chain) ([]model.BlockchainSync, error)
	// ResumeLive returns the live segment of chain, reusing it when its
	// cursor is at or past height. Otherwise it is closed at height and a new
	// live segment starts there; closed is the id of the old one. Concurrent
	// calls for one chain are serialized, so there is never more than one
	// live segment.
	ResumeLive(ctx context.Context, chain model.Chain, height uint64) (live *model.BlockchainSync, closed int64, err error)
	SetTarget(ctx context.Context, id int64, target uint64) error
	SetCursor(ctx context.Context, id int64, block uint64, tx uint) error
	List(ctx context.Context, chain model.Chain) ([]model.BlockchainSync, error)
}
