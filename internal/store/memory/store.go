// Package memory implements the store repositories in process memory. It
// backs single-process deployments without postgres and the package tests.
package memory

import (
	"sync"
	"time"

	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/domain/model"
	"github.com/google/uuid"
)

type lockKey struct {
	chain   model.Chain
	address string
}

type nonceKey = lockKey

// Store holds every table behind one mutex, so each method is a serialized
// single-row or multi-row transaction.
type Store struct {
	mu  sync.Mutex
	now func() time.Time

	otxSeq   int64
	otx      map[int64]*model.Otx
	otxHash  map[string]int64
	txCache  map[int64]*model.TxCache
	lockSeq  int64
	locks    map[lockKey]*model.Lock
	nonces   map[nonceKey]uint64
	reserved map[uuid.UUID]model.NonceReservation
	syncSeq  int64
	syncs    map[int64]*model.BlockchainSync
}

func New() *Store {
	return &Store{
		now:      time.Now,
		otx:      make(map[int64]*model.Otx),
		otxHash:  make(map[string]int64),
		txCache:  make(map[int64]*model.TxCache),
		locks:    make(map[lockKey]*model.Lock),
		nonces:   make(map[nonceKey]uint64),
		reserved: make(map[uuid.UUID]model.NonceReservation),
		syncs:    make(map[int64]*model.BlockchainSync),
	}
}

// SetClock overrides the time source. Used by tests to age records.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) Otx() *OtxRepo     { return &OtxRepo{s: s} }
func (s *Store) Locks() *LockRepo  { return &LockRepo{s: s} }
func (s *Store) Nonce() *NonceRepo { return &NonceRepo{s: s} }
func (s *Store) Sync() *SyncRepo   { return &SyncRepo{s: s} }
