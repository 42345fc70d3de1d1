package memory

import (
	"context"
	"fmt"
	"sort"

	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/domain/model"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/store"
)

type SyncRepo struct {
	s *Store
}

var _ store.SyncRepository = (*SyncRepo)(nil)

func copySync(s *model.BlockchainSync) model.BlockchainSync {
	out := *s
	if s.BlockTarget != nil {
		t := *s.BlockTarget
		out.BlockTarget = &t
	}
	return out
}

func (r *SyncRepo) Create(_ context.Context, seg *model.BlockchainSync) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if seg.IsLive() {
		for _, s := range r.s.syncs {
			if s.Blockchain == seg.Blockchain && s.IsLive() {
				return 0, fmt.Errorf("live segment of %s: %w", seg.Blockchain, store.ErrDuplicate)
			}
		}
	}
	r.s.syncSeq++
	rec := copySync(seg)
	rec.ID = r.s.syncSeq
	rec.CreatedAt = r.s.now()
	rec.UpdatedAt = rec.CreatedAt
	r.s.syncs[rec.ID] = &rec
	return rec.ID, nil
}

func (r *SyncRepo) Get(_ context.Context, id int64) (*model.BlockchainSync, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	seg, ok := r.s.syncs[id]
	if !ok {
		return nil, nil
	}
	out := copySync(seg)
	return &out, nil
}

func (r *SyncRepo) listLocked(filter func(*model.BlockchainSync) bool) []model.BlockchainSync {
	var out []model.BlockchainSync
	for _, seg := range r.s.syncs {
		if filter(seg) {
			out = append(out, copySync(seg))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *SyncRepo) Incomplete(_ context.Context, chain model.Chain) ([]model.BlockchainSync, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.listLocked(func(s *model.BlockchainSync) bool {
		return s.Blockchain == chain && !s.IsLive() && !s.IsComplete()
	}), nil
}

func (r *SyncRepo) ResumeLive(_ context.Context, chain model.Chain, height uint64) (*model.BlockchainSync, int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	live := r.listLocked(func(s *model.BlockchainSync) bool {
		return s.Blockchain == chain && s.IsLive()
	})
	var closed int64
	if n := len(live); n > 0 {
		latest := live[n-1]
		if latest.BlockCursor >= height {
			return &latest, 0, nil
		}
		seg := r.s.syncs[latest.ID]
		target := height
		seg.BlockTarget = &target
		seg.UpdatedAt = r.s.now()
		closed = latest.ID
	}

	r.s.syncSeq++
	rec := &model.BlockchainSync{
		ID:          r.s.syncSeq,
		Blockchain:  chain,
		BlockStart:  height,
		BlockCursor: height,
		CreatedAt:   r.s.now(),
	}
	rec.UpdatedAt = rec.CreatedAt
	r.s.syncs[rec.ID] = rec
	out := copySync(rec)
	return &out, closed, nil
}

func (r *SyncRepo) SetTarget(_ context.Context, id int64, target uint64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	seg, ok := r.s.syncs[id]
	if !ok {
		return fmt.Errorf("sync segment %d: %w", id, store.ErrNotFound)
	}
	seg.BlockTarget = &target
	seg.UpdatedAt = r.s.now()
	return nil
}

func (r *SyncRepo) SetCursor(_ context.Context, id int64, block uint64, tx uint) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	seg, ok := r.s.syncs[id]
	if !ok {
		return fmt.Errorf("sync segment %d: %w", id, store.ErrNotFound)
	}
	seg.BlockCursor = block
	seg.TxCursor = tx
	seg.UpdatedAt = r.s.now()
	return nil
}

func (r *SyncRepo) List(_ context.Context, chain model.Chain) ([]model.BlockchainSync, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.listLocked(func(s *model.BlockchainSync) bool { return s.Blockchain == chain }), nil
}
