package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/domain/model"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/store"
)

type OtxRepo struct {
	s *Store
}

var _ store.OtxRepository = (*OtxRepo)(nil)

func copyCache(c *model.TxCache) *model.TxCache {
	if c == nil {
		return nil
	}
	out := *c
	return &out
}

func (r *OtxRepo) insertLocked(o *model.Otx, c *model.TxCache) (int64, error) {
	hash := model.NormalizeHash(o.TxHash)
	if _, ok := r.s.otxHash[hash]; ok {
		return 0, fmt.Errorf("otx %s: %w", hash, store.ErrDuplicate)
	}
	now := r.s.now()
	r.s.otxSeq++
	rec := *o
	rec.ID = r.s.otxSeq
	rec.TxHash = hash
	rec.SenderAddress = model.NormalizeAddress(o.SenderAddress)
	rec.CreatedAt = now
	rec.UpdatedAt = now
	r.s.otx[rec.ID] = &rec
	r.s.otxHash[hash] = rec.ID
	if c != nil {
		cc := *c
		cc.OtxID = rec.ID
		if cc.DateCreated.IsZero() {
			cc.DateCreated = now
		}
		cc.DateUpdated = now
		if cc.DateChecked.IsZero() {
			cc.DateChecked = now
		}
		r.s.txCache[rec.ID] = &cc
	}
	return rec.ID, nil
}

func (r *OtxRepo) Create(_ context.Context, o *model.Otx, c *model.TxCache) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.insertLocked(o, c)
}

func (r *OtxRepo) getLocked(hash string) *model.Otx {
	id, ok := r.s.otxHash[model.NormalizeHash(hash)]
	if !ok {
		return nil
	}
	return r.s.otx[id]
}

func (r *OtxRepo) GetByHash(_ context.Context, hash string) (*model.Otx, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	o := r.getLocked(hash)
	if o == nil {
		return nil, nil
	}
	out := *o
	return &out, nil
}

func (r *OtxRepo) GetCache(_ context.Context, otxID int64) (*model.TxCache, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return copyCache(r.s.txCache[otxID]), nil
}

func (r *OtxRepo) UpdateStatus(_ context.Context, hash string, tr model.Transition) (*model.Otx, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	o := r.getLocked(hash)
	if o == nil {
		return nil, fmt.Errorf("otx %s: %w", hash, store.ErrNotFound)
	}
	next, err := tr(o.Status)
	if err != nil {
		return nil, err
	}
	o.Status = next
	o.UpdatedAt = r.s.now()
	out := *o
	return &out, nil
}

func (r *OtxRepo) gatedLocked(chain model.Chain, address string, mask model.LockFlag) bool {
	for _, a := range []string{address, model.ZeroAddress} {
		if l, ok := r.s.locks[lockKey{chain, a}]; ok && l.Flags&mask != 0 {
			return true
		}
	}
	return false
}

func (r *OtxRepo) sortedLocked(filter func(*model.Otx) bool) []model.Otx {
	var out []model.Otx
	for _, o := range r.s.otx {
		if filter(o) {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SenderAddress != out[j].SenderAddress {
			return out[i].SenderAddress < out[j].SenderAddress
		}
		if out[i].Nonce != out[j].Nonce {
			return out[i].Nonce < out[j].Nonce
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (r *OtxRepo) Upcoming(_ context.Context, chain model.Chain, limit int) ([]model.Otx, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if limit <= 0 {
		limit = store.UpcomingBatchSize
	}

	candidates := r.sortedLocked(func(o *model.Otx) bool {
		return o.Blockchain == chain && o.Status.IsSendable()
	})
	seen := make(map[string]bool)
	var out []model.Otx
	for _, o := range candidates {
		if seen[o.SenderAddress] {
			continue
		}
		seen[o.SenderAddress] = true
		if r.gatedLocked(chain, o.SenderAddress, model.LockSend|model.LockQueue) {
			continue
		}
		blocked := false
		for _, p := range r.s.otx {
			if p.Blockchain == chain && p.SenderAddress == o.SenderAddress && p.Nonce < o.Nonce &&
				p.Status.IsAlive() && !p.Status.Has(model.StatusInNetwork) {
				blocked = true
				break
			}
		}
		if blocked {
			continue
		}
		out = append(out, o)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (r *OtxRepo) ByStatus(_ context.Context, chain model.Chain, q model.StatusQuery) ([]model.Otx, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := r.sortedLocked(func(o *model.Otx) bool {
		if o.Blockchain != chain || !o.Status.Has(q.Include) || o.Status.Any(q.Exclude) {
			return false
		}
		if q.CheckedBefore != nil {
			c := r.s.txCache[o.ID]
			if c == nil || !c.DateChecked.Before(*q.CheckedBefore) {
				return false
			}
		}
		return true
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (r *OtxRepo) BySenderNonce(_ context.Context, chain model.Chain, sender string, nonce uint64) ([]model.Otx, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sender = model.NormalizeAddress(sender)
	return r.sortedLocked(func(o *model.Otx) bool {
		return o.Blockchain == chain && o.SenderAddress == sender && o.Nonce == nonce
	}), nil
}

func (r *OtxRepo) AliveFromNonce(_ context.Context, chain model.Chain, sender string, nonce uint64) ([]model.Otx, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sender = model.NormalizeAddress(sender)
	return r.sortedLocked(func(o *model.Otx) bool {
		return o.Blockchain == chain && o.SenderAddress == sender && o.Nonce >= nonce && o.Status.IsAlive()
	}), nil
}

func (r *OtxRepo) BySender(_ context.Context, chain model.Chain, sender string, limit int) ([]model.Otx, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sender = model.NormalizeAddress(sender)
	out := r.sortedLocked(func(o *model.Otx) bool {
		return o.Blockchain == chain && o.SenderAddress == sender
	})
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (r *OtxRepo) Replace(_ context.Context, originalHash string, replacement *model.Otx) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	orig := r.getLocked(originalHash)
	if orig == nil {
		return 0, fmt.Errorf("otx %s: %w", originalHash, store.ErrNotFound)
	}
	next, err := model.MarkObsolete(orig.Status)
	if err != nil {
		return 0, err
	}
	var cache *model.TxCache
	if c := r.s.txCache[orig.ID]; c != nil {
		cloned := c.Clone(0, r.s.now())
		cache = &cloned
	}
	id, err := r.insertLocked(replacement, cache)
	if err != nil {
		return 0, err
	}
	orig.Status = next
	orig.UpdatedAt = r.s.now()
	return id, nil
}

func (r *OtxRepo) TouchChecked(_ context.Context, hash string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	o := r.getLocked(hash)
	if o == nil {
		return fmt.Errorf("otx %s: %w", hash, store.ErrNotFound)
	}
	if c := r.s.txCache[o.ID]; c != nil {
		c.DateChecked = at
		c.DateUpdated = r.s.now()
	}
	return nil
}

func (r *OtxRepo) SetMined(_ context.Context, hash string, blockNumber uint64, txIndex uint) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	o := r.getLocked(hash)
	if o == nil {
		return fmt.Errorf("otx %s: %w", hash, store.ErrNotFound)
	}
	if c := r.s.txCache[o.ID]; c != nil {
		c.BlockNumber = &blockNumber
		c.TxIndex = &txIndex
		c.DateUpdated = r.s.now()
	}
	return nil
}

func (r *OtxRepo) Senders(_ context.Context, chain model.Chain) ([]string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	set := make(map[string]struct{})
	for _, o := range r.s.otx {
		if o.Blockchain == chain {
			set[o.SenderAddress] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for a := range set {
		out = append(out, a)
	}
	sort.Strings(out)
	return out, nil
}
