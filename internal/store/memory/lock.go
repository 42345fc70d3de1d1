package memory

import (
	"context"
	"sort"

	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/domain/model"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/store"
)

type LockRepo struct {
	s *Store
}

var _ store.LockRepository = (*LockRepo)(nil)

func (r *LockRepo) Set(_ context.Context, chain model.Chain, address string, flags model.LockFlag, txHash string) (model.LockFlag, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	key := lockKey{chain, model.NormalizeAddress(address)}
	l, ok := r.s.locks[key]
	if !ok {
		r.s.lockSeq++
		l = &model.Lock{ID: r.s.lockSeq, Blockchain: chain, Address: key.address, CreatedAt: r.s.now()}
		r.s.locks[key] = l
	}
	l.Flags |= flags
	if txHash != "" {
		if id, found := r.s.otxHash[model.NormalizeHash(txHash)]; found {
			hash := model.NormalizeHash(txHash)
			l.OtxID = &id
			l.TxHash = &hash
		}
	}
	if l.Flags == 0 {
		delete(r.s.locks, key)
	}
	return l.Flags, nil
}

func (r *LockRepo) Reset(_ context.Context, chain model.Chain, address string, flags model.LockFlag) (model.LockFlag, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	key := lockKey{chain, model.NormalizeAddress(address)}
	l, ok := r.s.locks[key]
	if !ok {
		return 0, nil
	}
	l.Flags &^= flags
	if l.Flags == 0 {
		delete(r.s.locks, key)
		return 0, nil
	}
	return l.Flags, nil
}

func (r *LockRepo) Get(_ context.Context, chain model.Chain, address string) (model.LockFlag, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if l, ok := r.s.locks[lockKey{chain, model.NormalizeAddress(address)}]; ok {
		return l.Flags, nil
	}
	return 0, nil
}

func (r *LockRepo) List(_ context.Context, chain model.Chain, address string) ([]model.Lock, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	address = model.NormalizeAddress(address)
	var out []model.Lock
	for k, l := range r.s.locks {
		if k.chain != chain || (address != "" && k.address != address) {
			continue
		}
		out = append(out, *l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
