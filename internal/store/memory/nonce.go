package memory

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/domain/model"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/store"
)

type NonceRepo struct {
	s *Store
}

var _ store.NonceRepository = (*NonceRepo)(nil)

func (r *NonceRepo) Reserve(_ context.Context, chain model.Chain, address string, key uuid.UUID) (uint64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	address = model.NormalizeAddress(address)
	if res, ok := r.s.reserved[key]; ok {
		return res.Nonce, nil
	}
	k := nonceKey{chain, address}
	next, ok := r.s.nonces[k]
	if !ok {
		return 0, fmt.Errorf("reserve %s: %w", address, store.ErrNonceNotInitialized)
	}
	r.s.nonces[k] = next + 1
	r.s.reserved[key] = model.NonceReservation{
		Blockchain: chain,
		Address:    address,
		Nonce:      next,
		Key:        key,
		CreatedAt:  r.s.now(),
	}
	return next, nil
}

func (r *NonceRepo) Init(_ context.Context, chain model.Chain, address string, nonce uint64) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	k := nonceKey{chain, model.NormalizeAddress(address)}
	if _, ok := r.s.nonces[k]; ok {
		return false, nil
	}
	r.s.nonces[k] = nonce
	return true, nil
}

func (r *NonceRepo) Raise(_ context.Context, chain model.Chain, address string, nonce uint64) (uint64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	k := nonceKey{chain, model.NormalizeAddress(address)}
	if cur, ok := r.s.nonces[k]; !ok || cur < nonce {
		r.s.nonces[k] = nonce
	}
	return r.s.nonces[k], nil
}

func (r *NonceRepo) Next(_ context.Context, chain model.Chain, address string) (uint64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	next, ok := r.s.nonces[nonceKey{chain, model.NormalizeAddress(address)}]
	if !ok {
		return 0, fmt.Errorf("next %s: %w", address, store.ErrNonceNotInitialized)
	}
	return next, nil
}

func (r *NonceRepo) Reservation(_ context.Context, key uuid.UUID) (*model.NonceReservation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	res, ok := r.s.reserved[key]
	if !ok {
		return nil, nil
	}
	return &res, nil
}

func (r *NonceRepo) Release(_ context.Context, key uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	delete(r.s.reserved, key)
	return nil
}

func (r *NonceRepo) Addresses(_ context.Context, chain model.Chain) ([]string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []string
	for k := range r.s.nonces {
		if k.chain == chain {
			out = append(out, k.address)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (r *NonceRepo) Set(_ context.Context, chain model.Chain, address string, nonce uint64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.nonces[nonceKey{chain, model.NormalizeAddress(address)}] = nonce
	return nil
}

func (r *NonceRepo) Shift(_ context.Context, chain model.Chain, address string, delta int64) (uint64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	address = model.NormalizeAddress(address)
	k := nonceKey{chain, address}
	cur, ok := r.s.nonces[k]
	if !ok {
		return 0, fmt.Errorf("shift %s: %w", address, store.ErrNonceNotInitialized)
	}

	next := int64(cur) - delta
	if next < 0 {
		next = 0
	}
	for _, o := range r.s.otx {
		if o.Blockchain == chain && o.SenderAddress == address && o.Status.IsAlive() && int64(o.Nonce) >= next {
			next = int64(o.Nonce) + 1
		}
	}
	for _, res := range r.s.reserved {
		if res.Blockchain == chain && res.Address == address && int64(res.Nonce) >= next {
			next = int64(res.Nonce) + 1
		}
	}
	r.s.nonces[k] = uint64(next)
	return uint64(next), nil
}
