package addressindex

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/cache"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/domain/model"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/metrics"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/store"
)

// TieredIndexConfig configures the 3-tier address index.
type TieredIndexConfig struct {
	BloomExpectedItems int
	BloomFPR           float64
	LRUCapacity        int
	LRUTTL             time.Duration
	// RefreshAfter bounds how long an account created by another process
	// can stay invisible behind a bloom miss.
	RefreshAfter time.Duration
}

// TieredIndex implements a 3-tier custodial sender lookup:
//
//	Tier 1: Bloom filter, definite negative
//	Tier 2: LRU cache, positive and negative hits
//	Tier 3: nonce counters, authoritative; every custodial account has one
type TieredIndex struct {
	chain        model.Chain
	bloom        *AddressFilter
	lru          *cache.LRU[string, bool]
	repo         store.NonceRepository
	refreshAfter time.Duration
	nowFn        func() time.Time

	mu         sync.Mutex
	reloadedAt time.Time
}

func NewTieredIndex(c model.Chain, repo store.NonceRepository, cfg TieredIndexConfig) *TieredIndex {
	if cfg.BloomExpectedItems <= 0 {
		cfg.BloomExpectedItems = 1_000_000
	}
	if cfg.BloomFPR <= 0 {
		cfg.BloomFPR = 0.001
	}
	if cfg.LRUCapacity <= 0 {
		cfg.LRUCapacity = 100_000
	}
	if cfg.LRUTTL <= 0 {
		cfg.LRUTTL = 10 * time.Minute
	}
	if cfg.RefreshAfter <= 0 {
		cfg.RefreshAfter = time.Minute
	}

	return &TieredIndex{
		chain:        c,
		bloom:        NewAddressFilter(cfg.BloomExpectedItems, cfg.BloomFPR),
		lru:          cache.NewLRU[string, bool](cfg.LRUCapacity, cfg.LRUTTL),
		repo:         repo,
		refreshAfter: cfg.RefreshAfter,
		nowFn:        time.Now,
		reloadedAt:   time.Now(),
	}
}

func (t *TieredIndex) Contains(ctx context.Context, address string) bool {
	key := model.NormalizeAddress(address)
	chainLabel := t.chain.String()

	if !t.bloom.MayContain(key) && !t.refreshed(ctx, key) {
		metrics.AddressIndexBloomRejects.WithLabelValues(chainLabel).Inc()
		return false
	}

	if known, ok := t.lru.Get(key); ok {
		metrics.AddressIndexLRUHits.WithLabelValues(chainLabel).Inc()
		return known
	}
	metrics.AddressIndexLRUMisses.WithLabelValues(chainLabel).Inc()

	metrics.AddressIndexDBLookups.WithLabelValues(chainLabel).Inc()
	_, err := t.repo.Next(ctx, t.chain, key)
	switch {
	case errors.Is(err, store.ErrNonceNotInitialized):
		t.lru.PutFor(key, false, t.refreshAfter)
		return false
	case err != nil:
		// possibly custodial; a missed local tx is worse than a wasted lookup
		return true
	}
	t.lru.Put(key, true)
	return true
}

func (t *TieredIndex) Add(address string) {
	key := model.NormalizeAddress(address)
	t.bloom.Add(key)
	t.lru.Put(key, true)
}

// Reload rebuilds the bloom filter and warms the LRU from the nonce counters.
func (t *TieredIndex) Reload(ctx context.Context) error {
	addrs, err := t.repo.Addresses(ctx, t.chain)
	if err != nil {
		return fmt.Errorf("reload address index: %w", err)
	}

	t.bloom.Reset()
	for _, a := range addrs {
		t.Add(a)
	}
	t.mu.Lock()
	t.reloadedAt = t.nowFn()
	t.mu.Unlock()
	metrics.AddressIndexSize.WithLabelValues(t.chain.String()).Set(float64(len(addrs)))
	return nil
}

// refreshed reloads a stale filter after a miss and reports whether key is
// now in it.
func (t *TieredIndex) refreshed(ctx context.Context, key string) bool {
	t.mu.Lock()
	stale := t.nowFn().Sub(t.reloadedAt) >= t.refreshAfter
	t.mu.Unlock()
	if !stale {
		return false
	}
	if err := t.Reload(ctx); err != nil {
		// keep the old filter; retry on the next miss
		return false
	}
	return t.bloom.MayContain(key)
}
