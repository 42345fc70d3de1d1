package addressindex

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/domain/model"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/store"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/store/memory"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/store/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

const (
	testChain = model.Chain("evm:byzantium:8996:bloxberg")
	custodial = "0x00000000000000000000000000000000000000aa"
	outsider  = "0x00000000000000000000000000000000000000ff"
)

func newTestIndex(repo store.NonceRepository) *TieredIndex {
	return NewTieredIndex(testChain, repo, TieredIndexConfig{
		BloomExpectedItems: 1000,
		BloomFPR:           0.001,
		LRUCapacity:        100,
		LRUTTL:             10 * time.Minute,
	})
}

func TestTieredIndex_BloomReject(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockNonceRepository(ctrl)
	idx := newTestIndex(repo)

	// no store call expected
	assert.False(t, idx.Contains(context.Background(), outsider))
}

func TestTieredIndex_ReloadFromNonceCounters(t *testing.T) {
	st := memory.New()
	ctx := context.Background()
	_, err := st.Nonce().Init(ctx, testChain, custodial, 0)
	require.NoError(t, err)

	idx := newTestIndex(st.Nonce())
	require.NoError(t, idx.Reload(ctx))

	assert.True(t, idx.Contains(ctx, custodial))
	assert.True(t, idx.Contains(ctx, "0x00000000000000000000000000000000000000AA"), "lookup is case insensitive")
	assert.False(t, idx.Contains(ctx, outsider))
}

func TestTieredIndex_StoreFallbackAndNegativeCache(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockNonceRepository(ctrl)
	idx := newTestIndex(repo)
	idx.bloom.Add(outsider)

	repo.EXPECT().Next(gomock.Any(), testChain, outsider).
		Return(uint64(0), store.ErrNonceNotInitialized).Times(1)

	assert.False(t, idx.Contains(context.Background(), outsider))
	assert.False(t, idx.Contains(context.Background(), outsider), "second answer comes from the LRU")
}

func TestTieredIndex_StoreErrorIsPositive(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockNonceRepository(ctrl)
	idx := newTestIndex(repo)
	idx.bloom.Add(custodial)

	repo.EXPECT().Next(gomock.Any(), testChain, custodial).
		Return(uint64(0), errors.New("connection reset")).Times(2)

	assert.True(t, idx.Contains(context.Background(), custodial))
	assert.True(t, idx.Contains(context.Background(), custodial), "errors are not cached")
}

func TestTieredIndex_Add(t *testing.T) {
	ctrl := gomock.NewController(t)
	idx := newTestIndex(mocks.NewMockNonceRepository(ctrl))

	idx.Add(custodial)
	assert.True(t, idx.Contains(context.Background(), custodial))
}

func TestTieredIndex_RefreshesAfterMissWhenStale(t *testing.T) {
	st := memory.New()
	ctx := context.Background()
	idx := newTestIndex(st.Nonce())
	require.NoError(t, idx.Reload(ctx))

	// created by another process after the last reload
	_, err := st.Nonce().Init(ctx, testChain, custodial, 0)
	require.NoError(t, err)
	assert.False(t, idx.Contains(ctx, custodial), "fresh filter answers from memory")

	later := time.Now().Add(2 * time.Minute)
	idx.nowFn = func() time.Time { return later }
	assert.True(t, idx.Contains(ctx, custodial))
}
