package memory

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/domain/model"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testChain = model.Chain("evm:london:8996:test")

func addOtx(t *testing.T, r *OtxRepo, hash, sender string, nonce uint64, status model.Status) int64 {
	t.Helper()
	id, err := r.Create(context.Background(), &model.Otx{
		Blockchain:    testChain,
		TxHash:        hash,
		Nonce:         nonce,
		SenderAddress: sender,
		SignedRaw:     []byte{0x01},
		Status:        status,
	}, &model.TxCache{Sender: sender, Recipient: "0xbeef", FromValue: big.NewInt(10), ToValue: big.NewInt(10)})
	require.NoError(t, err)
	return id
}

func TestOtxCreate_Duplicate(t *testing.T) {
	r := New().Otx()
	addOtx(t, r, "0x01", "0xaa", 0, model.ReadySend)
	_, err := r.Create(context.Background(), &model.Otx{Blockchain: testChain, TxHash: "0x01"}, nil)
	assert.ErrorIs(t, err, store.ErrDuplicate)
}

func TestUpcoming_LowestNoncePerSender(t *testing.T) {
	s := New()
	r := s.Otx()
	addOtx(t, r, "0x01", "0xaa", 0, model.Sent)
	addOtx(t, r, "0x02", "0xaa", 1, model.ReadySend)
	addOtx(t, r, "0x03", "0xaa", 2, model.ReadySend)
	addOtx(t, r, "0x04", "0xbb", 5, model.ReadySend)

	got, err := r.Upcoming(context.Background(), testChain, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "0x02", got[0].TxHash)
	assert.Equal(t, "0x04", got[1].TxHash)
}

func TestUpcoming_BlockedByUnsentPredecessor(t *testing.T) {
	s := New()
	r := s.Otx()
	addOtx(t, r, "0x01", "0xaa", 0, model.WaitForGas)
	addOtx(t, r, "0x02", "0xaa", 1, model.ReadySend)

	got, err := r.Upcoming(context.Background(), testChain, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestUpcoming_ExcludesLockedSenders(t *testing.T) {
	s := New()
	r := s.Otx()
	addOtx(t, r, "0x01", "0xaa", 0, model.ReadySend)
	addOtx(t, r, "0x02", "0xbb", 0, model.ReadySend)

	_, err := s.Locks().Set(context.Background(), testChain, "0xaa", model.LockSend, "")
	require.NoError(t, err)

	got, err := r.Upcoming(context.Background(), testChain, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "0x02", got[0].TxHash)

	_, err = s.Locks().Set(context.Background(), testChain, model.ZeroAddress, model.LockQueue, "")
	require.NoError(t, err)
	got, err = r.Upcoming(context.Background(), testChain, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestReplace_ClonesCacheAndObsoletes(t *testing.T) {
	s := New()
	r := s.Otx()
	origID := addOtx(t, r, "0x01", "0xaa", 3, model.Sent)

	newID, err := r.Replace(context.Background(), "0x01", &model.Otx{
		Blockchain: testChain, TxHash: "0x02", Nonce: 3, SenderAddress: "0xaa", Status: model.ReadySend,
	})
	require.NoError(t, err)
	assert.NotEqual(t, origID, newID)

	orig, err := r.GetByHash(context.Background(), "0x01")
	require.NoError(t, err)
	assert.Equal(t, model.Obsoleted, orig.Status)

	c, err := r.GetCache(context.Background(), newID)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "0xbeef", c.Recipient)
	assert.Equal(t, int64(10), c.FromValue.Int64())

	_, err = r.Replace(context.Background(), "0x01", &model.Otx{Blockchain: testChain, TxHash: "0x03"})
	assert.ErrorIs(t, err, model.ErrInvalidTransition)
	missing, err := r.GetByHash(context.Background(), "0x03")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestByStatus_CheckedBefore(t *testing.T) {
	s := New()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return base })
	r := s.Otx()
	addOtx(t, r, "0x01", "0xaa", 0, model.Sent)
	addOtx(t, r, "0x02", "0xbb", 0, model.Sent)
	require.NoError(t, r.TouchChecked(context.Background(), "0x02", base.Add(time.Hour)))

	cutoff := base.Add(time.Minute)
	got, err := r.ByStatus(context.Background(), testChain, model.StatusQuery{
		Include:       model.StatusInNetwork,
		Exclude:       model.StatusFinal | model.StatusObsolete | model.StatusManual,
		CheckedBefore: &cutoff,
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "0x01", got[0].TxHash)
}

func TestNonceReserve_SameKeySameNonce(t *testing.T) {
	r := New().Nonce()
	ctx := context.Background()
	_, err := r.Reserve(ctx, testChain, "0xaa", uuid.New())
	assert.ErrorIs(t, err, store.ErrNonceNotInitialized)

	created, err := r.Init(ctx, testChain, "0xaa", 7)
	require.NoError(t, err)
	assert.True(t, created)

	key := uuid.New()
	n1, err := r.Reserve(ctx, testChain, "0xaa", key)
	require.NoError(t, err)
	n2, err := r.Reserve(ctx, testChain, "0xaa", key)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), n1)
	assert.Equal(t, n1, n2)

	next, err := r.Next(ctx, testChain, "0xaa")
	require.NoError(t, err)
	assert.Equal(t, uint64(8), next)
}

func TestNonceShift_Floors(t *testing.T) {
	ctx := context.Background()
	const sender = "0x00000000000000000000000000000000000000aa"
	s := New()
	repo := s.Nonce()

	_, err := repo.Shift(ctx, testChain, sender, 1)
	assert.ErrorIs(t, err, store.ErrNonceNotInitialized)

	require.NoError(t, repo.Set(ctx, testChain, sender, 5))
	next, err := repo.Shift(ctx, testChain, sender, 10)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), next, "never below zero")

	next, err = repo.Shift(ctx, testChain, sender, -2)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), next)

	_, err = repo.Reserve(ctx, testChain, sender, uuid.New())
	require.NoError(t, err)
	next, err = repo.Shift(ctx, testChain, sender, 3)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), next, "an outstanding reservation keeps its nonce")

	addOtx(t, s.Otx(), "0x07", sender, 6, model.ReadySend)
	addOtx(t, s.Otx(), "0x09", sender, 8, model.Obsoleted)
	require.NoError(t, repo.Set(ctx, testChain, sender, 9))
	next, err = repo.Shift(ctx, testChain, sender, 5)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), next, "an alive transaction keeps its nonce, a dead one does not")
}
