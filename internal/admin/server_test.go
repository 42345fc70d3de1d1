package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/domain/model"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/lock"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/nonce"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/reconciliation"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/txqueue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testChain   = model.Chain("evm:byzantium:8996:bloxberg")
	testAddress = "0x00000000000000000000000000000000000000aa"
)

// --- Mock operator ---

type mockOperator struct {
	listLocksFunc        func(ctx context.Context, c model.Chain, address string) ([]model.Lock, error)
	setLockFunc          func(ctx context.Context, c model.Chain, flags model.LockFlag, address, txHash string) (model.LockFlag, error)
	resetLockFunc        func(ctx context.Context, c model.Chain, flags model.LockFlag, address string) (model.LockFlag, error)
	getTxFunc            func(ctx context.Context, hash string) (model.TxInfo, error)
	resendTxFunc         func(ctx context.Context, hash string) (string, error)
	shiftNonceFunc       func(ctx context.Context, hash string, delta int64) ([]string, error)
	syncSegmentsFunc     func(ctx context.Context, c model.Chain) ([]model.BlockchainSync, error)
	reconcileAddressFunc func(ctx context.Context, c model.Chain, address string) (*reconciliation.AddressReport, error)
	reconcileChainFunc   func(ctx context.Context, c model.Chain) (*reconciliation.RunResult, error)
}

func (m *mockOperator) HasChain(c model.Chain) bool { return c == testChain }

func (m *mockOperator) ListLocks(ctx context.Context, c model.Chain, address string) ([]model.Lock, error) {
	return m.listLocksFunc(ctx, c, address)
}

func (m *mockOperator) SetLock(ctx context.Context, c model.Chain, flags model.LockFlag, address, txHash string) (model.LockFlag, error) {
	return m.setLockFunc(ctx, c, flags, address, txHash)
}

func (m *mockOperator) ResetLock(ctx context.Context, c model.Chain, flags model.LockFlag, address string) (model.LockFlag, error) {
	return m.resetLockFunc(ctx, c, flags, address)
}

func (m *mockOperator) GetTx(ctx context.Context, hash string) (model.TxInfo, error) {
	return m.getTxFunc(ctx, hash)
}

func (m *mockOperator) ResendTx(ctx context.Context, hash string) (string, error) {
	return m.resendTxFunc(ctx, hash)
}

func (m *mockOperator) ShiftNonce(ctx context.Context, hash string, delta int64) ([]string, error) {
	return m.shiftNonceFunc(ctx, hash, delta)
}

func (m *mockOperator) SyncSegments(ctx context.Context, c model.Chain) ([]model.BlockchainSync, error) {
	return m.syncSegmentsFunc(ctx, c)
}

func (m *mockOperator) ReconcileAddress(ctx context.Context, c model.Chain, address string) (*reconciliation.AddressReport, error) {
	return m.reconcileAddressFunc(ctx, c, address)
}

func (m *mockOperator) ReconcileChain(ctx context.Context, c model.Chain) (*reconciliation.RunResult, error) {
	return m.reconcileChainFunc(ctx, c)
}

type staticHealth struct{ v any }

func (s staticHealth) HealthSnapshots() any { return s.v }

// --- Helpers ---

func serve(t *testing.T, s *Server, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

// --- Tests: locks ---

func TestHandleListLocks(t *testing.T) {
	var gotAddress string
	op := &mockOperator{
		listLocksFunc: func(_ context.Context, c model.Chain, address string) ([]model.Lock, error) {
			gotAddress = address
			return []model.Lock{{Blockchain: c, Address: address, Flags: model.LockSend}}, nil
		},
	}
	s := NewServer(op, slog.Default())

	rec := serve(t, s, http.MethodGet, "/admin/v1/locks?chain="+string(testChain)+"&address=0x00000000000000000000000000000000000000AA", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, testAddress, gotAddress)

	locks := decodeBody[[]model.Lock](t, rec)
	require.Len(t, locks, 1)
	assert.Equal(t, model.LockSend, locks[0].Flags)
}

func TestHandleListLocks_ChainValidation(t *testing.T) {
	s := NewServer(&mockOperator{}, slog.Default())

	rec := serve(t, s, http.MethodGet, "/admin/v1/locks", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(t, s, http.MethodGet, "/admin/v1/locks?chain=evm:london:1:ethereum", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleSetLock(t *testing.T) {
	var gotFlags model.LockFlag
	var gotAddress, gotHash string
	op := &mockOperator{
		setLockFunc: func(_ context.Context, _ model.Chain, flags model.LockFlag, address, txHash string) (model.LockFlag, error) {
			gotFlags, gotAddress, gotHash = flags, address, txHash
			return flags | model.LockCreate, nil
		},
	}
	s := NewServer(op, slog.Default())

	rec := serve(t, s, http.MethodPost, "/admin/v1/locks", lockRequest{
		Chain: string(testChain), Flags: "send|queue", TxHash: "0xabc",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, model.LockSend|model.LockQueue, gotFlags)
	assert.Equal(t, model.ZeroAddress, gotAddress, "empty address is the chain-wide lock")
	assert.Equal(t, "0xabc", gotHash)

	resp := decodeBody[lockResponse](t, rec)
	assert.Equal(t, uint64(model.LockSend|model.LockQueue|model.LockCreate), resp.Flags)
}

func TestHandleSetLock_InvalidFlags(t *testing.T) {
	s := NewServer(&mockOperator{}, slog.Default())

	for _, flags := range []string{"", "BOGUS", "0"} {
		rec := serve(t, s, http.MethodPost, "/admin/v1/locks", lockRequest{Chain: string(testChain), Flags: flags})
		assert.Equal(t, http.StatusBadRequest, rec.Code, flags)
	}
}

func TestHandleSetLock_InvalidJSON(t *testing.T) {
	s := NewServer(&mockOperator{}, slog.Default())

	req := httptest.NewRequest(http.MethodPost, "/admin/v1/locks", bytes.NewBufferString("{"))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleResetLock(t *testing.T) {
	op := &mockOperator{
		resetLockFunc: func(_ context.Context, _ model.Chain, flags model.LockFlag, address string) (model.LockFlag, error) {
			assert.Equal(t, model.LockAll, flags)
			assert.Equal(t, testAddress, address)
			return 0, nil
		},
	}
	s := NewServer(op, slog.Default())

	rec := serve(t, s, http.MethodDelete, "/admin/v1/locks", lockRequest{
		Chain: string(testChain), Address: testAddress, Flags: "ALL",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "NONE", decodeBody[lockResponse](t, rec).Names)
}

// --- Tests: transactions ---

func TestHandleGetTx(t *testing.T) {
	op := &mockOperator{
		getTxFunc: func(_ context.Context, hash string) (model.TxInfo, error) {
			if hash != "0xabc" {
				return model.TxInfo{}, txqueue.ErrNotLocal
			}
			return model.NewTxInfo(model.Otx{TxHash: hash, Status: model.Sent}, nil), nil
		},
	}
	s := NewServer(op, slog.Default())

	rec := serve(t, s, http.MethodGet, "/admin/v1/txs/0xabc", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	info := decodeBody[model.TxInfo](t, rec)
	assert.Equal(t, model.Sent, info.Status)

	rec = serve(t, s, http.MethodGet, "/admin/v1/txs/0xdef", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleResendTx(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"ok", nil, http.StatusOK},
		{"locked", &lock.LockedError{Chain: testChain, Flags: model.LockQueue, Address: testAddress}, http.StatusConflict},
		{"final", txqueue.ErrStateChange, http.StatusConflict},
		{"unknown", txqueue.ErrNotLocal, http.StatusNotFound},
		{"db down", errors.New("db down"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op := &mockOperator{
				resendTxFunc: func(context.Context, string) (string, error) {
					if tt.err != nil {
						return "", tt.err
					}
					return "0xdef", nil
				},
			}
			rec := serve(t, NewServer(op, slog.Default()), http.MethodPost, "/admin/v1/txs/0xabc/resend", nil)
			assert.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusOK {
				assert.Equal(t, "0xdef", decodeBody[map[string]string](t, rec)["replacement"])
			}
		})
	}
}

func TestHandleResendTx_LockedReportsFlags(t *testing.T) {
	op := &mockOperator{
		resendTxFunc: func(context.Context, string) (string, error) {
			return "", &lock.LockedError{Chain: testChain, Flags: model.LockQueue, Global: true}
		},
	}
	rec := serve(t, NewServer(op, slog.Default()), http.MethodPost, "/admin/v1/txs/0xabc/resend", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "QUEUE", decodeBody[map[string]any](t, rec)["flags"])
}

func TestHandleShiftNonce(t *testing.T) {
	var gotDelta int64
	op := &mockOperator{
		shiftNonceFunc: func(_ context.Context, hash string, delta int64) ([]string, error) {
			gotDelta = delta
			if hash == "0xbad" {
				return nil, nonce.ErrInvalidShift
			}
			return []string{"0x1", "0x2"}, nil
		},
	}
	s := NewServer(op, slog.Default())

	rec := serve(t, s, http.MethodPost, "/admin/v1/nonce/shift", map[string]any{"tx_hash": "0xabc"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(1), gotDelta, "delta defaults to one")

	rec = serve(t, s, http.MethodPost, "/admin/v1/nonce/shift", map[string]any{"tx_hash": "0xabc", "delta": 3})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(3), gotDelta)

	rec = serve(t, s, http.MethodPost, "/admin/v1/nonce/shift", map[string]any{"tx_hash": "0xabc", "delta": 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(t, s, http.MethodPost, "/admin/v1/nonce/shift", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(t, s, http.MethodPost, "/admin/v1/nonce/shift", map[string]any{"tx_hash": "0xbad"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// --- Tests: sync, reconcile, status ---

func TestHandleSync(t *testing.T) {
	target := uint64(100)
	op := &mockOperator{
		syncSegmentsFunc: func(_ context.Context, c model.Chain) ([]model.BlockchainSync, error) {
			return []model.BlockchainSync{
				{ID: 1, Blockchain: c, BlockStart: 10, BlockCursor: 100, BlockTarget: &target},
				{ID: 2, Blockchain: c, BlockStart: 100, BlockCursor: 140},
			}, nil
		},
	}
	rec := serve(t, NewServer(op, slog.Default()), http.MethodGet, "/admin/v1/sync?chain="+string(testChain), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	segs := decodeBody[[]syncSegment](t, rec)
	require.Len(t, segs, 2)
	assert.True(t, segs[0].Done)
	assert.False(t, segs[0].Live)
	assert.True(t, segs[1].Live)
	assert.Equal(t, uint64(140), segs[1].BlockCursor)
}

func TestHandleReconcile(t *testing.T) {
	op := &mockOperator{
		reconcileAddressFunc: func(_ context.Context, c model.Chain, address string) (*reconciliation.AddressReport, error) {
			return &reconciliation.AddressReport{Chain: c.String(), Address: address, Gaps: []uint64{4}}, nil
		},
		reconcileChainFunc: func(_ context.Context, c model.Chain) (*reconciliation.RunResult, error) {
			return &reconciliation.RunResult{Chain: c.String(), Total: 3, Matched: 3}, nil
		},
	}
	s := NewServer(op, slog.Default())

	rec := serve(t, s, http.MethodGet, "/admin/v1/reconcile?chain="+string(testChain)+"&address="+testAddress, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	report := decodeBody[reconciliation.AddressReport](t, rec)
	assert.Equal(t, []uint64{4}, report.Gaps)

	rec = serve(t, s, http.MethodGet, "/admin/v1/reconcile?chain="+string(testChain), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 3, decodeBody[reconciliation.RunResult](t, rec).Matched)
}

func TestHandleStatus(t *testing.T) {
	s := NewServer(&mockOperator{}, slog.Default())
	rec := serve(t, s, http.MethodGet, "/admin/v1/status", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	s = NewServer(&mockOperator{}, slog.Default(), WithHealthProvider(staticHealth{v: []map[string]string{
		{"chain": string(testChain), "component": "dispatcher", "status": "HEALTHY"},
	}}))
	rec = serve(t, s, http.MethodGet, "/admin/v1/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "HEALTHY")
}
