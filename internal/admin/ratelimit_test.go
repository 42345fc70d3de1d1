package admin

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
}

func call(h http.Handler, method, path, remote string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if remote != "" {
		req.RemoteAddr = remote
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRateLimiter_ShiftAllowsOnePerMinute(t *testing.T) {
	h := NewRateLimiter(slog.Default()).Wrap(okHandler())

	assert.Equal(t, http.StatusOK, call(h, http.MethodPost, "/admin/v1/nonce/shift", "").Code)

	rec := call(h, http.MethodPost, "/admin/v1/nonce/shift", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"error":"rate limit exceeded"}`, rec.Body.String())
}

func TestRateLimiter_RulesAreIndependent(t *testing.T) {
	h := NewRateLimiter(slog.Default()).Wrap(okHandler())

	call(h, http.MethodPost, "/admin/v1/nonce/shift", "")
	assert.Equal(t, http.StatusOK, call(h, http.MethodPost, "/admin/v1/txs/0xabc/resend", "").Code)
	assert.Equal(t, http.StatusOK, call(h, http.MethodGet, "/admin/v1/status", "").Code)
}

func TestRateLimiter_ClientsAreIndependent(t *testing.T) {
	h := NewRateLimiter(slog.Default()).Wrap(okHandler())

	assert.Equal(t, http.StatusOK, call(h, http.MethodPost, "/admin/v1/nonce/shift", "10.0.0.1:5000").Code)
	assert.Equal(t, http.StatusOK, call(h, http.MethodPost, "/admin/v1/nonce/shift", "10.0.0.2:5000").Code)
	// port changes do not create a new client
	assert.Equal(t, http.StatusTooManyRequests, call(h, http.MethodPost, "/admin/v1/nonce/shift", "10.0.0.1:6000").Code)
}

func TestRateLimiter_ResendBurst(t *testing.T) {
	h := NewRateLimiter(slog.Default()).Wrap(okHandler())

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, call(h, http.MethodPost, "/admin/v1/txs/0xabc/resend", "").Code)
	}
	assert.Equal(t, http.StatusTooManyRequests, call(h, http.MethodPost, "/admin/v1/txs/0xdef/resend", "").Code)
}

func TestRateLimiter_RuleMatching(t *testing.T) {
	rl := NewRateLimiter(slog.Default())

	rule, ok := rl.ruleFor(http.MethodDelete, "/admin/v1/locks")
	assert.True(t, ok)
	assert.Equal(t, "DELETE /admin/v1/locks", rule.key())

	rule, _ = rl.ruleFor(http.MethodGet, "/admin/v1/txs/0xabc")
	assert.Equal(t, " /", rule.key(), "GET tx falls through to the catch-all")
}
