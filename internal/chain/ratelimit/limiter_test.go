package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"syscall"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/chain/evm/rpc"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/circuitbreaker"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/metrics"
)

func TestNewLimiter(t *testing.T) {
	l := NewLimiter(10.0, 0, "evm:byzantium:8996:bloxberg")

	require.NotNil(t, l)
	assert.InDelta(t, 10.0, float64(l.bucket.Limit()), 0.001)
	assert.Equal(t, 1, l.bucket.Burst(), "burst is at least one")
}

func TestNewLimiter_Disabled(t *testing.T) {
	l := NewLimiter(0, 5, "evm")
	assert.Nil(t, l)
	require.NoError(t, l.Wait(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, l.Wait(ctx), context.Canceled)
}

func TestLimiter_BurstThenWait(t *testing.T) {
	const chain = "evm:ratelimit-test:1:burst"
	l := NewLimiter(20, 2, chain) // a token every 50ms
	ctx := context.Background()
	waits := metrics.RPCRateLimitWaits.WithLabelValues(chain)

	require.NoError(t, l.Wait(ctx))
	require.NoError(t, l.Wait(ctx))
	assert.Equal(t, 0.0, testutil.ToFloat64(waits))

	start := time.Now()
	require.NoError(t, l.Wait(ctx))
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(waits))
}

func TestLimiter_WaitHonoursContext(t *testing.T) {
	l := NewLimiter(0.1, 1, "evm")
	require.NoError(t, l.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, l.Wait(ctx))
}

func TestOutcome(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{context.Canceled, "canceled"},
		{fmt.Errorf("post: %w", context.DeadlineExceeded), "timeout"},
		{fmt.Errorf("node: %w", circuitbreaker.ErrCircuitOpen), "circuit_open"},
		{&rpc.RPCError{Code: -32005, Message: "limit exceeded"}, "rate_limited"},
		{&rpc.RPCError{Code: -32000, Message: "nonce too low"}, "node_error"},
		{fmt.Errorf("dial: %w", syscall.ECONNREFUSED), "network_error"},
		{io.ErrUnexpectedEOF, "network_error"},
		{errors.New("http status 429: slow down"), "rate_limited"},
		{errors.New("http status 502: bad gateway"), "server_error"},
		{errors.New("http status 404: not found"), "http_error"},
		{errors.New("lookup node: no such host"), "network_error"},
		{errors.New("i/o timeout"), "timeout"},
		{errors.New("something odd"), "node_error"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, Outcome(tc.err), "%v", tc.err)
	}
}
