// Package ratelimit paces calls to a chain node and labels their outcomes
// for the RPC metrics.
package ratelimit

import (
	"context"
	"errors"
	"io"
	"net"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/chain/evm/rpc"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/circuitbreaker"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/metrics"
)

// Limiter is a per-node token bucket. A nil *Limiter never blocks.
type Limiter struct {
	bucket *rate.Limiter
	waits  prometheus.Counter
}

// NewLimiter allows rps calls per second with the given burst. rps <= 0
// disables pacing.
func NewLimiter(rps float64, burst int, chain string) *Limiter {
	if rps <= 0 {
		return nil
	}
	return &Limiter{
		bucket: rate.NewLimiter(rate.Limit(rps), max(burst, 1)),
		waits:  metrics.RPCRateLimitWaits.WithLabelValues(chain),
	}
}

// Wait takes one token, blocking until one is free or ctx ends.
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil {
		return ctx.Err()
	}
	if l.bucket.Allow() {
		return nil
	}
	l.waits.Inc()
	return l.bucket.Wait(ctx)
}

// Observe records one finished node call.
func Observe(chain, method string, started time.Time, err error) {
	metrics.RPCRequestsTotal.WithLabelValues(chain, method, Outcome(err)).Inc()
	metrics.RPCRequestLatency.WithLabelValues(chain, method).Observe(time.Since(started).Seconds())
}

var httpStatus = regexp.MustCompile(`http status (\d{3})`)

// Outcome maps a node call result onto a metric label.
func Outcome(err error) string {
	if err == nil {
		return "ok"
	}
	var rpcErr *rpc.RPCError
	var netErr net.Error
	switch {
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return "timeout"
	case errors.Is(err, circuitbreaker.ErrCircuitOpen):
		return "circuit_open"
	case errors.As(err, &rpcErr):
		if rpcErr.Code == -32005 || strings.Contains(strings.ToLower(rpcErr.Message), "rate limit") {
			return "rate_limited"
		}
		return "node_error"
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET), errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return "network_error"
	}

	if m := httpStatus.FindStringSubmatch(err.Error()); m != nil {
		code, _ := strconv.Atoi(m[1])
		switch {
		case code == 429:
			return "rate_limited"
		case code >= 500:
			return "server_error"
		}
		return "http_error"
	}

	lower := strings.ToLower(err.Error())
	for _, s := range []string{"connection refused", "connection reset", "no such host", "network is unreachable", "broken pipe"} {
		if strings.Contains(lower, s) {
			return "network_error"
		}
	}
	if strings.Contains(lower, "timeout") {
		return "timeout"
	}
	return "node_error"
}
