package admin

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/cache"
)

const (
	maxTrackedClients = 1024
	clientLimiterTTL  = 10 * time.Minute
)

type limitRule struct {
	method string
	prefix string
	every  time.Duration
	burst  int
}

func (r limitRule) key() string { return r.method + " " + r.prefix }

func (r limitRule) matches(method, path string) bool {
	return (r.method == "" || r.method == method) && strings.HasPrefix(path, r.prefix)
}

// Calls that sign new transactions get the tightest limits. The last rule
// catches everything else.
var defaultLimitRules = []limitRule{
	{method: http.MethodPost, prefix: "/admin/v1/nonce/shift", every: time.Minute, burst: 1},
	{method: http.MethodPost, prefix: "/admin/v1/txs/", every: 6 * time.Second, burst: 3},
	{method: http.MethodPost, prefix: "/admin/v1/locks", every: 2 * time.Second, burst: 5},
	{method: http.MethodDelete, prefix: "/admin/v1/locks", every: 2 * time.Second, burst: 5},
	{method: http.MethodGet, prefix: "/admin/v1/reconcile", every: 10 * time.Second, burst: 2},
	{prefix: "/", every: time.Second, burst: 5},
}

// RateLimiter throttles admin calls per rule and client address. Idle
// client limiters age out of a bounded LRU.
type RateLimiter struct {
	rules    []limitRule
	limiters *cache.LRU[string, *rate.Limiter]
	logger   *slog.Logger
}

func NewRateLimiter(logger *slog.Logger) *RateLimiter {
	return &RateLimiter{
		rules:    defaultLimitRules,
		limiters: cache.NewLRU[string, *rate.Limiter](maxTrackedClients, clientLimiterTTL),
		logger:   logger.With("component", "admin_ratelimit"),
	}
}

func (rl *RateLimiter) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rule, ok := rl.ruleFor(r.Method, r.URL.Path)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		client := clientAddr(r)
		lim, _ := rl.limiters.Load(rule.key()+"|"+client, func() (*rate.Limiter, error) {
			return rate.NewLimiter(rate.Every(rule.every), rule.burst), nil
		})

		res := lim.Reserve()
		if delay := res.Delay(); delay > 0 {
			res.Cancel()
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(delay.Seconds()))))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			rl.logger.Warn("admin call throttled", "rule", rule.key(), "client", client, "retry_after", delay)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) ruleFor(method, path string) (limitRule, bool) {
	for _, rule := range rl.rules {
		if rule.matches(method, path) {
			return rule, true
		}
	}
	return limitRule{}, false
}

// clientAddr is the peer host. The admin port is not meant to sit behind a
// proxy, so forwarding headers are ignored.
func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
