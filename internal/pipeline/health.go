package pipeline

import (
	"slices"
	"sync"
	"time"

	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/domain/model"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/metrics"
)

type HealthStatus string

const (
	HealthStatusUnknown   HealthStatus = "UNKNOWN"
	HealthStatusHealthy   HealthStatus = "HEALTHY"
	HealthStatusDegraded  HealthStatus = "DEGRADED"
	HealthStatusUnhealthy HealthStatus = "UNHEALTHY"

	DefaultUnhealthyThreshold = 5
	// A role whose p95 tick latency exceeds this is degraded.
	DefaultSlowTick = 5 * time.Second

	latencyWindow = 10
)

// gauge values for cic_eth_pipeline_health_status
var statusGauge = map[HealthStatus]float64{
	HealthStatusUnknown:   0,
	HealthStatusHealthy:   1,
	HealthStatusUnhealthy: 2,
	HealthStatusDegraded:  3,
}

// Transition is what a single observation did to a role's health.
type Transition int

const (
	NoTransition Transition = iota
	BecameUnhealthy
	Recovered
)

// RoleHealth follows the tick outcomes of one role on one chain.
type RoleHealth struct {
	chain     string
	role      Role
	threshold int
	slowTick  time.Duration
	nowFn     func() time.Time

	mu        sync.Mutex
	status    HealthStatus
	failures  int
	lastOK    time.Time
	lastFail  time.Time
	lastError string
	latencies [latencyWindow]time.Duration
	observed  int
}

func NewRoleHealth(c model.Chain, r Role, unhealthyThreshold int) *RoleHealth {
	if unhealthyThreshold <= 0 {
		unhealthyThreshold = DefaultUnhealthyThreshold
	}
	return &RoleHealth{
		chain:     c.String(),
		role:      r,
		threshold: unhealthyThreshold,
		slowTick:  DefaultSlowTick,
		nowFn:     time.Now,
		status:    HealthStatusUnknown,
	}
}

// Observe records one tick. latency is only used for successful ticks.
func (h *RoleHealth) Observe(latency time.Duration, err error) Transition {
	h.mu.Lock()
	defer h.mu.Unlock()
	defer h.export()

	now := h.nowFn()
	if err != nil {
		h.failures++
		h.lastFail = now
		h.lastError = err.Error()
		if h.failures < h.threshold || h.status == HealthStatusUnhealthy {
			return NoTransition
		}
		h.status = HealthStatusUnhealthy
		return BecameUnhealthy
	}

	was := h.status
	h.failures = 0
	h.lastOK = now
	h.lastError = ""
	h.latencies[h.observed%latencyWindow] = latency
	h.observed++
	h.status = HealthStatusHealthy
	if h.p95() > h.slowTick {
		h.status = HealthStatusDegraded
	}
	if was == HealthStatusUnhealthy {
		return Recovered
	}
	return NoTransition
}

func (h *RoleHealth) p95() time.Duration {
	n := min(h.observed, latencyWindow)
	if n < 2 {
		return 0
	}
	window := slices.Clone(h.latencies[:n])
	slices.Sort(window)
	return window[(95*n-1)/100]
}

func (h *RoleHealth) export() {
	metrics.PipelineHealthStatus.WithLabelValues(h.chain, string(h.role)).Set(statusGauge[h.status])
	metrics.PipelineConsecutiveFailures.WithLabelValues(h.chain, string(h.role)).Set(float64(h.failures))
}

func (h *RoleHealth) Snapshot() HealthSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := HealthSnapshot{
		Chain:               h.chain,
		Component:           string(h.role),
		Status:              string(h.status),
		ConsecutiveFailures: h.failures,
		LastError:           h.lastError,
		P95LatencyMS:        h.p95().Milliseconds(),
	}
	if !h.lastOK.IsZero() {
		t := h.lastOK
		s.LastSuccessAt = &t
	}
	if !h.lastFail.IsZero() {
		t := h.lastFail
		s.LastFailureAt = &t
	}
	return s
}

type HealthSnapshot struct {
	Chain               string     `json:"chain"`
	Component           string     `json:"component"`
	Status              string     `json:"status"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	P95LatencyMS        int64      `json:"p95_latency_ms"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
	LastFailureAt       *time.Time `json:"last_failure_at,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
}
