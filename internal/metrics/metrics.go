package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Counters and histograms are partitioned by chain spec.

var (
	// Lock manager
	LockChangesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cic_eth",
		Subsystem: "lock",
		Name:      "changes_total",
		Help:      "Total lock set/reset operations",
	}, []string{"chain", "op"})

	LockBlockedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cic_eth",
		Subsystem: "lock",
		Name:      "blocked_total",
		Help:      "Total operations refused by a lock",
	}, []string{"chain", "flags"})

	// Nonce allocator
	NonceReservationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cic_eth",
		Subsystem: "nonce",
		Name:      "reservations_total",
		Help:      "Total nonces reserved",
	}, []string{"chain"})

	NonceShiftsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cic_eth",
		Subsystem: "nonce",
		Name:      "shifts_total",
		Help:      "Total nonce shift repairs",
	}, []string{"chain", "result"})

	// Transaction queue
	TxCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cic_eth",
		Subsystem: "txqueue",
		Name:      "created_total",
		Help:      "Total transactions stored",
	}, []string{"chain"})

	TxTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cic_eth",
		Subsystem: "txqueue",
		Name:      "transitions_total",
		Help:      "Total status transitions by resulting state",
	}, []string{"chain", "status"})

	// Dispatcher
	DispatcherTicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cic_eth",
		Subsystem: "dispatcher",
		Name:      "ticks_total",
		Help:      "Total dispatcher ticks",
	}, []string{"chain"})

	DispatcherTickErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cic_eth",
		Subsystem: "dispatcher",
		Name:      "tick_errors_total",
		Help:      "Total dispatcher ticks that failed to load work",
	}, []string{"chain"})

	DispatcherTickLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "cic_eth",
		Subsystem: "dispatcher",
		Name:      "tick_duration_seconds",
		Help:      "Dispatcher tick duration",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"chain"})

	DispatcherOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cic_eth",
		Subsystem: "dispatcher",
		Name:      "outcomes_total",
		Help:      "Per-transaction dispatch outcomes",
	}, []string{"chain", "outcome"})

	// Straggler syncer
	StragglerTicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cic_eth",
		Subsystem: "straggler",
		Name:      "ticks_total",
		Help:      "Total straggler ticks",
	}, []string{"chain"})

	StragglerTicksSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cic_eth",
		Subsystem: "straggler",
		Name:      "ticks_skipped_total",
		Help:      "Straggler ticks skipped because the node was unreachable",
	}, []string{"chain"})

	StragglerTickLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "cic_eth",
		Subsystem: "straggler",
		Name:      "tick_duration_seconds",
		Help:      "Straggler tick duration",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"chain"})

	StragglerReplacedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cic_eth",
		Subsystem: "straggler",
		Name:      "replaced_total",
		Help:      "Transactions replaced with a higher gas price",
	}, []string{"chain", "reason"})

	StragglerErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cic_eth",
		Subsystem: "straggler",
		Name:      "errors_total",
		Help:      "Per-transaction straggler errors",
	}, []string{"chain", "reason"})

	// Chain sync
	SyncBlocksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cic_eth",
		Subsystem: "chainsync",
		Name:      "blocks_processed_total",
		Help:      "Total blocks scanned",
	}, []string{"chain", "kind"})

	SyncCursorBlock = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "cic_eth",
		Subsystem: "chainsync",
		Name:      "cursor_block",
		Help:      "Current block cursor per syncer kind",
	}, []string{"chain", "kind"})

	SyncIncompleteSegments = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "cic_eth",
		Subsystem: "chainsync",
		Name:      "incomplete_segments",
		Help:      "History segments not yet complete",
	}, []string{"chain"})

	ObserverFinalizedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cic_eth",
		Subsystem: "observer",
		Name:      "finalized_total",
		Help:      "Local transactions finalised from chain data",
	}, []string{"chain", "outcome"})

	// Chain RPC
	RPCRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cic_eth",
		Subsystem: "rpc",
		Name:      "requests_total",
		Help:      "Total chain RPC requests",
	}, []string{"chain", "method", "status"})

	RPCRequestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "cic_eth",
		Subsystem: "rpc",
		Name:      "request_duration_seconds",
		Help:      "Chain RPC request duration",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"chain", "method"})

	RPCRateLimitWaits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cic_eth",
		Subsystem: "rpc",
		Name:      "rate_limit_waits_total",
		Help:      "Total waits on the RPC rate limiter",
	}, []string{"chain"})

	RPCCircuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "cic_eth",
		Subsystem: "rpc",
		Name:      "circuit_state",
		Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"chain"})

	// Task queue
	TasksPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cic_eth",
		Subsystem: "tasks",
		Name:      "published_total",
		Help:      "Total tasks published",
	}, []string{"queue", "name"})

	TasksProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cic_eth",
		Subsystem: "tasks",
		Name:      "processed_total",
		Help:      "Total tasks processed by outcome",
	}, []string{"name", "outcome"})

	TaskLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "cic_eth",
		Subsystem: "tasks",
		Name:      "duration_seconds",
		Help:      "Task handler duration",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"name"})

	// Database pool
	DBPoolOpen = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "cic_eth",
		Subsystem: "postgres",
		Name:      "db_pool_open",
		Help:      "Current number of open PostgreSQL connections in the pool",
	}, []string{"service"})

	DBPoolInUse = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "cic_eth",
		Subsystem: "postgres",
		Name:      "db_pool_in_use",
		Help:      "Current number of in-use PostgreSQL connections in the pool",
	}, []string{"service"})

	DBPoolIdle = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "cic_eth",
		Subsystem: "postgres",
		Name:      "db_pool_idle",
		Help:      "Current number of idle PostgreSQL connections in the pool",
	}, []string{"service"})

	DBPoolWaitCount = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "cic_eth",
		Subsystem: "postgres",
		Name:      "db_pool_wait_count",
		Help:      "Cumulative count of waits for PostgreSQL connections from pool",
	}, []string{"service"})

	DBPoolWaitDurationSeconds = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "cic_eth",
		Subsystem: "postgres",
		Name:      "db_pool_wait_duration_seconds",
		Help:      "Latest PostgreSQL pool wait duration in seconds",
	}, []string{"service"})

	// Pipeline health
	PipelineHealthStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "cic_eth",
		Subsystem: "pipeline",
		Name:      "health_status",
		Help:      "Pipeline health status (0=UNKNOWN, 1=HEALTHY, 2=UNHEALTHY, 3=DEGRADED)",
	}, []string{"chain", "component"})

	PipelineConsecutiveFailures = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "cic_eth",
		Subsystem: "pipeline",
		Name:      "consecutive_failures",
		Help:      "Number of consecutive pipeline failures",
	}, []string{"chain", "component"})

	// Alerts
	AlertsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cic_eth",
		Subsystem: "alert",
		Name:      "sent_total",
		Help:      "Total alerts sent",
	}, []string{"channel", "alert_type"})

	AlertsCooldownSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cic_eth",
		Subsystem: "alert",
		Name:      "cooldown_skipped_total",
		Help:      "Total alerts skipped due to cooldown",
	}, []string{"alert_type"})

	AlertsFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cic_eth",
		Subsystem: "alert",
		Name:      "failed_total",
		Help:      "Total alert deliveries that failed after retries",
	}, []string{"channel", "alert_type"})

	// Events
	EventsPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cic_eth",
		Subsystem: "events",
		Name:      "published_total",
		Help:      "Total status events published",
	}, []string{"chain", "status"})

	EventsPublishErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cic_eth",
		Subsystem: "events",
		Name:      "publish_errors_total",
		Help:      "Total status events that failed to publish",
	}, []string{"chain"})

	// Reconciliation
	ReconciliationRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cic_eth",
		Subsystem: "reconciliation",
		Name:      "runs_total",
		Help:      "Total nonce reconciliation runs executed",
	}, []string{"chain"})

	ReconciliationMismatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cic_eth",
		Subsystem: "reconciliation",
		Name:      "mismatches_total",
		Help:      "Total nonce mismatches detected during reconciliation",
	}, []string{"chain", "kind"})

	// Address index
	AddressIndexBloomRejects = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cic_eth",
		Subsystem: "address_index",
		Name:      "bloom_rejects_total",
		Help:      "Addresses rejected by the bloom filter",
	}, []string{"chain"})

	AddressIndexLRUHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cic_eth",
		Subsystem: "address_index",
		Name:      "lru_hits_total",
		Help:      "Address lookups answered by the LRU cache",
	}, []string{"chain"})

	AddressIndexLRUMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cic_eth",
		Subsystem: "address_index",
		Name:      "lru_misses_total",
		Help:      "Address lookups missing the LRU cache",
	}, []string{"chain"})

	AddressIndexDBLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cic_eth",
		Subsystem: "address_index",
		Name:      "db_lookups_total",
		Help:      "Address lookups that reached the store",
	}, []string{"chain"})

	AddressIndexSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "cic_eth",
		Subsystem: "address_index",
		Name:      "size",
		Help:      "Custodial addresses loaded at the last reload",
	}, []string{"chain"})
)
