package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/addressindex"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/admin"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/alert"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/chain/evm"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/chain/evm/rpc"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/chainsync"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/circuitbreaker"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/config"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/domain/event"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/metrics"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/pipeline"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/pipeline/straggler"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/store/kafka"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/store/postgres"
	redispkg "github.com/grassrootseconomics/cic-stack-v1-sub001/internal/store/redis"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/tasks"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/tasks/handlers"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/tracing"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/wallet"
)

const serviceName = "cic-eth"

type dbStatsProvider interface {
	Stats() sql.DBStats
}

type dbPoolStatsGauges struct {
	open         *prometheus.GaugeVec
	inUse        *prometheus.GaugeVec
	idle         *prometheus.GaugeVec
	waitCount    *prometheus.GaugeVec
	waitDuration *prometheus.GaugeVec
}

func collectDBPoolStats(db dbStatsProvider, gauges dbPoolStatsGauges) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("db pool stats collection panicked: %v", r)
		}
	}()
	if db == nil {
		return fmt.Errorf("db stats provider is nil")
	}

	stats := db.Stats()
	gauges.open.WithLabelValues(serviceName).Set(float64(stats.OpenConnections))
	gauges.inUse.WithLabelValues(serviceName).Set(float64(stats.InUse))
	gauges.idle.WithLabelValues(serviceName).Set(float64(stats.Idle))
	gauges.waitCount.WithLabelValues(serviceName).Set(float64(stats.WaitCount))
	gauges.waitDuration.WithLabelValues(serviceName).Set(stats.WaitDuration.Seconds())
	return nil
}

func startDBPoolStatsPump(ctx context.Context, db dbStatsProvider, interval time.Duration, logger *slog.Logger) {
	if db == nil || interval <= 0 {
		return
	}

	gauges := dbPoolStatsGauges{
		open:         metrics.DBPoolOpen,
		inUse:        metrics.DBPoolInUse,
		idle:         metrics.DBPoolIdle,
		waitCount:    metrics.DBPoolWaitCount,
		waitDuration: metrics.DBPoolWaitDurationSeconds,
	}
	ticker := time.NewTicker(interval)

	go func() {
		defer ticker.Stop()

		if err := collectDBPoolStats(db, gauges); err != nil {
			logger.Warn("failed to collect initial db pool stats", "error", err)
		}

		for {
			select {
			case <-ctx.Done():
				logger.Info("db pool stats sampler stopped", "cause", "context_done")
				return
			case <-ticker.C:
				if err := collectDBPoolStats(db, gauges); err != nil {
					logger.Warn("failed to collect db pool stats", "error", err)
				}
			}
		}
	}()
}

func parseLogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// keyring is the signing and account side of the custodial keystore.
type keyring interface {
	evm.Keystore
	wallet.Accounts
}

// buildKeystore prefers the on-disk keystore for new accounts and falls back
// to imported keys for signing.
func buildKeystore(cfg config.KeysConfig) (keyring, error) {
	mem := evm.NewMemoryKeystore()
	for i, k := range cfg.Import {
		if _, err := mem.Import(k); err != nil {
			return nil, fmt.Errorf("import key %d: %w", i, err)
		}
	}
	if cfg.Dir == "" {
		return mem, nil
	}
	return evm.NewMultiKeystore(evm.NewFileKeystore(cfg.Dir, cfg.Passphrase, cfg.Light), mem), nil
}

func buildAlerter(cfg config.AlertConfig, logger *slog.Logger) alert.Alerter {
	var sinks []alert.Channel
	if cfg.SlackWebhookURL != "" {
		sinks = append(sinks, alert.NewSlackAlerter(cfg.SlackWebhookURL))
	}
	if cfg.WebhookURL != "" {
		sinks = append(sinks, alert.NewWebhookAlerter(cfg.WebhookURL))
	}
	if len(sinks) == 0 {
		return &alert.NoopAlerter{}
	}
	return alert.NewMultiAlerter(cfg.Cooldown, logger, sinks...)
}

// chainRoles picks the per-chain roles out of the process roles.
func chainRoles(cfg *config.Config) []pipeline.Role {
	var out []pipeline.Role
	for _, r := range pipeline.AllRoles {
		if cfg.HasRole(string(r)) {
			out = append(out, r)
		}
	}
	return out
}

func pipelineConfig(cfg *config.Config, ch config.ChainConfig) pipeline.Config {
	return pipeline.Config{
		Chain: ch.ParsedSpec().Chain(),
		Dispatcher: pipeline.DispatcherConfig{
			Interval:  cfg.Dispatcher.Interval,
			BatchSize: cfg.Dispatcher.BatchSize,
		},
		Straggler: straggler.Config{
			Interval:     cfg.Straggler.Interval,
			StalledGrace: cfg.Straggler.StalledGrace,
			FailedGrace:  cfg.Straggler.FailedGrace,
			BumpPercent:  cfg.Straggler.BumpPercent,
			Batch:        cfg.Straggler.Batch,
		},
		Sync: chainsync.RunConfig{
			StartBlock:    ch.StartBlock,
			Confirmations: ch.Confirmations,
			PollInterval:  cfg.Sync.PollInterval,
		},
		Reconcile: pipeline.ReconcileConfig{
			Interval:  cfg.Reconcile.Interval,
			AutoRaise: cfg.Reconcile.AutoRaise,
		},
		Wallet: wallet.Config{
			GasLimit:        cfg.Wallet.GasLimit,
			Gifter:          ch.Gifter,
			RefillAmount:    cfg.Wallet.RefillAmountWei(),
			RefillThreshold: cfg.Wallet.RefillThresholdWei(),
		},
		AddressIndex: addressindex.TieredIndexConfig{
			BloomExpectedItems: cfg.AddressIndex.BloomExpectedItems,
			BloomFPR:           cfg.AddressIndex.BloomFPR,
			LRUCapacity:        cfg.AddressIndex.LRUCapacity,
			LRUTTL:             cfg.AddressIndex.LRUTTL,
			RefreshAfter:       cfg.AddressIndex.RefreshAfter,
		},
		UnhealthyThreshold: cfg.Worker.UnhealthyThreshold,
	}
}

// bootstrapTrusted checks that every trusted account is signable and brings
// its nonce counter up to the chain.
func bootstrapTrusted(ctx context.Context, p *pipeline.Pipeline, keys wallet.Accounts, addresses []string, logger *slog.Logger) error {
	for _, a := range addresses {
		if !keys.Has(a) {
			return fmt.Errorf("trusted address %s on %s: no signing key", a, p.Chain())
		}
		next, err := p.Nonces().Sync(ctx, a)
		if err != nil {
			return fmt.Errorf("trusted address %s on %s: %w", a, p.Chain(), err)
		}
		logger.Info("trusted account ready", "chain", p.Chain().String(), "address", a, "next_nonce", next)
	}
	return nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(cfg.Log.Level)}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("cic-eth exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("cic-eth shut down gracefully")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	logger.Info("starting cic-eth", "chains", len(cfg.Chains), "roles", cfg.Roles)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tc := tracing.Config{ServiceName: serviceName, Insecure: cfg.Tracing.Insecure, SampleRatio: cfg.Tracing.SampleRatio}
	if cfg.Tracing.Enabled {
		tc.Endpoint = cfg.Tracing.Endpoint
	}
	shutdownTracing, err := tracing.Init(ctx, tc)
	if err != nil {
		return fmt.Errorf("initialize tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown error", "error", err)
		}
	}()

	db, err := postgres.New(ctx, postgres.Config{
		URL:                cfg.DB.URL,
		MaxOpenConns:       cfg.DB.MaxOpenConns,
		MaxIdleConns:       cfg.DB.MaxIdleConns,
		ConnMaxLifetime:    cfg.DB.ConnMaxLifetime,
		StatementTimeoutMS: cfg.DB.StatementTimeoutMS,
		Logger:             logger,
	})
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close()
	if err := db.RunMigrations(ctx, postgres.Migrations()); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("connected to database")

	keys, err := buildKeystore(cfg.Keys)
	if err != nil {
		return err
	}

	events := event.Nop()
	if cfg.Kafka.Enabled() {
		pub, err := kafka.NewPublisher(kafka.Config{Brokers: cfg.Kafka.Brokers, Topic: cfg.Kafka.Topic})
		if err != nil {
			return err
		}
		defer pub.Close()
		events = pub
		logger.Info("publishing status events", "topic", cfg.Kafka.Topic)
	}

	var broker *redispkg.Broker
	if cfg.HasRole(config.RoleWorker) || cfg.Worker.RefillQueue != "" {
		broker, err = redispkg.NewBroker(ctx, redispkg.Config{
			URL:         cfg.Redis.URL,
			Namespace:   cfg.Redis.Namespace,
			PollTimeout: cfg.Redis.PollTimeout,
			ResultTTL:   cfg.Redis.ResultTTL,
		}, logger)
		if err != nil {
			return fmt.Errorf("connect task broker: %w", err)
		}
		defer broker.Close()
	}

	alerter := buildAlerter(cfg.Alert, logger)
	registry := pipeline.NewRegistry()
	for _, ch := range cfg.Chains {
		spec := ch.ParsedSpec()
		name := spec.Chain()
		client, err := rpc.NewClient(ctx, ch.RPCURL, ch.RPCTimeout, logger)
		if err != nil {
			return fmt.Errorf("chain %s: %w", name, err)
		}
		defer client.Close()
		conn := evm.NewConnector(client, name.String(), evm.ConnectorConfig{
			RPS:         ch.RPS,
			Burst:       ch.Burst,
			GasPriceTTL: ch.GasPriceTTL,
			Breaker: circuitbreaker.Config{
				FailureThreshold: ch.BreakerFailures,
				OpenTimeout:      ch.BreakerOpen,
			},
		}, logger)

		deps := pipeline.Deps{
			Conn:     conn,
			Codec:    evm.NewCodec(spec.BigChainID(), keys),
			Accounts: keys,
			Otx:      postgres.NewOtxRepo(db),
			Locks:    postgres.NewLockRepo(db),
			Nonces:   postgres.NewNonceRepo(db),
			Sync:     postgres.NewSyncRepo(db),
			Events:   events,
			Alerter:  alerter,
		}
		if cfg.Worker.RefillQueue != "" {
			deps.Refiller = handlers.NewTaskRefiller(tasks.NewClient(broker), name, cfg.Worker.RefillQueue)
		}

		p := pipeline.New(pipelineConfig(cfg, ch), deps, logger)
		if err := bootstrapTrusted(ctx, p, keys, ch.TrustedAddresses, logger); err != nil {
			return err
		}
		registry.Register(p)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return runHealthServer(gCtx, cfg.Server.HealthPort, registry, logger)
	})

	if roles := chainRoles(cfg); len(roles) > 0 {
		for _, p := range registry.All() {
			p := p
			g.Go(func() error {
				return p.Run(gCtx, roles...)
			})
		}
	}

	if cfg.HasRole(config.RoleWorker) {
		reg := tasks.NewRegistry()
		handlers.Register(reg, registry)
		w := tasks.NewWorker(broker, reg, tasks.WorkerConfig{
			Queues:      cfg.Worker.Queues,
			Concurrency: cfg.Worker.Concurrency,
			ErrorKind:   handlers.ErrorKind,
		}, logger)
		g.Go(func() error {
			return w.Run(gCtx)
		})
	}

	if cfg.HasRole(config.RoleAdmin) {
		g.Go(func() error {
			return runAdminServer(gCtx, cfg.Admin, pipeline.NewOperator(registry), logger)
		})
	}

	startDBPoolStatsPump(gCtx, db.DB, cfg.DB.PoolStatsInterval, logger)

	g.Go(func() error {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

type healthSource interface {
	All() []*pipeline.Pipeline
}

// healthHandler answers 503 while any role of any chain is unhealthy.
func healthHandler(src healthSource, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		var snaps []pipeline.HealthSnapshot
		status := http.StatusOK
		for _, p := range src.All() {
			for _, s := range p.Health() {
				if s.Status == string(pipeline.HealthStatusUnhealthy) {
					status = http.StatusServiceUnavailable
				}
				snaps = append(snaps, s)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if err := json.NewEncoder(w).Encode(map[string]any{"ok": status == http.StatusOK, "components": snaps}); err != nil {
			logger.Warn("failed to write health response", "error", err)
		}
	}
}

func runHealthServer(ctx context.Context, port int, src healthSource, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/healthz", healthHandler(src, logger))
	mux.Handle("/metrics", promhttp.Handler())
	return serve(ctx, "health", &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}, logger)
}

func adminHandler(cfg config.AdminConfig, op *pipeline.Operator, rl *admin.RateLimiter, logger *slog.Logger) http.Handler {
	srv := admin.NewServer(op, logger, admin.WithHealthProvider(op))
	return rl.Wrap(admin.BearerAuth(cfg.Token, admin.AuditMiddleware(logger, srv.Handler())))
}

func runAdminServer(ctx context.Context, cfg config.AdminConfig, op *pipeline.Operator, logger *slog.Logger) error {
	if cfg.Token == "" {
		logger.Warn("admin API has no bearer token configured")
	}
	rl := admin.NewRateLimiter(logger)
	return serve(ctx, "admin", &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           adminHandler(cfg, op, rl, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}, logger)
}

func serve(ctx context.Context, name string, server *http.Server, logger *slog.Logger) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			logger.Warn("server shutdown error", "server", name, "error", err)
		}
	}()

	logger.Info("server started", "server", name, "addr", server.Addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("%s server: %w", name, err)
	}
	return nil
}
