// Package pipeline wires the per-chain transaction lifecycle: the
// dispatcher, the straggler syncer, the chain syncers with the observer and
// the nonce reconciler, each run as a role with its own health tracker.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/jpillora/backoff"
	"golang.org/x/sync/errgroup"

	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/addressindex"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/alert"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/chain"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/chainsync"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/domain/event"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/domain/model"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/lock"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/nonce"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/pipeline/dispatcher"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/pipeline/observer"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/pipeline/straggler"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/reconciliation"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/store"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/txqueue"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/wallet"
)

// Role names a long-running component of a chain pipeline.
type Role string

const (
	RoleDispatcher Role = "dispatcher"
	RoleStraggler  Role = "straggler"
	RoleSyncer     Role = "syncer"
	RoleReconciler Role = "reconciler"
)

// AllRoles lists every per-chain role in start order.
var AllRoles = []Role{RoleDispatcher, RoleStraggler, RoleSyncer, RoleReconciler}

const defaultReconcileInterval = time.Hour

type DispatcherConfig struct {
	Interval  time.Duration
	BatchSize int
}

type ReconcileConfig struct {
	Interval  time.Duration
	AutoRaise bool
}

type Config struct {
	Chain              model.Chain
	Dispatcher         DispatcherConfig
	Straggler          straggler.Config
	Sync               chainsync.RunConfig
	Reconcile          ReconcileConfig
	Wallet             wallet.Config
	AddressIndex       addressindex.TieredIndexConfig
	UnhealthyThreshold int
}

// Deps are the chain and storage backends a pipeline runs on.
type Deps struct {
	Conn     chain.Connector
	Codec    chain.Codec
	Accounts wallet.Accounts
	Otx      store.OtxRepository
	Locks    store.LockRepository
	Nonces   store.NonceRepository
	Sync     store.SyncRepository
	Events   event.Publisher
	Alerter  alert.Alerter
	// Refiller is asked for gas when a sender is short. Defaults to an
	// in-process refill from the wallet when a gifter is configured.
	Refiller dispatcher.Refiller
}

// Pipeline owns every service of one chain.
type Pipeline struct {
	cfg     Config
	deps    Deps
	alerter alert.Alerter
	logger  *slog.Logger

	locks      *lock.Manager
	txs        *txqueue.Service
	nonces     *nonce.Allocator
	shifter    *nonce.Shifter
	index      *addressindex.TieredIndex
	wallet     *wallet.Service
	dispatcher *dispatcher.Dispatcher
	straggler  *straggler.Syncer
	sync       *chainsync.Backend
	observer   *observer.Observer
	reconciler *reconciliation.Service

	health map[Role]*RoleHealth
}

func New(cfg Config, deps Deps, logger *slog.Logger) *Pipeline {
	if deps.Events == nil {
		deps.Events = event.Nop()
	}
	alerter := deps.Alerter
	if alerter == nil {
		alerter = &alert.NoopAlerter{}
	}
	if cfg.Reconcile.Interval <= 0 {
		cfg.Reconcile.Interval = defaultReconcileInterval
	}

	c := cfg.Chain
	p := &Pipeline{
		cfg:     cfg,
		deps:    deps,
		alerter: alerter,
		logger:  logger.With("component", "pipeline", "chain", c.String()),
		health:  make(map[Role]*RoleHealth, len(AllRoles)),
	}
	for _, r := range AllRoles {
		p.health[r] = NewRoleHealth(c, r, cfg.UnhealthyThreshold)
	}

	p.locks = lock.NewManager(deps.Locks, logger)
	p.txs = txqueue.NewService(deps.Otx, deps.Events, logger)
	p.nonces = nonce.NewAllocator(c, deps.Nonces, deps.Conn, logger)
	p.shifter = nonce.NewShifter(c, p.locks, p.txs, deps.Nonces, deps.Codec, logger)
	p.index = addressindex.NewTieredIndex(c, deps.Nonces, cfg.AddressIndex)
	p.wallet = wallet.New(c, cfg.Wallet, deps.Accounts, deps.Codec, deps.Conn, p.nonces, p.locks, p.txs, p.index, logger)

	opts := []dispatcher.Option{
		dispatcher.WithAlerter(alerter),
		dispatcher.WithInterval(cfg.Dispatcher.Interval),
		dispatcher.WithBatchSize(cfg.Dispatcher.BatchSize),
	}
	switch {
	case deps.Refiller != nil:
		opts = append(opts, dispatcher.WithRefiller(deps.Refiller))
	case cfg.Wallet.Gifter != "":
		opts = append(opts, dispatcher.WithRefiller(p.wallet))
	}
	p.dispatcher = dispatcher.New(c, p.txs, p.locks, deps.Conn, deps.Codec, logger, opts...)
	p.straggler = straggler.New(c, p.txs, p.locks, deps.Conn, deps.Codec, p.dispatcher, cfg.Straggler, logger)
	p.sync = chainsync.NewBackend(c, deps.Sync, logger)
	p.observer = observer.New(c, p.txs, p.index, deps.Conn, logger)

	var ropts []reconciliation.Option
	if cfg.Reconcile.AutoRaise {
		ropts = append(ropts, reconciliation.WithAutoRaise())
	}
	p.reconciler = reconciliation.NewService(c, deps.Nonces, p.txs, deps.Conn, alerter, logger, ropts...)
	return p
}

func (p *Pipeline) Chain() model.Chain { return p.cfg.Chain }
func (p *Pipeline) Locks() *lock.Manager { return p.locks }
func (p *Pipeline) Txs() *txqueue.Service { return p.txs }
func (p *Pipeline) Nonces() *nonce.Allocator { return p.nonces }
func (p *Pipeline) Shifter() *nonce.Shifter { return p.shifter }
func (p *Pipeline) Wallet() *wallet.Service { return p.wallet }
func (p *Pipeline) Dispatcher() *dispatcher.Dispatcher { return p.dispatcher }
func (p *Pipeline) Straggler() *straggler.Syncer { return p.straggler }
func (p *Pipeline) SyncBackend() *chainsync.Backend { return p.sync }
func (p *Pipeline) Reconciler() *reconciliation.Service { return p.reconciler }
func (p *Pipeline) AddressIndex() *addressindex.TieredIndex { return p.index }

// Health returns a snapshot of every role, started or not.
func (p *Pipeline) Health() []HealthSnapshot {
	out := make([]HealthSnapshot, 0, len(AllRoles))
	for _, r := range AllRoles {
		out = append(out, p.health[r].Snapshot())
	}
	return out
}

// Run starts the given roles and blocks until ctx is done or a role fails
// with an unrecoverable error.
func (p *Pipeline) Run(ctx context.Context, roles ...Role) error {
	if len(roles) == 0 {
		roles = AllRoles
	}
	if err := p.index.Reload(ctx); err != nil {
		p.logger.Warn("address index initial reload failed, continuing with empty index", "error", err)
	}

	g, gCtx := errgroup.WithContext(ctx)
	for _, r := range roles {
		r := r
		g.Go(func() (err error) {
			defer func() {
				if rec := recover(); rec != nil {
					err = fmt.Errorf("%s panic: %v\n%s", r, rec, debug.Stack())
				}
			}()
			return p.runRole(gCtx, r)
		})
	}
	p.logger.Info("pipeline started", "roles", roles)
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Pipeline) runRole(ctx context.Context, r Role) error {
	switch r {
	case RoleDispatcher:
		return p.loop(ctx, r, p.dispatcher.Interval(), p.dispatcher.Tick)
	case RoleStraggler:
		return p.loop(ctx, r, p.straggler.Interval(), p.straggler.Tick)
	case RoleReconciler:
		return p.loop(ctx, r, p.cfg.Reconcile.Interval, func(ctx context.Context) error {
			_, err := p.reconciler.Reconcile(ctx)
			return err
		})
	case RoleSyncer:
		return p.runSyncer(ctx)
	}
	return fmt.Errorf("unknown pipeline role %q", r)
}

// loop runs tick immediately and then every interval, feeding the outcome
// into the role's health.
func (p *Pipeline) loop(ctx context.Context, r Role, interval time.Duration, tick func(context.Context) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		started := time.Now()
		err := tick(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			p.recordFailure(ctx, r, err)
		} else {
			p.recordSuccess(ctx, r, time.Since(started))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// runSyncer restarts the chain syncers with backoff whenever they stop on
// an error. Head polls drive the syncer health.
func (p *Pipeline) runSyncer(ctx context.Context) error {
	src := &observedSource{BlockSource: p.deps.Conn, p: p, ctx: ctx}
	retry := backoff.Backoff{Min: time.Second, Max: time.Minute, Jitter: true}
	for {
		err := chainsync.Run(ctx, p.sync, src, []chainsync.Filter{p.observer}, p.cfg.Sync, p.logger)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.recordFailure(ctx, RoleSyncer, err)
		wait := retry.Duration()
		p.logger.Warn("chain syncer stopped, restarting", "error", err, "retry_in", wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (p *Pipeline) recordSuccess(ctx context.Context, r Role, latency time.Duration) {
	if p.health[r].Observe(latency, nil) != Recovered {
		return
	}
	p.logger.Info("pipeline role recovered", "role", r)
	p.alert(ctx, alert.Alert{
		Type:    alert.AlertTypeRecovery,
		Chain:   p.cfg.Chain.String(),
		Title:   fmt.Sprintf("%s recovered", r),
		Message: "consecutive failures cleared",
	})
}

var errRoleStopped = errors.New("role stopped without error")

func (p *Pipeline) recordFailure(ctx context.Context, r Role, err error) {
	if err == nil {
		err = errRoleStopped
	}
	p.logger.Warn("pipeline role tick failed", "role", r, "error", err)
	if p.health[r].Observe(0, err) != BecameUnhealthy {
		return
	}
	p.alert(ctx, alert.Alert{
		Type:    alert.AlertTypeUnhealthy,
		Chain:   p.cfg.Chain.String(),
		Title:   fmt.Sprintf("%s unhealthy", r),
		Message: fmt.Sprint(err),
		Fields: map[string]string{
			"role": string(r),
		},
	})
}

func (p *Pipeline) alert(ctx context.Context, a alert.Alert) {
	if err := p.alerter.Send(ctx, a); err != nil {
		p.logger.Warn("alert failed", "type", a.Type, "error", err)
	}
}

// observedSource reports head polls to the syncer health.
type observedSource struct {
	chainsync.BlockSource
	p   *Pipeline
	ctx context.Context
}

func (s *observedSource) LatestBlock(ctx context.Context) (uint64, error) {
	started := time.Now()
	n, err := s.BlockSource.LatestBlock(ctx)
	if ctx.Err() != nil {
		return n, err
	}
	if err != nil {
		s.p.recordFailure(s.ctx, RoleSyncer, err)
	} else {
		s.p.recordSuccess(s.ctx, RoleSyncer, time.Since(started))
	}
	return n, err
}
