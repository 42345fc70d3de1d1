// Package straggler repairs transactions that stall in the network or fail
// to send, by re-signing them at a higher gas price.
package straggler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/chain"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/domain/model"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/lock"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/metrics"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/pipeline/dispatcher"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/tracing"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/txqueue"
)

const (
	defaultInterval     = 15 * time.Second
	defaultStalledGrace = 5 * time.Minute
	defaultBumpPercent  = 10
	defaultBatch        = 100
)

// Sender hands a queued record to the node.
type Sender interface {
	SendOne(ctx context.Context, hash string) (dispatcher.Outcome, error)
}

type Config struct {
	Interval     time.Duration
	StalledGrace time.Duration
	// FailedGrace defaults to StalledGrace.
	FailedGrace time.Duration
	BumpPercent int
	Batch       int
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}
	if c.StalledGrace <= 0 {
		c.StalledGrace = defaultStalledGrace
	}
	if c.FailedGrace <= 0 {
		c.FailedGrace = c.StalledGrace
	}
	if c.BumpPercent <= 0 {
		c.BumpPercent = defaultBumpPercent
	}
	if c.Batch <= 0 {
		c.Batch = defaultBatch
	}
}

type Syncer struct {
	chain  model.Chain
	txs    *txqueue.Service
	locks  *lock.Manager
	conn   chain.Connector
	codec  chain.Codec
	sender Sender
	cfg    Config
	now    func() time.Time
	logger *slog.Logger
}

func New(
	c model.Chain,
	txs *txqueue.Service,
	locks *lock.Manager,
	conn chain.Connector,
	codec chain.Codec,
	sender Sender,
	cfg Config,
	logger *slog.Logger,
) *Syncer {
	cfg.applyDefaults()
	return &Syncer{
		chain:  c,
		txs:    txs,
		locks:  locks,
		conn:   conn,
		codec:  codec,
		sender: sender,
		cfg:    cfg,
		now:    time.Now,
		logger: logger.With("component", "straggler", "chain", c.String()),
	}
}

func (s *Syncer) Interval() time.Duration { return s.cfg.Interval }

func (s *Syncer) Run(ctx context.Context) error {
	s.logger.Info("straggler syncer started",
		"interval", s.cfg.Interval, "stalled_grace", s.cfg.StalledGrace, "bump_percent", s.cfg.BumpPercent)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("straggler tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			s.logger.Info("straggler syncer stopping")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick runs one repair pass. The pass is skipped when the node does not
// answer, so records are never bumped against an unreachable node.
func (s *Syncer) Tick(ctx context.Context) error {
	ctx, span := tracing.Start(ctx, "straggler", "tick", s.chain.String())
	defer span.End()

	chainLabel := s.chain.String()
	started := time.Now()
	defer func() {
		metrics.StragglerTickLatency.WithLabelValues(chainLabel).Observe(time.Since(started).Seconds())
	}()

	if _, err := s.conn.LatestBlock(ctx); err != nil {
		metrics.StragglerTicksSkipped.WithLabelValues(chainLabel).Inc()
		s.logger.Warn("node unreachable, straggler tick skipped", "error", err)
		return nil
	}
	metrics.StragglerTicksTotal.WithLabelValues(chainLabel).Inc()

	now := s.now()
	stalled, err := s.txs.Stalled(ctx, s.chain, now.Add(-s.cfg.StalledGrace), s.cfg.Batch)
	if err != nil {
		tracing.Fail(span, err)
		return fmt.Errorf("query stalled: %w", err)
	}
	for _, o := range stalled {
		s.repair(ctx, o, "stalled")
	}

	failed, err := s.txs.Failed(ctx, s.chain, now.Add(-s.cfg.FailedGrace), s.cfg.Batch)
	if err != nil {
		tracing.Fail(span, err)
		return fmt.Errorf("query failed: %w", err)
	}
	for _, o := range failed {
		s.repair(ctx, o, "failed")
	}

	abandoned, err := s.txs.Abandoned(ctx, s.chain, now.Add(-s.cfg.FailedGrace), s.cfg.Batch)
	if err != nil {
		tracing.Fail(span, err)
		return fmt.Errorf("query abandoned: %w", err)
	}
	for _, o := range abandoned {
		s.repair(ctx, o, "abandoned")
	}

	waiting, err := s.txs.WaitingForGas(ctx, s.chain, s.cfg.Batch)
	if err != nil {
		tracing.Fail(span, err)
		return fmt.Errorf("query waiting for gas: %w", err)
	}
	for _, o := range waiting {
		if err := s.recheckGas(ctx, o); err != nil {
			s.countError("gas_recheck", o, err)
		}
	}

	retrying, err := s.txs.Retrying(ctx, s.chain, s.cfg.Batch)
	if err != nil {
		tracing.Fail(span, err)
		return fmt.Errorf("query retrying: %w", err)
	}
	for _, o := range retrying {
		if _, err := s.sender.SendOne(ctx, o.TxHash); err != nil &&
			!errors.Is(err, lock.ErrLocked) && !errors.Is(err, dispatcher.ErrNotSendable) {
			s.countError("retry", o, err)
		}
	}
	return nil
}

// repair finalises o when a receipt exists, otherwise bumps it.
func (s *Syncer) repair(ctx context.Context, o model.Otx, reason string) {
	if err := s.txs.Touch(ctx, o.TxHash); err != nil {
		s.countError("touch", o, err)
	}

	rcpt, err := s.conn.Receipt(ctx, o.TxHash)
	if err != nil {
		s.countError("receipt", o, err)
		return
	}
	if rcpt != nil {
		cancelled, err := s.txs.Finalize(ctx, o.TxHash, rcpt.Success, rcpt.BlockNumber, rcpt.TxIndex)
		if err != nil {
			s.countError("finalize", o, err)
			return
		}
		s.logger.Info("straggler already mined",
			"tx_hash", o.TxHash, "block", rcpt.BlockNumber, "success", rcpt.Success, "cancelled", len(cancelled))
		return
	}

	// a dispatch that died after Reserve: the record may or may not have
	// reached the node, so it is treated as a failed send
	if o.Status.Has(model.StatusReserved) {
		failed, err := s.txs.MarkSendFail(ctx, o.TxHash)
		if err != nil {
			s.countError("reclaim", o, err)
			return
		}
		s.logger.Warn("abandoned reservation reclaimed", "tx_hash", o.TxHash, "address", o.SenderAddress, "nonce", o.Nonce)
		o = *failed
	}

	if _, err := s.bump(ctx, o, reason); err != nil && !errors.Is(err, lock.ErrLocked) {
		s.countError("bump", o, err)
	}
}

// Resend replaces the record of hash with a higher priced copy regardless of
// its age and hands the copy to the dispatcher.
func (s *Syncer) Resend(ctx context.Context, hash string) (string, error) {
	o, err := s.txs.Get(ctx, hash)
	if err != nil {
		return "", err
	}
	if !o.Status.IsAlive() {
		return "", fmt.Errorf("resend %s in %s: %w", o.TxHash, o.Status, txqueue.ErrStateChange)
	}
	return s.bump(ctx, *o, "manual")
}

func (s *Syncer) bump(ctx context.Context, o model.Otx, reason string) (string, error) {
	log := s.logger.With("tx_hash", o.TxHash, "address", o.SenderAddress, "nonce", o.Nonce)

	if err := s.locks.CheckAggregate(ctx, s.chain, model.LockQueue, o.SenderAddress); err != nil {
		log.Debug("bump skipped, sender locked", "error", err)
		return "", err
	}

	var replacement string
	err := s.locks.Hold(ctx, s.chain, model.LockQueue, o.SenderAddress, o.TxHash, func(ctx context.Context) error {
		intent, err := s.codec.Decode(o.SignedRaw)
		if err != nil {
			return err
		}
		network, err := s.conn.GasPrice(ctx)
		if err != nil {
			return fmt.Errorf("gas price: %w", err)
		}
		intent.GasPrice = BumpGasPrice(intent.GasPrice, s.cfg.BumpPercent, network)

		raw, hash, err := s.codec.Sign(ctx, *intent)
		if err != nil {
			return fmt.Errorf("sign replacement: %w", err)
		}
		repl := &model.Otx{
			Blockchain:    s.chain,
			TxHash:        hash,
			Nonce:         o.Nonce,
			SenderAddress: o.SenderAddress,
			SignedRaw:     raw,
			Status:        model.ReadySend,
		}
		if _, err := s.txs.Replace(ctx, o.TxHash, repl); err != nil {
			return err
		}
		replacement = repl.TxHash
		return nil
	})
	if err != nil {
		return "", err
	}

	metrics.StragglerReplacedTotal.WithLabelValues(s.chain.String(), reason).Inc()
	log.Info("transaction replaced with higher gas", "replaced_by", replacement, "reason", reason)

	if _, err := s.sender.SendOne(ctx, replacement); err != nil && !errors.Is(err, lock.ErrLocked) {
		log.Warn("send of replacement failed", "replaced_by", replacement, "error", err)
	}
	return replacement, nil
}

func (s *Syncer) recheckGas(ctx context.Context, o model.Otx) error {
	intent, err := s.codec.Decode(o.SignedRaw)
	if err != nil {
		return err
	}
	balance, err := s.conn.Balance(ctx, o.SenderAddress)
	if err != nil {
		return err
	}
	if balance.Cmp(intent.Cost()) < 0 {
		return nil
	}
	if _, err := s.txs.MarkReady(ctx, o.TxHash); err != nil {
		return err
	}
	s.logger.Info("sender refilled, transaction ready", "tx_hash", o.TxHash, "address", o.SenderAddress)
	return nil
}

func (s *Syncer) countError(reason string, o model.Otx, err error) {
	metrics.StragglerErrorsTotal.WithLabelValues(s.chain.String(), reason).Inc()
	s.logger.Warn("straggler error", "reason", reason, "tx_hash", o.TxHash, "address", o.SenderAddress, "error", err)
}

// BumpGasPrice returns max(old*(100+percent)/100, old+1, network).
func BumpGasPrice(old *big.Int, percent int, network *big.Int) *big.Int {
	if old == nil {
		old = new(big.Int)
	}
	bumped := new(big.Int).Mul(old, big.NewInt(int64(100+percent)))
	bumped.Div(bumped, big.NewInt(100))

	floor := new(big.Int).Add(old, big.NewInt(1))
	if bumped.Cmp(floor) < 0 {
		bumped = floor
	}
	if network != nil && bumped.Cmp(network) < 0 {
		bumped = new(big.Int).Set(network)
	}
	return bumped
}
