// Package dispatcher broadcasts queued transactions. It never changes the
// content of a stored transaction; replacements are the straggler's job.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/alert"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/chain"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/domain/model"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/lock"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/metrics"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/store"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/tracing"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/txqueue"
)

const defaultInterval = 2 * time.Second

// Outcome of a single send attempt.
type Outcome string

const (
	OutcomeSent       Outcome = "sent"
	OutcomeKnown      Outcome = "already_known"
	OutcomeSendFail   Outcome = "sendfail"
	OutcomeWaitForGas Outcome = "waitforgas"
	OutcomeRejected   Outcome = "rejected"
	OutcomeFubar      Outcome = "fubar"
	OutcomeLocked     Outcome = "locked"
	OutcomeSkipped    Outcome = "skipped"
)

// ErrNotSendable is returned by SendOne for a record that is not queued for
// sending, e.g. already reserved by another worker.
var ErrNotSendable = errors.New("transaction not sendable")

// Refiller tops up a sender that cannot pay for its queued transaction.
type Refiller interface {
	RequestRefill(ctx context.Context, address string) error
}

type Dispatcher struct {
	chain    model.Chain
	txs      *txqueue.Service
	locks    *lock.Manager
	conn     chain.Connector
	codec    chain.Codec
	refiller Refiller
	alerter  alert.Alerter
	interval time.Duration
	batch    int
	logger   *slog.Logger
}

// Option configures optional Dispatcher behaviour.
type Option func(*Dispatcher)

func WithRefiller(r Refiller) Option {
	return func(d *Dispatcher) { d.refiller = r }
}

func WithAlerter(a alert.Alerter) Option {
	return func(d *Dispatcher) { d.alerter = a }
}

func WithInterval(interval time.Duration) Option {
	return func(d *Dispatcher) {
		if interval > 0 {
			d.interval = interval
		}
	}
}

// WithBatchSize caps the records taken per tick.
func WithBatchSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 && n <= store.UpcomingBatchSize {
			d.batch = n
		}
	}
}

func New(
	c model.Chain,
	txs *txqueue.Service,
	locks *lock.Manager,
	conn chain.Connector,
	codec chain.Codec,
	logger *slog.Logger,
	opts ...Option,
) *Dispatcher {
	d := &Dispatcher{
		chain:    c,
		txs:      txs,
		locks:    locks,
		conn:     conn,
		codec:    codec,
		alerter:  &alert.NoopAlerter{},
		interval: defaultInterval,
		batch:    store.UpcomingBatchSize,
		logger:   logger.With("component", "dispatcher", "chain", c.String()),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Interval is the pause between two ticks of Run.
func (d *Dispatcher) Interval() time.Duration { return d.interval }

func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("dispatcher started", "interval", d.interval)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		if err := d.Tick(ctx); err != nil && ctx.Err() == nil {
			d.logger.Warn("dispatcher tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopping")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick sends every record that is next in line for its sender. Per-record
// failures are counted and logged; only a failed query aborts the tick.
func (d *Dispatcher) Tick(ctx context.Context) error {
	ctx, span := tracing.Start(ctx, "dispatcher", "tick", d.chain.String())
	defer span.End()

	started := time.Now()
	chainLabel := d.chain.String()
	metrics.DispatcherTicksTotal.WithLabelValues(chainLabel).Inc()
	defer func() {
		metrics.DispatcherTickLatency.WithLabelValues(chainLabel).Observe(time.Since(started).Seconds())
	}()

	upcoming, err := d.txs.Upcoming(ctx, d.chain, d.batch)
	if err != nil {
		metrics.DispatcherTickErrors.WithLabelValues(chainLabel).Inc()
		err = fmt.Errorf("query upcoming: %w", err)
		tracing.Fail(span, err)
		return err
	}

	for _, o := range upcoming {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := d.send(ctx, &o); err != nil &&
			!errors.Is(err, lock.ErrLocked) && !errors.Is(err, ErrNotSendable) {
			d.logger.Warn("dispatch failed", "tx_hash", o.TxHash, "address", o.SenderAddress, "error", err)
		}
	}
	return nil
}

// SendOne broadcasts the record of hash. It returns lock.ErrLocked when the
// sender or the chain is locked for SEND or QUEUE, and txqueue.ErrNotLocal
// for an unknown hash.
func (d *Dispatcher) SendOne(ctx context.Context, hash string) (Outcome, error) {
	o, err := d.txs.Get(ctx, hash)
	if err != nil {
		return OutcomeSkipped, err
	}
	return d.send(ctx, o)
}

func (d *Dispatcher) send(ctx context.Context, o *model.Otx) (Outcome, error) {
	ctx, span := tracing.Start(ctx, "dispatcher", "send", d.chain.String())
	defer span.End()
	tracing.Tx(span, o.TxHash, o.SenderAddress, o.Nonce)

	outcome, err := d.attempt(ctx, o)
	metrics.DispatcherOutcomesTotal.WithLabelValues(d.chain.String(), string(outcome)).Inc()
	span.SetAttributes(attribute.String("cic.dispatch.outcome", string(outcome)))
	if outcome != OutcomeLocked {
		tracing.Fail(span, err)
	}
	return outcome, err
}

func (d *Dispatcher) attempt(ctx context.Context, o *model.Otx) (Outcome, error) {
	log := d.logger.With("tx_hash", o.TxHash, "address", o.SenderAddress, "nonce", o.Nonce)

	if !o.Status.IsSendable() {
		return OutcomeSkipped, fmt.Errorf("%s is %s: %w", o.TxHash, o.Status, ErrNotSendable)
	}
	if err := d.locks.CheckAggregate(ctx, d.chain, model.LockSend|model.LockQueue, o.SenderAddress); err != nil {
		log.Debug("dispatch blocked by lock", "error", err)
		return OutcomeLocked, err
	}

	intent, err := d.codec.Decode(o.SignedRaw)
	if err != nil {
		log.Error("stored transaction undecodable", "error", err)
		if _, terr := d.txs.MarkFubar(ctx, o.TxHash); terr != nil {
			return OutcomeFubar, terr
		}
		return OutcomeFubar, err
	}

	balance, err := d.conn.Balance(ctx, o.SenderAddress)
	if err != nil {
		return OutcomeSkipped, fmt.Errorf("balance of %s: %w", o.SenderAddress, err)
	}
	if cost := intent.Cost(); balance.Cmp(cost) < 0 {
		log.Info("sender short of gas", "balance", balance.String(), "cost", cost.String())
		return OutcomeWaitForGas, d.waitForGas(ctx, o)
	}

	if _, err := d.txs.Reserve(ctx, o.TxHash); err != nil {
		if errors.Is(err, txqueue.ErrStateChange) {
			return OutcomeSkipped, fmt.Errorf("reserve %s: %w", o.TxHash, ErrNotSendable)
		}
		return OutcomeSkipped, err
	}
	// the straggler reclaims reservations that stay unchecked past its grace
	if err := d.txs.Touch(ctx, o.TxHash); err != nil {
		log.Warn("touch failed", "error", err)
	}

	_, submitErr := d.conn.Submit(ctx, o.SignedRaw)
	if err := d.txs.Touch(ctx, o.TxHash); err != nil {
		log.Warn("touch failed", "error", err)
	}

	switch {
	case submitErr == nil:
		_, err = d.txs.MarkSent(ctx, o.TxHash)
		log.Info("transaction sent")
		return OutcomeSent, err
	case errors.Is(submitErr, chain.ErrAlreadyKnown):
		_, err = d.txs.MarkSent(ctx, o.TxHash)
		return OutcomeKnown, err
	case errors.Is(submitErr, chain.ErrInsufficientFunds):
		return OutcomeWaitForGas, d.waitForGas(ctx, o)
	case errors.Is(submitErr, chain.ErrTransient),
		errors.Is(submitErr, chain.ErrNonceTooLow),
		errors.Is(submitErr, chain.ErrUnderpriced):
		log.Warn("send failed", "error", submitErr)
		if _, err := d.txs.MarkSendFail(ctx, o.TxHash); err != nil {
			return OutcomeSendFail, err
		}
		return OutcomeSendFail, nil
	default:
		log.Error("transaction rejected", "error", submitErr)
		if _, err := d.txs.MarkRejected(ctx, o.TxHash); err != nil {
			return OutcomeRejected, err
		}
		d.alert(ctx, alert.Alert{
			Type:    alert.AlertTypeTxRejected,
			Chain:   d.chain.String(),
			Address: o.SenderAddress,
			Title:   "Transaction rejected by node",
			Message: submitErr.Error(),
			Fields: map[string]string{
				"tx_hash": o.TxHash,
				"nonce":   strconv.FormatUint(o.Nonce, 10),
			},
		})
		return OutcomeRejected, nil
	}
}

func (d *Dispatcher) waitForGas(ctx context.Context, o *model.Otx) error {
	if _, err := d.txs.MarkWaitForGas(ctx, o.TxHash); err != nil {
		return err
	}
	if d.refiller == nil {
		d.alert(ctx, alert.Alert{
			Type:    alert.AlertTypeWaitForGas,
			Chain:   d.chain.String(),
			Address: o.SenderAddress,
			Title:   "Sender waiting for gas",
			Message: "no gas refill configured",
			Fields:  map[string]string{"tx_hash": o.TxHash},
		})
		return nil
	}
	if err := d.refiller.RequestRefill(ctx, o.SenderAddress); err != nil {
		return fmt.Errorf("request gas refill for %s: %w", o.SenderAddress, err)
	}
	return nil
}

func (d *Dispatcher) alert(ctx context.Context, a alert.Alert) {
	if err := d.alerter.Send(ctx, a); err != nil {
		d.logger.Warn("alert failed", "type", a.Type, "error", err)
	}
}
