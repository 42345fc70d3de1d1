// Package reconciliation audits custodial nonce counters against the chain.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/alert"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/domain/model"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/metrics"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/nonce"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/store"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/txqueue"
)

// AddressReport is the nonce audit of one sender.
type AddressReport struct {
	Chain        string    `json:"chain"`
	Address      string    `json:"address"`
	LocalNext    uint64    `json:"local_next"`
	ChainPending uint64    `json:"chain_pending"`
	Alive        int       `json:"alive"`
	Gaps         []uint64  `json:"gaps,omitempty"`
	Behind       bool      `json:"behind"`
	Raised       bool      `json:"raised,omitempty"`
	CheckedAt    time.Time `json:"checked_at"`
}

// IsMatch reports whether the sender needs no attention.
func (r AddressReport) IsMatch() bool {
	return !r.Behind && len(r.Gaps) == 0
}

// RunResult aggregates a full reconciliation run.
type RunResult struct {
	Chain      string          `json:"chain"`
	Total      int             `json:"total"`
	Matched    int             `json:"matched"`
	Mismatched int             `json:"mismatched"`
	Errors     int             `json:"errors"`
	Reports    []AddressReport `json:"reports"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
}

// Option configures a Service.
type Option func(*Service)

// WithAutoRaise raises a counter that lags the chain pending nonce.
func WithAutoRaise() Option {
	return func(s *Service) { s.autoRaise = true }
}

// Service compares local nonce counters and alive transactions with the
// chain pending nonce of every custodial sender.
type Service struct {
	chain     model.Chain
	nonces    store.NonceRepository
	txs       *txqueue.Service
	source    nonce.Source
	alerter   alert.Alerter
	autoRaise bool
	now       func() time.Time
	logger    *slog.Logger
}

func NewService(
	c model.Chain,
	nonces store.NonceRepository,
	txs *txqueue.Service,
	source nonce.Source,
	alerter alert.Alerter,
	logger *slog.Logger,
	opts ...Option,
) *Service {
	if alerter == nil {
		alerter = &alert.NoopAlerter{}
	}
	s := &Service{
		chain:   c,
		nonces:  nonces,
		txs:     txs,
		source:  source,
		alerter: alerter,
		now:     time.Now,
		logger:  logger.With("component", "reconciliation", "chain", c.String()),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ReconcileAddress audits one sender. A gap is a nonce at or above the chain
// pending nonce and below the highest alive nonce that has no alive
// transaction; such a gap stalls every later transaction of the sender.
func (s *Service) ReconcileAddress(ctx context.Context, address string) (*AddressReport, error) {
	address = model.NormalizeAddress(address)
	local, err := s.nonces.Next(ctx, s.chain, address)
	if err != nil {
		return nil, fmt.Errorf("local nonce of %s: %w", address, err)
	}
	pending, err := s.source.PendingNonce(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("pending nonce of %s: %w", address, err)
	}
	alive, err := s.txs.AliveFromNonce(ctx, s.chain, address, pending)
	if err != nil {
		return nil, fmt.Errorf("alive txs of %s: %w", address, err)
	}

	r := &AddressReport{
		Chain:        s.chain.String(),
		Address:      address,
		LocalNext:    local,
		ChainPending: pending,
		Alive:        len(alive),
		Behind:       local < pending,
		CheckedAt:    s.now().UTC(),
	}

	seen := make(map[uint64]bool, len(alive))
	var highest uint64
	for _, o := range alive {
		seen[o.Nonce] = true
		if o.Nonce > highest {
			highest = o.Nonce
		}
	}
	if len(alive) > 0 {
		for n := pending; n < highest; n++ {
			if !seen[n] {
				r.Gaps = append(r.Gaps, n)
			}
		}
	}

	if r.Behind && s.autoRaise {
		if _, err := s.nonces.Raise(ctx, s.chain, address, pending); err != nil {
			return r, fmt.Errorf("raise nonce of %s: %w", address, err)
		}
		r.Raised = true
		s.logger.Info("nonce counter raised to chain pending", "address", address, "from", local, "to", pending)
	}

	s.report(ctx, r)
	return r, nil
}

func (s *Service) report(ctx context.Context, r *AddressReport) {
	chainLabel := s.chain.String()
	if r.Behind {
		metrics.ReconciliationMismatchesTotal.WithLabelValues(chainLabel, "behind").Inc()
		s.send(ctx, alert.Alert{
			Type:    alert.AlertTypeNonceMismatch,
			Chain:   chainLabel,
			Address: r.Address,
			Title:   "Local nonce counter behind chain",
			Message: fmt.Sprintf("local next %d, chain pending %d", r.LocalNext, r.ChainPending),
			Fields: map[string]string{
				"local_next":    strconv.FormatUint(r.LocalNext, 10),
				"chain_pending": strconv.FormatUint(r.ChainPending, 10),
				"raised":        strconv.FormatBool(r.Raised),
			},
		})
	}
	if len(r.Gaps) > 0 {
		metrics.ReconciliationMismatchesTotal.WithLabelValues(chainLabel, "gap").Inc()
		gaps := make([]string, len(r.Gaps))
		for i, g := range r.Gaps {
			gaps[i] = strconv.FormatUint(g, 10)
		}
		s.send(ctx, alert.Alert{
			Type:    alert.AlertTypeNonceGap,
			Chain:   chainLabel,
			Address: r.Address,
			Title:   "Nonce gap blocks queued transactions",
			Message: "missing nonces " + strings.Join(gaps, ","),
			Fields: map[string]string{
				"chain_pending": strconv.FormatUint(r.ChainPending, 10),
				"alive":         strconv.Itoa(r.Alive),
			},
		})
	}
}

func (s *Service) send(ctx context.Context, a alert.Alert) {
	if err := s.alerter.Send(ctx, a); err != nil {
		s.logger.Warn("alert failed", "type", a.Type, "error", err)
	}
}

// Reconcile audits every sender that has a nonce counter on the chain.
func (s *Service) Reconcile(ctx context.Context) (*RunResult, error) {
	addresses, err := s.nonces.Addresses(ctx, s.chain)
	if err != nil {
		return nil, fmt.Errorf("list custodial addresses: %w", err)
	}

	result := &RunResult{Chain: s.chain.String(), StartedAt: s.now().UTC()}
	for _, address := range addresses {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r, err := s.ReconcileAddress(ctx, address)
		if err != nil {
			s.logger.Warn("nonce reconciliation failed", "address", address, "error", err)
			result.Errors++
			continue
		}
		result.Total++
		if r.IsMatch() {
			result.Matched++
		} else {
			result.Mismatched++
		}
		result.Reports = append(result.Reports, *r)
	}
	result.FinishedAt = s.now().UTC()

	metrics.ReconciliationRunsTotal.WithLabelValues(s.chain.String()).Inc()
	s.logger.Info("reconciliation completed",
		"total", result.Total, "matched", result.Matched,
		"mismatched", result.Mismatched, "errors", result.Errors,
	)
	return result, nil
}

// RunPeriodic runs Reconcile every interval until ctx is done.
func (s *Service) RunPeriodic(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Hour
	}
	s.logger.Info("periodic reconciliation started", "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("periodic reconciliation stopping")
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Reconcile(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("periodic reconciliation failed", "error", err)
			}
		}
	}
}
