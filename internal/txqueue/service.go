// Package txqueue is the service layer over the transaction record store.
// Every status change of an Otx goes through it, so metrics and status
// events stay in one place.
package txqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/domain/event"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/domain/model"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/metrics"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/store"
)

var (
	// ErrNotLocal is returned for a hash this system never created.
	ErrNotLocal = errors.New("transaction not known locally")
	// ErrStateChange wraps a transition refused by the state machine.
	ErrStateChange = errors.New("illegal status change")
)

type Service struct {
	repo   store.OtxRepository
	events event.Publisher
	logger *slog.Logger
	now    func() time.Time
}

func NewService(repo store.OtxRepository, events event.Publisher, logger *slog.Logger) *Service {
	if events == nil {
		events = event.Nop()
	}
	return &Service{
		repo:   repo,
		events: events,
		logger: logger.With("component", "txqueue"),
		now:    time.Now,
	}
}

// NewTx is the input of Create.
type NewTx struct {
	Chain     model.Chain
	Hash      string
	Nonce     uint64
	Sender    string
	SignedRaw []byte
	Cache     model.TxCache
}

// Create stores a signed transaction in QUEUED state with its cache row.
func (s *Service) Create(ctx context.Context, tx NewTx) (*model.Otx, error) {
	status, _ := model.Queue(model.Pending)
	o := &model.Otx{
		Blockchain:    tx.Chain,
		TxHash:        model.NormalizeHash(tx.Hash),
		Nonce:         tx.Nonce,
		SenderAddress: model.NormalizeAddress(tx.Sender),
		SignedRaw:     tx.SignedRaw,
		Status:        status,
	}
	cache := tx.Cache
	cache.Sender = model.NormalizeAddress(cache.Sender)
	cache.Recipient = model.NormalizeAddress(cache.Recipient)
	id, err := s.repo.Create(ctx, o, &cache)
	if err != nil {
		return nil, fmt.Errorf("create otx %s: %w", o.TxHash, err)
	}
	o.ID = id
	metrics.TxCreatedTotal.WithLabelValues(tx.Chain.String()).Inc()
	s.logger.Info("otx created",
		"chain", tx.Chain, "tx_hash", o.TxHash, "address", o.SenderAddress, "nonce", o.Nonce)
	return o, nil
}

// Get returns the record of hash or ErrNotLocal.
func (s *Service) Get(ctx context.Context, hash string) (*model.Otx, error) {
	hash = model.NormalizeHash(hash)
	o, err := s.repo.GetByHash(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("get otx %s: %w", hash, err)
	}
	if o == nil {
		return nil, fmt.Errorf("%s: %w", hash, ErrNotLocal)
	}
	return o, nil
}

// Info returns the record of hash joined with its cache row.
func (s *Service) Info(ctx context.Context, hash string) (model.TxInfo, error) {
	o, err := s.Get(ctx, hash)
	if err != nil {
		return model.TxInfo{}, err
	}
	c, err := s.repo.GetCache(ctx, o.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return model.TxInfo{}, fmt.Errorf("get cache %s: %w", o.TxHash, err)
	}
	return model.NewTxInfo(*o, c), nil
}

// Transition applies tr to the record of hash.
func (s *Service) Transition(ctx context.Context, hash string, tr model.Transition) (*model.Otx, error) {
	hash = model.NormalizeHash(hash)
	o, err := s.repo.UpdateStatus(ctx, hash, tr)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("%s: %w", hash, ErrNotLocal)
	case errors.Is(err, model.ErrTerminalState), errors.Is(err, model.ErrInvalidTransition):
		return nil, fmt.Errorf("%w: %w", ErrStateChange, err)
	case err != nil:
		return nil, fmt.Errorf("update status %s: %w", hash, err)
	}

	metrics.TxTransitionsTotal.WithLabelValues(o.Blockchain.String(), o.Status.String()).Inc()
	s.logger.Debug("otx status changed", "chain", o.Blockchain, "tx_hash", o.TxHash, "status", o.Status.String())
	if !o.Status.Has(model.StatusReserved) {
		s.publish(ctx, event.NewTxStatusEvent(*o, s.now()))
	}
	return o, nil
}

func (s *Service) Reserve(ctx context.Context, hash string) (*model.Otx, error) {
	return s.Transition(ctx, hash, model.Reserve)
}

func (s *Service) MarkSent(ctx context.Context, hash string) (*model.Otx, error) {
	return s.Transition(ctx, hash, model.MarkSent)
}

func (s *Service) MarkSendFail(ctx context.Context, hash string) (*model.Otx, error) {
	return s.Transition(ctx, hash, model.MarkSendFail)
}

func (s *Service) MarkWaitForGas(ctx context.Context, hash string) (*model.Otx, error) {
	return s.Transition(ctx, hash, model.MarkWaitForGas)
}

func (s *Service) MarkReady(ctx context.Context, hash string) (*model.Otx, error) {
	return s.Transition(ctx, hash, model.MarkReady)
}

func (s *Service) MarkRetry(ctx context.Context, hash string) (*model.Otx, error) {
	return s.Transition(ctx, hash, model.MarkRetry)
}

func (s *Service) MarkRejected(ctx context.Context, hash string) (*model.Otx, error) {
	return s.Transition(ctx, hash, model.MarkRejected)
}

func (s *Service) MarkFubar(ctx context.Context, hash string) (*model.Otx, error) {
	return s.Transition(ctx, hash, model.MarkFubar)
}

func (s *Service) MarkCancelled(ctx context.Context, hash string) (*model.Otx, error) {
	return s.Transition(ctx, hash, model.MarkCancelled)
}

func (s *Service) MarkOverridden(ctx context.Context, hash string) (*model.Otx, error) {
	return s.Transition(ctx, hash, model.MarkOverridden)
}

// MarkMined finalises hash with the receipt outcome and records its position.
func (s *Service) MarkMined(ctx context.Context, hash string, success bool, block uint64, txIndex uint) (*model.Otx, error) {
	o, err := s.Transition(ctx, hash, model.MarkMined(success))
	if err != nil {
		return nil, err
	}
	if err := s.repo.SetMined(ctx, o.TxHash, block, txIndex); err != nil {
		return o, fmt.Errorf("set mined %s: %w", o.TxHash, err)
	}
	return o, nil
}

// Finalize applies a receipt to hash and cancels every other alive record
// of the same sender at the same nonce, since at most one of them can be
// mined. It returns the cancelled hashes.
func (s *Service) Finalize(ctx context.Context, hash string, success bool, block uint64, txIndex uint) ([]string, error) {
	o, err := s.MarkMined(ctx, hash, success, block, txIndex)
	if err != nil {
		return nil, err
	}
	siblings, err := s.repo.BySenderNonce(ctx, o.Blockchain, o.SenderAddress, o.Nonce)
	if err != nil {
		return nil, fmt.Errorf("list siblings of %s: %w", o.TxHash, err)
	}
	var cancelled []string
	for _, sib := range siblings {
		if sib.TxHash == o.TxHash || sib.Status.IsFinal() {
			continue
		}
		if _, err := s.MarkCancelled(ctx, sib.TxHash); err != nil {
			return cancelled, fmt.Errorf("cancel sibling %s: %w", sib.TxHash, err)
		}
		cancelled = append(cancelled, sib.TxHash)
	}
	return cancelled, nil
}

// Replace stores replacement in place of originalHash: the cache row is
// cloned and the original obsoleted in the same store transaction.
func (s *Service) Replace(ctx context.Context, originalHash string, replacement *model.Otx) (*model.Otx, error) {
	originalHash = model.NormalizeHash(originalHash)
	replacement.TxHash = model.NormalizeHash(replacement.TxHash)
	replacement.SenderAddress = model.NormalizeAddress(replacement.SenderAddress)
	if replacement.Status == model.Pending {
		replacement.Status, _ = model.Queue(model.Pending)
	}

	id, err := s.repo.Replace(ctx, originalHash, replacement)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("%s: %w", originalHash, ErrNotLocal)
	case errors.Is(err, model.ErrTerminalState), errors.Is(err, model.ErrInvalidTransition):
		return nil, fmt.Errorf("%w: %w", ErrStateChange, err)
	case err != nil:
		return nil, fmt.Errorf("replace %s: %w", originalHash, err)
	}
	replacement.ID = id

	chain := replacement.Blockchain.String()
	metrics.TxCreatedTotal.WithLabelValues(chain).Inc()
	metrics.TxTransitionsTotal.WithLabelValues(chain, model.Obsoleted.String()).Inc()
	s.logger.Info("otx replaced",
		"chain", chain, "tx_hash", originalHash, "replaced_by", replacement.TxHash, "nonce", replacement.Nonce)

	if orig, err := s.repo.GetByHash(ctx, originalHash); err == nil && orig != nil {
		ev := event.NewTxStatusEvent(*orig, s.now())
		ev.ReplacedBy = replacement.TxHash
		s.publish(ctx, ev)
	}
	return replacement, nil
}

// Touch records that hash was just checked against the chain.
func (s *Service) Touch(ctx context.Context, hash string) error {
	return s.repo.TouchChecked(ctx, model.NormalizeHash(hash), s.now())
}

func (s *Service) Upcoming(ctx context.Context, chain model.Chain, limit int) ([]model.Otx, error) {
	if limit <= 0 || limit > store.UpcomingBatchSize {
		limit = store.UpcomingBatchSize
	}
	return s.repo.Upcoming(ctx, chain, limit)
}

// Stalled returns records in the network, not final, not checked since before.
func (s *Service) Stalled(ctx context.Context, chain model.Chain, before time.Time, limit int) ([]model.Otx, error) {
	return s.repo.ByStatus(ctx, chain, model.StatusQuery{
		Include:       model.StatusInNetwork,
		Exclude:       model.StatusFinal | model.StatusManual | model.StatusObsolete,
		CheckedBefore: &before,
		Limit:         limit,
	})
}

// Failed returns SENDFAIL records not requeued, not checked since before.
func (s *Service) Failed(ctx context.Context, chain model.Chain, before time.Time, limit int) ([]model.Otx, error) {
	return s.repo.ByStatus(ctx, chain, model.StatusQuery{
		Include:       model.SendFail,
		Exclude:       model.StatusQueued | model.StatusFinal | model.StatusManual | model.StatusObsolete,
		CheckedBefore: &before,
		Limit:         limit,
	})
}

// Abandoned returns records left RESERVED by a dispatch that never reached
// an outcome, not checked since before.
func (s *Service) Abandoned(ctx context.Context, chain model.Chain, before time.Time, limit int) ([]model.Otx, error) {
	return s.repo.ByStatus(ctx, chain, model.StatusQuery{
		Include:       model.StatusReserved,
		Exclude:       model.DeadMask | model.StatusInNetwork,
		CheckedBefore: &before,
		Limit:         limit,
	})
}

func (s *Service) WaitingForGas(ctx context.Context, chain model.Chain, limit int) ([]model.Otx, error) {
	return s.repo.ByStatus(ctx, chain, model.StatusQuery{
		Include: model.StatusGasIssues,
		Exclude: model.DeadMask,
		Limit:   limit,
	})
}

// Retrying returns records explicitly put in RETRY.
func (s *Service) Retrying(ctx context.Context, chain model.Chain, limit int) ([]model.Otx, error) {
	return s.repo.ByStatus(ctx, chain, model.StatusQuery{
		Include: model.Retry,
		Exclude: model.DeadMask | model.StatusReserved | model.StatusInNetwork,
		Limit:   limit,
	})
}

func (s *Service) AtNonce(ctx context.Context, chain model.Chain, sender string, nonce uint64) ([]model.Otx, error) {
	return s.repo.BySenderNonce(ctx, chain, model.NormalizeAddress(sender), nonce)
}

func (s *Service) AliveFromNonce(ctx context.Context, chain model.Chain, sender string, nonce uint64) ([]model.Otx, error) {
	return s.repo.AliveFromNonce(ctx, chain, model.NormalizeAddress(sender), nonce)
}

func (s *Service) BySender(ctx context.Context, chain model.Chain, sender string, limit int) ([]model.Otx, error) {
	return s.repo.BySender(ctx, chain, model.NormalizeAddress(sender), limit)
}

func (s *Service) Senders(ctx context.Context, chain model.Chain) ([]string, error) {
	return s.repo.Senders(ctx, chain)
}

func (s *Service) publish(ctx context.Context, e event.TxStatusEvent) {
	if err := s.events.Publish(ctx, e); err != nil {
		metrics.EventsPublishErrors.WithLabelValues(e.Chain.String()).Inc()
		s.logger.Warn("publish status event failed", "chain", e.Chain, "tx_hash", e.TxHash, "error", err)
		return
	}
	metrics.EventsPublishedTotal.WithLabelValues(e.Chain.String(), e.StatusName).Inc()
}
