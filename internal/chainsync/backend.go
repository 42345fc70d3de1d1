// Package chainsync tracks how far block scanning has progressed per chain
// and drives the syncers that feed mined blocks to filters.
package chainsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/domain/model"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/metrics"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/store"
)

var ErrInvalidSegment = errors.New("invalid sync segment")

// Plan is the work found by Resume: bounded segments still to finish,
// oldest first, and the single live segment.
type Plan struct {
	History []model.BlockchainSync
	Live    model.BlockchainSync
}

type Backend struct {
	chain  model.Chain
	repo   store.SyncRepository
	logger *slog.Logger
}

func NewBackend(c model.Chain, repo store.SyncRepository, logger *slog.Logger) *Backend {
	return &Backend{
		chain:  c,
		repo:   repo,
		logger: logger.With("component", "chainsync", "chain", c.String()),
	}
}

// First reports whether the chain has never been synced.
func (b *Backend) First(ctx context.Context) (bool, error) {
	segs, err := b.repo.List(ctx, b.chain)
	if err != nil {
		return false, fmt.Errorf("list segments: %w", err)
	}
	return len(segs) == 0, nil
}

// Initial creates a bounded segment covering blocks [start, target).
func (b *Backend) Initial(ctx context.Context, start, target uint64) (*model.BlockchainSync, error) {
	if target <= start {
		return nil, fmt.Errorf("%w: target %d not above start %d", ErrInvalidSegment, target, start)
	}
	return b.create(ctx, start, &target)
}

// Live creates an open-ended segment starting at block start.
func (b *Backend) Live(ctx context.Context, start uint64) (*model.BlockchainSync, error) {
	return b.create(ctx, start, nil)
}

func (b *Backend) create(ctx context.Context, start uint64, target *uint64) (*model.BlockchainSync, error) {
	seg := &model.BlockchainSync{
		Blockchain:  b.chain,
		BlockStart:  start,
		BlockCursor: start,
		BlockTarget: target,
	}
	id, err := b.repo.Create(ctx, seg)
	if err != nil {
		return nil, fmt.Errorf("create segment at %d: %w", start, err)
	}
	seg.ID = id
	b.logger.Info("sync segment created", "segment", id, "start", start, "live", target == nil)
	return seg, nil
}

// Resume collects the work left after a restart at chain height. A live
// segment already at or past height is reused. Otherwise it is closed at
// height, becoming history, and a new live segment starts at height.
func (b *Backend) Resume(ctx context.Context, height uint64) (Plan, error) {
	var plan Plan

	live, closed, err := b.repo.ResumeLive(ctx, b.chain, height)
	if err != nil {
		return plan, fmt.Errorf("resume live segment at %d: %w", height, err)
	}
	if closed != 0 {
		b.logger.Info("live segment closed", "segment", closed, "target", height)
		b.logger.Info("sync segment created", "segment", live.ID, "start", height, "live", true)
	}
	plan.Live = *live

	plan.History, err = b.repo.Incomplete(ctx, b.chain)
	if err != nil {
		return plan, fmt.Errorf("incomplete segments: %w", err)
	}
	metrics.SyncIncompleteSegments.WithLabelValues(b.chain.String()).Set(float64(len(plan.History)))
	b.logger.Info("sync resumed", "height", height, "history", len(plan.History), "live_cursor", plan.Live.BlockCursor)
	return plan, nil
}

// Advance moves the cursor of seg to (block, tx), the next transaction to
// process.
func (b *Backend) Advance(ctx context.Context, seg *model.BlockchainSync, block uint64, tx uint) error {
	if block < seg.BlockCursor || (block == seg.BlockCursor && tx < seg.TxCursor) {
		return fmt.Errorf("%w: cursor of %d moving back from %d/%d to %d/%d",
			ErrInvalidSegment, seg.ID, seg.BlockCursor, seg.TxCursor, block, tx)
	}
	if err := b.repo.SetCursor(ctx, seg.ID, block, tx); err != nil {
		return fmt.Errorf("advance segment %d: %w", seg.ID, err)
	}
	seg.BlockCursor, seg.TxCursor = block, tx
	return nil
}

// Segments lists every segment of the chain, oldest first.
func (b *Backend) Segments(ctx context.Context) ([]model.BlockchainSync, error) {
	return b.repo.List(ctx, b.chain)
}
