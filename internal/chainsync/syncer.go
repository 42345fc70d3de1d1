package chainsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jpillora/backoff"
	"golang.org/x/sync/errgroup"

	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/chain"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/domain/model"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/metrics"
)

const (
	kindHistory = "history"
	kindHead    = "head"

	defaultPollInterval = 5 * time.Second
)

// errBlockNotYet means the cursor is ahead of the node.
var errBlockNotYet = errors.New("block not available yet")

// Filter receives every transaction of every synced block, in order.
type Filter interface {
	Filter(ctx context.Context, block *chain.Block, tx chain.BlockTx) error
}

// FilterFunc adapts a function to Filter.
type FilterFunc func(ctx context.Context, block *chain.Block, tx chain.BlockTx) error

func (f FilterFunc) Filter(ctx context.Context, block *chain.Block, tx chain.BlockTx) error {
	return f(ctx, block, tx)
}

// BlockSource is the part of chain.Connector the syncers need.
type BlockSource interface {
	LatestBlock(ctx context.Context) (uint64, error)
	Block(ctx context.Context, number uint64) (*chain.Block, error)
}

type scanner struct {
	chain   model.Chain
	backend *Backend
	src     BlockSource
	filters []Filter
	kind    string
	logger  *slog.Logger
}

// step processes the block under the cursor of seg, starting at its tx
// cursor, and moves the cursor past it. The cursor is persisted after every
// transaction.
func (s *scanner) step(ctx context.Context, seg *model.BlockchainSync) error {
	blk, err := s.src.Block(ctx, seg.BlockCursor)
	if err != nil {
		return fmt.Errorf("fetch block %d: %w", seg.BlockCursor, err)
	}
	if blk == nil {
		return errBlockNotYet
	}

	for _, tx := range blk.Txs {
		if tx.Index < seg.TxCursor {
			continue
		}
		for _, f := range s.filters {
			if err := f.Filter(ctx, blk, tx); err != nil {
				return fmt.Errorf("filter tx %s in block %d: %w", tx.Hash, blk.Number, err)
			}
		}
		if err := s.backend.Advance(ctx, seg, blk.Number, tx.Index+1); err != nil {
			return err
		}
	}
	if err := s.backend.Advance(ctx, seg, blk.Number+1, 0); err != nil {
		return err
	}

	chainLabel := s.chain.String()
	metrics.SyncBlocksProcessed.WithLabelValues(chainLabel, s.kind).Inc()
	metrics.SyncCursorBlock.WithLabelValues(chainLabel, s.kind).Set(float64(seg.BlockCursor))
	return nil
}

// HistorySyncer runs a bounded segment to completion.
type HistorySyncer struct {
	scanner
}

func NewHistorySyncer(backend *Backend, src BlockSource, filters []Filter, logger *slog.Logger) *HistorySyncer {
	return &HistorySyncer{scanner{
		chain:   backend.chain,
		backend: backend,
		src:     src,
		filters: filters,
		kind:    kindHistory,
		logger:  logger.With("component", "history_syncer", "chain", backend.chain.String()),
	}}
}

func (h *HistorySyncer) Run(ctx context.Context, seg model.BlockchainSync) error {
	if seg.BlockTarget == nil {
		return fmt.Errorf("%w: segment %d is live", ErrInvalidSegment, seg.ID)
	}
	log := h.logger.With("segment", seg.ID, "target", *seg.BlockTarget)
	log.Info("history sync started", "cursor", seg.BlockCursor)

	retry := backoff.Backoff{Min: 500 * time.Millisecond, Max: 30 * time.Second, Jitter: true}
	for !seg.IsComplete() {
		if err := h.step(ctx, &seg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			wait := retry.Duration()
			log.Warn("history sync step failed", "block", seg.BlockCursor, "error", err, "retry_in", wait)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}
		retry.Reset()
	}
	log.Info("history sync complete")
	return nil
}

// HeadSyncer follows the chain tip, staying Confirmations blocks behind it.
type HeadSyncer struct {
	scanner
	confirmations uint64
	interval      time.Duration
}

func NewHeadSyncer(backend *Backend, src BlockSource, filters []Filter, confirmations uint64, interval time.Duration, logger *slog.Logger) *HeadSyncer {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &HeadSyncer{
		scanner: scanner{
			chain:   backend.chain,
			backend: backend,
			src:     src,
			filters: filters,
			kind:    kindHead,
			logger:  logger.With("component", "head_syncer", "chain", backend.chain.String()),
		},
		confirmations: confirmations,
		interval:      interval,
	}
}

func (h *HeadSyncer) Run(ctx context.Context, seg model.BlockchainSync) error {
	h.logger.Info("head sync started", "segment", seg.ID, "cursor", seg.BlockCursor, "confirmations", h.confirmations)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		if err := h.CatchUp(ctx, &seg); err != nil && ctx.Err() == nil {
			h.logger.Warn("head sync failed", "block", seg.BlockCursor, "error", err)
		}
		select {
		case <-ctx.Done():
			h.logger.Info("head sync stopping", "cursor", seg.BlockCursor)
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// CatchUp processes every confirmed block from the cursor of seg.
func (h *HeadSyncer) CatchUp(ctx context.Context, seg *model.BlockchainSync) error {
	head, err := h.src.LatestBlock(ctx)
	if err != nil {
		return fmt.Errorf("latest block: %w", err)
	}
	if head < h.confirmations {
		return nil
	}
	confirmed := head - h.confirmations
	for seg.BlockCursor <= confirmed {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := h.step(ctx, seg); err != nil {
			if errors.Is(err, errBlockNotYet) {
				return nil
			}
			return err
		}
	}
	return nil
}

// RunConfig configures Run.
type RunConfig struct {
	// StartBlock is where a never-synced chain starts. Zero starts at the tip.
	StartBlock    uint64
	Confirmations uint64
	PollInterval  time.Duration
}

// Run resumes the sync state of the chain and runs one history syncer per
// unfinished segment next to the head syncer until ctx ends.
func Run(ctx context.Context, backend *Backend, src BlockSource, filters []Filter, cfg RunConfig, logger *slog.Logger) error {
	height, err := src.LatestBlock(ctx)
	if err != nil {
		return fmt.Errorf("latest block: %w", err)
	}
	if height >= cfg.Confirmations {
		height -= cfg.Confirmations
	}

	first, err := backend.First(ctx)
	if err != nil {
		return err
	}
	if first && cfg.StartBlock > 0 && cfg.StartBlock < height {
		if _, err := backend.Initial(ctx, cfg.StartBlock, height); err != nil {
			return err
		}
	}

	plan, err := backend.Resume(ctx, height)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, seg := range plan.History {
		seg := seg
		g.Go(func() error {
			return NewHistorySyncer(backend, src, filters, logger).Run(ctx, seg)
		})
	}
	g.Go(func() error {
		return NewHeadSyncer(backend, src, filters, cfg.Confirmations, cfg.PollInterval, logger).Run(ctx, plan.Live)
	})
	return g.Wait()
}
