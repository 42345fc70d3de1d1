// Package observer finalises local transactions from mined blocks.
package observer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/addressindex"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/chain"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/domain/model"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/metrics"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/txqueue"
)

// ReceiptSource fetches the outcome of a mined transaction.
type ReceiptSource interface {
	Receipt(ctx context.Context, hash string) (*chain.Receipt, error)
}

// Observer is a chainsync filter. Transactions from senders outside the
// custodial index are ignored.
type Observer struct {
	chain    model.Chain
	txs      *txqueue.Service
	index    addressindex.Index
	receipts ReceiptSource
	logger   *slog.Logger
}

func New(c model.Chain, txs *txqueue.Service, index addressindex.Index, receipts ReceiptSource, logger *slog.Logger) *Observer {
	return &Observer{
		chain:    c,
		txs:      txs,
		index:    index,
		receipts: receipts,
		logger:   logger.With("component", "observer", "chain", c.String()),
	}
}

func (o *Observer) Filter(ctx context.Context, blk *chain.Block, tx chain.BlockTx) error {
	if tx.From == "" || !o.index.Contains(ctx, tx.From) {
		return nil
	}

	rec, err := o.txs.Get(ctx, tx.Hash)
	switch {
	case errors.Is(err, txqueue.ErrNotLocal):
		return o.displaced(ctx, blk, tx)
	case err != nil:
		return err
	}
	if rec.Status.IsFinal() {
		return nil
	}

	rcpt, err := o.receipts.Receipt(ctx, tx.Hash)
	if err != nil {
		return fmt.Errorf("receipt of %s: %w", tx.Hash, err)
	}
	if rcpt == nil {
		return fmt.Errorf("receipt of %s in block %d not available", tx.Hash, blk.Number)
	}

	cancelled, err := o.txs.Finalize(ctx, rec.TxHash, rcpt.Success, blk.Number, tx.Index)
	if errors.Is(err, txqueue.ErrStateChange) {
		return nil
	}
	if err != nil {
		return err
	}

	outcome := "success"
	if !rcpt.Success {
		outcome = "reverted"
	}
	metrics.ObserverFinalizedTotal.WithLabelValues(o.chain.String(), outcome).Inc()
	o.logger.Info("local transaction mined",
		"tx_hash", rec.TxHash, "address", rec.SenderAddress, "nonce", rec.Nonce,
		"block", blk.Number, "outcome", outcome, "cancelled", len(cancelled))
	return nil
}

// displaced cancels local records a foreign transaction of a custodial sender
// made unminable by taking their nonce.
func (o *Observer) displaced(ctx context.Context, blk *chain.Block, tx chain.BlockTx) error {
	recs, err := o.txs.AtNonce(ctx, o.chain, tx.From, tx.Nonce)
	if err != nil {
		return fmt.Errorf("records of %s at nonce %d: %w", tx.From, tx.Nonce, err)
	}
	for _, rec := range recs {
		if rec.Status.IsFinal() {
			continue
		}
		if _, err := o.txs.MarkCancelled(ctx, rec.TxHash); err != nil && !errors.Is(err, txqueue.ErrStateChange) {
			return err
		}
		metrics.ObserverFinalizedTotal.WithLabelValues(o.chain.String(), "displaced").Inc()
		o.logger.Warn("local transaction displaced",
			"tx_hash", rec.TxHash, "address", rec.SenderAddress, "nonce", rec.Nonce,
			"displaced_by", tx.Hash, "block", blk.Number)
	}
	return nil
}
