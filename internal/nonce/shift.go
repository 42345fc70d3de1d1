package nonce

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"

	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/chain"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/domain/model"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/lock"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/metrics"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/store"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/txqueue"
)

// ErrInvalidShift is returned for a zero delta or one that would move a
// nonce below zero.
var ErrInvalidShift = errors.New("invalid nonce shift")

// Shifter closes nonce gaps left by transactions that will never be mined.
type Shifter struct {
	chain  model.Chain
	locks  *lock.Manager
	txs    *txqueue.Service
	nonces store.NonceRepository
	codec  chain.Codec
	logger *slog.Logger
}

func NewShifter(c model.Chain, locks *lock.Manager, txs *txqueue.Service, nonces store.NonceRepository, codec chain.Codec, logger *slog.Logger) *Shifter {
	return &Shifter{
		chain:  c,
		locks:  locks,
		txs:    txs,
		nonces: nonces,
		codec:  codec,
		logger: logger.With("component", "nonce_shift", "chain", c.String()),
	}
}

// Shift overrides the transaction txHash and re-signs every alive
// transaction of its sender above it with nonce - delta and a gas price one
// wei higher. Each replacement is stored, gets the cache row of its original
// and obsoletes it in one store transaction. Records are processed in the
// direction of the shift, so no two alive records of the sender ever share a
// nonce. SEND|QUEUE is held on the sender for the whole operation.
//
// A record that cannot be decoded or re-signed is left untouched and the
// shift continues with the next one. The returned hashes are the
// replacements that were stored.
func (s *Shifter) Shift(ctx context.Context, txHash string, delta int64) ([]string, error) {
	if delta == 0 {
		return nil, fmt.Errorf("%w: delta must not be zero", ErrInvalidShift)
	}
	target, err := s.txs.Get(ctx, txHash)
	if err != nil {
		return nil, err
	}
	sender := target.SenderAddress
	log := s.logger.With("address", sender, "tx_hash", target.TxHash, "delta", delta)

	var replaced []string
	err = s.locks.Hold(ctx, s.chain, model.LockSend|model.LockQueue, sender, target.TxHash, func(ctx context.Context) error {
		followers, err := s.txs.AliveFromNonce(ctx, s.chain, sender, target.Nonce+1)
		if err != nil {
			return fmt.Errorf("list followers of %s: %w", target.TxHash, err)
		}
		if len(followers) > 0 && int64(followers[0].Nonce)-delta < 0 {
			return fmt.Errorf("%w: nonce %d shifted by %d", ErrInvalidShift, followers[0].Nonce, delta)
		}
		if _, err := s.txs.MarkOverridden(ctx, target.TxHash); err != nil && !errors.Is(err, txqueue.ErrStateChange) {
			return fmt.Errorf("override %s: %w", target.TxHash, err)
		}
		if delta < 0 {
			sort.Slice(followers, func(i, j int) bool { return followers[i].Nonce > followers[j].Nonce })
		}

		for _, f := range followers {
			hash, err := s.replace(ctx, f, delta)
			if err != nil {
				metrics.NonceShiftsTotal.WithLabelValues(s.chain.String(), "skipped").Inc()
				log.Warn("nonce shift skipped record", "record", f.TxHash, "nonce", f.Nonce, "error", err)
				continue
			}
			replaced = append(replaced, hash)
		}

		next, err := s.nonces.Shift(ctx, s.chain, sender, delta)
		if err != nil {
			return fmt.Errorf("shift nonce counter: %w", err)
		}
		log.Debug("nonce counter shifted", "next", next)
		return nil
	})
	if err != nil {
		metrics.NonceShiftsTotal.WithLabelValues(s.chain.String(), "failed").Inc()
		return replaced, err
	}

	metrics.NonceShiftsTotal.WithLabelValues(s.chain.String(), "ok").Inc()
	log.Info("nonce shift done", "replaced", len(replaced))
	return replaced, nil
}

func (s *Shifter) replace(ctx context.Context, orig model.Otx, delta int64) (string, error) {
	intent, err := s.codec.Decode(orig.SignedRaw)
	if err != nil {
		return "", err
	}
	intent.Nonce = uint64(int64(orig.Nonce) - delta)
	if intent.GasPrice == nil {
		intent.GasPrice = new(big.Int)
	}
	intent.GasPrice = new(big.Int).Add(intent.GasPrice, big.NewInt(1))

	raw, hash, err := s.codec.Sign(ctx, *intent)
	if err != nil {
		return "", fmt.Errorf("sign replacement: %w", err)
	}
	replacement := &model.Otx{
		Blockchain:    s.chain,
		TxHash:        hash,
		Nonce:         intent.Nonce,
		SenderAddress: orig.SenderAddress,
		SignedRaw:     raw,
		Status:        model.ReadySend,
	}
	if _, err := s.txs.Replace(ctx, orig.TxHash, replacement); err != nil {
		return "", err
	}
	return replacement.TxHash, nil
}
