package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/domain/model"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/reconciliation"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/txqueue"
)

// ErrUnknownChain is returned for a chain without a registered pipeline.
var ErrUnknownChain = errors.New("unknown chain")

// Operator routes operator requests to the pipeline of their chain. It
// backs the admin API.
type Operator struct {
	registry *Registry
}

func NewOperator(registry *Registry) *Operator {
	return &Operator{registry: registry}
}

func (o *Operator) pipeline(c model.Chain) (*Pipeline, error) {
	p := o.registry.Get(c)
	if p == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChain, c)
	}
	return p, nil
}

// byHash finds the pipeline holding the record of hash.
func (o *Operator) byHash(ctx context.Context, hash string) (*Pipeline, *model.Otx, error) {
	for _, p := range o.registry.All() {
		rec, err := p.Txs().Get(ctx, hash)
		if errors.Is(err, txqueue.ErrNotLocal) {
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		if rec.Blockchain != p.Chain() {
			continue
		}
		return p, rec, nil
	}
	return nil, nil, fmt.Errorf("%s: %w", hash, txqueue.ErrNotLocal)
}

func (o *Operator) HasChain(c model.Chain) bool {
	return o.registry.Get(c) != nil
}

func (o *Operator) ListLocks(ctx context.Context, c model.Chain, address string) ([]model.Lock, error) {
	p, err := o.pipeline(c)
	if err != nil {
		return nil, err
	}
	return p.Locks().List(ctx, c, address)
}

func (o *Operator) SetLock(ctx context.Context, c model.Chain, flags model.LockFlag, address, txHash string) (model.LockFlag, error) {
	p, err := o.pipeline(c)
	if err != nil {
		return 0, err
	}
	return p.Locks().Set(ctx, c, flags, address, txHash)
}

func (o *Operator) ResetLock(ctx context.Context, c model.Chain, flags model.LockFlag, address string) (model.LockFlag, error) {
	p, err := o.pipeline(c)
	if err != nil {
		return 0, err
	}
	return p.Locks().Reset(ctx, c, flags, address)
}

func (o *Operator) GetTx(ctx context.Context, hash string) (model.TxInfo, error) {
	p, _, err := o.byHash(ctx, hash)
	if err != nil {
		return model.TxInfo{}, err
	}
	return p.Txs().Info(ctx, hash)
}

// ResendTx replaces the record of hash with a higher priced copy.
func (o *Operator) ResendTx(ctx context.Context, hash string) (string, error) {
	p, _, err := o.byHash(ctx, hash)
	if err != nil {
		return "", err
	}
	return p.Straggler().Resend(ctx, hash)
}

func (o *Operator) ShiftNonce(ctx context.Context, hash string, delta int64) ([]string, error) {
	p, _, err := o.byHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	return p.Shifter().Shift(ctx, hash, delta)
}

func (o *Operator) SyncSegments(ctx context.Context, c model.Chain) ([]model.BlockchainSync, error) {
	p, err := o.pipeline(c)
	if err != nil {
		return nil, err
	}
	return p.SyncBackend().Segments(ctx)
}

func (o *Operator) ReconcileAddress(ctx context.Context, c model.Chain, address string) (*reconciliation.AddressReport, error) {
	p, err := o.pipeline(c)
	if err != nil {
		return nil, err
	}
	return p.Reconciler().ReconcileAddress(ctx, model.NormalizeAddress(address))
}

func (o *Operator) ReconcileChain(ctx context.Context, c model.Chain) (*reconciliation.RunResult, error) {
	p, err := o.pipeline(c)
	if err != nil {
		return nil, err
	}
	return p.Reconciler().Reconcile(ctx)
}

// HealthSnapshots returns the role health of every chain.
func (o *Operator) HealthSnapshots() any {
	var out []HealthSnapshot
	for _, p := range o.registry.All() {
		out = append(out, p.Health()...)
	}
	return out
}
