// Package handlers binds the registered task names to the per-chain
// services of a pipeline registry.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/chain"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/domain/model"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/lock"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/nonce"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/pipeline"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/tasks"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/txqueue"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/wallet"
)

const (
	TaskLock            = "cic_eth.admin.ctrl.lock"
	TaskUnlock          = "cic_eth.admin.ctrl.unlock"
	TaskLockSend        = "cic_eth.admin.ctrl.lock_send"
	TaskUnlockSend      = "cic_eth.admin.ctrl.unlock_send"
	TaskLockQueue       = "cic_eth.admin.ctrl.lock_queue"
	TaskUnlockQueue     = "cic_eth.admin.ctrl.unlock_queue"
	TaskCheckLock       = "cic_eth.admin.ctrl.check_lock"
	TaskGetLocks        = "cic_eth.queue.query.get_locks"
	TaskReserveNonce    = "cic_eth.eth.nonce.reserve_nonce"
	TaskShiftNonce      = "cic_eth.admin.nonce.shift_nonce"
	TaskCreateAccount   = "cic_eth.eth.account.create"
	TaskTransfer        = "cic_eth.eth.tx.transfer"
	TaskRefillGas       = "cic_eth.eth.gas.refill_gas"
	TaskResendHigherGas = "cic_eth.eth.gas.resend_with_higher_gas"
	TaskSend            = "cic_eth.eth.tx.send"
	TaskBalance         = "cic_eth.eth.balance.balance"
	TaskGetTx           = "cic_eth.queue.query.get_tx"
	TaskReconcileNonce  = "cic_eth.admin.debug.reconcile_nonce"
)

type handlers struct {
	registry *pipeline.Registry
}

// Register adds a handler for every task name to reg.
func Register(reg *tasks.Registry, registry *pipeline.Registry) {
	h := &handlers{registry: registry}

	reg.Register(TaskLock, h.lock)
	reg.Register(TaskUnlock, h.unlock)
	reg.Register(TaskLockSend, h.fixedLock(model.LockSend, true))
	reg.Register(TaskUnlockSend, h.fixedLock(model.LockSend, false))
	reg.Register(TaskLockQueue, h.fixedLock(model.LockQueue, true))
	reg.Register(TaskUnlockQueue, h.fixedLock(model.LockQueue, false))
	reg.Register(TaskCheckLock, h.checkLock)
	reg.Register(TaskGetLocks, h.getLocks)
	reg.Register(TaskReserveNonce, h.reserveNonce)
	reg.Register(TaskShiftNonce, h.shiftNonce)
	reg.Register(TaskCreateAccount, h.createAccount)
	reg.Register(TaskTransfer, h.transfer)
	reg.Register(TaskRefillGas, h.refillGas)
	reg.Register(TaskResendHigherGas, h.resend)
	reg.Register(TaskSend, h.send)
	reg.Register(TaskBalance, h.balance)
	reg.Register(TaskGetTx, h.getTx)
	reg.Register(TaskReconcileNonce, h.reconcileNonce)
}

// ErrorKind labels handler errors for stored task results.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, lock.ErrLocked):
		return "locked"
	case errors.Is(err, txqueue.ErrNotLocal):
		return "not_local"
	case errors.Is(err, txqueue.ErrStateChange):
		return "state_change"
	case errors.Is(err, chain.ErrUnknownAccount):
		return "unknown_account"
	case errors.Is(err, chain.ErrRejected):
		return "rejected"
	case errors.Is(err, chain.ErrTransient):
		return "transient"
	case errors.Is(err, wallet.ErrRefillPending):
		return "refill_pending"
	case errors.Is(err, tasks.ErrUnknownTask):
		return "unknown_task"
	case errors.Is(err, tasks.ErrBadArgs),
		errors.Is(err, wallet.ErrInvalidAmount),
		errors.Is(err, nonce.ErrInvalidShift),
		errors.Is(err, pipeline.ErrUnknownChain):
		return "bad_args"
	}
	return ""
}

func (h *handlers) pipeline(t tasks.Task) (*pipeline.Pipeline, error) {
	var c string
	if err := t.Arg(0, &c); err != nil {
		return nil, err
	}
	p := h.registry.Get(model.Chain(c))
	if p == nil {
		return nil, fmt.Errorf("%w: %s", pipeline.ErrUnknownChain, c)
	}
	return p, nil
}

// flagsArg accepts a number or a flag expression like "SEND|QUEUE".
func flagsArg(t tasks.Task, i int) (model.LockFlag, error) {
	var n uint64
	if err := t.Arg(i, &n); err == nil {
		return model.LockFlag(n), nil
	}
	var s string
	if err := t.Arg(i, &s); err != nil {
		return 0, err
	}
	f, err := model.ParseLockFlags(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", tasks.ErrBadArgs, err)
	}
	return f, nil
}

// addressArg reads an address; null or empty means the global address.
func addressArg(t tasks.Task, i int) (string, error) {
	var s string
	if _, err := t.OptArg(i, &s); err != nil {
		return "", err
	}
	if s == "" {
		return model.ZeroAddress, nil
	}
	return model.NormalizeAddress(s), nil
}

// weiArg accepts a decimal string or a JSON number.
func weiArg(t tasks.Task, i int) (*big.Int, error) {
	var raw json.RawMessage
	if err := t.Arg(i, &raw); err != nil {
		return nil, err
	}
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	v, ok := new(big.Int).SetString(s, 0)
	if !ok {
		return nil, fmt.Errorf("%w: %s arg %d is not an integer: %s", tasks.ErrBadArgs, t.Name, i, s)
	}
	return v, nil
}

func (h *handlers) lock(ctx context.Context, t tasks.Task) (any, error) {
	p, err := h.pipeline(t)
	if err != nil {
		return nil, err
	}
	flags, err := flagsArg(t, 1)
	if err != nil {
		return nil, err
	}
	address, err := addressArg(t, 2)
	if err != nil {
		return nil, err
	}
	var txHash string
	if _, err := t.OptArg(3, &txHash); err != nil {
		return nil, err
	}
	set, err := p.Locks().Set(ctx, p.Chain(), flags, address, txHash)
	return uint64(set), err
}

func (h *handlers) unlock(ctx context.Context, t tasks.Task) (any, error) {
	p, err := h.pipeline(t)
	if err != nil {
		return nil, err
	}
	flags, err := flagsArg(t, 1)
	if err != nil {
		return nil, err
	}
	address, err := addressArg(t, 2)
	if err != nil {
		return nil, err
	}
	left, err := p.Locks().Reset(ctx, p.Chain(), flags, address)
	return uint64(left), err
}

func (h *handlers) fixedLock(flags model.LockFlag, set bool) tasks.Handler {
	return func(ctx context.Context, t tasks.Task) (any, error) {
		p, err := h.pipeline(t)
		if err != nil {
			return nil, err
		}
		address, err := addressArg(t, 1)
		if err != nil {
			return nil, err
		}
		var out model.LockFlag
		if set {
			out, err = p.Locks().Set(ctx, p.Chain(), flags, address, "")
		} else {
			out, err = p.Locks().Reset(ctx, p.Chain(), flags, address)
		}
		return uint64(out), err
	}
}

// checkLock passes the chained value through when nothing is locked. As a
// link target it gets the previous result as an extra first argument.
func (h *handlers) checkLock(ctx context.Context, t tasks.Task) (any, error) {
	var passthrough json.RawMessage
	if len(t.Args) > 3 {
		passthrough = t.Args[0]
		t.Args = t.Args[1:]
	}
	p, err := h.pipeline(t)
	if err != nil {
		return nil, err
	}
	flags, err := flagsArg(t, 1)
	if err != nil {
		return nil, err
	}
	address, err := addressArg(t, 2)
	if err != nil {
		return nil, err
	}
	if err := p.Locks().CheckAggregate(ctx, p.Chain(), flags, address); err != nil {
		return nil, err
	}
	return passthrough, nil
}

func (h *handlers) getLocks(ctx context.Context, t tasks.Task) (any, error) {
	p, err := h.pipeline(t)
	if err != nil {
		return nil, err
	}
	var address string
	if _, err := t.OptArg(1, &address); err != nil {
		return nil, err
	}
	return p.Locks().List(ctx, p.Chain(), address)
}

// reserveNonce keys the reservation by the task id, so a redelivered task
// gets the same nonce back. A QUEUE lock on the sender refuses it, as it
// does every other way of queueing.
func (h *handlers) reserveNonce(ctx context.Context, t tasks.Task) (any, error) {
	p, err := h.pipeline(t)
	if err != nil {
		return nil, err
	}
	var address string
	if err := t.Arg(1, &address); err != nil {
		return nil, err
	}
	address = model.NormalizeAddress(address)
	if err := p.Locks().CheckAggregate(ctx, p.Chain(), model.LockQueue, address); err != nil {
		return nil, err
	}
	return p.Nonces().Reserve(ctx, address, t.ID)
}

func (h *handlers) shiftNonce(ctx context.Context, t tasks.Task) (any, error) {
	p, err := h.pipeline(t)
	if err != nil {
		return nil, err
	}
	var txHash string
	if err := t.Arg(1, &txHash); err != nil {
		return nil, err
	}
	delta := int64(1)
	if _, err := t.OptArg(2, &delta); err != nil {
		return nil, err
	}
	return p.Shifter().Shift(ctx, txHash, delta)
}

func (h *handlers) createAccount(ctx context.Context, t tasks.Task) (any, error) {
	p, err := h.pipeline(t)
	if err != nil {
		return nil, err
	}
	return p.Wallet().CreateAccount(ctx)
}

func (h *handlers) transfer(ctx context.Context, t tasks.Task) (any, error) {
	p, err := h.pipeline(t)
	if err != nil {
		return nil, err
	}
	var from, to string
	if err := t.Arg(1, &from); err != nil {
		return nil, err
	}
	if err := t.Arg(2, &to); err != nil {
		return nil, err
	}
	value, err := weiArg(t, 3)
	if err != nil {
		return nil, err
	}
	return p.Wallet().Transfer(ctx, from, to, value, t.ID)
}

func (h *handlers) refillGas(ctx context.Context, t tasks.Task) (any, error) {
	p, err := h.pipeline(t)
	if err != nil {
		return nil, err
	}
	var recipient string
	if err := t.Arg(1, &recipient); err != nil {
		return nil, err
	}
	hash, err := p.Wallet().RefillGas(ctx, recipient, t.ID)
	if errors.Is(err, wallet.ErrRefillNotNeeded) {
		return "", nil
	}
	return hash, err
}

func (h *handlers) resend(ctx context.Context, t tasks.Task) (any, error) {
	p, err := h.pipeline(t)
	if err != nil {
		return nil, err
	}
	var txHash string
	if err := t.Arg(1, &txHash); err != nil {
		return nil, err
	}
	return p.Straggler().Resend(ctx, txHash)
}

func (h *handlers) send(ctx context.Context, t tasks.Task) (any, error) {
	p, err := h.pipeline(t)
	if err != nil {
		return nil, err
	}
	var txHash string
	if err := t.Arg(1, &txHash); err != nil {
		return nil, err
	}
	outcome, err := p.Dispatcher().SendOne(ctx, txHash)
	return string(outcome), err
}

func (h *handlers) balance(ctx context.Context, t tasks.Task) (any, error) {
	p, err := h.pipeline(t)
	if err != nil {
		return nil, err
	}
	var address string
	if err := t.Arg(1, &address); err != nil {
		return nil, err
	}
	wei, err := p.Wallet().Balance(ctx, address)
	if err != nil {
		return nil, err
	}
	return wei.String(), nil
}

// getTx looks the hash up on every chain.
func (h *handlers) getTx(ctx context.Context, t tasks.Task) (any, error) {
	var txHash string
	if err := t.Arg(0, &txHash); err != nil {
		return nil, err
	}
	for _, p := range h.registry.All() {
		info, err := p.Txs().Info(ctx, txHash)
		if errors.Is(err, txqueue.ErrNotLocal) {
			continue
		}
		return info, err
	}
	return nil, fmt.Errorf("%s: %w", txHash, txqueue.ErrNotLocal)
}

func (h *handlers) reconcileNonce(ctx context.Context, t tasks.Task) (any, error) {
	p, err := h.pipeline(t)
	if err != nil {
		return nil, err
	}
	var address string
	if err := t.Arg(1, &address); err != nil {
		return nil, err
	}
	return p.Reconciler().ReconcileAddress(ctx, model.NormalizeAddress(address))
}
