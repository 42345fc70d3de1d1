package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"testing"

	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/alert"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/chain"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/chain/chaintest"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/chain/evm"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/domain/event"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/domain/model"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/lock"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/store/memory"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/txqueue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testChain = model.Chain("evm:byzantium:8996:bloxberg")
	testKey   = "b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"
	recipient = "0x00000000000000000000000000000000000000bb"
)

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []alert.Alert
}

func (r *recordingAlerter) Send(_ context.Context, a alert.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return nil
}

type recordingRefiller struct {
	mu        sync.Mutex
	addresses []string
}

func (r *recordingRefiller) RequestRefill(_ context.Context, address string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addresses = append(r.addresses, address)
	return nil
}

type fixture struct {
	txs     *txqueue.Service
	locks   *lock.Manager
	conn    *chaintest.Connector
	codec   *evm.Codec
	alerts  *recordingAlerter
	refills *recordingRefiller
	disp    *Dispatcher
	sender  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := memory.New()
	keys := evm.NewMemoryKeystore()
	sender, err := keys.Import(testKey)
	require.NoError(t, err)

	codec := evm.NewCodec(big.NewInt(8996), keys)
	conn := chaintest.New(testChain.String())
	conn.SetBalance(sender, big.NewInt(1_000_000_000))

	f := &fixture{
		txs:     txqueue.NewService(st.Otx(), event.Nop(), slog.Default()),
		locks:   lock.NewManager(st.Locks(), slog.Default()),
		conn:    conn,
		codec:   codec,
		alerts:  &recordingAlerter{},
		refills: &recordingRefiller{},
		sender:  sender,
	}
	f.disp = New(testChain, f.txs, f.locks, conn, codec, slog.Default(),
		WithAlerter(f.alerts), WithRefiller(f.refills))
	return f
}

func (f *fixture) queue(t *testing.T, nonce uint64) *model.Otx {
	t.Helper()
	raw, hash, err := f.codec.Sign(context.Background(), chain.Intent{
		From:     f.sender,
		To:       recipient,
		Nonce:    nonce,
		GasPrice: big.NewInt(10),
		Gas:      21000,
		Value:    big.NewInt(1),
	})
	require.NoError(t, err)
	o, err := f.txs.Create(context.Background(), txqueue.NewTx{
		Chain:     testChain,
		Hash:      hash,
		Nonce:     nonce,
		Sender:    f.sender,
		SignedRaw: raw,
		Cache:     model.TxCache{Sender: f.sender, Recipient: recipient},
	})
	require.NoError(t, err)
	return o
}

func (f *fixture) status(t *testing.T, hash string) model.Status {
	t.Helper()
	o, err := f.txs.Get(context.Background(), hash)
	require.NoError(t, err)
	return o.Status
}

func TestSendOne_Sent(t *testing.T) {
	f := newFixture(t)
	o := f.queue(t, 0)

	outcome, err := f.disp.SendOne(context.Background(), o.TxHash)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, outcome)
	assert.Equal(t, model.Sent, f.status(t, o.TxHash))
	assert.Len(t, f.conn.Submitted(), 1)
}

func TestSendOne_RespectsLock(t *testing.T) {
	tests := []struct {
		name    string
		address string
		flags   model.LockFlag
	}{
		{"sender send lock", "", model.LockSend},
		{"sender queue lock", "", model.LockQueue},
		{"global send lock", model.ZeroAddress, model.LockSend},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			o := f.queue(t, 0)
			address := tc.address
			if address == "" {
				address = f.sender
			}
			_, err := f.locks.Set(context.Background(), testChain, tc.flags, address, "")
			require.NoError(t, err)

			outcome, err := f.disp.SendOne(context.Background(), o.TxHash)
			assert.ErrorIs(t, err, lock.ErrLocked)
			assert.Equal(t, OutcomeLocked, outcome)
			assert.Equal(t, model.ReadySend, f.status(t, o.TxHash))
			assert.Empty(t, f.conn.Submitted(), "nothing may reach the node while locked")
		})
	}
}

func TestSendOne_UnrelatedLockDoesNotBlock(t *testing.T) {
	f := newFixture(t)
	o := f.queue(t, 0)
	_, err := f.locks.Set(context.Background(), testChain, model.LockCreate, f.sender, "")
	require.NoError(t, err)

	outcome, err := f.disp.SendOne(context.Background(), o.TxHash)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, outcome)
}

func TestSendOne_ShortOfGas(t *testing.T) {
	f := newFixture(t)
	f.conn.SetBalance(f.sender, big.NewInt(100))
	o := f.queue(t, 0)

	outcome, err := f.disp.SendOne(context.Background(), o.TxHash)
	require.NoError(t, err)
	assert.Equal(t, OutcomeWaitForGas, outcome)
	assert.Equal(t, model.WaitForGas, f.status(t, o.TxHash))
	assert.Equal(t, []string{f.sender}, f.refills.addresses)
	assert.Empty(t, f.conn.Submitted())
}

func TestSendOne_SubmitOutcomes(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		outcome Outcome
		status  model.Status
		alerted bool
	}{
		{"already known", fmt.Errorf("%w: already known", chain.ErrAlreadyKnown), OutcomeKnown, model.Sent, false},
		{"transient", fmt.Errorf("%w: connection refused", chain.ErrTransient), OutcomeSendFail, model.SendFail, false},
		{"nonce too low", fmt.Errorf("%w: nonce too low", chain.ErrNonceTooLow), OutcomeSendFail, model.SendFail, false},
		{"underpriced", fmt.Errorf("%w: replacement underpriced", chain.ErrUnderpriced), OutcomeSendFail, model.SendFail, false},
		{"insufficient funds", fmt.Errorf("%w: insufficient funds", chain.ErrInsufficientFunds), OutcomeWaitForGas, model.WaitForGas, false},
		{"rejected", fmt.Errorf("%w: intrinsic gas too low", chain.ErrRejected), OutcomeRejected, model.Rejected, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.conn.OnSubmit(func([]byte) error { return tc.err })
			o := f.queue(t, 0)

			outcome, err := f.disp.SendOne(context.Background(), o.TxHash)
			require.NoError(t, err)
			assert.Equal(t, tc.outcome, outcome)
			assert.Equal(t, tc.status, f.status(t, o.TxHash))
			if tc.alerted {
				require.Len(t, f.alerts.alerts, 1)
				assert.Equal(t, alert.AlertTypeTxRejected, f.alerts.alerts[0].Type)
				assert.Equal(t, o.TxHash, f.alerts.alerts[0].Fields["tx_hash"])
			} else {
				assert.Empty(t, f.alerts.alerts)
			}
		})
	}
}

func TestSendOne_NotLocal(t *testing.T) {
	f := newFixture(t)
	_, err := f.disp.SendOne(context.Background(), "0xdeadbeef")
	assert.ErrorIs(t, err, txqueue.ErrNotLocal)
}

func TestSendOne_AlreadyReserved(t *testing.T) {
	f := newFixture(t)
	o := f.queue(t, 0)
	_, err := f.txs.Reserve(context.Background(), o.TxHash)
	require.NoError(t, err)

	_, err = f.disp.SendOne(context.Background(), o.TxHash)
	assert.ErrorIs(t, err, ErrNotSendable)
	assert.Empty(t, f.conn.Submitted())
}

func TestSendOne_UndecodableIsFubar(t *testing.T) {
	f := newFixture(t)
	o, err := f.txs.Create(context.Background(), txqueue.NewTx{
		Chain:     testChain,
		Hash:      "0x01",
		Nonce:     0,
		Sender:    f.sender,
		SignedRaw: []byte{0xde, 0xad},
	})
	require.NoError(t, err)

	outcome, err := f.disp.SendOne(context.Background(), o.TxHash)
	assert.ErrorIs(t, err, chain.ErrUndecodable)
	assert.Equal(t, OutcomeFubar, outcome)
	assert.Equal(t, model.Fubar, f.status(t, o.TxHash))
}

func TestTick_SendsInNonceOrder(t *testing.T) {
	f := newFixture(t)
	first := f.queue(t, 0)
	second := f.queue(t, 1)

	require.NoError(t, f.disp.Tick(context.Background()))
	assert.Equal(t, model.Sent, f.status(t, first.TxHash))
	assert.Equal(t, model.ReadySend, f.status(t, second.TxHash), "successor waits for the next tick")

	require.NoError(t, f.disp.Tick(context.Background()))
	assert.Equal(t, model.Sent, f.status(t, second.TxHash))
	assert.Len(t, f.conn.Submitted(), 2)
}

func TestTick_SkipsLockedSender(t *testing.T) {
	f := newFixture(t)
	o := f.queue(t, 0)
	_, err := f.locks.Set(context.Background(), testChain, model.LockSend, f.sender, "")
	require.NoError(t, err)

	require.NoError(t, f.disp.Tick(context.Background()))
	assert.Equal(t, model.ReadySend, f.status(t, o.TxHash))

	_, err = f.locks.Reset(context.Background(), testChain, model.LockSend, f.sender)
	require.NoError(t, err)
	require.NoError(t, f.disp.Tick(context.Background()))
	assert.Equal(t, model.Sent, f.status(t, o.TxHash))
}

func TestRun_StopsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := f.disp.Run(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
}
