package tasks

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errLockedForTest = errors.New("locked")

func newTestWorker(reg *Registry) (*Worker, *MemoryBroker) {
	broker := NewMemoryBroker(16)
	broker.pollTimeout = 20 * time.Millisecond
	w := NewWorker(broker, reg, WorkerConfig{
		Concurrency: 2,
		ErrorKind: func(err error) string {
			if errors.Is(err, errLockedForTest) {
				return "locked"
			}
			return ""
		},
	}, slog.Default())
	return w, broker
}

func TestTask_ArgsRoundTrip(t *testing.T) {
	task, err := New("cic_eth.admin.ctrl.lock", "evm:byzantium:8996:bloxberg", 8, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultQueue, task.Queue)

	var chain string
	var flags int
	require.NoError(t, task.Arg(0, &chain))
	require.NoError(t, task.Arg(1, &flags))
	assert.Equal(t, 8, flags)

	var txHash string
	present, err := task.OptArg(2, &txHash)
	require.NoError(t, err)
	assert.False(t, present)
	present, err = task.OptArg(5, &txHash)
	require.NoError(t, err)
	assert.False(t, present)

	assert.ErrorIs(t, task.Arg(3, &txHash), ErrBadArgs)
	assert.ErrorIs(t, task.Arg(0, &flags), ErrBadArgs)
}

func TestWorker_LinkReceivesResultFirst(t *testing.T) {
	reg := NewRegistry()
	reg.Register("reserve", func(ctx context.Context, task Task) (any, error) { return 41, nil })
	w, broker := newTestWorker(reg)

	task := MustNew("reserve", "0xaa").Then(MustNew("sign", "extra"))
	res := w.Process(context.Background(), task)
	require.True(t, res.OK)
	assert.JSONEq(t, "41", string(res.Value))

	follow, err := broker.Consume(context.Background(), DefaultQueue)
	require.NoError(t, err)
	assert.Equal(t, "sign", follow.Name)
	require.Len(t, follow.Args, 2)
	assert.JSONEq(t, "41", string(follow.Args[0]))
	assert.JSONEq(t, `"extra"`, string(follow.Args[1]))
}

func TestWorker_ErrLinkReceivesErrorAndTaskID(t *testing.T) {
	reg := NewRegistry()
	reg.Register("send", func(ctx context.Context, task Task) (any, error) {
		return nil, errLockedForTest
	})
	w, broker := newTestWorker(reg)

	task := MustNew("send").Then(MustNew("never")).OnError(MustNew("report").OnQueue("errors"))
	res := w.Process(context.Background(), task)
	assert.False(t, res.OK)
	assert.Equal(t, "locked", res.Kind)

	follow, err := broker.Consume(context.Background(), "errors")
	require.NoError(t, err)
	assert.Equal(t, "report", follow.Name)
	require.Len(t, follow.Args, 2)
	var msg, id string
	require.NoError(t, follow.Arg(0, &msg))
	require.NoError(t, follow.Arg(1, &id))
	assert.Equal(t, "locked", msg)
	assert.Equal(t, task.ID.String(), id)

	_, err = broker.Consume(context.Background(), DefaultQueue)
	assert.ErrorIs(t, err, ErrNoTask, "link must not run on failure")
}

func TestWorker_UnknownAndPanickingTasks(t *testing.T) {
	reg := NewRegistry()
	reg.Register("boom", func(ctx context.Context, task Task) (any, error) { panic("bad") })
	w, _ := newTestWorker(reg)

	res := w.Process(context.Background(), MustNew("nope"))
	assert.False(t, res.OK)
	assert.Contains(t, res.Error, ErrUnknownTask.Error())

	res = w.Process(context.Background(), MustNew("boom"))
	assert.False(t, res.OK)
	assert.Contains(t, res.Error, "panicked")
}

func TestClient_CallAwaitsWorker(t *testing.T) {
	reg := NewRegistry()
	reg.Register("cic_eth.eth.nonce.reserve_nonce", func(ctx context.Context, task Task) (any, error) {
		var addr string
		if err := task.Arg(1, &addr); err != nil {
			return nil, err
		}
		return map[string]any{"address": addr, "nonce": 3}, nil
	})
	reg.Register("fail", func(ctx context.Context, task Task) (any, error) { return nil, errLockedForTest })
	w, broker := newTestWorker(reg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	client := NewClient(broker)
	var out struct {
		Address string `json:"address"`
		Nonce   uint64 `json:"nonce"`
	}
	err := client.Call(ctx, MustNew("cic_eth.eth.nonce.reserve_nonce", "evm:byzantium:8996:bloxberg", "0xaa"), &out)
	require.NoError(t, err)
	assert.Equal(t, "0xaa", out.Address)
	assert.Equal(t, uint64(3), out.Nonce)

	err = client.Call(ctx, MustNew("fail"), nil)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "locked", remote.Kind)

	cancel()
	require.NoError(t, <-done)
}

func TestMemoryBroker_AwaitRespectsContext(t *testing.T) {
	broker := NewMemoryBroker(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := broker.AwaitResult(ctx, MustNew("x").ID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRegistry_Names(t *testing.T) {
	reg := NewRegistry()
	reg.Register("b", nil)
	reg.Register("a", nil)
	assert.Equal(t, []string{"a", "b"}, reg.Names())
}
