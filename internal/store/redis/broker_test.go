package redis

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/tasks"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroker_KeyLayout(t *testing.T) {
	t.Parallel()

	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()
	b := NewBrokerWithClient(client, Config{Namespace: "test"}, slog.Default())

	id := uuid.MustParse("6f1e8a55-2f5c-4d3e-9a7a-0a4e7c2b1d10")
	assert.Equal(t, "test:queue:cic-eth", b.queueKey(""))
	assert.Equal(t, "test:queue:admin", b.queueKey("admin"))
	assert.Equal(t, "test:result:"+id.String(), b.resultKey(id))
	assert.Equal(t, "test:notify:"+id.String(), b.notifyKey(id))
}

func TestBroker_Defaults(t *testing.T) {
	t.Parallel()

	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()
	b := NewBrokerWithClient(client, Config{}, slog.Default())

	assert.Equal(t, "cic-eth", b.ns)
	assert.Equal(t, defaultPollTimeout, b.pollTimeout)
	assert.Equal(t, defaultResultTTL, b.resultTTL)

	b = NewBrokerWithClient(client, Config{PollTimeout: time.Second, ResultTTL: time.Minute}, slog.Default())
	assert.Equal(t, time.Second, b.pollTimeout)
	assert.Equal(t, time.Minute, b.resultTTL)
}

func TestDecodeTask(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		input     []string
		expectErr bool
	}{
		{name: "valid", input: []string{"ns:queue:q", `{"id":"6f1e8a55-2f5c-4d3e-9a7a-0a4e7c2b1d10","name":"cic_eth.eth.tx.send","args":["\"0xabc\""]}`}},
		{name: "short reply", input: []string{"ns:queue:q"}, expectErr: true},
		{name: "bad json", input: []string{"ns:queue:q", "{"}, expectErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			task, err := decodeTask(tt.input)
			if tt.expectErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "cic_eth.eth.tx.send", task.Name)
			require.Len(t, task.Args, 1)
		})
	}
}

func TestNewBroker_BadURL(t *testing.T) {
	t.Parallel()

	_, err := NewBroker(context.Background(), Config{URL: "not-a-url"}, slog.Default())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse redis url")
}

var _ tasks.Broker = (*Broker)(nil)
