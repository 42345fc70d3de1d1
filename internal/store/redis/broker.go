// Package redis implements the task broker on redis lists.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/tasks"
	"github.com/redis/go-redis/v9"
)

const (
	defaultPollTimeout = 5 * time.Second
	defaultResultTTL   = 24 * time.Hour
)

var _ tasks.Broker = (*Broker)(nil)

type Config struct {
	URL         string
	Namespace   string
	PollTimeout time.Duration
	ResultTTL   time.Duration
}

// Broker queues tasks with RPUSH/BLPOP on "<ns>:queue:<name>". Results are
// stored at "<ns>:result:<id>" and announced on "<ns>:notify:<id>".
type Broker struct {
	client      *redis.Client
	ns          string
	pollTimeout time.Duration
	resultTTL   time.Duration
	logger      *slog.Logger
}

func NewBroker(ctx context.Context, cfg Config, logger *slog.Logger) (*Broker, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return NewBrokerWithClient(client, cfg, logger), nil
}

func NewBrokerWithClient(client *redis.Client, cfg Config, logger *slog.Logger) *Broker {
	if cfg.Namespace == "" {
		cfg.Namespace = "cic-eth"
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = defaultResultTTL
	}
	return &Broker{
		client:      client,
		ns:          cfg.Namespace,
		pollTimeout: cfg.PollTimeout,
		resultTTL:   cfg.ResultTTL,
		logger:      logger.With("component", "redis_broker"),
	}
}

func (b *Broker) Close() error {
	return b.client.Close()
}

func (b *Broker) Client() *redis.Client {
	return b.client
}

func (b *Broker) queueKey(queue string) string {
	if queue == "" {
		queue = tasks.DefaultQueue
	}
	return b.ns + ":queue:" + queue
}

func (b *Broker) resultKey(id uuid.UUID) string { return b.ns + ":result:" + id.String() }
func (b *Broker) notifyKey(id uuid.UUID) string { return b.ns + ":notify:" + id.String() }

func (b *Broker) Publish(ctx context.Context, t tasks.Task) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", t.Name, err)
	}
	if err := b.client.RPush(ctx, b.queueKey(t.Queue), payload).Err(); err != nil {
		return fmt.Errorf("rpush %s: %w", t.Name, err)
	}
	return nil
}

func (b *Broker) Consume(ctx context.Context, queue string) (tasks.Task, error) {
	vals, err := b.client.BLPop(ctx, b.pollTimeout, b.queueKey(queue)).Result()
	if errors.Is(err, redis.Nil) {
		return tasks.Task{}, tasks.ErrNoTask
	}
	if err != nil {
		return tasks.Task{}, fmt.Errorf("blpop %s: %w", queue, err)
	}
	return decodeTask(vals)
}

// decodeTask parses a BLPOP reply of [key, payload].
func decodeTask(vals []string) (tasks.Task, error) {
	if len(vals) != 2 {
		return tasks.Task{}, fmt.Errorf("unexpected blpop reply of %d items", len(vals))
	}
	var t tasks.Task
	if err := json.Unmarshal([]byte(vals[1]), &t); err != nil {
		return tasks.Task{}, fmt.Errorf("decode task from %s: %w", vals[0], err)
	}
	return t, nil
}

func (b *Broker) StoreResult(ctx context.Context, r tasks.Result) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode result %s: %w", r.TaskID, err)
	}
	notify := b.notifyKey(r.TaskID)
	pipe := b.client.TxPipeline()
	pipe.Set(ctx, b.resultKey(r.TaskID), payload, b.resultTTL)
	pipe.RPush(ctx, notify, "1")
	pipe.Expire(ctx, notify, b.resultTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store result %s: %w", r.TaskID, err)
	}
	return nil
}

func (b *Broker) AwaitResult(ctx context.Context, id uuid.UUID) (tasks.Result, error) {
	for {
		res, ok, err := b.loadResult(ctx, id)
		if err != nil || ok {
			return res, err
		}
		_, err = b.client.BLPop(ctx, b.pollTimeout, b.notifyKey(id)).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			if ctx.Err() != nil {
				return tasks.Result{}, fmt.Errorf("await result %s: %w", id, ctx.Err())
			}
			return tasks.Result{}, fmt.Errorf("await result %s: %w", id, err)
		}
	}
}

func (b *Broker) loadResult(ctx context.Context, id uuid.UUID) (tasks.Result, bool, error) {
	raw, err := b.client.Get(ctx, b.resultKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return tasks.Result{}, false, nil
	}
	if err != nil {
		return tasks.Result{}, false, fmt.Errorf("get result %s: %w", id, err)
	}
	var res tasks.Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return tasks.Result{}, false, fmt.Errorf("decode result %s: %w", id, err)
	}
	return res, true, nil
}
