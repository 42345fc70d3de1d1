package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/metrics"
	"github.com/jpillora/backoff"
	"golang.org/x/sync/errgroup"
)

// Handler runs one task and returns a JSON-encodable result.
type Handler func(ctx context.Context, t Task) (any, error)

// Registry maps task names to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds name to h, replacing any previous handler.
func (r *Registry) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

func (r *Registry) Lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

type WorkerConfig struct {
	Queues      []string
	Concurrency int
	// ErrorKind labels a handler error for the stored result, so callers can
	// tell a lock refusal from a node failure. Optional.
	ErrorKind func(error) string
}

// Worker consumes tasks from its queues and runs them.
type Worker struct {
	broker   Broker
	registry *Registry
	cfg      WorkerConfig
	logger   *slog.Logger
	now      func() time.Time
}

func NewWorker(broker Broker, registry *Registry, cfg WorkerConfig, logger *slog.Logger) *Worker {
	if len(cfg.Queues) == 0 {
		cfg.Queues = []string{DefaultQueue}
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Worker{
		broker:   broker,
		registry: registry,
		cfg:      cfg,
		logger:   logger.With("component", "task_worker"),
		now:      time.Now,
	}
}

// Run starts Concurrency consumers per queue and blocks until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)
	for _, queue := range w.cfg.Queues {
		for i := 0; i < w.cfg.Concurrency; i++ {
			queue := queue
			g.Go(func() error {
				w.consume(gCtx, queue)
				return nil
			})
		}
	}
	w.logger.Info("task worker started", "queues", w.cfg.Queues, "concurrency", w.cfg.Concurrency, "tasks", len(w.registry.Names()))
	return g.Wait()
}

func (w *Worker) consume(ctx context.Context, queue string) {
	retry := backoff.Backoff{Min: 100 * time.Millisecond, Max: 15 * time.Second, Jitter: true}
	for {
		t, err := w.broker.Consume(ctx, queue)
		switch {
		case ctx.Err() != nil:
			return
		case errors.Is(err, ErrNoTask):
			continue
		case err != nil:
			wait := retry.Duration()
			w.logger.Warn("consume failed", "queue", queue, "error", err, "retry_in", wait)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		retry.Reset()
		w.Process(ctx, t)
	}
}

// Process runs t, stores its result when requested and publishes the link
// or errlink follow-up.
func (w *Worker) Process(ctx context.Context, t Task) Result {
	started := w.now()
	log := w.logger.With("task", t.Name, "task_id", t.ID)

	value, err := w.run(ctx, t)
	res := Result{TaskID: t.ID, Name: t.Name, OK: err == nil, FinishedAt: w.now().UTC()}
	if err == nil {
		raw, merr := json.Marshal(value)
		if merr != nil {
			err = fmt.Errorf("encode result: %w", merr)
			res.OK = false
		} else {
			res.Value = raw
		}
	}
	if err != nil {
		res.Error = err.Error()
		if w.cfg.ErrorKind != nil {
			res.Kind = w.cfg.ErrorKind(err)
		}
	}

	outcome := "ok"
	if !res.OK {
		outcome = "error"
		if res.Kind != "" {
			outcome = res.Kind
		}
		log.Warn("task failed", "error", res.Error, "kind", res.Kind)
	} else {
		log.Debug("task done")
	}
	metrics.TasksProcessedTotal.WithLabelValues(t.Name, outcome).Inc()
	metrics.TaskLatency.WithLabelValues(t.Name).Observe(w.now().Sub(started).Seconds())

	if t.Reply {
		if serr := w.broker.StoreResult(ctx, res); serr != nil {
			log.Error("store task result failed", "error", serr)
		}
	}
	w.follow(ctx, t, res, log)
	return res
}

func (w *Worker) run(ctx context.Context, t Task) (value any, err error) {
	h, ok := w.registry.Lookup(t.Name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, t.Name)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", t.Name, r)
		}
	}()
	return h(ctx, t)
}

func (w *Worker) follow(ctx context.Context, t Task, res Result, log *slog.Logger) {
	var next *Task
	var lead []json.RawMessage
	if res.OK && t.Link != nil {
		next = t.Link
		lead = []json.RawMessage{res.Value}
	} else if !res.OK && t.ErrLink != nil {
		next = t.ErrLink
		msg, _ := json.Marshal(res.Error)
		id, _ := json.Marshal(t.ID.String())
		lead = []json.RawMessage{msg, id}
	}
	if next == nil {
		return
	}

	follow := *next
	follow.Args = append(lead, follow.Args...)
	if follow.Queue == "" {
		follow.Queue = t.queue()
	}
	if err := w.broker.Publish(ctx, follow); err != nil {
		log.Error("publish follow-up task failed", "follow_up", follow.Name, "error", err)
		return
	}
	metrics.TasksPublishedTotal.WithLabelValues(follow.queue(), follow.Name).Inc()
}

// Client submits tasks.
type Client struct {
	broker Broker
}

func NewClient(broker Broker) *Client {
	return &Client{broker: broker}
}

// Send publishes t without waiting for it.
func (c *Client) Send(ctx context.Context, t Task) error {
	if err := c.broker.Publish(ctx, t); err != nil {
		return fmt.Errorf("publish %s: %w", t.Name, err)
	}
	metrics.TasksPublishedTotal.WithLabelValues(t.queue(), t.Name).Inc()
	return nil
}

// Call publishes t and waits for its result, decoding it into out.
func (c *Client) Call(ctx context.Context, t Task, out any) error {
	t.Reply = true
	if err := c.Send(ctx, t); err != nil {
		return err
	}
	res, err := c.broker.AwaitResult(ctx, t.ID)
	if err != nil {
		return err
	}
	return res.Decode(out)
}
