package handlers

import (
	"context"
	"fmt"

	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/domain/model"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/tasks"
)

// TaskRefiller asks for gas refills over the task queue, so the refill is
// signed by whichever worker serves the gas queue.
type TaskRefiller struct {
	client *tasks.Client
	chain  model.Chain
	queue  string
}

func NewTaskRefiller(client *tasks.Client, c model.Chain, queue string) *TaskRefiller {
	if queue == "" {
		queue = tasks.DefaultQueue
	}
	return &TaskRefiller{client: client, chain: c, queue: queue}
}

func (r *TaskRefiller) RequestRefill(ctx context.Context, address string) error {
	t, err := tasks.New(TaskRefillGas, r.chain.String(), address)
	if err != nil {
		return err
	}
	if err := r.client.Send(ctx, t.OnQueue(r.queue)); err != nil {
		return fmt.Errorf("refill %s: %w", address, err)
	}
	return nil
}
