// Package tasks implements the work submission protocol: named units of
// work with positional JSON arguments, routed through queues and chained
// with link and errlink follow-ups.
package tasks

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultQueue is used when a task names no queue.
const DefaultQueue = "cic-eth"

var (
	// ErrNoTask is returned by Consume when no task arrived before its poll timeout.
	ErrNoTask = errors.New("no task available")
	// ErrUnknownTask is the error result of a task name without handler.
	ErrUnknownTask = errors.New("unknown task")
	// ErrBadArgs is returned when a task argument cannot be decoded.
	ErrBadArgs = errors.New("bad task arguments")
)

// Task is one unit of work.
type Task struct {
	ID        uuid.UUID         `json:"id"`
	Name      string            `json:"name"`
	Args      []json.RawMessage `json:"args"`
	Queue     string            `json:"queue,omitempty"`
	Link      *Task             `json:"link,omitempty"`
	ErrLink   *Task             `json:"errlink,omitempty"`
	Reply     bool              `json:"reply,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// New builds a task with JSON-encoded positional args.
func New(name string, args ...any) (Task, error) {
	t := Task{
		ID:        uuid.New(),
		Name:      name,
		Args:      make([]json.RawMessage, 0, len(args)),
		Queue:     DefaultQueue,
		CreatedAt: time.Now().UTC(),
	}
	for i, a := range args {
		raw, err := json.Marshal(a)
		if err != nil {
			return Task{}, fmt.Errorf("task %s arg %d: %w", name, i, err)
		}
		t.Args = append(t.Args, raw)
	}
	return t, nil
}

// MustNew is New for arguments known to encode.
func MustNew(name string, args ...any) Task {
	t, err := New(name, args...)
	if err != nil {
		panic(err)
	}
	return t
}

func (t Task) OnQueue(queue string) Task {
	t.Queue = queue
	return t
}

// Then sets the task run with this task's result prepended to its args.
func (t Task) Then(link Task) Task {
	t.Link = &link
	return t
}

// OnError sets the task run with [error, task_id] when this task fails.
func (t Task) OnError(errlink Task) Task {
	t.ErrLink = &errlink
	return t
}

func (t Task) WithReply() Task {
	t.Reply = true
	return t
}

func (t Task) queue() string {
	if t.Queue == "" {
		return DefaultQueue
	}
	return t.Queue
}

// Arg decodes argument i into v.
func (t Task) Arg(i int, v any) error {
	if i >= len(t.Args) {
		return fmt.Errorf("%w: %s wants arg %d, got %d args", ErrBadArgs, t.Name, i, len(t.Args))
	}
	if err := json.Unmarshal(t.Args[i], v); err != nil {
		return fmt.Errorf("%w: %s arg %d: %v", ErrBadArgs, t.Name, i, err)
	}
	return nil
}

// OptArg decodes argument i into v when present and not null.
func (t Task) OptArg(i int, v any) (bool, error) {
	if i >= len(t.Args) || string(t.Args[i]) == "null" {
		return false, nil
	}
	return true, t.Arg(i, v)
}

// Result is the stored outcome of a task run with Reply set.
type Result struct {
	TaskID     uuid.UUID       `json:"task_id"`
	Name       string          `json:"name"`
	OK         bool            `json:"ok"`
	Value      json.RawMessage `json:"value,omitempty"`
	Error      string          `json:"error,omitempty"`
	Kind       string          `json:"kind,omitempty"`
	FinishedAt time.Time       `json:"finished_at"`
}

// Decode unmarshals the result value into v, or returns the remote error.
func (r Result) Decode(v any) error {
	if !r.OK {
		return &RemoteError{Task: r.Name, Kind: r.Kind, Message: r.Error}
	}
	if v == nil || len(r.Value) == 0 {
		return nil
	}
	return json.Unmarshal(r.Value, v)
}

// RemoteError is a failure reported by the worker that ran a task.
type RemoteError struct {
	Task    string
	Kind    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("task %s failed (%s): %s", e.Task, e.Kind, e.Message)
	}
	return fmt.Sprintf("task %s failed: %s", e.Task, e.Message)
}
