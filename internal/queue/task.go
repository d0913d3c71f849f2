package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrNoHandler     = errors.New("no handler registered for task kind")
	ErrResultTimeout = errors.New("timed out waiting for task result")
)

// Task is the unit persisted by a Broker.
type Task struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"max_attempts"`
	Reply       bool            `json:"reply"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
}

// Result is published for tasks that expect a reply.
type Result struct {
	TaskID  string          `json:"task_id"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Code    string          `json:"code,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// TaskError is a terminal task failure. Handlers return it to stop retries;
// waiters receive it with the code set by the handler.
type TaskError struct {
	Code    string
	Message string
	err     error
}

func (e *TaskError) Error() string { return e.Message }

func (e *TaskError) Unwrap() error { return e.err }

// Terminal wraps err so the pool fails the task without retrying it.
func Terminal(code string, err error) error {
	return &TaskError{Code: code, Message: err.Error(), err: err}
}

// Handle resolves to the outcome of an enqueued task.
type Handle struct {
	id      string
	broker  Broker
	timeout time.Duration
}

func (h *Handle) ID() string { return h.id }

// Wait blocks until the task finished, the result timeout elapsed or ctx is
// done. A handler failure is returned as *TaskError.
func (h *Handle) Wait(ctx context.Context) (json.RawMessage, error) {
	timeout := h.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}
	if timeout <= 0 {
		return nil, ErrResultTimeout
	}

	res, err := h.broker.AwaitResult(ctx, h.id, timeout)
	if err != nil {
		return nil, err
	}

	if res.Error != "" {
		return nil, &TaskError{Code: res.Code, Message: res.Error}
	}

	return res.Payload, nil
}

// Broker stores ready, delayed and in-flight tasks and their results.
type Broker interface {
	Push(ctx context.Context, t Task) error
	Schedule(ctx context.Context, t Task, at time.Time) error
	// Pop returns nil without error when no task arrived within timeout.
	Pop(ctx context.Context, timeout time.Duration) (*Task, error)
	Ack(ctx context.Context, t Task) error
	Retry(ctx context.Context, t Task, at time.Time) error
	PromoteDue(ctx context.Context, now time.Time, limit int) (int, error)
	// Recover requeues tasks left in flight by this consumer.
	Recover(ctx context.Context) (int, error)
	PublishResult(ctx context.Context, r Result) error
	AwaitResult(ctx context.Context, taskID string, timeout time.Duration) (*Result, error)
}
