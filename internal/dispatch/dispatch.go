// Package dispatch hands run tasks from the API to the workers. Delivery is
// at-least-once: a handler may see the same task more than once and must be
// idempotent against the run's persisted state.
package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/animus-labs/evalhub/internal/domain"
)

// Task asks a worker to execute one run.
type Task struct {
	ID         string          `json:"task_id"`
	RunID      string          `json:"run_id"`
	DatasetID  string          `json:"dataset_id,omitempty"`
	Parameters domain.Metadata `json:"parameters,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Handle identifies an accepted task.
type Handle struct {
	TaskID string `json:"task_id"`
}

type Dispatcher interface {
	Enqueue(ctx context.Context, task Task) (Handle, error)
}

// Delivery is one attempt at a task. Attempt starts at 1.
type Delivery struct {
	Task    Task
	Attempt int
}

// Handler processes a delivery. A nil return acknowledges the task; an error
// schedules a retry unless it is wrapped with Permanent or the retry ceiling
// is reached.
type Handler func(ctx context.Context, d Delivery) error

type Consumer interface {
	// Consume blocks until ctx is done, passing deliveries to h one at a
	// time. Run several Consume loops for parallelism.
	Consume(ctx context.Context, h Handler) error
}

// Queue is a dispatcher together with its consuming side.
type Queue interface {
	Dispatcher
	Consumer
	Close() error
}

var ErrClosed = errors.New("dispatch queue closed")

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
