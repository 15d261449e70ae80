package dispatch

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/animus-labs/evalhub/internal/platform/metrics"
)

type envelope struct {
	task    Task
	attempt int
}

// MemoryQueue is an in-process queue with the same retry semantics as the
// JetStream backend. Tasks are lost when the process exits.
type MemoryQueue struct {
	tasks   chan envelope
	done    chan struct{}
	policy  Policy
	logger  *zap.Logger
	metrics *metrics.Metrics

	closeOnce sync.Once
}

func NewMemoryQueue(size int, policy Policy, logger *zap.Logger, m *metrics.Metrics) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryQueue{
		tasks:   make(chan envelope, size),
		done:    make(chan struct{}),
		policy:  policy,
		logger:  logger.Named("dispatch.memory"),
		metrics: m,
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, task Task) (Handle, error) {
	if strings.TrimSpace(task.ID) == "" {
		task.ID = uuid.NewString()
	}
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now().UTC()
	}
	select {
	case <-q.done:
		q.metrics.TaskEnqueued("memory", ErrClosed)
		return Handle{}, ErrClosed
	default:
	}
	select {
	case q.tasks <- envelope{task: task, attempt: 1}:
		q.metrics.TaskEnqueued("memory", nil)
		return Handle{TaskID: task.ID}, nil
	case <-q.done:
		q.metrics.TaskEnqueued("memory", ErrClosed)
		return Handle{}, ErrClosed
	case <-ctx.Done():
		q.metrics.TaskEnqueued("memory", ctx.Err())
		return Handle{}, ctx.Err()
	}
}

func (q *MemoryQueue) Consume(ctx context.Context, h Handler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-q.done:
			return nil
		case env := <-q.tasks:
			q.deliver(ctx, h, env)
		}
	}
}

func (q *MemoryQueue) deliver(ctx context.Context, h Handler, env envelope) {
	err := h(ctx, Delivery{Task: env.task, Attempt: env.attempt})
	v, delay := q.policy.judge(err, env.attempt)
	switch v {
	case verdictAck:
	case verdictRetry:
		q.metrics.TaskRetried()
		q.logger.Warn("task failed, scheduling retry",
			zap.String("task_id", env.task.ID),
			zap.String("run_id", env.task.RunID),
			zap.Int("attempt", env.attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		next := envelope{task: env.task, attempt: env.attempt + 1}
		time.AfterFunc(delay, func() {
			select {
			case q.tasks <- next:
			case <-q.done:
			}
		})
	case verdictAbandon:
		q.metrics.TaskAbandoned()
		q.logger.Error("task abandoned",
			zap.String("task_id", env.task.ID),
			zap.String("run_id", env.task.RunID),
			zap.Int("attempt", env.attempt),
			zap.Bool("permanent", IsPermanent(err)),
			zap.Error(err),
		)
	}
}

// Close stops consumers. Retries still waiting on their delay are dropped.
func (q *MemoryQueue) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	return nil
}
