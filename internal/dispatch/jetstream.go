package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/animus-labs/evalhub/internal/platform/metrics"
)

// JetStream publishes tasks to a work-queue stream and consumes them through
// a durable pull consumer with explicit acks.
type JetStream struct {
	cfg      Config
	nc       *nats.Conn
	js       jetstream.JetStream
	consumer jetstream.Consumer
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

func NewJetStream(ctx context.Context, cfg Config, logger *zap.Logger, m *metrics.Metrics) (*JetStream, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(cfg.NATSURL, nats.Name("evalhub"))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	setupCtx, cancel := context.WithTimeout(ctx, cfg.PublishTimeout)
	defer cancel()

	stream, err := js.CreateOrUpdateStream(setupCtx, jetstream.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  []string{cfg.Subject},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create stream %s: %w", cfg.Stream, err)
	}
	consumer, err := stream.CreateOrUpdateConsumer(setupCtx, jetstream.ConsumerConfig{
		Durable:       cfg.Consumer,
		FilterSubject: cfg.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       cfg.AckWait,
		MaxDeliver:    cfg.Backoff.MaxDeliver,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create consumer %s: %w", cfg.Consumer, err)
	}

	return &JetStream{
		cfg:      cfg,
		nc:       nc,
		js:       js,
		consumer: consumer,
		logger:   logger.Named("dispatch.jetstream"),
		metrics:  m,
	}, nil
}

// Enqueue publishes the task. The task id doubles as the JetStream message
// id, so a retried publish of the same task is deduplicated by the server.
func (j *JetStream) Enqueue(ctx context.Context, task Task) (Handle, error) {
	if strings.TrimSpace(task.ID) == "" {
		task.ID = uuid.NewString()
	}
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now().UTC()
	}
	data, err := json.Marshal(task)
	if err != nil {
		return Handle{}, fmt.Errorf("marshal task: %w", err)
	}

	pubCtx, cancel := context.WithTimeout(ctx, j.cfg.PublishTimeout)
	defer cancel()
	_, err = j.js.Publish(pubCtx, j.cfg.Subject, data, jetstream.WithMsgID(task.ID))
	j.metrics.TaskEnqueued("jetstream", err)
	if err != nil {
		return Handle{}, fmt.Errorf("publish task: %w", err)
	}
	return Handle{TaskID: task.ID}, nil
}

func (j *JetStream) Consume(ctx context.Context, h Handler) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		msgs, err := j.consumer.Fetch(1, jetstream.FetchMaxWait(j.cfg.FetchWait))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			j.logger.Debug("fetch failed", zap.Error(err))
			continue
		}
		for msg := range msgs.Messages() {
			j.handle(ctx, h, msg)
		}
		if err := msgs.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, nats.ErrTimeout) {
			j.logger.Warn("message fetch error", zap.Error(err))
		}
	}
}

func (j *JetStream) handle(ctx context.Context, h Handler, msg jetstream.Msg) {
	task, err := decodeTask(msg.Data())
	if err != nil {
		j.metrics.TaskAbandoned()
		j.logger.Error("dropping malformed task", zap.Error(err))
		if err := msg.Term(); err != nil {
			j.logger.Warn("term failed", zap.Error(err))
		}
		return
	}

	attempt := 1
	if meta, err := msg.Metadata(); err == nil && meta.NumDelivered > 0 {
		attempt = int(meta.NumDelivered)
	}

	stop := j.heartbeat(ctx, msg, task)
	herr := h(ctx, Delivery{Task: task, Attempt: attempt})
	stop()
	v, delay := j.cfg.Backoff.judge(herr, attempt)
	fields := []zap.Field{
		zap.String("task_id", task.ID),
		zap.String("run_id", task.RunID),
		zap.Int("attempt", attempt),
	}
	switch v {
	case verdictAck:
		err = msg.Ack()
	case verdictRetry:
		j.metrics.TaskRetried()
		j.logger.Warn("task failed, scheduling retry", append(fields, zap.Duration("delay", delay), zap.Error(herr))...)
		err = msg.NakWithDelay(delay)
	case verdictAbandon:
		j.metrics.TaskAbandoned()
		j.logger.Error("task abandoned", append(fields, zap.Bool("permanent", IsPermanent(herr)), zap.Error(herr))...)
		err = msg.Term()
	}
	if err != nil {
		j.logger.Warn("settle message failed", append(fields, zap.String("verdict", v.String()), zap.Error(err))...)
	}
}

// heartbeat marks msg in progress every half AckWait until stop is called, so
// the server does not redeliver a task that is still executing.
func (j *JetStream) heartbeat(ctx context.Context, msg jetstream.Msg, task Task) (stop func()) {
	interval := j.cfg.AckWait / 2
	if interval <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := msg.InProgress(); err != nil {
					j.logger.Warn("extend ack deadline failed", zap.String("task_id", task.ID), zap.Error(err))
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// Ping reports whether the NATS connection is usable.
func (j *JetStream) Ping(ctx context.Context) error {
	if j == nil || j.nc == nil {
		return errors.New("nats not configured")
	}
	if !j.nc.IsConnected() {
		return fmt.Errorf("nats status: %s", j.nc.Status())
	}
	return nil
}

func (j *JetStream) Close() error {
	if j == nil || j.nc == nil {
		return nil
	}
	return j.nc.Drain()
}

func decodeTask(data []byte) (Task, error) {
	var task Task
	if err := json.Unmarshal(data, &task); err != nil {
		return Task{}, fmt.Errorf("decode task: %w", err)
	}
	if strings.TrimSpace(task.RunID) == "" {
		return Task{}, errors.New("decode task: run_id is required")
	}
	return task, nil
}
