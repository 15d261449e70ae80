package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func startNATS(t *testing.T) string {
	t.Helper()
	ns, err := server.NewServer(&server.Options{
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
		NoLog:     true,
		NoSigs:    true,
	})
	require.NoError(t, err)
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		t.Fatal("embedded nats server did not start")
	}
	t.Cleanup(ns.Shutdown)
	return ns.ClientURL()
}

func newTestJetStream(t *testing.T, ackWait time.Duration) *JetStream {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Backend = BackendJetStream
	cfg.NATSURL = startNATS(t)
	cfg.AckWait = ackWait
	cfg.FetchWait = 200 * time.Millisecond
	cfg.Backoff = fastPolicy(3)
	require.NoError(t, cfg.Validate())

	js, err := NewJetStream(context.Background(), cfg, zap.NewNop(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = js.Close() })
	return js
}

// consumeWith runs n Consume loops until the returned stop func is called.
func consumeWith(t *testing.T, js *JetStream, n int, h Handler) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = js.Consume(ctx, h)
		}()
	}
	return func() {
		cancel()
		wg.Wait()
	}
}

func TestJetStreamLongTaskIsNotRedelivered(t *testing.T) {
	js := newTestJetStream(t, time.Second)

	var deliveries, running, maxRunning atomic.Int32
	finished := make(chan struct{}, 4)
	stop := consumeWith(t, js, 2, func(context.Context, Delivery) error {
		deliveries.Add(1)
		n := running.Add(1)
		for {
			seen := maxRunning.Load()
			if n <= seen || maxRunning.CompareAndSwap(seen, n) {
				break
			}
		}
		time.Sleep(3 * time.Second)
		running.Add(-1)
		finished <- struct{}{}
		return nil
	})
	defer stop()

	_, err := js.Enqueue(context.Background(), Task{RunID: "run-1"})
	require.NoError(t, err)

	select {
	case <-finished:
	case <-time.After(10 * time.Second):
		t.Fatal("task was not executed")
	}
	// Wait past another ack deadline to catch a late redelivery.
	time.Sleep(1500 * time.Millisecond)

	assert.Equal(t, int32(1), deliveries.Load())
	assert.Equal(t, int32(1), maxRunning.Load(), "one task never runs on two workers at once")
}

func TestJetStreamRetriesWithAttemptCount(t *testing.T) {
	js := newTestJetStream(t, 5*time.Second)

	attempts := make(chan int, 4)
	stop := consumeWith(t, js, 1, func(_ context.Context, d Delivery) error {
		attempts <- d.Attempt
		if d.Attempt == 1 {
			return errors.New("evaluator unavailable")
		}
		return nil
	})
	defer stop()

	_, err := js.Enqueue(context.Background(), Task{ID: "task-1", RunID: "run-1"})
	require.NoError(t, err)

	var got []int
	for len(got) < 2 {
		select {
		case a := <-attempts:
			got = append(got, a)
		case <-time.After(10 * time.Second):
			t.Fatalf("attempts so far: %v", got)
		}
	}
	assert.Equal(t, []int{1, 2}, got)
	select {
	case extra := <-attempts:
		t.Fatalf("unexpected delivery after ack: attempt %d", extra)
	case <-time.After(500 * time.Millisecond):
	}
}
