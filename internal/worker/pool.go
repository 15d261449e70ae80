package worker

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/animus-labs/evalhub/internal/dispatch"
)

// Pool runs Concurrency consumer loops against one queue. Each delivery is
// handled to completion by the loop that received it.
type Pool struct {
	consumer    dispatch.Consumer
	handler     dispatch.Handler
	concurrency int
	logger      *zap.Logger
}

func NewPool(consumer dispatch.Consumer, handler dispatch.Handler, concurrency int, logger *zap.Logger) *Pool {
	if concurrency <= 0 {
		concurrency = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{consumer: consumer, handler: handler, concurrency: concurrency, logger: logger.Named("worker.pool")}
}

// Run blocks until ctx is cancelled or every loop has returned. A loop that
// fails cancels the others and its error is returned.
func (p *Pool) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)
	p.logger.Info("worker pool started", zap.Int("concurrency", p.concurrency))
	for i := 0; i < p.concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			err := p.consumer.Consume(ctx, p.handler)
			if err != nil && !errors.Is(err, context.Canceled) {
				p.logger.Error("consumer loop stopped", zap.Int("slot", slot), zap.Error(err))
				once.Do(func() {
					firstErr = err
					cancel()
				})
			}
		}(i)
	}
	wg.Wait()
	p.logger.Info("worker pool stopped")
	return firstErr
}
