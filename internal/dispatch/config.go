package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/animus-labs/evalhub/internal/platform/metrics"
)

const (
	BackendMemory    = "memory"
	BackendJetStream = "jetstream"
)

type Config struct {
	Backend        string        `yaml:"backend"`
	QueueSize      int           `yaml:"queue_size"`
	NATSURL        string        `yaml:"nats_url"`
	Stream         string        `yaml:"stream"`
	Subject        string        `yaml:"subject"`
	Consumer       string        `yaml:"consumer"`
	AckWait        time.Duration `yaml:"ack_wait"`
	FetchWait      time.Duration `yaml:"fetch_wait"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
	Backoff        Policy        `yaml:"backoff"`
}

func DefaultConfig() Config {
	return Config{
		Backend:        BackendMemory,
		QueueSize:      256,
		NATSURL:        "nats://127.0.0.1:4222",
		Stream:         "EVALHUB_RUNS",
		Subject:        "evalhub.runs.execute",
		Consumer:       "evalhub-worker",
		AckWait:        30 * time.Minute,
		FetchWait:      5 * time.Second,
		PublishTimeout: 5 * time.Second,
		Backoff:        DefaultPolicy(),
	}
}

func (c Config) Validate() error {
	switch c.Backend {
	case BackendMemory:
		if c.QueueSize < 1 {
			return errors.New("dispatch queue_size must be >= 1")
		}
	case BackendJetStream:
		if strings.TrimSpace(c.NATSURL) == "" {
			return errors.New("dispatch nats_url is required")
		}
		if strings.TrimSpace(c.Stream) == "" || strings.TrimSpace(c.Subject) == "" || strings.TrimSpace(c.Consumer) == "" {
			return errors.New("dispatch stream, subject and consumer are required")
		}
		if c.AckWait <= 0 || c.FetchWait <= 0 || c.PublishTimeout <= 0 {
			return errors.New("dispatch ack_wait, fetch_wait and publish_timeout must be > 0")
		}
	default:
		return fmt.Errorf("dispatch backend must be %q or %q (got %q)", BackendMemory, BackendJetStream, c.Backend)
	}
	return c.Backoff.Validate()
}

// New builds the queue for cfg.Backend.
func New(ctx context.Context, cfg Config, logger *zap.Logger, m *metrics.Metrics) (Queue, error) {
	switch cfg.Backend {
	case BackendJetStream:
		return NewJetStream(ctx, cfg, logger, m)
	case BackendMemory:
		return NewMemoryQueue(cfg.QueueSize, cfg.Backoff, logger, m), nil
	default:
		return nil, fmt.Errorf("unknown dispatch backend %q", cfg.Backend)
	}
}
