// Package config assembles the process configuration: defaults, then an
// optional YAML file, then environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/animus-labs/evalhub/internal/dispatch"
	"github.com/animus-labs/evalhub/internal/evaluator"
	"github.com/animus-labs/evalhub/internal/platform/auth"
	"github.com/animus-labs/evalhub/internal/platform/env"
	"github.com/animus-labs/evalhub/internal/platform/httpserver"
	"github.com/animus-labs/evalhub/internal/platform/logging"
	"github.com/animus-labs/evalhub/internal/platform/objectstore"
	"github.com/animus-labs/evalhub/internal/platform/postgres"
	"github.com/animus-labs/evalhub/internal/watchdog"
	"github.com/animus-labs/evalhub/internal/worker"
)

// EnvConfigPath names the config file when no --config flag is given.
const EnvConfigPath = "EVALHUB_CONFIG"

type Config struct {
	Logging     logging.Config     `yaml:"logging"`
	HTTP        httpserver.Config  `yaml:"http"`
	Postgres    postgres.Config    `yaml:"postgres"`
	ObjectStore objectstore.Config `yaml:"objectstore"`
	Auth        auth.Config        `yaml:"auth"`
	Dispatch    dispatch.Config    `yaml:"dispatch"`
	Worker      worker.Config      `yaml:"worker"`
	Evaluator   evaluator.Config   `yaml:"evaluator"`
	Watchdog    watchdog.Config    `yaml:"watchdog"`
}

func Default() Config {
	return Config{
		Logging:     logging.DefaultConfig(),
		HTTP:        httpserver.DefaultConfig(),
		Postgres:    postgres.DefaultConfig(),
		ObjectStore: objectstore.DefaultConfig(),
		Auth:        auth.DefaultConfig(),
		Dispatch:    dispatch.DefaultConfig(),
		Worker:      worker.DefaultConfig(),
		Evaluator:   evaluator.DefaultConfig(),
		Watchdog:    watchdog.DefaultConfig(),
	}
}

// Load returns the defaults overlaid with the YAML file at path (skipped when
// path is empty) and then with environment variables. The result is
// validated.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		path = env.String(EnvConfigPath, "")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	var o env.Overlay

	o.String(&cfg.Logging.Level, "EVALHUB_LOG_LEVEL")
	o.Bool(&cfg.Logging.Development, "EVALHUB_LOG_DEVELOPMENT")

	o.String(&cfg.HTTP.Addr, "EVALHUB_HTTP_ADDR")
	o.Duration(&cfg.HTTP.ShutdownTimeout, "EVALHUB_HTTP_SHUTDOWN_TIMEOUT")

	o.String(&cfg.Postgres.URL, "DATABASE_URL")
	o.Duration(&cfg.Postgres.PingTimeout, "DATABASE_PING_TIMEOUT")
	o.Int(&cfg.Postgres.MaxOpenConns, "DATABASE_MAX_OPEN_CONNS")
	o.Int(&cfg.Postgres.MaxIdleConns, "DATABASE_MAX_IDLE_CONNS")
	o.Duration(&cfg.Postgres.ConnMaxLifetime, "DATABASE_CONN_MAX_LIFETIME")
	o.Duration(&cfg.Postgres.ConnMaxIdleTime, "DATABASE_CONN_MAX_IDLE_TIME")

	o.Bool(&cfg.ObjectStore.Enabled, "MINIO_ENABLED")
	o.String(&cfg.ObjectStore.Endpoint, "MINIO_ENDPOINT")
	o.String(&cfg.ObjectStore.AccessKey, "MINIO_ACCESS_KEY")
	o.String(&cfg.ObjectStore.SecretKey, "MINIO_SECRET_KEY")
	o.String(&cfg.ObjectStore.Region, "MINIO_REGION")
	o.Bool(&cfg.ObjectStore.UseSSL, "MINIO_USE_SSL")
	o.String(&cfg.ObjectStore.BucketDatasets, "MINIO_BUCKET_DATASETS")

	var mode string
	o.String(&mode, "AUTH_MODE")
	if mode != "" {
		m, err := auth.ParseMode(mode)
		if err != nil {
			return err
		}
		cfg.Auth.Mode = m
	}
	o.String(&cfg.Auth.GatewaySecret, "AUTH_GATEWAY_SECRET")
	o.Duration(&cfg.Auth.GatewayMaxSkew, "AUTH_GATEWAY_MAX_SKEW")
	o.String(&cfg.Auth.JWTSecret, "AUTH_JWT_SECRET")
	o.String(&cfg.Auth.JWTIssuer, "AUTH_JWT_ISSUER")
	o.String(&cfg.Auth.JWTAudience, "AUTH_JWT_AUDIENCE")
	o.String(&cfg.Auth.DevSubject, "AUTH_DEV_SUBJECT")
	o.List(&cfg.Auth.DevRoles, "AUTH_DEV_ROLES")

	o.String(&cfg.Dispatch.Backend, "EVALHUB_DISPATCH_BACKEND")
	o.Int(&cfg.Dispatch.QueueSize, "EVALHUB_DISPATCH_QUEUE_SIZE")
	o.String(&cfg.Dispatch.NATSURL, "NATS_URL")
	o.String(&cfg.Dispatch.Stream, "NATS_STREAM")
	o.String(&cfg.Dispatch.Subject, "NATS_SUBJECT")
	o.String(&cfg.Dispatch.Consumer, "NATS_CONSUMER")
	o.Duration(&cfg.Dispatch.AckWait, "NATS_ACK_WAIT")
	o.Int(&cfg.Dispatch.Backoff.MaxDeliver, "EVALHUB_DISPATCH_MAX_DELIVER")

	o.String(&cfg.Worker.ID, "EVALHUB_WORKER_ID")
	o.Int(&cfg.Worker.Concurrency, "EVALHUB_WORKER_CONCURRENCY")
	o.Int(&cfg.Worker.BatchSize, "EVALHUB_WORKER_BATCH_SIZE")
	o.Int(&cfg.Worker.MaxAttempts, "EVALHUB_WORKER_MAX_ATTEMPTS")

	o.String(&cfg.Evaluator.Provider, "EVALHUB_EVALUATOR_PROVIDER")
	o.String(&cfg.Evaluator.OpenAI.APIKey, "OPENAI_API_KEY")
	o.String(&cfg.Evaluator.OpenAI.BaseURL, "OPENAI_BASE_URL")
	o.Duration(&cfg.Evaluator.OpenAI.Timeout, "EVALHUB_EVALUATOR_TIMEOUT")

	o.String(&cfg.Watchdog.Schedule, "EVALHUB_WATCHDOG_SCHEDULE")
	o.Duration(&cfg.Watchdog.PendingTimeout, "EVALHUB_WATCHDOG_PENDING_TIMEOUT")
	o.Duration(&cfg.Watchdog.RunningTimeout, "EVALHUB_WATCHDOG_RUNNING_TIMEOUT")

	return o.Err()
}

// Validate checks every section except the evaluator, which evaluator.New
// checks when a worker starts.
func (c Config) Validate() error {
	var errs []error
	for _, section := range []struct {
		name string
		err  error
	}{
		{"logging", c.Logging.Validate()},
		{"http", c.HTTP.Validate()},
		{"postgres", c.Postgres.Validate()},
		{"objectstore", c.ObjectStore.Validate()},
		{"auth", c.Auth.Validate()},
		{"dispatch", c.Dispatch.Validate()},
		{"worker", c.Worker.Validate()},
		{"watchdog", c.Watchdog.Validate()},
	} {
		if section.err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", section.name, section.err))
		}
	}
	if c.Worker.MaxAttempts > c.Dispatch.Backoff.MaxDeliver {
		errs = append(errs, fmt.Errorf("worker: max_attempts (%d) exceeds dispatch max_deliver (%d)",
			c.Worker.MaxAttempts, c.Dispatch.Backoff.MaxDeliver))
	}
	return errors.Join(errs...)
}
