// Package watchdog fails runs that have stopped making progress: pending runs
// no worker picked up and running runs whose worker vanished or whose task was
// abandoned by the dispatcher.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/animus-labs/evalhub/internal/domain"
	"github.com/animus-labs/evalhub/internal/platform/metrics"
	"github.com/animus-labs/evalhub/internal/repo"
)

const actor = "watchdog"

var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

type Config struct {
	Schedule       string        `yaml:"schedule"`
	PendingTimeout time.Duration `yaml:"pending_timeout"`
	RunningTimeout time.Duration `yaml:"running_timeout"`
	BatchLimit     int           `yaml:"batch_limit"`
}

func DefaultConfig() Config {
	return Config{
		Schedule:       "@every 1m",
		PendingTimeout: 30 * time.Minute,
		RunningTimeout: 6 * time.Hour,
		BatchLimit:     100,
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Schedule) == "" {
		return errors.New("watchdog schedule is required")
	}
	if _, err := cronParser.Parse(c.Schedule); err != nil {
		return fmt.Errorf("invalid watchdog schedule: %w", err)
	}
	if c.PendingTimeout <= 0 {
		return errors.New("watchdog pending timeout must be > 0")
	}
	if c.RunningTimeout <= 0 {
		return errors.New("watchdog running timeout must be > 0")
	}
	if c.BatchLimit <= 0 {
		return errors.New("watchdog batch limit must be > 0")
	}
	return nil
}

// Failer fails a run through the state machine.
type Failer interface {
	Fail(ctx context.Context, runID, reason, actor string) (domain.Run, error)
}

type Watchdog struct {
	runs    repo.RunRepository
	failer  Failer
	cfg     Config
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

func New(runs repo.RunRepository, failer Failer, cfg Config, m *metrics.Metrics, logger *zap.Logger) *Watchdog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watchdog{
		runs:    runs,
		failer:  failer,
		cfg:     cfg,
		metrics: m,
		logger:  logger.Named("watchdog"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Sweep fails every stale pending and running run once and returns how many
// it failed.
func (w *Watchdog) Sweep(ctx context.Context) (int, error) {
	now := w.now()
	failed := 0
	for _, target := range []struct {
		status  domain.RunStatus
		timeout time.Duration
	}{
		{domain.RunStatusPending, w.cfg.PendingTimeout},
		{domain.RunStatusRunning, w.cfg.RunningTimeout},
	} {
		stale, err := w.runs.ListStale(ctx, repo.StaleRunFilter{
			Status: target.status,
			Before: now.Add(-target.timeout),
			Limit:  w.cfg.BatchLimit,
		})
		if err != nil {
			return failed, fmt.Errorf("list stale %s runs: %w", target.status, err)
		}
		for _, run := range stale {
			reason := fmt.Sprintf("run timed out: %s without progress since %s",
				target.status, run.UpdatedAt.UTC().Format(time.RFC3339))
			if _, err := w.failer.Fail(ctx, run.ID, reason, actor); err != nil {
				if errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, repo.ErrNotFound) {
					continue
				}
				return failed, fmt.Errorf("fail stale run %s: %w", run.ID, err)
			}
			failed++
			w.metrics.StaleRunFailed()
			w.logger.Warn("stale run failed",
				zap.String("run_id", run.ID),
				zap.String("status", string(target.status)),
				zap.Time("updated_at", run.UpdatedAt),
			)
		}
	}
	return failed, nil
}

// Run sweeps on the configured schedule until ctx is cancelled. Sweeps never
// overlap.
func (w *Watchdog) Run(ctx context.Context) error {
	if err := w.cfg.Validate(); err != nil {
		return err
	}
	clog := cronLogger{w.logger.Sugar()}
	c := cron.New(
		cron.WithParser(cronParser),
		cron.WithLogger(clog),
		cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
	)
	if _, err := c.AddFunc(w.cfg.Schedule, func() {
		n, err := w.Sweep(ctx)
		if err != nil {
			w.logger.Error("watchdog sweep failed", zap.Error(err))
			return
		}
		if n > 0 {
			w.logger.Info("watchdog sweep finished", zap.Int("failed_runs", n))
		}
	}); err != nil {
		return fmt.Errorf("schedule watchdog: %w", err)
	}
	w.logger.Info("watchdog started", zap.String("schedule", w.cfg.Schedule))
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	w.logger.Info("watchdog stopped")
	return nil
}

type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
