package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/animus-labs/evalhub/internal/config"
	"github.com/animus-labs/evalhub/internal/datasource"
	"github.com/animus-labs/evalhub/internal/dispatch"
	"github.com/animus-labs/evalhub/internal/evaluator"
	"github.com/animus-labs/evalhub/internal/httpapi"
	"github.com/animus-labs/evalhub/internal/platform/auth"
	"github.com/animus-labs/evalhub/internal/platform/httpserver"
	"github.com/animus-labs/evalhub/internal/platform/logging"
	"github.com/animus-labs/evalhub/internal/platform/metrics"
	"github.com/animus-labs/evalhub/internal/platform/objectstore"
	"github.com/animus-labs/evalhub/internal/platform/postgres"
	"github.com/animus-labs/evalhub/internal/repo"
	"github.com/animus-labs/evalhub/internal/repo/memstore"
	pgstore "github.com/animus-labs/evalhub/internal/repo/postgres"
	"github.com/animus-labs/evalhub/internal/service/access"
	"github.com/animus-labs/evalhub/internal/service/catalog"
	"github.com/animus-labs/evalhub/internal/service/results"
	"github.com/animus-labs/evalhub/internal/service/runs"
	"github.com/animus-labs/evalhub/internal/watchdog"
	"github.com/animus-labs/evalhub/internal/worker"
)

// app holds the process-wide dependencies shared by every command.
type app struct {
	cfg     config.Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	store   repo.Store
	queue   dispatch.Queue
	objects objectstore.Store
	checks  []httpserver.ReadinessCheck
	closers []func() error

	runs    *runs.Service
	results *results.Service
	catalog *catalog.Service
}

func withApp(ctx context.Context, opts *rootOptions, fn func(context.Context, *app) error) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if opts.inMemory {
		cfg.Dispatch.Backend = dispatch.BackendMemory
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	a, err := newApp(ctx, cfg, opts.inMemory, logger)
	if err != nil {
		logger.Error("startup failed", zap.Error(err))
		return err
	}
	defer a.close()
	return fn(ctx, a)
}

func newApp(ctx context.Context, cfg config.Config, inMemory bool, logger *zap.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger, metrics: metrics.New()}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	if inMemory {
		logger.Warn("using in-memory storage; data is lost on exit")
		a.store = memstore.New().Repos()
	} else {
		db, err := postgres.Open(ctx, cfg.Postgres)
		if err != nil {
			return nil, fmt.Errorf("database unavailable: %w", err)
		}
		a.closers = append(a.closers, db.Close)
		a.store = pgstore.NewStore(db)
		a.checks = append(a.checks, httpserver.ReadinessCheck{Name: "postgres", Check: postgres.Ping(db, cfg.Postgres.PingTimeout)})
	}

	if cfg.ObjectStore.Enabled {
		client, err := objectstore.NewMinIOClient(cfg.ObjectStore)
		if err != nil {
			return nil, fmt.Errorf("object store: %w", err)
		}
		if err := objectstore.EnsureBucket(ctx, client, cfg.ObjectStore); err != nil {
			return nil, err
		}
		objects, err := objectstore.NewMinioStore(client, cfg.ObjectStore.BucketDatasets)
		if err != nil {
			return nil, err
		}
		a.objects = objects
		a.checks = append(a.checks, httpserver.ReadinessCheck{Name: "objectstore", Check: objectstore.CheckBucket(client, cfg.ObjectStore)})
	}

	queue, err := dispatch.New(ctx, cfg.Dispatch, logger, a.metrics)
	if err != nil {
		return nil, fmt.Errorf("dispatch: %w", err)
	}
	a.queue = queue
	a.closers = append(a.closers, queue.Close)
	if p, ok := queue.(interface{ Ping(context.Context) error }); ok {
		a.checks = append(a.checks, httpserver.ReadinessCheck{Name: "broker", Check: p.Ping})
	}
	if cfg.Dispatch.Backend == dispatch.BackendMemory && !inMemory {
		logger.Warn("memory dispatch backend only reaches workers in this process")
	}

	checker := access.NewChecker(a.store.Projects)
	a.runs = runs.New(a.store, checker, a.queue, a.metrics, logger)
	a.results = results.New(a.store, checker, a.metrics, logger)
	a.catalog = catalog.New(a.store, checker, logger)
	return a, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", zap.Error(err))
		}
	}
	a.closers = nil
}

func (a *app) serveHTTP(ctx context.Context) error {
	authenticator, err := auth.NewAuthenticator(a.cfg.Auth)
	if err != nil {
		return err
	}
	if a.cfg.Auth.Mode == auth.ModeDisabled || a.cfg.Auth.Mode == auth.ModeDev {
		a.logger.Warn("authentication is not enforced", zap.String("mode", string(a.cfg.Auth.Mode)))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", httpserver.Healthz(a.cfg.HTTP.Service))
	mux.HandleFunc("GET /readyz", httpserver.ReadyzWithChecks(a.cfg.HTTP.Service, a.checks...))
	mux.Handle("GET /metrics", a.metrics.Handler())
	httpapi.New(a.runs, a.results, a.catalog, a.logger).Register(mux)

	authn := auth.Middleware{
		Logger:        a.logger.Named("auth"),
		Authenticator: authenticator,
		SkipPrefixes:  []string{"/healthz", "/readyz", "/metrics"},
	}
	return httpserver.Run(ctx, a.logger, a.cfg.HTTP, httpserver.Wrap(a.logger, a.metrics, authn.Wrap(mux)))
}

func (a *app) runWorkers(ctx context.Context) error {
	eval, err := evaluator.New(a.cfg.Evaluator)
	if err != nil {
		return fmt.Errorf("evaluator: %w", err)
	}
	exec := worker.NewExecutor(
		a.runs,
		a.results,
		a.store.Datasets,
		datasource.NewReader(a.objects),
		eval,
		a.cfg.Worker,
		a.metrics,
		a.logger,
	)
	return worker.NewPool(a.queue, exec.Handle, a.cfg.Worker.Concurrency, a.logger).Run(ctx)
}

func (a *app) newWatchdog() *watchdog.Watchdog {
	return watchdog.New(a.store.Runs, a.runs, a.cfg.Watchdog, a.metrics, a.logger)
}

func (a *app) runWatchdog(ctx context.Context) error {
	return a.newWatchdog().Run(ctx)
}

func (a *app) sweepOnce(ctx context.Context) error {
	n, err := a.newWatchdog().Sweep(ctx)
	if err != nil {
		return err
	}
	a.logger.Info("watchdog sweep finished", zap.Int("failed_runs", n))
	return nil
}

// runAll runs every component until ctx is done or one of them fails; a
// failure stops the others.
func runAll(ctx context.Context, components ...func(context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, run := range components {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				cancel()
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}
