// Package worker executes queued runs: it reads the dataset, evaluates each
// row, stores results in batches and completes or fails the run.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/animus-labs/evalhub/internal/aggregate"
	"github.com/animus-labs/evalhub/internal/datasource"
	"github.com/animus-labs/evalhub/internal/dispatch"
	"github.com/animus-labs/evalhub/internal/domain"
	"github.com/animus-labs/evalhub/internal/evaluator"
	"github.com/animus-labs/evalhub/internal/platform/metrics"
	"github.com/animus-labs/evalhub/internal/platform/objectstore"
	"github.com/animus-labs/evalhub/internal/repo"
	"github.com/animus-labs/evalhub/internal/service/results"
)

// Lifecycle is the worker's view of the run state machine.
type Lifecycle interface {
	Lookup(ctx context.Context, runID string) (domain.Run, error)
	Start(ctx context.Context, runID, workerID string) (domain.Run, error)
	Complete(ctx context.Context, runID string, runMetrics domain.Metadata, actor string) (domain.Run, error)
	Fail(ctx context.Context, runID, reason, actor string) (domain.Run, error)
	Touch(ctx context.Context, runID string) error
}

type ResultSink interface {
	Store(ctx context.Context, rows []domain.Result) ([]domain.Result, error)
	CountFor(ctx context.Context, runID string) (int, error)
	Aggregate(ctx context.Context, runID string) (results.RunSummary, error)
}

type RowSource interface {
	Rows(ctx context.Context, d domain.Dataset) ([]datasource.Row, error)
}

type Config struct {
	ID          string `yaml:"id"`
	Concurrency int    `yaml:"concurrency"`
	BatchSize   int    `yaml:"batch_size"`
	// MaxAttempts is the delivery after which a transient failure fails the
	// run instead of asking for a retry. Keep it equal to the dispatch
	// ceiling.
	MaxAttempts int `yaml:"max_attempts"`
}

func DefaultConfig() Config {
	return Config{Concurrency: 4, BatchSize: 20, MaxAttempts: dispatch.DefaultPolicy().MaxDeliver}
}

func (c Config) Validate() error {
	if c.Concurrency <= 0 {
		return errors.New("worker concurrency must be > 0")
	}
	if c.BatchSize <= 0 {
		return errors.New("worker batch size must be > 0")
	}
	if c.MaxAttempts <= 0 {
		return errors.New("worker max attempts must be > 0")
	}
	return nil
}

// WorkerID returns the configured id, or host-pid when unset.
func (c Config) WorkerID() string {
	if id := strings.TrimSpace(c.ID); id != "" {
		return id
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

type Executor struct {
	runs     Lifecycle
	results  ResultSink
	datasets repo.DatasetRepository
	rows     RowSource
	eval     evaluator.Evaluator
	cfg      Config
	workerID string
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

func NewExecutor(
	runs Lifecycle,
	sink ResultSink,
	datasets repo.DatasetRepository,
	rows RowSource,
	eval evaluator.Evaluator,
	cfg Config,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		runs:     runs,
		results:  sink,
		datasets: datasets,
		rows:     rows,
		eval:     eval,
		cfg:      cfg,
		workerID: cfg.WorkerID(),
		metrics:  m,
		logger:   logger.Named("worker"),
	}
}

// errStopped ends execution when the run left the running state under us.
var errStopped = errors.New("run is no longer running")

// Handle executes one delivery. It is a dispatch.Handler.
func (e *Executor) Handle(ctx context.Context, d dispatch.Delivery) error {
	started := time.Now()
	err := e.execute(ctx, d)
	outcome := "completed"
	switch {
	case errors.Is(err, errStopped):
		outcome, err = "stopped", nil
	case dispatch.IsPermanent(err):
		outcome = "failed"
	case err != nil:
		outcome = "retry"
	}
	e.metrics.TaskFinished(outcome, time.Since(started))
	return err
}

func (e *Executor) execute(ctx context.Context, d dispatch.Delivery) error {
	log := e.logger.With(
		zap.String("run_id", d.Task.RunID),
		zap.String("task_id", d.Task.ID),
		zap.Int("attempt", d.Attempt),
	)
	run, err := e.runs.Lookup(ctx, d.Task.RunID)
	if errors.Is(err, repo.ErrNotFound) {
		log.Warn("run no longer exists, dropping task")
		return dispatch.Permanent(err)
	}
	if err != nil {
		return err
	}

	switch run.Status {
	case domain.RunStatusPending:
		run, err = e.runs.Start(ctx, run.ID, e.workerID)
		if errors.Is(err, domain.ErrInvalidTransition) {
			log.Info("run changed before start, skipping", zap.Error(err))
			return errStopped
		}
		if err != nil {
			return err
		}
	case domain.RunStatusRunning:
		log.Info("resuming running run", zap.String("previous_worker", run.WorkerID))
	default:
		log.Info("run already finished, skipping", zap.String("status", string(run.Status)))
		return errStopped
	}

	rows, err := e.loadRows(ctx, run)
	if err != nil {
		if isFinal(err) {
			return e.fail(ctx, run.ID, "dataset could not be read: "+err.Error(), err)
		}
		return e.retryOrFail(ctx, run.ID, d.Attempt, err)
	}

	done, err := e.results.CountFor(ctx, run.ID)
	if err != nil {
		return err
	}
	if done > 0 {
		log.Info("skipping rows with stored results", zap.Int("skipped", min(done, len(rows))))
	}
	if done < len(rows) {
		rows = rows[done:]
	} else {
		rows = nil
	}

	for len(rows) > 0 {
		n := min(e.cfg.BatchSize, len(rows))
		batch := rows[:n]
		rows = rows[n:]

		if err := e.stillRunning(ctx, run.ID); err != nil {
			log.Info("run stopped before batch", zap.Error(err))
			return err
		}
		out, err := e.evaluateBatch(ctx, run, batch)
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			if errors.Is(err, evaluator.ErrTransient) {
				return e.retryOrFail(ctx, run.ID, d.Attempt, err)
			}
			return e.fail(ctx, run.ID, "evaluation failed: "+err.Error(), err)
		}
		if err := e.stillRunning(ctx, run.ID); err != nil {
			log.Info("run stopped before write", zap.Error(err))
			return err
		}
		if _, err := e.results.Store(ctx, out); err != nil {
			return err
		}
		if err := e.runs.Touch(ctx, run.ID); err != nil {
			if errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, repo.ErrNotFound) {
				log.Info("run stopped after write", zap.Error(err))
				return errStopped
			}
			log.Warn("recording progress failed", zap.Error(err))
		}
	}

	summary, err := e.results.Aggregate(ctx, run.ID)
	if err != nil {
		return err
	}
	runMetrics := aggregate.Means(aggregate.Summary{Count: summary.Count, Metrics: summary.Metrics})
	runMetrics["total_items"] = summary.TotalCount
	runMetrics["scored_items"] = summary.Count
	if _, err := e.runs.Complete(ctx, run.ID, runMetrics, e.workerID); err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			log.Info("run finished elsewhere before completion", zap.Error(err))
			return errStopped
		}
		return err
	}
	log.Info("run completed", zap.Int("results", summary.TotalCount))
	return nil
}

// loadRows returns the dataset rows of a run. A run without a dataset reads
// its inputs from the "inputs" parameter, or evaluates the bare prompt once.
func (e *Executor) loadRows(ctx context.Context, run domain.Run) ([]datasource.Row, error) {
	if run.DatasetID == "" {
		return parameterRows(run.Parameters), nil
	}
	d, err := e.datasets.Get(ctx, run.DatasetID)
	if err != nil {
		return nil, err
	}
	return e.rows.Rows(ctx, d)
}

func parameterRows(params domain.Metadata) []datasource.Row {
	raw, ok := params["inputs"].([]any)
	if !ok || len(raw) == 0 {
		return []datasource.Row{{Index: 0}}
	}
	rows := make([]datasource.Row, 0, len(raw))
	for i, v := range raw {
		rows = append(rows, datasource.Row{Index: i, Input: fmt.Sprint(v)})
	}
	return rows
}

func (e *Executor) evaluateBatch(ctx context.Context, run domain.Run, batch []datasource.Row) ([]domain.Result, error) {
	out := make([]domain.Result, 0, len(batch))
	for _, row := range batch {
		res, err := e.eval.Evaluate(ctx, evaluator.Request{
			Model:      run.ModelName,
			Prompt:     run.Prompt,
			Parameters: run.Parameters,
			Input:      row.Input,
			Expected:   row.Expected,
		})
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", row.Index, err)
		}
		out = append(out, domain.Result{
			RunID:          run.ID,
			InputText:      row.Input,
			OutputText:     res.Text,
			ExpectedOutput: row.Expected,
			Metrics:        res.Metrics,
			Metadata:       domain.Metadata{"row_index": row.Index, "worker_id": e.workerID},
		})
	}
	return out, nil
}

// stillRunning returns errStopped once the run is no longer running.
func (e *Executor) stillRunning(ctx context.Context, runID string) error {
	run, err := e.runs.Lookup(ctx, runID)
	if errors.Is(err, repo.ErrNotFound) {
		return errStopped
	}
	if err != nil {
		return err
	}
	if run.Status != domain.RunStatusRunning {
		return fmt.Errorf("%w: status is %s", errStopped, run.Status)
	}
	return nil
}

// retryOrFail asks for redelivery, or fails the run on the last attempt.
func (e *Executor) retryOrFail(ctx context.Context, runID string, attempt int, err error) error {
	if attempt < e.cfg.MaxAttempts {
		return err
	}
	return e.fail(ctx, runID, fmt.Sprintf("giving up after %d attempts: %v", attempt, err), err)
}

func (e *Executor) fail(ctx context.Context, runID, reason string, cause error) error {
	_, ferr := e.runs.Fail(context.WithoutCancel(ctx), runID, reason, e.workerID)
	if ferr != nil && !errors.Is(ferr, domain.ErrInvalidTransition) {
		e.logger.Error("failing run", zap.String("run_id", runID), zap.Error(ferr))
		return ferr
	}
	return dispatch.Permanent(cause)
}

// isFinal reports errors a retry cannot fix.
func isFinal(err error) bool {
	return errors.Is(err, repo.ErrNotFound) ||
		errors.Is(err, datasource.ErrNoInputColumn) ||
		errors.Is(err, datasource.ErrMalformed) ||
		errors.Is(err, objectstore.ErrObjectNotFound)
}
