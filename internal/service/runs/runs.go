// Package runs owns the run lifecycle: creation and dispatch, reads with
// progress, user-driven cancel/delete and the worker-driven start, complete
// and fail transitions.
package runs

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/animus-labs/evalhub/internal/aggregate"
	"github.com/animus-labs/evalhub/internal/dispatch"
	"github.com/animus-labs/evalhub/internal/domain"
	"github.com/animus-labs/evalhub/internal/platform/auth"
	"github.com/animus-labs/evalhub/internal/platform/metrics"
	"github.com/animus-labs/evalhub/internal/repo"
	"github.com/animus-labs/evalhub/internal/service"
	"github.com/animus-labs/evalhub/internal/service/access"
)

// ErrDispatchUnavailable means the run was stored but could not be queued; the
// run has been marked failed.
var ErrDispatchUnavailable = errors.New("dispatch unavailable")

type Service struct {
	store      repo.Store
	access     *access.Checker
	dispatcher dispatch.Dispatcher
	metrics    *metrics.Metrics
	logger     *zap.Logger
	now        func() time.Time
}

func New(store repo.Store, checker *access.Checker, dispatcher dispatch.Dispatcher, m *metrics.Metrics, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:      store,
		access:     checker,
		dispatcher: dispatcher,
		metrics:    m,
		logger:     logger.Named("runs"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

type CreateInput struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	ModelName   string          `json:"model_name"`
	Prompt      string          `json:"prompt"`
	Parameters  domain.Metadata `json:"parameters,omitempty"`
	ProjectID   string          `json:"project_id"`
	DatasetID   string          `json:"dataset_id,omitempty"`
}

// Create stores a pending run and queues it for execution. If queueing fails
// the run is failed and ErrDispatchUnavailable is returned with it.
func (s *Service) Create(ctx context.Context, who auth.Identity, in CreateInput) (domain.Run, error) {
	run := domain.Run{
		ProjectID:   strings.TrimSpace(in.ProjectID),
		DatasetID:   strings.TrimSpace(in.DatasetID),
		Name:        strings.TrimSpace(in.Name),
		Description: strings.TrimSpace(in.Description),
		ModelName:   strings.TrimSpace(in.ModelName),
		Prompt:      in.Prompt,
		Parameters:  in.Parameters.OrEmpty(),
		CreatedBy:   who.Subject,
	}
	if err := run.Validate(); err != nil {
		return domain.Run{}, service.Invalid("validation_failed", "%s", err.Error())
	}
	if _, err := s.access.Project(ctx, who, run.ProjectID); err != nil {
		return domain.Run{}, err
	}
	if run.DatasetID != "" {
		d, err := s.store.Datasets.Get(ctx, run.DatasetID)
		if err != nil {
			return domain.Run{}, err
		}
		if err := s.access.Dataset(ctx, who, d); err != nil {
			return domain.Run{}, err
		}
	}

	created, err := s.store.Runs.Create(ctx, run)
	if err != nil {
		return domain.Run{}, err
	}
	s.logger.Info("run created",
		zap.String("run_id", created.ID),
		zap.String("project_id", created.ProjectID),
		zap.String("model", created.ModelName),
		zap.String("created_by", created.CreatedBy),
	)

	handle, err := s.dispatcher.Enqueue(ctx, dispatch.Task{
		RunID:      created.ID,
		DatasetID:  created.DatasetID,
		Parameters: created.Parameters,
		EnqueuedAt: s.now(),
	})
	if err != nil {
		s.logger.Error("enqueue run failed", zap.String("run_id", created.ID), zap.Error(err))
		failed, ferr := s.transition(context.WithoutCancel(ctx), domain.RunTransition{
			RunID: created.ID,
			Event: domain.RunEventFail,
			Error: "dispatch failed: " + err.Error(),
			Actor: who.Subject,
		})
		if ferr == nil {
			created = failed
		}
		return created, fmt.Errorf("%w: %v", ErrDispatchUnavailable, err)
	}
	s.logger.Debug("run enqueued", zap.String("run_id", created.ID), zap.String("task_id", handle.TaskID))
	return created, nil
}

// Details is a run together with the names of its project and dataset and
// its current result count.
type Details struct {
	domain.Run
	ProjectName string `json:"project_name,omitempty"`
	DatasetName string `json:"dataset_name,omitempty"`
	ResultCount int    `json:"result_count"`
}

// Authorize loads a run and checks that who may read it.
func (s *Service) Authorize(ctx context.Context, who auth.Identity, id string) (domain.Run, error) {
	run, err := s.store.Runs.Get(ctx, id)
	if err != nil {
		return domain.Run{}, err
	}
	if err := s.access.Run(ctx, who, run); err != nil {
		return domain.Run{}, err
	}
	return run, nil
}

func (s *Service) Get(ctx context.Context, who auth.Identity, id string) (Details, error) {
	run, err := s.Authorize(ctx, who, id)
	if err != nil {
		return Details{}, err
	}
	out := Details{Run: run}
	if p, err := s.store.Projects.Get(ctx, run.ProjectID); err == nil {
		out.ProjectName = p.Name
	} else if !errors.Is(err, repo.ErrNotFound) {
		return Details{}, err
	}
	if run.DatasetID != "" {
		if d, err := s.store.Datasets.Get(ctx, run.DatasetID); err == nil {
			out.DatasetName = d.Name
		} else if !errors.Is(err, repo.ErrNotFound) {
			return Details{}, err
		}
	}
	counts, err := s.store.Results.CountByRuns(ctx, []string{run.ID})
	if err != nil {
		return Details{}, err
	}
	out.ResultCount = counts[run.ID]
	return out, nil
}

type ListInput struct {
	ProjectID string
	DatasetID string
	Status    string
	Skip      int
	Limit     int
}

// Summary is a run list item.
type Summary struct {
	domain.Run
	ResultCount int `json:"result_count"`
}

func (s *Service) List(ctx context.Context, who auth.Identity, in ListInput) (service.Page[Summary], error) {
	skip, limit := service.Paging(in.Skip, in.Limit)
	filter := repo.RunFilter{
		ProjectID: strings.TrimSpace(in.ProjectID),
		DatasetID: strings.TrimSpace(in.DatasetID),
		Skip:      skip,
		Limit:     limit,
	}
	if raw := strings.TrimSpace(in.Status); raw != "" {
		st, err := domain.ParseRunStatus(raw)
		if err != nil {
			return service.Page[Summary]{}, service.Invalid("validation_failed", "%s", err.Error())
		}
		filter.Status = st
	}
	if filter.ProjectID != "" {
		if _, err := s.access.Project(ctx, who, filter.ProjectID); err != nil {
			return service.Page[Summary]{}, err
		}
	} else {
		filter.MemberID = who.Subject
	}
	if filter.DatasetID != "" {
		d, err := s.store.Datasets.Get(ctx, filter.DatasetID)
		if err != nil {
			return service.Page[Summary]{}, err
		}
		if err := s.access.Dataset(ctx, who, d); err != nil {
			return service.Page[Summary]{}, err
		}
	}

	items, total, err := s.store.Runs.List(ctx, filter)
	if err != nil {
		return service.Page[Summary]{}, err
	}
	ids := make([]string, len(items))
	for i, r := range items {
		ids[i] = r.ID
	}
	counts, err := s.store.Results.CountByRuns(ctx, ids)
	if err != nil {
		return service.Page[Summary]{}, err
	}
	out := make([]Summary, len(items))
	for i, r := range items {
		out[i] = Summary{Run: r, ResultCount: counts[r.ID]}
	}
	return service.Page[Summary]{Items: out, Total: total, Skip: skip, Limit: limit}, nil
}

type UpdateInput struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
}

func (s *Service) Update(ctx context.Context, who auth.Identity, id string, in UpdateInput) (domain.Run, error) {
	run, err := s.Authorize(ctx, who, id)
	if err != nil {
		return domain.Run{}, err
	}
	if err := s.access.OwnRun(who, run, "update"); err != nil {
		return domain.Run{}, err
	}
	if in.Name == nil && in.Description == nil {
		return domain.Run{}, service.Invalid("no_valid_fields", "no valid fields to update")
	}
	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		if name == "" || len(name) > 255 {
			return domain.Run{}, service.Invalid("validation_failed", "run name must be 1-255 characters")
		}
		in.Name = &name
	}
	return s.store.Runs.UpdateDetails(ctx, id, in.Name, in.Description)
}

// StatusView reports where a run is in its lifecycle. Progress is nil when
// the dataset row count is unknown.
type StatusView struct {
	RunID       string           `json:"run_id"`
	Status      domain.RunStatus `json:"status"`
	Progress    *int             `json:"progress"`
	ResultCount int              `json:"result_count"`
	StartedAt   *time.Time       `json:"started_at"`
	CompletedAt *time.Time       `json:"completed_at"`
	Error       *string          `json:"error"`
}

func (s *Service) Status(ctx context.Context, who auth.Identity, id string) (StatusView, error) {
	run, err := s.Authorize(ctx, who, id)
	if err != nil {
		return StatusView{}, err
	}
	return s.statusOf(ctx, run)
}

func (s *Service) statusOf(ctx context.Context, run domain.Run) (StatusView, error) {
	counts, err := s.store.Results.CountByRuns(ctx, []string{run.ID})
	if err != nil {
		return StatusView{}, err
	}
	view := StatusView{
		RunID:       run.ID,
		Status:      run.Status,
		ResultCount: counts[run.ID],
		StartedAt:   run.StartedAt,
		CompletedAt: run.CompletedAt,
	}
	if run.Error != "" {
		msg := run.Error
		view.Error = &msg
	}
	if run.DatasetID != "" {
		d, err := s.store.Datasets.Get(ctx, run.DatasetID)
		switch {
		case err == nil:
			view.Progress = Progress(view.ResultCount, d.RowCount)
		case !errors.Is(err, repo.ErrNotFound):
			return StatusView{}, err
		}
	}
	return view, nil
}

// Progress returns min(100, round(100*done/total)), or nil when total is
// unknown or zero.
func Progress(done int, total *int64) *int {
	if total == nil || *total <= 0 {
		return nil
	}
	pct := int(math.Round(100 * float64(done) / float64(*total)))
	pct = min(pct, 100)
	return &pct
}

// MetricsView is the run-level metrics map next to the aggregate of its
// per-result metrics.
type MetricsView struct {
	RunID         string            `json:"run_id"`
	Status        domain.RunStatus  `json:"status"`
	Metrics       domain.Metadata   `json:"metrics"`
	ResultMetrics aggregate.Summary `json:"result_metrics"`
}

func (s *Service) Metrics(ctx context.Context, who auth.Identity, id string) (MetricsView, error) {
	run, err := s.Authorize(ctx, who, id)
	if err != nil {
		return MetricsView{}, err
	}
	items, err := s.store.Results.ListMetrics(ctx, run.ID)
	if err != nil {
		return MetricsView{}, err
	}
	return MetricsView{
		RunID:         run.ID,
		Status:        run.Status,
		Metrics:       run.Metrics.OrEmpty(),
		ResultMetrics: aggregate.Summarize(items),
	}, nil
}

func (s *Service) Cancel(ctx context.Context, who auth.Identity, id string, requestID string) (StatusView, error) {
	run, err := s.Authorize(ctx, who, id)
	if err != nil {
		return StatusView{}, err
	}
	if err := s.access.OwnRun(who, run, "cancel"); err != nil {
		return StatusView{}, err
	}
	cancelled, err := s.transition(ctx, domain.RunTransition{
		RunID:     id,
		Event:     domain.RunEventCancel,
		Actor:     who.Subject,
		RequestID: requestID,
	})
	if err != nil {
		var te *domain.TransitionError
		if errors.As(err, &te) {
			return StatusView{}, service.Invalid("invalid_state", "run cannot be cancelled: status is %s", te.From)
		}
		return StatusView{}, err
	}
	return s.statusOf(ctx, cancelled)
}

// Delete removes a terminal run and its results.
func (s *Service) Delete(ctx context.Context, who auth.Identity, id string) error {
	run, err := s.Authorize(ctx, who, id)
	if err != nil {
		return err
	}
	if err := s.access.OwnRun(who, run, "delete"); err != nil {
		return err
	}
	if err := s.store.Runs.DeleteTerminal(ctx, id); err != nil {
		var te *domain.TransitionError
		if errors.As(err, &te) {
			return service.Invalid("invalid_state",
				"cannot delete a run that is not in a terminal state (completed/failed/cancelled): status is %s", te.From)
		}
		return err
	}
	s.logger.Info("run deleted", zap.String("run_id", id), zap.String("actor", who.Subject))
	return nil
}

// Start moves a pending run to running on behalf of a worker.
func (s *Service) Start(ctx context.Context, runID, workerID string) (domain.Run, error) {
	return s.transition(ctx, domain.RunTransition{RunID: runID, Event: domain.RunEventStart, WorkerID: workerID, Actor: workerID})
}

func (s *Service) Complete(ctx context.Context, runID string, runMetrics domain.Metadata, actor string) (domain.Run, error) {
	return s.transition(ctx, domain.RunTransition{RunID: runID, Event: domain.RunEventComplete, Metrics: runMetrics.OrEmpty(), Actor: actor})
}

func (s *Service) Fail(ctx context.Context, runID, reason, actor string) (domain.Run, error) {
	return s.transition(ctx, domain.RunTransition{RunID: runID, Event: domain.RunEventFail, Error: reason, Actor: actor})
}

// Touch records that a running run made progress, so the watchdog measures
// staleness from the latest stored batch.
func (s *Service) Touch(ctx context.Context, runID string) error {
	return s.store.Runs.Touch(ctx, runID, s.now())
}

// Lookup reads a run without an access check, for workers.
func (s *Service) Lookup(ctx context.Context, runID string) (domain.Run, error) {
	return s.store.Runs.Get(ctx, runID)
}

func (s *Service) transition(ctx context.Context, t domain.RunTransition) (domain.Run, error) {
	if t.At.IsZero() {
		t.At = s.now()
	}
	run, err := s.store.Runs.Transition(ctx, t)
	if err != nil {
		s.logger.Debug("run transition rejected",
			zap.String("run_id", t.RunID),
			zap.String("event", string(t.Event)),
			zap.Error(err),
		)
		return domain.Run{}, err
	}
	s.metrics.RunTransition(string(t.Event), string(run.Status))
	fields := []zap.Field{
		zap.String("run_id", run.ID),
		zap.String("event", string(t.Event)),
		zap.String("status", string(run.Status)),
	}
	if t.Error != "" {
		fields = append(fields, zap.String("error", t.Error))
	}
	s.logger.Info("run transitioned", fields...)
	return run, nil
}
