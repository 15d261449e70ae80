// Package results serves result rows: batch ingestion, filtered listing,
// run-level summaries, pairwise comparison of two runs and file export.
package results

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/animus-labs/evalhub/internal/aggregate"
	"github.com/animus-labs/evalhub/internal/domain"
	"github.com/animus-labs/evalhub/internal/export"
	"github.com/animus-labs/evalhub/internal/platform/auth"
	"github.com/animus-labs/evalhub/internal/platform/metrics"
	"github.com/animus-labs/evalhub/internal/repo"
	"github.com/animus-labs/evalhub/internal/service"
	"github.com/animus-labs/evalhub/internal/service/access"
)

const (
	DefaultCompareLimit = 10
	MaxCompareLimit     = 100
)

type Service struct {
	store   repo.Store
	access  *access.Checker
	metrics *metrics.Metrics
	logger  *zap.Logger
}

func New(store repo.Store, checker *access.Checker, m *metrics.Metrics, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, access: checker, metrics: m, logger: logger.Named("results")}
}

// Input is one result to store.
type Input struct {
	RunID          string          `json:"run_id"`
	InputText      string          `json:"input_text"`
	OutputText     string          `json:"output_text"`
	ExpectedOutput *string         `json:"expected_output,omitempty"`
	Metrics        domain.Metadata `json:"metrics,omitempty"`
	Metadata       domain.Metadata `json:"metadata,omitempty"`
}

// CreateBatch stores results for one or more runs. Every referenced run must
// exist and be readable by who; otherwise nothing is stored.
func (s *Service) CreateBatch(ctx context.Context, who auth.Identity, in []Input) ([]domain.Result, error) {
	if len(in) == 0 {
		return nil, service.Invalid("no_results", "no results provided")
	}
	rows := make([]domain.Result, len(in))
	runIDs := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for i, item := range in {
		r := domain.Result{
			RunID:          strings.TrimSpace(item.RunID),
			InputText:      item.InputText,
			OutputText:     item.OutputText,
			ExpectedOutput: item.ExpectedOutput,
			Metrics:        item.Metrics,
			Metadata:       item.Metadata,
		}
		if err := r.Validate(); err != nil {
			return nil, service.Invalid("validation_failed", "result %d: %s", i, err.Error())
		}
		rows[i] = r
		if _, ok := seen[r.RunID]; !ok {
			seen[r.RunID] = struct{}{}
			runIDs = append(runIDs, r.RunID)
		}
	}

	// Missing runs are reported before any access check.
	var missing []string
	found := make([]domain.Run, 0, len(runIDs))
	for _, id := range runIDs {
		run, err := s.store.Runs.Get(ctx, id)
		if errors.Is(err, repo.ErrNotFound) {
			missing = append(missing, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		found = append(found, run)
	}
	if len(missing) > 0 {
		return nil, repo.NotFound("run", missing...)
	}
	for _, run := range found {
		if err := s.access.Run(ctx, who, run); err != nil {
			return nil, err
		}
	}

	created, err := s.store.Results.CreateBatch(ctx, rows)
	if err != nil {
		return nil, err
	}
	s.metrics.ResultsCreated(len(created))
	s.logger.Debug("results stored", zap.Int("count", len(created)), zap.Strings("run_ids", runIDs))
	return created, nil
}

// Store writes results produced by a worker, without an access check.
func (s *Service) Store(ctx context.Context, rows []domain.Result) ([]domain.Result, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	created, err := s.store.Results.CreateBatch(ctx, rows)
	if err != nil {
		return nil, err
	}
	s.metrics.ResultsCreated(len(created))
	return created, nil
}

// CountFor returns the number of stored results of a run.
func (s *Service) CountFor(ctx context.Context, runID string) (int, error) {
	counts, err := s.store.Results.CountByRuns(ctx, []string{runID})
	if err != nil {
		return 0, err
	}
	return counts[runID], nil
}

func (s *Service) authorizeRun(ctx context.Context, who auth.Identity, runID string) (domain.Run, error) {
	run, err := s.store.Runs.Get(ctx, runID)
	if err != nil {
		return domain.Run{}, err
	}
	if err := s.access.Run(ctx, who, run); err != nil {
		return domain.Run{}, err
	}
	return run, nil
}

// ListInput carries the raw query of a result listing. FilterBy is a JSON
// object of field to value or values.
type ListInput struct {
	RunID     string
	Skip      int
	Limit     int
	SortBy    string
	SortOrder string
	FilterBy  string
}

func (s *Service) List(ctx context.Context, who auth.Identity, in ListInput) (service.Page[domain.Result], error) {
	if _, err := s.authorizeRun(ctx, who, in.RunID); err != nil {
		return service.Page[domain.Result]{}, err
	}
	filters, err := repo.ParseResultFilters(in.FilterBy)
	if err != nil {
		return service.Page[domain.Result]{}, queryError(err)
	}
	skip, limit := service.Paging(in.Skip, in.Limit)
	q, err := repo.ResultQuery{
		RunID:     in.RunID,
		Filters:   filters,
		SortBy:    in.SortBy,
		SortOrder: repo.SortOrder(in.SortOrder),
		Skip:      skip,
		Limit:     limit,
	}.Normalize()
	if err != nil {
		return service.Page[domain.Result]{}, queryError(err)
	}
	total, err := s.store.Results.Count(ctx, q)
	if err != nil {
		return service.Page[domain.Result]{}, err
	}
	items, err := s.store.Results.List(ctx, q)
	if err != nil {
		return service.Page[domain.Result]{}, err
	}
	return service.Page[domain.Result]{Items: items, Total: total, Skip: skip, Limit: limit}, nil
}

// queryError turns a rejected filter or sort into a validation error.
func queryError(err error) error {
	var qe *repo.QueryError
	if errors.As(err, &qe) {
		code := "invalid_filter"
		if strings.HasPrefix(qe.Kind, "sort") {
			code = "invalid_sort"
		}
		return service.Invalid(code, "%s", qe.Error())
	}
	if errors.Is(err, repo.ErrInvalidQuery) {
		return service.Invalid("invalid_filter", "%s", err.Error())
	}
	return err
}

// RunSummary aggregates the per-result metrics of a run. TotalCount counts
// every result, including those without metrics.
type RunSummary struct {
	RunID      string                     `json:"run_id"`
	TotalCount int                        `json:"total_count"`
	Count      int                        `json:"count"`
	Metrics    map[string]aggregate.Stats `json:"metrics"`
}

func (s *Service) Summary(ctx context.Context, who auth.Identity, runID string) (RunSummary, error) {
	if _, err := s.authorizeRun(ctx, who, runID); err != nil {
		return RunSummary{}, err
	}
	return s.summarize(ctx, runID)
}

// Aggregate summarizes a run's results without an access check, for workers.
func (s *Service) Aggregate(ctx context.Context, runID string) (RunSummary, error) {
	return s.summarize(ctx, runID)
}

func (s *Service) summarize(ctx context.Context, runID string) (RunSummary, error) {
	items, err := s.store.Results.ListMetrics(ctx, runID)
	if err != nil {
		return RunSummary{}, err
	}
	total, err := s.CountFor(ctx, runID)
	if err != nil {
		return RunSummary{}, err
	}
	sum := aggregate.Summarize(items)
	return RunSummary{RunID: runID, TotalCount: total, Count: sum.Count, Metrics: sum.Metrics}, nil
}

// RunInfo identifies one side of a comparison.
type RunInfo struct {
	ID             string                     `json:"id"`
	Name           string                     `json:"name"`
	MetricsSummary map[string]aggregate.Stats `json:"metrics_summary"`
}

// Pair is one position of a comparison.
type Pair struct {
	InputText string          `json:"input_text"`
	Output1   string          `json:"output_1"`
	Output2   string          `json:"output_2"`
	Metrics1  domain.Metadata `json:"metrics_1"`
	Metrics2  domain.Metadata `json:"metrics_2"`
}

type Comparison struct {
	Run1    RunInfo `json:"run_1"`
	Run2    RunInfo `json:"run_2"`
	Results []Pair  `json:"results"`
}

// Compare pairs the first limit results of two readable runs by position.
// The pairing does not match inputs; the i-th result of each run is paired
// and the longer list is truncated. Runs may belong to different projects.
func (s *Service) Compare(ctx context.Context, who auth.Identity, runAID, runBID string, limit int) (Comparison, error) {
	return s.compare(ctx, who, runAID, runBID, limit, false)
}

// CompareInProject is Compare restricted to two runs of the same project.
func (s *Service) CompareInProject(ctx context.Context, who auth.Identity, runAID, runBID string, limit int) (Comparison, error) {
	return s.compare(ctx, who, runAID, runBID, limit, true)
}

func (s *Service) compare(ctx context.Context, who auth.Identity, runAID, runBID string, limit int, sameProject bool) (Comparison, error) {
	runA, err := s.authorizeRun(ctx, who, runAID)
	if err != nil {
		return Comparison{}, err
	}
	runB, err := s.authorizeRun(ctx, who, runBID)
	if err != nil {
		return Comparison{}, err
	}
	if sameProject && runA.ProjectID != runB.ProjectID {
		return Comparison{}, service.Invalid("validation_failed", "runs must belong to the same project")
	}
	limit = clampCompareLimit(limit)

	first, err := s.firstResults(ctx, runA.ID, limit)
	if err != nil {
		return Comparison{}, err
	}
	second, err := s.firstResults(ctx, runB.ID, limit)
	if err != nil {
		return Comparison{}, err
	}
	n := min(len(first), len(second))
	pairs := make([]Pair, n)
	for i := 0; i < n; i++ {
		pairs[i] = Pair{
			InputText: first[i].InputText,
			Output1:   first[i].OutputText,
			Output2:   second[i].OutputText,
			Metrics1:  first[i].Metrics.OrEmpty(),
			Metrics2:  second[i].Metrics.OrEmpty(),
		}
	}

	infoA, err := s.runInfo(ctx, runA)
	if err != nil {
		return Comparison{}, err
	}
	infoB, err := s.runInfo(ctx, runB)
	if err != nil {
		return Comparison{}, err
	}
	return Comparison{Run1: infoA, Run2: infoB, Results: pairs}, nil
}

func clampCompareLimit(limit int) int {
	if limit <= 0 {
		return DefaultCompareLimit
	}
	return min(limit, MaxCompareLimit)
}

func (s *Service) firstResults(ctx context.Context, runID string, limit int) ([]domain.Result, error) {
	q, err := repo.ResultQuery{RunID: runID, Limit: limit}.Normalize()
	if err != nil {
		return nil, err
	}
	return s.store.Results.List(ctx, q)
}

func (s *Service) runInfo(ctx context.Context, run domain.Run) (RunInfo, error) {
	items, err := s.store.Results.ListMetrics(ctx, run.ID)
	if err != nil {
		return RunInfo{}, err
	}
	return RunInfo{ID: run.ID, Name: run.DisplayName(), MetricsSummary: aggregate.Summarize(items).Metrics}, nil
}

// Export renders every result of a run. A run without results is reported
// as not found.
func (s *Service) Export(ctx context.Context, who auth.Identity, runID, format string, include []string) (export.File, error) {
	f, err := export.ParseFormat(format)
	if err != nil {
		return export.File{}, service.Invalid("unsupported_format", "%s", err.Error())
	}
	if _, err := s.authorizeRun(ctx, who, runID); err != nil {
		return export.File{}, err
	}
	q, err := repo.ResultQuery{RunID: runID}.Normalize()
	if err != nil {
		return export.File{}, err
	}
	items, err := s.store.Results.List(ctx, q)
	if err != nil {
		return export.File{}, err
	}
	if len(items) == 0 {
		return export.File{}, repo.NotFound("results for run", runID)
	}
	file, err := export.Render(runID, items, f, include)
	if err != nil {
		return export.File{}, err
	}
	s.logger.Info("results exported",
		zap.String("run_id", runID),
		zap.String("format", string(f)),
		zap.Int("rows", len(items)),
	)
	return file, nil
}

func (s *Service) Get(ctx context.Context, who auth.Identity, id string) (domain.Result, error) {
	r, err := s.store.Results.Get(ctx, id)
	if err != nil {
		return domain.Result{}, err
	}
	if _, err := s.authorizeRun(ctx, who, r.RunID); err != nil {
		return domain.Result{}, err
	}
	return r, nil
}

// UpdateInput replaces the metrics and/or metadata of a result.
type UpdateInput struct {
	Metrics  domain.Metadata `json:"metrics,omitempty"`
	Metadata domain.Metadata `json:"metadata,omitempty"`
}

func (s *Service) Update(ctx context.Context, who auth.Identity, id string, in UpdateInput) (domain.Result, error) {
	r, err := s.editable(ctx, who, id)
	if err != nil {
		return domain.Result{}, err
	}
	if in.Metrics == nil && in.Metadata == nil {
		return domain.Result{}, service.Invalid("no_valid_fields", "no valid fields to update")
	}
	return s.store.Results.Update(ctx, r.ID, in.Metrics, in.Metadata)
}

func (s *Service) Delete(ctx context.Context, who auth.Identity, id string) error {
	r, err := s.editable(ctx, who, id)
	if err != nil {
		return err
	}
	return s.store.Results.Delete(ctx, r.ID)
}

func (s *Service) editable(ctx context.Context, who auth.Identity, id string) (domain.Result, error) {
	r, err := s.store.Results.Get(ctx, id)
	if err != nil {
		return domain.Result{}, err
	}
	run, err := s.store.Runs.Get(ctx, r.RunID)
	if err != nil {
		return domain.Result{}, err
	}
	if err := s.access.EditResults(who, run); err != nil {
		return domain.Result{}, err
	}
	return r, nil
}
