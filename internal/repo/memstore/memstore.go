// Package memstore keeps every repository in process memory. It backs the
// dev profile and the service and handler tests, and enforces the same
// lifecycle and batch rules as the postgres stores.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/evalhub/internal/domain"
	"github.com/animus-labs/evalhub/internal/platform/auditlog"
	"github.com/animus-labs/evalhub/internal/repo"
)

type Store struct {
	mu            sync.RWMutex
	now           func() time.Time
	projects      map[string]domain.Project
	collaborators map[string]map[string]domain.Collaborator
	datasets      map[string]domain.Dataset
	runs          map[string]domain.Run
	results       map[string]domain.Result
	audit         []auditlog.Event
}

func New() *Store {
	return &Store{
		now:           func() time.Time { return time.Now().UTC() },
		projects:      make(map[string]domain.Project),
		collaborators: make(map[string]map[string]domain.Collaborator),
		datasets:      make(map[string]domain.Dataset),
		runs:          make(map[string]domain.Run),
		results:       make(map[string]domain.Result),
	}
}

// Repos exposes the store through the repository interfaces.
func (s *Store) Repos() repo.Store {
	return repo.Store{
		Projects: projectRepo{s},
		Datasets: datasetRepo{s},
		Runs:     runRepo{s},
		Results:  resultRepo{s},
	}
}

// AuditEvents returns a copy of the recorded audit events in write order.
func (s *Store) AuditEvents() []auditlog.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]auditlog.Event(nil), s.audit...)
}

// SetClock replaces the time source. Tests use it to age runs.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) timestamp(t time.Time) time.Time {
	if t.IsZero() {
		return s.now().UTC()
	}
	return t.UTC()
}

func (s *Store) isMember(projectID, userID string) bool {
	p, ok := s.projects[projectID]
	if !ok {
		return false
	}
	if p.OwnerID == userID {
		return true
	}
	_, ok = s.collaborators[projectID][userID]
	return ok
}

func page[T any](items []T, skip, limit int) []T {
	if skip < 0 {
		skip = 0
	}
	if skip >= len(items) {
		return []T{}
	}
	items = items[skip:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

type projectRepo struct{ s *Store }

func (r projectRepo) Create(_ context.Context, p domain.Project) (domain.Project, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.projects {
		if existing.OwnerID == p.OwnerID && existing.Name == p.Name {
			return domain.Project{}, fmt.Errorf("%w: project %q already exists", repo.ErrConflict, p.Name)
		}
	}
	if strings.TrimSpace(p.ID) == "" {
		p.ID = uuid.NewString()
	}
	p.CreatedAt = s.timestamp(p.CreatedAt)
	p.UpdatedAt = p.CreatedAt
	s.projects[p.ID] = p
	return p, nil
}

func (r projectRepo) Get(_ context.Context, id string) (domain.Project, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	p, ok := r.s.projects[id]
	if !ok {
		return domain.Project{}, repo.NotFound("project", id)
	}
	return p, nil
}

func (r projectRepo) List(_ context.Context, f repo.ProjectFilter) ([]domain.Project, int, error) {
	s := r.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Project, 0, len(s.projects))
	for _, p := range s.projects {
		if f.MemberID != "" && !s.isMember(p.ID, f.MemberID) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return page(out, f.Skip, f.Limit), len(out), nil
}

func (r projectRepo) Update(_ context.Context, id string, name, description *string) (domain.Project, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return domain.Project{}, repo.NotFound("project", id)
	}
	if name == nil && description == nil {
		return p, nil
	}
	if name != nil {
		for _, existing := range s.projects {
			if existing.ID != id && existing.OwnerID == p.OwnerID && existing.Name == *name {
				return domain.Project{}, fmt.Errorf("%w: project name already exists", repo.ErrConflict)
			}
		}
		p.Name = *name
	}
	if description != nil {
		p.Description = *description
	}
	p.UpdatedAt = s.now().UTC()
	s.projects[id] = p
	return p, nil
}

func (r projectRepo) Delete(_ context.Context, id string) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[id]; !ok {
		return repo.NotFound("project", id)
	}
	delete(s.projects, id)
	delete(s.collaborators, id)
	for dsID, d := range s.datasets {
		if d.ProjectID == id {
			delete(s.datasets, dsID)
		}
	}
	for runID, run := range s.runs {
		if run.ProjectID == id {
			s.deleteRunLocked(runID)
		}
	}
	return nil
}

func (r projectRepo) AddCollaborator(_ context.Context, c domain.Collaborator) (domain.Collaborator, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[c.ProjectID]; !ok {
		return domain.Collaborator{}, repo.NotFound("project", c.ProjectID)
	}
	members := s.collaborators[c.ProjectID]
	if members == nil {
		members = make(map[string]domain.Collaborator)
		s.collaborators[c.ProjectID] = members
	}
	if _, exists := members[c.UserID]; exists {
		return domain.Collaborator{}, fmt.Errorf("%w: user %s already collaborates on project", repo.ErrConflict, c.UserID)
	}
	c.CreatedAt = s.timestamp(c.CreatedAt)
	members[c.UserID] = c
	return c, nil
}

func (r projectRepo) RemoveCollaborator(_ context.Context, projectID, userID string) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.collaborators[projectID][userID]; !ok {
		return repo.NotFound("collaborator", userID)
	}
	delete(s.collaborators[projectID], userID)
	return nil
}

func (r projectRepo) ListCollaborators(_ context.Context, projectID string) ([]domain.Collaborator, error) {
	s := r.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Collaborator, 0, len(s.collaborators[projectID]))
	for _, c := range s.collaborators[projectID] {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].UserID < out[j].UserID
	})
	return out, nil
}

func (r projectRepo) GetCollaborator(_ context.Context, projectID, userID string) (domain.Collaborator, error) {
	s := r.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.collaborators[projectID][userID]
	if !ok {
		return domain.Collaborator{}, repo.NotFound("collaborator", userID)
	}
	return c, nil
}

type datasetRepo struct{ s *Store }

func (r datasetRepo) Create(_ context.Context, d domain.Dataset) (domain.Dataset, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.ProjectID != "" {
		if _, ok := s.projects[d.ProjectID]; !ok {
			return domain.Dataset{}, repo.NotFound("project", d.ProjectID)
		}
	}
	if strings.TrimSpace(d.ID) == "" {
		d.ID = uuid.NewString()
	}
	d.CreatedAt = s.timestamp(d.CreatedAt)
	d.UpdatedAt = d.CreatedAt
	d.Metadata = d.Metadata.Clone().OrEmpty()
	s.datasets[d.ID] = d
	return d, nil
}

func (r datasetRepo) Get(_ context.Context, id string) (domain.Dataset, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	d, ok := r.s.datasets[id]
	if !ok {
		return domain.Dataset{}, repo.NotFound("dataset", id)
	}
	return d, nil
}

func (r datasetRepo) List(_ context.Context, f repo.DatasetFilter) ([]domain.Dataset, int, error) {
	s := r.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Dataset, 0, len(s.datasets))
	for _, d := range s.datasets {
		if f.ProjectID != "" && d.ProjectID != f.ProjectID {
			continue
		}
		if f.MemberID != "" && d.CreatedBy != f.MemberID && !s.isMember(d.ProjectID, f.MemberID) {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return page(out, f.Skip, f.Limit), len(out), nil
}

func (r datasetRepo) Update(_ context.Context, id string, name, description *string, metadata domain.Metadata) (domain.Dataset, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.datasets[id]
	if !ok {
		return domain.Dataset{}, repo.NotFound("dataset", id)
	}
	if name == nil && description == nil && metadata == nil {
		return d, nil
	}
	if name != nil {
		d.Name = *name
	}
	if description != nil {
		d.Description = *description
	}
	if metadata != nil {
		d.Metadata = metadata.Clone()
	}
	d.UpdatedAt = s.now().UTC()
	s.datasets[id] = d
	return d, nil
}

func (r datasetRepo) Delete(_ context.Context, id string) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.datasets[id]; !ok {
		return repo.NotFound("dataset", id)
	}
	delete(s.datasets, id)
	for runID, run := range s.runs {
		if run.DatasetID == id {
			run.DatasetID = ""
			s.runs[runID] = run
		}
	}
	return nil
}

type runRepo struct{ s *Store }

func (r runRepo) Create(_ context.Context, run domain.Run) (domain.Run, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[run.ProjectID]; !ok {
		return domain.Run{}, repo.NotFound("project", run.ProjectID)
	}
	if run.DatasetID != "" {
		if _, ok := s.datasets[run.DatasetID]; !ok {
			return domain.Run{}, repo.NotFound("dataset", run.DatasetID)
		}
	}
	if strings.TrimSpace(run.ID) == "" {
		run.ID = uuid.NewString()
	}
	run.CreatedAt = s.timestamp(run.CreatedAt)
	run.UpdatedAt = run.CreatedAt
	run.Status = domain.RunStatusPending
	run.Parameters = run.Parameters.Clone().OrEmpty()
	run.Metrics = nil
	run.Error = ""
	run.WorkerID = ""
	run.StartedAt = nil
	run.CompletedAt = nil
	s.runs[run.ID] = run
	return run, nil
}

func (r runRepo) Get(_ context.Context, id string) (domain.Run, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	run, ok := r.s.runs[id]
	if !ok {
		return domain.Run{}, repo.NotFound("run", id)
	}
	return run, nil
}

func (r runRepo) List(_ context.Context, f repo.RunFilter) ([]domain.Run, int, error) {
	s := r.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Run, 0, len(s.runs))
	for _, run := range s.runs {
		switch {
		case f.ProjectID != "" && run.ProjectID != f.ProjectID:
			continue
		case f.DatasetID != "" && run.DatasetID != f.DatasetID:
			continue
		case f.Status != "" && run.Status != f.Status:
			continue
		case f.MemberID != "" && !s.isMember(run.ProjectID, f.MemberID):
			continue
		}
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return page(out, f.Skip, f.Limit), len(out), nil
}

func (r runRepo) UpdateDetails(_ context.Context, id string, name, description *string) (domain.Run, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return domain.Run{}, repo.NotFound("run", id)
	}
	if name == nil && description == nil {
		return run, nil
	}
	if name != nil {
		run.Name = *name
	}
	if description != nil {
		run.Description = *description
	}
	run.UpdatedAt = s.now().UTC()
	s.runs[id] = run
	return run, nil
}

func (r runRepo) Transition(_ context.Context, t domain.RunTransition) (domain.Run, error) {
	s := r.s
	if len(t.Event.AllowedFrom()) == 0 {
		return domain.Run{}, fmt.Errorf("unknown run event %q", t.Event)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[t.RunID]
	if !ok {
		return domain.Run{}, repo.NotFound("run", t.RunID)
	}
	if !domain.CanTransition(run.Status, t.Event) {
		return domain.Run{}, &domain.TransitionError{RunID: t.RunID, Op: string(t.Event), From: run.Status}
	}
	t.At = s.timestamp(t.At)
	if t.Event == domain.RunEventComplete {
		t.Metrics = t.Metrics.OrEmpty()
	}
	run = t.Apply(run)
	s.runs[run.ID] = run

	payload := map[string]any{"status": string(run.Status)}
	if t.WorkerID != "" {
		payload["worker_id"] = t.WorkerID
	}
	if t.Error != "" {
		payload["error"] = t.Error
	}
	s.audit = append(s.audit, auditlog.Event{
		OccurredAt:   t.At,
		Actor:        t.Actor,
		Action:       t.Event.AuditAction(),
		ResourceType: "run",
		ResourceID:   run.ID,
		RequestID:    t.RequestID,
		Payload:      payload,
	}.Normalize())
	return run, nil
}

func (r runRepo) Touch(_ context.Context, id string, at time.Time) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return repo.NotFound("run", id)
	}
	if run.Status != domain.RunStatusRunning {
		return &domain.TransitionError{RunID: id, Op: "progress", From: run.Status}
	}
	if at = s.timestamp(at); at.After(run.UpdatedAt) {
		run.UpdatedAt = at
		s.runs[id] = run
	}
	return nil
}

func (r runRepo) DeleteTerminal(_ context.Context, id string) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return repo.NotFound("run", id)
	}
	if !run.Status.Terminal() {
		return &domain.TransitionError{RunID: id, Op: "delete", From: run.Status}
	}
	s.deleteRunLocked(id)
	return nil
}

func (s *Store) deleteRunLocked(id string) {
	delete(s.runs, id)
	for resID, res := range s.results {
		if res.RunID == id {
			delete(s.results, resID)
		}
	}
}

func (r runRepo) ListStale(_ context.Context, f repo.StaleRunFilter) ([]domain.Run, error) {
	s := r.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	out := make([]domain.Run, 0)
	for _, run := range s.runs {
		if run.Status == f.Status && run.UpdatedAt.Before(f.Before) {
			out = append(out, run)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return page(out, 0, limit), nil
}

type resultRepo struct{ s *Store }

func (r resultRepo) CreateBatch(_ context.Context, results []domain.Result) ([]domain.Result, error) {
	s := r.s
	if len(results) == 0 {
		return nil, fmt.Errorf("result batch is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	missing := make([]string, 0)
	seen := make(map[string]struct{})
	for _, res := range results {
		if _, ok := seen[res.RunID]; ok {
			continue
		}
		seen[res.RunID] = struct{}{}
		if _, ok := s.runs[res.RunID]; !ok {
			missing = append(missing, res.RunID)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, repo.NotFound("run", missing...)
	}

	now := s.now().UTC().Truncate(time.Microsecond)
	out := make([]domain.Result, len(results))
	for i, res := range results {
		if strings.TrimSpace(res.ID) == "" {
			res.ID = uuid.NewString()
		}
		if res.CreatedAt.IsZero() {
			res.CreatedAt = now.Add(time.Duration(i) * time.Microsecond)
		}
		res.CreatedAt = res.CreatedAt.UTC()
		res.Metrics = res.Metrics.Clone()
		res.Metadata = res.Metadata.Clone().OrEmpty()
		out[i] = res
	}
	for _, res := range out {
		s.results[res.ID] = res
	}
	return out, nil
}

func (r resultRepo) Get(_ context.Context, id string) (domain.Result, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	res, ok := r.s.results[id]
	if !ok {
		return domain.Result{}, repo.NotFound("result", id)
	}
	return res, nil
}

func (r resultRepo) List(_ context.Context, q repo.ResultQuery) ([]domain.Result, error) {
	q, err := q.Normalize()
	if err != nil {
		return nil, err
	}
	r.s.mu.RLock()
	matched := r.s.matchLocked(q)
	r.s.mu.RUnlock()

	desc := q.SortOrder == repo.SortDesc
	sort.SliceStable(matched, func(i, j int) bool {
		c := compareField(matched[i], matched[j], q.SortBy)
		if c == 0 {
			return matched[i].ID < matched[j].ID
		}
		if desc {
			return c > 0
		}
		return c < 0
	})
	return page(matched, q.Skip, q.Limit), nil
}

func (r resultRepo) Count(_ context.Context, q repo.ResultQuery) (int, error) {
	q, err := q.Normalize()
	if err != nil {
		return 0, err
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return len(r.s.matchLocked(q)), nil
}

func (r resultRepo) CountByRuns(_ context.Context, runIDs []string) (map[string]int, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := make(map[string]int, len(runIDs))
	for _, id := range runIDs {
		out[id] = 0
	}
	for _, res := range r.s.results {
		if _, ok := out[res.RunID]; ok {
			out[res.RunID]++
		}
	}
	return out, nil
}

func (r resultRepo) ListMetrics(_ context.Context, runID string) ([]domain.Metadata, error) {
	r.s.mu.RLock()
	matched := r.s.matchLocked(repo.ResultQuery{RunID: runID})
	r.s.mu.RUnlock()
	sort.SliceStable(matched, func(i, j int) bool {
		if c := compareField(matched[i], matched[j], "created_at"); c != 0 {
			return c < 0
		}
		return matched[i].ID < matched[j].ID
	})
	out := make([]domain.Metadata, 0, len(matched))
	for _, res := range matched {
		if res.Metrics != nil {
			out = append(out, res.Metrics)
		}
	}
	return out, nil
}

func (r resultRepo) Update(_ context.Context, id string, metrics, metadata domain.Metadata) (domain.Result, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.results[id]
	if !ok {
		return domain.Result{}, repo.NotFound("result", id)
	}
	if metrics != nil {
		res.Metrics = metrics.Clone()
	}
	if metadata != nil {
		res.Metadata = metadata.Clone()
	}
	s.results[id] = res
	return res, nil
}

func (r resultRepo) Delete(_ context.Context, id string) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.results[id]; !ok {
		return repo.NotFound("result", id)
	}
	delete(s.results, id)
	return nil
}

func (s *Store) matchLocked(q repo.ResultQuery) []domain.Result {
	out := make([]domain.Result, 0)
	for _, res := range s.results {
		if res.RunID != q.RunID {
			continue
		}
		if matchesFilters(res, q.Filters) {
			out = append(out, res)
		}
	}
	return out
}

func matchesFilters(res domain.Result, filters []repo.FieldFilter) bool {
	for _, f := range filters {
		hit := false
		for _, v := range f.Values {
			if fieldEquals(res, f.Field, v) {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	return true
}

func fieldEquals(res domain.Result, field, value string) bool {
	switch field {
	case "id":
		return res.ID == value
	case "input_text":
		return res.InputText == value
	case "output_text":
		return res.OutputText == value
	case "expected_output":
		return res.ExpectedOutput != nil && *res.ExpectedOutput == value
	case "created_at":
		t, err := time.Parse(time.RFC3339Nano, value)
		return err == nil && res.CreatedAt.Equal(t)
	default:
		return false
	}
}

func compareField(a, b domain.Result, field string) int {
	switch field {
	case "id":
		return strings.Compare(a.ID, b.ID)
	case "input_text":
		return strings.Compare(a.InputText, b.InputText)
	case "output_text":
		return strings.Compare(a.OutputText, b.OutputText)
	case "expected_output":
		return strings.Compare(a.ExpectedOrEmpty(), b.ExpectedOrEmpty())
	default:
		return a.CreatedAt.Compare(b.CreatedAt)
	}
}
