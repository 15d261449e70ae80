package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/animus-labs/evalhub/internal/dispatch"
	"github.com/animus-labs/evalhub/internal/domain"
	"github.com/animus-labs/evalhub/internal/platform/auth"
	"github.com/animus-labs/evalhub/internal/platform/httpserver"
	"github.com/animus-labs/evalhub/internal/repo"
	"github.com/animus-labs/evalhub/internal/repo/memstore"
	"github.com/animus-labs/evalhub/internal/service/access"
	"github.com/animus-labs/evalhub/internal/service/catalog"
	"github.com/animus-labs/evalhub/internal/service/results"
	"github.com/animus-labs/evalhub/internal/service/runs"
)

// userHeader carries the caller in tests.
type userHeader struct{}

func (userHeader) Authenticate(_ context.Context, r *http.Request) (auth.Identity, error) {
	sub := r.Header.Get("X-Test-User")
	if sub == "" {
		return auth.Identity{}, auth.ErrUnauthenticated
	}
	return auth.Identity{Subject: sub, Roles: []string{auth.RoleEditor}}, nil
}

type queue struct {
	err   error
	tasks []dispatch.Task
}

func (q *queue) Enqueue(_ context.Context, t dispatch.Task) (dispatch.Handle, error) {
	if q.err != nil {
		return dispatch.Handle{}, q.err
	}
	q.tasks = append(q.tasks, t)
	return dispatch.Handle{TaskID: "task-" + t.RunID}, nil
}

type testServer struct {
	handler http.Handler
	store   repo.Store
	queue   *queue
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store := memstore.New().Repos()
	checker := access.NewChecker(store.Projects)
	q := &queue{}
	api := New(
		runs.New(store, checker, q, nil, nil),
		results.New(store, checker, nil, nil),
		catalog.New(store, checker, nil),
		nil,
	)
	mux := http.NewServeMux()
	api.Register(mux)
	authn := auth.Middleware{Authenticator: userHeader{}}
	return &testServer{handler: httpserver.Wrap(zap.NewNop(), nil, authn.Wrap(mux)), store: store, queue: q}
}

func (s *testServer) do(t *testing.T, user, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	if user != "" {
		req.Header.Set("X-Test-User", user)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

type errorBody struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	RequestID string `json:"request_id"`
}

func (s *testServer) project(t *testing.T, user, name string) domain.Project {
	t.Helper()
	rec := s.do(t, user, http.MethodPost, "/projects", map[string]any{"name": name})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[domain.Project](t, rec)
}

func (s *testServer) run(t *testing.T, user, projectID string) domain.Run {
	t.Helper()
	rec := s.do(t, user, http.MethodPost, "/runs", map[string]any{
		"name": "baseline", "model_name": "gpt-4o-mini", "prompt": "Answer: {input}", "project_id": projectID,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[domain.Run](t, rec)
}

func TestRequiresAuthentication(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, "", http.MethodGet, "/runs", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRunLifecycle(t *testing.T) {
	s := newTestServer(t)
	p := s.project(t, "alice", "evals")
	run := s.run(t, "alice", p.ID)
	assert.Equal(t, domain.RunStatusPending, run.Status)
	require.Len(t, s.queue.tasks, 1)
	assert.Equal(t, run.ID, s.queue.tasks[0].RunID)

	rec := s.do(t, "alice", http.MethodGet, "/runs/"+run.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	details := decode[runs.Details](t, rec)
	assert.Equal(t, "evals", details.ProjectName)

	rec = s.do(t, "alice", http.MethodGet, "/runs?project_id="+p.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	listed := decode[struct {
		Items []runs.Summary `json:"items"`
		Total int            `json:"total"`
	}](t, rec)
	assert.Equal(t, 1, listed.Total)

	rec = s.do(t, "alice", http.MethodDelete, "/runs/"+run.ID, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_state", decode[errorBody](t, rec).Error)

	rec = s.do(t, "alice", http.MethodPost, "/runs/"+run.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[runs.StatusView](t, rec)
	assert.Equal(t, domain.RunStatusCancelled, status.Status)
	assert.NotNil(t, status.CompletedAt)

	rec = s.do(t, "alice", http.MethodPost, "/runs/"+run.ID+"/cancel", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode[errorBody](t, rec)
	assert.Equal(t, "invalid_state", body.Error)
	assert.Equal(t, "run cannot be cancelled: status is cancelled", body.Message)
	assert.NotEmpty(t, body.RequestID)

	rec = s.do(t, "alice", http.MethodDelete, "/runs/"+run.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = s.do(t, "alice", http.MethodGet, "/runs/"+run.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateRunErrors(t *testing.T) {
	s := newTestServer(t)
	p := s.project(t, "alice", "evals")

	rec := s.do(t, "alice", http.MethodPost, "/runs", `{"name":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_json", decode[errorBody](t, rec).Error)

	rec = s.do(t, "alice", http.MethodPost, "/runs", map[string]any{
		"name": "r", "model_name": "m", "prompt": "p", "project_id": "missing",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, "carol", http.MethodPost, "/runs", map[string]any{
		"name": "r", "model_name": "m", "prompt": "p", "project_id": p.ID,
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	s.queue.err = errors.New("nats: no responders")
	rec = s.do(t, "alice", http.MethodPost, "/runs", map[string]any{
		"name": "r", "model_name": "m", "prompt": "p", "project_id": p.ID,
	})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	out := decode[map[string]any](t, rec)
	assert.Equal(t, "dispatch_unavailable", out["error"])
	run, err := s.store.Runs.Get(context.Background(), out["run_id"].(string))
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, run.Status)
}

func TestOutsiderCannotReadRun(t *testing.T) {
	s := newTestServer(t)
	p := s.project(t, "alice", "evals")
	run := s.run(t, "alice", p.ID)

	for _, path := range []string{"/runs/" + run.ID, "/runs/" + run.ID + "/status", "/results/run/" + run.ID} {
		rec := s.do(t, "carol", http.MethodGet, path, nil)
		assert.Equal(t, http.StatusForbidden, rec.Code, path)
	}
}

func TestResults(t *testing.T) {
	s := newTestServer(t)
	p := s.project(t, "alice", "evals")
	run := s.run(t, "alice", p.ID)

	rec := s.do(t, "alice", http.MethodPost, "/results", []any{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "no_results", decode[errorBody](t, rec).Error)

	rec = s.do(t, "alice", http.MethodPost, "/results", []map[string]any{
		{"run_id": run.ID, "input_text": "a", "output_text": "x"},
		{"run_id": "ghost", "input_text": "b", "output_text": "y"},
	})
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, decode[errorBody](t, rec).Message, "ghost")

	rec = s.do(t, "alice", http.MethodPost, "/results", []map[string]any{
		{"run_id": run.ID, "input_text": "a", "output_text": "x", "metrics": map[string]any{"score": 0.8}},
		{"run_id": run.ID, "input_text": "b", "output_text": "y", "metrics": map[string]any{"score": 0.4}},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[[]domain.Result](t, rec)
	require.Len(t, created, 2)

	rec = s.do(t, "alice", http.MethodGet, "/results/run/"+run.ID+"?filter_by=%7Bbad", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_filter", decode[errorBody](t, rec).Error)

	rec = s.do(t, "alice", http.MethodGet, "/results/run/"+run.ID+"?filter_by="+url.QueryEscape(`{"created_at":"yesterday"}`), nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_filter", decode[errorBody](t, rec).Error)

	rec = s.do(t, "alice", http.MethodGet, "/results/run/"+run.ID+"?sort_by=metrics", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_sort", decode[errorBody](t, rec).Error)

	rec = s.do(t, "alice", http.MethodGet, "/results/run/"+run.ID+"?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[struct {
		Items []domain.Result `json:"items"`
		Total int             `json:"total"`
		Limit int             `json:"limit"`
	}](t, rec)
	assert.Equal(t, 2, page.Total)
	assert.Len(t, page.Items, 1)
	assert.Equal(t, 1, page.Limit)

	rec = s.do(t, "alice", http.MethodGet, "/results/run/"+run.ID+"?skip=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, "alice", http.MethodGet, "/results/run/"+run.ID+"/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	summary := decode[results.RunSummary](t, rec)
	assert.Equal(t, 2, summary.TotalCount)
	assert.InDelta(t, 0.6, summary.Metrics["score"].Mean, 1e-9)

	rec = s.do(t, "alice", http.MethodPut, "/results/"+created[0].ID, map[string]any{"metrics": map[string]any{"score": 1}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, "alice", http.MethodDelete, "/results/"+created[1].ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestResultMetricsWithExtremeValues(t *testing.T) {
	s := newTestServer(t)
	p := s.project(t, "alice", "evals")
	run := s.run(t, "alice", p.ID)

	rec := s.do(t, "alice", http.MethodPost, "/results", []map[string]any{
		{"run_id": run.ID, "input_text": "a", "output_text": "x", "metrics": map[string]any{"x": 1e308}},
		{"run_id": run.ID, "input_text": "b", "output_text": "y", "metrics": map[string]any{"x": 1e308}},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(t, "alice", http.MethodGet, "/results/run/"+run.ID+"/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Body.String())
	summary := decode[results.RunSummary](t, rec)
	assert.Equal(t, 1e308, summary.Metrics["x"].Mean)
}

func TestExport(t *testing.T) {
	s := newTestServer(t)
	p := s.project(t, "alice", "evals")
	run := s.run(t, "alice", p.ID)

	rec := s.do(t, "alice", http.MethodGet, "/runs/"+run.ID+"/export?format=csv", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "no results yet")

	rec = s.do(t, "alice", http.MethodPost, "/results", []map[string]any{
		{"run_id": run.ID, "input_text": "a", "output_text": "x", "metrics": map[string]any{"score": 0.8}},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = s.do(t, "alice", http.MethodGet,
		"/results/run/"+run.ID+"/export?format=csv&include_columns=output_text&include_columns=metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	assert.Equal(t, "attachment; filename=results_run_"+run.ID[:8]+".csv", rec.Header().Get("Content-Disposition"))
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "id,run_id,output_text,metrics.score", strings.TrimSpace(lines[0]))
	assert.True(t, strings.HasSuffix(strings.TrimSpace(lines[1]), ",x,0.8"))

	rec = s.do(t, "alice", http.MethodGet, "/runs/"+run.ID+"/export", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"metrics":{"score":0.8}`)

	rec = s.do(t, "alice", http.MethodGet, "/runs/"+run.ID+"/export?format=pdf", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "unsupported_format", decode[errorBody](t, rec).Error)
}

func TestCompare(t *testing.T) {
	s := newTestServer(t)
	p := s.project(t, "alice", "evals")
	a := s.run(t, "alice", p.ID)
	b := s.run(t, "alice", p.ID)
	for _, id := range []string{a.ID, b.ID} {
		rec := s.do(t, "alice", http.MethodPost, "/results", []map[string]any{
			{"run_id": id, "input_text": "q", "output_text": "out-" + id[:4]},
		})
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := s.do(t, "alice", http.MethodGet, "/runs/"+a.ID+"/compare/"+b.ID+"?limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	cmp := decode[results.Comparison](t, rec)
	require.Len(t, cmp.Results, 1)
	assert.Equal(t, "out-"+a.ID[:4], cmp.Results[0].Output1)
	assert.Equal(t, "out-"+b.ID[:4], cmp.Results[0].Output2)

	other := s.project(t, "alice", "other")
	c := s.run(t, "alice", other.ID)
	rec = s.do(t, "alice", http.MethodGet, "/runs/"+a.ID+"/compare/"+c.ID, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_failed", decode[errorBody](t, rec).Error)

	rec = s.do(t, "alice", http.MethodGet, "/results/compare/"+a.ID+"/"+c.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	cmp = decode[results.Comparison](t, rec)
	assert.Equal(t, c.ID, cmp.Run2.ID)
	assert.Empty(t, cmp.Results)
}

func TestUpdateDataset(t *testing.T) {
	s := newTestServer(t)
	p := s.project(t, "alice", "evals")
	rec := s.do(t, "alice", http.MethodPost, "/datasets", map[string]any{
		"project_id": p.ID, "name": "qa", "file_path": "datasets/qa.csv", "file_type": "csv",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	d := decode[domain.Dataset](t, rec)

	rec = s.do(t, "alice", http.MethodPut, "/datasets/"+d.ID, map[string]any{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "no_valid_fields", decode[errorBody](t, rec).Error)

	rec = s.do(t, "mallory", http.MethodPut, "/datasets/"+d.ID, map[string]any{"name": "x"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, "alice", http.MethodPut, "/datasets/"+d.ID, map[string]any{
		"name": "qa-v2", "description": "cleaned", "metadata": map[string]any{"version": 2},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updated := decode[domain.Dataset](t, rec)
	assert.Equal(t, "qa-v2", updated.Name)
	assert.Equal(t, "cleaned", updated.Description)
	assert.Equal(t, "datasets/qa.csv", updated.FilePath)

	rec = s.do(t, "alice", http.MethodPut, "/datasets/missing", map[string]any{"name": "x"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProjectsAndCollaborators(t *testing.T) {
	s := newTestServer(t)
	p := s.project(t, "alice", "evals")

	rec := s.do(t, "alice", http.MethodPost, "/projects", map[string]any{"name": "evals"})
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "conflict", decode[errorBody](t, rec).Error)

	rec = s.do(t, "bob", http.MethodGet, "/projects/"+p.ID, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, "alice", http.MethodPost, "/projects/"+p.ID+"/collaborators", map[string]any{"user_id": "bob", "role": "viewer"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(t, "bob", http.MethodGet, "/projects/"+p.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, "bob", http.MethodDelete, "/projects/"+p.ID, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, "alice", http.MethodDelete, "/projects/"+p.ID+"/collaborators/bob", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(t, "alice", http.MethodDelete, "/projects/"+p.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
