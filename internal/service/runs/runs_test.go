package runs

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/animus-labs/evalhub/internal/dispatch"
	"github.com/animus-labs/evalhub/internal/domain"
	"github.com/animus-labs/evalhub/internal/platform/auth"
	"github.com/animus-labs/evalhub/internal/repo"
	"github.com/animus-labs/evalhub/internal/repo/memstore"
	"github.com/animus-labs/evalhub/internal/service"
	"github.com/animus-labs/evalhub/internal/service/access"
)

type fakeDispatcher struct {
	tasks []dispatch.Task
	err   error
}

func (f *fakeDispatcher) Enqueue(_ context.Context, task dispatch.Task) (dispatch.Handle, error) {
	if f.err != nil {
		return dispatch.Handle{}, f.err
	}
	f.tasks = append(f.tasks, task)
	return dispatch.Handle{TaskID: "task-" + task.RunID}, nil
}

var (
	alice = auth.Identity{Subject: "alice"}
	bob   = auth.Identity{Subject: "bob"}
	carol = auth.Identity{Subject: "carol"}
)

type fixture struct {
	store   repo.Store
	svc     *Service
	queue   *fakeDispatcher
	project domain.Project
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memstore.New().Repos()
	queue := &fakeDispatcher{}
	p, err := store.Projects.Create(context.Background(), domain.Project{Name: "evals", OwnerID: "alice"})
	require.NoError(t, err)
	_, err = store.Projects.AddCollaborator(context.Background(), domain.Collaborator{ProjectID: p.ID, UserID: "bob", Role: domain.RoleEditor})
	require.NoError(t, err)
	return &fixture{
		store:   store,
		svc:     New(store, access.NewChecker(store.Projects), queue, nil, nil),
		queue:   queue,
		project: p,
	}
}

func (f *fixture) createRun(t *testing.T, who auth.Identity) domain.Run {
	t.Helper()
	run, err := f.svc.Create(context.Background(), who, CreateInput{
		Name:      "baseline",
		ModelName: "gpt-4o-mini",
		Prompt:    "Answer: {input}",
		ProjectID: f.project.ID,
	})
	require.NoError(t, err)
	return run
}

func TestCreateEnqueuesPendingRun(t *testing.T) {
	f := newFixture(t)
	run := f.createRun(t, alice)

	assert.Equal(t, domain.RunStatusPending, run.Status)
	assert.Equal(t, "alice", run.CreatedBy)
	assert.Equal(t, domain.Metadata{}, run.Parameters)
	require.Len(t, f.queue.tasks, 1)
	assert.Equal(t, run.ID, f.queue.tasks[0].RunID)
	assert.False(t, f.queue.tasks[0].EnqueuedAt.IsZero())
}

func TestCreateRejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	valid := CreateInput{Name: "r", ModelName: "m", Prompt: "p", ProjectID: f.project.ID}

	_, err := f.svc.Create(ctx, carol, valid)
	assert.ErrorIs(t, err, access.ErrForbidden)

	missingProject := valid
	missingProject.ProjectID = "nope"
	_, err = f.svc.Create(ctx, alice, missingProject)
	assert.ErrorIs(t, err, repo.ErrNotFound)

	missingDataset := valid
	missingDataset.DatasetID = "nope"
	_, err = f.svc.Create(ctx, alice, missingDataset)
	assert.ErrorIs(t, err, repo.ErrNotFound)

	noPrompt := valid
	noPrompt.Prompt = "  "
	_, err = f.svc.Create(ctx, alice, noPrompt)
	var ve *service.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "validation_failed", ve.Code)
	assert.Empty(t, f.queue.tasks)
}

func TestCreateFailsRunWhenDispatchUnavailable(t *testing.T) {
	f := newFixture(t)
	f.queue.err = errors.New("nats: no responders")

	run, err := f.svc.Create(context.Background(), alice, CreateInput{
		Name: "r", ModelName: "m", Prompt: "p", ProjectID: f.project.ID,
	})
	require.ErrorIs(t, err, ErrDispatchUnavailable)
	assert.Equal(t, domain.RunStatusFailed, run.Status)

	stored, err := f.store.Runs.Get(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, stored.Status)
	assert.Contains(t, stored.Error, "no responders")
}

func TestCancelTwiceNamesStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	run := f.createRun(t, alice)

	view, err := f.svc.Cancel(ctx, alice, run.ID, "req-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCancelled, view.Status)
	assert.NotNil(t, view.CompletedAt)

	_, err = f.svc.Cancel(ctx, alice, run.ID, "req-2")
	var ve *service.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "invalid_state", ve.Code)
	assert.Equal(t, "run cannot be cancelled: status is cancelled", ve.Message)
}

func TestOnlyCreatorMayChangeRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	run := f.createRun(t, alice)

	_, err := f.svc.Get(ctx, bob, run.ID)
	require.NoError(t, err)

	name := "renamed"
	_, err = f.svc.Update(ctx, bob, run.ID, UpdateInput{Name: &name})
	assert.ErrorIs(t, err, access.ErrForbidden)
	_, err = f.svc.Cancel(ctx, bob, run.ID, "")
	assert.ErrorIs(t, err, access.ErrForbidden)
	assert.ErrorIs(t, f.svc.Delete(ctx, bob, run.ID), access.ErrForbidden)

	_, err = f.svc.Get(ctx, carol, run.ID)
	assert.ErrorIs(t, err, access.ErrForbidden)

	updated, err := f.svc.Update(ctx, alice, run.ID, UpdateInput{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)

	_, err = f.svc.Update(ctx, alice, run.ID, UpdateInput{})
	var ve *service.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "no_valid_fields", ve.Code)
}

func TestDeleteRequiresTerminalStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	run := f.createRun(t, alice)

	_, err := f.svc.Start(ctx, run.ID, "worker-1")
	require.NoError(t, err)
	_, err = f.store.Results.CreateBatch(ctx, []domain.Result{{RunID: run.ID, InputText: "q"}})
	require.NoError(t, err)

	err = f.svc.Delete(ctx, alice, run.ID)
	var ve *service.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "invalid_state", ve.Code)

	_, err = f.svc.Complete(ctx, run.ID, domain.Metadata{"exact_match": 1.0}, "worker-1")
	require.NoError(t, err)
	require.NoError(t, f.svc.Delete(ctx, alice, run.ID))

	_, err = f.store.Runs.Get(ctx, run.ID)
	assert.ErrorIs(t, err, repo.ErrNotFound)
	counts, err := f.store.Results.CountByRuns(ctx, []string{run.ID})
	require.NoError(t, err)
	assert.Zero(t, counts[run.ID])
}

func TestCompleteAcceptedFromPending(t *testing.T) {
	f := newFixture(t)
	run := f.createRun(t, alice)

	done, err := f.svc.Complete(context.Background(), run.ID, nil, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, done.Status)
	assert.Equal(t, domain.Metadata{}, done.Metrics)

	_, err = f.svc.Fail(context.Background(), run.ID, "late", "worker-1")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestStatusReportsProgress(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rows := int64(4)
	d, err := f.store.Datasets.Create(ctx, domain.Dataset{
		ProjectID: f.project.ID, Name: "qa", FilePath: "datasets/qa.csv", FileType: domain.FileTypeCSV,
		RowCount: &rows, CreatedBy: "alice",
	})
	require.NoError(t, err)
	run, err := f.svc.Create(ctx, alice, CreateInput{
		Name: "r", ModelName: "m", Prompt: "p", ProjectID: f.project.ID, DatasetID: d.ID,
	})
	require.NoError(t, err)
	_, err = f.store.Results.CreateBatch(ctx, []domain.Result{{RunID: run.ID, InputText: "q"}})
	require.NoError(t, err)

	view, err := f.svc.Status(ctx, bob, run.ID)
	require.NoError(t, err)
	require.NotNil(t, view.Progress)
	assert.Equal(t, 25, *view.Progress)
	assert.Equal(t, 1, view.ResultCount)
	assert.Nil(t, view.Error)

	details, err := f.svc.Get(ctx, alice, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "evals", details.ProjectName)
	assert.Equal(t, "qa", details.DatasetName)
	assert.Equal(t, 1, details.ResultCount)
}

func TestProgress(t *testing.T) {
	n := func(v int64) *int64 { return &v }
	tests := []struct {
		name  string
		done  int
		total *int64
		want  *int
	}{
		{name: "unknown", done: 3, total: nil},
		{name: "zero rows", done: 0, total: n(0)},
		{name: "rounds", done: 2, total: n(3), want: ptr(67)},
		{name: "capped", done: 12, total: n(10), want: ptr(100)},
		{name: "none yet", done: 0, total: n(10), want: ptr(0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Progress(tt.done, tt.total))
		})
	}
}

func ptr(v int) *int { return &v }

func TestListFiltersAndCounts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.createRun(t, alice)
	f.createRun(t, bob)
	_, err := f.store.Results.CreateBatch(ctx, []domain.Result{{RunID: first.ID}, {RunID: first.ID}})
	require.NoError(t, err)
	_, err = f.svc.Cancel(ctx, alice, first.ID, "")
	require.NoError(t, err)

	all, err := f.svc.List(ctx, alice, ListInput{ProjectID: f.project.ID})
	require.NoError(t, err)
	assert.Equal(t, 2, all.Total)
	assert.Equal(t, 100, all.Limit)

	cancelled, err := f.svc.List(ctx, bob, ListInput{Status: "cancelled"})
	require.NoError(t, err)
	require.Len(t, cancelled.Items, 1)
	assert.Equal(t, first.ID, cancelled.Items[0].ID)
	assert.Equal(t, 2, cancelled.Items[0].ResultCount)

	none, err := f.svc.List(ctx, carol, ListInput{})
	require.NoError(t, err)
	assert.Zero(t, none.Total)

	_, err = f.svc.List(ctx, alice, ListInput{Status: "paused"})
	assert.ErrorIs(t, err, service.ErrValidation)
}

func TestMetricsSummarizesResults(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	run := f.createRun(t, alice)
	_, err := f.store.Results.CreateBatch(ctx, []domain.Result{
		{RunID: run.ID, Metrics: domain.Metadata{"a": 1.0, "b": 2.0}},
		{RunID: run.ID, Metrics: domain.Metadata{"a": 3.0}},
	})
	require.NoError(t, err)

	view, err := f.svc.Metrics(ctx, alice, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Metadata{}, view.Metrics)
	assert.Equal(t, 2, view.ResultMetrics.Count)
	assert.InDelta(t, 2.0, view.ResultMetrics.Metrics["a"].Mean, 1e-9)
	assert.Nil(t, view.ResultMetrics.Metrics["b"].Std)
}
