package watchdog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/animus-labs/evalhub/internal/domain"
	"github.com/animus-labs/evalhub/internal/platform/metrics"
	"github.com/animus-labs/evalhub/internal/repo"
	"github.com/animus-labs/evalhub/internal/repo/memstore"
)

// storeFailer fails runs straight through the repository.
type storeFailer struct {
	runs repo.RunRepository
	err  error
}

func (f storeFailer) Fail(ctx context.Context, runID, reason, actor string) (domain.Run, error) {
	if f.err != nil {
		return domain.Run{}, f.err
	}
	return f.runs.Transition(ctx, domain.RunTransition{RunID: runID, Event: domain.RunEventFail, Error: reason, Actor: actor})
}

func TestSweepFailsStaleRuns(t *testing.T) {
	mem := memstore.New()
	store := mem.Repos()
	ctx := context.Background()
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := start
	mem.SetClock(func() time.Time { return clock })

	p, err := store.Projects.Create(ctx, domain.Project{Name: "p", OwnerID: "alice"})
	require.NoError(t, err)
	newRun := func() domain.Run {
		run, err := store.Runs.Create(ctx, domain.Run{ProjectID: p.ID, Name: "r", ModelName: "m", Prompt: "p", CreatedBy: "alice"})
		require.NoError(t, err)
		return run
	}
	stalePending := newRun()
	staleRunning := newRun()
	_, err = store.Runs.Transition(ctx, domain.RunTransition{RunID: staleRunning.ID, Event: domain.RunEventStart})
	require.NoError(t, err)
	done := newRun()
	_, err = store.Runs.Transition(ctx, domain.RunTransition{RunID: done.ID, Event: domain.RunEventComplete})
	require.NoError(t, err)

	clock = start.Add(50 * time.Minute)
	freshPending := newRun()

	m := metrics.New()
	w := New(store.Runs, storeFailer{runs: store.Runs}, Config{
		Schedule: "@every 1m", PendingTimeout: 30 * time.Minute, RunningTimeout: 45 * time.Minute, BatchLimit: 10,
	}, m, nil)
	w.now = func() time.Time { return clock }

	n, err := w.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.StaleRunsFailed))

	for id, want := range map[string]domain.RunStatus{
		stalePending.ID: domain.RunStatusFailed,
		staleRunning.ID: domain.RunStatusFailed,
		done.ID:         domain.RunStatusCompleted,
		freshPending.ID: domain.RunStatusPending,
	} {
		run, err := store.Runs.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, run.Status, id)
	}
	run, err := store.Runs.Get(ctx, staleRunning.ID)
	require.NoError(t, err)
	assert.Contains(t, run.Error, "run timed out: running without progress since 2024-05-01T12:00:00Z")

	n, err = w.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSweepSparesRunsReportingProgress(t *testing.T) {
	mem := memstore.New()
	store := mem.Repos()
	ctx := context.Background()
	start := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	mem.SetClock(func() time.Time { return start })

	p, err := store.Projects.Create(ctx, domain.Project{Name: "p", OwnerID: "alice"})
	require.NoError(t, err)
	run, err := store.Runs.Create(ctx, domain.Run{ProjectID: p.ID, Name: "r", ModelName: "m", Prompt: "p", CreatedBy: "alice"})
	require.NoError(t, err)
	_, err = store.Runs.Transition(ctx, domain.RunTransition{RunID: run.ID, Event: domain.RunEventStart})
	require.NoError(t, err)

	last := start
	for at := start.Add(time.Minute); at.Before(start.Add(7 * time.Hour)); at = at.Add(time.Minute) {
		require.NoError(t, store.Runs.Touch(ctx, run.ID, at))
		last = at
	}

	cfg := DefaultConfig()
	clock := last
	w := New(store.Runs, storeFailer{runs: store.Runs}, cfg, nil, nil)
	w.now = func() time.Time { return clock }

	n, err := w.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "a run that keeps storing results is not stale")

	clock = last.Add(cfg.RunningTimeout + time.Minute)
	n, err = w.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, err := store.Runs.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Contains(t, got.Error, "without progress since "+last.Format(time.RFC3339))

	err = store.Runs.Touch(ctx, run.ID, clock)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestSweepSkipsRunsThatRaced(t *testing.T) {
	mem := memstore.New()
	store := mem.Repos()
	ctx := context.Background()
	p, err := store.Projects.Create(ctx, domain.Project{Name: "p", OwnerID: "alice"})
	require.NoError(t, err)
	_, err = store.Runs.Create(ctx, domain.Run{ProjectID: p.ID, Name: "r", ModelName: "m", Prompt: "p", CreatedBy: "alice"})
	require.NoError(t, err)

	w := New(store.Runs, storeFailer{err: &domain.TransitionError{RunID: "x", Op: "fail", From: domain.RunStatusCancelled}}, DefaultConfig(), nil, nil)
	w.now = func() time.Time { return time.Now().Add(time.Hour) }
	n, err := w.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	w = New(store.Runs, storeFailer{err: errors.New("db down")}, DefaultConfig(), nil, nil)
	w.now = func() time.Time { return time.Now().Add(time.Hour) }
	_, err = w.Sweep(ctx)
	assert.ErrorContains(t, err, "db down")
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	cfg := DefaultConfig()
	cfg.Schedule = "every minute"
	assert.Error(t, cfg.Validate())
	cfg = DefaultConfig()
	cfg.Schedule = "*/30 * * * * *"
	assert.NoError(t, cfg.Validate())
	cfg.RunningTimeout = 0
	assert.Error(t, cfg.Validate())
}

func TestRunStopsWithContext(t *testing.T) {
	store := memstore.New().Repos()
	w := New(store.Runs, storeFailer{runs: store.Runs}, DefaultConfig(), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watchdog did not stop")
	}
}
