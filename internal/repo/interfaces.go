package repo

import (
	"context"
	"time"

	"github.com/animus-labs/evalhub/internal/domain"
)

// ProjectRepository manages projects and their collaborators. Deleting a
// project removes its datasets and runs.
type ProjectRepository interface {
	Create(ctx context.Context, project domain.Project) (domain.Project, error)
	Get(ctx context.Context, id string) (domain.Project, error)
	List(ctx context.Context, filter ProjectFilter) ([]domain.Project, int, error)
	Update(ctx context.Context, id string, name, description *string) (domain.Project, error)
	Delete(ctx context.Context, id string) error

	AddCollaborator(ctx context.Context, c domain.Collaborator) (domain.Collaborator, error)
	RemoveCollaborator(ctx context.Context, projectID, userID string) error
	ListCollaborators(ctx context.Context, projectID string) ([]domain.Collaborator, error)
	GetCollaborator(ctx context.Context, projectID, userID string) (domain.Collaborator, error)
}

// DatasetRepository manages dataset metadata records. Deleting a dataset
// detaches it from runs.
type DatasetRepository interface {
	Create(ctx context.Context, dataset domain.Dataset) (domain.Dataset, error)
	Get(ctx context.Context, id string) (domain.Dataset, error)
	List(ctx context.Context, filter DatasetFilter) ([]domain.Dataset, int, error)
	// Update changes descriptive fields only. Nil arguments are left as they are.
	Update(ctx context.Context, id string, name, description *string, metadata domain.Metadata) (domain.Dataset, error)
	Delete(ctx context.Context, id string) error
}

// RunRepository persists runs. Transition is an atomic compare-and-set on
// the current status and records an audit event in the same transaction.
type RunRepository interface {
	Create(ctx context.Context, run domain.Run) (domain.Run, error)
	Get(ctx context.Context, id string) (domain.Run, error)
	List(ctx context.Context, filter RunFilter) ([]domain.Run, int, error)
	UpdateDetails(ctx context.Context, id string, name, description *string) (domain.Run, error)
	Transition(ctx context.Context, t domain.RunTransition) (domain.Run, error)
	// Touch moves updated_at of a running run forward to at. It fails with a
	// TransitionError when the run is not running.
	Touch(ctx context.Context, id string, at time.Time) error
	// DeleteTerminal removes a run and its results only when the run is in
	// a terminal status.
	DeleteTerminal(ctx context.Context, id string) error
	ListStale(ctx context.Context, filter StaleRunFilter) ([]domain.Run, error)
}

// ResultRepository persists result rows. Rows are only ever created in
// batches.
type ResultRepository interface {
	CreateBatch(ctx context.Context, results []domain.Result) ([]domain.Result, error)
	Get(ctx context.Context, id string) (domain.Result, error)
	List(ctx context.Context, q ResultQuery) ([]domain.Result, error)
	// Count ignores Skip and Limit.
	Count(ctx context.Context, q ResultQuery) (int, error)
	CountByRuns(ctx context.Context, runIDs []string) (map[string]int, error)
	ListMetrics(ctx context.Context, runID string) ([]domain.Metadata, error)
	Update(ctx context.Context, id string, metrics, metadata domain.Metadata) (domain.Result, error)
	Delete(ctx context.Context, id string) error
}

// Store bundles the repositories used by the services.
type Store struct {
	Projects ProjectRepository
	Datasets DatasetRepository
	Runs     RunRepository
	Results  ResultRepository
}
