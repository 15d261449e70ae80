// Package catalog manages projects, their collaborators and dataset records.
package catalog

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/animus-labs/evalhub/internal/domain"
	"github.com/animus-labs/evalhub/internal/platform/auth"
	"github.com/animus-labs/evalhub/internal/repo"
	"github.com/animus-labs/evalhub/internal/service"
	"github.com/animus-labs/evalhub/internal/service/access"
)

type Service struct {
	store  repo.Store
	access *access.Checker
	logger *zap.Logger
}

func New(store repo.Store, checker *access.Checker, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, access: checker, logger: logger.Named("catalog")}
}

type ProjectInput struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

func (s *Service) CreateProject(ctx context.Context, who auth.Identity, in ProjectInput) (domain.Project, error) {
	p := domain.Project{
		Name:        strings.TrimSpace(in.Name),
		Description: strings.TrimSpace(in.Description),
		OwnerID:     who.Subject,
	}
	if err := p.Validate(); err != nil {
		return domain.Project{}, service.Invalid("validation_failed", "%s", err.Error())
	}
	created, err := s.store.Projects.Create(ctx, p)
	if err != nil {
		return domain.Project{}, err
	}
	s.logger.Info("project created", zap.String("project_id", created.ID), zap.String("owner", who.Subject))
	return created, nil
}

func (s *Service) GetProject(ctx context.Context, who auth.Identity, id string) (domain.Project, error) {
	return s.access.Project(ctx, who, id)
}

// ListProjects returns the projects who owns or collaborates on.
func (s *Service) ListProjects(ctx context.Context, who auth.Identity, skip, limit int) (service.Page[domain.Project], error) {
	skip, limit = service.Paging(skip, limit)
	items, total, err := s.store.Projects.List(ctx, repo.ProjectFilter{MemberID: who.Subject, Skip: skip, Limit: limit})
	if err != nil {
		return service.Page[domain.Project]{}, err
	}
	return service.Page[domain.Project]{Items: items, Total: total, Skip: skip, Limit: limit}, nil
}

type ProjectUpdate struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
}

func (s *Service) UpdateProject(ctx context.Context, who auth.Identity, id string, in ProjectUpdate) (domain.Project, error) {
	if _, err := s.access.ManageProject(ctx, who, id); err != nil {
		return domain.Project{}, err
	}
	if in.Name == nil && in.Description == nil {
		return domain.Project{}, service.Invalid("no_valid_fields", "no valid fields to update")
	}
	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		if name == "" || len(name) > 255 {
			return domain.Project{}, service.Invalid("validation_failed", "project name must be 1-255 characters")
		}
		in.Name = &name
	}
	return s.store.Projects.Update(ctx, id, in.Name, in.Description)
}

func (s *Service) DeleteProject(ctx context.Context, who auth.Identity, id string) error {
	if _, err := s.access.OwnProject(ctx, who, id); err != nil {
		return err
	}
	if err := s.store.Projects.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Info("project deleted", zap.String("project_id", id), zap.String("actor", who.Subject))
	return nil
}

type CollaboratorInput struct {
	UserID string `json:"user_id"`
	Role   string `json:"role,omitempty"`
}

func (s *Service) AddCollaborator(ctx context.Context, who auth.Identity, projectID string, in CollaboratorInput) (domain.Collaborator, error) {
	p, err := s.access.ManageProject(ctx, who, projectID)
	if err != nil {
		return domain.Collaborator{}, err
	}
	userID := strings.TrimSpace(in.UserID)
	if userID == "" {
		return domain.Collaborator{}, service.Invalid("validation_failed", "user_id is required")
	}
	if userID == p.OwnerID {
		return domain.Collaborator{}, service.Invalid("validation_failed", "the project owner cannot be added as a collaborator")
	}
	role, err := domain.ParseCollaboratorRole(in.Role)
	if err != nil {
		return domain.Collaborator{}, service.Invalid("validation_failed", "%s", err.Error())
	}
	return s.store.Projects.AddCollaborator(ctx, domain.Collaborator{ProjectID: projectID, UserID: userID, Role: role})
}

func (s *Service) RemoveCollaborator(ctx context.Context, who auth.Identity, projectID, userID string) error {
	if _, err := s.access.ManageProject(ctx, who, projectID); err != nil {
		return err
	}
	return s.store.Projects.RemoveCollaborator(ctx, projectID, userID)
}

func (s *Service) ListCollaborators(ctx context.Context, who auth.Identity, projectID string) ([]domain.Collaborator, error) {
	if _, err := s.access.Project(ctx, who, projectID); err != nil {
		return nil, err
	}
	return s.store.Projects.ListCollaborators(ctx, projectID)
}

// DatasetInput registers a dataset file that already sits in object storage.
type DatasetInput struct {
	ProjectID   string          `json:"project_id,omitempty"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	FilePath    string          `json:"file_path"`
	FileSize    int64           `json:"file_size,omitempty"`
	FileType    string          `json:"file_type"`
	RowCount    *int64          `json:"row_count,omitempty"`
	Metadata    domain.Metadata `json:"metadata,omitempty"`
}

func (s *Service) CreateDataset(ctx context.Context, who auth.Identity, in DatasetInput) (domain.Dataset, error) {
	projectID := strings.TrimSpace(in.ProjectID)
	if projectID != "" {
		if _, err := s.access.Project(ctx, who, projectID); err != nil {
			return domain.Dataset{}, err
		}
	}
	fileType, err := domain.ParseFileType(in.FileType)
	if err != nil {
		return domain.Dataset{}, service.Invalid("validation_failed", "%s", err.Error())
	}
	d := domain.Dataset{
		ProjectID:   projectID,
		Name:        strings.TrimSpace(in.Name),
		Description: strings.TrimSpace(in.Description),
		FilePath:    strings.TrimSpace(in.FilePath),
		FileSize:    in.FileSize,
		FileType:    fileType,
		RowCount:    in.RowCount,
		Metadata:    in.Metadata,
		CreatedBy:   who.Subject,
	}
	if err := d.Validate(); err != nil {
		return domain.Dataset{}, service.Invalid("validation_failed", "%s", err.Error())
	}
	return s.store.Datasets.Create(ctx, d)
}

func (s *Service) GetDataset(ctx context.Context, who auth.Identity, id string) (domain.Dataset, error) {
	d, err := s.store.Datasets.Get(ctx, id)
	if err != nil {
		return domain.Dataset{}, err
	}
	if err := s.access.Dataset(ctx, who, d); err != nil {
		return domain.Dataset{}, err
	}
	return d, nil
}

// ListDatasets lists datasets of one project, or every dataset who can see.
func (s *Service) ListDatasets(ctx context.Context, who auth.Identity, projectID string, skip, limit int) (service.Page[domain.Dataset], error) {
	skip, limit = service.Paging(skip, limit)
	filter := repo.DatasetFilter{ProjectID: strings.TrimSpace(projectID), Skip: skip, Limit: limit}
	if filter.ProjectID != "" {
		if _, err := s.access.Project(ctx, who, filter.ProjectID); err != nil {
			return service.Page[domain.Dataset]{}, err
		}
	} else {
		filter.MemberID = who.Subject
	}
	items, total, err := s.store.Datasets.List(ctx, filter)
	if err != nil {
		return service.Page[domain.Dataset]{}, err
	}
	return service.Page[domain.Dataset]{Items: items, Total: total, Skip: skip, Limit: limit}, nil
}

// DatasetUpdate changes descriptive fields of a dataset. The stored file and
// its shape are fixed once registered.
type DatasetUpdate struct {
	Name        *string         `json:"name,omitempty"`
	Description *string         `json:"description,omitempty"`
	Metadata    domain.Metadata `json:"metadata,omitempty"`
}

// UpdateDataset is restricted to the dataset's creator.
func (s *Service) UpdateDataset(ctx context.Context, who auth.Identity, id string, in DatasetUpdate) (domain.Dataset, error) {
	d, err := s.GetDataset(ctx, who, id)
	if err != nil {
		return domain.Dataset{}, err
	}
	if err := s.access.OwnDataset(who, d); err != nil {
		return domain.Dataset{}, err
	}
	if in.Name == nil && in.Description == nil && in.Metadata == nil {
		return domain.Dataset{}, service.Invalid("no_valid_fields", "no valid fields to update")
	}
	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		if name == "" || len(name) > 255 {
			return domain.Dataset{}, service.Invalid("validation_failed", "dataset name must be 1-255 characters")
		}
		in.Name = &name
	}
	if in.Description != nil {
		desc := strings.TrimSpace(*in.Description)
		in.Description = &desc
	}
	return s.store.Datasets.Update(ctx, id, in.Name, in.Description, in.Metadata)
}

func (s *Service) DeleteDataset(ctx context.Context, who auth.Identity, id string) error {
	d, err := s.store.Datasets.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.access.OwnDataset(who, d); err != nil {
		return err
	}
	return s.store.Datasets.Delete(ctx, id)
}
