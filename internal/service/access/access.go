// Package access decides who may read or change projects, datasets, runs and
// results. Readers are the project owner and its collaborators; the creator of
// a run or dataset may always read it.
package access

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/animus-labs/evalhub/internal/domain"
	"github.com/animus-labs/evalhub/internal/platform/auth"
	"github.com/animus-labs/evalhub/internal/repo"
)

var ErrForbidden = errors.New("forbidden")

func forbidden(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrForbidden}, args...)...)
}

type Checker struct {
	projects repo.ProjectRepository
}

func NewChecker(projects repo.ProjectRepository) *Checker {
	return &Checker{projects: projects}
}

// IsMember reports whether userID owns or collaborates on the project.
func (c *Checker) IsMember(ctx context.Context, projectID, userID string) (bool, error) {
	if strings.TrimSpace(projectID) == "" || strings.TrimSpace(userID) == "" {
		return false, nil
	}
	p, err := c.projects.Get(ctx, projectID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if p.OwnerID == userID {
		return true, nil
	}
	return c.isCollaborator(ctx, projectID, userID)
}

func (c *Checker) isCollaborator(ctx context.Context, projectID, userID string) (bool, error) {
	_, err := c.projects.GetCollaborator(ctx, projectID, userID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, repo.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// Project loads the project and checks that who may read it.
func (c *Checker) Project(ctx context.Context, who auth.Identity, projectID string) (domain.Project, error) {
	p, err := c.projects.Get(ctx, projectID)
	if err != nil {
		return domain.Project{}, err
	}
	if p.OwnerID == who.Subject {
		return p, nil
	}
	ok, err := c.isCollaborator(ctx, projectID, who.Subject)
	if err != nil {
		return domain.Project{}, err
	}
	if !ok {
		return domain.Project{}, forbidden("not enough permissions to access this project")
	}
	return p, nil
}

// ManageProject checks that who may edit the project or its collaborators:
// the owner or an admin collaborator.
func (c *Checker) ManageProject(ctx context.Context, who auth.Identity, projectID string) (domain.Project, error) {
	p, err := c.projects.Get(ctx, projectID)
	if err != nil {
		return domain.Project{}, err
	}
	if p.OwnerID == who.Subject {
		return p, nil
	}
	collab, err := c.projects.GetCollaborator(ctx, projectID, who.Subject)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return domain.Project{}, err
	}
	if err == nil && collab.Role == domain.RoleAdmin {
		return p, nil
	}
	return domain.Project{}, forbidden("not enough permissions to manage this project")
}

// OwnProject checks that who owns the project.
func (c *Checker) OwnProject(ctx context.Context, who auth.Identity, projectID string) (domain.Project, error) {
	p, err := c.projects.Get(ctx, projectID)
	if err != nil {
		return domain.Project{}, err
	}
	if p.OwnerID != who.Subject {
		return domain.Project{}, forbidden("only the project owner can do this")
	}
	return p, nil
}

func (c *Checker) Dataset(ctx context.Context, who auth.Identity, d domain.Dataset) error {
	if d.CreatedBy == who.Subject {
		return nil
	}
	ok, err := c.IsMember(ctx, d.ProjectID, who.Subject)
	if err != nil {
		return err
	}
	if !ok {
		return forbidden("not enough permissions to use this dataset")
	}
	return nil
}

func (c *Checker) Run(ctx context.Context, who auth.Identity, run domain.Run) error {
	if run.CreatedBy == who.Subject {
		return nil
	}
	ok, err := c.IsMember(ctx, run.ProjectID, who.Subject)
	if err != nil {
		return err
	}
	if !ok {
		return forbidden("not enough permissions to access this run")
	}
	return nil
}

// OwnRun checks that who created the run. Updating, cancelling and deleting a
// run are reserved to its creator.
func (c *Checker) OwnRun(who auth.Identity, run domain.Run, action string) error {
	if run.CreatedBy != who.Subject {
		return forbidden("not enough permissions to %s this run", action)
	}
	return nil
}

// EditResults checks that who may change results of run: its creator or a
// platform admin.
func (c *Checker) EditResults(who auth.Identity, run domain.Run) error {
	if run.CreatedBy == who.Subject || auth.HasAtLeast(who.Roles, auth.RoleAdmin) {
		return nil
	}
	return forbidden("not enough permissions to modify results of this run")
}

// OwnDataset checks that who created the dataset.
func (c *Checker) OwnDataset(who auth.Identity, d domain.Dataset) error {
	if d.CreatedBy != who.Subject {
		return forbidden("not enough permissions to delete this dataset")
	}
	return nil
}
