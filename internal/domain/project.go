package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Project groups datasets and runs. Access is granted to the owner and to
// every collaborator.
type Project struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	OwnerID     string    `json:"owner_id"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (p Project) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return errors.New("project name is required")
	}
	if len(p.Name) > 255 {
		return errors.New("project name must be at most 255 characters")
	}
	if strings.TrimSpace(p.OwnerID) == "" {
		return errors.New("project owner is required")
	}
	return nil
}

type CollaboratorRole string

const (
	RoleViewer CollaboratorRole = "viewer"
	RoleEditor CollaboratorRole = "editor"
	RoleAdmin  CollaboratorRole = "admin"
)

func ParseCollaboratorRole(raw string) (CollaboratorRole, error) {
	switch CollaboratorRole(strings.ToLower(strings.TrimSpace(raw))) {
	case RoleViewer:
		return RoleViewer, nil
	case RoleEditor:
		return RoleEditor, nil
	case RoleAdmin:
		return RoleAdmin, nil
	case "":
		return RoleViewer, nil
	default:
		return "", fmt.Errorf("role must be one of: viewer, editor, admin (got %q)", raw)
	}
}

type Collaborator struct {
	ProjectID string           `json:"project_id"`
	UserID    string           `json:"user_id"`
	Role      CollaboratorRole `json:"role"`
	CreatedAt time.Time        `json:"created_at"`
}
