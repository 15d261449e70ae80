package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/evalhub/internal/domain"
	"github.com/animus-labs/evalhub/internal/repo"
)

const projectColumns = `id, name, description, owner_id, created_at, updated_at`

type ProjectStore struct {
	db TxDB
}

func NewProjectStore(db TxDB) *ProjectStore {
	if db == nil {
		return nil
	}
	return &ProjectStore{db: db}
}

func (s *ProjectStore) Create(ctx context.Context, project domain.Project) (domain.Project, error) {
	if s == nil || s.db == nil {
		return domain.Project{}, errors.New("project store not initialized")
	}
	if strings.TrimSpace(project.ID) == "" {
		project.ID = uuid.NewString()
	}
	project.CreatedAt = normalizeTime(project.CreatedAt)
	project.UpdatedAt = project.CreatedAt

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (id, name, description, owner_id, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		project.ID,
		project.Name,
		nullIfEmpty(project.Description),
		project.OwnerID,
		project.CreatedAt,
		project.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Project{}, fmt.Errorf("%w: project %q already exists", repo.ErrConflict, project.Name)
		}
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	return project, nil
}

func (s *ProjectStore) Get(ctx context.Context, id string) (domain.Project, error) {
	if s == nil || s.db == nil {
		return domain.Project{}, errors.New("project store not initialized")
	}
	p, err := scanProject(s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = $1`, id))
	if err != nil {
		return domain.Project{}, handleNotFound(err, "project", id)
	}
	return p, nil
}

func (s *ProjectStore) List(ctx context.Context, filter repo.ProjectFilter) ([]domain.Project, int, error) {
	if s == nil || s.db == nil {
		return nil, 0, errors.New("project store not initialized")
	}
	whereSQL := ""
	args := make([]any, 0, 3)
	if v := strings.TrimSpace(filter.MemberID); v != "" {
		args = append(args, v)
		whereSQL = ` WHERE owner_id = $1 OR id IN (SELECT project_id FROM project_collaborators WHERE user_id = $1)`
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM projects`+whereSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count projects: %w", err)
	}

	page, args := pageClause(args, filter.Skip, filter.Limit)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+projectColumns+` FROM projects`+whereSQL+` ORDER BY created_at DESC, id`+page, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Project, 0)
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan project: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate projects: %w", err)
	}
	return out, total, nil
}

func (s *ProjectStore) Update(ctx context.Context, id string, name, description *string) (domain.Project, error) {
	if s == nil || s.db == nil {
		return domain.Project{}, errors.New("project store not initialized")
	}
	sets := make([]string, 0, 3)
	args := []any{id}
	if name != nil {
		args = append(args, *name)
		sets = append(sets, fmt.Sprintf("name = $%d", len(args)))
	}
	if description != nil {
		args = append(args, nullIfEmpty(*description))
		sets = append(sets, fmt.Sprintf("description = $%d", len(args)))
	}
	if len(sets) == 0 {
		return s.Get(ctx, id)
	}
	args = append(args, time.Now().UTC())
	sets = append(sets, fmt.Sprintf("updated_at = $%d", len(args)))

	p, err := scanProject(s.db.QueryRowContext(ctx,
		`UPDATE projects SET `+strings.Join(sets, ", ")+` WHERE id = $1 RETURNING `+projectColumns, args...))
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Project{}, fmt.Errorf("%w: project name already exists", repo.ErrConflict)
		}
		return domain.Project{}, handleNotFound(err, "project", id)
	}
	return p, nil
}

func (s *ProjectStore) Delete(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return errors.New("project store not initialized")
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete project rows affected: %w", err)
	}
	if affected == 0 {
		return repo.NotFound("project", id)
	}
	return nil
}

func (s *ProjectStore) AddCollaborator(ctx context.Context, c domain.Collaborator) (domain.Collaborator, error) {
	if s == nil || s.db == nil {
		return domain.Collaborator{}, errors.New("project store not initialized")
	}
	c.CreatedAt = normalizeTime(c.CreatedAt)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO project_collaborators (project_id, user_id, role, created_at) VALUES ($1,$2,$3,$4)`,
		c.ProjectID, c.UserID, string(c.Role), c.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Collaborator{}, fmt.Errorf("%w: user %s already collaborates on project", repo.ErrConflict, c.UserID)
		}
		if isForeignKeyViolation(err) {
			return domain.Collaborator{}, repo.NotFound("project", c.ProjectID)
		}
		return domain.Collaborator{}, fmt.Errorf("insert collaborator: %w", err)
	}
	return c, nil
}

func (s *ProjectStore) RemoveCollaborator(ctx context.Context, projectID, userID string) error {
	if s == nil || s.db == nil {
		return errors.New("project store not initialized")
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM project_collaborators WHERE project_id = $1 AND user_id = $2`, projectID, userID)
	if err != nil {
		return fmt.Errorf("delete collaborator: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete collaborator rows affected: %w", err)
	}
	if affected == 0 {
		return repo.NotFound("collaborator", userID)
	}
	return nil
}

func (s *ProjectStore) ListCollaborators(ctx context.Context, projectID string) ([]domain.Collaborator, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("project store not initialized")
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT project_id, user_id, role, created_at FROM project_collaborators WHERE project_id = $1 ORDER BY created_at, user_id`,
		projectID)
	if err != nil {
		return nil, fmt.Errorf("list collaborators: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Collaborator, 0)
	for rows.Next() {
		c, err := scanCollaborator(rows)
		if err != nil {
			return nil, fmt.Errorf("scan collaborator: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate collaborators: %w", err)
	}
	return out, nil
}

func (s *ProjectStore) GetCollaborator(ctx context.Context, projectID, userID string) (domain.Collaborator, error) {
	if s == nil || s.db == nil {
		return domain.Collaborator{}, errors.New("project store not initialized")
	}
	c, err := scanCollaborator(s.db.QueryRowContext(ctx,
		`SELECT project_id, user_id, role, created_at FROM project_collaborators WHERE project_id = $1 AND user_id = $2`,
		projectID, userID))
	if err != nil {
		return domain.Collaborator{}, handleNotFound(err, "collaborator", userID)
	}
	return c, nil
}

func scanProject(row rowScanner) (domain.Project, error) {
	var (
		p           domain.Project
		description sql.NullString
	)
	if err := row.Scan(&p.ID, &p.Name, &description, &p.OwnerID, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return domain.Project{}, err
	}
	p.Description = description.String
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

func scanCollaborator(row rowScanner) (domain.Collaborator, error) {
	var (
		c    domain.Collaborator
		role string
	)
	if err := row.Scan(&c.ProjectID, &c.UserID, &role, &c.CreatedAt); err != nil {
		return domain.Collaborator{}, err
	}
	c.Role = domain.CollaboratorRole(role)
	c.CreatedAt = c.CreatedAt.UTC()
	return c, nil
}
