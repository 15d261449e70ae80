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
	"github.com/animus-labs/evalhub/internal/platform/auditlog"
	pgplatform "github.com/animus-labs/evalhub/internal/platform/postgres"
	"github.com/animus-labs/evalhub/internal/repo"
)

const runColumns = `id, project_id, dataset_id, name, description, model_name, prompt, parameters,
	status, metrics, error, worker_id, created_by, started_at, completed_at, created_at, updated_at`

type RunStore struct {
	db TxDB
}

func NewRunStore(db TxDB) *RunStore {
	if db == nil {
		return nil
	}
	return &RunStore{db: db}
}

func (s *RunStore) Create(ctx context.Context, run domain.Run) (domain.Run, error) {
	if s == nil || s.db == nil {
		return domain.Run{}, errors.New("run store not initialized")
	}
	if strings.TrimSpace(run.ID) == "" {
		run.ID = uuid.NewString()
	}
	run.CreatedAt = normalizeTime(run.CreatedAt)
	run.UpdatedAt = run.CreatedAt
	run.Status = domain.RunStatusPending

	params, err := encodeMetadata(run.Parameters)
	if err != nil {
		return domain.Run{}, fmt.Errorf("encode parameters: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, project_id, dataset_id, name, description, model_name, prompt, parameters,
			status, created_by, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		run.ID,
		run.ProjectID,
		nullIfEmpty(run.DatasetID),
		run.Name,
		nullIfEmpty(run.Description),
		run.ModelName,
		run.Prompt,
		params,
		string(run.Status),
		run.CreatedBy,
		run.CreatedAt,
		run.UpdatedAt,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			if strings.Contains(constraintName(err), "dataset") {
				return domain.Run{}, repo.NotFound("dataset", run.DatasetID)
			}
			return domain.Run{}, repo.NotFound("project", run.ProjectID)
		}
		return domain.Run{}, fmt.Errorf("insert run: %w", err)
	}
	if run.Parameters == nil {
		run.Parameters = domain.Metadata{}
	}
	return run, nil
}

func (s *RunStore) Get(ctx context.Context, id string) (domain.Run, error) {
	if s == nil || s.db == nil {
		return domain.Run{}, errors.New("run store not initialized")
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id)
	run, err := scanRun(row)
	if err != nil {
		return domain.Run{}, handleNotFound(err, "run", id)
	}
	return run, nil
}

func (s *RunStore) List(ctx context.Context, filter repo.RunFilter) ([]domain.Run, int, error) {
	if s == nil || s.db == nil {
		return nil, 0, errors.New("run store not initialized")
	}

	where := make([]string, 0, 4)
	args := make([]any, 0, 6)
	if v := strings.TrimSpace(filter.ProjectID); v != "" {
		args = append(args, v)
		where = append(where, fmt.Sprintf("r.project_id = $%d", len(args)))
	}
	if v := strings.TrimSpace(filter.DatasetID); v != "" {
		args = append(args, v)
		where = append(where, fmt.Sprintf("r.dataset_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("r.status = $%d", len(args)))
	}
	if v := strings.TrimSpace(filter.MemberID); v != "" {
		args = append(args, v)
		where = append(where, fmt.Sprintf(`r.project_id IN (
			SELECT p.id FROM projects p WHERE p.owner_id = $%[1]d
			UNION SELECT pc.project_id FROM project_collaborators pc WHERE pc.user_id = $%[1]d)`, len(args)))
	}
	whereSQL := ""
	if len(where) > 0 {
		whereSQL = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs r`+whereSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count runs: %w", err)
	}

	page, pageArgs := pageClause(args, filter.Skip, filter.Limit)
	query := `SELECT ` + prefixColumns("r.", runColumns) + ` FROM runs r` + whereSQL + ` ORDER BY r.created_at DESC, r.id` + page
	rows, err := s.db.QueryContext(ctx, query, pageArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Run, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate runs: %w", err)
	}
	return out, total, nil
}

func (s *RunStore) UpdateDetails(ctx context.Context, id string, name, description *string) (domain.Run, error) {
	if s == nil || s.db == nil {
		return domain.Run{}, errors.New("run store not initialized")
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

	row := s.db.QueryRowContext(ctx,
		`UPDATE runs SET `+strings.Join(sets, ", ")+` WHERE id = $1 RETURNING `+runColumns, args...)
	run, err := scanRun(row)
	if err != nil {
		return domain.Run{}, handleNotFound(err, "run", id)
	}
	return run, nil
}

// Transition applies t only if the run's current status allows t.Event.
// The update and its audit event commit together.
func (s *RunStore) Transition(ctx context.Context, t domain.RunTransition) (domain.Run, error) {
	if s == nil || s.db == nil {
		return domain.Run{}, errors.New("run store not initialized")
	}
	allowed := t.Event.AllowedFrom()
	if len(allowed) == 0 {
		return domain.Run{}, fmt.Errorf("unknown run event %q", t.Event)
	}
	t.At = normalizeTime(t.At)

	args := []any{t.RunID, string(t.Event.Target()), t.At}
	sets := []string{"status = $2", "updated_at = $3"}
	switch t.Event {
	case domain.RunEventStart:
		args = append(args, nullIfEmpty(t.WorkerID))
		sets = append(sets, "started_at = $3", fmt.Sprintf("worker_id = $%d", len(args)))
	case domain.RunEventComplete:
		metrics, err := encodeMetadata(t.Metrics)
		if err != nil {
			return domain.Run{}, fmt.Errorf("encode metrics: %w", err)
		}
		args = append(args, metrics)
		sets = append(sets, "completed_at = $3", fmt.Sprintf("metrics = $%d", len(args)))
	case domain.RunEventFail:
		args = append(args, t.Error)
		sets = append(sets, "completed_at = $3", fmt.Sprintf("error = $%d", len(args)))
	case domain.RunEventCancel:
		sets = append(sets, "completed_at = $3")
	}
	statusArgs := make([]any, len(allowed))
	for i, st := range allowed {
		statusArgs[i] = string(st)
	}
	query := `UPDATE runs SET ` + strings.Join(sets, ", ") +
		` WHERE id = $1 AND status IN (` + placeholders(len(args)+1, len(statusArgs)) + `) RETURNING ` + runColumns
	args = append(args, statusArgs...)

	var out domain.Run
	err := pgplatform.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		run, err := scanRun(tx.QueryRowContext(ctx, query, args...))
		if errors.Is(err, sql.ErrNoRows) {
			var current string
			err := tx.QueryRowContext(ctx, `SELECT status FROM runs WHERE id = $1`, t.RunID).Scan(&current)
			if err != nil {
				return handleNotFound(err, "run", t.RunID)
			}
			return &domain.TransitionError{RunID: t.RunID, Op: string(t.Event), From: domain.RunStatus(current)}
		}
		if err != nil {
			return fmt.Errorf("update run status: %w", err)
		}

		payload := map[string]any{"status": string(run.Status)}
		if t.WorkerID != "" {
			payload["worker_id"] = t.WorkerID
		}
		if t.Error != "" {
			payload["error"] = t.Error
		}
		if _, err := auditlog.Insert(ctx, tx, auditlog.Event{
			OccurredAt:   t.At,
			Actor:        t.Actor,
			Action:       t.Event.AuditAction(),
			ResourceType: "run",
			ResourceID:   t.RunID,
			RequestID:    t.RequestID,
			Payload:      payload,
		}); err != nil {
			return err
		}
		out = run
		return nil
	})
	if err != nil {
		return domain.Run{}, err
	}
	return out, nil
}

func (s *RunStore) Touch(ctx context.Context, id string, at time.Time) error {
	if s == nil || s.db == nil {
		return errors.New("run store not initialized")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET updated_at = GREATEST(updated_at, $2) WHERE id = $1 AND status = $3`,
		id, normalizeTime(at), string(domain.RunStatusRunning),
	)
	if err != nil {
		return fmt.Errorf("touch run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("touch run: %w", err)
	}
	if n > 0 {
		return nil
	}
	var current string
	if err := s.db.QueryRowContext(ctx, `SELECT status FROM runs WHERE id = $1`, id).Scan(&current); err != nil {
		return handleNotFound(err, "run", id)
	}
	return &domain.TransitionError{RunID: id, Op: "progress", From: domain.RunStatus(current)}
}

func (s *RunStore) DeleteTerminal(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return errors.New("run store not initialized")
	}
	return pgplatform.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM runs WHERE id = $1 AND status IN ($2, $3, $4)`,
			id,
			string(domain.RunStatusCompleted),
			string(domain.RunStatusFailed),
			string(domain.RunStatusCancelled),
		)
		if err != nil {
			return fmt.Errorf("delete run: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("delete run rows affected: %w", err)
		}
		if affected > 0 {
			return nil
		}
		var current string
		if err := tx.QueryRowContext(ctx, `SELECT status FROM runs WHERE id = $1`, id).Scan(&current); err != nil {
			return handleNotFound(err, "run", id)
		}
		return &domain.TransitionError{RunID: id, Op: "delete", From: domain.RunStatus(current)}
	})
}

func (s *RunStore) ListStale(ctx context.Context, filter repo.StaleRunFilter) ([]domain.Run, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("run store not initialized")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE status = $1 AND updated_at < $2 ORDER BY updated_at LIMIT $3`,
		string(filter.Status), filter.Before.UTC(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list stale runs: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Run, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale runs: %w", err)
	}
	return out, nil
}

func scanRun(row rowScanner) (domain.Run, error) {
	var (
		run                    domain.Run
		datasetID, description sql.NullString
		errMsg, workerID       sql.NullString
		status                 string
		params, metrics        []byte
		startedAt, completedAt sql.NullTime
	)
	if err := row.Scan(
		&run.ID,
		&run.ProjectID,
		&datasetID,
		&run.Name,
		&description,
		&run.ModelName,
		&run.Prompt,
		&params,
		&status,
		&metrics,
		&errMsg,
		&workerID,
		&run.CreatedBy,
		&startedAt,
		&completedAt,
		&run.CreatedAt,
		&run.UpdatedAt,
	); err != nil {
		return domain.Run{}, err
	}

	run.DatasetID = datasetID.String
	run.Description = description.String
	run.Error = errMsg.String
	run.WorkerID = workerID.String
	run.Status = domain.RunStatus(status)
	run.StartedAt = nullTimePtr(startedAt)
	run.CompletedAt = nullTimePtr(completedAt)
	run.CreatedAt = run.CreatedAt.UTC()
	run.UpdatedAt = run.UpdatedAt.UTC()

	var err error
	if run.Parameters, err = decodeMetadata(params); err != nil {
		return domain.Run{}, fmt.Errorf("decode parameters: %w", err)
	}
	if run.Parameters == nil {
		run.Parameters = domain.Metadata{}
	}
	if run.Metrics, err = decodeMetadata(metrics); err != nil {
		return domain.Run{}, fmt.Errorf("decode metrics: %w", err)
	}
	return run, nil
}

func prefixColumns(prefix, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = prefix + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
