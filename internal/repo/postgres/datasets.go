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

const datasetColumns = `id, project_id, name, description, file_path, file_size, file_type, row_count,
	metadata, created_by, created_at, updated_at`

type DatasetStore struct {
	db TxDB
}

func NewDatasetStore(db TxDB) *DatasetStore {
	if db == nil {
		return nil
	}
	return &DatasetStore{db: db}
}

func (s *DatasetStore) Create(ctx context.Context, d domain.Dataset) (domain.Dataset, error) {
	if s == nil || s.db == nil {
		return domain.Dataset{}, errors.New("dataset store not initialized")
	}
	if strings.TrimSpace(d.ID) == "" {
		d.ID = uuid.NewString()
	}
	d.CreatedAt = normalizeTime(d.CreatedAt)
	d.UpdatedAt = d.CreatedAt
	if d.Metadata == nil {
		d.Metadata = domain.Metadata{}
	}
	meta, err := encodeMetadata(d.Metadata)
	if err != nil {
		return domain.Dataset{}, fmt.Errorf("encode metadata: %w", err)
	}
	var rowCount any
	if d.RowCount != nil {
		rowCount = *d.RowCount
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO datasets (`+datasetColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		d.ID,
		nullIfEmpty(d.ProjectID),
		d.Name,
		nullIfEmpty(d.Description),
		d.FilePath,
		d.FileSize,
		string(d.FileType),
		rowCount,
		meta,
		d.CreatedBy,
		d.CreatedAt,
		d.UpdatedAt,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return domain.Dataset{}, repo.NotFound("project", d.ProjectID)
		}
		return domain.Dataset{}, fmt.Errorf("insert dataset: %w", err)
	}
	return d, nil
}

func (s *DatasetStore) Get(ctx context.Context, id string) (domain.Dataset, error) {
	if s == nil || s.db == nil {
		return domain.Dataset{}, errors.New("dataset store not initialized")
	}
	d, err := scanDataset(s.db.QueryRowContext(ctx, `SELECT `+datasetColumns+` FROM datasets WHERE id = $1`, id))
	if err != nil {
		return domain.Dataset{}, handleNotFound(err, "dataset", id)
	}
	return d, nil
}

func (s *DatasetStore) List(ctx context.Context, filter repo.DatasetFilter) ([]domain.Dataset, int, error) {
	if s == nil || s.db == nil {
		return nil, 0, errors.New("dataset store not initialized")
	}
	where := make([]string, 0, 2)
	args := make([]any, 0, 4)
	if v := strings.TrimSpace(filter.ProjectID); v != "" {
		args = append(args, v)
		where = append(where, fmt.Sprintf("project_id = $%d", len(args)))
	}
	if v := strings.TrimSpace(filter.MemberID); v != "" {
		args = append(args, v)
		where = append(where, fmt.Sprintf(`(created_by = $%[1]d OR project_id IN (
			SELECT p.id FROM projects p WHERE p.owner_id = $%[1]d
			UNION SELECT pc.project_id FROM project_collaborators pc WHERE pc.user_id = $%[1]d))`, len(args)))
	}
	whereSQL := ""
	if len(where) > 0 {
		whereSQL = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM datasets`+whereSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count datasets: %w", err)
	}

	page, args := pageClause(args, filter.Skip, filter.Limit)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+datasetColumns+` FROM datasets`+whereSQL+` ORDER BY created_at DESC, id`+page, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list datasets: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Dataset, 0)
	for rows.Next() {
		d, err := scanDataset(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan dataset: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate datasets: %w", err)
	}
	return out, total, nil
}

func (s *DatasetStore) Update(ctx context.Context, id string, name, description *string, metadata domain.Metadata) (domain.Dataset, error) {
	if s == nil || s.db == nil {
		return domain.Dataset{}, errors.New("dataset store not initialized")
	}
	sets := make([]string, 0, 4)
	args := []any{id}
	if name != nil {
		args = append(args, *name)
		sets = append(sets, fmt.Sprintf("name = $%d", len(args)))
	}
	if description != nil {
		args = append(args, nullIfEmpty(*description))
		sets = append(sets, fmt.Sprintf("description = $%d", len(args)))
	}
	if metadata != nil {
		meta, err := encodeMetadata(metadata)
		if err != nil {
			return domain.Dataset{}, fmt.Errorf("encode metadata: %w", err)
		}
		args = append(args, meta)
		sets = append(sets, fmt.Sprintf("metadata = $%d", len(args)))
	}
	if len(sets) == 0 {
		return s.Get(ctx, id)
	}
	args = append(args, time.Now().UTC())
	sets = append(sets, fmt.Sprintf("updated_at = $%d", len(args)))

	d, err := scanDataset(s.db.QueryRowContext(ctx,
		`UPDATE datasets SET `+strings.Join(sets, ", ")+` WHERE id = $1 RETURNING `+datasetColumns, args...))
	if err != nil {
		return domain.Dataset{}, handleNotFound(err, "dataset", id)
	}
	return d, nil
}

func (s *DatasetStore) Delete(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return errors.New("dataset store not initialized")
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM datasets WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete dataset: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete dataset rows affected: %w", err)
	}
	if affected == 0 {
		return repo.NotFound("dataset", id)
	}
	return nil
}

func scanDataset(row rowScanner) (domain.Dataset, error) {
	var (
		d                      domain.Dataset
		projectID, description sql.NullString
		fileType               string
		rowCount               sql.NullInt64
		meta                   []byte
	)
	if err := row.Scan(
		&d.ID,
		&projectID,
		&d.Name,
		&description,
		&d.FilePath,
		&d.FileSize,
		&fileType,
		&rowCount,
		&meta,
		&d.CreatedBy,
		&d.CreatedAt,
		&d.UpdatedAt,
	); err != nil {
		return domain.Dataset{}, err
	}
	d.ProjectID = projectID.String
	d.Description = description.String
	d.FileType = domain.FileType(fileType)
	if rowCount.Valid {
		n := rowCount.Int64
		d.RowCount = &n
	}
	d.CreatedAt = d.CreatedAt.UTC()
	d.UpdatedAt = d.UpdatedAt.UTC()

	var err error
	if d.Metadata, err = decodeMetadata(meta); err != nil {
		return domain.Dataset{}, fmt.Errorf("decode metadata: %w", err)
	}
	if d.Metadata == nil {
		d.Metadata = domain.Metadata{}
	}
	return d, nil
}
