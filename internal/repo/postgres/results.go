package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/evalhub/internal/domain"
	pgplatform "github.com/animus-labs/evalhub/internal/platform/postgres"
	"github.com/animus-labs/evalhub/internal/repo"
)

const (
	resultColumns = `id, run_id, input_text, output_text, expected_output, metrics, metadata, created_at`
	// insertChunk bounds the placeholders of one multi-row INSERT.
	insertChunk = 500
)

type ResultStore struct {
	db TxDB
}

func NewResultStore(db TxDB) *ResultStore {
	if db == nil {
		return nil
	}
	return &ResultStore{db: db}
}

// CreateBatch inserts all results or none. Every referenced run must exist;
// otherwise the error names all missing run ids.
func (s *ResultStore) CreateBatch(ctx context.Context, results []domain.Result) ([]domain.Result, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("result store not initialized")
	}
	if len(results) == 0 {
		return nil, errors.New("result batch is empty")
	}

	runIDs := make([]string, 0, 1)
	seen := make(map[string]struct{})
	for _, r := range results {
		if _, ok := seen[r.RunID]; ok {
			continue
		}
		seen[r.RunID] = struct{}{}
		runIDs = append(runIDs, r.RunID)
	}

	// Rows of one batch get increasing timestamps so the default
	// created_at ordering keeps their submission order.
	now := time.Now().UTC().Truncate(time.Microsecond)
	out := make([]domain.Result, len(results))
	for i, r := range results {
		if strings.TrimSpace(r.ID) == "" {
			r.ID = uuid.NewString()
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now.Add(time.Duration(i) * time.Microsecond)
		}
		r.CreatedAt = r.CreatedAt.UTC()
		if r.Metadata == nil {
			r.Metadata = domain.Metadata{}
		}
		out[i] = r
	}

	err := pgplatform.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := lockRuns(ctx, tx, runIDs); err != nil {
			return err
		}
		for start := 0; start < len(out); start += insertChunk {
			end := min(start+insertChunk, len(out))
			if err := insertResults(ctx, tx, out[start:end]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// lockRuns takes a share lock on the runs so they cannot be deleted before
// the batch commits, and reports every id that does not exist.
func lockRuns(ctx context.Context, tx *sql.Tx, runIDs []string) error {
	args := make([]any, len(runIDs))
	for i, id := range runIDs {
		args[i] = id
	}
	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM runs WHERE id IN (`+placeholders(1, len(args))+`) FOR SHARE`, args...)
	if err != nil {
		return fmt.Errorf("lock runs: %w", err)
	}
	defer rows.Close()

	found := make(map[string]struct{}, len(runIDs))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("scan run id: %w", err)
		}
		found[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate run ids: %w", err)
	}

	missing := make([]string, 0)
	for _, id := range runIDs {
		if _, ok := found[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return repo.NotFound("run", missing...)
	}
	return nil
}

func insertResults(ctx context.Context, tx *sql.Tx, batch []domain.Result) error {
	const cols = 8
	values := make([]string, 0, len(batch))
	args := make([]any, 0, len(batch)*cols)
	for _, r := range batch {
		metrics, err := encodeNullableMetadata(r.Metrics)
		if err != nil {
			return fmt.Errorf("encode metrics: %w", err)
		}
		metadata, err := encodeMetadata(r.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
		values = append(values, "("+placeholders(len(args)+1, cols)+")")
		var expected any
		if r.ExpectedOutput != nil {
			expected = *r.ExpectedOutput
		}
		args = append(args, r.ID, r.RunID, r.InputText, r.OutputText, expected, metrics, metadata, r.CreatedAt)
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO results (`+resultColumns+`) VALUES `+strings.Join(values, ", "), args...)
	if err != nil {
		if isForeignKeyViolation(err) {
			return repo.NotFound("run")
		}
		return fmt.Errorf("insert results: %w", err)
	}
	return nil
}

func (s *ResultStore) Get(ctx context.Context, id string) (domain.Result, error) {
	if s == nil || s.db == nil {
		return domain.Result{}, errors.New("result store not initialized")
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+resultColumns+` FROM results WHERE id = $1`, id)
	r, err := scanResult(row)
	if err != nil {
		return domain.Result{}, handleNotFound(err, "result", id)
	}
	return r, nil
}

func (s *ResultStore) List(ctx context.Context, q repo.ResultQuery) ([]domain.Result, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("result store not initialized")
	}
	q, err := q.Normalize()
	if err != nil {
		return nil, err
	}
	whereSQL, args := resultWhere(q)
	direction := "ASC"
	if q.SortOrder == repo.SortDesc {
		direction = "DESC"
	}
	page, args := pageClause(args, q.Skip, q.Limit)
	query := `SELECT ` + resultColumns + ` FROM results` + whereSQL +
		` ORDER BY ` + repo.ResultSortFields[q.SortBy] + ` ` + direction + `, id ASC` + page

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Result, 0)
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate results: %w", err)
	}
	return out, nil
}

func (s *ResultStore) Count(ctx context.Context, q repo.ResultQuery) (int, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("result store not initialized")
	}
	q, err := q.Normalize()
	if err != nil {
		return 0, err
	}
	whereSQL, args := resultWhere(q)
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM results`+whereSQL, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count results: %w", err)
	}
	return n, nil
}

func (s *ResultStore) CountByRuns(ctx context.Context, runIDs []string) (map[string]int, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("result store not initialized")
	}
	out := make(map[string]int, len(runIDs))
	if len(runIDs) == 0 {
		return out, nil
	}
	args := make([]any, len(runIDs))
	for i, id := range runIDs {
		args[i] = id
		out[id] = 0
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, COUNT(*) FROM results WHERE run_id IN (`+placeholders(1, len(args))+`) GROUP BY run_id`, args...)
	if err != nil {
		return nil, fmt.Errorf("count results by run: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id string
			n  int
		)
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("scan result count: %w", err)
		}
		out[id] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate result counts: %w", err)
	}
	return out, nil
}

func (s *ResultStore) ListMetrics(ctx context.Context, runID string) ([]domain.Metadata, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("result store not initialized")
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT metrics FROM results WHERE run_id = $1 AND metrics IS NOT NULL ORDER BY created_at, id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list result metrics: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Metadata, 0)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan result metrics: %w", err)
		}
		m, err := decodeMetadata(raw)
		if err != nil {
			return nil, fmt.Errorf("decode result metrics: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate result metrics: %w", err)
	}
	return out, nil
}

// Update replaces metrics and/or metadata; a nil map leaves the column as is.
func (s *ResultStore) Update(ctx context.Context, id string, metrics, metadata domain.Metadata) (domain.Result, error) {
	if s == nil || s.db == nil {
		return domain.Result{}, errors.New("result store not initialized")
	}
	sets := make([]string, 0, 2)
	args := []any{id}
	if metrics != nil {
		blob, err := encodeMetadata(metrics)
		if err != nil {
			return domain.Result{}, fmt.Errorf("encode metrics: %w", err)
		}
		args = append(args, blob)
		sets = append(sets, fmt.Sprintf("metrics = $%d", len(args)))
	}
	if metadata != nil {
		blob, err := encodeMetadata(metadata)
		if err != nil {
			return domain.Result{}, fmt.Errorf("encode metadata: %w", err)
		}
		args = append(args, blob)
		sets = append(sets, fmt.Sprintf("metadata = $%d", len(args)))
	}
	if len(sets) == 0 {
		return s.Get(ctx, id)
	}
	row := s.db.QueryRowContext(ctx,
		`UPDATE results SET `+strings.Join(sets, ", ")+` WHERE id = $1 RETURNING `+resultColumns, args...)
	r, err := scanResult(row)
	if err != nil {
		return domain.Result{}, handleNotFound(err, "result", id)
	}
	return r, nil
}

func (s *ResultStore) Delete(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return errors.New("result store not initialized")
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM results WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete result: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete result rows affected: %w", err)
	}
	if affected == 0 {
		return repo.NotFound("result", id)
	}
	return nil
}

func resultWhere(q repo.ResultQuery) (string, []any) {
	args := []any{q.RunID}
	clauses := []string{"run_id = $1"}
	for _, f := range q.Filters {
		col := repo.ResultFilterFields[f.Field]
		cast := ""
		if col == "created_at" {
			cast = "::timestamptz"
		}
		switch len(f.Values) {
		case 0:
			clauses = append(clauses, "FALSE")
		case 1:
			args = append(args, f.Values[0])
			clauses = append(clauses, fmt.Sprintf("%s = $%d%s", col, len(args), cast))
		default:
			parts := make([]string, len(f.Values))
			for i, v := range f.Values {
				args = append(args, v)
				parts[i] = fmt.Sprintf("$%d%s", len(args), cast)
			}
			clauses = append(clauses, fmt.Sprintf("%s IN (%s)", col, strings.Join(parts, ", ")))
		}
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func scanResult(row rowScanner) (domain.Result, error) {
	var (
		r                 domain.Result
		expected          sql.NullString
		metrics, metadata []byte
	)
	if err := row.Scan(&r.ID, &r.RunID, &r.InputText, &r.OutputText, &expected, &metrics, &metadata, &r.CreatedAt); err != nil {
		return domain.Result{}, err
	}
	if expected.Valid {
		v := expected.String
		r.ExpectedOutput = &v
	}
	r.CreatedAt = r.CreatedAt.UTC()

	var err error
	if r.Metrics, err = decodeMetadata(metrics); err != nil {
		return domain.Result{}, fmt.Errorf("decode metrics: %w", err)
	}
	if r.Metadata, err = decodeMetadata(metadata); err != nil {
		return domain.Result{}, fmt.Errorf("decode metadata: %w", err)
	}
	if r.Metadata == nil {
		r.Metadata = domain.Metadata{}
	}
	return r, nil
}
