package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/animus-labs/evalhub/internal/domain"
	pgplatform "github.com/animus-labs/evalhub/internal/platform/postgres"
	"github.com/animus-labs/evalhub/internal/repo"
)

type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// TxDB is a DB that can also open transactions; *sql.DB satisfies it.
type TxDB interface {
	DB
	pgplatform.TxBeginner
}

type rowScanner interface {
	Scan(dest ...any) error
}

// NewStore wires every repository to the same database handle.
func NewStore(db TxDB) repo.Store {
	return repo.Store{
		Projects: NewProjectStore(db),
		Datasets: NewDatasetStore(db),
		Runs:     NewRunStore(db),
		Results:  NewResultStore(db),
	}
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

func encodeMetadata(meta domain.Metadata) ([]byte, error) {
	if meta == nil {
		meta = domain.Metadata{}
	}
	return json.Marshal(meta)
}

// encodeNullableMetadata keeps a nil map as SQL NULL.
func encodeNullableMetadata(meta domain.Metadata) (any, error) {
	if meta == nil {
		return nil, nil
	}
	return json.Marshal(meta)
}

func decodeMetadata(raw []byte) (domain.Metadata, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return domain.Metadata(out), nil
}

func nullIfEmpty(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func handleNotFound(err error, resource, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return repo.NotFound(resource, id)
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503"
	}
	return false
}

func constraintName(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.ConstraintName
	}
	return ""
}

// placeholders returns "$start, $start+1, ..." for n arguments.
func placeholders(start, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("$%d", start+i)
	}
	return strings.Join(parts, ", ")
}

func pageClause(args []any, skip, limit int) (string, []any) {
	clause := ""
	if limit > 0 {
		args = append(args, limit)
		clause += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if skip > 0 {
		args = append(args, skip)
		clause += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	return clause, args
}
