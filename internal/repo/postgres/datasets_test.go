package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/animus-labs/evalhub/internal/domain"
	"github.com/animus-labs/evalhub/internal/repo"
)

var datasetRowColumns = []string{
	"id", "project_id", "name", "description", "file_path", "file_size", "file_type", "row_count",
	"metadata", "created_by", "created_at", "updated_at",
}

func TestDatasetStore_Update(t *testing.T) {
	created := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	name := "golden"
	empty := ""

	tests := []struct {
		name        string
		newName     *string
		description *string
		metadata    domain.Metadata
		setupMock   func(sqlmock.Sqlmock)
		wantErr     error
		check       func(*testing.T, domain.Dataset)
	}{
		{
			name:     "name and metadata",
			newName:  &name,
			metadata: domain.Metadata{"split": "test"},
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(`UPDATE datasets SET name = \$2, metadata = \$3, updated_at = \$4 WHERE id = \$1 RETURNING`).
					WithArgs("ds-1", "golden", []byte(`{"split":"test"}`), sqlmock.AnyArg()).
					WillReturnRows(sqlmock.NewRows(datasetRowColumns).AddRow(
						"ds-1", "proj-1", "golden", nil, "datasets/ds-1.csv", 120, "csv", 4,
						[]byte(`{"split":"test"}`), "alice", created, created.Add(time.Minute)))
			},
			check: func(t *testing.T, d domain.Dataset) {
				if d.Name != "golden" || d.Metadata["split"] != "test" {
					t.Fatalf("dataset=%+v", d)
				}
				if d.RowCount == nil || *d.RowCount != 4 {
					t.Fatalf("row count=%v", d.RowCount)
				}
			},
		},
		{
			name:        "clear description",
			description: &empty,
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(`UPDATE datasets SET description = \$2, updated_at = \$3 WHERE id = \$1`).
					WithArgs("ds-1", nil, sqlmock.AnyArg()).
					WillReturnRows(sqlmock.NewRows(datasetRowColumns).AddRow(
						"ds-1", nil, "golden", nil, "datasets/ds-1.csv", 120, "csv", nil,
						[]byte(`{}`), "alice", created, created))
			},
			check: func(t *testing.T, d domain.Dataset) {
				if d.Description != "" || d.ProjectID != "" {
					t.Fatalf("dataset=%+v", d)
				}
			},
		},
		{
			name:    "missing dataset",
			newName: &name,
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(`UPDATE datasets SET name = \$2`).
					WithArgs("ds-1", "golden", sqlmock.AnyArg()).
					WillReturnRows(sqlmock.NewRows(datasetRowColumns))
			},
			wantErr: repo.ErrNotFound,
		},
		{
			name: "nothing to change reads the row",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(`SELECT .+ FROM datasets WHERE id = \$1`).
					WithArgs("ds-1").
					WillReturnRows(sqlmock.NewRows(datasetRowColumns).AddRow(
						"ds-1", "proj-1", "golden", "desc", "datasets/ds-1.csv", 120, "csv", nil,
						[]byte(`{}`), "alice", created, created))
			},
			check: func(t *testing.T, d domain.Dataset) {
				if d.Description != "desc" {
					t.Fatalf("dataset=%+v", d)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock := setupMockDB(t)
			tt.setupMock(mock)

			got, err := NewDatasetStore(db).Update(context.Background(), "ds-1", tt.newName, tt.description, tt.metadata)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err=%v, want %v", err, tt.wantErr)
				}
			} else {
				if err != nil {
					t.Fatalf("Update() err=%v", err)
				}
				tt.check(t, got)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Fatalf("unmet expectations: %v", err)
			}
		})
	}
}
