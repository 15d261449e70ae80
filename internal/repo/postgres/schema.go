package postgres

import (
	"context"
	_ "embed"
	"fmt"
)

// Schema creates every table the stores use. Statements are idempotent.
//
//go:embed schema.sql
var Schema string

// ApplySchema runs Schema against db.
func ApplySchema(ctx context.Context, db DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
