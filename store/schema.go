package store

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

//go:embed schema.sql
var schemaSQL string

// EnsureSchema creates the outbox/inbox tables if they do not exist yet.
// Intended for bootstrap and tests; production deployments usually run the
// DDL through their own migration tooling.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", pq.QuoteIdentifier(s.schema))); err != nil {
		return fmt.Errorf("store: create schema: %w", err)
	}
	ddl := strings.ReplaceAll(schemaSQL, "{{schema}}", pq.QuoteIdentifier(s.schema))
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("store: apply schema: %w", err)
	}
	return nil
}
