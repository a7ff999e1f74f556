package dolt

import (
	"context"
	"database/sql"
)

// execer is the subset of database/sql shared by *sql.Tx and the store's
// retry wrappers. The dictionary, resolver, versioner and reader are written
// against it so the same code serves both transactional and plain calls.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// retryDB adapts the store's server-mode retry wrappers to execer.
type retryDB struct{ s *Store }

func (r retryDB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return r.s.execContext(ctx, query, args...)
}

func (r retryDB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return r.s.queryContext(ctx, query, args...)
}

func (r retryDB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return r.s.queryRowContext(ctx, query, args...)
}

// nullString maps an optional string to its driver representation.
func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// stringPtr maps a nullable column back to an optional string.
func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}
