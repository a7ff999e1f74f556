// Package storage provides shared types for capture storage.
//
// The concrete storage implementation lives in the dolt sub-package.
// This package holds interface and value types that are referenced by
// both the dolt implementation and its consumers (internal/capture,
// cmd/fv, etc.).
package storage

import (
	"context"
	"errors"

	"github.com/fieldvault/fieldvault/internal/types"
)

// ErrNotFound is returned when a requested entity does not exist in the database.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned on a unique-index violation: a lost race for a
// newly inserted context group or hot row. Callers may retry once after a
// full rollback.
var ErrConflict = errors.New("conflict")

// ErrInactive is returned when a save references a field definition that is
// marked inactive. Inactive definitions may still be read.
var ErrInactive = errors.New("field inactive")

// Storage is the interface satisfied by *dolt.Store.
// Consumers depend on this interface rather than on the concrete type so that
// alternative implementations (mocks, proxies, etc.) can be substituted.
type Storage interface {
	// Field dictionary
	DefineField(ctx context.Context, application string, input *types.FieldDefinitionInput, actor string) (*types.FieldDefinition, error)
	LookupFields(ctx context.Context, application string, names []string) (map[string]*types.FieldDefinition, error)
	ListFields(ctx context.Context, application string) ([]*types.FieldDefinition, error)
	GetFieldDefinitionHistory(ctx context.Context, application, name string) ([]*types.FieldDefinitionVersion, error)

	// Context resolution
	ResolveContext(ctx context.Context, application string, keys map[string]string) (int64, error)
	FindContext(ctx context.Context, application string, keys map[string]string) (int64, error)

	// Reads
	GetCurrentValues(ctx context.Context, application string, contextGroupID int64, names []string) (map[string]*types.FieldView, error)
	GetFieldAuditTrail(ctx context.Context, application string, contextGroupID int64, name string) ([]*types.VersionRecord, error)

	// Audit events (coarse, best effort)
	WriteAuditEvent(ctx context.Context, event *types.AuditEvent) error
	GetAuditEvents(ctx context.Context, application string, limit int) ([]*types.AuditEvent, error)

	// Transactions
	RunInTransaction(ctx context.Context, fn func(tx Transaction) error) error

	// Lifecycle
	Close() error
}

// Transaction exposes the subset of operations that execute within a single
// database transaction. SaveRecord uses it so that context resolution and
// every per-field version flip commit or roll back together.
//
// Semantics:
//   - All operations in the transaction share one database connection.
//   - Changes are invisible to other connections until commit.
//   - An error from the callback rolls the transaction back.
//   - A panic in the callback rolls back and is re-raised.
type Transaction interface {
	// ResolveContext resolves or creates the context group inside the
	// transaction. Two parallel resolutions of the same set return the
	// same identifier; a lost insert race surfaces as ErrConflict.
	ResolveContext(ctx context.Context, application string, keys map[string]string) (int64, error)

	// LookupFields bulk-resolves definitions for slot selection and
	// identifier lookup, with read-your-writes visibility.
	LookupFields(ctx context.Context, application string, names []string) (map[string]*types.FieldDefinition, error)

	// SaveFieldValue runs the row-locked supersede+insert protocol for one
	// (context group, field) pair. The hot row for the pair is locked until
	// the transaction ends; sequence numbers are gap-free from 1.
	SaveFieldValue(ctx context.Context, req *SaveFieldRequest) (*types.FieldSaveResult, error)

	// WriteAuditEvent appends a coarse audit row within the transaction.
	WriteAuditEvent(ctx context.Context, event *types.AuditEvent) error
}

// SaveFieldRequest carries one resolved per-field save into the versioner.
// Timestamps come from the clock the store was constructed with.
type SaveFieldRequest struct {
	ContextGroupID int64
	Definition     *types.FieldDefinition
	Value          any
	Actor          string
	Reason         string
	EventType      string
	SignatureType  string
}
