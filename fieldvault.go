// Package fieldvault provides a minimal public API for embedding the capture
// engine in other Go programs.
//
// It exports the essential types and constructors; the full surface lives in
// the internal packages and is reached through the Service returned here.
package fieldvault

import (
	"context"

	"github.com/fieldvault/fieldvault/internal/capture"
	"github.com/fieldvault/fieldvault/internal/storage"
	"github.com/fieldvault/fieldvault/internal/storage/dolt"
	"github.com/fieldvault/fieldvault/internal/types"
)

// Core types for defining fields and saving values.
type (
	DataType             = types.DataType
	FieldDefinition      = types.FieldDefinition
	FieldDefinitionInput = types.FieldDefinitionInput
	FieldSave            = types.FieldSave
	SaveDefaults         = types.SaveDefaults
	SaveRecordResult     = types.SaveRecordResult
	FieldView            = types.FieldView
	VersionRecord        = types.VersionRecord
	Clock                = types.Clock
)

// Data type constants.
const (
	TypeString  = types.TypeString
	TypeNumber  = types.TypeNumber
	TypeDate    = types.TypeDate
	TypeBoolean = types.TypeBoolean
)

// Error kinds for branching on failures.
const (
	KindInvalidInput   = types.KindInvalidInput
	KindUnknownField   = types.KindUnknownField
	KindInactiveField  = types.KindInactiveField
	KindInvalidContext = types.KindInvalidContext
	KindNotFound       = types.KindNotFound
	KindConflict       = types.KindConflict
	KindStorage        = types.KindStorage
	KindCancelled      = types.KindCancelled
)

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind types.Kind) bool { return types.IsKind(err, kind) }

// Storage is the backend interface consumed by the capture service.
type Storage = storage.Storage

// StoreConfig configures the Dolt-backed storage.
type StoreConfig = dolt.Config

// Service is the capture facade: DefineField, SaveRecord, GetRecord,
// GetFieldAuditTrail and the listing/history operations.
type Service = capture.Service

// ServiceOptions configures optional Service collaborators.
type ServiceOptions = capture.Options

// NewStore opens a Dolt-backed capture store (embedded or server mode).
func NewStore(ctx context.Context, cfg *StoreConfig) (Storage, error) {
	return dolt.New(ctx, cfg)
}

// NewService wires a capture service over a storage backend.
func NewService(store Storage, opts *ServiceOptions) *Service {
	return capture.NewService(store, opts)
}
