// Package capture is the service facade over the capture store. It composes
// context resolution, the field dictionary, and the value versioner into the
// four public operations, converts storage errors into the stable typed
// taxonomy, and never exposes partial success.
package capture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/fieldvault/fieldvault/internal/storage"
	"github.com/fieldvault/fieldvault/internal/types"
)

// Service is the capture facade. It is safe for concurrent use; every call
// carries its own transactional scope.
type Service struct {
	store        storage.Storage
	log          *logrus.Logger
	defaultActor string
}

// Options configures optional Service collaborators.
type Options struct {
	// Logger receives structured operation events. Defaults to a logger
	// that discards everything below warning.
	Logger *logrus.Logger

	// DefaultActor attributes writes when the caller passes an empty
	// actor string.
	DefaultActor string
}

// NewService wires a facade over a storage backend.
func NewService(store storage.Storage, opts *Options) *Service {
	if opts == nil {
		opts = &Options{}
	}
	log := opts.Logger
	if log == nil {
		log = logrus.New()
		log.SetLevel(logrus.WarnLevel)
	}
	actor := opts.DefaultActor
	if actor == "" {
		actor = "system"
	}
	return &Service{store: store, log: log, defaultActor: actor}
}

// DefineField creates or updates a field definition. Updates are versioned:
// every call appends a definition-history record. Deactivation goes through
// the same path with input.Active=false.
func (s *Service) DefineField(ctx context.Context, application string, input *types.FieldDefinitionInput, actor string) (*types.FieldDefinition, error) {
	if application == "" {
		return nil, types.E(types.KindInvalidInput, "application is required")
	}
	if input == nil {
		return nil, types.E(types.KindInvalidInput, "field definition is required")
	}
	if err := input.Validate(); err != nil {
		return nil, types.WrapE(types.KindInvalidInput, err, "invalid field definition: %v", err)
	}
	actor = s.resolveActor(actor)

	def, err := s.store.DefineField(ctx, application, input, actor)
	if err != nil {
		return nil, s.mapError(err, "define field %q", input.FieldName)
	}

	s.writeAuditEvent(ctx, &types.AuditEvent{
		Actor:        actor,
		Application:  application,
		EventType:    types.AuditFieldDefined,
		AffectedType: "field_definition",
		AffectedID:   def.FieldName,
	})

	s.log.WithFields(logrus.Fields{
		"application": application,
		"field":       def.FieldName,
		"active":      def.Active,
		"actor":       actor,
	}).Info("field defined")

	return def, nil
}

// SaveRecord persists a batch of field values against one business-key
// context, all-or-nothing. A lost insert race (new context group or new hot
// row) surfaces as a conflict and is retried once on a fresh transaction;
// a second conflict is returned to the caller.
func (s *Service) SaveRecord(ctx context.Context, application string, contextKeys map[string]string, fields []types.FieldSave, actor string, defaults types.SaveDefaults) (*types.SaveRecordResult, error) {
	if application == "" {
		return nil, types.E(types.KindInvalidInput, "application is required")
	}
	if len(fields) == 0 {
		return nil, types.E(types.KindInvalidInput, "save requires at least one field")
	}
	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		if f.Field == "" {
			return nil, types.E(types.KindInvalidInput, "field name must be non-empty")
		}
		if seen[f.Field] {
			return nil, types.E(types.KindInvalidInput, "duplicate field %q in batch", f.Field)
		}
		seen[f.Field] = true
		if f.Value == nil {
			return nil, types.E(types.KindInvalidInput, "field %q has no value", f.Field)
		}
	}
	if err := types.ValidateContext(contextKeys); err != nil {
		return nil, types.WrapE(types.KindInvalidContext, err, "invalid context: %v", err)
	}
	actor = s.resolveActor(actor)

	result, err := s.saveRecordTx(ctx, application, contextKeys, fields, actor, defaults)
	if err != nil && types.KindOf(err) == types.KindConflict {
		// Lost race for a newly inserted context group or hot row. The
		// winner's row is committed now, so one retry resolves it.
		s.log.WithFields(logrus.Fields{
			"application": application,
			"actor":       actor,
		}).Warn("save conflicted, retrying once")
		result, err = s.saveRecordTx(ctx, application, contextKeys, fields, actor, defaults)
	}
	if err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"application":      application,
		"context_group_id": result.ContextGroupID,
		"fields":           len(result.Saved),
		"actor":            actor,
	}).Info("record saved")

	return result, nil
}

// saveRecordTx runs one attempt of the batch inside a single transaction.
func (s *Service) saveRecordTx(ctx context.Context, application string, contextKeys map[string]string, fields []types.FieldSave, actor string, defaults types.SaveDefaults) (*types.SaveRecordResult, error) {
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.Field
	}

	var result *types.SaveRecordResult
	err := s.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		groupID, err := tx.ResolveContext(ctx, application, contextKeys)
		if err != nil {
			return err
		}

		defs, err := tx.LookupFields(ctx, application, names)
		if err != nil {
			return err
		}

		saved := make([]types.FieldSaveResult, 0, len(fields))
		for _, f := range fields {
			def, ok := defs[f.Field]
			if !ok {
				return types.E(types.KindUnknownField, "field %q is not defined for application %q", f.Field, application)
			}
			if !def.Active {
				return types.E(types.KindInactiveField, "field %q is inactive", f.Field)
			}
			if _, _, encErr := types.EncodeValue(def.DataType, f.Value); encErr != nil {
				return types.WrapE(types.KindInvalidInput, encErr, "field %q: %v", f.Field, encErr)
			}

			req := &storage.SaveFieldRequest{
				ContextGroupID: groupID,
				Definition:     def,
				Value:          f.Value,
				Actor:          actor,
				Reason:         firstNonEmpty(f.Reason, defaults.Reason),
				EventType:      firstNonEmpty(f.EventType, defaults.EventType),
				SignatureType:  firstNonEmpty(f.SignatureType, defaults.SignatureType),
			}
			res, err := tx.SaveFieldValue(ctx, req)
			if err != nil {
				return err
			}
			saved = append(saved, *res)
		}

		if err := s.writeSaveAudit(ctx, tx, application, actor, groupID, names); err != nil {
			return err
		}

		result = &types.SaveRecordResult{ContextGroupID: groupID, Saved: saved}
		return nil
	})
	if err != nil {
		return nil, s.mapError(err, "save record")
	}
	return result, nil
}

// GetRecord returns the current value of each requested field in the given
// context, joined with definition metadata. With no names, every field
// defined for the application is returned. Fields with no captured value
// carry a nil value; a context that was never resolved yields all-nil values.
func (s *Service) GetRecord(ctx context.Context, application string, contextKeys map[string]string, names []string) (map[string]*types.FieldView, error) {
	if application == "" {
		return nil, types.E(types.KindInvalidInput, "application is required")
	}
	if err := types.ValidateContext(contextKeys); err != nil {
		return nil, types.WrapE(types.KindInvalidContext, err, "invalid context: %v", err)
	}

	if len(names) == 0 {
		defs, err := s.store.ListFields(ctx, application)
		if err != nil {
			return nil, s.mapError(err, "list fields")
		}
		names = make([]string, len(defs))
		for i, def := range defs {
			names[i] = def.FieldName
		}
		if len(names) == 0 {
			return map[string]*types.FieldView{}, nil
		}
	} else {
		defs, err := s.store.LookupFields(ctx, application, names)
		if err != nil {
			return nil, s.mapError(err, "lookup fields")
		}
		for _, name := range names {
			if _, ok := defs[name]; !ok {
				return nil, types.E(types.KindUnknownField, "field %q is not defined for application %q", name, application)
			}
		}
	}

	groupID, err := s.store.FindContext(ctx, application, contextKeys)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Nothing captured in this context yet: definition metadata
			// with nil values, same shape as a resolved-but-empty read.
			return s.emptyViews(ctx, application, names)
		}
		return nil, s.mapError(err, "resolve context")
	}

	views, err := s.store.GetCurrentValues(ctx, application, groupID, names)
	if err != nil {
		return nil, s.mapError(err, "read current values")
	}
	return views, nil
}

// GetFieldAuditTrail returns every saved version of one field in one
// context, ascending. A known field with no captured data yields an empty
// trail; an unknown field is an error.
func (s *Service) GetFieldAuditTrail(ctx context.Context, application string, contextKeys map[string]string, name string) ([]*types.VersionRecord, error) {
	if application == "" {
		return nil, types.E(types.KindInvalidInput, "application is required")
	}
	if name == "" {
		return nil, types.E(types.KindInvalidInput, "field name is required")
	}
	if err := types.ValidateContext(contextKeys); err != nil {
		return nil, types.WrapE(types.KindInvalidContext, err, "invalid context: %v", err)
	}

	defs, err := s.store.LookupFields(ctx, application, []string{name})
	if err != nil {
		return nil, s.mapError(err, "lookup field %q", name)
	}
	if _, ok := defs[name]; !ok {
		return nil, types.E(types.KindUnknownField, "field %q is not defined for application %q", name, application)
	}

	groupID, err := s.store.FindContext(ctx, application, contextKeys)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return []*types.VersionRecord{}, nil
		}
		return nil, s.mapError(err, "resolve context")
	}

	records, err := s.store.GetFieldAuditTrail(ctx, application, groupID, name)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return []*types.VersionRecord{}, nil
		}
		return nil, s.mapError(err, "read audit trail")
	}
	return records, nil
}

// ListFields returns the full dictionary for an application.
func (s *Service) ListFields(ctx context.Context, application string) ([]*types.FieldDefinition, error) {
	if application == "" {
		return nil, types.E(types.KindInvalidInput, "application is required")
	}
	defs, err := s.store.ListFields(ctx, application)
	if err != nil {
		return nil, s.mapError(err, "list fields")
	}
	return defs, nil
}

// GetFieldDefinitionHistory returns the versioned definition changes for a
// field, newest first.
func (s *Service) GetFieldDefinitionHistory(ctx context.Context, application, name string) ([]*types.FieldDefinitionVersion, error) {
	if application == "" {
		return nil, types.E(types.KindInvalidInput, "application is required")
	}
	if name == "" {
		return nil, types.E(types.KindInvalidInput, "field name is required")
	}
	history, err := s.store.GetFieldDefinitionHistory(ctx, application, name)
	if err != nil {
		return nil, s.mapError(err, "definition history for %q", name)
	}
	return history, nil
}

// GetAuditEvents returns recent coarse audit rows, newest first.
func (s *Service) GetAuditEvents(ctx context.Context, application string, limit int) ([]*types.AuditEvent, error) {
	if application == "" {
		return nil, types.E(types.KindInvalidInput, "application is required")
	}
	events, err := s.store.GetAuditEvents(ctx, application, limit)
	if err != nil {
		return nil, s.mapError(err, "read audit events")
	}
	return events, nil
}

// emptyViews builds the all-nil-value result shape for an unresolved context.
func (s *Service) emptyViews(ctx context.Context, application string, names []string) (map[string]*types.FieldView, error) {
	defs, err := s.store.LookupFields(ctx, application, names)
	if err != nil {
		return nil, s.mapError(err, "lookup fields")
	}
	views := make(map[string]*types.FieldView, len(defs))
	for name, def := range defs {
		views[name] = &types.FieldView{
			FieldName:  def.FieldName,
			Label:      def.Label,
			DataType:   def.DataType,
			Attributes: def.Attributes,
		}
	}
	return views, nil
}

// writeSaveAudit appends the coarse record_saved row inside the transaction.
func (s *Service) writeSaveAudit(ctx context.Context, tx storage.Transaction, application, actor string, groupID int64, names []string) error {
	details, err := json.Marshal(map[string]any{
		"context_group_id": groupID,
		"fields":           names,
	})
	if err != nil {
		return fmt.Errorf("marshal audit details: %w", err)
	}
	return tx.WriteAuditEvent(ctx, &types.AuditEvent{
		Actor:        actor,
		Application:  application,
		EventType:    types.AuditRecordSaved,
		AffectedType: "context_group",
		AffectedID:   fmt.Sprintf("%d", groupID),
		Details:      details,
	})
}

// writeAuditEvent appends a coarse audit row outside any transaction,
// best effort: failures are logged, never surfaced.
func (s *Service) writeAuditEvent(ctx context.Context, event *types.AuditEvent) {
	if err := s.store.WriteAuditEvent(ctx, event); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"application": event.Application,
			"event_type":  event.EventType,
		}).Warn("failed to write audit event")
	}
}

func (s *Service) resolveActor(actor string) string {
	if actor == "" {
		return s.defaultActor
	}
	return actor
}

// mapError converts storage-layer failures into the typed taxonomy. Typed
// errors pass through unchanged; raw storage details never reach the caller.
func (s *Service) mapError(err error, format string, args ...any) error {
	var typed *types.Error
	if errors.As(err, &typed) {
		return typed
	}
	msg := fmt.Sprintf(format, args...)
	switch {
	case errors.Is(err, storage.ErrConflict):
		return types.WrapE(types.KindConflict, err, "%s: concurrent write detected", msg)
	case errors.Is(err, storage.ErrNotFound):
		return types.WrapE(types.KindNotFound, err, "%s: not found", msg)
	case errors.Is(err, storage.ErrInactive):
		return types.WrapE(types.KindInactiveField, err, "%s: field is inactive", msg)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return types.WrapE(types.KindCancelled, err, "%s: cancelled", msg)
	default:
		return types.WrapE(types.KindStorage, err, "%s: storage failure", msg)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
