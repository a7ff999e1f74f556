package dolt

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/fieldvault/fieldvault/internal/types"
)

// GetCurrentValues returns one FieldView per requested field name, joining
// definition metadata with the current value in the given context group.
// Fields with no captured value are still present with a nil Value, so the
// caller can tell "defined but never saved" apart from "unknown field"
// (which is simply absent from the map).
func (s *Store) GetCurrentValues(ctx context.Context, application string, contextGroupID int64, names []string) (map[string]*types.FieldView, error) {
	defs, err := s.LookupFields(ctx, application, names)
	if err != nil {
		return nil, err
	}
	result := make(map[string]*types.FieldView, len(defs))
	if len(defs) == 0 {
		return result, nil
	}

	ids := make([]int64, 0, len(defs))
	byID := make(map[int64]*types.FieldDefinition, len(defs))
	for _, def := range defs {
		ids = append(ids, def.ID)
		byID[def.ID] = def
		result[def.FieldName] = &types.FieldView{
			FieldName:  def.FieldName,
			Label:      def.Label,
			DataType:   def.DataType,
			Attributes: def.Attributes,
		}
	}

	placeholders, args := int64Placeholders(ids)
	args = append([]any{contextGroupID}, args...)

	rows, err := s.queryContext(ctx, `
		SELECT id, field_definition_id, value_string, value_number,
		       current_version_id, current_version_num, updated_at
		FROM capture_data
		WHERE context_group_id = ? AND field_definition_id IN (`+placeholders+`)
	`, args...)
	if err != nil {
		return nil, wrapDBError("read current values", err)
	}
	defer rows.Close()

	for rows.Next() {
		var captureDataID, defID int64
		var valueString, valueNumber sql.NullString
		var versionID sql.NullInt64
		var versionNum int
		var updatedAt time.Time
		if err := rows.Scan(&captureDataID, &defID, &valueString, &valueNumber,
			&versionID, &versionNum, &updatedAt); err != nil {
			return nil, wrapDBError("scan current value", err)
		}

		def := byID[defID]
		if def == nil || versionNum == 0 {
			continue
		}
		view := result[def.FieldName]
		view.Value = types.DecodeValue(def.DataType, stringPtr(valueString), stringPtr(valueNumber))
		v := versionNum
		view.Version = &v
		t := updatedAt
		view.UpdatedAt = &t
		id := captureDataID
		view.CaptureDataID = &id
		if versionID.Valid {
			vid := versionID.Int64
			view.VersionID = &vid
		}
	}
	return result, rows.Err()
}

// GetFieldAuditTrail returns every saved version of one field in one context
// group, ascending by version number. storage.ErrNotFound when the field is
// not defined or the pair has no captured values.
func (s *Store) GetFieldAuditTrail(ctx context.Context, application string, contextGroupID int64, name string) ([]*types.VersionRecord, error) {
	defs, err := s.LookupFields(ctx, application, []string{name})
	if err != nil {
		return nil, err
	}
	def, ok := defs[name]
	if !ok {
		return nil, wrapDBError("get audit trail", sql.ErrNoRows)
	}

	var captureDataID int64
	err = s.queryRowContext(ctx, `
		SELECT id FROM capture_data
		WHERE field_definition_id = ? AND context_group_id = ?
	`, def.ID, contextGroupID).Scan(&captureDataID)
	if err != nil {
		return nil, wrapDBError("get audit trail", err)
	}

	rows, err := s.queryContext(ctx, `
		SELECT sequential_version_num, value_string_versioned, value_number_versioned,
		       changed_at, changed_by, change_reason, signature_type, event_type
		FROM capture_data_version
		WHERE capture_data_id = ?
		ORDER BY sequential_version_num ASC
	`, captureDataID)
	if err != nil {
		return nil, wrapDBError("get audit trail", err)
	}
	defer rows.Close()

	var records []*types.VersionRecord
	for rows.Next() {
		var rec types.VersionRecord
		var valueString, valueNumber, reason, sigType, eventType sql.NullString
		if err := rows.Scan(&rec.Version, &valueString, &valueNumber,
			&rec.ChangedAt, &rec.Actor, &reason, &sigType, &eventType); err != nil {
			return nil, wrapDBError("scan version record", err)
		}
		rec.Value = types.DecodeValue(def.DataType, stringPtr(valueString), stringPtr(valueNumber))
		rec.Reason = valueOrEmpty(reason)
		rec.SignatureType = valueOrEmpty(sigType)
		rec.EventType = valueOrEmpty(eventType)
		records = append(records, &rec)
	}
	return records, rows.Err()
}

// WriteAuditEvent appends one coarse audit row outside any transaction.
func (s *Store) WriteAuditEvent(ctx context.Context, event *types.AuditEvent) error {
	return writeAuditEvent(ctx, retryDB{s}, s.clock, event)
}

// GetAuditEvents returns the most recent audit rows for an application,
// newest first. limit <= 0 means a default page of 100.
func (s *Store) GetAuditEvents(ctx context.Context, application string, limit int) ([]*types.AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.queryContext(ctx, `
		SELECT id, ts, actor, application, event_type, affected_type, affected_id, details
		FROM audit_event
		WHERE application = ?
		ORDER BY ts DESC, id DESC
		LIMIT ?
	`, application, limit)
	if err != nil {
		return nil, wrapDBError("get audit events", err)
	}
	defer rows.Close()

	var events []*types.AuditEvent
	for rows.Next() {
		var ev types.AuditEvent
		var details sql.NullString
		if err := rows.Scan(&ev.ID, &ev.Timestamp, &ev.Actor, &ev.Application,
			&ev.EventType, &ev.AffectedType, &ev.AffectedID, &details); err != nil {
			return nil, wrapDBError("scan audit event", err)
		}
		if details.Valid && details.String != "" {
			ev.Details = json.RawMessage(details.String)
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

func writeAuditEvent(ctx context.Context, q execer, clock types.Clock, event *types.AuditEvent) error {
	ts := event.Timestamp
	if ts.IsZero() {
		ts = clock.Now()
	}
	var details any
	if len(event.Details) > 0 {
		details = string(event.Details)
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO audit_event (ts, actor, application, event_type, affected_type, affected_id, details)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, ts, event.Actor, event.Application, event.EventType, event.AffectedType, event.AffectedID, details)
	if err != nil {
		return wrapDBError("write audit event", err)
	}
	return nil
}

func valueOrEmpty(ns sql.NullString) string {
	if !ns.Valid {
		return ""
	}
	return ns.String
}

// int64Placeholders builds a "?,?,..." list plus its argument slice.
func int64Placeholders(ids []int64) (string, []any) {
	args := make([]any, len(ids))
	b := make([]byte, 0, len(ids)*2)
	for i, id := range ids {
		if i > 0 {
			b = append(b, ',')
		}
		b = append(b, '?')
		args[i] = id
	}
	return string(b), args
}
