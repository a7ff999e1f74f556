package dolt

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fieldvault/fieldvault/internal/types"
)

// DefineField creates or updates a field definition and appends a
// field_definition_version row capturing the previous and new state.
// Definitions are never deleted; setting input.Active=false deactivates.
func (s *Store) DefineField(ctx context.Context, application string, input *types.FieldDefinitionInput, actor string) (*types.FieldDefinition, error) {
	if err := input.Validate(); err != nil {
		return nil, fmt.Errorf("invalid field definition: %w", err)
	}
	var def *types.FieldDefinition
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		def, err = defineField(ctx, tx, s.clock, application, input, actor)
		return err
	})
	return def, err
}

// LookupFields bulk-reads definitions by name. Names absent from the
// dictionary are simply missing from the result map.
func (s *Store) LookupFields(ctx context.Context, application string, names []string) (map[string]*types.FieldDefinition, error) {
	return lookupFields(ctx, retryDB{s}, application, names)
}

// ListFields returns every definition for the application, active or not,
// ordered by field name.
func (s *Store) ListFields(ctx context.Context, application string) ([]*types.FieldDefinition, error) {
	rows, err := s.queryContext(ctx, `
		SELECT id, application, field_name, data_type, label, attributes, active,
		       created_at, updated_at, created_by, updated_by
		FROM field_definition
		WHERE application = ?
		ORDER BY field_name ASC
	`, application)
	if err != nil {
		return nil, wrapDBError("list fields", err)
	}
	defer rows.Close()

	var defs []*types.FieldDefinition
	for rows.Next() {
		def, err := scanFieldDefinition(rows)
		if err != nil {
			return nil, wrapDBError("scan field definition", err)
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// GetFieldDefinitionHistory returns the appended definition-change records
// for a field, newest first.
func (s *Store) GetFieldDefinitionHistory(ctx context.Context, application, name string) ([]*types.FieldDefinitionVersion, error) {
	defs, err := s.LookupFields(ctx, application, []string{name})
	if err != nil {
		return nil, err
	}
	def, ok := defs[name]
	if !ok {
		return nil, wrapDBError("get definition history", sql.ErrNoRows)
	}

	rows, err := s.queryContext(ctx, `
		SELECT id, field_definition_id, effective_from, actor, change_description,
		       previous_state, new_state
		FROM field_definition_version
		WHERE field_definition_id = ?
		ORDER BY effective_from DESC, id DESC
	`, def.ID)
	if err != nil {
		return nil, wrapDBError("get definition history", err)
	}
	defer rows.Close()

	var versions []*types.FieldDefinitionVersion
	for rows.Next() {
		var v types.FieldDefinitionVersion
		var changeDesc string
		var prev, next sql.NullString
		if err := rows.Scan(&v.ID, &v.FieldDefinitionID, &v.EffectiveFrom, &v.Actor,
			&changeDesc, &prev, &next); err != nil {
			return nil, wrapDBError("scan definition version", err)
		}
		v.ChangeDescription = changeDesc
		if prev.Valid {
			v.PreviousState = json.RawMessage(prev.String)
		}
		if next.Valid {
			v.NewState = json.RawMessage(next.String)
		}
		versions = append(versions, &v)
	}
	return versions, rows.Err()
}

// defineField is the transactional body shared by Store.DefineField.
func defineField(ctx context.Context, q execer, clock types.Clock, application string, input *types.FieldDefinitionInput, actor string) (*types.FieldDefinition, error) {
	now := clock.Now()
	attrs := "{}"
	if len(input.Attributes) > 0 {
		attrs = string(input.Attributes)
	}

	existing, err := lookupFields(ctx, q, application, []string{input.FieldName})
	if err != nil {
		return nil, err
	}

	var def *types.FieldDefinition
	var prevState json.RawMessage
	var changeDesc string

	if prev, ok := existing[input.FieldName]; ok {
		prevState, err = json.Marshal(prev)
		if err != nil {
			return nil, fmt.Errorf("marshal previous definition state: %w", err)
		}

		active := prev.Active
		if input.Active != nil {
			active = *input.Active
		}
		_, err = q.ExecContext(ctx, `
			UPDATE field_definition
			SET data_type = ?, label = ?, attributes = ?, active = ?, updated_at = ?, updated_by = ?
			WHERE id = ?
		`, string(input.DataType), input.Label, attrs, active, now, actor, prev.ID)
		if err != nil {
			return nil, wrapDBError("update field definition", err)
		}

		def = &types.FieldDefinition{
			ID:          prev.ID,
			Application: application,
			FieldName:   input.FieldName,
			DataType:    input.DataType,
			Label:       input.Label,
			Attributes:  json.RawMessage(attrs),
			Active:      active,
			CreatedAt:   prev.CreatedAt,
			UpdatedAt:   now,
			CreatedBy:   prev.CreatedBy,
			UpdatedBy:   actor,
		}
		changeDesc = "definition updated"
	} else {
		active := true
		if input.Active != nil {
			active = *input.Active
		}
		res, err := q.ExecContext(ctx, `
			INSERT INTO field_definition
				(application, field_name, data_type, label, attributes, active,
				 created_at, updated_at, created_by, updated_by)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, application, input.FieldName, string(input.DataType), input.Label, attrs, active,
			now, now, actor, actor)
		if err != nil {
			return nil, wrapDBError("insert field definition", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("failed to get definition id: %w", err)
		}

		def = &types.FieldDefinition{
			ID:          id,
			Application: application,
			FieldName:   input.FieldName,
			DataType:    input.DataType,
			Label:       input.Label,
			Attributes:  json.RawMessage(attrs),
			Active:      active,
			CreatedAt:   now,
			UpdatedAt:   now,
			CreatedBy:   actor,
			UpdatedBy:   actor,
		}
		changeDesc = "definition created"
	}

	newState, err := json.Marshal(def)
	if err != nil {
		return nil, fmt.Errorf("marshal new definition state: %w", err)
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO field_definition_version
			(field_definition_id, effective_from, actor, change_description, previous_state, new_state)
		VALUES (?, ?, ?, ?, ?, ?)
	`, def.ID, now, actor, changeDesc, nullableBlob(prevState), string(newState))
	if err != nil {
		return nil, wrapDBError("append definition version", err)
	}

	return def, nil
}

func nullableBlob(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// lookupFields bulk-resolves definitions for the given names.
func lookupFields(ctx context.Context, q execer, application string, names []string) (map[string]*types.FieldDefinition, error) {
	result := make(map[string]*types.FieldDefinition, len(names))
	if len(names) == 0 {
		return result, nil
	}

	placeholders := make([]string, len(names))
	args := make([]any, 0, len(names)+1)
	args = append(args, application)
	for i, name := range names {
		placeholders[i] = "?"
		args = append(args, name)
	}

	// nolint:gosec // G201: placeholders contains only ? markers, values passed via args
	query := fmt.Sprintf(`
		SELECT id, application, field_name, data_type, label, attributes, active,
		       created_at, updated_at, created_by, updated_by
		FROM field_definition
		WHERE application = ? AND field_name IN (%s)
	`, strings.Join(placeholders, ","))

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError("lookup fields", err)
	}
	defer rows.Close()

	for rows.Next() {
		def, err := scanFieldDefinition(rows)
		if err != nil {
			return nil, wrapDBError("scan field definition", err)
		}
		result[def.FieldName] = def
	}
	return result, rows.Err()
}

// scanFieldDefinition scans one dictionary row in the canonical column order.
func scanFieldDefinition(rows *sql.Rows) (*types.FieldDefinition, error) {
	var def types.FieldDefinition
	var dataType string
	var attrs sql.NullString
	if err := rows.Scan(&def.ID, &def.Application, &def.FieldName, &dataType, &def.Label,
		&attrs, &def.Active, &def.CreatedAt, &def.UpdatedAt, &def.CreatedBy, &def.UpdatedBy); err != nil {
		return nil, err
	}
	def.DataType = types.DataType(dataType)
	if attrs.Valid && attrs.String != "" {
		def.Attributes = json.RawMessage(attrs.String)
	}
	return &def, nil
}
