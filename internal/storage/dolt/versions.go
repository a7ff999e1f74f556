package dolt

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/fieldvault/fieldvault/internal/storage"
	"github.com/fieldvault/fieldvault/internal/types"
)

// saveFieldValue runs the supersede+insert protocol for one
// (context group, field) pair inside an open transaction:
//
//  1. Lock the pair's hot row with SELECT ... FOR UPDATE. Concurrent writers
//     to the same pair queue here until this transaction ends.
//  2. No hot row yet: insert one at version 0, then write version 1.
//     Hot row present: the next version is current + 1.
//  3. Insert the immutable capture_data_version row.
//  4. Update the hot row's value slots and current-version pointers.
//
// Two writers racing to create the same pair's first row collide on
// uq_capture_pair; the loser gets storage.ErrConflict and must retry on a
// fresh transaction. Sequence numbers per pair are gap-free from 1.
func saveFieldValue(ctx context.Context, tx *sql.Tx, clock types.Clock, req *storage.SaveFieldRequest) (*types.FieldSaveResult, error) {
	def := req.Definition
	if def == nil {
		return nil, fmt.Errorf("save requires a field definition")
	}
	if !def.Active {
		return nil, fmt.Errorf("field %q: %w", def.FieldName, storage.ErrInactive)
	}

	valueString, valueNumber, err := types.EncodeValue(def.DataType, req.Value)
	if err != nil {
		return nil, fmt.Errorf("field %q: %w", def.FieldName, err)
	}

	now := clock.Now()

	var captureDataID int64
	var currentVersion int
	err = tx.QueryRowContext(ctx, `
		SELECT id, current_version_num FROM capture_data
		WHERE field_definition_id = ? AND context_group_id = ?
		FOR UPDATE
	`, def.ID, req.ContextGroupID).Scan(&captureDataID, &currentVersion)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		// First save for this pair. Insert the hot row before the version
		// row so the version has a parent to reference; a racing first
		// writer loses here on uq_capture_pair.
		res, insErr := tx.ExecContext(ctx, `
			INSERT INTO capture_data
				(field_definition_id, context_group_id, current_version_num, created_at, updated_at)
			VALUES (?, ?, 0, ?, ?)
		`, def.ID, req.ContextGroupID, now, now)
		if insErr != nil {
			return nil, wrapDBError("insert capture row", insErr)
		}
		captureDataID, insErr = res.LastInsertId()
		if insErr != nil {
			return nil, fmt.Errorf("failed to get capture row id: %w", insErr)
		}
		currentVersion = 0
	case err != nil:
		return nil, wrapDBError("lock capture row", err)
	}

	nextVersion := currentVersion + 1

	eventType := req.EventType
	if eventType == "" {
		if nextVersion == 1 {
			eventType = types.EventInitialEntry
		} else {
			eventType = types.EventCorrection
		}
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO capture_data_version
			(capture_data_id, sequential_version_num, value_string_versioned, value_number_versioned,
			 changed_at, changed_by, change_reason, signature_type, event_type)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, captureDataID, nextVersion, nullString(valueString), nullString(valueNumber),
		now, req.Actor, emptyToNull(req.Reason), emptyToNull(req.SignatureType), eventType)
	if err != nil {
		return nil, wrapDBError("insert capture version", err)
	}
	versionID, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get version id: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE capture_data
		SET value_string = ?, value_number = ?, current_version_id = ?, current_version_num = ?, updated_at = ?
		WHERE id = ?
	`, nullString(valueString), nullString(valueNumber), versionID, nextVersion, now, captureDataID)
	if err != nil {
		return nil, wrapDBError("update capture row", err)
	}

	return &types.FieldSaveResult{
		FieldName:            def.FieldName,
		CaptureDataID:        captureDataID,
		VersionID:            versionID,
		SequentialVersionNum: nextVersion,
	}, nil
}

func emptyToNull(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
