package dolt

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/fieldvault/fieldvault/internal/storage"
	"github.com/fieldvault/fieldvault/internal/types"
)

// ResolveContext finds or creates the context group for a business-key set.
// The fingerprint is deterministic, so concurrent resolutions of the same set
// converge on one row: the loser of an insert race re-reads the winner's row.
func (s *Store) ResolveContext(ctx context.Context, application string, keys map[string]string) (int64, error) {
	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		id, err = resolveContext(ctx, tx, s.clock, application, keys)
		return err
	})
	return id, err
}

// FindContext looks up an existing context group without creating one.
// Returns storage.ErrNotFound when the set has never been resolved.
func (s *Store) FindContext(ctx context.Context, application string, keys map[string]string) (int64, error) {
	if err := types.ValidateContext(keys); err != nil {
		return 0, fmt.Errorf("invalid context: %w", err)
	}
	fingerprint := types.ContextFingerprint(keys)
	return findContextByFingerprint(ctx, retryDB{s}, application, fingerprint)
}

// GetContextGroup reads a context group header plus its business keys.
func (s *Store) GetContextGroup(ctx context.Context, id int64) (*types.ContextGroup, error) {
	var group types.ContextGroup
	err := s.queryRowContext(ctx, `
		SELECT id, application, fingerprint, created_at
		FROM context_group WHERE id = ?
	`, id).Scan(&group.ID, &group.Application, &group.Fingerprint, &group.CreatedAt)
	if err != nil {
		return nil, wrapDBError("get context group", err)
	}

	rows, err := s.queryContext(ctx, `
		SELECT ctx_key, ctx_value FROM context_group_item
		WHERE context_group_id = ? ORDER BY ctx_key ASC
	`, id)
	if err != nil {
		return nil, wrapDBError("get context items", err)
	}
	defer rows.Close()

	for rows.Next() {
		var item types.ContextItem
		if err := rows.Scan(&item.Key, &item.Value); err != nil {
			return nil, wrapDBError("scan context item", err)
		}
		group.Items = append(group.Items, item)
	}
	return &group, rows.Err()
}

// resolveContext is the transactional body shared by Store.ResolveContext and
// the transaction-scoped resolver used during saves.
func resolveContext(ctx context.Context, q execer, clock types.Clock, application string, keys map[string]string) (int64, error) {
	if err := types.ValidateContext(keys); err != nil {
		return 0, fmt.Errorf("invalid context: %w", err)
	}
	fingerprint := types.ContextFingerprint(keys)

	id, err := findContextByFingerprint(ctx, q, application, fingerprint)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return 0, err
	}

	res, err := q.ExecContext(ctx, `
		INSERT INTO context_group (application, fingerprint, created_at)
		VALUES (?, ?, ?)
	`, application, fingerprint, clock.Now())
	if err != nil {
		wrapped := wrapDBError("insert context group", err)
		if errors.Is(wrapped, storage.ErrConflict) {
			// Lost the insert race: another writer created the group
			// between our lookup and insert. Its row is what we wanted.
			// Under snapshot isolation the committed row may not be
			// visible yet; in that case surface the conflict so the
			// caller retries on a fresh transaction.
			id, rerr := findContextByFingerprint(ctx, q, application, fingerprint)
			if rerr == nil {
				return id, nil
			}
			return 0, wrapped
		}
		return 0, wrapped
	}
	id, err = res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get context group id: %w", err)
	}

	for _, item := range types.CanonicalItems(keys) {
		_, err := q.ExecContext(ctx, `
			INSERT INTO context_group_item (context_group_id, ctx_key, ctx_value)
			VALUES (?, ?, ?)
		`, id, item.Key, item.Value)
		if err != nil {
			return 0, wrapDBError("insert context item", err)
		}
	}

	return id, nil
}

func findContextByFingerprint(ctx context.Context, q execer, application, fingerprint string) (int64, error) {
	var id int64
	err := q.QueryRowContext(ctx, `
		SELECT id FROM context_group WHERE application = ? AND fingerprint = ?
	`, application, fingerprint).Scan(&id)
	if err != nil {
		return 0, wrapDBError("find context group", err)
	}
	return id, nil
}
