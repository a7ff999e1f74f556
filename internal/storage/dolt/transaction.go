package dolt

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/fieldvault/fieldvault/internal/storage"
	"github.com/fieldvault/fieldvault/internal/types"
)

// RunInTransaction executes fn within a database transaction. A non-nil error
// from fn rolls the transaction back; a panic rolls back and is re-raised;
// otherwise the transaction is committed.
//
// Everything a record save does -- context resolution, per-field row locks,
// version inserts, the audit row -- runs through one of these, so a batch
// lands entirely or not at all.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx storage.Transaction) error) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return fn(&txStorage{tx: tx, clock: s.clock})
	})
}

// withTx is the shared begin/rollback/commit wrapper.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if s.closed.Load() {
		return fmt.Errorf("store is closed")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapDBError("begin transaction", err)
	}

	committed := false
	defer func() {
		if !committed {
			// Rollback on error or panic. The rollback error is
			// deliberately dropped; the original failure matters more.
			_ = tx.Rollback()
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return wrapDBError("commit transaction", err)
	}
	committed = true
	return nil
}

// txStorage implements storage.Transaction over one open *sql.Tx.
type txStorage struct {
	tx    *sql.Tx
	clock types.Clock
}

var _ storage.Transaction = (*txStorage)(nil)

func (t *txStorage) ResolveContext(ctx context.Context, application string, keys map[string]string) (int64, error) {
	return resolveContext(ctx, t.tx, t.clock, application, keys)
}

func (t *txStorage) LookupFields(ctx context.Context, application string, names []string) (map[string]*types.FieldDefinition, error) {
	return lookupFields(ctx, t.tx, application, names)
}

func (t *txStorage) SaveFieldValue(ctx context.Context, req *storage.SaveFieldRequest) (*types.FieldSaveResult, error) {
	return saveFieldValue(ctx, t.tx, t.clock, req)
}

func (t *txStorage) WriteAuditEvent(ctx context.Context, event *types.AuditEvent) error {
	return writeAuditEvent(ctx, t.tx, t.clock, event)
}
