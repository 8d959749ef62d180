package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	id "dossier/pkg/domain"
	dErrors "dossier/pkg/domain-errors"
	txcontext "dossier/pkg/platform/tx"
)

// PostgresTx runs fn in a database transaction holding a transaction-scoped
// advisory lock on the owner, so per-owner work serialises across processes.
// Stores and the outbox audit store pick the transaction up from ctx.
type PostgresTx struct {
	db      *sql.DB
	store   *PostgresStore
	timeout time.Duration
}

func NewPostgresTx(db *sql.DB) *PostgresTx {
	return &PostgresTx{db: db, store: NewPostgres(db), timeout: DefaultTxTimeout}
}

func (t *PostgresTx) RunInTx(ctx context.Context, ownerID id.UserID, fn func(ctx context.Context, s Store) error) error {
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, ownerID.String()); err != nil {
		return fmt.Errorf("lock owner: %w", err)
	}

	if err := fn(txcontext.WithTx(ctx, tx), t.store); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
