package guard

import (
	"context"
	"database/sql"
	"errors"

	"go.uber.org/zap"

	"github.com/efficient-solutions/go-sqlite-efs/lock"
)

/*
Tx is an explicit transaction holding the distributed lock from Begin until
Commit or Rollback. The whole transaction is mutating by definition, so no
per-statement classification happens inside it.
*/
type Tx struct {
	tx     *sql.Tx
	handle *lock.Handle
	logger *zap.Logger
}

/*
Begin acquires the lock and opens a transaction. The lock is held across the
transaction's whole lifetime; acquisition failure means no transaction is
opened.
*/
func (g *Guard) Begin(ctx context.Context) (*Tx, error) {
	handle, err := g.coordinator.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		handle.Release(ctx)
		return nil, err
	}

	return &Tx{tx: tx, handle: handle, logger: g.logger}, nil
}

func (t *Tx) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, query, args...)
}

func (t *Tx) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, query, args...)
}

func (t *Tx) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, query, args...)
}

/*
Commit commits the transaction and releases the lock. A failed commit keeps
the lock held: the rollback journal may still be live on disk, and the
record's expiry is the recovery path.
*/
func (t *Tx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(); err != nil {
		if errors.Is(err, sql.ErrTxDone) {
			return err
		}
		t.logger.Error("Transaction commit failed, database lock retained",
			zap.Error(err),
		)
		return err
	}

	t.handle.Release(ctx)
	return nil
}

/*
Rollback rolls the transaction back and releases the lock, with the same
retention rule as Commit on failure.
*/
func (t *Tx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(); err != nil {
		if errors.Is(err, sql.ErrTxDone) {
			return err
		}
		t.logger.Error("Transaction rollback failed, database lock retained",
			zap.Error(err),
		)
		return err
	}

	t.handle.Release(ctx)
	return nil
}
