//Package guard wraps access to a SQLite database file on shared network
//storage. Mutating statements run inside a scoped acquisition of the
//distributed lock; read-only statements execute directly without any
//coordination traffic.
package guard

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/efficient-solutions/go-sqlite-efs/lock"
	"github.com/efficient-solutions/go-sqlite-efs/statement"
)

//SQLite tuning for database files on shared network storage: prioritize
//integrity over speed, keep temporary state and cache in memory.
var initPragmas = []string{
	"PRAGMA synchronous = EXTRA",
	"PRAGMA temp_store = MEMORY",
	"PRAGMA cache_spill = FALSE",
	"PRAGMA cache_size = -268435456",
	"PRAGMA mmap_size = 268435456",
}

type Options struct {
	Coordinator *lock.Coordinator
	Logger      *zap.Logger
}

type Guard struct {
	db          *sql.DB
	path        string
	coordinator *lock.Coordinator
	logger      *zap.Logger

	//mutex serializes guarded statements; txHandle is the lock held across
	//a raw explicit transaction, from its BEGIN until the matching COMMIT
	//or ROLLBACK
	mutex    sync.Mutex
	txHandle *lock.Handle
}

/*
Open opens the SQLite database at path on a single connection with the
network-storage PRAGMAs applied. If a rollback journal is present, an
interrupted transaction may still be recovered by SQLite at open time, so
the lock is held around the open.
*/
func Open(ctx context.Context, path string, opts Options) (*Guard, error) {
	if opts.Coordinator == nil {
		return nil, errors.New("guard: a lock coordinator is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	g := &Guard{
		path:        path,
		coordinator: opts.Coordinator,
		logger:      logger,
	}

	if g.rollbackJournalExists() {
		logger.Warn("Rollback journal found, acquiring lock before opening database",
			zap.String("path", path),
		)
		handle, err := opts.Coordinator.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		defer handle.Release(ctx)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	//A single connection and no pooling: every statement sees the same
	//session and the PRAGMAs below apply to all of them
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	for _, pragma := range initPragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	g.db = db
	return g, nil
}

func (g *Guard) rollbackJournalExists() bool {
	_, err := os.Stat(g.path + "-journal")
	return err == nil
}

//DB exposes the underlying connection for callers that manage locking
//themselves.
func (g *Guard) DB() *sql.DB {
	return g.db
}

//acquireUnlessHeld returns the handle guarding the statement and whether
//this call owns its release. Statements inside a raw explicit transaction
//run under the transaction's handle and must not release it. Callers hold
//the guard's mutex.
func (g *Guard) acquireUnlessHeld(ctx context.Context) (*lock.Handle, bool, error) {
	if g.txHandle != nil {
		return g.txHandle, false, nil
	}

	handle, err := g.coordinator.Acquire(ctx)
	if err != nil {
		return nil, false, err
	}
	return handle, true, nil
}

/*
Exec runs a statement. Mutating statements acquire the lock first and
release it on every exit path; acquisition failure means the statement is
never attempted. Read-only statements bypass the coordinator entirely.
A raw BEGIN keeps the lock held until the matching COMMIT or ROLLBACK goes
through Exec; a failed COMMIT or ROLLBACK retains it, leaving the record's
expiry as the recovery path.
*/
func (g *Guard) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if !statement.RequiresLock(query) {
		return g.db.ExecContext(ctx, query, args...)
	}

	g.mutex.Lock()
	defer g.mutex.Unlock()

	handle, owned, err := g.acquireUnlessHeld(ctx)
	if err != nil {
		return nil, err
	}

	result, execErr := g.db.ExecContext(ctx, query, args...)

	if owned {
		if execErr == nil && statement.IsTransactionStart(query) {
			//The transaction outlives this statement
			g.txHandle = handle
		} else {
			handle.Release(ctx)
		}
		return result, execErr
	}

	if statement.IsTransactionEnd(query) {
		if execErr != nil {
			g.logger.Error("Transaction statement failed, database lock retained",
				zap.Error(execErr),
			)
			return result, execErr
		}
		handle.Release(ctx)
		g.txHandle = nil
	}

	return result, execErr
}

/*
Rows wraps a result set. For a mutating query the driver only steps the
statement during row iteration, so the lock is held until Close; read-only
result sets carry no lock.
*/
type Rows struct {
	*sql.Rows
	handle     *lock.Handle
	releaseCtx context.Context
}

func (r *Rows) Close() error {
	err := r.Rows.Close()
	if r.handle != nil {
		r.handle.Release(r.releaseCtx)
	}
	return err
}

/*
Query runs a query, locking only if it can mutate (e.g. INSERT ... RETURNING).
The statement executes lazily as the rows are iterated, so the lock is only
released when the returned rows are closed.
*/
func (g *Guard) Query(ctx context.Context, query string, args ...any) (*Rows, error) {
	if !statement.RequiresLock(query) {
		rows, err := g.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, err
		}
		return &Rows{Rows: rows}, nil
	}

	g.mutex.Lock()
	defer g.mutex.Unlock()

	handle, owned, err := g.acquireUnlessHeld(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := g.db.QueryContext(ctx, query, args...)
	if err != nil {
		if owned {
			handle.Release(ctx)
		}
		return nil, err
	}

	wrapped := &Rows{Rows: rows, releaseCtx: ctx}
	if owned {
		wrapped.handle = handle
	}
	return wrapped, nil
}

/*
Row wraps a single-row result. A mutating query executes during Scan, so
the lock is released right after it.
*/
type Row struct {
	row        *sql.Row
	handle     *lock.Handle
	releaseCtx context.Context
}

func (r *Row) Scan(dest ...any) error {
	err := r.row.Scan(dest...)
	if r.handle != nil {
		r.handle.Release(r.releaseCtx)
	}
	return err
}

func (r *Row) Err() error {
	return r.row.Err()
}

/*
QueryRow runs a single-row query with the same lock policy as Query. Unlike
database/sql it returns acquisition failures eagerly instead of deferring
them to Scan, since a failed acquisition means the statement never ran.
*/
func (g *Guard) QueryRow(ctx context.Context, query string, args ...any) (*Row, error) {
	if !statement.RequiresLock(query) {
		return &Row{row: g.db.QueryRowContext(ctx, query, args...)}, nil
	}

	g.mutex.Lock()
	defer g.mutex.Unlock()

	handle, owned, err := g.acquireUnlessHeld(ctx)
	if err != nil {
		return nil, err
	}

	wrapped := &Row{row: g.db.QueryRowContext(ctx, query, args...), releaseCtx: ctx}
	if owned {
		wrapped.handle = handle
	}
	return wrapped, nil
}

/*
Close closes the database connection. Closing rolls back a still-open raw
transaction, so its lock is released afterwards. If a rollback journal
exists without such a transaction, another instance may be mid-transaction
and closing is skipped; the connection will be torn down with the process.
*/
func (g *Guard) Close(ctx context.Context) error {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	if g.txHandle != nil {
		if err := g.db.Close(); err != nil {
			return err
		}
		g.txHandle.Release(ctx)
		g.txHandle = nil
		return nil
	}

	if g.rollbackJournalExists() {
		g.logger.Warn("Rollback journal exists, skipping database connection closure",
			zap.String("path", g.path),
		)
		return nil
	}

	return g.db.Close()
}
