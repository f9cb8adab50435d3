package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/xrg/akonadi/notify"
)

const idleCloseInterval = 5 * time.Minute
const keepAliveInterval = time.Hour

// recordedStmt is one executed statement inside an outermost
// transaction, kept so a deadlock can be replayed from scratch with
// freshly prepared statements (spec.md §4.3).
type recordedStmt struct {
	query string
	args  []interface{}
}

// DataStore is a per-connection database session: a nested-transaction
// counter, a statement recorder for deadlock replay, and the pending
// notification collector for the transaction currently open on it
// (spec.md §4.3). Callers give a DataStore to exactly one goroutine
// for its lifetime — Go has no thread-local storage, so where spec.md
// speaks of "per-thread", this package binds one DataStore per
// connection-serving goroutine instead (SPEC_FULL.md §6).
type DataStore struct {
	backend *Backend
	caches  *caches

	mu       sync.Mutex
	conn     *sql.Conn
	tx       *sql.Tx
	level    int
	recorded []recordedStmt

	Collector *notify.Collector

	// Publish is called with the collector's buffered notifications on
	// every successful outermost commit (spec.md §4.4 step 2). The
	// server wires this to a notify.Manager's Publish method; nil is a
	// valid no-op for tests that don't care about notifications.
	Publish func([]notify.Notification)

	lastUsed  time.Time
	closeOnce sync.Once
	closed    bool
}

// Open acquires a dedicated *sql.Conn from b and returns a DataStore
// bound to it. Close must be called when the owning goroutine is done
// with it.
func Open(ctx context.Context, b *Backend, c *caches) (*DataStore, error) {
	conn, err := b.DB.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage.Open: %v", err)
	}
	ds := &DataStore{
		backend:   b,
		caches:    c,
		conn:      conn,
		Collector: notify.NewCollector(),
		lastUsed:  time.Now(),
	}
	return ds, nil
}

// Level reports the current nested-transaction depth.
func (ds *DataStore) Level() int {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.level
}

// Begin increments the nesting level, issuing BEGIN on the 0→1
// transition only. On SQLite, the 0→1 transition also acquires the
// process-wide write mutex, released on the matching commit/rollback,
// because that backend cannot write concurrently (spec.md §4.3).
func (ds *DataStore) Begin(ctx context.Context) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.lastUsed = time.Now()
	if ds.level == 0 {
		if ds.backend.Kind == SQLite {
			sqliteWriteMu.Lock()
		}
		tx, err := ds.conn.BeginTx(ctx, nil)
		if err != nil {
			if ds.backend.Kind == SQLite {
				sqliteWriteMu.Unlock()
			}
			return fmt.Errorf("storage: begin: %v", err)
		}
		ds.tx = tx
		ds.recorded = ds.recorded[:0]
	}
	ds.level++
	return nil
}

// Commit decrements the nesting level, issuing COMMIT on the 1→0
// transition only. On commit of the outermost transaction, the
// collector's buffered diffs are handed off to the caller via Flush.
func (ds *DataStore) Commit(ctx context.Context) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.level == 0 {
		return fmt.Errorf("storage: commit called at level 0")
	}
	ds.level--
	if ds.level > 0 {
		return nil
	}
	tx := ds.tx
	ds.tx = nil
	if ds.backend.Kind == SQLite {
		defer sqliteWriteMu.Unlock()
	}
	if err := tx.Commit(); err != nil {
		ds.Collector.Reset()
		return fmt.Errorf("storage: commit: %v", err)
	}
	if batch := ds.Collector.Flush(); len(batch) > 0 && ds.Publish != nil {
		ds.Publish(batch)
	}
	return nil
}

// Rollback unconditionally resets the nesting level to 0 and issues
// ROLLBACK. A Commit called after a Rollback finds level 0: it issues
// nothing to the database, leaves the level at 0, and returns an error.
func (ds *DataStore) Rollback() error {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.level == 0 {
		return nil
	}
	tx := ds.tx
	ds.tx = nil
	ds.level = 0
	ds.recorded = ds.recorded[:0]
	ds.Collector.Reset()
	if ds.backend.Kind == SQLite {
		defer sqliteWriteMu.Unlock()
	}
	if tx == nil {
		return nil
	}
	if err := tx.Rollback(); err != nil {
		return fmt.Errorf("storage: rollback: %v", err)
	}
	return nil
}

// Exec runs query against the open transaction (or the bare
// connection outside a transaction), recording it for deadlock replay
// when inside an outermost transaction on a backend that supports
// concurrent writers.
func (ds *DataStore) Exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.execLocked(ctx, query, args)
}

func (ds *DataStore) execLocked(ctx context.Context, query string, args []interface{}) (sql.Result, error) {
	ds.lastUsed = time.Now()
	res, err := ds.runLocked(ctx, query, args)
	if err != nil && ds.level > 0 && ds.backend.SupportsConcurrentWriters() && ds.backend.IsDeadlock(err) {
		if replayErr := ds.replayLocked(ctx); replayErr != nil {
			return nil, err // surface the original deadlock error, per spec.md §4.3
		}
		res, err = ds.runLocked(ctx, query, args)
	}
	if err == nil && ds.level > 0 && ds.backend.SupportsConcurrentWriters() {
		ds.recorded = append(ds.recorded, recordedStmt{query: query, args: append([]interface{}{}, args...)})
	}
	return res, err
}

func (ds *DataStore) runLocked(ctx context.Context, query string, args []interface{}) (sql.Result, error) {
	if ds.tx != nil {
		return ds.tx.ExecContext(ctx, query, args...)
	}
	return ds.conn.ExecContext(ctx, query, args...)
}

// Query runs query and returns its rows, without participating in
// deadlock replay (spec.md scopes replay to the writes recorded during
// a transaction; a SELECT observing a torn read is simply re-issued by
// the caller after a failed transaction retries from the top).
func (ds *DataStore) Query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.lastUsed = time.Now()
	if ds.tx != nil {
		return ds.tx.QueryContext(ctx, query, args...)
	}
	return ds.conn.QueryContext(ctx, query, args...)
}

func (ds *DataStore) QueryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.lastUsed = time.Now()
	if ds.tx != nil {
		return ds.tx.QueryRowContext(ctx, query, args...)
	}
	return ds.conn.QueryRowContext(ctx, query, args...)
}

// replayLocked discards the current (now-aborted) transaction, begins
// a fresh one, and re-executes every recorded statement in order with
// a newly prepared statement, so that a driver's residual error state
// from the deadlocked attempt cannot leak into the retry (spec.md §4.3).
func (ds *DataStore) replayLocked(ctx context.Context) error {
	if ds.tx != nil {
		ds.tx.Rollback()
	}
	tx, err := ds.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	ds.tx = tx
	for _, stmt := range ds.recorded {
		if _, err := tx.ExecContext(ctx, stmt.query, stmt.args...); err != nil {
			return err
		}
	}
	return nil
}

// Backend exposes the underlying Backend, e.g. so callers can compile
// queries with the correct placeholder syntax.
func (ds *DataStore) Backend() *Backend { return ds.backend }

// Caches exposes the process-wide caches shared across DataStores.
func (ds *DataStore) Caches() *caches { return ds.caches }

// IdleFor reports how long the DataStore has been unused.
func (ds *DataStore) IdleFor() time.Duration {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return time.Since(ds.lastUsed)
}

// Close releases the underlying connection. If a transaction is still
// open (a leaked Begin with no matching Commit/Rollback), it is rolled
// back and a warning is logged (spec.md §4.3, "idle close").
func (ds *DataStore) Close() error {
	var err error
	ds.closeOnce.Do(func() {
		ds.mu.Lock()
		leaked := ds.level > 0
		ds.mu.Unlock()
		if leaked {
			log.Printf("storage: DataStore closed with open transaction at level %d", ds.Level())
			ds.Rollback()
		}
		ds.mu.Lock()
		ds.closed = true
		ds.mu.Unlock()
		err = ds.conn.Close()
	})
	return err
}

// KeepAlive issues a trivial statement to keep the underlying
// connection from being reclaimed by an intermediary (spec.md §4.3);
// callers run it on a ticker (nominally hourly) for MySQL/PostgreSQL
// backends, where a stale connection silently drops instead of erroring
// on first use the way SQLite's file handle does not need to.
func (ds *DataStore) KeepAlive(ctx context.Context) error {
	if ds.backend.Kind == SQLite {
		return nil
	}
	_, err := ds.conn.ExecContext(ctx, "SELECT 1")
	return err
}
