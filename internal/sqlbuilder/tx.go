package sqlbuilder

import (
	"context"
	"database/sql"
	"sync"

	"github.com/jmoiron/sqlx"
)

// DB wraps a *sqlx.DB with the nested-transaction and (for single-writer
// backends) serialized-write behavior the storage engine relies on: spec
// §4.3 calls for "transactions that nest (an inner Begin/Commit pair
// becomes a no-op against an outer one already in progress)" and, for
// SQLite-like backends, a process-wide mutex so writers don't collide on
// SQLITE_BUSY.
type DB struct {
	*sqlx.DB
	serializeWrites bool
	writeMu         sync.Mutex
}

// New wraps conn. If serializeWrites is true (SQLite-style backends),
// every transaction started through this DB takes a process-wide mutex
// for its duration.
func New(conn *sqlx.DB, serializeWrites bool) *DB {
	return &DB{DB: conn, serializeWrites: serializeWrites}
}

// txKey is the context key a *Tx is stored under so nested Begin calls on
// the same logical operation can find and reuse the outer transaction.
type txKey struct{}

// Tx is a handle that may represent either a genuine database transaction
// or a no-op "we're already inside one" marker, tracked by depth so only
// the outermost Commit/Rollback actually touches the connection.
type Tx struct {
	sqlTx    *sqlx.Tx
	depth    int
	unlockFn func()
}

// Begin starts a transaction, or, if ctx already carries one (a nested
// call), returns a Tx that shares it and increments the depth counter.
func (db *DB) Begin(ctx context.Context) (context.Context, *Tx, error) {
	if existing, ok := ctx.Value(txKey{}).(*Tx); ok {
		nested := &Tx{sqlTx: existing.sqlTx, depth: existing.depth + 1}
		return context.WithValue(ctx, txKey{}, nested), nested, nil
	}

	var unlock func()
	if db.serializeWrites {
		db.writeMu.Lock()
		unlock = db.writeMu.Unlock
	}

	sqlTx, err := db.DB.BeginTxx(ctx, nil)
	if err != nil {
		if unlock != nil {
			unlock()
		}
		return ctx, nil, err
	}
	tx := &Tx{sqlTx: sqlTx, depth: 0, unlockFn: unlock}
	return context.WithValue(ctx, txKey{}, tx), tx, nil
}

// Commit commits the transaction if this is the outermost Tx (depth 0);
// nested calls are a no-op, deferring the real commit to the outer scope.
func (t *Tx) Commit() error {
	if t.depth > 0 {
		return nil
	}
	err := t.sqlTx.Commit()
	if t.unlockFn != nil {
		t.unlockFn()
	}
	return err
}

// Rollback rolls back the transaction if this is the outermost Tx;
// nested calls are a no-op. A nested failure should propagate as an error
// so the caller can itself trigger the outer rollback.
func (t *Tx) Rollback() error {
	if t.depth > 0 {
		return nil
	}
	err := t.sqlTx.Rollback()
	if t.unlockFn != nil {
		t.unlockFn()
	}
	if err == sql.ErrTxDone {
		return nil
	}
	return err
}

// SQLTx exposes the underlying *sqlx.Tx for callers that need direct
// query access; it is shared by every nesting level.
func (t *Tx) SQLTx() *sqlx.Tx { return t.sqlTx }

// FromContext retrieves the active Tx, if any, started via Begin.
func FromContext(ctx context.Context) (*Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(*Tx)
	return tx, ok
}

// WithTransaction runs fn inside a transaction, committing on success and
// rolling back if fn returns an error or panics. Nested calls (ctx already
// inside a transaction) join the outer one transparently.
func WithTransaction(ctx context.Context, db *DB, fn func(ctx context.Context, tx *Tx) error) (err error) {
	ctx, tx, err := db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(ctx, tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return rbErr
		}
		return err
	}
	return tx.Commit()
}
