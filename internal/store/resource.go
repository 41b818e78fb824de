package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/seantiz/conduit/internal/txn"
)

var (
	_ txn.Resource          = (*SQLiteStore)(nil)
	_ txn.SavepointResource = (*SQLiteStore)(nil)
)

// ErrBadHandle is returned when a transaction handle was not issued by the
// store.
var ErrBadHandle = errors.New("handle is not a sqlite transaction")

// Begin starts a SQL transaction. SQLite transactions are serializable, which
// satisfies every requested isolation level.
func (s *SQLiteStore) Begin(ctx context.Context, opts txn.Options) (txn.Handle, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: opts.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("begin sqlite tx: %w", err)
	}
	return tx, nil
}

// Commit commits the transaction behind h.
func (s *SQLiteStore) Commit(_ context.Context, h txn.Handle) error {
	tx, err := sqlTx(h)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// Rollback rolls back the transaction behind h.
func (s *SQLiteStore) Rollback(_ context.Context, h txn.Handle) error {
	tx, err := sqlTx(h)
	if err != nil {
		return err
	}
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

// Savepoint issues SAVEPOINT name inside h.
func (s *SQLiteStore) Savepoint(ctx context.Context, h txn.Handle, name string) error {
	return s.savepointExec(ctx, h, "SAVEPOINT ", name)
}

// RollbackToSavepoint issues ROLLBACK TO SAVEPOINT name inside h.
func (s *SQLiteStore) RollbackToSavepoint(ctx context.Context, h txn.Handle, name string) error {
	return s.savepointExec(ctx, h, "ROLLBACK TO SAVEPOINT ", name)
}

// ReleaseSavepoint issues RELEASE SAVEPOINT name inside h.
func (s *SQLiteStore) ReleaseSavepoint(ctx context.Context, h txn.Handle, name string) error {
	return s.savepointExec(ctx, h, "RELEASE SAVEPOINT ", name)
}

func (s *SQLiteStore) savepointExec(ctx context.Context, h txn.Handle, stmt, name string) error {
	tx, err := sqlTx(h)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, stmt+quoteIdent(name))
	return err
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func sqlTx(h txn.Handle) (*sql.Tx, error) {
	tx, ok := h.(*sql.Tx)
	if !ok || tx == nil {
		return nil, ErrBadHandle
	}
	return tx, nil
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// on returns the transaction behind rec, or the database itself when rec is
// nil so the statement runs in autocommit mode.
func (s *SQLiteStore) on(rec *txn.Record) (querier, error) {
	if rec == nil {
		return s.db, nil
	}
	return sqlTx(rec.Handle())
}

// Get reads an entry inside rec, or in autocommit mode when rec is nil.
func (s *SQLiteStore) Get(ctx context.Context, rec *txn.Record, key string) ([]byte, error) {
	q, err := s.on(rec)
	if err != nil {
		return nil, err
	}
	var v []byte
	err = q.QueryRowContext(ctx, "SELECT value FROM entries WHERE key = ?", key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get entry %q: %w", key, err)
	}
	return v, nil
}

// Put writes an entry inside rec, or in autocommit mode when rec is nil.
func (s *SQLiteStore) Put(ctx context.Context, rec *txn.Record, key string, value []byte) error {
	q, err := s.on(rec)
	if err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx,
		`INSERT INTO entries (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value,
	); err != nil {
		return fmt.Errorf("put entry %q: %w", key, err)
	}
	return nil
}

// Delete removes an entry inside rec, or in autocommit mode when rec is nil.
func (s *SQLiteStore) Delete(ctx context.Context, rec *txn.Record, key string) error {
	q, err := s.on(rec)
	if err != nil {
		return err
	}
	res, err := q.ExecContext(ctx, "DELETE FROM entries WHERE key = ?", key)
	if err != nil {
		return fmt.Errorf("delete entry %q: %w", key, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// Keys lists entry keys with the given prefix in ascending order.
func (s *SQLiteStore) Keys(ctx context.Context, rec *txn.Record, prefix string) ([]string, error) {
	q, err := s.on(rec)
	if err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx,
		`SELECT key FROM entries WHERE substr(key, 1, ?) = ? ORDER BY key`, len(prefix), prefix,
	)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
