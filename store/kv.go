package store

import (
	"context"
	"database/sql"
	"fmt"
)

// kvQuerier is satisfied by both *sql.DB and *sql.Tx.
type kvQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func kvGet(ctx context.Context, q kvQuerier, key string) ([]byte, bool, error) {
	var value []byte
	err := q.QueryRowContext(ctx, `SELECT v FROM kv WHERE k = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func kvPut(ctx context.Context, q kvQuerier, key string, value []byte) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO kv (k, v, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(k) DO UPDATE SET v = excluded.v, updated_at = CURRENT_TIMESTAMP`,
		key, value)
	return err
}

func kvDelete(ctx context.Context, q kvQuerier, key string) error {
	_, err := q.ExecContext(ctx, `DELETE FROM kv WHERE k = ?`, key)
	return err
}

func kvList(ctx context.Context, q kvQuerier, prefix string) ([]Entry, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT k, v FROM kv WHERE k >= ? AND k < ? ORDER BY k ASC`,
		prefix, prefix+"\xff")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Key, &e.Value); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Get reads a single key.
func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return kvGet(ctx, s.db, key)
}

// Put upserts a single key.
func (s *SQLiteStore) Put(ctx context.Context, key string, value []byte) error {
	return kvPut(ctx, s.db, key, value)
}

// Delete removes a single key.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	return kvDelete(ctx, s.db, key)
}

// List returns all entries under prefix in key order.
func (s *SQLiteStore) List(ctx context.Context, prefix string) ([]Entry, error) {
	return kvList(ctx, s.db, prefix)
}

// sqlTx adapts *sql.Tx to the Tx interface.
type sqlTx struct {
	ctx context.Context
	tx  *sql.Tx
}

func (t *sqlTx) Get(key string) ([]byte, bool, error)  { return kvGet(t.ctx, t.tx, key) }
func (t *sqlTx) Put(key string, value []byte) error    { return kvPut(t.ctx, t.tx, key, value) }
func (t *sqlTx) Delete(key string) error               { return kvDelete(t.ctx, t.tx, key) }
func (t *sqlTx) List(prefix string) ([]Entry, error)   { return kvList(t.ctx, t.tx, prefix) }

// Atomic runs fn inside a single SQLite transaction. All reads and writes in
// fn either commit together or not at all.
func (s *SQLiteStore) Atomic(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin kv transaction: %w", err)
	}

	if err := fn(&sqlTx{ctx: ctx, tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}

	return tx.Commit()
}
