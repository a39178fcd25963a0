// Copyright 2026 The WriteIt Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package storage provides the per-workspace transactional key/value store.
//
// Each workspace owns exactly one Store, backed by a single memory-mapped
// SQLite database under <workspace_root>/storage/. Records are partitioned
// into named sub-databases (pipeline_runs, pipeline_events, llm_cache, ...);
// keys are binary-safe and prefix scans iterate in lexicographic order.
// Writers are serialized; readers see a consistent snapshot.
package storage

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/writeit/writeit/pkg/errors"
)

// Well-known sub-database names.
const (
	SubDBRuns      = "pipeline_runs"
	SubDBEvents    = "pipeline_events"
	SubDBCache     = "llm_cache"
	SubDBTemplates = "templates"
	SubDBBlobs     = "blobs"
)

// MaxKeySize is the largest key the store accepts, in bytes.
const MaxKeySize = 511

// DataFileName is the database file under <workspace_root>/storage/.
const DataFileName = "data.db"

// Options configure a Store.
type Options struct {
	// MapSize is the memory-map budget in bytes. It bounds the working set
	// SQLite keeps mapped, not the database's maximum size.
	MapSize int64

	// MaxSubDBs caps the number of distinct sub-database names.
	MaxSubDBs int

	// BusyTimeout is how long a writer waits for the previous writer.
	BusyTimeout time.Duration
}

// Option mutates Options.
type Option func(*Options)

// WithMapSize sets the memory-map budget in bytes.
func WithMapSize(bytes int64) Option {
	return func(o *Options) { o.MapSize = bytes }
}

// WithMaxSubDBs caps the number of sub-databases.
func WithMaxSubDBs(n int) Option {
	return func(o *Options) { o.MaxSubDBs = n }
}

// WithBusyTimeout sets the writer wait budget.
func WithBusyTimeout(d time.Duration) Option {
	return func(o *Options) { o.BusyTimeout = d }
}

func defaultOptions() Options {
	return Options{
		MapSize:     256 << 20, // 256 MiB
		MaxSubDBs:   16,
		BusyTimeout: 5 * time.Second,
	}
}

// Store is a multi-sub-database key/value store for one workspace.
type Store struct {
	db   *sql.DB
	path string
	opts Options

	mu     sync.Mutex
	subdbs map[string]struct{}
}

// Open opens (or creates) the store under workspaceRoot/storage/.
func Open(workspaceRoot string, opts ...Option) (*Store, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}

	dir := filepath.Join(workspaceRoot, "storage")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &errors.StorageError{Op: "open", Cause: err}
	}
	path := filepath.Join(dir, DataFileName)

	// _txlock=immediate makes every write transaction take the write lock
	// up front, so writers queue instead of deadlocking mid-transaction.
	dsn := fmt.Sprintf("%s?_txlock=immediate&_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		path, options.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, &errors.StorageError{Op: "open", Cause: err}
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA mmap_size=%d", options.MapSize)); err != nil {
		db.Close()
		return nil, &errors.StorageError{Op: "open", Cause: err}
	}
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS kv (
		subdb TEXT NOT NULL,
		key   BLOB NOT NULL,
		value BLOB NOT NULL,
		PRIMARY KEY (subdb, key)
	)`); err != nil {
		db.Close()
		return nil, &errors.StorageError{Op: "open", Cause: mapSQLiteError(err)}
	}

	s := &Store{
		db:     db,
		path:   path,
		opts:   options,
		subdbs: make(map[string]struct{}),
	}
	for _, name := range []string{SubDBRuns, SubDBEvents, SubDBCache, SubDBTemplates, SubDBBlobs} {
		s.subdbs[name] = struct{}{}
	}

	// Count pre-existing sub-databases toward the cap.
	rows, err := db.QueryContext(ctx, `SELECT DISTINCT subdb FROM kv`)
	if err != nil {
		db.Close()
		return nil, &errors.StorageError{Op: "open", Cause: mapSQLiteError(err)}
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			db.Close()
			return nil, &errors.StorageError{Op: "open", Cause: err}
		}
		s.subdbs[name] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		db.Close()
		return nil, &errors.StorageError{Op: "open", Cause: err}
	}

	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close releases the database and its memory map.
func (s *Store) Close() error {
	return s.db.Close()
}

// checkAccess validates the sub-database name and key before any operation.
func (s *Store) checkAccess(subdb string, key []byte) error {
	if subdb == "" {
		return &errors.StorageError{Op: "access", Cause: fmt.Errorf("empty subdb name")}
	}
	if len(key) == 0 {
		return &errors.StorageError{Op: "access", Cause: fmt.Errorf("empty key")}
	}
	if len(key) > MaxKeySize {
		return &errors.StorageError{Op: "access", Cause: fmt.Errorf("key length %d exceeds %d bytes", len(key), MaxKeySize)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subdbs[subdb]; !ok {
		if len(s.subdbs) >= s.opts.MaxSubDBs {
			return &errors.StorageError{Op: "access", Cause: fmt.Errorf("sub-database limit %d reached", s.opts.MaxSubDBs)}
		}
		s.subdbs[subdb] = struct{}{}
	}
	return nil
}

// Put writes a key/value pair, replacing any existing value.
func (s *Store) Put(ctx context.Context, subdb string, key, value []byte) error {
	if err := s.checkAccess(subdb, key); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (subdb, key, value) VALUES (?, ?, ?)
		 ON CONFLICT(subdb, key) DO UPDATE SET value = excluded.value`,
		subdb, key, value)
	if err != nil {
		return &errors.StorageError{Op: "put", Cause: mapSQLiteError(err)}
	}
	return nil
}

// Get reads a value. The second return is false when the key is absent.
func (s *Store) Get(ctx context.Context, subdb string, key []byte) ([]byte, bool, error) {
	if err := s.checkAccess(subdb, key); err != nil {
		return nil, false, err
	}
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE subdb = ? AND key = ?`, subdb, key).Scan(&value)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &errors.StorageError{Op: "get", Cause: mapSQLiteError(err)}
	}
	return value, true, nil
}

// Delete removes a key, reporting whether it existed.
func (s *Store) Delete(ctx context.Context, subdb string, key []byte) (bool, error) {
	if err := s.checkAccess(subdb, key); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM kv WHERE subdb = ? AND key = ?`, subdb, key)
	if err != nil {
		return false, &errors.StorageError{Op: "delete", Cause: mapSQLiteError(err)}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, &errors.StorageError{Op: "delete", Cause: err}
	}
	return n > 0, nil
}

// Exists reports whether a key is present.
func (s *Store) Exists(ctx context.Context, subdb string, key []byte) (bool, error) {
	if err := s.checkAccess(subdb, key); err != nil {
		return false, err
	}
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM kv WHERE subdb = ? AND key = ?`, subdb, key).Scan(&one)
	if stderrors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, &errors.StorageError{Op: "exists", Cause: mapSQLiteError(err)}
	}
	return true, nil
}

// ListKeys returns all keys with the given prefix, in lexicographic order.
// An empty prefix lists the whole sub-database.
func (s *Store) ListKeys(ctx context.Context, subdb string, prefix []byte) ([][]byte, error) {
	var keys [][]byte
	err := s.Scan(ctx, subdb, prefix, func(key, _ []byte) (bool, error) {
		keys = append(keys, append([]byte(nil), key...))
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// Scan iterates key/value pairs with the given prefix in lexicographic key
// order, streaming rows so large sub-databases never load into memory at
// once. The callback returns false to stop early. Slices passed to the
// callback are only valid during the call.
func (s *Store) Scan(ctx context.Context, subdb string, prefix []byte, fn func(key, value []byte) (bool, error)) error {
	if subdb == "" {
		return &errors.StorageError{Op: "scan", Cause: fmt.Errorf("empty subdb name")}
	}

	query := `SELECT key, value FROM kv WHERE subdb = ?`
	args := []any{subdb}
	if len(prefix) > 0 {
		query += ` AND key >= ?`
		args = append(args, prefix)
		if upper, ok := prefixUpperBound(prefix); ok {
			query += ` AND key < ?`
			args = append(args, upper)
		}
	}
	query += ` ORDER BY key`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return &errors.StorageError{Op: "scan", Cause: mapSQLiteError(err)}
	}
	defer rows.Close()

	for rows.Next() {
		var key, value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return &errors.StorageError{Op: "scan", Cause: err}
		}
		more, err := fn(key, value)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return &errors.StorageError{Op: "scan", Cause: mapSQLiteError(err)}
	}
	return nil
}

// prefixUpperBound returns the smallest byte string greater than every key
// with the given prefix. ok is false when the prefix is all 0xff, in which
// case the scan is unbounded above.
func prefixUpperBound(prefix []byte) ([]byte, bool) {
	upper := append([]byte(nil), prefix...)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] < 0xff {
			upper[i]++
			return upper[:i+1], true
		}
	}
	return nil, false
}

// Txn is a scoped atomic batch. All writes commit together or not at all.
type Txn struct {
	tx *sql.Tx
	s  *Store
}

// Transaction runs fn inside a write transaction. The transaction takes the
// write lock immediately, so concurrent writers queue on the busy timeout;
// a timeout surfaces as ErrTransactionAborted and may be retried.
func (s *Store) Transaction(ctx context.Context, fn func(txn *Txn) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &errors.StorageError{Op: "txn", Cause: mapSQLiteError(err)}
	}

	if err := fn(&Txn{tx: tx, s: s}); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return &errors.StorageError{Op: "txn", Cause: mapSQLiteError(err)}
	}
	return nil
}

// Put writes a key/value pair within the transaction.
func (t *Txn) Put(ctx context.Context, subdb string, key, value []byte) error {
	if err := t.s.checkAccess(subdb, key); err != nil {
		return err
	}
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO kv (subdb, key, value) VALUES (?, ?, ?)
		 ON CONFLICT(subdb, key) DO UPDATE SET value = excluded.value`,
		subdb, key, value)
	if err != nil {
		return &errors.StorageError{Op: "txn.put", Cause: mapSQLiteError(err)}
	}
	return nil
}

// Get reads a value within the transaction.
func (t *Txn) Get(ctx context.Context, subdb string, key []byte) ([]byte, bool, error) {
	if err := t.s.checkAccess(subdb, key); err != nil {
		return nil, false, err
	}
	var value []byte
	err := t.tx.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE subdb = ? AND key = ?`, subdb, key).Scan(&value)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &errors.StorageError{Op: "txn.get", Cause: mapSQLiteError(err)}
	}
	return value, true, nil
}

// Delete removes a key within the transaction.
func (t *Txn) Delete(ctx context.Context, subdb string, key []byte) (bool, error) {
	if err := t.s.checkAccess(subdb, key); err != nil {
		return false, err
	}
	res, err := t.tx.ExecContext(ctx,
		`DELETE FROM kv WHERE subdb = ? AND key = ?`, subdb, key)
	if err != nil {
		return false, &errors.StorageError{Op: "txn.delete", Cause: mapSQLiteError(err)}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, &errors.StorageError{Op: "txn.delete", Cause: err}
	}
	return n > 0, nil
}

// MaxKey returns the largest key with the given prefix within the
// transaction, or nil when none exists. Used for sequence allocation.
func (t *Txn) MaxKey(ctx context.Context, subdb string, prefix []byte) ([]byte, error) {
	query := `SELECT key FROM kv WHERE subdb = ? AND key >= ?`
	args := []any{subdb, prefix}
	if upper, ok := prefixUpperBound(prefix); ok {
		query += ` AND key < ?`
		args = append(args, upper)
	}
	query += ` ORDER BY key DESC LIMIT 1`

	var key []byte
	err := t.tx.QueryRowContext(ctx, query, args...).Scan(&key)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &errors.StorageError{Op: "txn.maxkey", Cause: mapSQLiteError(err)}
	}
	return key, nil
}

// mapSQLiteError translates driver failures to the storage failure model:
// a full disk surfaces as ErrStorageFull, writer contention beyond the busy
// timeout as ErrTransactionAborted, and an unreadable database file as
// ErrCorruption.
func mapSQLiteError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "database or disk is full"):
		return fmt.Errorf("%w: %v", errors.ErrStorageFull, err)
	case strings.Contains(msg, "database is locked"), strings.Contains(msg, "busy"):
		return fmt.Errorf("%w: %v", errors.ErrTransactionAborted, err)
	case strings.Contains(msg, "malformed"), strings.Contains(msg, "not a database"), strings.Contains(msg, "corrupt"):
		return fmt.Errorf("%w: %v", errors.ErrCorruption, err)
	}
	return err
}
