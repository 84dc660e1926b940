package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// SQLiteRegistry persists stores in a single SQLite database.
// Entries of all stores share one table, keyed by store name and key.
type SQLiteRegistry struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

var _ Registry = (*SQLiteRegistry)(nil)

type sqliteStore struct {
	name string
	reg  *SQLiteRegistry
}

// NewSQLiteRegistry opens the registry with the given filename as the db.
// If file name is empty, a new in-memory db is opened.
func NewSQLiteRegistry(filename string) (*SQLiteRegistry, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// a single connection keeps in-memory databases alive and serializes writers
	db.SetMaxOpenConns(1)
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS stores (
			name TEXT PRIMARY KEY,
			created_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			store TEXT NOT NULL,
			key TEXT NOT NULL,
			stored_at INTEGER,
			bytes BLOB,
			PRIMARY KEY (store, key)
		)`,
		"PRAGMA journal_mode=WAL",
	} {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init sqlite db: %w", err)
		}
	}
	return &SQLiteRegistry{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s *SQLiteRegistry) Open(ctx context.Context, name string) (Store, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO stores (name, created_at) VALUES (?, ?)",
		name, time.Now().UnixNano())
	if err != nil {
		return nil, s.wrap("open store", err)
	}
	return &sqliteStore{name: name, reg: s}, nil
}

// Lookup only reads, so it does not queue behind writers.
func (s *SQLiteRegistry) Lookup(ctx context.Context, name string) (Store, bool, error) {
	ok, err := s.exists(ctx, name)
	if err != nil || !ok {
		return nil, false, err
	}
	return &sqliteStore{name: name, reg: s}, true, nil
}

func (s *SQLiteRegistry) Has(ctx context.Context, name string) (bool, error) {
	return s.exists(ctx, name)
}

func (s *SQLiteRegistry) Names(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM stores ORDER BY created_at, rowid")
	if err != nil {
		return nil, s.wrap("list stores", err)
	}
	defer rows.Close()
	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return names, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *SQLiteRegistry) Delete(ctx context.Context, name string) (bool, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, s.wrap("delete store", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE store = ?", name); err != nil {
		return false, fmt.Errorf("delete store entries: %w", err)
	}
	result, err := tx.ExecContext(ctx, "DELETE FROM stores WHERE name = ?", name)
	if err != nil {
		return false, fmt.Errorf("delete store: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit store delete: %w", err)
	}
	return rows > 0, nil
}

func (s *SQLiteRegistry) Close() error {
	return s.db.Close()
}

func (s *SQLiteRegistry) exists(ctx context.Context, name string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM stores WHERE name = ?", name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, s.wrap("lookup store", err)
	}
	return true, nil
}

// wrap maps errors of a closed database handle to ErrClosed.
func (s *SQLiteRegistry) wrap(op string, err error) error {
	if err.Error() == "sql: database is closed" {
		return ErrClosed
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (st *sqliteStore) Name() string {
	return st.name
}

func (st *sqliteStore) Match(ctx context.Context, key string) ([]byte, bool, error) {
	var bytes []byte
	err := st.reg.db.QueryRowContext(ctx,
		"SELECT bytes FROM entries WHERE store = ? AND key = ?", st.name, key).Scan(&bytes)
	if errors.Is(err, sql.ErrNoRows) {
		if ok, err := st.reg.exists(ctx, st.name); err != nil {
			return nil, false, err
		} else if !ok {
			return nil, false, ErrStoreDeleted
		}
		return nil, false, nil
	}
	if err != nil {
		return nil, false, st.reg.wrap("match", err)
	}
	return bytes, true, nil
}

func (st *sqliteStore) Put(ctx context.Context, key string, value []byte) error {
	st.reg.writeMutex.Lock()
	defer st.reg.writeMutex.Unlock()
	// the insert only happens while the store row exists, so a handle that
	// outlived its store cannot bring it back
	result, err := st.reg.db.ExecContext(ctx, `INSERT OR REPLACE INTO entries
		(store, key, stored_at, bytes)
		SELECT ?, ?, ?, ? WHERE EXISTS (SELECT 1 FROM stores WHERE name = ?)`,
		st.name, key, time.Now().Unix(), value, st.name)
	if err != nil {
		return st.reg.wrap("put", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrStoreDeleted
	}
	return nil
}

func (st *sqliteStore) Delete(ctx context.Context, key string) (bool, error) {
	st.reg.writeMutex.Lock()
	defer st.reg.writeMutex.Unlock()
	result, err := st.reg.db.ExecContext(ctx,
		"DELETE FROM entries WHERE store = ? AND key = ?", st.name, key)
	if err != nil {
		return false, st.reg.wrap("delete entry", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (st *sqliteStore) Keys(ctx context.Context) ([]string, error) {
	rows, err := st.reg.db.QueryContext(ctx,
		"SELECT key FROM entries WHERE store = ? ORDER BY key", st.name)
	if err != nil {
		return nil, st.reg.wrap("list keys", err)
	}
	defer rows.Close()
	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return keys, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
