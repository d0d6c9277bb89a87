package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // pure-Go driver, no CGO — same choice as Tutu's infra/sqlite
)

// SqliteBackend is a development-host Backend: a single key/value table in
// a WAL-mode SQLite file, following the exact Open pattern of Tutu's
// internal/infra/sqlite.DB (journal_mode=WAL, busy_timeout, single writer).
type SqliteBackend struct {
	db *sql.DB
}

// OpenSqliteBackend opens (creating if needed) dir/store.db.
func OpenSqliteBackend(dir string) (*SqliteBackend, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dir, "store.db")
	dsn := dbPath + "?_journal_mode=WAL&_busy_timeout=5000"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS kv (
		key   TEXT PRIMARY KEY,
		value BLOB NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &SqliteBackend{db: db}, nil
}

func (b *SqliteBackend) Get(key string) ([]byte, bool, error) {
	var value []byte
	err := b.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (b *SqliteBackend) Put(key string, value []byte) error {
	_, err := b.db.Exec(`INSERT INTO kv (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

func (b *SqliteBackend) Close() error { return b.db.Close() }

// Erase deletes every row of the kv table.
func (b *SqliteBackend) Erase() error {
	if _, err := b.db.Exec(`DELETE FROM kv`); err != nil {
		return err
	}
	return nil
}
