// Package store provides the prefix-indexed persistent store backing the bot.
package store

import (
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a key has no current value. It is a normal
// outcome for unset settings and must not be treated as a backend failure.
var ErrNotFound = errors.New("store: not found")

// Backend is a flat ordered key-value store. Keys are plain strings ordered
// bytewise; Scan returns every pair in the half-open range [low, high) in
// ascending key order.
type Backend interface {
	Get(key string) (string, error)
	Put(key, value string) error
	Delete(key string) error
	Scan(low, high string) ([]Pair, error)
	Close() error
}

// Pair is a single key-value entry returned by a range scan.
type Pair struct {
	Key   string
	Value string
}

// SQLiteBackend implements Backend on a single-table SQLite database.
type SQLiteBackend struct {
	db *sql.DB
}

const backendSchema = `
CREATE TABLE IF NOT EXISTS entries (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// OpenSQLite opens (creating if needed) the entries database at dbPath.
func OpenSQLite(dbPath string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open store db: %w", err)
	}
	if _, err := db.Exec(backendSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply store schema: %w", err)
	}
	return &SQLiteBackend{db: db}, nil
}

// Get returns the value for an exact key, or ErrNotFound.
func (b *SQLiteBackend) Get(key string) (string, error) {
	var val string
	err := b.db.QueryRow("SELECT value FROM entries WHERE key = ?", key).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("store get %q: %w", key, err)
	}
	return val, nil
}

// Put upserts a single key.
func (b *SQLiteBackend) Put(key, value string) error {
	_, err := b.db.Exec(`
		INSERT INTO entries (key, value, updated_at) VALUES (?, ?, datetime('now'))
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value)
	if err != nil {
		return fmt.Errorf("store put %q: %w", key, err)
	}
	return nil
}

// Delete removes a key. Deleting an absent key is not an error.
func (b *SQLiteBackend) Delete(key string) error {
	if _, err := b.db.Exec("DELETE FROM entries WHERE key = ?", key); err != nil {
		return fmt.Errorf("store delete %q: %w", key, err)
	}
	return nil
}

// Scan returns all pairs with low <= key < high in ascending key order.
// An empty high scans to the end of the keyspace.
func (b *SQLiteBackend) Scan(low, high string) ([]Pair, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if high == "" {
		rows, err = b.db.Query("SELECT key, value FROM entries WHERE key >= ? ORDER BY key", low)
	} else {
		rows, err = b.db.Query("SELECT key, value FROM entries WHERE key >= ? AND key < ? ORDER BY key", low, high)
	}
	if err != nil {
		return nil, fmt.Errorf("store scan [%q, %q): %w", low, high, err)
	}
	defer rows.Close()

	var pairs []Pair
	for rows.Next() {
		var p Pair
		if err := rows.Scan(&p.Key, &p.Value); err != nil {
			return nil, fmt.Errorf("store scan row: %w", err)
		}
		pairs = append(pairs, p)
	}
	if err := rows.Err(); err != nil {
		// Partial results are discarded so callers never see a torn scan.
		return nil, fmt.Errorf("store scan [%q, %q): %w", low, high, err)
	}
	return pairs, nil
}

// Close closes the underlying database.
func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}
