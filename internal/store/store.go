// Package store is the durable, local state of the dispatch engine: per-device
// sessions, pinned remote identity keys, and the local account's identity and
// prekeys. It never performs network I/O.
package store

import (
	"database/sql"
	"errors"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// Error is a storage-layer fault (disk, I/O, corrupt record). It is kept
// distinct from protocol errors so callers can tell the two apart with
// errors.As.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return "store: " + e.Op + ": " + e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }

func fault(op string, err error) error {
	return &Error{Op: op, Err: err}
}

// Store wraps a SQLite database.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS account (
	key TEXT PRIMARY KEY,
	value BLOB
);
CREATE TABLE IF NOT EXISTS session (
	address TEXT NOT NULL,
	device_id INTEGER NOT NULL,
	record BLOB NOT NULL,
	open INTEGER NOT NULL DEFAULT 1,
	updated_at INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (address, device_id)
);
CREATE TABLE IF NOT EXISTS identity (
	address TEXT PRIMARY KEY,
	public_key BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS pre_key (
	id INTEGER PRIMARY KEY,
	record BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS signed_pre_key (
	id INTEGER PRIMARY KEY,
	record BLOB NOT NULL,
	created_at INTEGER NOT NULL
);
`

// DefaultDataDir returns the default data directory.
// Uses $XDG_DATA_HOME/signal-dispatch, falling back to ~/.local/share/signal-dispatch.
func DefaultDataDir() string {
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		home, _ := os.UserHomeDir()
		dataHome = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataHome, "signal-dispatch")
}

// Open opens or creates a SQLite store at the given path.
// If dbPath is empty, it defaults to DefaultDataDir()/dispatch.db.
func Open(dbPath string) (*Store, error) {
	if dbPath == "" {
		dbPath = filepath.Join(DefaultDataDir(), "dispatch.db")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fault("create dir", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fault("open db", err)
	}
	// One connection: SQLite serializes writers anyway, and a single
	// connection turns SQLITE_BUSY into ordinary queueing.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fault("pragma", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fault("create schema", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// withTx runs fn in a transaction, committing if fn returns nil.
func (s *Store) withTx(op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fault(op+": begin", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		var se *Error
		if errors.As(err, &se) {
			return err
		}
		return fault(op, err)
	}
	if err := tx.Commit(); err != nil {
		return fault(op+": commit", err)
	}
	return nil
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
