package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps a SQLite chat archive.
type DB struct {
	*sql.DB
	path string
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
func Open(path string) (*DB, error) {
	return open(path, path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
}

// OpenReadOnly opens an existing archive without write access. Used for the
// source side of a reconciliation.
func OpenReadOnly(path string) (*DB, error) {
	return open(path, "file:"+path+"?mode=ro&_busy_timeout=5000")
}

func open(path, dsn string) (*DB, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Verify connection.
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{DB: db, path: path}, nil
}

// Path returns the file the archive was opened from.
func (db *DB) Path() string {
	return db.path
}

// String implements fmt.Stringer for log and summary output.
func (db *DB) String() string {
	return db.path
}
