// Package sqlite provides a SQLite-backed table of contents store.
//
// Devices with a full filesystem stick to the line-oriented files of
// the toc package; the SQLite store serves hosts that want indexed
// lookups over larger listings. The SQL should be compatible with
// other drivers as well.
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/epaperframe/toccata/toc"

	// database driver
	_ "github.com/mattn/go-sqlite3"
)

// ErrDatabase occurs at the database layer.
var ErrDatabase = errors.New("sqlite: database error")

// ErrTransaction indicates an error when beginning or committing a
// transaction.
var ErrTransaction = fmt.Errorf("transaction: %w", ErrDatabase)

// ErrInvalidStatement occurs when an SQL statement is not compatible
// with the underlying driver or the schema is missing.
var ErrInvalidStatement = fmt.Errorf("invalid statement: %w", ErrDatabase)

const sqlSchema = `
CREATE TABLE IF NOT EXISTS listing (
	position INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL,
	name TEXT NOT NULL,
	mime_type TEXT NOT NULL DEFAULT '',
	modified_time TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS listing_name ON listing (name);

CREATE TABLE IF NOT EXISTS state (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

const (
	sqlClear      = `DELETE FROM listing`
	sqlResetSeq   = `DELETE FROM sqlite_sequence WHERE name = 'listing'`
	sqlInsert     = `INSERT INTO listing (id, name, mime_type, modified_time) VALUES (?, ?, ?, ?)`
	sqlSetState   = `INSERT INTO state (key, value) VALUES (?, ?) ON CONFLICT (key) DO UPDATE SET value = excluded.value`
	sqlGetState   = `SELECT value FROM state WHERE key = ?`
	sqlCount      = `SELECT COUNT(*) FROM listing`
	sqlByPosition = `SELECT id, name, mime_type, modified_time FROM listing ORDER BY position LIMIT 1 OFFSET ?`
	sqlByName     = `SELECT id, name, mime_type, modified_time FROM listing WHERE name = ? LIMIT 1`
	sqlAll        = `SELECT id, name, mime_type, modified_time FROM listing ORDER BY position`
)

// New returns a table of contents Store with a SQLite3 backend.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open: %w", ErrDatabase)
	}

	if _, err := db.Exec(sqlSchema); err != nil {
		return nil, fmt.Errorf("schema: %w", ErrDatabase)
	}

	return &Store{DB: db}, nil
}

// Store holds the SQLite3 database connection and implements the
// toc.Store interface.
type Store struct {
	DB *sql.DB
}

// Close closes the database connection.
func (store *Store) Close() error {
	return store.DB.Close()
}

// ReplaceAll swaps the entire listing for a new one in one transaction.
func (store *Store) ReplaceAll(timestamp int64, files []toc.File) error {
	tx, err := store.DB.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", ErrTransaction)
	}

	if _, err := tx.Exec(sqlClear); err != nil {
		tx.Rollback()
		return fmt.Errorf("clear: %w", ErrDatabase)
	}
	if _, err := tx.Exec(sqlResetSeq); err != nil {
		tx.Rollback()
		return fmt.Errorf("reset: %w", ErrDatabase)
	}

	insert, err := tx.Prepare(sqlInsert)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("%v: %w", sqlInsert, ErrInvalidStatement)
	}

	for _, file := range files {
		if _, err := insert.Exec(file.ID, file.Name, file.MimeType, file.ModifiedTime); err != nil {
			tx.Rollback()
			return fmt.Errorf("%v: %w", file.ID, ErrDatabase)
		}
	}

	if _, err := tx.Exec(sqlSetState, "timestamp", fmt.Sprintf("%d", timestamp)); err != nil {
		tx.Rollback()
		return fmt.Errorf("timestamp: %w", ErrDatabase)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", ErrTransaction)
	}

	return nil
}

// Timestamp returns the creation time of the listing as a Unix timestamp.
func (store *Store) Timestamp() (int64, error) {
	var value int64

	err := store.DB.QueryRow(sqlGetState, "timestamp").Scan(&value)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("no listing: %w", ErrDatabase)
	}
	if err != nil {
		return 0, fmt.Errorf("timestamp: %w", ErrDatabase)
	}

	return value, nil
}

// FileCount returns the number of records in the listing.
func (store *Store) FileCount() (int, error) {
	var count int

	if err := store.DB.QueryRow(sqlCount).Scan(&count); err != nil {
		return 0, fmt.Errorf("count: %w", ErrDatabase)
	}

	return count, nil
}

// FileByIndex returns the record at position i, counted from zero.
func (store *Store) FileByIndex(i int) (toc.File, error) {
	if i < 0 {
		return toc.File{}, toc.ErrOutOfRange
	}

	var file toc.File

	err := store.DB.QueryRow(sqlByPosition, i).
		Scan(&file.ID, &file.Name, &file.MimeType, &file.ModifiedTime)
	if err == sql.ErrNoRows {
		return toc.File{}, toc.ErrOutOfRange
	}
	if err != nil {
		return toc.File{}, fmt.Errorf("index %d: %w", i, ErrDatabase)
	}

	return file, nil
}

// FileByName returns the record with the exact name.
func (store *Store) FileByName(name string) (toc.File, error) {
	var file toc.File

	err := store.DB.QueryRow(sqlByName, name).
		Scan(&file.ID, &file.Name, &file.MimeType, &file.ModifiedTime)
	if err == sql.ErrNoRows {
		return toc.File{}, fmt.Errorf("%q: %w", name, toc.ErrNotFound)
	}
	if err != nil {
		return toc.File{}, fmt.Errorf("%q: %w", name, ErrDatabase)
	}

	return file, nil
}

// LoadAll reads every record in listing order.
func (store *Store) LoadAll() ([]toc.File, error) {
	rows, err := store.DB.Query(sqlAll)
	if err != nil {
		return nil, fmt.Errorf("load: %w", ErrDatabase)
	}
	defer rows.Close()

	var files []toc.File
	for rows.Next() {
		var file toc.File
		if err := rows.Scan(&file.ID, &file.Name, &file.MimeType, &file.ModifiedTime); err != nil {
			return nil, fmt.Errorf("scan: %w", ErrDatabase)
		}
		files = append(files, file)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", ErrDatabase)
	}

	return files, nil
}
