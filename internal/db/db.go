package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DB wraps a sql.DB with audit-trail specific helpers.
//
// Reads and autocommit statements use the embedded pool. WithTx runs on a
// second pool whose transactions begin IMMEDIATE, so a transaction that reads
// before it writes waits on busy_timeout for the write lock instead of
// failing with SQLITE_BUSY when it tries to upgrade.
type DB struct {
	*sql.DB
	writer *sql.DB
	path   string
}

// Open creates or opens a SQLite database at the given path.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	writer, err := sql.Open("sqlite", dsn+"&_txlock=immediate")
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("opening write pool: %w", err)
	}

	d := &DB{DB: sqlDB, writer: writer, path: path}
	if err := d.migrate(); err != nil {
		d.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return d, nil
}

// OpenMemory creates an in-memory SQLite database (useful for testing).
//
// Every connection to ":memory:" is a separate database, so the pool is
// pinned to a single connection. Callers must not hold a transaction while
// issuing statements outside of it.
func OpenMemory() (*DB, error) {
	sqlDB, err := sql.Open("sqlite", ":memory:?_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("opening in-memory database: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	// One connection means no lock contention, so both pools are the same.
	d := &DB{DB: sqlDB, writer: sqlDB, path: ":memory:"}
	if err := d.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return d, nil
}

// Path returns the file the database was opened from.
func (d *DB) Path() string { return d.path }

// Close closes both connection pools.
func (d *DB) Close() error {
	var err error
	if d.writer != nil && d.writer != d.DB {
		err = d.writer.Close()
	}
	return errors.Join(err, d.DB.Close())
}

// WithTx runs fn inside a transaction. The transaction commits only if fn
// returns nil; any error or panic rolls it back.
func (d *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := d.writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return errors.Join(err, fmt.Errorf("rolling back: %w", rbErr))
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// migrate runs all schema migrations.
func (d *DB) migrate() error {
	_, err := d.Exec(schema)
	return err
}
