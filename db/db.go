// Package db provides the sqlite store the sync writes into.
//
// The schema is held in a runnable sql file under the `sql` directory so it
// can also be applied on the sqlite command line. Write statements are not
// hand-written per table: they are generated from the table descriptions in
// the tables package, so the schema file and the statement set share one
// column model.
package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"

	"github.com/jmoiron/sqlx" // helper library
	_ "modernc.org/sqlite"    // pure go sqlite driver
)

// SQLEmbeddedFS embeds the runnable sql files so the binary carries its own
// schema.
//
//go:embed sql
var SQLEmbeddedFS embed.FS

// DB provides a wrapper around the sql.DB connection for application-specific
// db operations.
type DB struct {
	*sqlx.DB
	log *slog.Logger
}

// TxError reports a failed write transaction. The transaction has rolled
// back completely, so the batch can be safely retried from the fetch stage.
type TxError struct {
	Op  string
	Err error
}

// Error fulfils the error interface.
func (e *TxError) Error() string {
	return fmt.Sprintf("db %s: %v", e.Op, e.Err)
}

// Unwrap supports errors.Is and errors.As.
func (e *TxError) Unwrap() error {
	return e.Err
}

// NewConnection creates a new connection to an SQLite database at the given
// path, enabling WAL mode and foreign key support.
func NewConnection(dbPath string, logger *slog.Logger) (*DB, error) {

	// dataSource is the default setting for file-based databases.
	dataSource := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)", dbPath)

	// for in-memory test databases, check the necessary cached setting is used.
	if strings.Contains(dbPath, ":memory:") || strings.Contains(dbPath, "mode=memory") {
		if !strings.Contains(dbPath, "cache=shared") {
			return nil, fmt.Errorf("in-memory connection %q should contain '?cache=shared'", dbPath)
		}
		dataSource = dbPath
	}
	sqlDB, err := sql.Open("sqlite", dataSource)
	if err != nil {
		return nil, err
	}
	if err := sqlDB.Ping(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &DB{
		DB:  sqlx.NewDb(sqlDB, "sqlite"),
		log: logger.With("component", "db"),
	}, nil
}

// InitSchema creates the target tables if they don't already exist. The
// schema file can be run idempotently.
func (db *DB) InitSchema(fileFS fs.FS, filePath string) error {

	schema, err := fs.ReadFile(fileFS, filePath)
	if err != nil {
		return fmt.Errorf("could not read schema file at %q: %w", filePath, err)
	}

	_, err = db.ExecContext(context.Background(), string(schema))
	if err != nil {
		return fmt.Errorf("failed to execute schema initialization: %w", err)
	}
	return nil
}

// CountRows reports the number of stored rows for the named table. Used for
// run summaries and tests.
func (db *DB) CountRows(ctx context.Context, table string) (int, error) {
	var n int
	err := db.GetContext(ctx, &n, fmt.Sprintf("SELECT count(*) FROM %s", table))
	if err != nil && err != sql.ErrNoRows {
		return 0, err
	}
	return n, nil
}
