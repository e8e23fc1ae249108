package db

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"net/url"
	"sync"

	"go.uber.org/zap"

	"github.com/chrneumann/frankfurt-tram-lines/internal/logging"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// connPragmas are applied by the driver to every new connection
var connPragmas = []string{
	"journal_mode(WAL)",
	"foreign_keys(1)",
	"busy_timeout(5000)",
	"synchronous(NORMAL)",
	"temp_store(MEMORY)",
}

// DB is the SQLite transport store. Writes go through WriteTx, one at a time.
type DB struct {
	conn    *sql.DB
	writeMu sync.Mutex
	logger  *zap.Logger
}

// Connect opens the SQLite database at dbPath in WAL mode
func Connect(dbPath string, logger *zap.Logger) (*DB, error) {
	logger = logging.OrNop(logger)

	q := url.Values{"_pragma": connPragmas}
	conn, err := sql.Open("sqlite", dbPath+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps the pragmas and the single writer consistent
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("connected to SQLite database", zap.String("path", dbPath))
	return &DB{conn: conn, logger: logger}, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// Conn returns the underlying connection for reads
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// WriteTx runs fn in a transaction while holding the write lock. The
// transaction is committed when fn returns nil and rolled back otherwise.
func (db *DB) WriteTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// EnsureSchema creates the transport tables if they don't exist
func (db *DB) EnsureSchema(ctx context.Context) error {
	err := db.WriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, schemaSQL)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	db.logger.Debug("database schema ensured")
	return nil
}
