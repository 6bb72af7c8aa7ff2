// Package store persists tickets, responses, attachments and the
// processed-message ledger. It runs on SQLite for single-node deployments
// and PostgreSQL when a shared database is configured.
package store

import (
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Store wraps the database handle shared by the ticket store and ledger.
type Store struct {
	db     *sqlx.DB
	driver string
}

// Open connects to the database, applies driver pragmas and runs any
// pending schema migrations.
func Open(driver, dsn string) (*Store, error) {
	switch driver {
	case DriverSQLite, DriverPostgres:
	default:
		return nil, fmt.Errorf("store: unsupported driver %q", driver)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", driver, err)
	}

	if driver == DriverSQLite {
		// Pragmas are per-connection; a single pooled conn keeps them
		// in force and sidesteps write-lock contention.
		db.SetMaxOpenConns(1)
		// WAL keeps readers unblocked while the pipeline writes.
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: enabling WAL mode: %w", err)
		}
		if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: enabling foreign keys: %w", err)
		}
	}

	s := &Store{db: db, driver: driver}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: running migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// rebind rewrites ? placeholders into the driver's bindvar style.
func (s *Store) rebind(query string) string {
	return s.db.Rebind(query)
}

// isUniqueViolation reports whether err is a unique-constraint violation
// touching the named column.
func isUniqueViolation(err error, column string) bool {
	if err == nil {
		return false
	}
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505" && strings.Contains(pqErr.Error(), column)
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") && strings.Contains(msg, column)
}
