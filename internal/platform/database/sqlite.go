package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"courier/internal/platform/config"
)

// DB wraps the shared connection so handlers can depend on it without
// importing database/sql directly.
type DB struct {
	*sql.DB
}

func Open(cfg config.DatabaseConfig) (*DB, error) {
	dsn := cfg.Path
	if dsn != ":memory:" {
		dsn = strings.TrimPrefix(dsn, "file:")
		if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// WAL lets the worker sweep while the API serves reads; busy_timeout
	// absorbs short writer contention between the two processes.
	db, err := sql.Open("sqlite3", fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", dsn))
	if err != nil {
		return nil, err
	}

	maxConns := cfg.MaxConnections
	if maxConns <= 0 || cfg.Path == ":memory:" {
		// each :memory: connection is its own database
		maxConns = 1
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	return &DB{DB: db}, nil
}

// OpenMemory opens a migrated in-memory database. Used by tests and by
// `cmd/migrate -dry-run`.
func OpenMemory() (*DB, error) {
	db, err := Open(config.DatabaseConfig{Path: ":memory:"})
	if err != nil {
		return nil, err
	}
	if _, err := Migrate(db.DB); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}
