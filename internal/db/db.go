// Package db opens the Cove SQLite database and applies migrations.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// DataDir returns (and creates) the Cove data directory, ~/.cove.
func DataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("home dir: %w", err)
	}
	dir := filepath.Join(home, ".cove")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create data dir: %w", err)
	}
	return dir, nil
}

// Open opens the database at its default location.
func Open() (*sql.DB, error) {
	dir, err := DataDir()
	if err != nil {
		return nil, err
	}
	return OpenPath(filepath.Join(dir, "cove.db"))
}

// OpenPath opens a database at an explicit path (":memory:" in tests).
func OpenPath(path string) (*sql.DB, error) {
	database, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := database.Ping(); err != nil {
		database.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return database, nil
}

// Migrate executes a migration script.
func Migrate(database *sql.DB, migrationSQL string) error {
	if _, err := database.Exec(migrationSQL); err != nil {
		return fmt.Errorf("run migration: %w", err)
	}
	return nil
}
