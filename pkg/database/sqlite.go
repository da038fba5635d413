package database

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"inkwell/bursar/pkg/logging"
)

// SQLiteConfig holds SQLite connection configuration.
type SQLiteConfig struct {
	Path string
}

// ConnectSQLite opens a SQLite database at the given path and applies the
// connection pragmas the ledger depends on (WAL for concurrent readers,
// busy_timeout so writers queue instead of failing fast).
func ConnectSQLite(cfg SQLiteConfig, logger logging.Logger) (*sql.DB, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	logger.WithFields(logging.Fields{
		"path": cfg.Path,
	}).Info("SQLite database connected")

	return db, nil
}
