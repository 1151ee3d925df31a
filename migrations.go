package main

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/orian/sheetsmith/logger"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// GetMigrations returns all migrations in order
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Add fatal flag to versions",
			SQL: `
				ALTER TABLE versions ADD COLUMN IF NOT EXISTS fatal BOOLEAN DEFAULT false;
			`,
		},
		{
			Version:     2,
			Description: "Add name_history table",
			SQL: `
				CREATE TABLE IF NOT EXISTS name_history (
					name VARCHAR NOT NULL,
					version_key VARCHAR NOT NULL,
					moved_at TIMESTAMP NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_name_history_name ON name_history(name);
			`,
		},
	}
}

// RunMigrations executes all pending migrations
func RunMigrations(db *sql.DB, log *logger.Logger) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description VARCHAR NOT NULL,
			applied_at TIMESTAMP NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var currentVersion int
	err = db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get current schema version: %w", err)
	}

	log.Debug("current schema version", "version", currentVersion)

	appliedCount := 0
	for _, migration := range GetMigrations() {
		if migration.Version <= currentVersion {
			continue
		}

		log.Info("applying migration", "version", migration.Version, "description", migration.Description)

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin transaction for migration %d: %w", migration.Version, err)
		}

		_, err = tx.Exec(migration.SQL)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", migration.Version, err)
		}

		_, err = tx.Exec(
			"INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)",
			migration.Version, migration.Description, time.Now(),
		)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}
		appliedCount++
	}

	if appliedCount > 0 {
		log.Info("migrations applied", "count", appliedCount)
	}
	return nil
}
