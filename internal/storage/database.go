package storage

import (
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// New opens a SQLite database connection at the given path.
// It enables foreign keys and sets connection pool settings.
func New(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	// Enable foreign keys (disabled by default in SQLite)
	if _, err := db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

// Migrate runs database migrations to create the required tables.
// It is idempotent and can be run multiple times safely. The column set is
// additive and nullable-by-default so older deployments keep working against
// a newer binary (and vice versa, via the degraded-write path in the
// connection repo).
func Migrate(db *sql.DB) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS connections (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			provider TEXT NOT NULL,
			encrypted_access_token TEXT NOT NULL,
			encrypted_refresh_token TEXT NOT NULL,
			token_expires_at TEXT,
			monitored_folder_id TEXT,
			webhook_channel_id TEXT,
			webhook_token TEXT UNIQUE,
			webhook_registered_at TEXT,
			health_status TEXT NOT NULL DEFAULT 'active',
			last_error_code TEXT,
			last_error_message TEXT,
			last_error_at TEXT,
			last_sync_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE (user_id, provider)
		);`,
		`CREATE TABLE IF NOT EXISTS sync_events (
			id TEXT PRIMARY KEY,
			connection_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			external_file_id TEXT NOT NULL DEFAULT '',
			file_name TEXT,
			status TEXT NOT NULL DEFAULT 'pending',
			error_message TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0,
			next_retry_at TEXT,
			retry_context TEXT,
			created_at TEXT NOT NULL,
			FOREIGN KEY (connection_id) REFERENCES connections(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sync_events_next_retry
			ON sync_events(next_retry_at) WHERE next_retry_at IS NOT NULL;`,
		`CREATE TABLE IF NOT EXISTS files (
			id TEXT PRIMARY KEY,
			connection_id TEXT,
			name TEXT NOT NULL,
			size INTEGER NOT NULL DEFAULT 0,
			mime_type TEXT NOT NULL DEFAULT '',
			content_hash TEXT NOT NULL,
			storage_path TEXT,
			status TEXT NOT NULL DEFAULT 'processing',
			source TEXT NOT NULL,
			external_id TEXT,
			sync_enabled INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			FOREIGN KEY (connection_id) REFERENCES connections(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_files_content_hash ON files(content_hash);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_files_external_id
			ON files(connection_id, external_id) WHERE external_id IS NOT NULL;`,
	}

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}

	return nil
}
