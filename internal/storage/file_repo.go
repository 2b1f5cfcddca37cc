package storage

//go:generate go run go.uber.org/mock/mockgen@latest -destination=mocks/mock_file_store.go -package=mocks mirrorsync/internal/storage FileStore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// FileStore defines the interface for file record storage operations.
type FileStore interface {
	// FindByHash returns the first record with the given content hash,
	// regardless of source. Returns ErrNotFound when no record matches.
	FindByHash(ctx context.Context, hash string) (*FileRecord, error)
	// FindByExternalID returns the record matching (connection, external id).
	FindByExternalID(ctx context.Context, connectionID, externalID string) (*FileRecord, error)
	// Insert adds a new file record, generating an id if unset.
	Insert(ctx context.Context, record *FileRecord) error
	// Update rewrites the mutable columns of an existing record.
	Update(ctx context.Context, record *FileRecord) error
}

// FileRepo provides methods for file record operations.
// It implements the FileStore interface.
type FileRepo struct {
	db *sql.DB
}

// NewFileRepo creates a new FileRepo.
func NewFileRepo(db *sql.DB) *FileRepo {
	return &FileRepo{db: db}
}

const fileColumns = `id, connection_id, name, size, mime_type, content_hash, storage_path,
	status, source, external_id, sync_enabled, created_at, updated_at`

// FindByHash returns the first record with the given content hash.
func (r *FileRepo) FindByHash(ctx context.Context, hash string) (*FileRecord, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+fileColumns+` FROM files WHERE content_hash = ? ORDER BY created_at ASC LIMIT 1`,
		hash)
	return scanFile(row)
}

// FindByExternalID returns the record matching (connection, external id).
func (r *FileRepo) FindByExternalID(ctx context.Context, connectionID, externalID string) (*FileRecord, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+fileColumns+` FROM files WHERE connection_id = ? AND external_id = ?`,
		connectionID, externalID)
	return scanFile(row)
}

// Insert adds a new file record.
func (r *FileRepo) Insert(ctx context.Context, record *FileRecord) error {
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	now := time.Now()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO files (`+fileColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID, dbValue(record.ConnectionID), record.Name, record.Size, record.MimeType,
		record.ContentHash, dbValue(record.StoragePath), record.Status, string(record.Source),
		dbValue(record.ExternalID), record.SyncEnabled,
		formatTime(record.CreatedAt), formatTime(record.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert file record: %w", err)
	}
	return nil
}

// Update rewrites the mutable columns of an existing record.
func (r *FileRepo) Update(ctx context.Context, record *FileRecord) error {
	record.UpdatedAt = time.Now()

	res, err := r.db.ExecContext(ctx,
		`UPDATE files SET name = ?, size = ?, mime_type = ?, content_hash = ?, storage_path = ?,
		 status = ?, sync_enabled = ?, updated_at = ? WHERE id = ?`,
		record.Name, record.Size, record.MimeType, record.ContentHash, dbValue(record.StoragePath),
		record.Status, record.SyncEnabled, formatTime(record.UpdatedAt), record.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update file record: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func scanFile(row rowScanner) (*FileRecord, error) {
	var record FileRecord
	var source, createdAt, updatedAt string
	var connectionID, storagePath, externalID sql.NullString

	err := row.Scan(
		&record.ID, &connectionID, &record.Name, &record.Size, &record.MimeType,
		&record.ContentHash, &storagePath, &record.Status, &source,
		&externalID, &record.SyncEnabled, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan file record: %w", err)
	}

	record.Source = FileSource(source)
	record.ConnectionID = strPtr(connectionID)
	record.StoragePath = strPtr(storagePath)
	record.ExternalID = strPtr(externalID)

	if record.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if record.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}

	return &record, nil
}
