package storage

//go:generate go run go.uber.org/mock/mockgen@latest -destination=mocks/mock_event_store.go -package=mocks mirrorsync/internal/storage SyncEventStore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SyncEventStore defines the interface for the append-only sync event log.
type SyncEventStore interface {
	// Create inserts a new event row, generating an id if unset.
	Create(ctx context.Context, event *SyncEvent) error
	// Get returns the event with the given id, or ErrNotFound.
	Get(ctx context.Context, id string) (*SyncEvent, error)
	// MarkProcessing transitions a pending event to processing.
	MarkProcessing(ctx context.Context, id string) error
	// Complete finalizes the event as completed with an optional message and
	// clears any retry bookkeeping.
	Complete(ctx context.Context, id, message string) error
	// Fail finalizes the event as failed with a message and clears any retry
	// bookkeeping. A subsequent ScheduleRetry re-arms the bookkeeping.
	Fail(ctx context.Context, id, message string) error
	// ScheduleRetry persists the retry state for a failed event: the attempt
	// count so far, the next run time, and the serialized resume context.
	ScheduleRetry(ctx context.Context, id string, retryCount int, nextRetryAt time.Time, retryContext string) error
	// ListScheduled returns all events with a pending scheduled retry.
	ListScheduled(ctx context.Context) ([]*SyncEvent, error)
	// ListByConnection returns the most recent events for a connection.
	ListByConnection(ctx context.Context, connectionID string, limit int) ([]*SyncEvent, error)
}

// SyncEventRepo provides methods for sync event operations.
// It implements the SyncEventStore interface.
type SyncEventRepo struct {
	db *sql.DB
}

// NewSyncEventRepo creates a new SyncEventRepo.
func NewSyncEventRepo(db *sql.DB) *SyncEventRepo {
	return &SyncEventRepo{db: db}
}

const eventColumns = `id, connection_id, event_type, external_file_id, file_name, status,
	error_message, retry_count, next_retry_at, retry_context, created_at`

// Create inserts a new event row.
func (r *SyncEventRepo) Create(ctx context.Context, event *SyncEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Status == "" {
		event.Status = EventPending
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sync_events (`+eventColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.ConnectionID, string(event.EventType), event.ExternalFileID,
		dbValue(event.FileName), string(event.Status), dbValue(event.ErrorMessage),
		event.RetryCount, dbValue(event.NextRetryAt), dbValue(event.RetryContext),
		formatTime(event.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert sync event: %w", err)
	}
	return nil
}

// Get returns the event with the given id, or ErrNotFound.
func (r *SyncEventRepo) Get(ctx context.Context, id string) (*SyncEvent, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM sync_events WHERE id = ?`, id)
	return scanEvent(row)
}

// MarkProcessing transitions a pending event to processing.
func (r *SyncEventRepo) MarkProcessing(ctx context.Context, id string) error {
	return r.exec(ctx,
		`UPDATE sync_events SET status = ? WHERE id = ? AND status = ?`,
		string(EventProcessing), id, string(EventPending))
}

// Complete finalizes the event as completed and clears retry bookkeeping.
// next_retry_at and retry_context are always cleared together.
func (r *SyncEventRepo) Complete(ctx context.Context, id, message string) error {
	var msg any
	if message != "" {
		msg = message
	}
	return r.exec(ctx,
		`UPDATE sync_events SET status = ?, error_message = ?, next_retry_at = NULL, retry_context = NULL
		 WHERE id = ?`,
		string(EventCompleted), msg, id)
}

// Fail finalizes the event as failed and clears retry bookkeeping.
func (r *SyncEventRepo) Fail(ctx context.Context, id, message string) error {
	return r.exec(ctx,
		`UPDATE sync_events SET status = ?, error_message = ?, next_retry_at = NULL, retry_context = NULL
		 WHERE id = ?`,
		string(EventFailed), message, id)
}

// ScheduleRetry persists retry state for a failed event. The retry count is
// recorded at schedule time, not at completion.
func (r *SyncEventRepo) ScheduleRetry(ctx context.Context, id string, retryCount int, nextRetryAt time.Time, retryContext string) error {
	return r.exec(ctx,
		`UPDATE sync_events SET retry_count = ?, next_retry_at = ?, retry_context = ? WHERE id = ?`,
		retryCount, formatTime(nextRetryAt), retryContext, id)
}

// ListScheduled returns all events with a pending scheduled retry, oldest
// first. Used to re-arm timers after a restart.
func (r *SyncEventRepo) ListScheduled(ctx context.Context) ([]*SyncEvent, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM sync_events
		 WHERE next_retry_at IS NOT NULL ORDER BY next_retry_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query scheduled events: %w", err)
	}
	return collectEvents(rows)
}

// ListByConnection returns the most recent events for a connection.
func (r *SyncEventRepo) ListByConnection(ctx context.Context, connectionID string, limit int) ([]*SyncEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM sync_events
		 WHERE connection_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		connectionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	return collectEvents(rows)
}

func (r *SyncEventRepo) exec(ctx context.Context, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update sync event: %w", err)
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

func collectEvents(rows *sql.Rows) ([]*SyncEvent, error) {
	defer func() {
		_ = rows.Close()
	}()

	var events []*SyncEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sync events: %w", err)
	}
	return events, nil
}

func scanEvent(row rowScanner) (*SyncEvent, error) {
	var event SyncEvent
	var eventType, status, createdAt string
	var fileName, errorMessage, nextRetryAt, retryContext sql.NullString

	err := row.Scan(
		&event.ID, &event.ConnectionID, &eventType, &event.ExternalFileID, &fileName, &status,
		&errorMessage, &event.RetryCount, &nextRetryAt, &retryContext, &createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan sync event: %w", err)
	}

	event.EventType = EventType(eventType)
	event.Status = EventStatus(status)
	event.FileName = strPtr(fileName)
	event.ErrorMessage = strPtr(errorMessage)
	event.RetryContext = strPtr(retryContext)

	if event.NextRetryAt, err = parseTimePtr(nextRetryAt); err != nil {
		return nil, err
	}
	if event.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}

	return &event, nil
}
