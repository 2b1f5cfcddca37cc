package storage

import "time"

// HealthStatus is the health state of a provider connection.
type HealthStatus string

const (
	HealthActive HealthStatus = "active"
	HealthError  HealthStatus = "error"
)

// Connection represents one external-connection row per (user, provider).
// Tokens are stored encrypted and never logged or persisted in plaintext.
// A connection in error state is not monitored: health_status = error implies
// webhook_channel_id is null.
type Connection struct {
	ID                    string
	UserID                string
	Provider              string
	EncryptedAccessToken  string
	EncryptedRefreshToken string
	TokenExpiresAt        *time.Time
	MonitoredFolderID     *string
	WebhookChannelID      *string
	WebhookToken          *string // channel token minted at registration, lookup key for notifications
	WebhookRegisteredAt   *time.Time
	HealthStatus          HealthStatus
	LastErrorCode         *string
	LastErrorMessage      *string
	LastErrorAt           *time.Time
	LastSyncAt            *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// EventType classifies a sync event.
type EventType string

const (
	EventFileAdded    EventType = "file_added"
	EventFileModified EventType = "file_modified"
	EventFileDeleted  EventType = "file_deleted"
	EventSyncError    EventType = "sync_error"
)

// EventStatus is the lifecycle state of a sync event.
// Transitions: pending -> processing -> completed | failed.
type EventStatus string

const (
	EventPending    EventStatus = "pending"
	EventProcessing EventStatus = "processing"
	EventCompleted  EventStatus = "completed"
	EventFailed     EventStatus = "failed"
)

// SyncEvent is an append-only audit entry, one row per ingestion (or channel
// renewal) attempt. retry_context is non-null iff a retry is scheduled;
// next_retry_at and retry_context are cleared together once the retried
// attempt terminates.
type SyncEvent struct {
	ID             string
	ConnectionID   string
	EventType      EventType
	ExternalFileID string
	FileName       *string
	Status         EventStatus
	ErrorMessage   *string
	RetryCount     int
	NextRetryAt    *time.Time
	RetryContext   *string
	CreatedAt      time.Time
}

// FileSource identifies how a file record entered the system.
type FileSource string

const (
	SourceManual     FileSource = "manual"
	SourceRemoteSync FileSource = "remote_sync"
	SourceTextInput  FileSource = "text_input"
)

// File statuses.
const (
	FileStatusProcessing = "processing"
	FileStatusReady      = "ready"
)

// FileRecord is a locally mirrored document. Invariant:
// source = remote_sync iff external_id is set and sync_enabled is true.
type FileRecord struct {
	ID           string
	ConnectionID *string
	Name         string
	Size         int64
	MimeType     string
	ContentHash  string
	StoragePath  *string // null only for non-remote-sourced records
	Status       string
	Source       FileSource
	ExternalID   *string
	SyncEnabled  bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
