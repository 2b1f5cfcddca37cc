package storage

//go:generate go run go.uber.org/mock/mockgen@latest -destination=mocks/mock_connection_store.go -package=mocks mirrorsync/internal/storage ConnectionStore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"mirrorsync/internal/contextutil"
)

var (
	// ErrNotFound is returned when a record is not found.
	ErrNotFound = errors.New("record not found")
)

// ConnectionStore defines the interface for connection storage operations.
type ConnectionStore interface {
	// Create inserts a new connection row.
	Create(ctx context.Context, conn *Connection) error
	// Get returns the connection with the given id, or ErrNotFound.
	Get(ctx context.Context, id string) (*Connection, error)
	// FindByWebhookToken looks a connection up by its channel token.
	// Returns ErrNotFound when no connection carries the token.
	FindByWebhookToken(ctx context.Context, token string) (*Connection, error)
	// Update applies a partial update. Patch keys are column names. If the
	// backing store is missing newly-added optional columns the write is
	// retried with those columns omitted (degraded write) instead of failing.
	Update(ctx context.Context, id string, patch map[string]any) error
	// MarkError demotes the connection: health_status=error, channel
	// registration cleared, error fields stamped.
	MarkError(ctx context.Context, id, code, message string) error
	// MarkHealthy promotes the connection back to active and clears the
	// error fields.
	MarkHealthy(ctx context.Context, id string) error
	// Delete removes the connection; event and file rows cascade.
	Delete(ctx context.Context, id string) error
	// ListRenewable returns active, folder-monitoring connections whose
	// webhook registration is older than the cutoff.
	ListRenewable(ctx context.Context, registeredBefore time.Time) ([]*Connection, error)
}

// legacyOptionalColumns are the columns added after the initial schema.
// Older deployments may not have them; writes touching them fall back to a
// reduced field set when the store reports an unknown column.
var legacyOptionalColumns = map[string]bool{
	"health_status":      true,
	"last_error_code":    true,
	"last_error_message": true,
	"last_error_at":      true,
}

// ConnectionRepo provides methods for connection operations.
// It implements the ConnectionStore interface.
type ConnectionRepo struct {
	db *sql.DB
}

// NewConnectionRepo creates a new ConnectionRepo.
func NewConnectionRepo(db *sql.DB) *ConnectionRepo {
	return &ConnectionRepo{db: db}
}

const connectionColumns = `id, user_id, provider, encrypted_access_token, encrypted_refresh_token,
	token_expires_at, monitored_folder_id, webhook_channel_id, webhook_token, webhook_registered_at,
	health_status, last_error_code, last_error_message, last_error_at, last_sync_at,
	created_at, updated_at`

// Create inserts a new connection row.
func (r *ConnectionRepo) Create(ctx context.Context, conn *Connection) error {
	now := time.Now()
	if conn.CreatedAt.IsZero() {
		conn.CreatedAt = now
	}
	conn.UpdatedAt = now
	if conn.HealthStatus == "" {
		conn.HealthStatus = HealthActive
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO connections (`+connectionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		conn.ID, conn.UserID, conn.Provider, conn.EncryptedAccessToken, conn.EncryptedRefreshToken,
		dbValue(conn.TokenExpiresAt), dbValue(conn.MonitoredFolderID), dbValue(conn.WebhookChannelID),
		dbValue(conn.WebhookToken), dbValue(conn.WebhookRegisteredAt),
		string(conn.HealthStatus), dbValue(conn.LastErrorCode), dbValue(conn.LastErrorMessage),
		dbValue(conn.LastErrorAt), dbValue(conn.LastSyncAt),
		formatTime(conn.CreatedAt), formatTime(conn.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert connection: %w", err)
	}
	return nil
}

// Get returns the connection with the given id, or ErrNotFound.
func (r *ConnectionRepo) Get(ctx context.Context, id string) (*Connection, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+connectionColumns+` FROM connections WHERE id = ?`, id)
	return scanConnection(row)
}

// FindByWebhookToken looks a connection up by its channel token.
func (r *ConnectionRepo) FindByWebhookToken(ctx context.Context, token string) (*Connection, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+connectionColumns+` FROM connections WHERE webhook_token = ?`, token)
	return scanConnection(row)
}

// Update applies a partial update keyed by column name. On a store that is
// missing the newer optional columns the write is retried without them; the
// degraded write is logged but does not abort the caller.
func (r *ConnectionRepo) Update(ctx context.Context, id string, patch map[string]any) error {
	if len(patch) == 0 {
		return nil
	}

	err := r.applyPatch(ctx, id, patch)
	if err == nil || !isUnknownColumnErr(err) {
		return err
	}

	reduced := make(map[string]any, len(patch))
	var dropped []string
	for k, v := range patch {
		if legacyOptionalColumns[k] {
			dropped = append(dropped, k)
			continue
		}
		reduced[k] = v
	}
	if len(dropped) == 0 {
		return err
	}

	sort.Strings(dropped)
	contextutil.LoggerFromContext(ctx).Warn("degraded connection write: store is missing optional columns",
		"connection_id", id, "dropped_columns", strings.Join(dropped, ","))

	if len(reduced) == 0 {
		return nil
	}
	return r.applyPatch(ctx, id, reduced)
}

func (r *ConnectionRepo) applyPatch(ctx context.Context, id string, patch map[string]any) error {
	cols := make([]string, 0, len(patch))
	for k := range patch {
		cols = append(cols, k)
	}
	sort.Strings(cols)

	var sets []string
	var args []any
	for _, col := range cols {
		sets = append(sets, col+" = ?")
		args = append(args, dbValue(patch[col]))
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, formatTime(time.Now()))
	args = append(args, id)

	res, err := r.db.ExecContext(ctx,
		"UPDATE connections SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("failed to update connection: %w", err)
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

// MarkError demotes the connection to error state and clears its channel
// registration, so an unhealthy connection is never monitored.
func (r *ConnectionRepo) MarkError(ctx context.Context, id, code, message string) error {
	now := time.Now()
	return r.Update(ctx, id, map[string]any{
		"health_status":         string(HealthError),
		"webhook_channel_id":    nil,
		"webhook_token":         nil,
		"webhook_registered_at": nil,
		"last_error_code":       code,
		"last_error_message":    message,
		"last_error_at":         now,
	})
}

// MarkHealthy promotes the connection back to active.
func (r *ConnectionRepo) MarkHealthy(ctx context.Context, id string) error {
	return r.Update(ctx, id, map[string]any{
		"health_status":      string(HealthActive),
		"last_error_code":    nil,
		"last_error_message": nil,
		"last_error_at":      nil,
	})
}

// Delete removes the connection. sync_events and files cascade via FK.
func (r *ConnectionRepo) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM connections WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete connection: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read delete result: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListRenewable returns active connections with a monitored folder whose
// webhook registration is older than the cutoff.
func (r *ConnectionRepo) ListRenewable(ctx context.Context, registeredBefore time.Time) ([]*Connection, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+connectionColumns+` FROM connections
		 WHERE health_status = ?
		   AND monitored_folder_id IS NOT NULL
		   AND webhook_registered_at IS NOT NULL
		   AND webhook_registered_at <= ?`,
		string(HealthActive), formatTime(registeredBefore))
	if err != nil {
		return nil, fmt.Errorf("failed to query renewable connections: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var conns []*Connection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		conns = append(conns, conn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate connections: %w", err)
	}
	return conns, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConnection(row rowScanner) (*Connection, error) {
	var conn Connection
	var health string
	var tokenExpiresAt, monitoredFolderID, webhookChannelID, webhookToken, webhookRegisteredAt,
		lastErrorCode, lastErrorMessage, lastErrorAt, lastSyncAt sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&conn.ID, &conn.UserID, &conn.Provider, &conn.EncryptedAccessToken, &conn.EncryptedRefreshToken,
		&tokenExpiresAt, &monitoredFolderID, &webhookChannelID, &webhookToken, &webhookRegisteredAt,
		&health, &lastErrorCode, &lastErrorMessage, &lastErrorAt, &lastSyncAt,
		&createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan connection: %w", err)
	}

	conn.HealthStatus = HealthStatus(health)
	conn.MonitoredFolderID = strPtr(monitoredFolderID)
	conn.WebhookChannelID = strPtr(webhookChannelID)
	conn.WebhookToken = strPtr(webhookToken)
	conn.LastErrorCode = strPtr(lastErrorCode)
	conn.LastErrorMessage = strPtr(lastErrorMessage)

	if conn.TokenExpiresAt, err = parseTimePtr(tokenExpiresAt); err != nil {
		return nil, err
	}
	if conn.WebhookRegisteredAt, err = parseTimePtr(webhookRegisteredAt); err != nil {
		return nil, err
	}
	if conn.LastErrorAt, err = parseTimePtr(lastErrorAt); err != nil {
		return nil, err
	}
	if conn.LastSyncAt, err = parseTimePtr(lastSyncAt); err != nil {
		return nil, err
	}
	if conn.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if conn.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}

	return &conn, nil
}

// isUnknownColumnErr recognizes the SQLite error for a column that does not
// exist in the current schema.
func isUnknownColumnErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such column")
}
