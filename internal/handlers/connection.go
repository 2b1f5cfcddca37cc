package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"mirrorsync/internal/contextutil"
	"mirrorsync/internal/storage"
	"mirrorsync/internal/sync"
)

// ConnectionEngine is the subset of the sync engine the connection handler
// needs.
type ConnectionEngine interface {
	SyncFolder(ctx context.Context, connectionID string) (*sync.FolderSyncResult, error)
	Disconnect(ctx context.Context, connectionID string) error
}

// ConnectionHandler serves connection status, manual sync and disconnect.
type ConnectionHandler struct {
	conns  storage.ConnectionStore
	events storage.SyncEventStore
	engine ConnectionEngine
}

// NewConnectionHandler creates a new ConnectionHandler.
func NewConnectionHandler(conns storage.ConnectionStore, events storage.SyncEventStore, engine ConnectionEngine) *ConnectionHandler {
	return &ConnectionHandler{conns: conns, events: events, engine: engine}
}

// ConnectionResponse is the dashboard-facing view of a connection. Encrypted
// credentials never leave the storage layer.
type ConnectionResponse struct {
	ID                  string              `json:"id"`
	Provider            string              `json:"provider"`
	MonitoredFolderID   *string             `json:"monitored_folder_id,omitempty"`
	HealthStatus        string              `json:"health_status"`
	WebhookRegisteredAt *time.Time          `json:"webhook_registered_at,omitempty"`
	LastErrorCode       *string             `json:"last_error_code,omitempty"`
	LastErrorMessage    *string             `json:"last_error_message,omitempty"`
	LastErrorAt         *time.Time          `json:"last_error_at,omitempty"`
	LastSyncAt          *time.Time          `json:"last_sync_at,omitempty"`
	RecentEvents        []SyncEventResponse `json:"recent_events"`
}

// SyncEventResponse is one entry of a connection's sync history.
type SyncEventResponse struct {
	ID             string    `json:"id"`
	EventType      string    `json:"event_type"`
	ExternalFileID string    `json:"external_file_id,omitempty"`
	FileName       *string   `json:"file_name,omitempty"`
	Status         string    `json:"status"`
	ErrorMessage   *string   `json:"error_message,omitempty"`
	RetryCount     int       `json:"retry_count"`
	CreatedAt      time.Time `json:"created_at"`
}

// Status returns the connection's health and recent sync history.
func (h *ConnectionHandler) Status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := contextutil.LoggerFromContext(ctx)
	id := chi.URLParam(r, "id")

	conn, err := h.conns.Get(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Connection not found")
			return
		}
		logger.ErrorContext(ctx, "failed to load connection", "connection_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to load connection")
		return
	}

	events, err := h.events.ListByConnection(ctx, id, 20)
	if err != nil {
		logger.ErrorContext(ctx, "failed to load sync history", "connection_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to load sync history")
		return
	}

	resp := ConnectionResponse{
		ID:                  conn.ID,
		Provider:            conn.Provider,
		MonitoredFolderID:   conn.MonitoredFolderID,
		HealthStatus:        string(conn.HealthStatus),
		WebhookRegisteredAt: conn.WebhookRegisteredAt,
		LastErrorCode:       conn.LastErrorCode,
		LastErrorMessage:    conn.LastErrorMessage,
		LastErrorAt:         conn.LastErrorAt,
		LastSyncAt:          conn.LastSyncAt,
		RecentEvents:        make([]SyncEventResponse, 0, len(events)),
	}
	for _, event := range events {
		resp.RecentEvents = append(resp.RecentEvents, SyncEventResponse{
			ID:             event.ID,
			EventType:      string(event.EventType),
			ExternalFileID: event.ExternalFileID,
			FileName:       event.FileName,
			Status:         string(event.Status),
			ErrorMessage:   event.ErrorMessage,
			RetryCount:     event.RetryCount,
			CreatedAt:      event.CreatedAt,
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

// SyncNow runs a synchronous folder sync and returns the per-outcome counts.
func (h *ConnectionHandler) SyncNow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := contextutil.LoggerFromContext(ctx)
	id := chi.URLParam(r, "id")

	result, err := h.engine.SyncFolder(ctx, id)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, http.StatusNotFound, "Connection not found")
		case errors.Is(err, sync.ErrNoFolderSelected):
			writeError(w, http.StatusBadRequest, "No folder selected for this connection")
		case errors.Is(err, sync.ErrReauthorizationRequired):
			writeError(w, http.StatusConflict, "Provider re-authorization required")
		default:
			logger.ErrorContext(ctx, "manual sync failed", "connection_id", id, "error", err)
			writeError(w, http.StatusBadGateway, "Sync failed")
		}
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// Disconnect removes the connection. Repeating the call is a success: the end
// state is the same either way.
func (h *ConnectionHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := contextutil.LoggerFromContext(ctx)
	id := chi.URLParam(r, "id")

	if err := h.engine.Disconnect(ctx, id); err != nil {
		logger.ErrorContext(ctx, "disconnect failed", "connection_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to disconnect")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
