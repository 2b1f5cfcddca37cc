package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"golang.org/x/sync/errgroup"

	"mirrorsync/internal/contextutil"
	"mirrorsync/internal/provider"
	"mirrorsync/internal/storage"
)

// manualSyncConcurrency bounds parallel downloads during a folder sync.
const manualSyncConcurrency = 4

// FolderSyncResult reports the outcome of an explicit "sync now" run.
type FolderSyncResult struct {
	FolderID    string `json:"folder_id"`
	Synced      int    `json:"synced"`
	Duplicates  int    `json:"duplicates"`
	Unsupported int    `json:"unsupported"`
}

// SyncFolder runs the ingestion pipeline synchronously over every file in
// the connection's monitored folder. It is the fallback for missed webhook
// notifications. Credential failures demote the connection and surface as
// ErrReauthorizationRequired so the caller can prompt for re-authorization.
func (e *Engine) SyncFolder(ctx context.Context, connectionID string) (*FolderSyncResult, error) {
	logger := contextutil.LoggerFromContext(ctx)

	conn, err := e.conns.Get(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	if conn.MonitoredFolderID == nil {
		return nil, ErrNoFolderSelected
	}
	folderID := *conn.MonitoredFolderID

	access, err := e.creds.accessToken(ctx, conn)
	if err != nil {
		return nil, e.manualCredentialFailure(ctx, conn, err)
	}

	files, err := e.client.ListFolder(ctx, access, folderID)
	if err != nil {
		if errors.Is(err, provider.ErrUnauthorized) {
			return nil, e.manualCredentialFailure(ctx, conn, err)
		}
		return nil, fmt.Errorf("failed to list folder %s: %w", folderID, err)
	}

	result := &FolderSyncResult{FolderID: folderID}
	var mu gosync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(manualSyncConcurrency)
	for _, meta := range files {
		meta := meta
		g.Go(func() error {
			res, err := e.ingestFile(gctx, conn, access, &meta)
			if err != nil {
				if errors.Is(err, provider.ErrUnauthorized) {
					return e.manualCredentialFailure(gctx, conn, err)
				}
				return fmt.Errorf("failed to sync %s: %w", meta.Name, err)
			}
			e.recordManualOutcome(gctx, conn, &meta, res)

			mu.Lock()
			switch res.outcome {
			case outcomeCompleted, outcomeNoChange:
				result.Synced++
			case outcomeDuplicate:
				result.Duplicates++
			case outcomeRejected:
				result.Unsupported++
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	err = e.conns.Update(ctx, conn.ID, map[string]any{
		"last_sync_at": time.Now(),
	})
	if err != nil {
		logger.Error("failed to stamp connection after folder sync", "error", err)
	}
	logger.Info("folder sync finished", "connection_id", conn.ID, "folder_id", folderID,
		"synced", result.Synced, "duplicates", result.Duplicates, "unsupported", result.Unsupported)

	return result, nil
}

// recordManualOutcome writes one audit event per file processed by the
// manual path, mirroring what the webhook path records.
func (e *Engine) recordManualOutcome(ctx context.Context, conn *storage.Connection, meta *provider.FileMetadata, res *ingestResult) {
	eventType := storage.EventFileAdded
	if res.record != nil && res.outcome == outcomeNoChange {
		eventType = storage.EventFileModified
	}

	status := storage.EventCompleted
	var msg *string
	switch res.outcome {
	case outcomeCompleted:
	case outcomeNoChange:
		m := res.message
		msg = &m
	default:
		status = storage.EventFailed
		m := res.message
		msg = &m
	}

	name := meta.Name
	event := &storage.SyncEvent{
		ConnectionID:   conn.ID,
		EventType:      eventType,
		ExternalFileID: meta.ID,
		FileName:       &name,
		Status:         status,
		ErrorMessage:   msg,
	}
	if err := e.events.Create(ctx, event); err != nil {
		contextutil.LoggerFromContext(ctx).Error("failed to record manual sync event",
			"external_file_id", meta.ID, "error", err)
	}
	ingestTotal.WithLabelValues(res.outcome).Inc()
}

// manualCredentialFailure demotes the connection and maps the cause onto the
// typed error the manual-sync callers expect.
func (e *Engine) manualCredentialFailure(ctx context.Context, conn *storage.Connection, cause error) error {
	logger := contextutil.LoggerFromContext(ctx)

	code := CodeProviderAuthFailed
	var ce *credentialError
	if errors.As(cause, &ce) {
		code = ce.Code
	}
	if err := e.conns.MarkError(ctx, conn.ID, code, cause.Error()); err != nil {
		logger.Error("failed to demote connection", "connection_id", conn.ID, "error", err)
	}
	return fmt.Errorf("%w: %v", ErrReauthorizationRequired, cause)
}
