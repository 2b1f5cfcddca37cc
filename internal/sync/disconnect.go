package sync

import (
	"context"
	"errors"

	"mirrorsync/internal/contextutil"
	"mirrorsync/internal/storage"
)

// Disconnect tears a connection down: the provider channel is stopped when one
// is registered, then the row is deleted and event and file rows cascade.
// Disconnecting an unknown connection is a no-op, so the operation is
// idempotent.
func (e *Engine) Disconnect(ctx context.Context, connectionID string) error {
	logger := contextutil.LoggerFromContext(ctx)

	conn, err := e.conns.Get(ctx, connectionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}

	// Best effort: a channel we cannot stop expires on its own, so neither a
	// credential failure nor a provider error blocks the teardown.
	if conn.WebhookChannelID != nil {
		access, err := e.creds.accessToken(ctx, conn)
		if err != nil {
			logger.Warn("skipping channel stop, credentials unusable", "connection_id", conn.ID, "error", err)
		} else if err := e.client.StopChannel(ctx, access, *conn.WebhookChannelID); err != nil {
			logger.Warn("failed to stop channel on disconnect", "connection_id", conn.ID, "error", err)
		}
	}

	if err := e.conns.Delete(ctx, connectionID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	logger.Info("connection disconnected", "connection_id", connectionID)
	return nil
}
