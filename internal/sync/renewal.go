package sync

import (
	"context"
	"errors"
	"log/slog"
	gosync "sync"
	"time"

	"github.com/google/uuid"

	"mirrorsync/internal/contextutil"
	"mirrorsync/internal/provider"
	"mirrorsync/internal/storage"
	"mirrorsync/internal/vault"
)

// RenewalJob periodically re-registers webhook channels before the
// provider-imposed expiry. Each connection is processed independently; one
// failure never aborts the sweep for the others.
type RenewalJob struct {
	conns  storage.ConnectionStore
	events storage.SyncEventStore
	client provider.Client
	creds  *credentialSource

	callbackURL string
	lifetime    time.Duration
	margin      time.Duration
	interval    time.Duration

	mu      gosync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

// NewRenewalJob creates a channel renewal sweep.
func NewRenewalJob(
	conns storage.ConnectionStore,
	events storage.SyncEventStore,
	v *vault.Vault,
	client provider.Client,
	callbackURL string,
	lifetime, margin, interval time.Duration,
) *RenewalJob {
	return &RenewalJob{
		conns:       conns,
		events:      events,
		client:      client,
		creds:       &credentialSource{vault: v, client: client, conns: conns},
		callbackURL: callbackURL,
		lifetime:    lifetime,
		margin:      margin,
		interval:    interval,
	}
}

// Start launches the periodic sweep in a background goroutine.
func (j *RenewalJob) Start() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	j.cancel = cancel
	j.stopped = make(chan struct{})

	go func() {
		defer close(j.stopped)
		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				j.RunOnce(ctx)
			}
		}
	}()
	slog.Info("channel renewal job started", "interval", j.interval, "margin", j.margin)
}

// Stop halts the sweep and waits for an in-progress run to finish.
func (j *RenewalJob) Stop() {
	j.mu.Lock()
	cancel, stopped := j.cancel, j.stopped
	j.cancel = nil
	j.mu.Unlock()

	if cancel != nil {
		cancel()
		<-stopped
	}
}

// RunOnce performs a single sweep and reports how many connections were
// renewed and how many failed.
func (j *RenewalJob) RunOnce(ctx context.Context) (renewed, failed int) {
	logger := contextutil.LoggerFromContext(ctx)

	// Renew anything registered longer ago than (lifetime - margin),
	// e.g. at 23h for a 24h channel lifetime.
	cutoff := time.Now().Add(-(j.lifetime - j.margin))
	conns, err := j.conns.ListRenewable(ctx, cutoff)
	if err != nil {
		logger.Error("renewal sweep could not list connections", "error", err)
		return 0, 0
	}

	for _, conn := range conns {
		if err := j.renewConnection(ctx, conn); err != nil {
			failed++
			logger.Error("channel renewal failed", "connection_id", conn.ID, "error", err)
		} else {
			renewed++
		}
	}
	if renewed+failed > 0 {
		logger.Info("renewal sweep finished", "renewed", renewed, "failed", failed)
	}
	return renewed, failed
}

func (j *RenewalJob) renewConnection(ctx context.Context, conn *storage.Connection) error {
	logger := contextutil.LoggerFromContext(ctx)

	access, err := j.creds.accessToken(ctx, conn)
	if err != nil {
		j.recordFailure(ctx, conn, err)
		return err
	}

	// Stop the old channel first; a failure here is logged but does not
	// block re-registration (the old channel expires on its own anyway).
	if conn.WebhookChannelID != nil {
		if err := j.client.StopChannel(ctx, access, *conn.WebhookChannelID); err != nil {
			logger.Warn("failed to stop old channel", "connection_id", conn.ID, "channel_id", *conn.WebhookChannelID, "error", err)
		}
	}

	channelToken := uuid.New().String()
	reg, err := j.client.RegisterChannel(ctx, access, *conn.MonitoredFolderID, j.callbackURL, channelToken)
	if err != nil {
		j.recordFailure(ctx, conn, err)
		return err
	}

	err = j.conns.Update(ctx, conn.ID, map[string]any{
		"webhook_channel_id":    reg.ChannelID,
		"webhook_token":         channelToken,
		"webhook_registered_at": time.Now(),
	})
	if err != nil {
		j.recordFailure(ctx, conn, err)
		return err
	}

	msg := "Webhook renewed"
	event := &storage.SyncEvent{
		ConnectionID: conn.ID,
		EventType:    storage.EventSyncError,
		Status:       storage.EventCompleted,
		ErrorMessage: &msg,
	}
	if err := j.events.Create(ctx, event); err != nil {
		logger.Error("failed to record renewal event", "connection_id", conn.ID, "error", err)
	}
	renewalsTotal.WithLabelValues("renewed").Inc()
	return nil
}

// recordFailure writes one failed sync_error event and, for credential
// failures, demotes the connection exactly as manual ingestion does.
func (j *RenewalJob) recordFailure(ctx context.Context, conn *storage.Connection, cause error) {
	logger := contextutil.LoggerFromContext(ctx)

	msg := "Webhook renewal failed: " + cause.Error()
	var ce *credentialError
	switch {
	case errors.As(cause, &ce):
		if err := j.conns.MarkError(ctx, conn.ID, ce.Code, msg); err != nil {
			logger.Error("failed to demote connection", "connection_id", conn.ID, "error", err)
		}
	case errors.Is(cause, provider.ErrUnauthorized):
		if err := j.conns.MarkError(ctx, conn.ID, CodeProviderAuthFailed, msg); err != nil {
			logger.Error("failed to demote connection", "connection_id", conn.ID, "error", err)
		}
	}

	event := &storage.SyncEvent{
		ConnectionID: conn.ID,
		EventType:    storage.EventSyncError,
		Status:       storage.EventFailed,
		ErrorMessage: &msg,
	}
	if err := j.events.Create(ctx, event); err != nil {
		logger.Error("failed to record renewal failure event", "connection_id", conn.ID, "error", err)
	}
	renewalsTotal.WithLabelValues("failed").Inc()
}
