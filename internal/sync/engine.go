package sync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	gosync "sync"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"mirrorsync/internal/blob"
	"mirrorsync/internal/contextutil"
	"mirrorsync/internal/downstream"
	"mirrorsync/internal/provider"
	"mirrorsync/internal/storage"
	"mirrorsync/internal/vault"
)

// Deps holds the collaborators the engine orchestrates.
type Deps struct {
	Connections storage.ConnectionStore
	Events      storage.SyncEventStore
	Files       storage.FileStore
	Vault       *vault.Vault
	Provider    provider.Client
	Blobs       *blob.Store
	Notifier    downstream.Notifier
}

// Options carries the engine's policy knobs.
type Options struct {
	MaxFileSize      int64
	MimeAllowed      func(string) bool
	MaxRetryAttempts int
}

// Engine drives webhook ingestion: it validates inbound notifications,
// acks fast, and runs the remaining pipeline steps as background units of
// work. Transient failures are handed to the retry Scheduler.
type Engine struct {
	conns    storage.ConnectionStore
	events   storage.SyncEventStore
	files    storage.FileStore
	client   provider.Client
	blobs    *blob.Store
	notifier downstream.Notifier
	creds    *credentialSource

	maxFileSize int64
	mimeAllowed func(string) bool
	maxRetries  int

	scheduler *Scheduler

	wg gosync.WaitGroup
}

// NewEngine creates a new ingestion engine.
func NewEngine(deps Deps, opts Options) *Engine {
	if opts.MaxRetryAttempts < 1 {
		opts.MaxRetryAttempts = 5
	}
	if opts.MimeAllowed == nil {
		opts.MimeAllowed = func(string) bool { return true }
	}
	return &Engine{
		conns:       deps.Connections,
		events:      deps.Events,
		files:       deps.Files,
		client:      deps.Provider,
		blobs:       deps.Blobs,
		notifier:    deps.Notifier,
		creds:       &credentialSource{vault: deps.Vault, client: deps.Provider, conns: deps.Connections},
		maxFileSize: opts.MaxFileSize,
		mimeAllowed: opts.MimeAllowed,
		maxRetries:  opts.MaxRetryAttempts,
	}
}

// SetScheduler wires the retry scheduler. Done post-construction because the
// scheduler needs the engine as its retry runner.
func (e *Engine) SetScheduler(s *Scheduler) {
	e.scheduler = s
}

// Job is the normalized resume context for one ingestion attempt. It carries
// everything needed to re-run the background steps without the original
// request, and is what gets serialized into retry_context.
type Job struct {
	EventID        string `json:"event_id"`
	ConnectionID   string `json:"connection_id"`
	ExternalFileID string `json:"external_file_id"`
	ResourceState  string `json:"resource_state"`
	// Attempt counts retries consumed so far; 0 for the initial attempt.
	Attempt int `json:"attempt"`
}

// HandleNotification validates an inbound webhook push and returns the
// immediate acknowledgment. Accepted notifications continue asynchronously;
// the ack never reflects the eventual outcome.
func (e *Engine) HandleNotification(ctx context.Context, n Notification) Ack {
	logger := contextutil.LoggerFromContext(ctx)

	if n.ChannelToken == "" {
		return Ack{Accepted: false, Reason: ReasonMissingChannelToken}
	}
	conn, err := e.conns.FindByWebhookToken(ctx, n.ChannelToken)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			logger.Error("webhook token lookup failed", "error", err)
		}
		return Ack{Accepted: false, Reason: ReasonMissingChannelToken}
	}

	if n.ResourceState == StateExpiration {
		return e.handleExpiration(ctx, conn, n)
	}

	fileID := externalFileID(n.ResourceURI)
	if fileID == "" {
		// Nothing to ingest (e.g. a bare channel ping); ack and move on.
		logger.Debug("notification carries no resource", "connection_id", conn.ID, "state", n.ResourceState)
		return Ack{Accepted: true}
	}

	eventType := storage.EventFileModified
	if n.ResourceState == StateAdd {
		eventType = storage.EventFileAdded
	}
	event := &storage.SyncEvent{
		ConnectionID:   conn.ID,
		EventType:      eventType,
		ExternalFileID: fileID,
	}
	if err := e.events.Create(ctx, event); err != nil {
		logger.Error("failed to record sync event", "connection_id", conn.ID, "error", err)
		return Ack{Accepted: true}
	}

	job := Job{
		EventID:        event.ID,
		ConnectionID:   conn.ID,
		ExternalFileID: fileID,
		ResourceState:  n.ResourceState,
	}
	e.spawn(job)

	return Ack{Accepted: true}
}

// handleExpiration processes a channel-expiration notice synchronously:
// demote the connection and record one failed sync_error event. No metadata
// fetch, no credential use.
func (e *Engine) handleExpiration(ctx context.Context, conn *storage.Connection, n Notification) Ack {
	logger := contextutil.LoggerFromContext(ctx)

	exp, err := time.Parse(time.RFC3339, n.ChannelExpiration)
	if err != nil || !exp.Before(time.Now()) {
		// Not expired yet (or unparseable): nothing to do.
		logger.Debug("ignoring expiration notice", "connection_id", conn.ID, "expiration", n.ChannelExpiration)
		return Ack{Accepted: true}
	}

	msg := "Webhook channel expired"
	if err := e.conns.MarkError(ctx, conn.ID, CodeWebhookExpired, msg); err != nil {
		logger.Error("failed to demote connection on channel expiry", "connection_id", conn.ID, "error", err)
	}
	event := &storage.SyncEvent{
		ConnectionID: conn.ID,
		EventType:    storage.EventSyncError,
		Status:       storage.EventFailed,
		ErrorMessage: &msg,
	}
	if err := e.events.Create(ctx, event); err != nil {
		logger.Error("failed to record channel expiry event", "connection_id", conn.ID, "error", err)
	}
	logger.Warn("webhook channel expired", "connection_id", conn.ID, "channel_id", n.ChannelID)

	return Ack{Accepted: false, Reason: ReasonChannelExpired}
}

// spawn runs one ingestion attempt as a tracked background unit of work.
func (e *Engine) spawn(job Job) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx := contextutil.WithLogger(context.Background(),
			slog.Default().With("event_id", job.EventID, "connection_id", job.ConnectionID))
		e.runAttempt(ctx, job)
	}()
}

// Drain blocks until all in-flight background work has finished.
// Test-support surface; production control flow never calls it.
func (e *Engine) Drain() {
	e.wg.Wait()
}

// RunJob executes one ingestion attempt synchronously. It is the retry
// runner handed to the Scheduler.
func (e *Engine) RunJob(ctx context.Context, job Job) {
	e.runAttempt(ctx, job)
}

func (e *Engine) runAttempt(ctx context.Context, job Job) {
	logger := contextutil.LoggerFromContext(ctx)

	// pending -> processing; retries arrive already failed, which is fine.
	if err := e.events.MarkProcessing(ctx, job.EventID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		logger.Warn("failed to mark event processing", "error", err)
	}

	conn, err := e.conns.Get(ctx, job.ConnectionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			e.failPermanent(ctx, job, "Connection no longer exists")
			return
		}
		e.failTransient(ctx, job, err)
		return
	}

	access, err := e.creds.accessToken(ctx, conn)
	if err != nil {
		e.classifyFailure(ctx, job, conn, err)
		return
	}

	meta, err := e.client.FileMetadata(ctx, access, job.ExternalFileID)
	if err != nil {
		e.classifyFailure(ctx, job, conn, err)
		return
	}

	res, err := e.ingestFile(ctx, conn, access, meta)
	if err != nil {
		e.classifyFailure(ctx, job, conn, err)
		return
	}

	switch res.outcome {
	case outcomeCompleted, outcomeNoChange:
		e.completeAttempt(ctx, job, conn, res)
	default:
		// Guard rejections and duplicates are terminal per-event outcomes;
		// the connection itself stays healthy.
		if err := e.events.Fail(ctx, job.EventID, res.message); err != nil {
			logger.Error("failed to finalize event", "error", err)
		}
		ingestTotal.WithLabelValues(res.outcome).Inc()
		logger.Info("ingestion rejected", "outcome", res.outcome, "message", res.message)
	}
}

// ingestResult is the terminal state of the guard/dedup/store steps.
type ingestResult struct {
	outcome string
	message string
	record  *storage.FileRecord
}

// ingestFile runs guards, dedup, fetch and store for one remote file. It is
// shared between the webhook pipeline and the manual folder sync. Returned
// errors are unclassified; callers map them onto the retry/demotion paths.
func (e *Engine) ingestFile(ctx context.Context, conn *storage.Connection, access string, meta *provider.FileMetadata) (*ingestResult, error) {
	logger := contextutil.LoggerFromContext(ctx)

	// Guards run before any byte download. A missing or generic reported
	// mime type defers the allow-list check until the bytes can be sniffed.
	if meta.Size <= 0 {
		return &ingestResult{outcome: outcomeRejected,
			message: fmt.Sprintf("Unable to determine size for %s", meta.Name)}, nil
	}
	if meta.Size > e.maxFileSize {
		return &ingestResult{outcome: outcomeRejected,
			message: fmt.Sprintf("File %s is %d bytes, over the maximum allowed size of %d bytes", meta.Name, meta.Size, e.maxFileSize)}, nil
	}
	mime := meta.MimeType
	sniffNeeded := mime == "" || mime == "application/octet-stream"
	if !sniffNeeded && !e.mimeAllowed(mime) {
		return &ingestResult{outcome: outcomeRejected,
			message: fmt.Sprintf("Unsupported file type %s", mime)}, nil
	}

	data, err := e.client.Download(ctx, access, meta.ID)
	if err != nil {
		return nil, err
	}

	if sniffNeeded {
		mime = mimetype.Detect(data).String()
		if !e.mimeAllowed(mime) {
			return &ingestResult{outcome: outcomeRejected,
				message: fmt.Sprintf("Unsupported file type %s", mime)}, nil
		}
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	existing, err := e.files.FindByExternalID(ctx, conn.ID, meta.ID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	if existing != nil && existing.ContentHash == hash {
		// Only metadata changed; skip the re-store and the downstream
		// hand-off so nothing gets reprocessed.
		return &ingestResult{outcome: outcomeNoChange, message: "No content changes detected", record: existing}, nil
	}

	if dup, err := e.files.FindByHash(ctx, hash); err == nil {
		return &ingestResult{outcome: outcomeDuplicate, message: "Duplicate of " + dup.Name, record: dup}, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	path, err := e.blobs.Save(conn.ID, meta.ID, data)
	if err != nil {
		return nil, err
	}
	ingestBytes.Add(float64(len(data)))

	var record *storage.FileRecord
	if existing == nil {
		externalID := meta.ID
		record = &storage.FileRecord{
			ConnectionID: &conn.ID,
			Name:         meta.Name,
			Size:         int64(len(data)),
			MimeType:     mime,
			ContentHash:  hash,
			StoragePath:  &path,
			Status:       storage.FileStatusProcessing,
			Source:       storage.SourceRemoteSync,
			ExternalID:   &externalID,
			SyncEnabled:  true,
		}
		if err := e.files.Insert(ctx, record); err != nil {
			return nil, err
		}
	} else {
		record = existing
		record.Name = meta.Name
		record.Size = int64(len(data))
		record.MimeType = mime
		record.ContentHash = hash
		record.Status = storage.FileStatusProcessing
		if record.StoragePath != nil && *record.StoragePath != path {
			if err := e.blobs.Remove(*record.StoragePath); err != nil {
				logger.Warn("failed to remove replaced blob", "path", *record.StoragePath, "error", err)
			}
		}
		record.StoragePath = &path
		if err := e.files.Update(ctx, record); err != nil {
			return nil, err
		}
	}

	// Fire-and-forget hand-off: the file is durably synced even if the
	// downstream notify call is flaky.
	if err := e.notifier.Notify(ctx, record.ID); err != nil {
		logger.Warn("downstream hand-off failed", "file_id", record.ID, "error", err)
	}

	return &ingestResult{outcome: outcomeCompleted, record: record}, nil
}

// completeAttempt finalizes a successful attempt: event completed, retry
// bookkeeping cleared, connection promoted and stamped.
func (e *Engine) completeAttempt(ctx context.Context, job Job, conn *storage.Connection, res *ingestResult) {
	logger := contextutil.LoggerFromContext(ctx)

	if err := e.events.Complete(ctx, job.EventID, res.message); err != nil {
		logger.Error("failed to complete event", "error", err)
	}
	err := e.conns.Update(ctx, conn.ID, map[string]any{
		"health_status":      string(storage.HealthActive),
		"last_error_code":    nil,
		"last_error_message": nil,
		"last_error_at":      nil,
		"last_sync_at":       time.Now(),
	})
	if err != nil {
		logger.Error("failed to stamp connection after sync", "error", err)
	}

	ingestTotal.WithLabelValues(res.outcome).Inc()
	logger.Info("ingestion completed", "external_file_id", job.ExternalFileID, "outcome", res.outcome)
}

// classifyFailure maps an error from the pipeline steps onto the taxonomy:
// credential failures demote the connection permanently, everything else is
// treated as transient and handed to the scheduler.
func (e *Engine) classifyFailure(ctx context.Context, job Job, conn *storage.Connection, err error) {
	logger := contextutil.LoggerFromContext(ctx)

	var ce *credentialError
	switch {
	case errors.As(err, &ce):
		e.demote(ctx, job, conn, ce.Code, err)
	case errors.Is(err, provider.ErrUnauthorized):
		e.demote(ctx, job, conn, CodeProviderAuthFailed, err)
	default:
		// Transient provider and persistence errors share the retry path.
		logger.Warn("transient ingestion failure", "attempt", job.Attempt, "error", err)
		e.failTransient(ctx, job, err)
	}
}

// demote marks the connection unhealthy and finalizes the event as a
// permanent failure. Corrupted or rejected credentials will not self-heal,
// so no retry is scheduled.
func (e *Engine) demote(ctx context.Context, job Job, conn *storage.Connection, code string, cause error) {
	logger := contextutil.LoggerFromContext(ctx)

	msg := "Provider credentials are no longer usable; re-authorization required"
	if code == CodeCredentialDecryptFailed {
		msg = "Stored credentials could not be decrypted"
	}
	if err := e.conns.MarkError(ctx, conn.ID, code, msg); err != nil {
		logger.Error("failed to demote connection", "error", err)
	}
	if err := e.events.Fail(ctx, job.EventID, msg); err != nil {
		logger.Error("failed to finalize event", "error", err)
	}
	ingestTotal.WithLabelValues(outcomeCredential).Inc()
	logger.Error("connection demoted", "code", code, "error", cause)
}

func (e *Engine) failPermanent(ctx context.Context, job Job, message string) {
	logger := contextutil.LoggerFromContext(ctx)
	if err := e.events.Fail(ctx, job.EventID, message); err != nil {
		logger.Error("failed to finalize event", "error", err)
	}
	ingestTotal.WithLabelValues(outcomePermanent).Inc()
}

// failTransient records the failure and schedules a retry, unless the
// attempt budget is exhausted, at which point the failure becomes permanent.
func (e *Engine) failTransient(ctx context.Context, job Job, cause error) {
	logger := contextutil.LoggerFromContext(ctx)

	if err := e.events.Fail(ctx, job.EventID, cause.Error()); err != nil {
		logger.Error("failed to record transient failure", "error", err)
	}

	next := job.Attempt + 1
	if next > e.maxRetries || e.scheduler == nil {
		ingestTotal.WithLabelValues(outcomePermanent).Inc()
		logger.Error("retry attempts exhausted", "attempts", job.Attempt, "error", cause)
		return
	}

	job.Attempt = next
	if err := e.scheduler.Schedule(ctx, job); err != nil {
		logger.Error("failed to schedule retry", "error", err)
		return
	}
	ingestTotal.WithLabelValues(outcomeTransient).Inc()
}
