package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	gosync "sync"
	"time"

	"mirrorsync/internal/contextutil"
	"mirrorsync/internal/storage"
)

// RetryRunner executes one resumed ingestion attempt. Implemented by
// *Engine.RunJob.
type RetryRunner func(ctx context.Context, job Job)

// Scheduler persists backoff state per failed event and replays it. The
// persisted next_retry_at/retry_context on the SyncEvent row is the source
// of truth; the in-memory timers are re-armed from it at process start, so a
// crash between failure and retry does not lose the retry.
type Scheduler struct {
	events  storage.SyncEventStore
	backoff []time.Duration
	run     RetryRunner

	mu     gosync.Mutex
	timers map[string]*time.Timer

	wg gosync.WaitGroup
}

// defaultBackoff is the exponential schedule applied when none is configured.
var defaultBackoff = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	60 * time.Minute,
}

// NewScheduler creates a retry scheduler. Attempts beyond the schedule
// length reuse the last (capped) delay.
func NewScheduler(events storage.SyncEventStore, backoff []time.Duration, run RetryRunner) *Scheduler {
	if len(backoff) == 0 {
		backoff = defaultBackoff
	}
	return &Scheduler{
		events:  events,
		backoff: backoff,
		run:     run,
		timers:  make(map[string]*time.Timer),
	}
}

// Schedule persists the retry (count, next run time, serialized resume
// context) on the event row and arms an in-memory timer for it. The retry
// count is incremented here, at schedule time, not at completion.
func (s *Scheduler) Schedule(ctx context.Context, job Job) error {
	delay := s.delayFor(job.Attempt)
	nextAt := time.Now().Add(delay)

	resume, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to serialize retry context: %w", err)
	}
	if err := s.events.ScheduleRetry(ctx, job.EventID, job.Attempt, nextAt, string(resume)); err != nil {
		return fmt.Errorf("failed to persist retry: %w", err)
	}

	s.arm(job, delay)
	retriesScheduled.Inc()
	contextutil.LoggerFromContext(ctx).Info("retry scheduled",
		"event_id", job.EventID, "attempt", job.Attempt, "next_retry_at", nextAt)
	return nil
}

// RecoverScheduledRetries re-reads all events with a pending scheduled retry
// and re-arms timers for them. Invoked on process start. Retries whose time
// already passed fire immediately.
func (s *Scheduler) RecoverScheduledRetries(ctx context.Context) error {
	events, err := s.events.ListScheduled(ctx)
	if err != nil {
		return fmt.Errorf("failed to list scheduled retries: %w", err)
	}

	logger := contextutil.LoggerFromContext(ctx)
	for _, event := range events {
		if event.RetryContext == nil || event.NextRetryAt == nil {
			continue
		}
		var job Job
		if err := json.Unmarshal([]byte(*event.RetryContext), &job); err != nil {
			logger.Error("dropping unreadable retry context", "event_id", event.ID, "error", err)
			continue
		}
		// The row's retry_count is authoritative over the serialized copy.
		job.Attempt = event.RetryCount

		delay := time.Until(*event.NextRetryAt)
		if delay < 0 {
			delay = 0
		}
		s.arm(job, delay)
		retriesRecovered.Inc()
		logger.Info("recovered scheduled retry", "event_id", event.ID, "attempt", job.Attempt, "delay", delay)
	}
	return nil
}

// ClearScheduledRetries cancels all in-memory timers without touching the
// persisted retry state. Used for controlled shutdown and in tests; it does
// not interrupt an attempt already in flight.
func (s *Scheduler) ClearScheduledRetries() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, timer := range s.timers {
		if timer.Stop() {
			s.wg.Done()
		}
		delete(s.timers, id)
	}
}

// Wait blocks until all fired retry attempts have finished.
// Test-support surface.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) arm(job Job, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Re-scheduling an event replaces its timer.
	if old, ok := s.timers[job.EventID]; ok {
		if old.Stop() {
			s.wg.Done()
		}
	}

	s.wg.Add(1)
	s.timers[job.EventID] = time.AfterFunc(delay, func() {
		defer s.wg.Done()
		s.mu.Lock()
		delete(s.timers, job.EventID)
		s.mu.Unlock()

		ctx := contextutil.WithLogger(context.Background(),
			slog.Default().With("event_id", job.EventID, "retry_attempt", job.Attempt))
		s.run(ctx, job)
	})
}

func (s *Scheduler) delayFor(attempt int) time.Duration {
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(s.backoff) {
		idx = len(s.backoff) - 1
	}
	return s.backoff[idx]
}
