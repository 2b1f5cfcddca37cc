package sync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"go.uber.org/mock/gomock"

	"mirrorsync/internal/blob"
	"mirrorsync/internal/downstream/mocks"
	"mirrorsync/internal/provider"
	providermocks "mirrorsync/internal/provider/mocks"
	"mirrorsync/internal/storage"
	"mirrorsync/internal/vault"
)

// testEnv wires an engine against a real sqlite store and mocked provider
// and downstream collaborators.
type testEnv struct {
	engine    *Engine
	scheduler *Scheduler
	conns     *storage.ConnectionRepo
	events    *storage.SyncEventRepo
	files     *storage.FileRepo
	vault     *vault.Vault
	provider  *providermocks.MockClient
	notifier  *mocks.MockNotifier
}

func testVaultKey() []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i * 3)
	}
	return key
}

func newTestEnv(t *testing.T, ctrl *gomock.Controller, backoff []time.Duration) *testEnv {
	t.Helper()

	tmp := t.TempDir()
	db, err := storage.New(tmp + "/test.db")
	if err != nil {
		t.Fatalf("storage.New() error = %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	if err := storage.Migrate(db); err != nil {
		t.Fatalf("storage.Migrate() error = %v", err)
	}

	v, err := vault.New(testVaultKey())
	if err != nil {
		t.Fatalf("vault.New() error = %v", err)
	}
	blobs, err := blob.NewStore(tmp + "/blobs")
	if err != nil {
		t.Fatalf("blob.NewStore() error = %v", err)
	}

	env := &testEnv{
		conns:    storage.NewConnectionRepo(db),
		events:   storage.NewSyncEventRepo(db),
		files:    storage.NewFileRepo(db),
		vault:    v,
		provider: providermocks.NewMockClient(ctrl),
		notifier: mocks.NewMockNotifier(ctrl),
	}

	allowed := map[string]bool{"application/pdf": true, "text/plain": true, "text/plain; charset=utf-8": true}
	env.engine = NewEngine(
		Deps{
			Connections: env.conns,
			Events:      env.events,
			Files:       env.files,
			Vault:       v,
			Provider:    env.provider,
			Blobs:       blobs,
			Notifier:    env.notifier,
		},
		Options{
			MaxFileSize:      1 << 20,
			MimeAllowed:      func(m string) bool { return allowed[m] },
			MaxRetryAttempts: 5,
		},
	)
	env.scheduler = NewScheduler(env.events, backoff, env.engine.RunJob)
	env.engine.SetScheduler(env.scheduler)
	t.Cleanup(env.scheduler.ClearScheduledRetries)

	return env
}

// seedConnection creates a healthy monitored connection with valid
// encrypted credentials and returns it together with its channel token.
func (env *testEnv) seedConnection(t *testing.T) (*storage.Connection, string) {
	t.Helper()

	encAccess, err := env.vault.Encrypt("access-token")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	encRefresh, err := env.vault.Encrypt("refresh-token")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	token := "channel-token-" + fmt.Sprint(time.Now().UnixNano())
	folder := "folder-1"
	channel := "chan-1"
	registered := time.Now().Add(-time.Hour)
	conn := &storage.Connection{
		ID:                    "conn-" + fmt.Sprint(time.Now().UnixNano()),
		UserID:                "user-" + fmt.Sprint(time.Now().UnixNano()),
		Provider:              "gdrive",
		EncryptedAccessToken:  encAccess,
		EncryptedRefreshToken: encRefresh,
		MonitoredFolderID:     &folder,
		WebhookChannelID:      &channel,
		WebhookToken:          &token,
		WebhookRegisteredAt:   &registered,
		HealthStatus:          storage.HealthActive,
	}
	if err := env.conns.Create(context.Background(), conn); err != nil {
		t.Fatalf("Create() connection error = %v", err)
	}
	return conn, token
}

func (env *testEnv) eventsFor(t *testing.T, connID string) []*storage.SyncEvent {
	t.Helper()
	events, err := env.events.ListByConnection(context.Background(), connID, 50)
	if err != nil {
		t.Fatalf("ListByConnection() error = %v", err)
	}
	return events
}

func hashOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func TestHandleNotification_MissingChannelToken(t *testing.T) {
	ctrl := gomock.NewController(t)
	env := newTestEnv(t, ctrl, nil)
	conn, _ := env.seedConnection(t)

	tests := []struct {
		name  string
		token string
	}{
		{name: "absent token", token: ""},
		{name: "unknown token", token: "not-a-real-token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ack := env.engine.HandleNotification(context.Background(), Notification{
				ChannelToken:  tt.token,
				ChannelID:     "chan-1",
				ResourceURI:   "https://provider.example.com/files/f-1",
				ResourceState: StateAdd,
			})
			if ack.Accepted {
				t.Error("Accepted = true, want false")
			}
			if ack.Reason != ReasonMissingChannelToken {
				t.Errorf("Reason = %q, want %q", ack.Reason, ReasonMissingChannelToken)
			}
		})
	}

	env.engine.Drain()
	if events := env.eventsFor(t, conn.ID); len(events) != 0 {
		t.Errorf("got %d sync events, want 0", len(events))
	}
}

func TestHandleNotification_ChannelExpired(t *testing.T) {
	ctrl := gomock.NewController(t)
	env := newTestEnv(t, ctrl, nil)
	conn, token := env.seedConnection(t)

	ack := env.engine.HandleNotification(context.Background(), Notification{
		ChannelToken:      token,
		ChannelID:         "chan-1",
		ResourceState:     StateExpiration,
		ChannelExpiration: time.Now().Add(-time.Minute).Format(time.RFC3339),
	})
	if ack.Accepted {
		t.Error("Accepted = true, want false")
	}
	if ack.Reason != ReasonChannelExpired {
		t.Errorf("Reason = %q, want %q", ack.Reason, ReasonChannelExpired)
	}

	got, err := env.conns.Get(context.Background(), conn.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.HealthStatus != storage.HealthError {
		t.Errorf("HealthStatus = %q, want error", got.HealthStatus)
	}
	if got.WebhookChannelID != nil {
		t.Error("WebhookChannelID should be cleared on expiry")
	}
	if got.LastErrorCode == nil || *got.LastErrorCode != CodeWebhookExpired {
		t.Errorf("LastErrorCode = %v, want %s", got.LastErrorCode, CodeWebhookExpired)
	}

	events := env.eventsFor(t, conn.ID)
	if len(events) != 1 {
		t.Fatalf("got %d sync events, want 1", len(events))
	}
	if events[0].EventType != storage.EventSyncError || events[0].Status != storage.EventFailed {
		t.Errorf("event = %s/%s, want sync_error/failed", events[0].EventType, events[0].Status)
	}
}

func TestHandleNotification_FutureExpirationIgnored(t *testing.T) {
	ctrl := gomock.NewController(t)
	env := newTestEnv(t, ctrl, nil)
	conn, token := env.seedConnection(t)

	ack := env.engine.HandleNotification(context.Background(), Notification{
		ChannelToken:      token,
		ResourceState:     StateExpiration,
		ChannelExpiration: time.Now().Add(time.Hour).Format(time.RFC3339),
	})
	if !ack.Accepted {
		t.Errorf("Accepted = false (reason %q), want true", ack.Reason)
	}

	got, _ := env.conns.Get(context.Background(), conn.ID)
	if got.HealthStatus != storage.HealthActive {
		t.Errorf("HealthStatus = %q, want active", got.HealthStatus)
	}
	if events := env.eventsFor(t, conn.ID); len(events) != 0 {
		t.Errorf("got %d sync events, want 0", len(events))
	}
}

func TestHandleNotification_NewFileSynced(t *testing.T) {
	ctrl := gomock.NewController(t)
	env := newTestEnv(t, ctrl, nil)
	conn, token := env.seedConnection(t)

	content := []byte("%PDF-1.4 test content")
	env.provider.EXPECT().FileMetadata(gomock.Any(), "access-token", "f-123").
		Return(&provider.FileMetadata{ID: "f-123", Name: "Notes.pdf", MimeType: "application/pdf", Size: 1024}, nil)
	env.provider.EXPECT().Download(gomock.Any(), "access-token", "f-123").
		Return(content, nil)
	env.notifier.EXPECT().Notify(gomock.Any(), gomock.Any()).Return(nil)

	ack := env.engine.HandleNotification(context.Background(), Notification{
		ChannelToken:  token,
		ChannelID:     "chan-1",
		ResourceURI:   "https://provider.example.com/files/f-123?alt=json",
		ResourceState: StateAdd,
	})
	if !ack.Accepted {
		t.Fatalf("Accepted = false (reason %q), want true", ack.Reason)
	}
	env.engine.Drain()

	record, err := env.files.FindByExternalID(context.Background(), conn.ID, "f-123")
	if err != nil {
		t.Fatalf("FindByExternalID() error = %v", err)
	}
	if record.Name != "Notes.pdf" {
		t.Errorf("Name = %q, want Notes.pdf", record.Name)
	}
	if record.Source != storage.SourceRemoteSync {
		t.Errorf("Source = %q, want remote_sync", record.Source)
	}
	if record.Status != storage.FileStatusProcessing {
		t.Errorf("Status = %q, want processing", record.Status)
	}
	if !record.SyncEnabled {
		t.Error("SyncEnabled = false, want true")
	}
	if record.ContentHash != hashOf(content) {
		t.Errorf("ContentHash = %q, want hash of downloaded bytes", record.ContentHash)
	}
	if record.StoragePath == nil {
		t.Fatal("StoragePath should be set")
	}
	if data, err := os.ReadFile(*record.StoragePath); err != nil || string(data) != string(content) {
		t.Errorf("blob at %q = %q, %v", *record.StoragePath, data, err)
	}

	events := env.eventsFor(t, conn.ID)
	if len(events) != 1 {
		t.Fatalf("got %d sync events, want 1", len(events))
	}
	if events[0].EventType != storage.EventFileAdded {
		t.Errorf("EventType = %q, want file_added", events[0].EventType)
	}
	if events[0].Status != storage.EventCompleted {
		t.Errorf("Status = %q, want completed", events[0].Status)
	}

	got, _ := env.conns.Get(context.Background(), conn.ID)
	if got.LastSyncAt == nil {
		t.Error("LastSyncAt should be stamped after a successful sync")
	}
}

func TestHandleNotification_CredentialDecryptFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	env := newTestEnv(t, ctrl, nil)
	conn, token := env.seedConnection(t)

	// Corrupt the stored access token; decryption will fail permanently.
	err := env.conns.Update(context.Background(), conn.ID, map[string]any{
		"encrypted_access_token": "not-valid-ciphertext",
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	// No provider calls expected: corrupted credentials stop the pipeline
	// before any metadata or byte fetch.
	ack := env.engine.HandleNotification(context.Background(), Notification{
		ChannelToken:  token,
		ResourceURI:   "https://provider.example.com/files/f-9",
		ResourceState: StateAdd,
	})
	if !ack.Accepted {
		t.Fatal("fast ack should accept; failure is observable via the event log")
	}
	env.engine.Drain()

	got, _ := env.conns.Get(context.Background(), conn.ID)
	if got.HealthStatus != storage.HealthError {
		t.Errorf("HealthStatus = %q, want error", got.HealthStatus)
	}
	if got.WebhookChannelID != nil {
		t.Error("WebhookChannelID should be cleared on credential failure")
	}
	if got.LastErrorCode == nil || *got.LastErrorCode != CodeCredentialDecryptFailed {
		t.Errorf("LastErrorCode = %v, want %s", got.LastErrorCode, CodeCredentialDecryptFailed)
	}

	events := env.eventsFor(t, conn.ID)
	if len(events) != 1 {
		t.Fatalf("got %d sync events, want 1", len(events))
	}
	if events[0].Status != storage.EventFailed {
		t.Errorf("Status = %q, want failed", events[0].Status)
	}
	if events[0].NextRetryAt != nil || events[0].RetryContext != nil {
		t.Error("credential failures must never be scheduled for retry")
	}
}

func TestHandleNotification_Guards(t *testing.T) {
	tests := []struct {
		name        string
		meta        *provider.FileMetadata
		wantMessage string
	}{
		{
			name:        "size unknown",
			meta:        &provider.FileMetadata{ID: "f-1", Name: "a.pdf", MimeType: "application/pdf", Size: 0},
			wantMessage: "Unable to determine size for a.pdf",
		},
		{
			name:        "size over limit",
			meta:        &provider.FileMetadata{ID: "f-1", Name: "big.pdf", MimeType: "application/pdf", Size: 2 << 20},
			wantMessage: "File big.pdf is 2097152 bytes, over the maximum allowed size of 1048576 bytes",
		},
		{
			name:        "unsupported type",
			meta:        &provider.FileMetadata{ID: "f-1", Name: "pic.png", MimeType: "image/png", Size: 100},
			wantMessage: "Unsupported file type image/png",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			env := newTestEnv(t, ctrl, nil)
			conn, token := env.seedConnection(t)

			// Download must never be called for a guard rejection.
			env.provider.EXPECT().FileMetadata(gomock.Any(), "access-token", "f-1").Return(tt.meta, nil)

			env.engine.HandleNotification(context.Background(), Notification{
				ChannelToken:  token,
				ResourceURI:   "https://provider.example.com/files/f-1",
				ResourceState: StateAdd,
			})
			env.engine.Drain()

			events := env.eventsFor(t, conn.ID)
			if len(events) != 1 {
				t.Fatalf("got %d sync events, want 1", len(events))
			}
			if events[0].Status != storage.EventFailed {
				t.Errorf("Status = %q, want failed", events[0].Status)
			}
			if events[0].ErrorMessage == nil || *events[0].ErrorMessage != tt.wantMessage {
				t.Errorf("ErrorMessage = %v, want %q", events[0].ErrorMessage, tt.wantMessage)
			}
			if events[0].NextRetryAt != nil {
				t.Error("guard rejections must not be retried")
			}

			// The connection itself stays healthy: the remote file is the problem.
			got, _ := env.conns.Get(context.Background(), conn.ID)
			if got.HealthStatus != storage.HealthActive {
				t.Errorf("HealthStatus = %q, want active", got.HealthStatus)
			}
		})
	}
}

func TestHandleNotification_DuplicateContent(t *testing.T) {
	ctrl := gomock.NewController(t)
	env := newTestEnv(t, ctrl, nil)
	conn, token := env.seedConnection(t)

	content := []byte("identical bytes")
	existingExternal := "f-existing"
	path := "somewhere/existing"
	existing := &storage.FileRecord{
		ConnectionID: &conn.ID,
		Name:         "Existing.pdf",
		Size:         int64(len(content)),
		MimeType:     "application/pdf",
		ContentHash:  hashOf(content),
		StoragePath:  &path,
		Status:       storage.FileStatusReady,
		Source:       storage.SourceRemoteSync,
		ExternalID:   &existingExternal,
		SyncEnabled:  true,
	}
	if err := env.files.Insert(context.Background(), existing); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	env.provider.EXPECT().FileMetadata(gomock.Any(), "access-token", "f-new").
		Return(&provider.FileMetadata{ID: "f-new", Name: "Copy.pdf", MimeType: "application/pdf", Size: 100}, nil)
	env.provider.EXPECT().Download(gomock.Any(), "access-token", "f-new").Return(content, nil)
	// No Notify: downstream must not reprocess a duplicate.

	env.engine.HandleNotification(context.Background(), Notification{
		ChannelToken:  token,
		ResourceURI:   "https://provider.example.com/files/f-new",
		ResourceState: StateAdd,
	})
	env.engine.Drain()

	if _, err := env.files.FindByExternalID(context.Background(), conn.ID, "f-new"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("duplicate should not create a new FileRecord, got err = %v", err)
	}

	events := env.eventsFor(t, conn.ID)
	if len(events) != 1 {
		t.Fatalf("got %d sync events, want 1", len(events))
	}
	if events[0].Status != storage.EventFailed {
		t.Errorf("Status = %q, want failed", events[0].Status)
	}
	if events[0].ErrorMessage == nil || *events[0].ErrorMessage != "Duplicate of Existing.pdf" {
		t.Errorf("ErrorMessage = %v, want Duplicate of Existing.pdf", events[0].ErrorMessage)
	}
}

func TestHandleNotification_UpdateNoContentChange(t *testing.T) {
	ctrl := gomock.NewController(t)
	env := newTestEnv(t, ctrl, nil)
	conn, token := env.seedConnection(t)

	content := []byte("stable content")
	externalID := "f-1"
	path := "blobs/original/path"
	existing := &storage.FileRecord{
		ConnectionID: &conn.ID,
		Name:         "Doc.pdf",
		Size:         int64(len(content)),
		MimeType:     "application/pdf",
		ContentHash:  hashOf(content),
		StoragePath:  &path,
		Status:       storage.FileStatusReady,
		Source:       storage.SourceRemoteSync,
		ExternalID:   &externalID,
		SyncEnabled:  true,
	}
	if err := env.files.Insert(context.Background(), existing); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	env.provider.EXPECT().FileMetadata(gomock.Any(), "access-token", "f-1").
		Return(&provider.FileMetadata{ID: "f-1", Name: "Doc.pdf", MimeType: "application/pdf", Size: 100}, nil)
	env.provider.EXPECT().Download(gomock.Any(), "access-token", "f-1").Return(content, nil)
	// No Notify and no re-store for unchanged content.

	env.engine.HandleNotification(context.Background(), Notification{
		ChannelToken:  token,
		ResourceURI:   "https://provider.example.com/files/f-1",
		ResourceState: StateUpdate,
	})
	env.engine.Drain()

	got, err := env.files.FindByExternalID(context.Background(), conn.ID, "f-1")
	if err != nil {
		t.Fatalf("FindByExternalID() error = %v", err)
	}
	if got.Status != storage.FileStatusReady {
		t.Errorf("Status = %q, want unchanged ready", got.Status)
	}
	if got.StoragePath == nil || *got.StoragePath != path {
		t.Errorf("StoragePath = %v, want unchanged %q", got.StoragePath, path)
	}

	events := env.eventsFor(t, conn.ID)
	if len(events) != 1 {
		t.Fatalf("got %d sync events, want 1", len(events))
	}
	if events[0].Status != storage.EventCompleted {
		t.Errorf("Status = %q, want completed", events[0].Status)
	}
	if events[0].ErrorMessage == nil || *events[0].ErrorMessage != "No content changes detected" {
		t.Errorf("ErrorMessage = %v, want No content changes detected", events[0].ErrorMessage)
	}
	if events[0].EventType != storage.EventFileModified {
		t.Errorf("EventType = %q, want file_modified", events[0].EventType)
	}
}

func TestHandleNotification_UpdateWithNewContent(t *testing.T) {
	ctrl := gomock.NewController(t)
	env := newTestEnv(t, ctrl, nil)
	conn, token := env.seedConnection(t)

	oldContent := []byte("old content")
	newContent := []byte("new content entirely")
	externalID := "f-1"
	oldPath := "blobs/old/path"
	existing := &storage.FileRecord{
		ConnectionID: &conn.ID,
		Name:         "Doc.pdf",
		Size:         int64(len(oldContent)),
		MimeType:     "application/pdf",
		ContentHash:  hashOf(oldContent),
		StoragePath:  &oldPath,
		Status:       storage.FileStatusReady,
		Source:       storage.SourceRemoteSync,
		ExternalID:   &externalID,
		SyncEnabled:  true,
	}
	if err := env.files.Insert(context.Background(), existing); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	env.provider.EXPECT().FileMetadata(gomock.Any(), "access-token", "f-1").
		Return(&provider.FileMetadata{ID: "f-1", Name: "Doc-v2.pdf", MimeType: "application/pdf", Size: 100}, nil)
	env.provider.EXPECT().Download(gomock.Any(), "access-token", "f-1").Return(newContent, nil)
	env.notifier.EXPECT().Notify(gomock.Any(), existing.ID).Return(nil)

	env.engine.HandleNotification(context.Background(), Notification{
		ChannelToken:  token,
		ResourceURI:   "https://provider.example.com/files/f-1",
		ResourceState: StateUpdate,
	})
	env.engine.Drain()

	got, err := env.files.FindByExternalID(context.Background(), conn.ID, "f-1")
	if err != nil {
		t.Fatalf("FindByExternalID() error = %v", err)
	}
	if got.ID != existing.ID {
		t.Errorf("record id changed on update: %q -> %q", existing.ID, got.ID)
	}
	if got.ContentHash != hashOf(newContent) {
		t.Errorf("ContentHash = %q, want hash of new content", got.ContentHash)
	}
	if got.Name != "Doc-v2.pdf" {
		t.Errorf("Name = %q, want Doc-v2.pdf", got.Name)
	}
	if got.StoragePath == nil || *got.StoragePath == oldPath {
		t.Error("StoragePath should point at the replacement blob")
	}

	events := env.eventsFor(t, conn.ID)
	if len(events) != 1 || events[0].Status != storage.EventCompleted {
		t.Fatalf("events = %+v, want one completed", events)
	}
}

func TestHandleNotification_NotifyFailureDoesNotRollBack(t *testing.T) {
	ctrl := gomock.NewController(t)
	env := newTestEnv(t, ctrl, nil)
	conn, token := env.seedConnection(t)

	content := []byte("durable content")
	env.provider.EXPECT().FileMetadata(gomock.Any(), "access-token", "f-1").
		Return(&provider.FileMetadata{ID: "f-1", Name: "a.pdf", MimeType: "application/pdf", Size: 10}, nil)
	env.provider.EXPECT().Download(gomock.Any(), "access-token", "f-1").Return(content, nil)
	env.notifier.EXPECT().Notify(gomock.Any(), gomock.Any()).Return(errors.New("downstream is down"))

	env.engine.HandleNotification(context.Background(), Notification{
		ChannelToken:  token,
		ResourceURI:   "https://provider.example.com/files/f-1",
		ResourceState: StateAdd,
	})
	env.engine.Drain()

	if _, err := env.files.FindByExternalID(context.Background(), conn.ID, "f-1"); err != nil {
		t.Errorf("file should stay stored despite notify failure, got err = %v", err)
	}
	events := env.eventsFor(t, conn.ID)
	if len(events) != 1 || events[0].Status != storage.EventCompleted {
		t.Fatalf("events = %+v, want one completed", events)
	}
}

func TestHandleNotification_TransientFailureThenRetrySucceeds(t *testing.T) {
	ctrl := gomock.NewController(t)
	env := newTestEnv(t, ctrl, []time.Duration{150 * time.Millisecond})
	conn, token := env.seedConnection(t)

	content := []byte("eventually fetched")
	meta := &provider.FileMetadata{ID: "f-1", Name: "a.pdf", MimeType: "application/pdf", Size: 10}
	gomock.InOrder(
		env.provider.EXPECT().FileMetadata(gomock.Any(), "access-token", "f-1").
			Return(nil, &provider.TransientError{Op: "metadata", Err: errors.New("connection reset")}),
		env.provider.EXPECT().FileMetadata(gomock.Any(), "access-token", "f-1").Return(meta, nil),
	)
	env.provider.EXPECT().Download(gomock.Any(), "access-token", "f-1").Return(content, nil)
	env.notifier.EXPECT().Notify(gomock.Any(), gomock.Any()).Return(nil)

	env.engine.HandleNotification(context.Background(), Notification{
		ChannelToken:  token,
		ResourceURI:   "https://provider.example.com/files/f-1",
		ResourceState: StateAdd,
	})
	env.engine.Drain()

	// After the first attempt: one failed event with armed retry state.
	events := env.eventsFor(t, conn.ID)
	if len(events) != 1 {
		t.Fatalf("got %d sync events, want 1", len(events))
	}
	if events[0].Status != storage.EventFailed {
		t.Errorf("Status = %q, want failed before retry", events[0].Status)
	}
	if events[0].RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", events[0].RetryCount)
	}
	if events[0].NextRetryAt == nil || events[0].RetryContext == nil {
		t.Fatal("retry bookkeeping should be persisted after a transient failure")
	}

	// Let the armed timer fire and the retry run to completion.
	env.scheduler.Wait()

	events = env.eventsFor(t, conn.ID)
	if events[0].Status != storage.EventCompleted {
		t.Errorf("Status = %q, want completed after retry", events[0].Status)
	}
	if events[0].NextRetryAt != nil || events[0].RetryContext != nil {
		t.Error("retry bookkeeping should be cleared after a successful retry")
	}
	if events[0].RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1 (incremented at schedule time)", events[0].RetryCount)
	}
	if _, err := env.files.FindByExternalID(context.Background(), conn.ID, "f-1"); err != nil {
		t.Errorf("file should be stored by the retry, got err = %v", err)
	}
}

func TestHandleNotification_RetryExhaustion(t *testing.T) {
	ctrl := gomock.NewController(t)
	env := newTestEnv(t, ctrl, []time.Duration{10 * time.Millisecond})
	env.engine.maxRetries = 1
	conn, token := env.seedConnection(t)

	env.provider.EXPECT().FileMetadata(gomock.Any(), "access-token", "f-1").
		Return(nil, &provider.TransientError{Op: "metadata", Err: errors.New("still down")}).
		Times(2) // initial attempt + the single allowed retry

	env.engine.HandleNotification(context.Background(), Notification{
		ChannelToken:  token,
		ResourceURI:   "https://provider.example.com/files/f-1",
		ResourceState: StateAdd,
	})
	env.engine.Drain()
	env.scheduler.Wait()

	events := env.eventsFor(t, conn.ID)
	if len(events) != 1 {
		t.Fatalf("got %d sync events, want 1", len(events))
	}
	if events[0].Status != storage.EventFailed {
		t.Errorf("Status = %q, want failed", events[0].Status)
	}
	if events[0].NextRetryAt != nil || events[0].RetryContext != nil {
		t.Error("no further retry may be scheduled once the cap is reached")
	}
}

func TestScheduler_RecoverScheduledRetries(t *testing.T) {
	ctrl := gomock.NewController(t)
	env := newTestEnv(t, ctrl, nil)
	conn, _ := env.seedConnection(t)
	ctx := context.Background()

	// Simulate a pre-restart failure: a failed event with persisted retry
	// state whose timer no longer exists in memory.
	event := &storage.SyncEvent{ConnectionID: conn.ID, EventType: storage.EventFileAdded, ExternalFileID: "f-1"}
	if err := env.events.Create(ctx, event); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := env.events.Fail(ctx, event.ID, "transient"); err != nil {
		t.Fatalf("Fail() error = %v", err)
	}
	resume := fmt.Sprintf(`{"event_id":%q,"connection_id":%q,"external_file_id":"f-1","resource_state":"add","attempt":1}`,
		event.ID, conn.ID)
	if err := env.events.ScheduleRetry(ctx, event.ID, 1, time.Now().Add(-time.Second), resume); err != nil {
		t.Fatalf("ScheduleRetry() error = %v", err)
	}

	content := []byte("recovered content")
	env.provider.EXPECT().FileMetadata(gomock.Any(), "access-token", "f-1").
		Return(&provider.FileMetadata{ID: "f-1", Name: "a.pdf", MimeType: "application/pdf", Size: 10}, nil)
	env.provider.EXPECT().Download(gomock.Any(), "access-token", "f-1").Return(content, nil)
	env.notifier.EXPECT().Notify(gomock.Any(), gomock.Any()).Return(nil)

	if err := env.scheduler.RecoverScheduledRetries(ctx); err != nil {
		t.Fatalf("RecoverScheduledRetries() error = %v", err)
	}
	env.scheduler.Wait()

	got, err := env.events.Get(ctx, event.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != storage.EventCompleted {
		t.Errorf("Status = %q, want completed after recovered retry", got.Status)
	}
	if got.NextRetryAt != nil || got.RetryContext != nil {
		t.Error("retry bookkeeping should be cleared")
	}
}

func TestScheduler_ClearScheduledRetries(t *testing.T) {
	ctrl := gomock.NewController(t)
	env := newTestEnv(t, ctrl, []time.Duration{time.Hour})
	conn, _ := env.seedConnection(t)
	ctx := context.Background()

	event := &storage.SyncEvent{ConnectionID: conn.ID, EventType: storage.EventFileAdded, ExternalFileID: "f-1"}
	if err := env.events.Create(ctx, event); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	job := Job{EventID: event.ID, ConnectionID: conn.ID, ExternalFileID: "f-1", ResourceState: StateAdd, Attempt: 1}
	if err := env.scheduler.Schedule(ctx, job); err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}

	env.scheduler.ClearScheduledRetries()
	// Wait returns immediately because the armed timer was cancelled.
	env.scheduler.Wait()

	// Persisted state must survive the in-memory clear.
	got, err := env.events.Get(ctx, event.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.NextRetryAt == nil || got.RetryContext == nil {
		t.Error("ClearScheduledRetries must not delete persisted retry state")
	}
}

func TestExternalFileID(t *testing.T) {
	tests := []struct {
		uri  string
		want string
	}{
		{"https://provider.example.com/files/f-123", "f-123"},
		{"https://provider.example.com/files/f-123?alt=json&fields=id", "f-123"},
		{"https://provider.example.com/files/f-123/", "f-123"},
		{"f-plain", "f-plain"},
		{"", ""},
	}

	for _, tt := range tests {
		if got := externalFileID(tt.uri); got != tt.want {
			t.Errorf("externalFileID(%q) = %q, want %q", tt.uri, got, tt.want)
		}
	}
}
