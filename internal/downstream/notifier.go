package downstream

//go:generate go run go.uber.org/mock/mockgen@latest -destination=mocks/mock_notifier.go -package=mocks mirrorsync/internal/downstream Notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Notifier hands a newly synced file off to the downstream processing
// pipeline. The call is fire-and-forget from the engine's point of view: a
// failure is logged by the caller but never rolls back the stored file.
type Notifier interface {
	Notify(ctx context.Context, fileID string) error
}

// HTTPNotifier posts hand-off notifications to the document-processing
// service. It implements the Notifier interface.
type HTTPNotifier struct {
	BaseURL string
	client  *http.Client
}

// NewHTTPNotifier creates a new HTTPNotifier.
func NewHTTPNotifier(baseURL string) *HTTPNotifier {
	return &HTTPNotifier{
		BaseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type notifyRequest struct {
	FileID string `json:"file_id"`
}

// Notify posts the file id to the downstream processing endpoint.
func (n *HTTPNotifier) Notify(ctx context.Context, fileID string) error {
	body, err := json.Marshal(notifyRequest{FileID: fileID})
	if err != nil {
		return fmt.Errorf("failed to marshal notify request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.BaseURL+"/api/process", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create notify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to notify downstream: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("downstream returned status %d", resp.StatusCode)
	}
	return nil
}
