package provider

//go:generate go run go.uber.org/mock/mockgen@latest -destination=mocks/mock_client.go -package=mocks mirrorsync/internal/provider Client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client is the narrow interface the sync engine depends on. The provider's
// own network retry policy is out of scope; failures are classified as
// ErrUnauthorized or *TransientError and handled by the engine.
type Client interface {
	// FileMetadata fetches name/size/mime-type/modified-time by external id.
	FileMetadata(ctx context.Context, accessToken, fileID string) (*FileMetadata, error)
	// Download fetches the file bytes.
	Download(ctx context.Context, accessToken, fileID string) ([]byte, error)
	// ListFolder lists the files directly inside a folder.
	ListFolder(ctx context.Context, accessToken, folderID string) ([]FileMetadata, error)
	// RefreshToken exchanges a refresh token for a fresh credential pair.
	RefreshToken(ctx context.Context, refreshToken string) (*TokenPair, error)
	// RegisterChannel registers a webhook channel watching a folder. The
	// channelToken is minted by the caller and echoed back on notifications.
	RegisterChannel(ctx context.Context, accessToken, folderID, callbackURL, channelToken string) (*ChannelRegistration, error)
	// StopChannel stops an existing webhook channel.
	StopChannel(ctx context.Context, accessToken, channelID string) error
}

// HTTPClient talks to a Drive-style file-hosting REST API.
// It implements the Client interface.
type HTTPClient struct {
	BaseURL string
	client  *http.Client
}

// NewHTTPClient creates a new provider client.
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		BaseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type fileMetadataResponse struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	MimeType     string `json:"mimeType"`
	Size         int64  `json:"size"`
	ModifiedTime string `json:"modifiedTime"`
}

type fileListResponse struct {
	Files []fileMetadataResponse `json:"files"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

type channelRequest struct {
	FolderID string `json:"folderId"`
	Address  string `json:"address"`
	Token    string `json:"token"`
}

type channelResponse struct {
	ChannelID  string `json:"channelId"`
	Expiration string `json:"expiration"`
}

// FileMetadata fetches metadata for a single file.
func (c *HTTPClient) FileMetadata(ctx context.Context, accessToken, fileID string) (*FileMetadata, error) {
	var body fileMetadataResponse
	if err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("%s/files/%s", c.BaseURL, fileID), accessToken, nil, &body); err != nil {
		return nil, err
	}
	return decodeMetadata(body)
}

// Download fetches the raw bytes of a file.
func (c *HTTPClient) Download(ctx context.Context, accessToken, fileID string) ([]byte, error) {
	const op = "download"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/files/%s/content", c.BaseURL, fileID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &TransientError{Op: op, Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if err := classifyStatus(op, resp.StatusCode); err != nil {
		return nil, err
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransientError{Op: op, Err: err}
	}
	return data, nil
}

// ListFolder lists the files inside a folder.
func (c *HTTPClient) ListFolder(ctx context.Context, accessToken, folderID string) ([]FileMetadata, error) {
	var body fileListResponse
	url := fmt.Sprintf("%s/files?folderId=%s", c.BaseURL, folderID)
	if err := c.doJSON(ctx, http.MethodGet, url, accessToken, nil, &body); err != nil {
		return nil, err
	}

	files := make([]FileMetadata, 0, len(body.Files))
	for _, f := range body.Files {
		meta, err := decodeMetadata(f)
		if err != nil {
			return nil, err
		}
		files = append(files, *meta)
	}
	return files, nil
}

// RefreshToken exchanges a refresh token for a fresh pair.
func (c *HTTPClient) RefreshToken(ctx context.Context, refreshToken string) (*TokenPair, error) {
	payload := map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
	}
	var body tokenResponse
	if err := c.doJSON(ctx, http.MethodPost, c.BaseURL+"/oauth/token", "", payload, &body); err != nil {
		return nil, err
	}
	if body.AccessToken == "" {
		return nil, fmt.Errorf("token refresh returned no access token")
	}
	return &TokenPair{
		AccessToken:  body.AccessToken,
		RefreshToken: body.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(body.ExpiresIn) * time.Second),
	}, nil
}

// RegisterChannel registers a webhook channel watching a folder.
func (c *HTTPClient) RegisterChannel(ctx context.Context, accessToken, folderID, callbackURL, channelToken string) (*ChannelRegistration, error) {
	payload := channelRequest{FolderID: folderID, Address: callbackURL, Token: channelToken}
	var body channelResponse
	if err := c.doJSON(ctx, http.MethodPost, c.BaseURL+"/channels", accessToken, payload, &body); err != nil {
		return nil, err
	}
	if body.ChannelID == "" {
		return nil, fmt.Errorf("channel registration returned no channel id")
	}

	reg := &ChannelRegistration{ChannelID: body.ChannelID}
	if body.Expiration != "" {
		exp, err := time.Parse(time.RFC3339, body.Expiration)
		if err != nil {
			return nil, fmt.Errorf("failed to parse channel expiration %q: %w", body.Expiration, err)
		}
		reg.Expiration = exp
	}
	return reg, nil
}

// StopChannel stops an existing webhook channel.
func (c *HTTPClient) StopChannel(ctx context.Context, accessToken, channelID string) error {
	return c.doJSON(ctx, http.MethodPost, fmt.Sprintf("%s/channels/%s/stop", c.BaseURL, channelID), accessToken, nil, nil)
}

// doJSON performs a JSON request/response round trip with error
// classification. out may be nil when no response body is expected.
func (c *HTTPClient) doJSON(ctx context.Context, method, url, accessToken string, in, out any) error {
	op := method + " " + url

	var reqBody io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return &TransientError{Op: op, Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if err := classifyStatus(op, resp.StatusCode); err != nil {
		return err
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// classifyStatus maps HTTP status codes onto the engine's error taxonomy:
// auth failures are credential errors, everything else non-2xx is transient
// (the retry cap bounds the damage of misclassifying a stuck 4xx).
func classifyStatus(op string, status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%s: %w", op, ErrUnauthorized)
	default:
		return &TransientError{Op: op, Err: fmt.Errorf("unexpected status %d", status)}
	}
}

func decodeMetadata(body fileMetadataResponse) (*FileMetadata, error) {
	meta := &FileMetadata{
		ID:       body.ID,
		Name:     body.Name,
		MimeType: body.MimeType,
		Size:     body.Size,
	}
	if body.ModifiedTime != "" {
		t, err := time.Parse(time.RFC3339, body.ModifiedTime)
		if err != nil {
			return nil, fmt.Errorf("failed to parse modified time %q: %w", body.ModifiedTime, err)
		}
		meta.ModifiedAt = t
	}
	return meta, nil
}
