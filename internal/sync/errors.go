package sync

import (
	"errors"
	"fmt"
)

var (
	// ErrReauthorizationRequired is returned by the manual sync path when the
	// connection's credentials are unusable and the user must re-authorize.
	ErrReauthorizationRequired = errors.New("token refresh required")

	// ErrNoFolderSelected is returned by the manual sync path when the
	// connection has no monitored folder.
	ErrNoFolderSelected = errors.New("no folder selected for connection")
)

// Stable machine-readable codes recorded on a demoted connection.
const (
	CodeCredentialDecryptFailed = "credential_decrypt_failed"
	CodeTokenRefreshFailed      = "token_refresh_failed"
	CodeProviderAuthFailed      = "provider_auth_failed"
	CodeWebhookExpired          = "webhook_expired"
)

// credentialError is a permanent failure that demotes the connection.
type credentialError struct {
	Code string
	Err  error
}

func (e *credentialError) Error() string {
	return fmt.Sprintf("credential failure (%s): %v", e.Code, e.Err)
}

func (e *credentialError) Unwrap() error {
	return e.Err
}
