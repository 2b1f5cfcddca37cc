package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mirrorsync/internal/contextutil"
	"mirrorsync/internal/provider"
	"mirrorsync/internal/storage"
	"mirrorsync/internal/vault"
)

// credentialSource resolves a usable plaintext access token for a connection,
// transparently refreshing expired tokens and persisting the rotated pair.
type credentialSource struct {
	vault  *vault.Vault
	client provider.Client
	conns  storage.ConnectionStore
}

// accessToken decrypts the stored access token and refreshes it when expired.
// Decrypt failures and provider-rejected refreshes come back as
// *credentialError (permanent); refresh network failures pass through as
// transient provider errors.
func (c *credentialSource) accessToken(ctx context.Context, conn *storage.Connection) (string, error) {
	access, err := c.vault.Decrypt(conn.EncryptedAccessToken)
	if err != nil {
		return "", &credentialError{Code: CodeCredentialDecryptFailed, Err: err}
	}

	if conn.TokenExpiresAt == nil || time.Now().Before(*conn.TokenExpiresAt) {
		return access, nil
	}

	refresh, err := c.vault.Decrypt(conn.EncryptedRefreshToken)
	if err != nil {
		return "", &credentialError{Code: CodeCredentialDecryptFailed, Err: err}
	}

	pair, err := c.client.RefreshToken(ctx, refresh)
	if err != nil {
		if errors.Is(err, provider.ErrUnauthorized) {
			return "", &credentialError{Code: CodeTokenRefreshFailed, Err: err}
		}
		return "", err
	}

	patch := map[string]any{
		"token_expires_at": pair.ExpiresAt,
	}
	if patch["encrypted_access_token"], err = c.vault.Encrypt(pair.AccessToken); err != nil {
		return "", fmt.Errorf("failed to encrypt refreshed access token: %w", err)
	}
	if pair.RefreshToken != "" {
		if patch["encrypted_refresh_token"], err = c.vault.Encrypt(pair.RefreshToken); err != nil {
			return "", fmt.Errorf("failed to encrypt refreshed refresh token: %w", err)
		}
	}
	if err := c.conns.Update(ctx, conn.ID, patch); err != nil {
		return "", fmt.Errorf("failed to persist refreshed tokens: %w", err)
	}
	contextutil.LoggerFromContext(ctx).Info("refreshed provider credentials", "connection_id", conn.ID)

	return pair.AccessToken, nil
}
