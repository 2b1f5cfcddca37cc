package provider

import "time"

// FileMetadata describes a remote file as reported by the provider.
type FileMetadata struct {
	ID         string
	Name       string
	MimeType   string
	Size       int64
	ModifiedAt time.Time
}

// TokenPair is a refreshed credential pair. RefreshToken may be empty when
// the provider keeps the original refresh token valid.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// ChannelRegistration is the result of registering a webhook channel.
type ChannelRegistration struct {
	ChannelID  string
	Expiration time.Time
}
