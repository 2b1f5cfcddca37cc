package sync

import "strings"

// Resource states carried by a webhook notification.
const (
	StateAdd        = "add"
	StateUpdate     = "update"
	StateSync       = "sync"
	StateExpiration = "expiration" // channel-expiration notice variant
)

// Notification is an inbound webhook push, decoded from request headers.
type Notification struct {
	ChannelToken      string
	ChannelID         string
	ResourceURI       string
	ResourceState     string
	ChannelExpiration string // raw RFC3339 timestamp, may be empty
}

// Ack is the immediate webhook response. Acceptance never reflects the
// eventual outcome of the background work.
type Ack struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// Webhook rejection reasons.
const (
	ReasonMissingChannelToken = "missing_channel_token"
	ReasonChannelExpired      = "channel_expired"
)

// externalFileID extracts the remote file id from a resource URI: the final
// path segment, with any query string stripped.
func externalFileID(resourceURI string) string {
	uri := resourceURI
	if i := strings.IndexByte(uri, '?'); i >= 0 {
		uri = uri[:i]
	}
	uri = strings.TrimRight(uri, "/")
	if i := strings.LastIndexByte(uri, '/'); i >= 0 {
		uri = uri[i+1:]
	}
	return uri
}
