package handlers

import (
	"context"
	"net/http"

	"mirrorsync/internal/contextutil"
	"mirrorsync/internal/sync"
)

// NotificationEngine is the subset of the sync engine the webhook handler
// needs.
type NotificationEngine interface {
	HandleNotification(ctx context.Context, n sync.Notification) sync.Ack
}

// WebhookHandler receives provider push notifications.
type WebhookHandler struct {
	engine NotificationEngine
}

// NewWebhookHandler creates a new WebhookHandler.
func NewWebhookHandler(engine NotificationEngine) *WebhookHandler {
	return &WebhookHandler{engine: engine}
}

// ServeHTTP acknowledges a push notification. The response is always 202: the
// provider only needs to know the notification was received, and the body
// reports whether it was accepted for processing. Rejecting with an error
// status would make the provider retry notifications we already know we will
// never process.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := contextutil.LoggerFromContext(ctx)

	n := sync.Notification{
		ChannelToken:      r.Header.Get("Channel-Token"),
		ChannelID:         r.Header.Get("Channel-Id"),
		ResourceURI:       r.Header.Get("Resource-Uri"),
		ResourceState:     r.Header.Get("Resource-State"),
		ChannelExpiration: r.Header.Get("Channel-Expiration"),
	}
	logger.InfoContext(ctx, "webhook notification received",
		"channel_id", n.ChannelID, "state", n.ResourceState)

	ack := h.engine.HandleNotification(ctx, n)
	writeJSON(w, http.StatusAccepted, ack)
}
