package handler

import (
	"net/http"

	natsclient "github.com/replyforge/chatbot-platform/internal/nats"
)

// HealthHandler serves liveness and readiness probes.
type HealthHandler struct {
	nats *natsclient.Client
}

// NewHealthHandler creates a new health handler. nats may be nil when the
// audit stream is disabled.
func NewHealthHandler(nats *natsclient.Client) *HealthHandler {
	return &HealthHandler{nats: nats}
}

// Health handles GET /health.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready handles GET /ready. It reports degraded when the audit stream
// connection is down.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.nats != nil && !h.nats.IsConnected() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded",
			"nats":   "disconnected",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
