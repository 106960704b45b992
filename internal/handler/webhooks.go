package handler

import (
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/replyforge/chatbot-platform/internal/billing"
	"github.com/replyforge/chatbot-platform/internal/model"
	"github.com/replyforge/chatbot-platform/pkg/logger"
)

// Razorpay webhook headers.
const (
	razorpaySignatureHeader = "x-razorpay-signature"
	razorpayEventIDHeader   = "x-razorpay-event-id"
)

// maxWebhookBody caps inbound webhook bodies at 1MB.
const maxWebhookBody = 1 << 20

// WebhookHandler receives payment-provider webhook deliveries.
type WebhookHandler struct {
	reconciler *billing.Reconciler
	logger     *logger.Logger
}

// NewWebhookHandler creates a new webhook handler.
func NewWebhookHandler(rec *billing.Reconciler, log *logger.Logger) *WebhookHandler {
	return &WebhookHandler{reconciler: rec, logger: log}
}

// Razorpay handles POST /webhooks/razorpay. The signature is verified over
// the raw body before any parsing. Signature failures return 401 and
// malformed bodies 400; every other outcome is acknowledged with
// {"received":true} so the provider stops redelivering.
func (h *WebhookHandler) Razorpay(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	signature := r.Header.Get(razorpaySignatureHeader)
	eventID := r.Header.Get(razorpayEventIDHeader)

	if err := h.reconciler.HandleWebhook(r.Context(), body, signature, eventID); err != nil {
		switch {
		case errors.Is(err, model.ErrUnauthorized):
			writeError(w, http.StatusUnauthorized, "invalid signature")
		case errors.Is(err, model.ErrValidation):
			writeError(w, http.StatusBadRequest, "malformed webhook body")
		default:
			// Transient local failure: a 5xx makes the provider retry.
			h.logger.Error("webhook processing failed",
				zap.String("event_id", eventID),
				zap.Error(err),
			)
			writeError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}
