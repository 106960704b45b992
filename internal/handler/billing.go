package handler

import (
	"encoding/json"
	"net/http"

	"github.com/replyforge/chatbot-platform/internal/billing"
	"github.com/replyforge/chatbot-platform/internal/middleware"
	"github.com/replyforge/chatbot-platform/internal/model"
	"github.com/replyforge/chatbot-platform/internal/store"
	"github.com/replyforge/chatbot-platform/pkg/logger"
)

// BillingHandler serves the authenticated subscription endpoints.
type BillingHandler struct {
	reconciler *billing.Reconciler
	users      store.UserStore
	logger     *logger.Logger
}

// NewBillingHandler creates a new billing handler.
func NewBillingHandler(rec *billing.Reconciler, users store.UserStore, log *logger.Logger) *BillingHandler {
	return &BillingHandler{reconciler: rec, users: users, logger: log}
}

// SubscribeRequest starts a provider checkout for a plan.
type SubscribeRequest struct {
	PlanID string `json:"plan_id"`
}

// Subscribe handles POST /api/v1/billing/subscribe. It creates the
// provider subscription and returns it so the client can run checkout.
func (h *BillingHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	var req SubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.PlanID == "" {
		writeError(w, http.StatusBadRequest, "plan_id is required")
		return
	}

	user, err := h.users.GetUser(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	sub, err := h.reconciler.Subscribe(r.Context(), user, req.PlanID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

// Confirm handles POST /api/v1/billing/confirm, the synchronous checkout
// confirmation from the client.
func (h *BillingHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	var req model.ConfirmSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sub, err := h.reconciler.Confirm(r.Context(), userID, &req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

// Get handles GET /api/v1/billing/subscription.
func (h *BillingHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	sub, err := h.reconciler.GetForUser(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

// Cancel handles POST /api/v1/billing/cancel.
func (h *BillingHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	sub, err := h.reconciler.Cancel(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}
