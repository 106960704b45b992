package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/replyforge/chatbot-platform/internal/middleware"
	"github.com/replyforge/chatbot-platform/internal/model"
	"github.com/replyforge/chatbot-platform/internal/service"
	"github.com/replyforge/chatbot-platform/pkg/logger"
)

// WidgetHandler serves the unauthenticated embeddable-widget endpoints.
// Conversation IDs are unguessable UUIDv7 values and act as the session
// capability.
type WidgetHandler struct {
	conversations *service.ConversationService
	logger        *logger.Logger
}

// NewWidgetHandler creates a new widget handler.
func NewWidgetHandler(convSvc *service.ConversationService, log *logger.Logger) *WidgetHandler {
	return &WidgetHandler{conversations: convSvc, logger: log}
}

// Start handles POST /widget/{chatbotID}/conversations.
func (h *WidgetHandler) Start(w http.ResponseWriter, r *http.Request) {
	chatbotID := chi.URLParam(r, "chatbotID")
	if err := middleware.ValidateChatbotID(chatbotID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req model.StartConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateVisitorID(req.VisitorID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conv, err := h.conversations.Start(r.Context(), chatbotID, req.VisitorID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

// PostMessage handles POST /widget/{chatbotID}/conversations/{id}/messages.
func (h *WidgetHandler) PostMessage(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req model.PostMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateMessageContent(req.Content); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := h.conversations.HandleMessage(r.Context(), conversationID, &req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// ClickButton handles POST /widget/{chatbotID}/conversations/{id}/buttons.
func (h *WidgetHandler) ClickButton(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req model.ButtonClickRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateButtonValue(req.Value); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := h.conversations.HandleButton(r.Context(), conversationID, &req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListMessages handles GET /widget/{chatbotID}/conversations/{id}/messages.
// Supports ?after_seq=N&limit=N for incremental polling.
func (h *WidgetHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	afterSeq := queryInt(r, "after_seq", 0)
	limit := queryInt(r, "limit", 50)

	resp, err := h.conversations.ListMessages(r.Context(), conversationID, afterSeq, limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// SubmitLead handles POST /widget/{chatbotID}/conversations/{id}/lead.
func (h *WidgetHandler) SubmitLead(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req model.LeadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" && req.Email == "" && req.Phone == "" {
		writeError(w, http.StatusBadRequest, "lead requires at least one field")
		return
	}

	lead, err := h.conversations.CaptureLead(r.Context(), conversationID, &req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lead)
}

// SubmitFeedback handles POST /widget/{chatbotID}/conversations/{id}/feedback.
func (h *WidgetHandler) SubmitFeedback(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req model.FeedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.conversations.SubmitFeedback(r.Context(), conversationID, &req); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

// End handles POST /widget/{chatbotID}/conversations/{id}/end.
func (h *WidgetHandler) End(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.conversations.End(r.Context(), conversationID, model.StatusEnded); err != nil {
		writeServiceError(w, err)
		return
	}
	h.logger.Info("conversation ended by visitor", zap.String("conversation_id", conversationID))
	writeJSON(w, http.StatusOK, map[string]string{"status": string(model.StatusEnded)})
}
