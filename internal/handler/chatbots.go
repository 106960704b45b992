package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/replyforge/chatbot-platform/internal/delivery"
	"github.com/replyforge/chatbot-platform/internal/middleware"
	"github.com/replyforge/chatbot-platform/internal/model"
	"github.com/replyforge/chatbot-platform/internal/service"
	"github.com/replyforge/chatbot-platform/internal/store"
	"github.com/replyforge/chatbot-platform/pkg/logger"
)

// ChatbotHandler serves the authenticated chatbot-owner endpoints.
type ChatbotHandler struct {
	bots          store.ChatbotStore
	convs         store.ConversationStore
	conversations *service.ConversationService
	deliverer     *delivery.Deliverer
	logger        *logger.Logger
}

// NewChatbotHandler creates a new chatbot handler.
func NewChatbotHandler(
	bots store.ChatbotStore,
	convs store.ConversationStore,
	convSvc *service.ConversationService,
	deliverer *delivery.Deliverer,
	log *logger.Logger,
) *ChatbotHandler {
	return &ChatbotHandler{
		bots:          bots,
		convs:         convs,
		conversations: convSvc,
		deliverer:     deliverer,
		logger:        log,
	}
}

// List handles GET /api/v1/chatbots.
func (h *ChatbotHandler) List(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())
	bots, err := h.bots.ListChatbotsByTenant(r.Context(), tenantID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chatbots": bots})
}

// Get handles GET /api/v1/chatbots/{chatbotID}.
func (h *ChatbotHandler) Get(w http.ResponseWriter, r *http.Request) {
	bot, ok := h.ownedBot(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, bot)
}

// Create handles POST /api/v1/chatbots.
func (h *ChatbotHandler) Create(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())

	var bot model.Chatbot
	if err := json.NewDecoder(r.Body).Decode(&bot); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if bot.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	bot.ID = uuid.Must(uuid.NewV7()).String()
	bot.TenantID = tenantID
	if err := h.bots.PutChatbot(r.Context(), &bot); err != nil {
		writeServiceError(w, err)
		return
	}

	h.logger.Info("chatbot created",
		zap.String("chatbot_id", bot.ID),
		zap.String("tenant_id", tenantID),
	)
	writeJSON(w, http.StatusCreated, bot)
}

// Update handles PUT /api/v1/chatbots/{chatbotID}. Flows, triggers,
// knowledge base and widget settings are replaced wholesale.
func (h *ChatbotHandler) Update(w http.ResponseWriter, r *http.Request) {
	existing, ok := h.ownedBot(w, r)
	if !ok {
		return
	}

	var bot model.Chatbot
	if err := json.NewDecoder(r.Body).Decode(&bot); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	// Identity and ownership are not client writable.
	bot.ID = existing.ID
	bot.TenantID = existing.TenantID
	bot.CreatedAt = existing.CreatedAt

	if err := h.bots.PutChatbot(r.Context(), &bot); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bot)
}

// ListConversations handles GET /api/v1/chatbots/{chatbotID}/conversations.
// Supports ?status= filtering.
func (h *ChatbotHandler) ListConversations(w http.ResponseWriter, r *http.Request) {
	bot, ok := h.ownedBot(w, r)
	if !ok {
		return
	}

	status := model.ConversationStatus(r.URL.Query().Get("status"))
	convs, err := h.convs.ListConversationsByChatbot(r.Context(), bot.ID, status)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

// TriggerFlowRequest activates a webhook-triggered flow in a conversation.
type TriggerFlowRequest struct {
	ConversationID string `json:"conversation_id"`
	FlowID         string `json:"flow_id"`
}

// TriggerFlow handles POST /api/v1/chatbots/{chatbotID}/trigger. This is
// the only path that activates webhook-trigger flows.
func (h *ChatbotHandler) TriggerFlow(w http.ResponseWriter, r *http.Request) {
	bot, ok := h.ownedBot(w, r)
	if !ok {
		return
	}

	var req TriggerFlowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateConversationID(req.ConversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conv, err := h.conversations.Get(r.Context(), req.ConversationID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if conv.ChatbotID != bot.ID {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	resp, err := h.conversations.TriggerFlow(r.Context(), req.ConversationID, req.FlowID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// TestWebhook handles POST /api/v1/chatbots/{chatbotID}/webhook/test. It
// fires a probe delivery at the bot's configured endpoint so owners can
// verify their receiver and signature handling.
func (h *ChatbotHandler) TestWebhook(w http.ResponseWriter, r *http.Request) {
	bot, ok := h.ownedBot(w, r)
	if !ok {
		return
	}
	if bot.WebhookURL == "" {
		writeError(w, http.StatusBadRequest, "chatbot has no webhook URL configured")
		return
	}

	res, err := h.deliverer.Test(r.Context(), bot.WebhookURL, bot.WebhookSecret)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ownedBot loads the chatbot from the URL and enforces tenant ownership.
// Foreign bots read as not found rather than forbidden.
func (h *ChatbotHandler) ownedBot(w http.ResponseWriter, r *http.Request) (*model.Chatbot, bool) {
	chatbotID := chi.URLParam(r, "chatbotID")
	if err := middleware.ValidateChatbotID(chatbotID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}

	bot, err := h.bots.GetChatbot(r.Context(), chatbotID)
	if err != nil {
		writeServiceError(w, err)
		return nil, false
	}
	if bot.TenantID != middleware.GetTenantID(r.Context()) {
		writeError(w, http.StatusNotFound, "not found")
		return nil, false
	}
	return bot, true
}
