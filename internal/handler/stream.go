package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/replyforge/chatbot-platform/internal/middleware"
	"github.com/replyforge/chatbot-platform/internal/service"
	"github.com/replyforge/chatbot-platform/pkg/logger"
	"github.com/replyforge/chatbot-platform/pkg/metrics"
)

// StreamHandler serves the widget's SSE message feed.
type StreamHandler struct {
	conversations *service.ConversationService
	logger        *logger.Logger
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(convSvc *service.ConversationService, log *logger.Logger) *StreamHandler {
	return &StreamHandler{conversations: convSvc, logger: log}
}

// ReplayCompleteEvent marks the end of message replay on an SSE stream.
type ReplayCompleteEvent struct {
	LastSeq      int `json:"last_seq"`
	MessageCount int `json:"message_count"`
}

// Stream handles GET /widget/{chatbotID}/conversations/{id}/stream.
// Supports ?after_seq=N for resuming from a specific point: stored
// messages after that sequence are replayed first, then the stream stays
// open for live messages.
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := h.conversations.Get(ctx, conversationID); err != nil {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	// Subscribe before replay so messages appended mid-replay are not lost;
	// duplicates on the boundary are resolved client side by seq.
	live, cancel := h.conversations.Subscribe(conversationID)
	defer cancel()

	sendSSEEvent(w, flusher, "connected", map[string]string{
		"conversation_id": conversationID,
	})

	afterSeq := queryInt(r, "after_seq", 0)
	lastSeq := afterSeq
	replayed := 0

	for {
		resp, err := h.conversations.ListMessages(ctx, conversationID, afterSeq, 50)
		if err != nil {
			h.logger.Error("message replay failed",
				zap.String("conversation_id", conversationID),
				zap.Error(err),
			)
			sendSSEEvent(w, flusher, "error", map[string]string{
				"code":    "replay_error",
				"message": "failed to replay messages",
			})
			return
		}
		for i := range resp.Messages {
			select {
			case <-ctx.Done():
				return
			default:
			}
			sendSSEEvent(w, flusher, "message", resp.Messages[i])
			lastSeq = resp.Messages[i].Seq
			replayed++
		}
		if !resp.HasMore {
			break
		}
		afterSeq = lastSeq
	}

	sendSSEEvent(w, flusher, "replay_complete", &ReplayCompleteEvent{
		LastSeq:      lastSeq,
		MessageCount: replayed,
	})

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("SSE client disconnected", zap.String("conversation_id", conversationID))
			return

		case msg, open := <-live:
			if !open {
				// Conversation reached a terminal status.
				sendSSEEvent(w, flusher, "done", map[string]bool{"ended": true})
				return
			}
			if msg.Seq <= lastSeq {
				continue
			}
			sendSSEEvent(w, flusher, "message", msg)
			lastSeq = msg.Seq

		case <-heartbeat.C:
			sendSSEEvent(w, flusher, "heartbeat", map[string]int64{
				"ts": time.Now().Unix(),
			})
		}
	}
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", jsonData)
	flusher.Flush()

	return nil
}
