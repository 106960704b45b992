// Package service implements the application use cases on top of the flow
// and billing engines.
package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/replyforge/chatbot-platform/internal/clock"
	"github.com/replyforge/chatbot-platform/internal/flow"
	"github.com/replyforge/chatbot-platform/internal/keymutex"
	"github.com/replyforge/chatbot-platform/internal/model"
	"github.com/replyforge/chatbot-platform/internal/nats"
	"github.com/replyforge/chatbot-platform/internal/store"
	"github.com/replyforge/chatbot-platform/pkg/logger"
	"github.com/replyforge/chatbot-platform/pkg/metrics"
)

// ConversationService owns the conversation lifecycle: it serializes all
// mutations per conversation, drives the flow engine, recomputes derived
// analytics on every append, and fans new messages out to stream
// subscribers and the audit stream.
type ConversationService struct {
	bots   store.ChatbotStore
	convs  store.ConversationStore
	engine *flow.Engine
	sched  *flow.Scheduler
	stream *nats.StreamManager // optional; nil disables audit publishing
	locks  *keymutex.KeyMutex
	clock  clock.Clock
	logger *logger.Logger

	subMu       sync.Mutex
	subscribers map[string]map[chan model.Message]struct{}
}

// NewConversationService wires the conversation use cases. stream may be
// nil when NATS is not configured.
func NewConversationService(
	bots store.ChatbotStore,
	convs store.ConversationStore,
	engine *flow.Engine,
	sched *flow.Scheduler,
	stream *nats.StreamManager,
	clk clock.Clock,
	log *logger.Logger,
) *ConversationService {
	if clk == nil {
		clk = clock.System()
	}
	return &ConversationService{
		bots:        bots,
		convs:       convs,
		engine:      engine,
		sched:       sched,
		stream:      stream,
		locks:       keymutex.New(),
		clock:       clk,
		logger:      log,
		subscribers: make(map[string]map[chan model.Message]struct{}),
	}
}

// Start opens a widget session against an active chatbot. If the bot's
// widget has a greeting configured, it is appended as the first bot
// message.
func (s *ConversationService) Start(ctx context.Context, chatbotID, visitorID string) (*model.Conversation, error) {
	bot, err := s.bots.GetChatbot(ctx, chatbotID)
	if err != nil {
		return nil, err
	}
	if !bot.Active {
		return nil, fmt.Errorf("%w: chatbot is not active", model.ErrNotFound)
	}

	now := s.clock.Now()
	conv := &model.Conversation{
		ID:        uuid.Must(uuid.NewV7()).String(),
		ChatbotID: bot.ID,
		TenantID:  bot.TenantID,
		VisitorID: visitorID,
		Status:    model.StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if bot.Widget.Greeting != "" {
		s.appendMessages(ctx, conv, []model.Message{{
			ID:             uuid.Must(uuid.NewV7()).String(),
			ConversationID: conv.ID,
			TenantID:       conv.TenantID,
			Sender:         model.SenderBot,
			Content:        bot.Widget.Greeting,
			CreatedAt:      now,
		}})
	}

	if err := s.convs.PutConversation(ctx, conv); err != nil {
		return nil, err
	}

	metrics.ConversationsTotal.WithLabelValues(conv.TenantID).Inc()
	s.publishEvent(ctx, conv, model.EventConversationOpen, nil)
	s.logger.Info("conversation started",
		zap.String("conversation_id", conv.ID),
		zap.String("chatbot_id", bot.ID),
		zap.String("visitor_id", visitorID),
	)
	return conv, nil
}

// HandleMessage appends a visitor message and runs one flow engine pass.
// All mutations for a conversation are serialized under its key lock.
func (s *ConversationService) HandleMessage(ctx context.Context, conversationID string, req *model.PostMessageRequest) (*model.PostMessageResponse, error) {
	return s.handleInput(ctx, conversationID, req.Content, flow.Input{
		Kind:   flow.InputMessage,
		Text:   req.Content,
		Intent: req.Intent,
	})
}

// HandleButton records a button click and runs one flow engine pass. The
// click is appended as a user message carrying the button value.
func (s *ConversationService) HandleButton(ctx context.Context, conversationID string, req *model.ButtonClickRequest) (*model.PostMessageResponse, error) {
	return s.handleInput(ctx, conversationID, req.Value, flow.Input{
		Kind:        flow.InputButton,
		ButtonValue: req.Value,
	})
}

func (s *ConversationService) handleInput(ctx context.Context, conversationID, content string, in flow.Input) (*model.PostMessageResponse, error) {
	s.locks.Lock(conversationID)
	defer s.locks.Unlock(conversationID)

	conv, err := s.convs.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.Status.Terminal() {
		return nil, fmt.Errorf("%w: conversation is %s", model.ErrValidation, conv.Status)
	}

	bot, err := s.bots.GetChatbot(ctx, conv.ChatbotID)
	if err != nil {
		return nil, err
	}

	userMsg := model.Message{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: conv.ID,
		TenantID:       conv.TenantID,
		Sender:         model.SenderUser,
		Content:        content,
		CreatedAt:      s.clock.Now(),
	}
	s.appendMessages(ctx, conv, []model.Message{userMsg})

	res := s.engine.ProcessInput(ctx, bot, conv, in)
	s.finishPass(ctx, bot, conv, res)

	if err := s.convs.PutConversation(ctx, conv); err != nil {
		return nil, err
	}
	return &model.PostMessageResponse{Messages: res.Messages, Fallback: res.Fallback}, nil
}

// TriggerFlow activates a webhook-triggered flow through the owner API.
func (s *ConversationService) TriggerFlow(ctx context.Context, conversationID, flowID string) (*model.PostMessageResponse, error) {
	s.locks.Lock(conversationID)
	defer s.locks.Unlock(conversationID)

	conv, err := s.convs.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.Status.Terminal() {
		return nil, fmt.Errorf("%w: conversation is %s", model.ErrValidation, conv.Status)
	}
	bot, err := s.bots.GetChatbot(ctx, conv.ChatbotID)
	if err != nil {
		return nil, err
	}

	res, err := s.engine.TriggerFlow(ctx, bot, conv, flowID)
	if err != nil {
		return nil, err
	}
	s.finishPass(ctx, bot, conv, res)

	if err := s.convs.PutConversation(ctx, conv); err != nil {
		return nil, err
	}
	return &model.PostMessageResponse{Messages: res.Messages, Fallback: res.Fallback}, nil
}

// ResumeDelayed is the scheduler's continuation: it runs the engine from
// the node a delay timer pointed at. Conversations that reached a terminal
// status while the timer was pending are skipped.
func (s *ConversationService) ResumeDelayed(conversationID, nodeID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s.locks.Lock(conversationID)
	defer s.locks.Unlock(conversationID)

	conv, err := s.convs.GetConversation(ctx, conversationID)
	if err != nil {
		s.logger.Warn("delayed resume: conversation missing",
			zap.String("conversation_id", conversationID),
			zap.Error(err),
		)
		return
	}
	if conv.Status.Terminal() {
		return
	}
	bot, err := s.bots.GetChatbot(ctx, conv.ChatbotID)
	if err != nil {
		s.logger.Warn("delayed resume: chatbot missing",
			zap.String("conversation_id", conversationID),
			zap.Error(err),
		)
		return
	}

	res := s.engine.Resume(ctx, bot, conv, nodeID)
	s.finishPass(ctx, bot, conv, res)

	if err := s.convs.PutConversation(ctx, conv); err != nil {
		s.logger.Error("delayed resume: persist failed",
			zap.String("conversation_id", conversationID),
			zap.Error(err),
		)
	}
}

// End moves the conversation to a terminal status and cancels any pending
// delay timers. Ending an already terminal conversation is a no-op.
func (s *ConversationService) End(ctx context.Context, conversationID string, status model.ConversationStatus) error {
	if !status.Terminal() {
		return fmt.Errorf("%w: %s is not a terminal status", model.ErrValidation, status)
	}

	s.locks.Lock(conversationID)
	defer s.locks.Unlock(conversationID)

	conv, err := s.convs.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv.Status.Terminal() {
		return nil
	}

	now := s.clock.Now()
	conv.Status = status
	conv.Cursor = nil
	conv.EndedAt = &now
	conv.UpdatedAt = now
	s.sched.Cancel(conversationID)

	if err := s.convs.PutConversation(ctx, conv); err != nil {
		return err
	}

	s.publishEvent(ctx, conv, model.EventConversationEnd, map[string]any{"status": string(status)})
	s.closeSubscribers(conversationID)
	return nil
}

// CaptureLead merges visitor-submitted contact details into the lead.
func (s *ConversationService) CaptureLead(ctx context.Context, conversationID string, req *model.LeadRequest) (*model.Lead, error) {
	s.locks.Lock(conversationID)
	defer s.locks.Unlock(conversationID)

	conv, err := s.convs.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	if req.Name != "" {
		conv.Lead.Name = req.Name
	}
	if req.Email != "" {
		conv.Lead.Email = req.Email
	}
	if req.Phone != "" {
		conv.Lead.Phone = req.Phone
	}
	conv.UpdatedAt = s.clock.Now()

	if err := s.convs.PutConversation(ctx, conv); err != nil {
		return nil, err
	}

	s.publishEvent(ctx, conv, model.EventLeadCaptured, nil)
	return &conv.Lead, nil
}

// SubmitFeedback records a satisfaction rating for the conversation.
func (s *ConversationService) SubmitFeedback(ctx context.Context, conversationID string, req *model.FeedbackRequest) error {
	if req.Rating < 1 || req.Rating > 5 {
		return fmt.Errorf("%w: rating must be between 1 and 5", model.ErrValidation)
	}

	s.locks.Lock(conversationID)
	defer s.locks.Unlock(conversationID)

	conv, err := s.convs.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}

	conv.Feedback = &model.Feedback{
		Rating:      req.Rating,
		Comment:     req.Comment,
		SubmittedAt: s.clock.Now(),
	}
	conv.UpdatedAt = s.clock.Now()
	return s.convs.PutConversation(ctx, conv)
}

// Get returns the conversation by ID.
func (s *ConversationService) Get(ctx context.Context, conversationID string) (*model.Conversation, error) {
	return s.convs.GetConversation(ctx, conversationID)
}

// ListMessages pages through the conversation's messages after a sequence
// number.
func (s *ConversationService) ListMessages(ctx context.Context, conversationID string, afterSeq, limit int) (*model.ListMessagesResponse, error) {
	conv, err := s.convs.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	out := make([]model.Message, 0, limit)
	for _, m := range conv.Messages {
		if m.Seq <= afterSeq {
			continue
		}
		out = append(out, m)
		if len(out) == limit {
			break
		}
	}

	lastSeq := afterSeq
	if len(out) > 0 {
		lastSeq = out[len(out)-1].Seq
	}
	return &model.ListMessagesResponse{
		Messages: out,
		LastSeq:  lastSeq,
		HasMore:  len(conv.Messages) > 0 && lastSeq < conv.Messages[len(conv.Messages)-1].Seq,
	}, nil
}

// Subscribe registers a live message feed for the conversation, used by
// the widget SSE stream. The returned cancel func must be called when the
// client disconnects.
func (s *ConversationService) Subscribe(conversationID string) (<-chan model.Message, func()) {
	ch := make(chan model.Message, 16)

	s.subMu.Lock()
	set, ok := s.subscribers[conversationID]
	if !ok {
		set = make(map[chan model.Message]struct{})
		s.subscribers[conversationID] = set
	}
	set[ch] = struct{}{}
	s.subMu.Unlock()

	cancel := func() {
		s.subMu.Lock()
		if set, ok := s.subscribers[conversationID]; ok {
			if _, live := set[ch]; live {
				delete(set, ch)
				close(ch)
			}
			if len(set) == 0 {
				delete(s.subscribers, conversationID)
			}
		}
		s.subMu.Unlock()
	}
	return ch, cancel
}

// finishPass folds an engine pass back into the conversation: bot messages
// are appended with sequence numbers, analytics recomputed, and terminal
// transitions cancel pending delay timers.
func (s *ConversationService) finishPass(ctx context.Context, bot *model.Chatbot, conv *model.Conversation, res *flow.Result) {
	s.appendMessages(ctx, conv, res.Messages)
	if res.Fallback {
		s.publishEvent(ctx, conv, model.EventFallbackEmitted, nil)
	}
	if conv.Status.Terminal() {
		now := s.clock.Now()
		conv.EndedAt = &now
		s.sched.Cancel(conv.ID)
		s.closeSubscribers(conv.ID)
	}
}

// appendMessages assigns sequence numbers, appends, recomputes analytics
// and fans out to subscribers and the audit stream.
func (s *ConversationService) appendMessages(ctx context.Context, conv *model.Conversation, msgs []model.Message) {
	if len(msgs) == 0 {
		return
	}

	seq := 0
	if n := len(conv.Messages); n > 0 {
		seq = conv.Messages[n-1].Seq
	}
	for i := range msgs {
		seq++
		msgs[i].Seq = seq
		conv.Messages = append(conv.Messages, msgs[i])
		metrics.MessagesTotal.WithLabelValues(conv.TenantID, string(msgs[i].Sender)).Inc()
	}
	conv.UpdatedAt = s.clock.Now()
	s.recomputeAnalytics(conv)

	s.fanOut(conv.ID, msgs)
	if s.stream != nil {
		for i := range msgs {
			if _, err := s.stream.PublishMessage(ctx, &msgs[i]); err != nil {
				s.logger.Warn("audit stream publish failed",
					zap.String("conversation_id", conv.ID),
					zap.Error(err),
				)
			}
		}
	}
}

// recomputeAnalytics rebuilds every derived counter from the message list.
// Recomputing from scratch keeps the counters correct no matter how the
// conversation was mutated.
func (s *ConversationService) recomputeAnalytics(conv *model.Conversation) {
	a := model.Analytics{MessageCount: len(conv.Messages)}

	var totalResponse time.Duration
	var responses int64
	var pendingUser *time.Time

	for i := range conv.Messages {
		m := &conv.Messages[i]
		switch m.Sender {
		case model.SenderUser:
			a.UserMessages++
			t := m.CreatedAt
			pendingUser = &t
		case model.SenderBot:
			a.BotMessages++
			if pendingUser != nil {
				totalResponse += m.CreatedAt.Sub(*pendingUser)
				responses++
				pendingUser = nil
			}
		}
	}
	if responses > 0 {
		a.AvgResponseMs = totalResponse.Milliseconds() / responses
	}
	conv.Analytics = a
}

func (s *ConversationService) fanOut(conversationID string, msgs []model.Message) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	set, ok := s.subscribers[conversationID]
	if !ok {
		return
	}
	for ch := range set {
		for _, m := range msgs {
			select {
			case ch <- m:
			default:
				// Slow consumer; the SSE handler catches up via ListMessages.
			}
		}
	}
}

func (s *ConversationService) closeSubscribers(conversationID string) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	set, ok := s.subscribers[conversationID]
	if !ok {
		return
	}
	for ch := range set {
		close(ch)
	}
	delete(s.subscribers, conversationID)
}

func (s *ConversationService) publishEvent(ctx context.Context, conv *model.Conversation, typ model.EventType, meta map[string]any) {
	if s.stream == nil {
		return
	}
	event := &model.PlatformEvent{
		ID:        uuid.Must(uuid.NewV7()).String(),
		TenantID:  conv.TenantID,
		SubjectID: conv.ID,
		Type:      typ,
		Metadata:  meta,
		CreatedAt: s.clock.Now(),
	}
	if _, err := s.stream.PublishEvent(ctx, event); err != nil {
		s.logger.Warn("audit event publish failed",
			zap.String("conversation_id", conv.ID),
			zap.String("event", string(typ)),
			zap.Error(err),
		)
	}
}
