package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replyforge/chatbot-platform/internal/clock"
	"github.com/replyforge/chatbot-platform/internal/delivery"
	"github.com/replyforge/chatbot-platform/internal/flow"
	"github.com/replyforge/chatbot-platform/internal/model"
	"github.com/replyforge/chatbot-platform/internal/store"
	"github.com/replyforge/chatbot-platform/pkg/logger"
)

type nopNotifier struct{}

func (nopNotifier) Deliver(ctx context.Context, url, secret, event string, payload any) (*delivery.Result, error) {
	return &delivery.Result{StatusCode: 200}, nil
}

type nopActions struct{}

func (nopActions) Run(ctx context.Context, bot *model.Chatbot, conv *model.Conversation, action *model.ActionContent) (string, error) {
	return "", nil
}

func raw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func newFixture(t *testing.T) (*ConversationService, *store.Memory, *clock.FakeClock) {
	t.Helper()
	log, err := logger.New("error")
	require.NoError(t, err)

	mem := store.NewMemory()
	fc := clock.NewFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	sched := flow.NewScheduler()
	t.Cleanup(sched.Stop)

	engine := flow.New(0, sched, nopNotifier{}, nopActions{}, fc, log)
	svc := NewConversationService(mem, mem, engine, sched, nil, fc, log)
	sched.SetFire(svc.ResumeDelayed)
	return svc, mem, fc
}

func seedBot(t *testing.T, mem *store.Memory) *model.Chatbot {
	t.Helper()
	bot := &model.Chatbot{
		ID:       "bot-1",
		TenantID: "tenant-1",
		Name:     "Support Bot",
		Active:   true,
		Flows: []model.Flow{{
			ID:      "flow-greet",
			Active:  true,
			Trigger: model.Trigger{Type: model.TriggerKeyword, Value: "hello", Match: model.MatchContains},
			Nodes: []model.Node{{
				ID:      "n1",
				Type:    model.NodeMessage,
				Entry:   true,
				Content: raw(t, model.MessageContent{Text: "hi there!"}),
			}},
		}},
	}
	require.NoError(t, mem.PutChatbot(context.Background(), bot))
	return bot
}

func TestStartCreatesConversationWithGreeting(t *testing.T) {
	svc, mem, _ := newFixture(t)
	bot := seedBot(t, mem)
	bot.Widget.Greeting = "welcome!"
	require.NoError(t, mem.PutChatbot(context.Background(), bot))

	conv, err := svc.Start(context.Background(), bot.ID, "visitor-1")
	require.NoError(t, err)

	stored, err := svc.Get(context.Background(), conv.ID)
	require.NoError(t, err)
	require.Len(t, stored.Messages, 1)
	assert.Equal(t, "welcome!", stored.Messages[0].Content)
	assert.Equal(t, model.SenderBot, stored.Messages[0].Sender)
	assert.Equal(t, 1, stored.Messages[0].Seq)
	assert.Equal(t, model.StatusActive, stored.Status)
}

func TestStartRejectsInactiveBot(t *testing.T) {
	svc, mem, _ := newFixture(t)
	bot := seedBot(t, mem)
	bot.Active = false
	require.NoError(t, mem.PutChatbot(context.Background(), bot))

	_, err := svc.Start(context.Background(), bot.ID, "visitor-1")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestHandleMessageAppendsAndRecomputesAnalytics(t *testing.T) {
	svc, mem, _ := newFixture(t)
	bot := seedBot(t, mem)

	conv, err := svc.Start(context.Background(), bot.ID, "visitor-1")
	require.NoError(t, err)

	resp, err := svc.HandleMessage(context.Background(), conv.ID, &model.PostMessageRequest{Content: "hello"})
	require.NoError(t, err)
	require.Len(t, resp.Messages, 1)
	assert.Equal(t, "hi there!", resp.Messages[0].Content)
	assert.False(t, resp.Fallback)

	stored, err := svc.Get(context.Background(), conv.ID)
	require.NoError(t, err)

	// User message plus bot reply, contiguous sequence numbers.
	require.Len(t, stored.Messages, 2)
	assert.Equal(t, 1, stored.Messages[0].Seq)
	assert.Equal(t, 2, stored.Messages[1].Seq)

	assert.Equal(t, len(stored.Messages), stored.Analytics.MessageCount)
	assert.Equal(t, 1, stored.Analytics.UserMessages)
	assert.Equal(t, 1, stored.Analytics.BotMessages)
}

func TestAnalyticsStayConsistentAcrossMutations(t *testing.T) {
	svc, mem, fc := newFixture(t)
	bot := seedBot(t, mem)

	conv, err := svc.Start(context.Background(), bot.ID, "visitor-1")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		fc.Advance(2 * time.Second)
		_, err := svc.HandleMessage(context.Background(), conv.ID, &model.PostMessageRequest{Content: "hello"})
		require.NoError(t, err)

		stored, err := svc.Get(context.Background(), conv.ID)
		require.NoError(t, err)
		assert.Equal(t, len(stored.Messages), stored.Analytics.MessageCount)
		assert.Equal(t, stored.Analytics.UserMessages+stored.Analytics.BotMessages, stored.Analytics.MessageCount)
	}
}

func TestHandleMessageFallbackWhenNothingMatches(t *testing.T) {
	svc, mem, _ := newFixture(t)
	bot := seedBot(t, mem)

	conv, err := svc.Start(context.Background(), bot.ID, "visitor-1")
	require.NoError(t, err)

	resp, err := svc.HandleMessage(context.Background(), conv.ID, &model.PostMessageRequest{Content: "qwerty"})
	require.NoError(t, err)
	assert.True(t, resp.Fallback)
	require.Len(t, resp.Messages, 1)
	assert.Equal(t, bot.Fallback(), resp.Messages[0].Content)
}

func TestHandleMessageRejectsTerminalConversation(t *testing.T) {
	svc, mem, _ := newFixture(t)
	bot := seedBot(t, mem)

	conv, err := svc.Start(context.Background(), bot.ID, "visitor-1")
	require.NoError(t, err)
	require.NoError(t, svc.End(context.Background(), conv.ID, model.StatusEnded))

	_, err = svc.HandleMessage(context.Background(), conv.ID, &model.PostMessageRequest{Content: "hello"})
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestEndCancelsPendingDelays(t *testing.T) {
	svc, mem, _ := newFixture(t)
	bot := seedBot(t, mem)
	bot.Flows = []model.Flow{{
		ID:      "flow-delay",
		Active:  true,
		Trigger: model.Trigger{Type: model.TriggerKeyword, Value: "hello", Match: model.MatchContains},
		Nodes: []model.Node{
			{
				ID:          "wait",
				Type:        model.NodeDelay,
				Entry:       true,
				Content:     raw(t, model.DelayContent{Seconds: 3600}),
				Connections: []string{"later"},
			},
			{
				ID:      "later",
				Type:    model.NodeMessage,
				Content: raw(t, model.MessageContent{Text: "still there?"}),
			},
		},
	}}
	require.NoError(t, mem.PutChatbot(context.Background(), bot))

	conv, err := svc.Start(context.Background(), bot.ID, "visitor-1")
	require.NoError(t, err)

	_, err = svc.HandleMessage(context.Background(), conv.ID, &model.PostMessageRequest{Content: "hello"})
	require.NoError(t, err)
	assert.Equal(t, 1, svc.sched.Pending())

	require.NoError(t, svc.End(context.Background(), conv.ID, model.StatusEnded))
	assert.Equal(t, 0, svc.sched.Pending())

	stored, err := svc.Get(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusEnded, stored.Status)
	assert.NotNil(t, stored.EndedAt)
	assert.Nil(t, stored.Cursor)

	// Ending again is a no-op.
	require.NoError(t, svc.End(context.Background(), conv.ID, model.StatusAbandoned))
	stored, err = svc.Get(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusEnded, stored.Status)
}

func TestResumeDelayedSkipsTerminalConversation(t *testing.T) {
	svc, mem, _ := newFixture(t)
	bot := seedBot(t, mem)

	conv, err := svc.Start(context.Background(), bot.ID, "visitor-1")
	require.NoError(t, err)
	require.NoError(t, svc.End(context.Background(), conv.ID, model.StatusEnded))

	svc.ResumeDelayed(conv.ID, "n1")

	stored, err := svc.Get(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.Messages)
}

func TestCaptureLeadMergesFields(t *testing.T) {
	svc, mem, _ := newFixture(t)
	bot := seedBot(t, mem)

	conv, err := svc.Start(context.Background(), bot.ID, "visitor-1")
	require.NoError(t, err)

	lead, err := svc.CaptureLead(context.Background(), conv.ID, &model.LeadRequest{Name: "Jane", Email: "jane@example.com"})
	require.NoError(t, err)
	assert.Equal(t, "Jane", lead.Name)

	lead, err = svc.CaptureLead(context.Background(), conv.ID, &model.LeadRequest{Phone: "+15551234567"})
	require.NoError(t, err)
	assert.Equal(t, "Jane", lead.Name, "existing fields survive partial updates")
	assert.Equal(t, "+15551234567", lead.Phone)
}

func TestSubmitFeedbackValidatesRating(t *testing.T) {
	svc, mem, _ := newFixture(t)
	bot := seedBot(t, mem)

	conv, err := svc.Start(context.Background(), bot.ID, "visitor-1")
	require.NoError(t, err)

	assert.ErrorIs(t, svc.SubmitFeedback(context.Background(), conv.ID, &model.FeedbackRequest{Rating: 0}), model.ErrValidation)
	assert.ErrorIs(t, svc.SubmitFeedback(context.Background(), conv.ID, &model.FeedbackRequest{Rating: 6}), model.ErrValidation)

	require.NoError(t, svc.SubmitFeedback(context.Background(), conv.ID, &model.FeedbackRequest{Rating: 4, Comment: "helpful"}))
	stored, err := svc.Get(context.Background(), conv.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.Feedback)
	assert.Equal(t, 4, stored.Feedback.Rating)
}

func TestListMessagesPagesAfterSeq(t *testing.T) {
	svc, mem, _ := newFixture(t)
	bot := seedBot(t, mem)

	conv, err := svc.Start(context.Background(), bot.ID, "visitor-1")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := svc.HandleMessage(context.Background(), conv.ID, &model.PostMessageRequest{Content: "hello"})
		require.NoError(t, err)
	}

	page, err := svc.ListMessages(context.Background(), conv.ID, 0, 4)
	require.NoError(t, err)
	require.Len(t, page.Messages, 4)
	assert.Equal(t, 4, page.LastSeq)
	assert.True(t, page.HasMore)

	page, err = svc.ListMessages(context.Background(), conv.ID, page.LastSeq, 10)
	require.NoError(t, err)
	require.Len(t, page.Messages, 2)
	assert.False(t, page.HasMore)
}

func TestSubscribeReceivesNewMessages(t *testing.T) {
	svc, mem, _ := newFixture(t)
	bot := seedBot(t, mem)

	conv, err := svc.Start(context.Background(), bot.ID, "visitor-1")
	require.NoError(t, err)

	ch, cancel := svc.Subscribe(conv.ID)
	defer cancel()

	_, err = svc.HandleMessage(context.Background(), conv.ID, &model.PostMessageRequest{Content: "hello"})
	require.NoError(t, err)

	var got []model.Message
	timeout := time.After(time.Second)
	for len(got) < 2 {
		select {
		case m := <-ch:
			got = append(got, m)
		case <-timeout:
			t.Fatal("subscriber did not receive messages")
		}
	}
	assert.Equal(t, model.SenderUser, got[0].Sender)
	assert.Equal(t, model.SenderBot, got[1].Sender)
}

func TestInputFlowCapturesLeadEndToEnd(t *testing.T) {
	svc, mem, _ := newFixture(t)
	bot := seedBot(t, mem)
	bot.Flows = []model.Flow{{
		ID:      "flow-lead",
		Active:  true,
		Trigger: model.Trigger{Type: model.TriggerKeyword, Value: "contact", Match: model.MatchContains},
		Nodes: []model.Node{
			{
				ID:    "ask",
				Type:  model.NodeInput,
				Entry: true,
				Content: raw(t, model.InputContent{
					Prompt:     "what's your email?",
					Field:      "email",
					Validation: model.InputValidation{Required: true},
				}),
				Connections: []string{"thanks"},
			},
			{
				ID:      "thanks",
				Type:    model.NodeMessage,
				Content: raw(t, model.MessageContent{Text: "got it!"}),
			},
		},
	}}
	require.NoError(t, mem.PutChatbot(context.Background(), bot))

	conv, err := svc.Start(context.Background(), bot.ID, "visitor-1")
	require.NoError(t, err)

	resp, err := svc.HandleMessage(context.Background(), conv.ID, &model.PostMessageRequest{Content: "contact sales"})
	require.NoError(t, err)
	require.Len(t, resp.Messages, 1)
	assert.Equal(t, "what's your email?", resp.Messages[0].Content)

	resp, err = svc.HandleMessage(context.Background(), conv.ID, &model.PostMessageRequest{Content: "jane@example.com"})
	require.NoError(t, err)
	require.Len(t, resp.Messages, 1)
	assert.Equal(t, "got it!", resp.Messages[0].Content)

	stored, err := svc.Get(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "jane@example.com", stored.Lead.Email)
	assert.Nil(t, stored.Cursor)
}
