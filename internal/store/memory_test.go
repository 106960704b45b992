package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replyforge/chatbot-platform/internal/model"
)

func TestConversationReadsAreIsolated(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	conv := &model.Conversation{
		ID:     "c1",
		Status: model.StatusActive,
		Messages: []model.Message{
			{ID: "m1", Sender: model.SenderUser, Content: "hi", Seq: 1},
		},
	}
	require.NoError(t, m.PutConversation(ctx, conv))

	// Mutating the original after Put must not affect the stored copy.
	conv.Messages[0].Content = "tampered"
	conv.Status = model.StatusEnded

	got, err := m.GetConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "hi", got.Messages[0].Content)
	assert.Equal(t, model.StatusActive, got.Status)

	// Mutating a read result must not affect subsequent reads.
	got.Messages[0].Content = "also tampered"
	got.Lead.SetField("custom", "x")

	again, err := m.GetConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "hi", again.Messages[0].Content)
	assert.Empty(t, again.Lead.Field("custom"))
}

func TestChatbotReadsAreIsolated(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	bot := &model.Chatbot{
		ID:       "b1",
		TenantID: "t1",
		Flows: []model.Flow{{
			ID: "f1",
			Nodes: []model.Node{{
				ID:          "n1",
				Type:        model.NodeMessage,
				Content:     json.RawMessage(`{"text":"hi"}`),
				Connections: []string{"n2"},
			}},
		}},
	}
	require.NoError(t, m.PutChatbot(ctx, bot))

	// Mutating the original after Put must not affect the stored copy.
	bot.Flows[0].Nodes[0].Connections[0] = "tampered"

	got, err := m.GetChatbot(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, "n2", got.Flows[0].Nodes[0].Connections[0])

	// Mutating a read result must not affect subsequent reads.
	got.Flows[0].Trigger.Value = "changed"
	got.Flows[0].Nodes[0].Content[2] = 'X'

	again, err := m.GetChatbot(ctx, "b1")
	require.NoError(t, err)
	assert.Empty(t, again.Flows[0].Trigger.Value)
	assert.Equal(t, json.RawMessage(`{"text":"hi"}`), again.Flows[0].Nodes[0].Content)
}

func TestSubscriptionProviderIndex(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	sub := &model.Subscription{ID: "s1", UserID: "u1", ProviderSubscriptionID: "sub_X"}
	require.NoError(t, m.PutSubscription(ctx, sub))

	byProv, err := m.GetSubscriptionByProviderID(ctx, "sub_X")
	require.NoError(t, err)
	assert.Equal(t, "s1", byProv.ID)

	byUser, err := m.GetSubscriptionByUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "sub_X", byUser.ProviderSubscriptionID)

	_, err = m.GetSubscriptionByProviderID(ctx, "sub_missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestProcessedEventRegistry(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	seen, err := m.SeenEvent(ctx, "evt_1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, m.MarkEventSeen(ctx, "evt_1", time.Now()))

	seen, err = m.SeenEvent(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestListConversationsFiltersByStatus(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.PutConversation(ctx, &model.Conversation{ID: "c1", ChatbotID: "b1", Status: model.StatusActive}))
	require.NoError(t, m.PutConversation(ctx, &model.Conversation{ID: "c2", ChatbotID: "b1", Status: model.StatusEnded}))
	require.NoError(t, m.PutConversation(ctx, &model.Conversation{ID: "c3", ChatbotID: "b2", Status: model.StatusActive}))

	all, err := m.ListConversationsByChatbot(ctx, "b1", "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	active, err := m.ListConversationsByChatbot(ctx, "b1", model.StatusActive)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "c1", active[0].ID)
}
