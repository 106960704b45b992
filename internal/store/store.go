// Package store defines the document-store collaborators consumed by the
// engines, plus an in-memory implementation used for tests and local runs.
package store

import (
	"context"
	"time"

	"github.com/replyforge/chatbot-platform/internal/model"
)

// ChatbotStore persists chatbot configurations.
type ChatbotStore interface {
	GetChatbot(ctx context.Context, id string) (*model.Chatbot, error)
	ListChatbotsByTenant(ctx context.Context, tenantID string) ([]*model.Chatbot, error)
	PutChatbot(ctx context.Context, bot *model.Chatbot) error
}

// ConversationStore persists visitor sessions with atomic per-document
// updates.
type ConversationStore interface {
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	ListConversationsByChatbot(ctx context.Context, chatbotID string, status model.ConversationStatus) ([]*model.Conversation, error)
	PutConversation(ctx context.Context, conv *model.Conversation) error
}

// SubscriptionStore persists billing records indexed by the provider's
// subscription identifier.
type SubscriptionStore interface {
	GetSubscription(ctx context.Context, id string) (*model.Subscription, error)
	GetSubscriptionByProviderID(ctx context.Context, providerSubID string) (*model.Subscription, error)
	GetSubscriptionByUser(ctx context.Context, userID string) (*model.Subscription, error)
	PutSubscription(ctx context.Context, sub *model.Subscription) error
}

// UserStore persists platform accounts.
type UserStore interface {
	GetUser(ctx context.Context, id string) (*model.User, error)
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
	PutUser(ctx context.Context, user *model.User) error
}

// ProcessedEventStore records provider webhook event IDs that were already
// folded into local state, so at-least-once redelivery stays idempotent.
type ProcessedEventStore interface {
	SeenEvent(ctx context.Context, eventID string) (bool, error)
	MarkEventSeen(ctx context.Context, eventID string, at time.Time) error
}
