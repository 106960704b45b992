package store

import (
	"context"
	"sync"
	"time"

	"github.com/replyforge/chatbot-platform/internal/model"
)

// Memory is an in-memory document store guarded by a RWMutex. It backs
// tests and local development; production deployments swap in a database
// behind the same interfaces.
type Memory struct {
	mu sync.RWMutex

	chatbots      map[string]*model.Chatbot
	conversations map[string]*model.Conversation
	subscriptions map[string]*model.Subscription
	subsByProv    map[string]string // provider subscription ID -> local ID
	users         map[string]*model.User
	usersByEmail  map[string]string
	seenEvents    map[string]time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		chatbots:      make(map[string]*model.Chatbot),
		conversations: make(map[string]*model.Conversation),
		subscriptions: make(map[string]*model.Subscription),
		subsByProv:    make(map[string]string),
		users:         make(map[string]*model.User),
		usersByEmail:  make(map[string]string),
		seenEvents:    make(map[string]time.Time),
	}
}

func (m *Memory) GetChatbot(ctx context.Context, id string) (*model.Chatbot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	bot, ok := m.chatbots[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return bot.Clone(), nil
}

func (m *Memory) ListChatbotsByTenant(ctx context.Context, tenantID string) ([]*model.Chatbot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Chatbot
	for _, bot := range m.chatbots {
		if bot.TenantID == tenantID {
			out = append(out, bot.Clone())
		}
	}
	return out, nil
}

func (m *Memory) PutChatbot(ctx context.Context, bot *model.Chatbot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chatbots[bot.ID] = bot.Clone()
	return nil
}

func (m *Memory) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conv, ok := m.conversations[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return conv.Clone(), nil
}

func (m *Memory) ListConversationsByChatbot(ctx context.Context, chatbotID string, status model.ConversationStatus) ([]*model.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Conversation
	for _, conv := range m.conversations {
		if conv.ChatbotID != chatbotID {
			continue
		}
		if status != "" && conv.Status != status {
			continue
		}
		out = append(out, conv.Clone())
	}
	return out, nil
}

func (m *Memory) PutConversation(ctx context.Context, conv *model.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conversations[conv.ID] = conv.Clone()
	return nil
}

func (m *Memory) GetSubscription(ctx context.Context, id string) (*model.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subscriptions[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return sub.Clone(), nil
}

func (m *Memory) GetSubscriptionByProviderID(ctx context.Context, providerSubID string) (*model.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.subsByProv[providerSubID]
	if !ok {
		return nil, model.ErrNotFound
	}
	return m.subscriptions[id].Clone(), nil
}

func (m *Memory) GetSubscriptionByUser(ctx context.Context, userID string) (*model.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, sub := range m.subscriptions {
		if sub.UserID == userID {
			return sub.Clone(), nil
		}
	}
	return nil, model.ErrNotFound
}

func (m *Memory) PutSubscription(ctx context.Context, sub *model.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriptions[sub.ID] = sub.Clone()
	m.subsByProv[sub.ProviderSubscriptionID] = sub.ID
	return nil
}

func (m *Memory) GetUser(ctx context.Context, id string) (*model.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	user, ok := m.users[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return user.Clone(), nil
}

func (m *Memory) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.usersByEmail[email]
	if !ok {
		return nil, model.ErrNotFound
	}
	return m.users[id].Clone(), nil
}

func (m *Memory) PutUser(ctx context.Context, user *model.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[user.ID] = user.Clone()
	m.usersByEmail[user.Email] = user.ID
	return nil
}

func (m *Memory) SeenEvent(ctx context.Context, eventID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.seenEvents[eventID]
	return ok, nil
}

func (m *Memory) MarkEventSeen(ctx context.Context, eventID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seenEvents[eventID] = at
	return nil
}
