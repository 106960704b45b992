package model

import (
	"time"
)

// Sender tags who produced a message.
type Sender string

const (
	SenderUser   Sender = "user"
	SenderBot    Sender = "bot"
	SenderSystem Sender = "system"
)

// ConversationStatus is the lifecycle state of a visitor session.
type ConversationStatus string

const (
	StatusActive      ConversationStatus = "active"
	StatusEnded       ConversationStatus = "ended"
	StatusTransferred ConversationStatus = "transferred"
	StatusAbandoned   ConversationStatus = "abandoned"
)

// Terminal reports whether no further messages may be appended.
func (s ConversationStatus) Terminal() bool {
	switch s {
	case StatusEnded, StatusTransferred, StatusAbandoned:
		return true
	}
	return false
}

// Message is one entry in a conversation's append-only sequence. FlowID
// and NodeID record which flow step produced a bot message.
type Message struct {
	ID             string   `json:"id"`
	ConversationID string   `json:"conversation_id"`
	TenantID       string   `json:"tenant_id"`
	Sender         Sender   `json:"sender"`
	Content        string   `json:"content"`
	Buttons        []Button `json:"buttons,omitempty"`

	FlowID string `json:"flow_id,omitempty"`
	NodeID string `json:"node_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`

	// Seq is the message's position in the conversation, assigned on append.
	Seq int `json:"seq"`
}

// Analytics are derived counters, recomputed from scratch on every
// conversation mutation so they can never drift.
type Analytics struct {
	MessageCount  int   `json:"message_count"`
	UserMessages  int   `json:"user_messages"`
	BotMessages   int   `json:"bot_messages"`
	AvgResponseMs int64 `json:"avg_response_ms"`
}

// Lead holds visitor contact details captured by input nodes.
type Lead struct {
	Name   string            `json:"name,omitempty"`
	Email  string            `json:"email,omitempty"`
	Phone  string            `json:"phone,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`
}

// Field returns a lead field by name, checking the well-known fields
// before the free-form map.
func (l *Lead) Field(name string) string {
	switch name {
	case "name":
		return l.Name
	case "email":
		return l.Email
	case "phone":
		return l.Phone
	}
	return l.Fields[name]
}

// SetField stores a captured value into the lead.
func (l *Lead) SetField(name, value string) {
	switch name {
	case "name":
		l.Name = value
	case "email":
		l.Email = value
	case "phone":
		l.Phone = value
	default:
		if l.Fields == nil {
			l.Fields = make(map[string]string)
		}
		l.Fields[name] = value
	}
}

// Feedback is the visitor's satisfaction rating for a conversation.
type Feedback struct {
	Rating      int       `json:"rating"`
	Comment     string    `json:"comment,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Waiting describes what a paused flow is blocked on.
type Waiting string

const (
	WaitingInput  Waiting = "input"
	WaitingButton Waiting = "button"
	WaitingDelay  Waiting = "delay"
)

// FlowCursor is the conversation's position inside an active flow.
type FlowCursor struct {
	FlowID  string  `json:"flow_id"`
	NodeID  string  `json:"node_id"`
	Waiting Waiting `json:"waiting,omitempty"`
}

// Conversation is one visitor session against one chatbot.
type Conversation struct {
	ID        string `json:"id"`
	ChatbotID string `json:"chatbot_id"`
	TenantID  string `json:"tenant_id"`
	VisitorID string `json:"visitor_id"`

	Status   ConversationStatus `json:"status"`
	Messages []Message          `json:"messages"`
	Cursor   *FlowCursor        `json:"cursor,omitempty"`

	Lead      Lead      `json:"lead"`
	Feedback  *Feedback `json:"feedback,omitempty"`
	Analytics Analytics `json:"analytics"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Clone returns a deep copy, so stored conversations cannot be mutated
// through a previously returned reference.
func (c *Conversation) Clone() *Conversation {
	cp := *c
	cp.Messages = make([]Message, len(c.Messages))
	copy(cp.Messages, c.Messages)
	if c.Cursor != nil {
		cur := *c.Cursor
		cp.Cursor = &cur
	}
	if c.Feedback != nil {
		fb := *c.Feedback
		cp.Feedback = &fb
	}
	if c.Lead.Fields != nil {
		cp.Lead.Fields = make(map[string]string, len(c.Lead.Fields))
		for k, v := range c.Lead.Fields {
			cp.Lead.Fields[k] = v
		}
	}
	if c.EndedAt != nil {
		t := *c.EndedAt
		cp.EndedAt = &t
	}
	return &cp
}

// StartConversationRequest opens a widget session.
type StartConversationRequest struct {
	VisitorID string `json:"visitor_id"`
}

// PostMessageRequest is a visitor message. Intent carries an optional
// pre-classified intent tag supplied by the caller.
type PostMessageRequest struct {
	Content string `json:"content"`
	Intent  string `json:"intent,omitempty"`
}

// ButtonClickRequest is a visitor's click on a quick-reply button.
type ButtonClickRequest struct {
	Value string `json:"value"`
}

// LeadRequest submits visitor contact details from the widget.
type LeadRequest struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// FeedbackRequest submits a satisfaction rating.
type FeedbackRequest struct {
	Rating  int    `json:"rating"`
	Comment string `json:"comment,omitempty"`
}

// PostMessageResponse returns the bot replies produced by one visitor input.
type PostMessageResponse struct {
	Messages []Message `json:"messages"`
	Fallback bool      `json:"fallback,omitempty"`
}

// ListMessagesResponse pages through a conversation's messages.
type ListMessagesResponse struct {
	Messages []Message `json:"messages"`
	LastSeq  int       `json:"last_seq"`
	HasMore  bool      `json:"has_more"`
}
