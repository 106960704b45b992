package model

import (
	"time"
)

// EventType classifies platform audit events published to the event stream.
type EventType string

const (
	EventMessageAppended  EventType = "message_appended"
	EventConversationOpen EventType = "conversation_opened"
	EventConversationEnd  EventType = "conversation_ended"
	EventFallbackEmitted  EventType = "fallback_emitted"
	EventLeadCaptured     EventType = "lead_captured"
	EventBillingApplied   EventType = "billing_applied"
	EventWebhookDelivered EventType = "webhook_delivered"
)

// PlatformEvent is an audit record of something that happened to a
// conversation or subscription.
type PlatformEvent struct {
	ID        string         `json:"id"`
	TenantID  string         `json:"tenant_id"`
	SubjectID string         `json:"subject_id"`
	Type      EventType      `json:"type"`
	Reason    string         `json:"reason,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
