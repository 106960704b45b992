// Package billing reconciles local subscription state with the payment
// provider, driven by signed webhook events and a synchronous checkout
// confirmation path.
package billing

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/replyforge/chatbot-platform/internal/model"
)

// Webhook event types emitted by the payment provider.
const (
	EventSubscriptionAuthenticated = "subscription.authenticated"
	EventSubscriptionActivated     = "subscription.activated"
	EventSubscriptionCharged       = "subscription.charged"
	EventSubscriptionCompleted     = "subscription.completed"
	EventSubscriptionUpdated       = "subscription.updated"
	EventSubscriptionPaused        = "subscription.paused"
	EventSubscriptionResumed       = "subscription.resumed"
	EventSubscriptionCancelled     = "subscription.cancelled"
	EventPaymentCaptured           = "payment.captured"
	EventPaymentFailed             = "payment.failed"
)

// SubscriptionEntity is the provider's subscription payload inside a
// webhook event. Period timestamps are Unix seconds.
type SubscriptionEntity struct {
	ID           string `json:"id"`
	PlanID       string `json:"plan_id"`
	CustomerID   string `json:"customer_id"`
	Status       string `json:"status"`
	CurrentStart int64  `json:"current_start"`
	CurrentEnd   int64  `json:"current_end"`
	PausedAt     int64  `json:"paused_at,omitempty"`
	EndedAt      int64  `json:"ended_at,omitempty"`
}

// PaymentEntity is the provider's payment payload inside a webhook event.
// Amount is in the currency's smallest unit.
type PaymentEntity struct {
	ID             string `json:"id"`
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
	Status         string `json:"status"`
	SubscriptionID string `json:"subscription_id,omitempty"`
	ErrorCode      string `json:"error_code,omitempty"`
	ErrorReason    string `json:"error_reason,omitempty"`
}

// WebhookEvent is the decoded provider webhook envelope.
type WebhookEvent struct {
	Event     string `json:"event"`
	AccountID string `json:"account_id,omitempty"`
	CreatedAt int64  `json:"created_at"`
	Payload   struct {
		Subscription struct {
			Entity SubscriptionEntity `json:"entity"`
		} `json:"subscription"`
		Payment struct {
			Entity PaymentEntity `json:"entity"`
		} `json:"payment"`
	} `json:"payload"`
}

// ParseEvent decodes a webhook body. Malformed JSON and an empty event
// name are validation errors; unknown event names are not, they are
// acknowledged and ignored by the reconciler.
func ParseEvent(body []byte) (*WebhookEvent, error) {
	var ev WebhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("%w: malformed webhook body: %v", model.ErrValidation, err)
	}
	if ev.Event == "" {
		return nil, fmt.Errorf("%w: webhook body missing event name", model.ErrValidation)
	}
	return &ev, nil
}

// SubscriptionID returns the provider subscription ID the event concerns,
// from whichever payload entity carries it.
func (e *WebhookEvent) SubscriptionID() string {
	if id := e.Payload.Subscription.Entity.ID; id != "" {
		return id
	}
	return e.Payload.Payment.Entity.SubscriptionID
}

// Created returns the provider's event creation time.
func (e *WebhookEvent) Created() time.Time {
	return time.Unix(e.CreatedAt, 0).UTC()
}
