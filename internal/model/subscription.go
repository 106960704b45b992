package model

import (
	"time"
)

// SubscriptionStatus is the lifecycle state of a billing subscription.
// The set covers both locally derived states and every status the payment
// provider can report.
type SubscriptionStatus string

const (
	SubCreated           SubscriptionStatus = "created"
	SubAuthenticated     SubscriptionStatus = "authenticated"
	SubTrialing          SubscriptionStatus = "trialing"
	SubActive            SubscriptionStatus = "active"
	SubPaused            SubscriptionStatus = "paused"
	SubPastDue           SubscriptionStatus = "past_due"
	SubUnpaid            SubscriptionStatus = "unpaid"
	SubIncomplete        SubscriptionStatus = "incomplete"
	SubIncompleteExpired SubscriptionStatus = "incomplete_expired"
	SubCompleted         SubscriptionStatus = "completed"
	SubCancelled         SubscriptionStatus = "cancelled"
)

// BillingInfo tracks payment outcomes on a subscription.
type BillingInfo struct {
	FailedPaymentAttempts int        `json:"failed_payment_attempts"`
	LastPaymentAt         *time.Time `json:"last_payment_at,omitempty"`
	LastPaymentAmount     int64      `json:"last_payment_amount,omitempty"`
	Currency              string     `json:"currency,omitempty"`
}

// Subscription is one billing record per paying user, keyed by the
// provider's subscription identifier.
type Subscription struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
	PlanID string `json:"plan_id"`

	ProviderSubscriptionID string `json:"provider_subscription_id"`
	ProviderCustomerID     string `json:"provider_customer_id,omitempty"`

	Status             SubscriptionStatus `json:"status"`
	CurrentPeriodStart time.Time          `json:"current_period_start"`
	CurrentPeriodEnd   time.Time          `json:"current_period_end"`

	Billing BillingInfo `json:"billing"`

	// LastEventAt is the provider timestamp of the newest webhook event
	// applied to this record. Older events are dropped instead of
	// regressing state, since delivery order is not guaranteed.
	LastEventAt time.Time `json:"last_event_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy of the subscription.
func (s *Subscription) Clone() *Subscription {
	cp := *s
	if s.Billing.LastPaymentAt != nil {
		t := *s.Billing.LastPaymentAt
		cp.Billing.LastPaymentAt = &t
	}
	return &cp
}

// ConfirmSubscriptionRequest is the synchronous checkout confirmation
// submitted by the client right after the provider checkout completes.
type ConfirmSubscriptionRequest struct {
	SubscriptionID string `json:"razorpay_subscription_id"`
	PaymentID      string `json:"razorpay_payment_id"`
	Signature      string `json:"razorpay_signature"`
	PlanID         string `json:"plan_id,omitempty"`
}
