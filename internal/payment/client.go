// Package payment provides the payment-provider client consumed by the
// billing reconciliation engine.
package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// ProviderSubscription is the provider's authoritative view of a
// subscription, fetched instead of trusting client-supplied state.
type ProviderSubscription struct {
	ID           string
	PlanID       string
	CustomerID   string
	Status       string
	CurrentStart time.Time
	CurrentEnd   time.Time
}

// Client is the payment-provider API surface.
type Client interface {
	CreateCustomer(ctx context.Context, email, name string) (string, error)
	CreateSubscription(ctx context.Context, customerID, planID string) (*ProviderSubscription, error)
	GetSubscription(ctx context.Context, subscriptionID string) (*ProviderSubscription, error)
	CancelSubscription(ctx context.Context, subscriptionID string) error

	// VerifyPaymentSignature checks the checkout confirmation signature,
	// computed over "<paymentID>|<subscriptionID>".
	VerifyPaymentSignature(subscriptionID, paymentID, signature string) bool

	// VerifyWebhookSignature checks the webhook signature, computed over
	// the raw request body.
	VerifyWebhookSignature(body []byte, signature string) bool
}

// signHex computes a hex HMAC-SHA256 of data keyed by secret.
func signHex(data []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

// verifyHex compares an expected hex HMAC against the presented one in
// constant time.
func verifyHex(data []byte, secret, signature string) bool {
	if signature == "" {
		return false
	}
	expected := signHex(data, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}
