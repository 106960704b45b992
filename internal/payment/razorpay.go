package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/replyforge/chatbot-platform/internal/model"
)

// Razorpay is the HTTP client for the Razorpay API.
type Razorpay struct {
	keyID         string
	keySecret     string
	webhookSecret string
	baseURL       string
	httpClient    *http.Client
}

// RazorpayConfig holds client credentials and endpoints.
type RazorpayConfig struct {
	KeyID         string
	KeySecret     string
	WebhookSecret string
	BaseURL       string
	Timeout       time.Duration
}

// NewRazorpay creates a Razorpay API client.
func NewRazorpay(cfg RazorpayConfig) *Razorpay {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.razorpay.com/v1"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Razorpay{
		keyID:         cfg.KeyID,
		keySecret:     cfg.KeySecret,
		webhookSecret: cfg.WebhookSecret,
		baseURL:       strings.TrimRight(baseURL, "/"),
		httpClient:    &http.Client{Timeout: timeout},
	}
}

type razorpayCustomer struct {
	ID string `json:"id"`
}

type razorpaySubscription struct {
	ID           string `json:"id"`
	PlanID       string `json:"plan_id"`
	CustomerID   string `json:"customer_id"`
	Status       string `json:"status"`
	CurrentStart int64  `json:"current_start"`
	CurrentEnd   int64  `json:"current_end"`
}

func (s *razorpaySubscription) toProvider() *ProviderSubscription {
	return &ProviderSubscription{
		ID:           s.ID,
		PlanID:       s.PlanID,
		CustomerID:   s.CustomerID,
		Status:       s.Status,
		CurrentStart: time.Unix(s.CurrentStart, 0).UTC(),
		CurrentEnd:   time.Unix(s.CurrentEnd, 0).UTC(),
	}
}

// CreateCustomer creates a provider customer and returns its ID.
func (r *Razorpay) CreateCustomer(ctx context.Context, email, name string) (string, error) {
	body := map[string]string{"email": email, "name": name}
	var cust razorpayCustomer
	if err := r.do(ctx, http.MethodPost, "/customers", body, &cust); err != nil {
		return "", err
	}
	return cust.ID, nil
}

// CreateSubscription creates a provider subscription for a customer.
func (r *Razorpay) CreateSubscription(ctx context.Context, customerID, planID string) (*ProviderSubscription, error) {
	body := map[string]any{
		"customer_id":     customerID,
		"plan_id":         planID,
		"total_count":     12,
		"customer_notify": 1,
	}
	var sub razorpaySubscription
	if err := r.do(ctx, http.MethodPost, "/subscriptions", body, &sub); err != nil {
		return nil, err
	}
	return sub.toProvider(), nil
}

// GetSubscription fetches the provider's authoritative subscription state.
func (r *Razorpay) GetSubscription(ctx context.Context, subscriptionID string) (*ProviderSubscription, error) {
	var sub razorpaySubscription
	if err := r.do(ctx, http.MethodGet, "/subscriptions/"+subscriptionID, nil, &sub); err != nil {
		return nil, err
	}
	return sub.toProvider(), nil
}

// CancelSubscription cancels the subscription at the provider.
func (r *Razorpay) CancelSubscription(ctx context.Context, subscriptionID string) error {
	var sub razorpaySubscription
	return r.do(ctx, http.MethodPost, "/subscriptions/"+subscriptionID+"/cancel", map[string]any{}, &sub)
}

// VerifyPaymentSignature checks the checkout confirmation signature. The
// provider signs "<paymentID>|<subscriptionID>" with the key secret.
func (r *Razorpay) VerifyPaymentSignature(subscriptionID, paymentID, signature string) bool {
	payload := paymentID + "|" + subscriptionID
	return verifyHex([]byte(payload), r.keySecret, signature)
}

// VerifyWebhookSignature checks the hex HMAC-SHA256 of the raw webhook
// body against the shared webhook secret.
func (r *Razorpay) VerifyWebhookSignature(body []byte, signature string) bool {
	return verifyHex(body, r.webhookSecret, signature)
}

func (r *Razorpay) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.SetBasicAuth(r.keyID, r.keySecret)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: razorpay %s %s: %v", model.ErrUpstream, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w: razorpay %s %s returned %d: %s", model.ErrUpstream, method, path, resp.StatusCode, detail)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%w: failed to decode razorpay response: %v", model.ErrUpstream, err)
		}
	}
	return nil
}
