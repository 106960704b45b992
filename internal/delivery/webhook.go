// Package delivery sends signed webhook notifications to chatbot-owner
// configured endpoints.
package delivery

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/replyforge/chatbot-platform/internal/model"
	"github.com/replyforge/chatbot-platform/pkg/logger"
	"github.com/replyforge/chatbot-platform/pkg/metrics"
)

// SignatureHeader carries the hex HMAC-SHA256 of the JSON payload, keyed
// by the per-chatbot secret.
const SignatureHeader = "X-ChatBot-Signature"

// EventHeader names the event being delivered.
const EventHeader = "X-ChatBot-Event"

// Result records the outcome of one delivery attempt.
type Result struct {
	StatusCode int           `json:"status_code"`
	Latency    time.Duration `json:"latency"`
}

// Deliverer posts signed payloads to owner endpoints. A circuit breaker
// sheds load from endpoints that keep failing; waits are bounded by the
// client timeout so a dead endpoint reports failure instead of hanging.
type Deliverer struct {
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[*Result]
	logger  *logger.Logger
}

// NewDeliverer creates a webhook deliverer with the given request timeout.
func NewDeliverer(timeout time.Duration, log *logger.Logger) *Deliverer {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	breaker := gobreaker.NewCircuitBreaker[*Result](gobreaker.Settings{
		Name:    "outbound-webhooks",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &Deliverer{
		client:  &http.Client{Timeout: timeout},
		breaker: breaker,
		logger:  log,
	}
}

// Deliver signs payload with the chatbot's secret and posts it to url.
// Non-2xx responses, timeouts and open-breaker rejections all surface as
// upstream errors.
func (d *Deliverer) Deliver(ctx context.Context, url, secret, event string, payload any) (*Result, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to marshal webhook payload: %v", model.ErrValidation, err)
	}

	res, err := d.breaker.Execute(func() (*Result, error) {
		return d.post(ctx, url, secret, event, body)
	})
	if err != nil {
		metrics.RecordWebhookDelivery("failure", 0)
		d.logger.Warn("webhook delivery failed",
			zap.String("url", url),
			zap.String("event", event),
			zap.Error(err),
		)
		return nil, err
	}

	metrics.RecordWebhookDelivery("success", res.Latency.Seconds())
	d.logger.Info("webhook delivered",
		zap.String("url", url),
		zap.String("event", event),
		zap.Int("status", res.StatusCode),
		zap.Duration("latency", res.Latency),
	)
	return res, nil
}

// Test fires a probe delivery at url so owners can verify their endpoint.
// It bypasses the circuit breaker and reports failure rather than hanging.
func (d *Deliverer) Test(ctx context.Context, url, secret string) (*Result, error) {
	body, _ := json.Marshal(map[string]any{
		"event": "webhook.test",
		"ts":    time.Now().UTC().Unix(),
	})
	return d.post(ctx, url, secret, "webhook.test", body)
}

func (d *Deliverer) post(ctx context.Context, url, secret, event string, body []byte) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create webhook request: %v", model.ErrUpstream, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventHeader, event)
	req.Header.Set(SignatureHeader, Sign(body, secret))

	start := time.Now()
	resp, err := d.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return nil, fmt.Errorf("%w: webhook delivery to %s: %v", model.ErrUpstream, url, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: webhook target %s returned %d", model.ErrUpstream, url, resp.StatusCode)
	}

	return &Result{StatusCode: resp.StatusCode, Latency: latency}, nil
}

// Sign computes the hex HMAC-SHA256 of body keyed by secret.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
