// Package email defines the fire-and-forget email collaborator. Delivery
// failures are logged and never abort the caller's primary operation.
package email

import (
	"context"

	"go.uber.org/zap"

	"github.com/replyforge/chatbot-platform/pkg/logger"
)

// Sender dispatches transactional email.
type Sender interface {
	Send(ctx context.Context, to, subject, body string)
}

// LogSender logs instead of sending, for local runs and tests.
type LogSender struct {
	logger *logger.Logger
}

// NewLogSender creates a logging Sender.
func NewLogSender(log *logger.Logger) *LogSender {
	return &LogSender{logger: log}
}

// Send logs the would-be email.
func (s *LogSender) Send(ctx context.Context, to, subject, body string) {
	s.logger.Info("email dispatched",
		zap.String("to", to),
		zap.String("subject", subject),
		zap.Int("body_bytes", len(body)),
	)
}
