package email

import (
	"context"

	"go.uber.org/zap"
)

// NoopSender logs emails instead of delivering them. settled uses it when no
// SMTP host is configured.
type NoopSender struct {
	logger *zap.Logger
}

// NewNoopSender creates a NoopSender backed by the given logger.
func NewNoopSender(logger *zap.Logger) *NoopSender {
	return &NoopSender{logger: logger}
}

// Send logs the email and returns nil.
func (n *NoopSender) Send(_ context.Context, to []string, subject, body string) error {
	n.logger.Info("email not sent (no smtp host)",
		zap.Strings("to", to),
		zap.String("subject", subject),
		zap.String("body", body),
	)
	return nil
}
