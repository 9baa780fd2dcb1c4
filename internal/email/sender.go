// Package email alerts human reviewers when a settlement needs a manual
// decision.
package email

import "context"

// Sender delivers plain-text email.
type Sender interface {
	Send(ctx context.Context, to []string, subject, body string) error
}
