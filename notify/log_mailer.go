package notify

import (
	"context"
	"sort"

	"github.com/goliatone/go-auth-actions/queue"
)

// LogMailer writes emails to a logger instead of delivering them.
// Used for local development.
type LogMailer struct {
	logger queue.Logger
}

func NewLogMailer(logger queue.Logger) *LogMailer {
	return &LogMailer{logger: logger}
}

func (m *LogMailer) Send(ctx context.Context, email Email) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	names := make([]string, 0, len(email.Attachments))
	for name := range email.Attachments {
		names = append(names, name)
	}
	sort.Strings(names)

	m.logger.Info("send email",
		"to", email.To,
		"subject", email.Subject,
		"body", email.Body,
		"attachments", names,
	)
	return nil
}
