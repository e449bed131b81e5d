package mail

import (
	"context"
	"log/slog"

	"github.com/kbgapp/kbgauth"
)

// LogMailer writes messages to a logger instead of sending them. It is
// meant for local development: the logged text includes reset links.
type LogMailer struct {
	logger *slog.Logger
}

var _ kbgauth.Mailer = (*LogMailer)(nil)

func NewLogMailer(logger *slog.Logger) *LogMailer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMailer{logger: logger}
}

func (m *LogMailer) SendMail(ctx context.Context, msg kbgauth.MailMessage) (bool, error) {
	m.logger.InfoContext(ctx, "mail",
		slog.String("to", msg.To),
		slog.String("subject", msg.Subject),
		slog.String("text", msg.Text),
	)
	return true, nil
}
