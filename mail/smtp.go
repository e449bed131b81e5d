package mail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	gomail "github.com/wneessen/go-mail"

	"github.com/kbgapp/kbgauth"
)

// SMTPConfig describes the outgoing mail relay.
type SMTPConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Username string `toml:"username"`
	Password string `toml:"password"`
	From     string `toml:"from"`
	// TLS is "mandatory" (default), "opportunistic" or "none".
	TLS     string        `toml:"tls"`
	Timeout time.Duration `toml:"timeout"`
}

// SMTPMailer sends plain-text mail through a relay. A permanent SMTP
// rejection is reported as accepted=false; transient failures return the
// error.
type SMTPMailer struct {
	from   string
	logger *slog.Logger
	send   func(ctx context.Context, msg *gomail.Msg) error
}

var _ kbgauth.Mailer = (*SMTPMailer)(nil)

func NewSMTPMailer(cfg SMTPConfig, logger *slog.Logger) (*SMTPMailer, error) {
	if cfg.Host == "" {
		return nil, errors.New("smtp host required")
	}
	if cfg.From == "" {
		return nil, errors.New("smtp from address required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	policy, err := tlsPolicy(cfg.TLS)
	if err != nil {
		return nil, err
	}
	opts := []gomail.Option{gomail.WithTLSPortPolicy(policy)}
	if cfg.Port > 0 {
		opts = append(opts, gomail.WithPort(cfg.Port))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, gomail.WithTimeout(cfg.Timeout))
	}
	if cfg.Username != "" {
		opts = append(opts,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(cfg.Username),
			gomail.WithPassword(cfg.Password),
		)
	}

	client, err := gomail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("smtp client: %w", err)
	}

	return &SMTPMailer{
		from:   cfg.From,
		logger: logger,
		send: func(ctx context.Context, msg *gomail.Msg) error {
			return client.DialAndSendWithContext(ctx, msg)
		},
	}, nil
}

func (m *SMTPMailer) SendMail(ctx context.Context, msg kbgauth.MailMessage) (bool, error) {
	out, err := m.compose(msg)
	if err != nil {
		return false, err
	}

	if err := m.send(ctx, out); err != nil {
		var sendErr *gomail.SendError
		if errors.As(err, &sendErr) && !sendErr.IsTemp() {
			m.logger.WarnContext(ctx, "smtp relay rejected message", slog.String("error", err.Error()))
			return false, nil
		}
		return false, fmt.Errorf("smtp send: %w", err)
	}
	return true, nil
}

func (m *SMTPMailer) compose(msg kbgauth.MailMessage) (*gomail.Msg, error) {
	out := gomail.NewMsg()
	if err := out.From(m.from); err != nil {
		return nil, fmt.Errorf("smtp from: %w", err)
	}
	if err := out.To(msg.To); err != nil {
		return nil, fmt.Errorf("smtp to: %w", err)
	}
	out.Subject(msg.Subject)
	out.SetBodyString(gomail.TypeTextPlain, msg.Text)
	return out, nil
}

func tlsPolicy(name string) (gomail.TLSPolicy, error) {
	switch name {
	case "", "mandatory":
		return gomail.TLSMandatory, nil
	case "opportunistic":
		return gomail.TLSOpportunistic, nil
	case "none":
		return gomail.NoTLS, nil
	default:
		return gomail.NoTLS, fmt.Errorf("unknown smtp tls policy %q", name)
	}
}
