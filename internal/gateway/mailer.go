package gateway

import (
	"context"
	"errors"
	"strings"

	"gopkg.in/gomail.v2"

	"remindd/pkg/logx"
)

// MailerConfig is the SMTP relay used for email reminders.
type MailerConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

type dialer interface {
	DialAndSend(m ...*gomail.Message) error
}

// Mailer implements reminder.EmailSender over SMTP.
type Mailer struct {
	from   string
	dialer dialer
	log    logx.Logger
}

func NewMailer(cfg MailerConfig, log logx.Logger) (*Mailer, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("smtp host is empty")
	}
	if strings.TrimSpace(cfg.From) == "" {
		return nil, errors.New("smtp from address is empty")
	}
	port := cfg.Port
	if port <= 0 {
		port = 587
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Mailer{
		from:   cfg.From,
		dialer: gomail.NewDialer(cfg.Host, port, cfg.Username, cfg.Password),
		log:    log,
	}, nil
}

func (m *Mailer) SendEmail(ctx context.Context, to, subject, body string) error {
	to = strings.TrimSpace(to)
	if to == "" {
		return ErrNoRecipient
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := m.compose(to, subject, body)

	// gomail has no context support; the dial runs to completion or error.
	done := make(chan error, 1)
	go func() { done <- m.dialer.DialAndSend(msg) }()
	select {
	case err := <-done:
		if err != nil {
			return err
		}
		m.log.Debug("email sent", logx.String("to", to))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Mailer) compose(to, subject, body string) *gomail.Message {
	msg := gomail.NewMessage()
	msg.SetHeader("From", m.from)
	msg.SetHeader("To", to)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/plain", body)
	return msg
}
