// Package mail notifies sysadmins about job failures.
package mail

import (
	"context"
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"
)

// Mailer delivers operational notices to the sysadmin contact address.
type Mailer interface {
	Send(ctx context.Context, subject, body string) error
}

// Config holds SMTP settings.
type Config struct {
	Host    string
	Port    int
	From    string
	To      string
	Enabled bool
}

// SMTPMailer sends via a plain (usually local) SMTP relay.
type SMTPMailer struct {
	config *Config
	logger *slog.Logger
}

// NewSMTPMailer builds an SMTP mailer. When the config is disabled a
// no-op mailer is returned instead, so callers never need to branch.
func NewSMTPMailer(config *Config, logger *slog.Logger) Mailer {
	if !config.Enabled {
		return &nopMailer{logger: logger}
	}
	return &SMTPMailer{config: config, logger: logger}
}

// Send delivers one message. Failures are returned but callers treat
// them as non-fatal: a broken relay must never fail a job write.
func (m *SMTPMailer) Send(ctx context.Context, subject, body string) error {
	addr := fmt.Sprintf("%s:%d", m.config.Host, m.config.Port)

	msg := strings.Join([]string{
		"From: " + m.config.From,
		"To: " + m.config.To,
		"Subject: " + subject,
		"",
		body,
	}, "\r\n")

	err := smtp.SendMail(addr, nil, m.config.From, []string{m.config.To}, []byte(msg))
	if err != nil {
		m.logger.Error("Failed to send mail",
			slog.String("subject", subject),
			slog.Any("error", err),
		)
		return fmt.Errorf("failed to send mail: %w", err)
	}

	m.logger.Info("Mail sent", slog.String("subject", subject))
	return nil
}

// nopMailer logs instead of sending. Used when mail is disabled and in
// tests.
type nopMailer struct {
	logger *slog.Logger
}

func (m *nopMailer) Send(ctx context.Context, subject, body string) error {
	m.logger.Info("Mail disabled, dropping message",
		slog.String("subject", subject),
	)
	return nil
}
