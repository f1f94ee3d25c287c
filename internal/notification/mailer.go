// Package notification sends alert batches over SMTP.
package notification

import (
	"crypto/tls"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/rs/zerolog"

	"futures-trader/config"
)

// Mailer sends plain-text alert mail. Port 465 uses implicit TLS; other
// ports go through smtp.SendMail and negotiate STARTTLS when offered.
type Mailer struct {
	cfg    config.SMTPConfig
	logger zerolog.Logger
}

// NewMailer creates a mailer from config.
func NewMailer(cfg config.SMTPConfig, logger zerolog.Logger) *Mailer {
	return &Mailer{
		cfg:    cfg,
		logger: logger.With().Str("component", "mailer").Logger(),
	}
}

// IsConfigured reports whether enough settings are present to send.
func (m *Mailer) IsConfigured() bool {
	return m.cfg.Host != "" && m.cfg.Port != "" && m.cfg.From != "" && len(m.cfg.To) > 0
}

func (m *Mailer) Name() string { return "email" }

// IsEnabled satisfies the Notifier interface.
func (m *Mailer) IsEnabled() bool { return m.IsConfigured() }

// Send delivers one message to the configured recipients.
func (m *Mailer) Send(subject, body string) error {
	if !m.IsConfigured() {
		return fmt.Errorf("smtp not configured")
	}

	from := m.cfg.From
	if m.cfg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", m.cfg.FromName, m.cfg.From)
	}

	message := []byte(
		"From: " + from + "\r\n" +
			"To: " + strings.Join(m.cfg.To, ", ") + "\r\n" +
			"Subject: " + subject + "\r\n" +
			"MIME-Version: 1.0\r\n" +
			"Content-Type: text/plain; charset=UTF-8\r\n" +
			"\r\n" +
			body + "\r\n",
	)

	var auth smtp.Auth
	if m.cfg.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}
	addr := m.cfg.Host + ":" + m.cfg.Port

	var err error
	if m.cfg.Port == "465" {
		err = m.sendTLS(addr, auth, message)
	} else {
		err = smtp.SendMail(addr, auth, m.cfg.From, m.cfg.To, message)
	}
	if err != nil {
		m.logger.Error().Err(err).Str("host", m.cfg.Host).Msg("failed to send mail")
		return fmt.Errorf("smtp error: %w", err)
	}

	m.logger.Info().Str("subject", subject).Int("recipients", len(m.cfg.To)).Msg("mail sent")
	return nil
}

// sendTLS sends over an implicit-TLS connection (port 465).
func (m *Mailer) sendTLS(addr string, auth smtp.Auth, msg []byte) error {
	conn, err := tls.Dial("tcp", addr, &tls.Config{ServerName: m.cfg.Host})
	if err != nil {
		return fmt.Errorf("failed to connect to smtp server: %w", err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, m.cfg.Host)
	if err != nil {
		return fmt.Errorf("failed to create smtp client: %w", err)
	}
	defer client.Close()

	if auth != nil {
		if err = client.Auth(auth); err != nil {
			return fmt.Errorf("smtp authentication failed: %w", err)
		}
	}
	if err = client.Mail(m.cfg.From); err != nil {
		return fmt.Errorf("failed to set sender: %w", err)
	}
	for _, rcpt := range m.cfg.To {
		if err = client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("failed to add recipient: %w", err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("failed to get data writer: %w", err)
	}
	if _, err = w.Write(msg); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err = w.Close(); err != nil {
		return fmt.Errorf("failed to close data writer: %w", err)
	}
	return client.Quit()
}
