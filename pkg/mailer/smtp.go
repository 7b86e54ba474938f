package mailer

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"
)

// Mail is one outbound message
type Mail struct {
	From    string
	To      string
	Subject string
	HTML    string
}

// Mailer sends rendered notification emails
type Mailer interface {
	Send(ctx context.Context, mail Mail) error
	// IsAlive probes the SMTP endpoint. The publisher manager calls it
	// once at startup for the status surface, never per cycle.
	IsAlive(ctx context.Context) bool
}

// SMTPConfig configures the SMTP client
type SMTPConfig struct {
	Host     string
	Port     string
	Username string
	Password string
}

// SMTPMailer delivers mail over SMTP
type SMTPMailer struct {
	cfg SMTPConfig
}

// NewSMTPMailer creates an SMTP-backed mailer
func NewSMTPMailer(cfg SMTPConfig) *SMTPMailer {
	if cfg.Port == "" {
		cfg.Port = "25"
	}
	return &SMTPMailer{cfg: cfg}
}

// Send delivers one message. The HTML body is sent as-is with an HTML
// content type
func (m *SMTPMailer) Send(ctx context.Context, mail Mail) error {
	_ = ctx
	if m.cfg.Host == "" {
		return fmt.Errorf("smtp host not configured")
	}
	if mail.From == "" {
		return fmt.Errorf("mail sender not configured")
	}
	if mail.To == "" {
		return fmt.Errorf("mail recipient is empty")
	}

	headers := []string{
		fmt.Sprintf("From: %s", mail.From),
		fmt.Sprintf("To: %s", mail.To),
		fmt.Sprintf("Subject: %s", mail.Subject),
		"MIME-Version: 1.0",
		"Content-Type: text/html; charset=UTF-8",
	}
	data := strings.Join(headers, "\r\n") + "\r\n\r\n" + mail.HTML

	addr := net.JoinHostPort(m.cfg.Host, m.cfg.Port)
	var auth smtp.Auth
	if m.cfg.Username != "" || m.cfg.Password != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}
	if err := smtp.SendMail(addr, auth, mail.From, []string{mail.To}, []byte(data)); err != nil {
		return fmt.Errorf("smtp send failed: %w", err)
	}
	return nil
}

// IsAlive dials the SMTP endpoint and reports reachability
func (m *SMTPMailer) IsAlive(ctx context.Context) bool {
	if m.cfg.Host == "" {
		return false
	}
	dialer := net.Dialer{Timeout: 5 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(m.cfg.Host, m.cfg.Port))
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
