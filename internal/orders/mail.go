package orders

import (
	"context"
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"
)

// Email is one outgoing message.
type Email struct {
	To      string
	Subject string
	Body    string
}

// Mailer delivers email.
type Mailer interface {
	Send(ctx context.Context, mail Email) error
}

// SMTPMailer sends email via unauthenticated SMTP (Mailpit-compatible).
type SMTPMailer struct {
	addr string
	from string
}

// NewSMTPMailer creates a mailer for the relay at addr ("host:port").
func NewSMTPMailer(addr, from string) *SMTPMailer {
	from = strings.TrimSpace(from)
	if from == "" {
		from = "no-reply@orders.local"
	}
	return &SMTPMailer{addr: strings.TrimSpace(addr), from: from}
}

func (m *SMTPMailer) Send(ctx context.Context, mail Email) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := buildMessage(m.from, mail)
	return smtp.SendMail(m.addr, nil, m.from, []string{mail.To}, []byte(msg))
}

func buildMessage(from string, mail Email) string {
	return fmt.Sprintf(
		"From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n%s\r\n",
		from,
		mail.To,
		mail.Subject,
		mail.Body,
	)
}

// LogMailer writes emails to a logger instead of sending them.
type LogMailer struct {
	Logger *slog.Logger
}

func (m LogMailer) Send(ctx context.Context, mail Email) error {
	m.Logger.InfoContext(ctx, "email", "to", mail.To, "subject", mail.Subject)
	return nil
}

// LogAudit records audit entries as log lines.
type LogAudit struct {
	Logger *slog.Logger
}

func (a LogAudit) Record(ctx context.Context, e AuditEntry) error {
	a.Logger.InfoContext(ctx, "order accepted",
		"msg_id", e.MessageID,
		"order_id", e.OrderID,
		"total", e.Total.String())
	return nil
}
