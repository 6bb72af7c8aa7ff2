// Package outbound sends operator replies and records them on the ticket.
package outbound

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"log"
	"net/smtp"
	"strings"
	"time"
)

// Message is one outbound mail.
type Message struct {
	To      string
	Subject string
	Body    string
}

// Mailer delivers messages to a single recipient each.
type Mailer interface {
	Send(msg *Message) error
}

// SMTPConfig carries the relay settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	UseTLS   bool
}

// SMTPMailer sends mail through a configured relay. Port 465 deployments
// set UseTLS; STARTTLS-only relays on 587 are negotiated by net/smtp.
type SMTPMailer struct {
	cfg    SMTPConfig
	logger *log.Logger
	now    func() time.Time
}

// NewSMTPMailer returns a mailer for the given relay.
func NewSMTPMailer(cfg SMTPConfig, logger *log.Logger) (*SMTPMailer, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("outbound: smtp host required")
	}
	if cfg.From == "" {
		return nil, fmt.Errorf("outbound: smtp from address required")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &SMTPMailer{cfg: cfg, logger: logger, now: time.Now}, nil
}

// Send delivers one message.
func (m *SMTPMailer) Send(msg *Message) error {
	if msg == nil || strings.TrimSpace(msg.To) == "" {
		return fmt.Errorf("outbound: recipient required")
	}

	var payload bytes.Buffer
	payload.WriteString(fmt.Sprintf("From: %s\r\n", m.cfg.From))
	payload.WriteString(fmt.Sprintf("To: %s\r\n", msg.To))
	payload.WriteString(fmt.Sprintf("Subject: %s\r\n", msg.Subject))
	payload.WriteString(fmt.Sprintf("Date: %s\r\n", m.now().Format(time.RFC1123Z)))
	payload.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	payload.WriteString("\r\n")
	payload.WriteString(msg.Body)

	addr := fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.Port)
	auth := smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)

	if m.cfg.UseTLS {
		return m.sendTLS(addr, auth, msg.To, payload.Bytes())
	}
	if err := smtp.SendMail(addr, auth, m.cfg.From, []string{msg.To}, payload.Bytes()); err != nil {
		return fmt.Errorf("outbound: send to %s: %w", msg.To, err)
	}
	return nil
}

func (m *SMTPMailer) sendTLS(addr string, auth smtp.Auth, to string, payload []byte) error {
	conn, err := tls.Dial("tcp", addr, &tls.Config{ServerName: m.cfg.Host})
	if err != nil {
		return fmt.Errorf("outbound: connect %s: %w", addr, err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, m.cfg.Host)
	if err != nil {
		return fmt.Errorf("outbound: smtp client: %w", err)
	}
	defer client.Close()

	if err := client.Auth(auth); err != nil {
		return fmt.Errorf("outbound: smtp auth: %w", err)
	}
	if err := client.Mail(m.cfg.From); err != nil {
		return fmt.Errorf("outbound: set sender: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("outbound: add recipient %s: %w", to, err)
	}
	writer, err := client.Data()
	if err != nil {
		return fmt.Errorf("outbound: start data: %w", err)
	}
	if _, err := writer.Write(payload); err != nil {
		return fmt.Errorf("outbound: write data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("outbound: close data: %w", err)
	}
	return client.Quit()
}
