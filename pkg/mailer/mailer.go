// Package mailer sends plain-text mail with file attachments over SMTP.
package mailer

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strings"
	"time"

	"github.com/noah-isme/itam-admin-api/pkg/config"
)

// ErrNotConfigured is returned when SMTP host or sender are missing.
var ErrNotConfigured = errors.New("mailer: smtp not configured")

// Attachment is a file carried by a Message.
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Message is a single-recipient email.
type Message struct {
	To          string
	Subject     string
	Body        string
	Attachments []Attachment
}

// Sender delivers messages.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SMTPMailer talks to a single SMTP relay.
type SMTPMailer struct {
	cfg config.MailConfig
}

// NewSMTPMailer returns a mailer for cfg. Timeout defaults to 30s.
func NewSMTPMailer(cfg config.MailConfig) *SMTPMailer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &SMTPMailer{cfg: cfg}
}

// Send dials the relay, optionally upgrades to TLS, authenticates and submits msg.
func (m *SMTPMailer) Send(ctx context.Context, msg Message) error {
	if !m.cfg.MailEnabled() {
		return ErrNotConfigured
	}
	if _, err := mail.ParseAddress(msg.To); err != nil {
		return fmt.Errorf("invalid recipient %q: %w", msg.To, err)
	}

	raw, err := Build(m.cfg.From, m.cfg.FromName, msg, time.Now())
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	addr := net.JoinHostPort(m.cfg.Host, fmt.Sprintf("%d", m.cfg.Port))
	dialer := &net.Dialer{Timeout: m.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("connect smtp %s: %w", addr, err)
	}
	defer func() { _ = conn.Close() }()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, m.cfg.Host)
	if err != nil {
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer func() { _ = client.Close() }()

	if m.cfg.UseTLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(&tls.Config{ServerName: m.cfg.Host, MinVersion: tls.VersionTLS12}); err != nil {
				return fmt.Errorf("smtp starttls: %w", err)
			}
		}
	}
	if m.cfg.User != "" && m.cfg.Password != "" {
		if err := client.Auth(smtp.PlainAuth("", m.cfg.User, m.cfg.Password, m.cfg.Host)); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := client.Mail(m.cfg.From); err != nil {
		return fmt.Errorf("smtp sender: %w", err)
	}
	if err := client.Rcpt(msg.To); err != nil {
		return fmt.Errorf("smtp recipient %s: %w", msg.To, err)
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp close data: %w", err)
	}
	// message accepted; a failed QUIT does not change that
	_ = client.Quit()
	return nil
}

// Build renders msg as an RFC 5322 message. Attachments produce a
// multipart/mixed body with base64 parts.
func Build(from, fromName string, msg Message, now time.Time) ([]byte, error) {
	var buf bytes.Buffer
	sender := mail.Address{Name: fromName, Address: from}

	headers := []string{
		"From: " + sender.String(),
		"To: " + msg.To,
		"Subject: " + mime.QEncoding.Encode("utf-8", msg.Subject),
		"Date: " + now.UTC().Format(time.RFC1123Z),
		"MIME-Version: 1.0",
	}

	if len(msg.Attachments) == 0 {
		headers = append(headers, "Content-Type: text/plain; charset=UTF-8")
		buf.WriteString(strings.Join(headers, "\r\n"))
		buf.WriteString("\r\n\r\n")
		buf.WriteString(msg.Body)
		return buf.Bytes(), nil
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	headers = append(headers, fmt.Sprintf("Content-Type: multipart/mixed; boundary=%q", mw.Boundary()))

	textPart, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type": {"text/plain; charset=UTF-8"},
	})
	if err != nil {
		return nil, err
	}
	if _, err := textPart.Write([]byte(msg.Body)); err != nil {
		return nil, err
	}

	for _, att := range msg.Attachments {
		contentType := att.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		part, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {fmt.Sprintf("%s; name=%q", contentType, att.Filename)},
			"Content-Transfer-Encoding": {"base64"},
			"Content-Disposition":       {fmt.Sprintf("attachment; filename=%q", att.Filename)},
		})
		if err != nil {
			return nil, err
		}
		if err := writeBase64Lines(part, att.Data); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	buf.WriteString(strings.Join(headers, "\r\n"))
	buf.WriteString("\r\n\r\n")
	buf.Write(body.Bytes())
	return buf.Bytes(), nil
}

// writeBase64Lines wraps encoded output at 76 characters.
func writeBase64Lines(w io.Writer, data []byte) error {
	encoded := base64.StdEncoding.EncodeToString(data)
	for len(encoded) > 76 {
		if _, err := w.Write([]byte(encoded[:76] + "\r\n")); err != nil {
			return err
		}
		encoded = encoded[76:]
	}
	if encoded == "" {
		return nil
	}
	_, err := w.Write([]byte(encoded + "\r\n"))
	return err
}
