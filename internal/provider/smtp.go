package provider

import (
	"context"
	"fmt"
	"log/slog"
	"net/mail"
	"net/smtp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cwohlman/mailpipe/internal/message"
	"github.com/cwohlman/mailpipe/internal/store"
)

// SMTPConfig holds configuration for the SMTP provider.
type SMTPConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Username string `toml:"username"`
	Password string `toml:"password"`
	Hostname string `toml:"hostname"` // used in generated Message-IDs
}

// SMTP delivers messages through a relay host using net/smtp. The
// generated Message-ID is stamped onto the pending update as the
// message's outgoing id.
type SMTP struct {
	cfg    SMTPConfig
	logger *slog.Logger

	// sendMail is swappable for tests.
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

var _ Provider = (*SMTP)(nil)

// NewSMTP creates an SMTP provider.
func NewSMTP(cfg SMTPConfig) *SMTP {
	if cfg.Port == 0 {
		cfg.Port = 25
	}
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	return &SMTP{
		cfg:      cfg,
		logger:   slog.Default().With("component", "smtp-provider", "relay", cfg.Host),
		sendMail: smtp.SendMail,
	}
}

// Send builds the wire message and hands it to the relay. On success the
// generated Message-ID is attached to the pending update as outgoingId.
func (p *SMTP) Send(ctx context.Context, m *message.Message, update *store.Update) error {
	from, err := bareAddress(m.From)
	if err != nil {
		return fmt.Errorf("invalid from address: %w", err)
	}
	rcpts, err := recipientList(m)
	if err != nil {
		return err
	}

	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), p.cfg.Hostname)
	body, err := buildWireMessage(m, messageID)
	if err != nil {
		return err
	}

	var auth smtp.Auth
	if p.cfg.Username != "" {
		auth = smtp.PlainAuth("", p.cfg.Username, p.cfg.Password, p.cfg.Host)
	}

	addr := fmt.Sprintf("%s:%d", p.cfg.Host, p.cfg.Port)
	if err := p.sendMail(addr, auth, from, rcpts, body); err != nil {
		return fmt.Errorf("smtp delivery failed: %w", err)
	}

	outgoing := strings.Trim(messageID, "<>")
	update.OutgoingID = &outgoing

	p.logger.Info("message relayed",
		"id", m.ID,
		"to", m.To,
		"outgoing_id", outgoing,
	)
	return nil
}

// bareAddress extracts the plain address from a possibly display-named
// header value.
func bareAddress(v string) (string, error) {
	parsed, err := mail.ParseAddress(v)
	if err != nil {
		return "", err
	}
	return parsed.Address, nil
}

// recipientList collects all envelope recipients: to, cc and bcc.
func recipientList(m *message.Message) ([]string, error) {
	var rcpts []string
	for _, field := range []string{m.To, m.CC, m.BCC} {
		if field == "" {
			continue
		}
		parsed, err := mail.ParseAddressList(field)
		if err != nil {
			return nil, fmt.Errorf("invalid recipient list %q: %w", field, err)
		}
		for _, a := range parsed {
			rcpts = append(rcpts, a.Address)
		}
	}
	if len(rcpts) == 0 {
		return nil, fmt.Errorf("message has no recipients")
	}
	return rcpts, nil
}

// buildWireMessage renders the RFC 5322 message. When both text and html
// bodies are present, a multipart/alternative body is produced.
func buildWireMessage(m *message.Message, messageID string) ([]byte, error) {
	var b strings.Builder

	writeHeader := func(name, value string) {
		if value != "" {
			fmt.Fprintf(&b, "%s: %s\r\n", name, value)
		}
	}

	writeHeader("Message-ID", messageID)
	writeHeader("Date", time.Now().Format(time.RFC1123Z))
	writeHeader("From", m.From)
	writeHeader("To", m.To)
	writeHeader("Cc", m.CC)
	writeHeader("Reply-To", m.ReplyTo)
	writeHeader("Subject", m.Subject)
	writeHeader("MIME-Version", "1.0")
	for name, value := range m.Headers {
		writeHeader(name, value)
	}

	switch {
	case m.Text != "" && m.HTML != "":
		boundary := uuid.NewString()
		writeHeader("Content-Type", fmt.Sprintf("multipart/alternative; boundary=%q", boundary))
		b.WriteString("\r\n")
		fmt.Fprintf(&b, "--%s\r\n", boundary)
		b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
		b.WriteString(m.Text)
		fmt.Fprintf(&b, "\r\n--%s\r\n", boundary)
		b.WriteString("Content-Type: text/html; charset=utf-8\r\n\r\n")
		b.WriteString(m.HTML)
		fmt.Fprintf(&b, "\r\n--%s--\r\n", boundary)
	case m.HTML != "":
		writeHeader("Content-Type", "text/html; charset=utf-8")
		b.WriteString("\r\n")
		b.WriteString(m.HTML)
	case m.Text != "":
		writeHeader("Content-Type", "text/plain; charset=utf-8")
		b.WriteString("\r\n")
		b.WriteString(m.Text)
	default:
		return nil, fmt.Errorf("message has no body")
	}

	return []byte(b.String()), nil
}
