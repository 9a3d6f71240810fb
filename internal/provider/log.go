package provider

import (
	"context"
	"log/slog"

	"github.com/cwohlman/mailpipe/internal/message"
	"github.com/cwohlman/mailpipe/internal/store"
)

// Log is a development provider that records deliveries to the structured
// log instead of sending anything. Useful when no transport is
// configured.
type Log struct {
	logger *slog.Logger
}

var _ Provider = (*Log)(nil)
var _ Rejecter = (*Log)(nil)

// NewLog creates a logging provider.
func NewLog() *Log {
	return &Log{logger: slog.Default().With("component", "log-provider")}
}

// Send logs the message instead of delivering it.
func (p *Log) Send(ctx context.Context, m *message.Message, update *store.Update) error {
	p.logger.Info("message delivered to log",
		"id", m.ID,
		"from", m.From,
		"to", m.To,
		"subject", m.Subject,
		"thread_id", m.ThreadID,
	)
	return nil
}

// Reject logs the rejection of an inbound message.
func (p *Log) Reject(ctx context.Context, m *message.Message) error {
	p.logger.Warn("inbound message rejected",
		"incoming_id", m.IncomingID,
		"reason", m.RejectionMessage,
	)
	return nil
}
