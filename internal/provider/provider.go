// Package provider defines the transport boundary: a Provider accepts a
// fully-resolved message and performs (or simulates) actual delivery.
package provider

import (
	"context"

	"github.com/cwohlman/mailpipe/internal/message"
	"github.com/cwohlman/mailpipe/internal/store"
)

// Provider hands a finished message to a transport. The pending update is
// the terminal record update the pipeline will persist on success; the
// provider may augment it, typically with the transport's outgoing id.
// Returning an error signals delivery failure and propagates to the
// caller of Send/Deliver uncaught.
type Provider interface {
	Send(ctx context.Context, m *message.Message, update *store.Update) error
}

// Rejecter is optionally implemented by providers that want to be told
// about rejected inbound messages, e.g. to NACK the originating transport
// message.
type Rejecter interface {
	Reject(ctx context.Context, m *message.Message) error
}
