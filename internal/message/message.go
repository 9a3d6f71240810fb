// Package message defines the email record handled by the mailpipe system
// and the delivery-status state machine attached to it.
package message

import (
	"time"
)

// SendState enumerates the delivery status of a message. The status only
// moves forward: none -> claimed -> delivered or failed. Once terminal,
// no automatic transition occurs.
type SendState int

const (
	// StateNone means the message has not been processed for delivery yet.
	StateNone SendState = iota
	// StateClaimed means a worker holds the delivery claim for this message.
	StateClaimed
	// StateDelivered means the message was handed to the transport provider.
	StateDelivered
	// StateFailed means processing finished with a rejection.
	StateFailed
)

// String returns the string representation of a send state
func (s SendState) String() string {
	switch s {
	case StateNone:
		return "pending"
	case StateClaimed:
		return "claimed"
	case StateDelivered:
		return "delivered"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// SendStatus carries the delivery state of a message together with the
// claim marker token while a delivery attempt is in flight. The marker is
// an opaque per-attempt value; re-reading the record filtered by marker is
// how a worker confirms it won the claim.
type SendStatus struct {
	State  SendState `json:"state"`
	Marker string    `json:"marker,omitempty"`
}

// Unsent reports whether the message has no delivery status at all,
// which makes it part of the pending set.
func (s SendStatus) Unsent() bool { return s.State == StateNone }

// Terminal reports whether the status is delivered or failed.
func (s SendStatus) Terminal() bool {
	return s.State == StateDelivered || s.State == StateFailed
}

// Claimed returns an in-flight status carrying the given marker token.
func Claimed(marker string) SendStatus {
	return SendStatus{State: StateClaimed, Marker: marker}
}

// Delivered returns the successful terminal status.
func Delivered() SendStatus { return SendStatus{State: StateDelivered} }

// Failed returns the unsuccessful terminal status.
func Failed() SendStatus { return SendStatus{State: StateFailed} }

// Message represents a single email record, persisted as one row/document
// per message. Zero values mean "absent": an empty string field has not
// been derived yet and a zero time has not been stamped.
type Message struct {
	ID string `json:"id,omitempty"`

	// Draft is tri-state: nil means the message is a regular outgoing
	// message, true means it is not processable yet, false is the explicit
	// "finalize this stored draft" signal.
	Draft *bool `json:"draft,omitempty"`

	From    string `json:"from,omitempty"`
	To      string `json:"to,omitempty"`
	CC      string `json:"cc,omitempty"`
	BCC     string `json:"bcc,omitempty"`
	ReplyTo string `json:"replyTo,omitempty"`

	FromID string `json:"fromId,omitempty"`
	ToID   string `json:"toId,omitempty"`

	Subject string            `json:"subject,omitempty"`
	Text    string            `json:"text,omitempty"`
	HTML    string            `json:"html,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`

	// Template names the body template. LayoutTemplate is tri-state: nil
	// means unset (fall back to the configured default), a pointer to the
	// empty string is an explicit "no layout" override.
	Template       string  `json:"template,omitempty"`
	LayoutTemplate *string `json:"layoutTemplate,omitempty"`

	ThreadID string `json:"threadId,omitempty"`

	Sent   SendStatus `json:"sent"`
	SentAt time.Time  `json:"sentAt,omitempty"`

	CreatedAt  time.Time `json:"createdAt,omitempty"`
	UpdatedAt  time.Time `json:"updatedAt,omitempty"`
	ReceivedAt time.Time `json:"receivedAt,omitempty"`

	// IncomingID and OutgoingID are externally assigned provenance ids.
	// Each is globally unique when present; the store's uniqueness
	// constraint on them is the deduplication mechanism for double
	// ingestion and double forwarding.
	IncomingID string `json:"incomingId,omitempty"`
	OutgoingID string `json:"outgoingId,omitempty"`

	// Audit trail fields, populated on failure or receipt.
	RejectionMessage string   `json:"rejectionMessage,omitempty"`
	RejectedEmail    *Message `json:"rejectedEmail,omitempty"`
	Error            string   `json:"error,omitempty"`
	Original         *Message `json:"original,omitempty"`

	// Read is a recipient-side marker, never touched by the pipeline.
	Read bool `json:"read,omitempty"`
}

// IsDraft reports whether the message is explicitly marked as a draft
// that must not be processed.
func (m *Message) IsDraft() bool { return m.Draft != nil && *m.Draft }

// FinalizesDraft reports whether the message carries the explicit
// "finalize this draft" signal.
func (m *Message) FinalizesDraft() bool { return m.Draft != nil && !*m.Draft }

// Pending reports whether the message belongs to the autoprocess set:
// no delivery status and no draft marker.
func (m *Message) Pending() bool { return m.Sent.Unsent() && m.Draft == nil }

// Clone returns a deep copy of the message. The pipeline never mutates
// the caller's message in place.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := *m
	if m.Draft != nil {
		d := *m.Draft
		out.Draft = &d
	}
	if m.LayoutTemplate != nil {
		l := *m.LayoutTemplate
		out.LayoutTemplate = &l
	}
	if m.Headers != nil {
		out.Headers = make(map[string]string, len(m.Headers))
		for k, v := range m.Headers {
			out.Headers[k] = v
		}
	}
	out.RejectedEmail = m.RejectedEmail.Clone()
	out.Original = m.Original.Clone()
	return &out
}

// Bool is a convenience for building the tri-state Draft field.
func Bool(v bool) *bool { return &v }

// String is a convenience for building the tri-state LayoutTemplate field.
func String(v string) *string { return &v }
