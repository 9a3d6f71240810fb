// Package store provides keyed, durable storage for message records. The
// one operation the rest of the system leans on for correctness is
// UpdateWhere: an atomic conditional update returning the number of
// matched records, which implements the single-winner delivery claim.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cwohlman/mailpipe/internal/message"
)

// Common errors
var (
	ErrNotFound            = errors.New("message not found")
	ErrDuplicateIncomingID = errors.New("duplicate incoming id")
	ErrDuplicateOutgoingID = errors.New("duplicate outgoing id")
	ErrNotConnected        = errors.New("not connected to store")
)

// Filter selects message records. Zero-value fields do not constrain the
// result; the boolean *Absent fields assert the absence of a field, which
// is how the pending set (no sent status, no draft marker) is expressed.
type Filter struct {
	ID          string
	Marker      string // matches a claimed record carrying this token
	SentAbsent  bool
	DraftAbsent bool
	State       message.SendState // matched only when StateSet is true
	StateSet    bool
	HasIncoming bool // matches records carrying any incoming id
}

// Pending returns the filter for the autoprocess set.
func Pending() Filter {
	return Filter{SentAbsent: true, DraftAbsent: true}
}

// Matches reports whether the filter selects the given message.
func (f Filter) Matches(m *message.Message) bool {
	if f.ID != "" && m.ID != f.ID {
		return false
	}
	if f.Marker != "" {
		if m.Sent.State != message.StateClaimed || m.Sent.Marker != f.Marker {
			return false
		}
	}
	if f.SentAbsent && !m.Sent.Unsent() {
		return false
	}
	if f.DraftAbsent && m.Draft != nil {
		return false
	}
	if f.StateSet && m.Sent.State != f.State {
		return false
	}
	if f.HasIncoming && m.IncomingID == "" {
		return false
	}
	return true
}

// Update describes a partial modification of a message record: non-nil
// fields are set, ClearDraft removes the draft marker. Providers may
// augment a pending update (typically with an outgoing id) before it is
// persisted.
type Update struct {
	Sent             *message.SendStatus
	SentAt           *time.Time
	OutgoingID       *string
	RejectionMessage *string
	RejectedEmail    *message.Message
	Error            *string
	ClearDraft       bool
}

// Apply writes the update onto a message in memory.
func (u Update) Apply(m *message.Message) {
	if u.Sent != nil {
		m.Sent = *u.Sent
	}
	if u.SentAt != nil {
		m.SentAt = *u.SentAt
	}
	if u.OutgoingID != nil {
		m.OutgoingID = *u.OutgoingID
	}
	if u.RejectionMessage != nil {
		m.RejectionMessage = *u.RejectionMessage
	}
	if u.RejectedEmail != nil {
		m.RejectedEmail = u.RejectedEmail
	}
	if u.Error != nil {
		m.Error = *u.Error
	}
	if u.ClearDraft {
		m.Draft = nil
	}
}

// Store is the persistence interface for message records.
//
// Implementations must enforce sparse uniqueness of IncomingID and
// OutgoingID across all records, and must make UpdateWhere atomic with
// respect to concurrent callers: for a given record, at most one
// conditional update whose filter asserts an absent sent status can
// report a match.
type Store interface {
	// Insert stores a new record and returns its assigned id.
	Insert(ctx context.Context, m *message.Message) (string, error)

	// FindByID retrieves a record by id.
	FindByID(ctx context.Context, id string) (*message.Message, error)

	// FindOne retrieves the first record matching the filter.
	FindOne(ctx context.Context, f Filter) (*message.Message, error)

	// List retrieves all records matching the filter.
	List(ctx context.Context, f Filter) ([]*message.Message, error)

	// Update applies a partial update to the record with the given id.
	Update(ctx context.Context, id string, u Update) error

	// UpdateWhere atomically applies the update to every record matching
	// the filter and returns the number of records matched.
	UpdateWhere(ctx context.Context, f Filter, u Update) (int, error)

	// Replace overwrites all fields of the record with the given id,
	// keeping the id itself. Used for draft finalization, which is not
	// claim-protected.
	Replace(ctx context.Context, id string, m *message.Message) error

	// Remove deletes the record with the given id.
	Remove(ctx context.Context, id string) error

	// Close releases the store's resources.
	Close() error
}

// Watcher is implemented by stores that can notify about records entering
// or changing within the pending set. Stores without native notification
// are handled by the autoprocessor's polling fallback instead.
type Watcher interface {
	// Watch invokes fn for every record inserted into or modified within
	// the pending set until ctx is done or the returned stop function is
	// called.
	Watch(ctx context.Context, fn func(m *message.Message)) (stop func(), err error)
}

// Config represents the configuration for a store backend.
type Config struct {
	Type       string `toml:"type"`        // "memory", "sqlite", "postgres", "mysql"
	DSN        string `toml:"dsn"`         // driver-specific connection string
	Collection string `toml:"collection"`  // table name, default "emails"
	RedisAddr  string `toml:"redis_addr"`  // optional change-feed fan-out
	RedisDB    int    `toml:"redis_db"`    //
	RedisPass  string `toml:"redis_pass"`  //
	RedisChan  string `toml:"redis_chan"`  // pub/sub channel, default "mailpipe:changes"
}

// Factory creates a store based on configuration.
func Factory(cfg Config) (Store, error) {
	var s Store
	var err error

	switch cfg.Type {
	case "", "memory":
		s = NewMemory()
	case "sqlite", "postgres", "mysql":
		s, err = OpenSQL(cfg)
	default:
		return nil, fmt.Errorf("unsupported store type: %s", cfg.Type)
	}
	if err != nil {
		return nil, err
	}

	if cfg.RedisAddr != "" {
		return NewRedisFeed(s, cfg), nil
	}
	return s, nil
}
