package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cwohlman/mailpipe/internal/directory"
	"github.com/cwohlman/mailpipe/internal/message"
	"github.com/cwohlman/mailpipe/internal/provider"
	"github.com/cwohlman/mailpipe/internal/render"
	"github.com/cwohlman/mailpipe/internal/store"
)

// Fatal errors raised by pipeline operations. Unlike a Rejection these
// indicate caller bugs or infrastructure faults, not message problems.
var (
	ErrDeliverDraft      = errors.New("cannot deliver a draft message")
	ErrDraftNotStored    = errors.New("draft finalization requires a stored message id")
	ErrMissingIncomingID = errors.New("inbound message has no incoming id")
)

// Options controls pipeline behavior. Build from DefaultOptions and
// override, or map from a config file section.
type Options struct {
	// Queue stores processed messages for asynchronous delivery instead
	// of delivering inline.
	Queue bool

	// Persist retains delivered and rejected records. When false they
	// are removed from the store once their outcome is known.
	Persist bool

	// Autoprocess starts a background worker that drains pending
	// messages from the store.
	Autoprocess bool

	// Domain is the local mail domain used for system-generated
	// addresses (user_<id>@<domain>).
	Domain string

	// DefaultTemplate and LayoutTemplate are applied to messages that
	// do not carry their own. A message may opt out of the layout by
	// setting LayoutTemplate to an empty string explicitly.
	DefaultTemplate string
	LayoutTemplate  string

	// DefaultFromAddress, when set, replaces the from address of any
	// message that carries a reply-to address.
	DefaultFromAddress string

	// PollInterval is the autoprocessor's polling cadence when the
	// store cannot push change notifications.
	PollInterval time.Duration

	// DrainConcurrency bounds concurrent deliveries during a drain.
	DrainConcurrency int
}

// DefaultOptions returns the stock pipeline configuration.
func DefaultOptions() Options {
	return Options{
		Queue:            false,
		Persist:          true,
		Autoprocess:      false,
		Domain:           "example.com",
		PollInterval:     15 * time.Second,
		DrainConcurrency: 4,
	}
}

// Metadata is the per-message scratch space shared by the preprocessing
// steps. Hooks may populate it to avoid repeated directory lookups.
type Metadata struct {
	From *directory.Identity
	To   *directory.Identity
}

// Hooks let an embedding application override individual preprocessing
// steps. A nil hook selects the built-in behavior.
type Hooks struct {
	// Metadata primes the Metadata scratch space before address
	// resolution runs.
	Metadata func(ctx context.Context, m *message.Message, md *Metadata) error

	// FromAddress, ToAddress and ReplyTo derive the respective address
	// strings from the resolved identities.
	FromAddress func(ctx context.Context, m *message.Message, md *Metadata) (string, error)
	ToAddress   func(ctx context.Context, m *message.Message, md *Metadata) (string, error)
	ReplyTo     func(ctx context.Context, m *message.Message, md *Metadata) (string, error)

	// Text and HTML produce the message bodies when the message does
	// not carry them.
	Text func(ctx context.Context, m *message.Message, md *Metadata) (string, error)
	HTML func(ctx context.Context, m *message.Message, md *Metadata) (string, error)

	// Finalize runs as the last preprocessing step. The default
	// prettifies the from/to addresses with the identities' names.
	Finalize func(ctx context.Context, m *message.Message, md *Metadata) error
}

// Deps are the collaborators a Pipeline delivers through.
type Deps struct {
	Store     store.Store
	Directory directory.Resolver
	Renderer  render.Renderer
	Provider  provider.Provider
	Logger    *slog.Logger
}

// Pipeline is the transactional mail pipeline: it validates and enriches
// outbound messages, queues or delivers them, and relays inbound mail.
type Pipeline struct {
	mu    sync.Mutex
	opts  Options
	hooks Hooks

	store    store.Store
	dir      directory.Resolver
	renderer render.Renderer
	provider provider.Provider
	logger   *slog.Logger

	auto *autoprocessor
}

// New builds a Pipeline. Store, Directory and Provider are required;
// Renderer may be nil when no templates are registered.
func New(opts Options, hooks Hooks, deps Deps) (*Pipeline, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("pipeline: store is required")
	}
	if deps.Directory == nil {
		return nil, fmt.Errorf("pipeline: directory resolver is required")
	}
	if deps.Provider == nil {
		return nil, fmt.Errorf("pipeline: delivery provider is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 15 * time.Second
	}
	if opts.DrainConcurrency <= 0 {
		opts.DrainConcurrency = 4
	}
	return &Pipeline{
		opts:     opts,
		hooks:    hooks,
		store:    deps.Store,
		dir:      deps.Directory,
		renderer: deps.Renderer,
		provider: deps.Provider,
		logger:   logger.With("component", "pipeline"),
	}, nil
}

// Start launches the autoprocessor when configured. It returns once the
// initial drain has been scheduled.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.opts.Autoprocess || p.auto != nil {
		return nil
	}
	auto := newAutoprocessor(p, p.opts.PollInterval, p.opts.DrainConcurrency)
	if err := auto.start(ctx); err != nil {
		return err
	}
	p.auto = auto
	return nil
}

// Stop halts the autoprocessor and waits for in-flight deliveries.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	auto := p.auto
	p.auto = nil
	p.mu.Unlock()
	if auto != nil {
		auto.stop()
	}
}

// Reconfigure swaps the pipeline options, restarting the autoprocessor
// with the new settings.
func (p *Pipeline) Reconfigure(ctx context.Context, opts Options) error {
	p.Stop()
	p.mu.Lock()
	p.opts = opts
	p.mu.Unlock()
	return p.Start(ctx)
}

func (p *Pipeline) options() Options {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opts
}

// Send runs a message through preprocessing and then either stores it
// for asynchronous delivery or delivers it inline, depending on the
// queue setting. It returns the stored record's id when one exists.
//
// A message carrying draft:false finalizes a previously stored draft:
// the stored record is overwritten wholesale, skipping preprocessing,
// and the draft flag is cleared.
func (p *Pipeline) Send(ctx context.Context, m *message.Message) (string, error) {
	opts := p.options()

	if m.FinalizesDraft() {
		return p.finalizeDraft(ctx, m)
	}

	processed, err := p.process(ctx, m.Clone(), opts)
	if err != nil {
		return "", err
	}

	if opts.Queue {
		id, err := p.store.Insert(ctx, processed)
		if err != nil {
			return "", err
		}
		enqueuedTotal.Inc()
		p.logger.Debug("Message enqueued", "id", id, "draft", processed.IsDraft())
		p.notifyAuto()
		return id, nil
	}
	return p.Deliver(ctx, processed)
}

// finalizeDraft replaces a stored draft with the submitted content.
// Stored drafts were never preprocessed, so the overwrite keeps every
// submitted field as-is and only clears the draft flag.
func (p *Pipeline) finalizeDraft(ctx context.Context, m *message.Message) (string, error) {
	if m.ID == "" {
		return "", ErrDraftNotStored
	}
	final := m.Clone()
	final.Draft = nil
	final.UpdatedAt = time.Now()
	if err := p.store.Replace(ctx, final.ID, final); err != nil {
		return "", fmt.Errorf("finalizing draft %s: %w", final.ID, err)
	}
	p.logger.Debug("Draft finalized", "id", final.ID)
	p.notifyAuto()
	return final.ID, nil
}

// Deliver attempts to deliver a single message. For stored messages it
// first claims the record with a unique marker; losing the claim race is
// a silent no-op. Unstored messages are delivered directly.
func (p *Pipeline) Deliver(ctx context.Context, m *message.Message) (string, error) {
	if m.IsDraft() {
		return "", ErrDeliverDraft
	}
	opts := p.options()

	if m.ID != "" {
		claimed, err := p.claim(ctx, m.ID)
		if err != nil {
			return "", err
		}
		if claimed == nil {
			return "", nil
		}
		m = claimed
	}

	now := time.Now()
	status := message.Delivered()
	upd := store.Update{Sent: &status, SentAt: &now}

	if err := p.provider.Send(ctx, m, &upd); err != nil {
		// The claim marker stays in place; the record will not be
		// retried until it is cleared by hand.
		return "", fmt.Errorf("provider send: %w", err)
	}

	if m.ID != "" {
		if opts.Persist {
			if err := p.store.Update(ctx, m.ID, upd); err != nil {
				return "", fmt.Errorf("recording delivery of %s: %w", m.ID, err)
			}
		} else {
			if err := p.store.Remove(ctx, m.ID); err != nil {
				return "", fmt.Errorf("removing delivered %s: %w", m.ID, err)
			}
		}
	}

	sentTotal.Inc()
	p.logger.Info("Message delivered", "id", m.ID, "to", m.To, "subject", m.Subject)
	return m.ID, nil
}

// claim atomically marks the record as in-flight and re-reads it by the
// claim marker. A nil message means another worker won the race or the
// record already reached a terminal state.
func (p *Pipeline) claim(ctx context.Context, id string) (*message.Message, error) {
	marker := uuid.NewString()
	status := message.Claimed(marker)
	if _, err := p.store.UpdateWhere(ctx,
		store.Filter{ID: id, SentAbsent: true},
		store.Update{Sent: &status},
	); err != nil {
		return nil, fmt.Errorf("claiming %s: %w", id, err)
	}

	m, err := p.store.FindOne(ctx, store.Filter{Marker: marker})
	if errors.Is(err, store.ErrNotFound) {
		claimConflictsTotal.Inc()
		p.logger.Debug("Lost delivery claim", "id", id)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading claimed %s: %w", id, err)
	}
	return m, nil
}

// Receive accepts an inbound message for relay. The original is kept on
// the relayed copy and the arrival time is stamped before the message
// enters the regular send path.
func (p *Pipeline) Receive(ctx context.Context, inbound *message.Message) error {
	if inbound.IncomingID == "" {
		return ErrMissingIncomingID
	}
	m := inbound.Clone()
	if m.Original == nil {
		m.Original = inbound.Clone()
	}
	if m.ReceivedAt.IsZero() {
		m.ReceivedAt = time.Now()
	}
	if _, err := p.Send(ctx, m); err != nil {
		return err
	}
	receivedTotal.Inc()
	return nil
}

// reject records a rejection on the message and returns the Rejection
// that the failing operation propagates to its caller.
func (p *Pipeline) reject(ctx context.Context, m *message.Message, reason string, opts Options) error {
	if reason == "" {
		reason = "unknown error"
	}
	m.RejectionMessage = reason

	if m.IncomingID != "" {
		if rj, ok := p.provider.(provider.Rejecter); ok {
			if err := rj.Reject(ctx, m); err != nil {
				p.logger.Warn("Provider bounce failed", "id", m.ID, "error", err)
			}
		}
	}

	if m.ID != "" {
		if opts.Persist {
			status := message.Failed()
			snapshot := m.Clone()
			upd := store.Update{
				Sent:             &status,
				RejectionMessage: &reason,
				RejectedEmail:    snapshot,
				ClearDraft:       true,
			}
			if err := p.store.Update(ctx, m.ID, upd); err != nil {
				p.logger.Warn("Recording rejection failed", "id", m.ID, "error", err)
			}
		} else {
			if err := p.store.Remove(ctx, m.ID); err != nil {
				p.logger.Warn("Removing rejected message failed", "id", m.ID, "error", err)
			}
		}
	}

	rejectedTotal.WithLabelValues(reason).Inc()
	p.logger.Info("Message rejected", "id", m.ID, "reason", reason)
	return &Rejection{Reason: reason, Message: m.Clone()}
}

// LastReceived returns the most recently received inbound message, or
// store.ErrNotFound when none exists.
func (p *Pipeline) LastReceived(ctx context.Context) (*message.Message, error) {
	msgs, err := p.store.List(ctx, store.Filter{HasIncoming: true})
	if err != nil {
		return nil, err
	}
	var latest *message.Message
	for _, m := range msgs {
		if latest == nil || m.ReceivedAt.After(latest.ReceivedAt) {
			latest = m
		}
	}
	if latest == nil {
		return nil, store.ErrNotFound
	}
	return latest, nil
}

// LastReceivedDate returns the arrival time of the newest inbound
// message; the zero time when none exists.
func (p *Pipeline) LastReceivedDate(ctx context.Context) (time.Time, error) {
	m, err := p.LastReceived(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return m.ReceivedAt, nil
}

// Stats summarizes the store by lifecycle state.
type Stats struct {
	Pending   int `json:"pending"`
	Claimed   int `json:"claimed"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
	Drafts    int `json:"drafts"`
	Total     int `json:"total"`
}

// Stats counts stored messages by state.
func (p *Pipeline) Stats(ctx context.Context) (Stats, error) {
	msgs, err := p.store.List(ctx, store.Filter{})
	if err != nil {
		return Stats{}, err
	}
	var s Stats
	for _, m := range msgs {
		s.Total++
		if m.IsDraft() {
			s.Drafts++
			continue
		}
		switch m.Sent.State {
		case message.StateNone:
			s.Pending++
		case message.StateClaimed:
			s.Claimed++
		case message.StateDelivered:
			s.Delivered++
		case message.StateFailed:
			s.Failed++
		}
	}
	return s, nil
}

// Store exposes the underlying message store for read-side consumers.
func (p *Pipeline) Store() store.Store {
	return p.store
}

func (p *Pipeline) notifyAuto() {
	p.mu.Lock()
	auto := p.auto
	p.mu.Unlock()
	if auto != nil {
		auto.poke()
	}
}
