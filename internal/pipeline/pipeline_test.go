package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwohlman/mailpipe/internal/directory"
	"github.com/cwohlman/mailpipe/internal/message"
	"github.com/cwohlman/mailpipe/internal/render"
	"github.com/cwohlman/mailpipe/internal/store"
)

// stubProvider records deliveries and bounces for assertions.
type stubProvider struct {
	mu       sync.Mutex
	sent     []*message.Message
	rejected []*message.Message
	sendErr  error
	outgoing int
}

func (s *stubProvider) Send(ctx context.Context, m *message.Message, update *store.Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, m.Clone())
	s.outgoing++
	out := fmt.Sprintf("out-%d", s.outgoing)
	update.OutgoingID = &out
	return nil
}

func (s *stubProvider) Reject(ctx context.Context, m *message.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejected = append(s.rejected, m.Clone())
	return nil
}

func (s *stubProvider) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func (s *stubProvider) lastSent() *message.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sent) == 0 {
		return nil
	}
	return s.sent[len(s.sent)-1]
}

func (s *stubProvider) rejectedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rejected)
}

func testDirectory() *directory.Static {
	dir := directory.NewStatic("example.com")
	dir.Register(directory.Identity{
		ID:        "alice",
		Name:      "Alice Smith",
		Addresses: []string{"alice@example.com"},
	})
	dir.Register(directory.Identity{
		ID:        "bob",
		Name:      "Bob Jones",
		Addresses: []string{"bob@example.com", "bob.alt@example.com"},
	})
	return dir
}

func newTestPipeline(t *testing.T, mutate func(*Options)) (*Pipeline, *store.Memory, *stubProvider) {
	t.Helper()

	opts := DefaultOptions()
	opts.Domain = "example.com"
	if mutate != nil {
		mutate(&opts)
	}

	st := store.NewMemory()
	t.Cleanup(func() { st.Close() })

	prov := &stubProvider{}
	p, err := New(opts, Hooks{}, Deps{
		Store:     st,
		Directory: testDirectory(),
		Provider:  prov,
	})
	require.NoError(t, err)
	t.Cleanup(p.Stop)
	return p, st, prov
}

func TestSendDeliversInline(t *testing.T) {
	p, _, prov := newTestPipeline(t, nil)

	id, err := p.Send(context.Background(), &message.Message{
		From:    "alice@example.com",
		To:      "bob@example.com",
		Subject: "hello",
		Text:    "hi bob",
	})
	require.NoError(t, err)
	assert.Empty(t, id, "inline delivery of an unstored message has no id")

	require.Equal(t, 1, prov.sentCount())
	got := prov.lastSent()
	assert.Equal(t, "alice", got.FromID)
	assert.Equal(t, "bob", got.ToID)
	assert.Equal(t, "alice_bob", got.ThreadID)
	assert.Equal(t, `"Alice Smith" <user_alice@example.com>`, got.From)
	assert.Equal(t, `"Bob Jones" <bob@example.com>`, got.To)
	assert.Equal(t, "user_alice@example.com", got.ReplyTo)
	assert.Equal(t, "hi bob", got.Text)
	assert.NotEmpty(t, got.HTML, "text body should have been converted to html")
}

func TestSendRendersTemplateWhenLayoutMissing(t *testing.T) {
	tpls := render.NewTemplates()
	require.NoError(t, tpls.Add("notice", "<p>{{.Subject}}</p>"))

	opts := DefaultOptions()
	opts.Domain = "example.com"
	st := store.NewMemory()
	t.Cleanup(func() { st.Close() })
	prov := &stubProvider{}
	p, err := New(opts, Hooks{}, Deps{
		Store:     st,
		Directory: testDirectory(),
		Renderer:  tpls,
		Provider:  prov,
	})
	require.NoError(t, err)
	t.Cleanup(p.Stop)

	_, err = p.Send(context.Background(), &message.Message{
		From:           "alice@example.com",
		To:             "bob@example.com",
		Subject:        "hello",
		Text:           "plain fallback",
		Template:       "notice",
		LayoutTemplate: message.String("gone"),
	})
	require.NoError(t, err)

	require.Equal(t, 1, prov.sentCount())
	assert.Equal(t, "<p>hello</p>", prov.lastSent().HTML,
		"an unregistered layout must not discard the content template")
}

func TestSendQueueStoresPending(t *testing.T) {
	p, st, prov := newTestPipeline(t, func(o *Options) { o.Queue = true })

	id, err := p.Send(context.Background(), &message.Message{
		From:    "alice@example.com",
		To:      "bob@example.com",
		Subject: "queued",
		Text:    "later",
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)
	assert.Zero(t, prov.sentCount(), "queued messages are not delivered inline")

	m, err := st.FindByID(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, m.Pending())
	assert.False(t, m.CreatedAt.IsZero())
}

func TestSendRejectsUnknownSender(t *testing.T) {
	p, _, prov := newTestPipeline(t, nil)

	_, err := p.Send(context.Background(), &message.Message{
		From:    "ghost@example.com",
		To:      "bob@example.com",
		Subject: "boo",
		Text:    "hi",
	})
	rej, ok := AsRejection(err)
	require.True(t, ok, "expected a rejection, got %v", err)
	assert.Equal(t, ReasonMissingSender, rej.Reason)
	assert.Zero(t, prov.sentCount())
}

func TestSendRejectsMissingSubject(t *testing.T) {
	p, _, _ := newTestPipeline(t, nil)

	_, err := p.Send(context.Background(), &message.Message{
		From: "alice@example.com",
		To:   "bob@example.com",
		Text: "no subject",
	})
	rej, ok := AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, ReasonMissingSubject, rej.Reason)
}

func TestSendRejectsMissingBody(t *testing.T) {
	p, _, _ := newTestPipeline(t, nil)

	_, err := p.Send(context.Background(), &message.Message{
		From:    "alice@example.com",
		To:      "bob@example.com",
		Subject: "empty",
	})
	rej, ok := AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, ReasonMissingBody, rej.Reason)
}

func TestRejectionPersistsOnStoredMessage(t *testing.T) {
	ctx := context.Background()
	p, st, _ := newTestPipeline(t, nil)

	id, err := st.Insert(ctx, &message.Message{
		Draft:   message.Bool(true),
		From:    "ghost@example.com",
		To:      "bob@example.com",
		Subject: "stored",
		Text:    "body",
	})
	require.NoError(t, err)

	m, err := st.FindByID(ctx, id)
	require.NoError(t, err)
	m.Draft = nil

	_, err = p.Send(ctx, m)
	rej, ok := AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, ReasonMissingSender, rej.Reason)

	rec, err := st.FindByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, message.StateFailed, rec.Sent.State)
	assert.Equal(t, ReasonMissingSender, rec.RejectionMessage)
	require.NotNil(t, rec.RejectedEmail, "rejection keeps a snapshot of the message")
	assert.Equal(t, "ghost@example.com", rec.RejectedEmail.From)
	assert.Nil(t, rec.Draft, "rejection clears the draft flag")
}

func TestRejectionDiscardRemovesRecord(t *testing.T) {
	ctx := context.Background()
	p, st, _ := newTestPipeline(t, func(o *Options) { o.Persist = false })

	id, err := st.Insert(ctx, &message.Message{
		From:    "ghost@example.com",
		To:      "bob@example.com",
		Subject: "gone",
		Text:    "body",
	})
	require.NoError(t, err)

	m, _ := st.FindByID(ctx, id)
	_, err = p.Send(ctx, m)
	_, ok := AsRejection(err)
	require.True(t, ok)

	_, err = st.FindByID(ctx, id)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeliverClaimIsIdempotent(t *testing.T) {
	ctx := context.Background()
	p, st, prov := newTestPipeline(t, func(o *Options) { o.Queue = true })

	id, err := p.Send(ctx, &message.Message{
		From:    "alice@example.com",
		To:      "bob@example.com",
		Subject: "contended",
		Text:    "once only",
	})
	require.NoError(t, err)

	m, err := st.FindByID(ctx, id)
	require.NoError(t, err)

	const workers = 8
	var wg sync.WaitGroup
	winners := make(chan string, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			deliveredID, err := p.Deliver(ctx, m.Clone())
			if err != nil {
				t.Errorf("deliver errored: %v", err)
				return
			}
			if deliveredID != "" {
				winners <- deliveredID
			}
		}()
	}
	wg.Wait()
	close(winners)

	var wins int
	for range winners {
		wins++
	}
	assert.Equal(t, 1, wins, "exactly one worker should win the claim")
	assert.Equal(t, 1, prov.sentCount(), "message must reach the provider once")

	rec, err := st.FindByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, message.StateDelivered, rec.Sent.State)
	assert.False(t, rec.SentAt.IsZero())
	assert.NotEmpty(t, rec.OutgoingID)
}

func TestDeliverAlreadyDeliveredIsNoOp(t *testing.T) {
	ctx := context.Background()
	p, st, prov := newTestPipeline(t, func(o *Options) { o.Queue = true })

	id, err := p.Send(ctx, &message.Message{
		From:    "alice@example.com",
		To:      "bob@example.com",
		Subject: "twice",
		Text:    "body",
	})
	require.NoError(t, err)
	m, _ := st.FindByID(ctx, id)

	_, err = p.Deliver(ctx, m.Clone())
	require.NoError(t, err)

	deliveredID, err := p.Deliver(ctx, m.Clone())
	require.NoError(t, err)
	assert.Empty(t, deliveredID)
	assert.Equal(t, 1, prov.sentCount())
}

func TestDeliverRefusesDrafts(t *testing.T) {
	p, _, _ := newTestPipeline(t, nil)

	_, err := p.Deliver(context.Background(), &message.Message{
		Draft:   message.Bool(true),
		Subject: "draft",
	})
	assert.ErrorIs(t, err, ErrDeliverDraft)
}

func TestDeliverDiscardRemovesRecord(t *testing.T) {
	ctx := context.Background()
	p, st, prov := newTestPipeline(t, func(o *Options) {
		o.Queue = true
		o.Persist = false
	})

	id, err := p.Send(ctx, &message.Message{
		From:    "alice@example.com",
		To:      "bob@example.com",
		Subject: "ephemeral",
		Text:    "body",
	})
	require.NoError(t, err)
	m, _ := st.FindByID(ctx, id)

	_, err = p.Deliver(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, 1, prov.sentCount())

	_, err = st.FindByID(ctx, id)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestThreadIDSymmetry(t *testing.T) {
	assert.Equal(t, ThreadID("alice", "bob"), ThreadID("bob", "alice"))

	p, _, prov := newTestPipeline(t, nil)
	ctx := context.Background()

	_, err := p.Send(ctx, &message.Message{
		From: "alice@example.com", To: "bob@example.com",
		Subject: "a to b", Text: "x",
	})
	require.NoError(t, err)
	_, err = p.Send(ctx, &message.Message{
		From: "bob@example.com", To: "alice@example.com",
		Subject: "b to a", Text: "y",
	})
	require.NoError(t, err)

	require.Equal(t, 2, prov.sentCount())
	assert.Equal(t, prov.sent[0].ThreadID, prov.sent[1].ThreadID)
}

func TestExplicitThreadIDKept(t *testing.T) {
	p, _, prov := newTestPipeline(t, nil)

	_, err := p.Send(context.Background(), &message.Message{
		From: "alice@example.com", To: "bob@example.com",
		Subject: "keep thread", Text: "x",
		ThreadID: "existing-thread",
	})
	require.NoError(t, err)
	assert.Equal(t, "existing-thread", prov.lastSent().ThreadID)
}

func TestDraftsSkipValidationAndDelivery(t *testing.T) {
	ctx := context.Background()
	p, st, prov := newTestPipeline(t, func(o *Options) {
		o.Queue = true
		o.Autoprocess = true
		o.PollInterval = 20 * time.Millisecond
	})
	require.NoError(t, p.Start(ctx))

	// A draft with no recipient would be rejected if it were validated.
	id, err := p.Send(ctx, &message.Message{
		Draft:   message.Bool(true),
		Subject: "unfinished",
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	time.Sleep(150 * time.Millisecond)
	assert.Zero(t, prov.sentCount(), "drafts must never be delivered")

	m, err := st.FindByID(ctx, id)
	require.NoError(t, err)
	assert.True(t, m.IsDraft())
}

func TestFinalizeDraftReplacesRecord(t *testing.T) {
	ctx := context.Background()
	p, st, _ := newTestPipeline(t, func(o *Options) { o.Queue = true })

	id, err := p.Send(ctx, &message.Message{
		Draft:   message.Bool(true),
		Subject: "wip",
	})
	require.NoError(t, err)

	final := &message.Message{
		ID:      id,
		Draft:   message.Bool(false),
		From:    "alice@example.com",
		To:      "bob@example.com",
		Subject: "done",
		Text:    "final body",
	}
	gotID, err := p.Send(ctx, final)
	require.NoError(t, err)
	assert.Equal(t, id, gotID)

	rec, err := st.FindByID(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, rec.Draft, "finalized record must not stay a draft")
	assert.Equal(t, "done", rec.Subject)
	assert.True(t, rec.Pending(), "finalized draft enters the pending set")
}

func TestFinalizeDraftRequiresID(t *testing.T) {
	p, _, _ := newTestPipeline(t, nil)

	_, err := p.Send(context.Background(), &message.Message{
		Draft:   message.Bool(false),
		Subject: "floating",
	})
	assert.ErrorIs(t, err, ErrDraftNotStored)
}

func TestReceiveRequiresIncomingID(t *testing.T) {
	p, _, _ := newTestPipeline(t, nil)

	err := p.Receive(context.Background(), &message.Message{
		From: "alice@example.com", To: "bob@example.com",
		Subject: "inbound", Text: "x",
	})
	assert.ErrorIs(t, err, ErrMissingIncomingID)
}

func TestReceiveStampsOriginalAndRelays(t *testing.T) {
	ctx := context.Background()
	p, st, _ := newTestPipeline(t, func(o *Options) { o.Queue = true })

	err := p.Receive(ctx, &message.Message{
		From: "alice@example.com", To: "bob@example.com",
		Subject: "inbound", Text: "hello",
		IncomingID: "ext-1",
	})
	require.NoError(t, err)

	m, err := p.LastReceived(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ext-1", m.IncomingID)
	assert.False(t, m.ReceivedAt.IsZero())
	require.NotNil(t, m.Original)
	assert.Equal(t, "alice@example.com", m.Original.From)

	msgs, err := st.List(ctx, store.Filter{HasIncoming: true})
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestReceiveDeduplicatesByIncomingID(t *testing.T) {
	ctx := context.Background()
	p, _, _ := newTestPipeline(t, func(o *Options) { o.Queue = true })

	inbound := &message.Message{
		From: "alice@example.com", To: "bob@example.com",
		Subject: "dup", Text: "once",
		IncomingID: "ext-dup",
	}
	require.NoError(t, p.Receive(ctx, inbound))

	err := p.Receive(ctx, inbound.Clone())
	assert.ErrorIs(t, err, store.ErrDuplicateIncomingID,
		"double ingestion surfaces as a conflict, not a rejection")
}

func TestRejectedInboundIsBounced(t *testing.T) {
	p, _, prov := newTestPipeline(t, nil)

	err := p.Receive(context.Background(), &message.Message{
		From: "alice@example.com", To: "nobody@example.com",
		Subject: "undeliverable", Text: "x",
		IncomingID: "ext-2",
	})
	rej, ok := AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, ReasonMissingRecipient, rej.Reason)
	assert.Equal(t, 1, prov.rejectedCount(), "inbound rejections bounce through the provider")
}

func TestDefaultFromAddressOverride(t *testing.T) {
	p, _, prov := newTestPipeline(t, func(o *Options) {
		o.DefaultFromAddress = "noreply@example.com"
	})

	_, err := p.Send(context.Background(), &message.Message{
		From: "alice@example.com", To: "bob@example.com",
		Subject: "override", Text: "x",
	})
	require.NoError(t, err)
	assert.Equal(t, "noreply@example.com", prov.lastSent().From)
}

func TestProviderFailureLeavesClaimInPlace(t *testing.T) {
	ctx := context.Background()
	p, st, prov := newTestPipeline(t, func(o *Options) { o.Queue = true })
	prov.sendErr = errors.New("relay down")

	id, err := p.Send(ctx, &message.Message{
		From: "alice@example.com", To: "bob@example.com",
		Subject: "stuck", Text: "x",
	})
	require.NoError(t, err)
	m, _ := st.FindByID(ctx, id)

	_, err = p.Deliver(ctx, m)
	require.Error(t, err)

	rec, err := st.FindByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, message.StateClaimed, rec.Sent.State,
		"failed sends keep the claim marker until cleared by hand")
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	p, st, _ := newTestPipeline(t, func(o *Options) { o.Queue = true })

	_, err := p.Send(ctx, &message.Message{
		From: "alice@example.com", To: "bob@example.com",
		Subject: "one", Text: "x",
	})
	require.NoError(t, err)
	_, err = p.Send(ctx, &message.Message{Draft: message.Bool(true), Subject: "wip"})
	require.NoError(t, err)

	id, err := p.Send(ctx, &message.Message{
		From: "bob@example.com", To: "alice@example.com",
		Subject: "two", Text: "y",
	})
	require.NoError(t, err)
	m, _ := st.FindByID(ctx, id)
	_, err = p.Deliver(ctx, m)
	require.NoError(t, err)

	stats, err := p.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, 1, stats.Delivered)
	assert.Equal(t, 1, stats.Drafts)
	assert.Equal(t, 3, stats.Total)
}

func TestPrettyAddress(t *testing.T) {
	tests := []struct {
		name    string
		display string
		want    string
	}{
		{"plain", "Alice Smith", `"Alice Smith" <a@example.com>`},
		{"strips quotes", `Alice "The Boss" Smith`, `"Alice The Boss Smith" <a@example.com>`},
		{"strips angle brackets", "Alice <Smith>", `"Alice Smith" <a@example.com>`},
		{"keeps allowed symbols", "alice+test_1", `"alice+test_1" <a@example.com>`},
		{"empty after stripping", "<<>>", "a@example.com"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PrettyAddress("a@example.com", tt.display))
		})
	}
}
