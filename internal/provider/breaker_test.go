package provider

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwohlman/mailpipe/internal/message"
	"github.com/cwohlman/mailpipe/internal/store"
)

type flakyProvider struct {
	err     error
	sends   int
	rejects int
}

func (f *flakyProvider) Send(ctx context.Context, m *message.Message, update *store.Update) error {
	f.sends++
	return f.err
}

func (f *flakyProvider) Reject(ctx context.Context, m *message.Message) error {
	f.rejects++
	return nil
}

func TestBreakerPassesThroughSuccess(t *testing.T) {
	inner := &flakyProvider{}
	b := NewBreaker(inner, "test")

	for i := 0; i < 10; i++ {
		require.NoError(t, b.Send(context.Background(), &message.Message{}, &store.Update{}))
	}
	assert.Equal(t, 10, inner.sends)
}

func TestBreakerOpensAfterFailures(t *testing.T) {
	inner := &flakyProvider{err: errors.New("relay down")}
	b := NewBreaker(inner, "test")

	// Enough consecutive failures to trip the breaker.
	for i := 0; i < 6; i++ {
		b.Send(context.Background(), &message.Message{}, &store.Update{})
	}
	sendsBeforeOpen := inner.sends

	err := b.Send(context.Background(), &message.Message{}, &store.Update{})
	require.Error(t, err)
	assert.Equal(t, sendsBeforeOpen, inner.sends,
		"an open breaker must not reach the transport")
}

func TestBreakerRejectBypassesBreaker(t *testing.T) {
	inner := &flakyProvider{err: errors.New("relay down")}
	b := NewBreaker(inner, "test")

	for i := 0; i < 6; i++ {
		b.Send(context.Background(), &message.Message{}, &store.Update{})
	}

	require.NoError(t, b.Reject(context.Background(), &message.Message{}))
	assert.Equal(t, 1, inner.rejects, "bounces are control traffic and always pass")
}
