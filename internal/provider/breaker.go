package provider

import (
	"context"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/cwohlman/mailpipe/internal/message"
	"github.com/cwohlman/mailpipe/internal/store"
)

// Breaker decorates a Provider with a circuit breaker, shedding delivery
// attempts while the transport is failing instead of hammering it. A
// tripped breaker surfaces as a provider error, which the pipeline
// propagates like any other delivery failure.
type Breaker struct {
	inner Provider
	cb    *gobreaker.CircuitBreaker
}

var _ Provider = (*Breaker)(nil)

// NewBreaker wraps a provider with a circuit breaker. The breaker opens
// when at least five requests in the window have been made and half of
// them failed.
func NewBreaker(inner Provider, name string) *Breaker {
	logger := slog.Default().With("component", "provider-breaker")
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Info("transport circuit breaker state changed",
				"name", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	return &Breaker{inner: inner, cb: cb}
}

// Send delivers through the wrapped provider under breaker control.
func (b *Breaker) Send(ctx context.Context, m *message.Message, update *store.Update) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.inner.Send(ctx, m, update)
	})
	return err
}

// Reject forwards to the wrapped provider's reject hook when it has one.
// Rejects are control traffic and bypass the breaker.
func (b *Breaker) Reject(ctx context.Context, m *message.Message) error {
	if r, ok := b.inner.(Rejecter); ok {
		return r.Reject(ctx, m)
	}
	return nil
}
