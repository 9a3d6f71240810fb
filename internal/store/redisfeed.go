package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cwohlman/mailpipe/internal/message"
)

const defaultFeedChannel = "mailpipe:changes"

// RedisFeed decorates a Store with cross-process change notification over
// Redis pub/sub, so autoprocessors on other workers observe records this
// process inserts or updates into the pending set. The feed is purely a
// wake-up signal: the claim protocol against the underlying store remains
// the sole correctness mechanism, and a lost notification is recovered by
// the next drain or poll.
type RedisFeed struct {
	Store

	client  *redis.Client
	channel string
	logger  *slog.Logger
}

var _ Store = (*RedisFeed)(nil)
var _ Watcher = (*RedisFeed)(nil)

// NewRedisFeed wraps the given store with a Redis-backed change feed.
func NewRedisFeed(inner Store, cfg Config) *RedisFeed {
	channel := cfg.RedisChan
	if channel == "" {
		channel = defaultFeedChannel
	}
	return &RedisFeed{
		Store: inner,
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPass,
			DB:       cfg.RedisDB,
		}),
		channel: channel,
		logger:  slog.Default().With("component", "redis-feed", "channel", channel),
	}
}

// Insert stores a new record and announces it when pending.
func (r *RedisFeed) Insert(ctx context.Context, m *message.Message) (string, error) {
	id, err := r.Store.Insert(ctx, m)
	if err != nil {
		return "", err
	}
	r.announce(ctx, id)
	return id, nil
}

// Update applies a partial update and announces the record when it is
// still (or newly) pending afterwards.
func (r *RedisFeed) Update(ctx context.Context, id string, u Update) error {
	if err := r.Store.Update(ctx, id, u); err != nil {
		return err
	}
	r.announce(ctx, id)
	return nil
}

// Replace overwrites a record and announces it when pending.
func (r *RedisFeed) Replace(ctx context.Context, id string, m *message.Message) error {
	if err := r.Store.Replace(ctx, id, m); err != nil {
		return err
	}
	r.announce(ctx, id)
	return nil
}

// announce publishes the record id if the record is currently in the
// pending set. Publish failures are logged and dropped: losing a wake-up
// never loses a message, only delays it until the next poll.
func (r *RedisFeed) announce(ctx context.Context, id string) {
	m, err := r.Store.FindByID(ctx, id)
	if err != nil || !m.Pending() {
		return
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		r.logger.Warn("failed to publish change notification", "id", id, "error", err)
	}
}

// Watch subscribes to the change channel and invokes fn for every
// announced pending record until ctx is done or stop is called.
func (r *RedisFeed) Watch(ctx context.Context, fn func(m *message.Message)) (func(), error) {
	sub := r.client.Subscribe(ctx, r.channel)

	// Force the subscription to be established before returning, so a
	// caller that inserts right after Watch does not race the subscribe.
	readyCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := sub.Receive(readyCtx); err != nil {
		sub.Close()
		return nil, err
	}

	watchCtx, stop := context.WithCancel(ctx)
	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-watchCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var m message.Message
				if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
					r.logger.Warn("dropping malformed change notification", "error", err)
					continue
				}
				if m.Pending() {
					fn(&m)
				}
			}
		}
	}()

	return stop, nil
}

// Close closes the feed client and the underlying store.
func (r *RedisFeed) Close() error {
	if err := r.client.Close(); err != nil {
		r.logger.Warn("failed to close redis client", "error", err)
	}
	return r.Store.Close()
}
