package pipeline

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cwohlman/mailpipe/internal/message"
	"github.com/cwohlman/mailpipe/internal/store"
)

// autoprocessor drains pending messages in the background. When the
// store can push change notifications it subscribes to them; otherwise
// it polls. An in-process poke channel wakes it immediately after a
// local enqueue so the common case does not wait a poll cycle.
type autoprocessor struct {
	p        *Pipeline
	interval time.Duration
	workers  int

	cancel context.CancelFunc
	done   chan struct{}
	wake   chan struct{}
	stopFn func()
}

func newAutoprocessor(p *Pipeline, interval time.Duration, workers int) *autoprocessor {
	return &autoprocessor{
		p:        p,
		interval: interval,
		workers:  workers,
		done:     make(chan struct{}),
		wake:     make(chan struct{}, 1),
	}
}

func (a *autoprocessor) start(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	a.cancel = cancel

	if w, ok := a.p.store.(store.Watcher); ok {
		stop, err := w.Watch(ctx, func(m *message.Message) {
			a.deliverOne(ctx, m)
		})
		if err != nil {
			cancel()
			// run never launches; stop still waits on done.
			close(a.done)
			return err
		}
		a.stopFn = stop
		a.p.logger.Info("Autoprocessor watching store changes")
	} else {
		a.p.logger.Info("Autoprocessor polling", "interval", a.interval)
	}

	go a.run(ctx)
	return nil
}

func (a *autoprocessor) run(ctx context.Context) {
	defer close(a.done)

	// Initial drain picks up whatever was pending before we started.
	a.drain(ctx)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.drain(ctx)
		case <-a.wake:
			a.drain(ctx)
		}
	}
}

func (a *autoprocessor) stop() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.stopFn != nil {
		a.stopFn()
	}
	<-a.done
}

// poke schedules a drain without blocking the caller.
func (a *autoprocessor) poke() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// drain delivers every currently pending message. The claim protocol
// makes concurrent drains safe; at most one worker wins each record.
func (a *autoprocessor) drain(ctx context.Context) {
	pending, err := a.p.store.List(ctx, store.Pending())
	if err != nil {
		a.p.logger.Error("Listing pending messages failed", "error", err)
		return
	}
	if len(pending) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.workers)
	for _, m := range pending {
		m := m
		g.Go(func() error {
			a.deliverOne(gctx, m)
			return nil
		})
	}
	g.Wait()
}

// deliverOne delivers a single pending message, absorbing errors that
// have no caller to report to.
func (a *autoprocessor) deliverOne(ctx context.Context, m *message.Message) {
	if _, err := a.p.Deliver(ctx, m); err != nil {
		a.p.logger.Error("Background delivery failed", "id", m.ID, "error", err)
	}
}
