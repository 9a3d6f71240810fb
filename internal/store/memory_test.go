package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cwohlman/mailpipe/internal/message"
)

func TestMemoryInsertAndFind(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	defer s.Close()

	id, err := s.Insert(ctx, &message.Message{From: "a@example.com", Subject: "hi"})
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if id == "" {
		t.Fatal("insert did not assign an id")
	}

	m, err := s.FindByID(ctx, id)
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if m.Subject != "hi" {
		t.Errorf("expected subject hi, got %q", m.Subject)
	}

	if _, err := s.FindByID(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryFindReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	defer s.Close()

	id, _ := s.Insert(ctx, &message.Message{Subject: "original"})
	m, _ := s.FindByID(ctx, id)
	m.Subject = "mutated"

	again, _ := s.FindByID(ctx, id)
	if again.Subject != "original" {
		t.Error("store returned a shared reference")
	}
}

func TestMemoryClaimProtocol(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	defer s.Close()

	id, _ := s.Insert(ctx, &message.Message{Subject: "claim me"})

	status := message.Claimed("marker-1")
	n, err := s.UpdateWhere(ctx, Filter{ID: id, SentAbsent: true}, Update{Sent: &status})
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 claimed record, got %d", n)
	}

	m, err := s.FindOne(ctx, Filter{Marker: "marker-1"})
	if err != nil {
		t.Fatalf("marker read failed: %v", err)
	}
	if m.ID != id {
		t.Errorf("marker read returned wrong record: %s", m.ID)
	}

	// A second claim with a fresh marker must not match.
	other := message.Claimed("marker-2")
	n, err = s.UpdateWhere(ctx, Filter{ID: id, SentAbsent: true}, Update{Sent: &other})
	if err != nil {
		t.Fatalf("second claim errored: %v", err)
	}
	if n != 0 {
		t.Errorf("second claim matched %d records, want 0", n)
	}
	if _, err := s.FindOne(ctx, Filter{Marker: "marker-2"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("losing marker should find nothing, got %v", err)
	}
}

func TestMemoryConcurrentClaimSingleWinner(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	defer s.Close()

	id, _ := s.Insert(ctx, &message.Message{Subject: "contended"})

	const workers = 16
	var wg sync.WaitGroup
	wins := make(chan int, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			status := message.Claimed(time.Now().Format("150405.000000000") + string(rune('a'+i)))
			n, err := s.UpdateWhere(ctx, Filter{ID: id, SentAbsent: true}, Update{Sent: &status})
			if err != nil {
				t.Errorf("claim errored: %v", err)
				return
			}
			if n == 1 {
				wins <- i
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	var count int
	for range wins {
		count++
	}
	if count != 1 {
		t.Fatalf("expected exactly one winner, got %d", count)
	}
}

func TestMemoryIncomingIDUnique(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	defer s.Close()

	if _, err := s.Insert(ctx, &message.Message{IncomingID: "in-1"}); err != nil {
		t.Fatalf("first insert failed: %v", err)
	}
	_, err := s.Insert(ctx, &message.Message{IncomingID: "in-1"})
	if !errors.Is(err, ErrDuplicateIncomingID) {
		t.Fatalf("expected ErrDuplicateIncomingID, got %v", err)
	}

	// Distinct and absent incoming ids are fine.
	if _, err := s.Insert(ctx, &message.Message{IncomingID: "in-2"}); err != nil {
		t.Errorf("distinct incoming id rejected: %v", err)
	}
	if _, err := s.Insert(ctx, &message.Message{}); err != nil {
		t.Errorf("absent incoming id rejected: %v", err)
	}
	if _, err := s.Insert(ctx, &message.Message{}); err != nil {
		t.Errorf("second absent incoming id rejected: %v", err)
	}
}

func TestMemoryOutgoingIDUnique(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	defer s.Close()

	id1, _ := s.Insert(ctx, &message.Message{})
	id2, _ := s.Insert(ctx, &message.Message{})

	out := "out-1"
	if err := s.Update(ctx, id1, Update{OutgoingID: &out}); err != nil {
		t.Fatalf("first outgoing id failed: %v", err)
	}
	err := s.Update(ctx, id2, Update{OutgoingID: &out})
	if !errors.Is(err, ErrDuplicateOutgoingID) {
		t.Fatalf("expected ErrDuplicateOutgoingID, got %v", err)
	}
}

func TestMemoryPendingFilter(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	defer s.Close()

	pendingID, _ := s.Insert(ctx, &message.Message{Subject: "pending"})
	s.Insert(ctx, &message.Message{Subject: "draft", Draft: message.Bool(true)})

	claimedID, _ := s.Insert(ctx, &message.Message{Subject: "claimed"})
	status := message.Claimed("m")
	s.Update(ctx, claimedID, Update{Sent: &status})

	msgs, err := s.List(ctx, Pending())
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 pending message, got %d", len(msgs))
	}
	if msgs[0].ID != pendingID {
		t.Errorf("wrong pending message: %s", msgs[0].ID)
	}
}

func TestMemoryReplacePreservesID(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	defer s.Close()

	id, _ := s.Insert(ctx, &message.Message{Subject: "draft", Draft: message.Bool(true)})

	final := &message.Message{ID: id, Subject: "final"}
	if err := s.Replace(ctx, id, final); err != nil {
		t.Fatalf("replace failed: %v", err)
	}

	m, _ := s.FindByID(ctx, id)
	if m.Subject != "final" {
		t.Errorf("expected replaced subject, got %q", m.Subject)
	}
	if m.Draft != nil {
		t.Error("replace should have cleared the draft flag")
	}
}

func TestMemoryRemove(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	defer s.Close()

	id, _ := s.Insert(ctx, &message.Message{})
	if err := s.Remove(ctx, id); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if _, err := s.FindByID(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after remove, got %v", err)
	}
}

func TestMemoryWatchNotifiesOnInsert(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	defer s.Close()

	got := make(chan *message.Message, 4)
	stop, err := s.Watch(ctx, func(m *message.Message) {
		got <- m
	})
	if err != nil {
		t.Fatalf("watch failed: %v", err)
	}
	defer stop()

	id, _ := s.Insert(ctx, &message.Message{Subject: "watched"})

	select {
	case m := <-got:
		if m.ID != id {
			t.Errorf("watched wrong message: %s", m.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watch callback never fired")
	}
}
