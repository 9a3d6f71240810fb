package store

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/cwohlman/mailpipe/internal/message"
)

// Memory implements the Store interface with an in-process map. It is the
// reference implementation for the claim semantics and the default backend
// in tests. All mutation happens under one mutex, which gives UpdateWhere
// the required atomicity for free.
type Memory struct {
	mu       sync.Mutex
	records  map[string]*message.Message
	order    []string // insertion order, for stable listings
	watchers map[int]func(*message.Message)
	nextW    int
}

var _ Store = (*Memory)(nil)
var _ Watcher = (*Memory)(nil)

// NewMemory creates a new in-memory store.
func NewMemory() *Memory {
	return &Memory{
		records:  make(map[string]*message.Message),
		watchers: make(map[int]func(*message.Message)),
	}
}

// Insert stores a new record and returns its assigned id.
func (s *Memory) Insert(ctx context.Context, m *message.Message) (string, error) {
	s.mu.Lock()

	if err := s.checkUnique(m, ""); err != nil {
		s.mu.Unlock()
		return "", err
	}

	rec := m.Clone()
	rec.ID = uuid.NewString()
	s.records[rec.ID] = rec
	s.order = append(s.order, rec.ID)

	notify := s.pendingSnapshot(rec)
	s.mu.Unlock()

	s.notify(notify)
	return rec.ID, nil
}

// FindByID retrieves a record by id.
func (s *Memory) FindByID(ctx context.Context, id string) (*message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

// FindOne retrieves the first record matching the filter.
func (s *Memory) FindOne(ctx context.Context, f Filter) (*message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.order {
		if rec := s.records[id]; rec != nil && f.Matches(rec) {
			return rec.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

// List retrieves all records matching the filter in insertion order.
func (s *Memory) List(ctx context.Context, f Filter) ([]*message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*message.Message
	for _, id := range s.order {
		if rec := s.records[id]; rec != nil && f.Matches(rec) {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}

// Update applies a partial update to the record with the given id.
func (s *Memory) Update(ctx context.Context, id string, u Update) error {
	s.mu.Lock()

	rec, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	if err := s.checkUniqueUpdate(rec, u); err != nil {
		s.mu.Unlock()
		return err
	}
	u.Apply(rec)

	notify := s.pendingSnapshot(rec)
	s.mu.Unlock()

	s.notify(notify)
	return nil
}

// UpdateWhere atomically applies the update to every matching record and
// returns the match count. Holding the store mutex across match and write
// is what totally orders concurrent claim attempts on one record.
func (s *Memory) UpdateWhere(ctx context.Context, f Filter, u Update) (int, error) {
	s.mu.Lock()

	matched := 0
	var notify []*message.Message
	for _, id := range s.order {
		rec := s.records[id]
		if rec == nil || !f.Matches(rec) {
			continue
		}
		u.Apply(rec)
		matched++
		if snap := s.pendingSnapshot(rec); snap != nil {
			notify = append(notify, snap)
		}
	}
	s.mu.Unlock()

	for _, m := range notify {
		s.notify(m)
	}
	return matched, nil
}

// Replace overwrites all fields of the record, keeping the id.
func (s *Memory) Replace(ctx context.Context, id string, m *message.Message) error {
	s.mu.Lock()

	if _, ok := s.records[id]; !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	if err := s.checkUnique(m, id); err != nil {
		s.mu.Unlock()
		return err
	}
	rec := m.Clone()
	rec.ID = id
	s.records[id] = rec

	notify := s.pendingSnapshot(rec)
	s.mu.Unlock()

	s.notify(notify)
	return nil
}

// Remove deletes the record with the given id.
func (s *Memory) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[id]; !ok {
		return ErrNotFound
	}
	delete(s.records, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// Watch registers fn to be called for every record entering or changing
// within the pending set.
func (s *Memory) Watch(ctx context.Context, fn func(m *message.Message)) (func(), error) {
	s.mu.Lock()
	id := s.nextW
	s.nextW++
	s.watchers[id] = fn
	s.mu.Unlock()

	stop := func() {
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
	}

	go func() {
		<-ctx.Done()
		stop()
	}()

	return stop, nil
}

// Close releases the store's resources.
func (s *Memory) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchers = make(map[int]func(*message.Message))
	return nil
}

// pendingSnapshot returns a clone of rec if it belongs to the pending set,
// so it can be handed to watchers outside the lock.
func (s *Memory) pendingSnapshot(rec *message.Message) *message.Message {
	if len(s.watchers) == 0 || !rec.Pending() {
		return nil
	}
	return rec.Clone()
}

func (s *Memory) notify(m *message.Message) {
	if m == nil {
		return
	}
	s.mu.Lock()
	fns := make([]func(*message.Message), 0, len(s.watchers))
	for _, fn := range s.watchers {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(m.Clone())
	}
}

// checkUnique enforces the sparse unique constraints on incoming and
// outgoing ids. selfID exempts the record being replaced.
func (s *Memory) checkUnique(m *message.Message, selfID string) error {
	for id, rec := range s.records {
		if id == selfID {
			continue
		}
		if m.IncomingID != "" && rec.IncomingID == m.IncomingID {
			return ErrDuplicateIncomingID
		}
		if m.OutgoingID != "" && rec.OutgoingID == m.OutgoingID {
			return ErrDuplicateOutgoingID
		}
	}
	return nil
}

func (s *Memory) checkUniqueUpdate(rec *message.Message, u Update) error {
	if u.OutgoingID == nil || *u.OutgoingID == "" {
		return nil
	}
	for id, other := range s.records {
		if id != rec.ID && other.OutgoingID == *u.OutgoingID {
			return ErrDuplicateOutgoingID
		}
	}
	return nil
}
