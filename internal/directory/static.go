package directory

import (
	"context"
	"sync"
)

// Static is an in-memory resolver over a registered identity set. It is
// the default backend and the one tests use.
type Static struct {
	mu        sync.RWMutex
	domain    string
	byID      map[string]*Identity
	byAddress map[string]string // normalized address -> identity id
}

var _ Resolver = (*Static)(nil)

// NewStatic creates an empty static resolver for the given local domain.
func NewStatic(domain string) *Static {
	return &Static{
		domain:    domain,
		byID:      make(map[string]*Identity),
		byAddress: make(map[string]string),
	}
}

// Register adds or replaces an identity.
func (s *Static) Register(id Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.byID[id.ID]; ok {
		for _, addr := range old.Addresses {
			delete(s.byAddress, NormalizeAddress(addr))
		}
	}
	cp := id
	cp.Addresses = append([]string(nil), id.Addresses...)
	s.byID[id.ID] = &cp
	for _, addr := range cp.Addresses {
		s.byAddress[NormalizeAddress(addr)] = id.ID
	}
}

// Lookup resolves an address to an identity using the exact-address or
// embedded-id rule.
func (s *Static) Lookup(ctx context.Context, address string) (*Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if id, ok := s.byAddress[NormalizeAddress(address)]; ok {
		return cloneIdentity(s.byID[id]), nil
	}
	if id, ok := EmbeddedID(address, s.domain); ok {
		if ident, found := s.byID[id]; found {
			return cloneIdentity(ident), nil
		}
	}
	return nil, ErrNotFound
}

// LookupID resolves an identity by its id.
func (s *Static) LookupID(ctx context.Context, id string) (*Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ident, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneIdentity(ident), nil
}

func cloneIdentity(i *Identity) *Identity {
	if i == nil {
		return nil
	}
	cp := *i
	cp.Addresses = append([]string(nil), i.Addresses...)
	return &cp
}
