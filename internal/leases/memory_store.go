package leases

import (
	"context"
	"sync"
	"time"
)

// MemoryStore backs an embedded poller, where there is nobody to compete
// with, and the package tests.
type MemoryStore struct {
	mu   sync.Mutex
	now  func() time.Time
	rows map[string]Lease
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{now: now, rows: make(map[string]Lease)}
}

func (s *MemoryStore) Claim(_ context.Context, name, owner string, ttl time.Duration) (Lease, bool, error) {
	if err := validate(name, owner, ttl); err != nil {
		return Lease{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cur := s.rows[name]
	if cur.Held(now) && cur.Owner != owner {
		return cur, false, nil
	}
	term := cur.Term
	if !cur.Held(now) {
		term++
	}
	next := Lease{Name: name, Owner: owner, Term: term, ExpiresAt: now.Add(ttl)}
	s.rows[name] = next
	return next, true, nil
}

func (s *MemoryStore) Release(_ context.Context, name, owner string) error {
	if name == "" || owner == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.rows[name]
	switch {
	case !ok:
		return nil
	case cur.Owner != owner:
		return ErrNotOwner
	}
	if now := s.now(); cur.ExpiresAt.After(now) {
		cur.ExpiresAt = now
		s.rows[name] = cur
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, name string) (Lease, error) {
	if name == "" {
		return Lease{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.rows[name]
	if !ok {
		return Lease{}, ErrNotFound
	}
	return cur, nil
}
