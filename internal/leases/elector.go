package leases

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// DefaultPollerLease is the lease name attestation pollers compete for.
const DefaultPollerLease = "attestation-poller"

// Elector provides "single active poller" semantics on top of a Store. Call
// Tick more often than ttl; it reports whether this instance leads.
type Elector struct {
	store Store
	name  string
	owner string
	ttl   time.Duration

	// OnChange, when set, runs after every Tick or Resign that flips
	// leadership or moves to a new term.
	OnChange func(leading bool, term uint64)

	mu      sync.Mutex
	leading bool
	term    uint64
}

func NewElector(store Store, name, owner string, ttl time.Duration) (*Elector, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidInput)
	}
	if err := validate(name, owner, ttl); err != nil {
		return nil, err
	}
	return &Elector{store: store, name: name, owner: owner, ttl: ttl}, nil
}

func (e *Elector) Owner() string { return e.owner }

// Term is the fencing term of the lease this instance last won, or 0.
func (e *Elector) Term() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.term
}

// Tick claims or renews the lease. A store error drops leadership so a
// partitioned instance stops polling.
func (e *Elector) Tick(ctx context.Context) (bool, error) {
	l, ok, err := e.store.Claim(ctx, e.name, e.owner, e.ttl)
	if err != nil {
		e.set(false, e.Term())
		return false, err
	}
	term := e.Term()
	if ok {
		term = l.Term
	}
	e.set(ok, term)
	return ok, nil
}

// Resign releases the lease so another instance can take over without
// waiting for expiry. Not holding the lease is not an error.
func (e *Elector) Resign(ctx context.Context) error {
	err := e.store.Release(ctx, e.name, e.owner)
	if errors.Is(err, ErrNotOwner) {
		err = nil
	}
	if err == nil {
		e.set(false, e.Term())
	}
	return err
}

func (e *Elector) set(leading bool, term uint64) {
	e.mu.Lock()
	changed := leading != e.leading || term != e.term
	e.leading, e.term = leading, term
	hook := e.OnChange
	e.mu.Unlock()
	if changed && hook != nil {
		hook(leading, term)
	}
}
