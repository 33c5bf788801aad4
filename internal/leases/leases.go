// Package leases keeps a single attestation poller active when several
// processes share one transaction store.
//
// A lease carries a fencing term that grows every time the lease changes
// hands, so a paused leader that wakes up after losing the lease can tell
// its view is stale.
package leases

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidInput = errors.New("leases: invalid input")
	ErrNotFound     = errors.New("leases: not found")
	ErrNotOwner     = errors.New("leases: not owner")
)

type Lease struct {
	Name      string
	Owner     string
	Term      uint64
	ExpiresAt time.Time
}

// Held reports whether the lease is live at now.
func (l Lease) Held(now time.Time) bool {
	return l.Owner != "" && l.ExpiresAt.After(now)
}

// Store is a compare-and-swap lease table.
//
// Claim extends a live lease already held by owner and keeps its term. It
// takes an absent or expired lease and bumps the term. A live lease held by
// someone else is returned unchanged with ok=false.
//
// Release expires the caller's lease immediately but keeps the row so the
// term keeps growing across handovers. Releasing an absent lease is a no-op.
type Store interface {
	Claim(ctx context.Context, name, owner string, ttl time.Duration) (l Lease, ok bool, err error)
	Release(ctx context.Context, name, owner string) error
	Get(ctx context.Context, name string) (Lease, error)
}

func validate(name, owner string, ttl time.Duration) error {
	if name == "" || owner == "" || ttl <= 0 {
		return fmt.Errorf("%w: name/owner must be non-empty and ttl must be > 0", ErrInvalidInput)
	}
	return nil
}
