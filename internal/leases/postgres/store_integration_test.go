//go:build integration

package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/juno-intents/cctp-bridge/internal/leases"
	"github.com/juno-intents/cctp-bridge/internal/pgtest"
)

func TestStore_ClaimRelease(t *testing.T) {
	_, pool := pgtest.Start(t)
	ctx := context.Background()

	s, err := New(pool)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}

	l, ok, err := s.Claim(ctx, "leader", "a", 2*time.Second)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if !ok || l.Owner != "a" || l.Term != 1 {
		t.Fatalf("claim: ok=%v owner=%q term=%d", ok, l.Owner, l.Term)
	}

	l2, ok, err := s.Claim(ctx, "leader", "b", 2*time.Second)
	if err != nil {
		t.Fatalf("Claim #2: %v", err)
	}
	if ok || l2.Owner != "a" {
		t.Fatalf("expected held by a: ok=%v owner=%q", ok, l2.Owner)
	}

	l3, ok, err := s.Claim(ctx, "leader", "a", 2*time.Second)
	if err != nil || !ok {
		t.Fatalf("renew: ok=%v err=%v", ok, err)
	}
	if l3.ExpiresAt.Before(l.ExpiresAt) {
		t.Fatalf("renew moved expiry backwards: %v < %v", l3.ExpiresAt, l.ExpiresAt)
	}
	if l3.Term != 1 {
		t.Fatalf("renew term: got %d want 1", l3.Term)
	}

	if err := s.Release(ctx, "leader", "b"); !errors.Is(err, leases.ErrNotOwner) {
		t.Fatalf("Release by non-owner: got %v want ErrNotOwner", err)
	}

	time.Sleep(2100 * time.Millisecond)
	l4, ok, err := s.Claim(ctx, "leader", "b", 2*time.Second)
	if err != nil {
		t.Fatalf("steal: %v", err)
	}
	if !ok || l4.Owner != "b" || l4.Term != 2 {
		t.Fatalf("steal: ok=%v owner=%q term=%d", ok, l4.Owner, l4.Term)
	}

	if err := s.Release(ctx, "leader", "b"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := s.Release(ctx, "leader", "b"); err != nil {
		t.Fatalf("Release #2: %v", err)
	}
	got, err := s.Get(ctx, "leader")
	if err != nil {
		t.Fatalf("Get after release: %v", err)
	}
	if got.Held(time.Now().Add(time.Second)) {
		t.Fatalf("released lease still live: expires %v", got.ExpiresAt)
	}

	// Released lease is free immediately and the term moves on.
	l5, ok, err := s.Claim(ctx, "leader", "a", 2*time.Second)
	if err != nil || !ok {
		t.Fatalf("claim after release: ok=%v err=%v", ok, err)
	}
	if l5.Term != 3 {
		t.Fatalf("term after release: got %d want 3", l5.Term)
	}

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, leases.ErrNotFound) {
		t.Fatalf("Get missing: got %v want ErrNotFound", err)
	}
}

func TestStore_ElectorSingleLeader(t *testing.T) {
	_, pool := pgtest.Start(t)
	ctx := context.Background()

	s, err := New(pool)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}

	leaders := 0
	for _, owner := range []string{"a", "b", "c"} {
		e, err := leases.NewElector(s, leases.DefaultPollerLease, owner, 10*time.Second)
		if err != nil {
			t.Fatalf("NewElector: %v", err)
		}
		ok, err := e.Tick(ctx)
		if err != nil {
			t.Fatalf("Tick %s: %v", owner, err)
		}
		if ok {
			leaders++
		}
	}
	if leaders != 1 {
		t.Fatalf("leaders: got %d want 1", leaders)
	}
}
