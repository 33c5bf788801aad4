//go:build integration

package postgres

import (
	"context"
	"testing"

	"github.com/juno-intents/cctp-bridge/internal/chains"
	"github.com/juno-intents/cctp-bridge/internal/pgtest"
)

func TestStore_UpsertLoadFeedsRegistry(t *testing.T) {
	_, pool := pgtest.Start(t)
	ctx := context.Background()

	s, err := New(pool)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}

	seed, err := chains.FileLoader{Path: "../testdata/chains.yaml"}.Load(ctx)
	if err != nil {
		t.Fatalf("load seed: %v", err)
	}
	if err := s.Upsert(ctx, seed); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != len(seed) {
		t.Fatalf("len: got %d want %d", len(got), len(seed))
	}
	for i := 1; i < len(got); i++ {
		if got[i-1].Domain >= got[i].Domain {
			t.Fatalf("not ordered by domain: %d then %d", got[i-1].Domain, got[i].Domain)
		}
	}

	// Re-import flips a chain off without duplicating rows.
	for i := range seed {
		if seed[i].Domain == 0 {
			seed[i].IsEnabled = false
			seed[i].ExplorerURL = ""
		}
	}
	if err := s.Upsert(ctx, seed); err != nil {
		t.Fatalf("Upsert #2: %v", err)
	}

	reg := chains.NewRegistry()
	rl, err := chains.NewReloader(chains.ReloaderConfig{}, reg, s, nil)
	if err != nil {
		t.Fatalf("NewReloader: %v", err)
	}
	if err := rl.Reload(ctx); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if n := len(reg.List()); n != len(seed) {
		t.Fatalf("registry size: got %d want %d", n, len(seed))
	}
	eth, ok := reg.Get(0)
	if !ok {
		t.Fatalf("domain 0 missing")
	}
	if eth.IsEnabled || eth.ExplorerURL != "" {
		t.Fatalf("domain 0 after re-import: enabled=%v explorer=%q", eth.IsEnabled, eth.ExplorerURL)
	}
	if _, err := reg.Require(0); err == nil {
		t.Fatalf("Require(disabled): expected error")
	}
	if _, err := reg.Require(25); err != nil {
		t.Fatalf("Require(25): %v", err)
	}
}
