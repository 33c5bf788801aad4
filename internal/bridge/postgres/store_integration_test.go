//go:build integration

package postgres

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/juno-intents/cctp-bridge/internal/bridge"
	"github.com/juno-intents/cctp-bridge/internal/notify"
	"github.com/juno-intents/cctp-bridge/internal/pgtest"
)

func newStore(t *testing.T) (*Store, string) {
	t.Helper()
	dsn, pool := pgtest.Start(t)
	s, err := New(pool)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	// Idempotent.
	if err := s.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema #2: %v", err)
	}
	return s, dsn
}

func testTx(id string) bridge.Transaction {
	amt, _ := new(big.Int).SetString("123456789012345678901234567890", 10)
	return bridge.Transaction{
		ID:               id,
		SourceDomain:     25,
		DestDomain:       0,
		Amount:           amt,
		UserAddress:      "0x0512feac6339ff7889822cb5aa2a86c848e9d392bb0e3e237c008674feed8343",
		RecipientAddress: "0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238",
	}
}

func TestStore_Lifecycle(t *testing.T) {
	s, _ := newStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	created, err := s.Create(ctx, testTx("t1"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.Amount.Cmp(testTx("t1").Amount) != 0 {
		t.Fatalf("amount: got %s", created.Amount)
	}
	if _, err := s.Create(ctx, testTx("t1")); !errors.Is(err, bridge.ErrConflict) {
		t.Fatalf("duplicate: expected ErrConflict, got %v", err)
	}

	nonce := "340282366920938463463374607431768211455"
	msg := []byte{0x00, 0x00, 0x00, 0x01, 0x02}
	tx, err := s.RecordBurn(ctx, "t1", bridge.BurnUpdate{TxHash: "0xburn", Message: msg, Nonce: nonce})
	if err != nil {
		t.Fatalf("RecordBurn: %v", err)
	}
	if tx.Status != bridge.StatusBurned || tx.Nonce != nonce || !bytes.Equal(tx.MessageHash, bridge.HashMessage(msg)) {
		t.Fatalf("RecordBurn: %+v", tx)
	}
	if _, err := s.RecordBurn(ctx, "t1", bridge.BurnUpdate{TxHash: "0xburn"}); !errors.Is(err, bridge.ErrAlreadyBurned) {
		t.Fatalf("second RecordBurn: expected ErrAlreadyBurned, got %v", err)
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	pending, err := s.ListPendingAttestations(ctx, now, 10)
	if err != nil {
		t.Fatalf("ListPendingAttestations: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "t1" {
		t.Fatalf("pending: %+v", pending)
	}

	if _, err := s.RecordAttempt(ctx, "t1", now); err != nil {
		t.Fatalf("RecordAttempt: %v", err)
	}
	pending, _ = s.ListPendingAttestations(ctx, now.Add(-5*time.Second), 10)
	if len(pending) != 0 {
		t.Fatalf("recently checked transfer must not be pending: %+v", pending)
	}

	var (
		wg      sync.WaitGroup
		applied atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, ok, err := s.ApplyAttestation(ctx, "t1", bridge.AttestationUpdate{Attestation: []byte{byte(i + 1)}}, now)
			if err != nil {
				t.Errorf("ApplyAttestation: %v", err)
				return
			}
			if ok {
				applied.Add(1)
			}
		}(i)
	}
	wg.Wait()
	if got := applied.Load(); got != 1 {
		t.Fatalf("applied: got %d want 1", got)
	}
	tx, _ = s.Get(ctx, "t1")
	if tx.Status != bridge.StatusAttested || tx.AttestationAttempts != 2 {
		t.Fatalf("after attestation: %+v", tx)
	}

	awaiting, err := s.ListAwaitingDelivery(ctx, 0, 10)
	if err != nil || len(awaiting) != 1 {
		t.Fatalf("ListAwaitingDelivery: %v %+v", err, awaiting)
	}

	if _, err := s.CompleteMint(ctx, "t1", bridge.AutoMintTxHash, true); err != nil {
		t.Fatalf("CompleteMint: %v", err)
	}
	tx, _ = s.Get(ctx, "t1")
	if tx.Status != bridge.StatusCompleted || !tx.AutoMinted || tx.MintTxHash != bridge.AutoMintTxHash {
		t.Fatalf("after mint: %+v", tx)
	}
	if _, err := s.MarkFailed(ctx, "t1", "late"); !errors.Is(err, bridge.ErrInvalidTransition) {
		t.Fatalf("MarkFailed completed: expected ErrInvalidTransition, got %v", err)
	}

	if _, err := s.Create(ctx, testTx("t2")); err != nil {
		t.Fatalf("Create t2: %v", err)
	}
	tx, err = s.MarkFailed(ctx, "t2", "abandoned")
	if err != nil || tx.Status != bridge.StatusFailed || tx.AttestationStatus != bridge.AttestationFailed {
		t.Fatalf("MarkFailed: %+v %v", tx, err)
	}
	if _, err := s.Get(ctx, "missing"); !errors.Is(err, bridge.ErrNotFound) {
		t.Fatalf("Get missing: expected ErrNotFound, got %v", err)
	}
}

func TestStore_ExpireAttestationOnlyWhilePending(t *testing.T) {
	s, _ := newStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, id := range []string{"e1", "e2"} {
		if _, err := s.Create(ctx, testTx(id)); err != nil {
			t.Fatalf("Create(%s): %v", id, err)
		}
		if _, err := s.RecordBurn(ctx, id, bridge.BurnUpdate{TxHash: "0xburn-" + id}); err != nil {
			t.Fatalf("RecordBurn(%s): %v", id, err)
		}
	}

	tx, applied, err := s.ExpireAttestation(ctx, "e1", "timed out")
	if err != nil || !applied || tx.Status != bridge.StatusFailed || tx.AttestationStatus != bridge.AttestationFailed || tx.ErrorMessage != "timed out" {
		t.Fatalf("expire pending: tx=%+v applied=%v err=%v", tx, applied, err)
	}
	tx, applied, err = s.ExpireAttestation(ctx, "e1", "again")
	if err != nil || applied || tx.ErrorMessage != "timed out" {
		t.Fatalf("expire failed: tx=%+v applied=%v err=%v", tx, applied, err)
	}

	if _, ok, err := s.ApplyAttestation(ctx, "e2", bridge.AttestationUpdate{Attestation: []byte{1}}, time.Now()); err != nil || !ok {
		t.Fatalf("ApplyAttestation: ok=%v err=%v", ok, err)
	}
	tx, applied, err = s.ExpireAttestation(ctx, "e2", "timed out")
	if err != nil || applied || tx.Status != bridge.StatusAttested || tx.AttestationStatus != bridge.AttestationComplete {
		t.Fatalf("expire attested: tx=%+v applied=%v err=%v", tx, applied, err)
	}
	if _, err := s.CompleteMint(ctx, "e2", "0xmint", false); err != nil {
		t.Fatalf("CompleteMint after skipped expiry: %v", err)
	}
	if _, _, err := s.ExpireAttestation(ctx, "missing", "timed out"); !errors.Is(err, bridge.ErrNotFound) {
		t.Fatalf("missing: expected ErrNotFound, got %v", err)
	}
}

func TestStore_TriggersNotify(t *testing.T) {
	s, dsn := newStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer conn.Close(context.Background())
	for _, ch := range []string{notify.ChannelAttestationNeeded, notify.ChannelStatusChanged} {
		if _, err := conn.Exec(ctx, "LISTEN "+ch); err != nil {
			t.Fatalf("listen: %v", err)
		}
	}

	if _, err := s.Create(ctx, testTx("t1")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.RecordBurn(ctx, "t1", bridge.BurnUpdate{TxHash: "0xburn", Message: []byte{0x01}}); err != nil {
		t.Fatalf("RecordBurn: %v", err)
	}

	var got []notify.Event
	for len(got) < 3 {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			t.Fatalf("WaitForNotification: %v", err)
		}
		e, err := notify.Decode(n.Channel, []byte(n.Payload))
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		got = append(got, e)
	}

	if got[0].StatusChanged == nil || got[0].StatusChanged.Status != "initiated" {
		t.Fatalf("event 0: %+v", got[0])
	}
	var sawNeeded, sawBurned bool
	for _, e := range got[1:] {
		if e.AttestationNeeded != nil && e.AttestationNeeded.ID == "t1" && len(e.AttestationNeeded.MessageHash) == 66 {
			sawNeeded = true
		}
		if e.StatusChanged != nil && e.StatusChanged.Status == "burned" && e.StatusChanged.BurnTxHash == "0xburn" {
			sawBurned = true
		}
	}
	if !sawNeeded || !sawBurned {
		t.Fatalf("missing notifications: %+v", got)
	}
}
