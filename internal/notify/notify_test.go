package notify

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/juno-intents/cctp-bridge/internal/queue"
)

func TestDecode_IgnoresUnknownFields(t *testing.T) {
	t.Parallel()

	ev, err := Decode(ChannelAttestationNeeded, []byte(`{"id":"t1","messageHash":"0xab","attempts":3,"extra":"x"}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ev.AttestationNeeded == nil || ev.StatusChanged != nil {
		t.Fatalf("wrong payload: %+v", ev)
	}
	if ev.ID() != "t1" || ev.AttestationNeeded.MessageHash != "0xab" || ev.AttestationNeeded.Attempts != 3 {
		t.Fatalf("got %+v", ev.AttestationNeeded)
	}

	ev, err = Decode(ChannelStatusChanged, []byte(`{"id":"t2","status":"attested","attestationStatus":"complete","hasAttestation":true,"newField":1}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if sc := ev.StatusChanged; sc == nil || sc.Status != "attested" || !sc.HasAttestation {
		t.Fatalf("got %+v", ev.StatusChanged)
	}
}

func TestDecode_Rejects(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		channel string
		payload string
	}{
		{"unknown channel", "other", `{"id":"x"}`},
		{"missing id", ChannelStatusChanged, `{"status":"burned"}`},
		{"bad json", ChannelAttestationNeeded, `{"id":`},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := Decode(tc.channel, []byte(tc.payload)); !errors.Is(err, ErrInvalidEvent) {
				t.Fatalf("got %v want ErrInvalidEvent", err)
			}
		})
	}
}

func TestEnvelope(t *testing.T) {
	t.Parallel()

	in := Event{Channel: ChannelStatusChanged, StatusChanged: &StatusChanged{ID: "t1", Status: "completed", MintTxHash: "0x1"}}
	b, err := MarshalEnvelope(in)
	if err != nil {
		t.Fatalf("MarshalEnvelope: %v", err)
	}
	out, err := UnmarshalEnvelope(b)
	if err != nil {
		t.Fatalf("UnmarshalEnvelope: %v", err)
	}
	if out.Channel != in.Channel || *out.StatusChanged != *in.StatusChanged {
		t.Fatalf("got %+v want %+v", out.StatusChanged, in.StatusChanged)
	}

	if _, err := UnmarshalEnvelope([]byte(`{"version":"v0","channel":"bridge_status_changed","payload":{"id":"x"}}`)); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("old version: got %v", err)
	}
	if _, err := MarshalEnvelope(Event{Channel: ChannelAttestationNeeded}); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("empty event: got %v", err)
	}
}

func needed(id string) Event {
	return Event{Channel: ChannelAttestationNeeded, AttestationNeeded: &AttestationNeeded{ID: id, MessageHash: "0x01"}}
}

func TestBus_FanOutAndDrop(t *testing.T) {
	t.Parallel()

	b := NewBus()
	fast := b.Subscribe(4)
	slow := b.Subscribe(1)

	for _, id := range []string{"a", "b"} {
		if err := b.Publish(context.Background(), needed(id)); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	for _, want := range []string{"a", "b"} {
		if got := (<-fast.Events()).ID(); got != want {
			t.Fatalf("fast: got %q want %q", got, want)
		}
	}
	if got := (<-slow.Events()).ID(); got != "a" {
		t.Fatalf("slow: got %q want a", got)
	}
	select {
	case e := <-slow.Events():
		t.Fatalf("slow subscriber should have dropped b, got %q", e.ID())
	default:
	}

	if err := slow.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, ok := <-slow.Events(); ok {
		t.Fatalf("closed subscriber channel still open")
	}
	if err := b.Publish(context.Background(), needed("c")); err != nil {
		t.Fatalf("Publish after unsubscribe: %v", err)
	}
	if got := (<-fast.Events()).ID(); got != "c" {
		t.Fatalf("fast: got %q want c", got)
	}

	_ = b.Close()
	if err := b.Publish(context.Background(), needed("d")); !errors.Is(err, ErrClosed) {
		t.Fatalf("Publish after Close: got %v", err)
	}
	if _, ok := <-fast.Events(); ok {
		t.Fatalf("bus close must close subscriber channels")
	}
	_ = fast.Close()
}

func TestBus_RejectsEventWithoutID(t *testing.T) {
	t.Parallel()

	if err := NewBus().Publish(context.Background(), Event{Channel: ChannelStatusChanged}); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("got %v", err)
	}
}

func TestMultiPublisher_ReturnsFirstErrorAfterAll(t *testing.T) {
	t.Parallel()

	b := NewBus()
	sub := b.Subscribe(1)
	closed := NewBus()
	_ = closed.Close()

	err := MultiPublisher{closed, nil, b}.Publish(context.Background(), needed("x"))
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("got %v want ErrClosed", err)
	}
	if got := (<-sub.Events()).ID(); got != "x" {
		t.Fatalf("later publisher skipped: got %q", got)
	}
}

func TestQueueForwarderAndSubscriber(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	p, err := queue.NewPublisher(queue.Config{Driver: queue.DriverStdio, Writer: &out})
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}
	fwd, err := NewQueueForwarder(p)
	if err != nil {
		t.Fatalf("NewQueueForwarder: %v", err)
	}
	if err := fwd.Publish(context.Background(), needed("t1")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if !strings.HasPrefix(out.String(), "t1\t"+ChannelAttestationNeeded+"\t") {
		t.Fatalf("record not keyed by transfer: %q", out.String())
	}
	out.WriteString("t1\tbridge_status_changed\tnot json\n")
	if err := fwd.Publish(context.Background(), Event{Channel: ChannelStatusChanged, StatusChanged: &StatusChanged{ID: "t1", Status: "attested"}}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if _, err := NewQueueForwarder(nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("nil publisher: got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	src, err := queue.NewSource(ctx, queue.Config{Driver: queue.DriverStdio, Reader: strings.NewReader(out.String())})
	if err != nil {
		t.Fatalf("NewSource: %v", err)
	}
	sub, err := NewQueueSubscriber(ctx, src, nil)
	if err != nil {
		t.Fatalf("NewQueueSubscriber: %v", err)
	}
	defer sub.Close()

	var got []Event
	for e := range sub.Events() {
		got = append(got, e)
	}
	if len(got) != 2 {
		t.Fatalf("events: got %d want 2 (malformed line dropped)", len(got))
	}
	if got[0].AttestationNeeded == nil || got[0].ID() != "t1" {
		t.Fatalf("first: got %+v", got[0])
	}
	if got[1].StatusChanged == nil || got[1].StatusChanged.Status != "attested" {
		t.Fatalf("second: got %+v", got[1])
	}
}

func TestForward(t *testing.T) {
	t.Parallel()

	src := NewBus()
	dst := NewBus()
	in := src.Subscribe(4)
	out := dst.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		Forward(ctx, in, dst, nil)
		close(done)
	}()

	if err := src.Publish(ctx, needed("f1")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	select {
	case e := <-out.Events():
		if e.ID() != "f1" {
			t.Fatalf("got %q", e.ID())
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for forwarded event")
	}
	cancel()
	<-done
}

func TestConstructorsRejectBadConfig(t *testing.T) {
	t.Parallel()

	if _, err := NewQueueForwarder(nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("nil producer: got %v", err)
	}
	if _, err := NewQueueSubscriber(context.Background(), nil, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("nil consumer: got %v", err)
	}
	if _, err := NewPGListener(context.Background(), PGListenerConfig{}, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("missing dsn: got %v", err)
	}
}
