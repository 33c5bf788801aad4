package queue

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
)

func TestConfigValidation(t *testing.T) {
	t.Parallel()

	kafkaSrc := func(brokers []string, group string) Config {
		return Config{Driver: DriverKafka, Brokers: brokers, Group: group}
	}
	cases := []struct {
		name   string
		source bool
		cfg    Config
	}{
		{name: "publisher unknown driver", cfg: Config{Driver: "nats"}},
		{name: "publisher no brokers", cfg: Config{Driver: DriverKafka}},
		{name: "publisher blank brokers", cfg: Config{Driver: DriverKafka, Brokers: []string{" ", ""}}},
		{name: "source unknown driver", source: true, cfg: Config{Driver: "nats"}},
		{name: "source no brokers", source: true, cfg: kafkaSrc(nil, "attestation-poller")},
		{name: "source no group", source: true, cfg: kafkaSrc([]string{"127.0.0.1:9092"}, " ")},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			var err error
			if tc.source {
				var s Source
				s, err = NewSource(context.Background(), tc.cfg)
				if s != nil {
					t.Fatalf("source returned with error")
				}
			} else {
				var p Publisher
				p, err = NewPublisher(tc.cfg)
				if p != nil {
					t.Fatalf("publisher returned with error")
				}
			}
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("got %v want ErrInvalidConfig", err)
			}
		})
	}
}

func TestConfigTopicDefaultsToEvents(t *testing.T) {
	t.Parallel()

	if got := (Config{}).topic(); got != TopicEvents {
		t.Fatalf("default topic: got %q want %q", got, TopicEvents)
	}
	if got := (Config{Topic: " bridge.audit.v1 "}).topic(); got != "bridge.audit.v1" {
		t.Fatalf("topic: got %q", got)
	}
}

func TestLineRoundTripKeepsTransferOrder(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	p, err := NewPublisher(Config{Driver: DriverStdio, Writer: &out})
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}
	in := []Record{
		{TransferID: "t1", Channel: "bridge_attestation_needed", Payload: []byte(`{"id":"t1"}`)},
		{TransferID: "t1", Channel: "bridge_status_changed", Payload: []byte(`{"id":"t1","status":"attested"}`)},
		{TransferID: "t2", Payload: []byte(`{"id":"t2"}`)},
	}
	for _, r := range in {
		if err := p.Publish(context.Background(), r); err != nil {
			t.Fatalf("Publish(%s): %v", r.TransferID, err)
		}
	}
	if want := "t1\tbridge_attestation_needed\t{\"id\":\"t1\"}\n"; !strings.HasPrefix(out.String(), want) {
		t.Fatalf("line format: got %q", out.String())
	}

	s, err := NewSource(context.Background(), Config{Driver: DriverStdio, Reader: strings.NewReader(out.String() + "\n")})
	if err != nil {
		t.Fatalf("NewSource: %v", err)
	}
	defer func() { _ = s.Close() }()

	var got []Record
	for r := range s.Records() {
		if err := r.Commit(context.Background()); err != nil {
			t.Fatalf("Commit: %v", err)
		}
		got = append(got, r)
	}
	if len(got) != len(in) {
		t.Fatalf("records: got %d want %d", len(got), len(in))
	}
	for i := range in {
		if got[i].TransferID != in[i].TransferID || got[i].Channel != in[i].Channel || !bytes.Equal(got[i].Payload, in[i].Payload) {
			t.Fatalf("record %d: got %+v want %+v", i, got[i], in[i])
		}
		if got[i].Time.IsZero() {
			t.Fatalf("record %d: receive time not stamped", i)
		}
	}
}

func TestLineSourceTakesBarePayloads(t *testing.T) {
	t.Parallel()

	s, err := NewSource(context.Background(), Config{Driver: DriverStdio, Reader: strings.NewReader("{\"version\":\"bridge.notify.v1\"}\n")})
	if err != nil {
		t.Fatalf("NewSource: %v", err)
	}
	defer func() { _ = s.Close() }()

	select {
	case r, ok := <-s.Records():
		if !ok {
			t.Fatalf("records closed early")
		}
		if r.TransferID != "" || string(r.Payload) != `{"version":"bridge.notify.v1"}` {
			t.Fatalf("got %+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for record")
	}
}

func TestLineSourceReportsOversizedLine(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("x", 64)
	s, err := NewSource(context.Background(), Config{Driver: DriverStdio, Reader: strings.NewReader(long + "\n"), MaxLineBytes: 16})
	if err != nil {
		t.Fatalf("NewSource: %v", err)
	}
	defer func() { _ = s.Close() }()

	select {
	case err := <-s.Errors():
		if err == nil {
			t.Fatalf("expected scanner error")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for error")
	}
	if _, ok := <-s.Records(); ok {
		t.Fatalf("oversized line delivered")
	}
}

func TestPublishRejectsUnkeyedRecords(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	p, err := NewPublisher(Config{Driver: DriverStdio, Writer: &out})
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}
	for _, r := range []Record{
		{Payload: []byte("{}")},
		{TransferID: "  ", Payload: []byte("{}")},
		{TransferID: "t1"},
	} {
		if err := p.Publish(context.Background(), r); !errors.Is(err, ErrInvalidRecord) {
			t.Fatalf("Publish(%+v): got %v want ErrInvalidRecord", r, err)
		}
	}
	if out.Len() != 0 {
		t.Fatalf("invalid records written: %q", out.String())
	}
}

func TestFromKafkaReadsKeyAndChannel(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	value := []byte(`{"id":"t9"}`)
	m := kafka.Message{
		Key:     []byte("t9"),
		Value:   value,
		Time:    at,
		Headers: []kafka.Header{{Key: "trace", Value: []byte("x")}, {Key: HeaderChannel, Value: []byte("bridge_status_changed")}},
	}
	r := fromKafka(m)
	if r.TransferID != "t9" || r.Channel != "bridge_status_changed" || !r.Time.Equal(at) {
		t.Fatalf("got %+v", r)
	}
	value[0] = 'X'
	if r.Payload[0] != '{' {
		t.Fatalf("payload aliases the fetch buffer")
	}
	if err := r.Commit(context.Background()); err != nil {
		t.Fatalf("Commit without offset: %v", err)
	}
}

func TestUseTLS(t *testing.T) {
	cases := []struct {
		env  string
		want bool
	}{
		{env: "", want: false},
		{env: "0", want: false},
		{env: "off", want: false},
		{env: "1", want: true},
		{env: " ON ", want: true},
		{env: "yes", want: true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run("env="+tc.env, func(t *testing.T) {
			t.Setenv(envKafkaTLS, tc.env)
			if got := useTLS(false) != nil; got != tc.want {
				t.Fatalf("useTLS(false): got %v want %v", got, tc.want)
			}
			if useTLS(true) == nil {
				t.Fatalf("explicit flag must enable tls")
			}
		})
	}
}

func TestSplitBrokers(t *testing.T) {
	t.Parallel()

	got := SplitBrokers(" kafka-1:9092, ,kafka-2:9092 ,")
	if len(got) != 2 || got[0] != "kafka-1:9092" || got[1] != "kafka-2:9092" {
		t.Fatalf("got %#v", got)
	}
	if SplitBrokers("   ") != nil {
		t.Fatalf("blank list: expected nil")
	}
}
