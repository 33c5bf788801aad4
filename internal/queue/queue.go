// Package queue carries bridge events between processes. Kafka is the
// production driver; stdio writes and reads one record per line for local runs.
//
// Records are keyed by transfer id, so every event for one transfer lands on
// the same partition in the order it was published.
package queue

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

const (
	DriverKafka = "kafka"
	DriverStdio = "stdio"
)

// TopicEvents is the default topic for bridge event envelopes.
const TopicEvents = "bridge.events.v1"

// HeaderChannel names the notify channel of a record, so consumers can route
// without decoding the payload.
const HeaderChannel = "bridge-channel"

const envKafkaTLS = "BRIDGE_QUEUE_KAFKA_TLS"

var (
	ErrInvalidConfig = errors.New("queue: invalid config")
	ErrInvalidRecord = errors.New("queue: invalid record")
)

// Record is one bridge event on the wire.
type Record struct {
	TransferID string
	Channel    string
	Payload    []byte
	// Time is the broker timestamp (kafka) or local receive time (stdio).
	Time time.Time

	commit func(context.Context) error
}

// Commit marks the record consumed. Drivers without offsets ignore it.
func (r Record) Commit(ctx context.Context) error {
	if r.commit == nil {
		return nil
	}
	return r.commit(ctx)
}

func (r Record) validate() error {
	if strings.TrimSpace(r.TransferID) == "" {
		return fmt.Errorf("%w: missing transfer id", ErrInvalidRecord)
	}
	if len(r.Payload) == 0 {
		return fmt.Errorf("%w: empty payload for %s", ErrInvalidRecord, r.TransferID)
	}
	return nil
}

// Publisher sends records to the configured topic.
type Publisher interface {
	Publish(ctx context.Context, r Record) error
	Close() error
}

// Source yields records until it is closed or its input ends, then closes
// both channels.
type Source interface {
	Records() <-chan Record
	Errors() <-chan error
	Close() error
}

type Config struct {
	Driver string

	// Kafka.
	Brokers []string
	Topic   string
	// Group is the consumer group; sources only.
	Group string
	TLS   bool
	// BatchTimeout bounds how long the writer holds a partial batch.
	BatchTimeout time.Duration
	MaxBytes     int

	// Stdio.
	Reader       io.Reader
	Writer       io.Writer
	MaxLineBytes int
}

func (c Config) topic() string {
	if t := strings.TrimSpace(c.Topic); t != "" {
		return t
	}
	return TopicEvents
}

func NewPublisher(cfg Config) (Publisher, error) {
	switch driver(cfg.Driver) {
	case DriverKafka:
		p, err := newKafkaPublisher(cfg)
		if err != nil {
			return nil, err
		}
		return p, nil
	case DriverStdio:
		return newLinePublisher(cfg), nil
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

func NewSource(ctx context.Context, cfg Config) (Source, error) {
	switch driver(cfg.Driver) {
	case DriverKafka:
		src, err := newKafkaSource(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return src, nil
	case DriverStdio:
		return newLineSource(ctx, cfg), nil
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

func driver(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return DriverKafka
	}
	return v
}

// SplitBrokers parses a comma separated broker list, skipping blanks.
func SplitBrokers(s string) []string {
	var out []string
	for _, b := range strings.Split(s, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// useTLS honours the config flag, then BRIDGE_QUEUE_KAFKA_TLS.
func useTLS(explicit bool) *tls.Config {
	on := explicit
	if !on {
		switch strings.ToLower(strings.TrimSpace(os.Getenv(envKafkaTLS))) {
		case "1", "true", "yes", "on":
			on = true
		}
	}
	if !on {
		return nil
	}
	return &tls.Config{MinVersion: tls.VersionTLS12}
}
