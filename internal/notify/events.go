// Package notify carries the transaction store's change events from the
// store to the attestation poller and other consumers.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	ChannelAttestationNeeded = "attestation_needed"
	ChannelStatusChanged     = "bridge_status_changed"
)

var (
	ErrInvalidConfig = errors.New("notify: invalid config")
	ErrInvalidEvent  = errors.New("notify: invalid event")
	ErrClosed        = errors.New("notify: closed")
)

// AttestationNeeded is emitted when a transfer enters burned with a message hash.
type AttestationNeeded struct {
	ID          string `json:"id"`
	MessageHash string `json:"messageHash"`
	Attempts    int    `json:"attempts"`
}

// StatusChanged is emitted when status, attestation status or attestation
// presence changes.
type StatusChanged struct {
	ID                string `json:"id"`
	Status            string `json:"status"`
	AttestationStatus string `json:"attestationStatus"`
	HasAttestation    bool   `json:"hasAttestation"`
	BurnTxHash        string `json:"burnTxHash,omitempty"`
	MintTxHash        string `json:"mintTxHash,omitempty"`
	ErrorMessage      string `json:"errorMessage,omitempty"`
}

// Event holds exactly one payload matching Channel.
type Event struct {
	Channel           string
	AttestationNeeded *AttestationNeeded
	StatusChanged     *StatusChanged
}

func (e Event) ID() string {
	switch {
	case e.AttestationNeeded != nil:
		return e.AttestationNeeded.ID
	case e.StatusChanged != nil:
		return e.StatusChanged.ID
	default:
		return ""
	}
}

// Decode parses a channel payload. Unknown fields are ignored.
func Decode(channel string, payload []byte) (Event, error) {
	switch channel {
	case ChannelAttestationNeeded:
		var v AttestationNeeded
		if err := json.Unmarshal(payload, &v); err != nil {
			return Event{}, fmt.Errorf("%w: %s: %v", ErrInvalidEvent, channel, err)
		}
		if v.ID == "" {
			return Event{}, fmt.Errorf("%w: %s: missing id", ErrInvalidEvent, channel)
		}
		return Event{Channel: channel, AttestationNeeded: &v}, nil
	case ChannelStatusChanged:
		var v StatusChanged
		if err := json.Unmarshal(payload, &v); err != nil {
			return Event{}, fmt.Errorf("%w: %s: %v", ErrInvalidEvent, channel, err)
		}
		if v.ID == "" {
			return Event{}, fmt.Errorf("%w: %s: missing id", ErrInvalidEvent, channel)
		}
		return Event{Channel: channel, StatusChanged: &v}, nil
	default:
		return Event{}, fmt.Errorf("%w: unknown channel %q", ErrInvalidEvent, channel)
	}
}

// Payload encodes the event body as published on its channel.
func (e Event) Payload() ([]byte, error) {
	switch {
	case e.Channel == ChannelAttestationNeeded && e.AttestationNeeded != nil:
		return json.Marshal(e.AttestationNeeded)
	case e.Channel == ChannelStatusChanged && e.StatusChanged != nil:
		return json.Marshal(e.StatusChanged)
	default:
		return nil, fmt.Errorf("%w: channel %q has no matching payload", ErrInvalidEvent, e.Channel)
	}
}

// envelope is the queue wire form: the channel name plus its raw payload.
type envelope struct {
	Version string          `json:"version"`
	Channel string          `json:"channel"`
	Payload json.RawMessage `json:"payload"`
}

const envelopeVersion = "bridge.notify.v1"

func MarshalEnvelope(e Event) ([]byte, error) {
	p, err := e.Payload()
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Version: envelopeVersion, Channel: e.Channel, Payload: p})
}

func UnmarshalEnvelope(b []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Event{}, fmt.Errorf("%w: envelope: %v", ErrInvalidEvent, err)
	}
	if env.Version != envelopeVersion {
		return Event{}, fmt.Errorf("%w: unsupported envelope version %q", ErrInvalidEvent, env.Version)
	}
	return Decode(env.Channel, env.Payload)
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Subscriber delivers events until Close. Delivery is at-least-once at best;
// consumers reconcile against the store.
type Subscriber interface {
	Events() <-chan Event
	Close() error
}

// MultiPublisher fans one event out to several publishers, returning the
// first error after trying all of them.
type MultiPublisher []Publisher

func (m MultiPublisher) Publish(ctx context.Context, e Event) error {
	var first error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, e); err != nil && first == nil {
			first = err
		}
	}
	return first
}
