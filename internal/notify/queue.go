package notify

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/juno-intents/cctp-bridge/internal/metrics"
	"github.com/juno-intents/cctp-bridge/internal/queue"
)

// QueueForwarder publishes events as versioned envelopes keyed by transfer id.
type QueueForwarder struct {
	p queue.Publisher
}

func NewQueueForwarder(p queue.Publisher) (*QueueForwarder, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil publisher", ErrInvalidConfig)
	}
	return &QueueForwarder{p: p}, nil
}

func (f *QueueForwarder) Publish(ctx context.Context, e Event) error {
	b, err := MarshalEnvelope(e)
	if err != nil {
		return err
	}
	return f.p.Publish(ctx, queue.Record{TransferID: e.ID(), Channel: e.Channel, Payload: b})
}

// Forward copies events from sub to pub until sub closes or ctx ends.
// Publish failures are logged and the event is skipped.
func Forward(ctx context.Context, sub Subscriber, pub Publisher, log *slog.Logger) {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := pub.Publish(ctx, e); err != nil {
				log.Warn("forward event", "id", e.ID(), "channel", e.Channel, "err", err)
			}
		}
	}
}

// QueueSubscriber turns queue records back into events. Records are committed
// once handed to the channel; malformed ones are committed and dropped.
type QueueSubscriber struct {
	src queue.Source
	log *slog.Logger

	ch     chan Event
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func NewQueueSubscriber(parent context.Context, src queue.Source, log *slog.Logger) (*QueueSubscriber, error) {
	if src == nil {
		return nil, fmt.Errorf("%w: nil source", ErrInvalidConfig)
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	ctx, cancel := context.WithCancel(parent)
	s := &QueueSubscriber{
		src:    src,
		log:    log.With("component", "queue_subscriber"),
		ch:     make(chan Event, defaultBuffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.run(ctx)
	return s, nil
}

func (s *QueueSubscriber) Events() <-chan Event { return s.ch }

func (s *QueueSubscriber) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		err = s.src.Close()
		<-s.done
	})
	return err
}

func (s *QueueSubscriber) run(ctx context.Context) {
	defer close(s.done)
	defer close(s.ch)

	recs := s.src.Records()
	errs := s.src.Errors()
	for recs != nil || errs != nil {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			s.log.Warn("queue source error", "err", err)
		case r, ok := <-recs:
			if !ok {
				recs = nil
				continue
			}
			ev, err := UnmarshalEnvelope(r.Payload)
			if err != nil {
				s.log.Warn("dropping malformed envelope", "id", r.TransferID, "channel", r.Channel, "err", err)
				_ = r.Commit(ctx)
				continue
			}
			if r.TransferID != "" && r.TransferID != ev.ID() {
				s.log.Warn("record key does not match envelope", "key", r.TransferID, "id", ev.ID())
			}
			metrics.NotifyEventsTotal.WithLabelValues(ev.Channel).Inc()
			select {
			case s.ch <- ev:
			case <-ctx.Done():
				return
			}
			if err := r.Commit(ctx); err != nil {
				s.log.Warn("queue commit", "id", ev.ID(), "err", err)
			}
		}
	}
}
