package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	defaultBatchTimeout = 10 * time.Millisecond
	defaultFetchMax     = 10 << 20
	dialTimeout         = 10 * time.Second
)

type kafkaPublisher struct {
	w *kafka.Writer
}

func newKafkaPublisher(cfg Config) (*kafkaPublisher, error) {
	brokers := SplitBrokers(strings.Join(cfg.Brokers, ","))
	if len(brokers) == 0 {
		return nil, fmt.Errorf("%w: kafka publisher needs a broker", ErrInvalidConfig)
	}
	batch := cfg.BatchTimeout
	if batch <= 0 {
		batch = defaultBatchTimeout
	}
	w := &kafka.Writer{
		Addr:  kafka.TCP(brokers...),
		Topic: cfg.topic(),
		// Hash on the transfer id keeps one transfer's events ordered.
		Balancer:     &kafka.Hash{},
		BatchTimeout: batch,
		RequiredAcks: kafka.RequireAll,
	}
	if tc := useTLS(cfg.TLS); tc != nil {
		w.Transport = &kafka.Transport{TLS: tc}
	}
	return &kafkaPublisher{w: w}, nil
}

func (p *kafkaPublisher) Publish(ctx context.Context, r Record) error {
	if err := r.validate(); err != nil {
		return err
	}
	msg := kafka.Message{Key: []byte(r.TransferID), Value: r.Payload}
	if r.Channel != "" {
		msg.Headers = []kafka.Header{{Key: HeaderChannel, Value: []byte(r.Channel)}}
	}
	if err := p.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("queue: publish %s: %w", r.TransferID, err)
	}
	return nil
}

func (p *kafkaPublisher) Close() error { return p.w.Close() }

type kafkaSource struct {
	r *kafka.Reader

	records chan Record
	errs    chan error

	stop func()
	done chan struct{}
	once sync.Once
}

func newKafkaSource(parent context.Context, cfg Config) (*kafkaSource, error) {
	brokers := SplitBrokers(strings.Join(cfg.Brokers, ","))
	switch {
	case len(brokers) == 0:
		return nil, fmt.Errorf("%w: kafka source needs a broker", ErrInvalidConfig)
	case strings.TrimSpace(cfg.Group) == "":
		return nil, fmt.Errorf("%w: kafka source needs a consumer group", ErrInvalidConfig)
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultFetchMax
	}
	rc := kafka.ReaderConfig{
		Brokers:  brokers,
		GroupID:  strings.TrimSpace(cfg.Group),
		Topic:    cfg.topic(),
		MinBytes: 1,
		MaxBytes: maxBytes,
	}
	if tc := useTLS(cfg.TLS); tc != nil {
		rc.Dialer = &kafka.Dialer{Timeout: dialTimeout, TLS: tc}
	}

	ctx, cancel := context.WithCancel(parent)
	s := &kafkaSource{
		r:       kafka.NewReader(rc),
		records: make(chan Record, 64),
		errs:    make(chan error, 8),
		stop:    cancel,
		done:    make(chan struct{}),
	}
	go s.run(ctx)
	return s, nil
}

func (s *kafkaSource) run(ctx context.Context) {
	defer close(s.done)
	defer close(s.records)
	defer close(s.errs)

	for {
		m, err := s.r.FetchMessage(ctx)
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, io.EOF):
			return
		case err != nil:
			select {
			case s.errs <- err:
			case <-ctx.Done():
				return
			}
			continue
		}

		rec := fromKafka(m)
		rec.commit = func(cctx context.Context) error { return s.r.CommitMessages(cctx, m) }
		select {
		case s.records <- rec:
		case <-ctx.Done():
			return
		}
	}
}

func fromKafka(m kafka.Message) Record {
	rec := Record{
		TransferID: string(m.Key),
		Payload:    append([]byte(nil), m.Value...),
		Time:       m.Time,
	}
	for _, h := range m.Headers {
		if h.Key == HeaderChannel {
			rec.Channel = string(h.Value)
		}
	}
	return rec
}

func (s *kafkaSource) Records() <-chan Record { return s.records }
func (s *kafkaSource) Errors() <-chan error   { return s.errs }

func (s *kafkaSource) Close() error {
	var err error
	s.once.Do(func() {
		s.stop()
		err = s.r.Close()
		<-s.done
	})
	return err
}
