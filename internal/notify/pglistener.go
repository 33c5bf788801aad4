package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/juno-intents/cctp-bridge/internal/metrics"
)

type PGListenerConfig struct {
	DSN        string
	Channels   []string
	RetryDelay time.Duration
	Buffer     int
}

// PGListener owns one dedicated connection that LISTENs on the store's
// notification channels. On connection loss it reconnects after RetryDelay;
// notifications raised while disconnected are lost.
type PGListener struct {
	cfg PGListenerConfig
	log *slog.Logger

	ch        chan Event
	listening chan struct{}
	readyOnce sync.Once

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func NewPGListener(parent context.Context, cfg PGListenerConfig, log *slog.Logger) (*PGListener, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("%w: missing dsn", ErrInvalidConfig)
	}
	if len(cfg.Channels) == 0 {
		cfg.Channels = []string{ChannelAttestationNeeded, ChannelStatusChanged}
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultBuffer
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	ctx, cancel := context.WithCancel(parent)
	l := &PGListener{
		cfg:       cfg,
		log:       log.With("component", "pglistener"),
		ch:        make(chan Event, cfg.Buffer),
		listening: make(chan struct{}),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go l.run(ctx)
	return l, nil
}

func (l *PGListener) Events() <-chan Event { return l.ch }

// Listening is closed once the first LISTEN succeeds.
func (l *PGListener) Listening() <-chan struct{} { return l.listening }

func (l *PGListener) Close() error {
	l.once.Do(func() {
		l.cancel()
		<-l.done
	})
	return nil
}

func (l *PGListener) run(ctx context.Context) {
	defer close(l.done)
	defer close(l.ch)

	for {
		err := l.listen(ctx)
		if ctx.Err() != nil {
			return
		}
		metrics.NotifyReconnects.Inc()
		l.log.Warn("listener disconnected", "err", err, "retry", l.cfg.RetryDelay)

		t := time.NewTimer(l.cfg.RetryDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// listen holds one connection until it fails or ctx ends.
func (l *PGListener) listen(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.cfg.DSN)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = conn.Close(closeCtx)
	}()

	for _, ch := range l.cfg.Channels {
		if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{ch}.Sanitize()); err != nil {
			return fmt.Errorf("listen %s: %w", ch, err)
		}
	}
	l.readyOnce.Do(func() { close(l.listening) })
	l.log.Info("listening", "channels", strings.Join(l.cfg.Channels, ","))

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("wait: %w", err)
		}
		ev, err := Decode(n.Channel, []byte(n.Payload))
		if err != nil {
			l.log.Warn("dropping malformed notification", "channel", n.Channel, "err", err)
			continue
		}
		metrics.NotifyEventsTotal.WithLabelValues(n.Channel).Inc()
		select {
		case l.ch <- ev:
		case <-ctx.Done():
			return nil
		}
	}
}
