package queue

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"sync"
	"time"
)

const defaultMaxLine = 1 << 20

// linePublisher writes "<transfer id>\t<channel>\t<payload>" per record.
type linePublisher struct {
	mu sync.Mutex
	w  io.Writer
}

func newLinePublisher(cfg Config) *linePublisher {
	w := cfg.Writer
	if w == nil {
		w = os.Stdout
	}
	return &linePublisher{w: w}
}

func (p *linePublisher) Publish(_ context.Context, r Record) error {
	if err := r.validate(); err != nil {
		return err
	}
	var b bytes.Buffer
	b.Grow(len(r.TransferID) + len(r.Channel) + len(r.Payload) + 3)
	b.WriteString(r.TransferID)
	b.WriteByte('\t')
	b.WriteString(r.Channel)
	b.WriteByte('\t')
	b.Write(r.Payload)
	b.WriteByte('\n')

	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := p.w.Write(b.Bytes())
	return err
}

func (p *linePublisher) Close() error { return nil }

// parseLine splits a published line. Lines without the two leading fields
// are taken as a bare payload.
func parseLine(line []byte) Record {
	parts := bytes.SplitN(line, []byte{'\t'}, 3)
	if len(parts) != 3 {
		return Record{Payload: line}
	}
	return Record{TransferID: string(parts[0]), Channel: string(parts[1]), Payload: parts[2]}
}

type lineSource struct {
	records chan Record
	errs    chan error
	stop    context.CancelFunc
	once    sync.Once
}

func newLineSource(parent context.Context, cfg Config) *lineSource {
	r := cfg.Reader
	if r == nil {
		r = os.Stdin
	}
	maxLine := cfg.MaxLineBytes
	if maxLine <= 0 {
		maxLine = defaultMaxLine
	}
	ctx, cancel := context.WithCancel(parent)
	s := &lineSource{
		records: make(chan Record, 64),
		errs:    make(chan error, 1),
		stop:    cancel,
	}
	go s.run(ctx, r, maxLine)
	return s
}

func (s *lineSource) run(ctx context.Context, r io.Reader, maxLine int) {
	defer close(s.records)
	defer close(s.errs)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, min(4096, maxLine)), maxLine)
	for sc.Scan() {
		if len(bytes.TrimSpace(sc.Bytes())) == 0 {
			continue
		}
		rec := parseLine(append([]byte(nil), sc.Bytes()...))
		rec.Time = time.Now().UTC()
		select {
		case s.records <- rec:
		case <-ctx.Done():
			return
		}
	}
	if err := sc.Err(); err != nil {
		select {
		case s.errs <- err:
		case <-ctx.Done():
		}
	}
}

func (s *lineSource) Records() <-chan Record { return s.records }
func (s *lineSource) Errors() <-chan error   { return s.errs }

func (s *lineSource) Close() error {
	s.once.Do(s.stop)
	return nil
}
