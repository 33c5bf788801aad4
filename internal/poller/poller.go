// Package poller drives pending transfers to attestation (and, for the
// mandatory endpoint, to auto-mint delivery) by retrying orchestrator checks
// under exponential backoff.
package poller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/juno-intents/cctp-bridge/internal/bridge"
	"github.com/juno-intents/cctp-bridge/internal/metrics"
	"github.com/juno-intents/cctp-bridge/internal/notify"
	"github.com/juno-intents/cctp-bridge/internal/orchestrator"
)

var ErrInvalidConfig = errors.New("poller: invalid config")

// Orchestrator is the subset of orchestrator.Orchestrator the poller drives.
type Orchestrator interface {
	CheckAttestation(ctx context.Context, id string) (orchestrator.Check, error)
	CheckDelivery(ctx context.Context, id string) (bool, error)
	ExpireAttestation(ctx context.Context, id string, attempts int) (bridge.Transaction, error)
	GetPendingAttestations(ctx context.Context, limit int) ([]bridge.Transaction, error)
	GetAwaitingDelivery(ctx context.Context, limit int) ([]bridge.Transaction, error)
	IsMandatory(domain uint32) bool
}

// Leader gates polling when several poller processes share one store.
// leases.Elector implements it.
type Leader interface {
	Tick(ctx context.Context) (bool, error)
}

type Phase string

const (
	PhaseAttestation Phase = "attestation"
	PhaseDelivery    Phase = "delivery"
)

type Config struct {
	BatchSize   int
	MaxAttempts int
	// IdleRescan is how often the store is scanned while no job is tracked.
	IdleRescan time.Duration
	// BusyRescan is how often the store is scanned while jobs are tracked.
	BusyRescan time.Duration
	ScanLimit  int
	JobTimeout time.Duration
	Backoff    Backoff

	Leader         Leader
	LeaderInterval time.Duration

	Now  func() time.Time
	Rand func() float64
}

func DefaultConfig() Config {
	return Config{
		BatchSize:      10,
		MaxAttempts:    120,
		IdleRescan:     30 * time.Second,
		BusyRescan:     5 * time.Minute,
		ScanLimit:      orchestrator.DefaultPendingLimit,
		JobTimeout:     30 * time.Second,
		Backoff:        DefaultBackoff(),
		LeaderInterval: 5 * time.Second,
	}
}

type job struct {
	id       string
	phase    Phase
	attempts int
	next     time.Time
	inFlight bool
	// dropped is set when a terminal status arrives while the job is in flight.
	dropped bool
	// failures counts consecutive store errors; they back off separately.
	failures int
}

// Job is a snapshot of one tracked transfer.
type Job struct {
	ID       string
	Phase    Phase
	Attempts int
	Next     time.Time
	InFlight bool
}

type result struct {
	id       string
	phase    Phase
	attempts int
	// next is the phase to continue in; empty removes the job.
	next Phase
	// retry marks a store error: attempts are unchanged.
	retry bool
}

type Poller struct {
	cfg  Config
	orch Orchestrator
	sub  notify.Subscriber
	log  *slog.Logger

	mu   sync.Mutex
	jobs map[string]*job
	// gaveUp holds delivery jobs that ran out of attempts so scans skip them.
	gaveUp map[string]struct{}

	lastScan     time.Time
	leader       bool
	leaderUntil  time.Time
	batchPending bool

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a poller. sub may be nil, in which case only reconciliation
// scans discover work.
func New(cfg Config, orch Orchestrator, sub notify.Subscriber, log *slog.Logger) (*Poller, error) {
	if orch == nil {
		return nil, fmt.Errorf("%w: nil orchestrator", ErrInvalidConfig)
	}
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.IdleRescan <= 0 {
		cfg.IdleRescan = def.IdleRescan
	}
	if cfg.BusyRescan <= 0 {
		cfg.BusyRescan = def.BusyRescan
	}
	if cfg.ScanLimit <= 0 {
		cfg.ScanLimit = def.ScanLimit
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = def.JobTimeout
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = def.Backoff
	}
	if cfg.LeaderInterval <= 0 {
		cfg.LeaderInterval = def.LeaderInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Float64
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Poller{
		cfg:    cfg,
		orch:   orch,
		sub:    sub,
		log:    log.With("component", "poller"),
		jobs:   make(map[string]*job),
		gaveUp: make(map[string]struct{}),
	}, nil
}

// Start runs the poller in the background until Stop or ctx ends.
func (p *Poller) Start(ctx context.Context) {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	if p.done != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	go func() {
		defer close(p.done)
		if err := p.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			p.log.Error("poller stopped", "err", err)
		}
	}()
}

// Stop cancels the loop, waits for in-flight checks to settle and releases
// the subscription.
func (p *Poller) Stop() {
	p.runMu.Lock()
	cancel, done := p.cancel, p.done
	p.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Run blocks until ctx ends. It closes the subscription on return.
func (p *Poller) Run(ctx context.Context) error {
	var events <-chan notify.Event
	if p.sub != nil {
		events = p.sub.Events()
		defer p.sub.Close()
	}
	results := make(chan []result, 1)
	var wg sync.WaitGroup
	defer wg.Wait()

	// lastScan is zero, so the first wake scans the store.
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		resetTimer(timer, p.nextWake())

		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-events:
			if !ok {
				p.log.Warn("notification subscription closed; relying on scans")
				events = nil
				continue
			}
			p.observe(ev)

		case rs := <-results:
			p.settle(rs)

		case <-timer.C:
			if p.batchPending {
				continue
			}
			if !p.isLeader(ctx) {
				continue
			}
			if p.scanDue() {
				p.reconcile(ctx)
			}
			if batch := p.claimReady(); len(batch) > 0 {
				p.batchPending = true
				wg.Add(1)
				go func() {
					defer wg.Done()
					results <- p.runBatch(ctx, batch)
				}()
			}
		}
	}
}

// Tracked returns a snapshot of the job set.
func (p *Poller) Tracked() []Job {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Job, 0, len(p.jobs))
	for _, j := range p.jobs {
		out = append(out, Job{ID: j.id, Phase: j.phase, Attempts: j.attempts, Next: j.next, InFlight: j.inFlight})
	}
	return out
}

func (p *Poller) observe(ev notify.Event) {
	switch {
	case ev.AttestationNeeded != nil:
		p.track(ev.AttestationNeeded.ID, PhaseAttestation, ev.AttestationNeeded.Attempts)
	case ev.StatusChanged != nil:
		st := bridge.Status(ev.StatusChanged.Status)
		if st.Terminal() {
			p.untrack(ev.StatusChanged.ID)
		}
	}
}

// track schedules id unless it is already tracked.
func (p *Poller) track(id string, phase Phase, attempts int) bool {
	if id == "" {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.jobs[id]; ok {
		return false
	}
	if attempts < 0 {
		attempts = 0
	}
	p.jobs[id] = &job{
		id:       id,
		phase:    phase,
		attempts: attempts,
		next:     p.cfg.Now().Add(p.cfg.Backoff.Delay(attempts, p.cfg.Rand())),
	}
	metrics.PollerTrackedJobs.Set(float64(len(p.jobs)))
	return true
}

func (p *Poller) untrack(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.gaveUp, id)
	j, ok := p.jobs[id]
	if !ok {
		return
	}
	if j.inFlight {
		j.dropped = true
		return
	}
	delete(p.jobs, id)
	metrics.PollerTrackedJobs.Set(float64(len(p.jobs)))
}

func (p *Poller) reconcile(ctx context.Context) {
	p.lastScan = p.cfg.Now()

	pending, err := p.orch.GetPendingAttestations(ctx, p.cfg.ScanLimit)
	if err != nil {
		metrics.PollerReconcileScans.WithLabelValues("error").Inc()
		p.log.Warn("scan pending attestations", "err", err)
		return
	}
	added := 0
	for _, tx := range pending {
		if p.track(tx.ID, PhaseAttestation, tx.AttestationAttempts) {
			added++
		}
	}

	awaiting, err := p.orch.GetAwaitingDelivery(ctx, p.cfg.ScanLimit)
	if err != nil {
		metrics.PollerReconcileScans.WithLabelValues("error").Inc()
		p.log.Warn("scan awaiting delivery", "err", err)
		return
	}
	p.forgetDelivered(awaiting)
	for _, tx := range awaiting {
		p.mu.Lock()
		_, skip := p.gaveUp[tx.ID]
		p.mu.Unlock()
		if skip {
			continue
		}
		if p.track(tx.ID, PhaseDelivery, 0) {
			added++
		}
	}
	metrics.PollerReconcileScans.WithLabelValues("ok").Inc()
	if added > 0 {
		p.log.Info("reconciled", "added", added)
	}
}

// forgetDelivered drops given-up ids that no longer await delivery. A scan
// cut short by ScanLimit proves nothing about the ids it left out.
func (p *Poller) forgetDelivered(awaiting []bridge.Transaction) {
	if len(awaiting) >= p.cfg.ScanLimit {
		return
	}
	still := make(map[string]struct{}, len(awaiting))
	for _, tx := range awaiting {
		still[tx.ID] = struct{}{}
	}
	p.mu.Lock()
	for id := range p.gaveUp {
		if _, ok := still[id]; !ok {
			delete(p.gaveUp, id)
		}
	}
	p.mu.Unlock()
}

// GaveUp returns how many transfers are excluded from delivery watching.
func (p *Poller) GaveUp() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.gaveUp)
}

func (p *Poller) scanDue() bool {
	p.mu.Lock()
	idle := len(p.jobs) == 0
	p.mu.Unlock()
	every := p.cfg.BusyRescan
	if idle {
		every = p.cfg.IdleRescan
	}
	return !p.cfg.Now().Before(p.lastScan.Add(every))
}

// nextWake is the delay until the next due job or scan. While a batch is in
// flight its result wakes the loop instead.
func (p *Poller) nextWake() time.Duration {
	now := p.cfg.Now()
	if p.batchPending {
		return p.cfg.IdleRescan
	}
	if p.cfg.Leader != nil && !p.leader && now.Before(p.leaderUntil) {
		return p.leaderUntil.Sub(now)
	}
	p.mu.Lock()
	wake := p.lastScan.Add(p.cfg.BusyRescan)
	if len(p.jobs) == 0 {
		wake = p.lastScan.Add(p.cfg.IdleRescan)
	}
	for _, j := range p.jobs {
		if !j.inFlight && j.next.Before(wake) {
			wake = j.next
		}
	}
	p.mu.Unlock()
	if d := wake.Sub(now); d > 0 {
		return d
	}
	return 0
}

// claimReady marks up to BatchSize due jobs in flight, earliest first.
func (p *Poller) claimReady() []job {
	now := p.cfg.Now()
	p.mu.Lock()
	defer p.mu.Unlock()

	var ready []*job
	for _, j := range p.jobs {
		if !j.inFlight && !j.next.After(now) {
			ready = append(ready, j)
		}
	}
	sort.Slice(ready, func(a, b int) bool { return ready[a].next.Before(ready[b].next) })
	if len(ready) > p.cfg.BatchSize {
		ready = ready[:p.cfg.BatchSize]
	}
	out := make([]job, 0, len(ready))
	for _, j := range ready {
		j.inFlight = true
		out = append(out, *j)
	}
	return out
}

// runBatch checks every job concurrently and returns once all have settled.
func (p *Poller) runBatch(ctx context.Context, batch []job) []result {
	out := make([]result, len(batch))
	var wg sync.WaitGroup
	for i := range batch {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			jctx, cancel := context.WithTimeout(ctx, p.cfg.JobTimeout)
			defer cancel()
			out[i] = p.check(jctx, batch[i])
		}(i)
	}
	wg.Wait()
	return out
}

func (p *Poller) check(ctx context.Context, j job) result {
	switch j.phase {
	case PhaseDelivery:
		return p.checkDelivery(ctx, j)
	default:
		return p.checkAttestation(ctx, j)
	}
}

func (p *Poller) checkAttestation(ctx context.Context, j job) result {
	res := result{id: j.id, phase: j.phase, attempts: j.attempts + 1}
	c, err := p.orch.CheckAttestation(ctx, j.id)
	if c.Transaction.AttestationAttempts > res.attempts {
		res.attempts = c.Transaction.AttestationAttempts
	}

	switch {
	case err != nil && bridge.KindOf(err) == bridge.KindInternal:
		// Store trouble: retry on backoff without spending an attempt.
		metrics.PollerChecksTotal.WithLabelValues(string(PhaseAttestation), "error").Inc()
		p.log.Error("attestation check failed", "id", j.id, "attempts", j.attempts, "err", err)
		res.attempts = j.attempts
		res.next = PhaseAttestation
		res.retry = true
		return res
	case err != nil && bridge.KindOf(err) != bridge.KindTransient:
		metrics.PollerChecksTotal.WithLabelValues(string(PhaseAttestation), "error").Inc()
		p.log.Error("attestation check failed", "id", j.id, "err", err)
		return res
	case err != nil:
		metrics.PollerChecksTotal.WithLabelValues(string(PhaseAttestation), "transient").Inc()
		p.log.Warn("attestation service unavailable", "id", j.id, "attempts", res.attempts, "err", err)
	case c.Ready:
		metrics.PollerChecksTotal.WithLabelValues(string(PhaseAttestation), "resolved").Inc()
		if p.orch.IsMandatory(c.Transaction.DestDomain) && !c.Transaction.Status.Terminal() {
			res.next = PhaseDelivery
			res.attempts = 0
		}
		return res
	case c.Transaction.Status != bridge.StatusBurned:
		// Failed or otherwise moved on elsewhere.
		metrics.PollerChecksTotal.WithLabelValues(string(PhaseAttestation), "resolved").Inc()
		return res
	default:
		metrics.PollerChecksTotal.WithLabelValues(string(PhaseAttestation), "not_ready").Inc()
	}

	if res.attempts >= p.cfg.MaxAttempts {
		metrics.PollerChecksTotal.WithLabelValues(string(PhaseAttestation), "exhausted").Inc()
		if _, err := p.orch.ExpireAttestation(ctx, j.id, res.attempts); err != nil {
			p.log.Error("expire attestation", "id", j.id, "err", err)
		}
		return res
	}
	res.next = PhaseAttestation
	return res
}

func (p *Poller) checkDelivery(ctx context.Context, j job) result {
	res := result{id: j.id, phase: j.phase, attempts: j.attempts + 1}
	delivered, err := p.orch.CheckDelivery(ctx, j.id)
	switch {
	case err != nil && bridge.KindOf(err) == bridge.KindInternal:
		metrics.PollerChecksTotal.WithLabelValues(string(PhaseDelivery), "error").Inc()
		p.log.Error("delivery check failed", "id", j.id, "attempts", j.attempts, "err", err)
		res.attempts = j.attempts
		res.next = PhaseDelivery
		res.retry = true
		return res
	case err != nil && bridge.KindOf(err) != bridge.KindTransient:
		metrics.PollerChecksTotal.WithLabelValues(string(PhaseDelivery), "error").Inc()
		p.log.Error("delivery check failed", "id", j.id, "err", err)
		return res
	case err != nil:
		metrics.PollerChecksTotal.WithLabelValues(string(PhaseDelivery), "transient").Inc()
		p.log.Warn("attestation service unavailable", "id", j.id, "attempts", res.attempts, "err", err)
	case delivered:
		metrics.PollerChecksTotal.WithLabelValues(string(PhaseDelivery), "resolved").Inc()
		return res
	default:
		metrics.PollerChecksTotal.WithLabelValues(string(PhaseDelivery), "not_ready").Inc()
	}

	// The caller can still mint, so running out of attempts only stops watching.
	if res.attempts >= p.cfg.MaxAttempts {
		metrics.PollerChecksTotal.WithLabelValues(string(PhaseDelivery), "exhausted").Inc()
		p.log.Warn("stopped watching for delivery", "id", j.id, "attempts", res.attempts)
		return res
	}
	res.next = PhaseDelivery
	return res
}

// settle applies a finished batch to the job set.
func (p *Poller) settle(rs []result) {
	now := p.cfg.Now()
	p.mu.Lock()
	for _, r := range rs {
		j, ok := p.jobs[r.id]
		if !ok {
			continue
		}
		if r.phase == PhaseDelivery && r.next == "" && r.attempts >= p.cfg.MaxAttempts {
			p.gaveUp[r.id] = struct{}{}
		}
		if r.next == "" || j.dropped {
			delete(p.jobs, r.id)
			continue
		}
		j.inFlight = false
		j.phase = r.next
		j.attempts = r.attempts
		step := r.attempts
		if r.retry {
			j.failures++
			step = j.failures
		} else {
			j.failures = 0
		}
		j.next = now.Add(p.cfg.Backoff.Delay(step, p.cfg.Rand()))
	}
	metrics.PollerTrackedJobs.Set(float64(len(p.jobs)))
	p.mu.Unlock()
	p.batchPending = false
}

func (p *Poller) isLeader(ctx context.Context) bool {
	if p.cfg.Leader == nil {
		return true
	}
	now := p.cfg.Now()
	if now.Before(p.leaderUntil) {
		return p.leader
	}
	ok, err := p.cfg.Leader.Tick(ctx)
	if err != nil {
		p.log.Warn("leader election", "err", err)
		ok = false
	}
	if ok != p.leader {
		p.log.Info("leadership changed", "leader", ok)
	}
	p.leader = ok
	p.leaderUntil = now.Add(p.cfg.LeaderInterval)
	return ok
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
