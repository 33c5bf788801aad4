package chains

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"
)

// Table is an immutable snapshot of the supported chains keyed by domain.
type Table struct {
	byDomain map[uint32]Chain
	ordered  []Chain
	version  uint64
}

func (t *Table) Get(domain uint32) (Chain, bool) {
	if t == nil {
		return Chain{}, false
	}
	c, ok := t.byDomain[domain]
	return c, ok
}

func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.ordered)
}

// Registry is read by every request and replaced wholesale on reload.
type Registry struct {
	table atomic.Pointer[Table]
	swaps atomic.Uint64
}

func NewRegistry() *Registry {
	r := &Registry{}
	r.table.Store(&Table{byDomain: map[uint32]Chain{}})
	return r
}

// Replace validates chains and swaps in a new table. On error the current table
// is kept.
func (r *Registry) Replace(chains []Chain) error {
	byDomain := make(map[uint32]Chain, len(chains))
	for _, c := range chains {
		if err := c.Validate(); err != nil {
			return err
		}
		if _, dup := byDomain[c.Domain]; dup {
			return fmt.Errorf("%w: duplicate domain %d", ErrInvalidConfig, c.Domain)
		}
		byDomain[c.Domain] = c
	}
	ordered := make([]Chain, 0, len(byDomain))
	for _, c := range byDomain {
		ordered = append(ordered, c)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Domain < ordered[j].Domain })

	t := &Table{
		byDomain: byDomain,
		ordered:  ordered,
		version:  r.swaps.Add(1),
	}
	r.table.Store(t)
	return nil
}

func (r *Registry) Snapshot() *Table {
	return r.table.Load()
}

func (r *Registry) Get(domain uint32) (Chain, bool) {
	return r.table.Load().Get(domain)
}

// Require returns the chain for domain if it is registered and enabled.
func (r *Registry) Require(domain uint32) (Chain, error) {
	c, ok := r.Get(domain)
	if !ok {
		return Chain{}, fmt.Errorf("%w: domain %d", ErrUnknownChain, domain)
	}
	if !c.IsEnabled {
		return Chain{}, fmt.Errorf("%w: domain %d is disabled", ErrUnknownChain, domain)
	}
	return c, nil
}

func (r *Registry) List() []Chain {
	t := r.table.Load()
	return append([]Chain(nil), t.ordered...)
}

func (r *Registry) Version() uint64 {
	return r.table.Load().version
}

// Loader produces the full chain set from some source.
type Loader interface {
	Load(ctx context.Context) ([]Chain, error)
}

type StaticLoader []Chain

func (l StaticLoader) Load(context.Context) ([]Chain, error) {
	return append([]Chain(nil), l...), nil
}

type ReloaderConfig struct {
	Interval time.Duration
	Timeout  time.Duration

	// OnReload is called after each attempt with the number of chains loaded
	// and the error, if any.
	OnReload func(n int, err error)
}

// Reloader keeps a Registry in sync with a Loader.
type Reloader struct {
	cfg    ReloaderConfig
	reg    *Registry
	loader Loader
	log    *slog.Logger
}

func NewReloader(cfg ReloaderConfig, reg *Registry, loader Loader, log *slog.Logger) (*Reloader, error) {
	if reg == nil || loader == nil {
		return nil, fmt.Errorf("%w: nil registry/loader", ErrInvalidConfig)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Reloader{cfg: cfg, reg: reg, loader: loader, log: log}, nil
}

func (r *Reloader) Reload(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	chains, err := r.loader.Load(ctx)
	if err == nil {
		err = r.reg.Replace(chains)
	}
	if r.cfg.OnReload != nil {
		r.cfg.OnReload(len(chains), err)
	}
	if err != nil {
		return fmt.Errorf("chains: reload: %w", err)
	}
	r.log.Info("chain registry loaded", "chains", len(chains), "version", r.reg.Version())
	return nil
}

// Run reloads every Interval until ctx is done. Failures keep the previous
// table.
func (r *Reloader) Run(ctx context.Context) {
	t := time.NewTicker(r.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := r.Reload(ctx); err != nil {
				r.log.Error("chain registry reload failed", "err", err)
			}
		}
	}
}
