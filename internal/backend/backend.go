package backend

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"nnbackend/internal/config"
	"nnbackend/internal/engine"
	"nnbackend/internal/events"
	"nnbackend/internal/nnerr"
	"nnbackend/internal/registry"
	"nnbackend/internal/slots"
)

// Options carries the collaborators of a Backend.
type Options struct {
	Engine    engine.Engine
	Logger    zerolog.Logger
	Publisher events.Publisher
	// Clock replaces time.Now for slots, registry and stopping.
	Clock func() time.Time
	// ReapInterval is the background reaper period. Zero derives it from the
	// idle and task timeouts; negative disables the background reaper, leaving
	// reaping to on-access ticks.
	ReapInterval time.Duration
}

// Backend is one backend instance: a registry of graphs, a slot pool and the
// open execution contexts.
type Backend struct {
	cfg   config.Config
	log   zerolog.Logger
	pub   events.Publisher
	now   func() time.Time
	reg   *registry.Registry
	slots *slots.Manager

	stopReaper context.CancelFunc

	mu       sync.Mutex
	contexts map[ExecID]*ExecContext
	// tombstones records why reclaimed contexts ended until their owner
	// closes them.
	tombstones map[ExecID]error
	nextID     ExecID
	closed     bool
}

// InitBackend builds a backend with the default configuration.
func InitBackend(opts Options) (*Backend, error) {
	return New(config.Default(), opts)
}

// InitBackendWithConfig resolves raw (nested or legacy flat keys) and builds
// a backend. Malformed input fails with invalid_argument and builds nothing.
func InitBackendWithConfig(raw []byte, opts Options) (*Backend, error) {
	cfg, err := config.Resolve(raw)
	if err != nil {
		return nil, err
	}
	return New(cfg, opts)
}

// New builds a backend from a resolved configuration.
func New(cfg config.Config, opts Options) (*Backend, error) {
	const op = "init_backend"
	if opts.Engine == nil {
		return nil, nnerr.New(nnerr.InvalidArgument, op, "engine is required")
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	pub := newMetricsPublisher(events.OrNoop(opts.Publisher))
	b := &Backend{
		cfg:        cfg,
		log:        opts.Logger.With().Str("component", "backend").Logger(),
		pub:        pub,
		now:        now,
		contexts:   make(map[ExecID]*ExecContext),
		tombstones: make(map[ExecID]error),
	}
	sm, err := slots.New(slotConfig(cfg.Backend),
		slots.WithClock(now),
		slots.WithPublisher(pub),
		slots.WithLogger(opts.Logger.With().Str("component", "slots").Logger()),
	)
	if err != nil {
		return nil, nnerr.Wrap(nnerr.InvalidArgument, op, err)
	}
	b.slots = sm
	b.reg = registry.New(opts.Engine,
		registry.WithMemory(cfg.Memory),
		registry.WithClock(now),
		registry.WithPublisher(pub),
		registry.WithLogger(opts.Logger.With().Str("component", "registry").Logger()),
	)
	for _, w := range cfg.Warnings {
		b.log.Warn().Str("warning", w).Msg("config value ignored")
	}
	if interval := reapInterval(cfg.Backend, opts.ReapInterval); interval > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		b.stopReaper = cancel
		sm.Start(ctx, interval)
	}
	b.log.Info().
		Int("max_concurrent", cfg.Backend.MaxConcurrent).
		Int("queue_size", cfg.Backend.QueueSize).
		Int("max_sessions", cfg.Backend.MaxSessions).
		Dur("idle_timeout", cfg.Backend.IdleTimeout).
		Msg("backend initialized")
	return b, nil
}

func slotConfig(c config.BackendConfig) slots.Config {
	return slots.Config{
		MaxConcurrent:      c.MaxConcurrent,
		QueueSize:          c.QueueSize,
		WarningThreshold:   c.QueueWarningThreshold,
		RejectThreshold:    c.QueueRejectThreshold,
		TaskTimeout:        c.DefaultTaskTimeout,
		IdleTimeout:        c.IdleTimeout,
		AutoCleanup:        c.AutoCleanup,
		AutoQueueCleanup:   c.AutoQueueCleanup,
		PriorityScheduling: c.PriorityScheduling,
		FairScheduling:     c.FairScheduling,
		FairAging:          c.FairAging,
	}
}

// reapInterval picks a quarter of the shortest enabled timeout, clamped to
// [50ms, 1s].
func reapInterval(c config.BackendConfig, override time.Duration) time.Duration {
	if override != 0 {
		return max(override, 0)
	}
	if !c.AutoCleanup && !c.AutoQueueCleanup {
		return 0
	}
	interval := time.Second
	if c.AutoCleanup && c.IdleTimeout > 0 {
		interval = min(interval, c.IdleTimeout/4)
	}
	if c.AutoQueueCleanup && c.DefaultTaskTimeout > 0 {
		interval = min(interval, c.DefaultTaskTimeout/4)
	}
	return max(interval, 50*time.Millisecond)
}

// Config returns the resolved configuration.
func (b *Backend) Config() config.Config { return b.cfg }

// Tick runs one reaper pass now.
func (b *Backend) Tick() slots.TickReport { return b.slots.Tick(b.now()) }

// Ready reports whether the backend is open and has an active graph.
func (b *Backend) Ready() bool {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return false
	}
	_, ok := b.reg.Active()
	return ok
}

// Deinit tears the backend down: queued requests fail, open contexts are
// force-closed (aborting generation), then graphs are released. It is safe
// to call more than once.
func (b *Backend) Deinit(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	open := make([]*ExecContext, 0, len(b.contexts))
	for id, ec := range b.contexts {
		open = append(open, ec)
		delete(b.contexts, id)
	}
	clear(b.tombstones)
	b.mu.Unlock()

	if b.stopReaper != nil {
		b.stopReaper()
	}
	drained := b.slots.Close()

	eg, egCtx := errgroup.WithContext(ctx)
	for _, ec := range open {
		ec := ec
		eg.Go(func() error { return b.shutdown(egCtx, ec, ErrBackendClosed) })
	}
	err := eg.Wait()
	err = errors.Join(err, b.reg.Close())
	b.pub.Publish(events.Event{Name: "backend_deinit", Fields: map[string]any{
		"contexts": len(open), "queue_failed": drained,
	}})
	b.log.Info().Int("contexts", len(open)).Int("queue_failed", drained).Err(err).Msg("backend deinitialized")
	return err
}
