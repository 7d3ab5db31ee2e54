// Package registry owns loaded model graphs. Graphs are reference counted:
// a handle returned by Load holds one load reference, and every execution
// context bound to the graph holds one context reference. A graph's model is
// closed when both counts reach zero.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"nnbackend/internal/common/fsutil"
	"nnbackend/internal/config"
	"nnbackend/internal/engine"
	"nnbackend/internal/events"
	"nnbackend/internal/nnerr"
)

// GraphID identifies a graph for the lifetime of the registry. Zero is never
// issued.
type GraphID uint32

// maxRedirects bounds successor chains followed when resolving retired ids.
const maxRedirects = 64

// Graph is a loaded model plus the configuration it was loaded with.
type Graph struct {
	ID       GraphID
	Name     string
	Path     string
	Version  string
	Adapters []engine.Adapter
	// Defaults are the generation settings runtime configs resolve over.
	Defaults config.Config
	LoadedAt time.Time
	EstMB    int

	key  string
	spec engine.LoadSpec

	// guarded by Registry.mu
	model     engine.Model
	loadRefs  int
	ctxRefs   int
	retired   bool
	successor GraphID
	lastUsed  time.Time
}

// Model returns the engine model. It is non-nil while the caller holds a
// context reference obtained from Acquire.
func (g *Graph) Model() engine.Model { return g.model }

// GraphInfo is a point-in-time view of one graph.
type GraphInfo struct {
	ID          GraphID   `json:"id"`
	Name        string    `json:"name"`
	Path        string    `json:"path"`
	Version     string    `json:"version"`
	Adapters    int       `json:"adapters"`
	Active      bool      `json:"active"`
	Retired     bool      `json:"retired"`
	Resident    bool      `json:"resident"`
	LoadRefs    int       `json:"load_refs"`
	ContextRefs int       `json:"context_refs"`
	EstMB       int       `json:"est_mb"`
	LoadedAt    time.Time `json:"loaded_at"`
	LastUsed    time.Time `json:"last_used"`
}

// Stats summarizes registry activity.
type Stats struct {
	Graphs    int    `json:"graphs"`
	UsedMB    int    `json:"used_mb"`
	BudgetMB  int    `json:"budget_mb"`
	Strategy  string `json:"cache_strategy"`
	Loads     uint64 `json:"loads_total"`
	Evictions uint64 `json:"evictions_total"`
}

// Registry loads, shares and releases graphs.
type Registry struct {
	eng engine.Engine
	log zerolog.Logger
	pub events.Publisher
	now func() time.Time
	sf  singleflight.Group

	mu        sync.Mutex
	graphs    map[GraphID]*Graph
	redirects map[GraphID]GraphID
	active    GraphID
	next      GraphID
	budgetMB  int
	strategy  string
	usedMB    int
	closed    bool

	loads, evictions uint64
}

// Option configures a Registry.
type Option func(*Registry)

func WithLogger(l zerolog.Logger) Option      { return func(r *Registry) { r.log = l } }
func WithPublisher(p events.Publisher) Option { return func(r *Registry) { r.pub = events.OrNoop(p) } }
func WithClock(now func() time.Time) Option   { return func(r *Registry) { r.now = now } }

// WithMemory bounds the summed size estimate of resident graphs. A zero
// budget disables eviction.
func WithMemory(m config.MemoryConfig) Option {
	return func(r *Registry) {
		r.budgetMB = m.MaxMemoryMB
		if m.CacheStrategy != "" {
			r.strategy = m.CacheStrategy
		}
	}
}

// New builds an empty registry backed by eng.
func New(eng engine.Engine, opts ...Option) *Registry {
	r := &Registry{
		eng:       eng,
		log:       zerolog.Nop(),
		pub:       events.Noop{},
		now:       time.Now,
		graphs:    make(map[GraphID]*Graph),
		redirects: make(map[GraphID]GraphID),
		strategy:  "lru",
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Load loads the model at path with cfg and returns a handle holding one load
// reference. Identical loads (same file version, adapters and load
// parameters) of a live graph share it. The first graph loaded becomes active.
func (r *Registry) Load(ctx context.Context, path string, cfg config.Config) (*Graph, error) {
	const op = "load"
	g, err := r.prepare(op, path, cfg)
	if err != nil {
		return nil, err
	}
	v, err, shared := r.sf.Do(g.key, func() (any, error) {
		return r.loadOnce(ctx, g)
	})
	if err != nil {
		return nil, err
	}
	got := v.(*Graph)
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, nnerr.New(nnerr.RuntimeError, op, "registry closed")
	}
	got.loadRefs++
	if r.active == 0 {
		r.active = got.ID
	}
	r.mu.Unlock()
	r.log.Debug().Uint32("graph", uint32(got.ID)).Bool("shared", shared).Msg("graph handle issued")
	return got, nil
}

// Swap loads path as the new active graph. The previous active graph is
// retired: contexts already bound to it keep working, and its id resolves to
// the successor for new contexts. Its model is closed once those contexts are.
func (r *Registry) Swap(ctx context.Context, path string, cfg config.Config) (*Graph, error) {
	g, err := r.Load(ctx, path, cfg)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	prev := r.graphs[r.active]
	if prev == nil || prev == g {
		r.active = g.ID
		r.mu.Unlock()
		return g, nil
	}
	r.active = g.ID
	prev.retired = true
	prev.successor = g.ID
	prev.loadRefs = 0
	closing := r.releaseLocked(prev)
	ev := events.Event{Name: "graph_swapped", Subject: graphSubject(g.ID), Fields: map[string]any{
		"previous": uint32(prev.ID), "previous_contexts": prev.ctxRefs,
	}}
	r.mu.Unlock()
	r.closeModels(closing)
	r.pub.Publish(ev)
	r.log.Info().Uint32("graph", uint32(g.ID)).Uint32("previous", uint32(prev.ID)).Str("version", g.Version).Msg("graph swapped")
	return g, nil
}

// Acquire takes a context reference on the graph id resolves to. Retired ids
// resolve to their active successor. An evicted graph is reloaded.
func (r *Registry) Acquire(ctx context.Context, id GraphID) (*Graph, error) {
	const op = "acquire"
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, nnerr.New(nnerr.RuntimeError, op, "registry closed")
	}
	g := r.resolveLocked(id)
	if g == nil {
		r.mu.Unlock()
		return nil, nnerr.New(nnerr.NotFound, op, "graph %d not loaded", id)
	}
	g.ctxRefs++
	g.lastUsed = r.now()
	resident := g.model != nil
	r.mu.Unlock()
	if resident {
		return g, nil
	}
	if _, err, _ := r.sf.Do("reload/"+strconv.FormatUint(uint64(g.ID), 10), func() (any, error) {
		return nil, r.reload(ctx, g)
	}); err != nil {
		r.Release(g)
		return nil, err
	}
	return g, nil
}

// Release drops a context reference taken by Acquire.
func (r *Registry) Release(g *Graph) {
	if g == nil {
		return
	}
	r.mu.Lock()
	if g.ctxRefs > 0 {
		g.ctxRefs--
	}
	g.lastUsed = r.now()
	closing := r.releaseLocked(g)
	r.mu.Unlock()
	r.closeModels(closing)
}

// Unload drops one load reference. Unloading a retired graph is a no-op.
func (r *Registry) Unload(id GraphID) error {
	r.mu.Lock()
	g, ok := r.graphs[id]
	if !ok {
		_, redirected := r.redirects[id]
		r.mu.Unlock()
		if redirected {
			return nil
		}
		return nnerr.New(nnerr.NotFound, "unload", "graph %d not loaded", id)
	}
	if g.retired || g.loadRefs == 0 {
		r.mu.Unlock()
		return nil
	}
	g.loadRefs--
	closing := r.releaseLocked(g)
	r.mu.Unlock()
	r.closeModels(closing)
	return nil
}

// Lookup returns the graph id resolves to without taking a reference.
func (r *Registry) Lookup(id GraphID) (*Graph, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g := r.resolveLocked(id)
	return g, g != nil
}

// Active returns the active graph, if any.
func (r *Registry) Active() (*Graph, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.graphs[r.active]
	return g, ok
}

// Snapshot lists live graphs ordered by id.
func (r *Registry) Snapshot() []GraphInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]GraphInfo, 0, len(r.graphs))
	for _, g := range r.graphs {
		out = append(out, GraphInfo{
			ID:          g.ID,
			Name:        g.Name,
			Path:        g.Path,
			Version:     g.Version,
			Adapters:    len(g.Adapters),
			Active:      g.ID == r.active,
			Retired:     g.retired,
			Resident:    g.model != nil,
			LoadRefs:    g.loadRefs,
			ContextRefs: g.ctxRefs,
			EstMB:       g.EstMB,
			LoadedAt:    g.LoadedAt,
			LastUsed:    g.lastUsed,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Stats returns registry counters.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		Graphs:    len(r.graphs),
		UsedMB:    r.usedMB,
		BudgetMB:  r.budgetMB,
		Strategy:  r.strategy,
		Loads:     r.loads,
		Evictions: r.evictions,
	}
}

// Close releases every graph regardless of references. Further calls fail.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	var models []engine.Model
	for id, g := range r.graphs {
		if g.model != nil {
			models = append(models, g.model)
			g.model = nil
		}
		delete(r.graphs, id)
	}
	r.active = 0
	r.usedMB = 0
	r.mu.Unlock()

	var eg errgroup.Group
	for _, m := range models {
		eg.Go(m.Close)
	}
	err := eg.Wait()
	r.log.Info().Int("graphs", len(models)).Err(err).Msg("registry closed")
	return err
}

// prepare validates the model and adapter files and builds an unregistered
// graph.
func (r *Registry) prepare(op, path string, cfg config.Config) (*Graph, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nnerr.New(nnerr.InvalidArgument, op, "empty model path")
	}
	p, err := fsutil.ExpandHome(path)
	if err != nil {
		return nil, nnerr.Wrap(nnerr.RuntimeError, op, err)
	}
	fi, err := statFile(op, "model", p)
	if err != nil {
		return nil, err
	}
	totalBytes := fi.Size()
	var adapters []engine.Adapter
	for _, a := range cfg.Model.LoraAdapters {
		ap, err := fsutil.ExpandHome(a.Path)
		if err != nil {
			return nil, nnerr.Wrap(nnerr.RuntimeError, op, err)
		}
		afi, err := statFile(op, "lora adapter", ap)
		if err != nil {
			return nil, err
		}
		totalBytes += afi.Size()
		adapters = append(adapters, engine.Adapter{Path: ap, Scale: a.Scale})
	}
	spec := engine.LoadSpec{
		Path:      p,
		CtxSize:   cfg.Model.CtxSize,
		GPULayers: cfg.Model.NGPULayers,
		BatchSize: cfg.Model.BatchSize,
		Threads:   cfg.Model.Threads,
		Adapters:  adapters,
	}
	version := versionOf(fi)
	mb := int(totalBytes / (1024 * 1024))
	if mb <= 0 {
		mb = 1
	}
	return &Graph{
		Name:     filepath.Base(p),
		Path:     p,
		Version:  version,
		Adapters: adapters,
		Defaults: cfg,
		EstMB:    mb,
		key:      specKey(spec, version),
		spec:     spec,
	}, nil
}

func statFile(op, what, p string) (os.FileInfo, error) {
	fi, err := os.Stat(p)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, nnerr.New(nnerr.NotFound, op, "%s %s does not exist", what, p)
	case err != nil:
		return nil, nnerr.Wrap(nnerr.RuntimeError, op, err)
	case fi.IsDir():
		return nil, nnerr.New(nnerr.InvalidArgument, op, "%s %s is a directory", what, p)
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, nnerr.New(nnerr.RuntimeError, op, "%s %s is not readable: %v", what, p, err)
	}
	_ = f.Close()
	return fi, nil
}

func specKey(s engine.LoadSpec, version string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s|%s|ctx=%d|gpu=%d|batch=%d|threads=%d", s.Path, version, s.CtxSize, s.GPULayers, s.BatchSize, s.Threads)
	for _, a := range s.Adapters {
		fmt.Fprintf(&b, "|lora=%s@%g", a.Path, a.Scale)
	}
	return b.String()
}

// loadOnce returns a live graph with g's key, loading it if none exists.
func (r *Registry) loadOnce(ctx context.Context, g *Graph) (*Graph, error) {
	const op = "load"
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, nnerr.New(nnerr.RuntimeError, op, "registry closed")
	}
	for _, existing := range r.graphs {
		if existing.key == g.key && !existing.retired {
			r.mu.Unlock()
			return existing, nil
		}
	}
	evicted, err := r.reserveLocked(g.EstMB, nil)
	r.mu.Unlock()
	r.closeModels(evicted)
	if err != nil {
		return nil, nnerr.Wrap(nnerr.RuntimeError, op, err)
	}

	start := r.now()
	m, err := r.eng.Load(ctx, g.spec)
	if err != nil {
		r.mu.Lock()
		r.usedMB -= g.EstMB
		r.mu.Unlock()
		r.pub.Publish(events.Event{Name: "graph_load_failed", Subject: g.Path, Fields: map[string]any{"error": err.Error()}})
		r.log.Warn().Err(err).Str("path", g.Path).Msg("graph load failed")
		if nnerr.CodeOf(err) == nnerr.UnsupportedOperation {
			return nil, nnerr.Wrap(nnerr.UnsupportedOperation, op, err)
		}
		return nil, nnerr.Wrap(nnerr.RuntimeError, op, err)
	}

	r.mu.Lock()
	r.next++
	g.ID = r.next
	g.model = m
	g.LoadedAt = r.now()
	g.lastUsed = g.LoadedAt
	r.graphs[g.ID] = g
	r.loads++
	r.mu.Unlock()

	r.pub.Publish(events.Event{Name: "graph_loaded", Subject: graphSubject(g.ID), Fields: map[string]any{
		"path": g.Path, "version": g.Version, "adapters": len(g.Adapters), "est_mb": g.EstMB,
	}})
	r.log.Info().Uint32("graph", uint32(g.ID)).Str("name", g.Name).Str("version", g.Version).
		Int("adapters", len(g.Adapters)).Dur("took", r.now().Sub(start)).Msg("graph loaded")
	return g, nil
}

// reload brings an evicted graph back. The caller holds a context reference
// so g cannot be chosen as an eviction victim meanwhile.
func (r *Registry) reload(ctx context.Context, g *Graph) error {
	const op = "reload"
	r.mu.Lock()
	if g.model != nil {
		r.mu.Unlock()
		return nil
	}
	evicted, err := r.reserveLocked(g.EstMB, g)
	r.mu.Unlock()
	r.closeModels(evicted)
	if err != nil {
		return nnerr.Wrap(nnerr.RuntimeError, op, err)
	}
	m, err := r.eng.Load(ctx, g.spec)
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.usedMB -= g.EstMB
		return nnerr.Wrap(nnerr.RuntimeError, op, err)
	}
	g.model = m
	r.loads++
	r.log.Debug().Uint32("graph", uint32(g.ID)).Msg("graph reloaded")
	return nil
}

// releaseLocked drops g when nothing references it and returns the model to
// close outside the lock.
func (r *Registry) releaseLocked(g *Graph) []engine.Model {
	if g.loadRefs > 0 || g.ctxRefs > 0 {
		return nil
	}
	if _, live := r.graphs[g.ID]; !live {
		return nil
	}
	delete(r.graphs, g.ID)
	if g.retired {
		r.redirects[g.ID] = g.successor
	}
	if r.active == g.ID {
		r.active = 0
	}
	r.pub.Publish(events.Event{Name: "graph_released", Subject: graphSubject(g.ID), Fields: map[string]any{"retired": g.retired}})
	if g.model == nil {
		return nil
	}
	m := g.model
	g.model = nil
	r.usedMB -= g.EstMB
	return []engine.Model{m}
}

// resolveLocked follows retirement successors to a live, non-retired graph.
// A retired graph whose successor is gone resolves to nothing.
func (r *Registry) resolveLocked(id GraphID) *Graph {
	for i := 0; i < maxRedirects; i++ {
		if g, ok := r.graphs[id]; ok {
			if !g.retired {
				return g
			}
			id = g.successor
			continue
		}
		next, ok := r.redirects[id]
		if !ok {
			return nil
		}
		id = next
	}
	return nil
}

func (r *Registry) closeModels(models []engine.Model) {
	for _, m := range models {
		if err := m.Close(); err != nil {
			r.log.Warn().Err(err).Msg("model close failed")
		}
	}
}

func graphSubject(id GraphID) string { return "graph/" + strconv.FormatUint(uint64(id), 10) }
