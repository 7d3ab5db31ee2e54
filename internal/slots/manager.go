package slots

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"nnbackend/internal/events"
)

// Priority orders queued requests when priority scheduling is enabled.
type Priority int

const (
	Low Priority = iota
	Normal
	High
	Urgent
)

func (p Priority) String() string {
	switch p {
	case Low:
		return "low"
	case Normal:
		return "normal"
	case High:
		return "high"
	case Urgent:
		return "urgent"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// ParsePriority accepts the level names; empty means Normal.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(s) {
	case "", "normal":
		return Normal, nil
	case "low":
		return Low, nil
	case "high":
		return High, nil
	case "urgent":
		return Urgent, nil
	}
	return Normal, fmt.Errorf("unknown priority %q", s)
}

// Config bounds the pool and the queue.
type Config struct {
	MaxConcurrent      int
	QueueSize          int
	WarningThreshold   int
	RejectThreshold    int
	TaskTimeout        time.Duration
	IdleTimeout        time.Duration
	AutoCleanup        bool
	AutoQueueCleanup   bool
	PriorityScheduling bool
	FairScheduling     bool
	// FairAging raises a waiting request by one priority level per interval.
	FairAging time.Duration
}

// queueLimit is the queue depth at which new requests are rejected.
func (c Config) queueLimit() int {
	if c.RejectThreshold > 0 && c.RejectThreshold < c.QueueSize {
		return c.RejectThreshold
	}
	return c.QueueSize
}

// Slot is a granted unit of capacity. It stays counted against MaxConcurrent
// until released or reclaimed.
type Slot struct {
	id         uint64
	m          *Manager
	priority   Priority
	acquiredAt time.Time
	lastActive time.Time
	busy       bool
	released   bool
	onReclaim  func(error)
}

func (s *Slot) ID() uint64            { return s.id }
func (s *Slot) Priority() Priority    { return s.priority }
func (s *Slot) AcquiredAt() time.Time { return s.acquiredAt }

// LastActive reports the last Touch (or the grant time).
func (s *Slot) LastActive() time.Time {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	return s.lastActive
}

// Touch marks the slot active now.
func (s *Slot) Touch() { s.m.Touch(s) }

// SetBusy marks the slot as doing work. Busy slots are never idle.
func (s *Slot) SetBusy(busy bool) { s.m.SetBusy(s, busy) }

// Release returns the slot to the pool.
func (s *Slot) Release() bool { return s.m.Release(s) }

// OnReclaim registers fn to run, outside the manager lock, when the slot is
// reclaimed by the idle reaper.
func (s *Slot) OnReclaim(fn func(error)) {
	s.m.mu.Lock()
	s.onReclaim = fn
	s.m.mu.Unlock()
}

// Stats is a point-in-time view of the manager.
type Stats struct {
	InUse            int    `json:"in_use"`
	Queued           int    `json:"queued"`
	MaxConcurrent    int    `json:"max_concurrent"`
	QueueSize        int    `json:"queue_size"`
	WarningThreshold int    `json:"queue_warning_threshold"`
	RejectThreshold  int    `json:"queue_reject_threshold"`
	Granted          uint64 `json:"granted_total"`
	Rejected         uint64 `json:"rejected_total"`
	TimedOut         uint64 `json:"timed_out_total"`
	Reclaimed        uint64 `json:"reclaimed_total"`
}

// Manager is the slot pool and wait queue.
type Manager struct {
	mu     sync.Mutex
	cfg    Config
	now    func() time.Time
	log    zerolog.Logger
	pub    events.Publisher
	inUse  map[uint64]*Slot
	queue  []*Ticket
	seq    uint64
	closed bool

	granted, rejected, timedOut, reclaimed uint64
}

// Option configures a Manager.
type Option func(*Manager)

func WithClock(now func() time.Time) Option   { return func(m *Manager) { m.now = now } }
func WithLogger(l zerolog.Logger) Option      { return func(m *Manager) { m.log = l } }
func WithPublisher(p events.Publisher) Option { return func(m *Manager) { m.pub = events.OrNoop(p) } }

// New builds a Manager. MaxConcurrent must be at least one.
func New(cfg Config, opts ...Option) (*Manager, error) {
	if cfg.MaxConcurrent < 1 {
		return nil, fmt.Errorf("max_concurrent must be >= 1, got %d", cfg.MaxConcurrent)
	}
	if cfg.QueueSize < 0 || cfg.WarningThreshold < 0 || cfg.RejectThreshold < 0 {
		return nil, fmt.Errorf("queue bounds must be non-negative")
	}
	m := &Manager{
		cfg:   cfg,
		now:   time.Now,
		log:   zerolog.Nop(),
		pub:   events.Noop{},
		inUse: make(map[uint64]*Slot),
	}
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

// Config returns the configuration the manager was built with.
func (m *Manager) Config() Config { return m.cfg }

// TryAcquire grants a slot only if one is free right now and nobody is
// waiting; otherwise it fails with ErrRejected without queueing.
func (m *Manager) TryAcquire(p Priority) (*Slot, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	now := m.now()
	if len(m.inUse) >= m.cfg.MaxConcurrent || len(m.queue) > 0 {
		m.rejected++
		inUse := len(m.inUse)
		ev := m.eventLocked("request_rejected", 0, map[string]any{"priority": p.String(), "mode": "immediate"})
		m.mu.Unlock()
		m.pub.Publish(ev)
		m.log.Debug().Int("in_use", inUse).Msg("slot rejected")
		return nil, fmt.Errorf("%w: %d/%d slots in use", ErrRejected, inUse, m.cfg.MaxConcurrent)
	}
	s := m.grantLocked(p, now)
	ev := m.eventLocked("slot_acquired", s.id, map[string]any{"priority": p.String()})
	m.mu.Unlock()
	m.pub.Publish(ev)
	return s, nil
}

// Acquire grants a slot immediately when one is free, otherwise queues the
// request if the queue is below its reject threshold. The returned Ticket is
// either already granted or must be waited on.
func (m *Manager) Acquire(p Priority) (*Ticket, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	now := m.now()
	t := &Ticket{m: m, base: p, ch: make(chan grant, 1)}
	if len(m.inUse) < m.cfg.MaxConcurrent && len(m.queue) == 0 {
		s := m.grantLocked(p, now)
		t.ch <- grant{slot: s}
		ev := m.eventLocked("slot_acquired", s.id, map[string]any{"priority": p.String()})
		m.mu.Unlock()
		m.pub.Publish(ev)
		return t, nil
	}
	if len(m.queue) >= m.cfg.queueLimit() {
		m.rejected++
		ev := m.eventLocked("request_rejected", 0, map[string]any{"priority": p.String(), "mode": "queue"})
		depth := len(m.queue)
		m.mu.Unlock()
		m.pub.Publish(ev)
		m.log.Warn().Int("queue_depth", depth).Int("limit", m.cfg.queueLimit()).Msg("queue full, request rejected")
		return nil, fmt.Errorf("%w: queue depth %d at limit %d", ErrRejected, depth, m.cfg.queueLimit())
	}
	m.seq++
	t.seq = m.seq
	t.enqueuedAt = now
	t.queued = true
	m.queue = append(m.queue, t)
	evs := []events.Event{m.eventLocked("request_queued", 0, map[string]any{"priority": p.String(), "ticket": t.seq})}
	depth := len(m.queue)
	w := m.cfg.WarningThreshold
	crossed := w > 0 && depth == w
	if crossed {
		evs = append(evs, m.eventLocked("queue_warning", 0, map[string]any{"threshold": w}))
	}
	m.mu.Unlock()
	for _, ev := range evs {
		m.pub.Publish(ev)
	}
	if crossed {
		m.log.Warn().Int("queue_depth", depth).Int("threshold", w).Msg("queue depth reached warning threshold")
	}
	return t, nil
}

// Release returns s to the pool and promotes the next queued request. It
// reports false if the slot was already released or reclaimed.
func (m *Manager) Release(s *Slot) bool {
	if s == nil {
		return false
	}
	m.mu.Lock()
	if s.released {
		m.mu.Unlock()
		return false
	}
	s.released = true
	delete(m.inUse, s.id)
	evs := []events.Event{m.eventLocked("slot_released", s.id, nil)}
	evs = append(evs, m.promoteLocked(m.now())...)
	m.mu.Unlock()
	for _, ev := range evs {
		m.pub.Publish(ev)
	}
	return true
}

// Touch records activity on s.
func (m *Manager) Touch(s *Slot) {
	m.mu.Lock()
	if !s.released {
		s.lastActive = m.now()
	}
	m.mu.Unlock()
}

// SetBusy marks s busy or idle. Either transition counts as activity, so the
// idle clock restarts when work ends.
func (m *Manager) SetBusy(s *Slot, busy bool) {
	m.mu.Lock()
	if !s.released {
		s.busy = busy
		s.lastActive = m.now()
	}
	m.mu.Unlock()
}

// Close fails every queued request with ErrClosed and refuses new requests.
// Slots already granted stay valid until released. It returns the number of
// waiters failed.
func (m *Manager) Close() int {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0
	}
	m.closed = true
	drained := m.queue
	m.queue = nil
	for _, t := range drained {
		t.queued = false
		t.ch <- grant{err: ErrClosed}
	}
	ev := m.eventLocked("queue_drained", 0, map[string]any{"failed": len(drained)})
	m.mu.Unlock()
	m.pub.Publish(ev)
	if len(drained) > 0 {
		m.log.Info().Int("failed", len(drained)).Msg("queue drained on close")
	}
	return len(drained)
}

// Stats returns current counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		InUse:            len(m.inUse),
		Queued:           len(m.queue),
		MaxConcurrent:    m.cfg.MaxConcurrent,
		QueueSize:        m.cfg.QueueSize,
		WarningThreshold: m.cfg.WarningThreshold,
		RejectThreshold:  m.cfg.queueLimit(),
		Granted:          m.granted,
		Rejected:         m.rejected,
		TimedOut:         m.timedOut,
		Reclaimed:        m.reclaimed,
	}
}

func (m *Manager) grantLocked(p Priority, now time.Time) *Slot {
	m.seq++
	s := &Slot{id: m.seq, m: m, priority: p, acquiredAt: now, lastActive: now}
	m.inUse[s.id] = s
	m.granted++
	return s
}

// eventLocked snapshots pool gauges into the event fields.
func (m *Manager) eventLocked(name string, slot uint64, fields map[string]any) events.Event {
	if fields == nil {
		fields = make(map[string]any, 2)
	}
	fields["in_use"] = len(m.inUse)
	fields["queued"] = len(m.queue)
	subject := ""
	if slot != 0 {
		subject = fmt.Sprintf("slot-%d", slot)
	}
	return events.Event{Name: name, Subject: subject, Fields: fields}
}
