package slots

import (
	"context"
	"time"

	"nnbackend/internal/events"
)

// TickReport summarizes one reaper pass.
type TickReport struct {
	Reclaimed []uint64
	Expired   int
	Promoted  int
}

// Tick reclaims non-busy slots idle longer than IdleTimeout (when
// AutoCleanup is set), fails queued requests older than TaskTimeout (when
// AutoQueueCleanup is set), and promotes waiters into freed slots. Reclaim hooks run after the
// lock is released.
func (m *Manager) Tick(now time.Time) TickReport {
	var rep TickReport
	var hooks []func(error)
	var evs []events.Event

	m.mu.Lock()
	if m.cfg.AutoCleanup && m.cfg.IdleTimeout > 0 {
		for id, s := range m.inUse {
			if s.busy || now.Sub(s.lastActive) <= m.cfg.IdleTimeout {
				continue
			}
			s.released = true
			delete(m.inUse, id)
			m.reclaimed++
			rep.Reclaimed = append(rep.Reclaimed, id)
			if s.onReclaim != nil {
				hooks = append(hooks, s.onReclaim)
			}
			evs = append(evs, m.eventLocked("slot_reclaimed", id, map[string]any{"idle": now.Sub(s.lastActive).String()}))
		}
	}
	if m.cfg.AutoQueueCleanup && m.cfg.TaskTimeout > 0 {
		kept := m.queue[:0]
		for _, t := range m.queue {
			if now.Sub(t.enqueuedAt) < m.cfg.TaskTimeout {
				kept = append(kept, t)
				continue
			}
			t.queued = false
			t.ch <- grant{err: ErrQueueTimeout}
			m.timedOut++
			rep.Expired++
			evs = append(evs, m.eventLocked("queue_timeout", 0, map[string]any{"ticket": t.seq}))
		}
		for i := len(kept); i < len(m.queue); i++ {
			m.queue[i] = nil
		}
		m.queue = kept
	}
	promoted := m.promoteLocked(now)
	rep.Promoted = len(promoted)
	evs = append(evs, promoted...)
	m.mu.Unlock()

	for _, ev := range evs {
		m.pub.Publish(ev)
	}
	for _, fn := range hooks {
		fn(ErrIdleTimeout)
	}
	if len(rep.Reclaimed) > 0 || rep.Expired > 0 {
		m.log.Info().Int("reclaimed", len(rep.Reclaimed)).Int("expired", rep.Expired).Int("promoted", rep.Promoted).Msg("reaper pass")
	}
	return rep
}

// Start runs Tick every interval until ctx is done.
func (m *Manager) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Tick(m.now())
			}
		}
	}()
}
