package slots

import (
	"context"
	"time"

	"nnbackend/internal/events"
)

type grant struct {
	slot *Slot
	err  error
}

// Ticket is the handle for one Acquire call.
type Ticket struct {
	m          *Manager
	seq        uint64
	base       Priority
	enqueuedAt time.Time
	ch         chan grant
	// queued is true while the ticket sits in the manager queue; guarded by m.mu.
	queued bool
}

// Queued reports whether the request is still waiting.
func (t *Ticket) Queued() bool {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	return t.queued
}

// Wait blocks until the request is granted, fails, ctx ends, or the task
// timeout measured from enqueue time expires. A request that times out or is
// canceled is removed from the queue.
func (t *Ticket) Wait(ctx context.Context) (*Slot, error) {
	select {
	case g := <-t.ch:
		return g.slot, g.err
	default:
	}
	var expire <-chan time.Time
	if tt := t.m.cfg.TaskTimeout; tt > 0 {
		remaining := t.enqueuedAt.Add(tt).Sub(t.m.now())
		if remaining < 0 {
			remaining = 0
		}
		timer := time.NewTimer(remaining)
		defer timer.Stop()
		expire = timer.C
	}
	select {
	case g := <-t.ch:
		return g.slot, g.err
	case <-expire:
		if t.withdraw(ErrQueueTimeout) {
			return nil, ErrQueueTimeout
		}
		// granted or failed concurrently; the result wins
		g := <-t.ch
		return g.slot, g.err
	case <-ctx.Done():
		if t.withdraw(nil) {
			return nil, ctx.Err()
		}
		g := <-t.ch
		if g.slot != nil {
			t.m.Release(g.slot)
		}
		return nil, ctx.Err()
	}
}

// Cancel withdraws a queued request, or releases the slot if it was already
// granted and not yet collected by Wait.
func (t *Ticket) Cancel() {
	if t.withdraw(nil) {
		return
	}
	select {
	case g := <-t.ch:
		if g.slot != nil {
			t.m.Release(g.slot)
		}
	default:
	}
}

// withdraw removes t from the queue. It reports false if t was no longer
// queued. A non-nil reason counts the request as timed out.
func (t *Ticket) withdraw(reason error) bool {
	m := t.m
	m.mu.Lock()
	if !t.queued {
		m.mu.Unlock()
		return false
	}
	m.removeLocked(t)
	name := "request_canceled"
	if reason != nil {
		m.timedOut++
		name = "queue_timeout"
	}
	ev := m.eventLocked(name, 0, map[string]any{"ticket": t.seq})
	m.mu.Unlock()
	m.pub.Publish(ev)
	return true
}

func (m *Manager) removeLocked(t *Ticket) {
	for i, q := range m.queue {
		if q == t {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			break
		}
	}
	t.queued = false
}

// effective is the scheduling priority of t at now. Without priority
// scheduling all requests are equal and order is FIFO. With fair scheduling a
// request gains one level per FairAging waited, capped at Urgent.
func (m *Manager) effective(t *Ticket, now time.Time) Priority {
	if !m.cfg.PriorityScheduling {
		return Normal
	}
	p := t.base
	if m.cfg.FairScheduling && m.cfg.FairAging > 0 {
		p += Priority(now.Sub(t.enqueuedAt) / m.cfg.FairAging)
		if p > Urgent {
			p = Urgent
		}
	}
	return p
}

// before reports whether a is scheduled ahead of b: higher effective
// priority first, then earliest enqueue time, then arrival sequence.
func (m *Manager) before(a, b *Ticket, now time.Time) bool {
	pa, pb := m.effective(a, now), m.effective(b, now)
	if pa != pb {
		return pa > pb
	}
	if !a.enqueuedAt.Equal(b.enqueuedAt) {
		return a.enqueuedAt.Before(b.enqueuedAt)
	}
	return a.seq < b.seq
}

func (m *Manager) nextLocked(now time.Time) int {
	best := -1
	for i, t := range m.queue {
		if best < 0 || m.before(t, m.queue[best], now) {
			best = i
		}
	}
	return best
}

// promoteLocked hands free slots to queued requests in scheduling order.
func (m *Manager) promoteLocked(now time.Time) []events.Event {
	var evs []events.Event
	for len(m.inUse) < m.cfg.MaxConcurrent && len(m.queue) > 0 {
		t := m.queue[m.nextLocked(now)]
		m.removeLocked(t)
		s := m.grantLocked(t.base, now)
		t.ch <- grant{slot: s}
		evs = append(evs, m.eventLocked("slot_promoted", s.id, map[string]any{
			"ticket":   t.seq,
			"waited":   now.Sub(t.enqueuedAt).String(),
			"priority": t.base.String(),
		}))
	}
	return evs
}

// Order returns the ticket sequence numbers in the order they would be
// granted at now.
func (m *Manager) Order(now time.Time) []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	rest := append([]*Ticket(nil), m.queue...)
	out := make([]uint64, 0, len(rest))
	for len(rest) > 0 {
		best := 0
		for i := 1; i < len(rest); i++ {
			if m.before(rest[i], rest[best], now) {
				best = i
			}
		}
		out = append(out, rest[best].seq)
		rest = append(rest[:best], rest[best+1:]...)
	}
	return out
}

// Seq identifies the ticket in Order results.
func (t *Ticket) Seq() uint64 { return t.seq }
