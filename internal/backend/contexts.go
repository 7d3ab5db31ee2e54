package backend

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"nnbackend/internal/events"
	"nnbackend/internal/nnerr"
	"nnbackend/internal/registry"
	"nnbackend/internal/slots"
)

// ExecID is an execution context handle. Zero is never issued.
type ExecID uint32

// ExecContext is one client session bound to a graph and holding a slot.
type ExecContext struct {
	ID        ExecID
	SessionID string
	Priority  slots.Priority
	CreatedAt time.Time

	graph *registry.Graph
	slot  *slots.Slot

	mu         sync.Mutex
	lastActive time.Time
	closed     bool
	cancel     context.CancelCauseFunc
	// done is closed when the running generation returns; nil when idle.
	done   chan struct{}
	turns  int
	input  string
	hasIn  bool
	output []byte
	hasOut bool
}

// begin marks ec as generating and derives the generation context.
func (ec *ExecContext) begin(ctx context.Context) (context.Context, context.CancelCauseFunc, error) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if ec.closed {
		return nil, nil, ErrContextClosed
	}
	if ec.done != nil {
		return nil, nil, ErrBusy
	}
	runCtx, cancel := context.WithCancelCause(ctx)
	ec.cancel = cancel
	ec.done = make(chan struct{})
	return runCtx, cancel, nil
}

func (ec *ExecContext) end(now time.Time, output string, completed bool) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.cancel(nil)
	ec.cancel = nil
	close(ec.done)
	ec.done = nil
	ec.lastActive = now
	if completed {
		ec.turns++
		ec.output = []byte(output)
		ec.hasOut = true
	}
}

func (ec *ExecContext) touch(now time.Time) {
	ec.mu.Lock()
	ec.lastActive = now
	ec.mu.Unlock()
}

func (ec *ExecContext) running() bool {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return ec.done != nil
}

// InitExecutionContext opens a context on graph without queueing. It fails
// with runtime_error when every slot is taken or requests are already
// waiting. A retired graph id binds to its active successor.
func (b *Backend) InitExecutionContext(ctx context.Context, graph registry.GraphID) (ExecID, error) {
	const op = "init_execution_context"
	if err := b.admit(ctx, op); err != nil {
		return 0, err
	}
	g, err := b.acquireGraph(ctx, op, graph)
	if err != nil {
		return 0, err
	}
	slot, err := b.slots.TryAcquire(slots.Normal)
	if err != nil {
		b.reg.Release(g)
		return 0, nnerr.Wrap(nnerr.CodeOf(err), op, err)
	}
	return b.register(op, g, slot)
}

// InitExecutionContextWait opens a context on graph, queueing at priority p
// when no slot is free. The wait ends with a grant, ctx, the task timeout
// (timeout) or teardown (runtime_error). A full queue fails at once.
func (b *Backend) InitExecutionContextWait(ctx context.Context, graph registry.GraphID, p slots.Priority) (ExecID, error) {
	const op = "init_execution_context"
	if err := b.admit(ctx, op); err != nil {
		return 0, err
	}
	g, err := b.acquireGraph(ctx, op, graph)
	if err != nil {
		return 0, err
	}
	t, err := b.slots.Acquire(p)
	if err != nil {
		b.reg.Release(g)
		return 0, nnerr.Wrap(nnerr.CodeOf(err), op, err)
	}
	slot, err := t.Wait(ctx)
	if err != nil {
		b.reg.Release(g)
		return 0, nnerr.Wrap(nnerr.CodeOf(err), op, err)
	}
	return b.register(op, g, slot)
}

// CloseExecutionContext closes id, aborting any generation in flight and
// waiting for it to return. The slot goes back to the pool first so a queued
// request is promoted immediately. Closing a context the backend already
// reclaimed succeeds.
func (b *Backend) CloseExecutionContext(id ExecID) error {
	b.mu.Lock()
	ec, ok := b.contexts[id]
	if !ok {
		_, reclaimed := b.tombstones[id]
		delete(b.tombstones, id)
		b.mu.Unlock()
		if reclaimed {
			return nil
		}
		return nnerr.New(nnerr.InvalidArgument, "close_execution_context", "unknown execution context %d", id)
	}
	delete(b.contexts, id)
	b.mu.Unlock()
	return b.shutdown(context.Background(), ec, ErrContextClosed)
}

// admit runs an on-access reaper pass and makes room under max_sessions.
func (b *Backend) admit(ctx context.Context, op string) error {
	if err := b.checkOpen(op); err != nil {
		return err
	}
	if b.cfg.Backend.AutoCleanup || b.cfg.Backend.AutoQueueCleanup {
		b.slots.Tick(b.now())
	}
	limit := b.cfg.Backend.MaxSessions
	if limit <= 0 {
		return nil
	}
	b.mu.Lock()
	if len(b.contexts) < limit {
		b.mu.Unlock()
		return nil
	}
	if !b.cfg.Backend.AutoCleanup {
		b.mu.Unlock()
		return nnerr.New(nnerr.RuntimeError, op, "max_sessions %d reached", limit)
	}
	var victim *ExecContext
	var oldest time.Time
	for _, ec := range b.contexts {
		if ec.running() {
			continue
		}
		ec.mu.Lock()
		last := ec.lastActive
		ec.mu.Unlock()
		if victim == nil || last.Before(oldest) {
			victim, oldest = ec, last
		}
	}
	if victim == nil {
		b.mu.Unlock()
		return nnerr.New(nnerr.RuntimeError, op, "max_sessions %d reached and every session is busy", limit)
	}
	delete(b.contexts, victim.ID)
	b.tombstones[victim.ID] = ErrEvicted
	b.mu.Unlock()

	b.pub.Publish(events.Event{Name: "session_evicted", Subject: victim.SessionID, Fields: map[string]any{"context": uint32(victim.ID)}})
	b.log.Info().Uint32("context", uint32(victim.ID)).Time("last_active", oldest).Msg("least recently active session evicted")
	return b.shutdown(ctx, victim, ErrEvicted)
}

func (b *Backend) acquireGraph(ctx context.Context, op string, id registry.GraphID) (*registry.Graph, error) {
	if id == 0 {
		return nil, nnerr.New(nnerr.InvalidArgument, op, "graph handle is required")
	}
	g, err := b.reg.Acquire(ctx, id)
	if nnerr.IsNotFound(err) {
		return nil, nnerr.New(nnerr.InvalidArgument, op, "unknown graph %d", id)
	}
	return g, err
}

func (b *Backend) register(op string, g *registry.Graph, slot *slots.Slot) (ExecID, error) {
	b.mu.Lock()
	var err error
	switch {
	case b.closed:
		err = nnerr.Wrap(nnerr.RuntimeError, op, ErrBackendClosed)
	case b.cfg.Backend.MaxSessions > 0 && len(b.contexts) >= b.cfg.Backend.MaxSessions:
		err = nnerr.New(nnerr.RuntimeError, op, "max_sessions %d reached", b.cfg.Backend.MaxSessions)
	}
	if err != nil {
		b.mu.Unlock()
		slot.Release()
		b.reg.Release(g)
		return 0, err
	}
	b.nextID++
	if b.nextID == 0 {
		b.nextID++
	}
	now := b.now()
	ec := &ExecContext{
		ID:         b.nextID,
		SessionID:  uuid.NewString(),
		Priority:   slot.Priority(),
		CreatedAt:  now,
		graph:      g,
		slot:       slot,
		lastActive: now,
	}
	b.contexts[ec.ID] = ec
	open := len(b.contexts)
	b.mu.Unlock()

	slot.OnReclaim(func(cause error) { b.reclaim(ec, cause) })
	b.pub.Publish(events.Event{Name: "context_opened", Subject: ec.SessionID, Fields: map[string]any{
		"context": uint32(ec.ID), "graph": uint32(g.ID), "open": open,
	}})
	b.log.Debug().Uint32("context", uint32(ec.ID)).Uint32("graph", uint32(g.ID)).Str("session", ec.SessionID).Msg("execution context opened")
	return ec.ID, nil
}

// reclaim runs when the slot reaper takes ec's slot for idleness.
func (b *Backend) reclaim(ec *ExecContext, cause error) {
	b.mu.Lock()
	if b.contexts[ec.ID] != ec {
		b.mu.Unlock()
		return
	}
	delete(b.contexts, ec.ID)
	b.tombstones[ec.ID] = cause
	b.mu.Unlock()
	b.log.Info().Uint32("context", uint32(ec.ID)).Err(cause).Msg("idle execution context reclaimed")
	go func() { _ = b.shutdown(context.Background(), ec, cause) }()
}

// shutdown aborts generation on ec, frees its slot, and releases its graph
// once generation has returned. If ctx ends first the graph is released in
// the background.
func (b *Backend) shutdown(ctx context.Context, ec *ExecContext, cause error) error {
	ec.mu.Lock()
	if ec.closed {
		ec.mu.Unlock()
		return nil
	}
	ec.closed = true
	done := ec.done
	if ec.cancel != nil {
		ec.cancel(cause)
	}
	ec.mu.Unlock()

	b.slots.Release(ec.slot)
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			go func() {
				<-done
				b.reg.Release(ec.graph)
			}()
			return ctx.Err()
		}
	}
	b.reg.Release(ec.graph)
	b.pub.Publish(events.Event{Name: "context_closed", Subject: ec.SessionID, Fields: map[string]any{
		"context": uint32(ec.ID), "reason": cause.Error(),
	}})
	return nil
}

// lookup returns the open context id, or the reason it ended.
func (b *Backend) lookup(op string, id ExecID) (*ExecContext, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, nnerr.Wrap(nnerr.RuntimeError, op, ErrBackendClosed)
	}
	if ec, ok := b.contexts[id]; ok {
		return ec, nil
	}
	if cause, ok := b.tombstones[id]; ok {
		return nil, nnerr.Wrap(nnerr.CodeOf(cause), op, cause)
	}
	return nil, nnerr.New(nnerr.InvalidArgument, op, "unknown execution context %d", id)
}

// abandon closes ec after an engine failure. The failure is reported to
// later callers of the context id.
func (b *Backend) abandon(ec *ExecContext, cause error) {
	b.mu.Lock()
	if b.contexts[ec.ID] == ec {
		delete(b.contexts, ec.ID)
		b.tombstones[ec.ID] = cause
	}
	b.mu.Unlock()
	if err := b.shutdown(context.Background(), ec, cause); err != nil && !errors.Is(err, context.Canceled) {
		b.log.Warn().Err(err).Uint32("context", uint32(ec.ID)).Msg("shutdown after engine failure")
	}
}
