package backend

import (
	"sort"

	"nnbackend/pkg/types"
)

// Status builds a point-in-time view for /status.
func (b *Backend) Status() types.StatusResponse {
	st := b.slots.Stats()
	rs := b.reg.Stats()
	resp := types.StatusResponse{
		State: "empty",
		Slots: types.SlotStatus{
			InUse:            st.InUse,
			MaxConcurrent:    st.MaxConcurrent,
			Queued:           st.Queued,
			QueueSize:        st.QueueSize,
			WarningThreshold: st.WarningThreshold,
			RejectThreshold:  st.RejectThreshold,
			Granted:          st.Granted,
			Rejected:         st.Rejected,
			TimedOut:         st.TimedOut,
			Reclaimed:        st.Reclaimed,
		},
		Memory: types.MemoryStatus{
			UsedMB:    rs.UsedMB,
			BudgetMB:  rs.BudgetMB,
			Strategy:  rs.Strategy,
			Evictions: rs.Evictions,
		},
		Warnings: b.cfg.Warnings,
	}
	for _, g := range b.reg.Snapshot() {
		if g.Active {
			resp.State = "ready"
		}
		resp.Graphs = append(resp.Graphs, types.GraphStatus{
			ID:          uint32(g.ID),
			Name:        g.Name,
			Version:     g.Version,
			Adapters:    g.Adapters,
			Active:      g.Active,
			Retired:     g.Retired,
			Resident:    g.Resident,
			LoadRefs:    g.LoadRefs,
			ContextRefs: g.ContextRefs,
			EstMB:       g.EstMB,
			LastUsed:    g.LastUsed.Unix(),
		})
	}

	b.mu.Lock()
	if b.closed {
		resp.State = "closed"
	}
	open := make([]*ExecContext, 0, len(b.contexts))
	for _, ec := range b.contexts {
		open = append(open, ec)
	}
	b.mu.Unlock()
	sort.Slice(open, func(i, j int) bool { return open[i].ID < open[j].ID })
	for _, ec := range open {
		ec.mu.Lock()
		resp.Contexts = append(resp.Contexts, types.ContextStatus{
			ID:         uint32(ec.ID),
			SessionID:  ec.SessionID,
			Graph:      uint32(ec.graph.ID),
			Priority:   ec.Priority.String(),
			Running:    ec.done != nil,
			Turns:      ec.turns,
			CreatedAt:  ec.CreatedAt.Unix(),
			LastActive: ec.lastActive.Unix(),
		})
		ec.mu.Unlock()
	}
	return resp
}

// Session returns the session id of an open context.
func (b *Backend) Session(id ExecID) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ec, ok := b.contexts[id]
	if !ok {
		return "", false
	}
	return ec.SessionID, true
}

// ContextGraph returns the graph id an open context is bound to.
func (b *Backend) ContextGraph(id ExecID) (uint32, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ec, ok := b.contexts[id]
	if !ok {
		return 0, false
	}
	return uint32(ec.graph.ID), true
}
