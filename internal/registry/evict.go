package registry

import (
	"fmt"

	"nnbackend/internal/engine"
	"nnbackend/internal/events"
)

// reserveLocked accounts needMB against the budget, evicting resident graphs
// that no context references until it fits. keep is never evicted. The
// evicted models are returned for closing outside the lock.
func (r *Registry) reserveLocked(needMB int, keep *Graph) ([]engine.Model, error) {
	var closing []engine.Model
	for r.budgetMB > 0 && r.usedMB+needMB > r.budgetMB {
		victim := r.victimLocked(keep)
		if victim == nil {
			r.pub.Publish(events.Event{Name: "budget_exceeded", Fields: map[string]any{
				"need_mb": needMB, "used_mb": r.usedMB, "budget_mb": r.budgetMB,
			}})
			return closing, fmt.Errorf("memory budget exceeded: need %d MB, %d of %d MB in use by referenced graphs", needMB, r.usedMB, r.budgetMB)
		}
		closing = append(closing, victim.model)
		victim.model = nil
		r.usedMB -= victim.EstMB
		r.evictions++
		r.pub.Publish(events.Event{Name: "graph_evicted", Subject: graphSubject(victim.ID), Fields: map[string]any{
			"strategy": r.strategy, "est_mb": victim.EstMB,
		}})
		r.log.Info().Uint32("graph", uint32(victim.ID)).Str("strategy", r.strategy).Int("freed_mb", victim.EstMB).Msg("graph evicted")
	}
	r.usedMB += needMB
	return closing, nil
}

// victimLocked picks the resident, context-free graph to evict: least
// recently used for "lru", earliest loaded for "fifo".
func (r *Registry) victimLocked(keep *Graph) *Graph {
	var pick *Graph
	for _, g := range r.graphs {
		if g == keep || g.model == nil || g.ctxRefs > 0 {
			continue
		}
		if pick == nil || r.older(g, pick) {
			pick = g
		}
	}
	return pick
}

func (r *Registry) older(a, b *Graph) bool {
	if r.strategy == "fifo" {
		if a.LoadedAt.Equal(b.LoadedAt) {
			return a.ID < b.ID
		}
		return a.LoadedAt.Before(b.LoadedAt)
	}
	if a.lastUsed.Equal(b.lastUsed) {
		return a.ID < b.ID
	}
	return a.lastUsed.Before(b.lastUsed)
}
