// Package slots provides admission control for execution contexts.
//
// A Manager owns a fixed pool of MaxConcurrent slots and a bounded wait queue.
// All pool and queue state is guarded by one mutex so acquire, release and
// tick are linearizable with respect to each other:
//
//   - manager.go: Manager, Config, acquire/release and stats.
//   - queue.go: Ticket and the scheduling order for queued requests.
//   - reaper.go: Tick and the background idle reaper.
//   - errors.go: sentinel errors with backend status codes.
package slots
