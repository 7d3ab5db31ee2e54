package slots

import "nnbackend/internal/nnerr"

var (
	// ErrRejected is returned when no slot is free and the queue is full.
	ErrRejected = nnerr.NewSentinel(nnerr.RuntimeError, "concurrency limit exceeded")
	// ErrQueueTimeout fails a queued request that waited past the task timeout.
	ErrQueueTimeout = nnerr.NewSentinel(nnerr.Timeout, "queued request timed out")
	// ErrIdleTimeout is passed to reclaim hooks of slots reaped for inactivity.
	ErrIdleTimeout = nnerr.NewSentinel(nnerr.Timeout, "session idle timeout")
	// ErrClosed is returned once the manager has been closed.
	ErrClosed = nnerr.NewSentinel(nnerr.RuntimeError, "slot manager closed")
)
