package backend

import "nnbackend/internal/nnerr"

var (
	// ErrBusy is returned when a context is already generating.
	ErrBusy = nnerr.NewSentinel(nnerr.RuntimeError, "execution context busy")
	// ErrContextClosed aborts generation on a context closed by its owner.
	ErrContextClosed = nnerr.NewSentinel(nnerr.RuntimeError, "execution context closed")
	// ErrEvicted aborts generation on a context evicted for max_sessions.
	ErrEvicted = nnerr.NewSentinel(nnerr.RuntimeError, "execution context evicted")
	// ErrBackendClosed is returned after Deinit.
	ErrBackendClosed = nnerr.NewSentinel(nnerr.RuntimeError, "backend deinitialized")
	// ErrNoOutput is returned by GetOutput before Compute has produced output.
	ErrNoOutput = nnerr.NewSentinel(nnerr.InvalidArgument, "no output computed")

	errDeadline = nnerr.NewSentinel(nnerr.Timeout, "generation deadline")
)
