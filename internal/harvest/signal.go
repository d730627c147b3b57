package harvest

import "sync/atomic"

// AbortSignal is the process-wide cooperative stop flag. It is set once by
// an external stop request and never reset; every loop level polls it
// before starting new work, so cancellation takes effect at the next safe
// point rather than interrupting anything mid-flight.
type AbortSignal struct {
	aborted atomic.Bool
}

// NewAbortSignal returns an untripped signal.
func NewAbortSignal() *AbortSignal {
	return &AbortSignal{}
}

// RequestAbort trips the flag. Safe to call from any goroutine, repeatedly.
func (s *AbortSignal) RequestAbort() {
	s.aborted.Store(true)
}

// Aborted reports whether an abort has been requested.
func (s *AbortSignal) Aborted() bool {
	return s.aborted.Load()
}
