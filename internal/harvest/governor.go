package harvest

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/propwatch/listing-harvester/internal/metrics"
)

const defaultBacklogThreshold = 500

// GovernorConfig controls backpressure pacing.
type GovernorConfig struct {
	// Threshold is the backlog ceiling at which intake pauses.
	Threshold int64
}

// Governor halts intake once the downstream backlog reaches a configured
// ceiling. Pausing is cooperative: the driver persists its position and
// returns control rather than blocking, and resumes on a later pass once
// consumers have drained below threshold.
//
// The comparison is advisory, not transactional; multiple drivers may
// produce concurrently and the count may lag.
type Governor struct {
	threshold int64
	tally     atomic.Int64
	authority BacklogCounter
	logger    *zap.Logger
}

// NewGovernor constructs a Governor. authority may be nil, in which case
// the process-local produced tally stands in for the real backlog.
func NewGovernor(cfg GovernorConfig, authority BacklogCounter, logger *zap.Logger) *Governor {
	if cfg.Threshold <= 0 {
		cfg.Threshold = defaultBacklogThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Governor{
		threshold: cfg.Threshold,
		authority: authority,
		logger:    logger.Named("governor"),
	}
}

// Produced records units handed downstream by this process.
func (g *Governor) Produced(n int) {
	if n > 0 {
		g.tally.Add(int64(n))
	}
}

// Backlog returns the current pending count: the authoritative store count
// when wired, else the local tally.
func (g *Governor) Backlog(ctx context.Context) (int64, error) {
	if g.authority == nil {
		return g.tally.Load(), nil
	}
	return g.authority.PendingCount(ctx)
}

// ShouldPause reports whether intake should yield. A count failure logs and
// returns false: backpressure is best-effort and must never stall intake on
// its own error.
func (g *Governor) ShouldPause(ctx context.Context) bool {
	count, err := g.Backlog(ctx)
	if err != nil {
		g.logger.Warn("backlog count unavailable", zap.Error(err))
		return false
	}
	metrics.SetBacklogPending(count)
	return count >= g.threshold
}
