package pool

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Default cadence for proactive token refresh. The threshold is comfortably
// above the one-minute inline refresh window so the request path rarely has
// to refresh.
const (
	DefaultRefreshInterval  = 5 * time.Minute
	DefaultRefreshThreshold = 15 * time.Minute
)

// Refresher periodically refreshes tokens before they expire so the request
// path almost never pays refresh latency.
type Refresher struct {
	pool      *Pool
	interval  time.Duration
	threshold time.Duration
	logger    *zap.Logger
}

// NewRefresher builds a refresher over pool. Non-positive interval or
// threshold fall back to the defaults.
func NewRefresher(pool *Pool, interval, threshold time.Duration, logger *zap.Logger) *Refresher {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	if threshold <= 0 {
		threshold = DefaultRefreshThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Refresher{pool: pool, interval: interval, threshold: threshold, logger: logger}
}

// Run executes refresh passes every interval until ctx is cancelled. The
// first pass happens one full interval after start; tokens were just loaded
// and do not need immediate attention.
func (r *Refresher) Run(ctx context.Context) {
	r.logger.Info("background refresher started",
		zap.Duration("interval", r.interval),
		zap.Duration("threshold", r.threshold))

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("background refresher stopped")
			return
		case <-ticker.C:
			r.pool.RefreshExpiring(ctx, r.threshold)
		}
	}
}
