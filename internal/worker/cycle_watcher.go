// Package worker holds the background loops of a peer: the cycle watcher
// that catches a month rollover while the host stays idle, and the export
// worker that retries archived cycles the sheet did not accept.
package worker

import (
	"context"
	"time"

	"payflow/internal/log"
)

// DefaultCheckInterval is used when no interval is configured.
const DefaultCheckInterval = 15 * time.Minute

// Foregrounder re-runs the reset policy against persisted state.
type Foregrounder interface {
	OnForeground(ctx context.Context) bool
}

// CycleWatcher calls OnForeground on a fixed interval.
type CycleWatcher struct {
	target   Foregrounder
	interval time.Duration
	logger   *log.Logger
}

func NewCycleWatcher(target Foregrounder, interval time.Duration, logger *log.Logger) *CycleWatcher {
	if interval <= 0 {
		interval = DefaultCheckInterval
	}
	if logger == nil {
		logger = log.Default(log.ComponentWorker)
	}
	return &CycleWatcher{target: target, interval: interval, logger: logger}
}

// Check runs one pass and reports whether a reset was dispatched.
func (w *CycleWatcher) Check(ctx context.Context) bool {
	reset := w.target.OnForeground(ctx)
	if reset {
		w.logger.InfoContext(ctx, "Cycle rollover detected", log.FieldOperation, log.OpReset)
	}
	return reset
}

// Run checks once on startup and then on every tick until ctx is done.
func (w *CycleWatcher) Run(ctx context.Context) error {
	w.logger.InfoContext(ctx, "Cycle watcher started", "interval", w.interval)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			w.logger.InfoContext(ctx, "Cycle watcher stopped")
			return nil
		case now := <-ticker.C:
			if !w.Check(ctx) {
				w.logger.DebugContext(ctx, "Cycle unchanged",
					"next_check", now.Add(w.interval).Format("15:04:05"))
			}
		}
	}
}
