package license

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"trialguard/internal/clock"
	"trialguard/internal/infrastructure"
)

// Watchdog re-checks the license on a fixed period and drives the lock
// overlay. Detection latency is at most one period.
type Watchdog struct {
	guard  *Guard
	clock  clock.Source
	period time.Duration
	logger *slog.Logger
}

// NewWatchdog creates a watchdog ticking every period on src.
func NewWatchdog(guard *Guard, src clock.Source, period time.Duration, logger *slog.Logger) (*Watchdog, error) {
	if guard == nil {
		return nil, fmt.Errorf("watchdog requires a guard")
	}
	if period <= 0 {
		return nil, fmt.Errorf("watchdog period must be positive, got %s", period)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watchdog{
		guard:  guard,
		clock:  src,
		period: period,
		logger: logger.With(slog.String("component", "license_watchdog")),
	}, nil
}

// Tick runs one check under a fresh trace id.
func (w *Watchdog) Tick(ctx context.Context) Verdict {
	ctx = infrastructure.WithTraceID(ctx, uuid.NewString())
	return w.guard.Tick(ctx)
}

// Run ticks until ctx is cancelled. Each tick runs to completion before
// the next one is taken.
func (w *Watchdog) Run(ctx context.Context) error {
	ticker := w.clock.NewTicker(w.period)
	defer ticker.Stop()

	w.logger.InfoContext(ctx, "License watchdog started", slog.Duration("period", w.period))
	defer w.logger.Info("License watchdog stopped")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.Tick(ctx)
		}
	}
}
