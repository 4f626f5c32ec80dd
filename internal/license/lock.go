package license

import (
	"context"
	"log/slog"
	"sync"
)

// LockState is the observable UI state driven by check verdicts.
type LockState int

const (
	Unlocked LockState = iota
	Locked
)

func (s LockState) String() string {
	if s == Locked {
		return "locked"
	}
	return "unlocked"
}

// Overlay is the outbound lock UI. Lock shows a blocking screen, Unlock
// dismisses it. The guard never manipulates UI directly.
type Overlay interface {
	Lock(ctx context.Context, v Verdict)
	Unlock(ctx context.Context)
}

// OverlayFuncs adapts two functions to Overlay. Nil fields are skipped.
type OverlayFuncs struct {
	OnLock   func(ctx context.Context, v Verdict)
	OnUnlock func(ctx context.Context)
}

func (o OverlayFuncs) Lock(ctx context.Context, v Verdict) {
	if o.OnLock != nil {
		o.OnLock(ctx, v)
	}
}

func (o OverlayFuncs) Unlock(ctx context.Context) {
	if o.OnUnlock != nil {
		o.OnUnlock(ctx)
	}
}

// MultiOverlay fans transitions out to several overlays in order.
type MultiOverlay []Overlay

func (m MultiOverlay) Lock(ctx context.Context, v Verdict) {
	for _, o := range m {
		o.Lock(ctx, v)
	}
}

func (m MultiOverlay) Unlock(ctx context.Context) {
	for _, o := range m {
		o.Unlock(ctx)
	}
}

// LockController is the two-state machine between verdicts and the
// overlay. It starts Unlocked and calls the overlay only on transitions.
type LockController struct {
	mu      sync.Mutex
	state   LockState
	overlay Overlay
	logger  *slog.Logger
	metrics *Metrics
}

// NewLockController creates a controller in the Unlocked state. A nil
// overlay only tracks state.
func NewLockController(overlay Overlay, logger *slog.Logger, metrics *Metrics) *LockController {
	if overlay == nil {
		overlay = OverlayFuncs{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LockController{
		overlay: overlay,
		logger:  logger,
		metrics: metrics,
	}
}

// Observe feeds one verdict and returns the resulting state.
func (c *LockController) Observe(ctx context.Context, v Verdict) LockState {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := Locked
	if v.Active() {
		next = Unlocked
	}
	if next == c.state {
		return c.state
	}

	c.logger.LogAttrs(ctx, slog.LevelInfo, "Lock state changed",
		slog.String("event", "lock_state_changed"),
		slog.String("from", c.state.String()),
		slog.String("to", next.String()),
		slog.String("verdict", v.String()),
	)
	c.state = next
	c.metrics.recordLockTransition(ctx, next)

	if next == Locked {
		c.overlay.Lock(ctx, v)
	} else {
		c.overlay.Unlock(ctx)
	}
	return next
}

// State returns the current state.
func (c *LockController) State() LockState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}
