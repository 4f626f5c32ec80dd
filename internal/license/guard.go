package license

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"trialguard/internal/clock"
	"trialguard/internal/device"
	apperrors "trialguard/internal/errors"
)

// Options configures a Guard. Store, Clock, Device, Policy, GrantDays and
// ActivationKey are required.
type Options struct {
	Store  *Store
	Clock  clock.Source
	Device device.Identity
	Policy Policy

	// GrantDays is the extension applied by a successful activation.
	GrantDays int
	// AutoGrantDays, when positive, starts a trial on the first check
	// that finds no license file. Zero requires activation first.
	AutoGrantDays int
	ActivationKey string

	// Overlay receives lock and unlock transitions. Optional.
	Overlay Overlay

	Logger  *slog.Logger
	Metrics *Metrics
	Tracer  trace.Tracer
}

// Guard owns the license state for one process. Every exported method is
// a discrete step; steps never overlap.
type Guard struct {
	mu sync.Mutex
	// tickMu keeps a verdict and its overlay transition together.
	tickMu sync.Mutex

	store         *Store
	clock         clock.Source
	device        device.Identity
	policy        Policy
	grantDays     int
	autoGrantDays int
	activationKey []byte

	lock    *LockController
	logger  *slog.Logger
	metrics *Metrics
	tracer  trace.Tracer
}

// NewGuard validates opts and builds a Guard.
func NewGuard(opts Options) (*Guard, error) {
	switch {
	case opts.Store == nil:
		return nil, errors.New("license store is required")
	case opts.Clock == nil:
		return nil, errors.New("clock source is required")
	case opts.Device == nil:
		return nil, errors.New("device identity is required")
	case opts.GrantDays <= 0:
		return nil, fmt.Errorf("grant days must be positive, got %d", opts.GrantDays)
	case opts.AutoGrantDays < 0:
		return nil, fmt.Errorf("auto grant days must not be negative, got %d", opts.AutoGrantDays)
	case strings.TrimSpace(opts.ActivationKey) == "":
		return nil, errors.New("activation key is required")
	}
	if err := opts.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "license_guard"))

	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer(TracerName)
	}

	return &Guard{
		store:         opts.Store,
		clock:         opts.Clock,
		device:        opts.Device,
		policy:        opts.Policy,
		grantDays:     opts.GrantDays,
		autoGrantDays: opts.AutoGrantDays,
		activationKey: []byte(strings.TrimSpace(opts.ActivationKey)),
		lock:          NewLockController(opts.Overlay, logger, opts.Metrics),
		logger:        logger,
		metrics:       opts.Metrics,
		tracer:        tracer,
	}, nil
}

// IsActive runs one check and reports whether the trial may continue.
// Calling it advances the usage ledger.
func (g *Guard) IsActive(ctx context.Context) bool {
	return g.Check(ctx).Active()
}

// Check loads the record, evaluates it against the clocks and persists
// the result unless the clock was rolled back. A failed write is logged
// and the verdict still stands for this session.
func (g *Guard) Check(ctx context.Context) Verdict {
	g.mu.Lock()
	defer g.mu.Unlock()

	ctx, span := g.tracer.Start(ctx, "license.check",
		trace.WithAttributes(
			attribute.String("license.operation", "check"),
			attribute.String("component", "license_guard"),
		),
	)
	defer span.End()

	start := time.Now()
	verdict, rec := g.check(ctx)
	g.metrics.recordCheck(ctx, verdict, time.Since(start))

	daysLeft := 0
	if rec != nil {
		daysLeft = remainingDays(rec.ExpiresAt, g.clock.Now().Unix())
		g.metrics.recordState(ctx, rec.ConsumedSecs, daysLeft)
	}

	span.SetAttributes(
		attribute.String("license.verdict", verdict.Kind.String()),
		attribute.String("license.reason", string(verdict.Reason)),
	)
	if verdict.Active() {
		span.SetStatus(codes.Ok, "license active")
	} else {
		span.SetStatus(codes.Error, verdict.String())
	}

	attrs := []slog.Attr{
		slog.String("event", "license_check"),
		slog.String("verdict", verdict.Kind.String()),
		slog.String("reason", string(verdict.Reason)),
		slog.Int("days_left", daysLeft),
	}
	if rec != nil {
		attrs = append(attrs, slog.Int64("consumed_secs", rec.ConsumedSecs))
	}
	g.logger.LogAttrs(ctx, slog.LevelDebug, "License check completed", attrs...)

	return verdict
}

// check returns the verdict and the record it was computed from, nil when
// no valid record exists.
func (g *Guard) check(ctx context.Context) (Verdict, *Record) {
	deviceID := g.device.CurrentID()
	nowWall := g.clock.Now().Unix()
	nowMono := g.clock.Monotonic()

	rec, err := g.store.Load(deviceID)
	if err != nil {
		g.recordLoadFailure(ctx, err)
		if !errors.Is(err, apperrors.ErrNoLicense) || g.autoGrantDays == 0 {
			return noLicenseVerdict, nil
		}
		return g.autoGrant(ctx, deviceID, nowWall, nowMono)
	}

	next, verdict := Evaluate(rec, nowWall, nowMono, g.policy)
	if verdict.Kind == VerdictTampered {
		g.logger.LogAttrs(ctx, slog.LevelWarn, "Clock rollback detected",
			slog.String("event", "clock_rollback_detected"),
			slog.Int64("last_wall", rec.LastWall),
			slog.Int64("now_wall", nowWall),
			slog.Int64("skew_secs", g.policy.SmallSkewSecs),
		)
		return verdict, &rec
	}

	if err := g.store.Save(next, deviceID); err != nil {
		g.metrics.recordSaveFailure(ctx, "check")
		g.logger.LogAttrs(ctx, slog.LevelError, "Failed to persist license checkpoint",
			slog.String("event", "license_save_failed"),
			slog.String("path", g.store.Path()),
			slog.String("error", err.Error()),
		)
		trace.SpanFromContext(ctx).RecordError(err)
	}
	return verdict, &next
}

// autoGrant starts a trial when no license file exists. The grant only
// counts once it is on disk; otherwise every check would mint a new one.
func (g *Guard) autoGrant(ctx context.Context, deviceID string, nowWall int64, nowMono float64) (Verdict, *Record) {
	rec := freshRecord(g.autoGrantDays, nowWall, nowMono)
	if err := g.store.Save(rec, deviceID); err != nil {
		g.metrics.recordSaveFailure(ctx, "auto_grant")
		g.logger.LogAttrs(ctx, slog.LevelError, "Failed to persist trial grant",
			slog.String("event", "license_save_failed"),
			slog.String("path", g.store.Path()),
			slog.String("error", err.Error()),
		)
		trace.SpanFromContext(ctx).RecordError(err)
		return noLicenseVerdict, nil
	}

	g.metrics.recordExtension(ctx, g.autoGrantDays)
	g.logger.LogAttrs(ctx, slog.LevelInfo, "Trial started",
		slog.String("event", "license_extended"),
		slog.Int("days", g.autoGrantDays),
		slog.Time("expires_at", time.Unix(rec.ExpiresAt, 0).UTC()),
	)
	return expiryVerdict(rec, nowWall, g.policy.UsageCapSecs), &rec
}

func (g *Guard) recordLoadFailure(ctx context.Context, err error) {
	cause := "corrupt"
	level := slog.LevelWarn
	switch {
	case errors.Is(err, apperrors.ErrNoLicense):
		cause = "missing"
		level = slog.LevelDebug
	case errors.Is(err, apperrors.ErrSignatureMismatch):
		cause = "signature_mismatch"
	}
	g.metrics.recordInvalidRecord(ctx, cause)
	g.logger.LogAttrs(ctx, level, "License record unavailable",
		slog.String("event", "license_record_invalid"),
		slog.String("cause", cause),
		slog.String("error", err.Error()),
	)
}

// RemainingCalendarDays returns whole calendar days until the deadline,
// zero when there is no valid record. It is optimistic: the usage cap can
// end the trial sooner. It does not advance the ledger.
func (g *Guard) RemainingCalendarDays(ctx context.Context) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, err := g.store.Load(g.device.CurrentID())
	if err != nil {
		return 0
	}
	return remainingDays(rec.ExpiresAt, g.clock.Now().Unix())
}

// Extend moves the calendar deadline forward by days from the later of
// the current deadline and now. Without a valid record it starts a fresh
// one granting exactly days. Consumed usage is left as is.
func (g *Guard) Extend(ctx context.Context, days int) error {
	if days <= 0 {
		return fmt.Errorf("extension must be positive, got %d days", days)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	ctx, span := g.tracer.Start(ctx, "license.extend",
		trace.WithAttributes(
			attribute.String("license.operation", "extend"),
			attribute.Int("license.days", days),
		),
	)
	defer span.End()

	if err := g.extend(ctx, days); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "license extended")
	return nil
}

func (g *Guard) extend(ctx context.Context, days int) error {
	deviceID := g.device.CurrentID()
	nowWall := g.clock.Now().Unix()

	rec, loadErr := g.store.Load(deviceID)
	if loadErr != nil {
		rec = freshRecord(days, nowWall, g.clock.Monotonic())
	} else {
		rec.ExpiresAt = max(rec.ExpiresAt, nowWall) + int64(days)*SecondsPerDay
	}

	if err := g.store.Save(rec, deviceID); err != nil {
		g.metrics.recordSaveFailure(ctx, "extend")
		g.logger.LogAttrs(ctx, slog.LevelError, "Failed to persist license extension",
			slog.String("event", "license_save_failed"),
			slog.String("path", g.store.Path()),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("extend license: %w", err)
	}

	g.metrics.recordExtension(ctx, days)
	g.logger.LogAttrs(ctx, slog.LevelInfo, "License extended",
		slog.String("event", "license_extended"),
		slog.Int("days", days),
		slog.Time("expires_at", time.Unix(rec.ExpiresAt, 0).UTC()),
		slog.Bool("fresh_record", loadErr != nil),
	)
	return nil
}

// Activate compares key with the expected activation key and, on a match,
// extends the license by the configured grant. A mismatch returns false
// and leaves the file untouched. Repeated failures are not throttled.
func (g *Guard) Activate(ctx context.Context, key string) (bool, error) {
	ctx, span := g.tracer.Start(ctx, "license.activation",
		trace.WithAttributes(
			attribute.String("license.operation", "activation"),
			attribute.String("component", "license_guard"),
		),
	)
	defer span.End()

	candidate := []byte(strings.TrimSpace(key))
	if subtle.ConstantTimeCompare(candidate, g.activationKey) != 1 {
		g.metrics.recordActivation(ctx, "invalid_key")
		g.logger.LogAttrs(ctx, slog.LevelWarn, "Activation key rejected",
			slog.String("event", "activation_failed"),
			slog.Int("key_length", len(candidate)),
		)
		span.SetStatus(codes.Error, "invalid activation key")
		return false, nil
	}

	if err := g.Extend(ctx, g.grantDays); err != nil {
		g.metrics.recordActivation(ctx, "persist_failed")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, err
	}

	g.metrics.recordActivation(ctx, "success")
	span.SetStatus(codes.Ok, "license activated")
	return true, nil
}

// Status is a read-only snapshot of the license state.
type Status struct {
	Active                bool       `json:"active"`
	Verdict               string     `json:"verdict"`
	Reason                string     `json:"reason,omitempty"`
	RemainingCalendarDays int        `json:"remaining_calendar_days"`
	ConsumedSecs          int64      `json:"consumed_secs"`
	UsageCapSecs          int64      `json:"usage_cap_secs"`
	ExpiresAt             *time.Time `json:"expires_at,omitempty"`
	LockState             string     `json:"lock_state"`
	CheckedAt             time.Time  `json:"checked_at"`
}

// Status reports the state implied by the stored record and the current
// clock without advancing the ledger or writing the file.
func (g *Guard) Status(ctx context.Context) Status {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	st := Status{
		UsageCapSecs: g.policy.UsageCapSecs,
		LockState:    g.lock.State().String(),
		CheckedAt:    now.UTC(),
	}

	rec, err := g.store.Load(g.device.CurrentID())
	if err != nil {
		st.Verdict = noLicenseVerdict.Kind.String()
		st.Reason = string(noLicenseVerdict.Reason)
		return st
	}

	verdict := rollbackVerdict
	if now.Unix()+g.policy.SmallSkewSecs >= rec.LastWall {
		verdict = expiryVerdict(rec, now.Unix(), g.policy.UsageCapSecs)
	}

	st.Active = verdict.Active()
	st.Verdict = verdict.Kind.String()
	st.Reason = string(verdict.Reason)
	st.RemainingCalendarDays = remainingDays(rec.ExpiresAt, now.Unix())
	st.ConsumedSecs = rec.ConsumedSecs
	expiresAt := time.Unix(rec.ExpiresAt, 0).UTC()
	st.ExpiresAt = &expiresAt
	return st
}

// Tick runs one check and drives the lock overlay with the verdict.
func (g *Guard) Tick(ctx context.Context) Verdict {
	g.tickMu.Lock()
	defer g.tickMu.Unlock()

	verdict := g.Check(ctx)
	g.lock.Observe(ctx, verdict)
	return verdict
}

// LockState returns the current overlay state.
func (g *Guard) LockState() LockState {
	return g.lock.State()
}

// KeyPrompt asks the user for an activation key. ok is false when the
// user cancels.
type KeyPrompt func(ctx context.Context) (key string, ok bool)

// Enforce is the startup gate. It returns nil when the first check is
// active. Otherwise it prompts for a key until activation succeeds,
// retrying on a wrong key, and returns ErrActivationRequired if the user
// cancels, no prompt is given, or the trial is still inactive after
// activation.
func (g *Guard) Enforce(ctx context.Context, prompt KeyPrompt) error {
	verdict := g.Check(ctx)
	if verdict.Active() {
		return nil
	}
	g.logger.LogAttrs(ctx, slog.LevelInfo, "Activation required before start",
		slog.String("verdict", verdict.String()),
	)
	if prompt == nil {
		return fmt.Errorf("%w: %w", apperrors.ErrActivationRequired, verdict.Err())
	}

	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", apperrors.ErrActivationRequired, err)
		}

		key, ok := prompt(ctx)
		if !ok {
			return apperrors.ErrActivationRequired
		}

		activated, err := g.Activate(ctx, key)
		if err != nil {
			return err
		}
		if !activated {
			continue
		}

		verdict = g.Check(ctx)
		if !verdict.Active() {
			return fmt.Errorf("%w: %w", apperrors.ErrActivationRequired, verdict.Err())
		}
		return nil
	}
}

func freshRecord(days int, nowWall int64, nowMono float64) Record {
	return Record{
		ExpiresAt:    nowWall + int64(days)*SecondsPerDay,
		LastWall:     nowWall,
		LastMono:     nowMono,
		ConsumedSecs: 0,
	}
}
