package license

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	TracerName = "trialguard-license"
	MeterName  = "trialguard-license"
)

// Metrics holds the license OpenTelemetry instruments. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	// Check metrics
	Checks         metric.Int64Counter
	CheckDuration  metric.Float64Histogram
	TamperEvents   metric.Int64Counter
	InvalidRecords metric.Int64Counter
	SaveFailures   metric.Int64Counter

	// Activation metrics
	ActivationAttempts metric.Int64Counter
	Extensions         metric.Int64Counter

	// State gauges
	LockTransitions metric.Int64Counter
	ConsumedSeconds metric.Int64Gauge
	RemainingDays   metric.Int64Gauge
}

// NewMetrics creates every instrument on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.Checks, err = meter.Int64Counter(
		"license_checks_total",
		metric.WithDescription("Total number of license checks by verdict and reason"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create checks counter: %w", err)
	}

	m.CheckDuration, err = meter.Float64Histogram(
		"license_check_duration_seconds",
		metric.WithDescription("License check duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create check duration histogram: %w", err)
	}

	m.TamperEvents, err = meter.Int64Counter(
		"license_tamper_events_total",
		metric.WithDescription("Total number of clock rollbacks detected"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tamper events counter: %w", err)
	}

	m.InvalidRecords, err = meter.Int64Counter(
		"license_invalid_records_total",
		metric.WithDescription("Total number of license files rejected on load, by cause"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create invalid records counter: %w", err)
	}

	m.SaveFailures, err = meter.Int64Counter(
		"license_save_failures_total",
		metric.WithDescription("Total number of failed license file writes"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create save failures counter: %w", err)
	}

	m.ActivationAttempts, err = meter.Int64Counter(
		"license_activation_attempts_total",
		metric.WithDescription("Total number of activation attempts by result"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create activation attempts counter: %w", err)
	}

	m.Extensions, err = meter.Int64Counter(
		"license_extended_days_total",
		metric.WithDescription("Total number of calendar days granted by extensions"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create extensions counter: %w", err)
	}

	m.LockTransitions, err = meter.Int64Counter(
		"license_lock_transitions_total",
		metric.WithDescription("Total number of lock overlay transitions by target state"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create lock transitions counter: %w", err)
	}

	m.ConsumedSeconds, err = meter.Int64Gauge(
		"license_consumed_seconds",
		metric.WithDescription("Usage seconds consumed at the last check"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumed seconds gauge: %w", err)
	}

	m.RemainingDays, err = meter.Int64Gauge(
		"license_remaining_calendar_days",
		metric.WithDescription("Calendar days left at the last check"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create remaining days gauge: %w", err)
	}

	return m, nil
}

func (m *Metrics) recordCheck(ctx context.Context, v Verdict, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("verdict", v.Kind.String()),
		attribute.String("reason", string(v.Reason)),
	)
	m.Checks.Add(ctx, 1, attrs)
	m.CheckDuration.Record(ctx, d.Seconds(), attrs)
	if v.Kind == VerdictTampered {
		m.TamperEvents.Add(ctx, 1)
	}
}

func (m *Metrics) recordState(ctx context.Context, consumed int64, daysLeft int) {
	if m == nil {
		return
	}
	m.ConsumedSeconds.Record(ctx, consumed)
	m.RemainingDays.Record(ctx, int64(daysLeft))
}

func (m *Metrics) recordInvalidRecord(ctx context.Context, cause string) {
	if m == nil {
		return
	}
	m.InvalidRecords.Add(ctx, 1, metric.WithAttributes(attribute.String("cause", cause)))
}

func (m *Metrics) recordSaveFailure(ctx context.Context, op string) {
	if m == nil {
		return
	}
	m.SaveFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", op)))
}

func (m *Metrics) recordActivation(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.ActivationAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (m *Metrics) recordExtension(ctx context.Context, days int) {
	if m == nil {
		return
	}
	m.Extensions.Add(ctx, int64(days))
}

func (m *Metrics) recordLockTransition(ctx context.Context, to LockState) {
	if m == nil {
		return
	}
	m.LockTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("state", to.String())))
}
