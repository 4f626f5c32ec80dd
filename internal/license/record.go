package license

import (
	"fmt"

	apperrors "trialguard/internal/errors"
)

// SecondsPerDay converts day grants into the record's epoch-second units.
const SecondsPerDay = 86400

// Record is the persisted trial state. Times are whole epoch seconds
// except LastMono, which is monotonic seconds.
type Record struct {
	ExpiresAt    int64   `json:"expires_at"`
	LastWall     int64   `json:"last_wall"`
	LastMono     float64 `json:"last_mono"`
	ConsumedSecs int64   `json:"consumed_secs"`
	Signature    string  `json:"signature"`
}

// Policy holds the ledger tunables, all in seconds.
type Policy struct {
	UsageCapSecs       int64
	SmallSkewSecs      int64
	ForwardJumpCapSecs int64
}

// Validate rejects policies that would make every check fail or pass.
func (p Policy) Validate() error {
	if p.UsageCapSecs <= 0 {
		return fmt.Errorf("usage cap must be positive, got %d", p.UsageCapSecs)
	}
	if p.SmallSkewSecs < 0 {
		return fmt.Errorf("skew tolerance must not be negative, got %d", p.SmallSkewSecs)
	}
	if p.ForwardJumpCapSecs < 0 {
		return fmt.Errorf("forward jump cap must not be negative, got %d", p.ForwardJumpCapSecs)
	}
	return nil
}

// VerdictKind is the outcome class of one check.
type VerdictKind int

const (
	VerdictActive VerdictKind = iota
	VerdictExpired
	VerdictTampered
)

func (k VerdictKind) String() string {
	switch k {
	case VerdictActive:
		return "active"
	case VerdictExpired:
		return "expired"
	case VerdictTampered:
		return "tampered"
	default:
		return "unknown"
	}
}

// Reason qualifies a non-active verdict.
type Reason string

const (
	ReasonNone          Reason = ""
	ReasonNoLicense     Reason = "no_license"
	ReasonCalendar      Reason = "calendar"
	ReasonUsage         Reason = "usage"
	ReasonCalendarUsage Reason = "calendar_usage"
	ReasonClockRollback Reason = "clock_rollback"
)

// Verdict is the result of one ledger evaluation.
type Verdict struct {
	Kind   VerdictKind
	Reason Reason
}

var (
	activeVerdict    = Verdict{Kind: VerdictActive}
	noLicenseVerdict = Verdict{Kind: VerdictExpired, Reason: ReasonNoLicense}
	rollbackVerdict  = Verdict{Kind: VerdictTampered, Reason: ReasonClockRollback}
)

// Active reports whether the trial may continue.
func (v Verdict) Active() bool { return v.Kind == VerdictActive }

func (v Verdict) String() string {
	if v.Reason == ReasonNone {
		return v.Kind.String()
	}
	return fmt.Sprintf("%s(%s)", v.Kind, v.Reason)
}

// Err maps the verdict onto the matching sentinel error, nil when active.
func (v Verdict) Err() error {
	switch {
	case v.Kind == VerdictActive:
		return nil
	case v.Kind == VerdictTampered:
		return apperrors.ErrClockRollback
	case v.Reason == ReasonNoLicense:
		return apperrors.ErrNoLicense
	default:
		return fmt.Errorf("%w (%s)", apperrors.ErrTrialExpired, v.Reason)
	}
}
