package license

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"trialguard/internal/clock"
	"trialguard/internal/device"
	apperrors "trialguard/internal/errors"
)

const (
	testDeviceID      = "device-under-test"
	testActivationKey = "courier-activation-key"
	startMono         = 1000.0
)

// recordingOverlay counts the overlay callbacks it receives.
type recordingOverlay struct {
	mu      sync.Mutex
	locks   []Verdict
	unlocks int
}

func (o *recordingOverlay) Lock(_ context.Context, v Verdict) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.locks = append(o.locks, v)
}

func (o *recordingOverlay) Unlock(context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.unlocks++
}

func (o *recordingOverlay) counts() (int, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.locks), o.unlocks
}

// gatedOverlay parks the first Lock call until release is closed.
type gatedOverlay struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (o *gatedOverlay) Lock(context.Context, Verdict) {
	o.once.Do(func() { close(o.entered) })
	<-o.release
}

func (o *gatedOverlay) Unlock(context.Context) {}

// countingDevice counts identity lookups, one per check or extension.
type countingDevice struct {
	calls atomic.Int64
}

func (d *countingDevice) CurrentID() string {
	d.calls.Add(1)
	return testDeviceID
}

// =============================================================================
// Guard Tests
// =============================================================================

type GuardTestSuite struct {
	suite.Suite
	fs      afero.Fs
	clock   *clock.FakeClock
	signer  *Signer
	store   *Store
	overlay *recordingOverlay
	reader  *sdkmetric.ManualReader
	metrics *Metrics
	guard   *Guard
}

func TestGuardTestSuite(t *testing.T) {
	suite.Run(t, new(GuardTestSuite))
}

func (s *GuardTestSuite) SetupTest() {
	s.fs = afero.NewMemMapFs()
	s.clock = clock.Fake(time.Unix(baseWall, 0), startMono)
	s.signer = newTestSigner(s.T())
	s.store = NewStore(s.fs, testLicensePath, s.signer, quietLogger())
	s.overlay = &recordingOverlay{}

	s.reader = sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(s.reader))
	var err error
	s.metrics, err = NewMetrics(provider.Meter(MeterName))
	s.Require().NoError(err)

	s.guard = s.newGuard(nil)
}

func (s *GuardTestSuite) options() Options {
	return Options{
		Store:         s.store,
		Clock:         s.clock,
		Device:        device.Static(testDeviceID),
		Policy:        testPolicy,
		GrantDays:     4,
		ActivationKey: testActivationKey,
		Overlay:       s.overlay,
		Logger:        quietLogger(),
		Metrics:       s.metrics,
	}
}

func (s *GuardTestSuite) newGuard(mutate func(*Options)) *Guard {
	opts := s.options()
	if mutate != nil {
		mutate(&opts)
	}
	g, err := NewGuard(opts)
	s.Require().NoError(err)
	return g
}

func (s *GuardTestSuite) now() int64 { return s.clock.Now().Unix() }

func (s *GuardTestSuite) seed(rec Record) {
	s.Require().NoError(s.store.Save(rec, testDeviceID))
}

func (s *GuardTestSuite) stored() Record {
	rec, err := s.store.Load(testDeviceID)
	s.Require().NoError(err)
	return rec
}

func (s *GuardTestSuite) rawFile() []byte {
	data, err := afero.ReadFile(s.fs, testLicensePath)
	s.Require().NoError(err)
	return data
}

func (s *GuardTestSuite) counter(name string) int64 {
	var rm metricdata.ResourceMetrics
	s.Require().NoError(s.reader.Collect(context.Background(), &rm))
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			s.Require().True(ok, "metric %s is not an int64 sum", name)
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

// Scenario A: a fresh install with no auto grant is not active and writes
// nothing.
func (s *GuardTestSuite) TestFreshInstallRequiresActivation() {
	ctx := context.Background()

	verdict := s.guard.Check(ctx)
	s.Equal(noLicenseVerdict, verdict)
	s.False(s.guard.IsActive(ctx))
	s.Equal(0, s.guard.RemainingCalendarDays(ctx))

	exists, err := afero.Exists(s.fs, testLicensePath)
	s.Require().NoError(err)
	s.False(exists)
}

func (s *GuardTestSuite) TestFreshInstallWithAutoGrant() {
	ctx := context.Background()
	g := s.newGuard(func(o *Options) { o.AutoGrantDays = 4 })

	s.True(g.IsActive(ctx))
	s.Equal(4, g.RemainingCalendarDays(ctx))

	rec := s.stored()
	s.Equal(s.now()+4*SecondsPerDay, rec.ExpiresAt)
	s.Equal(int64(0), rec.ConsumedSecs)
}

func (s *GuardTestSuite) TestAutoGrantDoesNotReplaceCorruptFile() {
	ctx := context.Background()
	g := s.newGuard(func(o *Options) { o.AutoGrantDays = 4 })
	s.Require().NoError(afero.WriteFile(s.fs, testLicensePath, []byte("garbage"), 0o600))

	s.False(g.IsActive(ctx))
	s.Equal([]byte("garbage"), s.rawFile())
}

func (s *GuardTestSuite) TestAutoGrantOnReadOnlyStoreStaysExpired() {
	ctx := context.Background()
	readOnly := NewStore(afero.NewReadOnlyFs(s.fs), testLicensePath, s.signer, quietLogger())
	g := s.newGuard(func(o *Options) {
		o.Store = readOnly
		o.AutoGrantDays = 4
	})

	active := 0
	for i := 0; i < 30*24; i++ {
		s.clock.Advance(time.Hour)
		if g.IsActive(ctx) {
			active++
		}
	}
	s.Equal(0, active, "an unsaved grant must not start a trial")
	s.Equal(0, g.RemainingCalendarDays(ctx))
	s.Equal(int64(30*24), s.counter("license_save_failures_total"))
	s.Equal(int64(0), s.counter("license_extended_days_total"))

	exists, err := afero.Exists(s.fs, testLicensePath)
	s.Require().NoError(err)
	s.False(exists)
}

// Scenario B: activation on an empty store grants the full trial.
func (s *GuardTestSuite) TestActivateOnEmptyStore() {
	ctx := context.Background()

	ok, err := s.guard.Activate(ctx, testActivationKey)
	s.Require().NoError(err)
	s.True(ok)

	s.Equal(4, s.guard.RemainingCalendarDays(ctx))
	s.True(s.guard.IsActive(ctx))
	s.Equal(int64(1), s.counter("license_activation_attempts_total"))
	s.Equal(int64(4), s.counter("license_extended_days_total"))
}

func (s *GuardTestSuite) TestActivateTrimsKey() {
	ok, err := s.guard.Activate(context.Background(), "  "+testActivationKey+"\n")
	s.Require().NoError(err)
	s.True(ok)
}

func (s *GuardTestSuite) TestActivateWrongKeyLeavesStateUntouched() {
	ctx := context.Background()

	ok, err := s.guard.Activate(ctx, "not-the-key")
	s.Require().NoError(err)
	s.False(ok)
	exists, err := afero.Exists(s.fs, testLicensePath)
	s.Require().NoError(err)
	s.False(exists)

	s.seed(Record{ExpiresAt: s.now() + SecondsPerDay, LastWall: s.now(), LastMono: startMono})
	before := s.rawFile()

	for _, key := range []string{"", " ", testActivationKey + "x", testActivationKey[1:]} {
		ok, err := s.guard.Activate(ctx, key)
		s.Require().NoError(err)
		s.False(ok, "key %q", key)
	}
	s.Equal(before, s.rawFile())
}

// Scenario C: calendar expiry with budget left.
func (s *GuardTestSuite) TestCalendarExpiry() {
	s.seed(Record{ExpiresAt: s.now() - 1, LastWall: s.now(), LastMono: startMono})

	verdict := s.guard.Check(context.Background())
	s.Equal(VerdictExpired, verdict.Kind)
	s.Equal(ReasonCalendar, verdict.Reason)
}

// Scenario D: usage exhaustion before the deadline.
func (s *GuardTestSuite) TestUsageExhaustion() {
	s.seed(Record{
		ExpiresAt:    s.now() + 100*SecondsPerDay,
		LastWall:     s.now(),
		LastMono:     startMono,
		ConsumedSecs: testPolicy.UsageCapSecs - 1,
	})
	s.clock.AdvanceMonotonic(5 * time.Second)

	verdict := s.guard.Check(context.Background())
	s.Equal(VerdictExpired, verdict.Kind)
	s.Equal(ReasonUsage, verdict.Reason)
	s.Equal(testPolicy.UsageCapSecs+4, s.stored().ConsumedSecs)
}

// Scenario E: a rolled-back clock is rejected without touching the file,
// and restoring the clock resumes normal accounting.
func (s *GuardTestSuite) TestClockRollback() {
	ctx := context.Background()
	_, err := s.guard.Activate(ctx, testActivationKey)
	s.Require().NoError(err)
	s.Require().True(s.guard.IsActive(ctx))
	before := s.rawFile()

	s.clock.AdvanceWall(-time.Hour)
	verdict := s.guard.Check(ctx)
	s.Equal(VerdictTampered, verdict.Kind)
	s.Equal(ReasonClockRollback, verdict.Reason)
	s.Equal(before, s.rawFile())
	s.Equal(int64(1), s.counter("license_tamper_events_total"))

	s.clock.AdvanceWall(time.Hour)
	s.True(s.guard.IsActive(ctx))
	rec := s.stored()
	s.Equal(int64(0), rec.ConsumedSecs)
	s.Equal(s.now(), rec.LastWall)

	s.clock.Advance(10 * time.Second)
	s.True(s.guard.IsActive(ctx))
	s.Equal(int64(20), s.stored().ConsumedSecs)
}

func (s *GuardTestSuite) TestSmallBackwardSkewTolerated() {
	ctx := context.Background()
	s.seed(Record{ExpiresAt: s.now() + SecondsPerDay, LastWall: s.now(), LastMono: startMono})

	s.clock.AdvanceWall(-90 * time.Second)
	s.True(s.guard.IsActive(ctx))
}

// A reboot resets the monotonic clock; only the capped wall gap accrues.
func (s *GuardTestSuite) TestRebootAccruesCappedWallGap() {
	ctx := context.Background()
	s.seed(Record{ExpiresAt: s.now() + 4*SecondsPerDay, LastWall: s.now(), LastMono: startMono, ConsumedSecs: 100})

	s.clock.Reboot(2*time.Hour, 30)
	s.True(s.guard.IsActive(ctx))
	rec := s.stored()
	s.Equal(int64(100+2*3600), rec.ConsumedSecs)
	s.Equal(30.0, rec.LastMono)

	s.clock.Reboot(3*SecondsPerDay*time.Second, 5)
	s.True(s.guard.IsActive(ctx))
	s.Equal(int64(100+2*3600+6*3600), s.stored().ConsumedSecs)
}

func (s *GuardTestSuite) TestRecordFromOtherDeviceIsNoLicense() {
	other := NewStore(s.fs, testLicensePath, s.signer, quietLogger())
	s.Require().NoError(other.Save(Record{ExpiresAt: s.now() + SecondsPerDay, LastWall: s.now()}, "another-machine"))

	s.Equal(noLicenseVerdict, s.guard.Check(context.Background()))
	s.Equal(int64(1), s.counter("license_invalid_records_total"))
}

func (s *GuardTestSuite) TestSaveFailureHonoursVerdict() {
	ctx := context.Background()
	s.seed(Record{ExpiresAt: s.now() + SecondsPerDay, LastWall: s.now(), LastMono: startMono})

	readOnly := NewStore(afero.NewReadOnlyFs(s.fs), testLicensePath, s.signer, quietLogger())
	g := s.newGuard(func(o *Options) { o.Store = readOnly })

	s.clock.Advance(10 * time.Second)
	s.True(g.IsActive(ctx))
	s.Equal(int64(0), s.stored().ConsumedSecs, "checkpoint must stay at the last successful write")
	s.Equal(int64(1), s.counter("license_save_failures_total"))

	err := g.Extend(ctx, 1)
	s.ErrorIs(err, apperrors.ErrPersistFailed)

	ok, err := g.Activate(ctx, testActivationKey)
	s.False(ok)
	s.ErrorIs(err, apperrors.ErrPersistFailed)
}

func (s *GuardTestSuite) TestExtend() {
	ctx := context.Background()
	t0 := s.now()

	s.Require().NoError(s.guard.Extend(ctx, 4))
	s.Equal(t0+4*SecondsPerDay, s.stored().ExpiresAt)

	s.clock.Advance(24 * time.Hour)
	s.Require().NoError(s.guard.Extend(ctx, 4))
	s.Equal(t0+8*SecondsPerDay, s.stored().ExpiresAt)
	s.Equal(7, s.guard.RemainingCalendarDays(ctx))
}

func (s *GuardTestSuite) TestExtendAfterLapseStartsFromNow() {
	ctx := context.Background()
	s.seed(Record{ExpiresAt: s.now() - 10*SecondsPerDay, LastWall: s.now(), LastMono: startMono, ConsumedSecs: 50})

	s.Require().NoError(s.guard.Extend(ctx, 2))
	rec := s.stored()
	s.Equal(s.now()+2*SecondsPerDay, rec.ExpiresAt)
	s.Equal(int64(50), rec.ConsumedSecs, "extension must not reset usage")
}

func (s *GuardTestSuite) TestExtendReplacesCorruptFile() {
	ctx := context.Background()
	s.Require().NoError(afero.WriteFile(s.fs, testLicensePath, []byte("not a license"), 0o600))

	s.Require().NoError(s.guard.Extend(ctx, 3))
	rec := s.stored()
	s.Equal(s.now()+3*SecondsPerDay, rec.ExpiresAt)
	s.Equal(int64(0), rec.ConsumedSecs)
	s.Equal(startMono, rec.LastMono)
}

func (s *GuardTestSuite) TestExtendRejectsNonPositiveDays() {
	s.Error(s.guard.Extend(context.Background(), 0))
	s.Error(s.guard.Extend(context.Background(), -3))
}

func (s *GuardTestSuite) TestTickDrivesOverlayOnTransitions() {
	ctx := context.Background()

	s.Equal(VerdictExpired, s.guard.Tick(ctx).Kind)
	s.guard.Tick(ctx)
	s.guard.Tick(ctx)
	locks, unlocks := s.overlay.counts()
	s.Equal(1, locks, "lock callback fires once per transition")
	s.Equal(0, unlocks)
	s.Equal(Locked, s.guard.LockState())

	ok, err := s.guard.Activate(ctx, testActivationKey)
	s.Require().NoError(err)
	s.Require().True(ok)

	s.guard.Tick(ctx)
	s.guard.Tick(ctx)
	locks, unlocks = s.overlay.counts()
	s.Equal(1, locks)
	s.Equal(1, unlocks)
	s.Equal(Unlocked, s.guard.LockState())
	s.Equal(int64(2), s.counter("license_lock_transitions_total"))
}

func (s *GuardTestSuite) TestTicksDoNotInterleave() {
	ctx := context.Background()
	overlay := &gatedOverlay{entered: make(chan struct{}), release: make(chan struct{})}
	dev := &countingDevice{}
	g := s.newGuard(func(o *Options) {
		o.Overlay = overlay
		o.Device = dev
	})

	go g.Tick(ctx)
	select {
	case <-overlay.entered:
	case <-time.After(5 * time.Second):
		s.FailNow("first tick never reached the overlay")
	}

	ok, err := g.Activate(ctx, testActivationKey)
	s.Require().NoError(err)
	s.Require().True(ok)

	calls := dev.calls.Load()
	done := make(chan Verdict, 1)
	go func() { done <- g.Tick(ctx) }()

	s.Never(func() bool { return dev.calls.Load() > calls }, 100*time.Millisecond, 10*time.Millisecond,
		"a tick must not check while another tick is applying its verdict")

	close(overlay.release)
	select {
	case v := <-done:
		s.True(v.Active())
	case <-time.After(5 * time.Second):
		s.FailNow("second tick never finished")
	}
	s.Equal(Unlocked, g.LockState())
}

func (s *GuardTestSuite) TestStatusIsReadOnly() {
	ctx := context.Background()

	st := s.guard.Status(ctx)
	s.False(st.Active)
	s.Equal("expired", st.Verdict)
	s.Equal("no_license", st.Reason)
	s.Nil(st.ExpiresAt)
	s.Equal("unlocked", st.LockState)
	s.Equal(testPolicy.UsageCapSecs, st.UsageCapSecs)

	_, err := s.guard.Activate(ctx, testActivationKey)
	s.Require().NoError(err)
	before := s.rawFile()

	s.clock.Advance(time.Hour)
	st = s.guard.Status(ctx)
	s.True(st.Active)
	s.Equal("active", st.Verdict)
	s.Equal(3, st.RemainingCalendarDays)
	s.Require().NotNil(st.ExpiresAt)
	s.Equal(time.Unix(baseWall+4*SecondsPerDay, 0).UTC(), *st.ExpiresAt)
	s.Equal(before, s.rawFile())

	s.clock.AdvanceWall(-3 * time.Hour)
	st = s.guard.Status(ctx)
	s.False(st.Active)
	s.Equal("tampered", st.Verdict)
	s.Equal("clock_rollback", st.Reason)
}

// =============================================================================
// Startup Gate Tests
// =============================================================================

func (s *GuardTestSuite) TestEnforceActiveSkipsPrompt() {
	s.seed(Record{ExpiresAt: s.now() + SecondsPerDay, LastWall: s.now(), LastMono: startMono})

	err := s.guard.Enforce(context.Background(), func(context.Context) (string, bool) {
		s.Fail("prompt must not be called")
		return "", false
	})
	s.NoError(err)
}

func (s *GuardTestSuite) TestEnforceRetriesUntilCorrectKey() {
	keys := []string{"wrong", "also-wrong", testActivationKey}
	calls := 0

	err := s.guard.Enforce(context.Background(), func(context.Context) (string, bool) {
		key := keys[calls]
		calls++
		return key, true
	})
	s.NoError(err)
	s.Equal(3, calls)
	s.True(s.guard.IsActive(context.Background()))
}

func (s *GuardTestSuite) TestEnforceCancelled() {
	err := s.guard.Enforce(context.Background(), func(context.Context) (string, bool) {
		return "", false
	})
	s.ErrorIs(err, apperrors.ErrActivationRequired)
}

func (s *GuardTestSuite) TestEnforceWithoutPrompt() {
	err := s.guard.Enforce(context.Background(), nil)
	s.ErrorIs(err, apperrors.ErrActivationRequired)
	s.ErrorIs(err, apperrors.ErrNoLicense)
}

func (s *GuardTestSuite) TestEnforceUsageStillExhausted() {
	s.seed(Record{
		ExpiresAt:    s.now() - 1,
		LastWall:     s.now(),
		LastMono:     startMono,
		ConsumedSecs: testPolicy.UsageCapSecs,
	})

	err := s.guard.Enforce(context.Background(), func(context.Context) (string, bool) {
		return testActivationKey, true
	})
	s.ErrorIs(err, apperrors.ErrActivationRequired)
	s.ErrorIs(err, apperrors.ErrTrialExpired)
}

func (s *GuardTestSuite) TestEnforceContextCancelled() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := s.guard.Enforce(ctx, func(context.Context) (string, bool) {
		cancel()
		return "wrong", true
	})
	s.ErrorIs(err, apperrors.ErrActivationRequired)
}

func TestNewGuardValidation(t *testing.T) {
	store := NewStore(afero.NewMemMapFs(), testLicensePath, newTestSigner(t), quietLogger())
	valid := Options{
		Store:         store,
		Clock:         clock.Fake(time.Unix(baseWall, 0), 0),
		Device:        device.Static("d"),
		Policy:        testPolicy,
		GrantDays:     4,
		ActivationKey: "key",
	}

	_, err := NewGuard(valid)
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Options)
	}{
		{"no store", func(o *Options) { o.Store = nil }},
		{"no clock", func(o *Options) { o.Clock = nil }},
		{"no device", func(o *Options) { o.Device = nil }},
		{"zero grant", func(o *Options) { o.GrantDays = 0 }},
		{"negative auto grant", func(o *Options) { o.AutoGrantDays = -1 }},
		{"blank key", func(o *Options) { o.ActivationKey = "   " }},
		{"bad policy", func(o *Options) { o.Policy = Policy{} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := valid
			tt.mutate(&opts)
			_, err := NewGuard(opts)
			assert.Error(t, err)
		})
	}
}
