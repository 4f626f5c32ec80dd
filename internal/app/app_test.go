package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trialguard/internal/clock"
	"trialguard/internal/config"
	"trialguard/internal/device"
	apperrors "trialguard/internal/errors"
	"trialguard/internal/license"
)

const (
	testKey  = "courier-activation-key"
	baseWall = 1_700_000_000
)

func testConfig(serverEnabled bool) *config.Config {
	cfg := config.Default()
	cfg.License.SigningSecret = "test-signing-secret-0123456789"
	cfg.License.ActivationKey = testKey
	cfg.License.UsageCap = 96 * time.Hour
	cfg.License.LicenseFile = "/var/lib/trialguard/courierx.lic"
	cfg.Server.Enabled = serverEnabled
	cfg.Server.Address = "127.0.0.1:0"
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config, fc *clock.FakeClock) *Application {
	t.Helper()
	a, err := New(cfg, Options{
		Fs:       afero.NewMemMapFs(),
		Clock:    fc,
		Device:   device.Static("device-under-test"),
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		TraceOut: io.Discard,
	})
	require.NoError(t, err)
	return a
}

func keyPrompt(keys ...string) license.KeyPrompt {
	return func(context.Context) (string, bool) {
		if len(keys) == 0 {
			return "", false
		}
		key := keys[0]
		keys = keys[1:]
		return key, true
	}
}

func TestPolicyFrom(t *testing.T) {
	cfg := config.Default().License
	cfg.UsageCap = 10 * time.Hour
	cfg.SmallSkew = 90 * time.Second
	cfg.ForwardJumpCap = 3 * time.Hour

	assert.Equal(t, license.Policy{
		UsageCapSecs:       36000,
		SmallSkewSecs:      90,
		ForwardJumpCapSecs: 10800,
	}, PolicyFrom(cfg))
}

func TestNewRejectsShortSecret(t *testing.T) {
	cfg := testConfig(false)
	cfg.License.SigningSecret = "short"

	_, err := New(cfg, Options{
		Fs:     afero.NewMemMapFs(),
		Clock:  clock.Fake(time.Unix(baseWall, 0), 1000),
		Device: device.Static("device-under-test"),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	assert.Error(t, err)
}

func TestRunWithoutLicenseAndNoKey(t *testing.T) {
	a := newTestApp(t, testConfig(false), clock.Fake(time.Unix(baseWall, 0), 1000))

	err := a.Run(context.Background(), keyPrompt())
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrActivationRequired)
	assert.False(t, a.Guard.IsActive(context.Background()))
}

func TestRunActivatesThenStops(t *testing.T) {
	fc := clock.Fake(time.Unix(baseWall, 0), 1000)
	a := newTestApp(t, testConfig(false), fc)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx, keyPrompt("wrong", "  "+testKey+"\n")) }()

	require.Eventually(t, func() bool { return a.Guard.IsActive(context.Background()) },
		5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 4, a.Guard.RemainingCalendarDays(context.Background()))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunServesAPIAndPushesLock(t *testing.T) {
	fc := clock.Fake(time.Unix(baseWall, 0), 1000)
	a := newTestApp(t, testConfig(true), fc)
	require.NoError(t, a.Guard.Extend(context.Background(), 4))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx, keyPrompt()) }()

	require.Eventually(t, func() bool { return a.Addr() != "" }, 5*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + a.Addr() + "/api/license/status")
	require.NoError(t, err)
	var status license.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	resp.Body.Close()
	assert.True(t, status.Active)
	assert.Equal(t, "unlocked", status.LockState)

	resp, err = http.Get("http://" + a.Addr() + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "license_checks_total")

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+a.Addr()+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	var hello map[string]any
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, "connection", hello["type"])

	// Roll the wall clock back well past the skew tolerance and let the
	// watchdog notice.
	fc.AdvanceWall(-2 * time.Hour)
	require.Eventually(t, func() bool {
		fc.Advance(time.Second)
		return a.Guard.LockState() == license.Locked
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var lock map[string]any
	require.NoError(t, conn.ReadJSON(&lock))
	assert.Equal(t, "license:lock", lock["type"])
	assert.Equal(t, "tampered", lock["data"].(map[string]any)["verdict"])

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
