package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"trialguard/internal/clock"
	"trialguard/internal/config"
	"trialguard/internal/device"
	"trialguard/internal/infrastructure"
	"trialguard/internal/license"
	"trialguard/internal/middleware"
	transport "trialguard/internal/transport/http"
	ws "trialguard/internal/websocket"
)

// AppName is reported in startup logs.
const AppName = "trialguard"

// Options overrides the collaborators New would otherwise build from the
// environment. Every field is optional.
type Options struct {
	Fs      afero.Fs
	Clock   clock.Source
	Device  device.Identity
	Logger  *slog.Logger
	Overlay license.Overlay
	// TraceOut receives stdout trace exports.
	TraceOut io.Writer
}

// Application holds the wired license enforcer and its local API.
type Application struct {
	Config        *config.Config
	Logger        *slog.Logger
	OTelProviders *infrastructure.OTelProviders
	Store         *license.Store
	Guard         *license.Guard
	Watchdog      *license.Watchdog
	WebSocketHub  *ws.Hub
	Server        *http.Server

	mu       sync.Mutex
	listener net.Addr
}

// NewApplication loads the configuration and builds the application with
// the real clock, disk and device fingerprint.
func NewApplication() (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return New(cfg, Options{Logger: logger})
}

// New wires the application from cfg.
func New(cfg *config.Config, opts Options) (*Application, error) {
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = infrastructure.GetLogger()
	}
	logger := opts.Logger
	if opts.Device == nil {
		opts.Device = device.NewFingerprint(logger)
	}

	logger.Info("Application starting",
		slog.String("name", AppName),
		slog.String("license_file", cfg.License.LicenseFile),
		slog.Bool("server_enabled", cfg.Server.Enabled))

	providers, err := infrastructure.InitializeOTel(cfg.Telemetry, opts.TraceOut, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	metrics, err := license.NewMetrics(providers.Meter)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize license metrics: %w", err)
	}

	signer, err := license.NewSigner(cfg.License.SigningSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to create license signer: %w", err)
	}
	store := license.NewStore(opts.Fs, cfg.License.LicenseFile, signer, logger)

	a := &Application{
		Config:        cfg,
		Logger:        logger,
		OTelProviders: providers,
		Store:         store,
	}

	overlays := license.MultiOverlay{}
	if opts.Overlay != nil {
		overlays = append(overlays, opts.Overlay)
	}
	if cfg.Server.Enabled {
		// The hub reads status through the guard, which is built below.
		a.WebSocketHub = ws.NewHub(cfg.WebSocket, guardStatus{a}, logger)
		overlays = append(overlays, a.WebSocketHub)
	}

	a.Guard, err = license.NewGuard(license.Options{
		Store:         store,
		Clock:         opts.Clock,
		Device:        opts.Device,
		Policy:        PolicyFrom(cfg.License),
		GrantDays:     cfg.License.TrialDays,
		AutoGrantDays: cfg.License.AutoGrantDays,
		ActivationKey: cfg.License.ActivationKey,
		Overlay:       overlays,
		Logger:        logger,
		Metrics:       metrics,
		Tracer:        providers.Tracer,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create license guard: %w", err)
	}

	a.Watchdog, err = license.NewWatchdog(a.Guard, opts.Clock, cfg.License.WatchdogPeriod, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create license watchdog: %w", err)
	}

	if cfg.Server.Enabled {
		a.createServer()
	}
	return a, nil
}

// PolicyFrom converts the license configuration into ledger tunables.
func PolicyFrom(cfg config.LicenseConfig) license.Policy {
	return license.Policy{
		UsageCapSecs:       cfg.UsageCapSecs(),
		SmallSkewSecs:      int64(cfg.SmallSkew / time.Second),
		ForwardJumpCapSecs: int64(cfg.ForwardJumpCap / time.Second),
	}
}

type guardStatus struct{ a *Application }

func (g guardStatus) Status(ctx context.Context) license.Status {
	return g.a.Guard.Status(ctx)
}

func (a *Application) createServer() {
	router := transport.NewRouter(transport.RouterDeps{
		License:   transport.NewLicenseHandler(a.Guard, a.Logger),
		Metrics:   a.OTelProviders.PrometheusHTTP,
		WebSocket: a.WebSocketHub.ServeWS,
		Limiter:   middleware.NewRateLimiter(a.Config.Server.RateLimit, a.Config.Server.RateBurst, a.Logger),
		Logger:    a.Logger,
	})

	a.Server = &http.Server{
		Addr:         a.Config.Server.Address,
		Handler:      router,
		ReadTimeout:  a.Config.Server.ReadTimeout,
		WriteTimeout: a.Config.Server.WriteTimeout,
	}
}

// Run enforces the license at startup, prompting for a key when needed,
// then runs the watchdog and local API until ctx is cancelled. It returns
// the startup enforcement error when the license is not active and no
// valid key was supplied.
func (a *Application) Run(ctx context.Context, prompt license.KeyPrompt) error {
	ctx = infrastructure.EnsureTraceID(ctx)
	defer a.shutdownTelemetry()

	if err := a.Guard.Enforce(ctx, prompt); err != nil {
		a.Logger.WarnContext(ctx, "License enforcement blocked startup", slog.String("error", err.Error()))
		return err
	}
	// Align the overlay with the verdict that let startup proceed.
	a.Watchdog.Tick(ctx)

	var listener net.Listener
	if a.Server != nil {
		var err error
		listener, err = net.Listen("tcp", a.Server.Addr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", a.Server.Addr, err)
		}
		a.mu.Lock()
		a.listener = listener.Addr()
		a.mu.Unlock()
		a.Logger.InfoContext(ctx, "Local API listening", slog.String("address", listener.Addr().String()))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Watchdog.Run(gctx) })

	if listener != nil {
		g.Go(func() error { return a.WebSocketHub.Run(gctx) })
		g.Go(func() error {
			if err := a.Server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server error: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout)
			defer cancel()
			if err := a.Server.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("server shutdown error: %w", err)
			}
			return nil
		})
	}

	err := g.Wait()
	a.Logger.InfoContext(ctx, "Application stopped", slog.String("lock_state", a.Guard.LockState().String()))
	return err
}

// Addr returns the bound API address once Run is serving, or "".
func (a *Application) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return ""
	}
	return a.listener.String()
}

// Close flushes telemetry. Run does this itself; one-shot callers that
// never call Run must call Close.
func (a *Application) Close() {
	a.shutdownTelemetry()
}

func (a *Application) shutdownTelemetry() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.OTelProviders.Shutdown(ctx); err != nil {
		a.Logger.Error("Error shutting down OpenTelemetry", slog.String("error", err.Error()))
	}
}
