// Package app wires the rtcsession subsystems into a running application.
//
// The App struct owns the full lifecycle: New initialises the providers and
// builds the session controller, Run performs the configured autostart and
// blocks until the context ends, and Shutdown tears everything down in order.
//
// Providers are passed in already constructed (main builds them through the
// config registry), so tests inject mocks by handing New a [Providers] of
// test doubles.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/rtcsession/internal/config"
	"github.com/MrWong99/rtcsession/internal/health"
	"github.com/MrWong99/rtcsession/internal/observe"
	"github.com/MrWong99/rtcsession/internal/resilience"
	"github.com/MrWong99/rtcsession/internal/session"
	"github.com/MrWong99/rtcsession/pkg/provider/rtc"
	"github.com/MrWong99/rtcsession/pkg/provider/rtm"
	"github.com/MrWong99/rtcsession/pkg/store"
	"github.com/MrWong99/rtcsession/pkg/types"
)

// reloadTimeout bounds provider calls made while applying a config change.
const reloadTimeout = 10 * time.Second

// Providers holds the collaborators the controller is built from. All three
// are required. Populated by main.go via the config registry.
type Providers struct {
	RTC   rtc.Provider
	RTM   rtm.Provider
	Store store.Store
}

// App owns all subsystem lifetimes.
type App struct {
	providers *Providers
	rtc       rtc.Provider
	store     store.Store
	breaker   *resilience.CircuitBreaker
	ctrl      *session.Controller
	metrics   *observe.Metrics
	logLevel  *slog.LevelVar

	rtcReady atomic.Bool

	// mu guards cfg, which is replaced on every applied config change.
	mu  sync.Mutex
	cfg *config.Config

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel hands New the level variable behind the process logger so
// config reloads can change verbosity.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = lv }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together:
//
//  1. initialise the RTC and RTM providers with their config entries
//  2. wrap RTC in a circuit breaker when one is configured
//  3. namespace the store when a namespace is configured
//  4. build the session controller, which restores persisted state
//
// On error everything created so far is closed again.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.RTC == nil || providers.RTM == nil || providers.Store == nil {
		return nil, errors.New("app: rtc, rtm and store providers are required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		rtc:       providers.RTC,
		store:     providers.Store,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// Provider and store closers run after the controller stops.
	a.closers = append(a.closers, providers.RTC.Close, providers.RTM.Close, a.closeStore)

	tokens := tokenMap(cfg)

	// ── 1. Providers ─────────────────────────────────────────────────────
	if err := a.initProviders(ctx, tokens); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init providers: %w", err)
	}

	// ── 2. Circuit breaker ───────────────────────────────────────────────
	if cb := cfg.Session.CircuitBreaker; cb.MaxFailures > 0 {
		a.breaker = resilience.NewCircuitBreaker(resilience.Config{
			Name:         "rtc",
			MaxFailures:  cb.MaxFailures,
			ResetTimeout: cb.ResetTimeout,
			HalfOpenMax:  cb.HalfOpenMax,
			Metrics:      a.metrics,
		})
		a.rtc = resilience.GuardRTC(providers.RTC, a.breaker)
	}

	// ── 3. Store ─────────────────────────────────────────────────────────
	if ns := cfg.Session.StoreNamespace; ns != "" {
		a.store = store.Namespaced(providers.Store, ns)
	}

	// ── 4. Session controller ────────────────────────────────────────────
	ctrl, err := session.New(ctx, session.Config{
		RTC:                 a.rtc,
		RTM:                 providers.RTM,
		Store:               a.store,
		Tokens:              session.StaticTokens(tokens),
		Metrics:             a.metrics,
		JoinTimeout:         cfg.Session.JoinTimeout,
		LeaveTimeout:        cfg.Session.LeaveTimeout,
		RollbackPartialJoin: cfg.Session.RollbackPartialJoin,
		Reconnect: session.ReconnectPolicy{
			MaxRetries: cfg.Session.Reconnect.MaxRetries,
			Backoff:    cfg.Session.Reconnect.Backoff,
			MaxBackoff: cfg.Session.Reconnect.MaxBackoff,
		},
	})
	if err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: build session controller: %w", err)
	}
	a.ctrl = ctrl
	a.closers = append([]func() error{func() error { ctrl.Close(); return nil }}, a.closers...)

	return a, nil
}

// tokenMap resolves the static token per capability. An entry under
// session.tokens wins over the provider entry's token.
func tokenMap(cfg *config.Config) map[types.Capability]string {
	tokens := map[types.Capability]string{
		types.CapabilityRTC: cfg.Providers.RTC.Token,
		types.CapabilityRTM: cfg.Providers.RTM.Token,
	}
	for k, v := range cfg.Session.Tokens {
		tokens[types.Capability(k)] = v
	}
	return tokens
}

// initProviders calls Initialize on both providers.
func (a *App) initProviders(ctx context.Context, tokens map[types.Capability]string) error {
	rtcEntry, rtmEntry := a.cfg.Providers.RTC, a.cfg.Providers.RTM

	if err := a.providers.RTC.Initialize(ctx, rtc.Config{
		AppID:   rtcEntry.AppID,
		Token:   tokens[types.CapabilityRTC],
		Options: rtcEntry.Options,
	}); err != nil {
		return types.NewProviderCallError(types.CapabilityRTC, "initialize", err)
	}
	a.rtcReady.Store(true)
	slog.Info("provider initialised", "kind", "rtc", "name", rtcEntry.Name)

	if err := a.providers.RTM.Initialize(ctx, rtm.Config{
		AppID:    rtmEntry.AppID,
		Endpoint: rtmEntry.Endpoint,
		Options:  rtmEntry.Options,
	}); err != nil {
		return types.NewProviderCallError(types.CapabilityRTM, "initialize", err)
	}
	slog.Info("provider initialised", "kind", "rtm", "name", rtmEntry.Name)
	return nil
}

// closeStore closes the backing store when it holds resources.
func (a *App) closeStore() error {
	switch s := a.providers.Store.(type) {
	case interface{ Close() error }:
		return s.Close()
	case interface{ Close() }:
		s.Close()
	}
	return nil
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Controller returns the session controller.
func (a *App) Controller() *session.Controller { return a.ctrl }

// Config returns the configuration currently in effect.
func (a *App) Config() *config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// Checkers returns the readiness checks of the app: the store is reachable,
// the RTC provider initialised and, when configured, the RTC breaker closed.
func (a *App) Checkers() []health.Checker {
	checks := []health.Checker{
		health.PingChecker("store", a.store),
		health.FlagChecker("rtc", a.rtcReady.Load),
	}
	if a.breaker != nil {
		checks = append(checks, health.Checker{Name: "rtc_breaker", Check: a.breaker.Check})
	}
	return checks
}

// Status is the /statusz body.
func (a *App) Status() any {
	return a.ctrl.Status()
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run performs the configured autostart and then blocks until ctx is done,
// logging asynchronous controller errors. An autostart failure is returned.
func (a *App) Run(ctx context.Context) error {
	if as := a.Config().Session.Autostart; as != nil {
		if err := a.autostart(ctx, *as); err != nil {
			return fmt.Errorf("app: autostart: %w", err)
		}
	}

	var wg sync.WaitGroup
	wg.Go(func() { a.logErrors(ctx) })

	st := a.ctrl.Status()
	slog.Info("app running", "state", st.State, "user_id", st.UserID, "room_id", st.RoomID)
	<-ctx.Done()

	wg.Wait()
	return ctx.Err()
}

// autostart authenticates, joins the configured room and enables the volume
// indicator. A session restored for the same user is reused.
func (a *App) autostart(ctx context.Context, as config.AutostartConfig) error {
	if sess, ok := a.ctrl.CurrentSession(); ok {
		if sess.UserID != as.UserID {
			slog.Info("replacing restored session", "restored_user_id", sess.UserID, "user_id", as.UserID)
			if err := a.ctrl.Deauthenticate(ctx); err != nil {
				return err
			}
		} else if sess.Role != as.Role {
			if err := a.ctrl.SwitchRole(ctx, as.Role); err != nil {
				return err
			}
		}
	}
	if _, ok := a.ctrl.CurrentSession(); !ok {
		if _, err := a.ctrl.Authenticate(ctx, as.UserID, as.UserName, as.Role); err != nil {
			return err
		}
	}

	if as.RoomID == "" {
		return nil
	}
	if err := a.ctrl.JoinRoom(ctx, as.RoomID); err != nil {
		return err
	}

	if vol := a.Config().Volume; vol.Enabled {
		if err := a.ctrl.EnableVolumeIndicator(ctx, vol.DetectionConfig()); err != nil {
			return err
		}
	}
	return nil
}

// logErrors drains the controller's asynchronous error channel.
func (a *App) logErrors(ctx context.Context) {
	errs := a.ctrl.Errors()
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-errs:
			var pce *types.ProviderCallError
			if errors.As(err, &pce) {
				slog.Warn("session background error",
					"capability", pce.Capability,
					"operation", pce.Operation,
					"err", pce.Err)
				continue
			}
			slog.Warn("session background error", "err", err)
		}
	}
}

// ─── Config reload ───────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable part of a config change: the log
// level and the volume indicator. Changes that need a restart are logged.
// Its signature matches [config.ChangeFunc].
func (a *App) ApplyConfig(_, newCfg *config.Config, diff config.ConfigDiff) {
	a.mu.Lock()
	a.cfg = newCfg
	a.mu.Unlock()

	if diff.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(diff.NewLogLevel.SlogLevel())
		slog.Info("log level changed", "log_level", diff.NewLogLevel)
	}

	if diff.VolumeChanged {
		ctx, cancel := context.WithTimeout(context.Background(), reloadTimeout)
		defer cancel()
		if err := a.applyVolume(ctx, diff.NewVolume); err != nil {
			slog.Error("failed to apply volume config", "err", err)
		}
	}

	for _, section := range diff.RestartRequired {
		slog.Warn("config change requires a restart to take effect", "section", section)
	}
}

// applyVolume brings the volume indicator in line with v. Enabling while
// enabled restarts the engine with the new config. When not in a room the
// indicator is left alone; the next autostart picks v up.
func (a *App) applyVolume(ctx context.Context, v config.VolumeConfig) error {
	if !v.Enabled {
		return a.ctrl.DisableVolumeIndicator(ctx)
	}
	if a.ctrl.RoomID() == "" {
		slog.Debug("volume config updated while not in a room")
		return nil
	}
	return a.ctrl.EnableVolumeIndicator(ctx, v.DetectionConfig())
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown leaves the room and tears down all subsystems in order. Closing
// the RTM provider ends its login; the persisted session survives so the
// next start restores it. It respects
// the context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if a.ctrl.RoomID() != "" {
			if err := a.ctrl.LeaveRoom(ctx); err != nil {
				slog.Warn("leave room on shutdown failed", "err", err)
			}
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll runs the closers collected so far. Used when New fails.
func (a *App) closeAll() {
	for _, closer := range a.closers {
		if err := closer(); err != nil {
			slog.Warn("closer error", "err", err)
		}
	}
}
