// Command rtcsession runs the RTC/RTM session coordinator as a daemon.
//
// It loads the YAML config, builds the configured providers through the
// registry, serves health, status, metrics and (optionally) the websocket RTM
// hub over HTTP, and hot-reloads the log level and volume indicator settings
// when the config file changes.
package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/MrWong99/rtcsession/internal/app"
	"github.com/MrWong99/rtcsession/internal/config"
	"github.com/MrWong99/rtcsession/internal/health"
	"github.com/MrWong99/rtcsession/internal/observe"
	"github.com/MrWong99/rtcsession/pkg/provider/rtc"
	"github.com/MrWong99/rtcsession/pkg/provider/rtc/discord"
	rtcsim "github.com/MrWong99/rtcsession/pkg/provider/rtc/sim"
	"github.com/MrWong99/rtcsession/pkg/provider/rtm"
	rtmsim "github.com/MrWong99/rtcsession/pkg/provider/rtm/sim"
	"github.com/MrWong99/rtcsession/pkg/provider/rtm/websocket"
	"github.com/MrWong99/rtcsession/pkg/store"
	"github.com/MrWong99/rtcsession/pkg/store/memstore"
	"github.com/MrWong99/rtcsession/pkg/store/postgres"
)

// version is overridden at build time via -ldflags.
var version = "dev"

const (
	shutdownTimeout   = 15 * time.Second
	readHeaderTimeout = 10 * time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watchInterval := flag.Duration("watch-interval", 5*time.Second, "how often the config file is checked for changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "rtcsession: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "rtcsession: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	slog.SetDefault(newLogger(cfg.Server.LogLevel, &level))

	slog.Info("rtcsession starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tel.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, cfg.Server)

	providers, err := buildProviders(ctx, cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	// The server is up before the controller so that a restored session can
	// log in to the built-in RTM hub.
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", tel.MetricsHandler)

	var hub *websocket.Hub
	if hc := cfg.Server.RTMHub; hc.Enabled {
		hub = newHub(cfg)
		mux.Handle(hc.Path, hub)
		slog.Info("rtm hub enabled", "path", hc.Path)
	}

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	srvErr := make(chan error, 1)
	go func() {
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
		close(srvErr)
	}()

	// ── Application ───────────────────────────────────────────────────────────
	application, err := app.New(ctx, cfg, providers,
		app.WithMetrics(metrics),
		app.WithLogLevel(&level),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		shutdownServer(srv, hub)
		return 1
	}

	health.New(application.Checkers()...).
		WithStatus(application.Status).
		Register(mux)

	// ── Config watcher ────────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, application.ApplyConfig, config.WithInterval(*watchInterval))
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	runErr := make(chan error, 1)
	go func() { runErr <- application.Run(runCtx) }()

	exitCode := 0
	select {
	case err := <-runErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("run error", "err", err)
			exitCode = 1
		}
	case err, ok := <-srvErr:
		if ok {
			slog.Error("http server error", "err", err)
			exitCode = 1
		}
		cancelRun()
		<-runErr
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		exitCode = 1
	}
	shutdownServer(srv, hub)

	slog.Info("goodbye")
	return exitCode
}

// shutdownServer stops the HTTP server. Hijacked hub connections are not
// closed by [http.Server.Shutdown], so the hub is closed explicitly.
func shutdownServer(srv *http.Server, hub *websocket.Hub) {
	if hub != nil {
		if err := hub.Close(); err != nil {
			slog.Warn("rtm hub close error", "err", err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Warn("http server shutdown error", "err", err)
	}
}

// newHub builds the built-in RTM hub. When an RTM token is configured every
// login must present it.
func newHub(cfg *config.Config) *websocket.Hub {
	opts := []websocket.HubOption{websocket.WithOriginPatterns(cfg.Server.RTMHub.OriginPatterns...)}

	token := cfg.Providers.RTM.Token
	if t, ok := cfg.Session.Tokens["rtm"]; ok {
		token = t
	}
	if token != "" {
		opts = append(opts, websocket.WithAuth(func(_ context.Context, _, got string) error {
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				return errors.New("invalid token")
			}
			return nil
		}))
	}
	return websocket.NewHub(opts...)
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// server is consulted for the default websocket endpoint when the built-in
// hub is enabled.
func registerBuiltinProviders(reg *config.Registry, server config.ServerConfig) {
	// ── RTC ───────────────────────────────────────────────────────────────────

	reg.RegisterRTC("sim", func(entry config.ProviderEntry) (rtc.Provider, error) {
		var opts []rtcsim.Option
		if seed, ok := optInt(entry.Options, "seed"); ok {
			opts = append(opts, rtcsim.WithSeed(uint64(seed)))
		}
		if n, ok := optInt(entry.Options, "turn_ticks"); ok {
			opts = append(opts, rtcsim.WithTurnTicks(n))
		}
		return rtcsim.New(opts...), nil
	})

	// The discord provider opens its own gateway session in Initialize from
	// the entry token.
	reg.RegisterRTC("discord", func(entry config.ProviderEntry) (rtc.Provider, error) {
		guild := optString(entry.Options, "guild_id")
		if guild == "" {
			return nil, errors.New("discord: options.guild_id is required")
		}
		return discord.New(nil, guild), nil
	})

	// ── RTM ───────────────────────────────────────────────────────────────────

	// Every sim RTM provider created by this process shares one broker.
	broker := rtmsim.NewBroker()
	reg.RegisterRTM("sim", func(config.ProviderEntry) (rtm.Provider, error) {
		return broker.Provider(), nil
	})

	reg.RegisterRTM("websocket", func(entry config.ProviderEntry) (rtm.Provider, error) {
		endpoint := entry.Endpoint
		if endpoint == "" && server.RTMHub.Enabled {
			endpoint = localHubURL(server)
		}
		return websocket.New(endpoint), nil
	})

	// ── Store ─────────────────────────────────────────────────────────────────

	reg.RegisterStore("memory", func(context.Context, config.ProviderEntry) (store.Store, error) {
		return memstore.New(), nil
	})

	reg.RegisterStore("postgres", func(ctx context.Context, entry config.ProviderEntry) (store.Store, error) {
		s, err := postgres.NewStore(ctx, entry.Endpoint)
		if err != nil {
			return nil, err
		}
		return s, nil
	})

	for kind, names := range reg.Names() {
		slices.Sort(names)
		slog.Debug("registered providers", "kind", kind, "names", names)
	}
}

// localHubURL is the websocket URL of the built-in hub on this process.
func localHubURL(server config.ServerConfig) string {
	host, port, err := net.SplitHostPort(server.ListenAddr)
	if err != nil {
		host, port = "", "8080"
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	scheme := "ws"
	if server.TLS != nil {
		scheme = "wss"
	}
	return scheme + "://" + net.JoinHostPort(host, port) + server.RTMHub.Path
}

// buildProviders instantiates the providers named in cfg using the registry
// and returns them in an [app.Providers] struct for the application to consume.
func buildProviders(ctx context.Context, cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	p, err := reg.CreateRTC(cfg.Providers.RTC)
	if err != nil {
		return nil, fmt.Errorf("create rtc provider %q: %w", cfg.Providers.RTC.Name, err)
	}
	ps.RTC = p
	slog.Info("provider created", "kind", "rtc", "name", cfg.Providers.RTC.Name)

	m, err := reg.CreateRTM(cfg.Providers.RTM)
	if err != nil {
		_ = ps.RTC.Close()
		return nil, fmt.Errorf("create rtm provider %q: %w", cfg.Providers.RTM.Name, err)
	}
	ps.RTM = m
	slog.Info("provider created", "kind", "rtm", "name", cfg.Providers.RTM.Name)

	s, err := reg.CreateStore(ctx, cfg.Providers.Store)
	if err != nil {
		_ = ps.RTC.Close()
		_ = ps.RTM.Close()
		return nil, fmt.Errorf("create store %q: %w", cfg.Providers.Store.Name, err)
	}
	ps.Store = s
	slog.Info("provider created", "kind", "store", "name", cfg.Providers.Store.Name)

	return ps, nil
}

// ── Logger ─────────────────────────────────────────────────────────────────────

// newLogger returns a text logger whose level follows lv. lv starts at level.
func newLogger(level config.LogLevel, lv *slog.LevelVar) *slog.Logger {
	lv.Set(level.SlogLevel())
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lv}))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optInt extracts an integer from a provider Options map. YAML decodes plain
// integers as int; float64 is accepted for values coming from JSON.
func optInt(opts map[string]any, key string) (int, bool) {
	switch v := opts[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case uint64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}
