package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/rtcsession/pkg/types"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"rtc":   {"sim", "discord"},
	"rtm":   {"sim", "websocket"},
	"store": {"memory", "postgres"},
}

// Defaults applied by [LoadFromReader] to fields left empty.
const (
	DefaultListenAddr = ":8080"
	DefaultRTMHubPath = "/rtm"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills defaults and validates
// the result. An empty document yields the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills empty fields of cfg. Session timeouts and reconnect
// settings are left at zero so the controller's own defaults apply.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.RTMHub.Path == "" {
		cfg.Server.RTMHub.Path = DefaultRTMHubPath
	}
	if cfg.Providers.RTC.Name == "" {
		cfg.Providers.RTC.Name = "sim"
	}
	if cfg.Providers.RTM.Name == "" {
		cfg.Providers.RTM.Name = "sim"
	}
	if cfg.Providers.Store.Name == "" {
		cfg.Providers.Store.Name = "memory"
	}

	def := types.DefaultVolumeDetectionConfig()
	if cfg.Volume.DetectionInterval == 0 {
		cfg.Volume.DetectionInterval = def.DetectionInterval
	}
	if cfg.Volume.SpeakingThreshold == 0 {
		cfg.Volume.SpeakingThreshold = def.SpeakingThreshold
	}
	if cfg.Volume.SmoothFactor == 0 {
		cfg.Volume.SmoothFactor = def.SmoothFactor
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Providers
	validateProviderName("rtc", cfg.Providers.RTC.Name)
	validateProviderName("rtm", cfg.Providers.RTM.Name)
	validateProviderName("store", cfg.Providers.Store.Name)

	if cfg.Providers.Store.Name == "postgres" && cfg.Providers.Store.Endpoint == "" {
		errs = append(errs, errors.New("providers.store.endpoint (DSN) is required for the postgres store"))
	}
	if cfg.Providers.RTM.Name == "websocket" && cfg.Providers.RTM.Endpoint == "" && !cfg.Server.RTMHub.Enabled {
		errs = append(errs, errors.New("providers.rtm.endpoint is required for the websocket provider unless server.rtm_hub is enabled"))
	}
	if cfg.Providers.RTC.Name == "discord" {
		if cfg.Providers.RTC.Token == "" {
			slog.Warn("providers.rtc.token is empty; the discord provider needs a bot token")
		}
		if _, ok := cfg.Providers.RTC.Options["guild_id"]; !ok {
			errs = append(errs, errors.New("providers.rtc.options.guild_id is required for the discord provider"))
		}
	}

	// Session
	s := cfg.Session
	if s.JoinTimeout < 0 {
		errs = append(errs, fmt.Errorf("session.join_timeout %v must not be negative", s.JoinTimeout))
	}
	if s.LeaveTimeout < 0 {
		errs = append(errs, fmt.Errorf("session.leave_timeout %v must not be negative", s.LeaveTimeout))
	}
	for capability := range s.Tokens {
		if capability != "rtc" && capability != "rtm" {
			errs = append(errs, fmt.Errorf("session.tokens key %q is invalid; valid keys: rtc, rtm", capability))
		}
	}
	errs = append(errs, validateReconnect(s.Reconnect)...)
	if cb := s.CircuitBreaker; cb.MaxFailures < 0 || cb.ResetTimeout < 0 || cb.HalfOpenMax < 0 {
		errs = append(errs, errors.New("session.circuit_breaker values must not be negative"))
	}
	if a := s.Autostart; a != nil {
		if a.UserID == "" {
			errs = append(errs, errors.New("session.autostart.user_id is required"))
		}
		if !a.Role.Valid() {
			errs = append(errs, fmt.Errorf("session.autostart.role %q is invalid", a.Role))
		}
	}

	// Volume
	if cfg.Volume.Enabled {
		if err := cfg.Volume.DetectionConfig().Validate(); err != nil {
			errs = append(errs, fmt.Errorf("volume: %w", err))
		}
	}

	return errors.Join(errs...)
}

func validateReconnect(r ReconnectConfig) []error {
	var errs []error
	if r.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("session.reconnect.max_retries %d must not be negative", r.MaxRetries))
	}
	if r.Backoff < 0 || r.MaxBackoff < 0 {
		errs = append(errs, errors.New("session.reconnect backoff values must not be negative"))
	}
	if r.MaxBackoff > 0 && r.Backoff > r.MaxBackoff {
		errs = append(errs, fmt.Errorf("session.reconnect.backoff %v exceeds max_backoff %v", r.Backoff, r.MaxBackoff))
	}
	if r.MaxBackoff > time.Hour {
		slog.Warn("session.reconnect.max_backoff is over an hour", "max_backoff", r.MaxBackoff)
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
