// Package config provides the configuration schema, loader, and provider
// registry for the rtcsession daemon.
package config

import (
	"log/slog"
	"time"

	"github.com/MrWong99/rtcsession/pkg/types"
)

// LogLevel controls log verbosity for the daemon.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// SlogLevel maps l to its slog level. Unknown values map to info.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Session   SessionConfig   `yaml:"session"`
	Volume    VolumeConfig    `yaml:"volume"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP server listens on (e.g., ":8080").
	// Health, metrics, status and the RTM hub are served there.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. It can be changed without a restart.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`

	// RTMHub mounts the built-in websocket RTM hub on the HTTP server.
	RTMHub RTMHubConfig `yaml:"rtm_hub"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// RTMHubConfig configures the built-in RTM hub.
type RTMHubConfig struct {
	Enabled bool `yaml:"enabled"`

	// Path is the HTTP path of the hub. Defaults to "/rtm".
	Path string `yaml:"path"`

	// OriginPatterns lists accepted cross-origin hosts for browser clients.
	OriginPatterns []string `yaml:"origin_patterns"`
}

// ProvidersConfig declares which implementation backs each collaborator. Each
// entry selects a named provider registered in the [Registry].
type ProvidersConfig struct {
	RTC   ProviderEntry `yaml:"rtc"`
	RTM   ProviderEntry `yaml:"rtm"`
	Store ProviderEntry `yaml:"store"`
}

// ProviderEntry is the common configuration block shared by all provider
// kinds. The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered implementation (e.g., "sim", "discord").
	Name string `yaml:"name"`

	// AppID identifies the application to the vendor backend.
	AppID string `yaml:"app_id"`

	// Token is the initial credential handed to the provider. For the
	// discord RTC provider this is the bot token.
	Token string `yaml:"token"`

	// Endpoint is the backend address: a ws:// URL for the websocket RTM
	// provider or a PostgreSQL DSN for the postgres store.
	Endpoint string `yaml:"endpoint"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above.
	Options map[string]any `yaml:"options"`
}

// SessionConfig tunes the session lifecycle controller.
type SessionConfig struct {
	// JoinTimeout bounds a room join. Zero selects the controller default.
	JoinTimeout time.Duration `yaml:"join_timeout"`

	// LeaveTimeout bounds a room leave. Zero selects the controller default.
	LeaveTimeout time.Duration `yaml:"leave_timeout"`

	// RollbackPartialJoin makes the controller leave RTC itself when the RTM
	// half of a join fails.
	RollbackPartialJoin bool `yaml:"rollback_partial_join"`

	// StoreNamespace prefixes every persisted key.
	StoreNamespace string `yaml:"store_namespace"`

	// Tokens maps capability ("rtc", "rtm") to a static token used for logins
	// and renewals. Missing entries fall back to the provider entry's token.
	Tokens map[string]string `yaml:"tokens"`

	Reconnect      ReconnectConfig      `yaml:"reconnect"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`

	// Autostart, when set, authenticates and joins a room at startup.
	Autostart *AutostartConfig `yaml:"autostart"`
}

// ReconnectConfig controls the reconnect loop run after a media drop.
type ReconnectConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// CircuitBreakerConfig guards RTC provider calls. A zero MaxFailures
// disables the breaker.
type CircuitBreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
	HalfOpenMax  int           `yaml:"half_open_max"`
}

// AutostartConfig describes the identity and room used at startup.
type AutostartConfig struct {
	UserID   string     `yaml:"user_id"`
	UserName string     `yaml:"user_name"`
	Role     types.Role `yaml:"role"`

	// RoomID is joined after authentication. Empty means authenticate only.
	RoomID string `yaml:"room_id"`
}

// VolumeConfig configures the volume indicator. Changes are applied without
// a restart.
type VolumeConfig struct {
	Enabled           bool          `yaml:"enabled"`
	DetectionInterval time.Duration `yaml:"detection_interval"`
	SpeakingThreshold float64       `yaml:"speaking_threshold"`
	SilenceThreshold  float64       `yaml:"silence_threshold"`
	IncludeLocalUser  bool          `yaml:"include_local_user"`
	SmoothFactor      float64       `yaml:"smooth_factor"`
	Hysteresis        bool          `yaml:"hysteresis"`
}

// DetectionConfig converts v into the engine's config type.
func (v VolumeConfig) DetectionConfig() types.VolumeDetectionConfig {
	return types.VolumeDetectionConfig{
		DetectionInterval: v.DetectionInterval,
		SpeakingThreshold: v.SpeakingThreshold,
		SilenceThreshold:  v.SilenceThreshold,
		IncludeLocalUser:  v.IncludeLocalUser,
		SmoothFactor:      v.SmoothFactor,
		Hysteresis:        v.Hysteresis,
	}
}
