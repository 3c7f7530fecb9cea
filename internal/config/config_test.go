package config_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/rtcsession/internal/config"
	"github.com/MrWong99/rtcsession/pkg/provider/rtc"
	rtcmock "github.com/MrWong99/rtcsession/pkg/provider/rtc/mock"
	"github.com/MrWong99/rtcsession/pkg/provider/rtm"
	rtmmock "github.com/MrWong99/rtcsession/pkg/provider/rtm/mock"
	"github.com/MrWong99/rtcsession/pkg/store"
	"github.com/MrWong99/rtcsession/pkg/store/memstore"
	"github.com/MrWong99/rtcsession/pkg/types"
)

const validYAML = `
server:
  listen_addr: ":9090"
  log_level: debug
  rtm_hub:
    enabled: true
providers:
  rtc:
    name: sim
    options:
      participants: [alice, bob]
  rtm:
    name: websocket
  store:
    name: memory
session:
  join_timeout: 5s
  rollback_partial_join: true
  store_namespace: "desk-1/"
  tokens:
    rtm: secret
  reconnect:
    max_retries: 4
    backoff: 250ms
    max_backoff: 4s
  circuit_breaker:
    max_failures: 3
    reset_timeout: 10s
  autostart:
    user_id: u1
    user_name: Ada
    role: broadcaster
    room_id: lobby
volume:
  enabled: true
  detection_interval: 100ms
  speaking_threshold: 0.4
  silence_threshold: 0.2
  smooth_factor: 0.6
  hysteresis: true
`

func TestLoadFromReader_Valid(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Server.ListenAddr != ":9090" || cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Server.RTMHub.Path != config.DefaultRTMHubPath {
		t.Errorf("rtm_hub.path = %q, want default", cfg.Server.RTMHub.Path)
	}
	if got := cfg.Providers.RTC.Options["participants"]; got == nil {
		t.Error("rtc options lost")
	}
	s := cfg.Session
	if s.JoinTimeout != 5*time.Second || !s.RollbackPartialJoin || s.Tokens["rtm"] != "secret" {
		t.Errorf("session = %+v", s)
	}
	if s.Reconnect != (config.ReconnectConfig{MaxRetries: 4, Backoff: 250 * time.Millisecond, MaxBackoff: 4 * time.Second}) {
		t.Errorf("reconnect = %+v", s.Reconnect)
	}
	if s.Autostart == nil || s.Autostart.Role != types.RoleBroadcaster || s.Autostart.RoomID != "lobby" {
		t.Errorf("autostart = %+v", s.Autostart)
	}

	want := types.VolumeDetectionConfig{
		DetectionInterval: 100 * time.Millisecond,
		SpeakingThreshold: 0.4,
		SilenceThreshold:  0.2,
		SmoothFactor:      0.6,
		Hysteresis:        true,
	}
	if got := cfg.Volume.DetectionConfig(); got != want {
		t.Errorf("DetectionConfig = %+v, want %+v", got, want)
	}
}

func TestLoadFromReader_EmptyUsesDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("empty config should be valid, got: %v", err)
	}
	if cfg.Server.ListenAddr != config.DefaultListenAddr || cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("server defaults = %+v", cfg.Server)
	}
	if cfg.Providers.RTC.Name != "sim" || cfg.Providers.RTM.Name != "sim" || cfg.Providers.Store.Name != "memory" {
		t.Errorf("provider defaults = %+v", cfg.Providers)
	}
	if err := cfg.Volume.DetectionConfig().Validate(); err != nil {
		t.Errorf("default volume config invalid: %v", err)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("server:\n  listen_adr: \":1\"\n"))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestValidate_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"log level", "server:\n  log_level: bananas\n", "log_level"},
		{"tls half configured", "server:\n  tls:\n    cert_file: a.pem\n", "tls"},
		{"postgres without dsn", "providers:\n  store:\n    name: postgres\n", "DSN"},
		{"websocket without endpoint", "providers:\n  rtm:\n    name: websocket\n", "endpoint"},
		{"discord without guild", "providers:\n  rtc:\n    name: discord\n    token: t\n", "guild_id"},
		{"negative join timeout", "session:\n  join_timeout: -1s\n", "join_timeout"},
		{"bad token key", "session:\n  tokens:\n    sip: x\n", "tokens"},
		{"negative retries", "session:\n  reconnect:\n    max_retries: -1\n", "max_retries"},
		{"backoff above max", "session:\n  reconnect:\n    backoff: 5s\n    max_backoff: 1s\n", "exceeds"},
		{"negative breaker", "session:\n  circuit_breaker:\n    max_failures: -2\n", "circuit_breaker"},
		{"autostart without user", "session:\n  autostart:\n    role: audience\n", "user_id"},
		{"autostart bad role", "session:\n  autostart:\n    user_id: u\n    role: king\n", "role"},
		{"volume thresholds", "volume:\n  enabled: true\n  speaking_threshold: 0.2\n  silence_threshold: 0.5\n", "volume"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q should mention %q", err, tt.want)
			}
		})
	}
}

func TestValidate_DisabledVolumeNotChecked(t *testing.T) {
	t.Parallel()
	yaml := "volume:\n  enabled: false\n  speaking_threshold: 0.2\n  silence_threshold: 0.5\n"
	if _, err := config.LoadFromReader(strings.NewReader(yaml)); err != nil {
		t.Errorf("disabled volume section should not be validated: %v", err)
	}
}

func TestValidate_InvalidVolumeWrapsSentinel(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Volume: config.VolumeConfig{Enabled: true}}
	err := config.Validate(cfg)
	if !errors.Is(err, types.ErrInvalidVolumeConfig) {
		t.Errorf("err = %v, want ErrInvalidVolumeConfig", err)
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: loud
session:
  reconnect:
    max_retries: -1
  autostart:
    role: audience
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected errors")
	}
	for _, want := range []string{"log_level", "max_retries", "user_id"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error should mention %q: %v", want, err)
		}
	}
}

func TestRegistry_Unknown(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()

	if _, err := reg.CreateRTC(config.ProviderEntry{Name: "nope"}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateRTC err = %v", err)
	}
	if _, err := reg.CreateRTM(config.ProviderEntry{Name: "nope"}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateRTM err = %v", err)
	}
	if _, err := reg.CreateStore(context.Background(), config.ProviderEntry{Name: "nope"}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateStore err = %v", err)
	}
}

func TestRegistry_Registered(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()

	var gotEntry config.ProviderEntry
	reg.RegisterRTC("mock", func(e config.ProviderEntry) (rtc.Provider, error) {
		gotEntry = e
		return &rtcmock.Provider{}, nil
	})
	reg.RegisterRTM("mock", func(config.ProviderEntry) (rtm.Provider, error) { return &rtmmock.Provider{}, nil })
	reg.RegisterStore("memory", func(context.Context, config.ProviderEntry) (store.Store, error) { return memstore.New(), nil })

	if _, err := reg.CreateRTC(config.ProviderEntry{Name: "mock", AppID: "app"}); err != nil {
		t.Fatalf("CreateRTC: %v", err)
	}
	if gotEntry.AppID != "app" {
		t.Errorf("factory got entry %+v", gotEntry)
	}
	if _, err := reg.CreateRTM(config.ProviderEntry{Name: "mock"}); err != nil {
		t.Fatalf("CreateRTM: %v", err)
	}
	if _, err := reg.CreateStore(context.Background(), config.ProviderEntry{Name: "memory"}); err != nil {
		t.Fatalf("CreateStore: %v", err)
	}

	names := reg.Names()
	if len(names["rtc"]) != 1 || len(names["rtm"]) != 1 || len(names["store"]) != 1 {
		t.Errorf("Names = %v", names)
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	boom := errors.New("bad credentials")
	reg.RegisterRTC("broken", func(config.ProviderEntry) (rtc.Provider, error) { return nil, boom })

	if _, err := reg.CreateRTC(config.ProviderEntry{Name: "broken"}); !errors.Is(err, boom) {
		t.Errorf("err = %v, want factory error", err)
	}
}
