package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/rtcsession/internal/config"
)

func baseConfig() *config.Config {
	cfg := &config.Config{
		Providers: config.ProvidersConfig{
			RTC: config.ProviderEntry{Name: "sim", Options: map[string]any{"participants": []any{"a"}}},
		},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	d := config.Diff(baseConfig(), baseConfig())
	if !d.Empty() {
		t.Errorf("diff of equal configs = %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old, cur := baseConfig(), baseConfig()
	cur.Server.LogLevel = config.LogDebug

	d := config.Diff(old, cur)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("diff = %+v", d)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("log level alone must not require a restart: %v", d.RestartRequired)
	}
}

func TestDiff_VolumeChanged(t *testing.T) {
	t.Parallel()
	old, cur := baseConfig(), baseConfig()
	cur.Volume.Enabled = true
	cur.Volume.DetectionInterval = 50 * time.Millisecond

	d := config.Diff(old, cur)
	if !d.VolumeChanged || d.NewVolume != cur.Volume {
		t.Errorf("diff = %+v", d)
	}
	if d.LogLevelChanged || len(d.RestartRequired) != 0 {
		t.Errorf("unexpected extra changes: %+v", d)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	old, cur := baseConfig(), baseConfig()
	cur.Server.ListenAddr = ":1234"
	cur.Providers.RTC.Options = map[string]any{"participants": []any{"a", "b"}}
	cur.Providers.Store.Endpoint = "postgres://db"
	cur.Session.JoinTimeout = time.Second

	d := config.Diff(old, cur)
	want := []string{"server", "providers.rtc", "providers.store", "session"}
	if !slices.Equal(d.RestartRequired, want) {
		t.Errorf("RestartRequired = %v, want %v", d.RestartRequired, want)
	}
}

func TestDiff_NilAndEmptyOptionsEqual(t *testing.T) {
	t.Parallel()
	old, cur := baseConfig(), baseConfig()
	old.Providers.RTM.Options = nil
	cur.Providers.RTM.Options = map[string]any{}
	if d := config.Diff(old, cur); !d.Empty() {
		t.Errorf("diff = %+v, want empty", d)
	}
}
