package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/rtcsession/internal/config"
	"github.com/MrWong99/rtcsession/pkg/types"
)

func TestLoad_FromFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(validYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("listen_addr = %q", cfg.Server.ListenAddr)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("err = %v, want not-exist", err)
	}
}

func TestApplyDefaults_KeepsExplicitValues(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Server:    config.ServerConfig{ListenAddr: ":1", LogLevel: config.LogWarn},
		Providers: config.ProvidersConfig{RTC: config.ProviderEntry{Name: "discord"}},
		Volume:    config.VolumeConfig{DetectionInterval: time.Second, SpeakingThreshold: 0.9},
	}
	config.ApplyDefaults(cfg)

	if cfg.Server.ListenAddr != ":1" || cfg.Server.LogLevel != config.LogWarn {
		t.Errorf("server overwritten: %+v", cfg.Server)
	}
	if cfg.Providers.RTC.Name != "discord" || cfg.Providers.RTM.Name != "sim" {
		t.Errorf("providers = %+v", cfg.Providers)
	}
	def := types.DefaultVolumeDetectionConfig()
	if cfg.Volume.DetectionInterval != time.Second || cfg.Volume.SpeakingThreshold != 0.9 || cfg.Volume.SmoothFactor != def.SmoothFactor {
		t.Errorf("volume = %+v", cfg.Volume)
	}
	if cfg.Session.JoinTimeout != 0 || cfg.Session.Reconnect != (config.ReconnectConfig{}) {
		t.Error("session values must stay zero so controller defaults apply")
	}
}

func TestValidate_UnknownProviderNameOnlyWarns(t *testing.T) {
	t.Parallel()
	yaml := "providers:\n  rtc:\n    name: third-party\n"
	if _, err := config.LoadFromReader(strings.NewReader(yaml)); err != nil {
		t.Errorf("unknown provider name should only warn: %v", err)
	}
}

func TestValidProviderNames(t *testing.T) {
	t.Parallel()
	for kind, want := range map[string]string{"rtc": "sim", "rtm": "websocket", "store": "postgres"} {
		if !slices.Contains(config.ValidProviderNames[kind], want) {
			t.Errorf("ValidProviderNames[%q] should contain %q", kind, want)
		}
	}
}
