package config

import (
	"maps"
	"reflect"
)

// ConfigDiff describes what changed between two configs. Log level and
// volume changes are applied live; everything listed in RestartRequired only
// takes effect after a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	VolumeChanged bool
	NewVolume     VolumeConfig

	// RestartRequired names the top-level sections whose changes are not
	// applied live (e.g., "providers.rtc", "session").
	RestartRequired []string
}

// Empty reports whether d carries no change at all.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.VolumeChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Volume != new.Volume {
		d.VolumeChanged = true
		d.NewVolume = new.Volume
	}

	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	if !reflect.DeepEqual(oldServer, newServer) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	for _, p := range []struct {
		name     string
		old, new ProviderEntry
	}{
		{"providers.rtc", old.Providers.RTC, new.Providers.RTC},
		{"providers.rtm", old.Providers.RTM, new.Providers.RTM},
		{"providers.store", old.Providers.Store, new.Providers.Store},
	} {
		if !entryEqual(p.old, p.new) {
			d.RestartRequired = append(d.RestartRequired, p.name)
		}
	}
	if !reflect.DeepEqual(old.Session, new.Session) {
		d.RestartRequired = append(d.RestartRequired, "session")
	}

	return d
}

func entryEqual(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.AppID != b.AppID || a.Token != b.Token || a.Endpoint != b.Endpoint {
		return false
	}
	return maps.EqualFunc(a.Options, b.Options, func(x, y any) bool { return reflect.DeepEqual(x, y) })
}
