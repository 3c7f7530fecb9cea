package resilience

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/rtcsession/pkg/provider/rtc"
	"github.com/MrWong99/rtcsession/pkg/types"
)

var _ rtc.Provider = (*GuardedRTC)(nil)

// GuardedRTC is an [rtc.Provider] whose commands run through a
// [CircuitBreaker].
//
// Teardown calls (LeaveRoom, DisableVolumeIndicator, Close) bypass the
// breaker so a session can always be torn down while the backend is failing.
type GuardedRTC struct {
	inner   rtc.Provider
	breaker *CircuitBreaker
}

// GuardRTC wraps p with cb.
func GuardRTC(p rtc.Provider, cb *CircuitBreaker) *GuardedRTC {
	return &GuardedRTC{inner: p, breaker: cb}
}

// Breaker returns the breaker guarding g.
func (g *GuardedRTC) Breaker() *CircuitBreaker { return g.breaker }

func (g *GuardedRTC) guard(ctx context.Context, op string, fn func(context.Context) error) error {
	err := g.breaker.Execute(ctx, fn)
	if errors.Is(err, ErrCircuitOpen) {
		return fmt.Errorf("resilience: %s %s: %w", g.breaker.Name(), op, err)
	}
	return err
}

func (g *GuardedRTC) Initialize(ctx context.Context, cfg rtc.Config) error {
	return g.guard(ctx, "initialize", func(ctx context.Context) error {
		return g.inner.Initialize(ctx, cfg)
	})
}

func (g *GuardedRTC) CreateRoom(ctx context.Context, roomID string) error {
	return g.guard(ctx, "create_room", func(ctx context.Context) error {
		return g.inner.CreateRoom(ctx, roomID)
	})
}

func (g *GuardedRTC) JoinRoom(ctx context.Context, roomID, userID string, role types.Role) error {
	return g.guard(ctx, "join_room", func(ctx context.Context) error {
		return g.inner.JoinRoom(ctx, roomID, userID, role)
	})
}

func (g *GuardedRTC) LeaveRoom(ctx context.Context) error {
	return g.inner.LeaveRoom(ctx)
}

func (g *GuardedRTC) SwitchRole(ctx context.Context, role types.Role) error {
	return g.guard(ctx, "switch_role", func(ctx context.Context) error {
		return g.inner.SwitchRole(ctx, role)
	})
}

func (g *GuardedRTC) MuteMicrophone(ctx context.Context, muted bool) error {
	return g.guard(ctx, "mute_microphone", func(ctx context.Context) error {
		return g.inner.MuteMicrophone(ctx, muted)
	})
}

func (g *GuardedRTC) SetAudioMixingVolume(ctx context.Context, volume int) error {
	return g.guard(ctx, "set_audio_mixing_volume", func(ctx context.Context) error {
		return g.inner.SetAudioMixingVolume(ctx, volume)
	})
}

func (g *GuardedRTC) SetPlaybackSignalVolume(ctx context.Context, volume int) error {
	return g.guard(ctx, "set_playback_signal_volume", func(ctx context.Context) error {
		return g.inner.SetPlaybackSignalVolume(ctx, volume)
	})
}

func (g *GuardedRTC) SetRecordingSignalVolume(ctx context.Context, volume int) error {
	return g.guard(ctx, "set_recording_signal_volume", func(ctx context.Context) error {
		return g.inner.SetRecordingSignalVolume(ctx, volume)
	})
}

func (g *GuardedRTC) EnableLocalAudio(ctx context.Context, enabled bool) error {
	return g.guard(ctx, "enable_local_audio", func(ctx context.Context) error {
		return g.inner.EnableLocalAudio(ctx, enabled)
	})
}

func (g *GuardedRTC) EnableVolumeIndicator(ctx context.Context, cfg rtc.VolumeIndicatorConfig) error {
	return g.guard(ctx, "enable_volume_indicator", func(ctx context.Context) error {
		return g.inner.EnableVolumeIndicator(ctx, cfg)
	})
}

func (g *GuardedRTC) DisableVolumeIndicator(ctx context.Context) error {
	return g.inner.DisableVolumeIndicator(ctx)
}

func (g *GuardedRTC) RenewToken(ctx context.Context, token string) error {
	return g.guard(ctx, "renew_token", func(ctx context.Context) error {
		return g.inner.RenewToken(ctx, token)
	})
}

func (g *GuardedRTC) OnVolumeIndication(cb rtc.VolumeCallback) { g.inner.OnVolumeIndication(cb) }

func (g *GuardedRTC) OnTokenExpiry(cb func()) { g.inner.OnTokenExpiry(cb) }

func (g *GuardedRTC) OnConnectionStateChanged(cb func(types.ConnectionState)) {
	g.inner.OnConnectionStateChanged(cb)
}

func (g *GuardedRTC) Close() error { return g.inner.Close() }
