// Package rtc defines the Provider interface for real-time audio/video
// backends.
//
// An RTC provider owns the media side of a room: joining and leaving,
// microphone and volume control, and periodic per-user volume indications.
// Implementations wrap vendor SDKs (Discord voice, a simulated room, …) and
// are consumed exclusively by the session controller and the audio-settings
// synchronizer. The controller never retries a failed call; retry policy
// belongs to the caller.
//
// Implementations must be safe for concurrent use. Callbacks registered via
// the On* methods are invoked on provider-owned goroutines and must not block.
package rtc

import (
	"context"

	"github.com/MrWong99/rtcsession/pkg/types"
)

// Config carries the provider-independent initialisation parameters.
type Config struct {
	// AppID identifies the application to the vendor backend.
	AppID string

	// Token authenticates the client. May be empty for providers that do not
	// require one.
	Token string

	// Options holds provider-specific settings not covered above.
	Options map[string]any
}

// VolumeIndicatorConfig tells the provider how often to report volumes.
// It is derived from [types.VolumeDetectionConfig].
type VolumeIndicatorConfig struct {
	// IntervalMs is the reporting cadence in milliseconds.
	IntervalMs int

	// ReportLocalUser asks the provider to include the local user's level.
	ReportLocalUser bool
}

// VolumeCallback receives one batch of raw, provider-normalised samples.
type VolumeCallback func(samples []types.UserVolumeInfo)

// Provider is the RTC capability.
type Provider interface {
	// Initialize prepares the provider. It must be called once before any
	// room operation.
	Initialize(ctx context.Context, cfg Config) error

	// CreateRoom asks the backend to provision roomID. Providers whose rooms
	// exist implicitly return nil.
	CreateRoom(ctx context.Context, roomID string) error

	// JoinRoom joins roomID as userID with the given role.
	JoinRoom(ctx context.Context, roomID, userID string, role types.Role) error

	// LeaveRoom leaves the current room. Leaving when not in a room is a no-op.
	LeaveRoom(ctx context.Context) error

	// SwitchRole changes the local user's role inside the current room.
	SwitchRole(ctx context.Context, role types.Role) error

	// MuteMicrophone mutes (true) or unmutes (false) the local microphone.
	MuteMicrophone(ctx context.Context, muted bool) error

	// SetAudioMixingVolume sets the mixing volume in [0, 100].
	SetAudioMixingVolume(ctx context.Context, volume int) error

	// SetPlaybackSignalVolume sets the playback volume in [0, 100].
	SetPlaybackSignalVolume(ctx context.Context, volume int) error

	// SetRecordingSignalVolume sets the capture volume in [0, 100].
	SetRecordingSignalVolume(ctx context.Context, volume int) error

	// EnableLocalAudio starts (true) or stops (false) the local audio stream.
	EnableLocalAudio(ctx context.Context, enabled bool) error

	// EnableVolumeIndicator starts periodic volume reporting.
	EnableVolumeIndicator(ctx context.Context, cfg VolumeIndicatorConfig) error

	// DisableVolumeIndicator stops periodic volume reporting.
	DisableVolumeIndicator(ctx context.Context) error

	// RenewToken replaces the authentication token after expiry.
	RenewToken(ctx context.Context, token string) error

	// OnVolumeIndication registers cb for volume batches. Only one callback is
	// kept; subsequent calls replace it. Passing nil removes it.
	OnVolumeIndication(cb VolumeCallback)

	// OnTokenExpiry registers cb to be called when the token is about to
	// expire. Only one callback is kept.
	OnTokenExpiry(cb func())

	// OnConnectionStateChanged registers cb for media connection changes
	// reported by the backend (drops, recoveries, permanent failures).
	// Only one callback is kept.
	OnConnectionStateChanged(cb func(types.ConnectionState))

	// Close releases all resources. Safe to call more than once.
	Close() error
}
