// Package types defines the shared data model used across all rtcsession packages.
//
// These types form the lingua franca between the provider adapters, the
// persistent store, the audio-settings synchronizer, the volume indicator
// engine, and the session lifecycle controller. They are intentionally plain
// values: every mutation produces a complete new value so that observers never
// see a half-updated object.
package types

import (
	"fmt"
	"time"
)

// Role is the participant capability a user holds inside a room. Roles gate
// audio permission at the application-policy level only; the data model does
// not enforce them.
type Role string

const (
	RoleBroadcaster Role = "broadcaster"
	RoleAudience    Role = "audience"
	RoleCoHost      Role = "co-host"
	RoleModerator   Role = "moderator"
)

// Valid reports whether r is one of the recognised roles.
func (r Role) Valid() bool {
	switch r {
	case RoleBroadcaster, RoleAudience, RoleCoHost, RoleModerator:
		return true
	}
	return false
}

// CanPublishAudio reports whether the role may unmute its microphone.
// This is the default application policy; callers may apply their own.
func (r Role) CanPublishAudio() bool {
	return r.Valid() && r != RoleAudience
}

// UserSession is the identity bound to the current process.
//
// RoomID is non-empty only between a successful room join and the next
// room leave. A session with an empty RoomID is authenticated but not in a
// room.
type UserSession struct {
	UserID         string    `json:"user_id"`
	UserName       string    `json:"user_name"`
	Role           Role      `json:"role"`
	RoomID         string    `json:"room_id,omitempty"`
	JoinTime       time.Time `json:"join_time"`
	LastActiveTime time.Time `json:"last_active_time"`
}

// InRoom reports whether the session is currently bound to a room.
func (s UserSession) InRoom() bool { return s.RoomID != "" }

// Volume bounds for [AudioSettings].
const (
	MinVolume = 0
	MaxVolume = 100
)

// AudioSettings is the canonical local audio configuration. All volume fields
// are kept within [MinVolume, MaxVolume].
type AudioSettings struct {
	MicrophoneMuted        bool `json:"microphone_muted"`
	AudioMixingVolume      int  `json:"audio_mixing_volume"`
	PlaybackSignalVolume   int  `json:"playback_signal_volume"`
	RecordingSignalVolume  int  `json:"recording_signal_volume"`
	LocalAudioStreamActive bool `json:"local_audio_stream_active"`
}

// DefaultAudioSettings returns the settings applied at engine initialisation.
func DefaultAudioSettings() AudioSettings {
	return AudioSettings{
		MicrophoneMuted:        false,
		AudioMixingVolume:      MaxVolume,
		PlaybackSignalVolume:   MaxVolume,
		RecordingSignalVolume:  MaxVolume,
		LocalAudioStreamActive: true,
	}
}

// Clamped returns a copy of s with every volume field clamped into range.
func (s AudioSettings) Clamped() AudioSettings {
	s.AudioMixingVolume = ClampVolume(s.AudioMixingVolume)
	s.PlaybackSignalVolume = ClampVolume(s.PlaybackSignalVolume)
	s.RecordingSignalVolume = ClampVolume(s.RecordingSignalVolume)
	return s
}

// ClampVolume clamps v into [MinVolume, MaxVolume].
func ClampVolume(v int) int {
	return min(max(v, MinVolume), MaxVolume)
}

// ConnectionKind enumerates the media connection states.
type ConnectionKind int

const (
	ConnDisconnected ConnectionKind = iota
	ConnConnecting
	ConnConnected
	ConnReconnecting
	ConnFailed
)

// String returns the human-readable name of the kind.
func (k ConnectionKind) String() string {
	switch k {
	case ConnDisconnected:
		return "disconnected"
	case ConnConnecting:
		return "connecting"
	case ConnConnected:
		return "connected"
	case ConnReconnecting:
		return "reconnecting"
	case ConnFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ConnectionState is the closed connection-state enum. Reason is only set for
// [ConnFailed].
type ConnectionState struct {
	Kind   ConnectionKind
	Reason string
}

// Convenience constructors.
var (
	Disconnected = ConnectionState{Kind: ConnDisconnected}
	Connecting   = ConnectionState{Kind: ConnConnecting}
	Connected    = ConnectionState{Kind: ConnConnected}
	Reconnecting = ConnectionState{Kind: ConnReconnecting}
)

// Failed returns a failed state carrying reason.
func Failed(reason string) ConnectionState {
	return ConnectionState{Kind: ConnFailed, Reason: reason}
}

// String implements [fmt.Stringer].
func (s ConnectionState) String() string {
	if s.Kind == ConnFailed && s.Reason != "" {
		return fmt.Sprintf("failed(%s)", s.Reason)
	}
	return s.Kind.String()
}

// UserVolumeInfo is one per-user volume observation. Volume is normalised to
// [0, 1]. IsSpeaking is derived by the volume engine and is never set by
// providers.
type UserVolumeInfo struct {
	UserID     string
	Volume     float64
	IsSpeaking bool
	Timestamp  time.Time
}

// NormalizeVolume maps a raw provider level on the scale [0, scaleMax] into
// [0, 1], clamping out-of-range input. A non-positive scaleMax is treated as 1.
func NormalizeVolume(raw, scaleMax float64) float64 {
	if scaleMax <= 0 {
		scaleMax = 1
	}
	return ClampUnit(raw / scaleMax)
}

// ClampUnit clamps v into [0, 1]. NaN maps to 0.
func ClampUnit(v float64) float64 {
	if v != v || v <= 0 {
		return 0
	}
	if v >= 1 {
		return 1
	}
	return v
}
