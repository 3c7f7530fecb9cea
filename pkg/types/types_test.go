package types

import (
	"errors"
	"math"
	"strings"
	"testing"
	"time"
)

func TestAudioSettings_Clamped(t *testing.T) {
	t.Parallel()

	in := AudioSettings{
		MicrophoneMuted:       true,
		AudioMixingVolume:     150,
		PlaybackSignalVolume:  -20,
		RecordingSignalVolume: 55,
	}
	got := in.Clamped()

	if got.AudioMixingVolume != 100 {
		t.Errorf("AudioMixingVolume = %d, want 100", got.AudioMixingVolume)
	}
	if got.PlaybackSignalVolume != 0 {
		t.Errorf("PlaybackSignalVolume = %d, want 0", got.PlaybackSignalVolume)
	}
	if got.RecordingSignalVolume != 55 {
		t.Errorf("RecordingSignalVolume = %d, want 55", got.RecordingSignalVolume)
	}
	if !got.MicrophoneMuted {
		t.Error("MicrophoneMuted should be preserved")
	}
	if in.AudioMixingVolume != 150 {
		t.Error("Clamped must not mutate the receiver")
	}
}

func TestNormalizeVolume(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		raw   float64
		scale float64
		want  float64
	}{
		{"unit scale passthrough", 0.4, 1, 0.4},
		{"byte scale", 255, 255, 1},
		{"byte scale half", 127.5, 255, 0.5},
		{"negative clamps to zero", -3, 255, 0},
		{"overflow clamps to one", 300, 255, 1},
		{"zero scale treated as unit", 0.7, 0, 0.7},
		{"nan clamps to zero", math.NaN(), 1, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := NormalizeVolume(tc.raw, tc.scale)
			if math.Abs(got-tc.want) > 1e-9 {
				t.Errorf("NormalizeVolume(%v, %v) = %v, want %v", tc.raw, tc.scale, got, tc.want)
			}
		})
	}
}

func TestRole_Policy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		role    Role
		valid   bool
		publish bool
	}{
		{RoleBroadcaster, true, true},
		{RoleCoHost, true, true},
		{RoleModerator, true, true},
		{RoleAudience, true, false},
		{Role("spectator"), false, false},
	}
	for _, tc := range tests {
		if got := tc.role.Valid(); got != tc.valid {
			t.Errorf("%q.Valid() = %t, want %t", tc.role, got, tc.valid)
		}
		if got := tc.role.CanPublishAudio(); got != tc.publish {
			t.Errorf("%q.CanPublishAudio() = %t, want %t", tc.role, got, tc.publish)
		}
	}
}

func TestConnectionState_String(t *testing.T) {
	t.Parallel()

	if got := Connected.String(); got != "connected" {
		t.Errorf("Connected.String() = %q", got)
	}
	if got := Failed("retries exhausted").String(); got != "failed(retries exhausted)" {
		t.Errorf("Failed.String() = %q", got)
	}
}

func TestVolumeDetectionConfig_Validate(t *testing.T) {
	t.Parallel()

	valid := DefaultVolumeDetectionConfig()
	if err := valid.Validate(); err != nil {
		t.Fatalf("default config should be valid: %v", err)
	}

	tests := []struct {
		name    string
		mutate  func(*VolumeDetectionConfig)
		wantSub string
	}{
		{"silence above speaking", func(c *VolumeDetectionConfig) { c.SilenceThreshold = 0.5; c.SpeakingThreshold = 0.4 }, "exceeds"},
		{"speaking above one", func(c *VolumeDetectionConfig) { c.SpeakingThreshold = 1.2 }, "speaking threshold"},
		{"negative smooth factor", func(c *VolumeDetectionConfig) { c.SmoothFactor = -0.1 }, "smooth factor"},
		{"zero interval", func(c *VolumeDetectionConfig) { c.DetectionInterval = 0 }, "detection interval"},
		{"huge interval", func(c *VolumeDetectionConfig) { c.DetectionInterval = time.Minute }, "detection interval"},
		{"nan silence", func(c *VolumeDetectionConfig) { c.SilenceThreshold = math.NaN() }, "silence threshold"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := DefaultVolumeDetectionConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !errors.Is(err, ErrInvalidVolumeConfig) {
				t.Errorf("error %v does not wrap ErrInvalidVolumeConfig", err)
			}
			if !strings.Contains(err.Error(), tc.wantSub) {
				t.Errorf("error %q does not mention %q", err, tc.wantSub)
			}
		})
	}
}

func TestErrors_Unwrap(t *testing.T) {
	t.Parallel()

	base := errors.New("boom")

	pce := NewProviderCallError(CapabilityRTC, "join_room", base)
	if !errors.Is(pce, base) {
		t.Error("ProviderCallError should unwrap to the cause")
	}
	var asPCE *ProviderCallError
	if !errors.As(pce, &asPCE) || asPCE.Operation != "join_room" {
		t.Errorf("errors.As ProviderCallError failed: %v", pce)
	}
	if NewProviderCallError(CapabilityRTM, "login", nil) != nil {
		t.Error("nil cause should yield nil error")
	}

	pje := &PartialJoinError{RTCSucceeded: true, Err: pce}
	if !errors.Is(pje, base) {
		t.Error("PartialJoinError should unwrap through to the cause")
	}
	if !strings.Contains(pje.Error(), "rtc=true, rtm=false") {
		t.Errorf("PartialJoinError message = %q", pje.Error())
	}

	pe := &PersistenceError{Op: "set", Key: "session/current", Err: base}
	if !errors.Is(pe, base) {
		t.Error("PersistenceError should unwrap to the cause")
	}
}
