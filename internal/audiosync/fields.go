package audiosync

import (
	"context"

	"github.com/MrWong99/rtcsession/pkg/provider/rtc"
	"github.com/MrWong99/rtcsession/pkg/types"
)

// fieldMask records which fields the provider is known to hold.
type fieldMask uint8

func (m fieldMask) has(bit fieldMask) bool       { return m&bit != 0 }
func (m fieldMask) with(bit fieldMask) fieldMask { return m | bit }

// field describes one pushable AudioSettings field.
type field struct {
	bit     fieldMask
	op      string
	differs func(a, b types.AudioSettings) bool
	copy    func(dst *types.AudioSettings, src types.AudioSettings)
	apply   func(ctx context.Context, p rtc.Provider, v types.AudioSettings) error
}

var (
	fieldMuted = field{
		bit:     1 << 0,
		op:      "mute_microphone",
		differs: func(a, b types.AudioSettings) bool { return a.MicrophoneMuted != b.MicrophoneMuted },
		copy:    func(d *types.AudioSettings, s types.AudioSettings) { d.MicrophoneMuted = s.MicrophoneMuted },
		apply: func(ctx context.Context, p rtc.Provider, v types.AudioSettings) error {
			return p.MuteMicrophone(ctx, v.MicrophoneMuted)
		},
	}
	fieldMixing = field{
		bit:     1 << 1,
		op:      "set_audio_mixing_volume",
		differs: func(a, b types.AudioSettings) bool { return a.AudioMixingVolume != b.AudioMixingVolume },
		copy:    func(d *types.AudioSettings, s types.AudioSettings) { d.AudioMixingVolume = s.AudioMixingVolume },
		apply: func(ctx context.Context, p rtc.Provider, v types.AudioSettings) error {
			return p.SetAudioMixingVolume(ctx, v.AudioMixingVolume)
		},
	}
	fieldPlayback = field{
		bit:     1 << 2,
		op:      "set_playback_signal_volume",
		differs: func(a, b types.AudioSettings) bool { return a.PlaybackSignalVolume != b.PlaybackSignalVolume },
		copy:    func(d *types.AudioSettings, s types.AudioSettings) { d.PlaybackSignalVolume = s.PlaybackSignalVolume },
		apply: func(ctx context.Context, p rtc.Provider, v types.AudioSettings) error {
			return p.SetPlaybackSignalVolume(ctx, v.PlaybackSignalVolume)
		},
	}
	fieldRecording = field{
		bit:     1 << 3,
		op:      "set_recording_signal_volume",
		differs: func(a, b types.AudioSettings) bool { return a.RecordingSignalVolume != b.RecordingSignalVolume },
		copy:    func(d *types.AudioSettings, s types.AudioSettings) { d.RecordingSignalVolume = s.RecordingSignalVolume },
		apply: func(ctx context.Context, p rtc.Provider, v types.AudioSettings) error {
			return p.SetRecordingSignalVolume(ctx, v.RecordingSignalVolume)
		},
	}
	fieldLocalAudio = field{
		bit:     1 << 4,
		op:      "enable_local_audio",
		differs: func(a, b types.AudioSettings) bool { return a.LocalAudioStreamActive != b.LocalAudioStreamActive },
		copy:    func(d *types.AudioSettings, s types.AudioSettings) { d.LocalAudioStreamActive = s.LocalAudioStreamActive },
		apply: func(ctx context.Context, p rtc.Provider, v types.AudioSettings) error {
			return p.EnableLocalAudio(ctx, v.LocalAudioStreamActive)
		},
	}
)

// fields lists every pushable field in push order.
var fields = []field{fieldMuted, fieldMixing, fieldPlayback, fieldRecording, fieldLocalAudio}
