package session

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/MrWong99/rtcsession/internal/observe"
	"github.com/MrWong99/rtcsession/pkg/provider/rtc"
	"github.com/MrWong99/rtcsession/pkg/provider/rtm"
	"github.com/MrWong99/rtcsession/pkg/types"
)

// SetMicrophoneMuted mutes or unmutes the local microphone. Unmuting is
// refused with [types.ErrRoleNotPermitted] when the session's role may not
// publish audio. The RTC call completes before the canonical settings change.
func (c *Controller) SetMicrophoneMuted(ctx context.Context, muted bool) error {
	if !muted {
		if sess, ok := c.CurrentSession(); ok && !sess.Role.CanPublishAudio() {
			return fmt.Errorf("session: unmute as %s: %w", sess.Role, types.ErrRoleNotPermitted)
		}
	}
	return c.audio.MuteMicrophone(ctx, muted)
}

// SetAudioMixingVolume sets the mixing volume, clamped to [0, 100].
func (c *Controller) SetAudioMixingVolume(ctx context.Context, volume int) error {
	return c.audio.SetAudioMixingVolume(ctx, volume)
}

// SetPlaybackSignalVolume sets the playback volume, clamped to [0, 100].
func (c *Controller) SetPlaybackSignalVolume(ctx context.Context, volume int) error {
	return c.audio.SetPlaybackSignalVolume(ctx, volume)
}

// SetRecordingSignalVolume sets the recording volume, clamped to [0, 100].
func (c *Controller) SetRecordingSignalVolume(ctx context.Context, volume int) error {
	return c.audio.SetRecordingSignalVolume(ctx, volume)
}

// SetLocalAudioActive starts or stops the local audio stream.
func (c *Controller) SetLocalAudioActive(ctx context.Context, active bool) error {
	return c.audio.EnableLocalAudio(ctx, active)
}

// EnableVolumeIndicator validates cfg, starts provider volume reporting and
// (re)starts the volume engine. Enabling while enabled replaces the config:
// the engine is stopped, its state cleared and restarted with cfg.
func (c *Controller) EnableVolumeIndicator(ctx context.Context, cfg types.VolumeDetectionConfig) (err error) {
	ctx, span := observe.StartSessionSpan(ctx, "enable_volume_indicator")
	defer func() { observe.EndSpan(span, err) }()

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("session: enable volume indicator: %w", err)
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.rtc.OnVolumeIndication(c.volume.Submit)
	err = c.callRTC(ctx, "enable_volume_indicator", func(ctx context.Context) error {
		return c.rtc.EnableVolumeIndicator(ctx, rtc.VolumeIndicatorConfig{
			IntervalMs:      int(cfg.DetectionInterval.Milliseconds()),
			ReportLocalUser: cfg.IncludeLocalUser,
		})
	})
	if err != nil {
		if !c.volume.Enabled() {
			c.rtc.OnVolumeIndication(nil)
		}
		return err
	}
	if err := c.volume.Enable(cfg); err != nil {
		return err
	}

	observe.Logger(ctx).Info("session: volume indicator enabled",
		"interval", cfg.DetectionInterval,
		"speaking_threshold", cfg.SpeakingThreshold,
		"hysteresis", cfg.Hysteresis,
	)
	return nil
}

// DisableVolumeIndicator stops provider volume reporting and the engine.
// It is a no-op when the indicator is not enabled.
func (c *Controller) DisableVolumeIndicator(ctx context.Context) (err error) {
	ctx, span := observe.StartSessionSpan(ctx, "disable_volume_indicator")
	defer func() { observe.EndSpan(span, err) }()

	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.stopVolume(ctx)
}

// stopVolume disables the indicator. The engine and the callback are always
// released, even when the provider call fails. Caller holds opMu.
func (c *Controller) stopVolume(ctx context.Context) error {
	if !c.volume.Enabled() {
		return nil
	}
	c.rtc.OnVolumeIndication(nil)
	c.volume.Disable()
	return c.callRTC(ctx, "disable_volume_indicator", c.rtc.DisableVolumeIndicator)
}

// ReconfigureVolumeIndicator applies cfg when the indicator is enabled and
// does nothing otherwise.
func (c *Controller) ReconfigureVolumeIndicator(ctx context.Context, cfg types.VolumeDetectionConfig) error {
	if !c.volume.Enabled() {
		return nil
	}
	return c.EnableVolumeIndicator(ctx, cfg)
}

// SendMessage sends text to the joined room's RTM channel.
func (c *Controller) SendMessage(ctx context.Context, text string) (_ rtm.Message, err error) {
	ctx, span := observe.StartSessionSpan(ctx, "send_message", observe.AttrRoomID.String(c.RoomID()))
	defer func() { observe.EndSpan(span, err) }()

	sess, ok := c.CurrentSession()
	if !ok {
		return rtm.Message{}, types.ErrNoActiveSession
	}
	room := c.RoomID()
	if room == "" {
		return rtm.Message{}, types.ErrNotInRoom
	}

	msg := rtm.Message{
		ID:        uuid.NewString(),
		ChannelID: room,
		SenderID:  sess.UserID,
		Text:      text,
		SentAt:    c.now(),
	}
	if err := c.callRTM(ctx, "send_message", func(ctx context.Context) error {
		return c.rtm.SendMessage(ctx, msg)
	}); err != nil {
		return rtm.Message{}, err
	}
	return msg, nil
}
