// Package discord provides an [rtc.Provider] backed by Discord voice channels
// via the bwmarrin/discordgo library.
//
// A room is a voice channel in the configured guild. Joining opens a voice
// connection; incoming Opus packets are decoded per SSRC and their RMS level
// feeds the volume indicator. SSRCs are mapped to Discord user IDs from
// speaking updates; unmapped SSRCs are reported by their numeric value.
//
// Discord exposes no client-side gain controls to bots, so the mixing,
// playback and recording volumes are accepted and kept locally. Microphone
// mute is published as the voice state's self-mute flag and roles without
// audio permission always join muted.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/rtcsession/pkg/provider/rtc"
	"github.com/MrWong99/rtcsession/pkg/types"
)

// Compile-time interface assertion.
var _ rtc.Provider = (*Provider)(nil)

// Provider implements [rtc.Provider] on a discordgo session.
//
// Provider is safe for concurrent use.
type Provider struct {
	mu          sync.Mutex
	session     *discordgo.Session
	ownsSession bool
	guildID     string

	// joinVoice and leaveVoice default to the discordgo calls; tests
	// replace them.
	joinVoice  func(guildID, channelID string, mute, deaf bool) (*discordgo.VoiceConnection, error)
	leaveVoice func(vc *discordgo.VoiceConnection) error
	newDecoder func() (pcmDecoder, error)

	vc       *discordgo.VoiceConnection
	roomID   string
	recvStop chan struct{}
	ssrcUser map[uint32]string

	role       types.Role
	muted      bool
	localAudio bool
	mixing     int
	playback   int
	recording  int

	meter         *meter
	indicatorStop chan struct{}
	indicatorDone chan struct{}

	volumeCb rtc.VolumeCallback
	tokenCb  func()
	stateCb  func(types.ConnectionState)
}

// New creates a Provider for guildID. session may be nil, in which case
// Initialize opens one from the configured bot token.
func New(session *discordgo.Session, guildID string) *Provider {
	return &Provider{
		session:    session,
		guildID:    guildID,
		leaveVoice: (*discordgo.VoiceConnection).Disconnect,
		newDecoder: newOpusDecoder,
		ssrcUser:   make(map[uint32]string),
		meter:      newMeter(),
		localAudio: true,
		mixing:     types.MaxVolume,
		playback:   types.MaxVolume,
		recording:  types.MaxVolume,
	}
}

// Initialize opens a Discord session when none was supplied. cfg.Token is the
// bot token; Options["guild_id"] overrides the guild.
func (p *Provider) Initialize(_ context.Context, cfg rtc.Config) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if g, ok := cfg.Options["guild_id"].(string); ok && g != "" {
		p.guildID = g
	}
	if p.guildID == "" {
		return errors.New("discord: guild_id is required")
	}
	if p.session != nil {
		return nil
	}
	if cfg.Token == "" {
		return errors.New("discord: bot token is required")
	}

	s, err := discordgo.New("Bot " + strings.TrimPrefix(cfg.Token, "Bot "))
	if err != nil {
		return fmt.Errorf("discord: create session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates
	if err := s.Open(); err != nil {
		return fmt.Errorf("discord: open session: %w", err)
	}
	p.session = s
	p.ownsSession = true
	slog.Info("discord: session opened", "guild_id", p.guildID)
	return nil
}

// CreateRoom is a no-op: voice channels are managed in Discord itself.
func (p *Provider) CreateRoom(context.Context, string) error { return nil }

// JoinRoom joins the voice channel roomID. Any previous voice connection is
// torn down first.
func (p *Provider) JoinRoom(ctx context.Context, roomID, userID string, role types.Role) error {
	p.mu.Lock()
	join := p.joinVoice
	if join == nil {
		if p.session == nil {
			p.mu.Unlock()
			return errors.New("discord: not initialised")
		}
		join = p.session.ChannelVoiceJoin
	}
	guildID := p.guildID
	mute := p.muted || !role.CanPublishAudio()
	old, oldStop := p.detachLocked()
	p.mu.Unlock()

	p.teardown(old, oldStop)

	vc, err := join(guildID, roomID, mute, false)
	if err != nil {
		return fmt.Errorf("discord: join voice channel %q: %w", roomID, err)
	}
	if err := ctx.Err(); err != nil {
		_ = p.leaveVoice(vc)
		return err
	}

	stop := make(chan struct{})
	p.mu.Lock()
	p.vc = vc
	p.roomID = roomID
	p.role = role
	p.recvStop = stop
	p.mu.Unlock()

	vc.AddHandler(p.handleSpeakingUpdate)
	go p.recvLoop(vc, stop)

	slog.Info("discord: joined voice channel", "room_id", roomID, "user_id", userID, "muted", mute)
	p.emitState(types.Connected)
	return nil
}

// LeaveRoom closes the voice connection. Leaving when not in a room is a
// no-op.
func (p *Provider) LeaveRoom(context.Context) error {
	p.mu.Lock()
	vc, stop := p.detachLocked()
	room := p.roomID
	p.roomID = ""
	p.mu.Unlock()

	if err := p.teardown(vc, stop); err != nil {
		return fmt.Errorf("discord: leave voice channel %q: %w", room, err)
	}
	return nil
}

// detachLocked takes ownership of the current voice connection. Caller holds
// p.mu.
func (p *Provider) detachLocked() (*discordgo.VoiceConnection, chan struct{}) {
	vc, stop := p.vc, p.recvStop
	p.vc, p.recvStop = nil, nil
	clear(p.ssrcUser)
	return vc, stop
}

func (p *Provider) teardown(vc *discordgo.VoiceConnection, stop chan struct{}) error {
	if stop != nil {
		close(stop)
	}
	if vc == nil {
		return nil
	}
	return p.leaveVoice(vc)
}

// SwitchRole updates the self-mute flag for the new role.
func (p *Provider) SwitchRole(_ context.Context, role types.Role) error {
	p.mu.Lock()
	p.role = role
	p.mu.Unlock()
	return p.publishVoiceState()
}

// MuteMicrophone sets the self-mute flag.
func (p *Provider) MuteMicrophone(_ context.Context, muted bool) error {
	p.mu.Lock()
	p.muted = muted
	p.mu.Unlock()
	return p.publishVoiceState()
}

func (p *Provider) publishVoiceState() error {
	p.mu.Lock()
	vc := p.vc
	mute := p.muted || (p.role != "" && !p.role.CanPublishAudio())
	p.mu.Unlock()
	if vc == nil {
		return nil
	}
	if err := vc.ChangeChannel(vc.ChannelID, mute, false); err != nil {
		return fmt.Errorf("discord: update voice state: %w", err)
	}
	return nil
}

// SetAudioMixingVolume records the mixing volume.
func (p *Provider) SetAudioMixingVolume(_ context.Context, volume int) error {
	p.mu.Lock()
	p.mixing = types.ClampVolume(volume)
	p.mu.Unlock()
	return nil
}

// SetPlaybackSignalVolume records the playback volume.
func (p *Provider) SetPlaybackSignalVolume(_ context.Context, volume int) error {
	p.mu.Lock()
	p.playback = types.ClampVolume(volume)
	p.mu.Unlock()
	return nil
}

// SetRecordingSignalVolume records the recording volume.
func (p *Provider) SetRecordingSignalVolume(_ context.Context, volume int) error {
	p.mu.Lock()
	p.recording = types.ClampVolume(volume)
	p.mu.Unlock()
	return nil
}

// Volumes returns the recorded mixing, playback and recording volumes.
func (p *Provider) Volumes() (mixing, playback, recording int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mixing, p.playback, p.recording
}

// EnableLocalAudio toggles the speaking indicator of the local stream.
func (p *Provider) EnableLocalAudio(_ context.Context, enabled bool) error {
	p.mu.Lock()
	p.localAudio = enabled
	vc := p.vc
	p.mu.Unlock()
	if vc == nil {
		return nil
	}
	if err := vc.Speaking(enabled); err != nil {
		return fmt.Errorf("discord: speaking notification: %w", err)
	}
	return nil
}

// EnableVolumeIndicator starts reporting per-speaker peak levels every
// cfg.IntervalMs. The local user is never reported: Discord does not loop
// back our own audio.
func (p *Provider) EnableVolumeIndicator(_ context.Context, cfg rtc.VolumeIndicatorConfig) error {
	if cfg.IntervalMs <= 0 {
		return fmt.Errorf("discord: invalid volume interval %dms", cfg.IntervalMs)
	}
	p.stopIndicator()

	stop := make(chan struct{})
	done := make(chan struct{})
	p.mu.Lock()
	p.indicatorStop, p.indicatorDone = stop, done
	p.mu.Unlock()
	p.meter.drain()

	go p.indicatorLoop(time.Duration(cfg.IntervalMs)*time.Millisecond, stop, done)
	return nil
}

// DisableVolumeIndicator stops volume reporting.
func (p *Provider) DisableVolumeIndicator(context.Context) error {
	p.stopIndicator()
	return nil
}

func (p *Provider) stopIndicator() {
	p.mu.Lock()
	stop, done := p.indicatorStop, p.indicatorDone
	p.indicatorStop, p.indicatorDone = nil, nil
	p.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
}

func (p *Provider) indicatorLoop(interval time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			p.report(now)
		}
	}
}

// report delivers one batch built from the levels seen since the last
// report. An empty batch is still delivered so silence is observable.
func (p *Provider) report(now time.Time) {
	levels := p.meter.drain()

	p.mu.Lock()
	cb := p.volumeCb
	batch := make([]types.UserVolumeInfo, 0, len(levels))
	for ssrc, level := range levels {
		batch = append(batch, types.UserVolumeInfo{
			UserID:    p.userForSSRCLocked(ssrc),
			Volume:    types.ClampUnit(level),
			Timestamp: now,
		})
	}
	p.mu.Unlock()

	if cb == nil {
		return
	}
	slices.SortFunc(batch, func(a, b types.UserVolumeInfo) int { return strings.Compare(a.UserID, b.UserID) })
	cb(batch)
}

func (p *Provider) userForSSRCLocked(ssrc uint32) string {
	if id, ok := p.ssrcUser[ssrc]; ok {
		return id
	}
	return strconv.FormatUint(uint64(ssrc), 10)
}

func (p *Provider) handleSpeakingUpdate(_ *discordgo.VoiceConnection, vs *discordgo.VoiceSpeakingUpdate) {
	if vs == nil || vs.UserID == "" {
		return
	}
	p.mu.Lock()
	p.ssrcUser[uint32(vs.SSRC)] = vs.UserID
	p.mu.Unlock()
}

// recvLoop decodes incoming Opus per SSRC and feeds the meter. A closed
// receive channel on a connection that was not deliberately left is
// reported as a drop.
func (p *Provider) recvLoop(vc *discordgo.VoiceConnection, stop <-chan struct{}) {
	decoders := make(map[uint32]pcmDecoder)
	for {
		select {
		case <-stop:
			return
		case pkt, ok := <-vc.OpusRecv:
			if !ok {
				p.handleDrop(vc)
				return
			}
			if pkt == nil {
				continue
			}
			dec, exists := decoders[pkt.SSRC]
			if !exists {
				var err error
				dec, err = p.newDecoder()
				if err != nil {
					slog.Error("discord: failed to create opus decoder", "ssrc", pkt.SSRC, "err", err)
					continue
				}
				decoders[pkt.SSRC] = dec
			}
			pcm, err := dec.decode(pkt.Opus)
			if err != nil {
				slog.Warn("discord: opus decode error", "ssrc", pkt.SSRC, "err", err)
				continue
			}
			p.meter.observe(pkt.SSRC, rmsLevel(pcm))
		}
	}
}

func (p *Provider) handleDrop(vc *discordgo.VoiceConnection) {
	p.mu.Lock()
	current := p.vc == vc
	room := p.roomID
	if current {
		p.vc, p.recvStop = nil, nil
	}
	p.mu.Unlock()
	if !current {
		return
	}
	slog.Warn("discord: voice connection dropped", "room_id", room)
	p.emitState(types.Reconnecting)
}

// RenewToken swaps the bot token used for future requests. Discord bot
// tokens do not expire, so OnTokenExpiry never fires.
func (p *Provider) RenewToken(_ context.Context, token string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session != nil && token != "" {
		p.session.Token = "Bot " + strings.TrimPrefix(token, "Bot ")
	}
	return nil
}

func (p *Provider) OnVolumeIndication(cb rtc.VolumeCallback) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.volumeCb = cb
}

func (p *Provider) OnTokenExpiry(cb func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokenCb = cb
}

func (p *Provider) OnConnectionStateChanged(cb func(types.ConnectionState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stateCb = cb
}

func (p *Provider) emitState(s types.ConnectionState) {
	p.mu.Lock()
	cb := p.stateCb
	p.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}

// Close leaves the room, stops reporting and closes an owned session.
func (p *Provider) Close() error {
	p.stopIndicator()
	err := p.LeaveRoom(context.Background())

	p.mu.Lock()
	s := p.session
	owned := p.ownsSession
	p.ownsSession = false
	p.mu.Unlock()
	if owned && s != nil {
		err = errors.Join(err, s.Close())
	}
	return err
}
