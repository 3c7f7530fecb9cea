// Package sim provides a simulated [rtc.Provider].
//
// The simulated room contains a fixed set of remote participants that take
// turns talking. While the volume indicator is enabled the provider reports
// one batch per interval on a 0..255 level scale, normalised to [0, 1] like a
// vendor SDK adapter would. Drops, recoveries and token expiry can be
// triggered explicitly, which makes the provider useful for demos and for
// exercising reconnect handling without a media server.
package sim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/rtcsession/pkg/provider/rtc"
	"github.com/MrWong99/rtcsession/pkg/types"
)

// Compile-time interface assertion.
var _ rtc.Provider = (*Provider)(nil)

// levelScale is the raw level range reported by the simulated SDK.
const levelScale = 255

// defaultTurnTicks is how many reports a participant keeps talking.
const defaultTurnTicks = 10

// ErrNotInRoom is returned by room-scoped calls outside a room.
var ErrNotInRoom = errors.New("sim: not in a room")

// Option configures a [Provider].
type Option func(*Provider)

// WithParticipants sets the remote participants of every room.
func WithParticipants(ids ...string) Option {
	return func(p *Provider) { p.participants = append([]string(nil), ids...) }
}

// WithSeed makes level generation deterministic.
func WithSeed(seed uint64) Option {
	return func(p *Provider) { p.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)) }
}

// WithTurnTicks sets how many reports each participant talks for.
func WithTurnTicks(n int) Option {
	return func(p *Provider) {
		if n > 0 {
			p.turnTicks = n
		}
	}
}

// Settings is a snapshot of the audio controls applied to the provider.
type Settings struct {
	Muted      bool
	Mixing     int
	Playback   int
	Recording  int
	LocalAudio bool
}

// Provider is a simulated RTC provider. It is safe for concurrent use.
type Provider struct {
	mu           sync.Mutex
	participants []string
	rng          *rand.Rand
	turnTicks    int

	initialized  bool
	token        string
	roomID       string
	userID       string
	role         types.Role
	connectionID string
	dropped      bool
	settings     Settings
	tick         int

	indicatorStop chan struct{}
	indicatorDone chan struct{}
	reportLocal   bool

	volumeCb rtc.VolumeCallback
	tokenCb  func()
	stateCb  func(types.ConnectionState)
}

// New creates a simulated provider.
func New(opts ...Option) *Provider {
	p := &Provider{
		participants: []string{"sim-alice", "sim-bob", "sim-carol"},
		rng:          rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		turnTicks:    defaultTurnTicks,
		settings: Settings{
			Mixing:     types.MaxVolume,
			Playback:   types.MaxVolume,
			Recording:  types.MaxVolume,
			LocalAudio: true,
		},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Initialize accepts an optional Options["participants"] list.
func (p *Provider) Initialize(_ context.Context, cfg rtc.Config) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if raw, ok := cfg.Options["participants"]; ok {
		ids, err := stringList(raw)
		if err != nil {
			return fmt.Errorf("sim: participants: %w", err)
		}
		p.participants = ids
	}
	p.token = cfg.Token
	p.initialized = true
	return nil
}

func stringList(v any) ([]string, error) {
	switch list := v.(type) {
	case []string:
		return append([]string(nil), list...), nil
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("unexpected element %T", item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unexpected type %T", v)
	}
}

// CreateRoom is a no-op: simulated rooms exist implicitly.
func (p *Provider) CreateRoom(context.Context, string) error { return nil }

// JoinRoom enters roomID. Joining again after a drop re-establishes the
// connection and reports it as connected.
func (p *Provider) JoinRoom(ctx context.Context, roomID, userID string, role types.Role) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	if !p.initialized {
		p.mu.Unlock()
		return errors.New("sim: not initialised")
	}
	p.roomID = roomID
	p.userID = userID
	p.role = role
	p.dropped = false
	p.connectionID = uuid.NewString()
	connID := p.connectionID
	p.mu.Unlock()

	slog.Info("sim: joined room", "room_id", roomID, "user_id", userID, "connection_id", connID)
	p.emitState(types.Connected)
	return nil
}

// LeaveRoom leaves the current room. Leaving outside a room is a no-op.
func (p *Provider) LeaveRoom(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.roomID = ""
	p.connectionID = ""
	p.dropped = false
	return nil
}

// SwitchRole changes the role inside the current room.
func (p *Provider) SwitchRole(_ context.Context, role types.Role) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.roomID == "" {
		return ErrNotInRoom
	}
	p.role = role
	return nil
}

func (p *Provider) MuteMicrophone(_ context.Context, muted bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.settings.Muted = muted
	return nil
}

func (p *Provider) SetAudioMixingVolume(_ context.Context, volume int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.settings.Mixing = types.ClampVolume(volume)
	return nil
}

func (p *Provider) SetPlaybackSignalVolume(_ context.Context, volume int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.settings.Playback = types.ClampVolume(volume)
	return nil
}

func (p *Provider) SetRecordingSignalVolume(_ context.Context, volume int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.settings.Recording = types.ClampVolume(volume)
	return nil
}

func (p *Provider) EnableLocalAudio(_ context.Context, enabled bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.settings.LocalAudio = enabled
	return nil
}

// Settings returns the audio controls currently applied.
func (p *Provider) Settings() Settings {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.settings
}

// EnableVolumeIndicator starts periodic reports.
func (p *Provider) EnableVolumeIndicator(_ context.Context, cfg rtc.VolumeIndicatorConfig) error {
	if cfg.IntervalMs <= 0 {
		return fmt.Errorf("sim: invalid volume interval %dms", cfg.IntervalMs)
	}
	p.stopIndicator()

	stop := make(chan struct{})
	done := make(chan struct{})
	p.mu.Lock()
	p.indicatorStop, p.indicatorDone = stop, done
	p.reportLocal = cfg.ReportLocalUser
	p.mu.Unlock()

	go p.indicatorLoop(time.Duration(cfg.IntervalMs)*time.Millisecond, stop, done)
	return nil
}

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
			batch, cb := p.nextBatch(now)
			if cb != nil && batch != nil {
				cb(batch)
			}
		}
	}
}

// nextBatch generates one report. It returns nil outside a connected room.
func (p *Provider) nextBatch(now time.Time) ([]types.UserVolumeInfo, rtc.VolumeCallback) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.roomID == "" || p.dropped {
		return nil, p.volumeCb
	}

	var talker string
	if len(p.participants) > 0 {
		talker = p.participants[(p.tick/p.turnTicks)%len(p.participants)]
	}
	p.tick++

	batch := make([]types.UserVolumeInfo, 0, len(p.participants)+1)
	for _, id := range p.participants {
		raw := p.rng.Float64() * 12 // background noise
		if id == talker {
			raw = 150 + p.rng.Float64()*105
		}
		batch = append(batch, types.UserVolumeInfo{
			UserID:    id,
			Volume:    types.NormalizeVolume(raw, levelScale),
			Timestamp: now,
		})
	}
	if p.reportLocal && p.userID != "" {
		var raw float64
		if !p.settings.Muted && p.settings.LocalAudio {
			raw = p.rng.Float64() * 40 * float64(p.settings.Recording) / types.MaxVolume
		}
		batch = append(batch, types.UserVolumeInfo{
			UserID:    p.userID,
			Volume:    types.NormalizeVolume(raw, levelScale),
			Timestamp: now,
		})
	}
	return batch, p.volumeCb
}

// Drop simulates a media connection loss.
func (p *Provider) Drop() {
	p.mu.Lock()
	inRoom := p.roomID != ""
	p.dropped = inRoom
	p.mu.Unlock()
	if inRoom {
		p.emitState(types.Reconnecting)
	}
}

// Recover simulates the SDK restoring a dropped connection on its own.
func (p *Provider) Recover() {
	p.mu.Lock()
	was := p.dropped
	p.dropped = false
	p.mu.Unlock()
	if was {
		p.emitState(types.Connected)
	}
}

// ExpireToken fires the token expiry callback.
func (p *Provider) ExpireToken() {
	p.mu.Lock()
	cb := p.tokenCb
	p.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// Token returns the token most recently set.
func (p *Provider) Token() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.token
}

func (p *Provider) RenewToken(_ context.Context, token string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.token = token
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

// Close stops reporting and leaves the room.
func (p *Provider) Close() error {
	p.stopIndicator()
	return p.LeaveRoom(context.Background())
}
