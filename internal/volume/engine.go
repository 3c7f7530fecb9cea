// Package volume implements the volume indicator engine: it turns raw
// per-user volume samples into smoothed levels, speaking transitions and a
// single dominant speaker.
//
// Samples arrive from the RTC provider via [Engine.Submit]. A ticker running
// at the configured detection interval consumes the most recent batch and runs
// the per-tick algorithm ([Engine.Ingest]):
//
//  1. Drop the local user unless IncludeLocalUser is set.
//  2. Clamp each raw volume into [0, 1].
//  3. Smooth against the previous published value:
//     prev*(1-α) + raw*α. A user with no previous value starts from raw.
//  4. Classify speaking as smoothed > SpeakingThreshold. With Hysteresis, a
//     user already speaking stays speaking while smoothed >= SilenceThreshold.
//  5. Emit UserStartedSpeaking for new speakers in sample order, then
//     UserStoppedSpeaking for departed speakers in previous-tick order.
//  6. Elect the dominant speaker (highest smoothed volume among speakers, ties
//     to the first in sample order) and emit DominantSpeakerChanged on change.
//  7. Emit VolumeListUpdated and refresh the observables.
//
// Ticks never overlap. A tick that falls due while the previous one is still
// running is dropped by the ticker, and a tick without a new batch is skipped.
package volume

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/rtcsession/internal/observe"
	"github.com/MrWong99/rtcsession/pkg/observable"
	"github.com/MrWong99/rtcsession/pkg/types"
)

// ErrNotEnabled is returned by [Engine.Ingest] while the engine is disabled.
var ErrNotEnabled = errors.New("volume: engine not enabled")

// Config holds the engine's dependencies.
type Config struct {
	// LocalUserID identifies the local participant for IncludeLocalUser
	// filtering. It can be changed later with [Engine.SetLocalUser].
	LocalUserID string

	// Metrics receives tick and event metrics. Defaults to
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Now returns the current time. Defaults to [time.Now].
	Now func() time.Time
}

// Engine is the volume indicator engine. All methods are safe for concurrent
// use, with one exception: event handlers and observable subscribers must not
// call Enable, Disable or Ingest, since those wait for the running tick.
type Engine struct {
	metrics *observe.Metrics
	now     func() time.Time

	// lifeMu serialises Enable and Disable.
	lifeMu sync.Mutex
	stop   chan struct{}
	done   chan struct{}

	// tickMu serialises ticks and guards everything below it.
	tickMu      sync.Mutex
	enabled     bool
	cfg         types.VolumeDetectionConfig
	localUserID string
	smoothed    map[string]float64
	speaking    []string
	dominant    string

	pendingMu  sync.Mutex
	pending    []types.UserVolumeInfo
	hasPending bool

	handlerMu sync.Mutex
	nextID    uint64
	handlers  []eventHandler

	volumes     *observable.Value[[]types.UserVolumeInfo]
	speakingObs *observable.Value[[]string]
	dominantObs *observable.Value[string]
}

type eventHandler struct {
	id uint64
	fn func(Event)
}

// New creates a disabled Engine.
func New(cfg Config) *Engine {
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{
		metrics:     cfg.Metrics,
		now:         cfg.Now,
		localUserID: cfg.LocalUserID,
		smoothed:    make(map[string]float64),
		volumes:     observable.New[[]types.UserVolumeInfo]("volume_list", nil),
		speakingObs: observable.New[[]string]("speaking_users", nil),
		dominantObs: observable.New("dominant_speaker", ""),
	}
}

// Volumes is the published smoothed volume list.
func (e *Engine) Volumes() *observable.Value[[]types.UserVolumeInfo] { return e.volumes }

// SpeakingUsers is the published speaking set, in sample order.
func (e *Engine) SpeakingUsers() *observable.Value[[]string] { return e.speakingObs }

// DominantSpeaker is the published dominant speaker, empty for nobody.
func (e *Engine) DominantSpeaker() *observable.Value[string] { return e.dominantObs }

// SetLocalUser changes the user filtered out when IncludeLocalUser is false.
func (e *Engine) SetLocalUser(userID string) {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()
	e.localUserID = userID
}

// Enabled reports whether the engine is running.
func (e *Engine) Enabled() bool {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()
	return e.enabled
}

// Config returns the active detection config and whether the engine is
// enabled.
func (e *Engine) Config() (types.VolumeDetectionConfig, bool) {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()
	return e.cfg, e.enabled
}

// Enable validates cfg and starts ticking at cfg.DetectionInterval. On a
// validation error nothing changes and no tick is scheduled. Enabling an
// already-enabled engine restarts the ticker and clears all lookback state.
func (e *Engine) Enable(cfg types.VolumeDetectionConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("volume: enable: %w", err)
	}

	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()

	e.stopLoop()

	e.pendingMu.Lock()
	e.pending, e.hasPending = nil, false
	e.pendingMu.Unlock()

	e.tickMu.Lock()
	e.cfg = cfg
	e.enabled = true
	e.resetLocked()
	e.tickMu.Unlock()

	e.stop = make(chan struct{})
	e.done = make(chan struct{})
	go e.loop(cfg.DetectionInterval, e.stop, e.done)

	slog.Info("volume: engine enabled",
		"interval", cfg.DetectionInterval,
		"speaking_threshold", cfg.SpeakingThreshold,
		"hysteresis", cfg.Hysteresis,
	)
	return nil
}

// Disable stops the ticker and clears all derived and published state. When
// Disable returns, no further events or observable notifications are
// delivered. Safe to call when already disabled.
func (e *Engine) Disable() {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()

	e.stopLoop()

	e.tickMu.Lock()
	defer e.tickMu.Unlock()
	if !e.enabled {
		return
	}
	e.enabled = false
	e.resetLocked()
	slog.Info("volume: engine disabled")
}

// stopLoop stops the tick goroutine and waits for it. Caller holds lifeMu.
func (e *Engine) stopLoop() {
	if e.stop == nil {
		return
	}
	close(e.stop)
	<-e.done
	e.stop, e.done = nil, nil
}

// resetLocked clears lookback and publishes empty snapshots. Caller holds tickMu.
func (e *Engine) resetLocked() {
	clear(e.smoothed)
	hadState := e.speaking != nil || e.dominant != "" || e.volumes.Get() != nil
	e.speaking = nil
	e.dominant = ""
	if hadState {
		e.volumes.Set(nil)
		e.speakingObs.Set(nil)
		e.dominantObs.Set("")
	}
}

func (e *Engine) loop(interval time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			e.tick()
		}
	}
}

// tick consumes the latest submitted batch. Without a new batch the tick is
// skipped.
func (e *Engine) tick() {
	e.pendingMu.Lock()
	batch, ok := e.pending, e.hasPending
	e.pending, e.hasPending = nil, false
	e.pendingMu.Unlock()

	if !ok {
		e.metrics.VolumeTicksSkipped.Add(context.Background(), 1)
		return
	}
	if err := e.Ingest(batch); err != nil && !errors.Is(err, ErrNotEnabled) {
		slog.Warn("volume: tick failed", "err", err)
	}
}

// Submit stores samples as the batch for the next tick, replacing any batch
// not yet consumed. It never blocks on tick processing, so it is safe to
// call from a provider callback.
func (e *Engine) Submit(samples []types.UserVolumeInfo) {
	batch := slices.Clone(samples)
	if batch == nil {
		batch = []types.UserVolumeInfo{}
	}
	e.pendingMu.Lock()
	e.pending, e.hasPending = batch, true
	e.pendingMu.Unlock()
}

// Ingest runs one tick of the detection algorithm over samples, synchronously.
// It returns [ErrNotEnabled] while the engine is disabled. An empty batch is
// a valid tick.
func (e *Engine) Ingest(samples []types.UserVolumeInfo) error {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()
	if !e.enabled {
		return ErrNotEnabled
	}

	start := time.Now()
	e.ingestLocked(samples)
	e.metrics.VolumeTickDuration.Record(context.Background(), time.Since(start).Seconds())
	return nil
}

func (e *Engine) ingestLocked(samples []types.UserVolumeInfo) {
	cfg := e.cfg
	now := e.now()
	alpha := cfg.SmoothFactor

	wasSpeaking := make(map[string]bool, len(e.speaking))
	for _, id := range e.speaking {
		wasSpeaking[id] = true
	}

	list := make([]types.UserVolumeInfo, 0, len(samples))
	next := make(map[string]float64, len(samples))
	var current []string
	isSpeaking := make(map[string]bool)

	for _, s := range samples {
		if !cfg.IncludeLocalUser && e.localUserID != "" && s.UserID == e.localUserID {
			continue
		}
		// A user appearing twice in one batch keeps its first sample.
		if _, dup := next[s.UserID]; dup {
			continue
		}

		raw := types.ClampUnit(s.Volume)
		v := raw
		if prev, ok := e.smoothed[s.UserID]; ok {
			v = types.ClampUnit(prev*(1-alpha) + raw*alpha)
		}
		next[s.UserID] = v

		speaking := v > cfg.SpeakingThreshold
		if !speaking && cfg.Hysteresis && wasSpeaking[s.UserID] && v >= cfg.SilenceThreshold {
			speaking = true
		}

		ts := s.Timestamp
		if ts.IsZero() {
			ts = now
		}
		info := types.UserVolumeInfo{UserID: s.UserID, Volume: v, IsSpeaking: speaking, Timestamp: ts}
		list = append(list, info)
		if speaking {
			current = append(current, s.UserID)
			isSpeaking[s.UserID] = true
		}
	}

	byUser := make(map[string]types.UserVolumeInfo, len(list))
	for _, info := range list {
		byUser[info.UserID] = info
	}

	var events []Event
	for _, id := range current {
		if !wasSpeaking[id] {
			events = append(events, Event{Kind: UserStartedSpeaking, UserID: id, Volume: byUser[id], At: now})
		}
	}
	for _, id := range e.speaking {
		if !isSpeaking[id] {
			// A departed user has no sample this tick; report the last
			// smoothed volume it had.
			info, ok := byUser[id]
			if !ok {
				info = types.UserVolumeInfo{UserID: id, Volume: e.smoothed[id], Timestamp: now}
			}
			events = append(events, Event{Kind: UserStoppedSpeaking, UserID: id, Volume: info, At: now})
		}
	}

	dominant := ""
	best := -1.0
	for _, id := range current {
		if v := next[id]; v > best {
			best, dominant = v, id
		}
	}
	if dominant != e.dominant {
		events = append(events, Event{Kind: DominantSpeakerChanged, UserID: dominant, PreviousUserID: e.dominant, At: now})
	}
	events = append(events, Event{Kind: VolumeListUpdated, Volumes: slices.Clone(list), At: now})

	e.smoothed = next
	e.speaking = current
	e.dominant = dominant

	ctx := context.Background()
	for _, ev := range events {
		e.metrics.RecordVolumeEvent(ctx, ev.Kind.String())
		e.emit(ev)
	}
	e.metrics.SpeakingUsers.Record(ctx, int64(len(current)))

	e.volumes.Set(list)
	e.speakingObs.Set(slices.Clone(current))
	e.dominantObs.Set(dominant)
}

// OnEvent registers fn for engine events and returns a function that removes
// it. Handlers run synchronously on the tick goroutine in registration order.
func (e *Engine) OnEvent(fn func(Event)) (unsubscribe func()) {
	e.handlerMu.Lock()
	e.nextID++
	id := e.nextID
	e.handlers = append(e.handlers, eventHandler{id: id, fn: fn})
	e.handlerMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.handlerMu.Lock()
			defer e.handlerMu.Unlock()
			e.handlers = slices.DeleteFunc(e.handlers, func(h eventHandler) bool { return h.id == id })
		})
	}
}

func (e *Engine) emit(ev Event) {
	e.handlerMu.Lock()
	hs := slices.Clone(e.handlers)
	e.handlerMu.Unlock()

	for _, h := range hs {
		safeEmit(h.fn, ev)
	}
}

func safeEmit(fn func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("volume: event handler panic",
				"kind", ev.Kind.String(),
				"err", fmt.Errorf("%v", r),
				"stack", string(debug.Stack()),
			)
		}
	}()
	fn(ev)
}
