// Package audiosync keeps the canonical local audio settings, the persisted
// copy and the RTC provider's state in agreement.
//
// There are two write paths:
//
//   - [Synchronizer.Update] commits locally first, persists, and schedules an
//     asynchronous provider push. Provider failures do not roll back the local
//     value; they are reported on [Synchronizer.Errors].
//   - The remote-then-local setters ([Synchronizer.MuteMicrophone] and
//     friends) call the provider first and only commit once it succeeded, so
//     a failure leaves canonical state untouched.
//
// The pusher is a single goroutine fed by a coalescing signal. It pushes only
// the fields that differ from what the provider last accepted, so a burst of
// Updates costs at most one provider call per changed field.
package audiosync

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/rtcsession/internal/observe"
	"github.com/MrWong99/rtcsession/pkg/observable"
	"github.com/MrWong99/rtcsession/pkg/provider/rtc"
	"github.com/MrWong99/rtcsession/pkg/store"
	"github.com/MrWong99/rtcsession/pkg/types"
)

const (
	defaultErrorBuffer = 32
	defaultPushTimeout = 5 * time.Second
)

// Config holds the synchronizer's dependencies.
type Config struct {
	// RTC receives pushed settings. Required.
	RTC rtc.Provider

	// Store persists the canonical value. Required.
	Store store.Store

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// ErrorBuffer is the capacity of the Errors channel. Default: 32.
	ErrorBuffer int

	// PushTimeout bounds each asynchronous push round. Default: 5s.
	PushTimeout time.Duration
}

// Synchronizer owns the canonical [types.AudioSettings].
type Synchronizer struct {
	rtc         rtc.Provider
	store       store.Store
	metrics     *observe.Metrics
	pushTimeout time.Duration

	settings *observable.Value[types.AudioSettings]

	// persistMu serialises store writes so the last write always carries
	// the latest snapshot.
	persistMu sync.Mutex

	// pushMu serialises every audio call into the RTC provider and guards
	// the last-pushed bookkeeping.
	pushMu sync.Mutex
	pushed types.AudioSettings
	known  fieldMask

	signal chan struct{}
	errs   chan error

	startOnce sync.Once
	closeOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// New creates a Synchronizer holding [types.DefaultAudioSettings]. The
// provider state is treated as unknown until the first push.
func New(cfg Config) *Synchronizer {
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.ErrorBuffer <= 0 {
		cfg.ErrorBuffer = defaultErrorBuffer
	}
	if cfg.PushTimeout <= 0 {
		cfg.PushTimeout = defaultPushTimeout
	}
	return &Synchronizer{
		rtc:         cfg.RTC,
		store:       cfg.Store,
		metrics:     cfg.Metrics,
		pushTimeout: cfg.PushTimeout,
		settings:    observable.New("audio_settings", types.DefaultAudioSettings()),
		signal:      make(chan struct{}, 1),
		errs:        make(chan error, cfg.ErrorBuffer),
		done:        make(chan struct{}),
	}
}

// Settings is the observable canonical value.
func (s *Synchronizer) Settings() *observable.Value[types.AudioSettings] { return s.settings }

// Current returns the canonical value.
func (s *Synchronizer) Current() types.AudioSettings { return s.settings.Get() }

// Errors returns the side channel for asynchronous push and persistence
// failures. When nobody drains it, further errors are dropped with a warning.
func (s *Synchronizer) Errors() <-chan error { return s.errs }

// Start launches the pusher goroutine. Calling Start more than once has no
// effect. The pusher stops when ctx is cancelled or Close is called.
func (s *Synchronizer) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		ctx, s.cancel = context.WithCancel(ctx)
		go s.run(ctx)
	})
}

// Close stops the pusher and waits for an in-flight push to finish. Pending
// changes that were not pushed yet are dropped; use Flush first to apply them.
func (s *Synchronizer) Close() {
	s.closeOnce.Do(func() {
		s.startOnce.Do(func() {}) // a later Start must not launch the pusher
		if s.cancel != nil {
			s.cancel()
			<-s.done
		}
	})
}

func (s *Synchronizer) run(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.signal:
			pctx, cancel := context.WithTimeout(ctx, s.pushTimeout)
			if err := s.push(pctx); err != nil {
				slog.Warn("audiosync: push failed", "err", err)
			}
			cancel()
		}
	}
}

// schedule wakes the pusher. Multiple calls before the pusher runs coalesce.
func (s *Synchronizer) schedule() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// Update applies transform to the canonical value, clamps the result and
// commits it with exactly one observable notification. The new value is then
// persisted and a provider push is scheduled. Neither persistence nor push
// failures are returned; both are reported on Errors. Update returns the
// committed value.
func (s *Synchronizer) Update(ctx context.Context, transform func(types.AudioSettings) types.AudioSettings) types.AudioSettings {
	next := s.settings.Update(func(cur types.AudioSettings) types.AudioSettings {
		return transform(cur).Clamped()
	})
	s.persist(ctx)
	s.schedule()
	return next
}

// Restore loads the persisted settings into the canonical value and marks
// the provider state unknown so the next push sends every field. found is
// false when nothing was persisted, in which case nothing changes.
func (s *Synchronizer) Restore(ctx context.Context) (found bool, err error) {
	saved, ok, err := store.GetJSON[types.AudioSettings](ctx, s.store, store.KeyAudioSettings)
	if err != nil {
		perr := &types.PersistenceError{Op: "get", Key: store.KeyAudioSettings, Err: err}
		s.metrics.RecordPersistenceError(ctx, "get")
		return false, perr
	}
	if !ok {
		return false, nil
	}

	s.settings.Set(saved.Clamped())

	s.pushMu.Lock()
	s.known = 0
	s.pushMu.Unlock()
	s.schedule()

	slog.Debug("audiosync: settings restored", "settings", saved)
	return true, nil
}

// Resync forgets what the provider last accepted and schedules a full push.
// Use it after the media connection was re-established.
func (s *Synchronizer) Resync() {
	s.pushMu.Lock()
	s.known = 0
	s.pushMu.Unlock()
	s.schedule()
}

// Flush pushes any pending difference synchronously on the caller's
// goroutine and returns the joined provider errors.
func (s *Synchronizer) Flush(ctx context.Context) error {
	return s.push(ctx)
}

// persist writes the latest canonical snapshot. Failures are logged,
// counted and reported on Errors.
func (s *Synchronizer) persist(ctx context.Context) {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	cur := s.settings.Get()
	if err := store.SetJSON(ctx, s.store, store.KeyAudioSettings, cur); err != nil {
		perr := &types.PersistenceError{Op: "set", Key: store.KeyAudioSettings, Err: err}
		s.metrics.RecordPersistenceError(ctx, "set")
		slog.Warn("audiosync: persist failed", "err", err)
		s.report(perr)
	}
}

// push sends every field that differs from the last accepted value.
func (s *Synchronizer) push(ctx context.Context) error {
	s.pushMu.Lock()
	defer s.pushMu.Unlock()

	target := s.settings.Get()
	var errs []error
	for _, f := range fields {
		if s.known.has(f.bit) && !f.differs(s.pushed, target) {
			continue
		}
		if err := s.call(ctx, f, target); err != nil {
			s.report(err)
			errs = append(errs, err)
			continue
		}
		f.copy(&s.pushed, target)
		s.known = s.known.with(f.bit)
	}
	return errors.Join(errs...)
}

// call invokes one provider setter and records metrics. The returned error
// is a [types.ProviderCallError].
func (s *Synchronizer) call(ctx context.Context, f field, v types.AudioSettings) error {
	start := time.Now()
	err := f.apply(ctx, s.rtc, v)
	s.metrics.RecordProviderCall(ctx, string(types.CapabilityRTC), f.op, time.Since(start), err)
	return types.NewProviderCallError(types.CapabilityRTC, f.op, err)
}

// report forwards err to the Errors channel without blocking.
func (s *Synchronizer) report(err error) {
	select {
	case s.errs <- err:
	default:
		slog.Warn("audiosync: error channel full, dropping error", "err", err)
	}
}

// remoteThenLocal calls the provider for field f with the value produced by
// set, and only commits, persists and records the pushed value on success.
func (s *Synchronizer) remoteThenLocal(ctx context.Context, f field, set func(*types.AudioSettings)) error {
	s.pushMu.Lock()
	desired := s.settings.Get()
	set(&desired)
	desired = desired.Clamped()

	if err := s.call(ctx, f, desired); err != nil {
		s.pushMu.Unlock()
		return err
	}
	f.copy(&s.pushed, desired)
	s.known = s.known.with(f.bit)

	s.settings.Update(func(cur types.AudioSettings) types.AudioSettings {
		f.copy(&cur, desired)
		return cur
	})
	s.pushMu.Unlock()

	s.persist(ctx)
	return nil
}

// MuteMicrophone mutes or unmutes the local microphone, remote first.
func (s *Synchronizer) MuteMicrophone(ctx context.Context, muted bool) error {
	return s.remoteThenLocal(ctx, fieldMuted, func(a *types.AudioSettings) { a.MicrophoneMuted = muted })
}

// SetAudioMixingVolume sets the mixing volume, clamped into [0, 100].
func (s *Synchronizer) SetAudioMixingVolume(ctx context.Context, volume int) error {
	return s.remoteThenLocal(ctx, fieldMixing, func(a *types.AudioSettings) { a.AudioMixingVolume = volume })
}

// SetPlaybackSignalVolume sets the playback volume, clamped into [0, 100].
func (s *Synchronizer) SetPlaybackSignalVolume(ctx context.Context, volume int) error {
	return s.remoteThenLocal(ctx, fieldPlayback, func(a *types.AudioSettings) { a.PlaybackSignalVolume = volume })
}

// SetRecordingSignalVolume sets the capture volume, clamped into [0, 100].
func (s *Synchronizer) SetRecordingSignalVolume(ctx context.Context, volume int) error {
	return s.remoteThenLocal(ctx, fieldRecording, func(a *types.AudioSettings) { a.RecordingSignalVolume = volume })
}

// EnableLocalAudio starts or stops the local audio stream.
func (s *Synchronizer) EnableLocalAudio(ctx context.Context, enabled bool) error {
	return s.remoteThenLocal(ctx, fieldLocalAudio, func(a *types.AudioSettings) { a.LocalAudioStreamActive = enabled })
}
