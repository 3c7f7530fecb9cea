package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Default reconnection parameters.
const (
	defaultMaxRetries = 10
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second
)

// ErrRetriesExhausted is passed to OnGiveUp when every attempt failed.
var ErrRetriesExhausted = errors.New("reconnect attempts exhausted")

// Reconnector re-establishes a dropped media connection.
//
// Callers start it with [Reconnector.Monitor]. When a drop is detected (via
// [Reconnector.NotifyDisconnect]) the monitor calls Rejoin with exponential
// backoff until it succeeds, the retry budget is spent, or the provider
// reports recovery on its own ([Reconnector.NotifyRecovered]).
//
// All methods are safe for concurrent use.
type Reconnector struct {
	roomID     string
	rejoin     func(ctx context.Context) error
	maxRetries int
	backoff    time.Duration
	maxBackoff time.Duration

	onAttempt   func(attempt int, err error)
	onReconnect func(attempt int)
	onGiveUp    func(err error)

	done     chan struct{}
	stopOnce sync.Once

	// mu guards cancel and stopped, which Monitor sets.
	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{} // closed when the monitor goroutine exits

	disconnected chan struct{} // signalled when a disconnect is detected
	recovered    chan struct{} // signalled when the provider recovered by itself
}

// ReconnectorConfig configures a [Reconnector].
type ReconnectorConfig struct {
	// RoomID is the room being watched. Used for logging.
	RoomID string

	// Rejoin re-establishes the media connection. Required.
	Rejoin func(ctx context.Context) error

	// MaxRetries is the maximum number of reconnection attempts before giving up.
	// Defaults to 10 if zero.
	MaxRetries int

	// Backoff is the initial backoff duration between retries. Doubles each
	// attempt up to MaxBackoff. Defaults to 1s if zero.
	Backoff time.Duration

	// MaxBackoff is the upper limit on backoff duration. Defaults to 30s if zero.
	MaxBackoff time.Duration

	// OnAttempt is called after every attempt with its outcome. May be nil.
	OnAttempt func(attempt int, err error)

	// OnReconnect is called after a successful rejoin. May be nil.
	OnReconnect func(attempt int)

	// OnGiveUp is called once the retry budget is spent. The error wraps
	// [ErrRetriesExhausted] and the last attempt's failure. May be nil.
	OnGiveUp func(err error)
}

// NewReconnector creates a new [Reconnector] with the given configuration.
func NewReconnector(cfg ReconnectorConfig) *Reconnector {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	return &Reconnector{
		roomID:       cfg.RoomID,
		rejoin:       cfg.Rejoin,
		maxRetries:   maxRetries,
		backoff:      backoff,
		maxBackoff:   maxBackoff,
		onAttempt:    cfg.OnAttempt,
		onReconnect:  cfg.OnReconnect,
		onGiveUp:     cfg.OnGiveUp,
		done:         make(chan struct{}),
		disconnected: make(chan struct{}, 1),
		recovered:    make(chan struct{}, 1),
	}
}

// Monitor starts monitoring in a background goroutine. If a disconnection is
// signalled via [Reconnector.NotifyDisconnect], it attempts to rejoin with
// exponential backoff. Rejoin attempts run under a context derived from ctx
// that [Reconnector.Stop] cancels. Only the first call has effect.
func (r *Reconnector) Monitor(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	stopped := make(chan struct{})
	r.cancel, r.stopped = cancel, stopped
	go func() {
		defer close(stopped)
		defer cancel()
		r.monitorLoop(ctx)
	}()
}

// NotifyDisconnect signals the monitor that the connection has been lost
// and reconnection should be attempted. Safe to call multiple times; only
// the first call per reconnection cycle has effect.
func (r *Reconnector) NotifyDisconnect() {
	// A stale recovery signal must not cancel the new cycle.
	select {
	case <-r.recovered:
	default:
	}
	select {
	case r.disconnected <- struct{}{}:
	default:
	}
}

// NotifyRecovered tells a running reconnection cycle that the provider
// restored the connection by itself, so no further attempts are needed.
func (r *Reconnector) NotifyRecovered() {
	select {
	case r.recovered <- struct{}{}:
	default:
	}
}

// Stop halts monitoring and cancels an in-flight rejoin. It does not wait
// for the monitor goroutine; use [Reconnector.Wait] for that. Safe to call
// multiple times and while holding locks the callbacks take.
func (r *Reconnector) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
	})
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Wait blocks until the monitor goroutine has exited, including any rejoin
// and callback it was running. It returns immediately if Monitor was never
// called. Wait must not be called from a Reconnector callback.
func (r *Reconnector) Wait() {
	r.mu.Lock()
	stopped := r.stopped
	r.mu.Unlock()
	if stopped != nil {
		<-stopped
	}
}

// monitorLoop waits for disconnect notifications and attempts reconnection.
func (r *Reconnector) monitorLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-r.disconnected:
			r.attemptReconnect(ctx)
		}
	}
}

// attemptReconnect tries to rejoin with exponential backoff.
func (r *Reconnector) attemptReconnect(ctx context.Context) {
	currentBackoff := r.backoff
	var lastErr error

	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-r.recovered:
			slog.Info("provider recovered, reconnection cancelled", "room_id", r.roomID)
			return
		default:
		}

		slog.Info("attempting reconnection",
			"room_id", r.roomID,
			"attempt", attempt,
			"max_retries", r.maxRetries,
			"backoff", currentBackoff,
		)

		err := r.rejoin(ctx)
		if r.onAttempt != nil {
			r.onAttempt(attempt, err)
		}
		if err == nil {
			slog.Info("reconnection successful",
				"room_id", r.roomID,
				"attempt", attempt,
			)
			if r.onReconnect != nil {
				r.onReconnect(attempt)
			}
			return
		}
		lastErr = err

		slog.Warn("reconnection attempt failed",
			"room_id", r.roomID,
			"attempt", attempt,
			"err", err,
		)

		// Wait before retrying.
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-r.recovered:
			slog.Info("provider recovered, reconnection cancelled", "room_id", r.roomID)
			return
		case <-time.After(currentBackoff):
		}

		// Exponential backoff.
		currentBackoff *= 2
		if currentBackoff > r.maxBackoff {
			currentBackoff = r.maxBackoff
		}
	}

	slog.Error("reconnection failed after max retries",
		"room_id", r.roomID,
		"max_retries", r.maxRetries,
	)
	if r.onGiveUp != nil {
		r.onGiveUp(fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, r.maxRetries, lastErr))
	}
}
