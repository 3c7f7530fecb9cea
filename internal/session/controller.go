// Package session implements the session lifecycle controller: the single
// source of truth for connection, identity and room state in front of the
// RTC and RTM providers.
//
// Four lifecycle phases are kept strictly independent:
//
//   - [Controller.Authenticate] logs in to RTM and creates the session.
//   - [Controller.JoinRoom] joins the RTC room, then the RTM channel.
//   - [Controller.LeaveRoom] leaves both and returns to disconnected.
//   - [Controller.Deauthenticate] logs out of RTM and drops the session.
//
// No phase implicitly triggers another. Combined teardown is available via
// [Controller.DisconnectAndDeauthenticate]. Lifecycle operations are
// serialised; provider failures surface as typed errors from pkg/types.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/rtcsession/internal/audiosync"
	"github.com/MrWong99/rtcsession/internal/observe"
	"github.com/MrWong99/rtcsession/internal/volume"
	"github.com/MrWong99/rtcsession/pkg/observable"
	"github.com/MrWong99/rtcsession/pkg/provider/rtc"
	"github.com/MrWong99/rtcsession/pkg/provider/rtm"
	"github.com/MrWong99/rtcsession/pkg/store"
	"github.com/MrWong99/rtcsession/pkg/types"
)

// Default timeouts.
const (
	defaultJoinTimeout    = 15 * time.Second
	defaultLeaveTimeout   = 10 * time.Second
	defaultRenewTimeout   = 10 * time.Second
	defaultErrorBufferCap = 32
)

// ReconnectPolicy configures automatic media reconnection.
type ReconnectPolicy struct {
	MaxRetries int
	Backoff    time.Duration
	MaxBackoff time.Duration
}

// Config holds all dependencies and tunables for a [Controller].
type Config struct {
	RTC   rtc.Provider
	RTM   rtm.Provider
	Store store.Store

	// Tokens issues provider tokens. Defaults to an empty static token.
	Tokens TokenSource

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// JoinTimeout bounds JoinRoom on top of the caller's context.
	// Default: 15s.
	JoinTimeout time.Duration

	// LeaveTimeout bounds LeaveRoom on top of the caller's context.
	// Default: 10s.
	LeaveTimeout time.Duration

	// RollbackPartialJoin makes JoinRoom leave the RTC room again when the
	// RTM channel join fails. When false the caller decides via LeaveRoom.
	RollbackPartialJoin bool

	// Reconnect configures recovery from provider-reported media drops.
	Reconnect ReconnectPolicy

	// Now returns the current time. Defaults to [time.Now].
	Now func() time.Time
}

// Status is a point-in-time summary of the controller.
type Status struct {
	State         string `json:"state"`
	UserID        string `json:"user_id,omitempty"`
	Role          string `json:"role,omitempty"`
	RoomID        string `json:"room_id,omitempty"`
	PartialJoin   string `json:"partial_join,omitempty"`
	RTMLoggedIn   bool   `json:"rtm_logged_in"`
	VolumeEnabled bool   `json:"volume_enabled"`
}

// Controller is the session lifecycle controller. All exported methods are
// safe for concurrent use.
type Controller struct {
	rtc      rtc.Provider
	rtm      rtm.Provider
	store    store.Store
	tokens   TokenSource
	metrics  *observe.Metrics
	audio    *audiosync.Synchronizer
	volume   *volume.Engine
	now      func() time.Time
	joinTO   time.Duration
	leaveTO  time.Duration
	rollback bool
	policy   ReconnectPolicy

	// opMu serialises lifecycle operations.
	opMu sync.Mutex

	// stateMu serialises connection state transitions, including those
	// driven by provider callbacks.
	stateMu sync.Mutex

	// mu guards the fields below.
	mu          sync.Mutex
	session     *types.UserSession
	roomID      string
	partialRoom string
	reconnector *Reconnector
	closed      bool

	connState  *observable.Value[types.ConnectionState]
	sessionObs *observable.Value[*types.UserSession]

	msgMu    sync.Mutex
	msgSubID uint64
	msgSubs  []messageSub

	errs chan error

	bgCtx    context.Context
	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
}

type messageSub struct {
	id uint64
	fn func(rtm.Message)
}

// New creates a Controller and restores durable state before returning:
//
//   - The persisted session and audio settings are loaded concurrently.
//   - A restored session that still names a room is corrected to no room
//     and persisted again. There is no automatic rejoin.
//   - Restored audio settings become canonical at once and are pushed to
//     the RTC provider in the background.
//   - A restored session is logged in to RTM again, best effort.
//
// Restore failures are logged and reported on [Controller.Errors]; they never
// fail construction. New returns an error only for missing dependencies.
func New(ctx context.Context, cfg Config) (*Controller, error) {
	if cfg.RTC == nil || cfg.RTM == nil || cfg.Store == nil {
		return nil, errors.New("session: rtc, rtm and store are required")
	}
	if cfg.Tokens == nil {
		cfg.Tokens = StaticToken("")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = defaultJoinTimeout
	}
	if cfg.LeaveTimeout <= 0 {
		cfg.LeaveTimeout = defaultLeaveTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	bgCtx, bgCancel := context.WithCancel(context.WithoutCancel(ctx))
	c := &Controller{
		rtc:      cfg.RTC,
		rtm:      cfg.RTM,
		store:    cfg.Store,
		tokens:   cfg.Tokens,
		metrics:  cfg.Metrics,
		now:      cfg.Now,
		joinTO:   cfg.JoinTimeout,
		leaveTO:  cfg.LeaveTimeout,
		rollback: cfg.RollbackPartialJoin,
		policy:   cfg.Reconnect,
		audio: audiosync.New(audiosync.Config{
			RTC:     cfg.RTC,
			Store:   cfg.Store,
			Metrics: cfg.Metrics,
		}),
		volume:     volume.New(volume.Config{Metrics: cfg.Metrics, Now: cfg.Now}),
		connState:  observable.New("connection_state", types.Disconnected),
		sessionObs: observable.New[*types.UserSession]("user_session", nil),
		errs:       make(chan error, defaultErrorBufferCap),
		bgCtx:      bgCtx,
		bgCancel:   bgCancel,
	}

	c.rtc.OnConnectionStateChanged(c.handleRTCState)
	c.rtc.OnTokenExpiry(func() { c.goRenewToken(types.CapabilityRTC) })
	c.rtm.OnConnectionStateChanged(c.handleRTMState)
	c.rtm.OnTokenExpiry(func() { c.goRenewToken(types.CapabilityRTM) })
	c.rtm.OnMessage(c.dispatchMessage)

	c.restore(ctx)
	c.audio.Start(bgCtx)
	return c, nil
}

// restore loads durable state. Called once from New.
func (c *Controller) restore(ctx context.Context) {
	var (
		saved types.UserSession
		found bool
	)
	var g errgroup.Group
	g.Go(func() error {
		var err error
		saved, found, err = store.GetJSON[types.UserSession](ctx, c.store, store.KeyUserSession)
		if err != nil {
			perr := &types.PersistenceError{Op: "get", Key: store.KeyUserSession, Err: err}
			c.metrics.RecordPersistenceError(ctx, "get")
			c.report(perr)
			return perr
		}
		return nil
	})
	g.Go(func() error {
		_, err := c.audio.Restore(ctx)
		if err != nil {
			c.report(err)
		}
		return err
	})
	if err := g.Wait(); err != nil {
		slog.Warn("session: restore incomplete", "err", err)
	}

	if !found {
		return
	}
	if saved.RoomID != "" {
		slog.Info("session: clearing stale room from restored session", "room_id", saved.RoomID)
		saved.RoomID = ""
		c.persistSession(ctx, &saved)
	}

	c.mu.Lock()
	c.session = &saved
	c.mu.Unlock()
	c.sessionObs.Set(cloneSession(&saved))
	c.volume.SetLocalUser(saved.UserID)
	c.metrics.ActiveSessions.Add(ctx, 1)

	if err := c.login(ctx, saved.UserID); err != nil {
		slog.Warn("session: re-login after restore failed", "user_id", saved.UserID, "err", err)
		c.report(err)
		return
	}
	slog.Info("session: restored", "user_id", saved.UserID, "role", saved.Role)
}

// Close stops background work (audio pusher, reconnector, volume engine,
// token renewals). It does not touch provider sessions or persisted state.
func (c *Controller) Close() {
	c.mu.Lock()
	rec := c.reconnector
	c.reconnector = nil
	c.closed = true
	c.mu.Unlock()
	if rec != nil {
		rec.Stop()
	}
	c.rtc.OnVolumeIndication(nil)
	c.volume.Disable()
	c.bgCancel()
	if rec != nil {
		rec.Wait()
	}
	c.audio.Close()
	c.bgWG.Wait()
}

// ConnectionState is the observable media connection state.
func (c *Controller) ConnectionState() *observable.Value[types.ConnectionState] { return c.connState }

// Session is the observable current session; nil when unauthenticated.
// Published values are never mutated.
func (c *Controller) Session() *observable.Value[*types.UserSession] { return c.sessionObs }

// Audio is the audio settings synchronizer.
func (c *Controller) Audio() *audiosync.Synchronizer { return c.audio }

// Volume is the volume indicator engine.
func (c *Controller) Volume() *volume.Engine { return c.volume }

// Errors reports asynchronous failures: restore problems, token renewal
// failures and exhausted reconnects. It is never closed.
func (c *Controller) Errors() <-chan error { return c.errs }

// RoomID returns the joined room, or "" when not in a room. The room is
// tracked independently of the session, so it survives Deauthenticate.
func (c *Controller) RoomID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

// CurrentSession returns a copy of the session and whether one exists.
func (c *Controller) CurrentSession() (types.UserSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return types.UserSession{}, false
	}
	return *c.session, true
}

// Status returns a point-in-time summary.
func (c *Controller) Status() Status {
	c.mu.Lock()
	st := Status{RoomID: c.roomID, PartialJoin: c.partialRoom}
	if c.session != nil {
		st.UserID = c.session.UserID
		st.Role = string(c.session.Role)
	}
	c.mu.Unlock()
	st.State = c.connState.Get().String()
	st.RTMLoggedIn = c.rtm.IsLoggedIn()
	st.VolumeEnabled = c.volume.Enabled()
	return st
}

// setStateLocked moves the connection state to next, recording the
// transition. Caller holds stateMu.
func (c *Controller) setStateLocked(ctx context.Context, next types.ConnectionState) {
	prev := c.connState.Get()
	if prev == next {
		return
	}
	c.connState.Set(next)
	c.metrics.RecordTransition(ctx, prev.Kind.String(), next.Kind.String())
	slog.Info("session: connection state changed", "from", prev.String(), "to", next.String())
}

func (c *Controller) setState(ctx context.Context, next types.ConnectionState) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.setStateLocked(ctx, next)
}

// callRTC wraps one RTC call with metrics and error typing.
func (c *Controller) callRTC(ctx context.Context, op string, fn func(context.Context) error) error {
	start := time.Now()
	err := fn(ctx)
	c.metrics.RecordProviderCall(ctx, string(types.CapabilityRTC), op, time.Since(start), err)
	return types.NewProviderCallError(types.CapabilityRTC, op, err)
}

// callRTM wraps one RTM call with metrics and error typing.
func (c *Controller) callRTM(ctx context.Context, op string, fn func(context.Context) error) error {
	start := time.Now()
	err := fn(ctx)
	c.metrics.RecordProviderCall(ctx, string(types.CapabilityRTM), op, time.Since(start), err)
	return types.NewProviderCallError(types.CapabilityRTM, op, err)
}

// login fetches a token and logs userID in to RTM.
func (c *Controller) login(ctx context.Context, userID string) error {
	token, err := c.tokens.Token(ctx, types.CapabilityRTM, userID)
	if err != nil {
		return fmt.Errorf("session: token for %q: %w", userID, err)
	}
	return c.callRTM(ctx, "login", func(ctx context.Context) error {
		return c.rtm.Login(ctx, userID, token)
	})
}

// persistSession writes s, best effort.
func (c *Controller) persistSession(ctx context.Context, s *types.UserSession) {
	if err := store.SetJSON(ctx, c.store, store.KeyUserSession, s); err != nil {
		perr := &types.PersistenceError{Op: "set", Key: store.KeyUserSession, Err: err}
		c.metrics.RecordPersistenceError(ctx, "set")
		slog.Warn("session: persist session failed", "err", err)
		c.report(perr)
	}
}

// report forwards err to the Errors channel without blocking.
func (c *Controller) report(err error) {
	select {
	case c.errs <- err:
	default:
		slog.Warn("session: error channel full, dropping error", "err", err)
	}
}

// OnMessage registers fn for incoming RTM messages and returns a function
// that removes it. Handlers run on the provider's goroutine.
func (c *Controller) OnMessage(fn func(rtm.Message)) (unsubscribe func()) {
	c.msgMu.Lock()
	c.msgSubID++
	id := c.msgSubID
	c.msgSubs = append(c.msgSubs, messageSub{id: id, fn: fn})
	c.msgMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.msgMu.Lock()
			defer c.msgMu.Unlock()
			c.msgSubs = slices.DeleteFunc(c.msgSubs, func(s messageSub) bool { return s.id == id })
		})
	}
}

func (c *Controller) dispatchMessage(msg rtm.Message) {
	c.msgMu.Lock()
	subs := slices.Clone(c.msgSubs)
	c.msgMu.Unlock()
	for _, s := range subs {
		s.fn(msg)
	}
}

func cloneSession(s *types.UserSession) *types.UserSession {
	if s == nil {
		return nil
	}
	cp := *s
	return &cp
}

// firstError returns a if set, b otherwise, or both joined when both are set.
func firstError(a, b error) error {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	default:
		return errors.Join(a, b)
	}
}
