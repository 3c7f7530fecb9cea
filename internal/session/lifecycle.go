package session

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/MrWong99/rtcsession/internal/observe"
	"github.com/MrWong99/rtcsession/pkg/store"
	"github.com/MrWong99/rtcsession/pkg/types"
)

// ErrEmptyRoomID is returned by JoinRoom for an empty room id.
var ErrEmptyRoomID = errors.New("session: empty room id")

// Authenticate logs userID in to RTM and creates the session. The session
// starts without a room; RTC and the connection state are not touched.
// Persisted audio settings are loaded and applied afterwards.
func (c *Controller) Authenticate(ctx context.Context, userID, userName string, role types.Role) (_ types.UserSession, err error) {
	ctx, span := observe.StartSessionSpan(ctx, "authenticate",
		observe.AttrUserID.String(userID), observe.AttrRole.String(string(role)))
	defer func() { observe.EndSpan(span, err) }()

	if userID == "" {
		return types.UserSession{}, errors.New("session: authenticate: empty user id")
	}
	if !role.Valid() {
		return types.UserSession{}, fmt.Errorf("session: authenticate: %w: %q", types.ErrInvalidRole, role)
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	if _, ok := c.CurrentSession(); ok {
		return types.UserSession{}, types.ErrDuplicateSession
	}

	if err := c.login(ctx, userID); err != nil {
		return types.UserSession{}, err
	}

	now := c.now()
	sess := &types.UserSession{
		UserID:         userID,
		UserName:       userName,
		Role:           role,
		LastActiveTime: now,
	}
	c.mu.Lock()
	c.session = sess
	c.mu.Unlock()
	c.persistSession(ctx, sess)
	c.sessionObs.Set(cloneSession(sess))
	c.volume.SetLocalUser(userID)
	c.metrics.ActiveSessions.Add(ctx, 1)

	if _, err := c.audio.Restore(ctx); err != nil {
		observe.Logger(ctx).Warn("session: load audio settings failed", "err", err)
		c.report(err)
	}

	observe.Logger(ctx).Info("session: authenticated", "user_id", userID, "role", role)
	return *sess, nil
}

// JoinRoom joins roomID: RTC first, then the RTM channel, never in parallel.
//
// If the RTC join fails nothing else happens and the state is unchanged. A
// timed-out or cancelled RTC join is followed by a best-effort RTC leave. If
// the RTM join fails a [types.PartialJoinError] is returned, the state stays
// unchanged and the half-joined RTC room is either rolled back (when
// configured) or left for the caller to clean up via LeaveRoom.
func (c *Controller) JoinRoom(ctx context.Context, roomID string) (err error) {
	ctx, span := observe.StartSessionSpan(ctx, "join_room", observe.AttrRoomID.String(roomID))
	defer func() { observe.EndSpan(span, err) }()

	if roomID == "" {
		return ErrEmptyRoomID
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	sess, ok := c.CurrentSession()
	if !ok {
		return types.ErrNoActiveSession
	}
	c.mu.Lock()
	busy := c.roomID != "" || c.partialRoom != ""
	c.mu.Unlock()
	if busy {
		return types.ErrAlreadyInRoom
	}

	log := observe.Logger(ctx).With("room_id", roomID, "user_id", sess.UserID)

	jctx, cancel := context.WithTimeout(ctx, c.joinTO)
	defer cancel()

	err = c.callRTC(jctx, "join_room", func(ctx context.Context) error {
		return c.rtc.JoinRoom(ctx, roomID, sess.UserID, sess.Role)
	})
	if err != nil {
		if jctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			c.abandonRTCJoin(ctx)
		}
		log.Warn("session: rtc join failed", "err", err)
		return err
	}

	err = c.callRTM(jctx, "join_channel", func(ctx context.Context) error {
		return c.rtm.JoinChannel(ctx, roomID)
	})
	if err != nil {
		return c.handlePartialJoin(ctx, roomID, err)
	}

	now := c.now()
	c.mu.Lock()
	c.roomID = roomID
	updated := *c.session
	updated.RoomID = roomID
	updated.JoinTime = now
	updated.LastActiveTime = now
	c.session = &updated
	c.mu.Unlock()

	c.persistSession(ctx, &updated)
	c.sessionObs.Set(cloneSession(&updated))
	c.startReconnector(roomID, sess)
	c.setState(ctx, types.Connected)

	log.Info("session: joined room")
	return nil
}

// abandonRTCJoin leaves a possibly half-joined RTC room after a timed-out
// join. Errors are logged only.
func (c *Controller) abandonRTCJoin(ctx context.Context) {
	lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.leaveTO)
	defer cancel()
	if err := c.callRTC(lctx, "leave_room", c.rtc.LeaveRoom); err != nil {
		observe.Logger(ctx).Warn("session: leave after aborted join failed", "err", err)
	}
}

// handlePartialJoin applies the partial-join policy after RTC succeeded and
// RTM failed.
func (c *Controller) handlePartialJoin(ctx context.Context, roomID string, rtmErr error) error {
	pj := &types.PartialJoinError{RTCSucceeded: true, RTMSucceeded: false, Err: rtmErr}
	log := observe.Logger(ctx).With("room_id", roomID)

	if c.rollback {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.leaveTO)
		defer cancel()
		if lerr := c.callRTC(lctx, "leave_room", c.rtc.LeaveRoom); lerr != nil {
			pj.Err = errors.Join(rtmErr, lerr)
			log.Warn("session: partial join rollback failed", "err", lerr)
		} else {
			pj.RolledBack = true
			log.Warn("session: partial join rolled back", "err", rtmErr)
			return pj
		}
	}

	c.mu.Lock()
	c.partialRoom = roomID
	c.mu.Unlock()
	log.Warn("session: partial join, rtc joined but rtm channel failed", "err", rtmErr)
	return pj
}

// LeaveRoom leaves the joined room, or cleans up an outstanding partial
// join. RTC and RTM are left independently; the room is always cleared and
// the state always returns to disconnected. The first provider failure is
// returned, joined with the second if both failed.
func (c *Controller) LeaveRoom(ctx context.Context) (err error) {
	ctx, span := observe.StartSessionSpan(ctx, "leave_room", observe.AttrRoomID.String(c.RoomID()))
	defer func() { observe.EndSpan(span, err) }()

	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.leaveRoomLocked(ctx)
}

func (c *Controller) leaveRoomLocked(ctx context.Context) error {
	c.mu.Lock()
	channel := c.roomID
	if channel == "" {
		channel = c.partialRoom
	}
	rec := c.reconnector
	c.reconnector = nil
	c.mu.Unlock()

	if channel == "" {
		return types.ErrNotInRoom
	}
	// A rejoin still in flight must finish before the media leave, otherwise
	// it could put the provider back into the room afterwards.
	if rec != nil {
		rec.Stop()
		rec.Wait()
	}

	lctx, cancel := context.WithTimeout(ctx, c.leaveTO)
	defer cancel()

	rtcErr := c.callRTC(lctx, "leave_room", c.rtc.LeaveRoom)

	var rtmErr error
	if c.rtm.IsLoggedIn() && slices.Contains(c.rtm.JoinedChannels(), channel) {
		rtmErr = c.callRTM(lctx, "leave_channel", func(ctx context.Context) error {
			return c.rtm.LeaveChannel(ctx, channel)
		})
	}

	if verr := c.stopVolume(lctx); verr != nil {
		observe.Logger(ctx).Warn("session: disable volume indicator on leave failed", "err", verr)
	}

	c.mu.Lock()
	c.roomID = ""
	c.partialRoom = ""
	signedOut := c.session == nil
	var updated *types.UserSession
	if c.session != nil && c.session.RoomID != "" {
		cp := *c.session
		cp.RoomID = ""
		cp.LastActiveTime = c.now()
		c.session = &cp
		updated = &cp
	}
	c.mu.Unlock()

	if signedOut {
		c.volume.SetLocalUser("")
	}
	if updated != nil {
		c.persistSession(ctx, updated)
		c.sessionObs.Set(cloneSession(updated))
	}
	c.setState(ctx, types.Disconnected)

	err := firstError(rtcErr, rtmErr)
	if err != nil {
		observe.Logger(ctx).Warn("session: left room with errors", "room_id", channel, "err", err)
	} else {
		observe.Logger(ctx).Info("session: left room", "room_id", channel)
	}
	return err
}

// Deauthenticate logs out of RTM and removes the session. If the logout
// fails the session is kept. The connection state and the joined room are
// not touched, and while a room is joined the volume engine keeps filtering
// the joined user as the local user until LeaveRoom.
func (c *Controller) Deauthenticate(ctx context.Context) (err error) {
	ctx, span := observe.StartSessionSpan(ctx, "deauthenticate")
	defer func() { observe.EndSpan(span, err) }()

	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.deauthenticateLocked(ctx)
}

func (c *Controller) deauthenticateLocked(ctx context.Context) error {
	sess, ok := c.CurrentSession()
	if !ok {
		return types.ErrNoActiveSession
	}

	if c.rtm.IsLoggedIn() {
		if err := c.callRTM(ctx, "logout", c.rtm.Logout); err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.session = nil
	inRoom := c.roomID != "" || c.partialRoom != ""
	c.mu.Unlock()
	c.sessionObs.Set(nil)
	// The media identity outlives the session until the room is left.
	if !inRoom {
		c.volume.SetLocalUser("")
	}
	c.metrics.ActiveSessions.Add(ctx, -1)

	if err := c.store.Remove(ctx, store.KeyUserSession); err != nil {
		perr := &types.PersistenceError{Op: "remove", Key: store.KeyUserSession, Err: err}
		c.metrics.RecordPersistenceError(ctx, "remove")
		observe.Logger(ctx).Warn("session: remove persisted session failed", "err", err)
		c.report(perr)
	}

	observe.Logger(ctx).Info("session: deauthenticated", "user_id", sess.UserID)
	return nil
}

// DisconnectAndDeauthenticate leaves the room (skipped when not in one) and
// then deauthenticates. It stops at the first failing step.
func (c *Controller) DisconnectAndDeauthenticate(ctx context.Context) (err error) {
	ctx, span := observe.StartSessionSpan(ctx, "disconnect_and_deauthenticate", observe.AttrRoomID.String(c.RoomID()))
	defer func() { observe.EndSpan(span, err) }()

	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	inRoom := c.roomID != "" || c.partialRoom != ""
	c.mu.Unlock()

	if inRoom {
		if err := c.leaveRoomLocked(ctx); err != nil {
			return err
		}
	}
	return c.deauthenticateLocked(ctx)
}

// SwitchRole changes the session's role. Inside a room the RTC provider is
// told first; a provider failure leaves the role unchanged.
func (c *Controller) SwitchRole(ctx context.Context, role types.Role) (err error) {
	ctx, span := observe.StartSessionSpan(ctx, "switch_role", observe.AttrRole.String(string(role)))
	defer func() { observe.EndSpan(span, err) }()

	if !role.Valid() {
		return fmt.Errorf("session: switch role: %w: %q", types.ErrInvalidRole, role)
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	sess, ok := c.CurrentSession()
	if !ok {
		return types.ErrNoActiveSession
	}
	if sess.Role == role {
		return nil
	}

	if c.RoomID() != "" {
		if err := c.callRTC(ctx, "switch_role", func(ctx context.Context) error {
			return c.rtc.SwitchRole(ctx, role)
		}); err != nil {
			return err
		}
	}

	c.mu.Lock()
	cp := *c.session
	cp.Role = role
	cp.LastActiveTime = c.now()
	c.session = &cp
	c.mu.Unlock()

	c.persistSession(ctx, &cp)
	c.sessionObs.Set(cloneSession(&cp))
	observe.Logger(ctx).Info("session: role switched", "user_id", cp.UserID, "from", sess.Role, "to", role)
	return nil
}
