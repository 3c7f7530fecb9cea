package session

import (
	"context"
	"log/slog"

	"github.com/MrWong99/rtcsession/pkg/types"
)

// handleRTCState maps provider-reported media state onto the connection
// state machine. Reports outside a room are ignored.
func (c *Controller) handleRTCState(s types.ConnectionState) {
	ctx := c.bgCtx

	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	c.mu.Lock()
	room := c.roomID
	rec := c.reconnector
	c.mu.Unlock()
	if room == "" {
		slog.Debug("session: rtc state report outside a room ignored", "state", s.String())
		return
	}

	cur := c.connState.Get()
	switch s.Kind {
	case types.ConnDisconnected, types.ConnReconnecting:
		if cur.Kind != types.ConnConnected {
			return
		}
		slog.Warn("session: media connection dropped", "room_id", room, "reported", s.String())
		c.setStateLocked(ctx, types.Reconnecting)
		if rec != nil {
			rec.NotifyDisconnect()
		}
	case types.ConnConnected:
		if cur.Kind == types.ConnConnected {
			return
		}
		if rec != nil {
			rec.NotifyRecovered()
		}
		c.setStateLocked(ctx, types.Connected)
		c.audio.Resync()
	case types.ConnFailed:
		if rec != nil {
			rec.Stop()
		}
		c.setStateLocked(ctx, s)
	}
}

// handleRTMState logs signalling state changes. RTM state does not drive
// the media connection state.
func (c *Controller) handleRTMState(s types.ConnectionState) {
	if s.Kind == types.ConnFailed {
		slog.Warn("session: rtm connection failed", "reason", s.Reason)
		return
	}
	slog.Info("session: rtm connection state changed", "state", s.String())
}

// startReconnector begins drop monitoring for roomID, replacing any
// previous monitor.
func (c *Controller) startReconnector(roomID string, joined types.UserSession) {
	rejoin := func(ctx context.Context) error {
		sess, ok := c.CurrentSession()
		if !ok {
			sess = joined
		}
		jctx, cancel := context.WithTimeout(ctx, c.joinTO)
		defer cancel()
		return c.callRTC(jctx, "join_room", func(ctx context.Context) error {
			return c.rtc.JoinRoom(ctx, roomID, sess.UserID, sess.Role)
		})
	}

	rec := NewReconnector(ReconnectorConfig{
		RoomID:     roomID,
		Rejoin:     rejoin,
		MaxRetries: c.policy.MaxRetries,
		Backoff:    c.policy.Backoff,
		MaxBackoff: c.policy.MaxBackoff,
		OnAttempt: func(_ int, err error) {
			status := "ok"
			if err != nil {
				status = "error"
			}
			c.metrics.RecordReconnectAttempt(c.bgCtx, status)
		},
		OnReconnect: func(int) {
			c.stateMu.Lock()
			defer c.stateMu.Unlock()
			if c.RoomID() != roomID || c.connState.Get().Kind != types.ConnReconnecting {
				return
			}
			c.setStateLocked(c.bgCtx, types.Connected)
			c.audio.Resync()
		},
		OnGiveUp: func(err error) {
			c.stateMu.Lock()
			if c.RoomID() == roomID && c.connState.Get().Kind == types.ConnReconnecting {
				c.setStateLocked(c.bgCtx, types.Failed(err.Error()))
			}
			c.stateMu.Unlock()
			c.report(err)
		},
	})

	c.mu.Lock()
	prev := c.reconnector
	c.reconnector = rec
	c.mu.Unlock()
	if prev != nil {
		prev.Stop()
	}
	rec.Monitor(c.bgCtx)
}

// goRenewToken renews the token of capability cp in the background.
func (c *Controller) goRenewToken(cp types.Capability) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.bgWG.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.bgWG.Done()
		ctx, cancel := context.WithTimeout(c.bgCtx, defaultRenewTimeout)
		defer cancel()
		if err := c.renewToken(ctx, cp); err != nil {
			slog.Warn("session: token renewal failed", "capability", cp, "err", err)
			c.report(err)
		}
	}()
}

func (c *Controller) renewToken(ctx context.Context, cp types.Capability) error {
	sess, ok := c.CurrentSession()
	if !ok {
		slog.Debug("session: token expiry without session ignored", "capability", cp)
		return nil
	}
	token, err := c.tokens.Token(ctx, cp, sess.UserID)
	if err != nil {
		return types.NewProviderCallError(cp, "renew_token", err)
	}
	if cp == types.CapabilityRTC {
		return c.callRTC(ctx, "renew_token", func(ctx context.Context) error {
			return c.rtc.RenewToken(ctx, token)
		})
	}
	return c.callRTM(ctx, "renew_token", func(ctx context.Context) error {
		return c.rtm.RenewToken(ctx, token)
	})
}
