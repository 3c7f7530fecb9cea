package websocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// AuthFunc validates a login or token renewal. A nil AuthFunc accepts every
// non-empty user id.
type AuthFunc func(ctx context.Context, userID, token string) error

// HubOption configures a [Hub].
type HubOption func(*Hub)

// WithAuth sets the credential check for logins and renewals.
func WithAuth(fn AuthFunc) HubOption {
	return func(h *Hub) { h.auth = fn }
}

// WithOriginPatterns sets the accepted cross-origin host patterns. By default
// only same-origin requests are accepted.
func WithOriginPatterns(patterns ...string) HubOption {
	return func(h *Hub) { h.origins = patterns }
}

// Hub is the server side of the protocol. It keeps channel membership for
// every connected client and relays channel messages to the other members.
// Hub implements [http.Handler].
type Hub struct {
	auth    AuthFunc
	origins []string

	mu      sync.Mutex
	clients map[*client]struct{}
	users   map[string]*client
	closed  bool
}

type client struct {
	ws *websocket.Conn

	// Guarded by Hub.mu.
	userID   string
	channels map[string]struct{}
}

// NewHub creates an empty hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		clients: make(map[*client]struct{}),
		users:   make(map[string]*client),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// ServeHTTP upgrades the request and serves the client until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		slog.Warn("rtm hub: accept failed", "remote_addr", r.RemoteAddr, "err", err)
		return
	}
	c := &client{ws: ws, channels: make(map[string]struct{})}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		ws.Close(websocket.StatusGoingAway, "hub closed")
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	defer h.drop(c)

	ctx := r.Context()
	for {
		f, err := readFrame(ctx, ws)
		if errors.Is(err, errBadFrame) {
			slog.Debug("rtm hub: skipping frame", "err", err)
			continue
		}
		if err != nil {
			if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway {
				slog.Debug("rtm hub: client read ended", "err", err)
			}
			return
		}

		ack := frame{Type: frameAck, RequestID: f.RequestID}
		if err := h.handle(ctx, c, f); err != nil {
			ack.Error = err.Error()
		}
		if err := writeFrame(ctx, ws, ack); err != nil {
			slog.Debug("rtm hub: write ack failed", "err", err)
			return
		}
	}
}

func (h *Hub) handle(ctx context.Context, c *client, f frame) error {
	switch f.Type {
	case frameLogin:
		return h.login(ctx, c, f.UserID, f.Token)
	case frameRenewToken:
		userID := h.userOf(c)
		if userID == "" {
			return ErrNotLoggedIn
		}
		return h.check(ctx, userID, f.Token)
	case frameLogout:
		h.logout(c)
		return nil
	case frameJoin, frameLeave:
		if f.ChannelID == "" {
			return errors.New("empty channel id")
		}
		h.mu.Lock()
		defer h.mu.Unlock()
		if c.userID == "" {
			return ErrNotLoggedIn
		}
		if f.Type == frameJoin {
			c.channels[f.ChannelID] = struct{}{}
		} else {
			delete(c.channels, f.ChannelID)
		}
		return nil
	case frameMessage:
		if f.Message == nil {
			return errors.New("missing message")
		}
		return h.relay(ctx, c, *f.Message)
	default:
		return fmt.Errorf("unknown frame type %q", f.Type)
	}
}

func (h *Hub) check(ctx context.Context, userID, token string) error {
	if userID == "" {
		return errors.New("empty user id")
	}
	if h.auth == nil {
		return nil
	}
	return h.auth(ctx, userID, token)
}

func (h *Hub) login(ctx context.Context, c *client, userID, token string) error {
	if err := h.check(ctx, userID, token); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if other, ok := h.users[userID]; ok && other != c {
		return fmt.Errorf("user %q already logged in", userID)
	}
	if c.userID != "" && c.userID != userID {
		delete(h.users, c.userID)
		clear(c.channels)
	}
	c.userID = userID
	h.users[userID] = c
	slog.Info("rtm hub: login", "user_id", userID)
	return nil
}

func (h *Hub) logout(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.logoutLocked(c)
}

func (h *Hub) logoutLocked(c *client) {
	if c.userID == "" {
		return
	}
	if h.users[c.userID] == c {
		delete(h.users, c.userID)
	}
	slog.Info("rtm hub: logout", "user_id", c.userID)
	c.userID = ""
	clear(c.channels)
}

func (h *Hub) userOf(c *client) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return c.userID
}

// relay stamps msg with the sender's identity and forwards it to the other
// members of its channel.
func (h *Hub) relay(ctx context.Context, from *client, msg wireMessage) error {
	h.mu.Lock()
	if from.userID == "" {
		h.mu.Unlock()
		return ErrNotLoggedIn
	}
	if _, ok := from.channels[msg.ChannelID]; !ok {
		h.mu.Unlock()
		return fmt.Errorf("not a member of channel %q", msg.ChannelID)
	}
	msg.SenderID = from.userID
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now()
	}
	var targets []*client
	for c := range h.clients {
		if _, ok := c.channels[msg.ChannelID]; ok && c != from {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()

	out := frame{Type: frameMessage, Message: &msg}
	for _, c := range targets {
		wctx, cancel := context.WithTimeout(ctx, closeTimeout)
		if err := writeFrame(wctx, c.ws, out); err != nil {
			slog.Debug("rtm hub: relay failed", "channel_id", msg.ChannelID, "err", err)
		}
		cancel()
	}
	return nil
}

// ExpireToken tells userID that its token is about to expire. It reports
// whether the user is connected.
func (h *Hub) ExpireToken(ctx context.Context, userID string) (bool, error) {
	h.mu.Lock()
	c, ok := h.users[userID]
	h.mu.Unlock()
	if !ok {
		return false, nil
	}
	if err := writeFrame(ctx, c.ws, frame{Type: frameTokenExpiring}); err != nil {
		return true, fmt.Errorf("rtm hub: notify %q: %w", userID, err)
	}
	return true, nil
}

// Members returns the user ids currently joined to channelID.
func (h *Hub) Members(channelID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for c := range h.clients {
		if _, ok := c.channels[channelID]; ok && c.userID != "" {
			out = append(out, c.userID)
		}
	}
	return out
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	h.logoutLocked(c)
	delete(h.clients, c)
	h.mu.Unlock()
	c.ws.Close(websocket.StatusNormalClosure, "")
}

// Close disconnects every client and rejects new ones. Hijacked WebSocket
// connections are not closed by [http.Server.Shutdown], so the daemon calls
// Close during shutdown.
func (h *Hub) Close() error {
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.ws.Close(websocket.StatusGoingAway, "hub closed")
	}
	return nil
}
