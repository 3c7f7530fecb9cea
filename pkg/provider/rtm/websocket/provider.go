package websocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/rtcsession/pkg/provider/rtm"
	"github.com/MrWong99/rtcsession/pkg/types"
)

// Compile-time interface assertion.
var _ rtm.Provider = (*Provider)(nil)

var (
	// ErrNotLoggedIn is returned by channel operations without a login.
	ErrNotLoggedIn = errors.New("websocket: not logged in")

	// ErrConnectionClosed is returned for requests that were pending when the
	// connection went away.
	ErrConnectionClosed = errors.New("websocket: connection closed")
)

// Provider is an RTM client for a [Hub]. It dials on Login and hangs up on
// Logout. It is safe for concurrent use.
//
// Callbacks run on the receive goroutine, which also delivers acks: a
// callback that issues a request on the same Provider must do so from
// another goroutine.
type Provider struct {
	mu       sync.Mutex
	endpoint string
	header   http.Header

	conn     *conn
	userID   string
	channels []string

	messageCb func(rtm.Message)
	stateCb   func(types.ConnectionState)
	tokenCb   func()
}

// conn is one live connection and its pending requests.
type conn struct {
	ws     *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	pending map[string]chan frame
	err     error
}

// New creates a client for the hub at endpoint (ws:// or wss://). The
// endpoint may also be supplied later through [rtm.Config.Endpoint].
func New(endpoint string) *Provider {
	return &Provider{endpoint: endpoint}
}

// Initialize applies cfg.Endpoint when set. cfg.AppID is sent to the hub as
// the X-RTM-App header.
func (p *Provider) Initialize(_ context.Context, cfg rtm.Config) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cfg.Endpoint != "" {
		p.endpoint = cfg.Endpoint
	}
	if p.endpoint == "" {
		return errors.New("websocket: endpoint is required")
	}
	if cfg.AppID != "" {
		p.header = http.Header{"X-RTM-App": []string{cfg.AppID}}
	}
	return nil
}

// Login dials the hub and authenticates userID. An existing login is
// replaced.
func (p *Provider) Login(ctx context.Context, userID, token string) error {
	if err := p.Logout(ctx); err != nil {
		slog.Warn("websocket: logout before login failed", "err", err)
	}

	p.mu.Lock()
	endpoint, header := p.endpoint, p.header
	p.mu.Unlock()
	if endpoint == "" {
		return errors.New("websocket: endpoint is required")
	}

	ws, _, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return fmt.Errorf("websocket: dial: %w", err)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	c := &conn{
		ws:      ws,
		ctx:     connCtx,
		cancel:  cancel,
		done:    make(chan struct{}),
		pending: make(map[string]chan frame),
	}
	go p.receiveLoop(c)

	if err := c.request(ctx, frame{Type: frameLogin, UserID: userID, Token: token}); err != nil {
		c.close(websocket.StatusPolicyViolation, "login rejected")
		return fmt.Errorf("websocket: login: %w", err)
	}

	p.mu.Lock()
	p.conn = c
	p.userID = userID
	p.channels = nil
	p.mu.Unlock()

	slog.Debug("websocket: logged in", "user_id", userID, "endpoint", endpoint)
	p.emitState(types.Connected)
	return nil
}

// Logout ends the login and closes the connection. Logging out without a
// login is a no-op.
func (p *Provider) Logout(ctx context.Context) error {
	c := p.detach()
	if c == nil {
		return nil
	}
	err := c.request(ctx, frame{Type: frameLogout})
	c.close(websocket.StatusNormalClosure, "logout")
	p.emitState(types.Disconnected)
	if err != nil && !errors.Is(err, ErrConnectionClosed) {
		return fmt.Errorf("websocket: logout: %w", err)
	}
	return nil
}

// detach clears the login and returns the connection it held.
func (p *Provider) detach() *conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := p.conn
	p.conn = nil
	p.userID = ""
	p.channels = nil
	return c
}

func (p *Provider) IsLoggedIn() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn != nil
}

func (p *Provider) current() (*conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil, ErrNotLoggedIn
	}
	return p.conn, nil
}

func (p *Provider) JoinChannel(ctx context.Context, channelID string) error {
	c, err := p.current()
	if err != nil {
		return err
	}
	if err := c.request(ctx, frame{Type: frameJoin, ChannelID: channelID}); err != nil {
		return fmt.Errorf("websocket: join %q: %w", channelID, err)
	}
	p.mu.Lock()
	if p.conn == c && !slices.Contains(p.channels, channelID) {
		p.channels = append(p.channels, channelID)
	}
	p.mu.Unlock()
	return nil
}

func (p *Provider) LeaveChannel(ctx context.Context, channelID string) error {
	c, err := p.current()
	if err != nil {
		return err
	}
	if err := c.request(ctx, frame{Type: frameLeave, ChannelID: channelID}); err != nil {
		return fmt.Errorf("websocket: leave %q: %w", channelID, err)
	}
	p.mu.Lock()
	p.channels = slices.DeleteFunc(p.channels, func(ch string) bool { return ch == channelID })
	p.mu.Unlock()
	return nil
}

func (p *Provider) JoinedChannels() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.channels)
}

func (p *Provider) SendMessage(ctx context.Context, msg rtm.Message) error {
	c, err := p.current()
	if err != nil {
		return err
	}
	if err := c.request(ctx, frame{Type: frameMessage, Message: toWire(msg)}); err != nil {
		return fmt.Errorf("websocket: send message: %w", err)
	}
	return nil
}

func (p *Provider) RenewToken(ctx context.Context, token string) error {
	c, err := p.current()
	if err != nil {
		return err
	}
	if err := c.request(ctx, frame{Type: frameRenewToken, Token: token}); err != nil {
		return fmt.Errorf("websocket: renew token: %w", err)
	}
	return nil
}

func (p *Provider) OnMessage(cb func(rtm.Message)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messageCb = cb
}

func (p *Provider) OnConnectionStateChanged(cb func(types.ConnectionState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stateCb = cb
}

func (p *Provider) OnTokenExpiry(cb func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokenCb = cb
}

func (p *Provider) emitState(s types.ConnectionState) {
	p.mu.Lock()
	cb := p.stateCb
	p.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}

// Close logs out if needed.
func (p *Provider) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	return p.Logout(ctx)
}

// receiveLoop reads frames until the connection ends. An unexpected end
// drops the login and reports the connection as failed.
func (p *Provider) receiveLoop(c *conn) {
	defer close(c.done)
	for {
		f, err := readFrame(c.ctx, c.ws)
		if errors.Is(err, errBadFrame) {
			slog.Warn("websocket: skipping frame", "err", err)
			continue
		}
		if err != nil {
			c.fail(err)
			if c.ctx.Err() != nil {
				return
			}
			p.mu.Lock()
			lost := p.conn == c
			if lost {
				p.conn = nil
				p.userID = ""
				p.channels = nil
			}
			p.mu.Unlock()
			if lost {
				slog.Warn("websocket: connection lost", "err", err)
				p.emitState(types.Failed(err.Error()))
			}
			return
		}
		p.handleFrame(c, f)
	}
}

func (p *Provider) handleFrame(c *conn, f frame) {
	switch f.Type {
	case frameAck:
		c.resolve(f)
	case frameMessage:
		if f.Message == nil {
			return
		}
		p.mu.Lock()
		cb := p.messageCb
		p.mu.Unlock()
		if cb != nil {
			cb(f.Message.message())
		}
	case frameTokenExpiring:
		p.mu.Lock()
		cb := p.tokenCb
		p.mu.Unlock()
		if cb != nil {
			cb()
		}
	default:
		slog.Debug("websocket: unknown frame", "type", f.Type)
	}
}

// request sends f with a fresh request id and waits for its ack.
func (c *conn) request(ctx context.Context, f frame) error {
	f.RequestID = uuid.NewString()
	ack := make(chan frame, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return err
	}
	c.pending[f.RequestID] = ack
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, f.RequestID)
		c.mu.Unlock()
	}()

	if err := writeFrame(ctx, c.ws, f); err != nil {
		return err
	}

	select {
	case a := <-ack:
		if a.Error != "" {
			return errors.New(a.Error)
		}
		return nil
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *conn) resolve(f frame) {
	c.mu.Lock()
	ack, ok := c.pending[f.RequestID]
	c.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ack <- f:
	default:
	}
}

// fail records why the connection ended. Waiting requests see it once done
// is closed.
func (c *conn) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
}

func (c *conn) close(code websocket.StatusCode, reason string) {
	c.ws.Close(code, reason)
	c.cancel()
	<-c.done
}
