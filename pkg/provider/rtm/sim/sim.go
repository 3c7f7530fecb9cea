// Package sim provides an in-process [rtm.Provider] backed by a shared
// [Broker]. Providers attached to the same broker see each other's channel
// messages, which is enough to run several controllers against one another
// in a single process.
package sim

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/rtcsession/pkg/provider/rtm"
	"github.com/MrWong99/rtcsession/pkg/types"
)

// Compile-time interface assertion.
var _ rtm.Provider = (*Provider)(nil)

var (
	// ErrNotLoggedIn is returned by channel operations before Login.
	ErrNotLoggedIn = errors.New("sim: not logged in")

	// ErrUserTaken is returned when another provider is logged in with the
	// same user id.
	ErrUserTaken = errors.New("sim: user already logged in")
)

// Broker routes messages between attached providers.
type Broker struct {
	mu    sync.Mutex
	users map[string]*Provider
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{users: make(map[string]*Provider)}
}

// Provider returns a new provider attached to b.
func (b *Broker) Provider() *Provider {
	return &Provider{broker: b}
}

func (b *Broker) login(userID string, p *Provider) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := b.users[userID]; ok && cur != p {
		return ErrUserTaken
	}
	b.users[userID] = p
	return nil
}

func (b *Broker) logout(userID string, p *Provider) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.users[userID] == p {
		delete(b.users, userID)
	}
}

// publish delivers msg to every other member of msg.ChannelID.
func (b *Broker) publish(msg rtm.Message) {
	b.mu.Lock()
	targets := make([]*Provider, 0, len(b.users))
	for id, p := range b.users {
		if id != msg.SenderID {
			targets = append(targets, p)
		}
	}
	b.mu.Unlock()

	for _, p := range targets {
		p.deliver(msg)
	}
}

// Provider is one participant's RTM connection to a [Broker].
type Provider struct {
	broker *Broker

	mu       sync.Mutex
	userID   string
	token    string
	channels []string

	messageCb func(rtm.Message)
	stateCb   func(types.ConnectionState)
	tokenCb   func()
}

func (p *Provider) Initialize(context.Context, rtm.Config) error { return nil }

// Login attaches userID to the broker.
func (p *Provider) Login(ctx context.Context, userID, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if userID == "" {
		return errors.New("sim: empty user id")
	}
	if err := p.broker.login(userID, p); err != nil {
		return fmt.Errorf("sim: login %q: %w", userID, err)
	}
	p.mu.Lock()
	p.userID = userID
	p.token = token
	p.mu.Unlock()
	p.emitState(types.Connected)
	return nil
}

// Logout detaches from the broker and leaves all channels.
func (p *Provider) Logout(context.Context) error {
	p.mu.Lock()
	userID := p.userID
	p.userID = ""
	p.channels = nil
	p.mu.Unlock()
	if userID != "" {
		p.broker.logout(userID, p)
		p.emitState(types.Disconnected)
	}
	return nil
}

func (p *Provider) IsLoggedIn() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.userID != ""
}

func (p *Provider) JoinChannel(_ context.Context, channelID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.userID == "" {
		return ErrNotLoggedIn
	}
	if !slices.Contains(p.channels, channelID) {
		p.channels = append(p.channels, channelID)
	}
	return nil
}

func (p *Provider) LeaveChannel(_ context.Context, channelID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.userID == "" {
		return ErrNotLoggedIn
	}
	p.channels = slices.DeleteFunc(p.channels, func(c string) bool { return c == channelID })
	return nil
}

func (p *Provider) JoinedChannels() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.channels)
}

// SendMessage publishes msg to the other members of its channel. The sender
// must have joined the channel.
func (p *Provider) SendMessage(_ context.Context, msg rtm.Message) error {
	p.mu.Lock()
	userID := p.userID
	member := slices.Contains(p.channels, msg.ChannelID)
	p.mu.Unlock()
	if userID == "" {
		return ErrNotLoggedIn
	}
	if !member {
		return fmt.Errorf("sim: not a member of channel %q", msg.ChannelID)
	}
	msg.SenderID = userID
	p.broker.publish(msg)
	return nil
}

func (p *Provider) deliver(msg rtm.Message) {
	p.mu.Lock()
	member := slices.Contains(p.channels, msg.ChannelID)
	cb := p.messageCb
	p.mu.Unlock()
	if member && cb != nil {
		cb(msg)
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

func (p *Provider) RenewToken(_ context.Context, token string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.userID == "" {
		return ErrNotLoggedIn
	}
	p.token = token
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

// Close logs out.
func (p *Provider) Close() error {
	return p.Logout(context.Background())
}
