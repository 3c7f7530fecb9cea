// Package mock provides a configurable test double for [rtm.Provider].
//
// Login state and joined channels are tracked like a real provider so that
// IsLoggedIn and JoinedChannels answer consistently; every call is recorded
// for assertions.
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/rtcsession/pkg/provider/rtm"
	"github.com/MrWong99/rtcsession/pkg/types"
)

// Compile-time interface assertion.
var _ rtm.Provider = (*Provider)(nil)

// Call records the name and arguments of a single method invocation.
type Call struct {
	Method string
	Args   []any
}

// Provider is a mock implementation of [rtm.Provider].
type Provider struct {
	mu    sync.Mutex
	calls []Call

	// OnCall, when set, is invoked with the method name at the start of
	// every call.
	OnCall func(method string)

	InitializeErr   error
	LoginErr        error
	LogoutErr       error
	JoinChannelErr  error
	LeaveChannelErr error
	SendMessageErr  error
	RenewTokenErr   error

	loggedIn bool
	channels []string
	sent     []rtm.Message

	messageCb     func(rtm.Message)
	connStateCb   func(types.ConnectionState)
	tokenExpiryCb func()
}

func (p *Provider) record(method string, args ...any) {
	p.mu.Lock()
	p.calls = append(p.calls, Call{Method: method, Args: args})
	hook := p.OnCall
	p.mu.Unlock()
	if hook != nil {
		hook(method)
	}
}

// Calls returns a copy of all recorded calls in invocation order.
func (p *Provider) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Call, len(p.calls))
	copy(out, p.calls)
	return out
}

// CallCount returns how many times method was invoked.
func (p *Provider) CallCount(method string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// SetLoggedIn forces the login state, e.g. to simulate a provider that
// survived a process restart.
func (p *Provider) SetLoggedIn(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loggedIn = v
}

// Sent returns a copy of all successfully sent messages.
func (p *Provider) Sent() []rtm.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]rtm.Message, len(p.sent))
	copy(out, p.sent)
	return out
}

func (p *Provider) Initialize(_ context.Context, cfg rtm.Config) error {
	p.record("Initialize", cfg)
	return p.InitializeErr
}

func (p *Provider) Login(_ context.Context, userID, token string) error {
	p.record("Login", userID, token)
	if p.LoginErr != nil {
		return p.LoginErr
	}
	p.mu.Lock()
	p.loggedIn = true
	p.mu.Unlock()
	return nil
}

func (p *Provider) Logout(_ context.Context) error {
	p.record("Logout")
	if p.LogoutErr != nil {
		return p.LogoutErr
	}
	p.mu.Lock()
	p.loggedIn = false
	p.channels = nil
	p.mu.Unlock()
	return nil
}

func (p *Provider) IsLoggedIn() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loggedIn
}

func (p *Provider) JoinChannel(_ context.Context, channelID string) error {
	p.record("JoinChannel", channelID)
	if p.JoinChannelErr != nil {
		return p.JoinChannelErr
	}
	p.mu.Lock()
	if !slices.Contains(p.channels, channelID) {
		p.channels = append(p.channels, channelID)
	}
	p.mu.Unlock()
	return nil
}

func (p *Provider) LeaveChannel(_ context.Context, channelID string) error {
	p.record("LeaveChannel", channelID)
	if p.LeaveChannelErr != nil {
		return p.LeaveChannelErr
	}
	p.mu.Lock()
	p.channels = slices.DeleteFunc(p.channels, func(c string) bool { return c == channelID })
	p.mu.Unlock()
	return nil
}

func (p *Provider) JoinedChannels() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.channels)
}

func (p *Provider) SendMessage(_ context.Context, msg rtm.Message) error {
	p.record("SendMessage", msg)
	if p.SendMessageErr != nil {
		return p.SendMessageErr
	}
	p.mu.Lock()
	p.sent = append(p.sent, msg)
	p.mu.Unlock()
	return nil
}

func (p *Provider) RenewToken(_ context.Context, token string) error {
	p.record("RenewToken", token)
	return p.RenewTokenErr
}

func (p *Provider) OnMessage(cb func(rtm.Message)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messageCb = cb
}

func (p *Provider) OnConnectionStateChanged(cb func(types.ConnectionState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connStateCb = cb
}

func (p *Provider) OnTokenExpiry(cb func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokenExpiryCb = cb
}

func (p *Provider) Close() error {
	p.record("Close")
	return nil
}

// EmitMessage delivers msg to the registered message callback.
func (p *Provider) EmitMessage(msg rtm.Message) {
	p.mu.Lock()
	cb := p.messageCb
	p.mu.Unlock()
	if cb != nil {
		cb(msg)
	}
}

// EmitTokenExpiry invokes the registered token-expiry callback.
func (p *Provider) EmitTokenExpiry() {
	p.mu.Lock()
	cb := p.tokenExpiryCb
	p.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// EmitConnectionState invokes the registered connection-state callback.
func (p *Provider) EmitConnectionState(s types.ConnectionState) {
	p.mu.Lock()
	cb := p.connStateCb
	p.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}
