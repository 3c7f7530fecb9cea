// Package mock provides a configurable test double for [rtc.Provider].
//
// The mock records every method call so that tests can assert on call counts
// and arguments, and it exposes exported *Err fields that control return
// values. Per-method *Func hooks override the default behaviour entirely,
// which is useful for simulating slow or blocking calls.
//
// Typical usage:
//
//	p := &mock.Provider{JoinRoomErr: errors.New("network down")}
//	// inject p into the system under test …
//	if got := p.CallCount("JoinRoom"); got != 1 {
//	    t.Errorf("expected 1 JoinRoom call, got %d", got)
//	}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/rtcsession/pkg/provider/rtc"
	"github.com/MrWong99/rtcsession/pkg/types"
)

// Compile-time interface assertion.
var _ rtc.Provider = (*Provider)(nil)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// Provider is a mock implementation of [rtc.Provider]. All methods are safe
// for concurrent use.
type Provider struct {
	mu    sync.Mutex
	calls []Call

	// OnCall, when set, is invoked with the method name at the start of every
	// call. Tests use it to build cross-provider ordering logs.
	OnCall func(method string)

	InitializeErr             error
	CreateRoomErr             error
	JoinRoomErr               error
	LeaveRoomErr              error
	SwitchRoleErr             error
	MuteMicrophoneErr         error
	SetAudioMixingVolumeErr   error
	SetPlaybackVolumeErr      error
	SetRecordingVolumeErr     error
	EnableLocalAudioErr       error
	EnableVolumeIndicatorErr  error
	DisableVolumeIndicatorErr error
	RenewTokenErr             error

	// JoinRoomFunc, when set, replaces the default JoinRoom behaviour.
	JoinRoomFunc func(ctx context.Context, roomID, userID string, role types.Role) error

	// SetAudioMixingVolumeFunc, when set, replaces the default behaviour.
	SetAudioMixingVolumeFunc func(ctx context.Context, volume int) error

	volumeCb      rtc.VolumeCallback
	tokenExpiryCb func()
	connStateCb   func(types.ConnectionState)
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

// LastArgs returns the arguments of the most recent call to method, or nil.
func (p *Provider) LastArgs(method string) []any {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.calls) - 1; i >= 0; i-- {
		if p.calls[i].Method == method {
			return p.calls[i].Args
		}
	}
	return nil
}

// Reset clears all recorded calls. Configured errors and hooks are kept.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = nil
}

func (p *Provider) Initialize(_ context.Context, cfg rtc.Config) error {
	p.record("Initialize", cfg)
	return p.InitializeErr
}

func (p *Provider) CreateRoom(_ context.Context, roomID string) error {
	p.record("CreateRoom", roomID)
	return p.CreateRoomErr
}

func (p *Provider) JoinRoom(ctx context.Context, roomID, userID string, role types.Role) error {
	p.record("JoinRoom", roomID, userID, role)
	if p.JoinRoomFunc != nil {
		return p.JoinRoomFunc(ctx, roomID, userID, role)
	}
	return p.JoinRoomErr
}

func (p *Provider) LeaveRoom(_ context.Context) error {
	p.record("LeaveRoom")
	return p.LeaveRoomErr
}

func (p *Provider) SwitchRole(_ context.Context, role types.Role) error {
	p.record("SwitchRole", role)
	return p.SwitchRoleErr
}

func (p *Provider) MuteMicrophone(_ context.Context, muted bool) error {
	p.record("MuteMicrophone", muted)
	return p.MuteMicrophoneErr
}

func (p *Provider) SetAudioMixingVolume(ctx context.Context, volume int) error {
	p.record("SetAudioMixingVolume", volume)
	if p.SetAudioMixingVolumeFunc != nil {
		return p.SetAudioMixingVolumeFunc(ctx, volume)
	}
	return p.SetAudioMixingVolumeErr
}

func (p *Provider) SetPlaybackSignalVolume(_ context.Context, volume int) error {
	p.record("SetPlaybackSignalVolume", volume)
	return p.SetPlaybackVolumeErr
}

func (p *Provider) SetRecordingSignalVolume(_ context.Context, volume int) error {
	p.record("SetRecordingSignalVolume", volume)
	return p.SetRecordingVolumeErr
}

func (p *Provider) EnableLocalAudio(_ context.Context, enabled bool) error {
	p.record("EnableLocalAudio", enabled)
	return p.EnableLocalAudioErr
}

func (p *Provider) EnableVolumeIndicator(_ context.Context, cfg rtc.VolumeIndicatorConfig) error {
	p.record("EnableVolumeIndicator", cfg)
	return p.EnableVolumeIndicatorErr
}

func (p *Provider) DisableVolumeIndicator(_ context.Context) error {
	p.record("DisableVolumeIndicator")
	return p.DisableVolumeIndicatorErr
}

func (p *Provider) RenewToken(_ context.Context, token string) error {
	p.record("RenewToken", token)
	return p.RenewTokenErr
}

func (p *Provider) OnVolumeIndication(cb rtc.VolumeCallback) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.volumeCb = cb
}

func (p *Provider) OnTokenExpiry(cb func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokenExpiryCb = cb
}

func (p *Provider) OnConnectionStateChanged(cb func(types.ConnectionState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connStateCb = cb
}

func (p *Provider) Close() error {
	p.record("Close")
	return nil
}

// HasVolumeCallback reports whether a volume callback is registered.
func (p *Provider) HasVolumeCallback() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.volumeCb != nil
}

// EmitVolume delivers samples to the registered volume callback, if any.
func (p *Provider) EmitVolume(samples []types.UserVolumeInfo) {
	p.mu.Lock()
	cb := p.volumeCb
	p.mu.Unlock()
	if cb != nil {
		cb(samples)
	}
}

// EmitTokenExpiry invokes the registered token-expiry callback, if any.
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
