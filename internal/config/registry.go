package config

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/rtcsession/pkg/provider/rtc"
	"github.com/MrWong99/rtcsession/pkg/provider/rtm"
	"github.com/MrWong99/rtcsession/pkg/store"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// StoreFactory builds a store. It receives a context because opening a
// database connection can block.
type StoreFactory func(ctx context.Context, entry ProviderEntry) (store.Store, error)

// Registry maps provider names to their constructor functions for each
// provider kind. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	rtc   map[string]func(ProviderEntry) (rtc.Provider, error)
	rtm   map[string]func(ProviderEntry) (rtm.Provider, error)
	store map[string]StoreFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		rtc:   make(map[string]func(ProviderEntry) (rtc.Provider, error)),
		rtm:   make(map[string]func(ProviderEntry) (rtm.Provider, error)),
		store: make(map[string]StoreFactory),
	}
}

// RegisterRTC registers an RTC provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterRTC(name string, factory func(ProviderEntry) (rtc.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rtc[name] = factory
}

// RegisterRTM registers an RTM provider factory under name.
func (r *Registry) RegisterRTM(name string, factory func(ProviderEntry) (rtm.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rtm[name] = factory
}

// RegisterStore registers a store factory under name.
func (r *Registry) RegisterStore(name string, factory StoreFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.store[name] = factory
}

// CreateRTC instantiates an RTC provider using the factory registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateRTC(entry ProviderEntry) (rtc.Provider, error) {
	r.mu.RLock()
	factory, ok := r.rtc[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: rtc/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateRTM instantiates an RTM provider using the factory registered under entry.Name.
func (r *Registry) CreateRTM(entry ProviderEntry) (rtm.Provider, error) {
	r.mu.RLock()
	factory, ok := r.rtm[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: rtm/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateStore instantiates a store using the factory registered under entry.Name.
func (r *Registry) CreateStore(ctx context.Context, entry ProviderEntry) (store.Store, error) {
	r.mu.RLock()
	factory, ok := r.store[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: store/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(ctx, entry)
}

// Names returns the registered names per kind.
func (r *Registry) Names() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := map[string][]string{}
	for n := range r.rtc {
		out["rtc"] = append(out["rtc"], n)
	}
	for n := range r.rtm {
		out["rtm"] = append(out["rtm"], n)
	}
	for n := range r.store {
		out["store"] = append(out["store"], n)
	}
	return out
}
