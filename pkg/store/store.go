// Package store defines the persistent key-value contract used to survive
// process restarts.
//
// The controller persists two records: the current [types.UserSession] and
// the canonical [types.AudioSettings]. Values are opaque byte slices at the
// interface level; [GetJSON] and [SetJSON] provide the typed serialisation
// used by callers. Backends live in sub-packages (memstore, postgres).
package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// Well-known keys.
const (
	KeyUserSession   = "user_session"
	KeyAudioSettings = "audio_settings"
)

// Store is a durable key-value store. Implementations must be safe for
// concurrent use.
type Store interface {
	// Get returns the value stored under key. ok is false when the key is
	// absent; err is non-nil only for backend failures.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)

	// Set stores value under key, replacing any existing value.
	Set(ctx context.Context, key string, value []byte) error

	// Remove deletes key. Removing an absent key is not an error.
	Remove(ctx context.Context, key string) error

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error
}

// GetJSON loads key and decodes it into a T. ok is false when the key is
// absent.
func GetJSON[T any](ctx context.Context, s Store, key string) (v T, ok bool, err error) {
	raw, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return v, ok, err
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, false, fmt.Errorf("store: decode %q: %w", key, err)
	}
	return v, true, nil
}

// SetJSON encodes v as JSON and stores it under key.
func SetJSON[T any](ctx context.Context, s Store, key string, v T) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: encode %q: %w", key, err)
	}
	return s.Set(ctx, key, raw)
}

// Namespaced returns a Store that prefixes every key with prefix and a colon.
// It lets several processes share one backend without colliding.
func Namespaced(s Store, prefix string) Store {
	if prefix == "" {
		return s
	}
	return &namespaced{inner: s, prefix: prefix + ":"}
}

type namespaced struct {
	inner  Store
	prefix string
}

func (n *namespaced) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return n.inner.Get(ctx, n.prefix+key)
}

func (n *namespaced) Set(ctx context.Context, key string, value []byte) error {
	return n.inner.Set(ctx, n.prefix+key, value)
}

func (n *namespaced) Remove(ctx context.Context, key string) error {
	return n.inner.Remove(ctx, n.prefix+key)
}

func (n *namespaced) Ping(ctx context.Context) error { return n.inner.Ping(ctx) }
