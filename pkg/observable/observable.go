// Package observable provides the read-only, change-notifying projections the
// UI layer binds to.
//
// A [Value] holds one immutable snapshot of a state category (connection
// state, session, audio settings, …). Exactly one component owns each Value
// and is the only caller of [Value.Set]; everyone else reads via [Value.Get]
// or subscribes via [Value.Subscribe]. Every Set delivers exactly one
// notification per subscriber, after the new snapshot is in place, so an
// observer never sees a half-applied change.
package observable

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
)

// Value is a change-notifying holder for a snapshot of type T.
// The zero value is not usable; create one with [New].
//
// All methods are safe for concurrent use. Subscribers are invoked
// synchronously on the goroutine that called Set, in registration order.
// A subscriber must not call Set on the same Value.
type Value[T any] struct {
	name string

	mu      sync.RWMutex
	current T

	// notifyMu serialises notification rounds so two concurrent Sets can
	// never interleave their deliveries.
	notifyMu sync.Mutex

	subMu  sync.Mutex
	nextID uint64
	subs   []subscriber[T]
}

type subscriber[T any] struct {
	id uint64
	fn func(T)
}

// New creates a Value named name (used in logs) holding initial.
func New[T any](name string, initial T) *Value[T] {
	return &Value[T]{name: name, current: initial}
}

// Get returns the current snapshot.
func (v *Value[T]) Get() T {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.current
}

// Set replaces the snapshot and notifies every subscriber once.
func (v *Value[T]) Set(next T) {
	v.notifyMu.Lock()
	defer v.notifyMu.Unlock()

	v.mu.Lock()
	v.current = next
	v.mu.Unlock()

	v.subMu.Lock()
	subs := make([]subscriber[T], len(v.subs))
	copy(subs, v.subs)
	v.subMu.Unlock()

	for _, s := range subs {
		v.safeCall(s.fn, next)
	}
}

// Update applies fn to the current snapshot and stores the result, notifying
// subscribers once. The read-modify-write is atomic with respect to other
// Set and Update calls.
func (v *Value[T]) Update(fn func(T) T) T {
	v.notifyMu.Lock()
	defer v.notifyMu.Unlock()

	v.mu.Lock()
	next := fn(v.current)
	v.current = next
	v.mu.Unlock()

	v.subMu.Lock()
	subs := make([]subscriber[T], len(v.subs))
	copy(subs, v.subs)
	v.subMu.Unlock()

	for _, s := range subs {
		v.safeCall(s.fn, next)
	}
	return next
}

// Subscribe registers fn for change notifications and returns a function
// that removes the registration. The current snapshot is not replayed.
// Calling the returned function more than once is safe.
func (v *Value[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	v.subMu.Lock()
	v.nextID++
	id := v.nextID
	v.subs = append(v.subs, subscriber[T]{id: id, fn: fn})
	v.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			v.subMu.Lock()
			defer v.subMu.Unlock()
			for i, s := range v.subs {
				if s.id == id {
					v.subs = append(v.subs[:i], v.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Subscribers returns the number of registered subscribers.
func (v *Value[T]) Subscribers() int {
	v.subMu.Lock()
	defer v.subMu.Unlock()
	return len(v.subs)
}

// safeCall invokes fn and recovers a panicking subscriber so one faulty
// observer cannot break delivery to the others.
func (v *Value[T]) safeCall(fn func(T), val T) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("observable: subscriber panic",
				"value", v.name,
				"err", fmt.Errorf("%v", r),
				"stack", string(debug.Stack()),
			)
		}
	}()
	fn(val)
}
