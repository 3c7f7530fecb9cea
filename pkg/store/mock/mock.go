// Package mock provides an in-memory [store.Store] test double with error
// injection and call recording.
//
// Unlike memstore, the mock lets tests fail individual operations and inspect
// which keys were touched:
//
//	s := mock.New()
//	s.SetErr = errors.New("disk full")
//	// … exercise the system under test …
//	if s.CallCount("Set") != 1 { … }
package mock

import (
	"bytes"
	"context"
	"sync"

	"github.com/MrWong99/rtcsession/pkg/store"
)

var _ store.Store = (*Store)(nil)

// Call records one method invocation.
type Call struct {
	Method string
	Key    string
}

// Store is a mock [store.Store]. It behaves like a map unless one of the
// *Err fields is set, in which case the matching operation fails without
// touching the data.
type Store struct {
	mu    sync.Mutex
	data  map[string][]byte
	calls []Call

	GetErr    error
	SetErr    error
	RemoveErr error
	PingErr   error
}

// New returns an empty mock Store.
func New() *Store {
	return &Store{data: make(map[string][]byte)}
}

func (s *Store) record(method, key string) {
	s.calls = append(s.calls, Call{Method: method, Key: key})
}

// Get implements [store.Store].
func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("Get", key)
	if s.GetErr != nil {
		return nil, false, s.GetErr
	}
	v, ok := s.data[key]
	return bytes.Clone(v), ok, nil
}

// Set implements [store.Store].
func (s *Store) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("Set", key)
	if s.SetErr != nil {
		return s.SetErr
	}
	if s.data == nil {
		s.data = make(map[string][]byte)
	}
	s.data[key] = bytes.Clone(value)
	return nil
}

// Remove implements [store.Store].
func (s *Store) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("Remove", key)
	if s.RemoveErr != nil {
		return s.RemoveErr
	}
	delete(s.data, key)
	return nil
}

// Ping implements [store.Store].
func (s *Store) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("Ping", "")
	return s.PingErr
}

// SetErrors atomically replaces the injected errors for Get, Set and Remove.
func (s *Store) SetErrors(get, set, remove error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.GetErr, s.SetErr, s.RemoveErr = get, set, remove
}

// Raw returns the stored bytes for key without recording a call.
func (s *Store) Raw(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return bytes.Clone(v), ok
}

// Has reports whether key is present without recording a call.
func (s *Store) Has(key string) bool {
	_, ok := s.Raw(key)
	return ok
}

// CallCount returns how many times method was invoked.
func (s *Store) CallCount(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Calls returns a copy of all recorded calls.
func (s *Store) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}
