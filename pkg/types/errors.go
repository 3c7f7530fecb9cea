package types

import (
	"errors"
	"fmt"
)

// Lifecycle precondition errors. They are returned synchronously, before any
// provider call, and are never retried internally.
var (
	// ErrNoActiveSession is returned when an operation needs an authenticated
	// session and none exists.
	ErrNoActiveSession = errors.New("no active session")

	// ErrDuplicateSession is returned by authenticate when a session exists.
	ErrDuplicateSession = errors.New("session already active")

	// ErrNotInRoom is returned by room operations when no room is joined.
	ErrNotInRoom = errors.New("not in a room")

	// ErrAlreadyInRoom is returned by join when a room is already joined or a
	// partial join is still outstanding.
	ErrAlreadyInRoom = errors.New("already in a room")

	// ErrInvalidVolumeConfig is wrapped by every volume config validation failure.
	ErrInvalidVolumeConfig = errors.New("invalid volume detection config")

	// ErrInvalidRole is returned when an unknown role is supplied.
	ErrInvalidRole = errors.New("invalid role")

	// ErrRoleNotPermitted is returned when the session's role may not perform
	// the requested audio action.
	ErrRoleNotPermitted = errors.New("role not permitted")
)

// Capability names the provider half a call was made against.
type Capability string

const (
	CapabilityRTC Capability = "rtc"
	CapabilityRTM Capability = "rtm"
)

// ProviderCallError reports a failed call into the RTC or RTM capability.
type ProviderCallError struct {
	Capability Capability
	Operation  string
	Err        error
}

// NewProviderCallError wraps err for the given capability and operation.
// Returns nil when err is nil.
func NewProviderCallError(c Capability, op string, err error) error {
	if err == nil {
		return nil
	}
	return &ProviderCallError{Capability: c, Operation: op, Err: err}
}

func (e *ProviderCallError) Error() string {
	return fmt.Sprintf("%s %s failed: %v", e.Capability, e.Operation, e.Err)
}

func (e *ProviderCallError) Unwrap() error { return e.Err }

// PartialJoinError reports a room join where the RTC join and the RTM channel
// join did not both succeed. Sequencing guarantees RTM is never joined
// without RTC, so in practice RTCSucceeded is true and RTMSucceeded is false.
type PartialJoinError struct {
	RTCSucceeded bool
	RTMSucceeded bool

	// RolledBack is true when the RTC join was automatically left again.
	RolledBack bool

	Err error
}

func (e *PartialJoinError) Error() string {
	msg := fmt.Sprintf("partial join (rtc=%t, rtm=%t", e.RTCSucceeded, e.RTMSucceeded)
	if e.RolledBack {
		msg += ", rolled back"
	}
	return msg + fmt.Sprintf("): %v", e.Err)
}

func (e *PartialJoinError) Unwrap() error { return e.Err }

// PersistenceError reports a failed persistent store operation. It is never
// fatal: the in-memory value stays authoritative for the running process.
type PersistenceError struct {
	Op  string
	Key string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s %q failed: %v", e.Op, e.Key, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
