package api

import (
	"errors"
	"fmt"
)

// Sentinel error kinds, see spec §7.
var (
	// ErrDroppedEntry means a waiter's log index was overwritten by a later
	// term; the entry will never commit in the term it was submitted under.
	ErrDroppedEntry = errors.New("raftcore: log entry was dropped before it committed")

	// ErrCommitStatusUnknown means the server lost track of an entry: it was
	// deposed while the entry was still uncommitted, or a snapshot subsumed
	// the uncommitted tail containing it.
	ErrCommitStatusUnknown = errors.New("raftcore: commit status of entry is unknown")

	// ErrStopped means the server is shutting down.
	ErrStopped = errors.New("raftcore: server is stopped")

	// ErrTimeout means a stepdown did not complete within the requested
	// logical duration.
	ErrTimeout = errors.New("raftcore: operation timed out")

	// ErrConfigError means the server configuration is invalid.
	ErrConfigError = errors.New("raftcore: invalid server configuration")

	// ErrAlreadyInProgress means a second concurrent inbound snapshot
	// application from the same source was rejected (see spec Open Questions).
	ErrAlreadyInProgress = errors.New("raftcore: snapshot application already in progress for source")

	// ErrNotReady means a read barrier could not be started because no
	// entry has committed yet in the current term.
	ErrNotReady = errors.New("raftcore: read barrier not ready")
)

// NotALeaderError redirects a caller to the last known leader, if any.
type NotALeaderError struct {
	Hint *ServerId
}

func (e *NotALeaderError) Error() string {
	if e.Hint == nil {
		return "raftcore: not a leader, no hint available"
	}
	return fmt.Sprintf("raftcore: not a leader, redirect to %s", *e.Hint)
}

// NotALeader builds a NotALeaderError, hint may be nil.
func NotALeader(hint *ServerId) error {
	return &NotALeaderError{Hint: hint}
}

func AsNotALeader(err error) (*NotALeaderError, bool) {
	var nl *NotALeaderError
	if errors.As(err, &nl) {
		return nl, true
	}
	return nil, false
}
