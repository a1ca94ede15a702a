// Package rtcerr defines the error taxonomy shared by the negotiation core.
//
// Description and protocol errors always propagate to the caller. Gathering
// timeouts and single check failures are recovered locally and only surface
// inside a SessionFailedError when nothing else is left to try.
package rtcerr

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrSessionClosed is returned by session operations after Close.
var ErrSessionClosed = errors.New("session closed")

// MalformedDescriptionError reports a description missing mandatory fields
// or carrying values that cannot be negotiated.
type MalformedDescriptionError struct {
	Field  string
	Reason string
}

func (e *MalformedDescriptionError) Error() string {
	return fmt.Sprintf("malformed description: %s: %s", e.Field, e.Reason)
}

// StateConflictError reports an operation that is invalid in the current
// negotiation or session state. It is never retried.
type StateConflictError struct {
	Op    string
	State string
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("%s not allowed in state %s", e.Op, e.State)
}

// GatheringTimeoutError reports a STUN/TURN server that did not answer in
// time. Gathering continues with the remaining servers.
type GatheringTimeoutError struct {
	Server  string
	Timeout time.Duration
	Err     error
}

func (e *GatheringTimeoutError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("gathering from %s failed after %v: %v", e.Server, e.Timeout, e.Err)
	}
	return fmt.Sprintf("gathering from %s timed out after %v", e.Server, e.Timeout)
}

func (e *GatheringTimeoutError) Unwrap() error { return e.Err }

// CheckFailure reports one failed connectivity check.
type CheckFailure struct {
	Pair string
	Err  error
}

func (e *CheckFailure) Error() string {
	return fmt.Sprintf("connectivity check %s failed: %v", e.Pair, e.Err)
}

func (e *CheckFailure) Unwrap() error { return e.Err }

// ProtocolDecodeError reports an inbound signaling message that could not
// be parsed.
type ProtocolDecodeError struct {
	Reason string
	Err    error
}

func (e *ProtocolDecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("signaling decode: %s: %v", e.Reason, e.Err)
	}
	return "signaling decode: " + e.Reason
}

func (e *ProtocolDecodeError) Unwrap() error { return e.Err }

// Attempt records the outcome of one candidate pair.
type Attempt struct {
	Pair     string
	Priority uint64
	State    string
	Err      error
}

// SessionFailedError is terminal: every pair is exhausted or the session was
// aborted. Attempts lists each pair the session tried.
type SessionFailedError struct {
	Reason   string
	Attempts []Attempt
}

func (e *SessionFailedError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "session failed: %s", e.Reason)
	if len(e.Attempts) > 0 {
		fmt.Fprintf(&b, " (%d pair attempts)", len(e.Attempts))
	}
	return b.String()
}
