package model

import (
	"errors"
	"fmt"
	"strings"
)

// Error categories. Every failure surfaced by the session matches exactly one
// of these with errors.Is.
var (
	// ErrTransport is a channel-level disconnect, dial failure or timeout.
	ErrTransport = errors.New("transport error")

	// ErrAuthentication is returned when the peer rejects a signature or a login.
	ErrAuthentication = errors.New("authentication error")

	// ErrIdentityInvalidated is returned when the peer no longer recognizes the
	// stored identity and the automatic re-registration also failed.
	ErrIdentityInvalidated = errors.New("identity invalidated")

	// ErrExecutionRuntime is returned when the peer reports the submitted code failed.
	ErrExecutionRuntime = errors.New("execution runtime error")

	// ErrProtocol is returned for unrecognized statuses or shapes from the peer.
	ErrProtocol = errors.New("protocol error")

	// ErrLocalPrecondition is returned when a request is rejected locally
	// without touching the channel.
	ErrLocalPrecondition = errors.New("local precondition error")
)

var (
	// ErrNotReady is returned when a request is submitted outside the state that accepts it.
	ErrNotReady = fmt.Errorf("%w: session not ready", ErrLocalPrecondition)

	// ErrBusy is returned when another request of the same kind is still pending.
	ErrBusy = fmt.Errorf("%w: another request is pending", ErrLocalPrecondition)

	// ErrClosed is returned after the session has been torn down.
	ErrClosed = fmt.Errorf("%w: session closed", ErrLocalPrecondition)

	// ErrUnknownStatus is returned for a terminal status the client does not understand.
	ErrUnknownStatus = fmt.Errorf("%w: unknown status", ErrProtocol)
)

// Error carries a peer diagnostic together with its category.
type Error struct {
	Kind    error  // one of the category sentinels above
	Op      string // event or operation that failed, e.g. "run_script"
	Status  string // peer status, if any
	Message string // peer message, forwarded verbatim
	Code    *int   // peer exit code, if any
	Err     error  // underlying cause, if any
}

// Error returns the peer message when present so callers see peer diagnostics unchanged.
func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.Error())
	if e.Status != "" {
		fmt.Fprintf(&b, " (status %q)", e.Status)
	}
	if e.Code != nil {
		fmt.Fprintf(&b, " (code %d)", *e.Code)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the category and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NewTransportError wraps a channel failure observed during op.
func NewTransportError(op string, err error) *Error {
	return &Error{Kind: ErrTransport, Op: op, Err: err}
}
