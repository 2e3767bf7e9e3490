// Package errors provides domain-specific error types for sshfwd.
//
// Every failure that crosses a package boundary carries a [Kind] so the
// tunnel state machine can tell tunnel-fatal conditions (session lookup,
// authentication, transport, bind) apart from connection-local ones
// (channel open, relay I/O) without string matching.
package errors

import (
	"errors"
	"fmt"
	"net"
)

// ── Sentinel errors ──────────────────────────────────────────────────

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrTunnelClosed    = errors.New("tunnel is closed")
	ErrNotConnected    = errors.New("not connected")
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTimeout         = errors.New("operation timed out")
	ErrAuthFailed      = errors.New("authentication failed")
	ErrHostKeyMismatch = errors.New("host key mismatch")
	ErrBindRejected    = errors.New("remote bind rejected by server")
	ErrNoRemoteBind    = errors.New("no remote bind requested")
)

// ── Kind ─────────────────────────────────────────────────────────────

// Kind classifies a failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindSessionNotFound
	KindAuthentication
	KindProtocol
	KindNetwork
	KindBind
	KindRemoteBindRejected
	KindChannelOpen
	KindRelayIO
)

func (k Kind) String() string {
	switch k {
	case KindSessionNotFound:
		return "SessionNotFound"
	case KindAuthentication:
		return "AuthenticationError"
	case KindProtocol:
		return "ProtocolError"
	case KindNetwork:
		return "NetworkError"
	case KindBind:
		return "BindError"
	case KindRemoteBindRejected:
		return "RemoteBindRejected"
	case KindChannelOpen:
		return "ChannelOpenError"
	case KindRelayIO:
		return "RelayIOError"
	default:
		return "Unknown"
	}
}

// Fatal reports whether a failure of this kind ends the owning tunnel.
// ChannelOpen and RelayIO stay local to one forwarded connection.
func (k Kind) Fatal() bool {
	switch k {
	case KindChannelOpen, KindRelayIO:
		return false
	default:
		return true
	}
}

// ── Structured error types ───────────────────────────────────────────

// Error is a classified failure.
type Error struct {
	Kind Kind
	Op   string // "resolve", "dial", "handshake", "bind", "tcpip-forward", "open", "relay", ...
	Addr string // network address or session reference involved
	Err  error
}

func (e *Error) Error() string {
	s := e.Op
	if e.Addr != "" {
		s += " " + e.Addr
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// ConfigError represents an invalid configuration value.
type ConfigError struct {
	Field   string      // config field name
	Value   interface{} // the invalid value (nil if missing)
	Message string      // human-readable explanation
	Hint    string      // suggestion for the user (optional)
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("config: --%s", e.Field)
	if e.Value != nil {
		msg += fmt.Sprintf("=%v", e.Value)
	}
	msg += ": " + e.Message
	if e.Hint != "" {
		msg += "\n  hint: " + e.Hint
	}
	return msg
}

// ── Constructors ─────────────────────────────────────────────────────

// Wrap creates a classified error. A nil err yields a nil *Error.
func Wrap(kind Kind, op, addr string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Addr: addr, Err: err}
}

// Network is shorthand for Wrap(KindNetwork, ...).
func Network(op, addr string, err error) *Error {
	return Wrap(KindNetwork, op, addr, err)
}

// ── Classification helpers ───────────────────────────────────────────

// KindOf returns the kind of the outermost classified error in err's
// chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, ErrSessionNotFound) {
		return KindSessionNotFound
	}
	return KindUnknown
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsFatal reports whether err should end the tunnel that observed it.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	return KindOf(err).Fatal()
}

// IsRetryable reports whether a caller could reasonably try the same
// operation again later. Session lookup, authentication and protocol
// failures never are.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindNetwork, KindBind, KindRemoteBindRejected:
		return true
	case KindSessionNotFound, KindAuthentication, KindProtocol:
		return false
	}
	return classifyRetryable(err)
}

// IsTemporary reports whether err represents a temporary condition
// such as a timeout or an exhausted descriptor table.
func IsTemporary(err error) bool {
	return classifyRetryable(err)
}

// IsTimeout reports whether err is a network timeout.
func IsTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// classifyRetryable inspects standard library error types.
func classifyRetryable(err error) bool {
	if err == nil {
		return false
	}
	// net.OpError with Temporary() hint
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Temporary() //nolint:staticcheck // Temporary is deprecated but still useful
	}
	// DNS errors
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.Temporary() //nolint:staticcheck
	}
	return false
}

// ── Re-exports for convenience ───────────────────────────────────────
//
// These allow callers to use sshfwd/internal/errors as a drop-in
// replacement for the standard library in common operations.

// As is [errors.As].
func As(err error, target interface{}) bool { return errors.As(err, target) }

// Is is [errors.Is].
func Is(err, target error) bool { return errors.Is(err, target) }

// New is [errors.New].
func New(text string) error { return errors.New(text) }

// Unwrap is [errors.Unwrap].
func Unwrap(err error) error { return errors.Unwrap(err) }

// Join is [errors.Join].
func Join(errs ...error) error { return errors.Join(errs...) }
