// Package shared provides common utilities used across the codebase.
//
//nolint:revive // "shared" is an intentional package name for cross-cutting helpers.
package shared

import (
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
)

// Error-kind sentinels for the protocol core (§7). Call sites wrap a
// concrete error with one of these via fmt.Errorf("...: %w", shared.ErrX)
// and callers classify with the IsX helpers below — the same
// wrap-and-classify idiom the teacher uses for SQLite error kinds,
// generalized from database errors to protocol errors.
var (
	// ErrReplyTimeout marks a reply that was never correlated before its
	// per-message timeout fired (§7 kind 2). Fatal to the owning protocol.
	ErrReplyTimeout = errdefs.ErrDeadlineExceeded

	// ErrConnectionClosed marks an error raised because the owning
	// transport closed out from under a pending operation (§7 kind 1).
	ErrConnectionClosed = errdefs.ErrUnavailable

	// ErrUnknownCorrelation marks a reply whose ReplyToID matched no
	// outstanding request (§7 kind 4). Recoverable; logged only.
	ErrUnknownCorrelation = errdefs.ErrNotFound

	// ErrUnknownPayloadType marks a request dispatched to no registered
	// handler (§7 kind 3). Recoverable; logged only.
	ErrUnknownPayloadType = errdefs.ErrNotImplemented

	// ErrInvariantViolation marks an attempt to reach a state the
	// invariants in §3 forbid, e.g. electing a client that isn't joined
	// (§7 kind 6). Logged; causes no state change.
	ErrInvariantViolation = errdefs.ErrFailedPrecondition
)

// WrapTimeout constructs a reply-timeout reason naming the given payload
// type, wrapping ErrReplyTimeout, matching the format expected by
// OutstandingReply rejection (§4.1: "a descriptive reason containing the
// payload type").
func WrapTimeout(payloadType string) error {
	return fmt.Errorf("reply to %q timed out: %w", payloadType, ErrReplyTimeout)
}

// WrapConnectionClosed returns the standard "Connection closed." rejection
// reason used when a transport closes with replies still outstanding (§4.1,
// §7 kind 1).
func WrapConnectionClosed() error {
	return fmt.Errorf("Connection closed.: %w", ErrConnectionClosed) //nolint:staticcheck // wire-visible reason text
}

// IsReplyTimeout reports whether err is (or wraps) a reply timeout.
func IsReplyTimeout(err error) bool { return errors.Is(err, ErrReplyTimeout) }

// IsConnectionClosed reports whether err is (or wraps) a closed-transport
// rejection.
func IsConnectionClosed(err error) bool { return errors.Is(err, ErrConnectionClosed) }

// IsUnknownCorrelation reports whether err is (or wraps) an unmatched reply
// correlation.
func IsUnknownCorrelation(err error) bool { return errors.Is(err, ErrUnknownCorrelation) }

// IsUnknownPayloadType reports whether err is (or wraps) a dispatch miss.
func IsUnknownPayloadType(err error) bool { return errors.Is(err, ErrUnknownPayloadType) }

// IsInvariantViolation reports whether err is (or wraps) an invariant
// violation.
func IsInvariantViolation(err error) bool { return errors.Is(err, ErrInvariantViolation) }
