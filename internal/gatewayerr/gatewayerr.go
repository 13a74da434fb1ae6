// Package gatewayerr defines the closed set of error kinds observable to a connected client and their mapping to
// WebSocket close codes, grounded on the reference gateway's close_codes.go.
package gatewayerr

import "errors"

// Kind is the closed set of error kinds a client may observe.
type Kind string

const (
	KindInvalidFrame Kind = "InvalidFrame"
	KindAuthFailure  Kind = "AuthFailure"
	KindForbidden    Kind = "Forbidden"
	KindNotFound     Kind = "NotFound"
	KindFullChannel  Kind = "FullChannel"
	KindAlreadyMember Kind = "AlreadyMember"
	KindInternal     Kind = "InternalError"
)

// Error pairs a Kind with a human-readable message, matching the wire shape of the "error"/"loginError" frames.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string { return string(e.Kind) + ": " + e.Message }

// New constructs an *Error for the given kind and message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// As extracts the Kind and message from err if it (or something it wraps) is an *Error, falling back to
// KindInternal for anything else so every downstream failure still maps to a valid wire error.
func As(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: KindInternal, Message: "internal error"}
}

// Close codes in the 4000-4009 application range (RFC 6455 reserves 4000-4999 for private use). The reference
// gateway uses the same range for opcode-protocol failures; these values are specific to presenced's own taxonomy
// of Kind, so the numbering does not need to match the reference exactly.
const (
	CloseInvalidFrame    = 4000
	CloseAuthFailure     = 4001
	CloseForbidden       = 4002
	CloseSessionTimedOut = 4003
	CloseRateLimited     = 4004
	CloseShutdown        = 4005
)

// CloseCodeFor maps an error Kind to the WebSocket close code used when the Kind is fatal to the connection.
// Most Kinds (Forbidden, NotFound, FullChannel, AlreadyMember, InternalError) are delivered as an "error" frame
// without closing the connection; only InvalidFrame (when judged unrecoverable by the caller) and AuthFailure are
// ordinarily connection-terminating.
func CloseCodeFor(kind Kind) int {
	switch kind {
	case KindInvalidFrame:
		return CloseInvalidFrame
	case KindAuthFailure:
		return CloseAuthFailure
	case KindForbidden:
		return CloseForbidden
	default:
		return CloseInvalidFrame
	}
}
