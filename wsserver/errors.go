package wsserver

import (
	"errors"
	"fmt"
)

// FailureReason tags a protocol-level decode failure with the specific kind
// of violation, so callers can choose a close status code (see closeCodeFor)
// without string-matching error text.
type FailureReason string

// Decoder failure kinds. Every malformed frame closes the connection; the
// protocol does not permit silent recovery at the frame level (spec §7).
const (
	ReasonUnknownOpcode          FailureReason = "UNKNOWN_OPCODE"
	ReasonCloseReceived          FailureReason = "CLOSE_RECEIVED"
	ReasonUnmaskedClientFrame    FailureReason = "UNMASKED_CLIENT_FRAME"
	ReasonLengthReservedBitsSet  FailureReason = "LENGTH_RESERVED_BITS_SET"
	ReasonControlFrameTooLarge   FailureReason = "CONTROL_FRAME_TOO_LARGE"
	ReasonControlFrameFragmented FailureReason = "CONTROL_FRAME_FRAGMENTED"
)

// FrameError wraps a decode-time protocol violation with its FailureReason so
// it can be mapped to a close status code and logged without re-parsing the
// error string.
type FrameError struct {
	Reason FailureReason
	msg    string
}

func (e *FrameError) Error() string {
	return "wsserver: " + e.msg
}

func newFrameError(reason FailureReason, msg string) *FrameError {
	return &FrameError{Reason: reason, msg: msg}
}

// Sentinel errors for conditions that are not tagged with a FailureReason
// (handshake failures, runtime misuse of the public API).
var (
	// ErrReservedBits describes RSV1/RSV2/RSV3 set on an inbound frame.
	// RFC 6455 Section 5.2: reserved unless an extension is negotiated, and
	// this implementation never negotiates one. readFrame reports that case
	// as a FrameError tagged ReasonLengthReservedBitsSet, not as this
	// sentinel; nothing in the package returns ErrReservedBits.
	ErrReservedBits = errors.New("wsserver: reserved bits must be zero")

	// ErrInvalidUTF8 indicates a text message whose payload is not valid
	// UTF-8 (RFC 6455 Section 8.1). Closes with status 1007.
	ErrInvalidUTF8 = errors.New("wsserver: invalid UTF-8 in text message")

	// ErrMessageTooLarge indicates a data frame payload beyond the
	// implementation's configured cap. Closes with status 1009.
	ErrMessageTooLarge = errors.New("wsserver: message too large")

	// ErrClosed indicates an operation on a connection that has already
	// sent its close frame.
	ErrClosed = errors.New("wsserver: connection closed")

	// ErrUnknownClient indicates a client_id with no matching registry entry
	// (already disconnected, or never valid).
	ErrUnknownClient = errors.New("wsserver: unknown client id")

	// ErrInvalidFrameKind indicates a send requested a continuation frame,
	// which callers may not construct directly (§4.4 send_bytes).
	ErrInvalidFrameKind = errors.New("wsserver: frame kind must be text or binary")

	// ErrUnknownHandler indicates set_handler was called with a name outside
	// {on_open, on_close, on_message, loop}.
	ErrUnknownHandler = errors.New("wsserver: unknown handler name")

	// ErrAlreadyRunning indicates Start was called on a server that already
	// has a live listener.
	ErrAlreadyRunning = errors.New("wsserver: server already running")

	// ErrNotRunning indicates Stop was called on a server with no listener.
	ErrNotRunning = errors.New("wsserver: server not running")

	// Handshake validation failures (RFC 6455 Section 4.1). These are
	// returned before any Client is registered, per spec §4.2.
	ErrHandshakeNotGET         = errors.New("wsserver: handshake method must be GET")
	ErrHandshakeHTTPVersion    = errors.New("wsserver: handshake HTTP version must be >= 1.1")
	ErrHandshakeMissingHost    = errors.New("wsserver: missing Host header")
	ErrHandshakeMissingUpgrade = errors.New("wsserver: missing or invalid Upgrade header")
	ErrHandshakeMissingConn    = errors.New("wsserver: missing or invalid Connection header")
	ErrHandshakeBadKey         = errors.New("wsserver: missing or malformed Sec-WebSocket-Key header")
	ErrHandshakeVersion        = errors.New("wsserver: unsupported Sec-WebSocket-Version")
	ErrHandshakeMalformed      = errors.New("wsserver: malformed HTTP request")
	ErrHandshakeTooLarge       = errors.New("wsserver: handshake request exceeds buffer limit")
)

// errorf builds a FailureReason-tagged error that wraps a *FrameError with
// %w, so errors.As (and reasonOf) can recover the reason.
func errorf(reason FailureReason, format string, args ...any) error {
	return fmt.Errorf("%w", newFrameError(reason, fmt.Sprintf(format, args...)))
}

// reasonOf extracts the FailureReason carried by err, if any.
func reasonOf(err error) (FailureReason, bool) {
	var fe *FrameError
	if errors.As(err, &fe) {
		return fe.Reason, true
	}
	return "", false
}
