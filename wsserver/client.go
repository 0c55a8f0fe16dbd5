package wsserver

import (
	"bufio"
	"bytes"
	"errors"
	"net"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
)

// Client is one accepted, handshake-completed WebSocket connection (spec §3).
// It owns the socket and the per-connection reassembly state; all mutation
// of shared registry state lives on Server instead.
type Client struct {
	id   uint64
	conn net.Conn

	reader *bufio.Reader

	// writeMu serializes frame writes so two goroutines calling SendBytes
	// and the read loop's automatic pong/close replies never interleave
	// bytes of two frames on the wire.
	writeMu sync.Mutex
	writer  *bufio.Writer

	// data is the scratch space supplemented by spec §12: callbacks can
	// stash per-connection application state (nickname, room, ...) without
	// the library needing to know its shape.
	data sync.Map

	closeOnce sync.Once
	closed    chan struct{}

	// fragment reassembly state, touched only by the read loop goroutine.
	inFragment   bool
	fragmentType byte
	fragmentBuf  bytes.Buffer

	// maxMessageSize mirrors Config.MaxMessageSize; zero means unbounded
	// beyond the package's internal per-frame ceiling.
	maxMessageSize int64
}

// ID returns the client's random connection identifier (spec §3).
func (c *Client) ID() uint64 { return c.id }

// RemoteAddr returns the client's TCP address (spec §12 supplement).
func (c *Client) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// LocalAddr returns the server-side TCP address this connection was
// accepted on (spec §12 supplement).
func (c *Client) LocalAddr() net.Addr { return c.conn.LocalAddr() }

// Set stores a value in the connection's scratch space (spec §12).
func (c *Client) Set(key string, value any) { c.data.Store(key, value) }

// Get returns the value stored under key, or nil if absent (spec §12).
func (c *Client) Get(key string) any {
	v, _ := c.data.Load(key)
	return v
}

// GetOK returns the value stored under key and whether it was present
// (spec §12).
func (c *Client) GetOK(key string) (any, bool) { return c.data.Load(key) }

// isClosed reports whether this side has already sent its close frame
// (either initiating the close or answering the peer's).
func (c *Client) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// writeControl sends a control frame (close/ping/pong) as a single FIN=1
// frame, since control frames are never fragmented.
func (c *Client) writeControl(opcode byte, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return writeFrame(c.writer, opcode, true, payload)
}

// writeData sends one complete data message as a single unfragmented frame.
// This server never fragments its own output (spec §4.4 send_bytes sends
// FIN=1 frames); fragmentation is only ever reassembled on the inbound side.
func (c *Client) writeData(opcode byte, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return writeFrame(c.writer, opcode, true, payload)
}

// encodeCloseBody builds the 2-byte status-code payload RFC 6455 Section
// 5.5.1 specifies for a close frame that carries a reason.
func encodeCloseBody(code CloseCode, reason string) []byte {
	body := make([]byte, 2, 2+len(reason))
	body[0] = byte(code >> 8)
	body[1] = byte(code)
	return append(body, reason...)
}

// sendClose writes a close frame and marks the connection closed. It does
// not itself close the TCP socket — the read loop's caller does that once
// it observes sendClose was called, so a final flush has a chance to reach
// the peer first.
func (c *Client) sendClose(code CloseCode, reason string) {
	c.closeOnce.Do(func() {
		close(c.closed)
		if err := c.writeControl(opcodeClose, encodeCloseBody(code, reason)); err != nil {
			log.Debug().Err(err).Uint64("client_id", c.id).Msg("write close frame failed")
		}
	})
}

// runReadLoop is the per-client worker (spec §4.3): it blocks on readFrame
// until the peer sends data, misbehaves, or disconnects. It returns once the
// connection is done, with the CloseCode that should be logged.
//
// The single blocking read is this goroutine's only suspension point, per
// spec §5 — there is no separate poller or timer driving this loop.
func (c *Client) runReadLoop(srv *Server) (CloseCode, string) {
	for {
		f, err := readFrame(c.reader)
		if err != nil {
			if reason, ok := reasonOf(err); ok {
				if reason == ReasonCloseReceived {
					return c.handlePeerClose(f)
				}
				code := closeCodeFor(reason)
				c.sendClose(code, string(reason))
				return code, string(reason)
			}
			if isOversizeErr(err) {
				c.sendClose(CloseMessageTooBig, "message too large")
				return CloseMessageTooBig, err.Error()
			}
			return CloseAbnormalClosure, err.Error()
		}

		switch f.opcode {
		case opcodePing:
			if err := c.writeControl(opcodePong, f.payload); err != nil {
				return CloseAbnormalClosure, "pong write failed"
			}
			continue

		case opcodePong:
			// Pongs are ignored: there is no liveness or RTT tracking.
			continue

		case opcodeText, opcodeBinary, opcodeContinuation:
			msg, done, err := c.reassemble(f)
			if err != nil {
				code := closeCodeForReassembleErr(err)
				c.sendClose(code, err.Error())
				return code, err.Error()
			}
			if !done {
				continue
			}
			srv.dispatchMessage(c, msg)
		}
	}
}

func isOversizeErr(err error) bool {
	return errors.Is(err, ErrMessageTooLarge)
}

// closeCodeForReassembleErr picks the close status code for an error
// returned by reassemble/finishMessage (spec §4.3's reassembly table, §6):
// a tagged protocol violation (bad fragmentation discipline) maps through
// closeCodeFor like the decoder path does, oversize messages get 1009, and
// anything else (namely invalid UTF-8) falls back to 1007.
func closeCodeForReassembleErr(err error) CloseCode {
	if reason, ok := reasonOf(err); ok {
		return closeCodeFor(reason)
	}
	if isOversizeErr(err) {
		return CloseMessageTooBig
	}
	return CloseInvalidPayload
}

// handlePeerClose completes the closing handshake after the peer initiates
// it (RFC 6455 Section 7.1.5): this server echoes the same status code back
// rather than composing its own, matching the common "respond in kind"
// behavior of well-behaved peers.
func (c *Client) handlePeerClose(f *frame) (CloseCode, string) {
	code := CloseNoStatusReceived
	reason := ""
	if len(f.payload) >= 2 {
		code = CloseCode(uint16(f.payload[0])<<8 | uint16(f.payload[1]))
		reason = string(f.payload[2:])
	}
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.writeControl(opcodeClose, f.payload)
	})
	return code, reason
}

// reassemble folds f into the in-progress fragmented message, if any, and
// reports the logical Message plus whether it is now complete (RFC 6455
// Section 5.4). A lone FIN=1 data frame is a one-frame message; FIN=0
// starts a run of continuation frames terminated by a FIN=1 continuation.
func (c *Client) reassemble(f *frame) (Message, bool, error) {
	limit := int64(maxFramePayload)
	if c.maxMessageSize > 0 && c.maxMessageSize < limit {
		limit = c.maxMessageSize
	}

	if f.opcode != opcodeContinuation {
		if c.inFragment {
			return Message{}, false, errorf(ReasonControlFrameFragmented, "new data frame while a fragmented message is in progress")
		}
		if int64(len(f.payload)) > limit {
			return Message{}, false, ErrMessageTooLarge
		}
		if f.fin {
			return c.finishMessage(f.opcode, f.payload)
		}
		c.inFragment = true
		c.fragmentType = f.opcode
		c.fragmentBuf.Reset()
		c.fragmentBuf.Write(f.payload)
		return Message{}, false, nil
	}

	if !c.inFragment {
		return Message{}, false, errorf(ReasonControlFrameFragmented, "continuation frame with no fragmented message in progress")
	}

	if int64(c.fragmentBuf.Len()+len(f.payload)) > limit {
		return Message{}, false, ErrMessageTooLarge
	}
	c.fragmentBuf.Write(f.payload)

	if !f.fin {
		return Message{}, false, nil
	}

	payload := append([]byte(nil), c.fragmentBuf.Bytes()...)
	msgType := c.fragmentType
	c.inFragment = false
	c.fragmentType = 0
	c.fragmentBuf.Reset()
	return c.finishMessage(msgType, payload)
}

// finishMessage validates a complete message's payload and wraps it as the
// value handed to OnMessage (spec §6: invalid UTF-8 in a text message closes
// with 1007 rather than being delivered).
func (c *Client) finishMessage(opcode byte, payload []byte) (Message, bool, error) {
	kind := BinaryFrame
	if opcode == opcodeText {
		kind = TextFrame
		if !utf8.Valid(payload) {
			return Message{}, false, ErrInvalidUTF8
		}
	}
	return Message{Type: kind, Data: payload}, true, nil
}

// closeIdle is used by Server.Stop to drive a server-initiated close
// handshake (spec §12: going-away shutdown) rather than an abrupt socket
// close.
func (c *Client) closeIdle(code CloseCode, reason string) {
	c.sendClose(code, reason)
	_ = c.conn.SetReadDeadline(time.Now().Add(closeDrainTimeout))
}

// closeDrainTimeout is the read deadline closeIdle sets after sending the
// close frame: it bounds how long a client's read loop waits for the peer's
// reply, and so how long Stop waits for that loop to exit.
const closeDrainTimeout = 2 * time.Second
