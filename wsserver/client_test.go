package wsserver

import "testing"

func newTestClient() *Client {
	return &Client{closed: make(chan struct{})}
}

func TestReassemble_SingleFrameMessage(t *testing.T) {
	c := newTestClient()

	msg, done, err := c.reassemble(&frame{opcode: opcodeText, fin: true, payload: []byte("hello")})
	if err != nil {
		t.Fatalf("reassemble failed: %v", err)
	}
	if !done {
		t.Fatal("expected a single FIN=1 frame to complete the message")
	}
	if msg.Type != TextFrame || string(msg.Data) != "hello" {
		t.Errorf("unexpected message: %+v", msg)
	}
}

// TestReassemble_Fragmented checks RFC 6455 Section 5.4: a message starting
// with FIN=0 text/binary, continued by FIN=0 continuation frames, and
// closed by a FIN=1 continuation frame.
func TestReassemble_Fragmented(t *testing.T) {
	c := newTestClient()

	_, done, err := c.reassemble(&frame{opcode: opcodeText, fin: false, payload: []byte("hel")})
	if err != nil {
		t.Fatalf("reassemble failed: %v", err)
	}
	if done {
		t.Fatal("expected message to still be in progress")
	}

	_, done, err = c.reassemble(&frame{opcode: opcodeContinuation, fin: false, payload: []byte("lo ")})
	if err != nil {
		t.Fatalf("reassemble failed: %v", err)
	}
	if done {
		t.Fatal("expected message to still be in progress")
	}

	msg, done, err := c.reassemble(&frame{opcode: opcodeContinuation, fin: true, payload: []byte("world")})
	if err != nil {
		t.Fatalf("reassemble failed: %v", err)
	}
	if !done {
		t.Fatal("expected the FIN=1 continuation frame to complete the message")
	}
	if string(msg.Data) != "hello world" {
		t.Errorf("reassembled payload = %q, want %q", msg.Data, "hello world")
	}
}

// TestReassemble_NewDataFrameDuringFragmentRejected checks RFC 6455 Section
// 5.4: a new text/binary data frame may not start while a fragmented message
// is in progress, so reassemble rejects it with a tagged protocol error.
func TestReassemble_NewDataFrameDuringFragmentRejected(t *testing.T) {
	c := newTestClient()

	if _, _, err := c.reassemble(&frame{opcode: opcodeText, fin: false, payload: []byte("hel")}); err != nil {
		t.Fatalf("reassemble failed: %v", err)
	}

	_, _, err := c.reassemble(&frame{opcode: opcodeBinary, fin: true, payload: []byte("oops")})
	reason, ok := reasonOf(err)
	if !ok || reason != ReasonControlFrameFragmented {
		t.Fatalf("expected a tagged protocol error for an interleaved data frame, got %v", err)
	}

	// spec §4.3/§6: "data while already in_progress" closes with 1002.
	if code := closeCodeForReassembleErr(err); code != CloseProtocolError {
		t.Errorf("closeCodeForReassembleErr(%v) = %d, want %d", err, code, CloseProtocolError)
	}
}

// TestReassemble_ContinuationWithoutStart checks spec §4.3/§6: "continuation
// while empty" is tagged and closes with 1002, same as the interleaved-data
// case above.
func TestReassemble_ContinuationWithoutStart(t *testing.T) {
	c := newTestClient()

	_, _, err := c.reassemble(&frame{opcode: opcodeContinuation, fin: true, payload: []byte("x")})
	reason, ok := reasonOf(err)
	if !ok || reason != ReasonControlFrameFragmented {
		t.Fatalf("expected a tagged protocol error for a stray continuation frame, got %v", err)
	}
	if code := closeCodeForReassembleErr(err); code != CloseProtocolError {
		t.Errorf("closeCodeForReassembleErr(%v) = %d, want %d", err, code, CloseProtocolError)
	}
}

// TestFinishMessage_InvalidUTF8 checks spec §6: a text message with invalid
// UTF-8 closes with status 1007 rather than being delivered.
func TestFinishMessage_InvalidUTF8(t *testing.T) {
	c := newTestClient()

	_, _, err := c.finishMessage(opcodeText, []byte{0xFF, 0xFE, 0xFD})
	if err != ErrInvalidUTF8 {
		t.Fatalf("finishMessage() = %v, want ErrInvalidUTF8", err)
	}
	if code := closeCodeForReassembleErr(err); code != CloseInvalidPayload {
		t.Errorf("closeCodeForReassembleErr(%v) = %d, want %d", err, code, CloseInvalidPayload)
	}
}

func TestFinishMessage_BinaryAllowsArbitraryBytes(t *testing.T) {
	c := newTestClient()

	payload := []byte{0xFF, 0xFE, 0xFD}
	msg, done, err := c.finishMessage(opcodeBinary, payload)
	if err != nil {
		t.Fatalf("finishMessage failed: %v", err)
	}
	if !done || msg.Type != BinaryFrame {
		t.Errorf("unexpected message: %+v", msg)
	}
}

// TestReassemble_MessageTooLarge checks that a configured MaxMessageSize
// closes with 1009 once the reassembled total would exceed it.
func TestReassemble_MessageTooLarge(t *testing.T) {
	c := newTestClient()
	c.maxMessageSize = 4

	if _, _, err := c.reassemble(&frame{opcode: opcodeText, fin: false, payload: []byte("ab")}); err != nil {
		t.Fatalf("reassemble failed: %v", err)
	}

	_, _, err := c.reassemble(&frame{opcode: opcodeContinuation, fin: true, payload: []byte("cde")})
	if err != ErrMessageTooLarge {
		t.Fatalf("reassemble() = %v, want ErrMessageTooLarge", err)
	}
	if code := closeCodeForReassembleErr(err); code != CloseMessageTooBig {
		t.Errorf("closeCodeForReassembleErr(%v) = %d, want %d", err, code, CloseMessageTooBig)
	}
}

func TestClient_DataScratch(t *testing.T) {
	c := newTestClient()

	if v, ok := c.GetOK("nickname"); ok || v != nil {
		t.Fatalf("expected absent key, got (%v, %v)", v, ok)
	}

	c.Set("nickname", "ada")
	v, ok := c.GetOK("nickname")
	if !ok || v != "ada" {
		t.Fatalf("GetOK() = (%v, %v), want (ada, true)", v, ok)
	}
	if c.Get("nickname") != "ada" {
		t.Errorf("Get() = %v, want ada", c.Get("nickname"))
	}
}
