package wsserver

import "testing"

func TestFrameKind_String(t *testing.T) {
	cases := map[FrameKind]string{
		TextFrame:    "text",
		BinaryFrame:  "binary",
		FrameKind(0): "unknown",
	}
	for kind, want := range cases {
		if got := kind.String(); got != want {
			t.Errorf("FrameKind(%d).String() = %q, want %q", kind, got, want)
		}
	}
}

func TestFrameKind_Opcode(t *testing.T) {
	if got := TextFrame.opcode(); got != opcodeText {
		t.Errorf("TextFrame.opcode() = 0x%X, want 0x%X", got, opcodeText)
	}
	if got := BinaryFrame.opcode(); got != opcodeBinary {
		t.Errorf("BinaryFrame.opcode() = 0x%X, want 0x%X", got, opcodeBinary)
	}
}

func TestCloseCodeFor(t *testing.T) {
	reasons := []FailureReason{
		ReasonUnmaskedClientFrame,
		ReasonLengthReservedBitsSet,
		ReasonControlFrameTooLarge,
		ReasonControlFrameFragmented,
		ReasonUnknownOpcode,
	}
	for _, r := range reasons {
		if got := closeCodeFor(r); got != CloseProtocolError {
			t.Errorf("closeCodeFor(%s) = %d, want %d", r, got, CloseProtocolError)
		}
	}
}
