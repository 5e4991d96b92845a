package proto

import (
	"bytes"
	"testing"
)

func TestAppendReplyFraming(t *testing.T) {
	payload := []byte{0xde, 0xad, 0xbe, 0xef}
	frame := AppendReply(nil, 42, -5, payload)

	if len(frame) != OutHeaderSize+len(payload) {
		t.Fatalf("expected %d byte frame, got %d", OutHeaderSize+len(payload), len(frame))
	}

	var oh OutHeader
	if err := ParseOutHeader(frame, &oh); err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if oh.Len != uint32(len(frame)) {
		t.Errorf("header length %d does not cover the frame (%d bytes)", oh.Len, len(frame))
	}
	if oh.Unique != 42 || oh.Status != -5 {
		t.Errorf("header mismatch: unique=%d status=%d", oh.Unique, oh.Status)
	}
	if !bytes.Equal(frame[OutHeaderSize:], payload) {
		t.Error("payload not carried after the header")
	}
}

func TestAppendReplyGrowsDst(t *testing.T) {
	prefix := []byte{1, 2, 3}
	frame := AppendReply(prefix, 7, 0, nil)
	if !bytes.Equal(frame[:3], prefix) {
		t.Error("existing dst bytes were clobbered")
	}
	if len(frame) != 3+OutHeaderSize {
		t.Errorf("expected %d bytes, got %d", 3+OutHeaderSize, len(frame))
	}
}

func TestAppendNotifyUsesZeroUnique(t *testing.T) {
	frame := AppendNotify(nil, NotifyReadData, make([]byte, ReadDataOutSize))

	var oh OutHeader
	if err := ParseOutHeader(frame, &oh); err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if oh.Unique != 0 {
		t.Errorf("notification frame carries unique %d, want 0", oh.Unique)
	}
	if oh.Status != NotifyReadData {
		t.Errorf("notification code %d not carried in status", oh.Status)
	}
}

func TestInHeaderRoundTrip(t *testing.T) {
	in := InHeader{
		Len:    InHeaderSize + RdwrInSize,
		Opcode: OpWrite,
		Unique: 1 << 40,
		UID:    1000,
		GID:    1000,
		PID:    4242,
	}
	buf := make([]byte, InHeaderSize)
	if err := PutInHeader(buf, &in); err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	var out InHeader
	if err := ParseInHeader(buf, &out); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if out != in {
		t.Errorf("round trip mismatch: %+v vs %+v", out, in)
	}
}

func TestShortBuffers(t *testing.T) {
	short := make([]byte, 4)

	if err := PutInHeader(short, &InHeader{}); err != ErrShortBuffer {
		t.Errorf("PutInHeader: expected ErrShortBuffer, got %v", err)
	}
	if err := ParseOutHeader(short, &OutHeader{}); err != ErrShortData {
		t.Errorf("ParseOutHeader: expected ErrShortData, got %v", err)
	}
	if err := ParseReadDataOut(short, &ReadDataOut{}); err != ErrShortData {
		t.Errorf("ParseReadDataOut: expected ErrShortData, got %v", err)
	}
	if err := PutAddOut(short, &AddOut{}); err != ErrShortBuffer {
		t.Errorf("PutAddOut: expected ErrShortBuffer, got %v", err)
	}
}

func TestOpName(t *testing.T) {
	if got := OpName(OpDiscard); got != "DISCARD" {
		t.Errorf("expected DISCARD, got %s", got)
	}
	if got := OpName(99); got != "UNKNOWN" {
		t.Errorf("expected UNKNOWN, got %s", got)
	}
}

func TestIsWrite(t *testing.T) {
	if !IsWrite(OpWrite) || !IsWrite(OpWriteSame) {
		t.Error("write opcodes not recognized")
	}
	if IsWrite(OpRead) || IsWrite(OpFlush) {
		t.Error("non-write opcode recognized as write")
	}
}
