package protocol

import (
	"bytes"
	"testing"
)

func TestSliceInputBuffer(t *testing.T) {
	in := NewSliceInputBuffer([]byte{1, 2, 3, 4, 5})
	in.Pop(2)
	if in.Available() != 3 || in.Data()[0] != 3 {
		t.Errorf("expected [3 4 5] after pop, got %v", in.Data())
	}
	in.Pop(10)
	if in.Available() != 0 {
		t.Errorf("expected empty after over-pop, got %d bytes", in.Available())
	}
}

func TestScratchOutputPatchesFrame(t *testing.T) {
	out := NewScratchOutput()
	out.Output([]byte{0xAA})
	start := out.CurPosition()
	out.Output([]byte{0, 1, 2})
	out.Update(start, byte(len(out.DataSince(start))))

	if got := out.Result(); !bytes.Equal(got, []byte{0xAA, 3, 1, 2}) {
		t.Errorf("expected patched length byte, got %v", got)
	}
	out.Update(10, 0xFF)
	if out.CurPosition() != 4 {
		t.Errorf("update past the end moved the cursor to %d", out.CurPosition())
	}

	out.Reset()
	out.Output(make([]byte, MessageMax+10))
	if out.CurPosition() != MessageMax {
		t.Errorf("expected output capped at %d, got %d", MessageMax, out.CurPosition())
	}
}

func TestStreamBuffer(t *testing.T) {
	in := NewStreamBuffer(8)
	if n := in.Write([]byte{1, 2, 3, 4, 5, 6}); n != 6 {
		t.Fatalf("expected 6 bytes taken, got %d", n)
	}
	in.Pop(4)

	// Consumed bytes are compacted so the tail fits again
	if n := in.Write([]byte{7, 8, 9, 10, 11, 12, 13}); n != 6 {
		t.Errorf("expected 6 bytes taken after compaction, got %d", n)
	}
	if got := in.Data(); !bytes.Equal(got, []byte{5, 6, 7, 8, 9, 10, 11, 12}) {
		t.Errorf("expected contiguous data, got %v", got)
	}
	if n := in.Write([]byte{0}); n != 0 {
		t.Errorf("expected full buffer to refuse data, took %d", n)
	}

	in.Pop(100)
	if in.Available() != 0 {
		t.Errorf("expected empty buffer, got %d bytes", in.Available())
	}
	in.Write([]byte{1})
	in.Reset()
	if in.Available() != 0 {
		t.Errorf("expected empty after reset, got %d bytes", in.Available())
	}
}
