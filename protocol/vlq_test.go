package protocol

import (
	"errors"
	"testing"
)

func TestVLQEncodeDecodeInt(t *testing.T) {
	testCases := []int32{0, 1, -1, 95, 96, -32, -33, 127, -128, 1000, -1000, 65535, 1000000, -1000000}

	for _, expected := range testCases {
		output := NewScratchOutput()
		EncodeVLQInt(output, expected)
		encoded := append([]byte(nil), output.Result()...)

		data := encoded
		decoded, err := DecodeVLQInt(&data)
		if err != nil {
			t.Errorf("decode %d: %v", expected, err)
			continue
		}
		if decoded != expected {
			t.Errorf("expected %d, got %d (encoded as %v)", expected, decoded, encoded)
		}
		if len(data) != 0 {
			t.Errorf("value %d: %d bytes left over", expected, len(data))
		}
	}
}

func TestVLQRegisterValues(t *testing.T) {
	testCases := []struct {
		value  uint32
		length int
	}{
		{0x00000000, 1},
		{0x00000060, 2},
		{0x00000200, 2},
		{0x0000FFFF, 3},
		{0x00FFFFFF, 4},
		{0x80000000, 5},
		{0xFFFFFF40, 2},
		{0xFDFFE008, 4},
		{0xFFFFFFFF, 1},
	}

	for _, tc := range testCases {
		output := NewScratchOutput()
		EncodeVLQUint(output, tc.value)
		data := append([]byte(nil), output.Result()...)
		if len(data) != tc.length {
			t.Errorf("0x%08X encoded in %d bytes, want %d", tc.value, len(data), tc.length)
		}
		decoded, err := DecodeVLQUint(&data)
		if err != nil {
			t.Errorf("decode 0x%08X: %v", tc.value, err)
			continue
		}
		if decoded != tc.value {
			t.Errorf("expected 0x%08X, got 0x%08X", tc.value, decoded)
		}
	}
}

func TestVLQBytes(t *testing.T) {
	testCases := [][]byte{
		{},
		{0x01, 0x02, 0x03},
		make([]byte, DMAChunk),
	}

	for i, expected := range testCases {
		output := NewScratchOutput()
		EncodeVLQBytes(output, expected)
		data := output.Result()

		decoded, err := DecodeVLQBytes(&data)
		if err != nil {
			t.Errorf("case %d: %v", i, err)
			continue
		}
		if string(decoded) != string(expected) {
			t.Errorf("case %d: got %v, want %v", i, decoded, expected)
		}
	}
}

func TestVLQString(t *testing.T) {
	output := NewScratchOutput()
	EncodeVLQString(output, Version)
	data := output.Result()

	decoded, err := DecodeVLQString(&data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded != Version {
		t.Errorf("got %q, want %q", decoded, Version)
	}
}

func TestVLQBufferTooSmall(t *testing.T) {
	data := []byte{0x80}
	if _, err := DecodeVLQInt(&data); err != ErrBufferTooSmall {
		t.Errorf("expected ErrBufferTooSmall, got %v", err)
	}

	data = []byte{0x05, 'a'}
	if _, err := DecodeVLQBytes(&data); err != ErrBufferTooSmall {
		t.Errorf("expected ErrBufferTooSmall for short bytes, got %v", err)
	}
}

func TestStatus(t *testing.T) {
	output := NewScratchOutput()
	EncodeStatus(output, nil)
	data := output.Result()
	if err := DecodeStatus(&data); err != nil {
		t.Errorf("ok status decoded as %v", err)
	}

	output.Reset()
	EncodeStatus(output, errors.New("dma busy"))
	data = output.Result()
	err := DecodeStatus(&data)
	if !errors.Is(err, ErrRemote) {
		t.Fatalf("expected ErrRemote, got %v", err)
	}
	if err.Error() != "agent reported failure: dma busy" {
		t.Errorf("unexpected message %q", err.Error())
	}
}
