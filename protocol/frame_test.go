package protocol

import (
	"bytes"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		f    *Frame
	}{
		{"empty payload", &Frame{Type: KindDeviceListRequest, Sequence: 1}},
		{"small payload", &Frame{Type: KindError, Sequence: 42, Payload: []byte("boom")}},
		{"compressed flag set", &Frame{Type: KindBulkDataChunk, Flags: FlagCompressed, Sequence: 7, Payload: []byte{1, 2, 3}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			encoded, err := Encode(tc.f)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			dec := NewDecoder(bytes.NewReader(encoded), false)
			got, err := dec.Decode()
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if got.Type != tc.f.Type || got.Flags != tc.f.Flags || got.Sequence != tc.f.Sequence {
				t.Fatalf("header mismatch: got %+v, want %+v", got, tc.f)
			}
			if !bytes.Equal(got.Payload, tc.f.Payload) {
				t.Fatalf("payload mismatch: got %v, want %v", got.Payload, tc.f.Payload)
			}
		})
	}
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	buf, err := Encode(&Frame{Type: KindDeviceListRequest})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	buf[0] ^= 0xFF
	dec := NewDecoder(bytes.NewReader(buf), false)
	if _, err := dec.Decode(); err == nil {
		t.Fatal("expected error for corrupted magic, got nil")
	}
}

func TestDecodeRejectsCRCMismatch(t *testing.T) {
	buf, err := Encode(&Frame{Type: KindError, Payload: []byte("hello")})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	buf[len(buf)-1] ^= 0xFF
	dec := NewDecoder(bytes.NewReader(buf), false)
	if _, err := dec.Decode(); err == nil {
		t.Fatal("expected error for corrupted payload, got nil")
	}
}

func TestDecodeSkipCRCCheck(t *testing.T) {
	buf, err := Encode(&Frame{Type: KindError, Payload: []byte("hello")})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	buf[len(buf)-1] ^= 0xFF
	dec := NewDecoder(bytes.NewReader(buf), true)
	if _, err := dec.Decode(); err != nil {
		t.Fatalf("unexpected error with CRC check disabled: %v", err)
	}
}

func TestDecodeRejectsOversizedLength(t *testing.T) {
	buf, err := Encode(&Frame{Type: KindError})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	// Corrupt the length field to exceed MaxPayloadSize.
	buf[8], buf[9], buf[10], buf[11] = 0xFF, 0xFF, 0xFF, 0x7F
	dec := NewDecoder(bytes.NewReader(buf), true)
	if _, err := dec.Decode(); err == nil {
		t.Fatal("expected error for oversized length, got nil")
	}
}
