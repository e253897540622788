package compression

import (
	"bytes"
	"testing"

	"github.com/airu-project/airu/protocol"
)

func TestRegistryRoundTrip(t *testing.T) {
	reg, err := NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	payload := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog "), 64)

	for _, tag := range []protocol.CompressionTag{protocol.CompressionNone, protocol.CompressionLZ4, protocol.CompressionZstd} {
		compressed, err := reg.Compress(tag, payload)
		if err != nil {
			t.Fatalf("Compress(%v): %v", tag, err)
		}
		decompressed, err := reg.Decompress(tag, nil, compressed)
		if err != nil {
			t.Fatalf("Decompress(%v): %v", tag, err)
		}
		if !bytes.Equal(decompressed, payload) {
			t.Fatalf("round trip mismatch for tag %v", tag)
		}
	}
}

func TestCodecUnregistered(t *testing.T) {
	reg, err := NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if _, err := reg.Codec(protocol.CompressionTag(0xEE)); err == nil {
		t.Fatal("expected error for unregistered tag, got nil")
	}
}

func TestChooseTag(t *testing.T) {
	if got := ChooseTag(10, 1024, protocol.CompressionZstd); got != protocol.CompressionNone {
		t.Fatalf("ChooseTag small payload = %v, want CompressionNone", got)
	}
	if got := ChooseTag(4096, 1024, protocol.CompressionZstd); got != protocol.CompressionZstd {
		t.Fatalf("ChooseTag large payload = %v, want CompressionZstd", got)
	}
}
