package server

import (
	"testing"

	"github.com/airu-project/airu/compression"
	"github.com/airu-project/airu/protocol"
)

func TestBulkAssemblerRoundTrip(t *testing.T) {
	registry, err := compression.NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	a := newBulkAssembler(registry)

	original := []byte("the quick brown fox jumps over the lazy dog, repeated for good measure")
	compressed, err := registry.Compress(protocol.CompressionLZ4, original)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}

	start := &protocol.BulkDataStart{Header: &protocol.BulkDataHeader{
		StreamID: 42, TotalSize: uint32(len(original)), Compression: protocol.CompressionLZ4,
	}}
	if err := a.start(start); err != nil {
		t.Fatalf("start: %v", err)
	}

	mid := len(compressed) / 2
	if err := a.chunk(&protocol.BulkDataChunk{StreamID: 42, Offset: 0, Data: compressed[:mid]}); err != nil {
		t.Fatalf("chunk 1: %v", err)
	}
	if err := a.chunk(&protocol.BulkDataChunk{StreamID: 42, Offset: uint32(mid), Data: compressed[mid:]}); err != nil {
		t.Fatalf("chunk 2: %v", err)
	}

	got, err := a.finish(&protocol.BulkDataEnd{StreamID: 42})
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if string(got) != string(original) {
		t.Fatalf("reassembled = %q, want %q", got, original)
	}
}

func TestBulkAssemblerUnknownStream(t *testing.T) {
	registry, err := compression.NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	a := newBulkAssembler(registry)

	if err := a.chunk(&protocol.BulkDataChunk{StreamID: 1}); err == nil {
		t.Fatal("expected error for chunk on unknown stream")
	}
	if _, err := a.finish(&protocol.BulkDataEnd{StreamID: 1}); err == nil {
		t.Fatal("expected error for end on unknown stream")
	}
}

func TestBulkAssemblerAborted(t *testing.T) {
	registry, err := compression.NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	a := newBulkAssembler(registry)

	if err := a.start(&protocol.BulkDataStart{Header: &protocol.BulkDataHeader{StreamID: 7}}); err != nil {
		t.Fatalf("start: %v", err)
	}
	data, err := a.finish(&protocol.BulkDataEnd{StreamID: 7, Aborted: true})
	if err != nil {
		t.Fatalf("finish aborted: %v", err)
	}
	if data != nil {
		t.Fatalf("expected nil data for aborted stream, got %d bytes", len(data))
	}
}
