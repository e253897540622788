package server

import (
	"sync"

	"github.com/efficientgo/core/errors"

	"github.com/airu-project/airu/compression"
	"github.com/airu-project/airu/protocol"
)

// bulkStream accumulates the raw (still compressed) bytes of one
// BulkDataStart/Chunk/End sequence. Chunks are concatenated as received
// and decompressed only once, on End -- chunk boundaries are a wire
// convenience and carry no meaning to the codec underneath.
type bulkStream struct {
	header *protocol.BulkDataHeader
	buf    []byte
}

// bulkAssembler reassembles bulk transfer streams for one session. Bulk
// streams carry data outside the URB submit/complete path -- firmware
// blobs, diagnostic dumps, anything large enough that per-packet URB
// framing overhead would dominate -- so they are not addressed to a
// device id the way a UsbSubmitUrb is.
type bulkAssembler struct {
	registry *compression.Registry

	mu      sync.Mutex
	streams map[uint64]*bulkStream
}

func newBulkAssembler(registry *compression.Registry) *bulkAssembler {
	return &bulkAssembler{registry: registry, streams: make(map[uint64]*bulkStream)}
}

func (a *bulkAssembler) start(msg *protocol.BulkDataStart) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.streams[msg.Header.StreamID]; exists {
		return errors.Newf("stream %d already open", msg.Header.StreamID)
	}
	a.streams[msg.Header.StreamID] = &bulkStream{header: msg.Header}
	return nil
}

func (a *bulkAssembler) chunk(msg *protocol.BulkDataChunk) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.streams[msg.StreamID]
	if !ok {
		return errors.Newf("chunk for unknown stream %d", msg.StreamID)
	}
	s.buf = append(s.buf, msg.Data...)
	return nil
}

// finish decompresses and returns the full payload for msg.StreamID, or
// discards the stream without error if the client reports it aborted.
func (a *bulkAssembler) finish(msg *protocol.BulkDataEnd) ([]byte, error) {
	a.mu.Lock()
	s, ok := a.streams[msg.StreamID]
	if ok {
		delete(a.streams, msg.StreamID)
	}
	a.mu.Unlock()
	if !ok {
		return nil, errors.Newf("end for unknown stream %d", msg.StreamID)
	}
	if msg.Aborted {
		return nil, nil
	}

	data, err := a.registry.Decompress(s.header.Compression, nil, s.buf)
	if err != nil {
		return nil, errors.Wrapf(err, "decompress stream %d", msg.StreamID)
	}
	if uint32(len(data)) != s.header.TotalSize {
		return nil, errors.Newf("stream %d: reassembled %d bytes, want %d", msg.StreamID, len(data), s.header.TotalSize)
	}
	return data, nil
}
