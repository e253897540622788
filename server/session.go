package server

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/airu-project/airu/backend"
	"github.com/airu-project/airu/compression"
	"github.com/airu-project/airu/protocol"
)

// urbContext records one submitted URB from handleSubmit until its
// endpoint worker runs it, so that an unlink arriving in between can
// drop it. The broker's pending table keys these by urb_id alone.
type urbContext struct {
	sessionID uint32
	deviceID  uint32
	urbID     uint64
	endpoint  uint8
	direction protocol.Direction
}

// ClientSession is one attached client's state: the devices it has
// claimed from the inventory and the connection it exchanges frames
// over. Writes to conn are serialized by writeMu, mirroring the
// single-mutex-around-the-socket pattern used for USBIP response
// writes; reads happen only on the session's own reader goroutine.
type ClientSession struct {
	id     uint32
	conn   net.Conn
	logger log.Logger

	writeMu sync.Mutex
	enc     func(*protocol.Frame) error

	mu      sync.Mutex
	devices map[uint32]*DeviceHandle
	closed  bool

	sequence atomic.Uint32
	bulk     *bulkAssembler
}

func newClientSession(id uint32, conn net.Conn, logger log.Logger, registry *compression.Registry) *ClientSession {
	return &ClientSession{
		id:      id,
		conn:    conn,
		logger:  logger,
		devices: make(map[uint32]*DeviceHandle),
		bulk:    newBulkAssembler(registry),
	}
}

func (s *ClientSession) send(f *protocol.Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return protocol.WriteFrame(s.conn, f)
}

func (s *ClientSession) nextSequence() uint32 {
	return s.sequence.Add(1)
}

// attachDevice records that this session now owns handle, keyed by its
// inventory id.
func (s *ClientSession) attachDevice(handle *DeviceHandle) {
	s.mu.Lock()
	s.devices[handle.ID] = handle
	s.mu.Unlock()
}

func (s *ClientSession) lookupDevice(id uint32) (*DeviceHandle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.devices[id]
	return h, ok
}

func (s *ClientSession) detachDevice(id uint32) (*DeviceHandle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.devices[id]
	if ok {
		delete(s.devices, id)
	}
	return h, ok
}

// ownedDevices returns every device currently attached to this session,
// used by the broker to release them back to the inventory on
// disconnect.
func (s *ClientSession) ownedDevices() []*DeviceHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*DeviceHandle, 0, len(s.devices))
	for _, h := range s.devices {
		out = append(out, h)
	}
	return out
}

func (s *ClientSession) markClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	return true
}

// handleFrame dispatches one decoded client frame against this session
// and the shared broker state, writing whatever response (if any) the
// request produces.
func (s *ClientSession) handleFrame(ctx context.Context, b *Broker, f *protocol.Frame) error {
	msg, err := protocol.Unmarshal(f.Type, f.Payload)
	if err != nil {
		return s.send(&protocol.Frame{Type: protocol.KindError, Sequence: f.Sequence, Payload: (&protocol.ErrorMessage{Text: err.Error()}).Marshal()})
	}

	switch req := msg.(type) {
	case *protocol.DeviceListRequest:
		resp := &protocol.DeviceListResponse{Devices: b.inventory.List()}
		return s.send(&protocol.Frame{Type: protocol.KindDeviceListResponse, Sequence: f.Sequence, Payload: resp.Marshal()})

	case *protocol.DeviceAttachRequest:
		return s.handleAttach(b, f.Sequence, req)

	case *protocol.DeviceDetachRequest:
		return s.handleDetach(b, f.Sequence, req)

	case *protocol.UsbSubmitUrb:
		return s.handleSubmit(ctx, b, req)

	case *protocol.UsbUnlinkUrb:
		return s.handleUnlink(b, f.Sequence, req)

	case *protocol.BulkDataStart:
		if err := s.bulk.start(req); err != nil {
			return s.send(&protocol.Frame{Type: protocol.KindError, Sequence: f.Sequence, Payload: (&protocol.ErrorMessage{Text: err.Error()}).Marshal()})
		}
		return nil

	case *protocol.BulkDataChunk:
		if err := s.bulk.chunk(req); err != nil {
			return s.send(&protocol.Frame{Type: protocol.KindError, Sequence: f.Sequence, Payload: (&protocol.ErrorMessage{Text: err.Error()}).Marshal()})
		}
		return nil

	case *protocol.BulkDataEnd:
		return s.handleBulkEnd(b, f.Sequence, req)

	default:
		level.Warn(s.logger).Log("msg", "unexpected message kind from client", "kind", f.Type.String())
		return nil
	}
}

func (s *ClientSession) handleAttach(b *Broker, seq uint32, req *protocol.DeviceAttachRequest) error {
	handle, err := b.inventory.Claim(req.DeviceID, s.id)
	if err != nil {
		b.metrics.attachFailures.Inc()
		resp := &protocol.DeviceAttachResponse{Success: false}
		return s.send(&protocol.Frame{Type: protocol.KindDeviceAttachResp, Sequence: seq, Payload: resp.Marshal()})
	}
	_, already := s.lookupDevice(handle.ID)
	s.attachDevice(handle)
	if !already {
		b.metrics.attachedDevices.Inc()
	}
	resp := &protocol.DeviceAttachResponse{Success: true}
	return s.send(&protocol.Frame{Type: protocol.KindDeviceAttachResp, Sequence: seq, Payload: resp.Marshal()})
}

// handleDetach always reports success once the request is well-formed:
// detaching an id this session doesn't own is treated as an idempotent
// no-op rather than an error, per the detach contract.
func (s *ClientSession) handleDetach(b *Broker, seq uint32, req *protocol.DeviceDetachRequest) error {
	handle, ok := s.detachDevice(req.DeviceID)
	if !ok {
		resp := &protocol.DeviceDetachResponse{Success: true}
		return s.send(&protocol.Frame{Type: protocol.KindDeviceDetachResp, Sequence: seq, Payload: resp.Marshal()})
	}
	if err := b.inventory.Release(handle, s.id); err != nil {
		resp := &protocol.DeviceDetachResponse{Success: true}
		return s.send(&protocol.Frame{Type: protocol.KindDeviceDetachResp, Sequence: seq, Payload: resp.Marshal()})
	}
	b.metrics.attachedDevices.Dec()
	resp := &protocol.DeviceDetachResponse{Success: true}
	return s.send(&protocol.Frame{Type: protocol.KindDeviceDetachResp, Sequence: seq, Payload: resp.Marshal()})
}

func (s *ClientSession) handleSubmit(ctx context.Context, b *Broker, req *protocol.UsbSubmitUrb) error {
	handle, ok := s.lookupDevice(req.Header.DeviceID)
	if !ok {
		return s.completeError(req.Header, -1)
	}

	t := &backend.Transfer{
		Endpoint:       req.Header.Endpoint,
		Type:           req.Header.Type,
		Direction:      req.Header.Direction,
		Data:           req.Data,
		TransferLength: req.Header.TransferLength,
	}

	ucx := &urbContext{sessionID: s.id, deviceID: req.Header.DeviceID, urbID: req.Header.UrbID, endpoint: req.Header.Endpoint, direction: req.Header.Direction}
	b.trackURB(ucx)

	handle.ownerMu.Lock()
	d := handle.dev
	handle.ownerMu.Unlock()

	b.endpointWorkers.submit(handle.ID, req.Header.Endpoint, func() {
		b.completeSubmit(ctx, s, d, req.Header, t)
	})

	return nil
}

func (s *ClientSession) completeError(h *protocol.UrbHeader, status int32) error {
	resp := &protocol.UsbCompleteUrb{Header: &protocol.UrbHeader{
		UrbID: h.UrbID, DeviceID: h.DeviceID, Type: h.Type, Direction: h.Direction,
		Endpoint: h.Endpoint, Status: status,
	}}
	return s.send(&protocol.Frame{Type: protocol.KindUsbCompleteUrb, Payload: resp.Marshal()})
}

func (s *ClientSession) handleUnlink(b *Broker, seq uint32, req *protocol.UsbUnlinkUrb) error {
	b.cancelURB(req.UrbID)
	return nil
}

// handleBulkEnd reassembles and decompresses a completed bulk stream and
// acknowledges it with an echoed BulkDataEnd, or an ErrorMessage if
// reassembly failed.
func (s *ClientSession) handleBulkEnd(b *Broker, seq uint32, req *protocol.BulkDataEnd) error {
	data, err := s.bulk.finish(req)
	if err != nil {
		level.Warn(s.logger).Log("msg", "bulk stream reassembly failed", "stream", req.StreamID, "err", err)
		return s.send(&protocol.Frame{Type: protocol.KindError, Sequence: seq, Payload: (&protocol.ErrorMessage{Text: err.Error()}).Marshal()})
	}
	if !req.Aborted {
		level.Info(s.logger).Log("msg", "bulk stream reassembled", "stream", req.StreamID, "bytes", len(data))
	}
	resp := &protocol.BulkDataEnd{StreamID: req.StreamID, Aborted: req.Aborted}
	return s.send(&protocol.Frame{Type: protocol.KindBulkDataEnd, Sequence: seq, Payload: resp.Marshal()})
}
