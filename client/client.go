// Package client implements the AIRU session manager: the component a
// consumer of a remote USB device links against to dial a broker, list
// and attach its published devices, and pump URB traffic for an
// attached device to and from a local kernel sink.
package client

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/airu-project/airu/compression"
	"github.com/airu-project/airu/protocol"
)

// DefaultBulkChunkSize is the chunk size SendBulkData uses when the
// caller doesn't need a different one -- small enough to keep any one
// frame well under typical socket buffer sizes.
const DefaultBulkChunkSize = 64 * 1024

// Config controls dial behavior and connection tuning.
type Config struct {
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	SkipCRCCheck bool
}

func defaultConfig() Config {
	return Config{DialTimeout: 5 * time.Second, WriteTimeout: 5 * time.Second}
}

// ProtocolError reports a response from the broker that doesn't match
// what the request expects: a sequence mismatch, an unexpected message
// kind, or a status the client doesn't know how to interpret.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return "protocol error: " + e.Reason }

// Session is one connection to a broker. A Session is safe for
// concurrent use: List/Attach/Detach share a single correlation path
// keyed by frame sequence, and each attached VirtualDevice pumps its
// own URB traffic independently once attached.
type Session struct {
	cfg    Config
	conn   net.Conn
	logger log.Logger

	writeMu sync.Mutex
	seq     atomic.Uint32

	respMu      sync.Mutex
	waiters     map[uint32]chan *protocol.Frame
	unsolicited func(*protocol.Frame)

	devicesMu sync.Mutex
	devices   map[uint32]*VirtualDevice

	registry *compression.Registry

	closeOnce sync.Once
	closed    chan struct{}
}

// Dial connects to a broker at addr and starts the session's background
// reader goroutine.
func Dial(ctx context.Context, addr string, cfg *Config, logger log.Logger) (*Session, error) {
	c := defaultConfig()
	if cfg != nil {
		c = *cfg
	}
	d := &net.Dialer{Timeout: c.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "dial broker")
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		if err := tc.SetNoDelay(true); err != nil {
			level.Warn(logger).Log("msg", "failed to set TCP_NODELAY", "err", err)
		}
	}

	registry, err := compression.NewRegistry()
	if err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "build compression registry")
	}

	s := &Session{
		cfg:      c,
		conn:     conn,
		logger:   logger,
		waiters:  make(map[uint32]chan *protocol.Frame),
		devices:  make(map[uint32]*VirtualDevice),
		registry: registry,
		closed:   make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// SendBulkData compresses data with tag and streams it to the broker as
// a BulkDataStart/Chunk/End sequence, chunked at chunkSize (the
// DefaultBulkChunkSize constant if chunkSize is 0). Use this instead of
// Submit for payloads large enough that per-packet URB framing overhead
// would dominate, such as a firmware image or diagnostic dump that
// isn't itself addressed to a device endpoint.
func (s *Session) SendBulkData(streamID uint64, data []byte, tag protocol.CompressionTag, chunkSize int) error {
	if chunkSize <= 0 {
		chunkSize = DefaultBulkChunkSize
	}
	compressed, err := s.registry.Compress(tag, data)
	if err != nil {
		return errors.Wrap(err, "compress bulk payload")
	}

	start := &protocol.BulkDataStart{Header: &protocol.BulkDataHeader{
		StreamID: streamID, TotalSize: uint32(len(data)), ChunkSize: uint32(chunkSize), Compression: tag,
	}}
	if err := s.send(protocol.KindBulkDataStart, start.Marshal()); err != nil {
		return errors.Wrap(err, "send bulk start")
	}

	for offset := 0; offset < len(compressed); offset += chunkSize {
		end := offset + chunkSize
		if end > len(compressed) {
			end = len(compressed)
		}
		chunk := &protocol.BulkDataChunk{StreamID: streamID, Offset: uint32(offset), Data: compressed[offset:end]}
		if err := s.send(protocol.KindBulkDataChunk, chunk.Marshal()); err != nil {
			return errors.Wrap(err, "send bulk chunk")
		}
	}

	end := &protocol.BulkDataEnd{StreamID: streamID}
	if err := s.send(protocol.KindBulkDataEnd, end.Marshal()); err != nil {
		return errors.Wrap(err, "send bulk end")
	}
	return nil
}

// SetUnsolicitedHandler registers a callback for frames that arrive
// without a matching waiter -- in practice, UsbCompleteUrb frames for
// URBs a VirtualDevice submitted asynchronously.
func (s *Session) SetUnsolicitedHandler(f func(*protocol.Frame)) {
	s.respMu.Lock()
	s.unsolicited = f
	s.respMu.Unlock()
}

func (s *Session) nextSequence() uint32 { return s.seq.Add(1) }

func (s *Session) readLoop() {
	dec := protocol.NewDecoder(s.conn, s.cfg.SkipCRCCheck)
	for {
		f, err := dec.Decode()
		if err != nil {
			level.Debug(s.logger).Log("msg", "session reader stopped", "err", err)
			s.failAllWaiters()
			return
		}

		s.respMu.Lock()
		ch, ok := s.waiters[f.Sequence]
		if ok {
			delete(s.waiters, f.Sequence)
		}
		handler := s.unsolicited
		s.respMu.Unlock()

		if ok {
			ch <- f
			continue
		}
		if handler != nil {
			handler(f)
		}
	}
}

func (s *Session) failAllWaiters() {
	s.respMu.Lock()
	for seq, ch := range s.waiters {
		close(ch)
		delete(s.waiters, seq)
	}
	s.respMu.Unlock()
}

// request writes req and blocks for the matching response frame,
// correlated by sequence number the way every request/response pair in
// this protocol is.
func (s *Session) request(ctx context.Context, kind protocol.MessageKind, payload []byte) (*protocol.Frame, error) {
	seq := s.nextSequence()
	ch := make(chan *protocol.Frame, 1)

	s.respMu.Lock()
	s.waiters[seq] = ch
	s.respMu.Unlock()

	s.writeMu.Lock()
	if s.cfg.WriteTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	}
	err := protocol.WriteFrame(s.conn, &protocol.Frame{Type: kind, Sequence: seq, Payload: payload})
	s.writeMu.Unlock()
	if err != nil {
		s.respMu.Lock()
		delete(s.waiters, seq)
		s.respMu.Unlock()
		return nil, errors.Wrap(err, "write request")
	}

	select {
	case f, ok := <-ch:
		if !ok {
			return nil, &ProtocolError{Reason: "connection closed while awaiting response"}
		}
		return f, nil
	case <-ctx.Done():
		s.respMu.Lock()
		delete(s.waiters, seq)
		s.respMu.Unlock()
		return nil, ctx.Err()
	case <-s.closed:
		return nil, &ProtocolError{Reason: "session closed"}
	}
}

// send writes a message that expects no correlated response, such as a
// fire-and-forget UsbUnlinkUrb.
func (s *Session) send(kind protocol.MessageKind, payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.cfg.WriteTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	}
	return protocol.WriteFrame(s.conn, &protocol.Frame{Type: kind, Payload: payload})
}

// List asks the broker for every device it currently publishes.
func (s *Session) List(ctx context.Context) ([]*protocol.DeviceDescriptor, error) {
	f, err := s.request(ctx, protocol.KindDeviceListRequest, nil)
	if err != nil {
		return nil, err
	}
	msg, err := protocol.Unmarshal(f.Type, f.Payload)
	if err != nil {
		return nil, err
	}
	resp, ok := msg.(*protocol.DeviceListResponse)
	if !ok {
		return nil, &ProtocolError{Reason: "unexpected response kind for device list"}
	}
	return resp.Devices, nil
}

// Attach claims the device identified by busid and returns a
// VirtualDevice representing it, ready to pump URB traffic. The wire
// protocol attaches by device_id, not busid, so Attach first lists the
// broker's inventory to resolve busid to the device_id and descriptor
// it will need regardless -- the attach response itself carries only
// a bare success flag.
func (s *Session) Attach(ctx context.Context, busid string) (*VirtualDevice, error) {
	devices, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	var desc *protocol.DeviceDescriptor
	for _, d := range devices {
		if d.Busid() == busid {
			desc = d
			break
		}
	}
	if desc == nil {
		return nil, &ProtocolError{Reason: "no such device: " + busid}
	}

	req := &protocol.DeviceAttachRequest{DeviceID: desc.DeviceID}
	f, err := s.request(ctx, protocol.KindDeviceAttachRequest, req.Marshal())
	if err != nil {
		return nil, err
	}
	msg, err := protocol.Unmarshal(f.Type, f.Payload)
	if err != nil {
		return nil, err
	}
	resp, ok := msg.(*protocol.DeviceAttachResponse)
	if !ok {
		return nil, &ProtocolError{Reason: "unexpected response kind for attach"}
	}
	if !resp.Success {
		return nil, &ProtocolError{Reason: "attach rejected by broker"}
	}

	vd := newVirtualDevice(s, desc.DeviceID, desc)
	s.registerDevice(vd)
	return vd, nil
}

// Detach releases deviceID back to the broker's inventory.
func (s *Session) Detach(ctx context.Context, deviceID uint32) error {
	req := &protocol.DeviceDetachRequest{DeviceID: deviceID}
	f, err := s.request(ctx, protocol.KindDeviceDetachRequest, req.Marshal())
	if err != nil {
		return err
	}
	msg, err := protocol.Unmarshal(f.Type, f.Payload)
	if err != nil {
		return err
	}
	resp, ok := msg.(*protocol.DeviceDetachResponse)
	if !ok {
		return &ProtocolError{Reason: "unexpected response kind for detach"}
	}
	if !resp.Success {
		return &StateError{Reason: "detach rejected by broker"}
	}
	s.unregisterDevice(deviceID)
	return nil
}

// StateError mirrors the server-side type of the same name: a request
// that is well-formed but inconsistent with what the client believes
// it owns.
type StateError struct {
	Reason string
}

func (e *StateError) Error() string { return "state error: " + e.Reason }

// Close detaches every attached device and closes the underlying
// connection.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, vd := range s.allDevices() {
			_ = s.Detach(ctx, vd.deviceID)
		}
		close(s.closed)
		err = s.conn.Close()
	})
	return err
}
