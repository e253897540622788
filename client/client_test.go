package client

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/go-kit/log"

	"github.com/airu-project/airu/compression"
	"github.com/airu-project/airu/protocol"
)

// fakeBroker drives one end of a net.Pipe as a minimal stand-in for a
// real broker: it answers DeviceListRequest and DeviceAttachRequest
// with canned responses and echoes UsbSubmitUrb as an immediate
// UsbCompleteUrb, enough to exercise the Session/VirtualDevice
// correlation logic without a real server package instance.
func fakeBroker(t *testing.T, conn net.Conn) {
	t.Helper()
	dec := protocol.NewDecoder(conn, true)
	var bulkBuf []byte
	for {
		f, err := dec.Decode()
		if err != nil {
			return
		}
		switch f.Type {
		case protocol.KindBulkDataStart:
			bulkBuf = nil

		case protocol.KindBulkDataChunk:
			msg, err := protocol.Unmarshal(f.Type, f.Payload)
			if err != nil {
				continue
			}
			bulkBuf = append(bulkBuf, msg.(*protocol.BulkDataChunk).Data...)

		case protocol.KindBulkDataEnd:
			msg, err := protocol.Unmarshal(f.Type, f.Payload)
			if err != nil {
				continue
			}
			end := msg.(*protocol.BulkDataEnd)
			resp := &protocol.BulkDataEnd{StreamID: end.StreamID}
			protocol.WriteFrame(conn, &protocol.Frame{Type: protocol.KindBulkDataEnd, Sequence: f.Sequence, Payload: resp.Marshal()})
		case protocol.KindDeviceListRequest:
			resp := &protocol.DeviceListResponse{Devices: []*protocol.DeviceDescriptor{
				{BusNum: 1, PortNumber: 1, VendorID: 1, ProductID: 2, DeviceID: 7},
			}}
			protocol.WriteFrame(conn, &protocol.Frame{Type: protocol.KindDeviceListResponse, Sequence: f.Sequence, Payload: resp.Marshal()})

		case protocol.KindDeviceAttachRequest:
			resp := &protocol.DeviceAttachResponse{Success: true}
			protocol.WriteFrame(conn, &protocol.Frame{Type: protocol.KindDeviceAttachResp, Sequence: f.Sequence, Payload: resp.Marshal()})

		case protocol.KindDeviceDetachRequest:
			resp := &protocol.DeviceDetachResponse{Success: true}
			protocol.WriteFrame(conn, &protocol.Frame{Type: protocol.KindDeviceDetachResp, Sequence: f.Sequence, Payload: resp.Marshal()})

		case protocol.KindUsbSubmitUrb:
			msg, err := protocol.Unmarshal(f.Type, f.Payload)
			if err != nil {
				continue
			}
			submit := msg.(*protocol.UsbSubmitUrb)
			complete := &protocol.UsbCompleteUrb{
				Header: &protocol.UrbHeader{UrbID: submit.Header.UrbID, DeviceID: submit.Header.DeviceID, Status: 0},
				Data:   []byte("ack"),
			}
			protocol.WriteFrame(conn, &protocol.Frame{Type: protocol.KindUsbCompleteUrb, Payload: complete.Marshal()})
		}
	}
}

func newTestSession(t *testing.T) (*Session, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	go fakeBroker(t, server)

	registry, err := compression.NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	s := &Session{
		cfg:      Config{SkipCRCCheck: true},
		conn:     client,
		logger:   log.NewNopLogger(),
		waiters:  make(map[uint32]chan *protocol.Frame),
		devices:  make(map[uint32]*VirtualDevice),
		registry: registry,
		closed:   make(chan struct{}),
	}
	go s.readLoop()
	return s, server
}

func TestSendBulkData(t *testing.T) {
	s, server := newTestSession(t)
	defer server.Close()

	payload := make([]byte, 200_000)
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	if err := s.SendBulkData(99, payload, protocol.CompressionLZ4, 4096); err != nil {
		t.Fatalf("SendBulkData: %v", err)
	}
}

func TestSessionListAndAttach(t *testing.T) {
	s, server := newTestSession(t)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	devices, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(devices) != 1 || devices[0].Busid() != "1-1" {
		t.Fatalf("unexpected device list: %+v", devices)
	}

	vd, err := s.Attach(ctx, "1-1")
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if vd.DeviceID() != 7 {
		t.Fatalf("DeviceID() = %d, want 7", vd.DeviceID())
	}
}

func TestVirtualDeviceSubmitCompletion(t *testing.T) {
	s, server := newTestSession(t)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	vd, err := s.Attach(ctx, "1-1")
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}

	urbID, err := vd.Submit(protocol.TransferBulk, protocol.DirectionOut, 1, []byte("hello"), 5)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if urbID != 1 {
		t.Fatalf("first urb id = %d, want 1", urbID)
	}

	complete, err := vd.AwaitCompletion(ctx, urbID, time.Second)
	if err != nil {
		t.Fatalf("AwaitCompletion: %v", err)
	}
	if string(complete.Data) != "ack" {
		t.Fatalf("completion data = %q, want %q", complete.Data, "ack")
	}

	urbID2, err := vd.Submit(protocol.TransferBulk, protocol.DirectionOut, 1, []byte("world"), 5)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if urbID2 != 2 {
		t.Fatalf("second urb id = %d, want 2", urbID2)
	}
}
