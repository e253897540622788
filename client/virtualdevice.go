package client

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/efficientgo/core/errors"

	"github.com/airu-project/airu/protocol"
)

// VirtualDevice is one attached remote device. It assigns its own
// monotonically increasing urb_id to every submission, independent of
// the frame sequence numbers the Session uses for request/response
// correlation -- the two counters serve different layers and are never
// compared against each other.
type VirtualDevice struct {
	session    *Session
	deviceID   uint32
	descriptor *protocol.DeviceDescriptor

	nextURBID atomic.Uint64

	mu          sync.Mutex
	pending     map[uint64]chan *protocol.UsbCompleteUrb
	completions chan *protocol.UsbCompleteUrb
}

func newVirtualDevice(s *Session, deviceID uint32, desc *protocol.DeviceDescriptor) *VirtualDevice {
	vd := &VirtualDevice{
		session:     s,
		deviceID:    deviceID,
		descriptor:  desc,
		pending:     make(map[uint64]chan *protocol.UsbCompleteUrb),
		completions: make(chan *protocol.UsbCompleteUrb, 256),
	}
	return vd
}

// Descriptor returns the device's descriptor as reported at attach
// time.
func (vd *VirtualDevice) Descriptor() *protocol.DeviceDescriptor { return vd.descriptor }

// DeviceID returns the broker-assigned id this device was attached
// under.
func (vd *VirtualDevice) DeviceID() uint32 { return vd.deviceID }

// Submit sends a URB to the broker and returns the client-assigned
// urb_id, starting at 1 for the device's first submission. The
// completion arrives asynchronously; callers either poll NextCompletion
// or await it via AwaitCompletion.
func (vd *VirtualDevice) Submit(transferKind protocol.TransferKind, direction protocol.Direction, endpoint uint8, data []byte, transferLength uint32) (uint64, error) {
	urbID := vd.nextURBID.Add(1)

	ch := make(chan *protocol.UsbCompleteUrb, 1)
	vd.mu.Lock()
	vd.pending[urbID] = ch
	vd.mu.Unlock()

	msg := &protocol.UsbSubmitUrb{
		Header: &protocol.UrbHeader{
			UrbID: urbID, DeviceID: vd.deviceID, Type: transferKind, Direction: direction,
			Endpoint: endpoint, TransferLength: transferLength,
		},
		Data: data,
	}
	if err := vd.session.send(protocol.KindUsbSubmitUrb, msg.Marshal()); err != nil {
		vd.mu.Lock()
		delete(vd.pending, urbID)
		vd.mu.Unlock()
		return 0, errors.Wrap(err, "submit urb")
	}
	return urbID, nil
}

// Unlink asks the broker to cancel a submitted URB. It does not wait
// for a response; a completion for urbID still arrives through
// NextCompletion: with status -1 if the broker had not started the URB
// yet, otherwise its normal completion.
func (vd *VirtualDevice) Unlink(urbID uint64) error {
	msg := &protocol.UsbUnlinkUrb{UrbID: urbID, DeviceID: vd.deviceID}
	return vd.session.send(protocol.KindUsbUnlinkUrb, msg.Marshal())
}

// deliverCompletion routes a completion frame from the session's
// unsolicited handler to the right per-URB waiter, if any, and always
// also pushes it onto the device-wide completion queue so a consumer
// pumping completions generically (rather than awaiting one URB in
// particular) still sees it.
func (vd *VirtualDevice) deliverCompletion(c *protocol.UsbCompleteUrb) {
	vd.mu.Lock()
	ch, ok := vd.pending[c.Header.UrbID]
	if ok {
		delete(vd.pending, c.Header.UrbID)
	}
	vd.mu.Unlock()

	if ok {
		ch <- c
	}

	select {
	case vd.completions <- c:
	default:
		// Completion queue full: the consumer has fallen behind. Drop
		// rather than block the session's reader goroutine.
	}
}

// AwaitCompletion blocks until the completion for urbID arrives, ctx is
// cancelled, or timeout elapses (0 means no timeout beyond ctx).
func (vd *VirtualDevice) AwaitCompletion(ctx context.Context, urbID uint64, timeout time.Duration) (*protocol.UsbCompleteUrb, error) {
	vd.mu.Lock()
	ch, ok := vd.pending[urbID]
	vd.mu.Unlock()
	if !ok {
		return nil, &StateError{Reason: "no such pending urb"}
	}

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timeoutCh = t.C
	}

	select {
	case c := <-ch:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timeoutCh:
		return nil, &StateError{Reason: "urb completion timed out"}
	}
}

// NextCompletion returns the next completion for any URB submitted by
// this device, in the order the broker delivered them, blocking until
// one arrives or ctx is cancelled.
func (vd *VirtualDevice) NextCompletion(ctx context.Context) (*protocol.UsbCompleteUrb, error) {
	select {
	case c := <-vd.completions:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Session) registerDevice(vd *VirtualDevice) {
	s.respMu.Lock()
	defer s.respMu.Unlock()
	if s.unsolicited == nil {
		s.unsolicited = s.routeCompletion
	}
	s.devicesMu.Lock()
	s.devices[vd.deviceID] = vd
	s.devicesMu.Unlock()
}

func (s *Session) unregisterDevice(deviceID uint32) {
	s.devicesMu.Lock()
	delete(s.devices, deviceID)
	s.devicesMu.Unlock()
}

func (s *Session) allDevices() []*VirtualDevice {
	s.devicesMu.Lock()
	defer s.devicesMu.Unlock()
	out := make([]*VirtualDevice, 0, len(s.devices))
	for _, vd := range s.devices {
		out = append(out, vd)
	}
	return out
}

// routeCompletion is installed as the session's unsolicited-frame
// handler: every UsbCompleteUrb that isn't a direct response to a
// request/response-style call lands here and gets routed to the owning
// VirtualDevice by its device id.
func (s *Session) routeCompletion(f *protocol.Frame) {
	if f.Type != protocol.KindUsbCompleteUrb {
		return
	}
	msg, err := protocol.Unmarshal(f.Type, f.Payload)
	if err != nil {
		return
	}
	complete, ok := msg.(*protocol.UsbCompleteUrb)
	if !ok {
		return
	}

	s.devicesMu.Lock()
	vd, ok := s.devices[complete.Header.DeviceID]
	s.devicesMu.Unlock()
	if ok {
		vd.deliverCompletion(complete)
	}
}
