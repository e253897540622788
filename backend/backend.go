// Package backend abstracts the local USB stack the server broker pulls
// published devices from. The only concrete implementation shipped here
// wraps libusb via github.com/google/gousb, but the broker is written
// against the Backend interface so a fake can stand in for it in tests.
package backend

import (
	"context"

	"github.com/airu-project/airu/protocol"
)

// DeviceRef identifies one physical device as seen by a Backend, stable
// for the lifetime of that device's presence on the bus.
type DeviceRef struct {
	BusNum     uint8
	DeviceNum  uint8
	PortNumber uint8
	VendorID   uint16
	ProductID  uint16
}

// Transfer describes one submitted URB in backend-neutral terms: just
// enough for the backend to issue the matching libusb call.
type Transfer struct {
	Endpoint        uint8
	Type            protocol.TransferKind
	Direction       protocol.Direction
	Data            []byte
	TransferLength  uint32
	NumberOfPackets uint32
}

// Completion reports the outcome of a Transfer previously returned by
// Submit, matched back to its caller by the handle value Submit
// returned.
type Completion struct {
	Handle uintptr
	Status int32
	Data   []byte
}

// Device is one USB device opened for I/O through a Backend.
type Device interface {
	Ref() DeviceRef
	Descriptor() (*protocol.DeviceDescriptor, error)
	// Submit issues a transfer and returns a handle identifying it. A
	// backend may implement this synchronously, blocking until the
	// transfer completes and returning its result directly, or
	// asynchronously, returning as soon as the transfer is queued and
	// later delivering its Completion (keyed by the returned handle) on
	// the channel passed to PumpEvents. GousbBackend is synchronous: the
	// server's per-endpoint worker pool already isolates a blocking
	// Submit call from every other endpoint's traffic, so there is
	// nothing left for an async completion path to buy here. Cancel is
	// consequently a no-op on that implementation; an async backend
	// would use it to abort a still-queued transfer.
	Submit(ctx context.Context, t *Transfer) (uintptr, error)
	// Cancel requests that an in-flight transfer be aborted. It is not
	// an error to cancel a transfer that has already completed.
	Cancel(handle uintptr) error
	Close() error
}

// Backend is the USB host stack access point the server inventory scans
// and opens devices through.
type Backend interface {
	// Enumerate lists every device currently visible on the host,
	// including hubs; callers apply their own class/allow-list
	// filtering (see server.InventoryFilter).
	Enumerate(ctx context.Context) ([]DeviceRef, error)
	Open(ctx context.Context, ref DeviceRef) (Device, error)
	// PumpEvents runs the backend's event loop, delivering any
	// asynchronously completed transfers on completions until ctx is
	// cancelled. A synchronous backend such as GousbBackend has nothing
	// to deliver here and simply blocks until ctx is done. The server
	// package does not call PumpEvents; its transfers complete inside
	// Submit.
	PumpEvents(ctx context.Context, completions chan<- Completion) error
	Close() error
}
