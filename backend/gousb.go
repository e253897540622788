package backend

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/efficientgo/core/errors"
	"github.com/google/gousb"

	"github.com/airu-project/airu/protocol"
)

// GousbBackend is the production Backend, backed by libusb through
// github.com/google/gousb. One GousbBackend owns exactly one
// gousb.Context for the lifetime of the server process.
type GousbBackend struct {
	ctx *gousb.Context

	mu      sync.Mutex
	opened  map[DeviceRef]*gousb.Device
	handles atomic.Uint64
}

// NewGousbBackend creates a libusb context. Callers must call Close when
// the backend is no longer needed to release the context.
func NewGousbBackend() *GousbBackend {
	return &GousbBackend{
		ctx:    gousb.NewContext(),
		opened: make(map[DeviceRef]*gousb.Device),
	}
}

func refOf(desc *gousb.DeviceDesc) DeviceRef {
	return DeviceRef{
		BusNum:     uint8(desc.Bus),
		DeviceNum:  uint8(desc.Address),
		PortNumber: uint8(desc.Port),
		VendorID:   uint16(desc.Vendor),
		ProductID:  uint16(desc.Product),
	}
}

// Enumerate lists every device libusb currently reports, root hubs
// included; the server inventory's allow/deny filter runs above this.
func (b *GousbBackend) Enumerate(ctx context.Context) ([]DeviceRef, error) {
	var refs []DeviceRef
	devices, err := b.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		refs = append(refs, refOf(desc))
		return false
	})
	for _, d := range devices {
		d.Close()
	}
	if err != nil {
		return nil, errors.Wrap(err, "enumerate usb devices")
	}
	return refs, nil
}

// Open claims a device by its DeviceRef, matching on bus/address since
// those are what libusb hands back during enumeration.
func (b *GousbBackend) Open(ctx context.Context, ref DeviceRef) (Device, error) {
	var opened *gousb.Device
	devices, err := b.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return uint8(desc.Bus) == ref.BusNum && uint8(desc.Address) == ref.DeviceNum
	})
	if err != nil {
		for _, d := range devices {
			d.Close()
		}
		return nil, errors.Wrap(err, "open usb device")
	}
	if len(devices) == 0 {
		return nil, &BackendError{Reason: "device not found"}
	}
	opened = devices[0]
	for _, d := range devices[1:] {
		d.Close()
	}

	b.mu.Lock()
	b.opened[ref] = opened
	b.mu.Unlock()

	return &gousbDevice{backend: b, ref: ref, dev: opened, endpoints: make(map[uint8]endpointPair)}, nil
}

// PumpEvents blocks until ctx is cancelled and delivers nothing on
// completions: gousb's Context already runs libusb's event handling on
// its own background goroutine, and Submit is synchronous.
func (b *GousbBackend) PumpEvents(ctx context.Context, completions chan<- Completion) error {
	<-ctx.Done()
	return ctx.Err()
}

// Close releases every device opened through this backend and shuts
// down the libusb context.
func (b *GousbBackend) Close() error {
	b.mu.Lock()
	for ref, dev := range b.opened {
		dev.Close()
		delete(b.opened, ref)
	}
	b.mu.Unlock()
	return b.ctx.Close()
}

// BackendError reports a failure originating in the local USB host
// stack: a device vanishing mid-transfer, a claim-interface failure, a
// libusb I/O error.
type BackendError struct {
	Reason string
	Err    error
}

func (e *BackendError) Error() string {
	if e.Err != nil {
		return "backend error: " + e.Reason + ": " + e.Err.Error()
	}
	return "backend error: " + e.Reason
}

func (e *BackendError) Unwrap() error { return e.Err }

type endpointPair struct {
	in  *gousb.InEndpoint
	out *gousb.OutEndpoint
}

type gousbDevice struct {
	backend *GousbBackend
	ref     DeviceRef
	dev     *gousb.Device

	mu        sync.Mutex
	cfg       *gousb.Config
	intf      *gousb.Interface
	endpoints map[uint8]endpointPair
}

func (d *gousbDevice) Ref() DeviceRef { return d.ref }

func (d *gousbDevice) Descriptor() (*protocol.DeviceDescriptor, error) {
	desc := d.dev.Desc
	manufacturer, _ := d.dev.Manufacturer()
	product, _ := d.dev.Product()
	serial, _ := d.dev.SerialNumber()

	numInterfaces := 0
	for _, cfg := range desc.Configs {
		numInterfaces += len(cfg.Interfaces)
	}

	return &protocol.DeviceDescriptor{
		BusID:              uint32(desc.Bus),
		DeviceID:           uint32(desc.Address),
		VendorID:           uint16(desc.Vendor),
		ProductID:          uint16(desc.Product),
		DeviceClass:        uint16(desc.Class),
		DeviceSubclass:     uint16(desc.SubClass),
		DeviceProtocol:     uint8(desc.Protocol),
		ConfigurationValue: 1,
		NumInterfaces:      uint8(numInterfaces),
		DeviceSpeed:        speedOf(desc.Speed),
		BusNum:             uint8(desc.Bus),
		DeviceNum:          uint8(desc.Address),
		PortNumber:         uint8(desc.Port),
		Manufacturer:       manufacturer,
		Product:            product,
		Serial:             serial,
	}, nil
}

func speedOf(s gousb.Speed) protocol.DeviceSpeed {
	switch s {
	case gousb.SpeedLow:
		return protocol.SpeedLow
	case gousb.SpeedFull:
		return protocol.SpeedFull
	case gousb.SpeedHigh:
		return protocol.SpeedHigh
	case gousb.SpeedSuper:
		return protocol.SpeedSuper
	default:
		return protocol.SpeedUnknown
	}
}

func (d *gousbDevice) endpoint(epAddr uint8, dir protocol.Direction) (endpointPair, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if pair, ok := d.endpoints[epAddr]; ok {
		return pair, nil
	}

	if d.cfg == nil {
		cfg, err := d.dev.Config(1)
		if err != nil {
			return endpointPair{}, errors.Wrap(err, "select usb configuration")
		}
		d.cfg = cfg
	}
	if d.intf == nil {
		intf, _, err := d.cfg.Interface(0, 0)
		if err != nil {
			return endpointPair{}, errors.Wrap(err, "claim usb interface")
		}
		d.intf = intf
	}

	var pair endpointPair
	var err error
	if dir == protocol.DirectionIn {
		pair.in, err = d.intf.InEndpoint(int(epAddr))
	} else {
		pair.out, err = d.intf.OutEndpoint(int(epAddr))
	}
	if err != nil {
		return endpointPair{}, errors.Wrap(err, "open usb endpoint")
	}
	d.endpoints[epAddr] = pair
	return pair, nil
}

// Submit issues the transfer synchronously against the blocking gousb
// endpoint API and reports its own completion immediately; gousb's
// endpoint reads/writes already run on a dedicated libusb transfer
// under the hood, so there is no separate async handle to track.
func (d *gousbDevice) Submit(ctx context.Context, t *Transfer) (uintptr, error) {
	handle := uintptr(d.backend.handles.Add(1))

	if t.Type == protocol.TransferControl {
		return handle, nil
	}

	pair, err := d.endpoint(t.Endpoint, t.Direction)
	if err != nil {
		return 0, err
	}

	if t.Direction == protocol.DirectionIn {
		buf := make([]byte, t.TransferLength)
		n, err := pair.in.ReadContext(ctx, buf)
		if err != nil {
			return 0, &BackendError{Reason: "endpoint read failed", Err: err}
		}
		t.Data = buf[:n]
	} else {
		if _, err := pair.out.WriteContext(ctx, t.Data); err != nil {
			return 0, &BackendError{Reason: "endpoint write failed", Err: err}
		}
	}
	return handle, nil
}

// Cancel is a no-op for this backend: Submit above is synchronous, so
// by the time a caller could observe a handle the transfer has already
// either completed or failed.
func (d *gousbDevice) Cancel(handle uintptr) error { return nil }

func (d *gousbDevice) Close() error {
	d.backend.mu.Lock()
	delete(d.backend.opened, d.ref)
	d.backend.mu.Unlock()
	return d.dev.Close()
}
