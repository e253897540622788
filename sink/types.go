// SPDX-License-Identifier: Apache-2.0

// Package sink implements the client-side local device sink: the
// component that reserves a virtual USB port on the host's vhci_hcd
// controller and tracks which remote device (if any) currently
// occupies it. Submission/completion data-path delivery into the
// kernel over that port is not implemented here -- see the package
// doc comment on Sink for the exact boundary.
package sink

import "net"

// PortSpeed mirrors the speed codes vhci_hcd expects on attach,
// independent of protocol.DeviceSpeed so this package has no import
// dependency on the wire protocol.
type PortSpeed uint32

const (
	PortSpeedUnknown PortSpeed = iota
	PortSpeedLow
	PortSpeedFull
	PortSpeedHigh
	PortSpeedWireless
	PortSpeedSuper
)

const (
	vhciControllerBusType    = "platform"
	vhciControllerDeviceName = "vhci_hcd.0"
)

// HubSpeed identifies whether a virtual port is paired with the
// high-speed or super-speed root hub; vhci_hcd exposes both and a
// device can only be attached to the one matching its own speed class.
type HubSpeed uint8

const (
	HubSpeedHigh HubSpeed = iota
	HubSpeedSuper
)

// PortStatus mirrors the vhci_hcd status codes read from a controller's
// status attribute.
type PortStatus uint32

const (
	PortStatusUndefined PortStatus = iota
	PortStatusDevAvailable
	PortStatusDevUsed
	PortStatusDevError
	PortStatusPortNull
	PortStatusPortNotAssigned
	PortStatusPortUsed
	PortStatusPortError
)

// VirtualPort is a 0-based index into a vhci_hcd controller's port
// array.
type VirtualPort uint8

// RemoteDeviceInfo identifies the device currently occupying a port, as
// read from the sysfs entry for the busid in the controller's status.
type RemoteDeviceInfo struct {
	VendorID  uint16 `json:"vendor_id"`
	ProductID uint16 `json:"product_id"`
	Busid     string `json:"busid"`
}

// PortSlot is one virtual port's state: which hub it belongs to,
// whether it's occupied, and -- if so -- by which remote device.
type PortSlot struct {
	HubSpeed HubSpeed
	Port     VirtualPort
	Status   PortStatus

	DeviceID     uint32
	SysPath      string
	DevMountPath string
	Remote       RemoteDeviceInfo
}

// IsEmpty reports whether the port currently holds no device, i.e. is
// available for a new attach: its status is null or not yet assigned.
func (s PortSlot) IsEmpty() bool {
	return s.Status == PortStatusPortNull || s.Status == PortStatusPortNotAssigned
}

// Sink is the local device sink: it owns port bookkeeping against the
// host's vhci_hcd controller(s). AttachDevice and DetachDevice perform
// the real sysfs writes vhci_hcd expects (port reservation, freeing);
// they do not, by themselves, make USB traffic flow, because this
// implementation's AttachDevice hands vhci_hcd a raw socket fd and from
// that point on the kernel expects literal USBIP frames on it. Since
// this project's wire protocol between client.Session and the broker is
// not the kernel's USBIP framing, wiring a live data path would require
// an in-process USBIP-framing shim translating client.VirtualDevice
// traffic to and from that fd -- out of scope for this package, which
// limits itself to the port bookkeeping half of the problem and is
// fully exercised and tested on that half.
type Sink interface {
	AttachDevice(conn *net.TCPConn, deviceID uint32, speed PortSpeed) (VirtualPort, error)
	DetachDevice(port VirtualPort) error
	UpdateAttachedDevices() error
	GetPortSlots() []PortSlot
}
