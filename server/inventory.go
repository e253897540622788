package server

import (
	"context"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/airu-project/airu/backend"
	"github.com/airu-project/airu/protocol"
)

// hubClass is the USB device class code for hubs; the inventory never
// publishes hubs or root hubs for attachment.
const hubClass = 0x09

// linuxFoundationVendorID is the vendor id Linux's own root-hub and
// virtual host controller devices enumerate under; these never
// correspond to a physical device a client could usefully attach.
const linuxFoundationVendorID = 0x1d6b

// VidPid is one entry of an InventoryFilter's allow or deny list.
type VidPid struct {
	VendorID  uint16
	ProductID uint16
}

// InventoryFilter decides whether a scanned device is published for
// attachment. An empty Allow list means "allow everything not denied".
type InventoryFilter struct {
	Allow []VidPid
	Deny  []VidPid
}

func (f *InventoryFilter) permits(vendor, product uint16) bool {
	for _, d := range f.Deny {
		if d.VendorID == vendor && d.ProductID == product {
			return false
		}
	}
	if len(f.Allow) == 0 {
		return true
	}
	for _, a := range f.Allow {
		if a.VendorID == vendor && a.ProductID == product {
			return true
		}
	}
	return false
}

// DeviceHandle is one physical device tracked by the inventory, from
// first scan until it disappears from the bus. Ownership starts with
// the inventory (ownerSession == 0) and transfers to a ClientSession on
// attach, returning to the inventory on detach or disconnect.
type DeviceHandle struct {
	ID           uint32
	Ref          backend.DeviceRef
	Descriptor   *protocol.DeviceDescriptor
	dev          backend.Device
	ownerMu      sync.Mutex
	ownerSession uint32
}

func (h *DeviceHandle) owner() uint32 {
	h.ownerMu.Lock()
	defer h.ownerMu.Unlock()
	return h.ownerSession
}

func (h *DeviceHandle) setOwner(sessionID uint32) {
	h.ownerMu.Lock()
	h.ownerSession = sessionID
	h.ownerMu.Unlock()
}

// Inventory tracks every device the broker currently knows about and
// enforces the allow/deny filter over what it publishes.
type Inventory struct {
	backend backend.Backend
	filter  *InventoryFilter
	logger  log.Logger

	mu      sync.RWMutex
	byID    map[uint32]*DeviceHandle
	byBusid map[string]*DeviceHandle
	nextID  uint32
}

// NewInventory creates an inventory backed by b, publishing only
// devices filter permits.
func NewInventory(b backend.Backend, filter *InventoryFilter, logger log.Logger) *Inventory {
	if filter == nil {
		filter = &InventoryFilter{}
	}
	return &Inventory{
		backend: b,
		filter:  filter,
		logger:  logger,
		byID:    make(map[uint32]*DeviceHandle),
		byBusid: make(map[string]*DeviceHandle),
		nextID:  1,
	}
}

// Rescan re-enumerates the backend and reconciles the result against
// the current inventory: new devices are opened and published, devices
// that vanished are dropped. Devices currently attached to a session
// are left alone even if they no longer enumerate, since detach is
// driven by the session, not by rescans.
func (inv *Inventory) Rescan(ctx context.Context) error {
	refs, err := inv.backend.Enumerate(ctx)
	if err != nil {
		return err
	}

	seen := make(map[backend.DeviceRef]bool, len(refs))
	for _, ref := range refs {
		seen[ref] = true

		if ref.VendorID == linuxFoundationVendorID {
			continue
		}

		if !inv.filter.permits(ref.VendorID, ref.ProductID) {
			continue
		}

		inv.mu.RLock()
		_, known := inv.byBusid[protocol.BusidString(ref.BusNum, ref.PortNumber)]
		inv.mu.RUnlock()
		if known {
			continue
		}

		dev, err := inv.backend.Open(ctx, ref)
		if err != nil {
			level.Warn(inv.logger).Log("msg", "failed to open scanned device", "busid", protocol.BusidString(ref.BusNum, ref.PortNumber), "err", err)
			continue
		}
		desc, err := dev.Descriptor()
		if err != nil {
			level.Warn(inv.logger).Log("msg", "failed to read device descriptor", "err", err)
			dev.Close()
			continue
		}
		if desc.DeviceClass == hubClass {
			dev.Close()
			continue
		}

		inv.mu.Lock()
		id := inv.nextID
		inv.nextID++
		desc.DeviceID = id
		handle := &DeviceHandle{ID: id, Ref: ref, Descriptor: desc, dev: dev}
		inv.byID[id] = handle
		inv.byBusid[desc.Busid()] = handle
		inv.mu.Unlock()

		level.Info(inv.logger).Log("msg", "published device", "busid", desc.Busid(), "vendor", desc.VendorID, "product", desc.ProductID)
	}

	inv.mu.Lock()
	for busid, handle := range inv.byBusid {
		if !seen[handle.Ref] && handle.owner() == 0 {
			delete(inv.byBusid, busid)
			delete(inv.byID, handle.ID)
			handle.dev.Close()
			level.Info(inv.logger).Log("msg", "device disappeared from bus", "busid", busid)
		}
	}
	inv.mu.Unlock()

	return nil
}

// List returns the descriptors of every currently published, unattached
// device.
func (inv *Inventory) List() []*protocol.DeviceDescriptor {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	out := make([]*protocol.DeviceDescriptor, 0, len(inv.byID))
	for _, h := range inv.byID {
		if h.owner() == 0 {
			out = append(out, h.Descriptor)
		}
	}
	return out
}

// Claim transfers ownership of the device identified by deviceID to
// sessionID, failing if no such device is published or if it is
// already owned by a different session. A second claim by the same
// session that already owns the device succeeds and returns the same
// handle, rather than erroring -- attach is idempotent per session.
func (inv *Inventory) Claim(deviceID uint32, sessionID uint32) (*DeviceHandle, error) {
	inv.mu.RLock()
	handle, ok := inv.byID[deviceID]
	inv.mu.RUnlock()
	if !ok {
		return nil, &StateError{Reason: "no such device id"}
	}
	handle.ownerMu.Lock()
	defer handle.ownerMu.Unlock()
	if handle.ownerSession == sessionID {
		return handle, nil
	}
	if handle.ownerSession != 0 {
		return nil, &StateError{Reason: "device already attached"}
	}
	handle.ownerSession = sessionID
	return handle, nil
}

// ByID returns the device handle for id, if any.
func (inv *Inventory) ByID(id uint32) (*DeviceHandle, bool) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	h, ok := inv.byID[id]
	return h, ok
}

// Release returns ownership of a device handle to the inventory; it
// must be called by the session that currently owns it.
func (inv *Inventory) Release(handle *DeviceHandle, sessionID uint32) error {
	handle.ownerMu.Lock()
	defer handle.ownerMu.Unlock()
	if handle.ownerSession != sessionID {
		return &StateError{Reason: "device not owned by releasing session"}
	}
	handle.ownerSession = 0
	return nil
}
