package server

import (
	"context"
	"testing"

	"github.com/go-kit/log"

	"github.com/airu-project/airu/protocol"
)

func testDescriptor() *protocol.DeviceDescriptor {
	return &protocol.DeviceDescriptor{
		BusNum: 2, PortNumber: 2, VendorID: 0x046D, ProductID: 0xC52B,
		DeviceClass: 0, Manufacturer: "Logitech", Product: "Receiver",
	}
}

func TestInventoryRescanPublishesDevices(t *testing.T) {
	desc := testDescriptor()
	inv := NewInventory(newFakeBackend(desc), nil, log.NewNopLogger())

	if err := inv.Rescan(context.Background()); err != nil {
		t.Fatalf("Rescan: %v", err)
	}
	list := inv.List()
	if len(list) != 1 {
		t.Fatalf("List() = %d devices, want 1", len(list))
	}
	if list[0].Busid() != "2-2" {
		t.Fatalf("unexpected busid %q", list[0].Busid())
	}
}

func TestInventorySkipsHubs(t *testing.T) {
	hub := testDescriptor()
	hub.DeviceClass = hubClass
	inv := NewInventory(newFakeBackend(hub), nil, log.NewNopLogger())

	if err := inv.Rescan(context.Background()); err != nil {
		t.Fatalf("Rescan: %v", err)
	}
	if got := len(inv.List()); got != 0 {
		t.Fatalf("List() = %d devices, want 0 (hub should be filtered)", got)
	}
}

func TestInventoryDenyFilter(t *testing.T) {
	desc := testDescriptor()
	filter := &InventoryFilter{Deny: []VidPid{{VendorID: desc.VendorID, ProductID: desc.ProductID}}}
	inv := NewInventory(newFakeBackend(desc), filter, log.NewNopLogger())

	if err := inv.Rescan(context.Background()); err != nil {
		t.Fatalf("Rescan: %v", err)
	}
	if got := len(inv.List()); got != 0 {
		t.Fatalf("List() = %d devices, want 0 (denied vid/pid)", got)
	}
}

func TestInventoryAllowFilter(t *testing.T) {
	allowed := testDescriptor()
	other := testDescriptor()
	other.VendorID, other.ProductID = 0x1234, 0x5678
	other.PortNumber = 3

	filter := &InventoryFilter{Allow: []VidPid{{VendorID: allowed.VendorID, ProductID: allowed.ProductID}}}
	inv := NewInventory(newFakeBackend(allowed, other), filter, log.NewNopLogger())

	if err := inv.Rescan(context.Background()); err != nil {
		t.Fatalf("Rescan: %v", err)
	}
	list := inv.List()
	if len(list) != 1 || list[0].VendorID != allowed.VendorID {
		t.Fatalf("allow filter let through unexpected devices: %+v", list)
	}
}

func TestClaimAndRelease(t *testing.T) {
	desc := testDescriptor()
	inv := NewInventory(newFakeBackend(desc), nil, log.NewNopLogger())
	if err := inv.Rescan(context.Background()); err != nil {
		t.Fatalf("Rescan: %v", err)
	}
	id := inv.List()[0].DeviceID

	handle, err := inv.Claim(id, 7)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(inv.List()) != 0 {
		t.Fatal("attached device should not be listed")
	}

	if _, err := inv.Claim(id, 8); err == nil {
		t.Fatal("expected error claiming an already-attached device from a different session")
	}

	if err := inv.Release(handle, 7); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if len(inv.List()) != 1 {
		t.Fatal("released device should be listed again")
	}

	if err := inv.Release(handle, 7); err == nil {
		t.Fatal("expected error releasing a device this session no longer owns")
	}
}

func TestClaimSameSessionIsIdempotent(t *testing.T) {
	desc := testDescriptor()
	inv := NewInventory(newFakeBackend(desc), nil, log.NewNopLogger())
	if err := inv.Rescan(context.Background()); err != nil {
		t.Fatalf("Rescan: %v", err)
	}
	id := inv.List()[0].DeviceID

	first, err := inv.Claim(id, 7)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	second, err := inv.Claim(id, 7)
	if err != nil {
		t.Fatalf("second Claim by the same session should succeed, got: %v", err)
	}
	if first != second {
		t.Fatal("expected the same handle back from a repeated same-session claim")
	}
}

func TestClaimUnknownDeviceID(t *testing.T) {
	inv := NewInventory(newFakeBackend(), nil, log.NewNopLogger())
	if _, err := inv.Claim(999, 1); err == nil {
		t.Fatal("expected error claiming unknown device id")
	}
}

func TestInventoryExcludesLinuxFoundationVendor(t *testing.T) {
	rootHub := testDescriptor()
	rootHub.VendorID = linuxFoundationVendorID
	inv := NewInventory(newFakeBackend(rootHub), nil, log.NewNopLogger())

	if err := inv.Rescan(context.Background()); err != nil {
		t.Fatalf("Rescan: %v", err)
	}
	if got := len(inv.List()); got != 0 {
		t.Fatalf("List() = %d devices, want 0 (Linux Foundation vendor id should be filtered)", got)
	}
}
