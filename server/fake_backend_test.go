package server

import (
	"context"

	"github.com/airu-project/airu/backend"
	"github.com/airu-project/airu/protocol"
)

// fakeBackend is a minimal in-memory backend.Backend used to exercise
// the inventory and broker without any real USB hardware, following
// the same fs.FS-fake-instead-of-real-hardware technique the reference
// driver tests use for sysfs.
type fakeBackend struct {
	refs  []backend.DeviceRef
	descs map[backend.DeviceRef]*protocol.DeviceDescriptor
}

func newFakeBackend(descs ...*protocol.DeviceDescriptor) *fakeBackend {
	b := &fakeBackend{descs: make(map[backend.DeviceRef]*protocol.DeviceDescriptor)}
	for _, d := range descs {
		ref := backend.DeviceRef{BusNum: d.BusNum, DeviceNum: d.DeviceNum, PortNumber: d.PortNumber, VendorID: d.VendorID, ProductID: d.ProductID}
		b.refs = append(b.refs, ref)
		b.descs[ref] = d
	}
	return b
}

func (b *fakeBackend) Enumerate(ctx context.Context) ([]backend.DeviceRef, error) {
	return b.refs, nil
}

func (b *fakeBackend) Open(ctx context.Context, ref backend.DeviceRef) (backend.Device, error) {
	desc, ok := b.descs[ref]
	if !ok {
		return nil, &backend.BackendError{Reason: "no such device"}
	}
	return &fakeDevice{ref: ref, desc: desc}, nil
}

func (b *fakeBackend) PumpEvents(ctx context.Context, completions chan<- backend.Completion) error {
	<-ctx.Done()
	return ctx.Err()
}

func (b *fakeBackend) Close() error { return nil }

type fakeDevice struct {
	ref  backend.DeviceRef
	desc *protocol.DeviceDescriptor
}

func (d *fakeDevice) Ref() backend.DeviceRef { return d.ref }
func (d *fakeDevice) Descriptor() (*protocol.DeviceDescriptor, error) { return d.desc, nil }
func (d *fakeDevice) Submit(ctx context.Context, t *backend.Transfer) (uintptr, error) {
	return 1, nil
}
func (d *fakeDevice) Cancel(handle uintptr) error { return nil }
func (d *fakeDevice) Close() error                { return nil }
