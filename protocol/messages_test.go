package protocol

import (
	"reflect"
	"testing"
)

func TestMessageRoundTrip(t *testing.T) {
	descriptor := &DeviceDescriptor{
		BusID: 1, DeviceID: 2, VendorID: 0x046D, ProductID: 0xC52B,
		DeviceClass: 9, BusNum: 2, PortNumber: 2,
		Manufacturer: "Logitech", Product: "USB Receiver", Serial: "ABC123",
	}

	cases := []struct {
		name string
		msg  Message
	}{
		{"device list request", &DeviceListRequest{}},
		{"device list response", &DeviceListResponse{Devices: []*DeviceDescriptor{descriptor}}},
		{"device attach request", &DeviceAttachRequest{DeviceID: 2}},
		{"device attach response ok", &DeviceAttachResponse{Success: true}},
		{"device attach response fail", &DeviceAttachResponse{Success: false}},
		{"device detach request", &DeviceDetachRequest{DeviceID: 2}},
		{"device detach response", &DeviceDetachResponse{Success: true}},
		{"usb submit urb", &UsbSubmitUrb{Header: &UrbHeader{UrbID: 9, DeviceID: 2, Type: TransferBulk, Direction: DirectionOut, Endpoint: 1, TransferLength: 3}, Data: []byte{1, 2, 3}}},
		{"usb complete urb", &UsbCompleteUrb{Header: &UrbHeader{UrbID: 9, DeviceID: 2, Status: 0}, Data: []byte{4, 5}}},
		{"usb unlink urb", &UsbUnlinkUrb{UrbID: 9, DeviceID: 2}},
		{"bulk data start", &BulkDataStart{Header: &BulkDataHeader{StreamID: 5, TotalSize: 100, ChunkSize: 10, Compression: CompressionZstd}}},
		{"bulk data chunk", &BulkDataChunk{StreamID: 5, Offset: 10, Data: []byte{1, 2, 3, 4}}},
		{"bulk data end", &BulkDataEnd{StreamID: 5, Aborted: false}},
		{"error", &ErrorMessage{Text: "device busy"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			payload := tc.msg.Marshal()
			got, err := Unmarshal(tc.msg.Kind(), payload)
			if err != nil {
				t.Fatalf("Unmarshal: %v", err)
			}
			if !reflect.DeepEqual(got, tc.msg) {
				t.Fatalf("round trip mismatch:\n got  %#v\n want %#v", got, tc.msg)
			}
		})
	}
}

func TestUnmarshalUnknownKind(t *testing.T) {
	if _, err := Unmarshal(MessageKind(0x77), nil); err == nil {
		t.Fatal("expected error for unknown message kind, got nil")
	}
}

func TestDeviceDescriptorBusid(t *testing.T) {
	d := &DeviceDescriptor{BusNum: 3, PortNumber: 4}
	if got, want := d.Busid(), "3-4"; got != want {
		t.Fatalf("Busid() = %q, want %q", got, want)
	}
}
