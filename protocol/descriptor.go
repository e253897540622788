package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/efficientgo/core/errors"
)

// TransferKind identifies the USB transfer type of a URB.
type TransferKind uint8

const (
	TransferIso       TransferKind = 0
	TransferInterrupt TransferKind = 1
	TransferControl   TransferKind = 2
	TransferBulk      TransferKind = 3
)

// Direction identifies the direction of a USB transfer relative to the host.
type Direction uint8

const (
	DirectionOut Direction = 0
	DirectionIn  Direction = 1
)

// DeviceSpeed mirrors the speed codes reported by the host USB stack.
type DeviceSpeed uint8

const (
	SpeedUnknown  DeviceSpeed = 0
	SpeedLow      DeviceSpeed = 1
	SpeedFull     DeviceSpeed = 2
	SpeedHigh     DeviceSpeed = 3
	SpeedWireless DeviceSpeed = 4
	SpeedSuper    DeviceSpeed = 5
)

// DescriptorSize is the fixed on-wire size of a DeviceDescriptor: 24
// bytes of scalar fields (including the reserved byte), plus
// 64+64+32+16 bytes of strings, 200 bytes in all.
const DescriptorSize = 24 + 64 + 64 + 32 + 16

// DeviceDescriptor is an immutable snapshot of one published USB device,
// exactly as it appears in a DeviceListResponse payload.
type DeviceDescriptor struct {
	BusID               uint32
	DeviceID            uint32
	VendorID            uint16
	ProductID           uint16
	DeviceClass         uint16
	DeviceSubclass      uint16
	DeviceProtocol      uint8
	ConfigurationValue  uint8
	NumInterfaces       uint8
	DeviceSpeed         DeviceSpeed
	BusNum              uint8
	DeviceNum           uint8
	PortNumber          uint8
	reserved            uint8
	Manufacturer        string
	Product             string
	Serial              string
	BusID_              string // the textual busid, e.g. "2-2"; wire field name is `busid`
}

// BusidString returns the short "<bus>-<port>" identifier for this device.
func BusidString(busNum, portNumber uint8) string {
	return fmt.Sprintf("%d-%d", busNum, portNumber)
}

func putFixedString(dst []byte, s string) {
	n := copy(dst, s)
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
}

func getFixedString(src []byte) string {
	n := 0
	for n < len(src) && src[n] != 0 {
		n++
	}
	return string(src[:n])
}

// Marshal writes the descriptor's fixed 200-byte wire representation.
func (d *DeviceDescriptor) Marshal() []byte {
	buf := make([]byte, DescriptorSize)
	binary.LittleEndian.PutUint32(buf[0:4], d.BusID)
	binary.LittleEndian.PutUint32(buf[4:8], d.DeviceID)
	binary.LittleEndian.PutUint16(buf[8:10], d.VendorID)
	binary.LittleEndian.PutUint16(buf[10:12], d.ProductID)
	binary.LittleEndian.PutUint16(buf[12:14], d.DeviceClass)
	binary.LittleEndian.PutUint16(buf[14:16], d.DeviceSubclass)
	buf[16] = d.DeviceProtocol
	buf[17] = d.ConfigurationValue
	buf[18] = d.NumInterfaces
	buf[19] = byte(d.DeviceSpeed)
	buf[20] = d.BusNum
	buf[21] = d.DeviceNum
	buf[22] = d.PortNumber
	buf[23] = 0 // reserved

	off := 24
	putFixedString(buf[off:off+64], d.Manufacturer)
	off += 64
	putFixedString(buf[off:off+64], d.Product)
	off += 64
	putFixedString(buf[off:off+32], d.Serial)
	off += 32
	putFixedString(buf[off:off+16], d.Busid())
	return buf
}

// Busid returns the descriptor's busid string, deriving it from BusNum
// and PortNumber if it was not explicitly set.
func (d *DeviceDescriptor) Busid() string {
	if d.BusID_ != "" {
		return d.BusID_
	}
	return BusidString(d.BusNum, d.PortNumber)
}

// UnmarshalDeviceDescriptor parses one fixed-size descriptor record.
// BusID_ is left empty when the wire busid equals the one Busid()
// derives from BusNum and PortNumber.
func UnmarshalDeviceDescriptor(buf []byte) (*DeviceDescriptor, error) {
	if len(buf) < DescriptorSize {
		return nil, errors.Newf("device descriptor too short: %d bytes", len(buf))
	}
	d := &DeviceDescriptor{
		BusID:              binary.LittleEndian.Uint32(buf[0:4]),
		DeviceID:           binary.LittleEndian.Uint32(buf[4:8]),
		VendorID:           binary.LittleEndian.Uint16(buf[8:10]),
		ProductID:          binary.LittleEndian.Uint16(buf[10:12]),
		DeviceClass:        binary.LittleEndian.Uint16(buf[12:14]),
		DeviceSubclass:     binary.LittleEndian.Uint16(buf[14:16]),
		DeviceProtocol:     buf[16],
		ConfigurationValue: buf[17],
		NumInterfaces:      buf[18],
		DeviceSpeed:        DeviceSpeed(buf[19]),
		BusNum:             buf[20],
		DeviceNum:          buf[21],
		PortNumber:         buf[22],
	}
	off := 24
	d.Manufacturer = getFixedString(buf[off : off+64])
	off += 64
	d.Product = getFixedString(buf[off : off+64])
	off += 64
	d.Serial = getFixedString(buf[off : off+32])
	off += 32
	if busid := getFixedString(buf[off : off+16]); busid != BusidString(d.BusNum, d.PortNumber) {
		d.BusID_ = busid
	}
	return d, nil
}

// UrbHeaderSize is the fixed on-wire size of an UrbHeader.
const UrbHeaderSize = 8 + 4 + 1 + 1 + 1 + 1 + 4 + 4 + 4 + 4

// UrbHeader is the fixed-size envelope shared by UsbSubmitUrb,
// UsbCompleteUrb, and UsbUnlinkUrb payloads.
type UrbHeader struct {
	UrbID           uint64
	DeviceID        uint32
	Type            TransferKind
	Direction       Direction
	Endpoint        uint8
	Flags           uint8
	TransferLength  uint32
	StartFrame      uint32
	NumberOfPackets uint32
	Status          int32
}

// Marshal writes the header's fixed 32-byte wire representation.
func (h *UrbHeader) Marshal() []byte {
	buf := make([]byte, UrbHeaderSize)
	binary.LittleEndian.PutUint64(buf[0:8], h.UrbID)
	binary.LittleEndian.PutUint32(buf[8:12], h.DeviceID)
	buf[12] = byte(h.Type)
	buf[13] = byte(h.Direction)
	buf[14] = h.Endpoint
	buf[15] = h.Flags
	binary.LittleEndian.PutUint32(buf[16:20], h.TransferLength)
	binary.LittleEndian.PutUint32(buf[20:24], h.StartFrame)
	binary.LittleEndian.PutUint32(buf[24:28], h.NumberOfPackets)
	binary.LittleEndian.PutUint32(buf[28:32], uint32(h.Status))
	return buf
}

// UnmarshalUrbHeader parses a fixed-size UrbHeader record.
func UnmarshalUrbHeader(buf []byte) (*UrbHeader, error) {
	if len(buf) < UrbHeaderSize {
		return nil, errors.Newf("urb header too short: %d bytes", len(buf))
	}
	return &UrbHeader{
		UrbID:           binary.LittleEndian.Uint64(buf[0:8]),
		DeviceID:        binary.LittleEndian.Uint32(buf[8:12]),
		Type:            TransferKind(buf[12]),
		Direction:       Direction(buf[13]),
		Endpoint:        buf[14],
		Flags:           buf[15],
		TransferLength:  binary.LittleEndian.Uint32(buf[16:20]),
		StartFrame:      binary.LittleEndian.Uint32(buf[20:24]),
		NumberOfPackets: binary.LittleEndian.Uint32(buf[24:28]),
		Status:          int32(binary.LittleEndian.Uint32(buf[28:32])),
	}, nil
}

// BulkDataHeaderSize is the fixed on-wire size of a BulkDataHeader.
const BulkDataHeaderSize = 8 + 4 + 4 + 4 + 1 + 3

// CompressionTag identifies the algorithm used to compress a bulk data
// stream; see package compression.
type CompressionTag uint8

const (
	CompressionNone CompressionTag = 0
	CompressionLZ4  CompressionTag = 1
	CompressionZstd CompressionTag = 2
)

// BulkDataHeader frames one chunk of a BulkDataStart/Chunk/End stream.
type BulkDataHeader struct {
	StreamID    uint64
	TotalSize   uint32
	ChunkSize   uint32
	ChunkOffset uint32
	Compression CompressionTag
}

// Marshal writes the header's fixed 24-byte wire representation.
func (h *BulkDataHeader) Marshal() []byte {
	buf := make([]byte, BulkDataHeaderSize)
	binary.LittleEndian.PutUint64(buf[0:8], h.StreamID)
	binary.LittleEndian.PutUint32(buf[8:12], h.TotalSize)
	binary.LittleEndian.PutUint32(buf[12:16], h.ChunkSize)
	binary.LittleEndian.PutUint32(buf[16:20], h.ChunkOffset)
	buf[20] = byte(h.Compression)
	return buf
}

// UnmarshalBulkDataHeader parses a fixed-size BulkDataHeader record.
func UnmarshalBulkDataHeader(buf []byte) (*BulkDataHeader, error) {
	if len(buf) < BulkDataHeaderSize {
		return nil, errors.Newf("bulk data header too short: %d bytes", len(buf))
	}
	return &BulkDataHeader{
		StreamID:    binary.LittleEndian.Uint64(buf[0:8]),
		TotalSize:   binary.LittleEndian.Uint32(buf[8:12]),
		ChunkSize:   binary.LittleEndian.Uint32(buf[12:16]),
		ChunkOffset: binary.LittleEndian.Uint32(buf[16:20]),
		Compression: CompressionTag(buf[20]),
	}, nil
}
