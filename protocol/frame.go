// Package protocol implements the AIRU wire protocol: a framed, versioned,
// checksummed message format carrying device enumeration, attach/detach
// control, and USB Request Block submission/completion traffic.
package protocol

import (
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/efficientgo/core/errors"
)

const (
	// Magic identifies an AIRU frame: the bytes "AIRU" read as a
	// little-endian u32.
	Magic uint32 = 0x41495255
	// Version is the only wire version this package understands.
	Version uint16 = 1

	// HeaderSize is the fixed size, in bytes, of a frame header.
	HeaderSize = 20

	// MaxPayloadSize bounds a single frame's payload.
	MaxPayloadSize = 16 * 1024 * 1024

	// FlagCompressed marks a frame payload as compressed (see package compression).
	FlagCompressed byte = 1 << 0
)

// MessageKind identifies the payload grammar carried by a frame.
type MessageKind byte

const (
	KindDeviceListRequest   MessageKind = 0x01
	KindDeviceListResponse  MessageKind = 0x02
	KindDeviceAttachRequest MessageKind = 0x03
	KindDeviceAttachResp    MessageKind = 0x04
	KindDeviceDetachRequest MessageKind = 0x05
	KindDeviceDetachResp    MessageKind = 0x06
	KindUsbSubmitUrb        MessageKind = 0x10
	KindUsbCompleteUrb      MessageKind = 0x11
	KindUsbUnlinkUrb        MessageKind = 0x12
	KindBulkDataStart       MessageKind = 0x20
	KindBulkDataChunk       MessageKind = 0x21
	KindBulkDataEnd         MessageKind = 0x22
	KindError               MessageKind = 0xFF
)

var kindNames = map[MessageKind]string{
	KindDeviceListRequest:   "DeviceListRequest",
	KindDeviceListResponse:  "DeviceListResponse",
	KindDeviceAttachRequest: "DeviceAttachRequest",
	KindDeviceAttachResp:    "DeviceAttachResponse",
	KindDeviceDetachRequest: "DeviceDetachRequest",
	KindDeviceDetachResp:    "DeviceDetachResponse",
	KindUsbSubmitUrb:        "UsbSubmitUrb",
	KindUsbCompleteUrb:      "UsbCompleteUrb",
	KindUsbUnlinkUrb:        "UsbUnlinkUrb",
	KindBulkDataStart:       "BulkDataStart",
	KindBulkDataChunk:       "BulkDataChunk",
	KindBulkDataEnd:         "BulkDataEnd",
	KindError:               "Error",
}

func (k MessageKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "Unknown"
}

// FrameError reports a malformed frame header: bad magic, unsupported
// version, oversized length, or a CRC mismatch. It is always fatal for
// the connection it was read from.
type FrameError struct {
	Reason string
}

func (e *FrameError) Error() string { return "frame error: " + e.Reason }

// Frame is a decoded envelope plus its raw payload bytes. Message-kind
// parsing happens above this layer, in Unmarshal. The FlagCompressed
// bit is carried through as-is; nothing in this module decompresses a
// frame payload because the bit is set.
type Frame struct {
	Type     MessageKind
	Flags    byte
	Sequence uint32
	Payload  []byte
}

// Compressed reports whether the frame's payload is compressed per
// FlagCompressed.
func (f *Frame) Compressed() bool { return f.Flags&FlagCompressed != 0 }

// Encode serializes a frame to its wire representation: 20 byte header
// followed by the payload, with the CRC computed over length, sequence,
// a zero placeholder for the CRC field, and the payload.
func Encode(f *Frame) ([]byte, error) {
	if len(f.Payload) > MaxPayloadSize {
		return nil, &FrameError{Reason: "payload exceeds maximum frame size"}
	}
	buf := make([]byte, HeaderSize+len(f.Payload))
	binary.LittleEndian.PutUint32(buf[0:4], Magic)
	binary.LittleEndian.PutUint16(buf[4:6], Version)
	buf[6] = byte(f.Type)
	buf[7] = f.Flags
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(f.Payload)))
	binary.LittleEndian.PutUint32(buf[12:16], f.Sequence)
	// crc32 field (buf[16:20]) is left zero while computing the checksum.
	copy(buf[HeaderSize:], f.Payload)

	crc := crc32.ChecksumIEEE(buf[8:])
	binary.LittleEndian.PutUint32(buf[16:20], crc)
	return buf, nil
}

// Decoder reads AIRU frames off a stream. It is not safe for concurrent
// use by multiple goroutines; the client and server each dedicate a
// single reader goroutine to frame decoding.
type Decoder struct {
	r            io.Reader
	header       [HeaderSize]byte
	skipCRCCheck bool
}

// NewDecoder wraps r. When skipCRCCheck is true, CRC mismatches are
// tolerated instead of rejected -- see the debug toggle discussed in the
// design notes; production deployments should leave this false.
func NewDecoder(r io.Reader, skipCRCCheck bool) *Decoder {
	return &Decoder{r: r, skipCRCCheck: skipCRCCheck}
}

// Decode blocks until a full frame has been read, the stream errors, or
// a malformed header is encountered (in which case the caller MUST treat
// the underlying connection as unrecoverable and close it).
func (d *Decoder) Decode() (*Frame, error) {
	if _, err := io.ReadFull(d.r, d.header[:]); err != nil {
		return nil, errors.Wrap(err, "read frame header")
	}

	magic := binary.LittleEndian.Uint32(d.header[0:4])
	if magic != Magic {
		return nil, &FrameError{Reason: "bad magic"}
	}
	version := binary.LittleEndian.Uint16(d.header[4:6])
	if version != Version {
		return nil, &FrameError{Reason: "unsupported version"}
	}
	kind := MessageKind(d.header[6])
	flags := d.header[7]
	length := binary.LittleEndian.Uint32(d.header[8:12])
	if length > MaxPayloadSize {
		return nil, &FrameError{Reason: "payload length exceeds maximum frame size"}
	}
	sequence := binary.LittleEndian.Uint32(d.header[12:16])
	wantCRC := binary.LittleEndian.Uint32(d.header[16:20])

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(d.r, payload); err != nil {
			return nil, errors.Wrap(err, "read frame payload")
		}
	}

	if !d.skipCRCCheck {
		crcBuf := make([]byte, 12+len(payload))
		copy(crcBuf[0:8], d.header[8:16])
		copy(crcBuf[12:], payload)
		if got := crc32.ChecksumIEEE(crcBuf); got != wantCRC {
			return nil, &FrameError{Reason: "crc mismatch"}
		}
	}

	return &Frame{Type: kind, Flags: flags, Sequence: sequence, Payload: payload}, nil
}

// WriteFrame encodes and writes f to w in one call.
func WriteFrame(w io.Writer, f *Frame) error {
	buf, err := Encode(f)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return errors.Wrap(err, "write frame")
}
