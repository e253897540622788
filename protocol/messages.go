package protocol

import (
	"github.com/efficientgo/core/errors"
)

// Message is implemented by every payload grammar a Frame can carry. The
// MessageKind constant a type corresponds to is returned by Kind(); the
// mapping lets Unmarshal dispatch on the value it already had to read out
// of the frame header.
type Message interface {
	Kind() MessageKind
	Marshal() []byte
}

// DeviceListRequest asks the server to enumerate its currently published
// devices. It carries no payload.
type DeviceListRequest struct{}

func (*DeviceListRequest) Kind() MessageKind { return KindDeviceListRequest }
func (*DeviceListRequest) Marshal() []byte   { return nil }

// DeviceListResponse enumerates every device the broker currently makes
// available for attachment.
type DeviceListResponse struct {
	Devices []*DeviceDescriptor
}

func (*DeviceListResponse) Kind() MessageKind { return KindDeviceListResponse }

func (m *DeviceListResponse) Marshal() []byte {
	buf := make([]byte, 0, len(m.Devices)*DescriptorSize)
	for _, d := range m.Devices {
		buf = append(buf, d.Marshal()...)
	}
	return buf
}

func unmarshalDeviceListResponse(payload []byte) (*DeviceListResponse, error) {
	if len(payload)%DescriptorSize != 0 {
		return nil, errors.Newf("device list response length %d is not a multiple of %d", len(payload), DescriptorSize)
	}
	m := &DeviceListResponse{Devices: make([]*DeviceDescriptor, 0, len(payload)/DescriptorSize)}
	for rest := payload; len(rest) > 0; rest = rest[DescriptorSize:] {
		d, err := UnmarshalDeviceDescriptor(rest[:DescriptorSize])
		if err != nil {
			return nil, err
		}
		m.Devices = append(m.Devices, d)
	}
	return m, nil
}

// DeviceAttachRequest asks the server to bind a published device,
// identified by the device_id handed out in a DeviceListResponse, to
// the requesting session.
type DeviceAttachRequest struct {
	DeviceID uint32
}

func (*DeviceAttachRequest) Kind() MessageKind { return KindDeviceAttachRequest }
func (m *DeviceAttachRequest) Marshal() []byte { return appendUint32(nil, m.DeviceID) }

func unmarshalDeviceAttachRequest(payload []byte) (*DeviceAttachRequest, error) {
	id, _, err := takeUint32(payload)
	if err != nil {
		return nil, err
	}
	return &DeviceAttachRequest{DeviceID: id}, nil
}

// DeviceAttachResponse reports whether an attach succeeded: a bare
// success flag, wire-encoded as u32 1 (ok) or 0 (fail). The caller
// already holds the device's descriptor from an earlier
// DeviceListResponse, so there is nothing else to carry back here.
type DeviceAttachResponse struct {
	Success bool
}

func (*DeviceAttachResponse) Kind() MessageKind { return KindDeviceAttachResp }

func (m *DeviceAttachResponse) Marshal() []byte {
	if m.Success {
		return appendUint32(nil, 1)
	}
	return appendUint32(nil, 0)
}

func unmarshalDeviceAttachResponse(payload []byte) (*DeviceAttachResponse, error) {
	v, _, err := takeUint32(payload)
	if err != nil {
		return nil, err
	}
	return &DeviceAttachResponse{Success: v == 1}, nil
}

// DeviceDetachRequest releases a previously attached device back to the
// inventory.
type DeviceDetachRequest struct {
	DeviceID uint32
}

func (*DeviceDetachRequest) Kind() MessageKind { return KindDeviceDetachRequest }
func (m *DeviceDetachRequest) Marshal() []byte { return appendUint32(nil, m.DeviceID) }

func unmarshalDeviceDetachRequest(payload []byte) (*DeviceDetachRequest, error) {
	id, _, err := takeUint32(payload)
	if err != nil {
		return nil, err
	}
	return &DeviceDetachRequest{DeviceID: id}, nil
}

// DeviceDetachResponse reports whether a detach succeeded: a bare
// success flag, wire-encoded as u32 1 (ok) or 0 (fail). Detaching an
// id this session doesn't own is treated as success (idempotent), so
// the broker answers every well-formed detach with 1; a malformed
// request gets an Error frame instead of a DeviceDetachResponse.
type DeviceDetachResponse struct {
	Success bool
}

func (*DeviceDetachResponse) Kind() MessageKind { return KindDeviceDetachResp }

func (m *DeviceDetachResponse) Marshal() []byte {
	if m.Success {
		return appendUint32(nil, 1)
	}
	return appendUint32(nil, 0)
}

func unmarshalDeviceDetachResponse(payload []byte) (*DeviceDetachResponse, error) {
	v, _, err := takeUint32(payload)
	if err != nil {
		return nil, err
	}
	return &DeviceDetachResponse{Success: v == 1}, nil
}

// UsbSubmitUrb carries a URB submission from client to server: the fixed
// header plus, for OUT transfers, the outgoing data.
type UsbSubmitUrb struct {
	Header *UrbHeader
	Data   []byte
}

func (*UsbSubmitUrb) Kind() MessageKind { return KindUsbSubmitUrb }

func (m *UsbSubmitUrb) Marshal() []byte {
	return append(m.Header.Marshal(), m.Data...)
}

func unmarshalUsbSubmitUrb(payload []byte) (*UsbSubmitUrb, error) {
	if len(payload) < UrbHeaderSize {
		return nil, errors.New("usb submit urb truncated")
	}
	h, err := UnmarshalUrbHeader(payload[:UrbHeaderSize])
	if err != nil {
		return nil, err
	}
	data := payload[UrbHeaderSize:]
	return &UsbSubmitUrb{Header: h, Data: append([]byte(nil), data...)}, nil
}

// UsbCompleteUrb carries a URB completion from server to client: the
// fixed header (with Status set) plus, for IN transfers, the received
// data.
type UsbCompleteUrb struct {
	Header *UrbHeader
	Data   []byte
}

func (*UsbCompleteUrb) Kind() MessageKind { return KindUsbCompleteUrb }

func (m *UsbCompleteUrb) Marshal() []byte {
	return append(m.Header.Marshal(), m.Data...)
}

func unmarshalUsbCompleteUrb(payload []byte) (*UsbCompleteUrb, error) {
	if len(payload) < UrbHeaderSize {
		return nil, errors.New("usb complete urb truncated")
	}
	h, err := UnmarshalUrbHeader(payload[:UrbHeaderSize])
	if err != nil {
		return nil, err
	}
	data := payload[UrbHeaderSize:]
	return &UsbCompleteUrb{Header: h, Data: append([]byte(nil), data...)}, nil
}

// UsbUnlinkUrb asks the server to cancel an in-flight URB by its
// client-assigned id. On the wire it is a full UrbHeader with only
// urb_id and device_id set.
type UsbUnlinkUrb struct {
	UrbID    uint64
	DeviceID uint32
}

func (*UsbUnlinkUrb) Kind() MessageKind { return KindUsbUnlinkUrb }

func (m *UsbUnlinkUrb) Marshal() []byte {
	return (&UrbHeader{UrbID: m.UrbID, DeviceID: m.DeviceID}).Marshal()
}

func unmarshalUsbUnlinkUrb(payload []byte) (*UsbUnlinkUrb, error) {
	h, err := UnmarshalUrbHeader(payload)
	if err != nil {
		return nil, err
	}
	return &UsbUnlinkUrb{UrbID: h.UrbID, DeviceID: h.DeviceID}, nil
}

// BulkDataStart opens a compressed or uncompressed bulk transfer stream,
// used for payloads that travel outside the URB submit/complete path,
// such as a firmware image or diagnostic dump (see package compression).
type BulkDataStart struct {
	Header *BulkDataHeader
}

func (*BulkDataStart) Kind() MessageKind { return KindBulkDataStart }
func (m *BulkDataStart) Marshal() []byte { return m.Header.Marshal() }

func unmarshalBulkDataStart(payload []byte) (*BulkDataStart, error) {
	h, err := UnmarshalBulkDataHeader(payload)
	if err != nil {
		return nil, err
	}
	return &BulkDataStart{Header: h}, nil
}

// BulkDataChunk carries one chunk of a bulk transfer stream.
type BulkDataChunk struct {
	StreamID uint64
	Offset   uint32
	Data     []byte
}

func (*BulkDataChunk) Kind() MessageKind { return KindBulkDataChunk }

func (m *BulkDataChunk) Marshal() []byte {
	buf := appendUint64(nil, m.StreamID)
	buf = appendUint32(buf, m.Offset)
	return append(buf, m.Data...)
}

func unmarshalBulkDataChunk(payload []byte) (*BulkDataChunk, error) {
	if len(payload) < 12 {
		return nil, errors.New("bulk data chunk truncated")
	}
	return &BulkDataChunk{
		StreamID: leUint64(payload[0:8]),
		Offset:   leUint32(payload[8:12]),
		Data:     append([]byte(nil), payload[12:]...),
	}, nil
}

// BulkDataEnd closes a bulk transfer stream, optionally reporting that
// the stream was aborted early.
type BulkDataEnd struct {
	StreamID uint64
	Aborted  bool
}

func (*BulkDataEnd) Kind() MessageKind { return KindBulkDataEnd }

func (m *BulkDataEnd) Marshal() []byte {
	buf := appendUint64(nil, m.StreamID)
	if m.Aborted {
		return append(buf, 1)
	}
	return append(buf, 0)
}

func unmarshalBulkDataEnd(payload []byte) (*BulkDataEnd, error) {
	if len(payload) < 9 {
		return nil, errors.New("bulk data end truncated")
	}
	return &BulkDataEnd{
		StreamID: leUint64(payload[0:8]),
		Aborted:  payload[8] != 0,
	}, nil
}

// ErrorMessage is sent in place of a normal response when the server (or
// client) cannot satisfy a request for reasons a bare success flag
// can't express -- a malformed request, an internal fault, and so on.
// The payload is the text followed by a single NUL byte.
type ErrorMessage struct {
	Text string
}

func (*ErrorMessage) Kind() MessageKind { return KindError }
func (m *ErrorMessage) Marshal() []byte { return append([]byte(m.Text), 0) }

func unmarshalErrorMessage(payload []byte) (*ErrorMessage, error) {
	return &ErrorMessage{Text: getFixedString(payload)}, nil
}

// Unmarshal parses a frame payload into its concrete Message type,
// dispatching on the MessageKind the frame header already carried.
func Unmarshal(kind MessageKind, payload []byte) (Message, error) {
	switch kind {
	case KindDeviceListRequest:
		return &DeviceListRequest{}, nil
	case KindDeviceListResponse:
		return unmarshalDeviceListResponse(payload)
	case KindDeviceAttachRequest:
		return unmarshalDeviceAttachRequest(payload)
	case KindDeviceAttachResp:
		return unmarshalDeviceAttachResponse(payload)
	case KindDeviceDetachRequest:
		return unmarshalDeviceDetachRequest(payload)
	case KindDeviceDetachResp:
		return unmarshalDeviceDetachResponse(payload)
	case KindUsbSubmitUrb:
		return unmarshalUsbSubmitUrb(payload)
	case KindUsbCompleteUrb:
		return unmarshalUsbCompleteUrb(payload)
	case KindUsbUnlinkUrb:
		return unmarshalUsbUnlinkUrb(payload)
	case KindBulkDataStart:
		return unmarshalBulkDataStart(payload)
	case KindBulkDataChunk:
		return unmarshalBulkDataChunk(payload)
	case KindBulkDataEnd:
		return unmarshalBulkDataEnd(payload)
	case KindError:
		return unmarshalErrorMessage(payload)
	default:
		return nil, errors.Newf("unknown message kind %#02x", byte(kind))
	}
}
