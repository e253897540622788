package sink

import "github.com/efficientgo/core/errors"

// DescribeAttached returns the slot occupying port, or an error if the
// port is out of range or not currently occupied by an attached device.
func DescribeAttached(port VirtualPort, s Sink) (*PortSlot, error) {
	slots := s.GetPortSlots()
	if int(port) >= len(slots) {
		return nil, errors.Newf("port number %d out of bounds", port)
	}
	slot := slots[port]
	if slot.Status != PortStatusPortUsed {
		return nil, errors.Newf("no device attached to port %d", port)
	}
	return &slot, nil
}
