// SPDX-License-Identifier: Apache-2.0

package sink

import (
	baseerrors "errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
)

// sysfsSink is the pure-Go Sink implementation: every read goes through
// an fs.FS, which in production is the real /sys tree and in tests is
// a testing/fstest.MapFS fixture.
type sysfsSink struct {
	fsys fs.FS

	availableControllers uint
	ports                 []PortSlot

	logger log.Logger
}

const (
	sysRoot = "/sys"
	sysBus  = "bus"
)

func hostControllerPath() string {
	return path.Join(sysBus, vhciControllerBusType, "devices", vhciControllerDeviceName)
}

func usbSysPath(busid string) string {
	return path.Join(sysBus, "usb", "devices", busid)
}

func (d *sysfsSink) GetPortSlots() []PortSlot {
	return d.ports
}

func (d *sysfsSink) readAttribute(sysPath, name string) (string, error) {
	content, err := fs.ReadFile(d.fsys, path.Join(sysPath, name))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(content)), nil
}

func (d *sysfsSink) readUint16Attribute(sysPath, name string) (uint16, error) {
	s, err := d.readAttribute(sysPath, name)
	if err != nil {
		return 0, err
	}
	var result uint16
	if _, err := fmt.Sscanf(s, "%d", &result); err != nil {
		return 0, errors.Wrapf(err, "failed to read device attribute %s", name)
	}
	return result, nil
}

func (d *sysfsSink) readUint16HexAttribute(sysPath, name string) (uint16, error) {
	s, err := d.readAttribute(sysPath, name)
	if err != nil {
		return 0, err
	}
	var result uint16
	if _, err := fmt.Sscanf(s, "%04x", &result); err != nil {
		return 0, errors.Wrapf(err, "failed to read device attribute %s", name)
	}
	return result, nil
}

func (d *sysfsSink) initPorts() error {
	nportsStr, err := d.readAttribute(hostControllerPath(), "nports")
	if err != nil {
		return errors.New("failed to read nports attribute")
	}
	var nports uint32
	if _, err := fmt.Sscanf(nportsStr, "%d", &nports); err != nil {
		return errors.New("failed to parse nports attribute")
	}
	if nports == 0 {
		return errors.New("vhci host controller does not have any ports available")
	}
	d.ports = make([]PortSlot, nports)
	return nil
}

func (d *sysfsSink) countControllers() error {
	var count uint
	devicesDir := path.Join(sysBus, vhciControllerBusType, "devices")
	entries, err := fs.ReadDir(d.fsys, devicesDir)
	if err != nil {
		return errors.Wrap(err, "failed to read platform sysdir")
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "vhci_hcd.") {
			count++
		}
	}
	d.availableControllers = count
	return nil
}

func (d *sysfsSink) describeRemoteFromBusid(slot *PortSlot, busid string) error {
	sysPath := usbSysPath(busid)

	vendor, vendErr := d.readUint16HexAttribute(sysPath, "idVendor")
	product, prodErr := d.readUint16HexAttribute(sysPath, "idProduct")
	busnum, busnumErr := d.readUint16Attribute(sysPath, "busnum")
	devnum, devnumErr := d.readUint16Attribute(sysPath, "devnum")

	if err := baseerrors.Join(vendErr, prodErr, busnumErr, devnumErr); err != nil {
		return errors.Wrap(err, "failed to describe device")
	}

	slot.Remote = RemoteDeviceInfo{VendorID: vendor, ProductID: product, Busid: busid}
	slot.DevMountPath = fmt.Sprintf("/dev/bus/usb/%03d/%03d", busnum, devnum)
	return nil
}

func (d *sysfsSink) updateFromControllerStatus(statusContent string) error {
	lines := strings.Split(statusContent, "\n")

	var port VirtualPort
	var deviceID uint32
	var speed int
	var status PortStatus
	var fd uint // ignored: this column carries the kernel's socket fd, irrelevant to bookkeeping
	var hubSpeed string
	var busid string

	for i, line := range lines[1:] {
		if strings.TrimSpace(line) == "" {
			continue
		}
		_, err := fmt.Sscanf(
			line, "%2s  %d %d %d %x %d %31s",
			&hubSpeed, &port, &status, &speed, &deviceID, &fd, &busid,
		)
		if err != nil {
			return errors.Wrapf(err, "failed to parse status line %d: %s", i, line)
		}
		if int(port) >= len(d.ports) {
			return errors.Newf("failed to parse status line %d: port %d out of range", i, port)
		}

		slot := &d.ports[port]
		if hubSpeed == "hs" {
			slot.HubSpeed = HubSpeedHigh
		} else {
			slot.HubSpeed = HubSpeedSuper
		}
		slot.Port = port
		slot.Status = status
		slot.DeviceID = deviceID
		slot.SysPath = usbSysPath(busid)

		if slot.IsEmpty() {
			slot.Remote = RemoteDeviceInfo{}
			continue
		}
		level := d.logger
		_ = level.Log("msg", "processing non-empty virtual port", "port", port, "status", status, "busid", busid)
		if err := d.describeRemoteFromBusid(slot, busid); err != nil {
			return errors.Wrapf(err, "failed to describe device %s", busid)
		}
	}
	return nil
}

// UpdateAttachedDevices re-reads every controller's status attribute
// and refreshes the in-memory port table from it.
func (d *sysfsSink) UpdateAttachedDevices() error {
	for i := uint(0); i < d.availableControllers; i++ {
		name := "status"
		if i > 0 {
			name = fmt.Sprintf("status.%d", i)
		}
		status, err := d.readAttribute(hostControllerPath(), name)
		if err != nil {
			return errors.Newf("failed to get status of controller %d", i)
		}
		if err := d.updateFromControllerStatus(status); err != nil {
			return err
		}
	}
	return nil
}

func (d *sysfsSink) freePort(speed PortSpeed) (VirtualPort, error) {
	for _, slot := range d.ports {
		if (slot.HubSpeed == HubSpeedSuper) != (speed == PortSpeedSuper) {
			continue
		}
		if slot.IsEmpty() {
			return slot.Port, nil
		}
	}
	return 0, errors.New("failed to find free port")
}

// AttachDevice reserves a free port matching speed and issues the
// vhci_hcd attach write with conn's raw file descriptor. See the Sink
// doc comment for what happens to that fd after this call returns.
func (d *sysfsSink) AttachDevice(conn *net.TCPConn, deviceID uint32, speed PortSpeed) (VirtualPort, error) {
	port, err := d.freePort(speed)
	if err != nil {
		return 0, err
	}

	rawConn, err := conn.SyscallConn()
	if err != nil {
		return 0, errors.Wrap(err, "failed to access raw connection")
	}
	var attachErr error
	ctlErr := rawConn.Control(func(fd uintptr) {
		attachErr = d.writeAttach(port, uint(fd), deviceID, speed)
	})
	if attachErr != nil {
		return 0, attachErr
	}
	if ctlErr != nil {
		return 0, errors.Wrap(ctlErr, "raw i/o to attach device failed")
	}
	return port, nil
}

func (d *sysfsSink) writeAttach(port VirtualPort, fd uint, deviceID uint32, speed PortSpeed) error {
	attachPath := path.Join(hostControllerPath(), "attach")
	attachStr := fmt.Sprintf("%d %d %d %d", port, fd, deviceID, speed)
	return d.writeStringToFile(attachPath, attachStr)
}

// DetachDevice frees a previously attached port.
func (d *sysfsSink) DetachDevice(port VirtualPort) error {
	if int(port) >= len(d.ports) {
		return errors.Newf("port number %d out of bounds", port)
	}
	detachPath := path.Join(hostControllerPath(), "detach")
	return d.writeStringToFile(detachPath, fmt.Sprintf("%d", port))
}

func (d *sysfsSink) writeStringToFile(p string, content string) error {
	f, err := os.OpenFile(filepath.Join(sysRoot, p), os.O_WRONLY, 0)
	if err != nil {
		return errors.Wrapf(err, "failed to open %s for writing", p)
	}
	defer f.Close()

	if _, err := f.WriteString(content); err != nil {
		return errors.Wrapf(err, "failed to write command to %s", p)
	}
	return nil
}

// NewSysfsSink builds a Sink by reading the vhci_hcd controller(s)
// visible through fsys. Pass the real host /sys tree in production; in
// tests pass a testing/fstest.MapFS fixture.
func NewSysfsSink(fsys fs.FS, logger log.Logger) (Sink, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}

	d := &sysfsSink{fsys: fsys, logger: logger}

	if err := d.initPorts(); err != nil {
		return nil, err
	}
	if err := d.countControllers(); err != nil {
		return nil, err
	}

	_ = logger.Log("msg", "initialized local device sink", "nports", len(d.ports), "ncontrollers", d.availableControllers)

	if err := d.UpdateAttachedDevices(); err != nil {
		return nil, err
	}
	return d, nil
}
