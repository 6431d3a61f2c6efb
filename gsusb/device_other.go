//go:build !linux

package gsusb

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/canflow/iocore/buffer"
	"github.com/canflow/iocore/canerr"
	"github.com/canflow/iocore/frame"
	"github.com/canflow/iocore/iodevice"
)

// Config configures a Device on platforms without raw usbfs access.
type Config struct {
	DeviceIndex int
	Bitrate     int
	ListenOnly  bool
	BusOverride *uint8
}

// Device is a non-functional stub on non-Linux platforms: gs_usb's control
// and bulk transfers are implemented over raw Linux usbfs ioctls, which
// have no portable equivalent.
type Device struct {
	iodevice.Unsupported
	name string
}

// NewDevice constructs a stub Device that fails Start with a Configuration
// error.
func NewDevice(sessionID string, cfg Config, store *buffer.Store, sink iodevice.EventSink, log logrus.FieldLogger) *Device {
	name := fmt.Sprintf("gs_usb:%d", cfg.DeviceIndex)
	return &Device{name: name, Unsupported: iodevice.Unsupported{DeviceName: name}}
}

func (d *Device) Capabilities() iodevice.Capabilities { return iodevice.Capabilities{Realtime: true} }

func (d *Device) Start(ctx context.Context) error {
	return canerr.New(d.name, canerr.Configuration, "gs_usb is only supported on linux")
}

func (d *Device) Stop() error { return nil }

func (d *Device) State() iodevice.IOState { return iodevice.Stopped }

func (d *Device) SessionID() string { return "" }

func (d *Device) TransmitFrame(frame.CanTransmitFrame) frame.TransmitResult {
	return frame.TransmitResult{Err: canerr.New(d.name, canerr.Configuration, "gs_usb is only supported on linux")}
}
