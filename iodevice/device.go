package iodevice

import (
	"context"

	"github.com/canflow/iocore/canerr"
	"github.com/canflow/iocore/frame"
)

// Device is the interface every protocol implementation in this module
// satisfies: GVRET over TCP/serial, slcan, gs_usb, SocketCAN, the generic
// serial byte reader, and the buffer (replay) reader. A Device owns its
// connection handle and control flags; a Session owns exactly one Device.
type Device interface {
	// Capabilities reports which optional operations below are valid to
	// call on this device.
	Capabilities() Capabilities

	// Start transitions Stopped/Completed -> Starting -> Running. It fails
	// if the device is already running.
	Start(ctx context.Context) error

	// Stop requests cancellation, waits for background work to terminate,
	// and transitions to Stopped. Safe to call on an already-stopped
	// device.
	Stop() error

	// Pause suspends emission. Valid only if Capabilities().CanPause.
	Pause() error
	// Resume clears a prior Pause. Valid only if Capabilities().CanPause.
	Resume() error

	// SetSpeed sets the replay speed multiplier. Valid only if
	// Capabilities().CanSetSpeed.
	SetSpeed(speed float64) error
	// SetTimeRange restricts replay to [startUs, endUs]. Valid only if
	// Capabilities().CanSeek.
	SetTimeRange(startUs, endUs int64) error
	// Seek jumps replay to timestampUs. Valid only if
	// Capabilities().CanSeek.
	Seek(timestampUs int64) error

	// TransmitFrame sends f on this device's transport. Valid only if
	// Capabilities().CanTransmit.
	TransmitFrame(f frame.CanTransmitFrame) frame.TransmitResult

	// State reports the device's current lifecycle state.
	State() IOState
	// SessionID returns the session id this device was started under.
	SessionID() string
}

// Unsupported is embedded by Device implementations to satisfy the optional
// methods (Pause/Resume/SetSpeed/SetTimeRange/Seek/TransmitFrame) with the
// Configuration-error rejection expected of devices whose
// Capabilities don't include the corresponding flag. Implementations that do
// support an operation override the method directly.
type Unsupported struct {
	DeviceName string
}

func (u Unsupported) Pause() error {
	return canerr.New(u.DeviceName, canerr.Configuration, "pause is not supported by this device")
}

func (u Unsupported) Resume() error {
	return canerr.New(u.DeviceName, canerr.Configuration, "resume is not supported by this device")
}

func (u Unsupported) SetSpeed(float64) error {
	return canerr.New(u.DeviceName, canerr.Configuration, "set_speed is not supported by this device")
}

func (u Unsupported) SetTimeRange(int64, int64) error {
	return canerr.New(u.DeviceName, canerr.Configuration, "set_time_range is not supported by this device")
}

func (u Unsupported) Seek(int64) error {
	return canerr.New(u.DeviceName, canerr.Configuration, "seek is not supported by this device")
}

func (u Unsupported) TransmitFrame(frame.CanTransmitFrame) frame.TransmitResult {
	err := canerr.New(u.DeviceName, canerr.Configuration, "transmit is not supported by this device")
	return frame.TransmitResult{Accepted: false, Err: err}
}
