//go:build linux

package socketcan

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/canflow/iocore/buffer"
	"github.com/canflow/iocore/canerr"
	"github.com/canflow/iocore/frame"
	"github.com/canflow/iocore/iodevice"
)

// readTimeout bounds how quickly the read loop observes cancellation.
const readTimeout = 100 * time.Millisecond

// Config configures a Device, sourced from a profile.Profile's connection
// map.
type Config struct {
	Interface   string
	BusOverride *uint8
}

// Device wraps a Linux AF_CAN raw socket.
type Device struct {
	iodevice.Unsupported

	name      string
	sessionID string
	cfg       Config
	store     *buffer.Store
	sink      iodevice.EventSink
	log       logrus.FieldLogger

	stateMu sync.Mutex
	state   iodevice.IOState

	fd       int
	bufferID string
	cancel   chan struct{}
	done     chan struct{}
	writeMu  sync.Mutex
}

// NewDevice constructs a Device. The device is not started.
func NewDevice(sessionID string, cfg Config, store *buffer.Store, sink iodevice.EventSink, log logrus.FieldLogger) *Device {
	if log == nil {
		log = logrus.StandardLogger()
	}
	name := fmt.Sprintf("socketcan:%s", cfg.Interface)
	return &Device{
		name: name, sessionID: sessionID, cfg: cfg, store: store, sink: sink, log: log,
		Unsupported: iodevice.Unsupported{DeviceName: name},
		state:       iodevice.Stopped,
		fd:          -1,
	}
}

func (d *Device) Capabilities() iodevice.Capabilities {
	return iodevice.Capabilities{CanTransmit: true, Realtime: true}
}

func (d *Device) State() iodevice.IOState {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	return d.state
}

func (d *Device) SessionID() string { return d.sessionID }

func (d *Device) setState(s iodevice.IOState) {
	d.stateMu.Lock()
	d.state = s
	d.stateMu.Unlock()
}

// Start opens interface name, binds an AF_CAN raw socket, and sets a read
// timeout so the background loop can observe cancellation.
func (d *Device) Start(ctx context.Context) error {
	d.stateMu.Lock()
	if d.state == iodevice.Running || d.state == iodevice.Starting {
		d.stateMu.Unlock()
		return canerr.New(d.name, canerr.Configuration, "already running")
	}
	d.state = iodevice.Starting
	d.stateMu.Unlock()

	iface, err := net.InterfaceByName(d.cfg.Interface)
	if err != nil {
		d.setState(iodevice.Stopped)
		return canerr.New(d.name, canerr.DeviceNotFound, err.Error())
	}

	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		d.setState(iodevice.Stopped)
		return canerr.New(d.name, canerr.Connection, err.Error())
	}
	tv := unix.Timeval{Usec: readTimeout.Microseconds()}
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		unix.Close(fd)
		d.setState(iodevice.Stopped)
		return canerr.New(d.name, canerr.Connection, "set read timeout: "+err.Error())
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: iface.Index}); err != nil {
		unix.Close(fd)
		d.setState(iodevice.Stopped)
		return canerr.New(d.name, canerr.Connection, "bind: "+err.Error())
	}

	d.fd = fd
	d.bufferID = d.store.CreateBuffer(buffer.TypeFrames, d.name)
	d.cancel = make(chan struct{})
	d.done = make(chan struct{})
	d.setState(iodevice.Running)

	go d.readLoop()
	return nil
}

func (d *Device) readLoop() {
	defer close(d.done)
	buf := make([]byte, frameSize)
	reason := iodevice.ReasonComplete

loop:
	for {
		select {
		case <-d.cancel:
			reason = iodevice.ReasonStopped
			break loop
		default:
		}

		n, err := unix.Read(d.fd, buf)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
				continue
			}
			reason = iodevice.ReasonError
			d.sink.Emit(d.sessionID, iodevice.NewCanBytesError(err.Error()))
			break loop
		}
		if n == 0 {
			reason = iodevice.ReasonDisconnected
			break loop
		}

		f, ok := DecodeFrame(buf[:n])
		if !ok {
			continue
		}
		f.TimestampUs = time.Now().UnixMicro()
		if d.cfg.BusOverride != nil {
			f.Bus = *d.cfg.BusOverride
		}
		d.store.AppendFramesToBuffer(d.bufferID, []frame.Frame{f})
		d.sink.Emit(d.sessionID, iodevice.NewFrameMessage([]frame.Frame{f}))
	}

	d.finish(reason)
}

func (d *Device) finish(reason iodevice.EndReason) {
	unix.Close(d.fd)

	meta, err := d.store.FinalizeBuffer(buffer.TypeFrames)
	payload := iodevice.StreamEndedPayload{Reason: reason}
	if err == nil {
		payload.BufferAvailable = meta.Count > 0
		payload.BufferID = meta.ID
		payload.BufferType = meta.BufferType.String()
		payload.Count = meta.Count
		if meta.Count > 0 {
			payload.TimeRange = &iodevice.TimeRange{StartTimeUs: meta.StartTimeUs, EndTimeUs: meta.EndTimeUs}
		}
	}
	d.sink.Emit(d.sessionID, iodevice.NewStreamEnded(payload))
	if reason == iodevice.ReasonComplete || reason == iodevice.ReasonStopped {
		d.sink.Emit(d.sessionID, iodevice.NewStreamComplete(reason == iodevice.ReasonComplete))
	}
}

// Stop signals cancellation and waits for the read loop to exit; the loop
// sees the signal within readTimeout and closes the socket on its way out.
func (d *Device) Stop() error {
	d.stateMu.Lock()
	if d.state == iodevice.Stopped {
		d.stateMu.Unlock()
		return nil
	}
	cancel, done := d.cancel, d.done
	d.stateMu.Unlock()

	if cancel != nil {
		close(cancel)
	}
	if done != nil {
		<-done
	}
	d.setState(iodevice.Stopped)
	return nil
}

// TransmitFrame writes the 16-byte can_frame directly; SocketCAN has no
// reply protocol, so the echo is synthesized immediately after a
// successful write.
func (d *Device) TransmitFrame(f frame.CanTransmitFrame) frame.TransmitResult {
	if d.State() != iodevice.Running {
		return frame.TransmitResult{Err: canerr.New(d.name, canerr.Configuration, "device is not running")}
	}

	encoded := EncodeFrame(f)
	d.writeMu.Lock()
	_, err := unix.Write(d.fd, encoded)
	d.writeMu.Unlock()
	if err != nil {
		return frame.TransmitResult{Err: canerr.New(d.name, canerr.Transmission, err.Error())}
	}

	echo := frame.Frame{
		Protocol: "can", FrameID: f.FrameID, Bus: f.Bus, DLC: uint8(len(f.Data)), Bytes: f.Data,
		IsExtended: f.IsExtended, IsRTR: f.IsRTR, TimestampUs: time.Now().UnixMicro(), Direction: "tx",
	}
	d.store.AppendFramesToBuffer(d.bufferID, []frame.Frame{echo})
	d.sink.Emit(d.sessionID, iodevice.NewFrameMessage([]frame.Frame{echo}))
	return frame.TransmitResult{Accepted: true}
}
