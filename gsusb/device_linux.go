//go:build linux

package gsusb

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/canflow/iocore/buffer"
	"github.com/canflow/iocore/canerr"
	"github.com/canflow/iocore/frame"
	"github.com/canflow/iocore/iodevice"
)

const (
	epBulkIn       = 0x81
	epBulkOut      = 0x02
	usbControlIn   = 0xC1 // device-to-host, vendor, interface
	usbControlOut  = 0x41 // host-to-device, vendor, interface
	channel        = 0 // single-channel adapters
	bulkReadLen    = 64
	numReadWorkers = 8
	bulkTimeout    = 100 * time.Millisecond
)

// Config configures a Device, sourced from a profile.Profile's connection
// map.
type Config struct {
	DeviceIndex int
	Bitrate     int
	ListenOnly  bool
	BusOverride *uint8
}

// Device is the gs_usb USB vendor-mode CAN adapter.
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

	handle   *usbHandle
	bufferID string
	cancel   context.CancelFunc
	done     chan struct{}

	writeMu sync.Mutex
}

// NewDevice constructs a Device. The device is not started.
func NewDevice(sessionID string, cfg Config, store *buffer.Store, sink iodevice.EventSink, log logrus.FieldLogger) *Device {
	if log == nil {
		log = logrus.StandardLogger()
	}
	name := fmt.Sprintf("gs_usb:%d", cfg.DeviceIndex)
	return &Device{
		name: name, sessionID: sessionID, cfg: cfg, store: store, sink: sink, log: log,
		Unsupported: iodevice.Unsupported{DeviceName: name},
		state:       iodevice.Stopped,
	}
}

func (d *Device) Capabilities() iodevice.Capabilities {
	return iodevice.Capabilities{CanTransmit: !d.cfg.ListenOnly, Realtime: true}
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

// Start enumerates and opens the adapter, negotiates HOST_FORMAT, sets bit
// timing, claims the interface, and sets MODE=start.
func (d *Device) Start(ctx context.Context) error {
	d.stateMu.Lock()
	if d.state == iodevice.Running || d.state == iodevice.Starting {
		d.stateMu.Unlock()
		return canerr.New(d.name, canerr.Configuration, "already running")
	}
	d.state = iodevice.Starting
	d.stateMu.Unlock()

	timing, err := BittimingPayload(d.cfg.Bitrate)
	if err != nil {
		d.setState(iodevice.Stopped)
		return err
	}

	devPath, err := FindDevicePath(d.cfg.DeviceIndex)
	if err != nil {
		d.setState(iodevice.Stopped)
		return err
	}
	h, err := openUSB(devPath)
	if err != nil {
		d.setState(iodevice.Stopped)
		return canerr.New(d.name, canerr.Connection, err.Error())
	}
	if err := h.claimInterface(0); err != nil {
		h.close()
		d.setState(iodevice.Stopped)
		return canerr.New(d.name, canerr.Connection, "claim interface: "+err.Error())
	}

	if _, err := h.controlTransfer(usbControlOut, ReqHostFormat, 1, channel, HostFormatPayload(), time.Second); err != nil {
		h.releaseInterface(0)
		h.close()
		d.setState(iodevice.Stopped)
		return canerr.New(d.name, canerr.Connection, "host format: "+err.Error())
	}
	if _, err := h.controlTransfer(usbControlOut, ReqBittiming, channel, channel, timing, time.Second); err != nil {
		h.releaseInterface(0)
		h.close()
		d.setState(iodevice.Stopped)
		return canerr.New(d.name, canerr.Connection, "bittiming: "+err.Error())
	}
	var flags uint32
	if d.cfg.ListenOnly {
		flags |= FlagListenOnly
	}
	if _, err := h.controlTransfer(usbControlOut, ReqMode, channel, channel, ModePayload(ModeStart, flags), time.Second); err != nil {
		h.releaseInterface(0)
		h.close()
		d.setState(iodevice.Stopped)
		return canerr.New(d.name, canerr.Connection, "mode start: "+err.Error())
	}

	runCtx, cancel := context.WithCancel(context.Background())
	d.handle = h
	d.bufferID = d.store.CreateBuffer(buffer.TypeFrames, d.name)
	d.cancel = cancel
	d.done = make(chan struct{})
	d.setState(iodevice.Running)

	var wg sync.WaitGroup
	frames := make(chan frame.Frame, 256)
	wg.Add(numReadWorkers)
	for i := 0; i < numReadWorkers; i++ {
		go d.readWorker(runCtx, &wg, frames)
	}
	go func() {
		wg.Wait()
		close(frames)
	}()
	go d.collectLoop(runCtx, frames)

	return nil
}

// readWorker simulates a pre-submitted bulk-IN transfer: it blocks on a
// bulk read with a short timeout so it can observe cancellation, then
// resubmits, standing in for one of the 8 pre-submitted bulk-IN transfers
// a URB-based driver would keep in flight.
func (d *Device) readWorker(ctx context.Context, wg *sync.WaitGroup, out chan<- frame.Frame) {
	defer wg.Done()
	buf := make([]byte, bulkReadLen)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, err := d.handle.bulkTransfer(epBulkIn, buf, bulkTimeout)
		if err != nil {
			continue // timeout or transient error: resubmit
		}
		f, _, isEcho, ok := DecodeHostFrame(buf[:n], channel)
		if !ok || isEcho {
			continue
		}
		f.TimestampUs = time.Now().UnixMicro()
		select {
		case out <- f:
		case <-ctx.Done():
			return
		}
	}
}

func (d *Device) collectLoop(ctx context.Context, frames <-chan frame.Frame) {
	defer close(d.done)
	reason := iodevice.ReasonComplete
	for {
		select {
		case <-ctx.Done():
			reason = iodevice.ReasonStopped
			goto finish
		case f, ok := <-frames:
			if !ok {
				reason = iodevice.ReasonComplete
				goto finish
			}
			if d.cfg.BusOverride != nil {
				f.Bus = *d.cfg.BusOverride
			}
			d.store.AppendFramesToBuffer(d.bufferID, []frame.Frame{f})
			d.sink.Emit(d.sessionID, iodevice.NewFrameMessage([]frame.Frame{f}))
		}
	}
finish:
	d.finish(reason)
}

func (d *Device) finish(reason iodevice.EndReason) {
	if d.handle != nil {
		d.handle.controlTransfer(usbControlOut, ReqMode, channel, channel, ModePayload(ModeStop, 0), time.Second)
		d.handle.releaseInterface(0)
		d.handle.close()
	}

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

// Stop stops the background reader workers and waits for them to exit.
func (d *Device) Stop() error {
	d.stateMu.Lock()
	if d.state == iodevice.Stopped {
		d.stateMu.Unlock()
		return nil
	}
	cancel, done := d.cancel, d.done
	d.stateMu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	d.setState(iodevice.Stopped)
	return nil
}

// TransmitFrame writes the encoded host frame to bulk-OUT with echo_id 0
// and emits a synthetic TX echo.
func (d *Device) TransmitFrame(f frame.CanTransmitFrame) frame.TransmitResult {
	if d.State() != iodevice.Running {
		return frame.TransmitResult{Err: canerr.New(d.name, canerr.Configuration, "device is not running")}
	}
	if d.cfg.ListenOnly {
		return frame.TransmitResult{Err: canerr.New(d.name, canerr.Configuration, "transmit is disabled in listen-only mode")}
	}

	encoded := EncodeHostFrame(f, channel, 0)
	d.writeMu.Lock()
	_, err := d.handle.bulkTransfer(epBulkOut, encoded, time.Second)
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
