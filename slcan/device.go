package slcan

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.bug.st/serial"

	"github.com/canflow/iocore/buffer"
	"github.com/canflow/iocore/canerr"
	"github.com/canflow/iocore/frame"
	"github.com/canflow/iocore/iodevice"
)

const (
	readTimeout = 10 * time.Millisecond
	cmdSettle   = 50 * time.Millisecond
)

// openPort is swapped out in tests.
var openPort = serial.Open

// Config configures a Device, sourced from a profile.Profile's connection
// map.
type Config struct {
	Port        string
	BaudRate    int
	Bitrate     int
	SilentMode  bool
	BusOverride *uint8
}

type txRequest struct {
	frame frame.CanTransmitFrame
	reply chan frame.TransmitResult
}

// Device is the slcan ASCII CAN device.
type Device struct {
	iodevice.Unsupported

	name      string
	sessionID string
	cfg       Config
	store     *buffer.Store
	sink      iodevice.EventSink
	log       logrus.FieldLogger

	portMu sync.Mutex
	port   serial.Port

	bufferID string
	stateMu  sync.Mutex
	state    iodevice.IOState

	cancel chan struct{}
	done   chan struct{}
	txChan chan txRequest
}

// NewDevice constructs a Device. The device is not started.
func NewDevice(sessionID string, cfg Config, store *buffer.Store, sink iodevice.EventSink, log logrus.FieldLogger) *Device {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 115200
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	name := fmt.Sprintf("slcan:%s", cfg.Port)
	return &Device{
		name: name, sessionID: sessionID, cfg: cfg, store: store, sink: sink, log: log,
		Unsupported: iodevice.Unsupported{DeviceName: name},
		state:       iodevice.Stopped,
	}
}

func (d *Device) Capabilities() iodevice.Capabilities {
	return iodevice.Capabilities{CanTransmit: !d.cfg.SilentMode, Realtime: true}
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

// Start opens the serial port and runs the setup sequence: C\r, Sn\r,
// M0|M1\r, O\r, each with a ~50ms settle.
func (d *Device) Start(ctx context.Context) error {
	d.stateMu.Lock()
	if d.state == iodevice.Running || d.state == iodevice.Starting {
		d.stateMu.Unlock()
		return canerr.New(d.name, canerr.Configuration, "already running")
	}
	d.state = iodevice.Starting
	d.stateMu.Unlock()

	bitCmd, err := FindBitrateCommand(d.cfg.Bitrate)
	if err != nil {
		d.setState(iodevice.Stopped)
		return err
	}

	mode := &serial.Mode{BaudRate: d.cfg.BaudRate}
	port, err := openPort(d.cfg.Port, mode)
	if err != nil {
		d.setState(iodevice.Stopped)
		return canerr.New(d.name, canerr.Connection, err.Error())
	}

	modeCmd := "M0\r"
	if d.cfg.SilentMode {
		modeCmd = "M1\r"
	}
	for _, cmd := range []string{"C\r", bitCmd + "\r", modeCmd, "O\r"} {
		if _, err := port.Write([]byte(cmd)); err != nil {
			port.Close()
			d.setState(iodevice.Stopped)
			return canerr.New(d.name, canerr.Connection, "setup: "+err.Error())
		}
		time.Sleep(cmdSettle)
	}

	d.portMu.Lock()
	d.port = port
	d.bufferID = d.store.CreateBuffer(buffer.TypeFrames, d.name)
	d.cancel = make(chan struct{})
	d.done = make(chan struct{})
	d.txChan = make(chan txRequest, 32)
	d.portMu.Unlock()
	d.setState(iodevice.Running)

	go d.runLoop()
	return nil
}

// Stop sends the teardown command (C\r), requests cancellation, and waits
// for the background loop to exit.
func (d *Device) Stop() error {
	d.stateMu.Lock()
	if d.state == iodevice.Stopped {
		d.stateMu.Unlock()
		return nil
	}
	d.stateMu.Unlock()

	d.portMu.Lock()
	cancel, done := d.cancel, d.done
	d.portMu.Unlock()

	if cancel != nil {
		close(cancel)
	}
	if done != nil {
		<-done
	}
	d.setState(iodevice.Stopped)
	return nil
}

func (d *Device) runLoop() {
	defer close(d.done)

	var asm LineAssembler
	readBuf := make([]byte, 256)
	d.port.SetReadTimeout(readTimeout)
	reason := iodevice.ReasonComplete

loop:
	for {
		select {
		case <-d.cancel:
			reason = iodevice.ReasonStopped
			break loop
		default:
		}

		select {
		case req := <-d.txChan:
			d.doTransmit(req)
		default:
		}

		d.portMu.Lock()
		n, err := d.port.Read(readBuf)
		d.portMu.Unlock()
		if err != nil {
			reason = iodevice.ReasonError
			d.sink.Emit(d.sessionID, iodevice.NewCanBytesError(err.Error()))
			break loop
		}
		if n == 0 {
			continue
		}

		lines := asm.Feed(readBuf[:n])
		if len(lines) == 0 {
			continue
		}
		var frames []frame.Frame
		for _, line := range lines {
			f, ok := ParseLine(line)
			if !ok {
				continue
			}
			f.TimestampUs = nowMicros()
			if d.cfg.BusOverride != nil {
				f.Bus = *d.cfg.BusOverride
			}
			frames = append(frames, f)
		}
		if len(frames) == 0 {
			continue
		}
		d.store.AppendFramesToBuffer(d.bufferID, frames)
		d.sink.Emit(d.sessionID, iodevice.NewFrameMessage(frames))
	}

	d.finish(reason)
}

func (d *Device) finish(reason iodevice.EndReason) {
	d.portMu.Lock()
	port := d.port
	d.portMu.Unlock()
	if port != nil {
		port.Write([]byte("C\r"))
		port.Close()
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

func (d *Device) doTransmit(req txRequest) {
	if d.cfg.SilentMode {
		req.reply <- frame.TransmitResult{Err: canerr.New(d.name, canerr.Configuration, "transmit is disabled in silent mode")}
		return
	}

	line, err := Encode(req.frame)
	if err != nil {
		req.reply <- frame.TransmitResult{Err: err}
		return
	}

	d.portMu.Lock()
	port := d.port
	_, werr := port.Write(line)
	d.portMu.Unlock()
	if werr != nil {
		req.reply <- frame.TransmitResult{Err: canerr.New(d.name, canerr.Transmission, werr.Error())}
		return
	}

	echo := frame.Frame{
		Protocol: "can", FrameID: req.frame.FrameID, Bus: req.frame.Bus,
		DLC: uint8(len(req.frame.Data)), Bytes: req.frame.Data,
		IsExtended: req.frame.IsExtended, IsRTR: req.frame.IsRTR,
		TimestampUs: nowMicros(), Direction: "tx",
	}
	d.store.AppendFramesToBuffer(d.bufferID, []frame.Frame{echo})
	d.sink.Emit(d.sessionID, iodevice.NewFrameMessage([]frame.Frame{echo}))
	req.reply <- frame.TransmitResult{Accepted: true}
}

// TransmitFrame acquires the port mutex briefly to write the encoded line,
// then emits a TX echo. Fails Configuration if the
// device is in silent mode.
func (d *Device) TransmitFrame(f frame.CanTransmitFrame) frame.TransmitResult {
	if d.State() != iodevice.Running {
		return frame.TransmitResult{Err: canerr.New(d.name, canerr.Configuration, "device is not running")}
	}
	if d.cfg.SilentMode {
		return frame.TransmitResult{Err: canerr.New(d.name, canerr.Configuration, "transmit is disabled in silent mode")}
	}

	reply := make(chan frame.TransmitResult, 1)
	select {
	case d.txChan <- txRequest{frame: f, reply: reply}:
	default:
		return frame.TransmitResult{Err: canerr.New(d.name, canerr.Transmission, "transmit channel full")}
	}

	select {
	case res := <-reply:
		return res
	case <-time.After(500 * time.Millisecond):
		return frame.TransmitResult{Err: canerr.NewTimeout(d.name, "transmit", "no reply within 500ms")}
	}
}

func nowMicros() int64 {
	return time.Now().UnixMicro()
}
