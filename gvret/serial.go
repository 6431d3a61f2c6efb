package gvret

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

// serial-transport timing constants.
const (
	serialReadTimeout = 10 * time.Millisecond
	setupSettle       = 50 * time.Millisecond
)

// openPort is swapped out in tests.
var openPort = serial.Open

// SerialConfig configures a SerialDevice, sourced from a profile.Profile's
// connection map.
type SerialConfig struct {
	Port        string
	BaudRate    int
	DataBits    int
	StopBits    serial.StopBits
	Parity      serial.Parity
	BusOverride *uint8
}

// SerialDevice is the GVRET device over a blocking serial transport.
// Unlike TCPDevice, I/O runs on a single dedicated goroutine: within that
// one loop it interleaves non-blocking transmit-channel drains, a
// short-timeout read, and parse/emit, so a single port-handle mutex
// suffices instead of separate reader/writer halves.
type SerialDevice struct {
	iodevice.Unsupported

	name      string
	sessionID string
	cfg       SerialConfig
	store     *buffer.Store
	sink      iodevice.EventSink
	log       logrus.FieldLogger

	portMu   sync.Mutex
	port     serial.Port
	bufferID string

	stateMu sync.Mutex
	state   iodevice.IOState

	cancel  chan struct{}
	done    chan struct{}
	txChan  chan txRequest
}

// NewSerialDevice constructs a SerialDevice. The device is not started.
func NewSerialDevice(sessionID string, cfg SerialConfig, store *buffer.Store, sink iodevice.EventSink, log logrus.FieldLogger) *SerialDevice {
	if cfg.DataBits == 0 {
		cfg.DataBits = 8
	}
	if cfg.StopBits == 0 {
		cfg.StopBits = serial.OneStopBit
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	name := fmt.Sprintf("gvret-serial:%s", cfg.Port)
	return &SerialDevice{
		name: name, sessionID: sessionID, cfg: cfg, store: store, sink: sink, log: log,
		Unsupported: iodevice.Unsupported{DeviceName: name},
		state:       iodevice.Stopped,
	}
}

func (d *SerialDevice) Capabilities() iodevice.Capabilities {
	return iodevice.Capabilities{CanTransmit: true, Realtime: true}
}

func (d *SerialDevice) State() iodevice.IOState {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	return d.state
}

func (d *SerialDevice) SessionID() string { return d.sessionID }

func (d *SerialDevice) setState(s iodevice.IOState) {
	d.stateMu.Lock()
	d.state = s
	d.stateMu.Unlock()
}

// Start opens the serial port and runs the setup handshake: clear buffers,
// 0xE7 0xE7, flush, 50ms, 0xF1 0x07 (devinfo), flush, 50ms. The context
// is not consulted after Start returns; Stop is the only
// cancellation path once the background loop is running.
func (d *SerialDevice) Start(ctx context.Context) error {
	d.stateMu.Lock()
	if d.state == iodevice.Running || d.state == iodevice.Starting {
		d.stateMu.Unlock()
		return canerr.New(d.name, canerr.Configuration, "already running")
	}
	d.state = iodevice.Starting
	d.stateMu.Unlock()

	mode := &serial.Mode{BaudRate: d.cfg.BaudRate, DataBits: d.cfg.DataBits, StopBits: d.cfg.StopBits, Parity: d.cfg.Parity}
	port, err := openPort(d.cfg.Port, mode)
	if err != nil {
		d.setState(iodevice.Stopped)
		return canerr.New(d.name, canerr.Connection, err.Error())
	}

	port.ResetInputBuffer()
	port.ResetOutputBuffer()
	port.Write(ProbeEnableBinary)
	port.Drain()
	time.Sleep(setupSettle)
	port.Write(ProbeDevInfo)
	port.Drain()
	time.Sleep(setupSettle)

	d.portMu.Lock()
	d.port = port
	d.bufferID = d.store.CreateBuffer(buffer.TypeFrames, d.name)
	d.cancel = make(chan struct{})
	d.done = make(chan struct{})
	d.txChan = make(chan txRequest, txChanCapacity)
	d.portMu.Unlock()
	d.setState(iodevice.Running)

	go d.runLoop()
	return nil
}

// Stop requests cancellation and waits for the background loop to exit.
func (d *SerialDevice) Stop() error {
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

// runLoop is the single dedicated goroutine that interleaves transmit-drain,
// read, and parse/emit.
func (d *SerialDevice) runLoop() {
	defer close(d.done)

	var parseBuf []byte
	readBuf := make([]byte, 4096)
	d.port.SetReadTimeout(serialReadTimeout)
	reason := iodevice.ReasonComplete

loop:
	for {
		select {
		case <-d.cancel:
			reason = iodevice.ReasonStopped
			break loop
		default:
		}

		// (a) drain the transmit channel non-blocking.
		select {
		case req := <-d.txChan:
			d.doTransmit(req)
		default:
		}

		// (b) read with a small timeout to observe cancellation.
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

		// (c) parse and emit.
		parseBuf = append(parseBuf, readBuf[:n]...)
		res, rest := Decode(parseBuf)
		parseBuf = rest
		if len(res.Frames) == 0 {
			continue
		}
		now := time.Now().UnixMicro()
		for i := range res.Frames {
			res.Frames[i].TimestampUs = now
			if d.cfg.BusOverride != nil {
				res.Frames[i].Bus = *d.cfg.BusOverride
			}
		}
		d.store.AppendFramesToBuffer(d.bufferID, res.Frames)
		d.sink.Emit(d.sessionID, iodevice.NewFrameMessage(res.Frames))
	}

	d.finish(reason)
}

func (d *SerialDevice) finish(reason iodevice.EndReason) {
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
	d.portMu.Lock()
	if d.port != nil {
		d.port.Close()
	}
	d.portMu.Unlock()
}

func (d *SerialDevice) doTransmit(req txRequest) {
	encoded, err := Encode(req.frame)
	if err != nil {
		req.reply <- frame.TransmitResult{Err: err}
		return
	}

	d.portMu.Lock()
	port := d.port
	_, werr := port.Write(encoded)
	d.portMu.Unlock()
	if werr != nil {
		req.reply <- frame.TransmitResult{Err: canerr.New(d.name, canerr.Transmission, werr.Error())}
		return
	}

	echo := frame.Frame{
		Protocol: "can", FrameID: req.frame.FrameID, Bus: req.frame.Bus,
		DLC: uint8(len(req.frame.Data)), Bytes: req.frame.Data,
		IsExtended: req.frame.IsExtended, IsFD: req.frame.IsFD, IsRTR: req.frame.IsRTR,
		TimestampUs: time.Now().UnixMicro(), Direction: "tx",
	}
	d.store.AppendFramesToBuffer(d.bufferID, []frame.Frame{echo})
	d.sink.Emit(d.sessionID, iodevice.NewFrameMessage([]frame.Frame{echo}))
	req.reply <- frame.TransmitResult{Accepted: true}
}

// ProbeSerial opens portName and runs the probe sequence (binary-mode
// enable, devinfo, num-buses), then parses whatever the adapter answered.
// A silent or unrecognized adapter yields the sanitized defaults from
// ParseProbeResponse rather than an error; only a failed open errors.
func ProbeSerial(portName string, baud int) (ProbeResult, error) {
	mode := &serial.Mode{BaudRate: baud}
	port, err := openPort(portName, mode)
	if err != nil {
		return ProbeResult{}, canerr.New("gvret-serial:"+portName, canerr.Connection, err.Error())
	}
	defer port.Close()
	port.SetReadTimeout(serialReadTimeout)

	port.ResetInputBuffer()
	port.Write(ProbeEnableBinary)
	time.Sleep(setupSettle)
	port.Write(ProbeDevInfo)
	time.Sleep(setupSettle)
	port.Write(ProbeNumBuses)

	var acc []byte
	buf := make([]byte, 256)
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		n, err := port.Read(buf)
		if err != nil {
			break
		}
		if n == 0 {
			continue
		}
		acc = append(acc, buf[:n]...)
		if res, _ := Decode(acc); res.NumBuses != nil {
			break
		}
	}
	return ParseProbeResponse(acc), nil
}

// TransmitFrame implements the same synchronous surface as TCPDevice: a
// bounded try-send followed by a 500 ms wait on the reply channel.
func (d *SerialDevice) TransmitFrame(f frame.CanTransmitFrame) frame.TransmitResult {
	if d.State() != iodevice.Running {
		return frame.TransmitResult{Err: canerr.New(d.name, canerr.Configuration, "device is not running")}
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
	case <-time.After(txReplyDeadline):
		return frame.TransmitResult{Err: canerr.NewTimeout(d.name, "transmit", "no reply within 500ms")}
	}
}
