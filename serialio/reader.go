// Package serialio implements the generic serial byte reader, with
// optional delimiter/SLIP/Modbus framing.
package serialio

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
	"github.com/canflow/iocore/serialframe"
)

const readTimeout = time.Millisecond

// openPort is swapped out in tests.
var openPort = serial.Open

// ParseParity maps a profile's parity string to a serial.Parity:
// "odd"->Odd, "even"->Even, anything else->None.
func ParseParity(s string) serial.Parity {
	switch s {
	case "odd":
		return serial.OddParity
	case "even":
		return serial.EvenParity
	default:
		return serial.NoParity
	}
}

// Config configures a Reader, sourced from a profile.Profile's connection
// map.
type Config struct {
	Port     string
	BaudRate int
	DataBits int
	StopBits serial.StopBits
	Parity   serial.Parity

	// Framer, if set, enables framed-message output. Raw bytes are also
	// captured as a secondary stream whenever Framer is set and
	// EmitRawAlongside is true.
	Framer           serialframe.Framer
	EmitRawAlongside bool

	FrameIDExtractor       *frame.ExtractorConfig
	SourceAddressExtractor *frame.ExtractorConfig
}

// Reader is the generic serial byte device.
type Reader struct {
	iodevice.Unsupported

	name      string
	sessionID string
	cfg       Config
	store     *buffer.Store
	sink      iodevice.EventSink
	log       logrus.FieldLogger

	portMu sync.Mutex
	port   serial.Port

	stateMu sync.Mutex
	state   iodevice.IOState

	bytesBufferID string
	framesBufferID string

	totalFed   int64
	tsHistory  []int64 // tsHistory[i] is the timestamp of byte at index historyBase+i
	historyBase int64

	pause  chan struct{}
	resume chan struct{}
	paused bool

	cancel chan struct{}
	done   chan struct{}
}

// NewReader constructs a Reader. The device is not started.
func NewReader(sessionID string, cfg Config, store *buffer.Store, sink iodevice.EventSink, log logrus.FieldLogger) *Reader {
	if cfg.DataBits == 0 {
		cfg.DataBits = 8
	}
	if cfg.StopBits == 0 {
		cfg.StopBits = serial.OneStopBit
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	name := fmt.Sprintf("serial:%s", cfg.Port)
	return &Reader{
		name: name, sessionID: sessionID, cfg: cfg, store: store, sink: sink, log: log,
		Unsupported: iodevice.Unsupported{DeviceName: name},
		state:       iodevice.Stopped,
	}
}

// Capabilities reports pausable-but-live: unlike the CAN devices, the
// serial byte reader can pause (dropping bytes while paused).
func (r *Reader) Capabilities() iodevice.Capabilities {
	return iodevice.Capabilities{CanPause: true, Realtime: true}
}

func (r *Reader) State() iodevice.IOState {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return r.state
}

func (r *Reader) SessionID() string { return r.sessionID }

func (r *Reader) setState(s iodevice.IOState) {
	r.stateMu.Lock()
	r.state = s
	r.stateMu.Unlock()
}

// Start opens the serial port and launches the read loop.
func (r *Reader) Start(ctx context.Context) error {
	r.stateMu.Lock()
	if r.state == iodevice.Running || r.state == iodevice.Starting {
		r.stateMu.Unlock()
		return canerr.New(r.name, canerr.Configuration, "already running")
	}
	r.state = iodevice.Starting
	r.stateMu.Unlock()

	mode := &serial.Mode{BaudRate: r.cfg.BaudRate, DataBits: r.cfg.DataBits, StopBits: r.cfg.StopBits, Parity: r.cfg.Parity}
	port, err := openPort(r.cfg.Port, mode)
	if err != nil {
		r.setState(iodevice.Stopped)
		return canerr.New(r.name, canerr.Connection, err.Error())
	}
	port.SetReadTimeout(readTimeout)

	r.portMu.Lock()
	r.port = port
	if r.cfg.Framer != nil {
		r.framesBufferID = r.store.CreateBuffer(buffer.TypeFrames, r.name)
		if r.cfg.EmitRawAlongside {
			r.bytesBufferID = r.store.CreateBufferInactive(buffer.TypeBytes, r.name)
		}
	} else {
		r.bytesBufferID = r.store.CreateBuffer(buffer.TypeBytes, r.name)
	}
	r.cancel = make(chan struct{})
	r.done = make(chan struct{})
	r.portMu.Unlock()
	r.setState(iodevice.Running)

	go r.readLoop()
	return nil
}

// Stop requests cancellation and waits for the read loop to exit.
func (r *Reader) Stop() error {
	r.stateMu.Lock()
	if r.state == iodevice.Stopped {
		r.stateMu.Unlock()
		return nil
	}
	r.stateMu.Unlock()

	r.portMu.Lock()
	cancel, done := r.cancel, r.done
	r.portMu.Unlock()

	if cancel != nil {
		close(cancel)
	}
	if done != nil {
		<-done
	}
	r.setState(iodevice.Stopped)
	return nil
}

// Pause keeps the port open but drains incoming bytes to /dev/null,
// discarding them.
func (r *Reader) Pause() error {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	if r.state != iodevice.Running {
		return canerr.New(r.name, canerr.Configuration, "cannot pause unless running")
	}
	r.state = iodevice.Paused
	r.paused = true
	return nil
}

// Resume clears a prior Pause.
func (r *Reader) Resume() error {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	if r.state != iodevice.Paused {
		return canerr.New(r.name, canerr.Configuration, "cannot resume unless paused")
	}
	r.state = iodevice.Running
	r.paused = false
	return nil
}

func (r *Reader) isPaused() bool {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return r.paused
}

func (r *Reader) readLoop() {
	defer close(r.done)
	buf := make([]byte, 4096)
	reason := iodevice.ReasonComplete
	var runningIndex uint32

loop:
	for {
		select {
		case <-r.cancel:
			reason = iodevice.ReasonStopped
			break loop
		default:
		}

		r.portMu.Lock()
		n, err := r.port.Read(buf)
		r.portMu.Unlock()
		if err != nil {
			reason = iodevice.ReasonError
			r.sink.Emit(r.sessionID, iodevice.NewCanBytesError(err.Error()))
			break loop
		}
		if n == 0 {
			continue
		}

		if r.isPaused() {
			// Drain without recording: discard while paused so the OS
			// buffer doesn't overflow.
			continue
		}

		now := time.Now().UnixMicro()
		tsBytes := make([]frame.TimestampedByte, n)
		for i := 0; i < n; i++ {
			tsBytes[i] = frame.TimestampedByte{Byte: buf[i], TimestampUs: now}
		}

		if r.cfg.Framer == nil {
			r.store.AppendRawBytesToBuffer(r.bytesBufferID, tsBytes)
			r.sink.Emit(r.sessionID, iodevice.NewSerialRawBytes(tsBytes, r.cfg.Port))
			continue
		}

		if r.cfg.EmitRawAlongside {
			r.store.AppendRawBytesToBuffer(r.bytesBufferID, tsBytes)
			r.sink.Emit(r.sessionID, iodevice.NewSerialRawBytes(tsBytes, r.cfg.Port))
		}

		for _, tb := range tsBytes {
			r.tsHistory = append(r.tsHistory, tb.TimestampUs)
		}
		r.totalFed += int64(n)

		emitted := r.cfg.Framer.Feed(buf[:n])
		var frames []frame.Frame
		for _, e := range emitted {
			ts := r.timestampFor(e.StartIndex, now)
			frames = append(frames, r.buildFrame(e, ts, &runningIndex))
		}
		// Trim history we no longer need: anything before the current
		// total minus the longest plausible in-flight frame length.
		r.trimHistory()

		if len(frames) == 0 {
			continue
		}
		r.store.AppendFramesToBuffer(r.framesBufferID, frames)
		r.sink.Emit(r.sessionID, iodevice.NewFrameMessage(frames))
	}

	if r.cfg.Framer != nil {
		if e := r.cfg.Framer.Flush(); e != nil {
			f := r.buildFrame(*e, time.Now().UnixMicro(), &runningIndex)
			r.store.AppendFramesToBuffer(r.framesBufferID, []frame.Frame{f})
			r.sink.Emit(r.sessionID, iodevice.NewFrameMessage([]frame.Frame{f}))
		}
	}

	r.finish(reason)
}

// timestampFor looks up the capture timestamp for the byte at absolute
// index idx in r.tsHistory, falling back to now if the index has already
// been trimmed (shouldn't happen in practice since trimHistory only drops
// fully-consumed prefix).
func (r *Reader) timestampFor(idx int64, now int64) int64 {
	pos := idx - r.historyBase
	if pos < 0 || pos >= int64(len(r.tsHistory)) {
		return now
	}
	return r.tsHistory[pos]
}

func (r *Reader) trimHistory() {
	// Retain history from the framer's current in-progress frame start
	// onward; since Framer doesn't expose that directly, bound retention
	// to the last 8192 bytes, comfortably larger than any frame this
	// module's framers produce.
	const retain = 8192
	if int64(len(r.tsHistory)) > retain {
		drop := int64(len(r.tsHistory)) - retain
		r.tsHistory = r.tsHistory[drop:]
		r.historyBase += drop
	}
}

func (r *Reader) buildFrame(e serialframe.Emitted, ts int64, runningIndex *uint32) frame.Frame {
	f := frame.Frame{
		Protocol:    "serial",
		TimestampUs: ts,
		Bus:         0,
		DLC:         uint8(len(e.Bytes)),
		Bytes:       e.Bytes,
		Incomplete:  e.Incomplete,
	}
	if r.cfg.FrameIDExtractor != nil {
		if id, ok := frame.Extract(e.Bytes, *r.cfg.FrameIDExtractor); ok {
			f.FrameID = id
		}
	} else {
		f.FrameID = *runningIndex
		*runningIndex++
	}
	if r.cfg.SourceAddressExtractor != nil {
		if v, ok := frame.Extract(e.Bytes, *r.cfg.SourceAddressExtractor); ok {
			addr := uint16(v)
			f.SourceAddress = &addr
		}
	}
	return f
}

func (r *Reader) finish(reason iodevice.EndReason) {
	r.portMu.Lock()
	if r.port != nil {
		r.port.Close()
	}
	r.portMu.Unlock()

	bufType := buffer.TypeBytes
	if r.cfg.Framer != nil {
		bufType = buffer.TypeFrames
	}
	meta, err := r.store.FinalizeBuffer(bufType)
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
	r.sink.Emit(r.sessionID, iodevice.NewStreamEnded(payload))
	if reason == iodevice.ReasonComplete || reason == iodevice.ReasonStopped {
		r.sink.Emit(r.sessionID, iodevice.NewStreamComplete(reason == iodevice.ReasonComplete))
	}
}
