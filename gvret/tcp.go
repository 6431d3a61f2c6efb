package gvret

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/canflow/iocore/buffer"
	"github.com/canflow/iocore/canerr"
	"github.com/canflow/iocore/frame"
	"github.com/canflow/iocore/iodevice"
)

// transmit channel capacity and timing constants.
const (
	txChanCapacity  = 32
	txRecvTimeout   = 10 * time.Millisecond
	readPollTimeout = 50 * time.Millisecond
	txReplyDeadline = 500 * time.Millisecond
)

// TCPConfig configures a TCPDevice, sourced from a profile.Profile's
// connection map (host, port, timeout).
type TCPConfig struct {
	Host           string
	Port           int
	ConnectTimeout time.Duration
	BusOverride    *uint8

	// MaxFrames, when > 0, ends the session with reason "complete" once
	// that many frames have been received.
	MaxFrames int
}

type txRequest struct {
	frame frame.CanTransmitFrame
	reply chan frame.TransmitResult
}

// TCPDevice is the GVRET device over a TCP connection.
type TCPDevice struct {
	iodevice.Unsupported

	name      string
	sessionID string
	cfg       TCPConfig
	store     *buffer.Store
	sink      iodevice.EventSink
	log       logrus.FieldLogger

	mu       sync.Mutex
	conn     net.Conn
	bufferID string
	state    iodevice.IOState

	cancel context.CancelFunc
	done   chan struct{}
	txChan chan txRequest
}

// NewTCPDevice constructs a TCPDevice. The device is not started.
func NewTCPDevice(sessionID string, cfg TCPConfig, store *buffer.Store, sink iodevice.EventSink, log logrus.FieldLogger) *TCPDevice {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 23
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	name := fmt.Sprintf("gvret-tcp:%s:%d", cfg.Host, cfg.Port)
	return &TCPDevice{
		name: name, sessionID: sessionID, cfg: cfg, store: store, sink: sink, log: log,
		Unsupported: iodevice.Unsupported{DeviceName: name},
		state:       iodevice.Stopped,
	}
}

func (d *TCPDevice) Capabilities() iodevice.Capabilities {
	return iodevice.Capabilities{CanTransmit: true, Realtime: true}
}

func (d *TCPDevice) State() iodevice.IOState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *TCPDevice) SessionID() string { return d.sessionID }

func (d *TCPDevice) setState(s iodevice.IOState) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

// Start dials the TCP connection, performs the binary-mode handshake, and
// launches the read and transmit tasks.
func (d *TCPDevice) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.state == iodevice.Running || d.state == iodevice.Starting {
		d.mu.Unlock()
		return canerr.New(d.name, canerr.Configuration, "already running")
	}
	d.state = iodevice.Starting
	d.mu.Unlock()

	addr := fmt.Sprintf("%s:%d", d.cfg.Host, d.cfg.Port)
	conn, err := net.DialTimeout("tcp", addr, d.cfg.ConnectTimeout)
	if err != nil {
		d.setState(iodevice.Stopped)
		return canerr.New(d.name, canerr.Connection, err.Error())
	}
	if _, err := conn.Write(ProbeEnableBinary); err != nil {
		conn.Close()
		d.setState(iodevice.Stopped)
		return canerr.New(d.name, canerr.Connection, "binary-mode handshake: "+err.Error())
	}

	runCtx, cancel := context.WithCancel(context.Background())
	d.mu.Lock()
	d.conn = conn
	d.bufferID = d.store.CreateBuffer(buffer.TypeFrames, d.name)
	d.cancel = cancel
	d.done = make(chan struct{})
	d.txChan = make(chan txRequest, txChanCapacity)
	d.state = iodevice.Running
	d.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(2)
	go d.readLoop(runCtx, &wg)
	go d.transmitLoop(runCtx, &wg)
	go func() {
		wg.Wait()
		close(d.done)
	}()

	return nil
}

// Stop requests cancellation, closes the connection to unblock the read
// loop, and waits for both background tasks to terminate.
func (d *TCPDevice) Stop() error {
	d.mu.Lock()
	if d.state == iodevice.Stopped {
		d.mu.Unlock()
		return nil
	}
	cancel := d.cancel
	conn := d.conn
	done := d.done
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	if done != nil {
		<-done
	}
	d.setState(iodevice.Stopped)
	return nil
}

func (d *TCPDevice) readLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	var parseBuf []byte
	readBuf := make([]byte, 4096)
	reason := iodevice.ReasonComplete
	totalFrames := 0

loop:
	for {
		select {
		case <-ctx.Done():
			reason = iodevice.ReasonStopped
			break loop
		default:
		}

		d.conn.SetReadDeadline(time.Now().Add(readPollTimeout))
		n, err := d.conn.Read(readBuf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if errors.Is(err, io.EOF) {
				reason = iodevice.ReasonDisconnected
			} else {
				reason = iodevice.ReasonError
				d.sink.Emit(d.sessionID, iodevice.NewCanBytesError(err.Error()))
			}
			break loop
		}

		parseBuf = append(parseBuf, readBuf[:n]...)
		res, rest := Decode(parseBuf)
		parseBuf = rest

		if len(res.Frames) == 0 {
			continue
		}
		now := time.Now().UnixMicro()
		for i := range res.Frames {
			res.Frames[i].TimestampUs = now
		}
		if d.cfg.MaxFrames > 0 {
			remaining := d.cfg.MaxFrames - totalFrames
			if remaining <= 0 {
				break loop
			}
			if len(res.Frames) > remaining {
				res.Frames = res.Frames[:remaining]
			}
		}
		if d.cfg.BusOverride != nil {
			for i := range res.Frames {
				res.Frames[i].Bus = *d.cfg.BusOverride
			}
		}
		for _, f := range res.Frames {
			d.sink.Emit(d.sessionID, iodevice.NewCanBytes(hex.EncodeToString(f.Bytes), len(f.Bytes), f.TimestampUs))
		}
		d.store.AppendFramesToBuffer(d.bufferID, res.Frames)
		d.sink.Emit(d.sessionID, iodevice.NewFrameMessage(res.Frames))
		totalFrames += len(res.Frames)
		if d.cfg.MaxFrames > 0 && totalFrames >= d.cfg.MaxFrames {
			break loop
		}
	}

	d.finish(reason)
}

func (d *TCPDevice) finish(reason iodevice.EndReason) {
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

func (d *TCPDevice) transmitLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-d.txChan:
			d.doTransmit(req)
		case <-time.After(txRecvTimeout):
		}
	}
}

func (d *TCPDevice) doTransmit(req txRequest) {
	encoded, err := Encode(req.frame)
	if err != nil {
		req.reply <- frame.TransmitResult{Err: err}
		return
	}

	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil {
		req.reply <- frame.TransmitResult{Err: canerr.New(d.name, canerr.Transmission, "not connected")}
		return
	}
	if _, err := conn.Write(encoded); err != nil {
		req.reply <- frame.TransmitResult{Err: canerr.New(d.name, canerr.Transmission, err.Error())}
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

// TransmitFrame is synchronous from the caller's view: a bounded try-send
// on the transmit channel, then a 500 ms wait for the transmit task's
// reply.
func (d *TCPDevice) TransmitFrame(f frame.CanTransmitFrame) frame.TransmitResult {
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
