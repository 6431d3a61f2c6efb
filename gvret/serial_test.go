package gvret

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"go.bug.st/serial"

	"github.com/canflow/iocore/buffer"
	"github.com/canflow/iocore/frame"
	"github.com/canflow/iocore/iodevice"
)

// fakePort is an in-memory serial.Port. Reads pop queued chunks; an empty
// queue behaves like a read timeout (0, nil) after a short sleep.
type fakePort struct {
	mu     sync.Mutex
	chunks [][]byte
	writes []byte
}

func (p *fakePort) queue(b []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.chunks = append(p.chunks, b)
}

func (p *fakePort) written() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.writes...)
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	if len(p.chunks) == 0 {
		p.mu.Unlock()
		time.Sleep(time.Millisecond)
		return 0, nil
	}
	chunk := p.chunks[0]
	p.chunks = p.chunks[1:]
	p.mu.Unlock()
	return copy(b, chunk), nil
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writes = append(p.writes, b...)
	return len(b), nil
}

func (p *fakePort) SetMode(mode *serial.Mode) error                 { return nil }
func (p *fakePort) Drain() error                                    { return nil }
func (p *fakePort) ResetInputBuffer() error                         { return nil }
func (p *fakePort) ResetOutputBuffer() error                        { return nil }
func (p *fakePort) SetDTR(dtr bool) error                           { return nil }
func (p *fakePort) SetRTS(rts bool) error                           { return nil }
func (p *fakePort) GetModemStatusBits() (*serial.ModemStatusBits, error) { return &serial.ModemStatusBits{}, nil }
func (p *fakePort) SetReadTimeout(t time.Duration) error            { return nil }
func (p *fakePort) Close() error                                    { return nil }
func (p *fakePort) Break(d time.Duration) error                     { return nil }

func withFakePort(t *testing.T, port serial.Port) {
	t.Helper()
	orig := openPort
	openPort = func(name string, mode *serial.Mode) (serial.Port, error) {
		return port, nil
	}
	t.Cleanup(func() { openPort = orig })
}

func TestSerialDeviceHandshakeAndReceive(t *testing.T) {
	port := &fakePort{}
	withFakePort(t, port)

	store := buffer.New()
	sink := &recordingSink{}
	dev := NewSerialDevice("sess-s1", SerialConfig{Port: "/dev/ttyFAKE", BaudRate: 1000000}, store, sink, nil)

	port.queue(deviceFrameRecord(t, 0x123, 0, []byte{0xAA, 0xBB}, false))

	if err := dev.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	written := port.written()
	if !bytes.Contains(written, ProbeEnableBinary) {
		t.Errorf("setup did not send the binary-mode sequence, wrote %x", written)
	}
	if !bytes.Contains(written, ProbeDevInfo) {
		t.Errorf("setup did not request devinfo, wrote %x", written)
	}

	deadline := time.Now().Add(time.Second)
	for len(sink.frameMessages()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	msgs := sink.frameMessages()
	if len(msgs) == 0 || msgs[0][0].FrameID != 0x123 {
		t.Fatalf("expected a received frame with id 0x123, got %+v", msgs)
	}
	if msgs[0][0].TimestampUs == 0 {
		t.Error("received frame was not timestamped")
	}

	if err := dev.Stop(); err != nil {
		t.Fatal(err)
	}
	if dev.State() != iodevice.Stopped {
		t.Errorf("state = %v, want Stopped", dev.State())
	}
}

func TestSerialDeviceTransmitEchoesAndWrites(t *testing.T) {
	port := &fakePort{}
	withFakePort(t, port)

	store := buffer.New()
	sink := &recordingSink{}
	dev := NewSerialDevice("sess-s2", SerialConfig{Port: "/dev/ttyFAKE", BaudRate: 1000000}, store, sink, nil)
	if err := dev.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer dev.Stop()

	res := dev.TransmitFrame(frame.CanTransmitFrame{FrameID: 0x12345678, Bus: 1, Data: []byte{0xAA, 0xBB}, IsExtended: true})
	if res.Err != nil || !res.Accepted {
		t.Fatalf("transmit failed: %+v", res)
	}

	want := []byte{0xF1, 0x00, 0x78, 0x56, 0x34, 0x92, 0x01, 0x02, 0xAA, 0xBB}
	if !bytes.Contains(port.written(), want) {
		t.Errorf("transmit record % X not found in writes % X", want, port.written())
	}

	var echo *frame.Frame
	for _, batch := range sink.frameMessages() {
		for i := range batch {
			if batch[i].Direction == "tx" {
				echo = &batch[i]
			}
		}
	}
	if echo == nil {
		t.Fatal("no tx echo emitted")
	}
	if echo.FrameID != 0x12345678 || !echo.IsExtended || echo.TimestampUs == 0 {
		t.Errorf("echo = %+v, want extended id 0x12345678 with a timestamp", echo)
	}
}

func TestProbeSerialParsesNumBuses(t *testing.T) {
	port := &fakePort{}
	withFakePort(t, port)

	port.queue([]byte{0xF1, 0x07, 1, 2, 3, 4, 5})
	port.queue([]byte{0xF1, 0x0C, 0x03})

	res, err := ProbeSerial("/dev/ttyFAKE", 1000000)
	if err != nil {
		t.Fatal(err)
	}
	if res.NumBuses != 3 {
		t.Errorf("NumBuses = %d, want 3", res.NumBuses)
	}
	if len(res.DevInfo) != 5 {
		t.Errorf("DevInfo = % X, want the 5 devinfo payload bytes", res.DevInfo)
	}
	if !bytes.Contains(port.written(), ProbeNumBuses) {
		t.Error("probe did not request the bus count")
	}
}

func TestSerialDeviceBusOverride(t *testing.T) {
	port := &fakePort{}
	withFakePort(t, port)

	override := uint8(3)
	store := buffer.New()
	sink := &recordingSink{}
	dev := NewSerialDevice("sess-s3", SerialConfig{Port: "/dev/ttyFAKE", BaudRate: 1000000, BusOverride: &override}, store, sink, nil)

	port.queue(deviceFrameRecord(t, 0x7F, 0, []byte{0xFF}, false))

	if err := dev.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer dev.Stop()

	deadline := time.Now().Add(time.Second)
	for len(sink.frameMessages()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	msgs := sink.frameMessages()
	if len(msgs) == 0 || msgs[0][0].Bus != 3 {
		t.Fatalf("expected bus rewritten to 3, got %+v", msgs)
	}
}
