package gvret

import (
	"context"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/canflow/iocore/buffer"
	"github.com/canflow/iocore/frame"
	"github.com/canflow/iocore/iodevice"
)

// recordingSink collects every event emitted by a device, for assertions.
type recordingSink struct {
	mu     sync.Mutex
	events []iodevice.Event
}

func (s *recordingSink) Emit(_ string, e iodevice.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) frameMessages() [][]frame.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out [][]frame.Frame
	for _, e := range s.events {
		if e.Kind == iodevice.EventFrameMessage {
			out = append(out, e.Payload.([]frame.Frame))
		}
	}
	return out
}

func (s *recordingSink) byKind(kind iodevice.EventKind) []iodevice.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []iodevice.Event
	for _, e := range s.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func TestTCPDeviceReceivesAndEchoesTransmit(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	record := deviceFrameRecord(t, 0x100, 0, []byte{1, 2, 3}, false)
	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		// Drain the binary-mode handshake bytes.
		hs := make([]byte, len(ProbeEnableBinary))
		conn.Read(hs)

		conn.Write(record)

		// Hold the connection open briefly so the device's transmit can land.
		conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		buf := make([]byte, 64)
		conn.Read(buf)
	}()

	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)

	store := buffer.New()
	sink := &recordingSink{}
	dev := NewTCPDevice("sess-1", TCPConfig{Host: host, Port: port, ConnectTimeout: time.Second}, store, sink, nil)

	if err := dev.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(time.Second)
	for len(sink.frameMessages()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	msgs := sink.frameMessages()
	if len(msgs) == 0 || len(msgs[0]) != 1 || msgs[0][0].FrameID != 0x100 {
		t.Fatalf("expected a received frame with id 0x100, got %+v", msgs)
	}
	if len(sink.byKind(iodevice.EventCanBytes)) == 0 {
		t.Error("expected a per-frame can-bytes diagnostic alongside the frame")
	}

	res := dev.TransmitFrame(frame.CanTransmitFrame{FrameID: 0x200, Data: []byte{9}})
	if res.Err != nil || !res.Accepted {
		t.Fatalf("transmit failed: %+v", res)
	}

	if err := dev.Stop(); err != nil {
		t.Fatal(err)
	}
	<-serverDone

	found := false
	for _, batch := range sink.frameMessages() {
		for _, f := range batch {
			if f.Direction == "tx" && f.FrameID == 0x200 {
				found = true
			}
		}
	}
	if !found {
		t.Error("expected a tx echo frame for the transmitted frame")
	}
}

func TestTCPDeviceMaxFramesEndsComplete(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	records := append(deviceFrameRecord(t, 0x10, 0, []byte{1}, false), deviceFrameRecord(t, 0x11, 0, []byte{2}, false)...)
	records = append(records, deviceFrameRecord(t, 0x12, 0, []byte{3}, false)...)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		hs := make([]byte, len(ProbeEnableBinary))
		conn.Read(hs)
		conn.Write(records)
		time.Sleep(time.Second)
	}()

	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)

	store := buffer.New()
	sink := &recordingSink{}
	dev := NewTCPDevice("sess-3", TCPConfig{Host: host, Port: port, ConnectTimeout: time.Second, MaxFrames: 2}, store, sink, nil)
	if err := dev.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer dev.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for len(sink.byKind(iodevice.EventStreamEnded)) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	ended := sink.byKind(iodevice.EventStreamEnded)
	if len(ended) != 1 {
		t.Fatalf("got %d stream-ended events, want 1", len(ended))
	}
	p := ended[0].Payload.(iodevice.StreamEndedPayload)
	if p.Reason != iodevice.ReasonComplete || p.Count != 2 {
		t.Errorf("stream-ended = %+v, want reason complete with 2 frames captured", p)
	}
}

func TestTCPDeviceConnectFailureReturnsConnectionError(t *testing.T) {
	store := buffer.New()
	sink := &recordingSink{}
	dev := NewTCPDevice("sess-2", TCPConfig{Host: "127.0.0.1", Port: 1, ConnectTimeout: 100 * time.Millisecond}, store, sink, nil)

	if err := dev.Start(context.Background()); err == nil {
		t.Fatal("expected connect failure against an unused port")
	}
	if dev.State() != iodevice.Stopped {
		t.Errorf("state = %v, want Stopped after a failed start", dev.State())
	}
}
