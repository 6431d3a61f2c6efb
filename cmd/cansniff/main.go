// Command cansniff opens a single CAN source (socketcan interface, GVRET TCP
// host, or slcan serial port) and prints every frame it sees to stdout.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/canflow/iocore/buffer"
	"github.com/canflow/iocore/frame"
	"github.com/canflow/iocore/gvret"
	"github.com/canflow/iocore/iodevice"
	"github.com/canflow/iocore/profile"
	"github.com/canflow/iocore/slcan"
	"github.com/canflow/iocore/socketcan"
)

var (
	kindFlag = flag.String("kind", "socketcan", "source kind: socketcan, gvret_tcp, slcan")
	ifname   = flag.String("iface", "can0", "socketcan interface name")
	host     = flag.String("host", "localhost", "gvret_tcp host")
	port     = flag.Int("port", 23, "gvret_tcp port")
	serPort  = flag.String("port-name", "/dev/ttyUSB0", "slcan serial port")
	bitrate  = flag.Int("bitrate", 500000, "slcan bitrate")
)

// stdoutSink is a minimal iodevice.EventSink that logs every event to
// stdout, standing in for the out-of-scope GUI/analytics event layer.
type stdoutSink struct{}

func (stdoutSink) Emit(sessionID string, e iodevice.Event) {
	switch e.Kind {
	case iodevice.EventFrameMessage:
		for _, f := range e.Payload.([]frame.Frame) {
			fmt.Printf("%s bus=%d id=%#x dlc=%d data=% x\n", sessionID, f.Bus, f.FrameID, f.DLC, f.Bytes)
		}
	case iodevice.EventCanBytesError:
		fmt.Printf("%s decode error: %v\n", sessionID, e.Payload)
	case iodevice.EventStreamEnded:
		p := e.Payload.(iodevice.StreamEndedPayload)
		fmt.Printf("%s stream ended: %s (buffer=%s count=%d)\n", sessionID, p.Reason, p.BufferID, p.Count)
	}
}

func main() {
	flag.Parse()
	log := logrus.StandardLogger()

	sessionID := uuid.NewString()
	store := buffer.New()
	sink := stdoutSink{}
	registry := profile.NewRegistry()

	var dev iodevice.Device
	var kind profile.Kind
	switch *kindFlag {
	case "socketcan":
		kind = profile.KindSocketCAN
		dev = socketcan.NewDevice(sessionID, socketcan.Config{Interface: *ifname}, store, sink, log)
	case "gvret_tcp":
		kind = profile.KindGvretTCP
		dev = gvret.NewTCPDevice(sessionID, gvret.TCPConfig{Host: *host, Port: *port, ConnectTimeout: 5 * time.Second}, store, sink, log)
	case "slcan":
		kind = profile.KindSlcan
		dev = slcan.NewDevice(sessionID, slcan.Config{Port: *serPort, BaudRate: 115200, Bitrate: *bitrate}, store, sink, log)
	default:
		log.Fatalf("unknown -kind %q", *kindFlag)
	}

	session := iodevice.NewSession(sessionID, "cli-"+*kindFlag, kind, dev, registry)

	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	go func() {
		<-sig
		cancel()
	}()

	if err := session.Start(ctx); err != nil {
		log.Fatalf("start: %v", err)
	}
	defer session.Stop()

	<-ctx.Done()
}
