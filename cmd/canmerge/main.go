// Command canmerge fans two socketcan interfaces into one merged stream,
// remapping each onto a distinct output bus, demonstrating merge.Merger the
// way cansniff demonstrates a single iodevice.Session.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/canflow/iocore/buffer"
	"github.com/canflow/iocore/frame"
	"github.com/canflow/iocore/iodevice"
	"github.com/canflow/iocore/merge"
	"github.com/canflow/iocore/profile"
)

var (
	iface1 = flag.String("iface1", "can0", "first socketcan interface")
	iface2 = flag.String("iface2", "can1", "second socketcan interface")
)

type stdoutSink struct{}

func (stdoutSink) Emit(sessionID string, e iodevice.Event) {
	switch e.Kind {
	case iodevice.EventFrameMessage:
		for _, f := range e.Payload.([]frame.Frame) {
			fmt.Printf("%s merged bus=%d id=%#x dlc=%d\n", sessionID, f.Bus, f.FrameID, f.DLC)
		}
	case iodevice.EventStreamEnded:
		p := e.Payload.(iodevice.StreamEndedPayload)
		fmt.Printf("%s merge ended: %s\n", sessionID, p.Reason)
	}
}

func main() {
	flag.Parse()
	log := logrus.StandardLogger()

	sessionID := uuid.NewString()
	store := buffer.New()
	sink := stdoutSink{}

	sources := []merge.SourceConfig{
		{
			ProfileID:   "can-a",
			ProfileKind: profile.KindSocketCAN,
			DisplayName: *iface1,
			Profile:     profile.Profile{Kind: profile.KindSocketCAN, Connection: map[string]any{"interface": *iface1}},
			BusMappings: []profile.BusMapping{{DeviceBus: 0, OutputBus: 0, Enabled: true}},
		},
		{
			ProfileID:   "can-b",
			ProfileKind: profile.KindSocketCAN,
			DisplayName: *iface2,
			Profile:     profile.Profile{Kind: profile.KindSocketCAN, Connection: map[string]any{"interface": *iface2}},
			BusMappings: []profile.BusMapping{{DeviceBus: 0, OutputBus: 1, Enabled: true}},
		},
	}

	m := merge.NewMerger(sessionID, sources, store, sink, log)

	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	go func() {
		<-sig
		cancel()
	}()

	if err := m.Start(ctx); err != nil {
		log.Fatalf("start: %v", err)
	}
	defer m.Stop()

	<-ctx.Done()
}
