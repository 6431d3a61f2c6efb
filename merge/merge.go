// Package merge implements the multi-source merger: it
// fans live capture across several adapters into one unified stream,
// rewriting bus identifiers through configurable per-source mappings, and
// routes outbound transmissions back through the correct source.
package merge

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
	"github.com/canflow/iocore/profile"
)

// Timing and batching constants for the merge task.
const (
	mergeChanCapacity = 1024
	mergeTickTimeout  = 50 * time.Millisecond
	emitBatchCount    = 100
	emitBatchInterval = 50 * time.Millisecond
)

// SourceConfig describes one source a Merger fans in. Profile is the
// already-resolved profile.Profile (the out-of-scope settings store's
// "load a profile by id" is the Merger's only external collaborator here,
// and it is the caller's job, not this package's).
type SourceConfig struct {
	ProfileID   string
	ProfileKind profile.Kind
	DisplayName string
	Profile     profile.Profile
	BusMappings []profile.BusMapping
}

type messageKind int

const (
	msgFrames messageKind = iota
	msgEnded
	msgError
)

// sourceMessage is the protocol a per-source reader speaks to the central
// merge task.
type sourceMessage struct {
	kind      messageKind
	sourceIdx int
	frames    []frame.Frame
	reason    iodevice.EndReason
	detail    string
}

// transmitRoute maps an output bus back to the source and device bus that
// owns it, built once at construction time.
type transmitRoute struct {
	sourceIdx   int
	profileKind profile.Kind
	deviceBus   uint8
}

// Merger fans live capture from several sources into one unified stream
// and routes outbound transmissions to the source whose bus mapping
// claims the target bus. It implements iodevice.Device.
type Merger struct {
	iodevice.Unsupported

	name      string
	sessionID string
	sources   []SourceConfig
	store     *buffer.Store
	sink      iodevice.EventSink
	log       logrus.FieldLogger
	routes    map[uint8]transmitRoute

	mu       sync.Mutex
	state    iodevice.IOState
	bufferID string
	devices  []iodevice.Device
	txByIdx  map[int]iodevice.Device
	stopFlag bool

	cancel  context.CancelFunc
	done    chan struct{}
	mergeCh chan sourceMessage
}

// NewMerger constructs a Merger over the given sources. The merger is not
// started.
func NewMerger(sessionID string, sources []SourceConfig, store *buffer.Store, sink iodevice.EventSink, log logrus.FieldLogger) *Merger {
	if log == nil {
		log = logrus.StandardLogger()
	}
	name := fmt.Sprintf("merge:%d-sources", len(sources))
	return &Merger{
		name: name, sessionID: sessionID, sources: sources, store: store, sink: sink, log: log,
		routes:      buildRoutes(sources),
		Unsupported: iodevice.Unsupported{DeviceName: name},
		state:       iodevice.Stopped,
	}
}

func buildRoutes(sources []SourceConfig) map[uint8]transmitRoute {
	routes := make(map[uint8]transmitRoute)
	for idx, s := range sources {
		for _, bm := range s.BusMappings {
			if !bm.Enabled {
				continue
			}
			routes[bm.OutputBus] = transmitRoute{sourceIdx: idx, profileKind: s.ProfileKind, deviceBus: bm.DeviceBus}
		}
	}
	return routes
}

// Capabilities reports a merger as realtime, transmit-capable if any
// source's mappings resolve an output bus, and otherwise not
// pausable/seekable/speed-controllable: it is a live fan-in, not replay.
func (m *Merger) Capabilities() iodevice.Capabilities {
	return iodevice.Capabilities{CanTransmit: len(m.routes) > 0, Realtime: true}
}

func (m *Merger) State() iodevice.IOState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Merger) SessionID() string { return m.sessionID }

func (m *Merger) setState(s iodevice.IOState) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// Start spawns a per-source reader for every configured source plus the
// central merge task, recreating the internal message channel if an
// earlier run drained it before transitioning to Starting. If any source
// fails to construct or start, every source started so far is stopped and
// the error is returned.
func (m *Merger) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.state == iodevice.Running || m.state == iodevice.Starting {
		m.mu.Unlock()
		return canerr.New(m.name, canerr.Configuration, "already running")
	}
	m.mergeCh = make(chan sourceMessage, mergeChanCapacity)
	m.stopFlag = false
	m.state = iodevice.Starting
	mergeCh := m.mergeCh
	m.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.Background())

	devices := make([]iodevice.Device, len(m.sources))
	txByIdx := make(map[int]iodevice.Device, len(m.sources))
	for idx, src := range m.sources {
		sourceID := fmt.Sprintf("%s/%d", m.sessionID, idx)
		sink := &sourceSink{idx: idx, mergeCh: mergeCh, mappings: src.BusMappings}

		dev, err := sourceFactory(sourceID, src, sink, m.log)
		if err == nil {
			err = dev.Start(runCtx)
		}
		if err != nil {
			cancel()
			for _, started := range devices[:idx] {
				started.Stop()
			}
			m.setState(iodevice.Stopped)
			return err
		}
		devices[idx] = dev
		txByIdx[idx] = dev
	}

	m.mu.Lock()
	m.bufferID = m.store.CreateBuffer(buffer.TypeFrames, m.name)
	m.devices = devices
	m.txByIdx = txByIdx
	m.cancel = cancel
	m.done = make(chan struct{})
	m.state = iodevice.Running
	m.mu.Unlock()

	go func() {
		m.mergeLoop(runCtx, len(m.sources))
		close(m.done)
	}()

	return nil
}

// Stop signals the merge task and every source device to stop, and waits
// for the merge task to finish draining and emit its terminal events.
func (m *Merger) Stop() error {
	m.mu.Lock()
	if m.state == iodevice.Stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopFlag = true
	devices := m.devices
	cancel := m.cancel
	done := m.done
	m.mu.Unlock()

	for _, d := range devices {
		d.Stop()
	}
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	return nil
}

// mergeLoop is the central merge task: drain the
// channel with a 50ms receive timeout, accumulate frames, and on
// Ended/Error decrement the active-source counter and drop that source's
// transmit route. When pending frames cross 100 items or 50ms since the
// last emit, sort by timestamp and flush.
func (m *Merger) mergeLoop(ctx context.Context, sourceCount int) {
	active := sourceCount
	reason := iodevice.ReasonComplete
	var pending []frame.Frame
	lastEmit := time.Now()

	flush := func() {
		if len(pending) == 0 {
			return
		}
		buffer.SortFramesByTimestamp(pending)
		m.store.AppendFramesToBuffer(m.bufferID, pending)
		m.sink.Emit(m.sessionID, iodevice.NewFrameMessage(pending))
		pending = nil
		lastEmit = time.Now()
	}

loop:
	for active > 0 {
		m.mu.Lock()
		stopRequested := m.stopFlag
		m.mu.Unlock()
		if stopRequested {
			reason = iodevice.ReasonStopped
			break loop
		}

		select {
		case <-ctx.Done():
			reason = iodevice.ReasonStopped
			break loop
		case msg := <-m.mergeCh:
			m.handleMessage(msg, &active, &pending)
		case <-time.After(mergeTickTimeout):
		}

		if len(pending) >= emitBatchCount || (len(pending) > 0 && time.Since(lastEmit) >= emitBatchInterval) {
			flush()
		}
	}

	// Drain whatever the channel still holds without blocking, so no
	// frame a source already sent is lost by the termination race.
drain:
	for {
		select {
		case msg := <-m.mergeCh:
			if msg.kind == msgFrames {
				pending = append(pending, msg.frames...)
			}
		default:
			break drain
		}
	}
	flush()

	meta, err := m.store.FinalizeBuffer(buffer.TypeFrames)
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
	m.sink.Emit(m.sessionID, iodevice.NewStreamEnded(payload))
	if reason == iodevice.ReasonComplete || reason == iodevice.ReasonStopped {
		m.sink.Emit(m.sessionID, iodevice.NewStreamComplete(reason == iodevice.ReasonComplete))
	}
	m.setState(iodevice.Stopped)
}

func (m *Merger) handleMessage(msg sourceMessage, active *int, pending *[]frame.Frame) {
	switch msg.kind {
	case msgFrames:
		*pending = append(*pending, msg.frames...)
	case msgEnded, msgError:
		*active--
		m.mu.Lock()
		delete(m.txByIdx, msg.sourceIdx)
		m.mu.Unlock()
		if msg.kind == msgError {
			m.sink.Emit(m.sessionID, iodevice.NewCanBytesError(msg.detail))
		}
	}
}

// TransmitFrame routes an outbound frame: look up
// frame.Bus in the route table, rewrite it to the owning source's
// device_bus, and hand off to that source's own Device.TransmitFrame,
// reusing its existing protocol-specific encoder and bounded-channel/
// 500ms-reply transmit contract rather than re-implementing per-kind
// encoding here.
func (m *Merger) TransmitFrame(f frame.CanTransmitFrame) frame.TransmitResult {
	route, ok := m.routes[f.Bus]
	if !ok {
		return frame.TransmitResult{Err: canerr.New(m.name, canerr.Configuration, fmt.Sprintf("no route for bus %d", f.Bus))}
	}

	m.mu.Lock()
	dev, connected := m.txByIdx[route.sourceIdx]
	m.mu.Unlock()
	if !connected {
		return frame.TransmitResult{Err: canerr.New(m.name, canerr.Other, "source not connected")}
	}

	routed := f
	routed.Bus = route.deviceBus
	return dev.TransmitFrame(routed)
}
