package iodevice

import "github.com/canflow/iocore/frame"

// EventSink receives every event a session emits, scoped to a session id.
// Implementations must deliver events for a given session id in the order
// Emit was called (per-session FIFO); cross-session ordering is undefined.
// The GUI event layer, analytics pipeline, and CLI are all out of scope:
// this interface is the entire contract the core has with them.
type EventSink interface {
	Emit(sessionID string, event Event)
}

// EventKind names the event payload carried by an Event.
type EventKind string

const (
	EventFrameMessage   EventKind = "frame-message"
	EventSerialRawBytes EventKind = "serial-raw-bytes"
	EventCanBytes       EventKind = "can-bytes"
	EventCanBytesError  EventKind = "can-bytes-error"
	EventPlaybackTime   EventKind = "playback-time"
	EventStreamComplete EventKind = "stream-complete"
	EventStreamEnded    EventKind = "stream-ended"
)

// Event is one emission from a session to its EventSink.
type Event struct {
	Kind    EventKind
	Payload any
}

// SerialRawBytesPayload is the payload of an EventSerialRawBytes event.
type SerialRawBytesPayload struct {
	Bytes []frame.TimestampedByte
	Port  string
}

// CanBytesPayload is the payload of an EventCanBytes diagnostic event.
type CanBytesPayload struct {
	Hex         string
	Length      int
	TimestampUs int64
}

// EndReason names why a session's stream ended.
type EndReason string

const (
	ReasonStopped      EndReason = "stopped"
	ReasonComplete     EndReason = "complete"
	ReasonError        EndReason = "error"
	ReasonDisconnected EndReason = "disconnected"
)

// TimeRange is an optional start/end pair on a StreamEndedPayload.
type TimeRange struct {
	StartTimeUs int64
	EndTimeUs   int64
}

// StreamEndedPayload is the payload of the terminal EventStreamEnded event
// every session emits exactly once.
type StreamEndedPayload struct {
	Reason          EndReason
	BufferAvailable bool
	BufferID        string
	BufferType      string
	Count           int
	TimeRange       *TimeRange
}

// NewFrameMessage builds an EventFrameMessage event for a batch of frames.
func NewFrameMessage(frames []frame.Frame) Event {
	return Event{Kind: EventFrameMessage, Payload: frames}
}

// NewCanBytes builds an EventCanBytes per-frame diagnostic event.
func NewCanBytes(hex string, length int, timestampUs int64) Event {
	return Event{Kind: EventCanBytes, Payload: CanBytesPayload{Hex: hex, Length: length, TimestampUs: timestampUs}}
}

// NewSerialRawBytes builds an EventSerialRawBytes event.
func NewSerialRawBytes(bytes []frame.TimestampedByte, port string) Event {
	return Event{Kind: EventSerialRawBytes, Payload: SerialRawBytesPayload{Bytes: bytes, Port: port}}
}

// NewCanBytesError builds an EventCanBytesError event.
func NewCanBytesError(detail string) Event {
	return Event{Kind: EventCanBytesError, Payload: detail}
}

// NewPlaybackTime builds an EventPlaybackTime event.
func NewPlaybackTime(microsSinceEpoch int64) Event {
	return Event{Kind: EventPlaybackTime, Payload: microsSinceEpoch}
}

// NewStreamComplete builds an EventStreamComplete event.
func NewStreamComplete(natural bool) Event {
	return Event{Kind: EventStreamComplete, Payload: natural}
}

// NewStreamEnded builds the terminal EventStreamEnded event.
func NewStreamEnded(p StreamEndedPayload) Event {
	return Event{Kind: EventStreamEnded, Payload: p}
}
