package merge

import (
	"github.com/canflow/iocore/frame"
	"github.com/canflow/iocore/iodevice"
	"github.com/canflow/iocore/profile"
)

// sourceSink is the iodevice.EventSink a Merger hands to each per-source
// device in place of the session's real sink. Source readers never emit to
// the session directly: this adapter rewrites bus ids through the source's
// mappings and forwards the result as a sourceMessage on the shared merge
// channel, for the central merge task to batch, sort, and emit.
type sourceSink struct {
	idx      int
	mergeCh  chan<- sourceMessage
	mappings []profile.BusMapping
}

func (s *sourceSink) Emit(_ string, event iodevice.Event) {
	switch event.Kind {
	case iodevice.EventFrameMessage:
		frames, _ := event.Payload.([]frame.Frame)
		mapped := make([]frame.Frame, 0, len(frames))
		for _, f := range frames {
			if outBus, ok := mapBus(s.mappings, f.Bus); ok {
				f.Bus = outBus
				mapped = append(mapped, f)
			}
		}
		if len(mapped) == 0 {
			return
		}
		s.mergeCh <- sourceMessage{kind: msgFrames, sourceIdx: s.idx, frames: mapped}

	case iodevice.EventCanBytesError:
		detail, _ := event.Payload.(string)
		s.mergeCh <- sourceMessage{kind: msgError, sourceIdx: s.idx, detail: detail}

	case iodevice.EventStreamEnded:
		payload, _ := event.Payload.(iodevice.StreamEndedPayload)
		s.mergeCh <- sourceMessage{kind: msgEnded, sourceIdx: s.idx, reason: payload.Reason}

	default:
		// serial-raw-bytes / can-bytes / playback-time / stream-complete
		// from an individual source are device-internal diagnostics; the
		// Merger emits its own aggregate stream-complete/stream-ended once
		// all sources have ended, so these are not forwarded.
	}
}

// mapBus rewrites a frame's bus through the source's mappings: search for a
// mapping whose device_bus equals frame.bus; the first *enabled* match
// wins even if an earlier disabled entry shares the same device_bus. No
// match, or only disabled matches, drops the frame.
func mapBus(mappings []profile.BusMapping, deviceBus uint8) (uint8, bool) {
	for _, m := range mappings {
		if m.DeviceBus == deviceBus && m.Enabled {
			return m.OutputBus, true
		}
	}
	return 0, false
}
