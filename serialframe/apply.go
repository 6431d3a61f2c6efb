package serialframe

import (
	"github.com/canflow/iocore/frame"
)

// ApplyConfig configures ApplyToBuffer.
type ApplyConfig struct {
	// MinLength drops emitted frames shorter than this many bytes.
	MinLength int
	// FrameID, if set, extracts each frame's id from its payload. When it is
	// nil, or extraction fails for a frame, the frame's position in the
	// emitted sequence is used instead.
	FrameID *frame.ExtractorConfig
	// SourceAddress, if set, extracts a 16-bit source address from each
	// frame's payload.
	SourceAddress *frame.ExtractorConfig
}

// ApplyToBuffer runs fr over an already-captured sequence of timestamped
// bytes and materializes the frames it emits, ending with a Flush for any
// trailing partial frame. Each frame's timestamp is looked up from the
// TimestampedByte at the frame's start index. Bytes are fed one at a time,
// so the result is byte-for-byte identical to what a live reader feeding
// the same framer would have produced.
func ApplyToBuffer(bytes []frame.TimestampedByte, fr Framer, cfg ApplyConfig) []frame.Frame {
	var emitted []Emitted
	one := make([]byte, 1)
	for _, tb := range bytes {
		one[0] = tb.Byte
		emitted = append(emitted, fr.Feed(one)...)
	}
	if e := fr.Flush(); e != nil {
		emitted = append(emitted, *e)
	}

	var out []frame.Frame
	for i, e := range emitted {
		if cfg.MinLength > 0 && len(e.Bytes) < cfg.MinLength {
			continue
		}
		var ts int64
		if e.StartIndex >= 0 && e.StartIndex < int64(len(bytes)) {
			ts = bytes[e.StartIndex].TimestampUs
		}
		f := frame.Frame{
			Protocol:    "serial",
			TimestampUs: ts,
			FrameID:     uint32(i),
			DLC:         uint8(len(e.Bytes)),
			Bytes:       e.Bytes,
			Incomplete:  e.Incomplete,
		}
		if cfg.FrameID != nil {
			if id, ok := frame.Extract(e.Bytes, *cfg.FrameID); ok {
				f.FrameID = id
			}
		}
		if cfg.SourceAddress != nil {
			if v, ok := frame.Extract(e.Bytes, *cfg.SourceAddress); ok {
				addr := uint16(v)
				f.SourceAddress = &addr
			}
		}
		out = append(out, f)
	}
	return out
}
