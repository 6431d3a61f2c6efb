package serialframe

import (
	"bytes"
	"testing"

	"github.com/canflow/iocore/frame"
)

func tsBytes(data []byte, baseUs int64) []frame.TimestampedByte {
	out := make([]frame.TimestampedByte, len(data))
	for i, b := range data {
		out[i] = frame.TimestampedByte{Byte: b, TimestampUs: baseUs + int64(i)}
	}
	return out
}

func TestApplyToBufferDelimiterTimestamps(t *testing.T) {
	raw := tsBytes([]byte("abc\ndefg\nhi"), 1000)
	f := NewDelimiterFramer(DelimiterConfig{Delimiter: []byte{'\n'}})

	frames := ApplyToBuffer(raw, f, ApplyConfig{})
	if len(frames) != 3 {
		t.Fatalf("got %d frames, want 3 (two delimited plus a flushed tail)", len(frames))
	}
	if !bytes.Equal(frames[0].Bytes, []byte("abc")) || frames[0].TimestampUs != 1000 {
		t.Errorf("frame 0 = %q @%d, want %q @1000", frames[0].Bytes, frames[0].TimestampUs, "abc")
	}
	if !bytes.Equal(frames[1].Bytes, []byte("defg")) || frames[1].TimestampUs != 1004 {
		t.Errorf("frame 1 = %q @%d, want %q @1004", frames[1].Bytes, frames[1].TimestampUs, "defg")
	}
	if !bytes.Equal(frames[2].Bytes, []byte("hi")) || !frames[2].Incomplete {
		t.Errorf("frame 2 = %q incomplete=%v, want flushed tail %q", frames[2].Bytes, frames[2].Incomplete, "hi")
	}
	if frames[2].TimestampUs != 1009 {
		t.Errorf("frame 2 timestamp = %d, want 1009", frames[2].TimestampUs)
	}
	if frames[0].FrameID != 0 || frames[1].FrameID != 1 || frames[2].FrameID != 2 {
		t.Errorf("index fallback ids = %d,%d,%d, want 0,1,2", frames[0].FrameID, frames[1].FrameID, frames[2].FrameID)
	}
	for _, f := range frames {
		if f.Protocol != "serial" {
			t.Errorf("protocol = %q, want serial", f.Protocol)
		}
		if int(f.DLC) != len(f.Bytes) {
			t.Errorf("dlc %d != len %d", f.DLC, len(f.Bytes))
		}
	}
}

func TestApplyToBufferExtractsIDAndSourceAddress(t *testing.T) {
	payload := []byte{0x12, 0x34, 0xAB, '\n'}
	raw := tsBytes(payload, 0)
	f := NewDelimiterFramer(DelimiterConfig{Delimiter: []byte{'\n'}})

	frames := ApplyToBuffer(raw, f, ApplyConfig{
		FrameID:       &frame.ExtractorConfig{StartByte: 0, NumBytes: 2, BigEndian: true},
		SourceAddress: &frame.ExtractorConfig{StartByte: -1, NumBytes: 1},
	})
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	if frames[0].FrameID != 0x1234 {
		t.Errorf("frame id = 0x%X, want 0x1234", frames[0].FrameID)
	}
	if frames[0].SourceAddress == nil || *frames[0].SourceAddress != 0xAB {
		t.Errorf("source address = %v, want 0xAB", frames[0].SourceAddress)
	}
}

func TestApplyToBufferMinLengthFilter(t *testing.T) {
	raw := tsBytes([]byte("ab\nxyzw\n"), 0)
	f := NewDelimiterFramer(DelimiterConfig{Delimiter: []byte{'\n'}})

	frames := ApplyToBuffer(raw, f, ApplyConfig{MinLength: 3})
	if len(frames) != 1 || !bytes.Equal(frames[0].Bytes, []byte("xyzw")) {
		t.Fatalf("got %v, want only the 4-byte frame", frames)
	}
}

func TestApplyToBufferMatchesLiveFeed(t *testing.T) {
	data := []byte{0xC0, 0x01, 0x02, 0xC0, 0xDB, 0xDC, 0x03, 0xC0}
	raw := tsBytes(data, 500)

	applied := ApplyToBuffer(raw, NewSLIPFramer(), ApplyConfig{})
	live := feedByteAtATime(NewSLIPFramer(), data)

	if len(applied) != len(live) {
		t.Fatalf("applied %d frames, live %d", len(applied), len(live))
	}
	for i := range applied {
		if !bytes.Equal(applied[i].Bytes, live[i].Bytes) {
			t.Errorf("frame %d: applied %x, live %x", i, applied[i].Bytes, live[i].Bytes)
		}
	}
}
