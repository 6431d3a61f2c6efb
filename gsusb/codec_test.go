package gsusb

import (
	"bytes"
	"testing"

	"github.com/canflow/iocore/frame"
)

func TestHostFrameRoundTrip(t *testing.T) {
	cases := []frame.CanTransmitFrame{
		{FrameID: 0x123, Data: []byte{1, 2, 3, 4}},
		{FrameID: 0x456, Data: []byte{1, 2, 3, 4, 5, 6, 7, 8}},
		{FrameID: 0x1ABCDEF0, Data: []byte{0xAA}, IsExtended: true},
		{FrameID: 0x42, IsRTR: true},
	}
	for _, c := range cases {
		encoded := EncodeHostFrame(c, 0, 0)
		if len(encoded) != hostFrameSize {
			t.Fatalf("encoded length = %d, want %d", len(encoded), hostFrameSize)
		}
		f, echoID, isEcho, ok := DecodeHostFrame(encoded, 0)
		if !ok {
			t.Fatalf("decode failed for %+v", c)
		}
		if echoID != 0 || !isEcho {
			t.Fatalf("expected echo id 0 to be treated as a tx echo, got echoID=%d isEcho=%v", echoID, isEcho)
		}
		if f.FrameID != c.FrameID || f.IsExtended != c.IsExtended || f.IsRTR != c.IsRTR {
			t.Fatalf("round trip mismatch: got %+v, want %+v", f, c)
		}
		if !c.IsRTR && !bytes.Equal(f.Bytes, c.Data) {
			t.Fatalf("round trip data mismatch: got % X, want % X", f.Bytes, c.Data)
		}
	}
}

func TestDecodeHostFrameRXSentinelIsNotEcho(t *testing.T) {
	buf := make([]byte, hostFrameSize)
	buf[0], buf[1], buf[2], buf[3] = 0xFF, 0xFF, 0xFF, 0xFF // echo_id = 0xFFFFFFFF
	_, echoID, isEcho, ok := DecodeHostFrame(buf, 0)
	if !ok {
		t.Fatal("decode should succeed on an all-zero payload frame")
	}
	if echoID != echoIDRx || isEcho {
		t.Fatalf("expected RX sentinel, got echoID=%d isEcho=%v", echoID, isEcho)
	}
}

func TestBittimingPayloadRejectsUnsupportedBitrate(t *testing.T) {
	if _, err := BittimingPayload(333333); err == nil {
		t.Fatal("expected unsupported bitrate to fail")
	}
	if _, err := BittimingPayload(500000); err != nil {
		t.Fatalf("500k should be supported: %v", err)
	}
}
