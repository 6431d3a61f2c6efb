package gvret

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/canflow/iocore/frame"
)

// deviceFrameRecord builds a device-to-host frame record: sync, opcode 0x00,
// 4-byte timestamp (ignored by the host), 4-byte little-endian id with bit
// 31 marking extended, (bus<<4)|dlc-nibble, payload. len(data) must be a
// valid DLC table length.
func deviceFrameRecord(t *testing.T, id uint32, bus uint8, data []byte, extended bool) []byte {
	t.Helper()
	nibble := -1
	for i, l := range dlcLen {
		if l == len(data) {
			nibble = i
			break
		}
	}
	if nibble < 0 {
		t.Fatalf("payload length %d has no DLC nibble", len(data))
	}
	idRaw := id
	if extended {
		idRaw |= 0x80000000
	}
	out := []byte{syncByte, opFrame, 0, 0, 0, 0}
	out = binary.LittleEndian.AppendUint32(out, idRaw)
	out = append(out, (bus<<4)|byte(nibble))
	return append(out, data...)
}

func TestDecodeStandardFrame(t *testing.T) {
	input := []byte{0xF1, 0x00, 0x00, 0x00, 0x00, 0x00, 0x23, 0x01, 0x00, 0x00, 0x04, 0xAA, 0xBB, 0xCC, 0xDD}
	res, rest := Decode(input)
	if len(rest) != 0 {
		t.Errorf("leftover: % X", rest)
	}
	if len(res.Frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(res.Frames))
	}
	f := res.Frames[0]
	if f.FrameID != 0x123 || f.DLC != 4 || !bytes.Equal(f.Bytes, []byte{0xAA, 0xBB, 0xCC, 0xDD}) || f.IsExtended || f.Bus != 0 {
		t.Errorf("frame = %+v, want id 0x123, dlc 4, bus 0, standard", f)
	}
}

func TestDecodeExtendedFrame(t *testing.T) {
	input := []byte{0xF1, 0x00, 0x00, 0x00, 0x00, 0x00, 0x78, 0x56, 0x34, 0x92, 0x02, 0x11, 0x22}
	res, _ := Decode(input)
	if len(res.Frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(res.Frames))
	}
	f := res.Frames[0]
	if f.FrameID != 0x12345678 || f.DLC != 2 || !bytes.Equal(f.Bytes, []byte{0x11, 0x22}) || !f.IsExtended {
		t.Errorf("frame = %+v, want extended id 0x12345678 with 2 bytes", f)
	}
}

func TestDecodeSkipsKeepaliveThenFrame(t *testing.T) {
	input := []byte{0xF1, 0x09, 0xDE, 0xAD, 0xF1, 0x00, 0x00, 0x00, 0x00, 0x00, 0x7F, 0x00, 0x00, 0x00, 0x01, 0xFF}
	res, rest := Decode(input)
	if len(rest) != 0 {
		t.Errorf("leftover: % X", rest)
	}
	if len(res.Frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(res.Frames))
	}
	f := res.Frames[0]
	if f.FrameID != 0x7F || f.DLC != 1 || !bytes.Equal(f.Bytes, []byte{0xFF}) {
		t.Errorf("frame = %+v, want id 0x7F, one byte 0xFF", f)
	}
}

func TestFrameRecordRoundTrip(t *testing.T) {
	cases := []struct {
		id       uint32
		bus      uint8
		data     []byte
		extended bool
		fd       bool
	}{
		{id: 0x123, bus: 0, data: []byte{1, 2, 3}},
		{id: 0x1ABCDEF, bus: 2, data: []byte{1, 2, 3, 4, 5, 6, 7, 8}, extended: true},
		{id: 0x321, bus: 4, data: nil},
		{id: 0x456, bus: 1, data: make([]byte, 12), fd: true},
	}

	for _, c := range cases {
		record := deviceFrameRecord(t, c.id, c.bus, c.data, c.extended)
		res, rest := Decode(record)
		if len(rest) != 0 {
			t.Errorf("leftover bytes after decode: % X", rest)
		}
		if len(res.Frames) != 1 {
			t.Fatalf("got %d frames, want 1", len(res.Frames))
		}
		got := res.Frames[0]
		if got.FrameID != c.id {
			t.Errorf("frame_id = 0x%X, want 0x%X", got.FrameID, c.id)
		}
		if got.Bus != c.bus {
			t.Errorf("bus = %d, want %d", got.Bus, c.bus)
		}
		if int(got.DLC) != len(c.data) || !bytes.Equal(got.Bytes, c.data) {
			t.Errorf("payload = % X, want % X", got.Bytes, c.data)
		}
		if got.IsExtended != c.extended {
			t.Errorf("is_extended = %v, want %v", got.IsExtended, c.extended)
		}
		if got.IsFD != c.fd {
			t.Errorf("is_fd = %v, want %v", got.IsFD, c.fd)
		}
	}
}

func TestEncodeExtendedTransmitRecord(t *testing.T) {
	got, err := Encode(frame.CanTransmitFrame{FrameID: 0x12345678, Data: []byte{0xAA, 0xBB}, Bus: 1, IsExtended: true})
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{0xF1, 0x00, 0x78, 0x56, 0x34, 0x92, 0x01, 0x02, 0xAA, 0xBB}
	if !bytes.Equal(got, want) {
		t.Errorf("encoded = % X, want % X", got, want)
	}
}

func TestEncodeMasksStandardID(t *testing.T) {
	got, err := Encode(frame.CanTransmitFrame{FrameID: 0xFFFF, Data: nil})
	if err != nil {
		t.Fatal(err)
	}
	if id := binary.LittleEndian.Uint32(got[2:6]); id != 0x7FF {
		t.Errorf("standard id on the wire = 0x%X, want masked 0x7FF", id)
	}
}

func TestValidateRejectsOversizedAndBadBus(t *testing.T) {
	if err := Validate(frame.CanTransmitFrame{Data: make([]byte, 9)}); err == nil {
		t.Error("expected classic frame with 9 payload bytes to be rejected")
	}
	if err := Validate(frame.CanTransmitFrame{IsFD: true, Data: make([]byte, 65)}); err == nil {
		t.Error("expected fd frame with 65 payload bytes to be rejected")
	}
	if err := Validate(frame.CanTransmitFrame{Bus: 5}); err == nil {
		t.Error("expected bus 5 to be rejected")
	}
}

func TestDecodeSkipsControlOpcodes(t *testing.T) {
	buf := []byte{syncByte, opKeepAlive, 0x00, 0x00}
	buf = append(buf, deviceFrameRecord(t, 0x42, 0, []byte{9}, false)...)

	res, rest := Decode(buf)
	if len(rest) != 0 {
		t.Errorf("leftover: % X", rest)
	}
	if len(res.Frames) != 1 || res.Frames[0].FrameID != 0x42 {
		t.Errorf("got %+v, want one frame with id 0x42", res.Frames)
	}
}

func TestDecodeResyncsPastNoise(t *testing.T) {
	first := deviceFrameRecord(t, 0x7, 0, []byte{1}, false)
	second := deviceFrameRecord(t, 0x9, 0, []byte{2}, false)

	buf := append([]byte{0xDE, 0xAD, 0xBE}, first...)
	buf = append(buf, []byte{syncByte, 0xFF}...) // unknown opcode
	buf = append(buf, second...)

	res, _ := Decode(buf)
	if len(res.Frames) != 2 || res.Frames[0].FrameID != 0x7 || res.Frames[1].FrameID != 0x9 {
		t.Errorf("got %+v, want both frames recovered around the noise", res.Frames)
	}
}

func TestDecodeWaitsForMoreDataOnPartialRecord(t *testing.T) {
	full := deviceFrameRecord(t, 0x55, 0, []byte{1, 2, 3, 4}, false)
	partial := full[:len(full)-2]

	res, rest := Decode(partial)
	if len(res.Frames) != 0 {
		t.Fatalf("expected no frames from a partial record, got %+v", res.Frames)
	}
	if !bytes.Equal(rest, partial) {
		t.Errorf("expected the partial record preserved for more data, got % X", rest)
	}

	res, rest = Decode(append(rest, full[len(full)-2:]...))
	if len(rest) != 0 || len(res.Frames) != 1 {
		t.Errorf("expected the record to complete once the rest arrives, got frames=%+v rest=% X", res.Frames, rest)
	}
}

func TestDecodeClearsBufferPastRecoveryBound(t *testing.T) {
	garbage := make([]byte, maxParseBuffer+10)
	for i := range garbage {
		garbage[i] = 0x42 // never 0xF1
	}
	_, rest := Decode(garbage)
	if rest != nil {
		t.Errorf("expected buffer to be cleared past the recovery bound, got %d bytes", len(rest))
	}
}

func TestDecodeNumBuses(t *testing.T) {
	buf := []byte{syncByte, opNumBuses, 3}
	res, rest := Decode(buf)
	if len(rest) != 0 {
		t.Errorf("leftover: % X", rest)
	}
	if res.NumBuses == nil || *res.NumBuses != 3 {
		t.Errorf("NumBuses = %v, want 3", res.NumBuses)
	}
}
