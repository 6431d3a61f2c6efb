// Package gvret implements the GVRET binary wire protocol shared by the
// TCP and serial transports.
package gvret

import (
	"encoding/binary"

	"github.com/canflow/iocore/canerr"
	"github.com/canflow/iocore/frame"
)

const (
	syncByte = 0xF1

	opFrame     = 0x00
	opTimebase  = 0x01
	opCanParams = 0x06
	opDevInfo   = 0x07
	opKeepAlive = 0x09
	opNumBuses  = 0x0C

	// record lengths, sync byte included, for the control opcodes that are
	// parsed and skipped without producing a frame.
	lenTimebase  = 6
	lenCanParams = 12
	lenDevInfo   = 7
	lenKeepAlive = 4
	lenNumBuses  = 3

	// maxParseBuffer bounds the resync recovery window: if the buffer grows
	// past this with no complete record found, it is cleared.
	maxParseBuffer = 1024
)

// dlcLen maps a GVRET DLC nibble (0..15) to its payload length in bytes.
var dlcLen = [16]int{0, 1, 2, 3, 4, 5, 6, 7, 8, 12, 16, 20, 24, 32, 48, 64}

// DecodeResult is everything one Decode call could extract from the front
// of a parse buffer.
type DecodeResult struct {
	Frames []frame.Frame
	// NumBuses is set whenever a NUMBUSES record was consumed.
	NumBuses *int
	// DevInfo is set whenever a DEVINFO record was consumed; it carries the
	// 5 payload bytes following the sync+opcode header.
	DevInfo []byte
	// CanParams is set whenever a CANPARAMS record was consumed; it carries
	// the 10 payload bytes following the sync+opcode header.
	CanParams []byte
}

// Decode consumes as many complete records as it can find at the front of
// buf, returning what it extracted and the unconsumed remainder (which the
// caller appends new bytes to before calling Decode again).
func Decode(buf []byte) (DecodeResult, []byte) {
	var res DecodeResult

	for {
		idx := indexByte(buf, syncByte)
		if idx < 0 {
			return res, capBuffer(buf)
		}
		buf = buf[idx:]

		if len(buf) < 2 {
			return res, capBuffer(buf)
		}

		switch buf[1] {
		case opFrame:
			consumed, f, ok := decodeFrameRecord(buf)
			if !ok {
				if consumed == 0 {
					return res, capBuffer(buf)
				}
				// invalid DLC nibble: resync past the sync byte.
				buf = buf[consumed:]
				continue
			}
			res.Frames = append(res.Frames, f)
			buf = buf[consumed:]

		case opTimebase:
			if len(buf) < lenTimebase {
				return res, capBuffer(buf)
			}
			buf = buf[lenTimebase:]

		case opCanParams:
			if len(buf) < lenCanParams {
				return res, capBuffer(buf)
			}
			res.CanParams = append([]byte(nil), buf[2:lenCanParams]...)
			buf = buf[lenCanParams:]

		case opDevInfo:
			if len(buf) < lenDevInfo {
				return res, capBuffer(buf)
			}
			res.DevInfo = append([]byte(nil), buf[2:lenDevInfo]...)
			buf = buf[lenDevInfo:]

		case opKeepAlive:
			if len(buf) < lenKeepAlive {
				return res, capBuffer(buf)
			}
			buf = buf[lenKeepAlive:]

		case opNumBuses:
			if len(buf) < lenNumBuses {
				return res, capBuffer(buf)
			}
			n := int(buf[2])
			res.NumBuses = &n
			buf = buf[lenNumBuses:]

		default:
			// Unknown opcode: advance one byte and resync.
			buf = buf[1:]
		}
	}
}

// decodeFrameRecord decodes one opFrame record at the front of buf.
// Returns (bytesToSkip, frame, true) on success, (0, _, false) if more data
// is needed, or (1, _, false) if the record is malformed and the caller
// should resync past the sync byte.
func decodeFrameRecord(buf []byte) (int, frame.Frame, bool) {
	const headerLen = 11 // sync + opcode + 4-byte timestamp + 4-byte id + packing
	if len(buf) < headerLen {
		return 0, frame.Frame{}, false
	}

	packing := buf[10]
	dlcNibble := packing & 0x0F
	if int(dlcNibble) >= len(dlcLen) {
		return 1, frame.Frame{}, false
	}
	payloadLen := dlcLen[dlcNibble]
	total := headerLen + payloadLen
	if len(buf) < total {
		return 0, frame.Frame{}, false
	}

	idRaw := binary.LittleEndian.Uint32(buf[6:10])
	isExtended := idRaw&0x80000000 != 0
	var id uint32
	if isExtended {
		id = idRaw & 0x1FFFFFFF
	} else {
		id = idRaw & 0x7FF
	}

	f := frame.Frame{
		Protocol:   "can",
		FrameID:    id,
		Bus:        (packing >> 4) & 0x0F,
		DLC:        uint8(payloadLen),
		Bytes:      append([]byte(nil), buf[headerLen:total]...),
		IsExtended: isExtended,
		IsFD:       payloadLen > 8,
	}
	return total, f, true
}

func indexByte(buf []byte, b byte) int {
	for i, c := range buf {
		if c == b {
			return i
		}
	}
	return -1
}

func capBuffer(buf []byte) []byte {
	if len(buf) > maxParseBuffer {
		return nil
	}
	return buf
}

// Validate checks a CanTransmitFrame against the encode-time constraints
// for GVRET: classic frames limited to 8 payload bytes, FD frames
// to 64, and bus numbers to 0..4.
func Validate(f frame.CanTransmitFrame) error {
	if f.IsFD {
		if len(f.Data) > 64 {
			return canerr.Configf("gvret: fd frame payload %d exceeds 64", len(f.Data))
		}
	} else if len(f.Data) > 8 {
		return canerr.Configf("gvret: classic frame payload %d exceeds 8", len(f.Data))
	}
	if f.Bus > 4 {
		return canerr.Configf("gvret: bus %d exceeds 4", f.Bus)
	}
	return nil
}

// Encode renders f as a GVRET transmit record: sync, command 0x00, 4-byte
// little-endian id (bit 31 set if extended; standard ids masked to 11
// bits), bus, length, payload.
func Encode(f frame.CanTransmitFrame) ([]byte, error) {
	if err := Validate(f); err != nil {
		return nil, err
	}

	id := f.FrameID
	if f.IsExtended {
		id = (id & 0x1FFFFFFF) | 0x80000000
	} else {
		id &= 0x7FF
	}

	out := make([]byte, 8+len(f.Data))
	out[0] = syncByte
	out[1] = 0x00
	binary.LittleEndian.PutUint32(out[2:6], id)
	out[6] = f.Bus
	out[7] = byte(len(f.Data))
	copy(out[8:], f.Data)
	return out, nil
}
