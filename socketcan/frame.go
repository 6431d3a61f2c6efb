// Package socketcan implements the Linux SocketCAN raw-socket device and
// its 16-byte can_frame layout. The wire frame codec in this file has no
// OS dependency; the device itself is Linux-only (see device_linux.go /
// device_other.go).
package socketcan

import (
	"encoding/binary"

	"github.com/canflow/iocore/frame"
)

// frameSize is the on-wire struct can_frame layout: can_id(4), dlc(1),
// pad(3), data(8).
const frameSize = 16

const (
	flagExtended = 0x80000000
	flagRTR      = 0x40000000
	idMask29     = 0x1FFFFFFF
)

// DecodeFrame parses one 16-byte struct can_frame in native byte order.
func DecodeFrame(buf []byte) (frame.Frame, bool) {
	if len(buf) < frameSize {
		return frame.Frame{}, false
	}
	rawID := binary.NativeEndian.Uint32(buf[0:4])
	dlc := buf[4]
	if dlc > 8 {
		return frame.Frame{}, false
	}

	isExtended := rawID&flagExtended != 0
	isRTR := rawID&flagRTR != 0
	var id uint32
	if isExtended {
		id = rawID & idMask29
	} else {
		id = rawID & 0x7FF
	}

	f := frame.Frame{
		Protocol:   "can",
		FrameID:    id,
		DLC:        dlc,
		IsExtended: isExtended,
		IsRTR:      isRTR,
	}
	if !isRTR {
		f.Bytes = append([]byte(nil), buf[8:8+dlc]...)
	}
	return f, true
}

// EncodeFrame renders f as a 16-byte struct can_frame in native byte order.
func EncodeFrame(f frame.CanTransmitFrame) []byte {
	buf := make([]byte, frameSize)

	id := f.FrameID
	if f.IsExtended {
		id = (id & idMask29) | flagExtended
	} else {
		id &= 0x7FF
	}
	if f.IsRTR {
		id |= flagRTR
	}
	binary.NativeEndian.PutUint32(buf[0:4], id)

	buf[4] = uint8(len(f.Data))
	copy(buf[8:], f.Data)
	return buf
}
