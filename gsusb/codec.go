// Package gsusb implements the gs_usb USB vendor-mode CAN adapter family's
// host-frame wire codec and bit-timing tables.
package gsusb

import (
	"encoding/binary"

	"github.com/canflow/iocore/canerr"
	"github.com/canflow/iocore/frame"
)

// USB identity: vendor id and the candidate product ids gs_usb adapters
// enumerate under.
const (
	VendorID = 0x1D50
)

var ProductIDs = []uint16{0x606F, 0x6070, 0x6071}

// Control request values (vendor + interface recipient).
const (
	ReqHostFormat = 0 // bRequest for the host-format negotiation
	ReqBittiming  = 1
	ReqMode       = 2
)

// hostFormatMagic is the 4-byte little-endian value exchanged during the
// one-time host/device byte-order negotiation. The value matches the
// gs_usb reference host driver.
const hostFormatMagic = 0x0000BEEF

// HostFormatPayload returns the 4-byte little-endian HOST_FORMAT payload.
func HostFormatPayload() []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, hostFormatMagic)
	return buf
}

// Mode flags.
const (
	ModeStop  = 0
	ModeStart = 1

	FlagListenOnly = 1 << 0
)

// ModePayload returns the 8-byte mode/flags record for the MODE control
// request.
func ModePayload(mode uint32, flags uint32) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], mode)
	binary.LittleEndian.PutUint32(buf[4:8], flags)
	return buf
}

// bitTimingTable maps a supported bitrate to its 20-byte bit-timing
// structure fields: {prop_seg, phase_seg1, phase_seg2, sjw, brp}. Values
// assume a 48 MHz adapter clock, the common gs_usb reference value.
type bitTiming struct {
	propSeg, phaseSeg1, phaseSeg2, sjw, brp uint32
}

var bitTimingTable = map[int]bitTiming{
	125000:  {propSeg: 1, phaseSeg1: 12, phaseSeg2: 2, sjw: 1, brp: 24},
	250000:  {propSeg: 1, phaseSeg1: 12, phaseSeg2: 2, sjw: 1, brp: 12},
	500000:  {propSeg: 1, phaseSeg1: 12, phaseSeg2: 2, sjw: 1, brp: 6},
	1000000: {propSeg: 1, phaseSeg1: 12, phaseSeg2: 2, sjw: 1, brp: 3},
}

// BittimingPayload returns the 20-byte little-endian bit-timing structure
// for bitrate, or a Configuration error if bitrate isn't one of
// {125k, 250k, 500k, 1M}.
func BittimingPayload(bitrate int) ([]byte, error) {
	bt, ok := bitTimingTable[bitrate]
	if !ok {
		return nil, canerr.Configf("gs_usb: unsupported bitrate %d", bitrate)
	}
	buf := make([]byte, 20)
	binary.LittleEndian.PutUint32(buf[0:4], bt.propSeg)
	binary.LittleEndian.PutUint32(buf[4:8], bt.phaseSeg1)
	binary.LittleEndian.PutUint32(buf[8:12], bt.phaseSeg2)
	binary.LittleEndian.PutUint32(buf[12:16], bt.sjw)
	binary.LittleEndian.PutUint32(buf[16:20], bt.brp)
	return buf, nil
}

// hostFrameSize is the fixed 20-byte host frame layout:
// echo_id(4), can_id(4), dlc(1), channel(1), flags(1), reserved(1), data(8).
const hostFrameSize = 20

// echoIDRx marks a host frame as a live reception rather than a transmit
// echo.
const echoIDRx = 0xFFFFFFFF

// DecodeHostFrame parses one 20-byte gs_usb host frame. isEcho reports
// whether echoID is anything other than the RX sentinel; the caller drops
// echo frames (the transmit path synthesizes its own echo).
func DecodeHostFrame(buf []byte, channel uint8) (f frame.Frame, echoID uint32, isEcho bool, ok bool) {
	if len(buf) < hostFrameSize {
		return frame.Frame{}, 0, false, false
	}
	echoID = binary.LittleEndian.Uint32(buf[0:4])
	rawID := binary.LittleEndian.Uint32(buf[4:8])
	dlc := buf[8]
	if dlc > 8 || int(dlc) > len(buf)-12 {
		return frame.Frame{}, echoID, echoID != echoIDRx, false
	}

	isExtended := rawID&0x80000000 != 0
	isRTR := rawID&0x40000000 != 0
	var id uint32
	if isExtended {
		id = rawID & 0x1FFFFFFF
	} else {
		id = rawID & 0x7FF
	}

	f = frame.Frame{
		Protocol:   "can",
		FrameID:    id,
		Bus:        channel,
		DLC:        dlc,
		IsExtended: isExtended,
		IsRTR:      isRTR,
	}
	if !isRTR {
		f.Bytes = append([]byte(nil), buf[12:12+dlc]...)
	}
	return f, echoID, echoID != echoIDRx, true
}

// EncodeHostFrame renders f as a 20-byte gs_usb host frame for transmit,
// with the given echo id (0 for the synchronous transmit path).
func EncodeHostFrame(f frame.CanTransmitFrame, channel uint8, echoID uint32) []byte {
	buf := make([]byte, hostFrameSize)
	binary.LittleEndian.PutUint32(buf[0:4], echoID)

	id := f.FrameID
	if f.IsExtended {
		id = (id & 0x1FFFFFFF) | 0x80000000
	} else {
		id &= 0x7FF
	}
	if f.IsRTR {
		id |= 0x40000000
	}
	binary.LittleEndian.PutUint32(buf[4:8], id)

	buf[8] = uint8(len(f.Data))
	buf[9] = channel
	copy(buf[12:], f.Data)
	return buf
}
