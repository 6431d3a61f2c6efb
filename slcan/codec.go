// Package slcan implements the Lawicel ASCII serial CAN protocol:
// CR-terminated lines over a serial port.
package slcan

import (
	"encoding/hex"
	"fmt"

	"github.com/canflow/iocore/canerr"
	"github.com/canflow/iocore/frame"
)

// bitrateCommands maps a bitrate in bit/s to its S0..S8 command.
var bitrateCommands = map[int]string{
	10000:   "S0",
	20000:   "S1",
	50000:   "S2",
	100000:  "S3",
	125000:  "S4",
	250000:  "S5",
	500000:  "S6",
	750000:  "S7",
	1000000: "S8",
}

// FindBitrateCommand returns the Sn command for a supported bitrate, or a
// Configuration error for any other value.
func FindBitrateCommand(bitrate int) (string, error) {
	if cmd, ok := bitrateCommands[bitrate]; ok {
		return cmd, nil
	}
	return "", canerr.Configf("slcan: unsupported bitrate %d", bitrate)
}

// ParseLine parses one slcan line, without its trailing CR, into a Frame.
// Returns (Frame{}, false) for anything that doesn't match the grammar,
// including DLC > 8 (classic CAN only).
func ParseLine(line []byte) (frame.Frame, bool) {
	if len(line) == 0 {
		return frame.Frame{}, false
	}

	var idLen int
	var extended, rtr bool
	switch line[0] {
	case 't':
		idLen, extended, rtr = 3, false, false
	case 'T':
		idLen, extended, rtr = 8, true, false
	case 'r':
		idLen, extended, rtr = 3, false, true
	case 'R':
		idLen, extended, rtr = 8, true, true
	default:
		return frame.Frame{}, false
	}

	if len(line) < 1+idLen+1 {
		return frame.Frame{}, false
	}

	idBytes := line[1 : 1+idLen]
	id, err := parseHexUint32(idBytes)
	if err != nil {
		return frame.Frame{}, false
	}

	dlcDigit := line[1+idLen]
	dlc, err := parseHexDigit(dlcDigit)
	if err != nil || dlc > 8 {
		return frame.Frame{}, false
	}

	f := frame.Frame{
		Protocol:   "can",
		FrameID:    id,
		DLC:        uint8(dlc),
		IsExtended: extended,
		IsRTR:      rtr,
	}

	if rtr {
		if len(line) != 1+idLen+1 {
			return frame.Frame{}, false
		}
		return f, true
	}

	dataStart := 1 + idLen + 1
	dataEnd := dataStart + 2*dlc
	if len(line) != dataEnd {
		return frame.Frame{}, false
	}
	data, err := hex.DecodeString(string(line[dataStart:dataEnd]))
	if err != nil {
		return frame.Frame{}, false
	}
	f.Bytes = data
	return f, true
}

// Encode renders f as an slcan ASCII line, CR-terminated.
func Encode(f frame.CanTransmitFrame) ([]byte, error) {
	if len(f.Data) > 8 {
		return nil, canerr.Configf("slcan: classic frame payload %d exceeds 8", len(f.Data))
	}

	var letter byte
	var idWidth int
	switch {
	case f.IsExtended && f.IsRTR:
		letter, idWidth = 'R', 8
	case f.IsExtended:
		letter, idWidth = 'T', 8
	case f.IsRTR:
		letter, idWidth = 'r', 3
	default:
		letter, idWidth = 't', 3
	}

	idMask := uint32(0x7FF)
	if f.IsExtended {
		idMask = 0x1FFFFFFF
	}
	id := f.FrameID & idMask

	out := fmt.Sprintf("%c%0*X%X", letter, idWidth, id, len(f.Data))
	if !f.IsRTR {
		out += fmt.Sprintf("%X", f.Data)
	}
	out += "\r"
	return []byte(out), nil
}

func parseHexUint32(b []byte) (uint32, error) {
	n, err := hex.DecodeString(padEven(b))
	if err != nil {
		return 0, err
	}
	var v uint32
	for _, c := range n {
		v = v<<8 | uint32(c)
	}
	return v, nil
}

func padEven(b []byte) string {
	if len(b)%2 == 0 {
		return string(b)
	}
	return "0" + string(b)
}

func parseHexDigit(c byte) (int, error) {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0'), nil
	case c >= 'A' && c <= 'F':
		return int(c-'A') + 10, nil
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10, nil
	default:
		return 0, fmt.Errorf("slcan: invalid hex digit %q", c)
	}
}
