// Package frame defines the universal in-core record exchanged between
// devices, the merger, and the buffer store.
package frame

import "fmt"

// Frame is the universal record normalized from every protocol this module
// speaks: CAN frames from GVRET/slcan/gs_usb/SocketCAN, or raw/framed serial
// messages from the generic serial reader.
type Frame struct {
	// Protocol is a short tag: "can" for CAN frames, "serial" for raw/framed
	// serial records.
	Protocol string

	// TimestampUs is host microseconds since the UNIX epoch.
	TimestampUs int64

	// FrameID is the 32-bit identifier. For CAN this is the 11- or 29-bit
	// arbitration id; for serial it is extracted per configuration, or a
	// running index when no extractor is configured.
	FrameID uint32

	// Bus is the logical bus number, rewritten by multi-source bus mapping.
	Bus uint8

	// DLC is the payload length in bytes, 0..=64.
	DLC uint8

	// Bytes is the payload, len(Bytes) == int(DLC).
	Bytes []byte

	IsExtended bool
	IsFD       bool
	IsRTR      bool

	// SourceAddress is optional, extracted by configuration (serial only).
	SourceAddress *uint16

	// Incomplete is set when a framer could not complete a frame before
	// flush.
	Incomplete bool

	// Direction is "tx" for frames this core transmitted, empty otherwise.
	Direction string
}

// TimestampedByte is a single raw serial byte plus its capture timestamp.
// Used where per-byte timing matters (generic serial capture).
type TimestampedByte struct {
	Byte        byte
	TimestampUs int64
}

// Validate checks the Frame invariants:
//
//	len(Bytes) == DLC (except RTR, where DLC is the requested length and
//	Bytes is always empty)
//	IsFD  => DLC <= 64
//	!IsFD => DLC <= 8
//	IsRTR => Bytes is empty
//	!IsExtended => FrameID <= 0x7FF
func (f *Frame) Validate() error {
	if !f.IsRTR && int(f.DLC) != len(f.Bytes) {
		return fmt.Errorf("frame: dlc %d does not match payload length %d", f.DLC, len(f.Bytes))
	}
	if f.IsFD {
		if f.DLC > 64 {
			return fmt.Errorf("frame: fd dlc %d exceeds 64", f.DLC)
		}
	} else if f.DLC > 8 {
		return fmt.Errorf("frame: classic dlc %d exceeds 8", f.DLC)
	}
	if f.IsRTR && len(f.Bytes) != 0 {
		return fmt.Errorf("frame: rtr frame carries %d payload bytes", len(f.Bytes))
	}
	if !f.IsExtended && f.FrameID > 0x7FF {
		return fmt.Errorf("frame: standard frame id 0x%X exceeds 0x7FF", f.FrameID)
	}
	return nil
}

// CanTransmitFrame is the caller-supplied shape for an outbound CAN
// transmission, before it is routed and encoded by a protocol-specific
// encoder.
type CanTransmitFrame struct {
	FrameID    uint32
	Bus        uint8
	Data       []byte
	IsExtended bool
	IsFD       bool
	IsRTR      bool
}

// TransmitResult reports the outcome of a transmit_frame call.
type TransmitResult struct {
	Accepted bool
	Err      error
}
