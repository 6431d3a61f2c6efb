package iodevice

import "strings"

// Capabilities describes which of a Device's optional operations are valid
// to call. Live devices are realtime and support none of CanPause/CanSeek/
// CanSetSpeed/CanTransmit beyond what their protocol allows; replay (buffer)
// devices are pausable, seekable, and speed-controllable but not realtime.
type Capabilities struct {
	CanPause     bool
	CanSeek      bool
	CanSetSpeed  bool
	CanTransmit  bool
	Realtime     bool
}

// String renders the set capabilities as a comma-separated list, e.g.
// "can_pause, can_transmit". An empty Capabilities renders as "none".
func (c Capabilities) String() string {
	var names []string
	if c.CanPause {
		names = append(names, "can_pause")
	}
	if c.CanSeek {
		names = append(names, "can_seek")
	}
	if c.CanSetSpeed {
		names = append(names, "can_set_speed")
	}
	if c.CanTransmit {
		names = append(names, "can_transmit")
	}
	if c.Realtime {
		names = append(names, "realtime")
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ", ")
}
