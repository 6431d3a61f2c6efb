package serialframe

// ModbusConfig configures ModbusRTUFramer. Real Modbus RTU framing relies
// on inter-frame silence to delimit packets; this framer instead uses a
// fixed packet length (MaxLength), since
// the upstream byte source here carries no timing information.
type ModbusConfig struct {
	// DeviceAddress, if set, drops any packet whose first byte doesn't
	// match.
	DeviceAddress *uint8
	// ValidateCRC, if true, checks the trailing two bytes against
	// CRC16Modbus of the rest of the packet and records the result in
	// Emitted.CRCValid.
	ValidateCRC bool
	// MaxLength is the fixed packet length, address byte through CRC.
	// Defaults to 256 if unset.
	MaxLength int
}

// ModbusRTUFramer accumulates bytes into fixed-length packets and
// optionally validates their CRC.
type ModbusRTUFramer struct {
	cfg        ModbusConfig
	buf        []byte
	frameStart int64
	total      int64
}

// NewModbusRTUFramer constructs a ModbusRTUFramer.
func NewModbusRTUFramer(cfg ModbusConfig) *ModbusRTUFramer {
	if cfg.MaxLength <= 0 {
		cfg.MaxLength = 256
	}
	return &ModbusRTUFramer{cfg: cfg}
}

func (f *ModbusRTUFramer) Feed(data []byte) []Emitted {
	var out []Emitted
	for _, b := range data {
		if len(f.buf) == 0 {
			f.frameStart = f.total
		}
		f.buf = append(f.buf, b)
		f.total++

		if len(f.buf) >= f.cfg.MaxLength {
			if e, ok := f.finishPacket(); ok {
				out = append(out, e)
			}
			f.buf = nil
		}
	}
	return out
}

func (f *ModbusRTUFramer) finishPacket() (Emitted, bool) {
	pkt := cloneBytes(f.buf)
	if f.cfg.DeviceAddress != nil && (len(pkt) == 0 || pkt[0] != *f.cfg.DeviceAddress) {
		return Emitted{}, false
	}

	e := Emitted{Bytes: pkt, StartIndex: f.frameStart}
	if f.cfg.ValidateCRC {
		valid := false
		if len(pkt) >= 2 {
			payload := pkt[:len(pkt)-2]
			want := CRC16Modbus(payload)
			got := uint16(pkt[len(pkt)-2]) | uint16(pkt[len(pkt)-1])<<8
			valid = want == got
		}
		e.CRCValid = &valid
	}
	return e, true
}

func (f *ModbusRTUFramer) Flush() *Emitted {
	if len(f.buf) == 0 {
		return nil
	}
	e := &Emitted{Bytes: cloneBytes(f.buf), Incomplete: true, StartIndex: f.frameStart}
	f.buf = nil
	return e
}
