package frame

// ExtractorConfig describes how to decode an integer field out of a frame
// payload.
type ExtractorConfig struct {
	// StartByte is the offset of the first byte to read. Negative values are
	// an offset from the end of the payload; -1 means the last byte.
	StartByte int
	// NumBytes is 1 or 2.
	NumBytes int
	// BigEndian controls byte combination when NumBytes == 2.
	BigEndian bool
}

// Extract decodes a frame id from payload per cfg. It returns ok == false if
// cfg is out of range for len(payload).
func Extract(payload []byte, cfg ExtractorConfig) (value uint32, ok bool) {
	n := len(payload)
	start := cfg.StartByte
	if start < 0 {
		start = n + start
	}
	if start < 0 || start >= n {
		return 0, false
	}

	switch cfg.NumBytes {
	case 1:
		return uint32(payload[start]), true
	case 2:
		if start+1 >= n {
			return 0, false
		}
		b0, b1 := payload[start], payload[start+1]
		if cfg.BigEndian {
			return uint32(b0)<<8 | uint32(b1), true
		}
		return uint32(b1)<<8 | uint32(b0), true
	default:
		return 0, false
	}
}
