package frame

import "testing"

func TestExtract(t *testing.T) {
	payload := []byte{0x11, 0x22, 0x33, 0x44}

	cases := []struct {
		name      string
		cfg       ExtractorConfig
		wantValue uint32
		wantOK    bool
	}{
		{"single byte start 0", ExtractorConfig{StartByte: 0, NumBytes: 1}, 0x11, true},
		{"single byte negative offset last", ExtractorConfig{StartByte: -1, NumBytes: 1}, 0x44, true},
		{"two bytes little endian", ExtractorConfig{StartByte: 0, NumBytes: 2, BigEndian: false}, 0x2211, true},
		{"two bytes big endian", ExtractorConfig{StartByte: 0, NumBytes: 2, BigEndian: true}, 0x1122, true},
		{"negative offset two bytes", ExtractorConfig{StartByte: -2, NumBytes: 2, BigEndian: true}, 0x3344, true},
		{"out of range", ExtractorConfig{StartByte: 10, NumBytes: 1}, 0, false},
		{"two bytes overruns end", ExtractorConfig{StartByte: 3, NumBytes: 2}, 0, false},
		{"invalid num bytes", ExtractorConfig{StartByte: 0, NumBytes: 3}, 0, false},
		{"negative offset out of range", ExtractorConfig{StartByte: -10, NumBytes: 1}, 0, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			v, ok := Extract(payload, c.cfg)
			if ok != c.wantOK {
				t.Fatalf("ok = %v, want %v", ok, c.wantOK)
			}
			if ok && v != c.wantValue {
				t.Errorf("value = 0x%X, want 0x%X", v, c.wantValue)
			}
		})
	}
}
