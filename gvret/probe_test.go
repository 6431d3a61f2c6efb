package gvret

import "testing"

func TestParseProbeResponseSanitizesNumBuses(t *testing.T) {
	cases := []struct {
		name string
		buf  []byte
		want int
	}{
		{"valid", []byte{syncByte, opNumBuses, 3}, 3},
		{"zero invalid defaults", []byte{syncByte, opNumBuses, 0}, defaultNumBuses},
		{"too large defaults", []byte{syncByte, opNumBuses, 9}, defaultNumBuses},
		{"missing defaults", nil, defaultNumBuses},
	}
	for _, c := range cases {
		if got := ParseProbeResponse(c.buf).NumBuses; got != c.want {
			t.Errorf("%s: NumBuses = %d, want %d", c.name, got, c.want)
		}
	}
}

func TestParseProbeResponseExposesDevInfo(t *testing.T) {
	buf := []byte{syncByte, opDevInfo, 1, 2, 3, 4, 5}
	res := ParseProbeResponse(buf)
	want := []byte{1, 2, 3, 4, 5}
	if len(res.DevInfo) != len(want) {
		t.Fatalf("DevInfo = % X, want % X", res.DevInfo, want)
	}
	for i := range want {
		if res.DevInfo[i] != want[i] {
			t.Errorf("DevInfo[%d] = %d, want %d", i, res.DevInfo[i], want[i])
		}
	}
}
