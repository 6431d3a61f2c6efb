package serialframe

import "testing"

// TestCRC16ModbusKnownPair exercises a known request/CRC pair:
// {0x01, 0x03, 0x00, 0x00, 0x00, 0x01} -> CRC appended little-endian as
// {0x0A, 0x84}.
func TestCRC16ModbusKnownPair(t *testing.T) {
	data := []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x01}
	want := uint16(0x840A) // low byte 0x0A, high byte 0x84

	if got := CRC16Modbus(data); got != want {
		t.Errorf("CRC16Modbus = 0x%04X, want 0x%04X", got, want)
	}

	framed := AppendCRC16Modbus(append([]byte(nil), data...))
	wantTail := []byte{0x0A, 0x84}
	gotTail := framed[len(framed)-2:]
	if gotTail[0] != wantTail[0] || gotTail[1] != wantTail[1] {
		t.Errorf("appended CRC bytes = % X, want % X", gotTail, wantTail)
	}
}

func TestCRC16ModbusBitFlipChangesResult(t *testing.T) {
	data := []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x01}
	base := CRC16Modbus(data)

	for i := range data {
		for bit := 0; bit < 8; bit++ {
			flipped := append([]byte(nil), data...)
			flipped[i] ^= 1 << bit
			if CRC16Modbus(flipped) == base {
				t.Errorf("flipping byte %d bit %d did not change the CRC", i, bit)
			}
		}
	}
}
