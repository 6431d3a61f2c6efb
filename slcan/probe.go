package slcan

import (
	"fmt"
	"strings"
	"time"

	"go.bug.st/serial"
)

// ProbeVersion opens port and tries V\r, then v\r, then N\r in turn,
// returning the first non-empty response's parsed version string. 0x07
// (BEL) counts as "responded, but error" and stops the
// probe with an empty version and responded=true.
func ProbeVersion(portName string, baud int) (version string, responded bool, err error) {
	mode := &serial.Mode{BaudRate: baud}
	port, err := openPort(portName, mode)
	if err != nil {
		return "", false, err
	}
	defer port.Close()
	port.SetReadTimeout(200 * time.Millisecond)

	for _, cmd := range []string{"V\r", "v\r", "N\r"} {
		port.ResetInputBuffer()
		if _, err := port.Write([]byte(cmd)); err != nil {
			return "", false, err
		}
		buf := make([]byte, 64)
		n, _ := port.Read(buf)
		if n == 0 {
			continue
		}
		resp := buf[:n]
		for _, b := range resp {
			if b == bel {
				return "", true, nil
			}
		}
		if v, ok := parseVersionResponse(resp); ok {
			return v, true, nil
		}
	}
	return "", false, nil
}

// parseVersionResponse extracts the digit string from a V/v/N response and,
// if it is exactly 4 digits "abcd", reformats it as "a.b.cd".
func parseVersionResponse(resp []byte) (string, bool) {
	var digits strings.Builder
	for _, b := range resp {
		if b >= '0' && b <= '9' {
			digits.WriteByte(b)
		}
	}
	s := digits.String()
	if s == "" {
		return "", false
	}
	if len(s) == 4 {
		return fmt.Sprintf("%c.%c.%c%c", s[0], s[1], s[2], s[3]), true
	}
	return s, true
}
