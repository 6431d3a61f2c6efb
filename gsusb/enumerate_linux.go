//go:build linux

package gsusb

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/canflow/iocore/canerr"
)

const sysfsUSBDevices = "/sys/bus/usb/devices"

// FindDevicePath walks sysfs for a gs_usb adapter matching VendorID and any
// of ProductIDs, returning the deviceIndex-th match's /dev/bus/usb/BBB/DDD
// node path.
func FindDevicePath(deviceIndex int) (string, error) {
	entries, err := os.ReadDir(sysfsUSBDevices)
	if err != nil {
		return "", canerr.New("gs_usb", canerr.Connection, "sysfs unavailable: "+err.Error())
	}

	var matches []string
	for _, e := range entries {
		name := e.Name()
		if strings.ContainsAny(name, ":") {
			continue // interface node, not a device node
		}
		dir := filepath.Join(sysfsUSBDevices, name)
		vid, ok := readHexAttr(filepath.Join(dir, "idVendor"))
		if !ok || vid != VendorID {
			continue
		}
		pid, ok := readHexAttr(filepath.Join(dir, "idProduct"))
		if !ok || !containsPID(pid) {
			continue
		}
		busnum, ok1 := readIntAttr(filepath.Join(dir, "busnum"))
		devnum, ok2 := readIntAttr(filepath.Join(dir, "devnum"))
		if !ok1 || !ok2 {
			continue
		}
		matches = append(matches, fmt.Sprintf("/dev/bus/usb/%03d/%03d", busnum, devnum))
	}
	sort.Strings(matches)

	if deviceIndex < 0 || deviceIndex >= len(matches) {
		return "", canerr.Newf("gs_usb", canerr.DeviceNotFound, "no gs_usb adapter at index %d (%d found)", deviceIndex, len(matches))
	}
	return matches[deviceIndex], nil
}

func containsPID(pid uint16) bool {
	for _, p := range ProductIDs {
		if p == pid {
			return true
		}
	}
	return false
}

func readHexAttr(path string) (uint16, bool) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	n, err := strconv.ParseUint(strings.TrimSpace(string(b)), 16, 16)
	if err != nil {
		return 0, false
	}
	return uint16(n), true
}

func readIntAttr(path string) (int, bool) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0, false
	}
	return n, true
}
