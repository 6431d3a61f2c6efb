package merge

import (
	"time"

	"github.com/sirupsen/logrus"
	"go.bug.st/serial"

	"github.com/canflow/iocore/buffer"
	"github.com/canflow/iocore/canerr"
	"github.com/canflow/iocore/gsusb"
	"github.com/canflow/iocore/gvret"
	"github.com/canflow/iocore/iodevice"
	"github.com/canflow/iocore/profile"
	"github.com/canflow/iocore/serialio"
	"github.com/canflow/iocore/slcan"
	"github.com/canflow/iocore/socketcan"
)

// sourceFactory builds the iodevice.Device for one source. It is a
// package-level variable, not a direct call, so tests can substitute a
// fake device and exercise the merge loop without real transports.
var sourceFactory = buildSource

// buildSource constructs the iodevice.Device for one SourceConfig's
// profile kind. Each source gets its own private buffer.Store,
// discarded after construction: the Merger's own store (wired through sink
// instead) is the one callers observe, so a source's internal buffering is
// irrelevant bookkeeping the underlying device requires but this package
// never reads back.
func buildSource(sessionID string, cfg SourceConfig, sink iodevice.EventSink, log logrus.FieldLogger) (iodevice.Device, error) {
	p := cfg.Profile
	private := buffer.New()

	switch cfg.ProfileKind {
	case profile.KindGvretTCP:
		return gvret.NewTCPDevice(sessionID, gvret.TCPConfig{
			Host:           p.String("host", "localhost"),
			Port:           p.Int("port", 23),
			ConnectTimeout: secondsToDuration(p.Float("timeout", 5.0)),
			BusOverride:    busOverride(p),
		}, private, sink, log), nil

	case profile.KindGvretUSB:
		return gvret.NewSerialDevice(sessionID, gvret.SerialConfig{
			Port:        p.String("port", ""),
			BaudRate:    p.Int("baud_rate", 115200),
			DataBits:    p.Int("data_bits", 8),
			StopBits:    stopBitsOf(p.Int("stop_bits", 1)),
			Parity:      serialio.ParseParity(p.String("parity", "none")),
			BusOverride: busOverride(p),
		}, private, sink, log), nil

	case profile.KindSlcan:
		return slcan.NewDevice(sessionID, slcan.Config{
			Port:        p.String("port", ""),
			BaudRate:    p.Int("baud_rate", 115200),
			Bitrate:     p.Int("bitrate", 500000),
			SilentMode:  p.Bool("silent_mode", false),
			BusOverride: busOverride(p),
		}, private, sink, log), nil

	case profile.KindGsUSB:
		return gsusb.NewDevice(sessionID, gsusb.Config{
			DeviceIndex: p.Int("device_index", 0),
			Bitrate:     p.Int("bitrate", 500000),
			ListenOnly:  p.Bool("listen_only", false),
			BusOverride: busOverride(p),
		}, private, sink, log), nil

	case profile.KindSocketCAN:
		return socketcan.NewDevice(sessionID, socketcan.Config{
			Interface:   p.String("interface", ""),
			BusOverride: busOverride(p),
		}, private, sink, log), nil

	default:
		// KindSerial (generic byte reader) and KindBuffer (timeline replay)
		// are not CAN-frame live sources; both are single-source devices
		// elsewhere in this module.
		return nil, canerr.Configf("merge: unsupported source profile kind %q", cfg.ProfileKind)
	}
}

func busOverride(p profile.Profile) *uint8 {
	if v, ok := p.BusOverride(); ok {
		return &v
	}
	return nil
}

func secondsToDuration(sec float64) time.Duration {
	if sec <= 0 {
		return 0
	}
	return time.Duration(sec * float64(time.Second))
}

func stopBitsOf(n int) serial.StopBits {
	if n == 2 {
		return serial.TwoStopBits
	}
	return serial.OneStopBit
}
