// Package timeline implements the small shared control block that every
// replay-capable device consults for pause/resume/speed/cancel.
package timeline

import (
	"math"
	"sync/atomic"

	"github.com/canflow/iocore/canerr"
)

// Control holds four independently atomic fields. The zero value is ready
// to use: not cancelled, not paused, pacing disabled, speed 1.0.
type Control struct {
	cancelFlag     atomic.Bool
	pauseFlag      atomic.Bool
	pacingEnabled  atomic.Bool
	speedBits      atomic.Uint64
}

// New constructs a Control with pacing enabled and speed 1.0, the common
// default for a freshly started replay.
func New() *Control {
	c := &Control{}
	c.pacingEnabled.Store(true)
	c.speedBits.Store(math.Float64bits(1.0))
	return c
}

// Reset clears cancellation and pause for a new stream. Pacing and speed
// are left untouched, so a speed configured before a restart survives it.
func (c *Control) Reset() {
	c.cancelFlag.Store(false)
	c.pauseFlag.Store(false)
}

// Cancel requests termination of the owning replay/stream loop.
func (c *Control) Cancel() { c.cancelFlag.Store(true) }

// Cancelled reports whether Cancel has been called.
func (c *Control) Cancelled() bool { return c.cancelFlag.Load() }

// Pause suspends emission until Resume is called.
func (c *Control) Pause() { c.pauseFlag.Store(true) }

// Resume clears a prior Pause.
func (c *Control) Resume() { c.pauseFlag.Store(false) }

// Paused reports whether the control block is currently paused.
func (c *Control) Paused() bool { return c.pauseFlag.Load() }

// PacingEnabled reports whether wall-clock pacing is active.
func (c *Control) PacingEnabled() bool { return c.pacingEnabled.Load() }

// Speed returns the current playback speed multiplier.
func (c *Control) Speed() float64 {
	bits := c.speedBits.Load()
	if bits == 0 {
		// Never set: SetSpeed only stores positive values.
		return 1.0
	}
	return math.Float64frombits(bits)
}

// SetSpeed applies a playback speed:
//
//	s < 0  -> Configuration error
//	s == 0 -> pacing disabled
//	s > 0  -> pacing enabled, speed := s
func (c *Control) SetSpeed(s float64) error {
	if s < 0 {
		return canerr.Configf("speed must be >= 0, got %v", s)
	}
	if s == 0 {
		c.pacingEnabled.Store(false)
		return nil
	}
	c.pacingEnabled.Store(true)
	c.speedBits.Store(math.Float64bits(s))
	return nil
}
