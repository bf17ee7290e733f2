package heartbeat

import "github.com/sailfishos/nemo-keepalive/internal/config"

// Delay is a wakeup delay: either a slot (a single grid-aligned value) or
// an explicit [Lo, Hi] range. Equality is structural on all three fields,
// so a reprogramming request for the same slot-vs-range shape and bounds
// is detected without comparing derived values.
type Delay struct {
	Lo   int // seconds
	Hi   int // seconds
	Slot bool
}

// Equal reports structural equality on Lo, Hi, and Slot, matching spec
// §3's "equality of delays is structural on all three fields".
func (d Delay) Equal(o Delay) bool {
	return d.Lo == o.Lo && d.Hi == o.Hi && d.Slot == o.Slot
}

// DefaultDelay is the one-hour slot used until overridden.
func DefaultDelay() Delay {
	return Slot(int(config.DefaultWakeupSlot.Seconds()))
}

// Slot builds a grid-aligned slot delay: values below the grid snap up to
// it, non-multiples round down to the nearest grid line.
func Slot(seconds int) Delay {
	grid := int(config.WakeupSlotGrid.Seconds())
	if seconds < grid {
		seconds = grid
	} else {
		seconds -= seconds % grid
	}
	return Delay{Lo: seconds, Hi: seconds, Slot: true}
}

// Range builds an explicit [lo, hi] delay: lo is floored at 1, and hi is
// widened by a server heartbeat period (config.RangeWidenBy) whenever it
// is not already strictly greater than lo.
func Range(lo, hi int) Delay {
	if lo < 1 {
		lo = 1
	}
	if hi <= lo {
		hi = lo + int(config.RangeWidenBy.Seconds())
	}
	return Delay{Lo: lo, Hi: hi, Slot: false}
}
