// Package platformtime supplies the single authoritative time source used
// by every component in the platform, so it can be swapped for a
// deterministic clock under test.
package platformtime

import (
	"time"

	"github.com/juju/clock"
)

// Source is the platform's notion of "now": wall-clock time for scheduling
// decisions, plus a monotonic reading for deadline arithmetic that must not
// be perturbed by system clock jumps (spec §5, "Timeouts are expressed as
// deadlines on a monotonic clock, never on wall-clock").
type Source interface {
	// Now returns the current wall-clock instant.
	Now() time.Time
	// MonotonicSeconds returns a monotonically increasing count of seconds
	// since an arbitrary, process-local epoch. Only differences between two
	// calls are meaningful.
	MonotonicSeconds() float64
	// AfterFunc arranges for f to run after d elapses, returning a clock.Timer
	// that can be stopped.
	AfterFunc(d time.Duration, f func()) clock.Timer
	// NewTimer returns a timer that sends the current time on its channel
	// after d elapses.
	NewTimer(d time.Duration) clock.Timer
}

// source adapts a juju/clock.Clock into a Source, anchoring monotonic
// readings to the instant the Source was constructed.
type source struct {
	clock clock.Clock
	epoch time.Time
}

// New wraps clk as a Source. Pass clock.WallClock in production and
// github.com/juju/clock/testclock's NewClock in tests.
func New(clk clock.Clock) Source {
	return &source{clock: clk, epoch: clk.Now()}
}

// WallClock is the process-wide production Source. Components default to
// this when no Source is supplied in their Config, mirroring the teacher's
// pattern of defaulting unset collaborators in Config.defaults().
var WallClock Source = New(clock.WallClock)

func (s *source) Now() time.Time { return s.clock.Now() }

func (s *source) MonotonicSeconds() float64 {
	return s.clock.Now().Sub(s.epoch).Seconds()
}

func (s *source) AfterFunc(d time.Duration, f func()) clock.Timer {
	return s.clock.AfterFunc(d, f)
}

func (s *source) NewTimer(d time.Duration) clock.Timer {
	return s.clock.NewTimer(d)
}
