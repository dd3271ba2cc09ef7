package clock

import (
	"time"

	bclock "github.com/benbjohnson/clock"
)

// Package clock provides the time source used for timestamping bus envelopes,
// samples and anomaly verdicts.
//
// Two readings are exposed:
//   - monotonic: milliseconds elapsed since the clock was created, never goes
//     backwards even if the wall clock is adjusted
//   - wall: Unix time in milliseconds
//
// Production code uses New(); tests wrap a benbjohnson mock so timestamps are
// deterministic.

// Clock is the injectable time capability.
type Clock interface {
	// NowMonotonic returns milliseconds since the clock's origin.
	NowMonotonic() float64

	// NowWall returns the current Unix time in milliseconds.
	NowWall() int64

	// Now returns the current wall time.
	Now() time.Time
}

type sourceClock struct {
	src    bclock.Clock
	origin time.Time
}

// New returns a Clock backed by the system clock.
func New() Clock {
	return FromSource(bclock.New())
}

// FromSource adapts any benbjohnson clock, typically clock.NewMock() in tests.
func FromSource(src bclock.Clock) Clock {
	if src == nil {
		src = bclock.New()
	}
	return &sourceClock{src: src, origin: src.Now()}
}

// NewMock returns a Clock driven by a mock source along with the source
// itself so callers can advance it.
func NewMock() (Clock, *bclock.Mock) {
	m := bclock.NewMock()
	return FromSource(m), m
}

func (c *sourceClock) NowMonotonic() float64 {
	return float64(c.src.Since(c.origin)) / float64(time.Millisecond)
}

func (c *sourceClock) NowWall() int64 {
	return c.src.Now().UnixMilli()
}

func (c *sourceClock) Now() time.Time {
	return c.src.Now()
}
