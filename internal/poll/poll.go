// Package poll runs fixed-interval polling loops bounded by a wall-clock window.
package poll

import (
	"errors"
	"time"
)

var ErrTimeout = errors.New("poll timed out")

// Clock is the time source for a poll loop.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type systemClock struct{}

func (systemClock) Now() time.Time        { return time.Now() }
func (systemClock) Sleep(d time.Duration) { time.Sleep(d) }

// System is the real clock.
var System Clock = systemClock{}

// Func reports whether polling is done. A non-nil error stops the loop immediately.
type Func func() (bool, error)

// Until calls fn, then sleeps interval, until fn reports done or returns an error. fn always
// runs at least once and is never called again once timeout has elapsed since the first
// attempt; Until then returns ErrTimeout.
func Until(fn Func, interval, timeout time.Duration, clock Clock) error {
	if clock == nil {
		clock = System
	}
	start := clock.Now()
	for {
		done, err := fn()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if clock.Now().Sub(start) >= timeout {
			return ErrTimeout
		}
		clock.Sleep(interval)
		if clock.Now().Sub(start) >= timeout {
			return ErrTimeout
		}
	}
}
