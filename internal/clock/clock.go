// Package clock supplies the two time readings the trial ledger reconciles:
// a wall clock (calendar time, user adjustable) and a monotonic clock
// (non-decreasing within one boot, meaningless across reboots).
//
// Production code injects Real(); tests inject Fake() and drive both
// readings independently, including rollbacks and reboot-style monotonic
// resets.
package clock

import "time"

// Source abstracts the clocks read by the license guard and the watchdog.
type Source interface {
	// Now returns the wall-clock time.
	Now() time.Time

	// Monotonic returns monotonic seconds. On linux this is
	// CLOCK_MONOTONIC (boot relative); elsewhere it is relative to
	// process start.
	Monotonic() float64

	// NewTicker returns a Ticker delivering ticks every d. Panics if
	// d <= 0, matching time.NewTicker.
	NewTicker(d time.Duration) *Ticker
}

// Ticker wraps a periodic timer. The C channel has capacity 1; ticks are
// dropped when the consumer falls behind.
type Ticker struct {
	C <-chan time.Time

	stopFunc func()
}

// Stop turns off the ticker. Stop does not close C.
func (t *Ticker) Stop() { t.stopFunc() }

// Real returns a Source backed by the operating system clocks.
func Real() Source { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Monotonic() float64 { return monotonicSeconds() }

func (realClock) NewTicker(d time.Duration) *Ticker {
	ticker := time.NewTicker(d)
	return &Ticker{C: ticker.C, stopFunc: ticker.Stop}
}

// processStart anchors the fallback monotonic reading.
var processStart = time.Now()

func processMonotonic() float64 {
	return time.Since(processStart).Seconds()
}
