package clock

import (
	"sync"
	"time"
)

// Fake returns a FakeClock with the wall clock at wall and the monotonic
// clock at mono seconds. Neither moves until the test moves it.
//
// FakeClock is safe for concurrent use.
func Fake(wall time.Time, mono float64) *FakeClock {
	return &FakeClock{wall: wall, mono: mono}
}

// FakeClock is a deterministic Source for tests. Wall and monotonic
// readings can be moved independently; tickers fire only from Advance.
type FakeClock struct {
	mu      sync.Mutex
	wall    time.Time
	mono    float64
	elapsed time.Duration
	tickers []*fakeTicker
}

type fakeTicker struct {
	channel  chan time.Time
	interval time.Duration
	next     time.Duration
	stopped  bool
}

// Now returns the fake wall-clock time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wall
}

// Monotonic returns the fake monotonic reading in seconds.
func (c *FakeClock) Monotonic() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mono
}

// NewTicker registers a ticker that fires each time Advance crosses a
// multiple of d. Panics if d <= 0.
func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ticker := &fakeTicker{
		channel:  make(chan time.Time, 1),
		interval: d,
		next:     c.elapsed + d,
	}
	c.tickers = append(c.tickers, ticker)

	return &Ticker{
		C: ticker.channel,
		stopFunc: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			ticker.stopped = true
		},
	}
}

// Advance moves both clocks forward by d, as a running machine would, and
// fires due tickers. Sends are non-blocking.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.wall = c.wall.Add(d)
	c.mono += d.Seconds()
	c.elapsed += d

	for _, ticker := range c.tickers {
		if ticker.stopped {
			continue
		}
		for ticker.next <= c.elapsed {
			select {
			case ticker.channel <- c.wall:
			default:
			}
			ticker.next += ticker.interval
		}
	}
}

// SetWall moves only the wall clock, the way a user changing the system
// time would.
func (c *FakeClock) SetWall(wall time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wall = wall
}

// AdvanceWall moves only the wall clock by d (negative for a rollback).
func (c *FakeClock) AdvanceWall(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wall = c.wall.Add(d)
}

// AdvanceMonotonic moves only the monotonic clock by d.
func (c *FakeClock) AdvanceMonotonic(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mono += d.Seconds()
}

// Reboot simulates a machine restart: the wall clock moves forward by
// downtime and the monotonic clock restarts at uptime seconds.
func (c *FakeClock) Reboot(downtime time.Duration, uptime float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wall = c.wall.Add(downtime)
	c.mono = uptime
}
