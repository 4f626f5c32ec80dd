//go:build linux

package clock

import "golang.org/x/sys/unix"

// monotonicSeconds reads CLOCK_MONOTONIC so the value survives process
// restarts within one boot. Falls back to the process-relative reading if
// the syscall fails.
func monotonicSeconds() float64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return processMonotonic()
	}
	sec, nsec := ts.Unix()
	return float64(sec) + float64(nsec)/1e9
}
