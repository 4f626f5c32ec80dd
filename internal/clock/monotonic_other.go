//go:build !linux

package clock

func monotonicSeconds() float64 {
	return processMonotonic()
}
