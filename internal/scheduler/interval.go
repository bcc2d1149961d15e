package scheduler

import "time"

const (
	intervalUnknown  = 2000 * time.Millisecond
	intervalUnstable = 3000 * time.Millisecond
	intervalModerate = 6000 * time.Millisecond
	intervalStable   = 10000 * time.Millisecond
)

// NextInterval picks the wait before the next probe from a neighbour's
// jitter. hasSamples is false until the first response arrives.
func NextInterval(hasSamples bool, stability float64) time.Duration {
	switch {
	case !hasSamples:
		return intervalUnknown
	case stability > 100:
		return intervalUnstable
	case stability >= 40:
		return intervalModerate
	default:
		return intervalStable
	}
}
