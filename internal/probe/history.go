package probe

import (
	"math"
	"sync"
)

// historyLimit is the number of RTT samples kept per neighbour.
const historyLimit = 20

// rttHistory holds the most recent samples for one neighbour, oldest first.
type rttHistory struct {
	mu      sync.Mutex
	samples []int64
}

func (h *rttHistory) add(rtt int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.samples = append(h.samples, rtt)
	if len(h.samples) > historyLimit {
		copy(h.samples, h.samples[len(h.samples)-historyLimit:])
		h.samples = h.samples[:historyLimit]
	}
}

func (h *rttHistory) snapshot() []int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]int64, len(h.samples))
	copy(out, h.samples)
	return out
}

func mean(samples []int64) float64 {
	var sum float64
	for _, s := range samples {
		sum += float64(s)
	}
	return sum / float64(len(samples))
}

// meanAbsDeviation is the jitter measure used for stability.
func meanAbsDeviation(samples []int64) float64 {
	if len(samples) == 0 {
		return 0
	}
	avg := mean(samples)
	var sum float64
	for _, s := range samples {
		sum += math.Abs(float64(s) - avg)
	}
	return sum / float64(len(samples))
}
