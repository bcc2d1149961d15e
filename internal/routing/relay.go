package routing

// LinkMetrics exposes per-neighbour link measurements.
type LinkMetrics interface {
	AverageRTT(nodeID string) (float64, bool)
	Stability(nodeID string) float64
	LossRate(nodeID string) float64
}

const (
	lqsLatencyWeight   = 0.5
	lqsDeliveryWeight  = 0.3
	lqsStabilityWeight = 0.2
)

// LinkQuality is the relay link-quality score of one neighbour.
func LinkQuality(avgRTT, stability, loss float64) float64 {
	latency := 0.0
	if avgRTT > 0 {
		latency = 1 / avgRTT
	}
	return lqsLatencyWeight*latency + lqsDeliveryWeight*(1-loss) + lqsStabilityWeight*stability
}

// SelectRelay picks the neighbour with the best link quality to relay
// traffic through. It returns false when the local node has its own internet
// access or no neighbour has been measured.
func SelectRelay(m LinkMetrics, neighbours []string, localInternet bool) (string, bool) {
	if localInternet {
		return "", false
	}

	best := ""
	bestScore := 0.0
	for _, id := range neighbours {
		avg, ok := m.AverageRTT(id)
		if !ok {
			continue
		}
		score := LinkQuality(avg, m.Stability(id), m.LossRate(id))
		if best == "" || score > bestScore {
			best, bestScore = id, score
		}
	}
	return best, best != ""
}
