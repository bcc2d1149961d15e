package routing

const (
	internetBonus         = 1000.0
	stabilityWeight       = 2.0
	unknownLatencyPenalty = 500.0
)

// Score rates a neighbour as an internet gateway. Internet access dominates,
// stability breaks ties and latency is a penalty that cannot outweigh access.
func Score(s State) float64 {
	score := s.StabilityScore * stabilityWeight
	if s.HasInternetAccess {
		score += internetBonus
	}
	if s.AverageLatencyMs == UnknownLatency {
		return score - unknownLatencyPenalty
	}
	return score - float64(s.AverageLatencyMs)/2
}
