// Package routing keeps the per-neighbour routing table, elects the internet
// gateway and derives the route towards it.
package routing

import (
	"math"
	"time"
)

// UnknownLatency marks a state whose latency has never been measured.
const UnknownLatency int64 = math.MaxInt64

// InternetDestination is the only destination a route can have.
const InternetDestination = "INTERNET"

// State is the routing view of one neighbour. States are values; the
// repository replaces them wholesale.
type State struct {
	NodeID            string
	AverageLatencyMs  int64
	StabilityScore    float64
	HasInternetAccess bool
	GatewayScore      float64
	IsGateway         bool
	LastSeen          time.Time
	PacketLossRate    float64
}

// RouteDecision says where internet-bound traffic goes next.
type RouteDecision struct {
	Destination   string
	NextHopNodeID string
	ViaGateway    bool
}

// StabilityScore maps RTT jitter (mean absolute deviation, ms) onto 0..100.
func StabilityScore(jitter float64) float64 {
	switch {
	case jitter <= 10:
		return 100
	case jitter <= 30:
		return 80
	case jitter <= 60:
		return 60
	case jitter <= 100:
		return 40
	default:
		return 20
	}
}
