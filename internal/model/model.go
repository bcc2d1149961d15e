package model

import "time"

// Sample is a single RTT measurement taken by the probe service.
type Sample struct {
	Timestamp   time.Time
	NodeID      string
	PeerID      string
	RTTMs       float64
	JitterMs    float64
	LossPct     float64
	HasInternet bool
}
