package api

import "time"

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	NodeID       string       `json:"node_id"`
	Connectivity Connectivity `json:"connectivity"`
	Routes       []RouteState `json:"routes"`
	Route        *Route       `json:"route,omitempty"`
	Relay        string       `json:"relay,omitempty"`
	Probing      []string     `json:"probing"`
}

// Connectivity describes the local node's internet reachability.
type Connectivity struct {
	Connected  bool      `json:"connected"`
	Type       string    `json:"type"`
	PublicAddr string    `json:"public_addr,omitempty"`
	CheckedAt  time.Time `json:"checked_at,omitempty"`
}

// RouteState is one routing table entry.
type RouteState struct {
	NodeID            string    `json:"node_id"`
	AverageLatencyMs  int64     `json:"average_latency_ms"`
	StabilityScore    float64   `json:"stability_score"`
	HasInternetAccess bool      `json:"has_internet_access"`
	GatewayScore      float64   `json:"gateway_score"`
	IsGateway         bool      `json:"is_gateway"`
	PacketLossRate    float64   `json:"packet_loss_rate"`
	LastSeen          time.Time `json:"last_seen"`
}

// Route is the current internet route.
type Route struct {
	Destination   string `json:"destination"`
	NextHopNodeID string `json:"next_hop_node_id"`
	ViaGateway    bool   `json:"via_gateway"`
}

// SendRequest asks the node to originate one packet.
type SendRequest struct {
	Destination string `json:"destination"`
	Payload     string `json:"payload"`
	TTL         int32  `json:"ttl,omitempty"`
}

// SendResponse reports what the forwarder did with the packet.
type SendResponse struct {
	Outcome string `json:"outcome"`
}
