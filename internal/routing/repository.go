package routing

import (
	"sort"
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"meshlink/internal/metrics"
)

// Config configures a Repository.
type Config struct {
	Clock      clock.Clock
	Logger     *zap.Logger
	Collectors *metrics.Collectors
}

// Repository owns the routing table. Every mutation swaps in a new table
// under the write lock, so readers never see a partially updated entry.
type Repository struct {
	links LinkMetrics
	clock clock.Clock
	log   *zap.Logger
	stats *metrics.Collectors

	mu    sync.RWMutex
	table map[string]State

	subMu sync.Mutex
	subs  map[chan []State]struct{}
}

// NewRepository creates an empty table fed by links.
func NewRepository(links LinkMetrics, cfg Config) *Repository {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Repository{
		links: links,
		clock: cfg.Clock,
		log:   cfg.Logger.Named("routing"),
		stats: cfg.Collectors,
		table: make(map[string]State),
		subs:  make(map[chan []State]struct{}),
	}
}

// UpdateNode replaces the entry for nodeID from the current link metrics.
// Gateway fields are reset until the next election.
func (r *Repository) UpdateNode(nodeID string, hasInternetAccess bool) State {
	st := r.measure(nodeID, hasInternetAccess)

	r.mu.Lock()
	r.table[nodeID] = st
	snap := r.snapshotLocked()
	r.mu.Unlock()

	r.publish(snap)
	return st
}

// Refresh applies UpdateNode to every entry of nodes and runs an election,
// all in one table swap so the gateway never disappears in between.
func (r *Repository) Refresh(nodes map[string]bool) (State, bool) {
	states := make([]State, 0, len(nodes))
	for id, internet := range nodes {
		states = append(states, r.measure(id, internet))
	}

	r.mu.Lock()
	next := make(map[string]State, len(r.table)+len(states))
	for id, st := range r.table {
		next[id] = st
	}
	for _, st := range states {
		next[st.NodeID] = st
	}
	r.table = next
	gw, ok := r.electLocked()
	snap := r.snapshotLocked()
	r.mu.Unlock()

	r.elected(gw, ok)
	r.publish(snap)
	return gw, ok
}

func (r *Repository) measure(nodeID string, hasInternetAccess bool) State {
	latency := int64(-1)
	if avg, ok := r.links.AverageRTT(nodeID); ok {
		latency = int64(avg)
	}
	if latency < 0 {
		latency = 0
	}

	return State{
		NodeID:            nodeID,
		AverageLatencyMs:  latency,
		StabilityScore:    StabilityScore(r.links.Stability(nodeID)),
		HasInternetAccess: hasInternetAccess,
		LastSeen:          r.clock.Now(),
		PacketLossRate:    r.links.LossRate(nodeID),
	}
}

// RemoveNode deletes nodeID from the table.
func (r *Repository) RemoveNode(nodeID string) {
	r.mu.Lock()
	_, ok := r.table[nodeID]
	delete(r.table, nodeID)
	snap := r.snapshotLocked()
	r.mu.Unlock()

	if ok {
		r.log.Debug("node removed", zap.String("node", nodeID))
		r.publish(snap)
	}
}

// ElectGateway scores every entry and marks the best one as gateway. Ties
// go to the lexicographically smallest node id. It returns false when the
// table is empty.
func (r *Repository) ElectGateway() (State, bool) {
	r.mu.Lock()
	gw, ok := r.electLocked()
	snap := r.snapshotLocked()
	r.mu.Unlock()

	r.elected(gw, ok)
	r.publish(snap)
	return gw, ok
}

func (r *Repository) electLocked() (State, bool) {
	ids := r.sortedIDsLocked()
	next := make(map[string]State, len(ids))
	winner := ""
	best := 0.0
	for _, id := range ids {
		st := r.table[id]
		st.GatewayScore = Score(st)
		if winner == "" || st.GatewayScore > best {
			winner, best = id, st.GatewayScore
		}
		next[id] = st
	}
	for id, st := range next {
		st.IsGateway = id == winner
		next[id] = st
	}
	r.table = next
	gw, ok := next[winner]
	return gw, ok
}

func (r *Repository) elected(gw State, ok bool) {
	r.stats.GatewayElection()
	if ok {
		r.log.Debug("gateway elected", zap.String("node", gw.NodeID), zap.Float64("score", gw.GatewayScore))
	}
}

// RouteToInternet derives the next hop for internet-bound traffic as seen
// from localNodeID.
func (r *Repository) RouteToInternet(localNodeID string) (RouteDecision, bool) {
	gw, ok := r.Gateway()
	if !ok {
		return RouteDecision{}, false
	}
	if gw.NodeID == localNodeID {
		return RouteDecision{Destination: InternetDestination, NextHopNodeID: localNodeID, ViaGateway: false}, true
	}
	return RouteDecision{Destination: InternetDestination, NextHopNodeID: gw.NodeID, ViaGateway: true}, true
}

// Gateway returns the entry currently marked as gateway.
func (r *Repository) Gateway() (State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, st := range r.table {
		if st.IsGateway {
			return st, true
		}
	}
	return State{}, false
}

// Get returns the entry for nodeID.
func (r *Repository) Get(nodeID string) (State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.table[nodeID]
	return st, ok
}

// Snapshot returns every entry ordered by node id.
func (r *Repository) Snapshot() []State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

// Subscribe returns a channel that receives a fresh snapshot after every
// change. Only the latest snapshot is kept for slow readers. Call the
// returned function to unsubscribe; it closes the channel.
func (r *Repository) Subscribe() (<-chan []State, func()) {
	ch := make(chan []State, 1)
	r.subMu.Lock()
	r.subs[ch] = struct{}{}
	r.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.subMu.Lock()
			delete(r.subs, ch)
			close(ch)
			r.subMu.Unlock()
		})
	}
}

func (r *Repository) publish(snap []State) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for ch := range r.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}

func (r *Repository) sortedIDsLocked() []string {
	ids := make([]string, 0, len(r.table))
	for id := range r.table {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Repository) snapshotLocked() []State {
	ids := r.sortedIDsLocked()
	out := make([]State, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.table[id])
	}
	return out
}
