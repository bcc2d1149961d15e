// Package node wires the probe service, scheduler, routing repository and
// forwarder into one running mesh node.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"meshlink/internal/addrutil"
	"meshlink/internal/config"
	"meshlink/internal/connectivity"
	"meshlink/internal/forward"
	"meshlink/internal/metrics"
	"meshlink/internal/probe"
	"meshlink/internal/routing"
	"meshlink/internal/scheduler"
	"meshlink/internal/wire"
)

// DefaultTTL is the hop budget for locally originated packets.
const DefaultTTL = 8

var ErrNotRunning = errors.New("node not running")

// Options carries what does not come from the config file.
type Options struct {
	Logger     *zap.Logger
	Collectors *metrics.Collectors
	// Deliver receives packets addressed to this node or leaving the mesh here.
	Deliver forward.DeliveryFunc
	// Check replaces the STUN reachability check.
	Check connectivity.Checker
	// ListenHost binds both sockets to one address; empty means all.
	ListenHost string
	// RetryDead is how long a dead neighbour rests before it is probed
	// again. Zero means one dead-peer timeout.
	RetryDead time.Duration
}

// Status is a point-in-time view of the node.
type Status struct {
	NodeID       string
	Connectivity connectivity.Status
	Routes       []routing.State
	Route        routing.RouteDecision
	HasRoute     bool
	Relay        string
	Probing      []string
}

type neighbour struct {
	target netip.AddrPort
	deadAt time.Time
}

// Node is one participant of the mesh.
type Node struct {
	cfg config.NodeConfig
	log *zap.Logger

	monitor *connectivity.Monitor
	samples *metrics.SampleLog
	probes  *probe.Service
	sched   *scheduler.Scheduler
	routes  *routing.Repository
	fwd     *forward.Forwarder

	ready     chan struct{}
	retryDead time.Duration

	mu         sync.Mutex
	neighbours map[string]*neighbour
}

// New builds every component from cfg. Nothing is bound until Run.
func New(cfg config.NodeConfig, opts Options) *Node {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	log := opts.Logger.With(zap.String("node", cfg.ID))

	n := &Node{
		cfg:        cfg,
		log:        log,
		ready:      make(chan struct{}),
		retryDead:  opts.RetryDead,
		neighbours: make(map[string]*neighbour),
	}
	if n.retryDead <= 0 {
		n.retryDead = seconds(cfg.DeadPeerTimeoutSec)
	}
	if n.retryDead <= 0 {
		n.retryDead = scheduler.DefaultDeadPeerTimeout
	}

	n.monitor = connectivity.NewMonitor(connectivity.Config{
		Mode:        cfg.Internet,
		STUNServers: cfg.STUNServers,
		Interval:    seconds(cfg.ConnectivityIntervalSec),
		Check:       opts.Check,
		Logger:      log,
	})

	probeCfg := probe.Config{
		NodeID:       cfg.ID,
		ListenAddr:   net.JoinHostPort(opts.ListenHost, strconv.Itoa(cfg.ProbePort)),
		PendingLimit: cfg.PendingProbeLimit,
		Internet:     n.monitor,
		Collectors:   opts.Collectors,
		Logger:       log,
	}
	if cfg.MetricsPath != "" {
		n.samples = metrics.NewSampleLog(cfg.MetricsPath)
		probeCfg.Samples = n.samples
	}
	n.probes = probe.New(probeCfg)

	n.sched = scheduler.New(n.probes, scheduler.Config{
		DeadPeerTimeout: seconds(cfg.DeadPeerTimeoutSec),
		Logger:          log,
	})
	n.routes = routing.NewRepository(n.probes, routing.Config{
		Logger:     log,
		Collectors: opts.Collectors,
	})
	n.fwd = forward.New(n.routes, n.probes, forward.Config{
		NodeID:     cfg.ID,
		ListenAddr: net.JoinHostPort(opts.ListenHost, strconv.Itoa(cfg.ForwardPort)),
		PeerPort:   cfg.ForwardPort,
		Deliver:    opts.Deliver,
		Collectors: opts.Collectors,
		Logger:     log,
	})
	return n
}

// Run binds the sockets, starts probing the configured neighbours and keeps
// the routing table fresh until ctx is done.
func (n *Node) Run(ctx context.Context) (err error) {
	if err := n.probes.Start(); err != nil {
		return err
	}
	if err := n.fwd.Start(); err != nil {
		return multierr.Append(err, n.probes.Stop())
	}
	defer func() { err = multierr.Append(err, n.shutdown()) }()
	close(n.ready)

	for _, nb := range n.cfg.Neighbours {
		if err := n.AddNeighbour(ctx, nb.ID, nb.Addr); err != nil {
			n.log.Warn("neighbour skipped", zap.String("neighbour", nb.ID), zap.Error(err))
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n.sched.ConsumeResponses(gctx, n.probes.Responses())
		return nil
	})
	g.Go(func() error { return n.reapDead(gctx) })
	g.Go(func() error { return n.monitor.Run(gctx) })
	g.Go(func() error { return n.refreshLoop(gctx) })
	g.Go(func() error { return n.logRouteChanges(gctx) })
	return g.Wait()
}

// Ready is closed once both sockets are bound.
func (n *Node) Ready() <-chan struct{} {
	return n.ready
}

// ProbeAddr returns the bound probe socket address.
func (n *Node) ProbeAddr() netip.AddrPort {
	select {
	case <-n.ready:
		return n.probes.LocalAddr()
	default:
		return netip.AddrPort{}
	}
}

// ForwardAddr returns the bound forward socket address.
func (n *Node) ForwardAddr() netip.AddrPort {
	select {
	case <-n.ready:
		return n.fwd.LocalAddr()
	default:
		return netip.AddrPort{}
	}
}

// AddNeighbour enters a neighbour into the routing table and starts probing
// it. addr is "host" or "host:port"; the probe port is the default.
func (n *Node) AddNeighbour(ctx context.Context, id, addr string) error {
	if id == n.cfg.ID {
		return fmt.Errorf("neighbour %q is the local node", id)
	}
	target, err := addrutil.PeerAddr(ctx, addr, n.cfg.ProbePort)
	if err != nil {
		return err
	}

	n.mu.Lock()
	n.neighbours[id] = &neighbour{target: target}
	n.mu.Unlock()

	n.routes.UpdateNode(id, false)
	n.sched.StartProbing(id, target)
	n.log.Info("neighbour added", zap.String("neighbour", id), zap.Stringer("addr", target))
	return nil
}

// Send originates a packet towards dest. A ttl of 0 uses DefaultTTL.
func (n *Node) Send(dest string, payload []byte, ttl int32) (forward.Outcome, error) {
	select {
	case <-n.ready:
	default:
		return "", ErrNotRunning
	}
	if ttl == 0 {
		ttl = DefaultTTL
	}
	return n.fwd.Originate(wire.ForwardPacket{
		SourceNodeID:      n.cfg.ID,
		DestinationNodeID: dest,
		TTL:               ttl,
		Payload:           payload,
	}), nil
}

// Status returns a snapshot of the node's routing view.
func (n *Node) Status() Status {
	probing := n.sched.Nodes()
	sort.Strings(probing)
	conn := n.monitor.Status()

	st := Status{
		NodeID:       n.cfg.ID,
		Connectivity: conn,
		Routes:       n.routes.Snapshot(),
		Probing:      probing,
	}
	st.Route, st.HasRoute = n.routes.RouteToInternet(n.cfg.ID)
	st.Relay, _ = routing.SelectRelay(n.probes, probing, conn.Connected)
	return st
}

// Refresh re-measures every probed neighbour and runs a gateway election.
func (n *Node) Refresh() {
	nodes := make(map[string]bool)
	for _, id := range n.sched.Nodes() {
		caps, _ := n.probes.PeerCapabilities(id)
		nodes[id] = caps.HasInternet
	}
	if n.monitor.HasInternet() {
		nodes[n.cfg.ID] = true
	} else {
		n.routes.RemoveNode(n.cfg.ID)
	}
	n.routes.Refresh(nodes)
}

func (n *Node) refreshLoop(ctx context.Context) error {
	every := seconds(n.cfg.RoutingIntervalSec)
	if every <= 0 {
		every = seconds(config.DefaultRoutingIntervalSec)
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n.revive()
			n.Refresh()
			if err := n.samples.Flush(); err != nil {
				n.log.Warn("sample flush failed", zap.Error(err))
			}
		}
	}
}

func (n *Node) reapDead(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case id := <-n.sched.Dead():
			n.peerDead(id)
		}
	}
}

func (n *Node) peerDead(id string) {
	n.mu.Lock()
	if nb, ok := n.neighbours[id]; ok {
		nb.deadAt = time.Now()
	}
	n.mu.Unlock()

	n.routes.RemoveNode(id)
	n.probes.Forget(id)
	n.log.Warn("neighbour dead", zap.String("neighbour", id))
}

// revive restarts probing of dead neighbours that have been heard from since,
// or that have rested for retryDead. The second case is what brings two
// neighbours back after both declared each other dead.
func (n *Node) revive() {
	type candidate struct {
		id     string
		target netip.AddrPort
	}
	var back []candidate

	n.mu.Lock()
	for id, nb := range n.neighbours {
		if nb.deadAt.IsZero() {
			continue
		}
		seen, ok := n.probes.LastHeard(id)
		heard := ok && seen.After(nb.deadAt)
		if heard || time.Since(nb.deadAt) >= n.retryDead {
			nb.deadAt = time.Time{}
			back = append(back, candidate{id: id, target: nb.target})
		}
	}
	n.mu.Unlock()

	for _, c := range back {
		n.log.Info("neighbour back", zap.String("neighbour", c.id))
		n.sched.StartProbing(c.id, c.target)
	}
}

func (n *Node) logRouteChanges(ctx context.Context) error {
	updates, cancel := n.routes.Subscribe()
	defer cancel()

	last := ""
	for {
		select {
		case <-ctx.Done():
			return nil
		case snap, ok := <-updates:
			if !ok {
				return nil
			}
			gw := ""
			for _, st := range snap {
				if st.IsGateway {
					gw = st.NodeID
				}
			}
			if gw != last {
				n.log.Info("gateway changed", zap.String("from", last), zap.String("to", gw))
				last = gw
			}
		}
	}
}

func (n *Node) shutdown() error {
	n.sched.StopAll()
	err := multierr.Combine(
		n.fwd.Stop(),
		n.probes.Stop(),
		n.samples.Flush(),
	)
	n.log.Info("node stopped")
	return err
}

func seconds(v int) time.Duration {
	return time.Duration(v) * time.Second
}
