// Package probe exchanges UDP probe requests and responses with neighbours
// and derives per-neighbour link metrics from them.
package probe

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"meshlink/internal/metrics"
	"meshlink/internal/model"
	"meshlink/internal/wire"
)

const (
	DefaultPort         = 8888
	DefaultPendingLimit = 1024
	DefaultPendingTTL   = 30 * time.Second

	responseBuffer = 64
	readBufferSize = 2048
)

var (
	ErrAlreadyStarted = errors.New("probe service already started")
	ErrNotStarted     = errors.New("probe service not started")
)

// InternetStatus reports whether the local node has internet access.
type InternetStatus interface {
	HasInternet() bool
}

// SampleRecorder receives every RTT sample the service measures.
type SampleRecorder interface {
	Record(model.Sample)
}

// Response is emitted for every probe response received.
type Response struct {
	NodeID string
	Addr   netip.Addr
	RTT    time.Duration
}

// Config configures a Service.
type Config struct {
	NodeID     string
	ListenAddr string // defaults to ":8888"

	// PendingLimit and PendingTTL bound the table of unanswered probes.
	PendingLimit int
	PendingTTL   time.Duration

	Internet   InternetStatus
	Samples    SampleRecorder
	Collectors *metrics.Collectors
	Clock      clock.Clock
	Logger     *zap.Logger
}

type peerInfo struct {
	addr netip.Addr
	caps wire.Capabilities
	seen time.Time
}

type pendingProbe struct {
	sentAt   int64
	target   netip.Addr
	answered atomic.Bool
}

type lossCounter struct {
	answered int
	lost     int
}

// Service owns one UDP socket used for both probe directions.
type Service struct {
	cfg   Config
	clock clock.Clock
	log   *zap.Logger

	conn      *net.UDPConn
	started   atomic.Bool
	stopOnce  sync.Once
	wg        sync.WaitGroup
	responses chan Response

	seq     atomic.Uint64
	pending *expirable.LRU[uint64, *pendingProbe]

	histMu  sync.RWMutex
	history map[string]*rttHistory

	peersMu sync.RWMutex
	peers   map[string]peerInfo

	lossMu sync.Mutex
	loss   map[netip.Addr]*lossCounter
}

// New builds a service; call Start to bind the socket.
func New(cfg Config) *Service {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = fmt.Sprintf(":%d", DefaultPort)
	}
	if cfg.PendingLimit <= 0 {
		cfg.PendingLimit = DefaultPendingLimit
	}
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = DefaultPendingTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	s := &Service{
		cfg:       cfg,
		clock:     cfg.Clock,
		log:       cfg.Logger.Named("probe"),
		responses: make(chan Response, responseBuffer),
		history:   make(map[string]*rttHistory),
		peers:     make(map[string]peerInfo),
		loss:      make(map[netip.Addr]*lossCounter),
	}
	s.pending = expirable.NewLRU[uint64, *pendingProbe](cfg.PendingLimit, s.onPendingEvicted, cfg.PendingTTL)
	return s
}

// Start binds the UDP socket and launches the receive loop.
func (s *Service) Start() error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	udpAddr, err := net.ResolveUDPAddr("udp", s.cfg.ListenAddr)
	if err != nil {
		s.started.Store(false)
		return err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		s.started.Store(false)
		return fmt.Errorf("bind probe socket %s: %w", s.cfg.ListenAddr, err)
	}
	s.conn = conn

	s.wg.Add(1)
	go s.serve()
	s.log.Info("probe service started", zap.String("addr", conn.LocalAddr().String()), zap.String("node", s.cfg.NodeID))
	return nil
}

// Stop closes the socket, waits for the receive loop to exit and drops
// unanswered probes. It is idempotent.
func (s *Service) Stop() error {
	if !s.started.Load() {
		return nil
	}
	var err error
	s.stopOnce.Do(func() {
		err = s.conn.Close()
		s.wg.Wait()
		s.pending.Purge()
		close(s.responses)
		s.log.Info("probe service stopped")
	})
	return err
}

// LocalAddr returns the bound socket address, or the zero value before Start.
func (s *Service) LocalAddr() netip.AddrPort {
	if s.conn == nil {
		return netip.AddrPort{}
	}
	return s.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// Responses delivers a notification per received probe response. The channel
// is bounded; notifications are dropped when nobody drains it. It is closed by Stop.
func (s *Service) Responses() <-chan Response {
	return s.responses
}

// SendProbe sends a probe request to target without blocking. Failures are
// logged and never retried.
func (s *Service) SendProbe(target netip.AddrPort) {
	if s.conn == nil {
		s.log.Warn("probe not sent", zap.Error(ErrNotStarted))
		return
	}

	seq := s.seq.Add(1) - 1
	now := s.clock.Now().UnixMilli()
	data, err := wire.EncodeProbe(wire.ProbeMessage{
		Type:         wire.ProbeRequest,
		SenderID:     s.cfg.NodeID,
		Sequence:     seq,
		Timestamp:    now,
		Capabilities: s.capabilities(),
	})
	if err != nil {
		s.log.Error("encode probe", zap.Error(err))
		return
	}

	s.pending.Add(seq, &pendingProbe{sentAt: now, target: target.Addr().Unmap()})
	s.cfg.Collectors.ProbeSent()
	s.send(data, target, "probe request")
}

// AverageRTT returns the mean RTT in milliseconds for a neighbour, and false
// when no samples exist.
func (s *Service) AverageRTT(nodeID string) (float64, bool) {
	samples := s.History(nodeID)
	if len(samples) == 0 {
		return 0, false
	}
	return mean(samples), true
}

// Stability returns the mean absolute deviation of a neighbour's RTT history
// in milliseconds. Lower is more stable; 0 when there are no samples.
func (s *Service) Stability(nodeID string) float64 {
	return meanAbsDeviation(s.History(nodeID))
}

// History returns a copy of a neighbour's RTT samples, oldest first.
func (s *Service) History(nodeID string) []int64 {
	s.histMu.RLock()
	h := s.history[nodeID]
	s.histMu.RUnlock()
	if h == nil {
		return nil
	}
	return h.snapshot()
}

// KnownPeers returns a snapshot of node id to last observed address.
func (s *Service) KnownPeers() map[string]netip.Addr {
	s.peersMu.RLock()
	defer s.peersMu.RUnlock()
	out := make(map[string]netip.Addr, len(s.peers))
	for id, p := range s.peers {
		out[id] = p.addr
	}
	return out
}

// PeerAddr resolves a node id to its last observed address.
func (s *Service) PeerAddr(nodeID string) (netip.Addr, bool) {
	s.peersMu.RLock()
	defer s.peersMu.RUnlock()
	p, ok := s.peers[nodeID]
	return p.addr, ok
}

// PeerCapabilities returns the capabilities a neighbour last advertised.
func (s *Service) PeerCapabilities(nodeID string) (wire.Capabilities, bool) {
	s.peersMu.RLock()
	defer s.peersMu.RUnlock()
	p, ok := s.peers[nodeID]
	return p.caps, ok
}

// LastHeard returns when any datagram from a neighbour was last decoded.
func (s *Service) LastHeard(nodeID string) (time.Time, bool) {
	s.peersMu.RLock()
	defer s.peersMu.RUnlock()
	p, ok := s.peers[nodeID]
	return p.seen, ok
}

// Forget drops a neighbour's RTT history. Its address stays known.
func (s *Service) Forget(nodeID string) {
	s.histMu.Lock()
	delete(s.history, nodeID)
	s.histMu.Unlock()
}

// LossRate returns the fraction of settled probes to a neighbour that were
// never answered.
func (s *Service) LossRate(nodeID string) float64 {
	addr, ok := s.PeerAddr(nodeID)
	if !ok {
		return 0
	}
	s.lossMu.Lock()
	defer s.lossMu.Unlock()
	c := s.loss[addr]
	if c == nil || c.answered+c.lost == 0 {
		return 0
	}
	return float64(c.lost) / float64(c.answered+c.lost)
}

// PendingCount returns the number of probes still awaiting a response.
func (s *Service) PendingCount() int {
	return s.pending.Len()
}

func (s *Service) serve() {
	defer s.wg.Done()

	buf := make([]byte, readBufferSize)
	for {
		n, addr, err := s.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("receive failed", zap.Error(err))
			continue
		}
		s.handle(buf[:n], addr)
	}
}

func (s *Service) handle(data []byte, from netip.AddrPort) {
	msg, err := wire.DecodeProbe(data)
	if err != nil {
		s.cfg.Collectors.DecodeError("probe")
		s.log.Debug("discarding datagram", zap.Stringer("from", from), zap.Error(err))
		return
	}

	from = netip.AddrPortFrom(from.Addr().Unmap(), from.Port())
	s.registerPeer(msg.SenderID, from.Addr(), msg.Capabilities)

	switch msg.Type {
	case wire.ProbeRequest:
		s.cfg.Collectors.ProbeRequest()
		s.respond(msg, from)
	case wire.ProbeResponse:
		s.handleResponse(msg, from)
	}
}

func (s *Service) respond(req wire.ProbeMessage, to netip.AddrPort) {
	data, err := wire.EncodeProbe(wire.ProbeMessage{
		Type:         wire.ProbeResponse,
		SenderID:     s.cfg.NodeID,
		Sequence:     req.Sequence,
		Timestamp:    req.Timestamp,
		Capabilities: s.capabilities(),
	})
	if err != nil {
		s.log.Error("encode probe response", zap.Error(err))
		return
	}
	s.send(data, to, "probe response")
}

func (s *Service) handleResponse(msg wire.ProbeMessage, from netip.AddrPort) {
	rttMs := s.clock.Now().UnixMilli() - msg.Timestamp
	if rttMs < 0 {
		rttMs = 0
	}
	s.recordRTT(msg.SenderID, rttMs)

	if p, ok := s.pending.Peek(msg.Sequence); ok {
		p.answered.Store(true)
		s.pending.Remove(msg.Sequence)
		s.settle(p.target, true)
	}

	rtt := time.Duration(rttMs) * time.Millisecond
	s.cfg.Collectors.ProbeResponse(rtt)
	if s.cfg.Samples != nil {
		s.cfg.Samples.Record(model.Sample{
			Timestamp:   s.clock.Now().UTC(),
			NodeID:      s.cfg.NodeID,
			PeerID:      msg.SenderID,
			RTTMs:       float64(rttMs),
			JitterMs:    s.Stability(msg.SenderID),
			LossPct:     100 * s.LossRate(msg.SenderID),
			HasInternet: msg.Capabilities.HasInternet,
		})
	}
	s.log.Debug("rtt", zap.String("node", msg.SenderID), zap.Int64("rtt_ms", rttMs))

	select {
	case s.responses <- Response{NodeID: msg.SenderID, Addr: from.Addr(), RTT: rtt}:
	default:
		s.log.Debug("response notification dropped", zap.String("node", msg.SenderID))
	}
}

func (s *Service) recordRTT(nodeID string, rttMs int64) {
	s.histMu.RLock()
	h := s.history[nodeID]
	s.histMu.RUnlock()
	if h == nil {
		s.histMu.Lock()
		if h = s.history[nodeID]; h == nil {
			h = &rttHistory{}
			s.history[nodeID] = h
		}
		s.histMu.Unlock()
	}
	h.add(rttMs)
}

func (s *Service) registerPeer(nodeID string, addr netip.Addr, caps wire.Capabilities) {
	s.peersMu.Lock()
	prev, ok := s.peers[nodeID]
	s.peers[nodeID] = peerInfo{addr: addr, caps: caps, seen: s.clock.Now()}
	s.peersMu.Unlock()

	if !ok || prev.addr != addr {
		s.log.Info("peer registered", zap.String("node", nodeID), zap.Stringer("addr", addr), zap.Bool("internet", caps.HasInternet))
	}
}

func (s *Service) onPendingEvicted(_ uint64, p *pendingProbe) {
	if p.answered.Load() {
		return
	}
	s.settle(p.target, false)
}

func (s *Service) settle(addr netip.Addr, answered bool) {
	s.lossMu.Lock()
	defer s.lossMu.Unlock()
	c := s.loss[addr]
	if c == nil {
		c = &lossCounter{}
		s.loss[addr] = c
	}
	if answered {
		c.answered++
	} else {
		c.lost++
	}
}

func (s *Service) capabilities() wire.Capabilities {
	if s.cfg.Internet == nil {
		return wire.Capabilities{}
	}
	return wire.Capabilities{HasInternet: s.cfg.Internet.HasInternet()}
}

func (s *Service) send(data []byte, to netip.AddrPort, what string) {
	go func() {
		if _, err := s.conn.WriteToUDPAddrPort(data, to); err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("send failed", zap.String("kind", what), zap.Stringer("to", to), zap.Error(err))
		}
	}()
}
