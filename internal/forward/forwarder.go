// Package forward relays application datagrams hop by hop towards the
// elected internet gateway.
package forward

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"meshlink/internal/metrics"
	"meshlink/internal/routing"
	"meshlink/internal/wire"
)

const (
	DefaultPort = 9999

	// MaxPacketSize is the largest encoded packet a forwarder reads. Larger
	// packets are refused before they are sent.
	MaxPacketSize = 2048
)

var (
	ErrAlreadyStarted = errors.New("forwarder already started")
	ErrNotStarted     = errors.New("forwarder not started")
)

// Outcome is the verdict for one inbound datagram.
type Outcome string

const (
	OutcomeDelivered      Outcome = "delivered"
	OutcomeForwarded      Outcome = "forwarded"
	OutcomeMalformed      Outcome = "malformed"
	OutcomeTTLExpired     Outcome = "ttl_expired"
	OutcomeNoRoute        Outcome = "no_route"
	OutcomeNextHopUnknown Outcome = "next_hop_unknown"
	OutcomeTooLarge       Outcome = "too_large"
	OutcomeNotStarted     Outcome = "not_started"
)

// RouteSource provides the current route to the internet.
type RouteSource interface {
	RouteToInternet(localNodeID string) (routing.RouteDecision, bool)
}

// PeerDirectory resolves node ids to addresses learned from probes.
type PeerDirectory interface {
	PeerAddr(nodeID string) (netip.Addr, bool)
}

// DeliveryFunc receives payloads addressed to the local node.
type DeliveryFunc func(sourceNodeID string, payload []byte)

// Config configures a Forwarder.
type Config struct {
	NodeID     string
	ListenAddr string // defaults to ":9999"
	// PeerPort is the port next hops listen on; defaults to the local listen port.
	PeerPort   int
	Deliver    DeliveryFunc
	Collectors *metrics.Collectors
	Logger     *zap.Logger
}

// Forwarder owns the forwarding socket and its receive loop.
type Forwarder struct {
	cfg    Config
	routes RouteSource
	peers  PeerDirectory
	log    *zap.Logger

	conn     *net.UDPConn
	started  atomic.Bool
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a forwarder; call Start to bind its socket.
func New(routes RouteSource, peers PeerDirectory, cfg Config) *Forwarder {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = fmt.Sprintf(":%d", DefaultPort)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Forwarder{
		cfg:    cfg,
		routes: routes,
		peers:  peers,
		log:    cfg.Logger.Named("forward"),
	}
}

// Start binds the socket and launches the receive loop.
func (f *Forwarder) Start() error {
	if !f.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	udpAddr, err := net.ResolveUDPAddr("udp", f.cfg.ListenAddr)
	if err != nil {
		f.started.Store(false)
		return err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		f.started.Store(false)
		return fmt.Errorf("bind forward socket %s: %w", f.cfg.ListenAddr, err)
	}
	f.conn = conn
	if f.cfg.PeerPort == 0 {
		f.cfg.PeerPort = int(f.LocalAddr().Port())
		if f.cfg.PeerPort == 0 {
			f.cfg.PeerPort = DefaultPort
		}
	}

	f.wg.Add(1)
	go f.serve()
	f.log.Info("forwarder started", zap.String("addr", conn.LocalAddr().String()), zap.Int("peer_port", f.cfg.PeerPort))
	return nil
}

// Stop closes the socket and waits for the receive loop. It is idempotent.
func (f *Forwarder) Stop() error {
	if !f.started.Load() {
		return nil
	}
	var err error
	f.stopOnce.Do(func() {
		err = f.conn.Close()
		f.wg.Wait()
		f.log.Info("forwarder stopped")
	})
	return err
}

// LocalAddr returns the bound socket address, or the zero value before Start.
func (f *Forwarder) LocalAddr() netip.AddrPort {
	if f.conn == nil {
		return netip.AddrPort{}
	}
	return f.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// Originate injects a locally created packet as if it had just been received.
func (f *Forwarder) Originate(pkt wire.ForwardPacket) Outcome {
	return f.process(pkt)
}

func (f *Forwarder) serve() {
	defer f.wg.Done()

	buf := make([]byte, MaxPacketSize)
	for {
		n, from, err := f.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			f.log.Warn("receive failed", zap.Error(err))
			continue
		}
		f.handle(buf[:n], from)
	}
}

func (f *Forwarder) handle(data []byte, from netip.AddrPort) Outcome {
	pkt, err := wire.DecodePacket(data)
	if err != nil {
		f.cfg.Collectors.DecodeError("forward")
		f.drop(OutcomeMalformed, zap.Stringer("from", from), zap.Error(err))
		return OutcomeMalformed
	}
	return f.process(pkt)
}

func (f *Forwarder) process(pkt wire.ForwardPacket) Outcome {
	if pkt.TTL <= 0 {
		f.drop(OutcomeTTLExpired, zap.String("src", pkt.SourceNodeID), zap.String("dst", pkt.DestinationNodeID))
		return OutcomeTTLExpired
	}

	if pkt.DestinationNodeID == f.cfg.NodeID {
		f.deliver(pkt)
		return OutcomeDelivered
	}

	route, ok := f.routes.RouteToInternet(f.cfg.NodeID)
	if !ok {
		f.drop(OutcomeNoRoute, zap.String("dst", pkt.DestinationNodeID))
		return OutcomeNoRoute
	}
	if !route.ViaGateway {
		// This node is the gateway: traffic leaves the mesh here.
		f.deliver(pkt)
		return OutcomeDelivered
	}

	ip, ok := f.peers.PeerAddr(route.NextHopNodeID)
	if !ok {
		f.drop(OutcomeNextHopUnknown, zap.String("next_hop", route.NextHopNodeID))
		return OutcomeNextHopUnknown
	}

	if f.conn == nil {
		f.drop(OutcomeNotStarted, zap.String("next_hop", route.NextHopNodeID), zap.Error(ErrNotStarted))
		return OutcomeNotStarted
	}

	pkt.TTL--
	data, err := wire.EncodePacket(pkt)
	if err != nil {
		f.log.Error("encode packet", zap.Error(err))
		return OutcomeMalformed
	}
	if len(data) > MaxPacketSize {
		f.drop(OutcomeTooLarge, zap.String("src", pkt.SourceNodeID), zap.Int("bytes", len(data)))
		return OutcomeTooLarge
	}

	to := netip.AddrPortFrom(ip, uint16(f.cfg.PeerPort))
	f.cfg.Collectors.Forward(string(OutcomeForwarded))
	go func() {
		if _, err := f.conn.WriteToUDPAddrPort(data, to); err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			f.log.Warn("forward failed", zap.String("next_hop", route.NextHopNodeID), zap.Stringer("to", to), zap.Error(err))
			return
		}
		f.log.Debug("packet forwarded", zap.String("next_hop", route.NextHopNodeID), zap.Stringer("to", to), zap.Int32("ttl", pkt.TTL))
	}()
	return OutcomeForwarded
}

func (f *Forwarder) deliver(pkt wire.ForwardPacket) {
	f.cfg.Collectors.Forward(string(OutcomeDelivered))
	f.log.Debug("packet delivered", zap.String("src", pkt.SourceNodeID), zap.Int("bytes", len(pkt.Payload)))
	if f.cfg.Deliver != nil {
		f.cfg.Deliver(pkt.SourceNodeID, pkt.Payload)
	}
}

func (f *Forwarder) drop(outcome Outcome, fields ...zap.Field) {
	f.cfg.Collectors.Forward(string(outcome))
	f.log.Debug("packet dropped", append([]zap.Field{zap.String("reason", string(outcome))}, fields...)...)
}
