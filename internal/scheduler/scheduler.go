// Package scheduler runs one adaptive probing loop per neighbour and stops
// probing neighbours that have gone silent.
package scheduler

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"meshlink/internal/probe"
)

const (
	DefaultDeadPeerTimeout = 30 * time.Second

	deadBuffer = 16
)

// Prober is the part of the probe service the scheduler drives.
type Prober interface {
	SendProbe(target netip.AddrPort)
	AverageRTT(nodeID string) (float64, bool)
	Stability(nodeID string) float64
}

// Config configures a Scheduler.
type Config struct {
	DeadPeerTimeout time.Duration
	Clock           clock.Clock
	Logger          *zap.Logger
}

type loop struct {
	cancel context.CancelFunc
	target netip.AddrPort
}

// Scheduler owns the per-neighbour probe loops.
type Scheduler struct {
	prober      Prober
	clock       clock.Clock
	log         *zap.Logger
	deadTimeout time.Duration

	mu       sync.Mutex
	closed   bool
	loops    map[string]*loop
	lastSeen map[string]time.Time
	wg       sync.WaitGroup

	dead chan string
}

// New creates a scheduler driving prober.
func New(prober Prober, cfg Config) *Scheduler {
	if cfg.DeadPeerTimeout <= 0 {
		cfg.DeadPeerTimeout = DefaultDeadPeerTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Scheduler{
		prober:      prober,
		clock:       cfg.Clock,
		log:         cfg.Logger.Named("scheduler"),
		deadTimeout: cfg.DeadPeerTimeout,
		loops:       make(map[string]*loop),
		lastSeen:    make(map[string]time.Time),
		dead:        make(chan string, deadBuffer),
	}
}

// Dead delivers the id of every neighbour whose loop stopped because it went
// silent. The channel is bounded and never closed.
func (s *Scheduler) Dead() <-chan string {
	return s.dead
}

// StartProbing begins probing target on behalf of nodeID. It is a no-op when
// a loop for nodeID is already running.
func (s *Scheduler) StartProbing(nodeID string, target netip.AddrPort) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	if _, running := s.loops[nodeID]; running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &loop{cancel: cancel, target: target}
	s.loops[nodeID] = l
	s.lastSeen[nodeID] = s.clock.Now()

	s.wg.Add(1)
	go s.run(ctx, nodeID, l)
	s.log.Debug("probing started", zap.String("node", nodeID), zap.Stringer("target", target))
}

// StopProbing cancels the loop for nodeID and forgets its liveness state.
func (s *Scheduler) StopProbing(nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked(nodeID)
}

// StopAll cancels every loop, waits for them to return and refuses further starts.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	s.closed = true
	for id := range s.loops {
		s.stopLocked(id)
	}
	s.mu.Unlock()

	s.wg.Wait()
}

// Running reports whether a loop for nodeID is active.
func (s *Scheduler) Running(nodeID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.loops[nodeID]
	return ok
}

// Nodes returns the ids of every neighbour currently being probed.
func (s *Scheduler) Nodes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.loops))
	for id := range s.loops {
		ids = append(ids, id)
	}
	return ids
}

// MarkAlive records a confirmed response from nodeID. It only moves the
// liveness timestamp; the currently scheduled wait is unchanged.
func (s *Scheduler) MarkAlive(nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.loops[nodeID]; ok {
		s.lastSeen[nodeID] = s.clock.Now()
	}
}

// ConsumeResponses marks neighbours alive as probe responses arrive, until
// ctx is done or responses is closed.
func (s *Scheduler) ConsumeResponses(ctx context.Context, responses <-chan probe.Response) {
	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-responses:
			if !ok {
				return
			}
			s.MarkAlive(r.NodeID)
		}
	}
}

func (s *Scheduler) stopLocked(nodeID string) {
	l, ok := s.loops[nodeID]
	if !ok {
		return
	}
	l.cancel()
	delete(s.loops, nodeID)
	delete(s.lastSeen, nodeID)
}

func (s *Scheduler) run(ctx context.Context, nodeID string, l *loop) {
	defer s.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}
		stop, silent := s.expired(nodeID, l)
		if stop && !silent {
			return
		}
		if stop {
			s.log.Info("neighbour silent, probing stopped", zap.String("node", nodeID), zap.Duration("timeout", s.deadTimeout))
			select {
			case s.dead <- nodeID:
			default:
				s.log.Warn("dead-peer notification dropped", zap.String("node", nodeID))
			}
			return
		}

		s.prober.SendProbe(l.target)

		avg, hasSamples := s.prober.AverageRTT(nodeID)
		stability := s.prober.Stability(nodeID)
		wait := NextInterval(hasSamples, stability)
		s.log.Debug("probe scheduled",
			zap.String("node", nodeID),
			zap.Float64("avg_rtt_ms", avg),
			zap.Float64("stability", stability),
			zap.Duration("next", wait),
		)

		timer := s.clock.Timer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// expired reports whether loop l must stop. silent is true when nodeID has
// been quiet past the timeout, in which case its state is removed; a loop that
// has been stopped or replaced stops without being silent.
func (s *Scheduler) expired(nodeID string, l *loop) (stop, silent bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.loops[nodeID] != l {
		return true, false
	}
	if s.clock.Since(s.lastSeen[nodeID]) <= s.deadTimeout {
		return false, false
	}
	s.stopLocked(nodeID)
	return true, true
}
