// Package connectivity tracks whether this node can reach the internet on
// its own, the input that decides whether it offers itself as a gateway.
package connectivity

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Modes accepted by Config.Mode.
const (
	ModeAuto = "auto"
	ModeOn   = "on"
	ModeOff  = "off"
)

const (
	DefaultInterval = 30 * time.Second
	checkTimeout    = 5 * time.Second
)

// Status is a point-in-time view of local connectivity.
type Status struct {
	Connected  bool
	Type       string
	PublicAddr string
	CheckedAt  time.Time
}

// Checker performs one reachability check.
type Checker func(ctx context.Context, servers []string, timeout time.Duration) (Reachability, error)

// Config configures a Monitor.
type Config struct {
	Mode        string
	STUNServers []string
	Interval    time.Duration
	Check       Checker // defaults to CheckSTUN
	Logger      *zap.Logger
}

// Monitor keeps the latest connectivity status. A pinned mode never probes.
type Monitor struct {
	cfg Config
	log *zap.Logger

	mu     sync.RWMutex
	status Status
}

// NewMonitor builds a monitor. Pinned modes report their value immediately;
// auto reports disconnected until the first check completes.
func NewMonitor(cfg Config) *Monitor {
	if cfg.Mode == "" {
		cfg.Mode = ModeAuto
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Check == nil {
		cfg.Check = CheckSTUN
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	m := &Monitor{cfg: cfg, log: cfg.Logger.Named("connectivity")}
	switch cfg.Mode {
	case ModeOn:
		m.status = Status{Connected: true, Type: TypeStatic}
	case ModeOff:
		m.status = Status{Connected: false, Type: TypeStatic}
	default:
		m.status = Status{Type: TypeNone}
	}
	return m
}

// HasInternet reports the latest known reachability.
func (m *Monitor) HasInternet() bool {
	return m.Status().Connected
}

// Status returns the latest status snapshot.
func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// Run checks reachability every interval until ctx is done. It returns
// immediately for pinned modes.
func (m *Monitor) Run(ctx context.Context) error {
	if m.cfg.Mode != ModeAuto {
		<-ctx.Done()
		return nil
	}

	m.CheckNow(ctx)
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.CheckNow(ctx)
		}
	}
}

// CheckNow runs one reachability check and stores the result.
func (m *Monitor) CheckNow(ctx context.Context) Status {
	res, err := m.cfg.Check(ctx, m.cfg.STUNServers, checkTimeout)
	next := Status{CheckedAt: time.Now().UTC()}
	if err != nil {
		next.Type = TypeNone
		m.log.Debug("reachability check failed", zap.Error(err))
	} else {
		next.Connected = true
		next.Type = res.NATType
		next.PublicAddr = res.PublicAddr
	}

	m.mu.Lock()
	prev := m.status
	m.status = next
	m.mu.Unlock()

	if prev.Connected != next.Connected {
		m.log.Info("internet access changed", zap.Bool("connected", next.Connected), zap.String("type", next.Type), zap.String("public_addr", next.PublicAddr))
	}
	return next
}
