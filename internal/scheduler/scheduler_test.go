package scheduler

import (
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"meshlink/internal/probe"
)

type fakeProber struct {
	mu         sync.Mutex
	sends      int
	avg        float64
	hasSamples bool
	stability  float64
}

func (f *fakeProber) SendProbe(netip.AddrPort) {
	f.mu.Lock()
	f.sends++
	f.mu.Unlock()
}

func (f *fakeProber) AverageRTT(string) (float64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.avg, f.hasSamples
}

func (f *fakeProber) Stability(string) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stability
}

func (f *fakeProber) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sends
}

var target = netip.MustParseAddrPort("10.0.0.2:8888")

func newTestScheduler(t *testing.T, p Prober) (*Scheduler, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	s := New(p, Config{Clock: mock, Logger: zaptest.NewLogger(t)})
	t.Cleanup(s.StopAll)
	return s, mock
}

func TestNextInterval(t *testing.T) {
	t.Parallel()

	require.Equal(t, 2000*time.Millisecond, NextInterval(false, 0))
	require.Equal(t, 3000*time.Millisecond, NextInterval(true, 150))
	require.Equal(t, 6000*time.Millisecond, NextInterval(true, 100))
	require.Equal(t, 6000*time.Millisecond, NextInterval(true, 50))
	require.Equal(t, 6000*time.Millisecond, NextInterval(true, 40))
	require.Equal(t, 10000*time.Millisecond, NextInterval(true, 39.9))
	require.Equal(t, 10000*time.Millisecond, NextInterval(true, 10))
}

func TestStartProbing_Idempotent(t *testing.T) {
	t.Parallel()

	p := &fakeProber{}
	s, _ := newTestScheduler(t, p)

	s.StartProbing("n1", target)
	s.StartProbing("n1", target)

	require.Eventually(t, func() bool { return p.count() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, p.count())
	require.Equal(t, []string{"n1"}, s.Nodes())
}

func TestLoop_WaitsComputedInterval(t *testing.T) {
	t.Parallel()

	p := &fakeProber{hasSamples: true, avg: 20, stability: 150}
	s, mock := newTestScheduler(t, p)
	start := mock.Now()

	s.StartProbing("n1", target)
	require.Eventually(t, func() bool { return p.count() == 1 }, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		mock.Add(100 * time.Millisecond)
		return p.count() >= 2
	}, 2*time.Second, 10*time.Millisecond)

	elapsed := mock.Now().Sub(start)
	require.GreaterOrEqual(t, elapsed, 3000*time.Millisecond)
	require.Less(t, elapsed, 6000*time.Millisecond)
}

func TestLoop_StopsSilentNeighbour(t *testing.T) {
	t.Parallel()

	p := &fakeProber{}
	s, mock := newTestScheduler(t, p)

	s.StartProbing("n1", target)
	require.Eventually(t, func() bool { return p.count() == 1 }, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		mock.Add(time.Second)
		return !s.Running("n1")
	}, 2*time.Second, 5*time.Millisecond)

	select {
	case id := <-s.Dead():
		require.Equal(t, "n1", id)
	case <-time.After(time.Second):
		t.Fatal("no dead-peer notification")
	}

	sent := p.count()
	for i := 0; i < 5; i++ {
		mock.Add(10 * time.Second)
	}
	require.Equal(t, sent, p.count())
}

func TestLoop_AliveNeighbourKeepsRunning(t *testing.T) {
	t.Parallel()

	p := &fakeProber{}
	s, mock := newTestScheduler(t, p)

	s.StartProbing("n1", target)
	require.Eventually(t, func() bool { return p.count() == 1 }, time.Second, 5*time.Millisecond)

	for i := 0; i < 90; i++ {
		mock.Add(time.Second)
		s.MarkAlive("n1")
	}
	require.True(t, s.Running("n1"))
	require.Greater(t, p.count(), 1)
}

func TestStopProbing_CancelsLoop(t *testing.T) {
	t.Parallel()

	p := &fakeProber{}
	s, mock := newTestScheduler(t, p)

	s.StartProbing("n1", target)
	require.Eventually(t, func() bool { return p.count() == 1 }, time.Second, 5*time.Millisecond)

	s.StopProbing("n1")
	require.False(t, s.Running("n1"))
	mock.Add(5 * time.Second)
	time.Sleep(10 * time.Millisecond)
	require.Equal(t, 1, p.count())

	s.StartProbing("n1", target)
	require.Eventually(t, func() bool { return p.count() == 2 }, time.Second, 5*time.Millisecond)
}

func TestStopAll_RefusesNewLoops(t *testing.T) {
	t.Parallel()

	p := &fakeProber{}
	s, _ := newTestScheduler(t, p)

	s.StartProbing("n1", target)
	s.StartProbing("n2", target)
	s.StopAll()

	require.Empty(t, s.Nodes())
	s.StartProbing("n3", target)
	require.False(t, s.Running("n3"))
}

func TestConsumeResponses_UpdatesLiveness(t *testing.T) {
	t.Parallel()

	p := &fakeProber{}
	s, mock := newTestScheduler(t, p)
	s.StartProbing("n1", target)

	responses := make(chan probe.Response, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.ConsumeResponses(ctx, responses)
		close(done)
	}()

	mock.Add(20 * time.Second)
	responses <- probe.Response{NodeID: "n1"}
	responses <- probe.Response{NodeID: "unknown"}

	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.lastSeen["n1"].Equal(mock.Now())
	}, time.Second, 5*time.Millisecond)

	s.mu.Lock()
	_, tracked := s.lastSeen["unknown"]
	s.mu.Unlock()
	require.False(t, tracked)

	cancel()
	<-done
}

func TestExpired_ReplacedLoopStopsQuietly(t *testing.T) {
	t.Parallel()

	p := &fakeProber{}
	s, _ := newTestScheduler(t, p)

	s.StartProbing("n1", target)
	s.mu.Lock()
	stale := s.loops["n1"]
	s.mu.Unlock()

	s.StopProbing("n1")
	s.StartProbing("n1", target)

	stop, silent := s.expired("n1", stale)
	require.True(t, stop)
	require.False(t, silent)
	require.True(t, s.Running("n1"))
	select {
	case id := <-s.Dead():
		t.Fatalf("unexpected dead notification for %s", id)
	default:
	}

	s.StopProbing("n1")
	stop, silent = s.expired("n1", stale)
	require.True(t, stop)
	require.False(t, silent)
}
