package node

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"meshlink/internal/config"
	"meshlink/internal/forward"
	"meshlink/internal/routing"
)

type delivery struct {
	src     string
	payload string
}

func testConfig(id, internet string) config.NodeConfig {
	return config.NodeConfig{
		ID:                 id,
		Internet:           internet,
		RoutingIntervalSec: 1,
		DeadPeerTimeoutSec: 30,
	}
}

func runNode(t *testing.T, cfg config.NodeConfig, deliveries chan delivery) *Node {
	t.Helper()

	n := New(cfg, Options{
		ListenHost: "127.0.0.1",
		RetryDead:  time.Second,
		Deliver: func(src string, payload []byte) {
			if deliveries != nil {
				deliveries <- delivery{src: src, payload: string(payload)}
			}
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("node did not stop")
		}
	})

	select {
	case <-n.Ready():
	case err := <-done:
		t.Fatalf("run: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("node not ready")
	}
	return n
}

func link(t *testing.T, a, b *Node) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, a.AddNeighbour(ctx, b.cfg.ID, b.ProbeAddr().String()))
	require.NoError(t, b.AddNeighbour(ctx, a.cfg.ID, a.ProbeAddr().String()))
}

func TestNode_ElectsNeighbourWithInternet(t *testing.T) {
	t.Parallel()

	deliveries := make(chan delivery, 1)
	a := runNode(t, testConfig("a", "on"), deliveries)
	b := runNode(t, testConfig("b", "off"), nil)
	link(t, a, b)

	require.Eventually(t, func() bool {
		st := b.Status()
		return st.HasRoute && st.Route == routing.RouteDecision{
			Destination:   routing.InternetDestination,
			NextHopNodeID: "a",
			ViaGateway:    true,
		}
	}, 5*time.Second, 50*time.Millisecond)

	require.Eventually(t, func() bool {
		st := a.Status()
		return st.HasRoute && st.Route.NextHopNodeID == "a" && !st.Route.ViaGateway
	}, 5*time.Second, 50*time.Millisecond)

	require.Eventually(t, func() bool { return b.Status().Relay == "a" }, 5*time.Second, 50*time.Millisecond)
	require.Empty(t, a.Status().Relay)

	outcome, err := a.Send("example.org", []byte("hello"), 0)
	require.NoError(t, err)
	require.Equal(t, forward.OutcomeDelivered, outcome)
	select {
	case d := <-deliveries:
		require.Equal(t, delivery{src: "a", payload: "hello"}, d)
	case <-time.After(time.Second):
		t.Fatal("payload not delivered")
	}
}

func TestNode_DeadNeighbourComesBack(t *testing.T) {
	t.Parallel()

	a := runNode(t, testConfig("a", "off"), nil)
	b := runNode(t, testConfig("b", "on"), nil)
	link(t, a, b)

	require.Eventually(t, func() bool {
		_, ok := a.routes.Get("b")
		return ok && a.sched.Running("b")
	}, 5*time.Second, 50*time.Millisecond)

	a.sched.StopProbing("b")
	a.peerDead("b")
	_, ok := a.routes.Get("b")
	require.False(t, ok)
	_, ok = a.probes.AverageRTT("b")
	require.False(t, ok)

	// b is still alive; as soon as it is heard from again it is probed again.
	b.probes.SendProbe(a.ProbeAddr())
	require.Eventually(t, func() bool { return a.sched.Running("b") }, 5*time.Second, 50*time.Millisecond)
	require.Eventually(t, func() bool {
		gw, ok := a.routes.Gateway()
		return ok && gw.NodeID == "b"
	}, 5*time.Second, 50*time.Millisecond)
}

func TestNode_NeighboursRecoverAfterMutualTimeout(t *testing.T) {
	t.Parallel()

	a := runNode(t, testConfig("a", "off"), nil)
	b := runNode(t, testConfig("b", "on"), nil)
	link(t, a, b)

	require.Eventually(t, func() bool {
		gw, ok := a.routes.Gateway()
		return ok && gw.NodeID == "b" && b.sched.Running("a")
	}, 5*time.Second, 50*time.Millisecond)

	// Both sides give up on each other at the same time; nobody sends anything.
	a.sched.StopProbing("b")
	b.sched.StopProbing("a")
	a.peerDead("b")
	b.peerDead("a")
	require.False(t, a.sched.Running("b"))
	require.False(t, b.sched.Running("a"))

	require.Eventually(t, func() bool {
		return a.sched.Running("b") && b.sched.Running("a")
	}, 5*time.Second, 50*time.Millisecond)
	require.Eventually(t, func() bool {
		gw, ok := a.routes.Gateway()
		return ok && gw.NodeID == "b"
	}, 5*time.Second, 50*time.Millisecond)
}

func TestNode_LosingInternetDropsLocalEntry(t *testing.T) {
	t.Parallel()

	n := New(testConfig("a", "on"), Options{})
	n.Refresh()
	gw, ok := n.routes.Gateway()
	require.True(t, ok)
	require.Equal(t, "a", gw.NodeID)

	n.monitor = New(testConfig("a", "off"), Options{}).monitor
	n.Refresh()
	_, ok = n.routes.Get("a")
	require.False(t, ok)
	_, ok = n.routes.Gateway()
	require.False(t, ok)
}

func TestNode_SendBeforeRun(t *testing.T) {
	t.Parallel()

	n := New(testConfig("a", "off"), Options{})
	_, err := n.Send("b", []byte("x"), 1)
	require.ErrorIs(t, err, ErrNotRunning)
	require.False(t, n.ProbeAddr().IsValid())
}

func TestNode_AddNeighbourRejectsSelf(t *testing.T) {
	t.Parallel()

	n := New(testConfig("a", "off"), Options{})
	require.Error(t, n.AddNeighbour(context.Background(), "a", "127.0.0.1"))
	require.Error(t, n.AddNeighbour(context.Background(), "b", "127.0.0.1:notaport"))
}

func TestNode_BindFailure(t *testing.T) {
	t.Parallel()

	a := runNode(t, testConfig("a", "off"), nil)

	cfg := testConfig("c", "off")
	cfg.ProbePort = int(a.ProbeAddr().Port())
	c := New(cfg, Options{ListenHost: "127.0.0.1"})
	require.Error(t, c.Run(context.Background()))
}
