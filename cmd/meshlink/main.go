package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"meshlink/internal/addrutil"
	"meshlink/internal/api"
	"meshlink/internal/config"
	"meshlink/internal/logging"
	"meshlink/internal/metrics"
	"meshlink/internal/node"
	"meshlink/internal/probe"
	"meshlink/internal/server"
	"meshlink/internal/wire"
)

const usage = `meshlink - link probing, gateway election and TTL forwarding for small meshes

Usage:
  meshlink node init --config <path> [--id <id>] [--internet auto|on|off] [--neighbour id=addr ...]
  meshlink node run --config <path>
  meshlink probe --config <path> --target <host[:port]> [--count 3] [--timeout 2s]
  meshlink send --to <host[:port]> --dest <node-id> [--src <id>] [--ttl 8] --payload <text>
  meshlink status --addr <host:port>
  meshlink stats --config <path> [--window 5m]
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cmd := os.Args[1]
	switch cmd {
	case "-h", "--help", "help":
		fmt.Print(usage)
	case "node":
		handleNode(os.Args[2:])
	case "probe":
		handleProbe(os.Args[2:])
	case "send":
		handleSend(os.Args[2:])
	case "status":
		handleStatus(os.Args[2:])
	case "stats":
		handleStats(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

func handleNode(args []string) {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, "node subcommand required\n")
		os.Exit(2)
	}
	switch args[0] {
	case "init":
		nodeInit(args[1:])
	case "run":
		nodeRun(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown node subcommand %q\n", args[0])
		os.Exit(2)
	}
}

func nodeInit(args []string) {
	fs := flag.NewFlagSet("node init", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	id := fs.String("id", "", "node id (random when empty)")
	internet := fs.String("internet", "", "internet access: auto, on or off")
	metricsPath := fs.String("metrics-path", "", "metrics CSV path")
	stunList := fs.String("stun", "", "comma-separated STUN servers")
	var neighbours []config.Neighbour
	fs.Func("neighbour", "neighbour as id=addr (repeatable)", func(v string) error {
		nid, addr, ok := strings.Cut(v, "=")
		if !ok || nid == "" || addr == "" {
			return fmt.Errorf("want id=addr, got %q", v)
		}
		neighbours = append(neighbours, config.Neighbour{ID: nid, Addr: addr})
		return nil
	})
	_ = fs.Parse(args)

	if *configPath == "" {
		fatal(errors.New("--config is required"))
	}
	if _, err := os.Stat(*configPath); err == nil {
		fatal(fmt.Errorf("%s already exists", *configPath))
	}

	n := &config.NodeConfig{
		ID:          *id,
		Internet:    *internet,
		MetricsPath: *metricsPath,
		Neighbours:  neighbours,
	}
	if *stunList != "" {
		n.STUNServers = splitList(*stunList)
	}
	cfg := config.Config{Node: n}
	config.ApplyDefaults(&cfg)
	if err := config.Validate(cfg); err != nil {
		fatal(err)
	}
	if err := config.Save(*configPath, cfg); err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stdout, "wrote %s (node id %s)\n", *configPath, cfg.Node.ID)
}

func nodeRun(args []string) {
	fs := flag.NewFlagSet("node run", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	_ = fs.Parse(args)

	cfg := mustNodeConfig(*configPath)
	logger := mustLogger(cfg.Node)
	defer func() { _ = logger.Sync() }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	n := node.New(*cfg.Node, node.Options{
		Logger:     logger,
		Collectors: metrics.NewCollectors(reg),
		Deliver: func(src string, payload []byte) {
			logger.Info("payload received", zap.String("src", src), zap.Int("bytes", len(payload)))
		},
	})

	ctx, cancel := signalContext()
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.Run(gctx) })
	if cfg.Node.MetricsListen != "" {
		srv := server.NewServer(cfg.Node.MetricsListen, n, reg, logger)
		g.Go(func() error { return srv.Run(gctx) })
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		fatal(err)
	}
}

func handleProbe(args []string) {
	fs := flag.NewFlagSet("probe", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	target := fs.String("target", "", "neighbour address host[:port]")
	count := fs.Int("count", 3, "number of probes")
	timeout := fs.Duration("timeout", 2*time.Second, "wait per probe")
	_ = fs.Parse(args)

	if *target == "" {
		fatal(errors.New("--target is required"))
	}
	cfg := mustNodeConfig(*configPath)

	ctx, cancel := signalContext()
	defer cancel()

	to, err := addrutil.PeerAddr(ctx, *target, cfg.Node.ProbePort)
	if err != nil {
		fatal(err)
	}

	svc := probe.New(probe.Config{NodeID: cfg.Node.ID, ListenAddr: ":0"})
	if err := svc.Start(); err != nil {
		fatal(err)
	}
	defer func() { _ = svc.Stop() }()

	peer := ""
	for i := 0; i < *count; i++ {
		svc.SendProbe(to)
		select {
		case <-ctx.Done():
			return
		case r := <-svc.Responses():
			peer = r.NodeID
			caps, _ := svc.PeerCapabilities(r.NodeID)
			fmt.Fprintf(os.Stdout, "reply from %s (%s): rtt=%dms internet=%t\n", r.NodeID, r.Addr, r.RTT.Milliseconds(), caps.HasInternet)
		case <-time.After(*timeout):
			fmt.Fprintf(os.Stdout, "no reply from %s within %s\n", to, *timeout)
		}
	}

	if peer == "" {
		fatal(fmt.Errorf("%s did not answer", to))
	}
	avg, _ := svc.AverageRTT(peer)
	fmt.Fprintf(os.Stdout, "%s: avg=%.2fms stability=%.2fms\n", peer, avg, svc.Stability(peer))
}

func handleSend(args []string) {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config (for the source id)")
	to := fs.String("to", "", "first hop forward address host[:port]")
	dest := fs.String("dest", "", "destination node id")
	src := fs.String("src", "", "source node id")
	ttl := fs.Int("ttl", node.DefaultTTL, "hop budget")
	payload := fs.String("payload", "", "payload text")
	_ = fs.Parse(args)

	if *to == "" || *dest == "" {
		fatal(errors.New("--to and --dest are required"))
	}
	if *src == "" {
		cfg, err := loadConfig(*configPath)
		if err != nil {
			fatal(err)
		}
		if cfg.Node != nil {
			*src = cfg.Node.ID
		} else {
			*src = "cli"
		}
	}

	addr, err := addrutil.PeerAddr(context.Background(), *to, config.DefaultForwardPort)
	if err != nil {
		fatal(err)
	}
	data, err := wire.EncodePacket(wire.ForwardPacket{
		SourceNodeID:      *src,
		DestinationNodeID: *dest,
		TTL:               int32(*ttl),
		Payload:           []byte(*payload),
	})
	if err != nil {
		fatal(err)
	}

	conn, err := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(addr))
	if err != nil {
		fatal(err)
	}
	defer conn.Close()
	if _, err := conn.Write(data); err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stdout, "sent %d bytes to %s\n", len(data), addr)
}

func handleStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	addr := fs.String("addr", "", "node HTTP address (metrics_listen)")
	_ = fs.Parse(args)

	if *addr == "" {
		fatal(errors.New("--addr is required"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	st, err := api.NewClient(*addr).Status(ctx)
	if err != nil {
		fatal(err)
	}

	fmt.Fprintf(os.Stdout, "node=%s internet=%t (%s)\n", st.NodeID, st.Connectivity.Connected, st.Connectivity.Type)
	if st.Route != nil {
		fmt.Fprintf(os.Stdout, "route %s via %s gateway=%t\n", st.Route.Destination, st.Route.NextHopNodeID, st.Route.ViaGateway)
	} else {
		fmt.Fprintln(os.Stdout, "no route to the internet")
	}
	if st.Relay != "" {
		fmt.Fprintf(os.Stdout, "best relay %s\n", st.Relay)
	}
	if len(st.Routes) == 0 {
		return
	}

	fmt.Fprintf(os.Stdout, "%-16s  %-10s  %-9s  %-8s  %-8s  %-8s  %-7s\n",
		"NODE", "LATENCY", "STABILITY", "LOSS", "INTERNET", "SCORE", "GATEWAY")
	for _, r := range st.Routes {
		fmt.Fprintf(os.Stdout, "%-16s  %-10s  %-9.0f  %-8.2f  %-8t  %-8.1f  %-7t\n",
			r.NodeID, fmt.Sprintf("%dms", r.AverageLatencyMs), r.StabilityScore, r.PacketLossRate, r.HasInternetAccess, r.GatewayScore, r.IsGateway)
	}
}

func handleStats(args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	window := fs.Duration("window", 5*time.Minute, "time window")
	path := fs.String("path", "", "metrics CSV path override")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}

	metricsPath := *path
	if metricsPath == "" && cfg.Node != nil {
		metricsPath = cfg.Node.MetricsPath
	}
	if metricsPath == "" {
		fatal(errors.New("metrics path required"))
	}

	items, err := metrics.ReadCSV(metricsPath)
	if err != nil {
		fatal(err)
	}

	cutoff := time.Now().UTC().Add(-*window)
	summary := metrics.Summarize(items, cutoff)
	if summary.Count == 0 {
		fmt.Fprintln(os.Stdout, "no samples in window")
		return
	}

	fmt.Fprintf(os.Stdout, "samples=%d peers=%d from=%s to=%s\n", summary.Count, summary.Peers, summary.From.Format(time.RFC3339), summary.To.Format(time.RFC3339))
	fmt.Fprintf(os.Stdout, "rtt avg=%.2fms p95=%.2fms min=%.2fms max=%.2fms\n", summary.AvgRTTMs, summary.P95RTTMs, summary.MinRTTMs, summary.MaxRTTMs)
	fmt.Fprintf(os.Stdout, "jitter avg=%.2fms loss avg=%.2f%%\n", summary.AvgJitterMs, summary.AvgLossPct)

	fmt.Fprintf(os.Stdout, "\n%-16s  %-7s  %-9s  %-9s  %-9s  %-8s  %-8s\n", "PEER", "SAMPLES", "AVG_RTT", "P95_RTT", "JITTER", "LOSS", "INTERNET")
	for _, p := range metrics.SummarizeByPeer(items, cutoff) {
		fmt.Fprintf(os.Stdout, "%-16s  %-7d  %-9.2f  %-9.2f  %-9.2f  %-8.2f  %-8.0f\n",
			p.PeerID, p.Count, p.AvgRTTMs, p.P95RTTMs, p.AvgJitterMs, p.AvgLossPct, p.InternetPct)
	}
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Config{}, nil
	}
	return config.Load(path)
}

func mustNodeConfig(path string) config.Config {
	cfg, err := loadConfig(path)
	if err != nil {
		fatal(err)
	}
	if cfg.Node == nil {
		fatal(errors.New("node config required"))
	}
	config.ApplyDefaults(&cfg)
	if err := config.Validate(cfg); err != nil {
		fatal(err)
	}
	return cfg
}

func mustLogger(n *config.NodeConfig) *zap.Logger {
	logger, err := logging.New(n.LogLevel, n.LogFormat)
	if err != nil {
		fatal(err)
	}
	return logger
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signals
		cancel()
	}()
	return ctx, cancel
}

func fatal(err error) {
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
