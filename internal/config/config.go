package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

const (
	DefaultProbePort          = 8888
	DefaultForwardPort        = 9999
	DefaultInternetMode       = "auto"
	DefaultConnectivitySec    = 30
	DefaultRoutingIntervalSec = 5
	DefaultDeadPeerTimeoutSec = 30
	DefaultPendingProbeLimit  = 1024
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "console"
)

// DefaultSTUNServers are used when internet mode is auto and none are configured.
var DefaultSTUNServers = []string{"stun.l.google.com:19302", "stun1.l.google.com:19302"}

// Config is the on-disk configuration file.
type Config struct {
	Node *NodeConfig `yaml:"node,omitempty"`
}

// NodeConfig configures one mesh node.
type NodeConfig struct {
	ID                      string      `yaml:"id"`
	ProbePort               int         `yaml:"probe_port"`
	ForwardPort             int         `yaml:"forward_port"`
	Internet                string      `yaml:"internet"`
	STUNServers             []string    `yaml:"stun_servers,omitempty"`
	ConnectivityIntervalSec int         `yaml:"connectivity_interval_sec"`
	RoutingIntervalSec      int         `yaml:"routing_interval_sec"`
	DeadPeerTimeoutSec      int         `yaml:"dead_peer_timeout_sec"`
	PendingProbeLimit       int         `yaml:"pending_probe_limit"`
	MetricsPath             string      `yaml:"metrics_path,omitempty"`
	MetricsListen           string      `yaml:"metrics_listen,omitempty"`
	LogLevel                string      `yaml:"log_level"`
	LogFormat               string      `yaml:"log_format"`
	Neighbours              []Neighbour `yaml:"neighbours,omitempty"`
}

// Neighbour is a directly reachable peer known ahead of time.
type Neighbour struct {
	ID   string `yaml:"id"`
	Addr string `yaml:"addr"`
}

// Load reads and parses a YAML config file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}

	ApplyDefaults(&cfg)
	return cfg, nil
}

// Save writes a YAML config file to disk.
func Save(path string, cfg Config) error {
	ApplyDefaults(&cfg)
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks the node section for values the engine cannot run with.
func Validate(cfg Config) error {
	n := cfg.Node
	if n == nil {
		return fmt.Errorf("config must contain a node section")
	}
	if n.ID == "" {
		return fmt.Errorf("node.id is required")
	}
	if strings.Contains(n.ID, "|") {
		return fmt.Errorf("node.id must not contain '|'")
	}
	if !validPort(n.ProbePort) {
		return fmt.Errorf("node.probe_port %d out of range", n.ProbePort)
	}
	if !validPort(n.ForwardPort) {
		return fmt.Errorf("node.forward_port %d out of range", n.ForwardPort)
	}
	if n.ProbePort == n.ForwardPort {
		return fmt.Errorf("node.probe_port and node.forward_port must differ")
	}
	switch n.Internet {
	case "auto", "on", "off":
	default:
		return fmt.Errorf("node.internet must be auto, on or off, got %q", n.Internet)
	}

	seen := map[string]bool{}
	for i, nb := range n.Neighbours {
		if nb.ID == "" || nb.Addr == "" {
			return fmt.Errorf("node.neighbours[%d]: id and addr are required", i)
		}
		if nb.ID == n.ID {
			return fmt.Errorf("node.neighbours[%d]: id %q is the local node", i, nb.ID)
		}
		if seen[nb.ID] {
			return fmt.Errorf("node.neighbours[%d]: duplicate id %q", i, nb.ID)
		}
		seen[nb.ID] = true
	}
	return nil
}

// ApplyDefaults fills in default values when empty.
func ApplyDefaults(cfg *Config) {
	n := cfg.Node
	if n == nil {
		return
	}
	if n.ID == "" {
		n.ID = NewNodeID()
	}
	if n.ProbePort == 0 {
		n.ProbePort = DefaultProbePort
	}
	if n.ForwardPort == 0 {
		n.ForwardPort = DefaultForwardPort
	}
	if n.Internet == "" {
		n.Internet = DefaultInternetMode
	}
	if n.Internet == "auto" && len(n.STUNServers) == 0 {
		n.STUNServers = append([]string(nil), DefaultSTUNServers...)
	}
	if n.ConnectivityIntervalSec == 0 {
		n.ConnectivityIntervalSec = DefaultConnectivitySec
	}
	if n.RoutingIntervalSec == 0 {
		n.RoutingIntervalSec = DefaultRoutingIntervalSec
	}
	if n.DeadPeerTimeoutSec == 0 {
		n.DeadPeerTimeoutSec = DefaultDeadPeerTimeoutSec
	}
	if n.PendingProbeLimit == 0 {
		n.PendingProbeLimit = DefaultPendingProbeLimit
	}
	if n.LogLevel == "" {
		n.LogLevel = DefaultLogLevel
	}
	if n.LogFormat == "" {
		n.LogFormat = DefaultLogFormat
	}
}

// NewNodeID returns a random node id.
func NewNodeID() string {
	return "node-" + strings.SplitN(uuid.NewString(), "-", 2)[0]
}

func validPort(p int) bool {
	return p > 0 && p <= 65535
}
