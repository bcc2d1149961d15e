package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "meshlink"

// Collectors groups the Prometheus instruments shared by the engine.
// A nil *Collectors is valid and records nothing.
type Collectors struct {
	probesSent       prometheus.Counter
	probeRequests    prometheus.Counter
	probeResponses   prometheus.Counter
	decodeErrors     *prometheus.CounterVec
	forwardOutcomes  *prometheus.CounterVec
	gatewayElections prometheus.Counter
	rtt              prometheus.Histogram
}

// NewCollectors creates and registers the engine collectors on reg.
func NewCollectors(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		probesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "probe",
			Name:      "requests_sent_total",
			Help:      "Probe requests sent.",
		}),
		probeRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "probe",
			Name:      "requests_received_total",
			Help:      "Probe requests answered.",
		}),
		probeResponses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "probe",
			Name:      "responses_received_total",
			Help:      "Probe responses received.",
		}),
		decodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Datagrams discarded because they could not be decoded.",
		}, []string{"codec"}),
		forwardOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "forward",
			Name:      "packets_total",
			Help:      "Forwarder verdicts per inbound packet.",
		}, []string{"outcome"}),
		gatewayElections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "routing",
			Name:      "gateway_elections_total",
			Help:      "Gateway elections run.",
		}),
		rtt: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "probe",
			Name:      "rtt_seconds",
			Help:      "Observed probe round-trip times.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
	}

	if reg != nil {
		reg.MustRegister(
			c.probesSent,
			c.probeRequests,
			c.probeResponses,
			c.decodeErrors,
			c.forwardOutcomes,
			c.gatewayElections,
			c.rtt,
		)
	}
	return c
}

func (c *Collectors) ProbeSent() {
	if c != nil {
		c.probesSent.Inc()
	}
}

func (c *Collectors) ProbeRequest() {
	if c != nil {
		c.probeRequests.Inc()
	}
}

func (c *Collectors) ProbeResponse(rtt time.Duration) {
	if c != nil {
		c.probeResponses.Inc()
		c.rtt.Observe(rtt.Seconds())
	}
}

func (c *Collectors) DecodeError(codec string) {
	if c != nil {
		c.decodeErrors.WithLabelValues(codec).Inc()
	}
}

func (c *Collectors) Forward(outcome string) {
	if c != nil {
		c.forwardOutcomes.WithLabelValues(outcome).Inc()
	}
}

func (c *Collectors) GatewayElection() {
	if c != nil {
		c.gatewayElections.Inc()
	}
}
