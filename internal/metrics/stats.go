package metrics

import (
	"math"
	"sort"
	"time"

	"meshlink/internal/model"
)

// Summary is a basic statistics snapshot.
type Summary struct {
	Count       int
	Peers       int
	From        time.Time
	To          time.Time
	AvgRTTMs    float64
	P95RTTMs    float64
	MinRTTMs    float64
	MaxRTTMs    float64
	AvgJitterMs float64
	AvgLossPct  float64
}

// PeerSummary is the Summary of the samples taken towards one peer.
type PeerSummary struct {
	PeerID string
	Summary
	// InternetPct is the share of samples in which the peer advertised internet access.
	InternetPct float64
}

// Summarize computes summary metrics for items at or after since.
func Summarize(items []model.Sample, since time.Time) Summary {
	var a acc
	peers := map[string]struct{}{}
	for _, s := range items {
		if s.Timestamp.Before(since) {
			continue
		}
		a.add(s)
		peers[s.PeerID] = struct{}{}
	}
	sum := a.summary()
	sum.Peers = len(peers)
	return sum
}

// SummarizeByPeer computes one summary per peer, ordered by peer id.
func SummarizeByPeer(items []model.Sample, since time.Time) []PeerSummary {
	byPeer := map[string]*acc{}
	for _, s := range items {
		if s.Timestamp.Before(since) {
			continue
		}
		a := byPeer[s.PeerID]
		if a == nil {
			a = &acc{}
			byPeer[s.PeerID] = a
		}
		a.add(s)
	}

	out := make([]PeerSummary, 0, len(byPeer))
	for id, a := range byPeer {
		sum := a.summary()
		sum.Peers = 1
		out = append(out, PeerSummary{
			PeerID:      id,
			Summary:     sum,
			InternetPct: 100 * float64(a.internet) / float64(len(a.rtts)),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

type acc struct {
	rtts         []float64
	jitter, loss float64
	internet     int
	from, to     time.Time
}

func (a *acc) add(s model.Sample) {
	if len(a.rtts) == 0 || s.Timestamp.Before(a.from) {
		a.from = s.Timestamp
	}
	if len(a.rtts) == 0 || s.Timestamp.After(a.to) {
		a.to = s.Timestamp
	}
	a.rtts = append(a.rtts, s.RTTMs)
	a.jitter += s.JitterMs
	a.loss += s.LossPct
	if s.HasInternet {
		a.internet++
	}
}

func (a *acc) summary() Summary {
	n := len(a.rtts)
	if n == 0 {
		return Summary{}
	}

	sorted := append([]float64(nil), a.rtts...)
	sort.Float64s(sorted)
	total := 0.0
	for _, v := range sorted {
		total += v
	}

	return Summary{
		Count:       n,
		From:        a.from,
		To:          a.to,
		AvgRTTMs:    total / float64(n),
		P95RTTMs:    percentile(sorted, 0.95),
		MinRTTMs:    sorted[0],
		MaxRTTMs:    sorted[n-1],
		AvgJitterMs: a.jitter / float64(n),
		AvgLossPct:  a.loss / float64(n),
	}
}

// percentile expects values sorted ascending and uses the nearest-rank method.
func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	idx := int(math.Ceil(p*float64(len(values)))) - 1
	return values[min(max(idx, 0), len(values)-1)]
}
