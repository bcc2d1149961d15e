// Package server exposes a running node over HTTP: routing status, packet
// injection and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"meshlink/internal/api"
	"meshlink/internal/forward"
	"meshlink/internal/node"
)

const maxPayload = 64 << 10

// Node is the part of a node the HTTP API drives.
type Node interface {
	Status() node.Status
	Send(dest string, payload []byte, ttl int32) (forward.Outcome, error)
}

// Server provides the node HTTP API.
type Server struct {
	listen   string
	node     Node
	gatherer prometheus.Gatherer
	log      *zap.Logger
}

// NewServer constructs a server. A nil gatherer disables /metrics.
func NewServer(listen string, n Node, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		listen:   listen,
		node:     n,
		gatherer: gatherer,
		log:      logger.Named("http"),
	}
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/send", s.handleSend)
	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.listen, err)
	}

	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- server.Serve(ln) }()
	s.log.Info("listening", zap.Stringer("addr", ln.Addr()))

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, toStatusResponse(s.node.Status()))
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req api.SendRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxPayload)
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Destination == "" {
		writeJSONError(w, http.StatusBadRequest, "destination is required")
		return
	}
	if req.TTL < 0 {
		writeJSONError(w, http.StatusBadRequest, "ttl must not be negative")
		return
	}

	outcome, err := s.node.Send(req.Destination, []byte(req.Payload), req.TTL)
	if err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.log.Debug("packet sent", zap.String("dst", req.Destination), zap.String("outcome", string(outcome)))
	writeJSON(w, http.StatusOK, api.SendResponse{Outcome: string(outcome)})
}

func toStatusResponse(st node.Status) api.StatusResponse {
	resp := api.StatusResponse{
		NodeID: st.NodeID,
		Connectivity: api.Connectivity{
			Connected:  st.Connectivity.Connected,
			Type:       st.Connectivity.Type,
			PublicAddr: st.Connectivity.PublicAddr,
			CheckedAt:  st.Connectivity.CheckedAt,
		},
		Routes:  make([]api.RouteState, 0, len(st.Routes)),
		Relay:   st.Relay,
		Probing: st.Probing,
	}
	if resp.Probing == nil {
		resp.Probing = []string{}
	}
	for _, rs := range st.Routes {
		resp.Routes = append(resp.Routes, api.RouteState{
			NodeID:            rs.NodeID,
			AverageLatencyMs:  rs.AverageLatencyMs,
			StabilityScore:    rs.StabilityScore,
			HasInternetAccess: rs.HasInternetAccess,
			GatewayScore:      rs.GatewayScore,
			IsGateway:         rs.IsGateway,
			PacketLossRate:    rs.PacketLossRate,
			LastSeen:          rs.LastSeen,
		})
	}
	if st.HasRoute {
		resp.Route = &api.Route{
			Destination:   st.Route.Destination,
			NextHopNodeID: st.Route.NextHopNodeID,
			ViaGateway:    st.Route.ViaGateway,
		}
	}
	return resp
}

func decodeJSON(r *http.Request, v any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	_ = encoder.Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
