package gateway

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

// serverVersion is reported by the status endpoint.
const serverVersion = "0.1.0"

// StatusResponse is the JSON body returned by GET /api/v1/status.
type StatusResponse struct {
	Service     ServiceStatus    `json:"service"`
	Connections ConnectionStatus `json:"connections"`
	Traffic     TrafficStatus    `json:"traffic"`
}

// ServiceStatus holds service overview info.
type ServiceStatus struct {
	Name          string `json:"name"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// ConnectionStatus holds connection counts.
type ConnectionStatus struct {
	Active      int   `json:"active"`
	Total       int64 `json:"total"`
	AuthRejects int64 `json:"auth_rejects"`
}

// TrafficStatus holds frame counters since start.
type TrafficStatus struct {
	PublishesTotal       int64 `json:"publishes_total"`
	PublishErrorsTotal   int64 `json:"publish_errors_total"`
	EventsForwardedTotal int64 `json:"events_forwarded_total"`
	EventsDroppedTotal   int64 `json:"events_dropped_total"`
	PingsTotal           int64 `json:"pings_total"`
	MalformedTotal       int64 `json:"malformed_total"`
}

// Metrics tracks gateway counters for the status API and /metrics.
type Metrics struct {
	ConnectionsTotal     atomic.Int64
	AuthRejectsTotal     atomic.Int64
	PublishesTotal       atomic.Int64
	PublishErrorsTotal   atomic.Int64
	EventsForwardedTotal atomic.Int64
	EventsDroppedTotal   atomic.Int64
	PingsTotal           atomic.Int64
	MalformedTotal       atomic.Int64
}

// statusHandler serves GET /api/v1/status.
func (s *Server) statusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		resp := StatusResponse{
			Service: ServiceStatus{
				Name:          "chatwire",
				Version:       serverVersion,
				UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
			},
			Connections: ConnectionStatus{
				Active:      s.activeConnections(),
				Total:       s.metrics.ConnectionsTotal.Load(),
				AuthRejects: s.metrics.AuthRejectsTotal.Load(),
			},
			Traffic: TrafficStatus{
				PublishesTotal:       s.metrics.PublishesTotal.Load(),
				PublishErrorsTotal:   s.metrics.PublishErrorsTotal.Load(),
				EventsForwardedTotal: s.metrics.EventsForwardedTotal.Load(),
				EventsDroppedTotal:   s.metrics.EventsDroppedTotal.Load(),
				PingsTotal:           s.metrics.PingsTotal.Load(),
				MalformedTotal:       s.metrics.MalformedTotal.Load(),
			},
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

// healthzHandler answers liveness probes.
func healthzHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}
