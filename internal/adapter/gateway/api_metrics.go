package gateway

import (
	"fmt"
	"net/http"
	"runtime"
	"time"
)

// metricsHandler serves GET /metrics in Prometheus text format. The
// lightweight text format avoids pulling in the full prometheus client for
// a dozen counters.
func (s *Server) metricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		fmt.Fprintf(w, "# HELP chatwire_connections_active Currently connected clients.\n")
		fmt.Fprintf(w, "# TYPE chatwire_connections_active gauge\n")
		fmt.Fprintf(w, "chatwire_connections_active %d\n", s.activeConnections())

		fmt.Fprintf(w, "# HELP chatwire_connections_total Connections accepted since start.\n")
		fmt.Fprintf(w, "# TYPE chatwire_connections_total counter\n")
		fmt.Fprintf(w, "chatwire_connections_total %d\n", s.metrics.ConnectionsTotal.Load())

		fmt.Fprintf(w, "# HELP chatwire_auth_rejects_total Connections rejected by authentication.\n")
		fmt.Fprintf(w, "# TYPE chatwire_auth_rejects_total counter\n")
		fmt.Fprintf(w, "chatwire_auth_rejects_total %d\n", s.metrics.AuthRejectsTotal.Load())

		fmt.Fprintf(w, "# HELP chatwire_publishes_total chat_message publishes received.\n")
		fmt.Fprintf(w, "# TYPE chatwire_publishes_total counter\n")
		fmt.Fprintf(w, "chatwire_publishes_total %d\n", s.metrics.PublishesTotal.Load())

		fmt.Fprintf(w, "# HELP chatwire_publish_errors_total Publishes rejected or failed.\n")
		fmt.Fprintf(w, "# TYPE chatwire_publish_errors_total counter\n")
		fmt.Fprintf(w, "chatwire_publish_errors_total %d\n", s.metrics.PublishErrorsTotal.Load())

		fmt.Fprintf(w, "# HELP chatwire_events_forwarded_total Change events forwarded to clients.\n")
		fmt.Fprintf(w, "# TYPE chatwire_events_forwarded_total counter\n")
		fmt.Fprintf(w, "chatwire_events_forwarded_total %d\n", s.metrics.EventsForwardedTotal.Load())

		fmt.Fprintf(w, "# HELP chatwire_events_dropped_total Change events dropped for slow clients.\n")
		fmt.Fprintf(w, "# TYPE chatwire_events_dropped_total counter\n")
		fmt.Fprintf(w, "chatwire_events_dropped_total %d\n", s.metrics.EventsDroppedTotal.Load())

		fmt.Fprintf(w, "# HELP chatwire_pings_total Heartbeat pings answered.\n")
		fmt.Fprintf(w, "# TYPE chatwire_pings_total counter\n")
		fmt.Fprintf(w, "chatwire_pings_total %d\n", s.metrics.PingsTotal.Load())

		fmt.Fprintf(w, "# HELP chatwire_malformed_frames_total Inbound frames dropped as malformed.\n")
		fmt.Fprintf(w, "# TYPE chatwire_malformed_frames_total counter\n")
		fmt.Fprintf(w, "chatwire_malformed_frames_total %d\n", s.metrics.MalformedTotal.Load())

		fmt.Fprintf(w, "# HELP chatwire_uptime_seconds Seconds since the gateway started.\n")
		fmt.Fprintf(w, "# TYPE chatwire_uptime_seconds gauge\n")
		fmt.Fprintf(w, "chatwire_uptime_seconds %.0f\n", time.Since(s.startedAt).Seconds())

		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)

		fmt.Fprintf(w, "# HELP go_goroutines Number of goroutines.\n")
		fmt.Fprintf(w, "# TYPE go_goroutines gauge\n")
		fmt.Fprintf(w, "go_goroutines %d\n", runtime.NumGoroutine())

		fmt.Fprintf(w, "# HELP go_memstats_alloc_bytes Bytes of allocated heap objects.\n")
		fmt.Fprintf(w, "# TYPE go_memstats_alloc_bytes gauge\n")
		fmt.Fprintf(w, "go_memstats_alloc_bytes %d\n", mem.Alloc)

		fmt.Fprintf(w, "# HELP go_memstats_sys_bytes Total bytes of memory obtained from the OS.\n")
		fmt.Fprintf(w, "# TYPE go_memstats_sys_bytes gauge\n")
		fmt.Fprintf(w, "go_memstats_sys_bytes %d\n", mem.Sys)
	}
}
