package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"gridroyale/realtime/internal/logging"
)

// StatsProvider exposes gateway counters for readiness and metrics.
type StatsProvider interface {
	Connections() int
	IdentitiesOnline() int
	Broadcasts() int64
}

// ReadyCheck probes a hard dependency; non-nil errors flip readiness.
type ReadyCheck func(ctx context.Context) error

// Options configures the HandlerSet.
type Options struct {
	Logger            *logging.Logger
	Stats             StatsProvider
	Rooms             func() int
	QueueDepth        func() int
	RelayedFrames     func() int64
	DispatchDelivered func() int64
	DispatchDropped   func() int64
	ReadyCheck        ReadyCheck
	TimeSource        func() time.Time
	StartTime         time.Time
}

// HandlerSet bundles the service's operational handlers.
type HandlerSet struct {
	logger            *logging.Logger
	stats             StatsProvider
	rooms             func() int
	queueDepth        func() int
	relayedFrames     func() int64
	dispatchDelivered func() int64
	dispatchDropped   func() int64
	readyCheck        ReadyCheck
	now               func() time.Time
	started           time.Time
}

// NewHandlerSet constructs a HandlerSet using the provided options.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	started := opts.StartTime
	if started.IsZero() {
		started = now()
	}
	return &HandlerSet{
		logger:            logger,
		stats:             opts.Stats,
		rooms:             opts.Rooms,
		queueDepth:        opts.QueueDepth,
		relayedFrames:     opts.RelayedFrames,
		dispatchDelivered: opts.DispatchDelivered,
		dispatchDropped:   opts.DispatchDropped,
		readyCheck:        opts.ReadyCheck,
		now:               now,
		started:           started,
	}
}

// Register attaches all handlers to the provided mux.
func (h *HandlerSet) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/livez", h.LivenessHandler())
	mux.HandleFunc("/readyz", h.ReadinessHandler())
	mux.HandleFunc("/metrics", h.MetricsHandler())
}

// LivenessHandler reports that the HTTP server is reachable.
func (h *HandlerSet) LivenessHandler() http.HandlerFunc {
	type response struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, response{
			Status:    "alive",
			Timestamp: h.now().UTC().Format(time.RFC3339Nano),
		})
	}
}

// ReadinessHandler reports service readiness, including connection counts and
// the state of the storage dependency.
func (h *HandlerSet) ReadinessHandler() http.HandlerFunc {
	type response struct {
		Status        string  `json:"status"`
		Message       string  `json:"message,omitempty"`
		UptimeSeconds float64 `json:"uptime_seconds"`
		Connections   int     `json:"connections"`
		Identities    int     `json:"identities_online"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		resp := response{
			Status:        "ok",
			UptimeSeconds: h.now().Sub(h.started).Seconds(),
		}
		if h.stats != nil {
			resp.Connections = h.stats.Connections()
			resp.Identities = h.stats.IdentitiesOnline()
		}
		if h.readyCheck != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := h.readyCheck(ctx); err != nil {
				status = http.StatusServiceUnavailable
				resp.Status = "error"
				resp.Message = err.Error()
			}
		}
		writeJSON(w, status, resp)
	}
}

// MetricsHandler emits Prometheus compatible text metrics.
func (h *HandlerSet) MetricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		fmt.Fprintf(w, "# HELP realtime_uptime_seconds Service uptime in seconds.\n")
		fmt.Fprintf(w, "# TYPE realtime_uptime_seconds gauge\n")
		fmt.Fprintf(w, "realtime_uptime_seconds %.0f\n", h.now().Sub(h.started).Seconds())

		if h.stats != nil {
			fmt.Fprintf(w, "# HELP realtime_connections Current WebSocket connections.\n")
			fmt.Fprintf(w, "# TYPE realtime_connections gauge\n")
			fmt.Fprintf(w, "realtime_connections %d\n", h.stats.Connections())

			fmt.Fprintf(w, "# HELP realtime_identities_online Distinct identities with at least one connection.\n")
			fmt.Fprintf(w, "# TYPE realtime_identities_online gauge\n")
			fmt.Fprintf(w, "realtime_identities_online %d\n", h.stats.IdentitiesOnline())

			fmt.Fprintf(w, "# HELP realtime_broadcasts_total Total targeted deliveries.\n")
			fmt.Fprintf(w, "# TYPE realtime_broadcasts_total counter\n")
			fmt.Fprintf(w, "realtime_broadcasts_total %d\n", h.stats.Broadcasts())
		}
		if h.rooms != nil {
			fmt.Fprintf(w, "# HELP realtime_rooms Active rooms.\n")
			fmt.Fprintf(w, "# TYPE realtime_rooms gauge\n")
			fmt.Fprintf(w, "realtime_rooms %d\n", h.rooms())
		}
		if h.queueDepth != nil {
			fmt.Fprintf(w, "# HELP realtime_queue_depth Identities waiting in the matchmaking queue.\n")
			fmt.Fprintf(w, "# TYPE realtime_queue_depth gauge\n")
			fmt.Fprintf(w, "realtime_queue_depth %d\n", h.queueDepth())
		}
		if h.relayedFrames != nil {
			fmt.Fprintf(w, "# HELP realtime_relayed_frames_total Game frames fanned out to rooms.\n")
			fmt.Fprintf(w, "# TYPE realtime_relayed_frames_total counter\n")
			fmt.Fprintf(w, "realtime_relayed_frames_total %d\n", h.relayedFrames())
		}
		if h.dispatchDelivered != nil {
			fmt.Fprintf(w, "# HELP realtime_dispatch_delivered_total Backend dispatches handed to a live connection.\n")
			fmt.Fprintf(w, "# TYPE realtime_dispatch_delivered_total counter\n")
			fmt.Fprintf(w, "realtime_dispatch_delivered_total %d\n", h.dispatchDelivered())
		}
		if h.dispatchDropped != nil {
			fmt.Fprintf(w, "# HELP realtime_dispatch_dropped_total Backend dispatches dropped because the target was offline.\n")
			fmt.Fprintf(w, "# TYPE realtime_dispatch_dropped_total counter\n")
			fmt.Fprintf(w, "realtime_dispatch_dropped_total %d\n", h.dispatchDropped())
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}
