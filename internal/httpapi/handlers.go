package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"minerva/broker/internal/logging"
	"minerva/broker/internal/netutil"
)

// ReadinessProvider exposes tracker state required for readiness checks.
type ReadinessProvider interface {
	SnapshotStreamCounts() (streams, pendingHandshakes int)
	StartupError() error
	Uptime() time.Duration
}

// StatsFunc returns cumulative frame-delivery statistics across all streams.
type StatsFunc func() (framesDelivered, streams int)

// ReceiveBufferStats summarizes tracker-wide receive-buffer pressure.
type ReceiveBufferStats struct {
	DroppedEntries int64
	DroppedBytes   int64
	PendingEntries int64
	PendingBytes   int64
}

// ReceiveStatsFunc reports tracker-wide receive-buffer pressure.
type ReceiveStatsFunc func() ReceiveBufferStats

// RateLimiter gates how frequently sensitive operations may be invoked.
type RateLimiter interface {
	Allow() bool
}

// Options configures the HandlerSet.
type Options struct {
	Logger        *logging.Logger
	Readiness     ReadinessProvider
	Stats         StatsFunc
	Bandwidth     *netutil.BandwidthRegulator
	ReceiveStats  ReceiveStatsFunc
	AdminToken    string
	RateLimiter   RateLimiter
	TimeSource    func() time.Time
	StreamHandler http.Handler
}

// HandlerSet bundles the broker operational handlers.
type HandlerSet struct {
	logger        *logging.Logger
	readiness     ReadinessProvider
	stats         StatsFunc
	bandwidth     *netutil.BandwidthRegulator
	receiveStats  ReceiveStatsFunc
	adminToken    string
	rateLimiter   RateLimiter
	now           func() time.Time
	streamHandler http.Handler
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
	return &HandlerSet{
		logger:        logger,
		readiness:     opts.Readiness,
		stats:         opts.Stats,
		bandwidth:     opts.Bandwidth,
		receiveStats:  opts.ReceiveStats,
		adminToken:    strings.TrimSpace(opts.AdminToken),
		rateLimiter:   opts.RateLimiter,
		now:           now,
		streamHandler: opts.StreamHandler,
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
	if h.streamHandler != nil {
		mux.Handle("/minerva/stream", h.streamHandler)
	}
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

// ReadinessHandler reports tracker readiness, including stream counts and startup status.
func (h *HandlerSet) ReadinessHandler() http.HandlerFunc {
	type response struct {
		Status            string  `json:"status"`
		Message           string  `json:"message,omitempty"`
		UptimeSeconds     float64 `json:"uptime_seconds"`
		Streams           int     `json:"streams"`
		PendingHandshakes int     `json:"pending_handshakes"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		resp := response{Status: "ok"}
		if h.readiness != nil {
			streams, pending := h.readiness.SnapshotStreamCounts()
			resp.Streams = streams
			resp.PendingHandshakes = pending
			resp.UptimeSeconds = h.readiness.Uptime().Seconds()
			if err := h.readiness.StartupError(); err != nil {
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
		frames, streams := h.metricsStats()
		pending, uptime := h.pendingAndUptime()

		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		fmt.Fprintf(w, "# HELP minerva_uptime_seconds Broker uptime in seconds.\n")
		fmt.Fprintf(w, "# TYPE minerva_uptime_seconds gauge\n")
		fmt.Fprintf(w, "minerva_uptime_seconds %.0f\n", uptime)

		fmt.Fprintf(w, "# HELP minerva_streams Current tracked streams.\n")
		fmt.Fprintf(w, "# TYPE minerva_streams gauge\n")
		fmt.Fprintf(w, "minerva_streams %d\n", streams)

		fmt.Fprintf(w, "# HELP minerva_pending_handshakes Streams awaiting a primary transport handshake.\n")
		fmt.Fprintf(w, "# TYPE minerva_pending_handshakes gauge\n")
		fmt.Fprintf(w, "minerva_pending_handshakes %d\n", pending)

		fmt.Fprintf(w, "# HELP minerva_frames_delivered_total Total application frames delivered in order.\n")
		fmt.Fprintf(w, "# TYPE minerva_frames_delivered_total counter\n")
		fmt.Fprintf(w, "minerva_frames_delivered_total %d\n", frames)

		if h.bandwidth != nil {
			usage := h.bandwidth.SnapshotUsage()
			if len(usage) > 0 {
				fmt.Fprintf(w, "# HELP minerva_transport_bandwidth_bytes_per_second Observed outbound bandwidth per transport.\n")
				fmt.Fprintf(w, "# TYPE minerva_transport_bandwidth_bytes_per_second gauge\n")
				for transportID, sample := range usage {
					fmt.Fprintf(w, "minerva_transport_bandwidth_bytes_per_second{transport=%q} %.2f\n", transportID, sample.BytesPerSecond)
				}
				fmt.Fprintf(w, "# HELP minerva_transport_bandwidth_available_bytes Remaining bandwidth tokens per transport.\n")
				fmt.Fprintf(w, "# TYPE minerva_transport_bandwidth_available_bytes gauge\n")
				for transportID, sample := range usage {
					fmt.Fprintf(w, "minerva_transport_bandwidth_available_bytes{transport=%q} %.2f\n", transportID, sample.AvailableBytes)
				}
				fmt.Fprintf(w, "# HELP minerva_transport_bandwidth_denied_total Total throttled writes per transport.\n")
				fmt.Fprintf(w, "# TYPE minerva_transport_bandwidth_denied_total counter\n")
				for transportID, sample := range usage {
					fmt.Fprintf(w, "minerva_transport_bandwidth_denied_total{transport=%q} %d\n", transportID, sample.DeniedDeliveries)
				}
			}
		}
		if h.receiveStats != nil {
			stats := h.receiveStats()
			fmt.Fprintf(w, "# HELP minerva_receive_buffer_pending_entries Entries buffered awaiting in-order delivery.\n")
			fmt.Fprintf(w, "# TYPE minerva_receive_buffer_pending_entries gauge\n")
			fmt.Fprintf(w, "minerva_receive_buffer_pending_entries %d\n", stats.PendingEntries)
			fmt.Fprintf(w, "# HELP minerva_receive_buffer_pending_bytes Bytes buffered awaiting in-order delivery.\n")
			fmt.Fprintf(w, "# TYPE minerva_receive_buffer_pending_bytes gauge\n")
			fmt.Fprintf(w, "minerva_receive_buffer_pending_bytes %d\n", stats.PendingBytes)
			fmt.Fprintf(w, "# HELP minerva_receive_buffer_dropped_entries_total Entries dropped for exceeding resource caps.\n")
			fmt.Fprintf(w, "# TYPE minerva_receive_buffer_dropped_entries_total counter\n")
			fmt.Fprintf(w, "minerva_receive_buffer_dropped_entries_total %d\n", stats.DroppedEntries)
			fmt.Fprintf(w, "# HELP minerva_receive_buffer_dropped_bytes_total Bytes dropped for exceeding resource caps.\n")
			fmt.Fprintf(w, "# TYPE minerva_receive_buffer_dropped_bytes_total counter\n")
			fmt.Fprintf(w, "minerva_receive_buffer_dropped_bytes_total %d\n", stats.DroppedBytes)
		}
	}
}

func (h *HandlerSet) metricsStats() (frames, streams int) {
	if h.stats != nil {
		return h.stats()
	}
	if h.readiness != nil {
		streams, _ = h.readiness.SnapshotStreamCounts()
	}
	return
}

func (h *HandlerSet) pendingAndUptime() (pending int, uptime float64) {
	if h.readiness == nil {
		return 0, 0
	}
	_, pending = h.readiness.SnapshotStreamCounts()
	return pending, h.readiness.Uptime().Seconds()
}

// authorise checks admin-gated requests. Kept for future operational endpoints
// (e.g. forced stream resets) that require the same bearer/token scheme.
func (h *HandlerSet) authorise(r *http.Request) bool {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	var token string
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		token = strings.TrimSpace(header[7:])
	} else if header != "" {
		token = header
	}
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Admin-Token"))
	}
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if token == "" {
		return false
	}
	if h.adminToken == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) == 1
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}
