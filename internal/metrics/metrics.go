package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chathub_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chathub_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "route"},
	)

	// Connection metrics
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chathub_connections_active",
			Help: "Currently open client connections",
		},
	)

	ConnectionsClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chathub_connections_closed_total",
			Help: "Closed connections by close code",
		},
		[]string{"code"},
	)

	FramesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chathub_frames_received_total",
			Help: "Inbound frames by type",
		},
		[]string{"type"},
	)

	FramesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chathub_frames_sent_total",
			Help: "Frames enqueued to connections",
		},
	)

	InboundErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chathub_inbound_errors_total",
			Help: "Error events returned to clients by code",
		},
		[]string{"code"},
	)

	// Room metrics
	RoomsHydrated = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chathub_rooms_hydrated",
			Help: "Rooms currently held in memory",
		},
	)

	RoomsEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chathub_rooms_evicted_total",
			Help: "Rooms unloaded by the idle sweep",
		},
	)

	MessagesPosted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chathub_messages_posted_total",
			Help: "Total messages posted",
		},
		[]string{"room_type"}, // "DIRECT" or "GROUP"
	)

	Broadcasts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chathub_broadcasts_total",
			Help: "Room broadcasts by event type",
		},
		[]string{"type"},
	)

	// Infrastructure metrics
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chathub_events_published_total",
			Help: "Internal events delivered to subscribers by type",
		},
		[]string{"type"},
	)

	EventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chathub_events_dropped_total",
			Help: "Internal events discarded because the queue was full",
		},
	)

	StoreLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chathub_store_latency_seconds",
			Help:    "Store operation latency",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .5},
		},
		[]string{"op"},
	)
)

// ObserveStore records the latency of a store call started at start.
func ObserveStore(op string, start time.Time) {
	StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// ConnectionClosed records a connection closing with code.
func ConnectionClosed(code int) {
	ConnectionsActive.Dec()
	ConnectionsClosed.WithLabelValues(strconv.Itoa(code)).Inc()
}

// Middleware records request counts and durations keyed by chi route
// pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
