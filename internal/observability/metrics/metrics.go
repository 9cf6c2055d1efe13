package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder owns a Prometheus registry and the collectors for HTTP traffic,
// room transitions, the liveness sweep, ingest callbacks and the realtime
// sockets. A nil *Recorder is valid and records nothing.
type Recorder struct {
	registry *prometheus.Registry

	requests         *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	roomTransitions  *prometheus.CounterVec
	sweepDuration    prometheus.Histogram
	sweepsSkipped    *prometheus.CounterVec
	ingestCallbacks  *prometheus.CounterVec
	socketClients    *prometheus.GaugeVec
	notificationDrop *prometheus.CounterVec
	armedTimers      prometheus.Gauge
}

var defaultRecorder = New()

// New constructs a Recorder registered against a private registry.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "liveroom_http_requests_total",
			Help: "HTTP requests by method, normalised path and status.",
		}, []string{"method", "path", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "liveroom_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
		roomTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "liveroom_room_transitions_total",
			Help: "Room lifecycle transitions by kind.",
		}, []string{"transition"}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "liveroom_liveness_sweep_duration_seconds",
			Help:    "Duration of liveness sweeps.",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		}),
		sweepsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "liveroom_liveness_sweeps_skipped_total",
			Help: "Sweeps skipped, by reason: overlap (a local sweep was still running) or lease (another replica holds it).",
		}, []string{"reason"}),
		ingestCallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "liveroom_ingest_callbacks_total",
			Help: "Media server callbacks by action and result.",
		}, []string{"action", "result"}),
		socketClients: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "liveroom_socket_clients",
			Help: "Connected WebSocket clients by endpoint.",
		}, []string{"endpoint"}),
		notificationDrop: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "liveroom_notifications_dropped_total",
			Help: "Notifications dropped because a transport or subscriber could not keep up.",
		}, []string{"transport"}),
		armedTimers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "liveroom_grace_timers_armed",
			Help: "Grace timers currently armed.",
		}),
	}
	r.registry.MustRegister(
		r.requests,
		r.requestDuration,
		r.roomTransitions,
		r.sweepDuration,
		r.sweepsSkipped,
		r.ingestCallbacks,
		r.socketClients,
		r.notificationDrop,
		r.armedTimers,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Default returns the process-wide Recorder.
func Default() *Recorder {
	return defaultRecorder
}

// Registry exposes the underlying registry, mainly for tests.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	if r == nil {
		return
	}
	method = strings.ToUpper(method)
	path = normalizePath(path)
	r.requests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	r.requestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RoomTransition counts a lifecycle transition such as "live" or "ended".
func (r *Recorder) RoomTransition(transition string) {
	if r == nil {
		return
	}
	r.roomTransitions.WithLabelValues(normalizeName(transition)).Inc()
}

func (r *Recorder) ObserveSweep(duration time.Duration) {
	if r == nil {
		return
	}
	r.sweepDuration.Observe(duration.Seconds())
}

func (r *Recorder) SweepSkipped(reason string) {
	if r == nil {
		return
	}
	r.sweepsSkipped.WithLabelValues(reason).Inc()
}

func (r *Recorder) IngestCallback(action, result string) {
	if r == nil {
		return
	}
	r.ingestCallbacks.WithLabelValues(normalizeName(action), normalizeName(result)).Inc()
}

func (r *Recorder) SocketConnected(endpoint string) {
	if r == nil {
		return
	}
	r.socketClients.WithLabelValues(normalizeName(endpoint)).Inc()
}

func (r *Recorder) SocketDisconnected(endpoint string) {
	if r == nil {
		return
	}
	r.socketClients.WithLabelValues(normalizeName(endpoint)).Dec()
}

func (r *Recorder) NotificationDropped(transport string) {
	if r == nil {
		return
	}
	r.notificationDrop.WithLabelValues(normalizeName(transport)).Inc()
}

func (r *Recorder) SetArmedTimers(count int) {
	if r == nil {
		return
	}
	r.armedTimers.Set(float64(count))
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// normalizePath collapses identifier-looking segments so label cardinality
// stays bounded.
func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if strings.HasPrefix(segment, "on_") || strings.Contains(segment, "-config") || strings.Contains(segment, "-status") {
		return false
	}
	if len(segment) >= 16 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
