package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Общие HTTP-метрики
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Метрики шлюза
var (
	componentStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "facegate_component_status",
			Help: "1 for the current status of each monitored component, 0 otherwise.",
		},
		[]string{"component", "status"},
	)

	healthTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "facegate_health_transitions_total",
			Help: "Component status transitions.",
		},
		[]string{"component", "from", "to"},
	)

	tokensIssued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "facegate_tokens_issued_total",
		Help: "Access tokens minted.",
	})

	tokenVerifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "facegate_token_verifications_total",
			Help: "Token verifications by outcome.",
		},
		[]string{"outcome"},
	)

	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "facegate_registration_queue_depth",
		Help: "Registrations waiting for the vector store to recover.",
	})

	auditWriteFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "facegate_audit_write_failures_total",
		Help: "Audit records that could not be written.",
	})

	toolCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "facegate_tool_calls_total",
			Help: "Tool calls by tool and result status.",
		},
		[]string{"tool", "status"},
	)
)

var initOnce sync.Once

// Init registers all metrics in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			componentStatus, healthTransitions,
			tokensIssued, tokenVerifications,
			queueDepth, auditWriteFailures, toolCalls,
		)
	})
}

// Handler serves the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument records RPS, latency and in-flight requests.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses path parameters so label cardinality stays bounded.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(p, "/"), "/")
	switch {
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "tools":
		return "/v1/tools/:tool"
	case len(parts) == 3 && parts[0] == "admin" && parts[1] == "clients":
		return "/admin/clients/:id"
	}
	return p
}

// statusWriter keeps the response code for metrics and logging.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Recorder adapts the package metrics to the auth, health and audit hooks.
type Recorder struct{}

func (Recorder) TokenIssued() { tokensIssued.Inc() }

func (Recorder) TokenVerified(outcome string) {
	tokenVerifications.WithLabelValues(outcome).Inc()
}

var statuses = []string{"healthy", "degraded", "unavailable"}

func (Recorder) ComponentStatus(component, status string) {
	for _, s := range statuses {
		v := 0.0
		if s == status {
			v = 1
		}
		componentStatus.WithLabelValues(component, s).Set(v)
	}
}

func (Recorder) Transition(component, from, to string) {
	healthTransitions.WithLabelValues(component, from, to).Inc()
}

func (Recorder) QueueDepth(n int) { queueDepth.Set(float64(n)) }

func (Recorder) AuditWriteFailed() { auditWriteFailures.Inc() }

func (Recorder) ToolCall(tool, status string) {
	toolCalls.WithLabelValues(tool, status).Inc()
}
