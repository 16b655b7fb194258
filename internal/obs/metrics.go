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

// HTTP metrics
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

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "1 when the last readiness check passed.",
	})
)

// Ledger metrics
var (
	ledgerOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_operations_total",
			Help: "Ledger operations by name and outcome.",
		},
		[]string{"op", "outcome"},
	)

	ledgerOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ledger_operation_duration_seconds",
			Help:    "Ledger operation latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	reconciliationMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_reconciliation_mismatches",
		Help: "Divergences found by the last reconciliation run.",
	})

	reconciliationRuns = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ledger_reconciliation_runs_total",
		Help: "Completed reconciliation runs.",
	})

	eventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_events_dropped_total",
			Help: "Ledger events a sink could not deliver.",
		},
		[]string{"sink"},
	)
)

var initOnce sync.Once

// Init registers all collectors in the default registry. Safe to call more
// than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration, ready,
			ledgerOps, ledgerOpDuration, reconciliationMismatches, reconciliationRuns, eventsDropped,
		)
	})
}

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady records the outcome of the latest readiness check.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

// EventDropped counts an event a sink gave up on.
func EventDropped(sink string) {
	eventsDropped.WithLabelValues(sink).Inc()
}

// Instrument measures rate, latency and in-flight requests.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

// idRoutes lists collections whose second segment is an identifier, with
// the sub-resources allowed after it.
var idRoutes = map[string]map[string]bool{
	"orders":    {"": true, "cancel": true, "status": true},
	"companies": {"wallet": true, "wallet/fund": true, "allocations": true, "deallocations": true},
	"employees": {"budget": true},
}

// CanonicalPath collapses identifiers so metric label cardinality stays
// bounded. Unknown shapes are returned unchanged.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	parts := strings.Split(strings.TrimPrefix(p, "/"), "/")
	if len(parts) < 3 || parts[0] != "v1" {
		return p
	}
	tails, ok := idRoutes[parts[1]]
	if !ok {
		return p
	}
	tail := strings.Join(parts[3:], "/")
	if !tails[tail] {
		return p
	}
	out := "/v1/" + parts[1] + "/:id"
	if tail != "" {
		out += "/" + tail
	}
	return out
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps server-sent event streams working through the wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// LedgerObserver records ledger service operations in Prometheus.
type LedgerObserver struct{}

func (LedgerObserver) ObserveOperation(op string, elapsed time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	ledgerOps.WithLabelValues(op, outcome).Inc()
	ledgerOpDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

func (LedgerObserver) ObserveReconciliation(mismatches int) {
	reconciliationRuns.Inc()
	reconciliationMismatches.Set(float64(mismatches))
}
