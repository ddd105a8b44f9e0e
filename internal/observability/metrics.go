package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics for the ledger core.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	entriesPosted    *prometheus.CounterVec
	idempotentHits   prometheus.Counter
	rollbacks        prometheus.Counter
	transfers        prometheus.Counter
	rebuiltCustomers prometheus.Counter
	integrityDrift   prometheus.Counter
}

// NewMetrics initialises the registry and the base metric set.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tillbook_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tillbook_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	entries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tillbook_ledger_entries_posted_total",
		Help: "Ledger entries posted by entry type.",
	}, []string{"entry_type"})
	idempotent := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tillbook_ledger_idempotent_replays_total",
		Help: "Posting requests short-circuited by an existing idempotency key.",
	})
	rollbacks := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tillbook_ledger_rollbacks_total",
		Help: "Reference-scoped rollbacks executed.",
	})
	transfers := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tillbook_ledger_transfers_total",
		Help: "Treasury-to-treasury transfers posted.",
	})
	rebuilt := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tillbook_customers_rebuilt_total",
		Help: "Customers whose cached financials were fully recomputed.",
	})
	drift := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tillbook_ledger_integrity_drift_total",
		Help: "Treasuries found violating balance conservation by the integrity scan.",
	})
	registry.MustRegister(requests, duration, entries, idempotent, rollbacks, transfers, rebuilt, drift)
	return &Metrics{
		registry:         registry,
		handler:          promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:    requests,
		requestDuration:  duration,
		entriesPosted:    entries,
		idempotentHits:   idempotent,
		rollbacks:        rollbacks,
		transfers:        transfers,
		rebuiltCustomers: rebuilt,
		integrityDrift:   drift,
	}
}

// Handler returns the http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records request metrics for every HTTP request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// EntryPosted counts one persisted ledger entry.
func (m *Metrics) EntryPosted(entryType string) {
	if m == nil {
		return
	}
	m.entriesPosted.WithLabelValues(entryType).Inc()
}

// IdempotentReplay counts a posting served from an existing entry.
func (m *Metrics) IdempotentReplay() {
	if m == nil {
		return
	}
	m.idempotentHits.Inc()
}

// Rollback counts one reference-scoped rollback.
func (m *Metrics) Rollback() {
	if m == nil {
		return
	}
	m.rollbacks.Inc()
}

// Transfer counts one two-leg transfer.
func (m *Metrics) Transfer() {
	if m == nil {
		return
	}
	m.transfers.Inc()
}

// CustomersRebuilt counts customers recomputed by a rebuild batch.
func (m *Metrics) CustomersRebuilt(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.rebuiltCustomers.Add(float64(n))
}

// IntegrityDrift counts treasuries failing the conservation check.
func (m *Metrics) IntegrityDrift(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.integrityDrift.Add(float64(n))
}

// Registerer exposes the registry for custom metric registration.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
