// Package metrics exposes Prometheus instrumentation for the provisioning
// service: HTTP request counters and latency, certificate issuance results,
// and a collector reporting per-domain state.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Issuance results recorded by ObserveIssuance.
const (
	ResultIssued   = "issued"
	ResultExisting = "existing"
	ResultConflict = "conflict"
	ResultRejected = "rejected"
	ResultFailed   = "failed"
)

// DomainStates reports the state of every domain, keyed by domain name.
// The values are the certengine.State names.
type DomainStates func() map[string]string

// Metrics owns a registry and the collectors registered in it.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpInflight        prometheus.Gauge

	issuanceTotal    *prometheus.CounterVec
	issuanceDuration *prometheus.HistogramVec
}

// New creates the collectors in a fresh registry. When states is non-nil a
// collector exporting edgeprov_domain_state is registered as well.
func New(states DomainStates) (*Metrics, error) {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edgeprov_http_requests_total",
			Help: "HTTP requests processed, by method, route and status.",
		}, []string{"method", "path", "status"}),
		httpRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "edgeprov_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
		httpInflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "edgeprov_http_inflight_requests",
			Help: "HTTP requests currently being served.",
		}),
		issuanceTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edgeprov_certificates_issued_total",
			Help: "CSR issuance attempts, by domain and result.",
		}, []string{"domain", "result"}),
		issuanceDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "edgeprov_issuance_duration_seconds",
			Help:    "Time spent verifying and signing a CSR.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"domain"}),
	}

	cs := []prometheus.Collector{
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.httpInflight,
		m.issuanceTotal,
		m.issuanceDuration,
		collectors.NewGoCollector(),
	}
	if states != nil {
		cs = append(cs, newStateCollector(states))
	}
	for _, c := range cs {
		if err := registerCollector(m.registry, c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveIssuance records the outcome of one CSR issuance.
func (m *Metrics) ObserveIssuance(domain, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.issuanceTotal.WithLabelValues(domain, result).Inc()
	m.issuanceDuration.WithLabelValues(domain).Observe(d.Seconds())
}

// Wrap instruments next with request counters, latency and in-flight
// tracking. route maps a request to a low-cardinality path label. A nil
// Metrics returns next unchanged.
func (m *Metrics) Wrap(next http.Handler, route func(*http.Request) string) http.Handler {
	if m == nil || next == nil {
		return next
	}
	if route == nil {
		route = RoutePattern
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method := strings.ToUpper(r.Method)
		m.httpInflight.Inc()
		start := time.Now()

		rec := &statusRecorder{ResponseWriter: w}
		defer func() {
			m.httpInflight.Dec()
			path := route(r)
			m.httpRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
			status := rec.status
			if status == 0 {
				status = http.StatusOK
			}
			m.httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
		}()

		next.ServeHTTP(rec, r)
	})
}

// RoutePattern labels a request with the ServeMux pattern that matched it,
// or "unmatched".
func RoutePattern(r *http.Request) string {
	if r.Pattern == "" {
		return "unmatched"
	}
	// Patterns carry the method ("POST /api/..."); the method is its own label.
	if _, path, ok := strings.Cut(r.Pattern, " "); ok {
		return path
	}
	return r.Pattern
}

// registerCollector registers c, ignoring duplicates.
func registerCollector(reg prometheus.Registerer, c prometheus.Collector) error {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return nil
		}
		return err
	}
	return nil
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// stateCollector exports one gauge per domain and state, set to 1 for the
// current state.
type stateCollector struct {
	states DomainStates
	desc   *prometheus.Desc
}

var knownStates = []string{"uninitialized", "initialized", "ready"}

func newStateCollector(states DomainStates) *stateCollector {
	return &stateCollector{
		states: states,
		desc: prometheus.NewDesc("edgeprov_domain_state",
			"Bootstrap state of each domain (1 for the current state).",
			[]string{"domain", "state"}, nil),
	}
}

func (c *stateCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *stateCollector) Collect(ch chan<- prometheus.Metric) {
	for domain, current := range c.states() {
		for _, s := range knownStates {
			v := 0.0
			if s == current {
				v = 1
			}
			ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, v, domain, s)
		}
	}
}
