package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/VenkatGGG/turno/internal/claims"
)

// Metrics holds the server's Prometheus collectors on a private registry. It
// also satisfies campaign.Observer.
type Metrics struct {
	registry *prometheus.Registry

	claimChecks     *prometheus.CounterVec
	claimsRecorded  prometheus.Counter
	submissions     *prometheus.CounterVec
	storageFailures *prometheus.CounterVec

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		claimChecks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "turno_claim_checks_total",
				Help: "Followers offer availability checks by result",
			},
			[]string{"result"},
		),
		claimsRecorded: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "turno_claims_recorded_total",
				Help: "Followers claims written to the claim store",
			},
		),
		submissions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "turno_submissions_total",
				Help: "Stored submissions by platform",
			},
			[]string{"platform"},
		),
		storageFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "turno_claim_storage_failures_total",
				Help: "Claim store operations that failed open",
			},
			[]string{"operation"},
		),
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "turno_http_requests_total",
				Help: "HTTP requests by route, method and status",
			},
			[]string{"route", "method", "status"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "turno_http_request_duration_seconds",
				Help:    "HTTP request latency by route",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "method"},
		),
	}
}

// TrackClaims exports the number of entries in cache as a gauge.
func (m *Metrics) TrackClaims(cache *claims.Cache) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "turno_claims_entries",
			Help: "Entries currently held by the claim cache",
		},
		func() float64 { return float64(cache.Len()) },
	))
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) ClaimChecked(available bool) {
	result := "duplicate"
	if available {
		result = "available"
	}
	m.claimChecks.WithLabelValues(result).Inc()
}

func (m *Metrics) ClaimRecorded() {
	m.claimsRecorded.Inc()
}

func (m *Metrics) Submitted(platform claims.Platform) {
	m.submissions.WithLabelValues(string(platform)).Inc()
}

func (m *Metrics) StorageFailed(operation string) {
	m.storageFailures.WithLabelValues(operation).Inc()
}

func (m *Metrics) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := newStatusRecorder(w)
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if current := mux.CurrentRoute(r); current != nil {
			if tpl, err := current.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		m.requestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).Inc()
		m.requestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}
