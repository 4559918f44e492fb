package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ppc_http_requests_total",
			Help: "Total HTTP requests",
		}, []string{"code"},
	)
	Latency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ppc_http_request_duration_seconds",
		Help:    "Request latency seconds",
		Buckets: prometheus.DefBuckets,
	})
	InFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ppc_http_in_flight",
		Help: "In-flight HTTP requests",
	})
	RequestErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ppc_http_request_errors_total",
			Help: "Total errors by type",
		}, []string{"type"},
	)

	Validations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ppc_rule_validations_total",
			Help: "Rule validations by outcome",
		}, []string{"outcome"},
	)
	ValidationScore = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ppc_rule_validation_score",
		Help:    "Distribution of rule validation scores",
		Buckets: prometheus.LinearBuckets(0, 10, 11),
	})
	PredictionFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ppc_bid_prediction_failures_total",
			Help: "Bid predictions that fell back to the heuristic",
		}, []string{"reason"},
	)
	PredictionCache = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ppc_prediction_cache_total",
			Help: "Prediction cache lookups by result",
		}, []string{"result"},
	)
	SnapshotCampaigns = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ppc_snapshot_campaigns",
		Help: "Campaigns in the current engine snapshot",
	})
)

func init() {
	prometheus.MustRegister(
		RequestsTotal, Latency, InFlight, RequestErrors,
		Validations, ValidationScore, PredictionFailures, PredictionCache, SnapshotCampaigns,
	)
}

func MetricsHandler() http.Handler { return promhttp.Handler() }

type rec struct {
	http.ResponseWriter
	code int
}

func (r *rec) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func Measure(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		InFlight.Inc()
		defer InFlight.Dec()

		rr := &rec{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rr, r)

		Latency.Observe(time.Since(start).Seconds())
		RequestsTotal.WithLabelValues(strconv.Itoa(rr.code)).Inc()
	})
}
