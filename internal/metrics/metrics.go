package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	RequestDuration   *prometheus.HistogramVec
	ActiveConnections prometheus.Gauge
	TransactionsTotal *prometheus.CounterVec
	JobsEnqueued      prometheus.Counter
	UserBalance       *prometheus.GaugeVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration by method, path and status.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_active_connections",
			Help: "Number of registered realtime connections.",
		}),
		TransactionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_transactions_total",
			Help: "Processed balance mutations by type and status.",
		}, []string{"type", "status"}),
		JobsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingress_jobs_enqueued_total",
			Help: "Mutation jobs accepted by the HTTP ingress.",
		}),
		UserBalance: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ledger_user_balance",
			Help: "Last committed balance per user.",
		}, []string{"user_id"}),
	}

	m.registry.MustRegister(
		m.RequestDuration,
		m.ActiveConnections,
		m.TransactionsTotal,
		m.JobsEnqueued,
		m.UserBalance,
	)

	return m
}

// Handler returns the scrape endpoint handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware records request durations.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		m.RequestDuration.WithLabelValues(
			r.Method,
			r.URL.Path,
			strconv.Itoa(ww.Status()),
		).Observe(time.Since(start).Seconds())
	})
}
