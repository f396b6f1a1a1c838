package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vasiliy-maslov/ecommerce-microservices/checkout-service/internal/reservation"
)

const namespace = "checkout"

type Metrics struct {
	Requests          *prometheus.CounterVec
	LatencyMS         *prometheus.HistogramVec
	Checkouts         *prometheus.CounterVec
	Compensations     *prometheus.CounterVec
	StockConversions  *prometheus.CounterVec
	OutboxPublished   *prometheus.CounterVec
	SweptReservations prometheus.Counter
	gatherer          prometheus.Gatherer
}

// New registers the service metrics on reg. Passing a fresh registry keeps
// tests independent of the global one.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"handler", "status"}),
		LatencyMS: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_ms",
			Help:      "HTTP request latency in milliseconds.",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"handler"}),
		Checkouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkouts_total",
			Help:      "Checkout attempts by outcome (created, replayed, failed, rejected) and error code.",
		}, []string{"outcome", "code"}),
		Compensations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compensations_total",
			Help:      "Compensation steps run, by step and result.",
		}, []string{"step", "result"}),
		StockConversions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stock_conversions_total",
			Help:      "Stock holds converted after commit, by result.",
		}, []string{"result"}),
		OutboxPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_published_total",
			Help:      "Outbox events delivered to the broker, by event type.",
		}, []string{"event_type"}),
		SweptReservations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "swept_reservations_total",
			Help:      "Stale open reservations cancelled by the sweeper.",
		}),
		gatherer: reg,
	}

	reg.MustRegister(
		m.Requests,
		m.LatencyMS,
		m.Checkouts,
		m.Compensations,
		m.StockConversions,
		m.OutboxPublished,
		m.SweptReservations,
	)
	return m
}

func (m *Metrics) CheckoutFinished(outcome, code string) {
	m.Checkouts.WithLabelValues(outcome, code).Inc()
}

func (m *Metrics) CompensationStep(step string, err error) {
	result := "ok"
	if err != nil {
		result = "failed"
	}
	m.Compensations.WithLabelValues(step, result).Inc()
}

func (m *Metrics) StockConversion(report reservation.ConversionReport) {
	m.StockConversions.WithLabelValues("converted").Add(float64(report.Converted))
	m.StockConversions.WithLabelValues("failed").Add(float64(len(report.Failed)))
}

func (m *Metrics) EventPublished(eventType string) {
	m.OutboxPublished.WithLabelValues(eventType).Inc()
}

func (m *Metrics) ReservationSwept() {
	m.SweptReservations.Inc()
}

// Middleware records request count and latency per route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
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
		m.Requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
		m.LatencyMS.WithLabelValues(route).Observe(float64(time.Since(start).Milliseconds()))
	})
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
