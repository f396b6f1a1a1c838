package metrics_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vasiliy-maslov/ecommerce-microservices/checkout-service/internal/metrics"
	"github.com/vasiliy-maslov/ecommerce-microservices/checkout-service/internal/reservation"
)

func TestMetrics_Observers(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())

	m.CheckoutFinished("created", "")
	m.CheckoutFinished("failed", "COUPON_USED")
	m.CompensationStep("coupon", nil)
	m.CompensationStep("gift_card", errors.New("db down"))
	m.StockConversion(reservation.ConversionReport{Converted: 2, Failed: []reservation.FailedConversion{{ReservationID: "b"}}})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Checkouts.WithLabelValues("created", "")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Checkouts.WithLabelValues("failed", "COUPON_USED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Compensations.WithLabelValues("gift_card", "failed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.StockConversions.WithLabelValues("converted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StockConversions.WithLabelValues("failed")))
}

func TestMetrics_MiddlewareUsesRoutePattern(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())

	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/orders/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	r.Method(http.MethodGet, "/metrics", m.Handler())

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/orders/123", nil))
	require.Equal(t, http.StatusNotFound, rr.Code)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Requests.WithLabelValues("/orders/{id}", "404")))

	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, strings.Contains(rr.Body.String(), "checkout_http_requests_total"))
}
