package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	handler "github.com/vasiliy-maslov/ecommerce-microservices/checkout-service/internal/handler/http"
	"github.com/vasiliy-maslov/ecommerce-microservices/checkout-service/internal/metrics"
)

type Handlers struct {
	Checkout *handler.CheckoutHandler
	Orders   *handler.OrderHandler
	Carts    *handler.CartHandler
	Auth     *handler.Authenticator
	Metrics  *metrics.Metrics
}

func NewRouter(h Handlers) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(h.Metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})
	r.Method(http.MethodGet, "/metrics", h.Metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(h.Auth.Middleware)
		h.Checkout.RegisterRoutes(r)
		h.Orders.RegisterRoutes(r)
		h.Carts.RegisterRoutes(r)
	})

	return otelhttp.NewHandler(r, "checkout-service")
}
