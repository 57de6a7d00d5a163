/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address behind the load balancer
  3. Logger:     Request logging
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. Metrics:    Request count and latency per route pattern
  6. CORS:       Cross-origin requests for the storefront

ROUTE GROUPS:
  /webhooks/{gateway}   Gateway notifications (signature-checked by adapters)
  /payments/callback    Customer redirect target
  /api/users/*          Customers, ledgers, virtual accounts
  /api/orders/*         Orders and checkout
  /api/admin/*          Corrections, audit, stock, sweeps (X-Actor required)
  /metrics, /healthz    Operations

SECURITY NOTE:
  Webhooks authenticate by HMAC. Admin and customer routes expect an
  authenticating proxy in front; the service itself only records the actor.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	if h.Metrics != nil {
		r.Use(h.Metrics.Middleware)
	}
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", ActorHeader},
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if h.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.Metrics.Handler())
	}

	// Gateway-facing routes
	r.Post("/webhooks/{gateway}", h.Webhook)
	r.Get("/payments/callback", h.PaymentCallback)

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Route("/users", func(r chi.Router) {
			r.Post("/", h.CreateUser)
			r.Get("/{id}", h.GetUser)
			r.Get("/{id}/ledger", h.GetLedger)
			r.Get("/{id}/statement.xlsx", h.GetStatement)
			r.Post("/{id}/virtual-account", h.IssueVirtualAccount)
		})

		r.Route("/orders", func(r chi.Router) {
			r.Post("/", h.CreateOrder)
			r.Get("/{id}", h.GetOrder)
			r.Post("/{id}/checkout", h.Checkout)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(RequireActor)

			r.Put("/orders/{id}/payment", h.SetOrderPayment)
			r.Put("/orders/{id}/status", h.SetOrderStatus)
			r.Get("/logs", h.ListAdminLogs)
			r.Get("/payments/pending", h.ListPendingPayments)

			r.Route("/reconciliation", func(r chi.Router) {
				r.Post("/sweep", h.TriggerSweep)
				r.Get("/runs", h.ListReconciliationRuns)
			})

			r.Route("/products", func(r chi.Router) {
				r.Post("/", h.CreateProduct)
				r.Put("/{id}/stock", h.UpdateStock)
				r.Get("/{id}/stock", h.StockHistory)
			})
		})
	})

	return r
}
