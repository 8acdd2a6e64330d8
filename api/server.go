/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

ROUTER: chi
  Chi was chosen for:
  - Lightweight and fast
  - Context-based
  - Middleware support
  - RESTful route patterns

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for frontend

ROUTE GROUPS:
  /api/orders/*     Order lifecycle (checkout, retry, cancel, certificate)
  /api/payments/*   Payment provider webhook
  /api/admin/*      Admin operations (sandbox grading)
  /api/scenarios/*  Demo scenarios

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public.

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
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Order routes
		r.Route("/orders", func(r chi.Router) {
			r.Get("/", h.ListOrders)
			r.Post("/", h.Checkout)
			r.Get("/{id}", h.GetOrder)
			r.Post("/{id}/retry", h.Retry)
			r.Post("/{id}/cancel", h.Cancel)
			r.Post("/{id}/certificate", h.GenerateCertificate)
		})

		// Payment provider routes
		r.Route("/payments", func(r chi.Router) {
			r.Post("/webhook", h.PaymentWebhook)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/grades", h.RecordGrade)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	r.Get("/*", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<!DOCTYPE html>
<html>
<head><title>Order Settlement Engine</title></head>
<body style="font-family: system-ui; max-width: 800px; margin: 50px auto; padding: 20px;">
<h1>Order Settlement Engine API</h1>
<h2>API Endpoints</h2>
<ul>
<li><code>POST /api/orders</code> - Checkout</li>
<li><code>GET /api/orders?owner=...</code> - List orders</li>
<li><code>POST /api/orders/{id}/retry</code> - Retry refused installment</li>
<li><code>POST /api/orders/{id}/cancel</code> - Cancel order</li>
<li><code>POST /api/orders/{id}/certificate</code> - Generate certificate</li>
<li><code>POST /api/payments/webhook</code> - Payment outcome webhook</li>
<li><a href="/api/scenarios">/api/scenarios</a> - List demo scenarios</li>
</ul>
</body>
</html>`))
	})

	return r
}
