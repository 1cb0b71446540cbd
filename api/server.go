/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, echoed in access logs
  2. RealIP:     Client address for logging and rate limiting
  3. AccessLog:  Structured request logging (logrus)
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. Timeout:    Cancels the request context after RequestTimeout
  6. CORS:       Cross-origin requests for a frontend
  7. httprate:   Per-IP request budget (optional)

ROUTE GROUPS:
  /api/cards/*          Card lifecycle and ledger
  /api/health           Liveness plus store ping

SECURITY NOTE:
  No authentication middleware. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - middleware.go: Access logging
  - cmd/server/main.go: Server startup
*/
package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
)

// RequestTimeout bounds a single request, including time spent waiting for
// a card lock.
const RequestTimeout = 30 * time.Second

// RouterOptions configures the cross-cutting middleware.
type RouterOptions struct {
	CORSOrigins        []string
	RateLimitPerMinute int // 0 disables rate limiting
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(AccessLog(h.Log))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(RequestTimeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))
	if opts.RateLimitPerMinute > 0 {
		r.Use(httprate.LimitByIP(opts.RateLimitPerMinute, time.Minute))
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)

		r.Route("/cards", func(r chi.Router) {
			r.Get("/", h.ListCards)
			r.Post("/", h.CreateCard)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetCard)
				r.Delete("/", h.DeleteCard)
				r.Put("/limit", h.UpdateLimit)
				r.Put("/billing-cycle", h.UpdateBillingCycle)
				r.Get("/transactions", h.ListTransactions)
				r.Post("/transactions", h.PostTransaction)
				r.Post("/reconcile", h.Reconcile)
				r.Get("/statement", h.Statement)
			})
		})
	})

	return r
}
