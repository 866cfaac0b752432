/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the external UI
  5. Auth:       Request-scoped principal (see auth.go)

ROUTE GROUPS:
  /api/allocations/*    Hour ledger mutations
  /api/resources/*      Pools, transactions, margins, drill-down per resource
  /api/clients/*        Budget
  /api/margins/*        Margin preview
  /api/bonus/*          Bonus evaluation and management
  /api/reassignments/*  Credit/debit transfers
  /api/hierarchy        Organisation drill-down
  /api/scenarios/*      Demo scenarios (dev only)

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

// RouterOptions configures the transport around the handlers.
type RouterOptions struct {
	AllowedOrigins []string
	Auth           AuthConfig
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}
	if opts.Auth.Logger == nil {
		opts.Auth.Logger = h.Logger
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Actor-Id"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Use(newAuthMiddleware(opts.Auth))

		r.Get("/health", h.Health)

		// Allocation routes
		r.Route("/allocations", func(r chi.Router) {
			r.Post("/", h.Assign)
			r.Post("/release", h.Release)
		})

		// Resource routes
		r.Route("/resources/{id}", func(r chi.Router) {
			r.Get("/pool", h.GetPool)
			r.Get("/transactions", h.GetTransactions)
			r.Get("/hierarchy", h.GetResourceHierarchy)
			r.Get("/margins/{clientId}", h.GetMarginConfig)
			r.Put("/margins/{clientId}", h.SaveMarginConfig)
		})

		r.Get("/clients/{id}/budget", h.GetBudget)
		r.Post("/margins/preview", h.PreviewMargin)

		// Bonus routes
		r.Route("/bonus", func(r chi.Router) {
			r.Get("/", h.ListBonus)
			r.Post("/evaluate", h.EvaluateBonus)
			r.Get("/{id}", h.GetBonus)
			r.Post("/{id}/pay", h.PayBonus)
			r.Post("/{id}/convert-hours", h.ConvertBonusToHours)
			r.Post("/{id}/recovery-task", h.CreateRecoveryTask)
		})

		// Reassignment routes
		r.Route("/reassignments", func(r chi.Router) {
			r.Get("/", h.ListReassignments)
			r.Post("/", h.ExecuteReassignment)
			r.Get("/candidates", h.ListCandidates)
		})

		r.Get("/hierarchy", h.GetHierarchy)

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})
	})

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<!DOCTYPE html>
<html>
<head><title>Hours Engine</title></head>
<body style="font-family: system-ui; max-width: 800px; margin: 50px auto; padding: 20px;">
<h1>Hours Engine API</h1>
<ul>
<li><a href="/api/hierarchy">/api/hierarchy</a> - Organisation drill-down</li>
<li><a href="/api/reassignments/candidates">/api/reassignments/candidates</a> - Credits and debits</li>
<li><a href="/api/bonus">/api/bonus</a> - Bonus records</li>
<li><a href="/api/scenarios">/api/scenarios</a> - Demo scenarios</li>
</ul>
</body>
</html>`))
	})

	return r
}
