/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RealIP:     Client address from X-Forwarded-For (rate limiting key)
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. RequestID:  Unique ID per request for tracing
  5. CORS:       Cross-origin requests from the waitlist widget
  Join only:     per-client token bucket (JoinLimiter)

ROUTE GROUPS:
  /api/waitlists/*      Public waitlist operations
  /api/subscribers/*    Subscriber actions
  /api/admin/*          Campaign and scoring administration
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

// RouterOptions configures the cross-cutting middleware.
type RouterOptions struct {
	AllowedOrigins []string
	JoinLimiter    *JoinLimiter // nil disables join throttling
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := h.Store.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "database unavailable", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Route("/waitlists/{waitlistID}", func(r chi.Router) {
			r.With(opts.JoinLimiter.Middleware).Post("/join", h.Join)
			r.Get("/leaderboard", h.GetLeaderboard)
			r.Get("/snapshots", h.ListSnapshots)
			r.Post("/snapshots", h.CreateSnapshot)
			r.Get("/subscribers/{id}", h.GetPosition)
		})

		r.Route("/subscribers/{id}", func(r chi.Router) {
			r.Post("/verify", h.VerifyEmail)
			r.Post("/rewards/{rewardID}/claim", h.ClaimReward)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Post("/campaigns", h.ImportCampaign)
			r.Post("/campaigns/{id}/resolve", h.ResolveCampaign)
			r.Post("/campaigns/{id}/{action}", h.TransitionCampaign)
			r.Post("/adjustments", h.CreateAdjustment)
			r.Post("/rewards/{rewardID}/grant", h.GrantReward)
			r.Post("/waitlists/{waitlistID}/reconcile", h.Reconcile)
		})

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}
