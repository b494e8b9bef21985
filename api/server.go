/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address behind the proxy
  3. Logger:     Request logging
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. Secure:     Security headers, HTTPS redirect in production
  6. CORS:       Cross-origin requests for the school portal

ROUTE GROUPS:
  /healthz              Liveness + database ping (no auth)
  /api/fees/*           Fee ledger (bearer token)
  /api/dev/scenarios/*  Demo data (admin, non-production only)

RATE LIMITS:
  Payment, sync and reminder routes are limited per school so a stuck
  gateway retry loop or a double-clicked bulk sync cannot flood the ledger.

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go: Authenticator and RequireRole
  - cmd/server/main.go: Server startup
*/
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/unrolled/secure"
)

// RouterConfig carries the settings the router needs from config.
type RouterConfig struct {
	JWTSecret          string
	CORSOrigins        []string
	RateLimitPerMinute int
	Production         bool
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	secureMiddleware := secure.New(secure.Options{
		FrameDeny:          true,
		ContentTypeNosniff: true,
		BrowserXssFilter:   true,
		ReferrerPolicy:     "strict-origin-when-cross-origin",
		SSLRedirect:        cfg.Production,
		SSLProxyHeaders:    map[string]string{"X-Forwarded-Proto": "https"},
		IsDevelopment:      !cfg.Production,
	})

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := secureMiddleware.Process(w, r); err != nil {
				h.logger.Warn("secure headers blocked request", slog.Any("error", err))
				return
			}
			next.ServeHTTP(w, r)
		})
	})
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Healthz)

	perMinute := cfg.RateLimitPerMinute
	if perMinute <= 0 {
		perMinute = 120
	}
	limiter := httprate.Limit(perMinute, time.Minute,
		httprate.WithKeyFuncs(schoolRateKey),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			writeError(w, http.StatusTooManyRequests, "Too many requests", nil)
		}),
	)
	staff := RequireRole(RoleAdmin, RoleAccountant)

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(Authenticator(cfg.JWTSecret))

		r.Route("/fees", func(r chi.Router) {
			// Any authenticated role
			r.Get("/student/{id}", h.GetStudentRecord)
			r.Get("/student/{id}/summary", h.GetSummary)
			r.Get("/periods/current", h.GetCurrentPeriod)

			// Bursary staff
			r.Group(func(r chi.Router) {
				r.Use(staff)
				r.Get("/students", h.ListStudents)
				r.Get("/summary", h.GetCohortStats)
				r.Get("/audit", h.ListAudit)
				r.Post("/record", h.UpsertRecord)
				r.Put("/payment/{id}", h.EditPayment)
				r.Post("/toggle-clearance/{studentId}", h.ToggleClearance())
				r.Post("/clear/{studentId}", h.Clear())
				r.Post("/revoke-clearance/{studentId}", h.Revoke())
				r.Post("/reset-clearance/{studentId}", h.ResetClearance())

				r.Group(func(r chi.Router) {
					r.Use(limiter)
					r.Post("/payment", h.RecordPayment)
					r.Post("/sync-records", h.SyncRecords)
					r.Post("/reminders", h.QueueReminders)
				})
			})
		})

		if !cfg.Production && h.Seeder != nil {
			r.Route("/dev/scenarios", func(r chi.Router) {
				r.Use(RequireRole(RoleAdmin))
				r.Get("/", h.ListScenarios)
				r.Post("/load", h.LoadScenario)
			})
		}
	})

	return r
}

func schoolRateKey(r *http.Request) (string, error) {
	if p, ok := PrincipalFrom(r.Context()); ok {
		return "school:" + string(p.SchoolID), nil
	}
	key, err := httprate.KeyByIP(r)
	if err != nil {
		return "", err
	}
	return "ip:" + key, nil
}
