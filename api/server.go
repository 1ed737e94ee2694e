/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address behind the proxy
  3. Logger:     zap access log (method, path, status, duration)
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for the member portal
  6. RequireActor on every mutating route

ROUTE GROUPS:
  /api/health           Liveness
  /api/subtypes/*       Sub-type administration
  /api/members/*        Entitlements, ledger, claim submission
  /api/claims/*         Review queues and approval transitions

SECURITY NOTE:
  Identity is asserted by headers from the upstream auth proxy. The
  service's Authorizer decides what each role may do.

SEE ALSO:
  - handlers.go: Handler implementations
  - actor.go: Actor headers
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// RouterConfig holds the transport settings.
type RouterConfig struct {
	CORSOrigins []string
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(h.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", HeaderActorID, HeaderActorRole},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)

		// Sub-type administration
		r.Route("/subtypes", func(r chi.Router) {
			r.Get("/", h.ListSubTypes)
			r.Get("/{id}", h.GetSubType)

			r.Group(func(r chi.Router) {
				r.Use(RequireActor)
				r.Post("/", h.PutSubType)
				r.Put("/{id}", h.PutSubType)
				r.Post("/{id}/active", h.SetSubTypeActive)
			})
		})

		// Member routes
		r.Route("/members/{id}", func(r chi.Router) {
			r.Get("/entitlements", h.GetEntitlements)
			r.Post("/entitlements/{subtype}/check", h.CheckEntitlement)
			r.Get("/ledger", h.GetLedger)
			r.Get("/claims", h.ListMemberClaims)
			r.With(RequireActor).Post("/claims", h.SubmitClaim)
		})

		// Claim routes
		r.Route("/claims", func(r chi.Router) {
			r.Get("/", h.ListClaims)
			r.Get("/{id}", h.GetClaim)

			r.Group(func(r chi.Router) {
				r.Use(RequireActor)
				r.Post("/{id}/start-review", h.StartReview)
				r.Post("/{id}/frontline-approve", h.ApproveFrontLine)
				r.Post("/{id}/final-approve", h.ApproveFinal)
				r.Post("/{id}/reject", h.Reject)
				r.Post("/{id}/complete", h.Complete)
			})
		})
	})

	return r
}

// RequestLogger writes one zap line per request.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Info("http request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.String("remote", r.RemoteAddr))
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
