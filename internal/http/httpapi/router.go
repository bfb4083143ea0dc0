package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"server/internal/http/handlers"
	"server/internal/infra"
	"server/internal/middleware"
)

// NewRouter wires all HTTP routes. Provider callbacks and health stay public;
// everything under /v1 that touches tenant data sits behind JWT auth and the
// per-client rate limit.
func NewRouter(app *handlers.App, cfg *infra.Config) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(app.Logger))
	r.Use(middleware.CORS(cfg.AllowedOrigins))
	r.Use(chimw.Recoverer)

	r.Get("/v1/healthz", app.Health)
	if app.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", app.Metrics.Handler())
	}

	// Signed by the render provider, authenticated by HMAC not JWT.
	r.Post("/v1/callbacks/enhancements/{job_id}", app.ProviderCallback)

	r.Group(func(r chi.Router) {
		r.Use(middleware.AuthJWT(cfg.JWTSecret))
		r.Use(middleware.RateLimit(cfg.RateLimitPerMin, time.Minute))

		r.Route("/v1/enhancements", func(r chi.Router) {
			r.Post("/", app.SubmitEnhancement)
			r.Get("/", app.ListEnhancements)
			r.Get("/{job_id}", app.GetEnhancement)
			r.Post("/{job_id}/cancel", app.CancelEnhancement)
			r.Get("/{job_id}/stream", app.StreamEnhancement)
		})
		r.Post("/v1/uploads", app.CreateUpload)
	})

	return r
}
