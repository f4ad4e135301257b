// Package server assembles the HTTP router.
package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"coursechat/internal/config"
	"coursechat/internal/handler"
	"coursechat/internal/metrics"
	"coursechat/internal/middleware"
)

type Handlers struct {
	Health *handler.HealthHandler
	Chat   *handler.ChatHandler
	Report *handler.ReportHandler
	Admin  *handler.AdminHandler
}

// NewRouter wires middleware and routes. Health and metrics stay outside authentication.
func NewRouter(cfg *config.Config, h Handlers, logger zerolog.Logger, m *metrics.Metrics) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.HTTP.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Requested-With", "X-Correlation-ID"},
		ExposedHeaders:   []string{"X-Correlation-ID", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get(cfg.HTTP.HealthPath, h.Health.Health)
	r.Get("/readyz", h.Health.Ready)
	r.Handle(cfg.HTTP.MetricsPath, promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.RateLimit(cfg.Rate.PerIPMin, time.Minute, m))

		r.Group(func(r chi.Router) {
			r.Use(middleware.Auth(cfg.Auth.JWTSecret, cfg.Auth.RestrictUsage))

			r.Post("/completion", h.Chat.Completion)
			r.Get("/thread", h.Chat.Thread)
			r.Delete("/thread", h.Chat.ClearThread)
			r.Get("/questions", h.Chat.Questions)
			r.Get("/terms", h.Chat.Terms)
			r.Post("/terms", h.Chat.AcceptTerms)
			r.Get("/widget", h.Chat.Widget)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.Auth(cfg.Auth.JWTSecret, true))

			r.With(middleware.RequireScope(middleware.ScopeReport)).Get("/report", h.Report.Log)

			r.Route("/admin", func(r chi.Router) {
				r.Use(middleware.RequireScope(middleware.ScopeAdmin))

				r.Get("/config", h.Admin.Config)
				r.Put("/config", h.Admin.UpdateConfig)
				r.Get("/instances/{id}", h.Admin.Instance)
				r.Put("/instances/{id}", h.Admin.UpdateInstance)
				r.Get("/models", h.Admin.Models)
				r.Get("/assistants", h.Admin.Assistants)
				r.Get("/connection", h.Admin.Connection)
			})
		})
	})

	return r
}
