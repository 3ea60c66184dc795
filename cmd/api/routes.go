package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/capitalize-ai/omnichannel-agent/internal/config"
	"github.com/capitalize-ai/omnichannel-agent/internal/handler"
	"github.com/capitalize-ai/omnichannel-agent/internal/middleware"
	"github.com/capitalize-ai/omnichannel-agent/pkg/logger"
)

type routes struct {
	health        *handler.HealthHandler
	webhooks      *handler.WebhookHandler
	widget        *handler.WidgetHandler
	streams       *handler.StreamHandler
	conversations *handler.ConversationHandler
	messages      *handler.MessageHandler
	credits       *handler.CreditsHandler
}

func newRouter(cfg *config.Config, log *logger.Logger, h routes) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)

	// Health endpoints (no auth required)
	r.Get("/health", h.health.Health)
	r.Get("/ready", h.health.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	// Provider webhooks authenticate by signature.
	r.Get("/webhooks/{channel}/{agentID}", h.webhooks.Verify)
	r.Post("/webhooks/{channel}/{agentID}", h.webhooks.Receive)

	// Embeddable widget, anonymous
	r.Route("/widget/{agentID}", func(r chi.Router) {
		r.Use(middleware.WidgetCORS())
		r.Use(middleware.WidgetRateLimit(cfg.WidgetRateLimitRequests, cfg.WidgetRateLimitWindow))

		r.Post("/messages", h.widget.Send)
		r.Post("/stream", h.widget.Stream)
		r.Get("/conversations/{id}/events", h.streams.Widget)
	})

	// Dashboard API
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.CORS(cfg.CORSAllowedOrigins))
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		r.Route("/conversations", func(r chi.Router) {
			r.With(middleware.RequireScope(middleware.ScopeConversationsRead)).Get("/", h.conversations.List)
			r.With(middleware.RequireScope(middleware.ScopeConversationsRead)).Get("/events", h.streams.Workspace)

			r.Route("/{id}", func(r chi.Router) {
				r.Group(func(r chi.Router) {
					r.Use(middleware.RequireScope(middleware.ScopeConversationsRead))
					r.Get("/", h.conversations.Get)
					r.Get("/messages", h.messages.List)
					r.Get("/events", h.streams.Dashboard)
				})
				r.Group(func(r chi.Router) {
					r.Use(middleware.RequireScope(middleware.ScopeConversationsWrite))
					r.Patch("/", h.conversations.Update)
					r.Post("/messages", h.messages.Reply)
				})
			})
		})

		r.Route("/credits", func(r chi.Router) {
			r.Get("/", h.credits.Balance)
			r.Get("/ledger", h.credits.Ledger)
			r.With(middleware.RequireScope(middleware.ScopeCreditsAdmin)).Post("/grants", h.credits.Grant)
		})
	})

	return r
}
