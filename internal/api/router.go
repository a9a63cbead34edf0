package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/livechat/internal/api/middleware"
	"github.com/eldtechnologies/livechat/internal/handlers"
	"github.com/eldtechnologies/livechat/internal/models"
)

// Deps are the collaborators the router wires into routes.
type Deps struct {
	Chat      handlers.ChatService
	DB        handlers.Pinger
	Redis     handlers.Pinger
	Limits    middleware.Counter // nil disables rate limiting
	Push      http.Handler       // websocket endpoint, nil disables /ws
	Whitelist []string
}

// NewRouter creates and configures the HTTP router.
func NewRouter(logger zerolog.Logger, deps Deps) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware (first to capture all requests)
	r.Use(middleware.Metrics)

	// Security middleware (order matters!)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.MaxBodySize(32 * 1024)) // 32KB covers a 200-id bulk delete
	r.Use(middleware.ValidateRequest)

	// Standard middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Recoverer)

	if deps.Limits != nil {
		limiter := middleware.NewRateLimiter(deps.Limits, logger, middleware.RateLimiterConfig{
			Whitelist: deps.Whitelist,
		}, nil)
		r.Use(limiter.Middleware)
	}

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Accept-Language", models.OperatorHeader},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "Retry-After", "X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	h := handlers.NewHandler(deps.Chat, deps.DB, deps.Redis)

	// Metrics endpoint (for Prometheus scraping)
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/", h.Root)
	r.Get("/health", h.Health)

	if deps.Push != nil {
		r.Method(http.MethodGet, "/ws", deps.Push)
	}

	r.Route("/chat", func(r chi.Router) {
		r.Get("/sessions", h.ListSessions)
		r.Get("/sessions/active", h.ListActiveSessions)
		r.Get("/archived", h.ListArchived)
		r.Get("/escalated", h.ListEscalated)
		r.Get("/{roomId}", h.GetHistory)
		r.Patch("/read/{roomId}", h.MarkRead)
		r.Post("/manual", h.PostManual)
		r.Post("/archive/{roomId}", h.ArchiveRoom)
		r.Delete("/message/{id}", h.DeleteMessage)
		r.Delete("/messages", h.DeleteMessages)
	})

	return r
}
