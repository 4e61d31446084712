package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"bounty-settlement/middleware"
)

// RouterConfig carries the handlers and cross-cutting settings for NewRouter.
type RouterConfig struct {
	Health         *HealthHandler
	Settlement     *SettlementHandler
	QRCode         *QRCodeHandler
	Metrics        http.Handler
	APIKey         string
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

// NewRouter mounts the settlement API under /api/settlement. Health and
// metrics stay outside the API key check so probes and scrapers need no key.
func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	r := chi.NewRouter()
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.Logging(logger))
	r.Use(middleware.SecurityHeaders)

	if cfg.Health != nil {
		r.Get("/healthz", cfg.Health.HandleHealth)
	}
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	r.Route("/api/settlement", func(api chi.Router) {
		api.Use(middleware.APIAuth(cfg.APIKey))
		api.Use(middleware.ContentType)
		api.Use(middleware.Timeout(timeout))

		s := cfg.Settlement
		api.Get("/tasks", s.HandleListTasks)
		api.Post("/tasks", s.HandleCreateTask)
		api.Get("/tasks/{id}", s.HandleGetTask)
		api.Post("/tasks/{id}/submissions", s.HandleCreateSubmission)
		api.Post("/tasks/{id}/cancel", s.HandleCancelTask)
		api.Post("/tasks/{id}/retry", s.HandleRetryTask)
		api.Get("/stats", s.HandleStats)
		api.Get("/stalled", s.HandleListStalled)
		if cfg.QRCode != nil {
			api.Get("/escrow/qr", cfg.QRCode.HandleEscrowQRCode)
		}
	})
	return r
}
