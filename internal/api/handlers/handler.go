// handler.go — основной обработчик API и сборка маршрутов.
// Объединяет health-обработчики и бизнес-обработчики модерации и токенов.
package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/bigkaa/imagemod/internal/api/middleware"
	"github.com/bigkaa/imagemod/internal/service"
)

// APIHandler — основной обработчик API модуля модерации.
// Делегирует запросы в сервисный слой.
type APIHandler struct {
	moderation  *service.ModerationService
	tokens      *service.TokenService
	usage       *service.UsageService
	health      *HealthHandler
	maxFileSize int64
	logger      *slog.Logger
}

// NewAPIHandler создаёт основной обработчик API.
func NewAPIHandler(
	moderation *service.ModerationService,
	tokens *service.TokenService,
	usage *service.UsageService,
	health *HealthHandler,
	maxFileSize int64,
	logger *slog.Logger,
) *APIHandler {
	return &APIHandler{
		moderation:  moderation,
		tokens:      tokens,
		usage:       usage,
		health:      health,
		maxFileSize: maxFileSize,
		logger:      logger.With(slog.String("component", "api_handler")),
	}
}

// RouteOptions — middleware и дополнительные обработчики для сборки маршрутов.
type RouteOptions struct {
	// Auth — аутентификация Bearer-токена (обязательна)
	Auth func(http.Handler) http.Handler
	// RateLimit — скользящее окно лимита (применяется только к /moderate)
	RateLimit func(http.Handler) http.Handler
	// OpenAPISpec — обработчик GET /openapi.json (опционально)
	OpenAPISpec http.HandlerFunc
}

// Routes собирает маршруты API на переданном роутере.
// Публичные: /health*, /metrics, /openapi.json.
// Остальные — за аутентификацией; /auth/** дополнительно за RequireAdmin.
func (h *APIHandler) Routes(r chi.Router, opts RouteOptions) {
	// Публичные endpoints
	r.Get("/health", h.health.Health)
	r.Get("/health/live", h.health.HealthLive)
	r.Get("/health/ready", h.health.HealthReady)
	r.Get("/metrics", h.health.GetMetrics)
	if opts.OpenAPISpec != nil {
		r.Get("/openapi.json", opts.OpenAPISpec)
	}

	// Модерация: аутентификация + лимит запросов
	r.Group(func(r chi.Router) {
		r.Use(opts.Auth)
		if opts.RateLimit != nil {
			r.Use(opts.RateLimit)
		}
		r.Post("/moderate", h.Moderate)
	})

	// Администрирование токенов: аутентификация + admin
	r.Group(func(r chi.Router) {
		r.Use(opts.Auth)
		r.Use(middleware.RequireAdmin())
		r.Post("/auth/tokens", h.CreateToken)
		r.Get("/auth/tokens", h.ListTokens)
		r.Delete("/auth/tokens/{value}", h.RevokeToken)
		r.Get("/auth/tokens/{value}/usage", h.TokenUsage)
	})
}

// writeJSON записывает JSON-ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
