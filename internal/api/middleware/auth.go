// auth.go — middleware аутентификации и авторизации по opaque-токенам.
// Извлекает Bearer token из заголовка Authorization, валидирует через
// TokenValidator, помещает токен в контекст запроса.
// Публичные endpoints (health, metrics, openapi) — без аутентификации.
package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	apierrors "github.com/bigkaa/imagemod/internal/api/errors"
	"github.com/bigkaa/imagemod/internal/domain/model"
	"github.com/bigkaa/imagemod/internal/service"
)

// rateLimitedTotal — количество запросов, отклонённых rate limiter-ом.
var rateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "im_rate_limited_total",
	Help: "Общее количество запросов, отклонённых по лимиту токена.",
})

// contextKey — тип для ключей контекста (избегаем коллизий).
type contextKey string

// ContextKeyToken — ключ для аутентифицированного токена в контексте запроса.
const ContextKeyToken contextKey = "auth_token"

// TokenValidator — проверка значения токена.
// Реализуется service.TokenService.
type TokenValidator interface {
	Validate(ctx context.Context, value string) (*model.Token, error)
}

// UsageCounter — подсчёт вызовов токена в скользящем окне.
// Реализуется service.UsageService.
type UsageCounter interface {
	CountSince(ctx context.Context, tokenValue string, since time.Time) (int, error)
}

// Auth — middleware аутентификации по opaque-токенам.
type Auth struct {
	validator TokenValidator
	logger    *slog.Logger
}

// NewAuth создаёт middleware аутентификации.
func NewAuth(validator TokenValidator, logger *slog.Logger) *Auth {
	return &Auth{
		validator: validator,
		logger:    logger.With(slog.String("component", "auth")),
	}
}

// Middleware возвращает HTTP middleware аутентификации.
// Отсутствующий, несуществующий и отозванный токены — 401 с разными
// сообщениями, но одинаковым кодом UNAUTHORIZED.
func (a *Auth) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				apierrors.Unauthorized(w, "Отсутствует заголовок Authorization")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				apierrors.Unauthorized(w, "Неверный формат Authorization: ожидается Bearer <token>")
				return
			}

			value := parts[1]
			if value == "" {
				apierrors.Unauthorized(w, "Пустой Bearer token")
				return
			}

			token, err := a.validator.Validate(r.Context(), value)
			if err != nil {
				switch {
				case errors.Is(err, service.ErrTokenNotFound):
					apierrors.Unauthorized(w, "Токен не найден")
				case errors.Is(err, service.ErrTokenRevoked):
					apierrors.Unauthorized(w, "Токен отозван")
				default:
					a.logger.Error("Ошибка валидации токена",
						slog.String("error", err.Error()),
						slog.String("remote_addr", r.RemoteAddr),
					)
					apierrors.InternalError(w, "Ошибка проверки токена")
				}
				return
			}

			ctx := context.WithValue(r.Context(), ContextKeyToken, token)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAdmin возвращает middleware, пропускающий только административные токены.
// Должен использоваться ПОСЛЕ Auth.Middleware().
func RequireAdmin() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := TokenFromContext(r.Context())
			if token == nil {
				apierrors.Unauthorized(w, "Требуется аутентификация")
				return
			}
			if !token.IsAdmin {
				apierrors.Forbidden(w, "Требуется административный токен")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimit возвращает middleware скользящего окна по журналу использования.
// Лимит limit вызовов за окно window на токен. Отклонённый запрос не
// выполняет никакой работы ниже по цепочке и не попадает в учёт.
// Административные токены лимиту не подчиняются.
// Должен использоваться ПОСЛЕ Auth.Middleware().
func RateLimit(counter UsageCounter, limit int, window time.Duration, logger *slog.Logger) func(http.Handler) http.Handler {
	log := logger.With(slog.String("component", "rate_limit"))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := TokenFromContext(r.Context())
			if token == nil {
				apierrors.Unauthorized(w, "Требуется аутентификация")
				return
			}

			if token.IsAdmin {
				next.ServeHTTP(w, r)
				return
			}

			since := time.Now().UTC().Add(-window)
			count, err := counter.CountSince(r.Context(), token.Value, since)
			if err != nil {
				log.Error("Ошибка подсчёта окна лимита",
					slog.String("error", err.Error()),
				)
				apierrors.InternalError(w, "Ошибка проверки лимита запросов")
				return
			}

			if count >= limit {
				rateLimitedTotal.Inc()
				log.Warn("Запрос отклонён по лимиту",
					slog.String("prefix", token.Value[:min(8, len(token.Value))]),
					slog.Int("count", count),
					slog.Int("limit", limit),
				)
				apierrors.RateLimitExceeded(w, "Превышен лимит запросов токена")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// TokenFromContext извлекает аутентифицированный токен из контекста запроса.
// Возвращает nil, если токен не найден.
func TokenFromContext(ctx context.Context) *model.Token {
	token, _ := ctx.Value(ContextKeyToken).(*model.Token)
	return token
}
