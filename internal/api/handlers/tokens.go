// tokens.go — административные обработчики управления токенами.
// Все операции требуют административного токена и фиксируются в журнале
// использования так же, как вызовы модерации.
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/imagemod/internal/api/errors"
	"github.com/bigkaa/imagemod/internal/api/middleware"
	"github.com/bigkaa/imagemod/internal/domain/model"
	"github.com/bigkaa/imagemod/internal/service"
)

// createTokenRequest — тело POST /auth/tokens.
type createTokenRequest struct {
	IsAdmin bool `json:"is_admin"`
}

// CreateToken — выдача нового токена.
// POST /auth/tokens. Значение токена возвращается в ответе —
// это единственный момент, когда клиент может его сохранить.
func (h *APIHandler) CreateToken(w http.ResponseWriter, r *http.Request) {
	var req createTokenRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			apierrors.ValidationError(w, "Некорректное тело запроса")
			return
		}
	}

	token, err := h.tokens.Issue(r.Context(), req.IsAdmin)
	if err != nil {
		h.logger.Error("Ошибка выдачи токена", slog.String("error", err.Error()))
		apierrors.InternalError(w, "Ошибка выдачи токена")
		return
	}

	h.recordAdminCall(r, "/auth/tokens")
	writeJSON(w, http.StatusCreated, token)
}

// ListTokens — список всех токенов в порядке создания.
// GET /auth/tokens.
func (h *APIHandler) ListTokens(w http.ResponseWriter, r *http.Request) {
	tokens, err := h.tokens.List(r.Context())
	if err != nil {
		h.logger.Error("Ошибка получения списка токенов", slog.String("error", err.Error()))
		apierrors.InternalError(w, "Ошибка получения списка токенов")
		return
	}
	if tokens == nil {
		tokens = []*model.Token{}
	}

	h.recordAdminCall(r, "/auth/tokens")
	writeJSON(w, http.StatusOK, map[string]any{
		"tokens": tokens,
		"total":  len(tokens),
	})
}

// RevokeToken — отзыв токена.
// DELETE /auth/tokens/{value}. Повторный отзыв — тоже 204.
func (h *APIHandler) RevokeToken(w http.ResponseWriter, r *http.Request) {
	value := chi.URLParam(r, "value")

	err := h.tokens.Revoke(r.Context(), value)
	if err != nil {
		if errors.Is(err, service.ErrTokenNotFound) {
			apierrors.NotFound(w, "Токен не найден")
			return
		}
		h.logger.Error("Ошибка отзыва токена", slog.String("error", err.Error()))
		apierrors.InternalError(w, "Ошибка отзыва токена")
		return
	}

	h.recordAdminCall(r, "/auth/tokens/{value}")
	w.WriteHeader(http.StatusNoContent)
}

// TokenUsage — журнал использования токена.
// GET /auth/tokens/{value}/usage?limit=N.
func (h *APIHandler) TokenUsage(w http.ResponseWriter, r *http.Request) {
	value := chi.URLParam(r, "value")

	token, err := h.tokens.Get(r.Context(), value)
	if err != nil {
		if errors.Is(err, service.ErrTokenNotFound) {
			apierrors.NotFound(w, "Токен не найден")
			return
		}
		h.logger.Error("Ошибка получения токена", slog.String("error", err.Error()))
		apierrors.InternalError(w, "Ошибка получения токена")
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 1000 {
			apierrors.ValidationError(w, "Параметр limit должен быть числом в диапазоне [1,1000]")
			return
		}
		limit = parsed
	}

	records, err := h.usage.History(r.Context(), value, limit)
	if err != nil {
		h.logger.Error("Ошибка получения журнала токена", slog.String("error", err.Error()))
		apierrors.InternalError(w, "Ошибка получения журнала")
		return
	}
	if records == nil {
		records = []*model.UsageRecord{}
	}

	h.recordAdminCall(r, "/auth/tokens/{value}/usage")
	writeJSON(w, http.StatusOK, map[string]any{
		"token":       token.Value,
		"usage_count": token.UsageCount,
		"records":     records,
	})
}

// recordAdminCall фиксирует успешную административную операцию в журнале.
// Сбой учёта не ломает ответ клиенту, только логируется.
func (h *APIHandler) recordAdminCall(r *http.Request, endpoint string) {
	token := middleware.TokenFromContext(r.Context())
	if token == nil {
		return
	}
	rec := &model.UsageRecord{
		TokenValue: token.Value,
		Endpoint:   endpoint,
	}
	if err := h.usage.Record(r.Context(), rec); err != nil {
		h.logger.Error("Ошибка учёта административного вызова",
			slog.String("endpoint", endpoint),
			slog.String("error", err.Error()),
		)
	}
}
