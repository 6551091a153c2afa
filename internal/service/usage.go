// usage.go — учёт авторизованных вызовов.
// Инвариант успешного вызова: ровно одна запись журнала, затем ровно
// один атомарный инкремент счётчика токена. Инкремент без
// предшествующей записи невозможен.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/bigkaa/imagemod/internal/domain/model"
	"github.com/bigkaa/imagemod/internal/repository"
)

// UsageService — журнал использования и счётчики токенов.
type UsageService struct {
	usage  repository.UsageRepository
	tokens repository.TokenRepository
	logger *slog.Logger
}

// NewUsageService создаёт сервис учёта.
func NewUsageService(usage repository.UsageRepository, tokens repository.TokenRepository, logger *slog.Logger) *UsageService {
	return &UsageService{
		usage:  usage,
		tokens: tokens,
		logger: logger.With(slog.String("component", "usage_service")),
	}
}

// Record фиксирует успешный авторизованный вызов:
// запись в журнал, затем инкремент счётчика.
// Ошибка журнала прерывает учёт — счётчик в этом случае не трогаем.
func (s *UsageService) Record(ctx context.Context, rec *model.UsageRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	if err := s.usage.Insert(ctx, rec); err != nil {
		return fmt.Errorf("ошибка записи журнала: %w", err)
	}

	if err := s.tokens.TouchUsage(ctx, rec.TokenValue, rec.CreatedAt); err != nil {
		return fmt.Errorf("ошибка инкремента счётчика: %w", err)
	}
	return nil
}

// CountSince возвращает количество вызовов токена начиная с since.
func (s *UsageService) CountSince(ctx context.Context, tokenValue string, since time.Time) (int, error) {
	return s.usage.CountSince(ctx, tokenValue, since)
}

// History возвращает последние limit записей журнала токена.
func (s *UsageService) History(ctx context.Context, tokenValue string, limit int) ([]*model.UsageRecord, error) {
	return s.usage.ListByToken(ctx, tokenValue, limit)
}
