// tokens.go — сервис жизненного цикла токенов доступа.
// Выдача, валидация, отзыв, bootstrap первого административного токена.
package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/imagemod/internal/domain/model"
	"github.com/bigkaa/imagemod/internal/repository"
)

// Prometheus-метрики токенов.
var (
	tokensIssuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "im_tokens_issued_total",
		Help: "Общее количество выданных токенов.",
	})
	tokensRevokedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "im_tokens_revoked_total",
		Help: "Общее количество отозванных токенов.",
	})
)

// tokenBytes — количество байт энтропии в значении токена.
const tokenBytes = 32

// issueAttempts — максимум повторов выдачи при коллизии значения.
// Коллизия 32 случайных байт практически невозможна, лимит защищает
// от вечного цикла при неисправном источнике случайности.
const issueAttempts = 5

// TokenService — выдача и проверка токенов доступа.
type TokenService struct {
	tokens repository.TokenRepository
	logger *slog.Logger
}

// NewTokenService создаёт сервис токенов.
func NewTokenService(tokens repository.TokenRepository, logger *slog.Logger) *TokenService {
	return &TokenService{
		tokens: tokens,
		logger: logger.With(slog.String("component", "token_service")),
	}
}

// generateValue возвращает новое случайное значение токена.
// 32 байта энтропии, URL-safe base64 без padding.
func generateValue() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("ошибка генерации случайных байт: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Issue выдаёт новый токен.
// Уникальность значения гарантирует атомарный INSERT: коллизия
// повторяется внутри с новым значением и наружу не выходит.
func (s *TokenService) Issue(ctx context.Context, isAdmin bool) (*model.Token, error) {
	for attempt := 0; attempt < issueAttempts; attempt++ {
		value, err := generateValue()
		if err != nil {
			return nil, err
		}

		token := &model.Token{
			Value:   value,
			IsAdmin: isAdmin,
			Active:  true,
		}

		err = s.tokens.Create(ctx, token)
		if err == nil {
			tokensIssuedTotal.Inc()
			s.logger.Info("Токен выдан",
				slog.Bool("is_admin", isAdmin),
				slog.String("prefix", value[:8]),
			)
			return token, nil
		}
		if errors.Is(err, repository.ErrConflict) {
			s.logger.Warn("Коллизия значения токена, повтор выдачи",
				slog.Int("attempt", attempt+1),
			)
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("не удалось выдать токен за %d попыток", issueAttempts)
}

// Validate проверяет значение токена.
// Несуществующий и отозванный токены различаются сознательно:
// оба отклоняются, но с разными ошибками.
// Счётчик использования здесь НЕ меняется: учёт выполняет
// оркестратор только после успешной операции.
func (s *TokenService) Validate(ctx context.Context, value string) (*model.Token, error) {
	token, err := s.tokens.GetByValue(ctx, value)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrTokenNotFound
		}
		return nil, err
	}
	if !token.Active {
		return nil, ErrTokenRevoked
	}
	return token, nil
}

// Revoke отзывает токен. Повторный отзыв — no-op, не ошибка.
func (s *TokenService) Revoke(ctx context.Context, value string) error {
	token, err := s.tokens.GetByValue(ctx, value)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrTokenNotFound
		}
		return err
	}
	if !token.Active {
		return nil
	}

	if err := s.tokens.Revoke(ctx, value); err != nil {
		return err
	}
	tokensRevokedTotal.Inc()
	s.logger.Info("Токен отозван", slog.String("prefix", value[:min(8, len(value))]))
	return nil
}

// List возвращает все токены в порядке создания.
func (s *TokenService) List(ctx context.Context) ([]*model.Token, error) {
	return s.tokens.List(ctx)
}

// Get возвращает токен по значению (включая отозванные).
func (s *TokenService) Get(ctx context.Context, value string) (*model.Token, error) {
	token, err := s.tokens.GetByValue(ctx, value)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrTokenNotFound
		}
		return nil, err
	}
	return token, nil
}

// RecordUsage атомарно инкрементирует счётчик использования токена.
func (s *TokenService) RecordUsage(ctx context.Context, value string, usedAt time.Time) error {
	return s.tokens.TouchUsage(ctx, value, usedAt)
}

// EnsureBootstrap выдаёт первый административный токен, если хранилище пусто.
// Значение выводится в лог ровно один раз; другого способа получить
// первый токен нет.
func (s *TokenService) EnsureBootstrap(ctx context.Context) error {
	count, err := s.tokens.Count(ctx)
	if err != nil {
		return fmt.Errorf("ошибка проверки хранилища токенов: %w", err)
	}
	if count > 0 {
		return nil
	}

	token, err := s.Issue(ctx, true)
	if err != nil {
		return fmt.Errorf("ошибка bootstrap-токена: %w", err)
	}

	// Единственное место, где полное значение попадает в лог.
	s.logger.Warn("Создан bootstrap административный токен — сохраните значение",
		slog.String("token", token.Value),
	)
	return nil
}
