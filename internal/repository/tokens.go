package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/imagemod/internal/domain/model"
)

// TokenRepository — интерфейс доступа к таблице tokens.
type TokenRepository interface {
	// Create вставляет новый токен. При коллизии значения — ErrConflict.
	Create(ctx context.Context, token *model.Token) error
	// GetByValue возвращает токен по значению (включая отозванные).
	GetByValue(ctx context.Context, value string) (*model.Token, error)
	// List возвращает все токены в порядке создания.
	List(ctx context.Context) ([]*model.Token, error)
	// Revoke помечает токен отозванным. Идемпотентна.
	Revoke(ctx context.Context, value string) error
	// TouchUsage атомарно инкрементирует счётчик использования
	// и обновляет last_used_at. Не read-modify-write.
	TouchUsage(ctx context.Context, value string, usedAt time.Time) error
	// Count возвращает общее количество токенов (включая отозванные).
	Count(ctx context.Context) (int, error)
}

// tokenRepo — реализация TokenRepository.
type tokenRepo struct {
	db DBTX
}

// NewTokenRepository создаёт репозиторий токенов.
func NewTokenRepository(db DBTX) TokenRepository {
	return &tokenRepo{db: db}
}

const tokenColumns = `value, is_admin, active, usage_count, created_at, last_used_at`

// scanToken сканирует строку результата в модель Token.
func scanToken(row pgx.Row) (*model.Token, error) {
	t := &model.Token{}
	err := row.Scan(
		&t.Value, &t.IsAdmin, &t.Active, &t.UsageCount,
		&t.CreatedAt, &t.LastUsedAt,
	)
	return t, err
}

func (r *tokenRepo) Create(ctx context.Context, token *model.Token) error {
	query := `
		INSERT INTO tokens (value, is_admin, active)
		VALUES ($1, $2, $3)
		RETURNING created_at`

	err := r.db.QueryRow(ctx, query,
		token.Value, token.IsAdmin, token.Active,
	).Scan(&token.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: токен с таким значением уже существует", ErrConflict)
		}
		return fmt.Errorf("ошибка создания токена: %w", err)
	}
	return nil
}

func (r *tokenRepo) GetByValue(ctx context.Context, value string) (*model.Token, error) {
	query := fmt.Sprintf(`SELECT %s FROM tokens WHERE value = $1`, tokenColumns)
	t, err := scanToken(r.db.QueryRow(ctx, query, value))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения токена: %w", err)
	}
	return t, nil
}

func (r *tokenRepo) List(ctx context.Context) ([]*model.Token, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM tokens
		ORDER BY created_at ASC, value ASC`, tokenColumns)

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка токенов: %w", err)
	}
	defer rows.Close()

	var result []*model.Token
	for rows.Next() {
		t := &model.Token{}
		if err := rows.Scan(
			&t.Value, &t.IsAdmin, &t.Active, &t.UsageCount,
			&t.CreatedAt, &t.LastUsedAt,
		); err != nil {
			return nil, fmt.Errorf("ошибка сканирования токена: %w", err)
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func (r *tokenRepo) Revoke(ctx context.Context, value string) error {
	// active = false для уже отозванного токена — no-op, не ошибка.
	tag, err := r.db.Exec(ctx,
		`UPDATE tokens SET active = false WHERE value = $1`, value)
	if err != nil {
		return fmt.Errorf("ошибка отзыва токена: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *tokenRepo) TouchUsage(ctx context.Context, value string, usedAt time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE tokens
		SET usage_count = usage_count + 1, last_used_at = $2
		WHERE value = $1`, value, usedAt)
	if err != nil {
		return fmt.Errorf("ошибка инкремента счётчика токена: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *tokenRepo) Count(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM tokens`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("ошибка подсчёта токенов: %w", err)
	}
	return count, nil
}
