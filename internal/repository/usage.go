package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bigkaa/imagemod/internal/domain/model"
)

// UsageRepository — интерфейс доступа к таблице usage_records.
// Журнал append-only: записи не обновляются, удаляются только
// фоновой чисткой по сроку хранения.
type UsageRepository interface {
	// Insert добавляет запись использования.
	Insert(ctx context.Context, rec *model.UsageRecord) error
	// CountSince возвращает количество записей токена начиная с момента since.
	// Основа скользящего окна rate limiter-а.
	CountSince(ctx context.Context, tokenValue string, since time.Time) (int, error)
	// ListByToken возвращает последние limit записей токена, новые первыми.
	ListByToken(ctx context.Context, tokenValue string, limit int) ([]*model.UsageRecord, error)
	// DeleteOlderThan удаляет записи старше cutoff. Возвращает число удалённых.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// usageRepo — реализация UsageRepository.
type usageRepo struct {
	db DBTX
}

// NewUsageRepository создаёт репозиторий журнала использования.
func NewUsageRepository(db DBTX) UsageRepository {
	return &usageRepo{db: db}
}

func (r *usageRepo) Insert(ctx context.Context, rec *model.UsageRecord) error {
	var categories []byte
	if len(rec.Categories) > 0 {
		var err error
		categories, err = json.Marshal(rec.Categories)
		if err != nil {
			return fmt.Errorf("ошибка сериализации категорий: %w", err)
		}
	}

	query := `
		INSERT INTO usage_records (id, token_value, endpoint, filename, safe, categories, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := r.db.Exec(ctx, query,
		rec.ID, rec.TokenValue, rec.Endpoint, nullIfEmpty(rec.Filename),
		rec.Safe, categories, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("ошибка записи в журнал использования: %w", err)
	}
	return nil
}

func (r *usageRepo) CountSince(ctx context.Context, tokenValue string, since time.Time) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM usage_records
		WHERE token_value = $1 AND created_at >= $2`,
		tokenValue, since,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("ошибка подсчёта записей окна: %w", err)
	}
	return count, nil
}

func (r *usageRepo) ListByToken(ctx context.Context, tokenValue string, limit int) ([]*model.UsageRecord, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, token_value, endpoint, filename, safe, categories, created_at
		FROM usage_records
		WHERE token_value = $1
		ORDER BY created_at DESC
		LIMIT $2`, tokenValue, limit)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения журнала токена: %w", err)
	}
	defer rows.Close()

	var result []*model.UsageRecord
	for rows.Next() {
		rec := &model.UsageRecord{}
		var filename *string
		var categories []byte
		if err := rows.Scan(
			&rec.ID, &rec.TokenValue, &rec.Endpoint, &filename,
			&rec.Safe, &categories, &rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("ошибка сканирования записи журнала: %w", err)
		}
		if filename != nil {
			rec.Filename = *filename
		}
		if len(categories) > 0 {
			if err := json.Unmarshal(categories, &rec.Categories); err != nil {
				return nil, fmt.Errorf("ошибка разбора категорий записи журнала: %w", err)
			}
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

func (r *usageRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM usage_records WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("ошибка чистки журнала использования: %w", err)
	}
	return tag.RowsAffected(), nil
}

// nullIfEmpty превращает пустую строку в NULL.
func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
