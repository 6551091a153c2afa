// Пакет memory — in-memory реализации репозиториев для тестов
// и автономного запуска без PostgreSQL.
// Семантика повторяет SQL-реализации: те же ошибки, тот же порядок
// сортировки, атомарный инкремент под мьютексом.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bigkaa/imagemod/internal/domain/model"
	"github.com/bigkaa/imagemod/internal/repository"
)

// TokenStore — потокобезопасное in-memory хранилище токенов.
type TokenStore struct {
	mu     sync.RWMutex
	tokens map[string]*model.Token
}

// NewTokenStore создаёт пустое хранилище токенов.
func NewTokenStore() *TokenStore {
	return &TokenStore{tokens: make(map[string]*model.Token)}
}

// cloneToken возвращает копию, чтобы вызывающий не мутировал хранилище.
func cloneToken(t *model.Token) *model.Token {
	c := *t
	if t.LastUsedAt != nil {
		lu := *t.LastUsedAt
		c.LastUsedAt = &lu
	}
	return &c
}

func (s *TokenStore) Create(_ context.Context, token *model.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tokens[token.Value]; exists {
		return fmt.Errorf("%w: токен с таким значением уже существует", repository.ErrConflict)
	}
	if token.CreatedAt.IsZero() {
		token.CreatedAt = time.Now().UTC()
	}
	s.tokens[token.Value] = cloneToken(token)
	return nil
}

func (s *TokenStore) GetByValue(_ context.Context, value string) (*model.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tokens[value]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneToken(t), nil
}

func (s *TokenStore) List(_ context.Context) ([]*model.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*model.Token, 0, len(s.tokens))
	for _, t := range s.tokens {
		result = append(result, cloneToken(t))
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].Value < result[j].Value
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *TokenStore) Revoke(_ context.Context, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tokens[value]
	if !ok {
		return repository.ErrNotFound
	}
	t.Active = false
	return nil
}

func (s *TokenStore) TouchUsage(_ context.Context, value string, usedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tokens[value]
	if !ok {
		return repository.ErrNotFound
	}
	t.UsageCount++
	lu := usedAt
	t.LastUsedAt = &lu
	return nil
}

func (s *TokenStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tokens), nil
}

// UsageStore — потокобезопасный in-memory журнал использования.
type UsageStore struct {
	mu      sync.RWMutex
	records []*model.UsageRecord
}

// NewUsageStore создаёт пустой журнал.
func NewUsageStore() *UsageStore {
	return &UsageStore{}
}

func cloneRecord(r *model.UsageRecord) *model.UsageRecord {
	c := *r
	if r.Safe != nil {
		safe := *r.Safe
		c.Safe = &safe
	}
	c.Categories = append([]model.CategoryResult(nil), r.Categories...)
	return &c
}

func (s *UsageStore) Insert(_ context.Context, rec *model.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, cloneRecord(rec))
	return nil
}

func (s *UsageStore) CountSince(_ context.Context, tokenValue string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, r := range s.records {
		if r.TokenValue == tokenValue && !r.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (s *UsageStore) ListByToken(_ context.Context, tokenValue string, limit int) ([]*model.UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*model.UsageRecord
	for _, r := range s.records {
		if r.TokenValue == tokenValue {
			result = append(result, cloneRecord(r))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *UsageStore) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.records[:0]
	var deleted int64
	for _, r := range s.records {
		if r.CreatedAt.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, r)
	}
	s.records = kept
	return deleted, nil
}

// Len возвращает количество записей журнала (для тестов).
func (s *UsageStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
