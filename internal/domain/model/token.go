// Пакет model — доменные модели Image Moderation Module.
package model

import "time"

// Token — токен доступа к API модерации.
//
// Value уникален среди всех когда-либо выданных токенов (включая
// отозванные — значения не переиспользуются). Отзыв токена — soft delete:
// Active=false, запись сохраняется ради ссылочной целостности usage-записей.
type Token struct {
	// Value — непрозрачный URL-safe credential (>= 32 байт энтропии)
	Value string `json:"token"`
	// IsAdmin — административные привилегии; неизменяемо после создания
	IsAdmin bool `json:"is_admin"`
	// Active — false означает отозванный токен
	Active bool `json:"active"`
	// UsageCount — количество успешных авторизованных вызовов
	UsageCount int64 `json:"usage_count"`
	// CreatedAt — время создания
	CreatedAt time.Time `json:"created_at"`
	// LastUsedAt — время последнего успешного вызова (nil — не использовался)
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// UsageRecord — одна append-only запись аудита авторизованного вызова.
//
// TokenValue — ссылка по значению: запись никогда не удаляется при
// отзыве токена. Для вызовов /moderate дополнительно фиксируются
// имя файла, категории и итоговый вердикт.
type UsageRecord struct {
	// ID — UUID записи
	ID string `json:"id"`
	// TokenValue — значение токена, выполнившего вызов
	TokenValue string `json:"token"`
	// Endpoint — путь вызванного endpoint
	Endpoint string `json:"endpoint"`
	// Filename — имя модерируемого файла (только для /moderate)
	Filename string `json:"filename,omitempty"`
	// Safe — итог вердикта (nil для не-модерационных вызовов)
	Safe *bool `json:"safe,omitempty"`
	// Categories — результаты по категориям (только для /moderate)
	Categories []CategoryResult `json:"categories,omitempty"`
	// CreatedAt — время вызова
	CreatedAt time.Time `json:"timestamp"`
}
