// cache.go — LRU-кэш вердиктов с TTL.
// Ключ — SHA-256 содержимого изображения: побайтно одинаковые файлы
// получают один вердикт без повторного анализа. Учёт использования
// при попадании в кэш всё равно выполняется на каждый вызов.
package service

import (
	"crypto/sha256"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/imagemod/internal/domain/model"
)

// Prometheus-метрики кэша вердиктов.
var (
	cacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "im_cache_hits_total",
		Help: "Общее количество попаданий в LRU-кэш вердиктов.",
	})
	cacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "im_cache_misses_total",
		Help: "Общее количество промахов LRU-кэша вердиктов.",
	})
)

// VerdictCache — LRU-кэш вердиктов с автоматическим TTL.
// Каждый экземпляр сервиса имеет собственный in-memory кэш.
type VerdictCache struct {
	cache *expirable.LRU[[32]byte, []model.CategoryResult]
}

// NewVerdictCache создаёт кэш указанного размера с TTL.
func NewVerdictCache(maxSize int, ttl time.Duration) *VerdictCache {
	cache := expirable.NewLRU[[32]byte, []model.CategoryResult](maxSize, nil, ttl)
	return &VerdictCache{cache: cache}
}

// Get возвращает закэшированные результаты категорий для изображения.
// Обновляет Prometheus-метрики hit/miss.
func (c *VerdictCache) Get(image []byte) ([]model.CategoryResult, bool) {
	key := sha256.Sum256(image)
	val, ok := c.cache.Get(key)
	if ok {
		cacheHitsTotal.Inc()
		return val, true
	}
	cacheMissesTotal.Inc()
	return nil, false
}

// Set сохраняет результаты категорий для изображения.
func (c *VerdictCache) Set(image []byte, results []model.CategoryResult) {
	key := sha256.Sum256(image)
	c.cache.Add(key, results)
}
