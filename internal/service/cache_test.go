package service

import (
	"testing"
	"time"

	"github.com/bigkaa/imagemod/internal/domain/model"
)

// TestVerdictCache_GetSet проверяет базовые операции Get/Set по содержимому.
func TestVerdictCache_GetSet(t *testing.T) {
	cache := NewVerdictCache(100, 5*time.Minute)
	img := []byte("image-bytes-1")
	results := []model.CategoryResult{
		model.NewCategoryResult("nudity", 0.1, 0.3),
	}

	// Cache miss
	if _, ok := cache.Get(img); ok {
		t.Fatal("ожидался cache miss для нового изображения")
	}

	// Set + cache hit
	cache.Set(img, results)
	got, ok := cache.Get(img)
	if !ok {
		t.Fatal("ожидался cache hit после Set")
	}
	if len(got) != 1 || got[0].Category != "nudity" {
		t.Errorf("результаты из кэша = %v, ожидается nudity", got)
	}
}

// TestVerdictCache_KeyedByContent: разные байты — разные ключи,
// одинаковые байты в разных слайсах — один ключ.
func TestVerdictCache_KeyedByContent(t *testing.T) {
	cache := NewVerdictCache(100, 5*time.Minute)
	results := []model.CategoryResult{
		model.NewCategoryResult("drugs", 0.2, 0.5),
	}

	cache.Set([]byte("image-a"), results)

	// Копия тех же байт — hit
	same := append([]byte(nil), []byte("image-a")...)
	if _, ok := cache.Get(same); !ok {
		t.Error("ожидался cache hit для побайтно одинакового изображения")
	}

	// Другие байты — miss
	if _, ok := cache.Get([]byte("image-b")); ok {
		t.Error("ожидался cache miss для другого изображения")
	}
}

// TestVerdictCache_TTLExpiration проверяет автоматическое истечение TTL.
func TestVerdictCache_TTLExpiration(t *testing.T) {
	cache := NewVerdictCache(100, 50*time.Millisecond)
	img := []byte("ttl-image")

	cache.Set(img, []model.CategoryResult{model.NewCategoryResult("nudity", 0.1, 0.3)})

	if _, ok := cache.Get(img); !ok {
		t.Fatal("ожидался cache hit сразу после Set")
	}

	time.Sleep(100 * time.Millisecond)

	if _, ok := cache.Get(img); ok {
		t.Fatal("ожидался cache miss после истечения TTL")
	}
}
