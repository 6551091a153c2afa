// pixel.go — детерминированные пиксельные эвристики.
// Работают без внешних моделей: оценка строится на долях пикселей,
// попадающих в характерные цветовые диапазоны. Это осознанно грубые
// детекторы для автономного режима; точный анализ — RemoteDetector.
package detector

import (
	"bytes"
	"context"
	"fmt"
	"image"

	// Регистрация декодеров стандартных форматов.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
)

// sampleStride — шаг выборки пикселей. Полный проход по большим
// изображениям не повышает качество эвристики, но греет CPU.
const sampleStride = 4

// pixelStats — агрегаты одного прохода по пикселям.
type pixelStats struct {
	total  int
	skin   int
	green  int
	gray   int
	lumSum float64
}

// collectStats декодирует изображение и собирает цветовые агрегаты.
func collectStats(ctx context.Context, data []byte) (*pixelStats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("ошибка декодирования изображения: %w", err)
	}

	bounds := img.Bounds()
	stats := &pixelStats{}

	for y := bounds.Min.Y; y < bounds.Max.Y; y += sampleStride {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for x := bounds.Min.X; x < bounds.Max.X; x += sampleStride {
			r16, g16, b16, _ := img.At(x, y).RGBA()
			r := float64(r16 >> 8)
			g := float64(g16 >> 8)
			b := float64(b16 >> 8)

			stats.total++
			stats.lumSum += 0.299*r + 0.587*g + 0.114*b

			// Классическое RGB-правило телесного тона.
			if r > 95 && g > 40 && b > 20 &&
				r > g && r > b && r-g > 15 &&
				maxf(r, g, b)-minf(r, g, b) > 15 {
				stats.skin++
			}

			// Растительная зелень: зелёный канал доминирует.
			if g > 60 && g > r*1.2 && g > b*1.2 {
				stats.green++
			}

			// Металлический серый: низкая насыщенность, средняя яркость.
			if maxf(r, g, b)-minf(r, g, b) < 20 && r > 40 && r < 180 {
				stats.gray++
			}
		}
	}

	if stats.total == 0 {
		return nil, fmt.Errorf("изображение не содержит пикселей")
	}
	return stats, nil
}

// NewNudityHeuristic — эвристика nudity: доля пикселей телесного тона.
func NewNudityHeuristic() Detector {
	return Func(func(ctx context.Context, data []byte) (float64, error) {
		stats, err := collectStats(ctx, data)
		if err != nil {
			return 0, err
		}
		return clamp01(float64(stats.skin) / float64(stats.total)), nil
	})
}

// NewDrugsHeuristic — эвристика drugs: максимум из двух сигналов,
// «порошок» (очень высокая средняя яркость) и «растительность»
// (доля зелёных пикселей).
func NewDrugsHeuristic() Detector {
	return Func(func(ctx context.Context, data []byte) (float64, error) {
		stats, err := collectStats(ctx, data)
		if err != nil {
			return 0, err
		}

		meanLum := stats.lumSum / float64(stats.total)
		powder := 0.0
		if meanLum > 200 {
			powder = (meanLum - 200) / 55
		}
		plant := float64(stats.green) / float64(stats.total)

		return clamp01(maxf(powder, plant, 0)), nil
	})
}

// NewWeaponsHeuristic — эвристика weapons: доля металлически-серых пикселей.
// В конфигурации категорий по умолчанию отсутствует, подключается
// добавлением weapons в IM_CATEGORIES.
func NewWeaponsHeuristic() Detector {
	return Func(func(ctx context.Context, data []byte) (float64, error) {
		stats, err := collectStats(ctx, data)
		if err != nil {
			return 0, err
		}
		return clamp01(float64(stats.gray) / float64(stats.total)), nil
	})
}

// NewHeuristic возвращает пиксельную эвристику для категории.
// Неизвестная категория — ошибка конфигурации, а не молчаливый nil.
func NewHeuristic(category string) (Detector, error) {
	switch category {
	case "nudity":
		return NewNudityHeuristic(), nil
	case "drugs":
		return NewDrugsHeuristic(), nil
	case "weapons":
		return NewWeaponsHeuristic(), nil
	default:
		return nil, fmt.Errorf("нет встроенной эвристики для категории %q", category)
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func maxf(vals ...float64) float64 {
	m := vals[0]
	for _, v := range vals[1:] {
		if v > m {
			m = v
		}
	}
	return m
}

func minf(vals ...float64) float64 {
	m := vals[0]
	for _, v := range vals[1:] {
		if v < m {
			m = v
		}
	}
	return m
}
