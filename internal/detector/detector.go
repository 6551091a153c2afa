// Пакет detector — детекторы категорий риска для модерации изображений.
// Детектор отвечает только на один вопрос: уверенность [0,1] в том,
// что изображение относится к его категории. Пороги и агрегация —
// забота вызывающего слоя.
package detector

import "context"

// Detector — анализатор одной категории риска.
type Detector interface {
	// Analyze возвращает уверенность в диапазоне [0,1].
	// Ошибка означает невозможность вынести оценку, а не «безопасно».
	Analyze(ctx context.Context, image []byte) (float64, error)
}

// Func — адаптер функции к интерфейсу Detector.
type Func func(ctx context.Context, image []byte) (float64, error)

// Analyze реализует Detector.
func (f Func) Analyze(ctx context.Context, image []byte) (float64, error) {
	return f(ctx, image)
}
