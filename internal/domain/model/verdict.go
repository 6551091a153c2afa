// verdict.go — модели результата модерации изображения.
package model

import "time"

// CategoryResult — результат анализа одной категории риска.
//
// Flagged — чистая функция от Confidence и Threshold: граница
// включительная, confidence == threshold считается сработавшим.
type CategoryResult struct {
	// Category — имя категории (nudity, drugs, weapons)
	Category string `json:"category"`
	// Confidence — уверенность детектора в диапазоне [0,1]
	Confidence float64 `json:"confidence"`
	// Threshold — настроенный порог категории в диапазоне [0,1]
	Threshold float64 `json:"threshold"`
	// Flagged — confidence >= threshold
	Flagged bool `json:"flagged"`
}

// NewCategoryResult создаёт CategoryResult с вычисленным Flagged.
// Единственный способ получить консистентное значение Flagged —
// никогда не устанавливать поле вручную.
func NewCategoryResult(category string, confidence, threshold float64) CategoryResult {
	return CategoryResult{
		Category:   category,
		Confidence: confidence,
		Threshold:  threshold,
		Flagged:    confidence >= threshold,
	}
}

// Verdict — неизменяемый итог одного вызова модерации.
//
// Categories идут в порядке конфигурации реестра детекторов,
// порядок стабилен между вызовами.
type Verdict struct {
	// Filename — имя загруженного файла
	Filename string `json:"filename"`
	// FileSize — размер изображения в байтах
	FileSize int64 `json:"file_size"`
	// Safe — true тогда и только тогда, когда ни одна категория не flagged
	Safe bool `json:"safe"`
	// Categories — результаты всех категорий в порядке реестра
	Categories []CategoryResult `json:"categories"`
	// OverallConfidence — максимум confidence по всем категориям:
	// единственный сильный сигнал не размывается усреднением
	OverallConfidence float64 `json:"overall_confidence"`
	// Timestamp — время завершения анализа
	Timestamp time.Time `json:"timestamp"`
	// ProcessingTime — длительность анализа
	ProcessingTime time.Duration `json:"processing_time_ms"`
}

// NewVerdict собирает вердикт из результатов категорий.
// Safe и OverallConfidence — производные, вычисляются здесь и только здесь.
func NewVerdict(filename string, fileSize int64, categories []CategoryResult, processingTime time.Duration) *Verdict {
	safe := true
	overall := 0.0
	for _, cat := range categories {
		if cat.Flagged {
			safe = false
		}
		if cat.Confidence > overall {
			overall = cat.Confidence
		}
	}

	return &Verdict{
		Filename:          filename,
		FileSize:          fileSize,
		Safe:              safe,
		Categories:        categories,
		OverallConfidence: overall,
		Timestamp:         time.Now().UTC(),
		ProcessingTime:    processingTime,
	}
}
