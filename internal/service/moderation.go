// moderation.go — оркестратор модерации изображения.
//
// Последовательность одного вызова:
//  1. Валидация изображения (непустое, в пределах лимита, декодируемое)
//  2. Попадание в кэш вердиктов — анализ пропускается
//  3. Fan-out по всем детекторам реестра через пул допуска
//  4. Агрегация: safe = ни одна категория не сработала,
//     overall = максимум уверенностей
//  5. Учёт: запись журнала, затем инкремент счётчика токена
//
// Любой сбой детектора — отказ всего вызова (fail-closed):
// частичный вердикт не выносится никогда.
package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/imagemod/internal/detector"
	"github.com/bigkaa/imagemod/internal/domain/model"
)

// Prometheus-метрики модерации.
var (
	moderationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "im_moderations_total",
		Help: "Общее количество вызовов модерации по результату.",
	}, []string{"result"})

	detectorDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "im_detector_duration_seconds",
		Help:    "Длительность анализа одного детектора в секундах.",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
	}, []string{"category"})

	detectorErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "im_detector_errors_total",
		Help: "Общее количество сбоев детекторов.",
	}, []string{"category"})
)

// Результаты для лейбла result метрики im_moderations_total.
const (
	resultSafe     = "safe"
	resultFlagged  = "flagged"
	resultError    = "error"
	resultOverload = "overload"
	resultTimeout  = "timeout"
)

// ModerationService — оркестратор анализа изображений.
type ModerationService struct {
	registry    *detector.Registry
	pool        *AdmissionPool
	cache       *VerdictCache
	usage       *UsageService
	maxFileSize int64
	timeout     time.Duration
	logger      *slog.Logger
}

// NewModerationService создаёт оркестратор.
// cache может быть nil — тогда кэширование вердиктов отключено.
func NewModerationService(
	registry *detector.Registry,
	pool *AdmissionPool,
	cache *VerdictCache,
	usage *UsageService,
	maxFileSize int64,
	timeout time.Duration,
	logger *slog.Logger,
) *ModerationService {
	return &ModerationService{
		registry:    registry,
		pool:        pool,
		cache:       cache,
		usage:       usage,
		maxFileSize: maxFileSize,
		timeout:     timeout,
		logger:      logger.With(slog.String("component", "moderation")),
	}
}

// categoryOutcome — результат одного детектора в fan-out.
type categoryOutcome struct {
	index      int
	confidence float64
	err        error
}

// Moderate выполняет полный цикл модерации от имени токена.
// Учёт (журнал + счётчик) выполняется только при успешном вердикте.
func (s *ModerationService) Moderate(ctx context.Context, token *model.Token, filename string, data []byte) (*model.Verdict, error) {
	start := time.Now()

	if err := s.validateImage(data); err != nil {
		moderationsTotal.WithLabelValues(resultError).Inc()
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	results, err := s.analyze(ctx, data)
	if err != nil {
		s.observeFailure(err)
		return nil, err
	}

	verdict := model.NewVerdict(filename, int64(len(data)), results, time.Since(start))

	if verdict.Safe {
		moderationsTotal.WithLabelValues(resultSafe).Inc()
	} else {
		moderationsTotal.WithLabelValues(resultFlagged).Inc()
	}

	s.account(ctx, token, filename, verdict)

	s.logger.Info("Модерация завершена",
		slog.String("filename", filename),
		slog.Bool("safe", verdict.Safe),
		slog.Float64("overall_confidence", verdict.OverallConfidence),
		slog.Duration("duration", verdict.ProcessingTime),
	)

	return verdict, nil
}

// validateImage проверяет изображение до запуска анализа.
func (s *ModerationService) validateImage(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: пустой файл", ErrInvalidImage)
	}
	if int64(len(data)) > s.maxFileSize {
		return fmt.Errorf("%w: %d байт при лимите %d",
			ErrFileTooLarge, len(data), s.maxFileSize)
	}
	// DecodeConfig читает только заголовок, без полного декодирования.
	if _, _, err := image.DecodeConfig(bytes.NewReader(data)); err != nil {
		return fmt.Errorf("%w: файл не является поддерживаемым изображением", ErrInvalidImage)
	}
	return nil
}

// analyze возвращает результаты всех категорий в порядке реестра.
// Кэш вердиктов проверяется до запуска детекторов.
func (s *ModerationService) analyze(ctx context.Context, data []byte) ([]model.CategoryResult, error) {
	if s.cache != nil {
		if cached, ok := s.cache.Get(data); ok {
			return cached, nil
		}
	}

	entries := s.registry.Entries()
	outcomes := make(chan categoryOutcome, len(entries))

	for i, entry := range entries {
		go func(i int, entry detector.Entry) {
			outcomes <- s.runDetector(ctx, i, entry, data)
		}(i, entry)
	}

	results := make([]model.CategoryResult, len(entries))
	var firstErr error
	for range entries {
		out := <-outcomes
		if out.err != nil {
			if firstErr == nil {
				firstErr = out.err
			}
			continue
		}
		e := entries[out.index]
		results[out.index] = model.NewCategoryResult(e.Category, out.confidence, e.Threshold)
	}

	if firstErr != nil {
		return nil, firstErr
	}

	if s.cache != nil {
		s.cache.Set(data, results)
	}
	return results, nil
}

// runDetector выполняет один детектор под слотом пула допуска.
func (s *ModerationService) runDetector(ctx context.Context, index int, entry detector.Entry, data []byte) categoryOutcome {
	if err := s.pool.Acquire(ctx); err != nil {
		return categoryOutcome{index: index, err: err}
	}
	defer s.pool.Release()

	start := time.Now()
	confidence, err := entry.Detector.Analyze(ctx, data)
	detectorDuration.WithLabelValues(entry.Category).Observe(time.Since(start).Seconds())

	if err != nil {
		// Отмена контекста — таймаут вызова, не сбой детектора.
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return categoryOutcome{index: index, err: err}
		}
		detectorErrorsTotal.WithLabelValues(entry.Category).Inc()
		return categoryOutcome{index: index, err: &DetectorError{Category: entry.Category, Err: err}}
	}

	if confidence < 0 || confidence > 1 {
		detectorErrorsTotal.WithLabelValues(entry.Category).Inc()
		return categoryOutcome{index: index, err: &DetectorError{
			Category: entry.Category,
			Err:      fmt.Errorf("уверенность вне диапазона [0,1]: %v", confidence),
		}}
	}

	return categoryOutcome{index: index, confidence: confidence}
}

// account выполняет учёт успешного вызова.
// Сбой учёта логируется, но вердикт всё равно возвращается клиенту.
// Контекст вызова к этому моменту мог истечь — учёт идёт в свежем
// контексте с коротким таймаутом.
func (s *ModerationService) account(ctx context.Context, token *model.Token, filename string, verdict *model.Verdict) {
	accCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	safe := verdict.Safe
	rec := &model.UsageRecord{
		TokenValue: token.Value,
		Endpoint:   "/moderate",
		Filename:   filename,
		Safe:       &safe,
		Categories: verdict.Categories,
	}
	if err := s.usage.Record(accCtx, rec); err != nil {
		s.logger.Error("Ошибка учёта вызова модерации",
			slog.String("filename", filename),
			slog.String("error", err.Error()),
		)
	}
}

// observeFailure обновляет метрику результата по типу ошибки.
func (s *ModerationService) observeFailure(err error) {
	switch {
	case errors.Is(err, ErrOverloaded):
		moderationsTotal.WithLabelValues(resultOverload).Inc()
	case errors.Is(err, context.DeadlineExceeded):
		moderationsTotal.WithLabelValues(resultTimeout).Inc()
	default:
		moderationsTotal.WithLabelValues(resultError).Inc()
	}
}

// MapError переводит ошибку анализа в сервисные ошибки уровня API.
// Истечение дедлайна вызова — таймаут, отмена клиентом — как есть.
func MapError(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ErrTimeout
	default:
		return err
	}
}
