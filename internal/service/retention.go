// retention.go — фоновая чистка журнала использования.
//
// Удаляет записи старше настроенного срока хранения.
// Запускается как горутина с периодическим тикером (IM_RETENTION_INTERVAL).
// Нулевой срок хранения отключает чистку: журнал append-only навсегда.
package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/imagemod/internal/repository"
)

// Prometheus метрики чистки журнала.
var (
	retentionRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "im_retention_runs_total",
		Help: "Общее количество запусков чистки журнала",
	})

	retentionDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "im_retention_records_deleted_total",
		Help: "Общее количество записей журнала, удалённых чисткой",
	})

	retentionDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "im_retention_duration_seconds",
		Help:    "Длительность выполнения чистки журнала в секундах",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	})
)

// RetentionResult — результат одного запуска чистки.
type RetentionResult struct {
	// DeletedCount — количество удалённых записей
	DeletedCount int64
	// Duration — длительность выполнения
	Duration time.Duration
}

// RetentionService — сервис чистки журнала использования.
type RetentionService struct {
	usage     repository.UsageRepository
	retention time.Duration
	interval  time.Duration
	logger    *slog.Logger

	mu     sync.Mutex // защита от параллельного запуска RunOnce
	cancel context.CancelFunc
}

// NewRetentionService создаёт сервис чистки.
// retention == 0 — чистка отключена, Start становится no-op.
func NewRetentionService(
	usage repository.UsageRepository,
	retention time.Duration,
	interval time.Duration,
	logger *slog.Logger,
) *RetentionService {
	return &RetentionService{
		usage:     usage,
		retention: retention,
		interval:  interval,
		logger:    logger.With(slog.String("component", "retention")),
	}
}

// Start запускает фоновую горутину чистки с периодическим тикером.
// Вызывается один раз при старте приложения.
func (rs *RetentionService) Start(ctx context.Context) {
	if rs.retention <= 0 {
		rs.logger.Info("Чистка журнала отключена (срок хранения не задан)")
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	rs.cancel = cancel

	go rs.run(runCtx)

	rs.logger.Info("Чистка журнала запущена",
		slog.String("retention", rs.retention.String()),
		slog.String("interval", rs.interval.String()),
	)
}

// Stop останавливает фоновый процесс чистки.
func (rs *RetentionService) Stop() {
	if rs.cancel != nil {
		rs.cancel()
	}
	rs.logger.Info("Чистка журнала остановлена")
}

// run — основной цикл фоновой горутины.
func (rs *RetentionService) run(ctx context.Context) {
	// Первый запуск — сразу после старта
	rs.RunOnce(ctx)

	ticker := time.NewTicker(rs.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rs.RunOnce(ctx)
		}
	}
}

// RunOnce выполняет один цикл чистки.
// Потокобезопасен: использует mutex для защиты от параллельного запуска.
func (rs *RetentionService) RunOnce(ctx context.Context) *RetentionResult {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	start := time.Now()
	result := &RetentionResult{}

	cutoff := time.Now().UTC().Add(-rs.retention)

	deleted, err := rs.usage.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		rs.logger.Error("Ошибка чистки журнала",
			slog.String("error", err.Error()),
		)
		return result
	}
	result.DeletedCount = deleted
	result.Duration = time.Since(start)

	retentionRunsTotal.Inc()
	retentionDeletedTotal.Add(float64(deleted))
	retentionDurationSeconds.Observe(result.Duration.Seconds())

	if deleted > 0 {
		rs.logger.Info("Чистка журнала завершена",
			slog.Int64("deleted", result.DeletedCount),
			slog.Duration("duration", result.Duration),
		)
	}

	return result
}
