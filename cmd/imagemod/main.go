// Точка входа модуля модерации изображений.
// Загружает конфигурацию, применяет миграции, подключается к PostgreSQL,
// собирает реестр детекторов и сервисный слой, выдаёт bootstrap-токен,
// запускает фоновые задачи (чистка журнала, topologymetrics),
// HTTP-сервер с auth middleware и graceful shutdown.
package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/stdlib"

	"github.com/bigkaa/imagemod/internal/api/handlers"
	"github.com/bigkaa/imagemod/internal/api/middleware"
	"github.com/bigkaa/imagemod/internal/api/openapi"
	"github.com/bigkaa/imagemod/internal/config"
	"github.com/bigkaa/imagemod/internal/database"
	"github.com/bigkaa/imagemod/internal/detector"
	"github.com/bigkaa/imagemod/internal/repository"
	"github.com/bigkaa/imagemod/internal/server"
	"github.com/bigkaa/imagemod/internal/service"
)

func main() {
	// 1. Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Ошибка загрузки конфигурации", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 2. Настройка логирования
	logger := config.SetupLogger(cfg)
	logger.Info("Модуль модерации запускается",
		slog.String("version", config.Version),
		slog.String("instance_id", cfg.InstanceID),
		slog.Int("port", cfg.Port),
	)

	// 3. Применение миграций БД
	logger.Info("Применение миграций БД...")
	if err := database.Migrate(cfg, logger); err != nil {
		logger.Error("Ошибка миграций БД", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 4. Подключение к PostgreSQL (pgxpool)
	ctx := context.Background()
	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		logger.Error("Ошибка подключения к PostgreSQL", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer pool.Close()

	// 4.1 Адаптер pgxpool → *sql.DB для topologymetrics (connection pool mode)
	pgDB := stdlib.OpenDBFromPool(pool)
	defer pgDB.Close()

	// 5. Реестр детекторов из конфигурации категорий
	registry, remotes, err := buildRegistry(cfg, logger)
	if err != nil {
		logger.Error("Ошибка сборки реестра детекторов", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Реестр детекторов собран",
		slog.Int("categories", registry.Len()),
		slog.Int("remote", len(remotes)),
	)

	// 6. OpenAPI-контракт: загрузка и валидация при старте
	spec, err := openapi.Load(ctx)
	if err != nil {
		logger.Error("Ошибка загрузки OpenAPI-контракта", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 7. Repositories
	tokenRepo := repository.NewTokenRepository(pool)
	usageRepo := repository.NewUsageRepository(pool)

	// 8. Services
	tokenSvc := service.NewTokenService(tokenRepo, logger)
	usageSvc := service.NewUsageService(usageRepo, tokenRepo, logger)
	admission := service.NewAdmissionPool(cfg.DetectorWorkers, cfg.QueueWait)
	// Нулевой размер отключает кэш вердиктов
	var cache *service.VerdictCache
	if cfg.CacheSize > 0 {
		cache = service.NewVerdictCache(cfg.CacheSize, cfg.CacheTTL)
	}
	moderationSvc := service.NewModerationService(
		registry, admission, cache, usageSvc,
		cfg.MaxFileSize, cfg.ModerateTimeout, logger,
	)

	// 9. Bootstrap-токен: первый административный токен в пустом хранилище
	if err := tokenSvc.EnsureBootstrap(ctx); err != nil {
		logger.Error("Ошибка bootstrap-токена", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 10. Фоновая чистка журнала использования
	retentionSvc := service.NewRetentionService(usageRepo, cfg.LedgerRetention, cfg.RetentionInterval, logger)
	retentionSvc.Start(ctx)
	defer retentionSvc.Stop()

	// 11. Мониторинг зависимостей (topologymetrics)
	dephealthSvc, err := service.NewDephealthService(
		cfg.InstanceID,
		cfg.DephealthGroup,
		pgDB,
		cfg.DatabaseURL(),
		remotes,
		cfg.DephealthCheckInterval,
		logger,
	)
	if err != nil {
		logger.Error("Ошибка создания мониторинга зависимостей", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if err := dephealthSvc.Start(ctx); err != nil {
		logger.Error("Ошибка запуска мониторинга зависимостей", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer dephealthSvc.Stop()

	// 12. Handlers и middleware
	healthHandler := handlers.NewHealthHandler(database.NewReadinessChecker(pool), registry.Len())
	apiHandler := handlers.NewAPIHandler(
		moderationSvc, tokenSvc, usageSvc, healthHandler,
		cfg.MaxFileSize, logger,
	)

	authMw := middleware.NewAuth(tokenSvc, logger)
	routeOpts := handlers.RouteOptions{
		Auth:        authMw.Middleware(),
		OpenAPISpec: spec.Handler(),
	}
	// Нулевой лимит отключает rate limiter целиком
	if cfg.RateLimit > 0 {
		routeOpts.RateLimit = middleware.RateLimit(usageSvc, cfg.RateLimit, cfg.RateWindow, logger)
	}

	// 13. HTTP-сервер (блокирующий вызов с graceful shutdown)
	srv := server.New(cfg, logger, apiHandler, routeOpts,
		middleware.MetricsMiddleware(),
		middleware.RequestLogger(logger),
	)
	if err := srv.Run(); err != nil {
		logger.Error("Сервер завершился с ошибкой", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Модуль модерации остановлен")
}

// buildRegistry собирает реестр детекторов по настроенным категориям.
// Категория с IM_DETECTOR_<CATEGORY>_URL обслуживается удалённым
// инференс-сервисом, остальные — встроенными пиксельными эвристиками.
func buildRegistry(cfg *config.Config, logger *slog.Logger) (*detector.Registry, []service.RemoteDependency, error) {
	entries := make([]detector.Entry, 0, len(cfg.Categories))
	var remotes []service.RemoteDependency

	for _, cat := range cfg.Categories {
		var det detector.Detector
		if cat.RemoteURL != "" {
			det = detector.NewRemote(cat.Name, cat.RemoteURL, 30*time.Second, logger)
			remotes = append(remotes, service.RemoteDependency{
				Category: cat.Name,
				URL:      cat.RemoteURL,
			})
		} else {
			var err error
			det, err = detector.NewHeuristic(cat.Name)
			if err != nil {
				return nil, nil, err
			}
		}
		entries = append(entries, detector.Entry{
			Category:  cat.Name,
			Threshold: cat.Threshold,
			Detector:  det,
		})
	}

	registry, err := detector.NewRegistry(entries)
	if err != nil {
		return nil, nil, err
	}
	return registry, remotes, nil
}
