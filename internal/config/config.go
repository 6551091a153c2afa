// Пакет config — загрузка и валидация конфигурации Image Moderation Module
// из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// CategoryConfig — конфигурация одной категории модерации.
type CategoryConfig struct {
	// Name — имя категории (nudity, drugs, weapons)
	Name string
	// Threshold — порог срабатывания в диапазоне [0,1].
	// Категория считается flagged при confidence >= Threshold.
	Threshold float64
	// RemoteURL — URL внешнего инференс-сервиса для категории.
	// Пустая строка — используется встроенный эвристический детектор.
	RemoteURL string
}

// Config содержит все параметры конфигурации Image Moderation Module.
type Config struct {
	// Порт HTTP-сервера (диапазон 8020-8029)
	Port int
	// Уникальный идентификатор экземпляра (например, "im-moscow-01")
	InstanceID string

	// --- PostgreSQL ---

	// Хост PostgreSQL
	DBHost string
	// Порт PostgreSQL
	DBPort int
	// Имя базы данных
	DBName string
	// Пользователь БД
	DBUser string
	// Пароль пользователя БД
	DBPassword string
	// Режим SSL подключения к БД
	DBSSLMode string

	// --- Модерация ---

	// Максимальный размер изображения в байтах
	MaxFileSize int64
	// Категории модерации в порядке конфигурации (порядок стабилен)
	Categories []CategoryConfig
	// Количество worker-слотов для инференса детекторов
	DetectorWorkers int
	// Максимальное время ожидания свободного слота
	QueueWait time.Duration
	// Таймаут одного вызова модерации (все детекторы суммарно)
	ModerateTimeout time.Duration

	// --- Кэш вердиктов ---

	// Максимальное количество записей LRU-кэша вердиктов (0 — кэш отключён)
	CacheSize int
	// TTL записи кэша вердиктов
	CacheTTL time.Duration

	// --- Лимиты и аудит ---

	// Лимит вызовов на токен в скользящем окне (0 — без лимита)
	RateLimit int
	// Длительность скользящего окна rate limit
	RateWindow time.Duration
	// Срок хранения usage-записей (0 — хранить бессрочно)
	LedgerRetention time.Duration
	// Интервал запуска фоновой очистки ledger
	RetentionInterval time.Duration

	// --- TLS (опционально) ---

	// Путь к TLS сертификату (пусто — plain HTTP)
	TLSCert string
	// Путь к TLS приватному ключу
	TLSKey string

	// --- Логирование ---

	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	// --- topologymetrics ---

	// Интервал проверки зависимостей
	DephealthCheckInterval time.Duration
	// Имя группы в метриках topologymetrics
	DephealthGroup string

	// Таймаут graceful shutdown HTTP-сервера
	ShutdownTimeout time.Duration
}

// Пороги по умолчанию из боевой конфигурации детекторов.
const defaultCategories = "nudity:0.3,drugs:0.5"

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}

	// IM_PORT — порт HTTP-сервера (по умолчанию 8020)
	port, err := getEnvInt("IM_PORT", 8020)
	if err != nil {
		return nil, fmt.Errorf("IM_PORT: %w", err)
	}
	if port < 8020 || port > 8029 {
		return nil, fmt.Errorf("IM_PORT: значение %d вне допустимого диапазона 8020-8029", port)
	}
	cfg.Port = port

	// IM_INSTANCE_ID — обязательный
	cfg.InstanceID, err = getEnvRequired("IM_INSTANCE_ID")
	if err != nil {
		return nil, err
	}

	// --- PostgreSQL ---

	cfg.DBHost, err = getEnvRequired("IM_DB_HOST")
	if err != nil {
		return nil, err
	}
	cfg.DBPort, err = getEnvInt("IM_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("IM_DB_PORT: %w", err)
	}
	cfg.DBName, err = getEnvRequired("IM_DB_NAME")
	if err != nil {
		return nil, err
	}
	cfg.DBUser, err = getEnvRequired("IM_DB_USER")
	if err != nil {
		return nil, err
	}
	cfg.DBPassword, err = getEnvRequired("IM_DB_PASSWORD")
	if err != nil {
		return nil, err
	}
	cfg.DBSSLMode = getEnvDefault("IM_DB_SSL_MODE", "disable")

	// IM_MAX_FILE_SIZE — максимальный размер изображения (по умолчанию 10 MB)
	maxFileSize, err := getEnvInt64("IM_MAX_FILE_SIZE", 10485760)
	if err != nil {
		return nil, fmt.Errorf("IM_MAX_FILE_SIZE: %w", err)
	}
	if maxFileSize <= 0 {
		return nil, fmt.Errorf("IM_MAX_FILE_SIZE: значение должно быть положительным")
	}
	cfg.MaxFileSize = maxFileSize

	// IM_CATEGORIES — список категорий с порогами: "nudity:0.3,drugs:0.5"
	cfg.Categories, err = parseCategories(getEnvDefault("IM_CATEGORIES", defaultCategories))
	if err != nil {
		return nil, fmt.Errorf("IM_CATEGORIES: %w", err)
	}

	// IM_DETECTOR_<CATEGORY>_URL — URL внешнего инференс-сервиса (опционально)
	for i := range cfg.Categories {
		key := "IM_DETECTOR_" + strings.ToUpper(cfg.Categories[i].Name) + "_URL"
		cfg.Categories[i].RemoteURL = getEnvDefault(key, "")
	}

	// IM_DETECTOR_WORKERS — слоты admission control (по умолчанию 4)
	cfg.DetectorWorkers, err = getEnvInt("IM_DETECTOR_WORKERS", 4)
	if err != nil {
		return nil, fmt.Errorf("IM_DETECTOR_WORKERS: %w", err)
	}
	if cfg.DetectorWorkers < 1 {
		return nil, fmt.Errorf("IM_DETECTOR_WORKERS: значение должно быть >= 1")
	}

	// IM_QUEUE_WAIT — максимальное ожидание слота (по умолчанию 2s)
	cfg.QueueWait, err = getEnvDuration("IM_QUEUE_WAIT", 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("IM_QUEUE_WAIT: %w", err)
	}

	// IM_MODERATE_TIMEOUT — таймаут вызова модерации (по умолчанию 30s)
	cfg.ModerateTimeout, err = getEnvDuration("IM_MODERATE_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("IM_MODERATE_TIMEOUT: %w", err)
	}

	// IM_CACHE_SIZE — размер LRU-кэша вердиктов (по умолчанию 1024, 0 — выключен)
	cfg.CacheSize, err = getEnvInt("IM_CACHE_SIZE", 1024)
	if err != nil {
		return nil, fmt.Errorf("IM_CACHE_SIZE: %w", err)
	}
	if cfg.CacheSize < 0 {
		return nil, fmt.Errorf("IM_CACHE_SIZE: значение не может быть отрицательным")
	}

	// IM_CACHE_TTL — TTL записи кэша (по умолчанию 10m)
	cfg.CacheTTL, err = getEnvDuration("IM_CACHE_TTL", 10*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("IM_CACHE_TTL: %w", err)
	}

	// IM_RATE_LIMIT — лимит вызовов на токен в окне (по умолчанию 5)
	cfg.RateLimit, err = getEnvInt("IM_RATE_LIMIT", 5)
	if err != nil {
		return nil, fmt.Errorf("IM_RATE_LIMIT: %w", err)
	}
	if cfg.RateLimit < 0 {
		return nil, fmt.Errorf("IM_RATE_LIMIT: значение не может быть отрицательным")
	}

	// IM_RATE_WINDOW — скользящее окно rate limit (по умолчанию 60s)
	cfg.RateWindow, err = getEnvDuration("IM_RATE_WINDOW", 60*time.Second)
	if err != nil {
		return nil, fmt.Errorf("IM_RATE_WINDOW: %w", err)
	}

	// IM_LEDGER_RETENTION — срок хранения usage-записей (по умолчанию 0 — бессрочно)
	cfg.LedgerRetention, err = getEnvDuration("IM_LEDGER_RETENTION", 0)
	if err != nil {
		return nil, fmt.Errorf("IM_LEDGER_RETENTION: %w", err)
	}

	// IM_RETENTION_INTERVAL — интервал фоновой очистки ledger (по умолчанию 1h)
	cfg.RetentionInterval, err = getEnvDuration("IM_RETENTION_INTERVAL", time.Hour)
	if err != nil {
		return nil, fmt.Errorf("IM_RETENTION_INTERVAL: %w", err)
	}

	// IM_TLS_CERT / IM_TLS_KEY — опциональные (plain HTTP внутри кластера)
	cfg.TLSCert = getEnvDefault("IM_TLS_CERT", "")
	cfg.TLSKey = getEnvDefault("IM_TLS_KEY", "")
	if (cfg.TLSCert == "") != (cfg.TLSKey == "") {
		return nil, fmt.Errorf("IM_TLS_CERT и IM_TLS_KEY должны задаваться вместе")
	}

	// IM_LOG_LEVEL — уровень логирования (по умолчанию info)
	cfg.LogLevel, err = parseLogLevel(getEnvDefault("IM_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("IM_LOG_LEVEL: %w", err)
	}

	// IM_LOG_FORMAT — формат логов (по умолчанию json)
	cfg.LogFormat = getEnvDefault("IM_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("IM_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	// IM_DEPHEALTH_CHECK_INTERVAL — интервал проверки зависимостей (по умолчанию 15s)
	cfg.DephealthCheckInterval, err = getEnvDuration("IM_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("IM_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}

	// IM_DEPHEALTH_GROUP — имя группы в метриках topologymetrics
	cfg.DephealthGroup = getEnvDefault("IM_DEPHEALTH_GROUP", "image-moderation")

	// IM_SHUTDOWN_TIMEOUT — таймаут graceful shutdown (по умолчанию 5s)
	cfg.ShutdownTimeout, err = getEnvDuration("IM_SHUTDOWN_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("IM_SHUTDOWN_TIMEOUT: %w", err)
	}

	return cfg, nil
}

// DatabaseDSN возвращает строку подключения к PostgreSQL.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword, c.DBSSLMode,
	)
}

// DatabaseURL возвращает URL подключения к PostgreSQL
// (для лейблов topologymetrics, не для подключения).
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%d/%s",
		c.DBHost, c.DBPort, c.DBName,
	)
}

// parseCategories разбирает строку вида "nudity:0.3,drugs:0.5".
// Порядок категорий сохраняется как в строке конфигурации.
func parseCategories(raw string) ([]CategoryConfig, error) {
	parts := strings.Split(raw, ",")
	result := make([]CategoryConfig, 0, len(parts))
	seen := make(map[string]bool)

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		name, thresholdStr, found := strings.Cut(part, ":")
		if !found {
			return nil, fmt.Errorf("некорректный элемент %q, ожидается формат category:threshold", part)
		}
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			return nil, fmt.Errorf("пустое имя категории в элементе %q", part)
		}
		if seen[name] {
			return nil, fmt.Errorf("категория %q указана дважды", name)
		}
		seen[name] = true

		threshold, err := strconv.ParseFloat(strings.TrimSpace(thresholdStr), 64)
		if err != nil {
			return nil, fmt.Errorf("некорректный порог %q для категории %q", thresholdStr, name)
		}
		if threshold < 0 || threshold > 1 {
			return nil, fmt.Errorf("порог категории %q вне диапазона [0,1]: %g", name, threshold)
		}

		result = append(result, CategoryConfig{Name: name, Threshold: threshold})
	}

	if len(result) == 0 {
		return nil, fmt.Errorf("требуется хотя бы одна категория")
	}

	return result, nil
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvInt64 возвращает int64 значение переменной окружения или значение по умолчанию.
func getEnvInt64(key string, defaultVal int64) (int64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h)", val)
	}
	return d, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}
