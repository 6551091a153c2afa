// remote.go — HTTP-клиент внешнего инференс-сервиса (model sidecar).
// Подключается через IM_DETECTOR_<CATEGORY>_URL; если URL не задан,
// категория обслуживается пиксельной эвристикой.
package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// remoteResponse — ответ инференс-сервиса.
type remoteResponse struct {
	Confidence float64 `json:"confidence"`
}

// Remote — детектор, делегирующий анализ внешнему HTTP-сервису.
// Контракт: POST <url> с телом image/octet-stream,
// ответ 200 {"confidence": <float в [0,1]>}.
type Remote struct {
	category   string
	url        string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewRemote создаёт удалённый детектор категории.
func NewRemote(category, url string, timeout time.Duration, logger *slog.Logger) *Remote {
	return &Remote{
		category: category,
		url:      url,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger.With(
			slog.String("component", "remote_detector"),
			slog.String("category", category),
		),
	}
}

// URL возвращает адрес инференс-сервиса (для мониторинга зависимостей).
func (d *Remote) URL() string {
	return d.url
}

// Analyze отправляет изображение инференс-сервису и возвращает уверенность.
func (d *Remote) Analyze(ctx context.Context, image []byte) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(image))
	if err != nil {
		return 0, fmt.Errorf("создание запроса к детектору %s: %w", d.category, err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("запрос к детектору %s: %w", d.category, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, fmt.Errorf("детектор %s вернул статус %d: %s", d.category, resp.StatusCode, string(body))
	}

	var parsed remoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return 0, fmt.Errorf("декодирование ответа детектора %s: %w", d.category, err)
	}

	if parsed.Confidence < 0 || parsed.Confidence > 1 {
		return 0, fmt.Errorf("детектор %s вернул уверенность вне [0,1]: %v", d.category, parsed.Confidence)
	}

	d.logger.Debug("Ответ инференс-сервиса получен",
		slog.Float64("confidence", parsed.Confidence),
	)

	return parsed.Confidence, nil
}
