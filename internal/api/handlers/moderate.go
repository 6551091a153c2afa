// moderate.go — обработчик POST /moderate.
// Принимает multipart-форму с полем file, возвращает вердикт модерации.
package handlers

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	apierrors "github.com/bigkaa/imagemod/internal/api/errors"
	"github.com/bigkaa/imagemod/internal/api/middleware"
	"github.com/bigkaa/imagemod/internal/service"
)

// Moderate — анализ загруженного изображения.
// POST /moderate, multipart/form-data с полем file.
func (h *APIHandler) Moderate(w http.ResponseWriter, r *http.Request) {
	token := middleware.TokenFromContext(r.Context())
	if token == nil {
		apierrors.Unauthorized(w, "Требуется аутентификация")
		return
	}

	// Лимит тела: размер файла плюс накладные расходы multipart.
	r.Body = http.MaxBytesReader(w, r.Body, h.maxFileSize+1<<20)

	file, header, err := r.FormFile("file")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			apierrors.FileTooLarge(w, "Файл превышает максимальный размер")
			return
		}
		apierrors.ValidationError(w, "Отсутствует поле file в multipart-форме")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			apierrors.FileTooLarge(w, "Файл превышает максимальный размер")
			return
		}
		apierrors.ValidationError(w, "Ошибка чтения файла")
		return
	}

	verdict, err := h.moderation.Moderate(r.Context(), token, header.Filename, data)
	if err != nil {
		h.writeModerationError(w, header.Filename, err)
		return
	}

	writeJSON(w, http.StatusOK, verdict)
}

// writeModerationError сопоставляет ошибки оркестратора с HTTP-ответами.
func (h *APIHandler) writeModerationError(w http.ResponseWriter, filename string, err error) {
	err = service.MapError(err)

	var detErr *service.DetectorError
	switch {
	case errors.Is(err, service.ErrInvalidImage):
		apierrors.ValidationError(w, err.Error())
	case errors.Is(err, service.ErrFileTooLarge):
		apierrors.FileTooLarge(w, err.Error())
	case errors.Is(err, service.ErrOverloaded):
		apierrors.Overloaded(w, "Пул детекторов занят, повторите запрос позже")
	case errors.Is(err, service.ErrTimeout):
		apierrors.Timeout(w, "Анализ не уложился в таймаут")
	case errors.As(err, &detErr):
		// Категория в ответе есть, детали исходного сбоя — только в логе.
		h.logger.Error("Сбой детектора",
			slog.String("category", detErr.Category),
			slog.String("filename", filename),
			slog.String("error", detErr.Err.Error()),
		)
		apierrors.DetectorError(w, "Сбой детектора категории "+detErr.Category)
	default:
		h.logger.Error("Ошибка модерации",
			slog.String("filename", filename),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Внутренняя ошибка модерации")
	}
}
