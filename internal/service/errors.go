// errors.go — ошибки сервисного слоя.
// HTTP-граница (handlers, middleware) сопоставляет их с кодами ответов,
// сервисы оперируют только этими значениями.
package service

import (
	"errors"
	"fmt"
)

var (
	// ErrTokenNotFound — токен не существует.
	ErrTokenNotFound = errors.New("токен не найден")
	// ErrTokenRevoked — токен существует, но отозван.
	// Отличается от ErrTokenNotFound: оба дают 401, но с разными сообщениями.
	ErrTokenRevoked = errors.New("токен отозван")
	// ErrAdminRequired — операция требует административного токена.
	ErrAdminRequired = errors.New("требуется административный токен")
	// ErrRateLimited — превышен лимит запросов токена в скользящем окне.
	ErrRateLimited = errors.New("превышен лимит запросов")
	// ErrOverloaded — пул детекторов занят дольше допустимого ожидания.
	ErrOverloaded = errors.New("сервис перегружен")
	// ErrTimeout — модерация не уложилась в таймаут.
	ErrTimeout = errors.New("превышен таймаут анализа")
	// ErrInvalidImage — изображение не декодируется или пустое.
	ErrInvalidImage = errors.New("некорректное изображение")
	// ErrFileTooLarge — изображение превышает лимит размера.
	ErrFileTooLarge = errors.New("файл превышает максимальный размер")
)

// DetectorError — сбой конкретного детектора.
// Вердикт при таком сбое не выносится (fail-closed).
type DetectorError struct {
	// Category — категория отказавшего детектора
	Category string
	// Err — исходная ошибка
	Err error
}

func (e *DetectorError) Error() string {
	return fmt.Sprintf("сбой детектора %s: %v", e.Category, e.Err)
}

func (e *DetectorError) Unwrap() error {
	return e.Err
}
