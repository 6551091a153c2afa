// Пакет openapi — встроенный OpenAPI-контракт API.
// Контракт загружается и валидируется при старте (битый контракт —
// ошибка запуска, не сюрприз в рантайме) и отдаётся на /openapi.json.
package openapi

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/getkin/kin-openapi/openapi3"
)

//go:embed openapi.yaml
var specYAML []byte

// Spec — загруженный и проверенный OpenAPI-контракт.
type Spec struct {
	doc  *openapi3.T
	json []byte
}

// Load разбирает встроенный контракт и валидирует его.
func Load(ctx context.Context) (*Spec, error) {
	loader := openapi3.NewLoader()
	loader.Context = ctx

	doc, err := loader.LoadFromData(specYAML)
	if err != nil {
		return nil, fmt.Errorf("ошибка разбора OpenAPI-контракта: %w", err)
	}
	if err := doc.Validate(ctx); err != nil {
		return nil, fmt.Errorf("OpenAPI-контракт не прошёл валидацию: %w", err)
	}

	rendered, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("ошибка сериализации OpenAPI-контракта: %w", err)
	}

	return &Spec{doc: doc, json: rendered}, nil
}

// Doc возвращает разобранный документ.
func (s *Spec) Doc() *openapi3.T {
	return s.doc
}

// Handler отдаёт контракт в JSON.
// GET /openapi.json.
func (s *Spec) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(s.json)
	}
}
