package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bigkaa/imagemod/internal/api/middleware"
	"github.com/bigkaa/imagemod/internal/detector"
	"github.com/bigkaa/imagemod/internal/domain/model"
	"github.com/bigkaa/imagemod/internal/repository/memory"
	"github.com/bigkaa/imagemod/internal/service"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testPNG кодирует одноцветный PNG заданного размера.
func testPNG(t *testing.T, c color.RGBA) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("ошибка кодирования PNG: %v", err)
	}
	return buf.Bytes()
}

func stubDetector(confidence float64) detector.Detector {
	return detector.Func(func(_ context.Context, _ []byte) (float64, error) {
		return confidence, nil
	})
}

// apiFixture — полный HTTP-стек поверх in-memory хранилищ.
type apiFixture struct {
	server *httptest.Server
	tokens *service.TokenService
	usage  *service.UsageService
	admin  *model.Token
	user   *model.Token
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	logger := testLogger()

	tokenStore := memory.NewTokenStore()
	usageStore := memory.NewUsageStore()
	tokens := service.NewTokenService(tokenStore, logger)
	usage := service.NewUsageService(usageStore, tokenStore, logger)

	registry, err := detector.NewRegistry([]detector.Entry{
		{Category: "nudity", Threshold: 0.3, Detector: stubDetector(0.1)},
		{Category: "drugs", Threshold: 0.5, Detector: stubDetector(0.2)},
	})
	if err != nil {
		t.Fatalf("ошибка создания реестра: %v", err)
	}

	moderation := service.NewModerationService(
		registry,
		service.NewAdmissionPool(4, time.Second),
		nil,
		usage,
		1<<20,
		5*time.Second,
		logger,
	)

	health := NewHealthHandler(nil, registry.Len())
	handler := NewAPIHandler(moderation, tokens, usage, health, 1<<20, logger)

	auth := middleware.NewAuth(tokens, logger)
	router := chi.NewRouter()
	handler.Routes(router, RouteOptions{Auth: auth.Middleware()})

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	ctx := context.Background()
	admin, err := tokens.Issue(ctx, true)
	if err != nil {
		t.Fatalf("ошибка выдачи административного токена: %v", err)
	}
	user, err := tokens.Issue(ctx, false)
	if err != nil {
		t.Fatalf("ошибка выдачи токена: %v", err)
	}

	return &apiFixture{server: srv, tokens: tokens, usage: usage, admin: admin, user: user}
}

// doModerate отправляет multipart-запрос POST /moderate.
func (fx *apiFixture) doModerate(t *testing.T, token string, fieldName, filename string, data []byte) *http.Response {
	t.Helper()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile(fieldName, filename)
	if err != nil {
		t.Fatalf("ошибка создания multipart-поля: %v", err)
	}
	if _, err := part.Write(data); err != nil {
		t.Fatalf("ошибка записи файла: %v", err)
	}
	_ = mw.Close()

	req, err := http.NewRequest(http.MethodPost, fx.server.URL+"/moderate", &body)
	if err != nil {
		t.Fatalf("ошибка создания запроса: %v", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := fx.server.Client().Do(req)
	if err != nil {
		t.Fatalf("ошибка выполнения запроса: %v", err)
	}
	return resp
}

func (fx *apiFixture) doJSON(t *testing.T, method, path, token string, body []byte) *http.Response {
	t.Helper()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, fx.server.URL+path, reader)
	if err != nil {
		t.Fatalf("ошибка создания запроса: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := fx.server.Client().Do(req)
	if err != nil {
		t.Fatalf("ошибка выполнения запроса: %v", err)
	}
	return resp
}

func decodeError(t *testing.T, resp *http.Response) (code, message string) {
	t.Helper()
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("ошибка разбора тела ошибки: %v", err)
	}
	return body.Error.Code, body.Error.Message
}

func TestAPI_Moderate(t *testing.T) {
	fx := newAPIFixture(t)

	resp := fx.doModerate(t, fx.user.Value, "file", "cat.png", testPNG(t, color.RGBA{0, 0, 255, 255}))
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("статус = %d, ожидается 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, ожидается application/json", ct)
	}

	var verdict model.Verdict
	if err := json.NewDecoder(resp.Body).Decode(&verdict); err != nil {
		t.Fatalf("ошибка разбора вердикта: %v", err)
	}

	if verdict.Filename != "cat.png" {
		t.Errorf("Filename = %q, ожидается cat.png", verdict.Filename)
	}
	if !verdict.Safe {
		t.Error("вердикт должен быть safe: 0.1 < 0.3 и 0.2 < 0.5")
	}
	if len(verdict.Categories) != 2 {
		t.Fatalf("категорий %d, ожидается 2", len(verdict.Categories))
	}
	if verdict.OverallConfidence != 0.2 {
		t.Errorf("OverallConfidence = %g, ожидается 0.2", verdict.OverallConfidence)
	}
	if verdict.FileSize <= 0 {
		t.Errorf("FileSize = %d, ожидается положительный", verdict.FileSize)
	}

	// Успешный вызов учтён ровно один раз
	token, err := fx.tokens.Get(context.Background(), fx.user.Value)
	if err != nil {
		t.Fatalf("Get вернул ошибку: %v", err)
	}
	if token.UsageCount != 1 {
		t.Errorf("UsageCount = %d, ожидается 1", token.UsageCount)
	}
}

func TestAPI_Moderate_MissingFile(t *testing.T) {
	fx := newAPIFixture(t)

	// multipart с неверным именем поля
	resp := fx.doModerate(t, fx.user.Value, "image", "cat.png", testPNG(t, color.RGBA{0, 0, 255, 255}))
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("статус = %d, ожидается 400", resp.StatusCode)
	}
	if code, _ := decodeError(t, resp); code != "VALIDATION_ERROR" {
		t.Errorf("код ошибки = %q, ожидается VALIDATION_ERROR", code)
	}
}

func TestAPI_Moderate_InvalidImage(t *testing.T) {
	fx := newAPIFixture(t)

	resp := fx.doModerate(t, fx.user.Value, "file", "not-image.txt", []byte("просто текст"))
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("статус = %d, ожидается 400", resp.StatusCode)
	}
	if code, _ := decodeError(t, resp); code != "VALIDATION_ERROR" {
		t.Errorf("код ошибки = %q, ожидается VALIDATION_ERROR", code)
	}

	// Неуспешный вызов не учитывается
	token, err := fx.tokens.Get(context.Background(), fx.user.Value)
	if err != nil {
		t.Fatalf("Get вернул ошибку: %v", err)
	}
	if token.UsageCount != 0 {
		t.Errorf("UsageCount = %d, ожидается 0", token.UsageCount)
	}
}

func TestAPI_Moderate_Unauthorized(t *testing.T) {
	fx := newAPIFixture(t)

	resp := fx.doModerate(t, "", "file", "cat.png", testPNG(t, color.RGBA{0, 0, 255, 255}))
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("статус = %d, ожидается 401", resp.StatusCode)
	}
	if code, _ := decodeError(t, resp); code != "UNAUTHORIZED" {
		t.Errorf("код ошибки = %q, ожидается UNAUTHORIZED", code)
	}
}

func TestAPI_TokenLifecycle(t *testing.T) {
	fx := newAPIFixture(t)

	// Выдача
	resp := fx.doJSON(t, http.MethodPost, "/auth/tokens", fx.admin.Value, []byte(`{"is_admin": false}`))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("POST /auth/tokens: статус = %d, ожидается 201", resp.StatusCode)
	}
	var created model.Token
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("ошибка разбора токена: %v", err)
	}
	resp.Body.Close()
	if created.Value == "" || created.IsAdmin || !created.Active {
		t.Fatalf("созданный токен = %+v, ожидается активный не-админ с непустым значением", created)
	}

	// Список: bootstrap-пара из fixture + новый
	resp = fx.doJSON(t, http.MethodGet, "/auth/tokens", fx.admin.Value, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /auth/tokens: статус = %d, ожидается 200", resp.StatusCode)
	}
	var list struct {
		Tokens []*model.Token `json:"tokens"`
		Total  int            `json:"total"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("ошибка разбора списка: %v", err)
	}
	resp.Body.Close()
	if list.Total != 3 || len(list.Tokens) != 3 {
		t.Fatalf("total = %d (len %d), ожидается 3", list.Total, len(list.Tokens))
	}

	// Отзыв
	resp = fx.doJSON(t, http.MethodDelete, "/auth/tokens/"+created.Value, fx.admin.Value, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("DELETE: статус = %d, ожидается 204", resp.StatusCode)
	}

	// Повторный отзыв — тоже 204
	resp = fx.doJSON(t, http.MethodDelete, "/auth/tokens/"+created.Value, fx.admin.Value, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("повторный DELETE: статус = %d, ожидается 204", resp.StatusCode)
	}

	// Отозванный токен не проходит аутентификацию
	mresp := fx.doModerate(t, created.Value, "file", "x.png", testPNG(t, color.RGBA{0, 0, 255, 255}))
	mresp.Body.Close()
	if mresp.StatusCode != http.StatusUnauthorized {
		t.Errorf("запрос отозванным токеном: статус = %d, ожидается 401", mresp.StatusCode)
	}

	// Отзыв несуществующего токена
	resp = fx.doJSON(t, http.MethodDelete, "/auth/tokens/no-such-token", fx.admin.Value, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("DELETE несуществующего: статус = %d, ожидается 404", resp.StatusCode)
	}
	if code, _ := decodeError(t, resp); code != "NOT_FOUND" {
		t.Errorf("код ошибки = %q, ожидается NOT_FOUND", code)
	}
}

func TestAPI_TokenAdmin_Forbidden(t *testing.T) {
	fx := newAPIFixture(t)

	paths := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/auth/tokens"},
		{http.MethodGet, "/auth/tokens"},
		{http.MethodDelete, "/auth/tokens/" + fx.user.Value},
		{http.MethodGet, "/auth/tokens/" + fx.user.Value + "/usage"},
	}

	for _, p := range paths {
		t.Run(p.method+" "+p.path, func(t *testing.T) {
			resp := fx.doJSON(t, p.method, p.path, fx.user.Value, nil)
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusForbidden {
				t.Fatalf("статус = %d, ожидается 403", resp.StatusCode)
			}
			if code, _ := decodeError(t, resp); code != "FORBIDDEN" {
				t.Errorf("код ошибки = %q, ожидается FORBIDDEN", code)
			}
		})
	}
}

func TestAPI_TokenUsage(t *testing.T) {
	fx := newAPIFixture(t)

	// Два успешных вызова модерации обычным токеном
	for i := 0; i < 2; i++ {
		resp := fx.doModerate(t, fx.user.Value, "file", "x.png", testPNG(t, color.RGBA{0, 0, 255, 255}))
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("модерация #%d: статус = %d", i+1, resp.StatusCode)
		}
	}

	resp := fx.doJSON(t, http.MethodGet, "/auth/tokens/"+fx.user.Value+"/usage", fx.admin.Value, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("статус = %d, ожидается 200", resp.StatusCode)
	}

	var body struct {
		Token      string               `json:"token"`
		UsageCount int64                `json:"usage_count"`
		Records    []*model.UsageRecord `json:"records"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("ошибка разбора журнала: %v", err)
	}

	if body.Token != fx.user.Value {
		t.Errorf("token = %q, ожидается %q", body.Token, fx.user.Value)
	}
	if body.UsageCount != 2 {
		t.Errorf("usage_count = %d, ожидается 2", body.UsageCount)
	}
	if len(body.Records) != 2 {
		t.Fatalf("записей %d, ожидается 2", len(body.Records))
	}
	for _, rec := range body.Records {
		if rec.Endpoint != "/moderate" {
			t.Errorf("endpoint = %q, ожидается /moderate", rec.Endpoint)
		}
		if rec.Safe == nil || !*rec.Safe {
			t.Error("запись модерации должна содержать safe = true")
		}
	}
}

func TestAPI_TokenUsage_InvalidLimit(t *testing.T) {
	fx := newAPIFixture(t)

	for _, raw := range []string{"0", "-5", "1001", "abc"} {
		resp := fx.doJSON(t, http.MethodGet, "/auth/tokens/"+fx.user.Value+"/usage?limit="+raw, fx.admin.Value, nil)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("limit=%s: статус = %d, ожидается 400", raw, resp.StatusCode)
		}
		resp.Body.Close()
	}
}

func TestAPI_AdminCallsAreLedgered(t *testing.T) {
	fx := newAPIFixture(t)

	resp := fx.doJSON(t, http.MethodGet, "/auth/tokens", fx.admin.Value, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("статус = %d, ожидается 200", resp.StatusCode)
	}

	records, err := fx.usage.History(context.Background(), fx.admin.Value, 10)
	if err != nil {
		t.Fatalf("History вернул ошибку: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("записей администратора %d, ожидается 1", len(records))
	}
	if records[0].Endpoint != "/auth/tokens" {
		t.Errorf("endpoint = %q, ожидается /auth/tokens", records[0].Endpoint)
	}
}

func TestAPI_HealthPublic(t *testing.T) {
	fx := newAPIFixture(t)

	// health endpoints доступны без токена
	for _, path := range []string{"/health", "/health/live", "/metrics"} {
		resp := fx.doJSON(t, http.MethodGet, path, "", nil)
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s: статус = %d, ожидается 200", path, resp.StatusCode)
		}
		resp.Body.Close()
	}
}

func TestAPI_HealthReady_NoDatabase(t *testing.T) {
	fx := newAPIFixture(t)

	// pgChecker == nil — readiness обязан деградировать в 503
	resp := fx.doJSON(t, http.MethodGet, "/health/ready", "", nil)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("статус = %d, ожидается 503", resp.StatusCode)
	}
}
