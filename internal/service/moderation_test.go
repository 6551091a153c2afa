package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bigkaa/imagemod/internal/detector"
	"github.com/bigkaa/imagemod/internal/domain/model"
	"github.com/bigkaa/imagemod/internal/repository/memory"
)

// testPNG — валидное PNG-изображение для прогона через валидацию.
func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, color.RGBA{R: 100, G: 100, B: 100, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("ошибка кодирования PNG: %v", err)
	}
	return buf.Bytes()
}

// moderationFixture — собранный оркестратор поверх in-memory хранилищ.
type moderationFixture struct {
	svc    *ModerationService
	tokens *memory.TokenStore
	usage  *memory.UsageStore
	token  *model.Token
}

// newModerationFixture собирает оркестратор с указанными детекторами.
// entries задаются как (категория, порог, детектор).
func newModerationFixture(t *testing.T, entries []detector.Entry, opts ...func(*ModerationService)) *moderationFixture {
	t.Helper()

	registry, err := detector.NewRegistry(entries)
	if err != nil {
		t.Fatalf("ошибка сборки реестра: %v", err)
	}

	tokenStore := memory.NewTokenStore()
	usageStore := memory.NewUsageStore()
	usageSvc := NewUsageService(usageStore, tokenStore, testLogger())

	svc := NewModerationService(
		registry,
		NewAdmissionPool(4, time.Second),
		nil, // кэш по умолчанию выключен, включается в отдельных тестах
		usageSvc,
		1<<20,
		5*time.Second,
		testLogger(),
	)
	for _, opt := range opts {
		opt(svc)
	}

	tokenSvc := NewTokenService(tokenStore, testLogger())
	token, err := tokenSvc.Issue(context.Background(), false)
	if err != nil {
		t.Fatalf("ошибка выдачи тестового токена: %v", err)
	}

	return &moderationFixture{svc: svc, tokens: tokenStore, usage: usageStore, token: token}
}

func TestModerate_SafeVerdict(t *testing.T) {
	fx := newModerationFixture(t, []detector.Entry{
		{Category: "nudity", Threshold: 0.3, Detector: stub(0.1)},
		{Category: "drugs", Threshold: 0.5, Detector: stub(0.2)},
	})

	verdict, err := fx.svc.Moderate(context.Background(), fx.token, "cat.png", testPNG(t))
	if err != nil {
		t.Fatalf("Moderate вернул ошибку: %v", err)
	}

	if !verdict.Safe {
		t.Error("вердикт должен быть safe")
	}
	if verdict.OverallConfidence != 0.2 {
		t.Errorf("OverallConfidence = %g, ожидается 0.2", verdict.OverallConfidence)
	}
	if len(verdict.Categories) != 2 {
		t.Fatalf("len(Categories) = %d, ожидается 2", len(verdict.Categories))
	}
	// Порядок категорий повторяет порядок реестра
	if verdict.Categories[0].Category != "nudity" || verdict.Categories[1].Category != "drugs" {
		t.Errorf("порядок категорий нарушен: %v", verdict.Categories)
	}
}

func TestModerate_FlaggedAtThreshold(t *testing.T) {
	// Уверенность ровно на пороге — категория срабатывает (граница включительная)
	fx := newModerationFixture(t, []detector.Entry{
		{Category: "nudity", Threshold: 0.3, Detector: stub(0.3)},
	})

	verdict, err := fx.svc.Moderate(context.Background(), fx.token, "img.png", testPNG(t))
	if err != nil {
		t.Fatalf("Moderate вернул ошибку: %v", err)
	}

	if verdict.Safe {
		t.Error("вердикт с уверенностью на пороге не должен быть safe")
	}
	if !verdict.Categories[0].Flagged {
		t.Error("категория с confidence == threshold должна быть flagged")
	}
}

func TestModerate_AccountingOnSuccess(t *testing.T) {
	fx := newModerationFixture(t, []detector.Entry{
		{Category: "nudity", Threshold: 0.3, Detector: stub(0.1)},
	})
	ctx := context.Background()

	if _, err := fx.svc.Moderate(ctx, fx.token, "img.png", testPNG(t)); err != nil {
		t.Fatalf("Moderate вернул ошибку: %v", err)
	}

	// Ровно одна запись журнала
	if fx.usage.Len() != 1 {
		t.Errorf("записей журнала = %d, ожидается 1", fx.usage.Len())
	}
	records, _ := fx.usage.ListByToken(ctx, fx.token.Value, 10)
	if records[0].Endpoint != "/moderate" {
		t.Errorf("Endpoint = %q, ожидается /moderate", records[0].Endpoint)
	}
	if records[0].Filename != "img.png" {
		t.Errorf("Filename = %q, ожидается img.png", records[0].Filename)
	}
	if records[0].Safe == nil || !*records[0].Safe {
		t.Error("запись журнала должна содержать safe=true")
	}

	// Ровно один инкремент счётчика
	stored, _ := fx.tokens.GetByValue(ctx, fx.token.Value)
	if stored.UsageCount != 1 {
		t.Errorf("UsageCount = %d, ожидается 1", stored.UsageCount)
	}
	if stored.LastUsedAt == nil {
		t.Error("LastUsedAt не обновлён")
	}
}

func TestModerate_FailClosed(t *testing.T) {
	// Один из детекторов падает — вердикт не выносится вовсе
	fx := newModerationFixture(t, []detector.Entry{
		{Category: "nudity", Threshold: 0.3, Detector: stub(0.1)},
		{Category: "drugs", Threshold: 0.5, Detector: failing("модель недоступна")},
	})
	ctx := context.Background()

	_, err := fx.svc.Moderate(ctx, fx.token, "img.png", testPNG(t))
	var detErr *DetectorError
	if !errors.As(err, &detErr) {
		t.Fatalf("err = %v, ожидается DetectorError", err)
	}
	if detErr.Category != "drugs" {
		t.Errorf("Category = %q, ожидается drugs", detErr.Category)
	}

	// Неуспешный вызов не попадает в учёт
	if fx.usage.Len() != 0 {
		t.Errorf("записей журнала = %d, ожидается 0", fx.usage.Len())
	}
	stored, _ := fx.tokens.GetByValue(ctx, fx.token.Value)
	if stored.UsageCount != 0 {
		t.Errorf("UsageCount = %d, ожидается 0", stored.UsageCount)
	}
}

func TestModerate_ConfidenceOutOfRange(t *testing.T) {
	fx := newModerationFixture(t, []detector.Entry{
		{Category: "nudity", Threshold: 0.3, Detector: stub(1.2)},
	})

	_, err := fx.svc.Moderate(context.Background(), fx.token, "img.png", testPNG(t))
	var detErr *DetectorError
	if !errors.As(err, &detErr) {
		t.Fatalf("err = %v, ожидается DetectorError при уверенности вне [0,1]", err)
	}
}

func TestModerate_InvalidImage(t *testing.T) {
	fx := newModerationFixture(t, []detector.Entry{
		{Category: "nudity", Threshold: 0.3, Detector: stub(0.1)},
	})
	ctx := context.Background()

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"пустой файл", nil, ErrInvalidImage},
		{"не изображение", []byte("просто текст"), ErrInvalidImage},
		{"превышение размера", make([]byte, 2<<20), ErrFileTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := fx.svc.Moderate(ctx, fx.token, "bad.bin", tt.data)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, ожидается %v", err, tt.want)
			}
		})
	}

	// Валидация отклоняет до запуска детекторов — учёта нет
	if fx.usage.Len() != 0 {
		t.Errorf("записей журнала = %d, ожидается 0", fx.usage.Len())
	}
}

func TestModerate_Overload(t *testing.T) {
	blocker := make(chan struct{})
	fx := newModerationFixture(t, []detector.Entry{
		{Category: "nudity", Threshold: 0.3, Detector: blocking(blocker, 0.1)},
	})
	// Один слот, минимальное ожидание
	fx.svc.pool = NewAdmissionPool(1, 20*time.Millisecond)

	// Занимаем единственный слот
	if err := fx.svc.pool.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire вернул ошибку: %v", err)
	}
	defer fx.svc.pool.Release()

	_, err := fx.svc.Moderate(context.Background(), fx.token, "img.png", testPNG(t))
	if !errors.Is(err, ErrOverloaded) {
		t.Fatalf("err = %v, ожидается ErrOverloaded", err)
	}

	// Перегруженный вызов не попадает в учёт
	if fx.usage.Len() != 0 {
		t.Errorf("записей журнала = %d, ожидается 0", fx.usage.Len())
	}
	close(blocker)
}

func TestModerate_Timeout(t *testing.T) {
	fx := newModerationFixture(t, []detector.Entry{
		{Category: "nudity", Threshold: 0.3, Detector: detector.Func(
			func(ctx context.Context, _ []byte) (float64, error) {
				<-ctx.Done()
				return 0, ctx.Err()
			})},
	})
	fx.svc.timeout = 50 * time.Millisecond
	ctx := context.Background()

	_, err := fx.svc.Moderate(ctx, fx.token, "img.png", testPNG(t))
	if !errors.Is(MapError(err), ErrTimeout) {
		t.Fatalf("err = %v, ожидается таймаут", err)
	}

	// Таймаут не попадает в учёт
	if fx.usage.Len() != 0 {
		t.Errorf("записей журнала = %d, ожидается 0", fx.usage.Len())
	}
	stored, _ := fx.tokens.GetByValue(ctx, fx.token.Value)
	if stored.UsageCount != 0 {
		t.Errorf("UsageCount = %d, ожидается 0", stored.UsageCount)
	}
}

func TestModerate_ConcurrentAccounting(t *testing.T) {
	// 50 конкурентных вызовов — ровно 50 записей и счётчик 50, без потерь
	fx := newModerationFixture(t, []detector.Entry{
		{Category: "nudity", Threshold: 0.3, Detector: stub(0.1)},
		{Category: "drugs", Threshold: 0.5, Detector: stub(0.2)},
	})
	ctx := context.Background()
	img := testPNG(t)

	const calls = 50
	var wg sync.WaitGroup
	errCh := make(chan error, calls)

	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := fx.svc.Moderate(ctx, fx.token, "img.png", img); err != nil {
				errCh <- err
			}
		}()
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		t.Fatalf("конкурентный Moderate вернул ошибку: %v", err)
	}

	if fx.usage.Len() != calls {
		t.Errorf("записей журнала = %d, ожидается %d", fx.usage.Len(), calls)
	}
	stored, _ := fx.tokens.GetByValue(ctx, fx.token.Value)
	if stored.UsageCount != calls {
		t.Errorf("UsageCount = %d, ожидается %d", stored.UsageCount, calls)
	}
}

func TestModerate_CacheShortCircuit(t *testing.T) {
	var invocations atomic.Int64
	counting := detector.Func(func(_ context.Context, _ []byte) (float64, error) {
		invocations.Add(1)
		return 0.1, nil
	})

	fx := newModerationFixture(t, []detector.Entry{
		{Category: "nudity", Threshold: 0.3, Detector: counting},
	})
	fx.svc.cache = NewVerdictCache(16, time.Minute)
	ctx := context.Background()
	img := testPNG(t)

	if _, err := fx.svc.Moderate(ctx, fx.token, "a.png", img); err != nil {
		t.Fatalf("первый Moderate вернул ошибку: %v", err)
	}
	if _, err := fx.svc.Moderate(ctx, fx.token, "b.png", img); err != nil {
		t.Fatalf("второй Moderate вернул ошибку: %v", err)
	}

	// Детектор отработал только на первом вызове
	if got := invocations.Load(); got != 1 {
		t.Errorf("вызовов детектора = %d, ожидается 1 (второй из кэша)", got)
	}

	// Учёт при этом идёт на каждый вызов
	if fx.usage.Len() != 2 {
		t.Errorf("записей журнала = %d, ожидается 2", fx.usage.Len())
	}
	stored, _ := fx.tokens.GetByValue(ctx, fx.token.Value)
	if stored.UsageCount != 2 {
		t.Errorf("UsageCount = %d, ожидается 2", stored.UsageCount)
	}
}

// --- Вспомогательные детекторы ---

// stub возвращает фиксированную уверенность.
func stub(confidence float64) detector.Detector {
	return detector.Func(func(_ context.Context, _ []byte) (float64, error) {
		return confidence, nil
	})
}

// failing всегда возвращает ошибку.
func failing(msg string) detector.Detector {
	return detector.Func(func(_ context.Context, _ []byte) (float64, error) {
		return 0, fmt.Errorf("%s", msg)
	})
}

// blocking ждёт закрытия канала или отмены контекста.
func blocking(release <-chan struct{}, confidence float64) detector.Detector {
	return detector.Func(func(ctx context.Context, _ []byte) (float64, error) {
		select {
		case <-release:
			return confidence, nil
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	})
}
