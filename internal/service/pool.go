// pool.go — пул допуска детекторных задач.
// Ограничивает параллелизм анализа фиксированным числом слотов;
// ожидание слота ограничено по времени, дальше — перегрузка.
package service

import (
	"context"
	"time"
)

// AdmissionPool — ограничитель параллелизма на основе буферизованного канала.
type AdmissionPool struct {
	slots     chan struct{}
	queueWait time.Duration
}

// NewAdmissionPool создаёт пул на workers слотов.
// queueWait — максимальное ожидание свободного слота.
func NewAdmissionPool(workers int, queueWait time.Duration) *AdmissionPool {
	return &AdmissionPool{
		slots:     make(chan struct{}, workers),
		queueWait: queueWait,
	}
}

// Acquire занимает слот пула.
// Возвращает ErrOverloaded, если слот не освободился за queueWait,
// и ошибку контекста при отмене вызова.
func (p *AdmissionPool) Acquire(ctx context.Context) error {
	select {
	case p.slots <- struct{}{}:
		return nil
	default:
	}

	timer := time.NewTimer(p.queueWait)
	defer timer.Stop()

	select {
	case p.slots <- struct{}{}:
		return nil
	case <-timer.C:
		return ErrOverloaded
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release освобождает занятый слот.
func (p *AdmissionPool) Release() {
	<-p.slots
}

// InUse возвращает количество занятых слотов (для диагностики).
func (p *AdmissionPool) InUse() int {
	return len(p.slots)
}
