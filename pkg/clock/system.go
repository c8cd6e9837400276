package clock

import (
	"context"
	"time"
)

// SystemClock использует локальные часы как есть: offset зафиксирован в 0,
// обмен с сетью не выполняется. Применяется когда все колонки делят один
// хост (тестовые стенды) или когда внешняя синхронизация недоступна.
type SystemClock struct {
	est ClockEstimate
}

// NewSystemClock создает системный источник времени
func NewSystemClock() *SystemClock {
	return &SystemClock{
		est: ClockEstimate{
			LastSync: time.Now(),
			Valid:    true,
		},
	}
}

// Sync для системных часов тривиален и никогда не отказывает
func (c *SystemClock) Sync(_ context.Context) (ClockEstimate, error) {
	return ClockEstimate{LastSync: time.Now(), Valid: true}, nil
}

// NowNetwork возвращает локальное время без поправок
func (c *SystemClock) NowNetwork() float64 { return localNow() }

// Estimate возвращает нулевую оценку
func (c *SystemClock) Estimate() ClockEstimate { return c.est }

// Stale системные часы не деградируют
func (c *SystemClock) Stale() bool { return false }

// Close освобождать нечего
func (c *SystemClock) Close() error { return nil }
