// Package clock реализует источники сетевого времени для синхронизации
// воспроизведения между колонками.
//
// Архитектура основана на принципе закрытого набора вариантов:
//   - SystemClock: локальные монотонные часы, offset всегда 0
//   - NTPClock: периодический request/response обмен с NTP пиром (SNTP, RFC 4330)
//   - PTPClock: упрощенный two-step профиль sync/follow-up
//
// Каждый источник поддерживает ClockEstimate — оценку соотношения локального
// и сетевого времени с компенсацией round-trip задержки и проекцией дрейфа
// (skew). Проекция дрейфа позволяет держать интервал синхронизации много
// длиннее периода пакета без потери точности.
//
// Семантика отказов: неудачный обмен НЕ трогает предыдущую оценку. После
// настроенного числа подряд неудач оценка помечается stale — потребитель
// (транспортная сессия) расширяет jitter buffer и замораживает компенсацию
// вместо остановки стрима.
package clock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Ошибки синхронизации
var (
	// ErrSyncTimeout обмен не завершился за отведенное время
	ErrSyncTimeout = errors.New("clock: таймаут обмена синхронизации")

	// ErrSyncMalformed ответ пира не разбирается или не проходит валидацию
	ErrSyncMalformed = errors.New("clock: некорректный ответ пира")

	// ErrClockClosed источник времени закрыт
	ErrClockClosed = errors.New("clock: источник закрыт")
)

// Kind определяет вариант источника времени
type Kind int

const (
	KindSystem Kind = iota // Локальные часы, без сетевого обмена
	KindNTP                // NTP (SNTP) клиент
	KindPTP                // Упрощенный PTP two-step клиент
)

func (k Kind) String() string {
	switch k {
	case KindSystem:
		return "system"
	case KindNTP:
		return "ntp"
	case KindPTP:
		return "ptp"
	default:
		return "unknown"
	}
}

// ClockEstimate описывает соотношение локального и сетевого времени.
// Мутируется только владеющим ClockSource при обмене; для всех остальных
// компонентов read-only снимок.
type ClockEstimate struct {
	Offset   float64   // network_time − local_time, секунды
	SkewPPM  float64   // Скорость дрейфа, parts-per-million
	Delay    float64   // Round-trip задержка последнего обмена, секунды
	LastSync time.Time // Момент последнего успешного обмена
	Valid    bool      // false до первого успешного обмена
}

// Project возвращает offset с проекцией дрейфа на момент now
func (e ClockEstimate) Project(now time.Time) float64 {
	if !e.Valid {
		return e.Offset
	}
	elapsed := now.Sub(e.LastSync).Seconds()
	return e.Offset + e.SkewPPM*elapsed/1e6
}

// ClockSource абстракция источника сетевого времени.
//
// Контракт:
//   - Sync выполняет один обмен; при ошибке предыдущая оценка не меняется
//   - NowNetwork всегда возвращает определенное значение (никогда NaN),
//     даже если синхронизация еще не выполнялась или давно отказывает
//   - Stale сигнализирует деградацию после подряд идущих неудач
type ClockSource interface {
	Sync(ctx context.Context) (ClockEstimate, error)
	NowNetwork() float64
	Estimate() ClockEstimate
	Stale() bool
	Close() error
}

// Config конфигурация источника времени
type Config struct {
	Kind        Kind          // Вариант источника
	Peer        string        // Адрес пира для NTP/PTP (host:port)
	Timeout     time.Duration // Таймаут одного обмена
	MaxFailures int           // Подряд неудач до пометки stale
	MaxAge      time.Duration // Максимальный возраст оценки до stale
	SkewAlpha   float64       // Коэффициент EWMA сглаживания skew (0..1)
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		Kind:        KindSystem,
		Timeout:     500 * time.Millisecond,
		MaxFailures: 5,
		MaxAge:      30 * time.Second,
		SkewAlpha:   0.1,
	}
}

// Validate проверяет конфигурацию
func (c Config) Validate() error {
	if c.Kind != KindSystem && c.Peer == "" {
		return fmt.Errorf("clock: для %s требуется адрес пира", c.Kind)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("clock: таймаут должен быть положительным")
	}
	if c.MaxFailures <= 0 {
		return fmt.Errorf("clock: MaxFailures должен быть положительным")
	}
	if c.SkewAlpha < 0 || c.SkewAlpha > 1 {
		return fmt.Errorf("clock: SkewAlpha вне диапазона [0,1]")
	}
	return nil
}

// New создает источник времени согласно конфигурации
func New(cfg Config) (ClockSource, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Kind {
	case KindSystem:
		return NewSystemClock(), nil
	case KindNTP:
		return NewNTPClock(cfg)
	case KindPTP:
		return NewPTPClock(cfg)
	default:
		return nil, fmt.Errorf("clock: неизвестный вариант %d", cfg.Kind)
	}
}

// localNow возвращает локальное время в секундах unix эпохи.
// time.Now в Go несет монотонную компоненту, поэтому разности корректны
// даже при скачках wall-clock.
func localNow() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// estimateState общее состояние оценки для сетевых источников.
// Потокобезопасно: Sync пишет, остальные читают под RLock.
type estimateState struct {
	mu       sync.RWMutex
	est      ClockEstimate
	failures int
	cfg      Config

	// Предыдущий сэмпл для инкрементальной оценки skew
	prevOffset    float64
	prevLocalTime float64
	haveSample    bool
}

func newEstimateState(cfg Config) *estimateState {
	return &estimateState{cfg: cfg}
}

// recordSuccess фиксирует успешный обмен и обновляет оценку skew
func (s *estimateState) recordSuccess(offset, delay float64) ClockEstimate {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	local := localNow()

	skew := s.est.SkewPPM
	if s.haveSample {
		dt := local - s.prevLocalTime
		if dt > 0.1 {
			inst := (offset - s.prevOffset) / dt * 1e6
			// EWMA сглаживание: одиночный шумный сэмпл не должен
			// раскачивать проекцию дрейфа
			skew = (1-s.cfg.SkewAlpha)*skew + s.cfg.SkewAlpha*inst
		}
	}

	s.est = ClockEstimate{
		Offset:   offset,
		SkewPPM:  skew,
		Delay:    delay,
		LastSync: now,
		Valid:    true,
	}
	s.failures = 0
	s.prevOffset = offset
	s.prevLocalTime = local
	s.haveSample = true
	return s.est
}

// recordFailure считает подряд идущие неудачи, оценку не трогает
func (s *estimateState) recordFailure() {
	s.mu.Lock()
	s.failures++
	s.mu.Unlock()
}

func (s *estimateState) estimate() ClockEstimate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.est
}

func (s *estimateState) stale() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failures >= s.cfg.MaxFailures {
		return true
	}
	if s.est.Valid && s.cfg.MaxAge > 0 && time.Since(s.est.LastSync) > s.cfg.MaxAge {
		return true
	}
	return false
}

// nowNetwork локальное время плюс спроецированный offset
func (s *estimateState) nowNetwork() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return localNow() + s.est.Project(time.Now())
}
