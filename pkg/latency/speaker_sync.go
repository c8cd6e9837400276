// Package latency реализует компенсацию задержки отдельной колонки.
//
// Каждая колонка выравнивает собственное playout время к общему
// session reference времени. Целевое смещение кадра:
//
//	release = session_reference_time + configured_delay − clock_offset
//
// configured_delay приходит из калибровки (акустическая разница путей),
// clock_offset — из источника времени (сетевые и процессинговые различия
// тракта этой колонки относительно референса).
//
// Изменения компенсации применяются slew-ом — ограниченной скоростью
// в мс на секунду — чтобы не порождать слышимых артефактов высоты тона
// от резкой передискретизации. Скачок разрешен только когда расхождение
// превышает жесткий порог: короткий mute с ресинком лучше слышимого
// глитча. Оба параметра настраиваемые: целевой допуск системы ужесточается
// со временем, константы в коде его бы зафиксировали.
//
// При stale оценке времени компенсация замораживается на последнем
// известно-хорошем значении и выставляется флаг деградации для control
// plane — дрейфовать на плохих данных хуже, чем стоять на месте.
package latency

import (
	"fmt"
	"sync"
	"time"

	"github.com/arzzra/wavesync/pkg/clock"
)

// Config конфигурация компенсации
type Config struct {
	// SlewRate максимальная скорость изменения компенсации
	// (наносекунд компенсации на секунду реального времени)
	SlewRate time.Duration

	// HardStepThreshold расхождение, при котором slew заменяется скачком
	HardStepThreshold time.Duration

	// MuteDuration длительность mute после жесткого скачка
	MuteDuration time.Duration
}

// DefaultConfig возвращает конфигурацию по умолчанию: slew 1 мс/с,
// жесткий порог 50 мс
func DefaultConfig() Config {
	return Config{
		SlewRate:          time.Millisecond,
		HardStepThreshold: 50 * time.Millisecond,
		MuteDuration:      120 * time.Millisecond,
	}
}

// Validate проверяет конфигурацию
func (c Config) Validate() error {
	if c.SlewRate <= 0 {
		return fmt.Errorf("latency: SlewRate должен быть положительным")
	}
	if c.HardStepThreshold <= 0 {
		return fmt.Errorf("latency: HardStepThreshold должен быть положительным")
	}
	if c.MuteDuration < 0 {
		return fmt.Errorf("latency: MuteDuration не может быть отрицательным")
	}
	return nil
}

// SpeakerSync состояние компенсации одной колонки.
//
// Уничтожается при отключении колонки; при переподключении создается
// заново без переноса накопленной компенсации — характеристики сетевого
// пути могли измениться.
type SpeakerSync struct {
	cfg       Config
	speakerID string

	mu              sync.Mutex
	configuredDelay time.Duration
	compensation    time.Duration
	initialized     bool
	lastUpdate      time.Time
	degraded        bool
	muteUntil       time.Time
	hardSteps       uint64
}

// NewSpeakerSync создает состояние компенсации колонки
func NewSpeakerSync(speakerID string, configuredDelay time.Duration, cfg Config) (*SpeakerSync, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &SpeakerSync{
		cfg:             cfg,
		speakerID:       speakerID,
		configuredDelay: configuredDelay,
	}, nil
}

// SpeakerID идентификатор колонки
func (s *SpeakerSync) SpeakerID() string { return s.speakerID }

// SetConfiguredDelay обновляет калибровочную задержку mid-stream.
// Изменение дойдет до компенсации через обычный slew механизм.
func (s *SpeakerSync) SetConfiguredDelay(d time.Duration) {
	s.mu.Lock()
	s.configuredDelay = d
	s.mu.Unlock()
}

// ConfiguredDelay текущая калибровочная задержка
func (s *SpeakerSync) ConfiguredDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.configuredDelay
}

// Update пересчитывает компенсацию по свежей оценке времени.
//
// stale=true замораживает компенсацию на последнем известно-хорошем
// значении и включает флаг деградации. Иначе цель движется slew-ом;
// расхождение сверх HardStepThreshold применяется скачком с коротким mute.
func (s *SpeakerSync) Update(now time.Time, est clock.ClockEstimate, stale bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if stale {
		// Замораживаем: дрейф на плохих данных хуже стояния на месте
		s.degraded = true
		s.lastUpdate = now
		return
	}
	if !est.Valid {
		// Оценки еще не было; деградацией это не считается
		s.lastUpdate = now
		return
	}
	s.degraded = false

	offset := time.Duration(est.Project(now) * float64(time.Second))
	target := s.configuredDelay - offset

	if !s.initialized {
		s.compensation = target
		s.initialized = true
		s.lastUpdate = now
		return
	}

	delta := target - s.compensation
	if delta == 0 {
		s.lastUpdate = now
		return
	}

	if abs(delta) >= s.cfg.HardStepThreshold {
		s.compensation = target
		s.muteUntil = now.Add(s.cfg.MuteDuration)
		s.hardSteps++
		s.lastUpdate = now
		return
	}

	elapsed := now.Sub(s.lastUpdate)
	if elapsed <= 0 {
		return
	}
	maxStep := time.Duration(float64(s.cfg.SlewRate) * elapsed.Seconds())
	if delta > maxStep {
		delta = maxStep
	} else if delta < -maxStep {
		delta = -maxStep
	}
	s.compensation += delta
	s.lastUpdate = now
}

// Compensation текущее применяемое смещение playout
func (s *SpeakerSync) Compensation() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.compensation
}

// ReleaseTime целевое время выдачи кадра с номинальным временем ref
func (s *SpeakerSync) ReleaseTime(ref time.Time) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ref.Add(s.compensation)
}

// Muted сообщает, идет ли mute окно после жесткого скачка
func (s *SpeakerSync) Muted(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Before(s.muteUntil)
}

// Degraded флаг "sync degraded" для control plane
func (s *SpeakerSync) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// HardSteps число жестких скачков за время жизни состояния
func (s *SpeakerSync) HardSteps() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hardSteps
}

func abs(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
