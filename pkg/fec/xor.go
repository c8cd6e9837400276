// Package fec реализует forward error correction на XOR четности.
//
// Схема: каждые N media пакетов (группа) сопровождаются одним parity пакетом,
// payload которого — побайтовый XOR всех media payload группы, дополненных
// нулями до самого длинного. Потеря ровно одного пакета группы (media или
// parity) восстановима без ретрансмиссии; потеря двух и более — нет, и
// недостающие слоты уходят в concealment.
//
// Границы групп неявные: group = sequence / group_size. Поле group id на
// проводе отсутствует — отправитель и приемник обязаны согласовать размер
// группы out of band.
package fec

import (
	"errors"
	"fmt"
	"time"

	"github.com/arzzra/wavesync/pkg/wire"
)

// MaxGroupSize жесткий предел размера группы.
// Защищает от патологического расхода памяти при ошибочной конфигурации
// или злонамеренном пире.
const MaxGroupSize = 64

// Ошибки FEC кодека
var (
	// ErrGroupTooLarge размер группы превышает жесткий предел
	ErrGroupTooLarge = errors.New("fec: размер группы превышает предел")

	// ErrEmptyGroup пустая группа не кодируется
	ErrEmptyGroup = errors.New("fec: пустая группа")

	// ErrUnrecoverable отсутствует больше одного слота
	ErrUnrecoverable = errors.New("fec: группа невосстановима")

	// ErrNoLossToRecover все слоты на месте, восстанавливать нечего
	ErrNoLossToRecover = errors.New("fec: нет потерь для восстановления")
)

// Config конфигурация FEC слоя
type Config struct {
	// GroupSize число media пакетов на один parity пакет.
	// Обязан делить 65536 (степень двойки): границы групп выводятся как
	// sequence / GroupSize, и после wrap счетчика sequence границы
	// отправителя и приемника иначе навсегда разъезжаются.
	GroupSize int

	// GroupTimeout сколько держать неполную группу до признания потерь.
	// Должен покрывать окно реордеринга сети, но оставаться меньше
	// задержки jitter buffer, иначе восстановление опоздает к playout.
	GroupTimeout time.Duration
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		GroupSize:    8,
		GroupTimeout: 60 * time.Millisecond,
	}
}

// Validate проверяет конфигурацию
func (c Config) Validate() error {
	if c.GroupSize <= 0 {
		return fmt.Errorf("fec: GroupSize должен быть положительным")
	}
	if c.GroupSize > MaxGroupSize {
		return fmt.Errorf("%w: %d > %d", ErrGroupTooLarge, c.GroupSize, MaxGroupSize)
	}
	if 65536%c.GroupSize != 0 {
		return fmt.Errorf("fec: GroupSize %d должен делить 65536 (степень двойки)", c.GroupSize)
	}
	if c.GroupTimeout <= 0 {
		return fmt.Errorf("fec: GroupTimeout должен быть положительным")
	}
	return nil
}

// EncodeGroup строит parity пакет для группы media пакетов.
//
// Parity наследует Sequence/Timestamp/SourceID первого пакета группы:
// приемник выводит принадлежность группе из sequence, собственный номер
// parity пакету не нужен.
func EncodeGroup(media []*wire.Packet) (*wire.Packet, error) {
	if len(media) == 0 {
		return nil, ErrEmptyGroup
	}
	if len(media) > MaxGroupSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrGroupTooLarge, len(media), MaxGroupSize)
	}

	maxLen := 0
	for _, p := range media {
		if len(p.Payload) > maxLen {
			maxLen = len(p.Payload)
		}
	}

	parity := make([]byte, maxLen)
	for _, p := range media {
		xorInto(parity, p.Payload)
	}

	return &wire.Packet{
		Sequence:    media[0].Sequence,
		Timestamp:   media[0].Timestamp,
		SourceID:    media[0].SourceID,
		PayloadType: wire.PayloadTypeParity,
		Payload:     parity,
	}, nil
}

// Recover восстанавливает единственный отсутствующий media пакет группы.
//
// media — позиционный срез группы, nil в позиции отсутствующего пакета;
// позиция i соответствует sequence = base + i, где base — первый номер
// группы. Ошибки:
//   - ErrUnrecoverable: отсутствует больше одного слота
//   - ErrNoLossToRecover: все слоты на месте
//
// Timestamp восстановленного пакета интерполируется по соседям (шаг
// timestamp на пакет постоянен внутри потока); при единственном media
// пакете в группе берется timestamp parity.
func Recover(media []*wire.Packet, parity *wire.Packet) (*wire.Packet, error) {
	if len(media) > MaxGroupSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrGroupTooLarge, len(media), MaxGroupSize)
	}

	missing := -1
	for i, p := range media {
		if p == nil {
			if missing >= 0 {
				return nil, ErrUnrecoverable
			}
			missing = i
		}
	}
	if missing < 0 {
		return nil, ErrNoLossToRecover
	}

	payload := make([]byte, len(parity.Payload))
	copy(payload, parity.Payload)
	for _, p := range media {
		if p != nil {
			xorInto(payload, p.Payload)
		}
	}

	rec := &wire.Packet{
		Sequence:    parity.Sequence + uint16(missing), // wrap арифметика uint16
		Timestamp:   parity.Timestamp,
		SourceID:    parity.SourceID,
		PayloadType: wire.PayloadTypeMedia,
		Payload:     payload,
	}

	// Интерполяция timestamp по двум присутствующим соседям
	var a, b *wire.Packet
	var ai, bi int
	for i, p := range media {
		if p == nil {
			continue
		}
		if a == nil {
			a, ai = p, i
		} else {
			b, bi = p, i
			break
		}
	}
	if a != nil && b != nil {
		step := wire.TimestampDiff(a.Timestamp, b.Timestamp) / int64(bi-ai)
		rec.Timestamp = uint32(int64(a.Timestamp) + step*int64(missing-ai))
	} else if a != nil {
		rec.Timestamp = a.Timestamp
	}

	return rec, nil
}

// xorInto выполняет dst ^= src по длине src (dst не короче src)
func xorInto(dst, src []byte) {
	for i, b := range src {
		dst[i] ^= b
	}
}
