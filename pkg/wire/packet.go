// Package wire реализует бинарный формат пакетов транспортного слоя.
//
// Формат спроектирован по образцу RTP (RFC 3550), но упрощен до минимума,
// необходимого для синхронного аудио стриминга:
//   - Фиксированный заголовок 12 байт
//   - Все целочисленные поля в network byte order (big-endian)
//   - Payload непрозрачен для этого слоя
//
// Структура заголовка:
//
//	0               1               2               3
//	+---------------+---------------+-------------------------------+
//	| version/flags | payload type  |           sequence            |
//	+---------------+---------------+-------------------------------+
//	|                           timestamp                           |
//	+---------------------------------------------------------------+
//	|                           source id                           |
//	+---------------------------------------------------------------+
//
// Пакет не имеет побочных эффектов: Marshal/Unmarshal — чистые преобразования,
// полностью обратимые для любого валидного пакета.
package wire

import (
	"encoding/binary"
	"fmt"
)

// Константы формата пакета
const (
	// HeaderSize фиксированный размер заголовка в байтах
	HeaderSize = 12

	// ProtocolVersion текущая версия протокола (старшие 4 бита version/flags)
	ProtocolVersion = 1

	// MaxPacketSize максимальный размер пакета (MTU limit)
	MaxPacketSize = 1500

	// MaxPayloadSize максимальный размер payload в одном пакете
	MaxPayloadSize = MaxPacketSize - HeaderSize
)

// PayloadType определяет интерпретацию payload пакета
type PayloadType uint8

const (
	// PayloadTypeMedia пакет с аудио данными
	PayloadTypeMedia PayloadType = 0
	// PayloadTypeParity FEC пакет с XOR четностью группы
	PayloadTypeParity PayloadType = 1
)

func (pt PayloadType) String() string {
	switch pt {
	case PayloadTypeMedia:
		return "media"
	case PayloadTypeParity:
		return "parity"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(pt))
	}
}

// Packet представляет одну сетевую датаграмму транспортного слоя.
//
// Sequence и Timestamp используют wrap-around арифметику (uint16/uint32),
// сравнение выполняется через SeqBefore/SeqDiff, никогда напрямую.
type Packet struct {
	Sequence    uint16      // Номер пакета, wrap на 65536
	Timestamp   uint32      // Медиа часы отправителя в сэмплах, wrap
	SourceID    uint32      // Идентификатор логического потока
	PayloadType PayloadType // Media или Parity
	Payload     []byte      // Непрозрачные данные
}

// Marshal сериализует пакет в бинарный формат.
// Возвращает новый слайс: заголовок 12 байт + payload.
func (p *Packet) Marshal() []byte {
	buf := make([]byte, HeaderSize+len(p.Payload))
	buf[0] = ProtocolVersion << 4
	buf[1] = uint8(p.PayloadType)
	binary.BigEndian.PutUint16(buf[2:4], p.Sequence)
	binary.BigEndian.PutUint32(buf[4:8], p.Timestamp)
	binary.BigEndian.PutUint32(buf[8:12], p.SourceID)
	copy(buf[HeaderSize:], p.Payload)
	return buf
}

// Unmarshal разбирает бинарные данные в пакет.
//
// Безопасен для враждебного ввода: каждый индекс проверяется до использования,
// функция никогда не паникует. Ошибки:
//   - ErrTruncated: данных меньше 12 байт
//   - ErrUnknownVersion: версия протокола не распознана
//   - ErrUnknownPayloadType: неизвестный тип payload
func Unmarshal(data []byte) (*Packet, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: %d байт, требуется минимум %d", ErrTruncated, len(data), HeaderSize)
	}

	version := data[0] >> 4
	if version != ProtocolVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnknownVersion, version)
	}

	pt := PayloadType(data[1])
	if pt != PayloadTypeMedia && pt != PayloadTypeParity {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPayloadType, data[1])
	}

	p := &Packet{
		Sequence:    binary.BigEndian.Uint16(data[2:4]),
		Timestamp:   binary.BigEndian.Uint32(data[4:8]),
		SourceID:    binary.BigEndian.Uint32(data[8:12]),
		PayloadType: pt,
	}
	if len(data) > HeaderSize {
		p.Payload = make([]byte, len(data)-HeaderSize)
		copy(p.Payload, data[HeaderSize:])
	}
	return p, nil
}

// Clone возвращает глубокую копию пакета
func (p *Packet) Clone() *Packet {
	c := *p
	if p.Payload != nil {
		c.Payload = make([]byte, len(p.Payload))
		copy(c.Payload, p.Payload)
	}
	return &c
}

// SeqBefore сравнивает sequence numbers с учетом wrap-around (RFC 3550 манера).
// Возвращает true если a строго раньше b в циклическом порядке.
func SeqBefore(a, b uint16) bool {
	return a != b && b-a < 0x8000
}

// SeqDiff возвращает знаковую разницу b−a с учетом wrap-around.
// Положительное значение означает что b новее a.
func SeqDiff(a, b uint16) int {
	d := int(b) - int(a)
	if d < -0x8000 {
		d += 0x10000
	} else if d >= 0x8000 {
		d -= 0x10000
	}
	return d
}

// TimestampDiff возвращает знаковую разницу b−a для 32-битных media часов
func TimestampDiff(a, b uint32) int64 {
	d := int64(b) - int64(a)
	if d < -0x80000000 {
		d += 0x100000000
	} else if d >= 0x80000000 {
		d -= 0x100000000
	}
	return d
}
