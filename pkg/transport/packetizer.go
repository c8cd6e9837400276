package transport

import (
	"crypto/rand"
	"encoding/binary"

	"github.com/arzzra/wavesync/pkg/wire"
)

// Packetizer режет блоки сэмплов на пакеты и ведет счетчики
// sequence/timestamp отправного тракта.
//
// Timestamp идет в сэмплах медиа часов: каждый чанк получает timestamp
// пропорционально своей доле сэмплов блока, после блока счетчик
// продвигается ровно на samples. Начальный sequence выравнивается вниз
// на границу FEC группы, чтобы каждая группа отправителя была полной —
// приемник выводит принадлежность группе из sequence / group_size.
type Packetizer struct {
	sourceID   uint32
	maxPayload int

	seq       uint16
	timestamp uint32
}

// NewPacketizer создает пакетизатор со случайными начальными
// sequence/timestamp (начальный sequence выровнен на groupSize)
func NewPacketizer(sourceID uint32, maxPayload, groupSize int) *Packetizer {
	if maxPayload <= 0 || maxPayload > wire.MaxPayloadSize {
		maxPayload = wire.MaxPayloadSize
	}
	seq := uint16(randomUint32())
	if groupSize > 0 {
		seq -= seq % uint16(groupSize)
	}
	return &Packetizer{
		sourceID:   sourceID,
		maxPayload: maxPayload,
		seq:        seq,
		timestamp:  randomUint32(),
	}
}

// NewPacketizerAt создает пакетизатор с заданными начальными счетчиками
// (детерминированные тесты и возобновление стрима)
func NewPacketizerAt(sourceID uint32, maxPayload, groupSize int, seq uint16, timestamp uint32) *Packetizer {
	p := NewPacketizer(sourceID, maxPayload, groupSize)
	if groupSize > 0 {
		seq -= seq % uint16(groupSize)
	}
	p.seq = seq
	p.timestamp = timestamp
	return p
}

// SourceID идентификатор потока
func (p *Packetizer) SourceID() uint32 { return p.sourceID }

// Packetize режет блок на пакеты. Блок длиной до maxPayload дает ровно
// один пакет — обычный случай для 20 мс кадров.
func (p *Packetizer) Packetize(block []byte, samples uint32) []*wire.Packet {
	if len(block) == 0 {
		return nil
	}

	chunks := (len(block) + p.maxPayload - 1) / p.maxPayload
	packets := make([]*wire.Packet, 0, chunks)

	offset := 0
	consumed := uint32(0)
	for i := 0; i < chunks; i++ {
		end := offset + p.maxPayload
		if end > len(block) {
			end = len(block)
		}
		payload := make([]byte, end-offset)
		copy(payload, block[offset:end])

		packets = append(packets, &wire.Packet{
			Sequence:    p.seq,
			Timestamp:   p.timestamp + consumed,
			SourceID:    p.sourceID,
			PayloadType: wire.PayloadTypeMedia,
			Payload:     payload,
		})
		p.seq++

		// Доля сэмплов чанка пропорциональна его байтам
		consumed = uint32(uint64(samples) * uint64(end) / uint64(len(block)))
		offset = end
	}

	p.timestamp += samples
	return packets
}

// randomUint32 криптослучайное начальное значение счетчика
func randomUint32() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 1
	}
	return binary.BigEndian.Uint32(b[:])
}
