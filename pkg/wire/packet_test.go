package wire

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// === ТЕСТЫ СЕРИАЛИЗАЦИИ ===

// TestPacketRoundTrip проверяет что deserialize(serialize(p)) == p для валидных пакетов
func TestPacketRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		packet Packet
	}{
		{
			name: "Обычный media пакет",
			packet: Packet{
				Sequence:    42,
				Timestamp:   960,
				SourceID:    0xDEADBEEF,
				PayloadType: PayloadTypeMedia,
				Payload:     []byte{1, 2, 3, 4, 5},
			},
		},
		{
			name: "Parity пакет",
			packet: Packet{
				Sequence:    8,
				Timestamp:   7680,
				SourceID:    1,
				PayloadType: PayloadTypeParity,
				Payload:     bytes.Repeat([]byte{0xAA}, 960),
			},
		},
		{
			name: "Пустой payload",
			packet: Packet{
				Sequence:    0,
				Timestamp:   0,
				SourceID:    0,
				PayloadType: PayloadTypeMedia,
			},
		},
		{
			name: "Граничные значения полей",
			packet: Packet{
				Sequence:    65535,
				Timestamp:   0xFFFFFFFF,
				SourceID:    0xFFFFFFFF,
				PayloadType: PayloadTypeMedia,
				Payload:     []byte{0},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := tt.packet.Marshal()
			require.GreaterOrEqual(t, len(data), HeaderSize)

			got, err := Unmarshal(data)
			require.NoError(t, err)

			assert.Equal(t, tt.packet.Sequence, got.Sequence)
			assert.Equal(t, tt.packet.Timestamp, got.Timestamp)
			assert.Equal(t, tt.packet.SourceID, got.SourceID)
			assert.Equal(t, tt.packet.PayloadType, got.PayloadType)
			assert.Equal(t, tt.packet.Payload, got.Payload)
		})
	}
}

// TestPacketRoundTripRandom round-trip на случайных валидных пакетах
func TestPacketRoundTripRandom(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 500; i++ {
		p := Packet{
			Sequence:    uint16(rng.Uint32()),
			Timestamp:   rng.Uint32(),
			SourceID:    rng.Uint32(),
			PayloadType: PayloadType(rng.Intn(2)),
			Payload:     make([]byte, rng.Intn(MaxPayloadSize)),
		}
		rng.Read(p.Payload)
		if len(p.Payload) == 0 {
			p.Payload = nil
		}

		got, err := Unmarshal(p.Marshal())
		require.NoError(t, err)
		require.Equal(t, &p, got)
	}
}

// === ТЕСТЫ ВАЛИДАЦИИ ВХОДА ===

// TestUnmarshalErrors проверяет обработку некорректных данных
// Проверяет:
// - Обрезанные пакеты (меньше 12 байт)
// - Неизвестную версию протокола
// - Неизвестный тип payload
func TestUnmarshalErrors(t *testing.T) {
	valid := (&Packet{PayloadType: PayloadTypeMedia, Payload: []byte{1}}).Marshal()

	tests := []struct {
		name    string
		data    []byte
		wantErr error
	}{
		{"Пустой ввод", nil, ErrTruncated},
		{"Один байт", []byte{0x10}, ErrTruncated},
		{"11 байт", valid[:11], ErrTruncated},
		{"Нулевая версия", append([]byte{0x00}, valid[1:]...), ErrUnknownVersion},
		{"Версия из будущего", append([]byte{0xF0}, valid[1:]...), ErrUnknownVersion},
		{"Неизвестный payload type", append([]byte{0x10, 0x07}, valid[2:]...), ErrUnknownPayloadType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Unmarshal(tt.data)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

// TestUnmarshalAdversarial проверяет что разбор никогда не паникует
// на произвольном мусоре с сети
func TestUnmarshalAdversarial(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	for i := 0; i < 2000; i++ {
		data := make([]byte, rng.Intn(64))
		rng.Read(data)
		// Паника здесь провалит тест; результат разбора не важен
		_, _ = Unmarshal(data)
	}
}

// TestUnmarshalCopiesPayload проверяет что payload не ссылается на входной буфер
func TestUnmarshalCopiesPayload(t *testing.T) {
	data := (&Packet{PayloadType: PayloadTypeMedia, Payload: []byte{1, 2, 3}}).Marshal()
	p, err := Unmarshal(data)
	require.NoError(t, err)

	data[HeaderSize] = 0xFF
	assert.Equal(t, byte(1), p.Payload[0], "payload должен быть копией входного буфера")
}

// === ТЕСТЫ WRAP-AROUND АРИФМЕТИКИ ===

func TestSeqBefore(t *testing.T) {
	tests := []struct {
		name string
		a, b uint16
		want bool
	}{
		{"Простой порядок", 1, 2, true},
		{"Обратный порядок", 2, 1, false},
		{"Равенство", 5, 5, false},
		{"Wrap через 65535", 65535, 0, true},
		{"Wrap через 65535 обратно", 0, 65535, false},
		{"Большой разрыв вперед", 0, 0x7FFF, true},
		{"За границей окна", 0, 0x8000, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SeqBefore(tt.a, tt.b))
		})
	}
}

func TestSeqDiff(t *testing.T) {
	assert.Equal(t, 1, SeqDiff(65535, 0), "wrap вперед")
	assert.Equal(t, -1, SeqDiff(0, 65535), "wrap назад")
	assert.Equal(t, 0, SeqDiff(100, 100))
	assert.Equal(t, 10, SeqDiff(5, 15))
	assert.Equal(t, -10, SeqDiff(15, 5))
}

func TestTimestampDiff(t *testing.T) {
	var base uint32 = 0xFFFFFF00
	assert.Equal(t, int64(960), TimestampDiff(base, base+960))
	assert.Equal(t, int64(960), TimestampDiff(0xFFFFFFFF-479, 480), "wrap через границу uint32")
	assert.Equal(t, int64(-960), TimestampDiff(960, 0))
}

func BenchmarkMarshal(b *testing.B) {
	p := &Packet{
		Sequence:    1,
		Timestamp:   960,
		SourceID:    1,
		PayloadType: PayloadTypeMedia,
		Payload:     make([]byte, 960),
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = p.Marshal()
	}
}

func BenchmarkUnmarshal(b *testing.B) {
	data := (&Packet{PayloadType: PayloadTypeMedia, Payload: make([]byte, 960)}).Marshal()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = Unmarshal(data)
	}
}
