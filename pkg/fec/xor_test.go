package fec

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/wavesync/pkg/wire"
)

// makeGroup строит группу из n media пакетов с последовательными sequence
// от base и timestamp шагом step
func makeGroup(t *testing.T, base uint16, n int, step uint32, rng *rand.Rand) []*wire.Packet {
	t.Helper()
	group := make([]*wire.Packet, n)
	for i := range group {
		payload := make([]byte, 160)
		rng.Read(payload)
		group[i] = &wire.Packet{
			Sequence:    base + uint16(i),
			Timestamp:   uint32(base)*step + uint32(i)*step,
			SourceID:    7,
			PayloadType: wire.PayloadTypeMedia,
			Payload:     payload,
		}
	}
	return group
}

// === ТЕСТЫ КОНФИГУРАЦИИ ===

// TestConfigValidateGroupSize проверяет что допускаются только размеры
// группы, делящие 65536: иначе после wrap счетчика sequence деление
// sequence / GroupSize дает разные границы групп до и после wrap
func TestConfigValidateGroupSize(t *testing.T) {
	for _, size := range []int{1, 2, 4, 8, 16, 32, 64} {
		cfg := DefaultConfig()
		cfg.GroupSize = size
		assert.NoError(t, cfg.Validate(), "GroupSize %d", size)
	}

	for _, size := range []int{3, 5, 10, 12, 48} {
		cfg := DefaultConfig()
		cfg.GroupSize = size
		assert.Error(t, cfg.Validate(), "GroupSize %d не делит 65536", size)
	}

	cfg := DefaultConfig()
	cfg.GroupSize = 0
	assert.Error(t, cfg.Validate())

	cfg.GroupSize = MaxGroupSize + 1
	assert.ErrorIs(t, cfg.Validate(), ErrGroupTooLarge)

	cfg = DefaultConfig()
	cfg.GroupTimeout = 0
	assert.Error(t, cfg.Validate())
}

// === ТЕСТЫ КОДИРОВАНИЯ ===

func TestEncodeGroup(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	group := makeGroup(t, 0, 8, 960, rng)

	parity, err := EncodeGroup(group)
	require.NoError(t, err)

	assert.Equal(t, wire.PayloadTypeParity, parity.PayloadType)
	assert.Equal(t, group[0].Sequence, parity.Sequence)
	assert.Equal(t, group[0].SourceID, parity.SourceID)
	assert.Len(t, parity.Payload, 160)

	// XOR всех media и parity дает нули
	check := make([]byte, 160)
	copy(check, parity.Payload)
	for _, p := range group {
		xorInto(check, p.Payload)
	}
	for _, b := range check {
		require.Zero(t, b)
	}
}

func TestEncodeGroupPadding(t *testing.T) {
	group := []*wire.Packet{
		{PayloadType: wire.PayloadTypeMedia, Payload: []byte{0x0F}},
		{Sequence: 1, PayloadType: wire.PayloadTypeMedia, Payload: []byte{0xF0, 0xAA, 0x55}},
	}
	parity, err := EncodeGroup(group)
	require.NoError(t, err)

	// Короткий payload дополняется нулями до самого длинного
	assert.Equal(t, []byte{0xFF, 0xAA, 0x55}, parity.Payload)
}

func TestEncodeGroupErrors(t *testing.T) {
	_, err := EncodeGroup(nil)
	assert.ErrorIs(t, err, ErrEmptyGroup)

	big := make([]*wire.Packet, MaxGroupSize+1)
	for i := range big {
		big[i] = &wire.Packet{Sequence: uint16(i), PayloadType: wire.PayloadTypeMedia}
	}
	_, err = EncodeGroup(big)
	assert.ErrorIs(t, err, ErrGroupTooLarge)
}

// === ТЕСТЫ ВОССТАНОВЛЕНИЯ ===

// TestRecoverAnySlot проверяет что стирание любого одного media слота
// восстанавливается байт-в-байт
func TestRecoverAnySlot(t *testing.T) {
	rng := rand.New(rand.NewSource(2))

	for lost := 0; lost < 8; lost++ {
		group := makeGroup(t, 100, 8, 960, rng)
		parity, err := EncodeGroup(group)
		require.NoError(t, err)

		damaged := make([]*wire.Packet, len(group))
		copy(damaged, group)
		damaged[lost] = nil

		rec, err := Recover(damaged, parity)
		require.NoError(t, err, "слот %d", lost)

		assert.Equal(t, group[lost].Sequence, rec.Sequence, "слот %d", lost)
		assert.Equal(t, group[lost].Timestamp, rec.Timestamp, "слот %d: timestamp интерполируется по соседям", lost)
		assert.Equal(t, group[lost].Payload, rec.Payload, "слот %d", lost)
		assert.Equal(t, wire.PayloadTypeMedia, rec.PayloadType)
	}
}

// TestRecoverAcrossWrap восстановление в группе на границе wrap uint16
func TestRecoverAcrossWrap(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	group := makeGroup(t, 65528, 8, 960, rng)
	parity, err := EncodeGroup(group)
	require.NoError(t, err)

	damaged := make([]*wire.Packet, len(group))
	copy(damaged, group)
	damaged[7] = nil // sequence 65535

	rec, err := Recover(damaged, parity)
	require.NoError(t, err)
	assert.Equal(t, uint16(65535), rec.Sequence)
	assert.Equal(t, group[7].Payload, rec.Payload)
}

func TestRecoverErrors(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	group := makeGroup(t, 0, 8, 960, rng)
	parity, err := EncodeGroup(group)
	require.NoError(t, err)

	t.Run("Нет потерь", func(t *testing.T) {
		_, err := Recover(group, parity)
		assert.ErrorIs(t, err, ErrNoLossToRecover)
	})

	t.Run("Две потери невосстановимы", func(t *testing.T) {
		damaged := make([]*wire.Packet, len(group))
		copy(damaged, group)
		damaged[2] = nil
		damaged[5] = nil
		_, err := Recover(damaged, parity)
		assert.ErrorIs(t, err, ErrUnrecoverable, "никогда не возвращаем молча испорченные данные")
	})

	t.Run("Группа больше предела", func(t *testing.T) {
		big := make([]*wire.Packet, MaxGroupSize+1)
		_, err := Recover(big, parity)
		assert.ErrorIs(t, err, ErrGroupTooLarge)
	})
}

// === ТЕСТЫ СБОРЩИКА ГРУПП ===

func TestAssemblerFullGroup(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	stats := &Stats{}
	asm := NewGroupAssembler(DefaultConfig(), stats)
	now := time.Now()

	group := makeGroup(t, 0, 8, 960, rng)
	parity, _ := EncodeGroup(group)

	// Все media пришли — восстановление не требуется, parity лишний
	for _, p := range group {
		assert.Nil(t, asm.Add(p, now))
	}
	assert.Nil(t, asm.Add(parity, now))
	assert.Equal(t, uint64(8), stats.MediaReceived.Load())
	assert.Zero(t, stats.Recovered.Load())
}

func TestAssemblerRecoversSingleLoss(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	stats := &Stats{}
	asm := NewGroupAssembler(DefaultConfig(), stats)
	now := time.Now()

	group := makeGroup(t, 0, 8, 960, rng)
	parity, _ := EncodeGroup(group)

	// Пакет 3 потерян; parity приходит после остальных
	var rec *wire.Packet
	for i, p := range group {
		if i == 3 {
			continue
		}
		require.Nil(t, asm.Add(p, now))
	}
	rec = asm.Add(parity, now)

	require.NotNil(t, rec, "прибытие parity должно завершить восстановление")
	assert.Equal(t, group[3].Sequence, rec.Sequence)
	assert.Equal(t, group[3].Payload, rec.Payload)
	assert.Equal(t, uint64(1), stats.Recovered.Load())
	assert.Zero(t, asm.Pending(), "завершенная группа освобождена")
}

func TestAssemblerParityFirst(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	asm := NewGroupAssembler(DefaultConfig(), nil)
	now := time.Now()

	group := makeGroup(t, 40, 8, 960, rng)
	parity, _ := EncodeGroup(group)

	// Parity обгоняет media (реордеринг)
	require.Nil(t, asm.Add(parity, now))
	var rec *wire.Packet
	for i, p := range group {
		if i == 0 {
			continue
		}
		rec = asm.Add(p, now)
	}
	require.NotNil(t, rec)
	assert.Equal(t, group[0].Sequence, rec.Sequence)
	assert.Equal(t, group[0].Payload, rec.Payload)
}

func TestAssemblerSweepUnrecoverable(t *testing.T) {
	rng := rand.New(rand.NewSource(8))
	cfg := DefaultConfig()
	cfg.GroupTimeout = 10 * time.Millisecond
	stats := &Stats{}
	asm := NewGroupAssembler(cfg, stats)
	now := time.Now()

	group := makeGroup(t, 0, 8, 960, rng)
	// Пришло только 5 из 8, parity потерян
	for i := 0; i < 5; i++ {
		asm.Add(group[i], now)
	}
	require.Equal(t, 1, asm.Pending())

	// До таймаута группа живет
	asm.Sweep(now.Add(5 * time.Millisecond))
	assert.Equal(t, 1, asm.Pending())
	assert.Zero(t, stats.GroupsUnrecoverable.Load())

	// После таймаута — объявлена lossy
	asm.Sweep(now.Add(20 * time.Millisecond))
	assert.Zero(t, asm.Pending())
	assert.Equal(t, uint64(1), stats.GroupsUnrecoverable.Load())
}

func TestAssemblerDuplicates(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	stats := &Stats{}
	asm := NewGroupAssembler(DefaultConfig(), stats)
	now := time.Now()

	group := makeGroup(t, 0, 8, 960, rng)
	asm.Add(group[0], now)
	asm.Add(group[0], now)
	assert.Equal(t, uint64(1), stats.Duplicates.Load())
	assert.Equal(t, uint64(1), stats.MediaReceived.Load())
}

func TestAssemblerReset(t *testing.T) {
	rng := rand.New(rand.NewSource(10))
	asm := NewGroupAssembler(DefaultConfig(), nil)
	group := makeGroup(t, 0, 8, 960, rng)
	asm.Add(group[0], time.Now())
	require.Equal(t, 1, asm.Pending())

	asm.Reset()
	assert.Zero(t, asm.Pending())
}
