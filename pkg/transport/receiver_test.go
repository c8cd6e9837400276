package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/wavesync/pkg/clock"
	"github.com/arzzra/wavesync/pkg/fec"
	"github.com/arzzra/wavesync/pkg/jitter"
	"github.com/arzzra/wavesync/pkg/wire"
)

const (
	testSourceID    = uint32(0xCAFE0001)
	testFramePeriod = 20 * time.Millisecond
)

// buildStream строит groups полных FEC групп: media пакеты с sequence
// от 0 и parity к каждой группе
func buildStream(t *testing.T, groups, groupSize, payloadLen int) ([]*wire.Packet, []*wire.Packet) {
	t.Helper()

	pkt := NewPacketizerAt(testSourceID, wire.MaxPayloadSize, groupSize, 0, 0)
	var media []*wire.Packet
	var parity []*wire.Packet

	for g := 0; g < groups; g++ {
		group := make([]*wire.Packet, 0, groupSize)
		for i := 0; i < groupSize; i++ {
			block := make([]byte, payloadLen)
			for j := range block {
				block[j] = byte(g*groupSize + i + j)
			}
			out := pkt.Packetize(block, 160)
			require.Len(t, out, 1)
			group = append(group, out[0])
		}
		p, err := fec.EncodeGroup(group)
		require.NoError(t, err)
		media = append(media, group...)
		parity = append(parity, p)
	}
	return media, parity
}

func newTestReceiver(t *testing.T, groupSize int, minDelay, maxDelay time.Duration) *Receiver {
	t.Helper()

	cfg := DefaultReceiverConfig()
	cfg.StreamID = "test-stream"
	cfg.SpeakerID = "speaker-1"
	cfg.FEC.GroupSize = groupSize
	cfg.Jitter.FramePeriod = testFramePeriod
	cfg.Jitter.MinDelay = minDelay
	cfg.Jitter.MaxDelay = maxDelay
	cfg.Jitter.MaxEntries = 2048

	r, err := NewReceiver(cfg, nil, nil)
	require.NoError(t, err)
	return r
}

// feed подает media и parity пакеты с идеально равномерными прибытиями:
// parity группы приходит вместе с ее последним media пакетом
func feed(t *testing.T, r *Receiver, media, parity []*wire.Packet, drop map[uint16]bool, groupSize int, base time.Time) {
	t.Helper()

	for i, pkt := range media {
		if drop[pkt.Sequence] {
			continue
		}
		arrival := base.Add(time.Duration(i) * testFramePeriod)
		require.NoError(t, r.HandleDatagram(pkt.Marshal(), arrival))

		if (i+1)%groupSize == 0 {
			p := parity[i/groupSize]
			require.NoError(t, r.HandleDatagram(p.Marshal(), arrival))
		}
	}
	// Parity групп, чей последний media пакет выпал
	for g, p := range parity {
		last := media[(g+1)*groupSize-1]
		if drop[last.Sequence] {
			arrival := base.Add(time.Duration((g+1)*groupSize-1) * testFramePeriod)
			require.NoError(t, r.HandleDatagram(p.Marshal(), arrival))
		}
	}
}

// drain извлекает ровно n кадров, когда все playout дедлайны прошли
func drain(t *testing.T, r *Receiver, n int, now time.Time) []Frame {
	t.Helper()

	frames := make([]Frame, 0, n)
	for i := 0; i < n; i++ {
		frame, ok := r.PopFrame(now)
		require.True(t, ok, "кадр %d должен быть готов", i)
		frames = append(frames, frame)
	}
	return frames
}

func TestReceiverCleanStream(t *testing.T) {
	const groups, groupSize = 125, 8
	r := newTestReceiver(t, groupSize, 20*time.Millisecond, 200*time.Millisecond)
	base := time.Unix(1000, 0)

	media, parity := buildStream(t, groups, groupSize, 160)
	feed(t, r, media, parity, nil, groupSize, base)

	total := groups * groupSize
	now := base.Add(time.Duration(total)*testFramePeriod + 300*time.Millisecond)
	frames := drain(t, r, total, now)

	for i, frame := range frames {
		assert.False(t, frame.Concealed, "кадр %d", i)
		assert.Equal(t, media[i].Sequence, frame.Sequence)
		assert.Equal(t, media[i].Payload, frame.Payload)
		assert.Equal(t, media[i].Timestamp, frame.Timestamp)
	}

	snap := r.Stats()
	assert.Zero(t, snap.PacketsLost)
	assert.Zero(t, snap.PacketsRecovered)
	assert.Zero(t, snap.ConcealedFrames)
	assert.Zero(t, snap.Malformed)
}

func TestReceiverSingleLossPerGroupRecovered(t *testing.T) {
	const groups, groupSize = 100, 8
	// Целевая задержка 200 мс покрывает ожидание parity в конце группы:
	// восстановление успевает к playout дедлайну потерянного слота
	r := newTestReceiver(t, groupSize, 200*time.Millisecond, 400*time.Millisecond)
	base := time.Unix(1000, 0)

	media, parity := buildStream(t, groups, groupSize, 160)

	// Потеря одного пакета в каждой группе (слот 3)
	drop := make(map[uint16]bool)
	for g := 0; g < groups; g++ {
		drop[uint16(g*groupSize+3)] = true
	}
	feed(t, r, media, parity, drop, groupSize, base)

	total := groups * groupSize
	now := base.Add(time.Duration(total)*testFramePeriod + 500*time.Millisecond)
	frames := drain(t, r, total, now)

	for i, frame := range frames {
		assert.False(t, frame.Concealed, "кадр %d восстановлен FEC, не concealment", i)
		assert.Equal(t, media[i].Sequence, frame.Sequence)
		assert.Equal(t, media[i].Payload, frame.Payload, "кадр %d байт-в-байт", i)
	}

	snap := r.Stats()
	assert.Equal(t, uint64(groups), snap.PacketsLost, "сетевые потери считаются до FEC")
	assert.Equal(t, uint64(groups), snap.PacketsRecovered)
	assert.Zero(t, snap.ConcealedFrames)
}

func TestReceiverBurstLossConcealed(t *testing.T) {
	const groups, groupSize = 20, 8
	r := newTestReceiver(t, groupSize, 20*time.Millisecond, 200*time.Millisecond)
	base := time.Unix(1000, 0)

	media, parity := buildStream(t, groups, groupSize, 160)

	// Пачка из трех подряд внутри одной группы — невосстановимо
	drop := map[uint16]bool{40: true, 41: true, 42: true}
	feed(t, r, media, parity, drop, groupSize, base)
	r.SweepGroups(base.Add(time.Hour))

	total := groups * groupSize
	now := base.Add(time.Duration(total)*testFramePeriod + 300*time.Millisecond)
	frames := drain(t, r, total, now)

	concealed := 0
	for i, frame := range frames {
		if drop[frame.Sequence] {
			concealed++
			assert.True(t, frame.Concealed, "кадр %d", i)
			assert.NotEmpty(t, frame.Payload, "concealment всегда выдает аудио")
		} else {
			assert.False(t, frame.Concealed, "кадр %d", i)
			assert.Equal(t, media[i].Payload, frame.Payload)
		}
	}
	assert.Equal(t, 3, concealed, "замаскированы ровно недостающие слоты")

	snap := r.Stats()
	assert.Equal(t, uint64(3), snap.PacketsLost)
	assert.Zero(t, snap.PacketsRecovered)
	assert.Equal(t, uint64(3), snap.ConcealedFrames)
}

func TestReceiverSourceFilter(t *testing.T) {
	r := newTestReceiver(t, 8, 20*time.Millisecond, 200*time.Millisecond)
	base := time.Unix(1000, 0)

	own := &wire.Packet{Sequence: 0, SourceID: testSourceID, PayloadType: wire.PayloadTypeMedia, Payload: []byte{1}}
	alien := &wire.Packet{Sequence: 0, SourceID: 0xDEAD, PayloadType: wire.PayloadTypeMedia, Payload: []byte{2}}

	// Захват первого увиденного источника, чужие отбрасываются
	require.NoError(t, r.HandleDatagram(own.Marshal(), base))
	require.NoError(t, r.HandleDatagram(alien.Marshal(), base))

	stats := &Stats{}
	r2, err := NewReceiver(r.config, stats, nil)
	require.NoError(t, err)
	require.NoError(t, r2.HandleDatagram(alien.Marshal(), base))
	require.NoError(t, r2.HandleDatagram(own.Marshal(), base))
	require.NoError(t, r2.HandleDatagram(alien.Marshal(), base))
	assert.Equal(t, uint64(1), stats.UnknownSource.Load(), "чужой source id после захвата")
}

func TestReceiverMalformedDatagram(t *testing.T) {
	stats := &Stats{}
	cfg := DefaultReceiverConfig()
	cfg.SpeakerID = "speaker-1"
	r, err := NewReceiver(cfg, stats, nil)
	require.NoError(t, err)

	assert.Error(t, r.HandleDatagram([]byte{1, 2, 3}, time.Unix(1000, 0)))
	assert.Error(t, r.HandleDatagram(nil, time.Unix(1000, 0)))
	assert.Equal(t, uint64(2), stats.Malformed.Load())
}

func TestReceiverSyncDegraded(t *testing.T) {
	r := newTestReceiver(t, 8, 40*time.Millisecond, 200*time.Millisecond)
	base := time.Unix(1000, 0)

	normal := r.Stats().TargetDelayMs

	// Устаревшая оценка часов: компенсация заморожена, буфер расширен
	r.UpdateSync(base, clock.ClockEstimate{}, true)

	snap := r.Stats()
	assert.True(t, snap.SyncDegraded)
	assert.Greater(t, snap.TargetDelayMs, normal, "stale источник расширяет целевую задержку")

	// Восстановление синхронизации снимает деградацию
	r.UpdateSync(base.Add(time.Second), clock.ClockEstimate{Offset: 0.001, Valid: true, LastSync: base.Add(time.Second)}, false)
	snap = r.Stats()
	assert.False(t, snap.SyncDegraded)
	assert.InDelta(t, normal, snap.TargetDelayMs, 0.001)
	assert.InDelta(t, 1.0, snap.SyncOffsetMs, 0.0001)
}

func TestReceiverReset(t *testing.T) {
	const groupSize = 8
	r := newTestReceiver(t, groupSize, 20*time.Millisecond, 200*time.Millisecond)
	base := time.Unix(1000, 0)

	media, parity := buildStream(t, 2, groupSize, 160)
	feed(t, r, media, parity, map[uint16]bool{5: true}, groupSize, base)

	r.Reset()

	// После сброса: захват источника снят, состояние чистое
	alien := &wire.Packet{Sequence: 100, SourceID: 0xBEEF, PayloadType: wire.PayloadTypeMedia, Payload: []byte{1}}
	require.NoError(t, r.HandleDatagram(alien.Marshal(), base.Add(time.Second)))

	snap := r.Stats()
	assert.Zero(t, snap.PacketsLost)

	_, ok := r.PopFrame(base.Add(time.Second))
	assert.False(t, ok)
}

// Проверяет, что конфигурация приемника валидируется насквозь
func TestReceiverConfigValidation(t *testing.T) {
	cfg := DefaultReceiverConfig()
	cfg.Jitter = jitter.Config{}
	_, err := NewReceiver(cfg, nil, nil)
	assert.True(t, IsCode(err, ErrorCodeSessionInvalidConfig))
}
