package transport

import (
	"log/slog"
	"sync"
	"time"

	"github.com/arzzra/wavesync/pkg/clock"
	"github.com/arzzra/wavesync/pkg/conceal"
	"github.com/arzzra/wavesync/pkg/fec"
	"github.com/arzzra/wavesync/pkg/jitter"
	"github.com/arzzra/wavesync/pkg/latency"
	"github.com/arzzra/wavesync/pkg/wire"
)

// ReceiverConfig конфигурация приемного тракта одной колонки
type ReceiverConfig struct {
	StreamID  string
	SpeakerID string

	// SourceID ожидаемый источник. 0 — захват первого увиденного:
	// дальше чужие source id отбрасываются до явного Reset.
	SourceID uint32

	// ConfiguredDelay настроенная оператором задержка колонки
	ConfiguredDelay time.Duration

	FEC     fec.Config
	Jitter  jitter.Config
	Conceal conceal.Config
	Latency latency.Config
}

// DefaultReceiverConfig возвращает конфигурацию приемника по умолчанию
func DefaultReceiverConfig() ReceiverConfig {
	return ReceiverConfig{
		FEC:     fec.DefaultConfig(),
		Jitter:  jitter.DefaultConfig(),
		Conceal: conceal.DefaultConfig(),
		Latency: latency.DefaultConfig(),
	}
}

// Validate проверяет конфигурацию
func (c *ReceiverConfig) Validate() error {
	if err := c.FEC.Validate(); err != nil {
		return WrapError(ErrorCodeSessionInvalidConfig, c.StreamID, "невалидная FEC конфигурация", err)
	}
	if err := c.Jitter.Validate(); err != nil {
		return WrapError(ErrorCodeSessionInvalidConfig, c.StreamID, "невалидная jitter конфигурация", err)
	}
	if err := c.Conceal.Validate(); err != nil {
		return WrapError(ErrorCodeSessionInvalidConfig, c.StreamID, "невалидная concealment конфигурация", err)
	}
	if err := c.Latency.Validate(); err != nil {
		return WrapError(ErrorCodeSessionInvalidConfig, c.StreamID, "невалидная конфигурация компенсации", err)
	}
	return nil
}

// Frame кадр, готовый к playout
type Frame struct {
	Sequence  uint16
	Timestamp uint32
	Payload   []byte

	Concealed bool      // Кадр синтезирован concealment
	Muted     bool      // Окно тишины после жесткого шага компенсации
	ReleaseAt time.Time // Момент воспроизведения с учетом компенсации
}

// Receiver реализует приемный конвейер одной колонки:
//
//	датаграмма → разбор → фильтр источника → FEC сборка → jitter buffer
//	→ (по расписанию) кадр либо concealment → компенсация задержки
//
// Receiver пассивен: горутины и таймеры принадлежат Session, которая
// зовет HandleDatagram из цикла приема, SweepGroups и UpdateSync из
// таймерных циклов и PopFrame из цикла playout. Все методы безопасны
// для конкурентного вызова.
type Receiver struct {
	config    ReceiverConfig
	stats     *Stats
	fecStats  *fec.Stats
	asm       *fec.GroupAssembler
	buf       *jitter.Buffer
	concealer *conceal.Concealer
	speaker   *latency.SpeakerSync
	logger    *slog.Logger

	mu       sync.Mutex
	locked   bool
	sourceID uint32

	// Расширенный (без wrap) учет sequence для оценки потерь
	highestSeq   uint16
	extSpan      int64 // Наблюденный диапазон sequence, пакетов
	reorderGuard int

	// Экстраполяция timestamp для concealed кадров
	lastTimestamp uint32
	tsStep        uint32
	tsKnown       bool

	lastEstimate clock.ClockEstimate
}

// NewReceiver создает приемник
func NewReceiver(config ReceiverConfig, stats *Stats, logger *slog.Logger) (*Receiver, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if stats == nil {
		stats = &Stats{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	buf, err := jitter.New(config.Jitter)
	if err != nil {
		return nil, WrapError(ErrorCodeSessionInvalidConfig, config.StreamID, "ошибка создания jitter buffer", err)
	}
	concealer, err := conceal.New(config.Conceal)
	if err != nil {
		return nil, WrapError(ErrorCodeSessionInvalidConfig, config.StreamID, "ошибка создания concealer", err)
	}
	speaker, err := latency.NewSpeakerSync(config.SpeakerID, config.ConfiguredDelay, config.Latency)
	if err != nil {
		return nil, WrapError(ErrorCodeSessionInvalidConfig, config.StreamID, "ошибка создания компенсации", err)
	}

	fecStats := &fec.Stats{}
	return &Receiver{
		config:       config,
		stats:        stats,
		fecStats:     fecStats,
		asm:          fec.NewGroupAssembler(config.FEC, fecStats),
		buf:          buf,
		concealer:    concealer,
		speaker:      speaker,
		logger:       logger.With(slog.String("stream_id", config.StreamID), slog.String("speaker_id", config.SpeakerID)),
		sourceID:     config.SourceID,
		reorderGuard: 4 * config.FEC.GroupSize,
	}, nil
}

// HandleDatagram обрабатывает одну принятую датаграмму.
//
// Некорректные и чужие датаграммы считаются и отбрасываются без ошибки:
// в открытом UDP порту мусор — штатная ситуация, падать из-за него
// нельзя. Ошибка возвращается только для невалидного wire формата,
// чтобы caller мог логировать по вкусу.
func (r *Receiver) HandleDatagram(data []byte, arrival time.Time) error {
	r.stats.BytesReceived.Add(uint64(len(data)))

	pkt, err := wire.Unmarshal(data)
	if err != nil {
		r.stats.Malformed.Add(1)
		return err
	}

	r.mu.Lock()
	if !r.locked {
		if r.sourceID != 0 && pkt.SourceID != r.sourceID {
			r.mu.Unlock()
			r.stats.UnknownSource.Add(1)
			return nil
		}
		r.sourceID = pkt.SourceID
		r.locked = true
		r.logger.Info("захвачен источник", slog.Uint64("source_id", uint64(pkt.SourceID)))
	} else if pkt.SourceID != r.sourceID {
		r.mu.Unlock()
		r.stats.UnknownSource.Add(1)
		return nil
	}

	late := false
	if pkt.PayloadType == wire.PayloadTypeMedia {
		if r.extSpan == 0 {
			r.highestSeq = pkt.Sequence
			r.extSpan = 1
		} else {
			diff := wire.SeqDiff(r.highestSeq, pkt.Sequence)
			if diff > 0 {
				r.extSpan += int64(diff)
				r.highestSeq = pkt.Sequence
			} else if -diff > r.reorderGuard {
				// Слишком старый пакет: его группа уже развязана,
				// повторная сборка исказила бы статистику
				late = true
			}
		}
		r.stats.PacketsArrived.Add(1)
	}
	r.mu.Unlock()

	switch pkt.PayloadType {
	case wire.PayloadTypeMedia:
		if !late {
			if rec := r.asm.Add(pkt, arrival); rec != nil {
				r.buf.Push(rec, arrival)
			}
		}
		r.buf.Push(pkt, arrival)
	case wire.PayloadTypeParity:
		if rec := r.asm.Add(pkt, arrival); rec != nil {
			r.buf.Push(rec, arrival)
		}
	}
	return nil
}

// SweepGroups развязывает просроченные FEC группы
func (r *Receiver) SweepGroups(now time.Time) {
	r.asm.Sweep(now)
}

// UpdateSync применяет свежую оценку сетевых часов: деградация
// расширяет целевую задержку jitter buffer и замораживает компенсацию
func (r *Receiver) UpdateSync(now time.Time, est clock.ClockEstimate, stale bool) {
	r.mu.Lock()
	r.lastEstimate = est
	r.mu.Unlock()

	r.buf.SetDegraded(stale)
	r.speaker.Update(now, est, stale)
}

// SetConfiguredDelay меняет настроенную задержку на лету (плавный slew)
func (r *Receiver) SetConfiguredDelay(d time.Duration) {
	r.speaker.SetConfiguredDelay(d)
}

// PopFrame выдает следующий кадр playout расписания.
//
// Возвращает false, когда к моменту now выдавать нечего (пакет еще
// удерживается jitter buffer либо буфер пуст). Отсутствующий слот
// выдается как concealed кадр — playout никогда не блокируется на
// потерянном пакете.
func (r *Receiver) PopFrame(now time.Time) (Frame, bool) {
	out, ok := r.buf.PopReady(now)
	if !ok {
		return Frame{}, false
	}

	frame := Frame{
		Sequence:  out.Sequence,
		Muted:     r.speaker.Muted(now),
		ReleaseAt: r.speaker.ReleaseTime(now),
	}

	if out.Missing {
		// Лукахед для интерполяции: ближайший буферизованный пакет и
		// расстояние до него в слотах
		var next []byte
		remaining := 0
		if peek, ok := r.buf.Peek(); ok {
			next = peek.Payload
			remaining = wire.SeqDiff(out.Sequence, peek.Sequence)
		}
		frame.Payload = r.concealer.Conceal(next, remaining)
		frame.Concealed = true

		r.mu.Lock()
		if r.tsKnown {
			r.lastTimestamp += r.tsStep
			frame.Timestamp = r.lastTimestamp
		}
		r.mu.Unlock()
		return frame, true
	}

	r.concealer.Observe(out.Packet.Payload)
	frame.Payload = out.Packet.Payload
	frame.Timestamp = out.Packet.Timestamp

	r.mu.Lock()
	if r.tsKnown {
		if step := wire.TimestampDiff(r.lastTimestamp, out.Packet.Timestamp); step > 0 {
			r.tsStep = uint32(step)
		}
	}
	r.lastTimestamp = out.Packet.Timestamp
	r.tsKnown = true
	r.mu.Unlock()

	return frame, true
}

// Compensation текущая применяемая компенсация задержки
func (r *Receiver) Compensation() time.Duration {
	return r.speaker.Compensation()
}

// Degraded признак деградации синхронизации
func (r *Receiver) Degraded() bool {
	return r.speaker.Degraded()
}

// Stats собирает сводный снимок стрима.
//
// PacketsLost — оценка сетевых потерь до FEC: наблюденный диапазон
// sequence минус уникальные дошедшие media пакеты. Хвост диапазона,
// еще находящийся в полете, может на мгновение завысить оценку — для
// наблюдаемости это приемлемо.
func (r *Receiver) Stats() Snapshot {
	r.mu.Lock()
	span := r.extSpan
	est := r.lastEstimate
	r.mu.Unlock()

	fs := r.fecStats.Snapshot()
	bs := r.buf.Stats()
	cs := r.concealer.Stats()

	lost := uint64(0)
	if span > 0 && uint64(span) > fs.MediaReceived {
		lost = uint64(span) - fs.MediaReceived
	}

	return Snapshot{
		StreamID:  r.config.StreamID,
		SpeakerID: r.config.SpeakerID,

		PacketsSent:      r.stats.PacketsSent.Load(),
		PacketsLost:      lost,
		PacketsRecovered: fs.Recovered,
		ConcealedFrames:  cs.Total,
		LateDropped:      bs.Late,
		Duplicates:       bs.Duplicates + fs.Duplicates,
		Malformed:        r.stats.Malformed.Load(),

		JitterMs:      float64(bs.JitterEstimate) / float64(time.Millisecond),
		BufferFillMs:  float64(time.Duration(bs.Buffered)*r.config.Jitter.FramePeriod) / float64(time.Millisecond),
		TargetDelayMs: float64(bs.TargetDelay) / float64(time.Millisecond),

		SyncOffsetMs:   est.Offset * 1000,
		CompensationMs: float64(r.speaker.Compensation()) / float64(time.Millisecond),
		SyncDegraded:   r.speaker.Degraded(),
	}
}

// Reset возвращает приемник в начальное состояние: частичные FEC
// группы и буферизованные пакеты отбрасываются, захват источника
// снимается
func (r *Receiver) Reset() {
	r.mu.Lock()
	r.locked = r.config.SourceID != 0
	r.sourceID = r.config.SourceID
	r.extSpan = 0
	r.tsKnown = false
	r.tsStep = 0
	r.mu.Unlock()

	r.asm.Reset()
	r.buf.Reset()
}
