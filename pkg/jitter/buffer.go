// Package jitter реализует адаптивный jitter buffer приемного тракта.
//
// Буфер решает три задачи:
//   - Реордеринг: пакеты выдаются строго по возрастанию sequence
//   - Пейсинг: пакет удерживается до своего target playout времени
//   - Живость playout: отсутствующий к дедлайну слот выдается как маркер
//     для concealment, сторона playout никогда не блокируется
//
// Целевая задержка пересчитывается на каждом приеме из EWMA оценки джиттера:
// target = mean + K*stddev смещения прибытия, с асимметричной реакцией —
// скачок джиттера вверх расширяет буфер немедленно, нисходящий тренд
// сжимает его постепенно, чтобы не раскачивать задержку и не вносить
// слышимых щелчков роста буфера.
//
// Контракт конкурентности: Push зовется из receive горутины, PopReady —
// из горутины пейсинга. Внутреннее состояние сериализовано мьютексом;
// ни одна операция не блокируется надолго, receive путь никогда не ждет
// playout путь.
package jitter

import (
	"container/heap"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/arzzra/wavesync/pkg/wire"
)

// Config конфигурация jitter buffer
type Config struct {
	// MinDelay нижняя граница целевой задержки
	MinDelay time.Duration

	// MaxDelay верхняя граница целевой задержки
	MaxDelay time.Duration

	// K множитель stddev в формуле целевой задержки
	K float64

	// FramePeriod длительность одного пакета (ptime)
	FramePeriod time.Duration

	// StalePenalty множитель целевой задержки при деградации источника
	// времени: жесткому пейсингу больше доверять нельзя
	StalePenalty float64

	// ShrinkRate доля сокращения разрыва к меньшей цели за один прием (0..1)
	ShrinkRate float64

	// JitterAlpha коэффициент EWMA оценки джиттера
	JitterAlpha float64

	// MaxEntries предел буферизованных пакетов (защита памяти)
	MaxEntries int
}

// DefaultConfig возвращает конфигурацию по умолчанию для 20 мс пакетов
func DefaultConfig() Config {
	return Config{
		MinDelay:     20 * time.Millisecond,
		MaxDelay:     200 * time.Millisecond,
		K:            2.0,
		FramePeriod:  20 * time.Millisecond,
		StalePenalty: 1.5,
		ShrinkRate:   0.05,
		JitterAlpha:  1.0 / 16.0,
		MaxEntries:   256,
	}
}

// Validate проверяет конфигурацию
func (c Config) Validate() error {
	if c.FramePeriod <= 0 {
		return fmt.Errorf("jitter: FramePeriod должен быть положительным")
	}
	if c.MinDelay < 0 || c.MaxDelay < c.MinDelay {
		return fmt.Errorf("jitter: требуется 0 <= MinDelay <= MaxDelay")
	}
	if c.K < 0 {
		return fmt.Errorf("jitter: K не может быть отрицательным")
	}
	if c.StalePenalty < 1 {
		return fmt.Errorf("jitter: StalePenalty не может быть меньше 1")
	}
	if c.ShrinkRate < 0 || c.ShrinkRate > 1 {
		return fmt.Errorf("jitter: ShrinkRate вне диапазона [0,1]")
	}
	if c.MaxEntries <= 0 {
		return fmt.Errorf("jitter: MaxEntries должен быть положительным")
	}
	return nil
}

// Out результат PopReady: либо пакет, либо маркер отсутствующего слота
type Out struct {
	Packet   *wire.Packet // nil когда Missing
	Sequence uint16
	Missing  bool // Слот не пришел к дедлайну, требуется concealment
}

// entry буферизованный пакет с временем прибытия
type entry struct {
	packet  *wire.Packet
	arrival time.Time
	index   int // Для heap interface
}

// entryHeap min-heap по sequence с wrap-aware сравнением
type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	return wire.SeqBefore(h[i].packet.Sequence, h[j].packet.Sequence)
}
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Snapshot снимок счетчиков буфера
type Snapshot struct {
	Received       uint64
	Late           uint64
	Duplicates     uint64
	Overflows      uint64
	Released       uint64
	MissingSlots   uint64
	TargetDelay    time.Duration
	JitterEstimate time.Duration
	Buffered       int
}

// Buffer адаптивный jitter buffer одного линка
type Buffer struct {
	cfg Config

	mu      sync.Mutex
	entries entryHeap
	present map[uint16]struct{}

	started     bool
	baseSeq     uint16    // Опорный sequence расписания, сдвигается при выдаче
	baseArrival time.Time // Номинальное время прибытия опорного слота
	nextSeq     uint16    // Следующий sequence к выдаче

	targetDelay time.Duration
	meanOff     float64 // EWMA смещения прибытия, секунды
	varOff      float64 // EWMA дисперсии смещения
	degraded    bool

	received     uint64
	late         uint64
	duplicates   uint64
	overflows    uint64
	released     uint64
	missingSlots uint64
}

// New создает jitter buffer
func New(cfg Config) (*Buffer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Buffer{
		cfg:         cfg,
		present:     make(map[uint16]struct{}),
		targetDelay: cfg.MinDelay,
	}, nil
}

// Push вставляет принятый пакет.
//
// Пакеты старше последнего выданного sequence — поздние или дубликаты;
// они отбрасываются и считаются, это не ошибка. Переполнение буфера
// отбрасывает новый пакет (настроенный MaxDelay все равно не дал бы
// ему дожить до playout).
func (b *Buffer) Push(pkt *wire.Packet, arrival time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.started {
		b.started = true
		b.baseSeq = pkt.Sequence
		b.baseArrival = arrival
		b.nextSeq = pkt.Sequence
	}

	if wire.SeqBefore(pkt.Sequence, b.nextSeq) {
		b.late++
		return
	}
	if _, dup := b.present[pkt.Sequence]; dup {
		b.duplicates++
		return
	}
	if len(b.entries) >= b.cfg.MaxEntries {
		b.overflows++
		return
	}

	b.updateJitter(pkt.Sequence, arrival)

	heap.Push(&b.entries, &entry{packet: pkt, arrival: arrival})
	b.present[pkt.Sequence] = struct{}{}
	b.received++
}

// updateJitter обновляет EWMA оценку джиттера и целевую задержку.
// Вызывается под мьютексом.
func (b *Buffer) updateJitter(seq uint16, arrival time.Time) {
	expected := b.expectedArrival(seq)
	off := arrival.Sub(expected).Seconds()

	a := b.cfg.JitterAlpha
	b.meanOff = (1-a)*b.meanOff + a*off
	dev := off - b.meanOff
	b.varOff = (1-a)*b.varOff + a*dev*dev

	cand := time.Duration((b.meanOff + b.cfg.K*math.Sqrt(b.varOff)) * float64(time.Second))
	if cand > b.targetDelay {
		// Скачок джиттера вверх — расширяемся немедленно
		b.targetDelay = cand
	} else {
		// Нисходящий тренд — сжимаемся постепенно
		b.targetDelay -= time.Duration(b.cfg.ShrinkRate * float64(b.targetDelay-cand))
	}
	b.targetDelay = min(max(b.targetDelay, b.cfg.MinDelay), b.cfg.MaxDelay)
}

// expectedArrival номинальное время прибытия пакета seq по расписанию
// первого пакета
func (b *Buffer) expectedArrival(seq uint16) time.Time {
	return b.baseArrival.Add(time.Duration(wire.SeqDiff(b.baseSeq, seq)) * b.cfg.FramePeriod)
}

// effectiveTarget целевая задержка с учетом деградации источника времени
func (b *Buffer) effectiveTarget() time.Duration {
	t := b.targetDelay
	if b.degraded {
		t = time.Duration(float64(t) * b.cfg.StalePenalty)
		if t > b.cfg.MaxDelay {
			t = b.cfg.MaxDelay
		}
	}
	return t
}

// PopReady выдает очередной слот, если его playout время наступило.
//
// Возвращает ok=false когда выдавать рано (или буфер пуст и дедлайн
// следующего слота не наступил). Когда дедлайн слота наступил, а пакета
// нет — возвращается маркер Missing: playout не должен ждать пакет,
// который может не прийти никогда.
func (b *Buffer) PopReady(now time.Time) (Out, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.started {
		return Out{}, false
	}

	deadline := b.expectedArrival(b.nextSeq).Add(b.effectiveTarget())
	if now.Before(deadline) {
		return Out{}, false
	}

	seq := b.nextSeq

	// Переякорение расписания на выдаваемый слот: SeqDiff от опоры
	// остается в пределах окна буфера на потоках любой длины, иначе
	// после 32768 кадров wrap арифметика ломает ожидаемые прибытия
	b.baseArrival = b.expectedArrival(seq)
	b.baseSeq = seq
	b.nextSeq = seq + 1

	if len(b.entries) > 0 && b.entries[0].packet.Sequence == seq {
		e := heap.Pop(&b.entries).(*entry)
		delete(b.present, seq)
		b.released++
		return Out{Packet: e.packet, Sequence: seq}, true
	}

	b.missingSlots++
	return Out{Sequence: seq, Missing: true}, true
}

// Peek возвращает самый ранний буферизованный пакет не извлекая его.
// Используется concealment стратегией Interpolate как lookahead.
func (b *Buffer) Peek() (*wire.Packet, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.entries) == 0 {
		return nil, false
	}
	return b.entries[0].packet, true
}

// SetDegraded переключает защитное расширение буфера при stale источнике
// времени
func (b *Buffer) SetDegraded(degraded bool) {
	b.mu.Lock()
	b.degraded = degraded
	b.mu.Unlock()
}

// TargetDelay текущая эффективная целевая задержка
func (b *Buffer) TargetDelay() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.effectiveTarget()
}

// JitterEstimate текущая оценка джиттера (stddev смещения прибытия)
func (b *Buffer) JitterEstimate() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return time.Duration(math.Sqrt(b.varOff) * float64(time.Second))
}

// Fill текущее наполнение буфера во времени воспроизведения
func (b *Buffer) Fill() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return time.Duration(len(b.entries)) * b.cfg.FramePeriod
}

// Stats снимок счетчиков
func (b *Buffer) Stats() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Received:       b.received,
		Late:           b.late,
		Duplicates:     b.duplicates,
		Overflows:      b.overflows,
		Released:       b.released,
		MissingSlots:   b.missingSlots,
		TargetDelay:    b.effectiveTarget(),
		JitterEstimate: time.Duration(math.Sqrt(b.varOff) * float64(time.Second)),
		Buffered:       len(b.entries),
	}
}

// Reset возвращает буфер в начальное состояние (остановка стрима)
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = nil
	b.present = make(map[uint16]struct{})
	b.started = false
	b.meanOff = 0
	b.varOff = 0
	b.targetDelay = b.cfg.MinDelay
}
