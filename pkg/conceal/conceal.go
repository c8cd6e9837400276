// Package conceal реализует маскировку потерянных кадров (packet loss
// concealment).
//
// Вызывается приемным трактом ровно тогда, когда корректных данных нет:
// пакет потерян, FEC не восстановил, дедлайн playout наступил. По
// определению выход — best-effort замена, поэтому Conceal никогда не
// возвращает ошибку; каждая подмена фиксируется в статистике (всего, по
// стратегии, по длине непрерывной серии), чтобы control plane мог
// детектировать деградацию линка.
//
// Стратегии (закрытый набор, выбирается конфигурацией):
//   - Silence: нулевой кадр — минимальный риск артефактов при редких
//     потерях, слышимый провал при сериях
//   - Repeat: копия последнего выданного кадра — лучше для очень коротких
//     разрывов (<20 мс), на длинных сериях вырождается в жужжание
//   - Interpolate: линейный кроссфейд от последнего кадра к следующему
//     успешно принятому — лучшее качество, но требует lookahead слота
//     в jitter buffer
//
// Payload интерпретируется как interleaved little-endian s16 PCM — это
// единственное место транспортного ядра, которому нужна структура сэмплов.
package conceal

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// Strategy стратегия маскировки
type Strategy int

const (
	StrategySilence Strategy = iota
	StrategyRepeat
	StrategyInterpolate
)

func (s Strategy) String() string {
	switch s {
	case StrategySilence:
		return "silence"
	case StrategyRepeat:
		return "repeat"
	case StrategyInterpolate:
		return "interpolate"
	default:
		return "unknown"
	}
}

// Config конфигурация concealment
type Config struct {
	Strategy Strategy

	// FrameBytes размер кадра в байтах; используется пока не выдан ни один
	// хороший кадр (нечего повторять — отдаем тишину нужной длины)
	FrameBytes int
}

// DefaultConfig возвращает конфигурацию по умолчанию:
// 20 мс стерео 48 кГц s16 = 3840 байт
func DefaultConfig() Config {
	return Config{
		Strategy:   StrategyRepeat,
		FrameBytes: 3840,
	}
}

// Validate проверяет конфигурацию
func (c Config) Validate() error {
	switch c.Strategy {
	case StrategySilence, StrategyRepeat, StrategyInterpolate:
	default:
		return fmt.Errorf("conceal: неизвестная стратегия %d", c.Strategy)
	}
	if c.FrameBytes <= 0 || c.FrameBytes%2 != 0 {
		return fmt.Errorf("conceal: FrameBytes должен быть положительным и четным")
	}
	return nil
}

// runBuckets границы гистограммы длин серий concealment
var runBuckets = []int{1, 2, 4, 8, 16}

// Stats статистика подмен. Снимается control plane конкурентно с приемом.
type Stats struct {
	Total      uint64
	ByStrategy map[string]uint64
	// RunLengths гистограмма завершенных серий: ключ — верхняя граница
	// бакета ("1", "2", "4", "8", "16", "+Inf")
	RunLengths map[string]uint64
	CurrentRun int
	MaxRun     int
}

// Concealer маскирует потерянные кадры, держа контекст последних выданных
type Concealer struct {
	cfg Config

	mu       sync.Mutex
	last     []byte // Последний хороший кадр
	haveLast bool
	run      int // Текущая непрерывная серия подмен

	total      uint64
	byStrategy map[Strategy]uint64
	runHist    map[string]uint64
	maxRun     int
}

// New создает concealer
func New(cfg Config) (*Concealer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Concealer{
		cfg:        cfg,
		byStrategy: make(map[Strategy]uint64),
		runHist:    make(map[string]uint64),
	}, nil
}

// Observe фиксирует успешно выданный кадр: он становится контекстом для
// будущих подмен, а текущая серия подмен (если была) завершается
func (c *Concealer) Observe(payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.run > 0 {
		c.recordRun(c.run)
		c.run = 0
	}
	if cap(c.last) < len(payload) {
		c.last = make([]byte, len(payload))
	}
	c.last = c.last[:len(payload)]
	copy(c.last, payload)
	c.haveLast = true
}

// Conceal возвращает кадр-замену для отсутствующего слота.
//
// next — payload следующего успешно принятого кадра (lookahead из jitter
// buffer), nil если он еще не известен; remaining — число отсутствующих
// слотов от текущего до next включительно. Оба параметра использует только
// Interpolate; без lookahead она деградирует в Repeat.
func (c *Concealer) Conceal(next []byte, remaining int) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.run++
	c.total++
	if c.run > c.maxRun {
		c.maxRun = c.run
	}

	strategy := c.cfg.Strategy
	if strategy == StrategyInterpolate && (next == nil || !c.haveLast) {
		strategy = StrategyRepeat
	}
	if strategy == StrategyRepeat && !c.haveLast {
		strategy = StrategySilence
	}
	c.byStrategy[strategy]++

	switch strategy {
	case StrategyRepeat:
		out := make([]byte, len(c.last))
		copy(out, c.last)
		return out
	case StrategyInterpolate:
		if remaining < 1 {
			remaining = 1
		}
		// Позиция в разрыве: run подмен уже сделано (включая эту),
		// remaining слотов до следующего хорошего кадра
		w := float64(c.run) / float64(c.run+remaining)
		return crossfade(c.last, next, w)
	default:
		n := c.cfg.FrameBytes
		if c.haveLast {
			n = len(c.last)
		}
		return make([]byte, n)
	}
}

// recordRun заносит завершенную серию в гистограмму. Вызывается под mu.
func (c *Concealer) recordRun(run int) {
	for _, b := range runBuckets {
		if run <= b {
			c.runHist[fmt.Sprintf("%d", b)]++
			return
		}
	}
	c.runHist["+Inf"]++
}

// Stats снимок статистики
func (c *Concealer) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	by := make(map[string]uint64, len(c.byStrategy))
	for s, v := range c.byStrategy {
		by[s.String()] = v
	}
	hist := make(map[string]uint64, len(c.runHist))
	for k, v := range c.runHist {
		hist[k] = v
	}
	return Stats{
		Total:      c.total,
		ByStrategy: by,
		RunLengths: hist,
		CurrentRun: c.run,
		MaxRun:     c.maxRun,
	}
}

// crossfade смешивает s16le кадры a и b с весом w к b.
// Кадры разной длины смешиваются по короткому, хвост берется из длинного.
func crossfade(a, b []byte, w float64) []byte {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	out := make([]byte, n&^1)

	for i := 0; i+1 < len(out); i += 2 {
		var sa, sb int16
		if i+1 < len(a) {
			sa = int16(binary.LittleEndian.Uint16(a[i:]))
		}
		if i+1 < len(b) {
			sb = int16(binary.LittleEndian.Uint16(b[i:]))
		}
		mixed := float64(sa)*(1-w) + float64(sb)*w
		if mixed > 32767 {
			mixed = 32767
		} else if mixed < -32768 {
			mixed = -32768
		}
		binary.LittleEndian.PutUint16(out[i:], uint16(int16(mixed)))
	}
	return out
}
