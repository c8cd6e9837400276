package fec

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/arzzra/wavesync/pkg/wire"
)

// Stats счетчики FEC слоя. Монотонно растут, читаются без мутации,
// безопасны для конкурентного съема control plane во время приема.
type Stats struct {
	MediaReceived       atomic.Uint64
	ParityReceived      atomic.Uint64
	Recovered           atomic.Uint64
	GroupsUnrecoverable atomic.Uint64
	Duplicates          atomic.Uint64
}

// StatsSnapshot снимок счетчиков для control plane
type StatsSnapshot struct {
	MediaReceived       uint64
	ParityReceived      uint64
	Recovered           uint64
	GroupsUnrecoverable uint64
	Duplicates          uint64
}

// Snapshot возвращает согласованный на уровне отдельных счетчиков снимок
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		MediaReceived:       s.MediaReceived.Load(),
		ParityReceived:      s.ParityReceived.Load(),
		Recovered:           s.Recovered.Load(),
		GroupsUnrecoverable: s.GroupsUnrecoverable.Load(),
		Duplicates:          s.Duplicates.Load(),
	}
}

// partialGroup накапливает пакеты одной FEC группы до развязки:
// все media пришли, выполнено восстановление, либо истек таймаут.
type partialGroup struct {
	baseSeq      uint16
	media        []*wire.Packet
	parity       *wire.Packet
	mediaCount   int
	firstArrival time.Time
}

// GroupAssembler собирает FEC группы на приемной стороне.
//
// Жизненный цикл группы:
//   - (a) пришли все N media — parity отброшен, группа удалена
//   - (b) пришли N−1 media + parity — недостающий восстановлен и возвращен
//   - (c) истек GroupTimeout — группа объявлена lossy, недостающие слоты
//     дойдут до concealment через jitter buffer
//
// Доступ сериализуется мьютексом: Add зовется из receive горутины,
// Sweep — из таймерной.
type GroupAssembler struct {
	cfg    Config
	mu     sync.Mutex
	groups map[uint16]*partialGroup // groupID → состояние
	stats  *Stats
}

// NewGroupAssembler создает сборщик групп
func NewGroupAssembler(cfg Config, stats *Stats) *GroupAssembler {
	if stats == nil {
		stats = &Stats{}
	}
	return &GroupAssembler{
		cfg:    cfg,
		groups: make(map[uint16]*partialGroup),
		stats:  stats,
	}
}

// Add учитывает пакет в его группе.
//
// Возвращает восстановленный media пакет, когда прибытие этого пакета
// сделало группу восстановимой (N−1 media + parity). Media пакеты caller
// проталкивает в jitter buffer сам; Add возвращает только то, чего в сети
// не было.
func (a *GroupAssembler) Add(pkt *wire.Packet, now time.Time) *wire.Packet {
	a.mu.Lock()
	defer a.mu.Unlock()

	size := uint16(a.cfg.GroupSize)
	groupID := pkt.Sequence / size

	g, ok := a.groups[groupID]
	if !ok {
		g = &partialGroup{
			baseSeq:      groupID * size,
			media:        make([]*wire.Packet, a.cfg.GroupSize),
			firstArrival: now,
		}
		a.groups[groupID] = g
	}

	switch pkt.PayloadType {
	case wire.PayloadTypeMedia:
		idx := int(pkt.Sequence - g.baseSeq)
		if idx < 0 || idx >= a.cfg.GroupSize {
			return nil // Не бывает при корректном groupID, защита от wrap-коллизий
		}
		if g.media[idx] != nil {
			a.stats.Duplicates.Add(1)
			return nil
		}
		g.media[idx] = pkt
		g.mediaCount++
		a.stats.MediaReceived.Add(1)
	case wire.PayloadTypeParity:
		if g.parity != nil {
			a.stats.Duplicates.Add(1)
			return nil
		}
		g.parity = pkt
		a.stats.ParityReceived.Add(1)
	default:
		return nil
	}

	// (a) группа полна — parity не нужен
	if g.mediaCount == a.cfg.GroupSize {
		delete(a.groups, groupID)
		return nil
	}

	// (b) ровно один отсутствует и есть parity — восстанавливаем
	if g.parity != nil && g.mediaCount == a.cfg.GroupSize-1 {
		rec, err := Recover(g.media, g.parity)
		delete(a.groups, groupID)
		if err != nil {
			return nil
		}
		a.stats.Recovered.Add(1)
		return rec
	}

	return nil
}

// Sweep удаляет группы, просроченные к моменту now.
// Группы с невосстановимыми потерями считаются в GroupsUnrecoverable;
// их недостающие слоты закроет concealment на стороне playout.
func (a *GroupAssembler) Sweep(now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for id, g := range a.groups {
		if now.Sub(g.firstArrival) < a.cfg.GroupTimeout {
			continue
		}
		missing := a.cfg.GroupSize - g.mediaCount
		if missing > 1 || (missing == 1 && g.parity == nil) {
			a.stats.GroupsUnrecoverable.Add(1)
		}
		delete(a.groups, id)
	}
}

// Pending возвращает число незавершенных групп (для buffer fill статистики)
func (a *GroupAssembler) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.groups)
}

// Reset сбрасывает незавершенные группы (остановка стрима: частичные
// группы отбрасываются без попытки дослать)
func (a *GroupAssembler) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.groups = make(map[uint16]*partialGroup)
}
