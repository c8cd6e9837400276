package transport

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsCollector экспортирует метрики транспортного тракта в Prometheus.
//
// Счетчики публикуются дельтами от предыдущего снимка: внутренние
// атомарные счетчики монотонны, коллектор переводит их в Prometheus
// counters без двойного учета. Gauges перезаписываются целиком.
//
// Один коллектор обслуживает много стримов — кардинальность ограничена
// метками stream_id/speaker_id, которых единицы на процесс.
type MetricsCollector struct {
	packetsSent      *prometheus.CounterVec
	packetsLost      *prometheus.CounterVec
	packetsRecovered *prometheus.CounterVec
	concealedFrames  *prometheus.CounterVec
	lateDropped      *prometheus.CounterVec
	malformed        *prometheus.CounterVec

	jitterMs       *prometheus.GaugeVec
	bufferFillMs   *prometheus.GaugeVec
	targetDelayMs  *prometheus.GaugeVec
	syncOffsetMs   *prometheus.GaugeVec
	compensationMs *prometheus.GaugeVec
	syncDegraded   *prometheus.GaugeVec

	mu   sync.Mutex
	last map[string]Snapshot // stream_id → предыдущий снимок
}

// NewMetricsCollector создает коллектор и регистрирует метрики.
// Registerer передается явно: в тестах используется отдельный registry,
// в процессе — prometheus.DefaultRegisterer.
func NewMetricsCollector(reg prometheus.Registerer) *MetricsCollector {
	factory := promauto.With(reg)
	labels := []string{"stream_id", "speaker_id"}

	const namespace = "wavesync"
	const subsystem = "transport"

	return &MetricsCollector{
		packetsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_sent_total",
			Help:      "Total media packets sent",
		}, labels),
		packetsLost: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_lost_total",
			Help:      "Estimated network packet loss before FEC recovery",
		}, labels),
		packetsRecovered: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_recovered_total",
			Help:      "Packets reconstructed from XOR parity",
		}, labels),
		concealedFrames: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "concealed_frames_total",
			Help:      "Playout frames synthesized by loss concealment",
		}, labels),
		lateDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "late_dropped_total",
			Help:      "Packets dropped for arriving after their playout slot",
		}, labels),
		malformed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "malformed_total",
			Help:      "Datagrams dropped at wire format parsing",
		}, labels),

		jitterMs: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "jitter_ms",
			Help:      "Current interarrival jitter estimate",
		}, labels),
		bufferFillMs: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "buffer_fill_ms",
			Help:      "Jitter buffer fill in playout time",
		}, labels),
		targetDelayMs: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "target_delay_ms",
			Help:      "Adaptive jitter buffer target delay",
		}, labels),
		syncOffsetMs: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sync_offset_ms",
			Help:      "Estimated network clock offset",
		}, labels),
		compensationMs: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "compensation_ms",
			Help:      "Applied speaker latency compensation",
		}, labels),
		syncDegraded: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sync_degraded",
			Help:      "1 when clock sync is stale and compensation is frozen",
		}, labels),

		last: make(map[string]Snapshot),
	}
}

// Observe публикует снимок стрима. Зовется периодически из syncLoop
// сессии; частота публикации равна SyncInterval.
func (m *MetricsCollector) Observe(snap Snapshot) {
	lv := prometheus.Labels{
		"stream_id":  snap.StreamID,
		"speaker_id": snap.SpeakerID,
	}

	m.mu.Lock()
	prev := m.last[snap.StreamID]
	m.last[snap.StreamID] = snap
	m.mu.Unlock()

	m.packetsSent.With(lv).Add(counterDelta(prev.PacketsSent, snap.PacketsSent))
	m.packetsLost.With(lv).Add(counterDelta(prev.PacketsLost, snap.PacketsLost))
	m.packetsRecovered.With(lv).Add(counterDelta(prev.PacketsRecovered, snap.PacketsRecovered))
	m.concealedFrames.With(lv).Add(counterDelta(prev.ConcealedFrames, snap.ConcealedFrames))
	m.lateDropped.With(lv).Add(counterDelta(prev.LateDropped, snap.LateDropped))
	m.malformed.With(lv).Add(counterDelta(prev.Malformed, snap.Malformed))

	m.jitterMs.With(lv).Set(snap.JitterMs)
	m.bufferFillMs.With(lv).Set(snap.BufferFillMs)
	m.targetDelayMs.With(lv).Set(snap.TargetDelayMs)
	m.syncOffsetMs.With(lv).Set(snap.SyncOffsetMs)
	m.compensationMs.With(lv).Set(snap.CompensationMs)
	if snap.SyncDegraded {
		m.syncDegraded.With(lv).Set(1)
	} else {
		m.syncDegraded.With(lv).Set(0)
	}
}

// Forget удаляет серии остановленного стрима
func (m *MetricsCollector) Forget(streamID string) {
	m.mu.Lock()
	delete(m.last, streamID)
	m.mu.Unlock()

	lv := prometheus.Labels{"stream_id": streamID}
	m.packetsSent.DeletePartialMatch(lv)
	m.packetsLost.DeletePartialMatch(lv)
	m.packetsRecovered.DeletePartialMatch(lv)
	m.concealedFrames.DeletePartialMatch(lv)
	m.lateDropped.DeletePartialMatch(lv)
	m.malformed.DeletePartialMatch(lv)
	m.jitterMs.DeletePartialMatch(lv)
	m.bufferFillMs.DeletePartialMatch(lv)
	m.targetDelayMs.DeletePartialMatch(lv)
	m.syncOffsetMs.DeletePartialMatch(lv)
	m.compensationMs.DeletePartialMatch(lv)
	m.syncDegraded.DeletePartialMatch(lv)
}

// counterDelta неотрицательная дельта монотонного счетчика.
// Оценка PacketsLost может кратковременно уменьшиться (хвост диапазона
// догнал приемник) — отрицательные дельты не публикуются.
func counterDelta(prev, cur uint64) float64 {
	if cur <= prev {
		return 0
	}
	return float64(cur - prev)
}
