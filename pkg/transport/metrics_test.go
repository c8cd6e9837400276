package transport

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsCollectorDeltas(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsCollector(reg)

	snap := Snapshot{
		StreamID:         "s1",
		SpeakerID:        "spk1",
		PacketsSent:      100,
		PacketsLost:      5,
		PacketsRecovered: 4,
		ConcealedFrames:  1,
		JitterMs:         2.5,
		TargetDelayMs:    40,
		SyncDegraded:     false,
	}
	m.Observe(snap)

	labels := []string{"s1", "spk1"}
	assert.Equal(t, 100.0, testutil.ToFloat64(m.packetsSent.WithLabelValues(labels...)))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.packetsLost.WithLabelValues(labels...)))
	assert.Equal(t, 2.5, testutil.ToFloat64(m.jitterMs.WithLabelValues(labels...)))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.syncDegraded.WithLabelValues(labels...)))

	// Второй снимок: публикуются только дельты монотонных счетчиков
	snap.PacketsSent = 250
	snap.PacketsLost = 7
	snap.JitterMs = 1.0
	snap.SyncDegraded = true
	m.Observe(snap)

	assert.Equal(t, 250.0, testutil.ToFloat64(m.packetsSent.WithLabelValues(labels...)))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.packetsLost.WithLabelValues(labels...)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.jitterMs.WithLabelValues(labels...)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.syncDegraded.WithLabelValues(labels...)))
}

func TestMetricsCollectorNegativeDelta(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsCollector(reg)

	m.Observe(Snapshot{StreamID: "s1", SpeakerID: "spk1", PacketsLost: 10})
	// Оценка потерь может временно уменьшиться — counter не трогается
	m.Observe(Snapshot{StreamID: "s1", SpeakerID: "spk1", PacketsLost: 8})

	assert.Equal(t, 10.0, testutil.ToFloat64(m.packetsLost.WithLabelValues("s1", "spk1")))
}

func TestMetricsCollectorForget(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsCollector(reg)

	m.Observe(Snapshot{StreamID: "s1", SpeakerID: "spk1", PacketsSent: 10})
	m.Forget("s1")

	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		assert.Empty(t, f.GetMetric(), "серии стрима удалены: %s", f.GetName())
	}

	// После Forget счет начинается заново, без отрицательной дельты
	m.Observe(Snapshot{StreamID: "s1", SpeakerID: "spk1", PacketsSent: 3})
	assert.Equal(t, 3.0, testutil.ToFloat64(m.packetsSent.WithLabelValues("s1", "spk1")))
}
