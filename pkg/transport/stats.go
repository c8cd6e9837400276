package transport

import "sync/atomic"

// Stats атомарные счетчики тракта. Принадлежат сессии и передаются по
// ссылке send/receive горутинам; control plane опрашивает их через
// явный Snapshot, глобального состояния нет. Счетчики не несут
// корректностных инвариантов — приблизительные значения допустимы,
// они служат наблюдаемости и адаптации, но не data-path решениям.
type Stats struct {
	PacketsSent    atomic.Uint64 // Отправлено media пакетов
	ParitySent     atomic.Uint64 // Отправлено parity пакетов
	BytesSent      atomic.Uint64
	SendErrors     atomic.Uint64
	PacketsArrived atomic.Uint64 // Принято уникальных media с сети
	BytesReceived  atomic.Uint64
	Malformed      atomic.Uint64 // Отброшено на разборе
	UnknownSource  atomic.Uint64 // Чужой source id
}

// Snapshot сводный снимок состояния стрима для control plane.
// Read-only, собирается на момент запроса.
type Snapshot struct {
	StreamID  string
	SpeakerID string

	// Счетчики пакетов
	PacketsSent      uint64
	PacketsLost      uint64 // Потери на сети (до FEC)
	PacketsRecovered uint64 // Восстановлено FEC
	ConcealedFrames  uint64 // Замаскировано concealment
	LateDropped      uint64
	Duplicates       uint64
	Malformed        uint64

	// Текущее состояние приемного тракта
	JitterMs      float64
	BufferFillMs  float64
	TargetDelayMs float64

	// Синхронизация
	SyncOffsetMs   float64
	CompensationMs float64
	SyncDegraded   bool
}
