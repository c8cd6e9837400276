package transport

import (
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/arzzra/wavesync/pkg/fec"
	"github.com/arzzra/wavesync/pkg/wire"
)

// SenderConfig конфигурация отправного тракта
type SenderConfig struct {
	StreamID   string     // Идентификатор стрима для логов и ошибок
	SourceID   uint32     // Идентификатор источника (0 = случайный)
	MaxPayload int        // Максимальный payload одного пакета
	FEC        fec.Config // Параметры parity групп
}

// DefaultSenderConfig возвращает конфигурацию отправителя по умолчанию
func DefaultSenderConfig() SenderConfig {
	return SenderConfig{
		MaxPayload: wire.MaxPayloadSize,
		FEC:        fec.DefaultConfig(),
	}
}

// Validate проверяет конфигурацию
func (c *SenderConfig) Validate() error {
	if c.MaxPayload < 0 || c.MaxPayload > wire.MaxPayloadSize {
		return NewError(ErrorCodeSessionInvalidConfig, c.StreamID, "max payload вне допустимого диапазона")
	}
	if err := c.FEC.Validate(); err != nil {
		return WrapError(ErrorCodeSessionInvalidConfig, c.StreamID, "невалидная FEC конфигурация", err)
	}
	return nil
}

// SpeakerInfo описание зарегистрированной колонки
type SpeakerInfo struct {
	ID              string
	Addr            *net.UDPAddr
	ConfiguredDelay time.Duration
	PacketsSent     uint64
}

// speakerEndpoint внутреннее состояние колонки в реестре отправителя
type speakerEndpoint struct {
	id          string
	addr        *net.UDPAddr
	delay       time.Duration
	packetsSent uint64
}

// Sender реализует отправной тракт: пакетизация блоков, накопление FEC
// групп, фан-аут каждого пакета по всем зарегистрированным колонкам.
//
// Каждый media пакет уходит в сеть сразу при пакетизации — parity не
// задерживает медиа. По накоплению полной группы вслед уходит parity
// пакет. Недобранная группа при закрытии отбрасывается без отправки
// parity: приемник корректно обрабатывает группы без четности.
//
// Если реестр колонок пуст, пакеты идут на удаленный адрес транспорта
// по умолчанию (точка-точка без фан-аута).
type Sender struct {
	config    SenderConfig
	transport Transport
	pkt       *Packetizer
	stats     *Stats
	logger    *slog.Logger

	mu       sync.Mutex
	speakers map[string]*speakerEndpoint
	group    []*wire.Packet
	closed   bool
}

// NewSender создает отправитель поверх готового транспорта.
// Транспортом владеет вызывающий: Close отправителя его не закрывает.
func NewSender(config SenderConfig, transport Transport, stats *Stats, logger *slog.Logger) (*Sender, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if transport == nil {
		return nil, NewError(ErrorCodeSessionInvalidConfig, config.StreamID, "транспорт не задан")
	}
	if config.MaxPayload == 0 {
		config.MaxPayload = wire.MaxPayloadSize
	}
	if stats == nil {
		stats = &Stats{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	sourceID := config.SourceID
	if sourceID == 0 {
		sourceID = randomUint32()
	}

	return &Sender{
		config:    config,
		transport: transport,
		pkt:       NewPacketizer(sourceID, config.MaxPayload, config.FEC.GroupSize),
		stats:     stats,
		logger:    logger.With(slog.String("stream_id", config.StreamID)),
		speakers:  make(map[string]*speakerEndpoint),
		group:     make([]*wire.Packet, 0, config.FEC.GroupSize),
	}, nil
}

// SourceID возвращает идентификатор источника стрима
func (s *Sender) SourceID() uint32 { return s.pkt.SourceID() }

// AddSpeaker регистрирует колонку в реестре фан-аута
func (s *Sender) AddSpeaker(id, addr string, delay time.Duration) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return WrapError(ErrorCodeTransportResolveFailed, s.config.StreamID, "ошибка разрешения адреса колонки", err).
			WithContext("speaker_id", id).
			WithContext("addr", addr)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.speakers[id]; exists {
		return NewError(ErrorCodeSpeakerAlreadyExists, s.config.StreamID, "колонка уже зарегистрирована").
			WithContext("speaker_id", id)
	}
	s.speakers[id] = &speakerEndpoint{id: id, addr: udpAddr, delay: delay}

	s.logger.Info("колонка добавлена",
		slog.String("speaker_id", id),
		slog.String("addr", udpAddr.String()),
		slog.Duration("configured_delay", delay))
	return nil
}

// RemoveSpeaker исключает колонку из фан-аута
func (s *Sender) RemoveSpeaker(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.speakers[id]; !exists {
		return NewError(ErrorCodeSpeakerNotFound, s.config.StreamID, "колонка не найдена").
			WithContext("speaker_id", id)
	}
	delete(s.speakers, id)
	s.logger.Info("колонка удалена", slog.String("speaker_id", id))
	return nil
}

// SetSpeakerDelay меняет настроенную задержку колонки на лету
func (s *Sender) SetSpeakerDelay(id string, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sp, exists := s.speakers[id]
	if !exists {
		return NewError(ErrorCodeSpeakerNotFound, s.config.StreamID, "колонка не найдена").
			WithContext("speaker_id", id)
	}
	sp.delay = delay
	return nil
}

// Speakers возвращает снимок реестра колонок, отсортированный по id
func (s *Sender) Speakers() []SpeakerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]SpeakerInfo, 0, len(s.speakers))
	for _, sp := range s.speakers {
		out = append(out, SpeakerInfo{
			ID:              sp.id,
			Addr:            sp.addr,
			ConfiguredDelay: sp.delay,
			PacketsSent:     sp.packetsSent,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SendBlock пакетизирует и отправляет один блок сэмплов.
//
// Ошибки отправки отдельных датаграмм не фатальны: они считаются и
// логируются, но не прерывают стрим — потеря пакета для UDP аудио
// нормальный режим работы, решает ее FEC и concealment на приемнике.
func (s *Sender) SendBlock(block []byte, samples uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return NewError(ErrorCodeSessionClosed, s.config.StreamID, "отправитель закрыт")
	}
	if len(block) > s.config.MaxPayload*fec.MaxGroupSize {
		return NewError(ErrorCodeBlockTooLarge, s.config.StreamID, "блок превышает допустимый размер").
			WithContext("block_size", len(block))
	}

	for _, pkt := range s.pkt.Packetize(block, samples) {
		s.fanOut(pkt.Marshal())
		s.stats.PacketsSent.Add(1)
		s.stats.BytesSent.Add(uint64(wire.HeaderSize + len(pkt.Payload)))

		s.group = append(s.group, pkt)
		if len(s.group) == s.config.FEC.GroupSize {
			s.flushParityLocked()
		}
	}
	return nil
}

// flushParityLocked кодирует и отправляет parity накопленной группы.
// Вызывается под s.mu с полной группой.
func (s *Sender) flushParityLocked() {
	parity, err := fec.EncodeGroup(s.group)
	if err != nil {
		s.logger.Error("ошибка кодирования parity", slog.String("error", err.Error()))
	} else {
		s.fanOut(parity.Marshal())
		s.stats.ParitySent.Add(1)
		s.stats.BytesSent.Add(uint64(wire.HeaderSize + len(parity.Payload)))
	}
	s.group = s.group[:0]
}

// fanOut доставляет датаграмму всем колонкам либо адресу по умолчанию
func (s *Sender) fanOut(data []byte) {
	if len(s.speakers) == 0 {
		if err := s.transport.Send(data); err != nil {
			s.stats.SendErrors.Add(1)
		}
		return
	}
	for _, sp := range s.speakers {
		if err := s.transport.SendTo(data, sp.addr); err != nil {
			s.stats.SendErrors.Add(1)
			s.logger.Debug("ошибка отправки колонке",
				slog.String("speaker_id", sp.id),
				slog.String("error", err.Error()))
			continue
		}
		sp.packetsSent++
	}
}

// Close останавливает отправитель. Недобранная FEC группа отбрасывается.
func (s *Sender) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.group = nil
}
