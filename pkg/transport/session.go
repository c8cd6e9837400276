package transport

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/arzzra/wavesync/pkg/clock"
)

// Direction направление стрима сессии
type Direction int

const (
	DirectionSend     Direction = iota // Только отправка (источник)
	DirectionRecv                      // Только прием (колонка)
	DirectionSendRecv                  // Полный дуплекс
)

// String возвращает строковое представление направления
func (d Direction) String() string {
	switch d {
	case DirectionSend:
		return "send"
	case DirectionRecv:
		return "recv"
	case DirectionSendRecv:
		return "sendrecv"
	default:
		return "unknown"
	}
}

// Состояния жизненного цикла сессии
const (
	SessionStateIdle     = "idle"
	SessionStateStarting = "starting"
	SessionStateActive   = "active"
	SessionStateDegraded = "degraded"
	SessionStateClosed   = "closed"
)

// SessionConfig конфигурация транспортной сессии
type SessionConfig struct {
	StreamID  string
	Direction Direction

	Transport TransportConfig
	Sender    SenderConfig
	Receiver  ReceiverConfig
	Clock     clock.Config

	// SyncInterval период синхронизации часов и съема деградации
	SyncInterval time.Duration

	// OnFrame опциональный callback пейсинга: при установке сессия сама
	// ведет playout цикл с периодом Receiver.Jitter.FramePeriod и отдает
	// готовые кадры. Без него кадры забирают через PopFrame.
	OnFrame func(Frame)

	// OnStateChange уведомление о переходах жизненного цикла
	OnStateChange func(oldState, newState string)

	// Metrics опциональный коллектор Prometheus метрик
	Metrics *MetricsCollector

	Logger *slog.Logger
}

// DefaultSessionConfig возвращает конфигурацию сессии по умолчанию
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Direction:    DirectionSendRecv,
		Transport:    DefaultTransportConfig(),
		Sender:       DefaultSenderConfig(),
		Receiver:     DefaultReceiverConfig(),
		Clock:        clock.DefaultConfig(),
		SyncInterval: time.Second,
	}
}

// Validate проверяет конфигурацию
func (c *SessionConfig) Validate() error {
	if c.StreamID == "" {
		return NewError(ErrorCodeSessionInvalidConfig, "", "stream id обязателен")
	}
	if c.SyncInterval <= 0 {
		return NewError(ErrorCodeSessionInvalidConfig, c.StreamID, "SyncInterval должен быть положительным")
	}
	if c.Direction != DirectionRecv {
		if err := c.Sender.Validate(); err != nil {
			return err
		}
	}
	if c.Direction != DirectionSend {
		if err := c.Receiver.Validate(); err != nil {
			return err
		}
	}
	if err := c.Clock.Validate(); err != nil {
		return WrapError(ErrorCodeSessionInvalidConfig, c.StreamID, "невалидная конфигурация часов", err)
	}
	return nil
}

// Session транспортная сессия одного аудио стрима.
//
// Владеет сокетом, источником сетевых часов и горутинами тракта:
//   - receiveLoop: прием датаграмм → Receiver.HandleDatagram
//   - sweepLoop: развязка просроченных FEC групп
//   - syncLoop: синхронизация часов, деградация, метрики
//   - pacingLoop: playout цикл (только при заданном OnFrame)
//
// Жизненный цикл: idle → starting → active ⇄ degraded → closed.
// Переход в degraded происходит при устаревании оценки часов; тракт
// продолжает работать с расширенным jitter buffer и замороженной
// компенсацией. Closed терминален.
type Session struct {
	config SessionConfig
	logger *slog.Logger

	stateMachine *fsm.FSM
	stats        *Stats

	transport Transport
	clockSrc  clock.ClockSource
	sender    *Sender
	receiver  *Receiver

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
	closed  bool
}

// NewSession создает сессию в состоянии idle
func NewSession(config SessionConfig) (*Session, error) {
	if config.SyncInterval == 0 {
		config.SyncInterval = time.Second
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	config.Sender.StreamID = config.StreamID
	config.Receiver.StreamID = config.StreamID

	s := &Session{
		config: config,
		logger: config.Logger.With(slog.String("stream_id", config.StreamID)),
		stats:  &Stats{},
	}
	s.initStateMachine()
	return s, nil
}

// initStateMachine инициализирует конечный автомат жизненного цикла
func (s *Session) initStateMachine() {
	s.stateMachine = fsm.NewFSM(
		SessionStateIdle,
		fsm.Events{
			// Запуск тракта
			{Name: "start", Src: []string{SessionStateIdle}, Dst: SessionStateStarting},
			// Первый успешный цикл синхронизации
			{Name: "activate", Src: []string{SessionStateStarting}, Dst: SessionStateActive},
			// Устаревание оценки часов
			{Name: "degrade", Src: []string{SessionStateActive}, Dst: SessionStateDegraded},
			// Восстановление синхронизации
			{Name: "recover", Src: []string{SessionStateDegraded}, Dst: SessionStateActive},
			// Остановка из любого рабочего состояния
			{Name: "close", Src: []string{SessionStateIdle, SessionStateStarting, SessionStateActive, SessionStateDegraded}, Dst: SessionStateClosed},
		},
		fsm.Callbacks{
			"after_event": func(ctx context.Context, e *fsm.Event) {
				s.handleStateChange(e)
			},
		},
	)
}

// handleStateChange уведомляет подписчика о переходе состояния
func (s *Session) handleStateChange(e *fsm.Event) {
	s.logger.Info("переход состояния сессии",
		slog.String("from", e.Src),
		slog.String("to", e.Dst))
	if s.config.OnStateChange != nil {
		s.config.OnStateChange(e.Src, e.Dst)
	}
}

// State текущее состояние жизненного цикла
func (s *Session) State() string {
	return s.stateMachine.Current()
}

// Start запускает сессию: привязывает сокет, создает источник часов,
// поднимает горутины тракта
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return NewError(ErrorCodeSessionClosed, s.config.StreamID, "сессия закрыта")
	}
	if s.started {
		return NewError(ErrorCodeSessionAlreadyStarted, s.config.StreamID, "сессия уже запущена")
	}
	if err := s.stateMachine.Event(context.Background(), "start"); err != nil {
		return WrapError(ErrorCodeSessionInvalidState, s.config.StreamID, "недопустимый переход состояния", err)
	}

	transport, err := NewUDPTransport(s.config.Transport)
	if err != nil {
		s.stateMachine.Event(context.Background(), "close") //nolint:errcheck
		return err
	}
	clockSrc, err := clock.New(s.config.Clock)
	if err != nil {
		transport.Close() //nolint:errcheck
		s.stateMachine.Event(context.Background(), "close") //nolint:errcheck
		return WrapError(ErrorCodeSessionInvalidConfig, s.config.StreamID, "ошибка создания источника часов", err)
	}
	s.transport = transport
	s.clockSrc = clockSrc

	if s.config.Direction != DirectionRecv {
		s.sender, err = NewSender(s.config.Sender, transport, s.stats, s.config.Logger)
		if err != nil {
			clockSrc.Close()  //nolint:errcheck
			transport.Close() //nolint:errcheck
			s.stateMachine.Event(context.Background(), "close") //nolint:errcheck
			return err
		}
	}
	if s.config.Direction != DirectionSend {
		s.receiver, err = NewReceiver(s.config.Receiver, s.stats, s.config.Logger)
		if err != nil {
			clockSrc.Close()  //nolint:errcheck
			transport.Close() //nolint:errcheck
			s.stateMachine.Event(context.Background(), "close") //nolint:errcheck
			return err
		}
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started = true

	if s.receiver != nil {
		s.wg.Add(2)
		go s.receiveLoop()
		go s.sweepLoop()
		if s.config.OnFrame != nil {
			s.wg.Add(1)
			go s.pacingLoop()
		}
	}
	s.wg.Add(1)
	go s.syncLoop()

	s.logger.Info("сессия запущена",
		slog.String("direction", s.config.Direction.String()),
		slog.String("local_addr", transport.LocalAddr().String()),
		slog.String("clock", s.config.Clock.Kind.String()))
	return nil
}

// receiveLoop цикл приема датаграмм
func (s *Session) receiveLoop() {
	defer s.wg.Done()

	for {
		data, _, err := s.transport.Receive(s.ctx)
		if err != nil {
			if err == ErrReceiveTimeout {
				continue
			}
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			if IsCode(err, ErrorCodeTransportClosed) {
				return
			}
			s.logger.Warn("ошибка приема", slog.String("error", err.Error()))
			continue
		}
		if err := s.receiver.HandleDatagram(data, time.Now()); err != nil {
			s.logger.Debug("отброшена датаграмма", slog.String("error", err.Error()))
		}
	}
}

// sweepLoop периодическая развязка просроченных FEC групп
func (s *Session) sweepLoop() {
	defer s.wg.Done()

	period := s.config.Receiver.FEC.GroupTimeout / 2
	if period <= 0 {
		period = 30 * time.Millisecond
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			s.receiver.SweepGroups(now)
		}
	}
}

// syncLoop синхронизация часов, деградация сессии и публикация метрик
func (s *Session) syncLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.SyncInterval)
	defer ticker.Stop()

	// Первый цикл сразу, не дожидаясь тика
	s.syncOnce()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.syncOnce()
		}
	}
}

// syncOnce один цикл синхронизации
func (s *Session) syncOnce() {
	if _, err := s.clockSrc.Sync(s.ctx); err != nil {
		s.logger.Warn("ошибка синхронизации часов", slog.String("error", err.Error()))
	}
	stale := s.clockSrc.Stale()
	est := s.clockSrc.Estimate()

	if s.receiver != nil {
		s.receiver.UpdateSync(time.Now(), est, stale)
	}

	// Переходы active ⇄ degraded по состоянию часов
	switch s.stateMachine.Current() {
	case SessionStateStarting:
		if !stale {
			s.stateMachine.Event(context.Background(), "activate") //nolint:errcheck
		}
	case SessionStateActive:
		if stale {
			s.stateMachine.Event(context.Background(), "degrade") //nolint:errcheck
		}
	case SessionStateDegraded:
		if !stale {
			s.stateMachine.Event(context.Background(), "recover") //nolint:errcheck
		}
	}

	if s.config.Metrics != nil {
		s.config.Metrics.Observe(s.Stats())
	}
}

// pacingLoop playout цикл: каждый FramePeriod выдает готовый кадр
// через OnFrame. Пропуск тика без готового кадра допустим — буфер
// еще набирает целевую задержку.
func (s *Session) pacingLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Receiver.Jitter.FramePeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			for {
				frame, ok := s.receiver.PopFrame(now)
				if !ok {
					break
				}
				s.config.OnFrame(frame)
			}
		}
	}
}

// LocalAddr локальный адрес сокета сессии (nil до Start)
func (s *Session) LocalAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transport == nil {
		return nil
	}
	return s.transport.LocalAddr()
}

// SendBlock отправляет один блок сэмплов через отправной тракт
func (s *Session) SendBlock(block []byte, samples uint32) error {
	s.mu.Lock()
	sender := s.sender
	started := s.started
	s.mu.Unlock()

	if !started || sender == nil {
		return NewError(ErrorCodeSessionInvalidState, s.config.StreamID, "отправной тракт не активен")
	}
	return sender.SendBlock(block, samples)
}

// PopFrame забирает готовый кадр приемного тракта (без пейсинга)
func (s *Session) PopFrame(now time.Time) (Frame, bool) {
	s.mu.Lock()
	receiver := s.receiver
	s.mu.Unlock()

	if receiver == nil {
		return Frame{}, false
	}
	return receiver.PopFrame(now)
}

// AddSpeaker регистрирует колонку в фан-ауте отправителя
func (s *Session) AddSpeaker(id, addr string, delay time.Duration) error {
	s.mu.Lock()
	sender := s.sender
	s.mu.Unlock()

	if sender == nil {
		return NewError(ErrorCodeSessionInvalidState, s.config.StreamID, "отправной тракт не активен")
	}
	return sender.AddSpeaker(id, addr, delay)
}

// RemoveSpeaker исключает колонку из фан-аута
func (s *Session) RemoveSpeaker(id string) error {
	s.mu.Lock()
	sender := s.sender
	s.mu.Unlock()

	if sender == nil {
		return NewError(ErrorCodeSessionInvalidState, s.config.StreamID, "отправной тракт не активен")
	}
	return sender.RemoveSpeaker(id)
}

// SetSpeakerDelay меняет настроенную задержку на лету.
// На отправителе обновляется реестр, на приемнике компенсация плавно
// подводится к новой цели.
func (s *Session) SetSpeakerDelay(id string, delay time.Duration) error {
	s.mu.Lock()
	sender := s.sender
	receiver := s.receiver
	s.mu.Unlock()

	if sender != nil {
		if err := sender.SetSpeakerDelay(id, delay); err != nil {
			return err
		}
	}
	if receiver != nil && s.config.Receiver.SpeakerID == id {
		receiver.SetConfiguredDelay(delay)
	}
	return nil
}

// Stats сводный снимок состояния стрима
func (s *Session) Stats() Snapshot {
	s.mu.Lock()
	receiver := s.receiver
	s.mu.Unlock()

	if receiver != nil {
		snap := receiver.Stats()
		snap.PacketsSent = s.stats.PacketsSent.Load()
		return snap
	}
	return Snapshot{
		StreamID:    s.config.StreamID,
		PacketsSent: s.stats.PacketsSent.Load(),
	}
}

// Stop останавливает сессию. Частичные FEC группы и буферизованные
// пакеты отбрасываются, сокет и источник часов закрываются.
// Повторный вызов безопасен.
func (s *Session) Stop() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	started := s.started
	s.mu.Unlock()

	s.stateMachine.Event(context.Background(), "close") //nolint:errcheck

	if !started {
		return nil
	}

	s.cancel()
	s.wg.Wait()

	if s.sender != nil {
		s.sender.Close()
	}
	if s.receiver != nil {
		s.receiver.Reset()
	}
	if s.clockSrc != nil {
		s.clockSrc.Close() //nolint:errcheck
	}

	var err error
	if s.transport != nil {
		err = s.transport.Close()
	}

	s.logger.Info("сессия остановлена")
	return err
}
