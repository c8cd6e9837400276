// Package transport реализует транспортную сессию синхронного аудио
// стриминга: отправной тракт (пакетизация, FEC, фан-аут по колонкам)
// и приемный тракт (классификация, FEC восстановление, jitter buffer,
// concealment, компенсация задержки).
//
// Архитектура основана на принципе разделения ответственности:
//   - Transport: владение сокетом, прием/отправка датаграмм
//   - Sender: последовательности, сборка FEC групп, фан-аут
//   - Receiver: приемный конвейер до выдачи кадров playout стороне
//   - Session: жизненный цикл, горутины, статистика, метрики
//
// Сокетом владеет исключительно его пара send/receive горутин — никакой
// другой компонент не трогает его напрямую. Состояние jitter buffer и FEC
// групп принадлежит стриму и не разделяется между стримами. Счетчики
// статистики — единственное, что control plane читает конкурентно, и
// только через атомарные операции.
package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"
)

// Константы транспорта
const (
	// DefaultBufferSize размер буфера чтения по умолчанию (MTU Ethernet)
	DefaultBufferSize = 1500

	// DefaultReceiveTimeout период опроса сокета. Ограничивает время
	// обнаружения мертвого линка и реакции на отмену контекста.
	DefaultReceiveTimeout = 100 * time.Millisecond

	// DSCP значения для QoS классификации трафика согласно RFC 4594
	DSCPExpeditedForwarding = 46 // EF для интерактивного аудио
	DSCPBestEffort          = 0
)

// Transport определяет интерфейс доставки датаграмм.
// Используется отправным и приемным трактами; в тестах подменяется
// программируемым транспортом с инъекцией потерь.
type Transport interface {
	// Send отправляет датаграмму удаленному адресу по умолчанию
	Send(data []byte) error

	// SendTo отправляет датаграмму конкретной колонке (фан-аут)
	SendTo(data []byte, addr net.Addr) error

	// Receive получает датаграмму с указанием источника.
	// Возвращает ErrReceiveTimeout по истечении периода опроса.
	Receive(ctx context.Context) ([]byte, net.Addr, error)

	// LocalAddr возвращает локальный адрес транспорта
	LocalAddr() net.Addr

	// Close закрывает транспорт
	Close() error

	// IsActive проверяет активность транспорта
	IsActive() bool
}

// TransportConfig конфигурация UDP транспорта
type TransportConfig struct {
	LocalAddr  string // Локальный адрес для привязки
	RemoteAddr string // Удаленный адрес по умолчанию (опционально)
	BufferSize int    // Размер буфера чтения

	// QoS и сокетные опции
	DSCP      int    // DSCP маркировка (0 = без маркировки)
	ReusePort bool   // SO_REUSEPORT где поддерживается
	Device    string // Привязка к интерфейсу (только Linux)
}

// DefaultTransportConfig возвращает конфигурацию по умолчанию:
// EF маркировка для интерактивного аудио
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		BufferSize: DefaultBufferSize,
		DSCP:       DSCPExpeditedForwarding,
	}
}

// UDPTransport реализует Transport поверх UDP сокета.
// Оптимизирован для низкой латентности аудио трафика.
type UDPTransport struct {
	conn       *net.UDPConn
	remoteAddr *net.UDPAddr
	config     TransportConfig

	active bool
	mutex  sync.RWMutex
}

// NewUDPTransport создает UDP транспорт.
// Ошибки привязки и разрешения адресов фатальны и возвращаются сразу:
// retry политика принадлежит вызывающему, не этому слою.
func NewUDPTransport(config TransportConfig) (*UDPTransport, error) {
	if config.BufferSize == 0 {
		config.BufferSize = DefaultBufferSize
	}

	local := config.LocalAddr
	if local == "" {
		local = ":0"
	}

	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return applySocketOptions(c, config)
		},
	}
	pc, err := lc.ListenPacket(context.Background(), "udp", local)
	if err != nil {
		return nil, WrapError(ErrorCodeTransportBindFailed, "", "ошибка привязки UDP сокета", err).
			WithContext("local_addr", local)
	}
	conn := pc.(*net.UDPConn)

	transport := &UDPTransport{
		conn:   conn,
		config: config,
		active: true,
	}

	if config.RemoteAddr != "" {
		remoteAddr, err := net.ResolveUDPAddr("udp", config.RemoteAddr)
		if err != nil {
			conn.Close()
			return nil, WrapError(ErrorCodeTransportResolveFailed, "", "ошибка разрешения удаленного адреса", err).
				WithContext("remote_addr", config.RemoteAddr)
		}
		transport.remoteAddr = remoteAddr
	}

	return transport, nil
}

// Send отправляет датаграмму удаленному адресу по умолчанию
func (t *UDPTransport) Send(data []byte) error {
	t.mutex.RLock()
	active := t.active
	conn := t.conn
	remoteAddr := t.remoteAddr
	t.mutex.RUnlock()

	if !active {
		return NewError(ErrorCodeTransportClosed, "", "транспорт не активен")
	}
	if remoteAddr == nil {
		return NewError(ErrorCodeTransportSendFailed, "", "удаленный адрес не установлен")
	}

	if _, err := conn.WriteToUDP(data, remoteAddr); err != nil {
		return WrapError(ErrorCodeTransportSendFailed, "", "ошибка отправки UDP", err)
	}
	return nil
}

// SendTo отправляет датаграмму конкретному адресу (фан-аут по колонкам)
func (t *UDPTransport) SendTo(data []byte, addr net.Addr) error {
	t.mutex.RLock()
	active := t.active
	conn := t.conn
	t.mutex.RUnlock()

	if !active {
		return NewError(ErrorCodeTransportClosed, "", "транспорт не активен")
	}
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return NewError(ErrorCodeTransportSendFailed, "", fmt.Sprintf("неподдерживаемый тип адреса %T", addr))
	}
	if _, err := conn.WriteToUDP(data, udpAddr); err != nil {
		return WrapError(ErrorCodeTransportSendFailed, "", "ошибка отправки UDP", err)
	}
	return nil
}

// Receive получает одну датаграмму.
//
// Блокируется не дольше DefaultReceiveTimeout: по таймауту возвращает
// ErrReceiveTimeout, давая циклу приема проверить отмену контекста —
// мертвый линк обнаруживается за ограниченное время.
func (t *UDPTransport) Receive(ctx context.Context) ([]byte, net.Addr, error) {
	t.mutex.RLock()
	active := t.active
	conn := t.conn
	bufferSize := t.config.BufferSize
	t.mutex.RUnlock()

	if !active {
		return nil, nil, NewError(ErrorCodeTransportClosed, "", "транспорт не активен")
	}

	select {
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	default:
	}

	buffer := make([]byte, bufferSize)
	conn.SetReadDeadline(time.Now().Add(DefaultReceiveTimeout)) //nolint:errcheck

	n, addr, err := conn.ReadFromUDP(buffer)
	if err != nil {
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		default:
		}
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, nil, ErrReceiveTimeout
		}
		return nil, nil, WrapError(ErrorCodeTransportClosed, "", "ошибка чтения UDP", err)
	}

	return buffer[:n], addr, nil
}

// LocalAddr возвращает локальный адрес
func (t *UDPTransport) LocalAddr() net.Addr {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	if t.conn == nil {
		return nil
	}
	return t.conn.LocalAddr()
}

// Close закрывает транспорт
func (t *UDPTransport) Close() error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if !t.active {
		return nil
	}
	t.active = false
	return t.conn.Close()
}

// IsActive проверяет активность транспорта
func (t *UDPTransport) IsActive() bool {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return t.active
}
