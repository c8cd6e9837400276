package clock

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"
)

// Упрощенный two-step PTP профиль.
//
// Полный IEEE 1588 избыточен для домашней акустики: здесь реализован
// минимальный two-step обмен поверх UDP с собственным компактным форматом
// сообщений. Клиент инициирует обмен, мастер отвечает парой сообщений:
//
//	клиент → мастер: SyncReq  (t1 = время отправки клиента)
//	мастер → клиент: SyncResp (t2 = время приема мастером)
//	мастер → клиент: FollowUp (t3 = точное время отправки мастером)
//	t4 = время приема FollowUp клиентом
//
// offset = ((t2−t1)+(t3−t4))/2 — та же четырехточечная формула что и в NTP,
// но FollowUp несет точный таймстемп отправки (two-step), что убирает
// погрешность штамповки в момент передачи.
//
// Формат сообщения, 16 байт, big-endian:
//
//	type u8 | version u8 | sequence u16 | timestamp u64 (нс unix) | reserved u32
const (
	ptpMsgSyncReq  = 0
	ptpMsgSyncResp = 1
	ptpMsgFollowUp = 2

	ptpVersion     = 1
	ptpMessageSize = 16
)

// PTPClock клиентская (slave) сторона упрощенного профиля
type PTPClock struct {
	state *estimateState

	conn    *net.UDPConn
	timeout time.Duration
	seq     uint16

	mu     sync.Mutex
	closed bool
}

// NewPTPClock создает PTP источник и открывает сокет к мастеру
func NewPTPClock(cfg Config) (*PTPClock, error) {
	addr, err := net.ResolveUDPAddr("udp", cfg.Peer)
	if err != nil {
		return nil, fmt.Errorf("clock: ошибка разрешения PTP мастера %s: %w", cfg.Peer, err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("clock: ошибка подключения к PTP мастеру: %w", err)
	}
	return &PTPClock{
		state:   newEstimateState(cfg),
		conn:    conn,
		timeout: cfg.Timeout,
	}, nil
}

// Sync выполняет один two-step обмен.
// При таймауте или некорректных сообщениях предыдущая оценка не меняется.
func (c *PTPClock) Sync(ctx context.Context) (ClockEstimate, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ClockEstimate{}, ErrClockClosed
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		c.state.recordFailure()
		return c.state.estimate(), fmt.Errorf("%w: %v", ErrSyncTimeout, err)
	}

	c.seq++
	seq := c.seq
	t1 := localNow()
	if _, err := c.conn.Write(marshalPTP(ptpMsgSyncReq, seq, t1)); err != nil {
		c.state.recordFailure()
		return c.state.estimate(), fmt.Errorf("%w: %v", ErrSyncTimeout, err)
	}

	var t2, t3, t4 float64
	haveResp := false
	buf := make([]byte, 64)
	for {
		n, err := c.conn.Read(buf)
		if err != nil {
			c.state.recordFailure()
			return c.state.estimate(), fmt.Errorf("%w: %v", ErrSyncTimeout, err)
		}
		msgType, msgSeq, ts, perr := unmarshalPTP(buf[:n])
		if perr != nil || msgSeq != seq {
			// Чужое или устаревшее сообщение; ждем свое до дедлайна
			if time.Now().Before(deadline) {
				continue
			}
			c.state.recordFailure()
			return c.state.estimate(), fmt.Errorf("%w: обмен %d не завершен", ErrSyncTimeout, seq)
		}
		switch msgType {
		case ptpMsgSyncResp:
			t2 = ts
			haveResp = true
		case ptpMsgFollowUp:
			if !haveResp {
				c.state.recordFailure()
				return c.state.estimate(), fmt.Errorf("%w: FollowUp без SyncResp", ErrSyncMalformed)
			}
			t3 = ts
			t4 = localNow()
			offset := ((t2 - t1) + (t3 - t4)) / 2
			delay := (t4 - t1) - (t3 - t2)
			if delay < 0 {
				delay = 0
			}
			return c.state.recordSuccess(offset, delay), nil
		default:
			c.state.recordFailure()
			return c.state.estimate(), fmt.Errorf("%w: тип сообщения %d", ErrSyncMalformed, msgType)
		}
	}
}

// NowNetwork возвращает локальное время с поправкой и проекцией дрейфа
func (c *PTPClock) NowNetwork() float64 { return c.state.nowNetwork() }

// Estimate возвращает снимок текущей оценки
func (c *PTPClock) Estimate() ClockEstimate { return c.state.estimate() }

// Stale сообщает о деградации синхронизации
func (c *PTPClock) Stale() bool { return c.state.stale() }

// Close закрывает сокет
func (c *PTPClock) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

// PTPMaster серверная (master) сторона упрощенного профиля.
// Обычно запускается на источнике аудио; колонки синхронизируются к нему.
type PTPMaster struct {
	conn *net.UDPConn
	wg   sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewPTPMaster открывает сокет и запускает цикл ответов
func NewPTPMaster(listenAddr string) (*PTPMaster, error) {
	addr, err := net.ResolveUDPAddr("udp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("clock: ошибка разрешения адреса мастера: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("clock: ошибка открытия сокета мастера: %w", err)
	}
	m := &PTPMaster{conn: conn}
	m.wg.Add(1)
	go m.serveLoop()
	return m, nil
}

// Addr возвращает фактический адрес мастера
func (m *PTPMaster) Addr() net.Addr { return m.conn.LocalAddr() }

func (m *PTPMaster) serveLoop() {
	defer m.wg.Done()
	buf := make([]byte, 64)
	for {
		n, peer, err := m.conn.ReadFromUDP(buf)
		if err != nil {
			return // Сокет закрыт
		}
		t2 := localNow()
		msgType, seq, _, perr := unmarshalPTP(buf[:n])
		if perr != nil || msgType != ptpMsgSyncReq {
			continue
		}
		if _, err := m.conn.WriteToUDP(marshalPTP(ptpMsgSyncResp, seq, t2), peer); err != nil {
			continue
		}
		// Two-step: точное время отправки уходит отдельным сообщением
		t3 := localNow()
		m.conn.WriteToUDP(marshalPTP(ptpMsgFollowUp, seq, t3), peer) //nolint:errcheck
	}
}

// Close останавливает мастера
func (m *PTPMaster) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	err := m.conn.Close()
	m.wg.Wait()
	return err
}

func marshalPTP(msgType uint8, seq uint16, ts float64) []byte {
	buf := make([]byte, ptpMessageSize)
	buf[0] = msgType
	buf[1] = ptpVersion
	binary.BigEndian.PutUint16(buf[2:4], seq)
	binary.BigEndian.PutUint64(buf[4:12], uint64(ts*1e9))
	return buf
}

func unmarshalPTP(data []byte) (msgType uint8, seq uint16, ts float64, err error) {
	if len(data) < ptpMessageSize {
		return 0, 0, 0, fmt.Errorf("%w: %d байт", ErrSyncMalformed, len(data))
	}
	if data[1] != ptpVersion {
		return 0, 0, 0, fmt.Errorf("%w: версия %d", ErrSyncMalformed, data[1])
	}
	msgType = data[0]
	seq = binary.BigEndian.Uint16(data[2:4])
	ts = float64(binary.BigEndian.Uint64(data[4:12])) / 1e9
	return msgType, seq, ts, nil
}
