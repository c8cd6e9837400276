package clock

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"
)

// Константы протокола NTP (RFC 4330, SNTP)
const (
	ntpPacketSize = 48

	// Разница эпох NTP (1900) и Unix (1970) в секундах
	ntpEpochOffset = 2208988800

	ntpModeClient = 3
	ntpModeServer = 4
	ntpVersion    = 4
)

// NTPClock выполняет периодические SNTP обмены с одним пиром.
//
// Один обмен дает четыре таймстемпа:
//
//	t1 — локальное время отправки запроса
//	t2 — время пира при приеме запроса
//	t3 — время пира при отправке ответа
//	t4 — локальное время приема ответа
//
// offset = ((t2−t1)+(t3−t4))/2, delay = (t4−t1)−(t3−t2).
// Компенсация round-trip обязательна: без нее offset смещен на половину RTT.
type NTPClock struct {
	state *estimateState

	conn    *net.UDPConn
	timeout time.Duration

	mu     sync.Mutex // Сериализует обмены
	closed bool
}

// NewNTPClock создает NTP источник и открывает сокет к пиру
func NewNTPClock(cfg Config) (*NTPClock, error) {
	addr, err := net.ResolveUDPAddr("udp", cfg.Peer)
	if err != nil {
		return nil, fmt.Errorf("clock: ошибка разрешения NTP пира %s: %w", cfg.Peer, err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("clock: ошибка подключения к NTP пиру: %w", err)
	}
	return &NTPClock{
		state:   newEstimateState(cfg),
		conn:    conn,
		timeout: cfg.Timeout,
	}, nil
}

// Sync выполняет один SNTP обмен.
// При таймауте или некорректном ответе предыдущая оценка остается нетронутой.
func (c *NTPClock) Sync(ctx context.Context) (ClockEstimate, error) {
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

	t1 := localNow()
	req := make([]byte, ntpPacketSize)
	req[0] = ntpVersion<<3 | ntpModeClient
	binary.BigEndian.PutUint64(req[40:48], toNTPTime(t1))

	if _, err := c.conn.Write(req); err != nil {
		c.state.recordFailure()
		return c.state.estimate(), fmt.Errorf("%w: %v", ErrSyncTimeout, err)
	}

	resp := make([]byte, 256)
	for {
		n, err := c.conn.Read(resp)
		if err != nil {
			c.state.recordFailure()
			return c.state.estimate(), fmt.Errorf("%w: %v", ErrSyncTimeout, err)
		}
		t4 := localNow()

		offset, delay, err := parseNTPResponse(resp[:n], t1, t4)
		if err != nil {
			// Чужая или испорченная датаграмма; ждем подходящую до дедлайна
			if time.Now().Before(deadline) {
				continue
			}
			c.state.recordFailure()
			return c.state.estimate(), err
		}
		return c.state.recordSuccess(offset, delay), nil
	}
}

// parseNTPResponse валидирует ответ и вычисляет offset/delay.
// Эхо originate таймстемпа обязано совпасть с t1 запроса: это отсекает
// запоздалые ответы предыдущих обменов и слепой спуфинг.
func parseNTPResponse(data []byte, t1, t4 float64) (offset, delay float64, err error) {
	if len(data) < ntpPacketSize {
		return 0, 0, fmt.Errorf("%w: %d байт", ErrSyncMalformed, len(data))
	}
	if mode := data[0] & 0x07; mode != ntpModeServer {
		return 0, 0, fmt.Errorf("%w: mode %d", ErrSyncMalformed, mode)
	}
	// Stratum 0 — kiss-of-death
	if data[1] == 0 {
		return 0, 0, fmt.Errorf("%w: kiss-of-death", ErrSyncMalformed)
	}

	originate := binary.BigEndian.Uint64(data[24:32])
	if originate != toNTPTime(t1) {
		return 0, 0, fmt.Errorf("%w: originate не совпадает", ErrSyncMalformed)
	}

	t2 := fromNTPTime(binary.BigEndian.Uint64(data[32:40]))
	t3 := fromNTPTime(binary.BigEndian.Uint64(data[40:48]))
	if t3 == 0 || t2 == 0 {
		return 0, 0, fmt.Errorf("%w: нулевые таймстемпы", ErrSyncMalformed)
	}

	offset = ((t2 - t1) + (t3 - t4)) / 2
	delay = (t4 - t1) - (t3 - t2)
	if delay < 0 {
		delay = 0
	}
	return offset, delay, nil
}

// NowNetwork возвращает локальное время с поправкой и проекцией дрейфа
func (c *NTPClock) NowNetwork() float64 { return c.state.nowNetwork() }

// Estimate возвращает снимок текущей оценки
func (c *NTPClock) Estimate() ClockEstimate { return c.state.estimate() }

// Stale сообщает о деградации синхронизации
func (c *NTPClock) Stale() bool { return c.state.stale() }

// Close закрывает сокет
func (c *NTPClock) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

// toNTPTime переводит unix секунды в 64-битный NTP формат (32.32 fixed point,
// эпоха 1900)
func toNTPTime(sec float64) uint64 {
	s := sec + ntpEpochOffset
	whole := uint64(s)
	frac := uint64((s - float64(whole)) * (1 << 32))
	return whole<<32 | frac
}

// fromNTPTime переводит NTP формат обратно в unix секунды
func fromNTPTime(ts uint64) float64 {
	if ts == 0 {
		return 0
	}
	whole := float64(ts >> 32)
	frac := float64(ts&0xFFFFFFFF) / (1 << 32)
	return whole + frac - ntpEpochOffset
}
