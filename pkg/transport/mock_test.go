package transport

import (
	"context"
	"net"
	"sync"
)

// mockTransport программируемый транспорт для тестов: запоминает все
// отправленные датаграммы, умеет инъекцию потерь через dropFn
type mockTransport struct {
	mu     sync.Mutex
	sent   [][]byte            // Через Send (адрес по умолчанию)
	sentTo map[string][][]byte // Через SendTo, ключ — addr.String()
	dropFn func(data []byte) bool
	active bool
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		sentTo: make(map[string][][]byte),
		active: true,
	}
}

func (m *mockTransport) Send(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active {
		return NewError(ErrorCodeTransportClosed, "", "транспорт не активен")
	}
	if m.dropFn != nil && m.dropFn(data) {
		return nil
	}
	m.sent = append(m.sent, append([]byte(nil), data...))
	return nil
}

func (m *mockTransport) SendTo(data []byte, addr net.Addr) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active {
		return NewError(ErrorCodeTransportClosed, "", "транспорт не активен")
	}
	if m.dropFn != nil && m.dropFn(data) {
		return nil
	}
	key := addr.String()
	m.sentTo[key] = append(m.sentTo[key], append([]byte(nil), data...))
	return nil
}

func (m *mockTransport) Receive(ctx context.Context) ([]byte, net.Addr, error) {
	select {
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	default:
		return nil, nil, ErrReceiveTimeout
	}
}

func (m *mockTransport) LocalAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 12345}
}

func (m *mockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = false
	return nil
}

func (m *mockTransport) IsActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// sentDatagrams снимок датаграмм, отправленных через Send
func (m *mockTransport) sentDatagrams() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.sent))
	copy(out, m.sent)
	return out
}

// sentToDatagrams снимок датаграмм, отправленных конкретному адресу
func (m *mockTransport) sentToDatagrams(addr string) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.sentTo[addr]))
	copy(out, m.sentTo[addr])
	return out
}
