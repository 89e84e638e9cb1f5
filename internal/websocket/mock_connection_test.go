package websocket

import (
	"errors"
	"sync"
	"time"
)

var errConnClosed = errors.New("connection closed")

type mockMessage struct {
	Type int
	Data []byte
}

// mockConnection blocks in ReadMessage until closed and records writes.
type mockConnection struct {
	mu      sync.Mutex
	written []mockMessage
	closed  bool
	done    chan struct{}
	writeFn func(int, []byte) error
}

func newMockConnection() *mockConnection {
	return &mockConnection{done: make(chan struct{})}
}

func (m *mockConnection) WriteMessage(messageType int, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errConnClosed
	}
	if m.writeFn != nil {
		return m.writeFn(messageType, data)
	}
	m.written = append(m.written, mockMessage{Type: messageType, Data: append([]byte(nil), data...)})
	return nil
}

func (m *mockConnection) ReadMessage() (int, []byte, error) {
	<-m.done
	return 0, nil, errConnClosed
}

func (m *mockConnection) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.done)
	}
	return nil
}

func (m *mockConnection) SetReadDeadline(time.Time) error   { return nil }
func (m *mockConnection) SetWriteDeadline(time.Time) error  { return nil }
func (m *mockConnection) SetReadLimit(int64)                {}
func (m *mockConnection) SetPongHandler(func(string) error) {}
func (m *mockConnection) RemoteAddr() string                { return "127.0.0.1:9000" }

func (m *mockConnection) messages() []mockMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]mockMessage, len(m.written))
	copy(out, m.written)
	return out
}

func (m *mockConnection) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
