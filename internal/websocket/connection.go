package websocket

import (
	"time"

	"github.com/gorilla/websocket"
)

// Connection is the part of *websocket.Conn the client pumps use.
type Connection interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	RemoteAddr() string
}

// ConnectionWrapper adapts a gorilla connection to Connection.
type ConnectionWrapper struct {
	*websocket.Conn
}

// NewConnectionWrapper wraps conn.
func NewConnectionWrapper(conn *websocket.Conn) *ConnectionWrapper {
	return &ConnectionWrapper{Conn: conn}
}

// RemoteAddr returns the peer address as a string.
func (w *ConnectionWrapper) RemoteAddr() string {
	return w.Conn.RemoteAddr().String()
}
