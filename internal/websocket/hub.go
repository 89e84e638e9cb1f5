package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/linlurui/decentri-license/internal/config"
	"github.com/linlurui/decentri-license/internal/infrastructure"
	"github.com/linlurui/decentri-license/pkg/contracts/events"
)

const broadcastBuffer = 64

// ErrHubStopped is returned by Publish once Stop has been called.
var ErrHubStopped = errors.New("websocket hub stopped")

type outbound struct {
	msgType string
	payload []byte
}

// Hub maintains the set of active clients and fans messages out to them.
// All client bookkeeping happens on the Run goroutine.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan outbound
	register   chan *Client
	unregister chan *Client

	base    *slog.Logger
	logger  *slog.Logger
	metrics *HubMetrics
	cfg     config.WebSocketConfig

	mu               sync.RWMutex
	running          bool
	stopped          bool
	totalConnections int64
	messagesSent     int64
	messagesDropped  int64

	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewHub creates a hub. metrics may be nil.
func NewHub(cfg config.WebSocketConfig, logger *slog.Logger, metrics *HubMetrics) *Hub {
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan outbound, broadcastBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		base:       logger,
		logger:     infrastructure.WithComponent(logger, "websocket.hub"),
		metrics:    metrics,
		cfg:        cfg,
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start runs the hub loop in its own goroutine. Calling it twice is a no-op.
func (h *Hub) Start() {
	h.mu.Lock()
	if h.running || h.stopped {
		h.mu.Unlock()
		return
	}
	h.running = true
	h.mu.Unlock()

	go h.Run()
}

// Stop disconnects every client and waits for the loop to exit.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		h.mu.Lock()
		h.stopped = true
		running := h.running
		h.mu.Unlock()

		close(h.quit)
		if running {
			<-h.done
		}
	})
}

// Run is the hub's main loop.
func (h *Hub) Run() {
	defer close(h.done)
	ctx := context.Background()

	for {
		select {
		case <-h.quit:
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
				h.metrics.disconnected(ctx, time.Since(client.connectedAt), "shutdown")
			}
			h.mu.Unlock()
			h.logger.Info("Hub shutting down")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.totalConnections++
			count := len(h.clients)
			h.mu.Unlock()

			h.metrics.connected(ctx)
			h.logger.InfoContext(client.context(), "Client registered",
				slog.Int("total_clients", count),
				slog.String("client_id", client.id),
				slog.String("remote_addr", client.remoteAddr))

			h.greet(client)

		case client := <-h.unregister:
			h.remove(client, "closed")

		case msg := <-h.broadcast:
			h.fanOut(ctx, msg)
		}
	}
}

func (h *Hub) greet(client *Client) {
	payload, err := json.Marshal(events.Message{
		Type:      events.MessageTypeConnection,
		Data:      events.ConnectionData{Status: "connected", ClientID: client.id},
		Timestamp: time.Now().UTC(),
		TraceID:   client.traceID,
	})
	if err != nil {
		return
	}
	select {
	case client.send <- payload:
	default:
		h.logger.WarnContext(client.context(), "Client buffer full, connection message dropped",
			slog.String("client_id", client.id))
	}
}

func (h *Hub) remove(client *Client, reason string) {
	h.mu.Lock()
	if _, ok := h.clients[client]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, client)
	close(client.send)
	count := len(h.clients)
	h.mu.Unlock()

	h.metrics.disconnected(context.Background(), time.Since(client.connectedAt), reason)
	h.logger.InfoContext(client.context(), "Client unregistered",
		slog.Int("total_clients", count),
		slog.String("client_id", client.id),
		slog.String("reason", reason),
		slog.Duration("connection_duration", time.Since(client.connectedAt)))
}

func (h *Hub) fanOut(ctx context.Context, msg outbound) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	sent := 0
	var slow []*Client
	for _, client := range clients {
		select {
		case client.send <- msg.payload:
			sent++
		default:
			slow = append(slow, client)
		}
	}
	// A client that cannot keep up is disconnected rather than allowed to
	// stall everyone else.
	for _, client := range slow {
		h.metrics.dropped(ctx, "client")
		h.remove(client, "slow_consumer")
	}

	h.mu.Lock()
	h.messagesSent += int64(sent)
	h.messagesDropped += int64(len(slow))
	h.mu.Unlock()
	h.metrics.sent(ctx, msg.msgType, sent)

	h.logger.DebugContext(ctx, "Broadcast message",
		slog.String("message_type", msg.msgType),
		slog.Int("delivered", sent),
		slog.Int("dropped", len(slow)))
}

// Publish queues a message for every connected client. It never blocks: when
// the broadcast queue is full the message is dropped and counted.
func (h *Hub) Publish(ctx context.Context, msgType events.MessageType, data any) error {
	select {
	case <-h.quit:
		return ErrHubStopped
	default:
	}

	payload, err := json.Marshal(events.Message{
		Type:      msgType,
		Data:      data,
		Timestamp: time.Now().UTC(),
		TraceID:   infrastructure.GetTraceID(ctx),
	})
	if err != nil {
		return err
	}

	select {
	case h.broadcast <- outbound{msgType: string(msgType), payload: payload}:
		return nil
	default:
		h.mu.Lock()
		h.messagesDropped++
		h.mu.Unlock()
		h.metrics.dropped(ctx, "hub")
		h.logger.WarnContext(ctx, "Broadcast queue full, message dropped",
			slog.String("message_type", string(msgType)))
		return nil
	}
}

// Register adds a client. It returns false if the hub has stopped.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.quit:
		return false
	}
}

// Unregister removes a client; safe to call after Stop.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.quit:
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stats returns counters for the health and status endpoints.
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return map[string]interface{}{
		"running":           h.running && !h.stopped,
		"active_clients":    len(h.clients),
		"total_connections": h.totalConnections,
		"messages_sent":     h.messagesSent,
		"messages_dropped":  h.messagesDropped,
	}
}
