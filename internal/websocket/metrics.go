package websocket

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// HubMetrics holds the hub's OpenTelemetry instruments. A nil *HubMetrics
// records nothing.
type HubMetrics struct {
	connections        metric.Int64Counter
	activeClients      metric.Int64UpDownCounter
	messagesSent       metric.Int64Counter
	messagesDropped    metric.Int64Counter
	connectionDuration metric.Float64Histogram
}

// NewHubMetrics creates the instruments on meter.
func NewHubMetrics(meter metric.Meter) (*HubMetrics, error) {
	m := &HubMetrics{}
	var err error

	if m.connections, err = meter.Int64Counter("websocket_connections_total",
		metric.WithDescription("WebSocket clients that have connected"),
		metric.WithUnit("{connection}")); err != nil {
		return nil, err
	}
	if m.activeClients, err = meter.Int64UpDownCounter("websocket_active_clients",
		metric.WithDescription("Currently connected WebSocket clients"),
		metric.WithUnit("{client}")); err != nil {
		return nil, err
	}
	if m.messagesSent, err = meter.Int64Counter("websocket_messages_sent_total",
		metric.WithDescription("Messages queued to WebSocket clients"),
		metric.WithUnit("{message}")); err != nil {
		return nil, err
	}
	if m.messagesDropped, err = meter.Int64Counter("websocket_messages_dropped_total",
		metric.WithDescription("Messages dropped because a buffer was full"),
		metric.WithUnit("{message}")); err != nil {
		return nil, err
	}
	if m.connectionDuration, err = meter.Float64Histogram("websocket_connection_duration_seconds",
		metric.WithDescription("How long WebSocket clients stay connected"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *HubMetrics) connected(ctx context.Context) {
	if m == nil {
		return
	}
	m.connections.Add(ctx, 1)
	m.activeClients.Add(ctx, 1)
}

func (m *HubMetrics) disconnected(ctx context.Context, d time.Duration, reason string) {
	if m == nil {
		return
	}
	m.activeClients.Add(ctx, -1)
	m.connectionDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *HubMetrics) sent(ctx context.Context, msgType string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.messagesSent.Add(ctx, int64(n), metric.WithAttributes(attribute.String("message_type", msgType)))
}

func (m *HubMetrics) dropped(ctx context.Context, where string) {
	if m == nil {
		return
	}
	m.messagesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("where", where)))
}
