package websocket

import (
	"context"
	"log/slog"

	"github.com/linlurui/decentri-license/internal/license"
	"github.com/linlurui/decentri-license/pkg/contracts/events"
)

// EventSource is implemented by *license.Manager.
type EventSource interface {
	Subscribe(fn func(license.Event)) func()
}

// ForwardLicenseEvents publishes every license event to the hub as a
// "license:<event type>" message. The returned function stops forwarding.
func ForwardLicenseEvents(hub *Hub, source EventSource) func() {
	return source.Subscribe(func(ev license.Event) {
		msgType := events.MessageType(events.LicensePrefix + string(ev.Type))
		if err := hub.Publish(context.Background(), msgType, ev); err != nil {
			hub.logger.Debug("License event not forwarded",
				slog.String("message_type", string(msgType)),
				slog.String("error", err.Error()))
		}
	})
}
