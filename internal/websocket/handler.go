package websocket

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/linlurui/decentri-license/internal/infrastructure"
)

// Handler upgrades HTTP requests and attaches the connections to a hub.
type Handler struct {
	hub      *Hub
	upgrader websocket.Upgrader
	origins  map[string]bool
	logger   *slog.Logger
}

// NewHandler returns an upgrade handler. An empty allowedOrigins list, or one
// containing "*", accepts any origin.
func NewHandler(hub *Hub, allowedOrigins []string) *Handler {
	h := &Handler{
		hub:    hub,
		logger: hub.base.With(slog.String("component", "websocket.handler")),
	}
	for _, o := range allowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			if h.origins == nil {
				h.origins = make(map[string]bool)
			}
			h.origins[strings.ToLower(o)] = true
		}
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  hub.cfg.ReadBufferSize,
		WriteBufferSize: hub.cfg.WriteBufferSize,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || h.origins == nil || h.origins["*"] {
		return true
	}
	if h.origins[strings.ToLower(origin)] {
		return true
	}
	// Same-host requests are always accepted.
	u, err := url.Parse(origin)
	return err == nil && strings.EqualFold(u.Host, r.Host)
}

// ServeHTTP performs the upgrade and starts the client's pumps.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := infrastructure.EnsureTraceID(r.Context())
	traceID := infrastructure.GetTraceID(ctx)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		h.logger.WarnContext(ctx, "WebSocket upgrade failed",
			slog.String("error", err.Error()),
			slog.String("origin", r.Header.Get("Origin")))
		return
	}

	client := NewClient(h.hub, NewConnectionWrapper(conn), traceID)
	if !h.hub.Register(client) {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
		conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()
}
