package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/linlurui/decentri-license/internal/license"
	"github.com/linlurui/decentri-license/pkg/contracts"
)

// HealthChecker is implemented by *license.HealthCheck.
type HealthChecker interface {
	PerformHealthCheck(ctx context.Context) *license.HealthCheckResult
}

// StatsProvider reports counters of a subsystem, such as the WebSocket hub.
type StatsProvider interface {
	Stats() map[string]interface{}
}

// HealthHandler serves liveness, readiness and version information.
type HealthHandler struct {
	checker HealthChecker
	stats   map[string]StatsProvider
	started time.Time
	logger  *slog.Logger
}

// NewHealthHandler creates a health handler. stats are reported under their
// map keys by the readiness endpoint.
func NewHealthHandler(checker HealthChecker, stats map[string]StatsProvider, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		checker: checker,
		stats:   stats,
		started: time.Now(),
		logger:  logger.With(slog.String("handler", "health")),
	}
}

// Routes returns the health routes.
func (h *HealthHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.Readiness)
	r.Get("/live", h.Liveness)
	r.Get("/version", h.Version)
	return r
}

type readinessResponse struct {
	*license.HealthCheckResult
	Uptime     string                            `json:"uptime"`
	Subsystems map[string]map[string]interface{} `json:"subsystems,omitempty"`
}

// Readiness runs every component check. Unhealthy answers 503.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	result := h.checker.PerformHealthCheck(r.Context())

	resp := readinessResponse{
		HealthCheckResult: result,
		Uptime:            time.Since(h.started).Round(time.Second).String(),
	}
	if len(h.stats) > 0 {
		resp.Subsystems = make(map[string]map[string]interface{}, len(h.stats))
		for name, p := range h.stats {
			resp.Subsystems[name] = p.Stats()
		}
	}

	if result.OverallStatus == license.HealthStatusUnhealthy {
		h.logger.WarnContext(r.Context(), "health check unhealthy", slog.String("message", result.Message))
		render.Status(r, http.StatusServiceUnavailable)
	}
	render.JSON(w, r, resp)
}

// Liveness answers as long as the process serves requests.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]string{"status": "alive"})
}

// Version reports build information.
func (h *HealthHandler) Version(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, contracts.GetVersionInfo())
}
