package license

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linlurui/decentri-license/internal/infrastructure"
)

// HealthStatus represents the overall health status
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// ComponentHealth represents health of a specific component
type ComponentHealth struct {
	Status    HealthStatus           `json:"status"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Error     string                 `json:"error,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// HealthCheckResult contains comprehensive health status
type HealthCheckResult struct {
	OverallStatus HealthStatus                `json:"status"`
	Message       string                      `json:"message"`
	Timestamp     time.Time                   `json:"timestamp"`
	Duration      string                      `json:"duration"`
	TraceID       string                      `json:"trace_id,omitempty"`
	Components    map[string]*ComponentHealth `json:"components"`
}

// HealthCheck reports on the manager and the storage behind it.
type HealthCheck struct {
	manager *Manager
	timeout time.Duration
}

// NewHealthCheck returns a health check bounding each probe by timeout.
func NewHealthCheck(manager *Manager, timeout time.Duration) *HealthCheck {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthCheck{manager: manager, timeout: timeout}
}

// PerformHealthCheck runs every probe concurrently.
func (hc *HealthCheck) PerformHealthCheck(ctx context.Context) *HealthCheckResult {
	ctx, span := otel.Tracer(TracerName).Start(ctx, "license.health_check",
		trace.WithAttributes(attribute.String("component", "license_health")),
	)
	defer span.End()

	start := time.Now()
	result := &HealthCheckResult{
		Timestamp:  start,
		Components: make(map[string]*ComponentHealth),
		TraceID:    infrastructure.TraceIDFromContext(ctx),
	}

	checks := map[string]func(context.Context) *ComponentHealth{
		"trust_anchor":       hc.checkTrustAnchor,
		"chain_store":        hc.checkChainStore,
		"archive":            hc.checkArchive,
		"verification_cache": hc.checkCache,
		"license":            hc.checkLicense,
	}

	type checkResult struct {
		name   string
		health *ComponentHealth
	}
	results := make(chan checkResult, len(checks))
	for name, check := range checks {
		go func(n string, cf func(context.Context) *ComponentHealth) {
			checkCtx, cancel := context.WithTimeout(ctx, hc.timeout)
			defer cancel()
			results <- checkResult{name: n, health: cf(checkCtx)}
		}(name, check)
	}
	for range checks {
		res := <-results
		result.Components[res.name] = res.health
	}

	result.OverallStatus = overallStatus(result.Components)
	result.Duration = time.Since(start).String()
	result.Message = fmt.Sprintf("%d components checked, overall %s", len(result.Components), result.OverallStatus)

	span.SetAttributes(attribute.String("health.overall_status", string(result.OverallStatus)))
	return result
}

func newComponentHealth() *ComponentHealth {
	return &ComponentHealth{Timestamp: time.Now(), Metadata: make(map[string]interface{})}
}

func (hc *HealthCheck) checkTrustAnchor(context.Context) *ComponentHealth {
	health := newComponentHealth()
	anchor := hc.manager.Anchor()
	health.Metadata["algorithm"] = anchor.Algorithm.String()
	health.Metadata["fingerprint"] = anchor.Fingerprint()
	if err := anchor.Validate(); err != nil {
		health.Status = HealthStatusUnhealthy
		health.Message = "Trust anchor is invalid"
		health.Error = err.Error()
		return health
	}
	health.Status = HealthStatusHealthy
	health.Message = "Trust anchor loaded"
	return health
}

func (hc *HealthCheck) checkChainStore(ctx context.Context) *ComponentHealth {
	health := newComponentHealth()
	root := hc.manager.store.Root()
	health.Metadata["root"] = root

	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		health.Status = HealthStatusUnhealthy
		health.Message = "Chain storage directory is not available"
		if err != nil {
			health.Error = err.Error()
		}
		return health
	}
	licenses, err := hc.manager.store.ListLicenses()
	if err != nil {
		health.Status = HealthStatusDegraded
		health.Message = "Chain storage cannot be listed"
		health.Error = err.Error()
		return health
	}
	health.Metadata["licenses"] = len(licenses)

	results, err := hc.manager.store.VerifyAll(ctx)
	if err != nil {
		health.Status = HealthStatusDegraded
		health.Message = "Stored chains could not be audited"
		health.Error = err.Error()
		return health
	}
	var damaged []string
	for _, r := range results {
		if !r.Valid {
			damaged = append(damaged, r.LicenseID)
		}
	}
	if len(damaged) > 0 {
		health.Metadata["damaged_chains"] = damaged
		health.Status = HealthStatusDegraded
		health.Message = fmt.Sprintf("%d stored chains failed verification", len(damaged))
		return health
	}
	health.Status = HealthStatusHealthy
	health.Message = "Chain storage available"
	return health
}

func (hc *HealthCheck) checkArchive(ctx context.Context) *ComponentHealth {
	health := newComponentHealth()
	entries, err := hc.manager.archive.List(ctx)
	if err != nil {
		health.Status = HealthStatusUnhealthy
		health.Message = "License archive unavailable"
		health.Error = err.Error()
		return health
	}
	health.Metadata["archived_codes"] = len(entries)
	health.Status = HealthStatusHealthy
	health.Message = "License archive available"
	return health
}

func (hc *HealthCheck) checkCache(context.Context) *ComponentHealth {
	health := newComponentHealth()
	health.Metadata = hc.manager.CacheStats()
	health.Status = HealthStatusHealthy
	health.Message = "Verification cache running"
	return health
}

// checkLicense is degraded, not unhealthy, when no usable token is held:
// the service still answers.
func (hc *HealthCheck) checkLicense(ctx context.Context) *ComponentHealth {
	health := newComponentHealth()
	status := hc.manager.GetStatus(ctx)
	health.Metadata["status"] = string(status.Status)
	health.Metadata["state_index"] = status.StateIndex

	switch status.Status {
	case StatusActive:
		health.Status = HealthStatusHealthy
		health.Message = "License token held"
	case StatusNone:
		health.Status = HealthStatusDegraded
		health.Message = "No license token loaded"
	default:
		health.Status = HealthStatusDegraded
		health.Message = fmt.Sprintf("License token is %s", status.Status)
	}
	return health
}

func overallStatus(components map[string]*ComponentHealth) HealthStatus {
	overall := HealthStatusHealthy
	for _, health := range components {
		switch health.Status {
		case HealthStatusUnhealthy:
			return HealthStatusUnhealthy
		case HealthStatusDegraded:
			overall = HealthStatusDegraded
		}
	}
	return overall
}
