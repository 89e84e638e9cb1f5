package license

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/linlurui/decentri-license/internal/infrastructure"
	"github.com/linlurui/decentri-license/internal/security"
)

// logAction logs one manager action with the standard attributes and
// mirrors it as a span event.
func (m *Manager) logAction(ctx context.Context, level slog.Level, action, result string, attrs ...slog.Attr) {
	infrastructure.AddSpanEvent(ctx, "license."+action,
		attribute.String("action", action),
		attribute.String("result", result),
	)

	allAttrs := []slog.Attr{
		slog.String("component", "license_manager"),
		slog.String("action", action),
		slog.String("result", result),
	}
	if traceID := infrastructure.GetTraceID(ctx); traceID != "" {
		allAttrs = append(allAttrs, slog.String("trace_id", traceID))
	}
	allAttrs = append(allAttrs, attrs...)

	m.logger.LogAttrs(ctx, level, action+" "+result, allAttrs...)
}

// licenseAttrs describes a license code without writing it in the clear.
func licenseAttrs(code string) []slog.Attr {
	return []slog.Attr{
		slog.String("license_code_masked", maskLicenseCode(code)),
		slog.String("license_code_hash", hashLicenseCode(code)),
	}
}

func maskLicenseCode(code string) string {
	if len(code) <= 8 {
		return "****"
	}
	return code[:4] + "****" + code[len(code)-4:]
}

// hashLicenseCode is a short correlation id for audit logs.
func hashLicenseCode(code string) string {
	if code == "" {
		return ""
	}
	return security.HashHex([]byte(code))[:16]
}
