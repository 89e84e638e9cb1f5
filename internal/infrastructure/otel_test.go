package infrastructure

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linlurui/decentri-license/internal/config"
)

func testOTelConfig() config.OTelConfig {
	cfg := config.Default().OTel
	cfg.ServiceVersion = "test"
	return cfg
}

func TestInitializeOTel_Metrics(t *testing.T) {
	logger := NewLogger(config.LoggingConfig{Level: "error"}, io.Discard)
	providers, err := InitializeOTel(testOTelConfig(), logger)
	require.NoError(t, err)
	defer providers.Shutdown(context.Background())

	require.NotNil(t, providers.MetricsHandler)
	require.NotNil(t, providers.MeterProvider)
	assert.Nil(t, providers.TracerProvider, "trace exporter none")

	counter, err := providers.Meter.Int64Counter("license_test")
	require.NoError(t, err)
	counter.Add(context.Background(), 3)

	rec := httptest.NewRecorder()
	providers.MetricsHandler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "license_test")
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestInitializeOTel_Tracing(t *testing.T) {
	cfg := testOTelConfig()
	cfg.MetricsEnabled = false
	cfg.TraceExporter = "stdout"

	logger := NewLogger(config.LoggingConfig{Level: "error"}, io.Discard)
	providers, err := InitializeOTel(cfg, logger)
	require.NoError(t, err)
	defer providers.Shutdown(context.Background())

	require.NotNil(t, providers.TracerProvider)
	assert.Nil(t, providers.MetricsHandler)

	ctx, span := providers.Tracer.Start(context.Background(), "test-span")
	traceID := TraceIDFromContext(ctx)
	assert.Len(t, traceID, 32)
	assert.Equal(t, traceID, GetTraceID(ctx), "span trace id is the fallback")

	AddSpanEvent(ctx, "event")
	RecordError(ctx, assert.AnError)
	span.End()
}

func TestInitializeOTel_UnknownExporter(t *testing.T) {
	cfg := testOTelConfig()
	cfg.TraceExporter = "zipkin"
	_, err := InitializeOTel(cfg, NewLogger(config.LoggingConfig{}, io.Discard))
	assert.Error(t, err)
}
