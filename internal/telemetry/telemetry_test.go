package telemetry

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestSetup_None(t *testing.T) {
	tel, err := Setup(context.Background(), Config{Exporter: ExporterNone})
	require.NoError(t, err)
	assert.Nil(t, tel.MetricsHandler())
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestSetup_UnknownExporter(t *testing.T) {
	_, err := Setup(context.Background(), Config{Exporter: "carrier-pigeon"})
	assert.ErrorIs(t, err, ErrUnknownExporter)
}

func TestSetup_PrometheusServesMetrics(t *testing.T) {
	ctx := context.Background()
	tel, err := Setup(ctx, Config{ServiceName: "activitylog", Exporter: ExporterPrometheus})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tel.Shutdown(ctx) })
	require.NotNil(t, tel.MetricsHandler())

	counter, err := otel.Meter("telemetry_test").Int64Counter("telemetry_probe")
	require.NoError(t, err)
	counter.Add(ctx, 3)

	rec := httptest.NewRecorder()
	tel.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "telemetry_probe")
}

func TestSetup_StdoutFlushesOnShutdown(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	tel, err := Setup(ctx, Config{ServiceName: "activitylog", Exporter: ExporterStdout, Writer: &buf})
	require.NoError(t, err)
	assert.Nil(t, tel.MetricsHandler())

	_, span := otel.Tracer("telemetry_test").Start(ctx, "probe-span")
	span.End()

	require.NoError(t, tel.Shutdown(ctx))
	assert.Contains(t, buf.String(), "probe-span")
}
