package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

// Not parallel: installs global providers.
func TestInitTracerProviderExportsSpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp, err := InitTracerProvider(context.Background(), Config{ServiceName: "tm-status-tracker", Version: "test"}, exporter)
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "worker.unit")
	span.End()
	require.NoError(t, tp.ForceFlush(context.Background()))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	require.Equal(t, "worker.unit", spans[0].Name)
	require.Contains(t, spans[0].Resource.Attributes(), semconv.ServiceName("tm-status-tracker"))
	require.NoError(t, tp.Shutdown(context.Background()))
}
