package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInitWithoutProjectInstallsProviders(t *testing.T) {
	ctx := context.Background()
	providers, err := Init(ctx, Settings{
		ServiceName: "media-fetcher",
		Version:     "test",
		Registerer:  prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, providers.Shutdown(context.Background())) })

	require.Same(t, providers.Tracer, otel.GetTracerProvider())
}

func TestEndSpanRecordsError(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	_, span := StartSpan(context.Background(), "job.execute")
	EndSpan(span, errors.New("boom"))

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	require.Equal(t, "job.execute", ended[0].Name())
	require.Equal(t, "boom", ended[0].Status().Description)
}

func TestShutdownNilProviders(t *testing.T) {
	var p *Providers
	require.NoError(t, p.Shutdown(context.Background()))
}
