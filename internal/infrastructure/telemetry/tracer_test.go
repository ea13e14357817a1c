package telemetry_test

import (
	"context"
	"testing"
	"time"

	"github.com/erp/stockledger/internal/infrastructure/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zaptest"
)

func TestNewTracerProvider_Disabled(t *testing.T) {
	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	cfg := telemetry.Config{
		Enabled:           false,
		CollectorEndpoint: "localhost:14317",
		SamplingRatio:     1.0,
		ServiceName:       "stockd-test",
	}

	tp, err := telemetry.NewTracerProvider(ctx, cfg, logger)
	require.NoError(t, err)
	require.NotNil(t, tp)

	assert.False(t, tp.IsEnabled())

	// the global no-op tracer still yields usable spans
	_, span := tp.Tracer("stock").Start(ctx, "noop")
	span.End()
	assert.False(t, span.SpanContext().IsSampled())

	assert.NoError(t, tp.ForceFlush(ctx))
	assert.NoError(t, tp.Shutdown(ctx))
}

func TestNewTracerProvider_Enabled(t *testing.T) {
	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	tests := []struct {
		name        string
		ratio       float64
		wantSampled bool
	}{
		{"always_sample", 1.0, true},
		{"never_sample", 0.0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tp, err := telemetry.NewTracerProvider(ctx, telemetry.Config{
				Enabled:           true,
				CollectorEndpoint: "localhost:14317",
				SamplingRatio:     tt.ratio,
				ServiceName:       "stockd-test",
				Insecure:          true,
			}, logger)
			require.NoError(t, err)
			assert.True(t, tp.IsEnabled())

			_, span := tp.Tracer("stock").Start(ctx, "sampled")
			assert.Equal(t, tt.wantSampled, span.SpanContext().IsSampled())
			span.End()

			// nothing listens on the endpoint; only bound the wait
			shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			_ = tp.Shutdown(shutdownCtx)
		})
	}
}

func TestNewTracerProvider_CustomExporter(t *testing.T) {
	ctx := context.Background()
	exporter := tracetest.NewInMemoryExporter()

	tp, err := telemetry.NewTracerProvider(ctx, telemetry.Config{
		Enabled:       true,
		SamplingRatio: 1.0,
		ServiceName:   "stockd-test",
		Exporter:      exporter,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer func() { _ = tp.Shutdown(ctx) }()

	_, span := tp.Tracer("stock").Start(ctx, "StockService.Deplete")
	span.End()

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "StockService.Deplete", spans[0].Name)
}
