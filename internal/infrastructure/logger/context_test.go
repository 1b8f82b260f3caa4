package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func spanContext(t *testing.T) (context.Context, trace.SpanContext) {
	t.Helper()
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10},
		SpanID:     trace.SpanID{0x11, 0x12, 0x13, 0x14, 0x15, 0x16, 0x17, 0x18},
		TraceFlags: trace.FlagsSampled,
	})
	require.True(t, sc.IsValid())
	return trace.ContextWithSpanContext(context.Background(), sc), sc
}

func TestWithContext_FromContext(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		logger := zap.NewNop()
		ctx := WithContext(context.Background(), logger)

		assert.Same(t, logger, FromContext(ctx))
	})

	t.Run("missing logger yields nop", func(t *testing.T) {
		assert.NotNil(t, FromContext(context.Background()))
	})
}

func TestWithRequestID(t *testing.T) {
	core, recorded := observer.New(zapcore.InfoLevel)

	ctx, enriched := WithRequestID(context.Background(), zap.New(core), "req-7")
	enriched.Info("counted")

	assert.Equal(t, "req-7", GetRequestID(ctx))
	assert.Same(t, enriched, FromContext(ctx))

	logs := recorded.All()
	require.Len(t, logs, 1)
	assert.Equal(t, "req-7", logs[0].ContextMap()["request_id"])
}

func TestWithTenantID(t *testing.T) {
	core, recorded := observer.New(zapcore.InfoLevel)

	ctx, enriched := WithTenantID(context.Background(), zap.New(core), "tenant-a")
	enriched.Info("window opened")

	assert.Equal(t, "tenant-a", GetTenantID(ctx))

	logs := recorded.All()
	require.Len(t, logs, 1)
	assert.Equal(t, "tenant-a", logs[0].ContextMap()["tenant_id"])
}

func TestContextGetters_Empty(t *testing.T) {
	ctx := context.Background()

	assert.Empty(t, GetRequestID(ctx))
	assert.Empty(t, GetTenantID(ctx))
	assert.Empty(t, GetCredentialID(ctx))
}

func TestGetCredentialID(t *testing.T) {
	ctx := context.WithValue(context.Background(), CredentialIDKey, "cred-3")

	assert.Equal(t, "cred-3", GetCredentialID(ctx))
}

func TestTraceCorrelation(t *testing.T) {
	t.Run("ids extracted from span context", func(t *testing.T) {
		ctx, sc := spanContext(t)

		assert.Equal(t, sc.TraceID().String(), GetTraceID(ctx))
		assert.Equal(t, sc.SpanID().String(), GetSpanID(ctx))
	})

	t.Run("no span yields empty ids", func(t *testing.T) {
		assert.Empty(t, GetTraceID(context.Background()))
		assert.Empty(t, GetSpanID(context.Background()))
	})
}

func TestWithTraceContext(t *testing.T) {
	t.Run("stamps trace and span ids", func(t *testing.T) {
		core, recorded := observer.New(zapcore.InfoLevel)
		ctx, sc := spanContext(t)

		WithTraceContext(ctx, zap.New(core)).Info("limit checked")

		logs := recorded.All()
		require.Len(t, logs, 1)
		fields := logs[0].ContextMap()
		assert.Equal(t, sc.TraceID().String(), fields["trace_id"])
		assert.Equal(t, sc.SpanID().String(), fields["span_id"])
	})

	t.Run("without a span the logger passes through", func(t *testing.T) {
		logger := zap.NewNop()

		assert.Same(t, logger, WithTraceContext(context.Background(), logger))
	})
}
