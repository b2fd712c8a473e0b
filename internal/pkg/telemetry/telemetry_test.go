package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestStripScheme(t *testing.T) {
	assert.Equal(t, "collector:4317", stripScheme("http://collector:4317"))
	assert.Equal(t, "collector:4317", stripScheme("https://collector:4317"))
	assert.Equal(t, "collector:4317", stripScheme("collector:4317"))
}

func TestTraceHook(t *testing.T) {
	shutdown, err := SetupTracer(context.Background(), Config{ServiceName: "test", Environment: "test"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = shutdown(context.Background()) })

	var buf bytes.Buffer
	logger := zerolog.New(&buf).Hook(TraceHook{})

	ctx, span := otel.Tracer("test").Start(context.Background(), "op")
	logger.Info().Ctx(ctx).Msg("inside span")
	span.End()

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, span.SpanContext().TraceID().String(), line["trace_id"])
	assert.Equal(t, span.SpanContext().SpanID().String(), line["span_id"])

	buf.Reset()
	logger.Info().Msg("no span")
	line = nil
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.NotContains(t, line, "trace_id")
}
