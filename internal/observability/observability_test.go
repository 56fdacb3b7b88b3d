package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func TestParseLevel(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"WARN", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo},
	} {
		t.Run(tc.in, func(t *testing.T) {
			assert.Equal(t, tc.want, ParseLevel(tc.in))
		})
	}
}

func TestNewLogger_JSONWithTraceContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "debug", "json")

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	logger.InfoContext(ctx, "stage finished", "stage", "seed-database")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, ServiceName, rec["service"])
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", rec["trace_id"])
	assert.Equal(t, "00f067aa0ba902b7", rec["span_id"])
	assert.Equal(t, "seed-database", rec["stage"])
}

func TestNewLogger_TextWithoutTrace(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "warn", "text").With("component", "planner").WithGroup("g")

	logger.Info("hidden")
	logger.Warn("visible", "k", "v")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "visible")
	assert.Contains(t, out, "component=planner")
	assert.Contains(t, out, "g.k=v")
	assert.NotContains(t, out, "trace_id")
}

func TestNewLogger_OperationFromContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "info", "json").With("component", "executor")

	ctx := WithOperation(context.Background(), "reset")
	logger.InfoContext(ctx, "stage started")
	logger.Info("no operation")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var tagged, plain map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &tagged))
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &plain))
	assert.Equal(t, "reset", tagged["operation"])
	assert.Equal(t, "executor", tagged["component"])
	assert.NotContains(t, plain, "operation")
}

func TestMetrics_WriteTextfile(t *testing.T) {
	m := NewMetrics()
	m.ObserveStage("process-images", "succeeded", 3*time.Second)
	m.ObserveStage("seed-database", "failed", time.Second)
	m.ObserveOperation("setup", false, time.Unix(1700000000, 0))

	path := filepath.Join(t.TempDir(), "seedsync.prom")
	require.NoError(t, m.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(data)
	assert.Contains(t, out, `seedsync_stages_total{stage="seed-database",status="failed"} 1`)
	assert.Contains(t, out, `seedsync_operations_total{operation="setup",success="false"} 1`)
	assert.True(t, strings.Contains(out, "seedsync_stage_duration_seconds_bucket"))

	families, err := m.Gatherer().Gather()
	require.NoError(t, err)
	assert.Len(t, families, 4)
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.ObserveStage("x", "succeeded", time.Second)
	m.ObserveOperation("setup", true, time.Now())
	assert.NoError(t, m.WriteTextfile("/nonexistent/path"))
}

func TestTracer(t *testing.T) {
	_, span := Tracer().Start(context.Background(), "noop")
	defer span.End()
	assert.NotNil(t, span)
}
