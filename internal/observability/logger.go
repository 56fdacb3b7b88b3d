// Package observability builds the logger, tracer and run metrics shared by
// every component.
package observability

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

const (
	attrTraceID = "trace_id"
	attrSpanID  = "span_id"
	attrService = "service"

	attrOperation = "operation"
)

// ServiceName tags every log record and names the tracer
const ServiceName = "seedsync"

// ParseLevel maps a level name onto slog; unknown names yield info
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a text or JSON logger writing to w
func NewLogger(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(newSpanHandler(handler, ServiceName))
}

type operationKey struct{}

// WithOperation tags ctx so records logged with it carry the operation name
func WithOperation(ctx context.Context, operation string) context.Context {
	return context.WithValue(ctx, operationKey{}, operation)
}

// spanHandler stamps records with the span and operation found in their
// context before passing them on
type spanHandler struct {
	slog.Handler
}

func newSpanHandler(next slog.Handler, service string) slog.Handler {
	return spanHandler{next.WithAttrs([]slog.Attr{slog.String(attrService, service)})}
}

func (h spanHandler) Handle(ctx context.Context, r slog.Record) error {
	if op, ok := ctx.Value(operationKey{}).(string); ok && op != "" {
		r.AddAttrs(slog.String(attrOperation, op))
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		r.AddAttrs(
			slog.String(attrTraceID, sc.TraceID().String()),
			slog.String(attrSpanID, sc.SpanID().String()),
		)
	}
	if err := h.Handler.Handle(ctx, r); err != nil {
		return fmt.Errorf("log %q: %w", r.Message, err)
	}
	return nil
}

func (h spanHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return spanHandler{h.Handler.WithAttrs(attrs)}
}

func (h spanHandler) WithGroup(name string) slog.Handler {
	return spanHandler{h.Handler.WithGroup(name)}
}
