package audit

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/trace"

	"github.com/maxvoron/edgegate/internal/observability"
)

// auditEventsTotal counts emitted audit events.
var auditEventsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "gateway_audit_events_total",
		Help: "Total number of audit events emitted",
	},
	[]string{"type", "outcome"},
)

// Logger emits audit events. Implementations must never block the request
// path and must swallow their own failures.
type Logger interface {
	// LogEvent emits one audit event, fire-and-forget.
	LogEvent(ctx context.Context, event *Event)

	// Close flushes and closes the logger.
	Close() error
}

// logger writes events as structured log records.
type logger struct {
	log observability.Logger
}

// NewLogger creates an audit logger emitting onto the given structured
// logger.
func NewLogger(log observability.Logger) Logger {
	return &logger{log: log}
}

// LogEvent implements Logger.
func (l *logger) LogEvent(ctx context.Context, event *Event) {
	if event == nil {
		return
	}

	enrich(ctx, event)
	auditEventsTotal.WithLabelValues(string(event.Type), string(event.Outcome)).Inc()

	fields := []observability.Field{
		observability.String("audit_id", event.ID),
		observability.String("type", string(event.Type)),
		observability.String("outcome", string(event.Outcome)),
	}
	if event.Subject != nil {
		fields = append(fields, observability.Any("subject", event.Subject))
	}
	if event.Resource != nil {
		fields = append(fields, observability.Any("resource", event.Resource))
	}
	if event.Request != nil {
		fields = append(fields, observability.Any("request", event.Request))
	}
	if event.Response != nil {
		fields = append(fields, observability.Any("response", event.Response))
	}
	if event.Duration > 0 {
		fields = append(fields, observability.Duration("duration", event.Duration))
	}
	if event.TraceID != "" {
		fields = append(fields, observability.String("trace_id", event.TraceID))
	}
	if len(event.Metadata) > 0 {
		fields = append(fields, observability.Any("metadata", event.Metadata))
	}

	if event.Outcome == OutcomeSuccess {
		l.log.Info("audit", fields...)
	} else {
		l.log.Warn("audit", fields...)
	}
}

// Close implements Logger.
func (l *logger) Close() error {
	return l.log.Sync()
}

// enrich fills context-derived fields: request id and trace id.
func enrich(ctx context.Context, event *Event) {
	if requestID := observability.RequestIDFromContext(ctx); requestID != "" {
		event.WithMetadata("request_id", requestID)
	}

	if span := trace.SpanFromContext(ctx); span.SpanContext().HasTraceID() {
		event.TraceID = span.SpanContext().TraceID().String()
	}
}

// nopLogger discards all events.
type nopLogger struct{}

// NewNopLogger returns a logger that discards all events.
func NewNopLogger() Logger {
	return nopLogger{}
}

// LogEvent implements Logger.
func (nopLogger) LogEvent(context.Context, *Event) {}

// Close implements Logger.
func (nopLogger) Close() error { return nil }
