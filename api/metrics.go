package api

import (
	"context"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "docket/api"
	observabilityEvent  = "observability.event"
	eventDomain         = "docket"
)

// requestMetrics times one request and reports it both as a span and as an
// observability.event log entry.
type requestMetrics struct {
	logger     *log.Logger
	span       trace.Span
	route      string
	name       string
	start      time.Time
	auth       time.Duration
	op         time.Duration
	attrs      []attribute.KeyValue
	errorStage string
}

// newRequestMetrics starts a server span named docket.<name>. The returned
// context carries the span.
func newRequestMetrics(ctx context.Context, logger *log.Logger, route, name string) (*requestMetrics, context.Context) {
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, eventDomain+"."+name,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("http.route", route)),
	)
	return &requestMetrics{logger: logger, span: span, route: route, name: name, start: time.Now()}, ctx
}

func (m *requestMetrics) key(k string) attribute.Key {
	return attribute.Key(eventDomain + "." + m.name + "." + k)
}

func (m *requestMetrics) ObserveAuth(d time.Duration) {
	if d > 0 {
		m.auth = d
	}
}

func (m *requestMetrics) ObserveOp(d time.Duration) {
	if d > 0 {
		m.op = d
	}
}

func (m *requestMetrics) SetString(k, v string) { m.attrs = append(m.attrs, m.key(k).String(v)) }

func (m *requestMetrics) SetBool(k string, v bool) { m.attrs = append(m.attrs, m.key(k).Bool(v)) }

func (m *requestMetrics) SetInt(k string, v int) { m.attrs = append(m.attrs, m.key(k).Int(v)) }

func (m *requestMetrics) SetErrorStage(stage string) {
	if stage != "" {
		m.errorStage = stage
	}
}

// Log ends the span and writes the log entry.
func (m *requestMetrics) Log(status int, err error) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("http.route", m.route),
		attribute.Int("http.status_code", status),
		m.key("total_ms").Float64(durationToMillis(time.Since(m.start))),
	}
	if m.auth > 0 {
		attrs = append(attrs, m.key("auth_ms").Float64(durationToMillis(m.auth)))
	}
	if m.op > 0 {
		attrs = append(attrs, m.key("op_ms").Float64(durationToMillis(m.op)))
	}
	if m.errorStage != "" {
		attrs = append(attrs, m.key("error_stage").String(m.errorStage))
	}
	attrs = append(attrs, m.attrs...)
	if err != nil {
		attrs = append(attrs, attribute.String("error.message", err.Error()))
	}

	sevText, sevNum := severityForStatus(status, err)
	eventName := eventDomain + "." + m.name + ".request"

	if m.span != nil {
		m.span.SetAttributes(attrs...)
		eventAttrs := append([]attribute.KeyValue{
			attribute.String("event.name", eventName),
			attribute.String("event.domain", eventDomain),
			attribute.String("severity_text", sevText),
			attribute.Int("severity_number", sevNum),
		}, attrs...)
		m.span.AddEvent(observabilityEvent, trace.WithAttributes(eventAttrs...))
		switch {
		case err != nil:
			m.span.SetStatus(codes.Error, err.Error())
		case status >= http.StatusInternalServerError:
			m.span.SetStatus(codes.Error, http.StatusText(status))
		default:
			m.span.SetStatus(codes.Ok, "")
		}
		m.span.End()
	}

	if m.logger == nil {
		return
	}
	values := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		values[string(kv.Key)] = kv.Value.AsInterface()
	}
	fields := log.Fields{
		"event.name":      eventName,
		"event.domain":    eventDomain,
		"severity_text":   sevText,
		"severity_number": sevNum,
		"attributes":      values,
	}
	if m.span != nil {
		if sc := m.span.SpanContext(); sc.IsValid() {
			fields["trace_id"] = sc.TraceID().String()
			fields["span_id"] = sc.SpanID().String()
		}
	}
	level := log.InfoLevel
	switch sevText {
	case "WARN":
		level = log.WarnLevel
	case "ERROR":
		level = log.ErrorLevel
	}
	m.logger.WithFields(fields).Log(level, observabilityEvent)
}

func severityForStatus(status int, err error) (string, int) {
	switch {
	case err != nil || status >= http.StatusInternalServerError:
		return "ERROR", 17
	case status >= http.StatusBadRequest:
		return "WARN", 13
	default:
		return "INFO", 9
	}
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
