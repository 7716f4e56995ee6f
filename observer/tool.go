package observer

import (
	"context"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	dazeelog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	dazee "github.com/malue-ai/dazee-small-sub000"
)

// ObservedTool wraps a dazee.Tool with OTEL instrumentation.
type ObservedTool struct {
	inner dazee.Tool
	inst  *Instruments
}

// WrapTool returns an instrumented tool.
func WrapTool(inner dazee.Tool, inst *Instruments) *ObservedTool {
	return &ObservedTool{inner: inner, inst: inst}
}

func (o *ObservedTool) Definitions() []dazee.ToolDefinition {
	return o.inner.Definitions()
}

// IntentPaths delegates to the inner tool so snapshot pre-capture keeps
// working for wrapped file-mutating tools.
func (o *ObservedTool) IntentPaths(name string, args json.RawMessage) []string {
	if p, ok := o.inner.(dazee.PathProber); ok {
		return p.IntentPaths(name, args)
	}
	return nil
}

func (o *ObservedTool) Execute(ctx context.Context, name string, args json.RawMessage) (dazee.ToolResult, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "tool.execute", trace.WithAttributes(
		AttrToolName.String(name),
	))
	defer span.End()
	start := time.Now()

	result, err := o.inner.Execute(ctx, name, args)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if result.Error != "" {
		status = "tool_error"
	}
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		AttrToolStatus.String(status),
		AttrToolResultLength.Int(len(result.Content)),
	)

	o.inst.ToolExecutions.Add(ctx, 1, metric.WithAttributes(
		AttrToolName.String(name),
		attribute.String("status", status),
	))
	o.inst.ToolDuration.Record(ctx, durationMs, metric.WithAttributes(
		AttrToolName.String(name),
	))

	// Structured log
	var rec dazeelog.Record
	rec.SetSeverity(dazeelog.SeverityInfo)
	rec.SetBody(dazeelog.StringValue("tool executed"))
	rec.AddAttributes(
		dazeelog.String("tool.name", name),
		dazeelog.String("tool.status", status),
		dazeelog.Int("tool.result_length", len(result.Content)),
		dazeelog.Float64("tool.duration_ms", durationMs),
	)
	o.inst.Logger.Emit(ctx, rec)

	return result, err
}

var (
	_ dazee.Tool       = (*ObservedTool)(nil)
	_ dazee.PathProber = (*ObservedTool)(nil)
)
