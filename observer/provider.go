package observer

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	dazeelog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	dazee "github.com/malue-ai/dazee-small-sub000"
)

// ObservedProvider wraps a dazee.Provider with OTEL instrumentation.
type ObservedProvider struct {
	inner dazee.Provider
	inst  *Instruments
	model string
}

// WrapProvider returns an instrumented provider that emits traces, metrics,
// and logs. model is the fallback attribute when a request carries none.
func WrapProvider(inner dazee.Provider, model string, inst *Instruments) *ObservedProvider {
	return &ObservedProvider{inner: inner, inst: inst, model: model}
}

func (o *ObservedProvider) Name() string { return o.inner.Name() }

func (o *ObservedProvider) Chat(ctx context.Context, req dazee.ModelRequest) (dazee.ModelResponse, error) {
	model := o.effectiveModel(req)
	spanAttrs := []trace.SpanStartOption{
		trace.WithAttributes(
			AttrLLMModel.String(model),
			AttrLLMProvider.String(o.inner.Name()),
		),
	}
	spanName := "llm.chat"
	method := "chat"
	if len(req.Tools) > 0 {
		toolNames := make([]string, len(req.Tools))
		for i, t := range req.Tools {
			toolNames[i] = t.Name
		}
		spanAttrs = append(spanAttrs, trace.WithAttributes(
			AttrToolCount.Int(len(req.Tools)),
			AttrToolNames.StringSlice(toolNames),
		))
		spanName = "llm.chat_with_tools"
		method = "chat_with_tools"
	}

	ctx, span := o.inst.Tracer.Start(ctx, spanName, spanAttrs...)
	defer span.End()
	start := time.Now()

	resp, err := o.inner.Chat(ctx, req)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	o.record(ctx, span, model, method, status, durationMs, resp.Usage)
	return resp, err
}

func (o *ObservedProvider) ChatStream(ctx context.Context, req dazee.ModelRequest, ch chan<- dazee.StreamChunk) (dazee.ModelResponse, error) {
	model := o.effectiveModel(req)
	ctx, span := o.inst.Tracer.Start(ctx, "llm.chat_stream", trace.WithAttributes(
		AttrLLMModel.String(model),
		AttrLLMProvider.String(o.inner.Name()),
	))
	defer span.End()
	start := time.Now()

	// Wrap the channel to count chunks. The forwarding goroutine drains
	// wrappedCh into the caller's ch; the generous buffer keeps the inner
	// provider from blocking on send while nobody reads ch yet.
	bufSize := max(cap(ch), 64)
	wrappedCh := make(chan dazee.StreamChunk, bufSize)
	chunks := 0
	done := make(chan struct{})
	go func() {
		defer close(ch)
		defer close(done)
		for chunk := range wrappedCh {
			chunks++
			select {
			case ch <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()

	resp, err := o.inner.ChatStream(ctx, req, wrappedCh)
	<-done // wait for the goroutine before reading chunks

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(AttrStreamChunks.Int(chunks))
	o.record(ctx, span, model, "chat_stream", status, durationMs, resp.Usage)
	return resp, err
}

func (o *ObservedProvider) effectiveModel(req dazee.ModelRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return o.model
}

func (o *ObservedProvider) record(ctx context.Context, span trace.Span, model, method, status string, durationMs float64, usage dazee.Usage) {
	cost, _ := o.inst.Pricing.Cost(model, usage)

	attrs := metric.WithAttributes(
		AttrLLMModel.String(model),
		AttrLLMProvider.String(o.inner.Name()),
		AttrLLMMethod.String(method),
	)

	span.SetAttributes(
		AttrTokensInput.Int(usage.InputTokens),
		AttrTokensOutput.Int(usage.OutputTokens),
		AttrCostUSD.Float64(cost),
	)

	o.inst.TokenUsage.Add(ctx, int64(usage.InputTokens), metric.WithAttributes(
		AttrLLMModel.String(model),
		AttrLLMProvider.String(o.inner.Name()),
		attribute.String("direction", "input"),
	))
	o.inst.TokenUsage.Add(ctx, int64(usage.OutputTokens), metric.WithAttributes(
		AttrLLMModel.String(model),
		AttrLLMProvider.String(o.inner.Name()),
		attribute.String("direction", "output"),
	))
	o.inst.CostTotal.Add(ctx, cost, attrs)
	o.inst.LLMRequests.Add(ctx, 1, metric.WithAttributes(
		AttrLLMModel.String(model),
		AttrLLMProvider.String(o.inner.Name()),
		AttrLLMMethod.String(method),
		attribute.String("status", status),
	))
	o.inst.LLMDuration.Record(ctx, durationMs, attrs)

	// Structured log
	var rec dazeelog.Record
	rec.SetSeverity(dazeelog.SeverityInfo)
	rec.SetBody(dazeelog.StringValue("llm call completed"))
	rec.AddAttributes(
		dazeelog.String("llm.model", model),
		dazeelog.String("llm.provider", o.inner.Name()),
		dazeelog.String("llm.method", method),
		dazeelog.Int("llm.tokens.input", usage.InputTokens),
		dazeelog.Int("llm.tokens.output", usage.OutputTokens),
		dazeelog.Float64("llm.cost_usd", cost),
		dazeelog.Float64("llm.duration_ms", durationMs),
		dazeelog.String("status", status),
	)
	o.inst.Logger.Emit(ctx, rec)
}

var _ dazee.Provider = (*ObservedProvider)(nil)
