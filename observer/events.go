package observer

import (
	"context"
	"encoding/json"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	dazeelog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"

	dazee "github.com/malue-ai/dazee-small-sub000"
)

// ObservedEvents is an EventSink decorator that derives session-level metrics
// from the event stream: executions by final status, wall time, turns, and
// cost. Every envelope is forwarded to the inner sink first, so persistence
// is unaffected by instrumentation.
type ObservedEvents struct {
	inner dazee.EventSink // may be nil for metrics-only use
	inst  *Instruments

	mu     sync.Mutex
	starts map[string]int64 // session id -> start timestamp (ms)
}

// WrapEvents returns an instrumented EventSink. inner may be nil when no
// persistence sink is configured.
func WrapEvents(inner dazee.EventSink, inst *Instruments) *ObservedEvents {
	return &ObservedEvents{
		inner:  inner,
		inst:   inst,
		starts: make(map[string]int64),
	}
}

func (o *ObservedEvents) AppendEvent(ctx context.Context, ev dazee.Event) error {
	var err error
	if o.inner != nil {
		err = o.inner.AppendEvent(ctx, ev)
	}

	switch ev.Type {
	case dazee.EventSessionStart:
		o.mu.Lock()
		o.starts[ev.SessionID] = ev.Timestamp
		o.mu.Unlock()

	case dazee.EventSessionEnd:
		o.recordSessionEnd(ctx, ev)
	}
	return err
}

func (o *ObservedEvents) recordSessionEnd(ctx context.Context, ev dazee.Event) {
	var end dazee.SessionEndData
	if len(ev.Data) > 0 {
		if uerr := json.Unmarshal(ev.Data, &end); uerr != nil {
			return
		}
	}

	o.mu.Lock()
	startMs, ok := o.starts[ev.SessionID]
	delete(o.starts, ev.SessionID)
	o.mu.Unlock()

	status := end.Status
	if status == "" {
		status = "unknown"
	}

	o.inst.SessionExecutions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status),
	))
	if ok && ev.Timestamp >= startMs {
		o.inst.SessionDuration.Record(ctx, float64(ev.Timestamp-startMs))
	}
	o.inst.SessionTurns.Record(ctx, int64(end.Turns))
	o.inst.SessionCost.Record(ctx, end.CostUSD)

	// Structured log
	var rec dazeelog.Record
	rec.SetSeverity(dazeelog.SeverityInfo)
	rec.SetBody(dazeelog.StringValue("session completed"))
	attrs := []dazeelog.KeyValue{
		dazeelog.String("session.id", ev.SessionID),
		dazeelog.String("session.status", status),
		dazeelog.Int("session.turns", end.Turns),
		dazeelog.Float64("session.cost_usd", end.CostUSD),
	}
	if end.Usage != nil {
		attrs = append(attrs,
			dazeelog.Int("tokens.input", end.Usage.InputTokens),
			dazeelog.Int("tokens.output", end.Usage.OutputTokens),
		)
	}
	rec.AddAttributes(attrs...)
	o.inst.Logger.Emit(ctx, rec)
}

var _ dazee.EventSink = (*ObservedEvents)(nil)
