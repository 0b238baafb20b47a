package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/converge/pkg/engine"
)

var _ engine.RunObserver = (*Observer)(nil)

// Observer turns driver events into metrics and spans. Each run gets a root
// span with one child span per processed resource.
type Observer struct {
	logger  *Logger
	metrics *Metrics
	tracer  *Tracer

	mu   sync.Mutex
	runs map[string]*runTrace
}

type runTrace struct {
	ctx      context.Context
	span     trace.Span
	resource trace.Span
}

// NewObserver creates an observer. Any of the arguments may be nil.
func NewObserver(logger *Logger, metrics *Metrics, tracer *Tracer) *Observer {
	if logger == nil {
		logger = FromContext(context.Background())
	}
	if metrics == nil {
		metrics = &Metrics{}
	}
	return &Observer{
		logger:  logger.NewComponentLogger("observer"),
		metrics: metrics,
		tracer:  tracer,
		runs:    make(map[string]*runTrace),
	}
}

func (o *Observer) RunStarted(ctx context.Context, runID string, descriptors []engine.ResourceDescriptor) {
	o.metrics.RecordRunStarted()

	rt := &runTrace{ctx: ctx}
	if o.tracer != nil {
		rt.ctx, rt.span = o.tracer.StartRunSpan(ctx, runID, len(descriptors))
	}

	o.mu.Lock()
	o.runs[runID] = rt
	o.mu.Unlock()

	if id := TraceID(rt.ctx); id != "" {
		o.logger.WithRunID(runID).zlog.Debug().Str("trace_id", id).Msg("run traced")
	}
}

func (o *Observer) ResourceStarted(_ context.Context, runID string, d engine.ResourceDescriptor) {
	if o.tracer == nil {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	rt, ok := o.runs[runID]
	if !ok {
		return
	}
	_, rt.resource = o.tracer.StartResourceSpan(rt.ctx, d)
}

func (o *Observer) ResourceFinished(_ context.Context, runID string, rec engine.ChangeRecord) {
	o.metrics.RecordResource(rec)

	o.mu.Lock()
	defer o.mu.Unlock()

	rt, ok := o.runs[runID]
	if !ok || rt.resource == nil {
		return
	}
	rt.resource.SetAttributes(AttrOutcome.String(string(rec.Outcome)))
	if rec.Outcome == engine.OutcomeFailed {
		rt.resource.SetAttributes(AttrErrorKind.String(string(engine.KindOf(rec.Err))))
		RecordError(rt.resource, rec.Err)
	}
	rt.resource.End()
	rt.resource = nil
}

func (o *Observer) RunFinished(_ context.Context, report *engine.Report) {
	o.metrics.RecordRunCompleted(report)

	o.mu.Lock()
	rt, ok := o.runs[report.RunID]
	delete(o.runs, report.RunID)
	o.mu.Unlock()

	if !ok || rt.span == nil {
		return
	}
	rt.span.SetAttributes(AttrRunState.String(string(report.State)))
	if report.State == engine.RunStateAborted {
		rt.span.SetStatus(codes.Error, report.Reason)
	} else {
		rt.span.SetStatus(codes.Ok, "")
	}
	rt.span.End()
}
