package observability

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/codesail/codesail/internal/assist"
	"github.com/codesail/codesail/internal/domain"
	"github.com/codesail/codesail/internal/sandbox"
)

// --- InstrumentedExecutor ---

// InstrumentedExecutor wraps a sandbox.Executor with metrics and tracing.
type InstrumentedExecutor struct {
	inner        sandbox.Executor
	executorName string // "kube" or "local"
	metrics      *MetricsCollector
	tracer       trace.Tracer
}

// NewInstrumentedExecutor wraps an executor with observability.
func NewInstrumentedExecutor(inner sandbox.Executor, executorName string, metrics *MetricsCollector, ts *TracerSetup) *InstrumentedExecutor {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedExecutor{
		inner:        inner,
		executorName: executorName,
		metrics:      metrics,
		tracer:       tracer,
	}
}

func (e *InstrumentedExecutor) Execute(ctx context.Context, ref sandbox.Ref, req sandbox.ExecRequest) (*domain.ExecResult, error) {
	if e.tracer != nil {
		var span trace.Span
		ctx, span = e.tracer.Start(ctx, "sandbox.execute",
			trace.WithAttributes(
				attribute.String("sandbox.executor", e.executorName),
				attribute.String("sandbox.pod", ref.Pod),
			))
		defer span.End()
	}

	start := time.Now()
	result, err := e.inner.Execute(ctx, ref, req)
	duration := time.Since(start).Seconds()

	status := "success"
	if err != nil {
		status = domain.Category(err)
		if e.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	} else if result != nil && result.ExitCode != 0 {
		status = "nonzero_exit"
		if e.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.SetAttributes(attribute.Int("sandbox.exit_code", result.ExitCode))
		}
	}

	if e.metrics != nil {
		e.metrics.SandboxExecutionsTotal.WithLabelValues(e.executorName, status).Inc()
		e.metrics.SandboxExecutionDuration.WithLabelValues(e.executorName).Observe(duration)
	}

	return result, err
}

// CheckPod forwards the existence probe when the wrapped executor supports it.
func (e *InstrumentedExecutor) CheckPod(ctx context.Context, ref sandbox.Ref) error {
	if p, ok := e.inner.(sandbox.Prober); ok {
		return p.CheckPod(ctx, ref)
	}
	return nil
}

// --- InstrumentedAssist ---

// InstrumentedAssist wraps an assist.Provider with metrics and tracing.
type InstrumentedAssist struct {
	inner   assist.Provider
	metrics *MetricsCollector
	tracer  trace.Tracer
}

// NewInstrumentedAssist wraps an assist provider with observability.
func NewInstrumentedAssist(inner assist.Provider, metrics *MetricsCollector, ts *TracerSetup) *InstrumentedAssist {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedAssist{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
	}
}

func (a *InstrumentedAssist) Name() string { return a.inner.Name() }

func (a *InstrumentedAssist) Suggest(ctx context.Context, req *assist.Request) (*assist.Suggestion, error) {
	provider := a.inner.Name()

	if a.tracer != nil {
		var span trace.Span
		ctx, span = a.tracer.Start(ctx, "assist.suggest",
			trace.WithAttributes(
				attribute.String("assist.provider", provider),
			))
		defer span.End()
	}

	start := time.Now()
	s, err := a.inner.Suggest(ctx, req)
	duration := time.Since(start).Seconds()

	status := "success"
	if err != nil {
		status = "error"
		if a.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}

	if a.metrics != nil {
		a.metrics.AssistRequestsTotal.WithLabelValues(provider, status).Inc()
		a.metrics.AssistRequestDuration.WithLabelValues(provider).Observe(duration)
	}

	return s, err
}

// --- Compile-time interface checks ---

var (
	_ sandbox.Executor = (*InstrumentedExecutor)(nil)
	_ assist.Provider  = (*InstrumentedAssist)(nil)
)

// statusCode returns the HTTP status code as a string for metric labels.
func statusCode(code int) string {
	return strconv.Itoa(code)
}
