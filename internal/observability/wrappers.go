package observability

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/jkaninda/devbot/internal/llm"
	"github.com/jkaninda/devbot/internal/sandbox"
)

// Anomaly operation names for non-tool operations.
const (
	OperationLLM     = "llm_request"
	OperationSandbox = "sandbox_execute"
)

// --- InstrumentedProvider ---

// InstrumentedProvider wraps an llm.Provider with metrics, tracing and anomaly detection.
type InstrumentedProvider struct {
	inner   llm.Provider
	model   string
	metrics *MetricsCollector
	tracer  *TracerSetup
	anomaly *AnomalyDetector
}

// NewInstrumentedProvider wraps an agent backend with observability.
func NewInstrumentedProvider(inner llm.Provider, obs *Observability) *InstrumentedProvider {
	p := &InstrumentedProvider{
		inner:   inner,
		metrics: obs.MetricsOrNil(),
		tracer:  obs.TracerOrNil(),
		anomaly: obs.AnomalyOrNil(),
	}
	if m, ok := inner.(interface{ Model() string }); ok {
		p.model = m.Model()
	}
	return p
}

func (p *InstrumentedProvider) Name() string { return p.inner.Name() }

func (p *InstrumentedProvider) SendMessage(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	provider := p.inner.Name()

	ctx, span := p.tracer.StartSpan(ctx, "llm.send_message",
		attribute.String("llm.provider", provider),
		attribute.String("llm.model", p.model),
		attribute.Int("llm.messages", len(req.Messages)),
	)

	start := time.Now()
	resp, err := p.inner.SendMessage(ctx, req)
	duration := time.Since(start).Seconds()

	if resp != nil {
		span.SetAttributes(
			attribute.String("llm.stop_reason", resp.StopReason),
			attribute.Int("llm.tool_calls", len(resp.ToolUseBlocks())),
		)
	}
	EndSpan(span, err)

	status := "success"
	if err != nil {
		status = "error"
	}
	if p.metrics != nil {
		p.metrics.LLMRequestsTotal.WithLabelValues(provider, p.model, status).Inc()
		p.metrics.LLMRequestDuration.WithLabelValues(provider, p.model).Observe(duration)
		if resp != nil {
			p.metrics.LLMTokensUsed.WithLabelValues(provider, p.model, "input").Add(float64(resp.Usage.InputTokens))
			p.metrics.LLMTokensUsed.WithLabelValues(provider, p.model, "output").Add(float64(resp.Usage.OutputTokens))
		}
	}
	p.anomaly.Record(OperationLLM, err != nil)

	return resp, err
}

// --- InstrumentedExecutor ---

// InstrumentedExecutor wraps a sandbox.Executor with metrics, tracing and anomaly detection.
type InstrumentedExecutor struct {
	inner        sandbox.Executor
	executorType string
	metrics      *MetricsCollector
	tracer       *TracerSetup
	anomaly      *AnomalyDetector
}

// NewInstrumentedExecutor wraps a sandbox executor with observability.
func NewInstrumentedExecutor(inner sandbox.Executor, executorType string, obs *Observability) *InstrumentedExecutor {
	return &InstrumentedExecutor{
		inner:        inner,
		executorType: executorType,
		metrics:      obs.MetricsOrNil(),
		tracer:       obs.TracerOrNil(),
		anomaly:      obs.AnomalyOrNil(),
	}
}

func (s *InstrumentedExecutor) Execute(ctx context.Context, req sandbox.ExecutionRequest) (*sandbox.ExecutionResult, error) {
	ctx, span := s.tracer.StartSpan(ctx, "sandbox.execute",
		attribute.String("sandbox.type", s.executorType),
		attribute.StringSlice("sandbox.command", req.Command),
	)

	start := time.Now()
	result, err := s.inner.Execute(ctx, req)
	duration := time.Since(start).Seconds()

	status := "success"
	switch {
	case errors.Is(err, sandbox.ErrTimedOut):
		status = "timeout"
	case err != nil:
		status = "error"
	case result != nil && result.ExitCode != 0:
		status = "nonzero_exit"
		span.SetAttributes(attribute.Int("sandbox.exit_code", result.ExitCode))
	}
	EndSpan(span, err)

	if s.metrics != nil {
		s.metrics.SandboxExecutionsTotal.WithLabelValues(s.executorType, status).Inc()
		s.metrics.SandboxExecutionDuration.WithLabelValues(s.executorType).Observe(duration)
	}
	s.anomaly.Record(OperationSandbox, err != nil)

	return result, err
}

var (
	_ llm.Provider     = (*InstrumentedProvider)(nil)
	_ sandbox.Executor = (*InstrumentedExecutor)(nil)
)
