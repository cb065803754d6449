package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/jkaninda/devbot/internal/config"
	"github.com/jkaninda/devbot/internal/llm"
	"github.com/jkaninda/devbot/internal/sandbox"
)

// --- No-op path ---

func TestNew_NilConfig(t *testing.T) {
	obs, err := New(nil, nil)
	if err != nil {
		t.Fatalf("New(nil) error: %v", err)
	}
	if obs != nil {
		t.Fatal("expected nil Observability for nil config")
	}
}

func TestNew_AllDisabled(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{}, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if obs.Metrics != nil || obs.Tracer != nil || obs.Anomaly != nil {
		t.Errorf("features should be nil when not enabled: %+v", obs)
	}
	if obs.Health == nil {
		t.Error("health checker should always be created")
	}
}

func TestNew_TracingWithoutEndpoint(t *testing.T) {
	_, err := New(&config.ObservabilityConfig{
		Tracing: &config.TracingConfig{Enabled: true},
	}, nil)
	if err == nil {
		t.Fatal("expected error for tracing without endpoint")
	}
}

func TestObservability_NilAccessors(t *testing.T) {
	var obs *Observability
	obs.Shutdown(context.Background())
	if obs.MetricsOrNil() != nil || obs.TracerOrNil() != nil || obs.AnomalyOrNil() != nil {
		t.Error("nil Observability should expose nil components")
	}

	var ts *TracerSetup
	_, span := ts.StartSpan(context.Background(), "noop")
	EndSpan(span, errors.New("ignored"))
	if err := ts.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown on nil tracer: %v", err)
	}
}

// --- MetricsCollector ---

func TestMetricsCollector_Registered(t *testing.T) {
	m := NewMetricsCollector()
	m.LLMRequestsTotal.WithLabelValues("gemini", "", "success").Inc()
	m.RecordDispatch("read", "ok", "", 10*time.Millisecond)
	m.RecordCacheLookup("read", true)
	m.SandboxExecutionsTotal.WithLabelValues("process", "success").Inc()
	m.LoopStarted()("stopped_ok", 2)

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"devbot_llm_requests_total",
		"devbot_tool_dispatches_total",
		"devbot_tool_dispatch_duration_seconds",
		"devbot_tool_cache_lookups_total",
		"devbot_sandbox_executions_total",
		"devbot_loop_runs_total",
		"devbot_loop_turns",
		"devbot_active_loops",
	} {
		if !names[want] {
			t.Errorf("metric %q not found in registry", want)
		}
	}
}

func TestMetricsCollector_Helpers(t *testing.T) {
	m := NewMetricsCollector()
	m.RecordDispatch("write", "error", "containment_violation", time.Millisecond)
	m.RecordDispatch("write", "error", "containment_violation", time.Millisecond)
	m.RecordCacheLookup("list", false)
	m.RecordCacheLookup("list", true)
	m.RecordCacheLookup("list", true)

	if v := counterValue(t, m.Registry, "devbot_tool_dispatches_total",
		prometheus.Labels{"tool": "write", "status": "error", "code": "containment_violation"}); v != 2 {
		t.Errorf("dispatches = %v, want 2", v)
	}
	if v := counterValue(t, m.Registry, "devbot_tool_cache_lookups_total",
		prometheus.Labels{"tool": "list", "result": "hit"}); v != 2 {
		t.Errorf("hits = %v, want 2", v)
	}

	done := m.LoopStarted()
	if v := gaugeValue(t, m.Registry, "devbot_active_loops"); v != 1 {
		t.Errorf("active loops = %v, want 1", v)
	}
	done("stopped_budget", 20)
	if v := gaugeValue(t, m.Registry, "devbot_active_loops"); v != 0 {
		t.Errorf("active loops = %v, want 0", v)
	}
	if v := counterValue(t, m.Registry, "devbot_loop_runs_total", prometheus.Labels{"state": "stopped_budget"}); v != 1 {
		t.Errorf("loop runs = %v, want 1", v)
	}

	// Nil collector is a no-op.
	var nilM *MetricsCollector
	nilM.RecordDispatch("read", "ok", "", 0)
	nilM.RecordCacheLookup("read", true)
	nilM.LoopStarted()("stopped_ok", 1)
}

// --- HealthChecker ---

func TestHealthChecker_NoChecks(t *testing.T) {
	h := NewHealthChecker(nil)
	if status := h.CheckReady(context.Background()); status.Status != StatusOK {
		t.Errorf("status = %q, want ok", status.Status)
	}
	if status := h.CheckHealth(); status.Status != StatusOK {
		t.Errorf("liveness = %q, want ok", status.Status)
	}
}

func TestHealthChecker_OneFails(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("transcript", func(ctx context.Context) error { return errors.New("connection refused") })
	h.AddCheck("sandbox_root", func(ctx context.Context) error { return nil })

	status := h.CheckReady(context.Background())
	if status.Status != StatusDegraded {
		t.Errorf("status = %q, want degraded", status.Status)
	}
	if got := status.Checks["transcript"]; got.Status != StatusFail || got.Message != "connection refused" {
		t.Errorf("transcript check = %+v", got)
	}
	if status.Checks["sandbox_root"].Status != StatusOK {
		t.Errorf("sandbox_root check = %+v", status.Checks["sandbox_root"])
	}
	if names := h.Names(); len(names) != 2 || names[0] != "sandbox_root" {
		t.Errorf("Names = %v", names)
	}
}

// --- AnomalyDetector ---

func TestAnomalyDetector_NilSafe(t *testing.T) {
	var a *AnomalyDetector
	a.RecordError("read")
	a.RecordSuccess("read")
	a.Record("read", true)
	if ops := a.Anomalous(); ops != nil {
		t.Errorf("Anomalous = %v", ops)
	}
	if err := a.Check(context.Background()); err != nil {
		t.Errorf("Check = %v", err)
	}
}

func TestAnomalyDetector_ErrorRateThreshold(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	a := NewAnomalyDetector(&config.AnomalyConfig{
		Enabled:            true,
		ErrorRateThreshold: 0.5,
		WindowSeconds:      60,
	}, nil)
	a.now = func() time.Time { return now }

	// Too few samples to judge.
	for i := 0; i < 4; i++ {
		a.RecordError("run")
	}
	if ops := a.Anomalous(); len(ops) != 0 {
		t.Errorf("Anomalous = %v, want none below sample minimum", ops)
	}

	// 6 errors, 4 successes: 60% > 50%.
	for i := 0; i < 4; i++ {
		a.RecordSuccess("run")
	}
	a.RecordError("run")
	a.RecordError("run")
	a.RecordSuccess("read")

	if ops := a.Anomalous(); len(ops) != 1 || ops[0] != "run" {
		t.Fatalf("Anomalous = %v, want [run]", ops)
	}
	if err := a.Check(context.Background()); err == nil {
		t.Error("Check should fail while run is anomalous")
	}

	// Everything ages out of the window.
	now = now.Add(2 * time.Minute)
	if ops := a.Anomalous(); len(ops) != 0 {
		t.Errorf("Anomalous = %v after window elapsed", ops)
	}
}

// --- InstrumentedProvider ---

type mockProvider struct {
	name   string
	resp   *llm.Response
	err    error
	called int
}

func (m *mockProvider) Name() string  { return m.name }
func (m *mockProvider) Model() string { return "test-model" }
func (m *mockProvider) SendMessage(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	m.called++
	return m.resp, m.err
}

func TestInstrumentedProvider_Success(t *testing.T) {
	obs := &Observability{Metrics: NewMetricsCollector()}
	inner := &mockProvider{
		name: "test",
		resp: &llm.Response{Content: "hello", Usage: llm.Usage{InputTokens: 10, OutputTokens: 20}},
	}

	p := NewInstrumentedProvider(inner, obs)
	resp, err := p.SendMessage(context.Background(), &llm.Request{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "hello" || inner.called != 1 {
		t.Errorf("resp = %+v, called = %d", resp, inner.called)
	}

	reg := obs.Metrics.Registry
	if v := counterValue(t, reg, "devbot_llm_requests_total",
		prometheus.Labels{"provider": "test", "model": "test-model", "status": "success"}); v != 1 {
		t.Errorf("requests_total = %v, want 1", v)
	}
	if v := counterValue(t, reg, "devbot_llm_tokens_used_total",
		prometheus.Labels{"provider": "test", "direction": "output"}); v != 20 {
		t.Errorf("output tokens = %v, want 20", v)
	}
}

func TestInstrumentedProvider_Error(t *testing.T) {
	obs := &Observability{
		Metrics: NewMetricsCollector(),
		Anomaly: NewAnomalyDetector(&config.AnomalyConfig{ErrorRateThreshold: 0.1}, nil),
	}
	p := NewInstrumentedProvider(&mockProvider{name: "test", err: errors.New("api error")}, obs)
	for i := 0; i < 5; i++ {
		if _, err := p.SendMessage(context.Background(), &llm.Request{}); err == nil {
			t.Fatal("expected error")
		}
	}

	if v := counterValue(t, obs.Metrics.Registry, "devbot_llm_requests_total",
		prometheus.Labels{"provider": "test", "status": "error"}); v != 5 {
		t.Errorf("error requests_total = %v, want 5", v)
	}
	if ops := obs.Anomaly.Anomalous(); len(ops) != 1 || ops[0] != OperationLLM {
		t.Errorf("Anomalous = %v", ops)
	}
}

func TestInstrumentedProvider_NilObservability(t *testing.T) {
	p := NewInstrumentedProvider(&mockProvider{name: "test", resp: &llm.Response{Content: "ok"}}, nil)
	resp, err := p.SendMessage(context.Background(), &llm.Request{})
	if err != nil || resp.Content != "ok" {
		t.Fatalf("resp = %+v, err = %v", resp, err)
	}
	if p.Name() != "test" {
		t.Errorf("Name = %q", p.Name())
	}
}

// --- InstrumentedExecutor ---

type mockExecutor struct {
	result *sandbox.ExecutionResult
	err    error
}

func (m *mockExecutor) Execute(ctx context.Context, req sandbox.ExecutionRequest) (*sandbox.ExecutionResult, error) {
	return m.result, m.err
}

func TestInstrumentedExecutor_Statuses(t *testing.T) {
	tests := []struct {
		name   string
		inner  *mockExecutor
		status string
	}{
		{"success", &mockExecutor{result: &sandbox.ExecutionResult{}}, "success"},
		{"nonzero", &mockExecutor{result: &sandbox.ExecutionResult{ExitCode: 1}}, "nonzero_exit"},
		{"timeout", &mockExecutor{err: &sandbox.TimeoutError{Timeout: time.Second}}, "timeout"},
		{"error", &mockExecutor{err: errors.New("exec format error")}, "error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obs := &Observability{Metrics: NewMetricsCollector()}
			e := NewInstrumentedExecutor(tt.inner, "process", obs)
			_, err := e.Execute(context.Background(), sandbox.ExecutionRequest{Command: []string{"python3", "main.py"}})
			if (err != nil) != (tt.inner.err != nil) {
				t.Fatalf("err = %v", err)
			}
			if v := counterValue(t, obs.Metrics.Registry, "devbot_sandbox_executions_total",
				prometheus.Labels{"type": "process", "status": tt.status}); v != 1 {
				t.Errorf("executions_total{%s} = %v, want 1", tt.status, v)
			}
		})
	}
}

func TestInstrumentedExecutor_PreservesTimeoutError(t *testing.T) {
	inner := &mockExecutor{err: &sandbox.TimeoutError{Timeout: 2 * time.Second, Stdout: "partial"}}
	e := NewInstrumentedExecutor(inner, "process", nil)
	_, err := e.Execute(context.Background(), sandbox.ExecutionRequest{})
	var te *sandbox.TimeoutError
	if !errors.As(err, &te) || te.Stdout != "partial" {
		t.Errorf("err = %v, want *TimeoutError with partial output", err)
	}
}

// --- HTTP ---

func TestHTTPMetricsMiddleware(t *testing.T) {
	m := NewMetricsCollector()
	handler := HTTPMetricsMiddleware(m, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("code = %d", rec.Code)
	}
	if v := counterValue(t, m.Registry, "devbot_http_requests_total",
		prometheus.Labels{"method": "GET", "path": "/readyz", "status_code": "503"}); v != 1 {
		t.Errorf("http requests = %v, want 1", v)
	}
}

func TestHTTPMetricsMiddleware_NilMetrics(t *testing.T) {
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })
	HTTPMetricsMiddleware(nil, next).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if !called {
		t.Error("next handler not called")
	}
}

// --- helpers ---

func labelMap(pairs []*dto.LabelPair) map[string]string {
	m := make(map[string]string)
	for _, p := range pairs {
		m[p.GetName()] = p.GetValue()
	}
	return m
}

func findMetric(t *testing.T, reg *prometheus.Registry, name string, labels prometheus.Labels) *dto.Metric {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			lm := labelMap(metric.GetLabel())
			match := true
			for k, v := range labels {
				if lm[k] != v {
					match = false
					break
				}
			}
			if match {
				return metric
			}
		}
	}
	return nil
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels prometheus.Labels) float64 {
	t.Helper()
	return findMetric(t, reg, name, labels).GetCounter().GetValue()
}

func gaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	return findMetric(t, reg, name, nil).GetGauge().GetValue()
}
