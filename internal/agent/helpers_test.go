package agent

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jkaninda/devbot/internal/sandbox"
	"github.com/jkaninda/devbot/internal/tools"
	"github.com/jkaninda/devbot/internal/tools/file"
	"github.com/jkaninda/devbot/internal/tools/run"
	"github.com/jkaninda/devbot/internal/transcript"
	"github.com/jkaninda/devbot/internal/workspace"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newWorkspace(t *testing.T, files map[string]string) *workspace.Workspace {
	t.Helper()
	root := t.TempDir()
	for name, body := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0750); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(body), 0640); err != nil {
			t.Fatal(err)
		}
	}
	ws, err := workspace.New(root)
	if err != nil {
		t.Fatal(err)
	}
	return ws
}

// realRegistry wires the four production tools, running .sh files with
// /bin/sh so tests do not depend on a Python install.
func realRegistry() *tools.Registry {
	logger := discardLogger()
	ex := sandbox.NewProcessExecutor(sandbox.ProcessConfig{DefaultTimeout: 5 * time.Second}, logger)
	return tools.NewRegistry(
		file.NewListTool(logger),
		file.NewReadTool(file.Config{}, logger),
		file.NewWriteTool(logger),
		run.New(run.Config{Interpreters: map[string]string{".sh": "/bin/sh"}}, ex, logger),
	)
}

// countingTool is an instrumented tool that records every call.
type countingTool struct {
	name      string
	cacheable bool
	calls     int
	decoded   []map[string]any
	err       error
	panicWith any
}

func (c *countingTool) Name() string        { return c.name }
func (c *countingTool) Description() string { return "counts calls" }
func (c *countingTool) InputSchema() map[string]any {
	return map[string]any{"type": "object"}
}
func (c *countingTool) Params() []string { return []string{tools.ParamFilePath} }
func (c *countingTool) Cacheable() bool  { return c.cacheable }

func (c *countingTool) Decode(params map[string]any) (tools.Args, error) {
	c.decoded = append(c.decoded, params)
	p, err := tools.RequireString(params, tools.ParamFilePath)
	if err != nil {
		return nil, err
	}
	return tools.ReadArgs{FilePath: p}, nil
}

func (c *countingTool) Execute(_ context.Context, _ *workspace.Workspace, args tools.Args) (*tools.Result, error) {
	c.calls++
	if c.panicWith != nil {
		panic(c.panicWith)
	}
	if c.err != nil {
		return nil, c.err
	}
	return tools.OK(tools.Kind(c.name), "counted", map[string]any{"n": c.calls, "path": args.Path()}), nil
}

// slowTool holds each execution open for a while and tracks how many run at
// once. Safe for concurrent use.
type slowTool struct {
	delay       time.Duration
	calls       atomic.Int32
	inflight    atomic.Int32
	maxInflight atomic.Int32
}

func (s *slowTool) Name() string        { return "slow" }
func (s *slowTool) Description() string { return "sleeps before answering" }
func (s *slowTool) InputSchema() map[string]any {
	return map[string]any{"type": "object"}
}
func (s *slowTool) Params() []string { return []string{tools.ParamFilePath} }
func (s *slowTool) Cacheable() bool  { return true }

func (s *slowTool) Decode(params map[string]any) (tools.Args, error) {
	p, err := tools.RequireString(params, tools.ParamFilePath)
	if err != nil {
		return nil, err
	}
	return tools.ReadArgs{FilePath: p}, nil
}

func (s *slowTool) Execute(_ context.Context, _ *workspace.Workspace, args tools.Args) (*tools.Result, error) {
	s.calls.Add(1)
	n := s.inflight.Add(1)
	defer s.inflight.Add(-1)
	for {
		m := s.maxInflight.Load()
		if n <= m || s.maxInflight.CompareAndSwap(m, n) {
			break
		}
	}
	time.Sleep(s.delay)
	return tools.OK("slow", "done", map[string]any{"path": args.Path()}), nil
}

type recordingSink struct {
	entries []transcript.Entry
	err     error
}

func (r *recordingSink) Record(_ context.Context, e transcript.Entry) error {
	r.entries = append(r.entries, e)
	return r.err
}

func (r *recordingSink) Close() error { return nil }

func (r *recordingSink) kinds() []transcript.Kind {
	out := make([]transcript.Kind, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.Kind
	}
	return out
}
