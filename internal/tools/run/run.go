// Package run implements the run tool: execute a script inside the sandbox
// root with a fixed timeout and report its output and exit code.
package run

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jkaninda/devbot/internal/sandbox"
	"github.com/jkaninda/devbot/internal/tools"
	"github.com/jkaninda/devbot/internal/workspace"
)

// DefaultInterpreters maps permitted file extensions to the program that runs them.
var DefaultInterpreters = map[string]string{
	".py": "python3",
}

// Config configures the run tool.
type Config struct {
	// Interpreters maps an extension (with leading dot) to an interpreter.
	// Files with any other extension are rejected. Empty = DefaultInterpreters.
	Interpreters map[string]string
}

// Tool runs scripts through a sandbox.Executor.
type Tool struct {
	interpreters map[string]string
	executor     sandbox.Executor
	timeoutSecs  float64
	logger       *slog.Logger
}

// TimeoutReporter is implemented by executors that expose their default timeout.
type TimeoutReporter interface {
	Timeout() time.Duration
}

// New creates the run tool.
func New(cfg Config, executor sandbox.Executor, logger *slog.Logger) *Tool {
	interp := make(map[string]string, len(cfg.Interpreters))
	for ext, prog := range cfg.Interpreters {
		interp[normalizeExt(ext)] = prog
	}
	if len(interp) == 0 {
		for ext, prog := range DefaultInterpreters {
			interp[ext] = prog
		}
	}
	t := &Tool{interpreters: interp, executor: executor, logger: logger}
	if tr, ok := executor.(TimeoutReporter); ok {
		t.timeoutSecs = tr.Timeout().Seconds()
	}
	return t
}

func (t *Tool) Name() string { return string(tools.KindRun) }
func (t *Tool) Description() string {
	return fmt.Sprintf("Executes a script (%s) relative to the working directory with optional command-line arguments, returning its stdout, stderr and exit code",
		strings.Join(t.extensions(), ", "))
}
func (t *Tool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			tools.ParamFilePath: map[string]any{
				"type":        "string",
				"description": "Path of the script to execute, relative to the working directory.",
			},
			tools.ParamArgs: map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "Optional arguments passed to the script.",
			},
		},
		"required": []string{tools.ParamFilePath},
	}
}
func (t *Tool) Params() []string { return []string{tools.ParamFilePath, tools.ParamArgs} }
func (t *Tool) Cacheable() bool  { return false }

func (t *Tool) Decode(params map[string]any) (tools.Args, error) {
	path, err := tools.RequireString(params, tools.ParamFilePath)
	if err != nil {
		return nil, err
	}
	args, err := tools.OptionalStrings(params, tools.ParamArgs)
	if err != nil {
		return nil, err
	}
	return tools.RunArgs{FilePath: path, Args: args}, nil
}

func (t *Tool) Execute(ctx context.Context, ws *workspace.Workspace, args tools.Args) (*tools.Result, error) {
	a, ok := args.(tools.RunArgs)
	if !ok {
		return nil, fmt.Errorf("expected RunArgs, got %T", args)
	}

	resolved, err := ws.Resolve(a.FilePath)
	if err != nil {
		var ce *workspace.ContainmentError
		if errors.As(err, &ce) {
			return tools.Errorf(tools.KindRun, tools.CodeContainment,
				"Error: Cannot execute %q as it is outside the permitted working directory", a.FilePath), nil
		}
		return nil, err
	}
	info, err := os.Stat(resolved)
	if errors.Is(err, fs.ErrNotExist) {
		return tools.Errorf(tools.KindRun, tools.CodeNotFound, "Error: File %q not found", a.FilePath), nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", resolved, err)
	}
	if !info.Mode().IsRegular() {
		return tools.Errorf(tools.KindRun, tools.CodeWrongType, "Error: %q is not a regular file", a.FilePath), nil
	}
	interpreter, ok := t.interpreters[strings.ToLower(filepath.Ext(resolved))]
	if !ok {
		return tools.Errorf(tools.KindRun, tools.CodeWrongType,
			"Error: %q is not a runnable file (allowed: %s)", a.FilePath, strings.Join(t.extensions(), ", ")), nil
	}

	command := append([]string{interpreter, resolved}, a.Args...)
	res, err := t.executor.Execute(ctx, sandbox.ExecutionRequest{
		Command:    command,
		WorkingDir: ws.Root,
	})
	if err != nil {
		var te *sandbox.TimeoutError
		if errors.As(err, &te) {
			secs := te.Timeout.Seconds()
			return tools.Errorf(tools.KindRun, tools.CodeTimedOut,
				"Error: executing %q timed out (timeout_seconds=%s)", a.FilePath, formatSeconds(secs)), nil
		}
		return nil, fmt.Errorf("executing %s: %w", a.FilePath, err)
	}

	t.logger.DebugContext(ctx, "script finished",
		slog.String("path", resolved),
		slog.Int("exit_code", res.ExitCode),
		slog.Duration("duration", res.Duration),
	)

	artifacts := map[string]any{
		"file_path": ws.Rel(resolved),
		"stdout":    res.Stdout,
		"stderr":    res.Stderr,
		"exit_code": res.ExitCode,
	}
	if t.timeoutSecs > 0 {
		artifacts["timeout_seconds"] = t.timeoutSecs
	}
	if res.StdoutTruncated || res.StderrTruncated {
		artifacts["output_truncated"] = true
	}
	r := tools.OK(tools.KindRun, summarize(res), artifacts)
	r.Target = resolved
	return r, nil
}

func (t *Tool) extensions() []string {
	exts := make([]string, 0, len(t.interpreters))
	for ext := range t.interpreters {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}

// summarize renders the human-readable details of a finished process.
func summarize(res *sandbox.ExecutionResult) string {
	var parts []string
	if res.Stdout != "" {
		parts = append(parts, "STDOUT: "+res.Stdout)
	}
	if res.Stderr != "" {
		parts = append(parts, "STDERR: "+res.Stderr)
	}
	if len(parts) == 0 {
		parts = append(parts, "No output produced.")
	}
	if res.ExitCode != 0 {
		parts = append(parts, fmt.Sprintf("Process exited with code %d", res.ExitCode))
	}
	return strings.Join(parts, "\n")
}

func normalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}

func formatSeconds(s float64) string {
	return strings.TrimSuffix(strings.TrimRight(fmt.Sprintf("%.3f", s), "0"), ".")
}
