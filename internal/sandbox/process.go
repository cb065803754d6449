package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"
)

const (
	// maxOutputBytes caps stdout/stderr to prevent OOM from chatty scripts.
	maxOutputBytes = 1 << 20 // 1 MB

	defaultTimeout = 30 * time.Second
)

// ProcessConfig configures the process executor.
type ProcessConfig struct {
	DefaultTimeout time.Duration
	// MaxOutputBytes caps each of stdout and stderr. 0 = 1 MB.
	MaxOutputBytes int
}

// ProcessExecutor runs commands as child OS processes.
//
//   - Process runs in its own process group (Setpgid)
//   - Entire process group killed on timeout/cancel
//   - No environment inheritance from the parent, only a minimal safe set
//   - stdout/stderr capped
type ProcessExecutor struct {
	defaultTimeout time.Duration
	maxOutput      int
	logger         *slog.Logger
}

// NewProcessExecutor creates a process executor.
func NewProcessExecutor(cfg ProcessConfig, logger *slog.Logger) *ProcessExecutor {
	timeout := cfg.DefaultTimeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	maxOutput := cfg.MaxOutputBytes
	if maxOutput <= 0 {
		maxOutput = maxOutputBytes
	}
	return &ProcessExecutor{
		defaultTimeout: timeout,
		maxOutput:      maxOutput,
		logger:         logger,
	}
}

// Timeout returns the default per-process timeout.
func (s *ProcessExecutor) Timeout() time.Duration {
	return s.defaultTimeout
}

// Execute runs the command and waits for it. A non-zero exit status is
// reported in the result, not as an error. Exceeding the timeout returns
// *TimeoutError with whatever output was captured.
func (s *ProcessExecutor) Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	if len(req.Command) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	if req.WorkingDir == "" {
		return nil, fmt.Errorf("working directory is required")
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = s.defaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Scratch HOME/TMPDIR so scripts don't litter the sandbox root.
	tmpDir, err := os.MkdirTemp("", "devbot-run-*")
	if err != nil {
		return nil, fmt.Errorf("creating scratch dir: %w", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(tmpDir); rmErr != nil {
			s.logger.Warn("failed to remove scratch dir",
				slog.String("dir", tmpDir),
				slog.String("error", rmErr.Error()),
			)
		}
	}()

	cmd := exec.CommandContext(runCtx, req.Command[0], req.Command[1:]...)
	cmd.Dir = req.WorkingDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	// Negative PID = kill the entire process group, so grandchildren go too.
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	// Don't wait forever on pipes held open by orphans.
	cmd.WaitDelay = time.Second

	cmd.Env = buildEnv(tmpDir, req.Env)

	var stdoutBuf, stderrBuf bytes.Buffer
	stdout := &limitedWriter{w: &stdoutBuf, remaining: s.maxOutput}
	stderr := &limitedWriter{w: &stderrBuf, remaining: s.maxOutput}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	s.logger.InfoContext(ctx, "process executing",
		slog.Any("command", req.Command),
		slog.String("dir", cmd.Dir),
		slog.Duration("timeout", timeout),
	)

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	exitCode := 0
	if runErr != nil {
		// Check the deadline first: a killed process also reports an ExitError.
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			s.logger.WarnContext(ctx, "process timed out",
				slog.Duration("timeout", timeout),
				slog.Duration("duration", duration),
			)
			return nil, &TimeoutError{Timeout: timeout, Stdout: stdoutBuf.String(), Stderr: stderrBuf.String()}
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("execution cancelled: %w", ctx.Err())
		}

		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, fmt.Errorf("execution failed: %w", runErr)
		}
		exitCode = exitErr.ExitCode()
	}

	s.logger.InfoContext(ctx, "process completed",
		slog.Int("exit_code", exitCode),
		slog.Duration("duration", duration),
		slog.Int("stdout_bytes", stdoutBuf.Len()),
		slog.Int("stderr_bytes", stderrBuf.Len()),
	)

	return &ExecutionResult{
		Stdout:          stdoutBuf.String(),
		Stderr:          stderrBuf.String(),
		ExitCode:        exitCode,
		Duration:        duration,
		StdoutTruncated: stdout.truncated,
		StderrTruncated: stderr.truncated,
	}, nil
}

// buildEnv constructs a minimal, safe environment. The parent's environment
// is never inherited, so API keys don't leak into scripts.
func buildEnv(tmpDir string, extra map[string]string) []string {
	env := []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + tmpDir,
		"TMPDIR=" + tmpDir,
		"LANG=en_US.UTF-8",
		"TERM=dumb",
		"PYTHONDONTWRITEBYTECODE=1",
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

// limitedWriter wraps a writer and stops writing after a byte limit.
// Excess data is discarded and recorded in truncated.
type limitedWriter struct {
	w         io.Writer
	remaining int
	truncated bool
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	if lw.remaining <= 0 {
		lw.truncated = lw.truncated || n > 0
		return n, nil
	}
	if len(p) > lw.remaining {
		p = p[:lw.remaining]
		lw.truncated = true
	}
	written, err := lw.w.Write(p)
	lw.remaining -= written
	if err != nil {
		return written, err
	}
	return n, nil
}
