// Package sandbox runs interpreter processes for the run tool.
//
// Isolation is limited to what the host OS gives a child process: its own
// process group, a sanitized environment, a working directory pinned to
// the sandbox root, and a wall-clock timeout.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Executor runs a command to completion.
type Executor interface {
	Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error)
}

// ExecutionRequest defines what to run and under what constraints.
type ExecutionRequest struct {
	// Command is the program and arguments (e.g. ["python3", "main.py", "3"]).
	// Passed as argv; never joined into a shell string.
	Command []string

	// WorkingDir is the directory the process starts in. Required.
	WorkingDir string

	// Env adds extra variables on top of the minimal safe environment.
	Env map[string]string

	// Timeout overrides the executor default. Zero = use default.
	Timeout time.Duration
}

// ExecutionResult captures the outcome of a finished process.
type ExecutionResult struct {
	Stdout          string
	Stderr          string
	ExitCode        int
	Duration        time.Duration
	StdoutTruncated bool
	StderrTruncated bool
}

// ErrTimedOut is matched by *TimeoutError.
var ErrTimedOut = errors.New("execution timed out")

// TimeoutError reports a process killed after exceeding its timeout.
type TimeoutError struct {
	Timeout time.Duration
	Stdout  string
	Stderr  string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("execution timed out after %s", e.Timeout)
}

func (e *TimeoutError) Unwrap() error { return ErrTimedOut }
