package core

import (
	"context"
	"io"
	"time"
)

// ProcessSpec describes one child process invocation.
type ProcessSpec struct {
	Path    string
	Args    []string
	Dir     string
	Env     []string
	Timeout time.Duration
	// Output receives both stdout and stderr.
	Output io.Writer
	// Detached processes survive cancellation of the context passed to Start;
	// only their own timeout stops them.
	Detached bool
}

type ProcessResult struct {
	ExitCode int
	TimedOut bool
	Err      error
	Duration time.Duration
}

// Process is a started child process.
type Process interface {
	Pid() int
	// Wait blocks until the process exits or is killed on timeout. It may be
	// called more than once and from several goroutines.
	Wait() ProcessResult
	// Done is closed when the result is available.
	Done() <-chan struct{}
}

// ProcessRunner starts child processes. Implementations must kill a process
// whose Timeout expires even when nobody waits on it.
type ProcessRunner interface {
	Start(ctx context.Context, spec ProcessSpec) (Process, error)
}
