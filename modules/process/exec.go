package process

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/deesoft/console/core"
	"github.com/deesoft/console/errors"
)

const DefaultWaitDelay = 5 * time.Second

// Exec runs child processes with os/exec. Each process gets its own timeout
// context; a watcher goroutine reaps the child so the timeout is enforced
// even when the caller never waits.
type Exec struct {
	logger    *slog.Logger
	waitDelay time.Duration
}

type Option func(*Exec)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Exec) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithWaitDelay bounds how long Wait keeps draining output after the child
// has been killed or has exited.
func WithWaitDelay(d time.Duration) Option {
	return func(e *Exec) {
		e.waitDelay = d
	}
}

func NewExec(opts ...Option) *Exec {
	e := &Exec{
		logger:    slog.Default(),
		waitDelay: DefaultWaitDelay,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

var _ core.ProcessRunner = (*Exec)(nil)

func (e *Exec) Start(ctx context.Context, spec core.ProcessSpec) (core.Process, error) {
	if spec.Detached {
		ctx = context.WithoutCancel(ctx)
	}
	var cancel context.CancelFunc
	if spec.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}

	cmd := exec.CommandContext(ctx, spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	out := spec.Output
	if out == nil {
		out = io.Discard
	}
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = e.waitDelay
	setProcessGroup(cmd)

	started := time.Now()
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, errors.ProcessError(fmt.Errorf("start %s: %w", spec.Path, err)).
			WithCode("PROCESS_START").
			WithMetadata("path", spec.Path)
	}

	p := &process{
		cmd:     cmd,
		done:    make(chan struct{}),
		started: started,
	}
	e.logger.Debug("process started", "pid", cmd.Process.Pid, "path", spec.Path, "args", spec.Args, "timeout", spec.Timeout)

	go func() {
		defer close(p.done)
		err := cmd.Wait()
		timedOut := ctx.Err() == context.DeadlineExceeded
		cancel()

		res := core.ProcessResult{
			ExitCode: -1,
			TimedOut: timedOut,
			Duration: time.Since(started),
		}
		if cmd.ProcessState != nil {
			res.ExitCode = cmd.ProcessState.ExitCode()
		}
		switch {
		case timedOut:
			res.Err = errors.ProcessError(fmt.Errorf("killed after timeout of %s", spec.Timeout)).
				WithCode("PROCESS_TIMEOUT")
		case err != nil:
			res.Err = errors.ProcessError(err).WithCode("PROCESS_EXIT")
		}

		p.mu.Lock()
		p.result = res
		p.mu.Unlock()

		e.logger.Debug("process finished",
			"pid", cmd.Process.Pid,
			"exit_code", res.ExitCode,
			"timed_out", res.TimedOut,
			"duration", res.Duration,
		)
	}()

	return p, nil
}

// Run starts the process and blocks until it exits or its timeout fires.
func (e *Exec) Run(ctx context.Context, spec core.ProcessSpec) core.ProcessResult {
	p, err := e.Start(ctx, spec)
	if err != nil {
		return core.ProcessResult{ExitCode: -1, Err: err}
	}
	return p.Wait()
}

type process struct {
	cmd     *exec.Cmd
	done    chan struct{}
	started time.Time

	mu     sync.Mutex
	result core.ProcessResult
}

func (p *process) Pid() int {
	return p.cmd.Process.Pid
}

func (p *process) Done() <-chan struct{} {
	return p.done
}

func (p *process) Wait() core.ProcessResult {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result
}
