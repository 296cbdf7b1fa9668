// Package steps implements the step executors and the type to executor registry.
package steps

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"time"
)

// DefaultGracePeriod is how long a cancelled process group gets between
// SIGTERM and SIGKILL.
const DefaultGracePeriod = 5 * time.Second

// CommandRequest describes one process invocation.
type CommandRequest struct {
	// Command is run through the shell when Args is empty. Otherwise it is
	// the program and Args its arguments.
	Command string
	Args    []string

	// Dir is the working directory.
	Dir string

	// Env overlays the process environment.
	Env map[string]string

	// Timeout bounds the process. Zero means the context alone decides.
	Timeout time.Duration
}

// CommandResult is the outcome of a finished process.
type CommandResult struct {
	ExitCode  int
	Output    string
	Duration  time.Duration
	TimedOut  bool
	Cancelled bool
}

// Succeeded reports a zero exit with no timeout or cancellation.
func (r *CommandResult) Succeeded() bool {
	return r != nil && r.ExitCode == 0 && !r.TimedOut && !r.Cancelled
}

// Runner runs processes. The returned error is reserved for processes that
// could not be started; non-zero exits are reported in the result.
type Runner interface {
	Run(ctx context.Context, req CommandRequest) (*CommandResult, error)
}

// ShellRunner runs commands with `sh -c` in their own process group.
type ShellRunner struct {
	// Shell defaults to /bin/sh.
	Shell string

	// GracePeriod defaults to DefaultGracePeriod. A negative value kills
	// immediately.
	GracePeriod time.Duration
}

// NewShellRunner creates a runner with default settings.
func NewShellRunner() *ShellRunner {
	return &ShellRunner{Shell: "/bin/sh", GracePeriod: DefaultGracePeriod}
}

// Run starts the process and waits for it.
func (r *ShellRunner) Run(ctx context.Context, req CommandRequest) (*CommandResult, error) {
	if req.Command == "" {
		return nil, fmt.Errorf("command is required")
	}

	runCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	shell := r.Shell
	if shell == "" {
		shell = "/bin/sh"
	}

	var cmd *exec.Cmd
	if len(req.Args) > 0 {
		cmd = exec.CommandContext(runCtx, req.Command, req.Args...)
	} else {
		cmd = exec.CommandContext(runCtx, shell, "-c", req.Command)
	}
	cmd.Dir = req.Dir
	cmd.Env = buildEnv(req.Dir, req.Env)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	grace := r.GracePeriod
	if grace == 0 {
		grace = DefaultGracePeriod
	}
	configureProcessGroup(cmd, grace)

	start := time.Now()
	err := cmd.Run()
	res := &CommandResult{Output: out.String(), Duration: time.Since(start)}

	if err == nil {
		return res, nil
	}

	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		res.TimedOut = true
		res.ExitCode = -1
		return res, nil
	case ctx.Err() != nil:
		res.Cancelled = true
		res.ExitCode = -1
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			res.Cancelled = false
			res.TimedOut = true
		}
		return res, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}

	return res, err
}

// buildEnv returns the process environment with overlays applied in a
// stable order.
func buildEnv(dir string, overlay map[string]string) []string {
	env := os.Environ()
	keys := make([]string, 0, len(overlay))
	for k := range overlay {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+overlay[k])
	}
	if dir != "" {
		env = append(env, "PWD="+dir)
	}
	return env
}
