package steps

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/conveyor/pkg/engine"
)

// WorkdirPrefix starts the diagnostic line reporting the resolved working directory.
const WorkdirPrefix = "[workdir] "

// ShellCommandExecutor runs the step's `command` through the shell rooted at
// the run's current directory. Leading `cd` commands update the run context
// before the remainder runs.
type ShellCommandExecutor struct {
	runner Runner
}

// NewShellCommandExecutor creates a shell executor backed by runner.
func NewShellCommandExecutor(runner Runner) *ShellCommandExecutor {
	if runner == nil {
		runner = NewShellRunner()
	}
	return &ShellCommandExecutor{runner: runner}
}

// Execute implements engine.StepExecutor.
func (e *ShellCommandExecutor) Execute(ctx context.Context, step engine.StepDefinition, rc engine.RunContext) (*engine.StepResult, error) {
	command := step.StringParam(engine.ParamCommand)
	if command == "" {
		command = step.StringParam("script")
	}
	if strings.TrimSpace(command) == "" {
		return nil, engine.NewConfigurationError(step.ID, "shell step requires a 'command' parameter")
	}
	return runShellStep(ctx, e.runner, step, rc, command), nil
}

// runShellStep applies leading directory changes, runs the remainder and maps
// the outcome to a StepResult.
func runShellStep(ctx context.Context, runner Runner, step engine.StepDefinition, rc engine.RunContext, command string) *engine.StepResult {
	start := time.Now()
	logger := rc.Logger().WithStepID(step.ID)

	rest := strings.TrimSpace(command)
	for {
		dir, remainder, ok := SplitLeadingCd(rest)
		if !ok {
			break
		}
		target := dir
		if target == "" || target == "~" {
			target = rc.WorkspacePath()
		}
		resolved, err := rc.ChangeDirectory(target)
		if err != nil {
			res := engine.FailedResult(err.Error())
			res.Duration = time.Since(start)
			return res
		}
		logger.WithField("dir", resolved).Debug("step changed directory")
		rest = remainder
	}

	workdir := rc.CurrentDirectory()
	header := WorkdirPrefix + workdir + "\n"
	data := map[string]interface{}{engine.ParamWorkingDirectory: workdir}

	if rest == "" {
		data["exit_code"] = 0
		return &engine.StepResult{
			Success:  true,
			Output:   header,
			Data:     data,
			Duration: time.Since(start),
		}
	}

	env := rc.Environment()
	for k, v := range step.StringMapParam(engine.ParamEnv) {
		env[k] = v
	}

	out, err := runner.Run(ctx, CommandRequest{
		Command: rest,
		Dir:     workdir,
		Env:     env,
		Timeout: step.Timeout,
	})
	if err != nil {
		res := engine.FailedResult(fmt.Sprintf("failed to start command: %v", err))
		res.Output = header
		res.Duration = time.Since(start)
		return res
	}

	data["exit_code"] = out.ExitCode
	res := &engine.StepResult{
		Success:  out.Succeeded(),
		Output:   header + out.Output,
		Data:     data,
		Duration: time.Since(start),
	}
	switch {
	case out.TimedOut:
		res.Status = engine.StatusTimeout
		res.ErrorMessage = fmt.Sprintf("step timed out after %s", step.Timeout)
		res.Err = engine.NewTimeoutError(res.ErrorMessage, context.DeadlineExceeded).WithStep(step.ID)
	case out.Cancelled:
		res.Status = engine.StatusCancelled
		res.ErrorMessage = "step cancelled"
	case out.ExitCode != 0:
		res.ErrorMessage = fmt.Sprintf("command exited with code %d", out.ExitCode)
	}
	return res
}

// SplitLeadingCd recognises `cd <dir>`, `cd <dir> && rest` and
// `cd <dir>; rest`. A bare `cd` yields an empty dir. Anything else after the
// directory, such as `||` or a pipe, is not treated as a directory change.
func SplitLeadingCd(command string) (dir, rest string, ok bool) {
	s := strings.TrimSpace(command)
	if s == "cd" {
		return "", "", true
	}
	if !strings.HasPrefix(s, "cd ") && !strings.HasPrefix(s, "cd\t") {
		return "", "", false
	}
	s = strings.TrimLeft(s[2:], " \t")

	if s == "" || strings.HasPrefix(s, "&&") || strings.HasPrefix(s, ";") {
		dir = ""
	} else {
		var n int
		dir, n, ok = readWord(s)
		if !ok {
			return "", "", false
		}
		s = s[n:]
	}

	s = strings.TrimLeft(s, " \t")
	switch {
	case s == "":
		return dir, "", true
	case strings.HasPrefix(s, "&&"):
		return dir, strings.TrimSpace(s[2:]), true
	case strings.HasPrefix(s, ";"):
		return dir, strings.TrimSpace(s[1:]), true
	default:
		return "", "", false
	}
}

// readWord reads one shell word with simple quoting and returns it with the
// number of bytes consumed. Words containing expansions are rejected.
func readWord(s string) (string, int, bool) {
	var b strings.Builder
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case c == ' ' || c == '\t' || c == ';' || c == '&' || c == '|' || c == '>' || c == '<':
			return b.String(), i, b.Len() > 0
		case c == '$' || c == '`' || c == '(' || c == '*' || c == '?':
			return "", 0, false
		case c == '\'':
			end := strings.IndexByte(s[i+1:], '\'')
			if end < 0 {
				return "", 0, false
			}
			b.WriteString(s[i+1 : i+1+end])
			i += end + 2
		case c == '"':
			end := strings.IndexByte(s[i+1:], '"')
			if end < 0 {
				return "", 0, false
			}
			b.WriteString(s[i+1 : i+1+end])
			i += end + 2
		case c == '\\' && i+1 < len(s):
			b.WriteByte(s[i+1])
			i += 2
		default:
			b.WriteByte(c)
			i++
		}
	}
	return b.String(), i, b.Len() > 0
}
