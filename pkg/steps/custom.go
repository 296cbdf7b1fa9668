package steps

import (
	"context"
	"fmt"
	"time"

	"github.com/openfroyo/conveyor/pkg/engine"
)

// ParamStarlark holds an inline Starlark program for custom steps.
const ParamStarlark = "starlark"

// CustomExecutor is the default handler for `custom` and unknown step types.
// `command` (or `script`) runs through the shell, `starlark` is evaluated in
// process with the step parameters, environment and working directory bound
// as `params`, `env` and `workdir`.
type CustomExecutor struct {
	shell     *ShellCommandExecutor
	evaluator *StarlarkEvaluator
}

// NewCustomExecutor creates the default executor.
func NewCustomExecutor(shell *ShellCommandExecutor, evaluator *StarlarkEvaluator) *CustomExecutor {
	if evaluator == nil {
		evaluator = NewStarlarkEvaluator(0)
	}
	return &CustomExecutor{shell: shell, evaluator: evaluator}
}

// Execute implements engine.StepExecutor.
func (e *CustomExecutor) Execute(ctx context.Context, step engine.StepDefinition, rc engine.RunContext) (*engine.StepResult, error) {
	if step.StringParam(engine.ParamCommand) != "" || step.StringParam("script") != "" {
		return e.shell.Execute(ctx, step, rc)
	}

	program := step.StringParam(ParamStarlark)
	if program == "" {
		return nil, engine.NewConfigurationError(step.ID,
			fmt.Sprintf("%s step requires 'command' or 'starlark'", step.Type))
	}

	params := make(map[string]interface{}, len(step.Parameters))
	for k, v := range step.Parameters {
		if k != ParamStarlark {
			params[k] = v
		}
	}

	start := time.Now()
	evaluator := e.evaluator
	if step.Timeout > 0 {
		evaluator = NewStarlarkEvaluator(step.Timeout)
	}
	out, err := evaluator.Evaluate(ctx, step.ID+".star", program, map[string]interface{}{
		"params":       params,
		"env":          rc.Environment(),
		"workdir":      rc.CurrentDirectory(),
		"execution_id": rc.ExecutionID(),
		"step_id":      step.ID,
	})

	res := &engine.StepResult{Duration: time.Since(start)}
	if out != nil {
		res.Output = out.Printed
		res.Data = out.Globals
	}
	if err != nil {
		res.Success = false
		res.ErrorMessage = err.Error()
		if step.Timeout > 0 && res.Duration >= step.Timeout {
			res.Status = engine.StatusTimeout
		}
		return res, nil
	}
	res.Success = true
	return res, nil
}
