package config

import (
	"fmt"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

// pipelineSchema constrains CUE pipeline files. A file either declares the
// pipeline at the top level or under a "pipeline" field.
const pipelineSchema = `
#Step: {
	id?:              string & =~"^[A-Za-z0-9._-]+$"
	name?:            string
	type:             string & !=""
	parameters?:      {...}
	order?:           int & >=0
	parallel_group?:  string
	timeout_seconds?: int & >=0
}

#Pipeline: {
	id?:              string & =~"^[A-Za-z0-9._-]+$"
	name:             string & !=""
	environment?:     {[string]: string}
	timeout_seconds?: int & >=0
	execution_mode?:  "local" | "remote" | "auto"
	tool?:            string
	steps:            [...#Step]
}
`

// ValidationError is a CUE error with its source position.
type ValidationError struct {
	File    string
	Line    int
	Column  int
	Message string
}

func (e ValidationError) Error() string {
	if e.File == "" {
		return e.Message
	}
	return fmt.Sprintf("%s:%d:%d: %s", e.File, e.Line, e.Column, e.Message)
}

// ValidationErrors collects the errors of one file.
type ValidationErrors []ValidationError

func (v ValidationErrors) Error() string {
	msgs := make([]string, 0, len(v))
	for _, e := range v {
		msgs = append(msgs, e.Error())
	}
	return strings.Join(msgs, "; ")
}

func convertCUEErrors(err error) ValidationErrors {
	var out ValidationErrors
	for _, e := range cueerrors.Errors(err) {
		ve := ValidationError{Message: strings.TrimSpace(cueerrors.Details(e, nil))}
		if pos := cueerrors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		out = append(out, ve)
	}
	return out
}

// ParsePipelineCUE evaluates a CUE pipeline definition, unifies it with the
// pipeline schema and decodes it.
func ParsePipelineCUE(data []byte, source string) (*PipelineFile, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileString(pipelineSchema, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile pipeline schema: %w", err)
	}

	val := ctx.CompileBytes(data, cue.Filename(source))
	if err := val.Err(); err != nil {
		return nil, convertCUEErrors(err)
	}
	if p := val.LookupPath(cue.ParsePath("pipeline")); p.Exists() {
		val = p
	}

	unified := schema.LookupPath(cue.ParsePath("#Pipeline")).Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, convertCUEErrors(err)
	}

	var pf PipelineFile
	if err := unified.Decode(&pf); err != nil {
		return nil, fmt.Errorf("%s: failed to decode pipeline: %w", source, err)
	}
	pf.Source = source
	if err := pf.normalize(); err != nil {
		return nil, err
	}
	return &pf, nil
}
