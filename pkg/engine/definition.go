package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// LoadPipelineDefinition loads a pipeline and its steps from source and
// converts them into the canonical definition.
func LoadPipelineDefinition(ctx context.Context, source PipelineSource, pipelineID string) (*PipelineDefinition, error) {
	pipeline, err := source.GetPipeline(ctx, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("failed to load pipeline %s: %w", pipelineID, err)
	}
	records, err := source.ListPipelineSteps(ctx, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("failed to load steps of pipeline %s: %w", pipelineID, err)
	}

	return NewPipelineDefinition(pipeline, records)
}

// NewPipelineDefinition converts a pipeline row and its step rows into the
// validated canonical definition, with steps sorted by order.
func NewPipelineDefinition(pipeline *PipelineRecord, records []StepRecord) (*PipelineDefinition, error) {
	def := &PipelineDefinition{
		ID:            pipeline.ID,
		Name:          pipeline.Name,
		Environment:   copyStringMap(pipeline.Environment),
		Timeout:       time.Duration(pipeline.TimeoutSeconds) * time.Second,
		ExecutionMode: pipeline.ExecutionMode,
		Tool:          pipeline.Tool,
		Steps:         make([]StepDefinition, 0, len(records)),
	}
	for _, rec := range records {
		def.Steps = append(def.Steps, CanonicalStep(rec))
	}
	def.Steps = SortSteps(def.Steps)

	if err := ValidateDefinition(def); err != nil {
		return nil, err
	}
	return def, nil
}

// CanonicalStep converts a stored step row. The parallel group is taken from
// the column, or from the legacy parameters["parallel_group"] entry, and is
// mirrored into both places so every consumer sees the same key.
func CanonicalStep(rec StepRecord) StepDefinition {
	params := make(map[string]interface{}, len(rec.Parameters)+1)
	for k, v := range rec.Parameters {
		params[k] = v
	}

	step := StepDefinition{
		ID:         rec.ID,
		Name:       rec.Name,
		Type:       StepType(strings.TrimSpace(rec.Type)),
		Parameters: params,
		Order:      rec.Order,
		Timeout:    time.Duration(rec.TimeoutSeconds) * time.Second,
	}
	if step.Name == "" {
		step.Name = rec.ID
	}
	if step.Type == "" {
		step.Type = StepTypeCustom
	}

	group := strings.TrimSpace(rec.ParallelGroup)
	if group == "" {
		group = strings.TrimSpace(step.StringParam(ParamParallelGroup))
	}
	if group != "" {
		step.ParallelGroup = group
		step.Parameters[ParamParallelGroup] = group
	}
	return step
}

// ValidateDefinition checks the structural rules of a definition.
func ValidateDefinition(def *PipelineDefinition) error {
	if def == nil {
		return NewPermanentError("pipeline definition is nil", nil).WithCode(ErrCodeValidation)
	}
	if err := validate.Struct(def); err != nil {
		return NewPermanentError("invalid pipeline definition", err).WithCode(ErrCodeValidation)
	}
	if def.ExecutionMode != "" {
		if err := def.ExecutionMode.Validate(); err != nil {
			return NewPermanentError("invalid pipeline definition", err).WithCode(ErrCodeValidation)
		}
	}

	seen := make(map[string]struct{}, len(def.Steps))
	for _, step := range def.Steps {
		if _, dup := seen[step.ID]; dup {
			return NewConfigurationError(step.ID, "duplicate step id")
		}
		seen[step.ID] = struct{}{}

		if p := step.StringParam(ParamSyncPolicy); p != "" {
			if err := SyncPolicy(p).Validate(); err != nil {
				return NewConfigurationError(step.ID, err.Error())
			}
		}
	}
	return checkGroupsContiguous(def.Steps)
}

// checkGroupsContiguous rejects a parallel group whose members are separated
// in step order by a step outside the group. Such a group would run as one
// unit ahead of the steps between its members.
func checkGroupsContiguous(steps []StepDefinition) error {
	closed := make(map[string]struct{})
	prev := ""
	for _, step := range SortSteps(steps) {
		key := step.GroupKey()
		if key == prev {
			continue
		}
		if prev != "" {
			closed[prev] = struct{}{}
		}
		if _, ok := closed[key]; ok && key != "" {
			return NewConfigurationError(step.ID, fmt.Sprintf("parallel group %q is interleaved with other steps", key))
		}
		prev = key
	}
	return nil
}

func copyStringMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
