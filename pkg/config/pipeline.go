package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/openfroyo/conveyor/pkg/engine"
)

// PipelineFile is a pipeline definition file, in YAML or CUE.
type PipelineFile struct {
	ID             string            `yaml:"id" json:"id,omitempty" validate:"omitempty,max=128"`
	Name           string            `yaml:"name" json:"name" validate:"required"`
	Environment    map[string]string `yaml:"environment" json:"environment,omitempty"`
	TimeoutSeconds int               `yaml:"timeout_seconds" json:"timeout_seconds,omitempty" validate:"gte=0"`
	ExecutionMode  string            `yaml:"execution_mode" json:"execution_mode,omitempty" validate:"omitempty,oneof=local remote auto"`
	Tool           string            `yaml:"tool" json:"tool,omitempty"`
	Steps          []StepFile        `yaml:"steps" json:"steps" validate:"required,min=1,dive"`

	// Source is the file the definition was read from.
	Source string `yaml:"-" json:"-"`
}

// StepFile is one step of a pipeline file.
type StepFile struct {
	ID             string                 `yaml:"id" json:"id,omitempty"`
	Name           string                 `yaml:"name" json:"name,omitempty"`
	Type           string                 `yaml:"type" json:"type" validate:"required"`
	Parameters     map[string]interface{} `yaml:"parameters" json:"parameters,omitempty"`
	Order          int                    `yaml:"order" json:"order,omitempty" validate:"gte=0"`
	ParallelGroup  string                 `yaml:"parallel_group" json:"parallel_group,omitempty"`
	TimeoutSeconds int                    `yaml:"timeout_seconds" json:"timeout_seconds,omitempty" validate:"gte=0"`
}

// IsPipelineFile reports whether path has a supported pipeline extension.
func IsPipelineFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".cue":
		return true
	}
	return false
}

// LoadPipelineFile reads and validates a pipeline file. The format follows
// the extension: .cue files are CUE, everything else is YAML.
func LoadPipelineFile(path string) (*PipelineFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline file: %w", err)
	}
	if strings.EqualFold(filepath.Ext(path), ".cue") {
		return ParsePipelineCUE(data, path)
	}
	return ParsePipelineYAML(data, path)
}

// ParsePipelineYAML decodes a YAML pipeline definition. Unknown fields are
// rejected.
func ParsePipelineYAML(data []byte, source string) (*PipelineFile, error) {
	var pf PipelineFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&pf); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%s: empty pipeline file", source)
		}
		return nil, fmt.Errorf("%s: %w", source, err)
	}
	pf.Source = source
	if err := pf.normalize(); err != nil {
		return nil, err
	}
	return &pf, nil
}

var slugInvalid = regexp.MustCompile(`[^a-z0-9._-]+`)

func slug(s string) string {
	return strings.Trim(slugInvalid.ReplaceAllString(strings.ToLower(s), "-"), "-.")
}

// normalize fills defaults and validates the file: the pipeline ID defaults to
// the slug of its name, step IDs to the slug of the step name or their
// position, and a missing order to the 1-based position in the file.
func (pf *PipelineFile) normalize() error {
	if err := validate.Struct(pf); err != nil {
		return fmt.Errorf("%s: invalid pipeline: %w", pf.Source, err)
	}
	if pf.ID == "" {
		pf.ID = slug(pf.Name)
	}
	if pf.ID == "" {
		return fmt.Errorf("%s: pipeline name %q does not yield an id", pf.Source, pf.Name)
	}
	for i := range pf.Steps {
		s := &pf.Steps[i]
		if s.ID == "" {
			s.ID = slug(s.Name)
		}
		if s.ID == "" {
			s.ID = fmt.Sprintf("step-%d", i+1)
		}
		if s.Order == 0 {
			s.Order = i + 1
		}
	}
	if _, err := pf.Definition(); err != nil {
		return fmt.Errorf("%s: %w", pf.Source, err)
	}
	return nil
}

// Records converts the file into store rows.
func (pf *PipelineFile) Records() (*engine.PipelineRecord, []engine.StepRecord) {
	p := &engine.PipelineRecord{
		ID:             pf.ID,
		Name:           pf.Name,
		Environment:    pf.Environment,
		TimeoutSeconds: pf.TimeoutSeconds,
		ExecutionMode:  engine.ExecutionMode(pf.ExecutionMode),
		Tool:           pf.Tool,
	}
	steps := make([]engine.StepRecord, 0, len(pf.Steps))
	for _, s := range pf.Steps {
		steps = append(steps, engine.StepRecord{
			ID:             s.ID,
			PipelineID:     pf.ID,
			Name:           s.Name,
			Type:           s.Type,
			Parameters:     s.Parameters,
			Order:          s.Order,
			ParallelGroup:  s.ParallelGroup,
			TimeoutSeconds: s.TimeoutSeconds,
		})
	}
	return p, steps
}

// Definition converts the file into the canonical pipeline definition.
func (pf *PipelineFile) Definition() (*engine.PipelineDefinition, error) {
	p, steps := pf.Records()
	return engine.NewPipelineDefinition(p, steps)
}

// LoadPipelineDir loads every pipeline file directly under dir. Files that
// fail to load are reported together; the valid ones are still returned.
func LoadPipelineDir(dir string) ([]*PipelineFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline directory: %w", err)
	}

	var (
		files []*PipelineFile
		errs  []error
	)
	for _, e := range entries {
		if e.IsDir() || !IsPipelineFile(e.Name()) {
			continue
		}
		pf, err := LoadPipelineFile(filepath.Join(dir, e.Name()))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		files = append(files, pf)
	}
	return files, errors.Join(errs...)
}
