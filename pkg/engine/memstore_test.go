package engine_test

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/openfroyo/conveyor/pkg/engine"
)

// memStore is an in-memory RecordStore and PipelineSource.
type memStore struct {
	mu         sync.Mutex
	pipelines  map[string]*engine.PipelineRecord
	steps      map[string][]engine.StepRecord
	tools      map[string]*engine.CIToolConfig
	executions map[string]*engine.ExecutionRecord
	stepRuns   map[string][]*engine.StepExecutionRecord
	events     []engine.Event
}

func newMemStore() *memStore {
	return &memStore{
		pipelines:  map[string]*engine.PipelineRecord{},
		steps:      map[string][]engine.StepRecord{},
		tools:      map[string]*engine.CIToolConfig{},
		executions: map[string]*engine.ExecutionRecord{},
		stepRuns:   map[string][]*engine.StepExecutionRecord{},
	}
}

func (s *memStore) addPipeline(p engine.PipelineRecord, steps ...engine.StepRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pipelines[p.ID] = &p
	for i := range steps {
		steps[i].PipelineID = p.ID
	}
	s.steps[p.ID] = steps
}

func (s *memStore) addTool(cfg engine.CIToolConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools[cfg.Name] = &cfg
}

func (s *memStore) GetPipeline(_ context.Context, id string) (*engine.PipelineRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pipelines[id]
	if !ok {
		return nil, engine.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *memStore) ListPipelineSteps(_ context.Context, id string) ([]engine.StepRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]engine.StepRecord(nil), s.steps[id]...), nil
}

func (s *memStore) GetCITool(_ context.Context, name string) (*engine.CIToolConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tools[name]
	if !ok {
		return nil, engine.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *memStore) CreateExecution(_ context.Context, rec *engine.ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.executions[rec.ID] = &cp
	return nil
}

func (s *memStore) GetExecution(_ context.Context, id string) (*engine.ExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.executions[id]
	if !ok {
		return nil, engine.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *memStore) ListExecutions(_ context.Context, limit int) ([]engine.ExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]engine.ExecutionRecord, 0, len(s.executions))
	for _, rec := range s.executions {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) UpdateExecutionStatus(_ context.Context, id string, status engine.ExecutionStatus, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.executions[id]
	if !ok {
		return engine.ErrNotFound
	}
	if rec.Status.IsTerminal() {
		return engine.ErrAlreadyTerminal
	}
	now := time.Now().UTC()
	rec.Status = status
	rec.ErrorMessage = msg
	rec.UpdatedAt = now
	if status == engine.StatusRunning && rec.StartedAt == nil {
		rec.StartedAt = &now
	}
	if status.IsTerminal() {
		rec.CompletedAt = &now
	}
	return nil
}

func (s *memStore) SetExecutionMode(_ context.Context, id string, mode engine.ExecutionMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.executions[id]
	if !ok {
		return engine.ErrNotFound
	}
	rec.Mode = mode
	return nil
}

func (s *memStore) SetExternalID(_ context.Context, id, ext string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.executions[id]
	if !ok {
		return engine.ErrNotFound
	}
	rec.ExternalID = ext
	return nil
}

func (s *memStore) AppendExecutionLogs(_ context.Context, id, logs string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.executions[id]
	if !ok {
		return engine.ErrNotFound
	}
	rec.Logs += logs
	return nil
}

func (s *memStore) CreateStepExecution(_ context.Context, rec *engine.StepExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.stepRuns[rec.ExecutionID] = append(s.stepRuns[rec.ExecutionID], &cp)
	return nil
}

func (s *memStore) UpdateStepExecution(_ context.Context, rec *engine.StepExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.stepRuns[rec.ExecutionID] {
		if r.ID == rec.ID {
			*r = *rec
			return nil
		}
	}
	return engine.ErrNotFound
}

func (s *memStore) ListStepExecutions(_ context.Context, id string) ([]engine.StepExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]engine.StepExecutionRecord, 0, len(s.stepRuns[id]))
	for _, r := range s.stepRuns[id] {
		out = append(out, *r)
	}
	return out, nil
}

func (s *memStore) SweepStepExecutions(_ context.Context, id string, from []engine.ExecutionStatus, to engine.ExecutionStatus, msg string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.stepRuns[id] {
		for _, f := range from {
			if r.Status == f {
				r.Status = to
				if r.ErrorMessage == "" {
					r.ErrorMessage = msg
				}
				n++
				break
			}
		}
	}
	return n, nil
}

func (s *memStore) AppendEvent(_ context.Context, ev *engine.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, *ev)
	return nil
}

func (s *memStore) stepStatuses(id string) map[string]engine.ExecutionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]engine.ExecutionStatus{}
	for _, r := range s.stepRuns[id] {
		out[r.StepID] = r.Status
	}
	return out
}

func (s *memStore) eventTypes(id string) []engine.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []engine.EventType
	for _, ev := range s.events {
		if ev.ExecutionID == id {
			out = append(out, ev.Type)
		}
	}
	return out
}
