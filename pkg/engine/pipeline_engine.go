package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/conveyor/pkg/telemetry"
)

var errRunTimeout = errors.New("pipeline timed out")

// EngineConfig holds the tunables of the pipeline engine.
type EngineConfig struct {
	MaxParallel int         `mapstructure:"max_parallel" validate:"gte=0"`
	Retry       RetryPolicy `mapstructure:"retry"`

	// PollInterval is the delay between remote status polls.
	PollInterval time.Duration `mapstructure:"poll_interval"`

	// RemoteTimeout bounds a remote run whose pipeline has no timeout.
	RemoteTimeout time.Duration `mapstructure:"remote_timeout"`

	// MaxPollFailures is the number of consecutive failed polls after which
	// a remote run is marked failed.
	MaxPollFailures int `mapstructure:"max_poll_failures" validate:"gte=0"`

	// ForceCleanup removes workspaces even when preservation is enabled.
	ForceCleanup bool `mapstructure:"force_cleanup"`
}

// DefaultEngineConfig returns the default engine configuration.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxParallel:     DefaultMaxParallel,
		Retry:           DefaultRetryPolicy(),
		PollInterval:    5 * time.Second,
		RemoteTimeout:   time.Hour,
		MaxPollFailures: 10,
	}
}

// EngineDeps are the collaborators of the engine. Policy, Events, Adapters
// and Telemetry are optional.
type EngineDeps struct {
	Store      RecordStore
	Source     PipelineSource
	Workspaces RunContextFactory
	Executors  StepResolver
	Adapters   AdapterFactory
	Policy     PolicyGate
	Events     EventPublisher
	Telemetry  *telemetry.Telemetry
}

type remoteRun struct {
	adapter    Adapter
	externalID string
}

// PipelineExecutionEngine dispatches executions locally or to a CI tool and
// owns their records until a terminal status is reached.
type PipelineExecutionEngine struct {
	store      RecordStore
	source     PipelineSource
	workspaces RunContextFactory
	executors  StepResolver
	adapters   AdapterFactory
	policy     PolicyGate
	events     EventPublisher
	tel        *telemetry.Telemetry
	logger     *telemetry.Logger
	metrics    *telemetry.Metrics
	tracer     *telemetry.Tracer
	cfg        EngineConfig
	monitors   *Monitors

	mu     sync.Mutex
	local  map[string]context.CancelCauseFunc
	remote map[string]remoteRun
	finals map[string]*sync.Once
}

// NewPipelineExecutionEngine creates an engine.
func NewPipelineExecutionEngine(deps EngineDeps, cfg EngineConfig) (*PipelineExecutionEngine, error) {
	if deps.Store == nil || deps.Source == nil {
		return nil, NewPermanentError("engine requires a record store and a pipeline source", nil).WithCode(ErrCodeValidation)
	}
	if deps.Workspaces == nil || deps.Executors == nil {
		return nil, NewPermanentError("engine requires a workspace factory and step executors", nil).WithCode(ErrCodeValidation)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultEngineConfig().PollInterval
	}
	if cfg.MaxPollFailures <= 0 {
		cfg.MaxPollFailures = DefaultEngineConfig().MaxPollFailures
	}

	tel := deps.Telemetry
	if tel == nil {
		tel = telemetry.NewNopTelemetry()
	}

	return &PipelineExecutionEngine{
		store:      deps.Store,
		source:     deps.Source,
		workspaces: deps.Workspaces,
		executors:  deps.Executors,
		adapters:   deps.Adapters,
		policy:     deps.Policy,
		events:     deps.Events,
		tel:        tel,
		logger:     tel.Logger.NewComponentLogger("engine"),
		metrics:    tel.Metrics,
		tracer:     tel.Tracer,
		cfg:        cfg,
		monitors:   NewMonitors(),
		local:      make(map[string]context.CancelCauseFunc),
		remote:     make(map[string]remoteRun),
		finals:     make(map[string]*sync.Once),
	}, nil
}

// Monitors exposes the background remote monitors.
func (e *PipelineExecutionEngine) Monitors() *Monitors { return e.monitors }

// StartExecution creates a pending execution record for a stored pipeline.
func (e *PipelineExecutionEngine) StartExecution(ctx context.Context, pipelineID string) (*ExecutionRecord, error) {
	pipeline, err := e.source.GetPipeline(ctx, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("failed to load pipeline %s: %w", pipelineID, err)
	}

	now := time.Now().UTC()
	rec := &ExecutionRecord{
		ID:           uuid.New().String(),
		PipelineID:   pipeline.ID,
		PipelineName: pipeline.Name,
		Status:       StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.store.CreateExecution(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to create execution: %w", err)
	}
	e.emitExecution(ctx, rec.ID, StatusPending, "execution created")
	return rec, nil
}

// BuildPipelineDefinition loads the canonical definition of the pipeline
// behind an execution.
func (e *PipelineExecutionEngine) BuildPipelineDefinition(ctx context.Context, executionID string) (*PipelineDefinition, error) {
	rec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load execution %s: %w", executionID, err)
	}
	return LoadPipelineDefinition(ctx, e.source, rec.PipelineID)
}

// ExecutePipeline dispatches a pending execution. Local runs block until the
// run finishes. Remote runs return once the external build is triggered and
// are followed by a background monitor.
//
// Step failures are reported on the records, not through the returned error.
func (e *PipelineExecutionEngine) ExecutePipeline(ctx context.Context, executionID string) error {
	rec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return fmt.Errorf("failed to load execution %s: %w", executionID, err)
	}
	if rec.Status.IsTerminal() {
		return fmt.Errorf("execution %s: %w", executionID, ErrAlreadyTerminal)
	}
	logger := e.logger.WithExecutionID(executionID)

	def, err := LoadPipelineDefinition(ctx, e.source, rec.PipelineID)
	if err != nil {
		e.finalize(ctx, executionID, StatusFailed, err.Error())
		return err
	}
	logger = logger.WithPipeline(def.ID, def.Name)

	mode, tool, err := e.resolveMode(ctx, def)
	if err != nil {
		e.finalize(ctx, executionID, StatusFailed, err.Error())
		return err
	}

	ctx, span := e.tracer.StartRunSpan(ctx, executionID, def.Name, string(mode))
	defer span.End()
	logger = logger.WithSpan(ctx)

	if err := e.checkPolicy(ctx, executionID, def); err != nil {
		telemetry.RecordError(span, err)
		e.finalize(ctx, executionID, StatusFailed, err.Error())
		return err
	}

	if err := e.store.SetExecutionMode(ctx, executionID, mode); err != nil {
		logger.WithError(err).Warn("failed to record execution mode")
	}
	if err := e.store.UpdateExecutionStatus(ctx, executionID, StatusRunning, ""); err != nil {
		if errors.Is(err, ErrAlreadyTerminal) {
			return fmt.Errorf("execution %s: %w", executionID, err)
		}
		return fmt.Errorf("failed to mark execution %s running: %w", executionID, err)
	}
	e.emitExecution(ctx, executionID, StatusRunning, fmt.Sprintf("execution started in %s mode", mode))
	e.metrics.RecordRunStarted(string(mode))

	records, err := e.createStepRecords(ctx, executionID, def.Steps)
	if err != nil {
		e.finalize(ctx, executionID, StatusFailed, err.Error())
		return err
	}

	logger.WithFields(map[string]interface{}{
		"mode":  string(mode),
		"steps": len(def.Steps),
	}).Info("dispatching pipeline")

	if mode == ModeRemote {
		err = e.runRemote(ctx, executionID, def, *tool)
	} else {
		err = e.runLocal(ctx, executionID, def, records)
	}
	if err != nil {
		telemetry.RecordError(span, err)
	} else {
		telemetry.RecordSuccess(span)
	}
	return err
}

// CancelExecution stops an execution. Local runs are cancelled through their
// context; remote runs stop the monitor and cancel the external build where
// the adapter supports it.
func (e *PipelineExecutionEngine) CancelExecution(ctx context.Context, executionID string) error {
	rec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return fmt.Errorf("failed to load execution %s: %w", executionID, err)
	}
	if rec.Status.IsTerminal() {
		return fmt.Errorf("execution %s: %w", executionID, ErrAlreadyTerminal)
	}
	logger := e.logger.WithExecutionID(executionID)

	e.mu.Lock()
	cancelLocal := e.local[executionID]
	run, isRemote := e.remote[executionID]
	e.mu.Unlock()

	switch {
	case cancelLocal != nil:
		logger.Info("cancelling local execution")
		cancelLocal(context.Canceled)
		return nil

	case isRemote:
		e.monitors.Cancel(executionID)
		err := e.adapterCall(ctx, run.adapter, "cancel", func(ctx context.Context) error {
			return run.adapter.CancelPipeline(ctx, run.externalID)
		})
		switch {
		case errors.Is(err, ErrNotSupported):
			logger.Warnf("%s cannot cancel builds, external run %s keeps running", run.adapter.Name(), run.externalID)
		case err != nil:
			logger.WithError(err).Warn("failed to cancel external run")
		}
		e.finalize(ctx, executionID, StatusCancelled, "cancelled by request")
		return nil

	default:
		e.finalize(ctx, executionID, StatusCancelled, "cancelled before dispatch")
		return nil
	}
}

// Shutdown stops the remote monitors. Executions they were following keep
// their current status.
func (e *PipelineExecutionEngine) Shutdown(timeout time.Duration) {
	e.monitors.Shutdown(timeout)
}

func (e *PipelineExecutionEngine) resolveMode(ctx context.Context, def *PipelineDefinition) (ExecutionMode, *CIToolConfig, error) {
	mode := def.ExecutionMode
	if mode == "" {
		mode = ModeAuto
	}

	switch mode {
	case ModeLocal:
		return ModeLocal, nil, nil

	case ModeRemote:
		if def.Tool == "" {
			return "", nil, NewConfigurationError("", "remote execution requires a ci tool")
		}
		tool, err := e.source.GetCITool(ctx, def.Tool)
		if err != nil {
			return "", nil, NewConfigurationError("", fmt.Sprintf("ci tool %q: %v", def.Tool, err))
		}
		if e.adapters == nil {
			return "", nil, NewConfigurationError("", "no ci adapters configured")
		}
		return ModeRemote, tool, nil

	default:
		if def.Tool == "" || e.adapters == nil {
			return ModeLocal, nil, nil
		}
		tool, err := e.source.GetCITool(ctx, def.Tool)
		if errors.Is(err, ErrNotFound) {
			e.logger.Warnf("ci tool %q is not configured, running locally", def.Tool)
			return ModeLocal, nil, nil
		}
		if err != nil {
			return "", nil, fmt.Errorf("failed to load ci tool %q: %w", def.Tool, err)
		}
		return ModeRemote, tool, nil
	}
}

func (e *PipelineExecutionEngine) checkPolicy(ctx context.Context, executionID string, def *PipelineDefinition) error {
	if e.policy == nil {
		return nil
	}
	res, err := e.policy.EvaluatePipeline(ctx, def)
	if err != nil {
		return NewPermanentError("policy evaluation failed", err).WithCode(ErrCodePolicy)
	}
	for _, w := range res.Warnings {
		e.emit(ctx, &Event{
			Type:        EventTypeWarning,
			ExecutionID: executionID,
			Message:     w,
		})
	}
	if res.Allowed {
		return nil
	}

	msgs := make([]string, 0, len(res.Violations))
	for _, v := range res.Violations {
		if v.Severity == "warning" || v.Severity == "info" {
			continue
		}
		msg := fmt.Sprintf("[%s] %s", v.Policy, v.Message)
		if v.StepID != "" {
			msg = fmt.Sprintf("[%s] step %s: %s", v.Policy, v.StepID, v.Message)
		}
		msgs = append(msgs, msg)
	}
	return NewPermanentError("pipeline denied by policy: "+strings.Join(msgs, "; "), nil).WithCode(ErrCodePolicy)
}

// createStepRecords stores a pending record per step.
func (e *PipelineExecutionEngine) createStepRecords(ctx context.Context, executionID string, steps []StepDefinition) (map[string]*StepExecutionRecord, error) {
	records := make(map[string]*StepExecutionRecord, len(steps))
	for _, step := range steps {
		rec := &StepExecutionRecord{
			ID:          uuid.New().String(),
			ExecutionID: executionID,
			StepID:      step.ID,
			StepName:    step.Name,
			Status:      StatusPending,
		}
		if err := e.store.CreateStepExecution(ctx, rec); err != nil {
			return nil, fmt.Errorf("failed to create step record %s: %w", step.ID, err)
		}
		records[step.ID] = rec
	}
	return records, nil
}

func (e *PipelineExecutionEngine) runLocal(ctx context.Context, executionID string, def *PipelineDefinition, records map[string]*StepExecutionRecord) error {
	logger := e.logger.WithExecutionID(executionID)

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if def.Timeout > 0 {
		var stop context.CancelFunc
		runCtx, stop = context.WithTimeoutCause(runCtx, def.Timeout, errRunTimeout)
		defer stop()
	}

	e.mu.Lock()
	e.local[executionID] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.local, executionID)
		e.mu.Unlock()
	}()

	rc, err := e.workspaces.OpenRunContext(def.Name, executionID, def.Environment)
	if err != nil {
		werr := NewWorkspaceError("allocate", err)
		e.finalize(ctx, executionID, StatusFailed, werr.Error())
		return werr
	}
	defer func() {
		if err := rc.Cleanup(e.cfg.ForceCleanup); err != nil {
			logger.WithError(err).Warn("workspace cleanup failed")
		}
	}()

	svc := NewParallelExecutionService(e.executors,
		WithMaxParallel(e.cfg.MaxParallel),
		WithRetryPolicy(e.cfg.Retry),
		WithStepObserver(&stepRecorder{engine: e, executionID: executionID, records: records}),
		WithParallelTelemetry(e.tel),
	)

	res, runErr := svc.Execute(runCtx, def.Steps, rc)
	status, msg := localOutcome(res, runErr, runCtx, def.Timeout)
	e.finalize(ctx, executionID, status, msg)
	return runErr
}

func localOutcome(res *ParallelRunResult, runErr error, runCtx context.Context, timeout time.Duration) (ExecutionStatus, string) {
	if errors.Is(context.Cause(runCtx), errRunTimeout) {
		return StatusTimeout, fmt.Sprintf("pipeline timed out after %v", timeout)
	}
	if runErr != nil {
		return StatusFailed, runErr.Error()
	}
	if res == nil {
		return StatusFailed, "execution produced no result"
	}
	switch res.Status {
	case StatusSuccess:
		return StatusSuccess, ""
	case StatusCancelled:
		return StatusCancelled, "execution cancelled"
	default:
		return res.Status, "failed steps: " + strings.Join(res.FailedSteps, ", ")
	}
}

func (e *PipelineExecutionEngine) runRemote(ctx context.Context, executionID string, def *PipelineDefinition, tool CIToolConfig) error {
	adapter, err := e.adapters(tool)
	if err != nil {
		cerr := NewConfigurationError("", fmt.Sprintf("ci tool %q: %v", tool.Name, err))
		e.finalize(ctx, executionID, StatusFailed, cerr.Error())
		return cerr
	}

	var job string
	err = e.adapterCall(ctx, adapter, "create", func(ctx context.Context) error {
		var cerr error
		job, cerr = adapter.CreatePipeline(ctx, def)
		return cerr
	})
	if err != nil {
		aerr := NewAdapterError("create", err)
		e.finalize(ctx, executionID, StatusFailed, fmt.Sprintf("%s: %v", aerr.Message, err))
		return aerr
	}

	var trig *TriggerResult
	err = e.adapterCall(ctx, adapter, "trigger", func(ctx context.Context) error {
		var terr error
		trig, terr = adapter.TriggerPipeline(ctx, def)
		return terr
	})
	if err == nil && (trig == nil || !trig.Success) {
		msg := "trigger was not accepted"
		if trig != nil && trig.Message != "" {
			msg = trig.Message
		}
		err = errors.New(msg)
	}
	if err != nil {
		aerr := NewAdapterError("trigger", err)
		e.finalize(ctx, executionID, StatusFailed, fmt.Sprintf("%s: %v", aerr.Message, err))
		return aerr
	}

	if err := e.store.SetExternalID(ctx, executionID, trig.ExternalID); err != nil {
		e.logger.WithExecutionID(executionID).WithError(err).Warn("failed to store external id")
	}
	_ = e.store.AppendExecutionLogs(ctx, executionID,
		fmt.Sprintf("job %s on %s triggered as %s\n", job, tool.Name, trig.ExternalID))

	e.mu.Lock()
	e.remote[executionID] = remoteRun{adapter: adapter, externalID: trig.ExternalID}
	e.mu.Unlock()

	return e.monitors.Start(ctx, executionID, func(mctx context.Context) {
		e.monitorRemote(mctx, executionID, def, adapter, trig.ExternalID)
	})
}

// monitorRemote polls the external build until it is terminal, the overall
// timeout elapses or ctx is cancelled. Cancellation leaves finalization to
// the canceller.
func (e *PipelineExecutionEngine) monitorRemote(ctx context.Context, executionID string, def *PipelineDefinition, adapter Adapter, externalID string) {
	logger := e.logger.WithExecutionID(executionID).WithField("external_id", externalID)
	e.metrics.MonitorStarted()
	defer e.metrics.MonitorStopped()
	defer func() {
		e.mu.Lock()
		delete(e.remote, executionID)
		e.mu.Unlock()
	}()

	timeout := def.Timeout
	if timeout <= 0 {
		timeout = e.cfg.RemoteTimeout
	}
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			logger.Debug("monitor stopped")
			return

		case <-deadline:
			logger.Warnf("remote run exceeded %v", timeout)
			if err := adapter.CancelPipeline(ctx, externalID); err != nil && !errors.Is(err, ErrNotSupported) {
				logger.WithError(err).Warn("failed to cancel timed out run")
			}
			e.finalize(ctx, executionID, StatusTimeout, fmt.Sprintf("remote run exceeded %v", timeout))
			return

		case <-ticker.C:
			// Another process may have cancelled the run in the store.
			if rec, err := e.store.GetExecution(ctx, executionID); err == nil && rec.Status.IsTerminal() {
				logger.WithField("status", string(rec.Status)).Info("execution finished elsewhere, monitor stopped")
				return
			}

			var st *RemoteStatus
			err := e.adapterCall(ctx, adapter, "status", func(ctx context.Context) error {
				var serr error
				st, serr = adapter.GetStatus(ctx, externalID)
				return serr
			})
			if err != nil || st == nil {
				if ctx.Err() != nil {
					return
				}
				failures++
				e.metrics.RecordMonitorPoll("error")
				logger.WithError(err).WithField("failures", failures).Warn("status poll failed")
				if failures >= e.cfg.MaxPollFailures {
					e.finalize(ctx, executionID, StatusFailed,
						fmt.Sprintf("lost track of remote run after %d failed polls: %v", failures, err))
					return
				}
				continue
			}
			failures = 0
			e.metrics.RecordMonitorPoll(string(st.Status))

			if !st.Status.IsTerminal() {
				continue
			}
			if st.Logs != "" {
				if err := e.store.AppendExecutionLogs(ctx, executionID, st.Logs); err != nil {
					logger.WithError(err).Warn("failed to store remote logs")
				}
			}
			msg := ""
			if st.Status != StatusSuccess {
				msg = fmt.Sprintf("remote run finished with status %s", st.Status)
				if st.URL != "" {
					msg += " (" + st.URL + ")"
				}
			}
			e.finalize(ctx, executionID, st.Status, msg)
			return
		}
	}
}

func (e *PipelineExecutionEngine) adapterCall(ctx context.Context, adapter Adapter, op string, fn func(context.Context) error) error {
	ctx, span := e.tracer.StartAdapterSpan(ctx, adapter.Name(), op)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	e.metrics.RecordAdapterCall(adapter.Name(), op, time.Since(start), err)
	if err != nil {
		telemetry.RecordError(span, err)
	}
	return err
}

// finalize moves the execution to a terminal status and sweeps its step
// records. It runs at most once at a time per execution; repeated calls are
// harmless because the store rejects a second terminal transition.
func (e *PipelineExecutionEngine) finalize(ctx context.Context, executionID string, status ExecutionStatus, message string) {
	e.mu.Lock()
	once, ok := e.finals[executionID]
	if !ok {
		once = &sync.Once{}
		e.finals[executionID] = once
	}
	e.mu.Unlock()

	once.Do(func() { e.doFinalize(context.WithoutCancel(ctx), executionID, status, message) })

	e.mu.Lock()
	if e.finals[executionID] == once {
		delete(e.finals, executionID)
	}
	e.mu.Unlock()
}

func (e *PipelineExecutionEngine) doFinalize(ctx context.Context, executionID string, status ExecutionStatus, message string) {
	logger := e.logger.WithExecutionID(executionID)

	final := status
	changed := true
	err := e.store.UpdateExecutionStatus(ctx, executionID, status, message)
	switch {
	case errors.Is(err, ErrAlreadyTerminal):
		changed = false
		if rec, gerr := e.store.GetExecution(ctx, executionID); gerr == nil {
			final = rec.Status
		}
		logger.WithField("status", string(final)).Debug("execution already terminal")
	case err != nil:
		logger.WithError(err).Error("failed to store terminal status")
	}

	swept, err := e.store.SweepStepExecutions(ctx, executionID,
		[]ExecutionStatus{StatusPending, StatusRunning}, final,
		fmt.Sprintf("not finished when the run ended with status %s", final))
	if err != nil {
		logger.WithError(err).Error("failed to sweep step records")
	} else if swept > 0 {
		logger.WithField("steps", swept).Debug("swept unfinished step records")
	}

	if !changed {
		return
	}

	fields := map[string]interface{}{"status": string(final)}
	if message != "" {
		fields["error"] = message
	}
	logger.WithFields(fields).Info("execution finished")
	e.emitExecution(ctx, executionID, final, message)

	if rec, err := e.store.GetExecution(ctx, executionID); err == nil {
		var d time.Duration
		if rec.StartedAt != nil {
			d = time.Since(*rec.StartedAt)
		}
		mode := rec.Mode
		if mode == "" {
			mode = ModeLocal
		}
		e.metrics.RecordRunCompleted(string(mode), string(final), d)
	}
}

func (e *PipelineExecutionEngine) emitExecution(ctx context.Context, executionID string, status ExecutionStatus, message string) {
	if message == "" {
		message = fmt.Sprintf("execution %s", status)
	}
	level := "info"
	if status.IsFailure() {
		level = "error"
	}
	e.emit(ctx, &Event{
		Type:        EventTypeExecutionStatus,
		ExecutionID: executionID,
		Message:     message,
		Level:       level,
		Data:        map[string]interface{}{"status": string(status)},
	})
}

// emit stores the event on the execution timeline and publishes it.
func (e *PipelineExecutionEngine) emit(ctx context.Context, ev *Event) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if ev.Level == "" {
		ev.Level = ev.Type.Severity()
	}

	if err := e.store.AppendEvent(ctx, ev); err != nil {
		e.logger.WithError(err).Debug("failed to store event")
	}
	if e.events != nil {
		if err := e.events.Publish(ctx, ev); err != nil {
			e.logger.WithError(err).Debug("failed to publish event")
		}
	}
}

// stepRecorder persists step lifecycle changes reported by the parallel
// service.
type stepRecorder struct {
	engine      *PipelineExecutionEngine
	executionID string

	mu      sync.Mutex
	records map[string]*StepExecutionRecord
}

func (r *stepRecorder) record(step StepDefinition) *StepExecutionRecord {
	rec, ok := r.records[step.ID]
	if !ok {
		rec = &StepExecutionRecord{
			ID:          uuid.New().String(),
			ExecutionID: r.executionID,
			StepID:      step.ID,
			StepName:    step.Name,
			Status:      StatusPending,
		}
		r.records[step.ID] = rec
	}
	return rec
}

func (r *stepRecorder) OnStepStarted(ctx context.Context, step StepDefinition, attempt int) {
	now := time.Now().UTC()

	r.mu.Lock()
	rec := r.record(step)
	rec.Status = StatusRunning
	rec.StartedAt = &now
	rec.CompletedAt = nil
	rec.ErrorMessage = ""
	rec.Attempt = attempt
	snapshot := *rec
	r.mu.Unlock()

	r.save(ctx, &snapshot, fmt.Sprintf("step %s started", step.ID))
}

func (r *stepRecorder) OnStepFinished(ctx context.Context, step StepDefinition, attempt int, result *StepResult) {
	now := time.Now().UTC()
	status := result.FinalStatus()

	r.mu.Lock()
	rec := r.record(step)
	rec.Status = status
	rec.CompletedAt = &now
	if rec.StartedAt == nil {
		rec.StartedAt = &now
	}
	if result != nil {
		rec.Logs = result.Output
		rec.ErrorMessage = result.ErrorMessage
	}
	if attempt > 0 {
		rec.Attempt = attempt
	}
	snapshot := *rec
	r.mu.Unlock()

	r.save(ctx, &snapshot, fmt.Sprintf("step %s %s", step.ID, status))
}

func (r *stepRecorder) save(ctx context.Context, rec *StepExecutionRecord, message string) {
	e := r.engine
	if err := e.store.UpdateStepExecution(ctx, rec); err != nil {
		e.logger.WithExecutionID(r.executionID).WithStepID(rec.StepID).WithError(err).Warn("failed to store step record")
	}
	level := "info"
	if rec.Status.IsFailure() {
		level = "error"
	}
	e.emit(ctx, &Event{
		Type:        EventTypeStepStatus,
		ExecutionID: r.executionID,
		StepID:      rec.StepID,
		Message:     message,
		Level:       level,
		Data: map[string]interface{}{
			"status":  string(rec.Status),
			"attempt": rec.Attempt,
		},
	})
}
