package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sourcegraph/conc/panics"
	"github.com/sourcegraph/conc/pool"

	"github.com/openfroyo/conveyor/pkg/telemetry"
)

// DefaultMaxParallel bounds concurrent members of one parallel group.
const DefaultMaxParallel = 10

var (
	errGroupWinner   = errors.New("another group member succeeded")
	errGroupFailFast = errors.New("a group member failed")
	errGroupTimeout  = errors.New("parallel group timed out")
)

// ExecutionUnit is either a single sequential step or a parallel group.
type ExecutionUnit struct {
	// Group is nil for sequential units.
	Group *ParallelGroup
	Steps []StepDefinition
}

// IsGroup reports whether the unit is a parallel group.
func (u ExecutionUnit) IsGroup() bool { return u.Group != nil }

// GroupSteps orders steps and collapses members of a parallel group into one
// unit positioned at its lowest-ordered member. Relative order is preserved.
func GroupSteps(steps []StepDefinition) []ExecutionUnit {
	sorted := SortSteps(steps)
	units := make([]ExecutionUnit, 0, len(sorted))
	groupIndex := make(map[string]int)

	for _, step := range sorted {
		key := step.GroupKey()
		if key == "" {
			units = append(units, ExecutionUnit{Steps: []StepDefinition{step}})
			continue
		}

		idx, ok := groupIndex[key]
		if !ok {
			idx = len(units)
			groupIndex[key] = idx
			units = append(units, ExecutionUnit{Group: &ParallelGroup{Key: key, SyncPolicy: SyncPolicyWaitAll}})
		}
		u := &units[idx]
		u.Steps = append(u.Steps, step)
		u.Group.StepIDs = append(u.Group.StepIDs, step.ID)

		if p := SyncPolicy(step.StringParam(ParamSyncPolicy)); p != "" && p.Validate() == nil {
			u.Group.SyncPolicy = p
		}
		if secs := step.IntParam(ParamGroupTimeout, 0); secs > 0 {
			if d := time.Duration(secs) * time.Second; d > u.Group.Timeout {
				u.Group.Timeout = d
			}
		}
	}
	return units
}

// RetryPolicy controls automatic retries of failed steps. The per-step
// `retries` parameter overrides MaxRetries.
type RetryPolicy struct {
	MaxRetries      int           `mapstructure:"max_retries" validate:"gte=0"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
}

// DefaultRetryPolicy does not retry.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 0, InitialInterval: time.Second, MaxInterval: 30 * time.Second}
}

func (p RetryPolicy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	return b
}

// ParallelRunResult summarizes one Execute call and any later retries.
type ParallelRunResult struct {
	Success      bool
	Status       ExecutionStatus
	StepResults  map[string]*StepResult
	StepStatuses map[string]ExecutionStatus

	// FailedSteps lists the ids whose latest attempt failed, sorted.
	FailedSteps []string

	Duration time.Duration
}

// ParallelOption configures a ParallelExecutionService.
type ParallelOption func(*ParallelExecutionService)

// WithMaxParallel bounds the workers of a parallel group.
func WithMaxParallel(n int) ParallelOption {
	return func(s *ParallelExecutionService) {
		if n > 0 {
			s.maxParallel = n
		}
	}
}

// WithRetryPolicy sets the retry policy.
func WithRetryPolicy(p RetryPolicy) ParallelOption {
	return func(s *ParallelExecutionService) { s.retry = p }
}

// WithStepObserver registers a lifecycle observer.
func WithStepObserver(o StepObserver) ParallelOption {
	return func(s *ParallelExecutionService) { s.observer = o }
}

// WithParallelTelemetry attaches logging, metrics and tracing.
func WithParallelTelemetry(t *telemetry.Telemetry) ParallelOption {
	return func(s *ParallelExecutionService) {
		if t == nil {
			return
		}
		if t.Logger != nil {
			s.logger = t.Logger.NewComponentLogger("parallel")
		}
		s.metrics = t.Metrics
		s.tracer = t.Tracer
	}
}

// ParallelExecutionService runs the steps of one execution: sequential units
// in order, group members concurrently on a bounded pool.
//
// Parallel members run on forked run contexts. Their directory changes are
// discarded after the group, except under wait_any where the first
// successful member's directory is merged back.
type ParallelExecutionService struct {
	resolver    StepResolver
	observer    StepObserver
	logger      *telemetry.Logger
	metrics     *telemetry.Metrics
	tracer      *telemetry.Tracer
	maxParallel int
	retry       RetryPolicy

	mu        sync.Mutex
	rc        RunContext
	steps     map[string]StepDefinition
	results   map[string]*StepResult
	statuses  map[string]ExecutionStatus
	attempts  map[string]int
	failed    map[string]struct{}
	aborted   error
	cancelled bool
	cancel    context.CancelFunc
	started   time.Time
}

// NewParallelExecutionService creates a service resolving executors through
// resolver. One service serves one execution.
func NewParallelExecutionService(resolver StepResolver, opts ...ParallelOption) *ParallelExecutionService {
	s := &ParallelExecutionService{
		resolver:    resolver,
		logger:      telemetry.NewNopLogger(),
		maxParallel: DefaultMaxParallel,
		retry:       DefaultRetryPolicy(),
		steps:       make(map[string]StepDefinition),
		results:     make(map[string]*StepResult),
		statuses:    make(map[string]ExecutionStatus),
		attempts:    make(map[string]int),
		failed:      make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Execute runs steps against rc. The returned error is non-nil only when a
// configuration error aborted the run; the result is populated either way.
func (s *ParallelExecutionService) Execute(ctx context.Context, steps []StepDefinition, rc RunContext) (*ParallelRunResult, error) {
	if rc == nil {
		return nil, NewPermanentError("run context is nil", nil).WithCode(ErrCodeValidation)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.rc = rc
	s.cancel = cancel
	s.started = time.Now()
	for _, step := range steps {
		s.steps[step.ID] = step
		if _, seen := s.statuses[step.ID]; !seen {
			s.statuses[step.ID] = StatusPending
		}
	}
	s.mu.Unlock()

	logger := s.logger.WithExecutionID(rc.ExecutionID())
	units := GroupSteps(steps)
	logger.WithField("units", len(units)).Debug("executing steps")

	for i, unit := range units {
		if err := runCtx.Err(); err != nil {
			s.skipUnits(ctx, units[i:], "execution cancelled")
			s.markCancelled()
			break
		}

		var stop bool
		if unit.IsGroup() {
			stop = s.runGroup(runCtx, unit, rc)
		} else {
			stop = s.runSequential(runCtx, unit.Steps[0], rc)
		}
		if stop {
			reason := "skipped after earlier failure"
			if runCtx.Err() != nil {
				reason = "execution cancelled"
				s.markCancelled()
			}
			s.skipUnits(ctx, units[i+1:], reason)
			break
		}
	}

	s.mu.Lock()
	aborted := s.aborted
	s.mu.Unlock()
	return s.Summary(), aborted
}

// runSequential runs one step and reports whether the run must stop.
func (s *ParallelExecutionService) runSequential(ctx context.Context, step StepDefinition, rc RunContext) bool {
	res, err := s.runStep(ctx, step, rc)
	if err != nil && IsConfigurationError(err) {
		return true
	}
	if res.Success {
		return false
	}
	if ctx.Err() != nil {
		return true
	}
	return !step.BoolParam(ParamContinueOnError)
}

type memberOutcome struct {
	step   StepDefinition
	result *StepResult
	rc     RunContext
}

// runGroup runs the members of a group and reports whether the run must stop.
func (s *ParallelExecutionService) runGroup(ctx context.Context, unit ExecutionUnit, rc RunContext) bool {
	group := unit.Group
	policy := group.SyncPolicy.OrDefault()
	logger := s.logger.WithExecutionID(rc.ExecutionID()).WithFields(map[string]interface{}{
		"group":       group.Key,
		"sync_policy": string(policy),
		"members":     len(unit.Steps),
	})
	logger.Info("starting parallel group")

	groupCtx, cancelGroup := context.WithCancelCause(ctx)
	defer cancelGroup(nil)
	if group.Timeout > 0 {
		var cancelTimeout context.CancelFunc
		groupCtx, cancelTimeout = context.WithTimeoutCause(groupCtx, group.Timeout, errGroupTimeout)
		defer cancelTimeout()
	}

	workers := s.maxParallel
	if len(unit.Steps) < workers {
		workers = len(unit.Steps)
	}
	p := pool.New().WithMaxGoroutines(workers)

	var (
		mu       sync.Mutex
		outcomes = make([]memberOutcome, 0, len(unit.Steps))
		winner   *memberOutcome
		configEr bool
		// stopper is the fail_fast member whose own failure cancelled the group.
		stopper string
	)

	for _, member := range unit.Steps {
		p.Go(func() {
			if groupCtx.Err() != nil {
				s.finishUnstarted(ctx, groupCtx, member)
				return
			}

			child := rc.Fork()
			if member.StringParam(ParamWorkingDirectory) == "" {
				member = member.WithParameter(ParamWorkingDirectory, child.CurrentDirectory())
			}
			res, err := s.runStep(groupCtx, member, child)

			mu.Lock()
			defer mu.Unlock()
			outcomes = append(outcomes, memberOutcome{step: member, result: res, rc: child})
			if err != nil && IsConfigurationError(err) {
				configEr = true
			}

			switch {
			case res.Success && policy == SyncPolicyWaitAny && winner == nil:
				w := outcomes[len(outcomes)-1]
				winner = &w
				cancelGroup(errGroupWinner)
			case !res.Success && policy == SyncPolicyFailFast && groupCtx.Err() == nil:
				stopper = member.ID
				cancelGroup(errGroupFailFast)
			}
		})
	}
	p.Wait()

	// Members interrupted by the group's own cancellation are re-labelled by
	// cause. Only group timeouts count as failures. A member that timed out on
	// its own keeps its timeout, and the member that stopped the group keeps
	// its result.
	cause := context.Cause(groupCtx)
	for _, o := range outcomes {
		if o.result.Success || ctx.Err() != nil || groupCtx.Err() == nil || o.step.ID == stopper {
			continue
		}
		switch o.result.FinalStatus() {
		case StatusCancelled:
		case StatusTimeout:
			if !errors.Is(cause, errGroupTimeout) {
				continue
			}
		default:
			continue
		}
		s.relabel(ctx, o.step, cause)
	}

	if winner != nil {
		if err := rc.MergeFrom(winner.rc); err != nil {
			logger.WithError(err).Warn("failed to merge winning member directory")
		}
		// The winner satisfies the group; failed siblings no longer count.
		s.mu.Lock()
		for _, m := range unit.Steps {
			delete(s.failed, m.ID)
		}
		s.mu.Unlock()
	}

	success := s.groupSucceeded(unit, policy, winner != nil)
	logger.WithField("success", success).Info("parallel group finished")

	if configEr || ctx.Err() != nil {
		return true
	}
	if success {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range unit.Steps {
		if _, bad := s.failed[m.ID]; bad && !m.BoolParam(ParamContinueOnError) {
			return true
		}
	}
	return false
}

func (s *ParallelExecutionService) groupSucceeded(unit ExecutionUnit, policy SyncPolicy, hasWinner bool) bool {
	if policy == SyncPolicyWaitAny {
		return hasWinner
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range unit.Steps {
		if _, bad := s.failed[m.ID]; bad {
			return false
		}
	}
	return true
}

// relabel rewrites the outcome of a member stopped by its group.
func (s *ParallelExecutionService) relabel(ctx context.Context, step StepDefinition, cause error) {
	status, msg := StatusCancelled, "cancelled: "+causeMessage(cause)
	var classified error
	if errors.Is(cause, errGroupTimeout) {
		status, msg = StatusTimeout, errGroupTimeout.Error()
		classified = NewTimeoutError(msg, cause).WithStep(step.ID)
	}

	s.mu.Lock()
	res := s.results[step.ID]
	if res == nil {
		res = &StepResult{}
		s.results[step.ID] = res
	}
	res.Success = false
	res.Status = status
	res.ErrorMessage = msg
	res.Err = classified
	s.statuses[step.ID] = status
	if status == StatusTimeout {
		s.failed[step.ID] = struct{}{}
	} else {
		delete(s.failed, step.ID)
	}
	attempt := s.attempts[step.ID]
	s.mu.Unlock()

	s.notifyFinished(ctx, step, attempt, res)
}

// finishUnstarted records a member that never started because its group was
// already stopped.
func (s *ParallelExecutionService) finishUnstarted(ctx, groupCtx context.Context, step StepDefinition) {
	cause := context.Cause(groupCtx)
	if ctx.Err() != nil {
		cause = context.Canceled
	}
	s.mu.Lock()
	s.results[step.ID] = nil
	s.mu.Unlock()
	s.relabel(ctx, step, cause)
}

func causeMessage(cause error) string {
	switch {
	case errors.Is(cause, errGroupWinner):
		return errGroupWinner.Error()
	case errors.Is(cause, errGroupFailFast):
		return errGroupFailFast.Error()
	case cause == nil:
		return "execution cancelled"
	}
	return cause.Error()
}

// runStep executes one step with retries and updates the failed set after
// every attempt.
func (s *ParallelExecutionService) runStep(ctx context.Context, step StepDefinition, rc RunContext) (*StepResult, error) {
	executor := s.resolver.Resolve(step.Type)
	maxRetries := step.IntParam(ParamRetries, s.retry.MaxRetries)
	if maxRetries < 0 {
		maxRetries = 0
	}

	var (
		last    *StepResult
		lastErr error
	)
	operation := func() (*StepResult, error) {
		res, err := s.attempt(ctx, executor, step, rc)
		last, lastErr = res, err
		switch {
		case err != nil:
			return res, backoff.Permanent(err)
		case res.Success:
			return res, nil
		case res.FinalStatus() == StatusCancelled || ctx.Err() != nil:
			return res, backoff.Permanent(errors.New(res.ErrorMessage))
		}
		return res, errors.New(res.ErrorMessage)
	}

	_, _ = backoff.Retry(ctx, operation,
		backoff.WithBackOff(s.retry.backOff()),
		backoff.WithMaxTries(uint(maxRetries+1)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.metrics.RecordStepRetry(string(step.Type))
			s.logger.WithStepID(step.ID).WithFields(map[string]interface{}{
				"retry_in": next.String(),
				"error":    err.Error(),
			}).Warn("retrying failed step")
		}),
	)
	if last == nil {
		last = FailedResult("step did not run")
		if ctx.Err() != nil {
			last.Status = StatusCancelled
		}
	}
	return last, lastErr
}

// attempt runs one execution of a step and records its outcome.
func (s *ParallelExecutionService) attempt(ctx context.Context, executor StepExecutor, step StepDefinition, rc RunContext) (*StepResult, error) {
	s.mu.Lock()
	s.attempts[step.ID]++
	attempt := s.attempts[step.ID]
	s.statuses[step.ID] = StatusRunning
	s.mu.Unlock()

	spanCtx, span := s.tracer.StartStepSpan(ctx, step.ID, string(step.Type), attempt)
	defer span.End()

	logger := s.logger.WithExecutionID(rc.ExecutionID()).WithStepID(step.ID).WithSpan(spanCtx)
	logger.WithFields(map[string]interface{}{
		"type":    string(step.Type),
		"attempt": attempt,
	}).Info("step started")
	if s.observer != nil {
		s.observer.OnStepStarted(ctx, step, attempt)
	}

	start := time.Now()
	var (
		res *StepResult
		err error
	)
	if executor == nil {
		err = NewConfigurationError(step.ID, fmt.Sprintf("no executor for step type %q", step.Type))
	} else {
		var pc panics.Catcher
		pc.Try(func() { res, err = executor.Execute(spanCtx, step, rc) })
		if r := pc.Recovered(); r != nil {
			res, err = nil, NewExecutionError(fmt.Sprintf("step %s panicked", step.ID), r.AsError()).WithStep(step.ID)
		}
	}

	switch {
	case err != nil:
		res = FailedResult(err.Error())
		res.Err = err
		telemetry.RecordError(span, err)
	case res == nil:
		res = FailedResult("executor returned no result")
	}
	if res.Duration == 0 {
		res.Duration = time.Since(start)
	}
	status := res.FinalStatus()
	if status.IsActive() {
		status = StatusFailed
	}
	res.Status = status
	if res.Success {
		telemetry.RecordSuccess(span)
	}

	s.mu.Lock()
	s.results[step.ID] = res
	s.statuses[step.ID] = status
	if res.Success {
		delete(s.failed, step.ID)
	} else {
		s.failed[step.ID] = struct{}{}
	}
	if err != nil && IsConfigurationError(err) && s.aborted == nil {
		s.aborted = err
	}
	s.mu.Unlock()

	s.metrics.RecordStepExecution(string(step.Type), string(status), res.Duration)
	logger.WithFields(map[string]interface{}{
		"status":   string(status),
		"duration": res.Duration.String(),
	}).Info("step finished")
	s.notifyFinished(ctx, step, attempt, res)
	return res, err
}

func (s *ParallelExecutionService) notifyFinished(ctx context.Context, step StepDefinition, attempt int, res *StepResult) {
	if s.observer != nil {
		s.observer.OnStepFinished(context.WithoutCancel(ctx), step, attempt, res)
	}
}

// skipUnits marks every step of units as cancelled without running it.
func (s *ParallelExecutionService) skipUnits(ctx context.Context, units []ExecutionUnit, reason string) {
	for _, u := range units {
		for _, step := range u.Steps {
			res := &StepResult{Success: false, Status: StatusCancelled, ErrorMessage: reason}
			s.mu.Lock()
			s.results[step.ID] = res
			s.statuses[step.ID] = StatusCancelled
			s.mu.Unlock()
			s.notifyFinished(ctx, step, 0, res)
		}
	}
}

func (s *ParallelExecutionService) markCancelled() {
	s.mu.Lock()
	s.cancelled = true
	s.mu.Unlock()
}

// Retry re-runs one step of the last Execute call. A successful retry removes
// the step from the failed set.
func (s *ParallelExecutionService) Retry(ctx context.Context, stepID string) (*StepResult, error) {
	s.mu.Lock()
	step, ok := s.steps[stepID]
	rc := s.rc
	s.mu.Unlock()
	if !ok || rc == nil {
		return nil, fmt.Errorf("step %s: %w", stepID, ErrNotFound)
	}
	res, err := s.attempt(ctx, s.resolver.Resolve(step.Type), step, rc)
	if err != nil && IsConfigurationError(err) {
		return res, err
	}
	return res, nil
}

// Cancel stops the running Execute call. In-flight steps see a cancelled
// context and remaining units are marked cancelled.
func (s *ParallelExecutionService) Cancel() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// FailedSteps returns the ids of steps whose latest attempt failed.
func (s *ParallelExecutionService) FailedSteps() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failedLocked()
}

func (s *ParallelExecutionService) failedLocked() []string {
	ids := make([]string, 0, len(s.failed))
	for id := range s.failed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Summary returns the current aggregate result. Success holds iff the failed
// set is empty, the run was not cancelled and no configuration error aborted
// it.
func (s *ParallelExecutionService) Summary() *ParallelRunResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := &ParallelRunResult{
		StepResults:  make(map[string]*StepResult, len(s.results)),
		StepStatuses: make(map[string]ExecutionStatus, len(s.statuses)),
		FailedSteps:  s.failedLocked(),
	}
	if !s.started.IsZero() {
		out.Duration = time.Since(s.started)
	}
	for id, r := range s.results {
		out.StepResults[id] = r
	}
	for id, st := range s.statuses {
		out.StepStatuses[id] = st
	}

	switch {
	case s.cancelled:
		out.Status = StatusCancelled
	case len(out.FailedSteps) == 0 && s.aborted == nil:
		out.Status = StatusSuccess
		out.Success = true
	default:
		out.Status = StatusTimeout
		for _, id := range out.FailedSteps {
			if s.statuses[id] != StatusTimeout {
				out.Status = StatusFailed
				break
			}
		}
		if s.aborted != nil {
			out.Status = StatusFailed
		}
	}
	return out
}
