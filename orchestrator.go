package orchestrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
)

// OrchestratorConfig wires an Orchestrator's collaborators. Store is
// required; everything else has a working default.
type OrchestratorConfig struct {
	// Store persists execution snapshots. Required.
	Store ExecutionStore

	// Notifier receives lifecycle events. Defaults to NopNotifier.
	Notifier Notifier

	// Compensator runs rollbacks. Defaults to a manager with the
	// orchestrator's backoff and logger.
	Compensator *CompensationManager

	// Breakers guards steps that declare a Dependency. Nil disables circuit
	// breaking.
	Breakers *BreakerGroup

	// DeadLetters receives work that exhausted every recovery path. Nil
	// disables dead-lettering.
	DeadLetters DeadLetterStore

	// DefaultTimeout bounds each action attempt for steps that do not set
	// their own.
	DefaultTimeout time.Duration

	// DefaultMaxRetries is the action retry budget for steps that do not set
	// their own.
	DefaultMaxRetries int

	// Backoff spaces action retries. The zero value falls back to
	// DefaultBackoff.
	Backoff Backoff

	Logger zerolog.Logger

	// Sleep overrides the inter-attempt wait for tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Orchestrator runs saga executions: forward through the definition's fixed
// order, backward through compensations when a step fails irrecoverably.
type Orchestrator struct {
	store       ExecutionStore
	notifier    Notifier
	compensator *CompensationManager
	breakers    *BreakerGroup
	deadLetters DeadLetterStore
	retrier     *Retrier
	log         zerolog.Logger

	executions *xsync.MapOf[string, *execHandle]
}

// execHandle tracks one in-flight execution in the registry.
type execHandle struct {
	exec    *SagaExecution
	cancel  context.CancelFunc
	aborted atomic.Bool
}

// NewOrchestrator constructs an orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, Validation(fmt.Errorf("orchestrator requires an execution store"))
	}
	if cfg.Notifier == nil {
		cfg.Notifier = NopNotifier{}
	}
	if cfg.Backoff.isZero() {
		cfg.Backoff = DefaultBackoff()
	}
	if cfg.DefaultMaxRetries <= 0 {
		cfg.DefaultMaxRetries = 3
	}
	if cfg.Compensator == nil {
		cfg.Compensator = NewCompensationManager(CompensationConfig{
			Backoff: cfg.Backoff,
			Timeout: cfg.DefaultTimeout,
			Logger:  cfg.Logger,
			Sleep:   cfg.Sleep,
		})
	}
	retrier := NewRetrier(RetryConfig{
		MaxRetries: cfg.DefaultMaxRetries,
		Timeout:    cfg.DefaultTimeout,
		Backoff:    cfg.Backoff,
		Logger:     cfg.Logger,
		Sleep:      cfg.Sleep,
	})
	return &Orchestrator{
		store:       cfg.Store,
		notifier:    cfg.Notifier,
		compensator: cfg.Compensator,
		breakers:    cfg.Breakers,
		deadLetters: cfg.DeadLetters,
		retrier:     retrier,
		log:         cfg.Logger,
		executions:  xsync.NewMapOf[string, *execHandle](),
	}, nil
}

// Execute runs the definition to completion. On success the execution ends
// Completed and the error is nil. On an irrecoverable step failure the
// orchestrator compensates every completed step in reverse completion order,
// leaves the execution Compensated, and returns the step failure; the
// compensation outcome is on the execution's report.
//
// The initial values are merged over the definition's own initial context.
func (o *Orchestrator) Execute(ctx context.Context, def *SagaDefinition, initial map[string]any) (*SagaExecution, error) {
	if def == nil {
		return nil, Validation(fmt.Errorf("nil saga definition"))
	}
	exec := newExecution(def, initial)
	return exec, o.run(ctx, def, exec)
}

// Resume continues an execution previously persisted by this or another
// process. Completed steps are not re-run; the execution picks up at the
// first unfinished step. An execution persisted as failed or compensating
// crashed mid-rollback: it resumes compensation of the recorded completion
// order and never moves forward again. Terminal executions are returned
// as-is.
func (o *Orchestrator) Resume(ctx context.Context, def *SagaDefinition, id string) (*SagaExecution, error) {
	if def == nil {
		return nil, Validation(fmt.Errorf("nil saga definition"))
	}
	snap, err := o.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if snap.Definition != string(def.Name()) {
		return nil, Validation(fmt.Errorf("execution %q belongs to saga %q, not %q", id, snap.Definition, def.Name()))
	}
	exec := executionFromSnapshot(snap)
	switch exec.Status() {
	case ExecutionCompleted, ExecutionCompensated:
		return exec, nil
	case ExecutionFailed, ExecutionCompensating:
		return exec, o.resumeCompensation(ctx, def, exec, snap)
	}
	return exec, o.run(ctx, def, exec)
}

// resumeCompensation finishes the rollback of an execution that crashed
// between its step failure and the final compensated persist. Steps already
// marked compensated are not undone again.
func (o *Orchestrator) resumeCompensation(ctx context.Context, def *SagaDefinition, exec *SagaExecution, snap ExecutionSnapshot) error {
	o.executions.Store(exec.ID(), &execHandle{exec: exec, cancel: func() {}})

	log := o.log.With().
		Str("execution_id", exec.ID()).
		Str("saga", exec.Definition()).
		Logger()
	log.Info().Str("status", string(snap.Status)).Msg("resuming saga compensation")

	cause := errors.New(snap.Failure)
	if snap.Failure == "" {
		cause = fmt.Errorf("execution %s resumed while %s", exec.ID(), snap.Status)
	}
	return o.unwind(ctx, def, exec, snap.FailedStep, cause, log)
}

// run drives one execution forward and, on failure, backward. Shared by
// Execute and Resume.
func (o *Orchestrator) run(ctx context.Context, def *SagaDefinition, exec *SagaExecution) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if def.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, def.timeout)
		defer cancel()
	}

	handle := &execHandle{exec: exec, cancel: cancel}
	o.executions.Store(exec.ID(), handle)

	log := o.log.With().
		Str("execution_id", exec.ID()).
		Str("saga", exec.Definition()).
		Logger()

	if err := o.persist(ctx, exec); err != nil {
		return err
	}
	exec.setStatus(ExecutionRunning)
	if err := o.persist(ctx, exec); err != nil {
		return err
	}
	o.notify(ctx, EventSagaStarted, exec, "", nil)
	log.Info().Msg("saga execution started")

	for _, id := range def.Order() {
		if rec, ok := exec.Step(id); ok && rec.Status == StepCompleted {
			continue
		}
		step, _ := def.Step(id)

		if handle.aborted.Load() {
			return o.unwind(ctx, def, exec, id, ErrAborted, log)
		}
		if err := ctx.Err(); err != nil {
			return o.unwind(ctx, def, exec, id, err, log)
		}

		exec.stepStarted(id)
		if err := o.persist(ctx, exec); err != nil {
			return o.unwind(ctx, def, exec, id, err, log)
		}
		o.notify(ctx, EventStepStarted, exec, id, nil)

		result, err := o.runAction(ctx, exec, step)
		if err != nil {
			if handle.aborted.Load() {
				err = fmt.Errorf("%w: %v", ErrAborted, err)
			}
			exec.stepFailed(id, o.attemptsFor(exec, id), err)
			o.persistBestEffort(ctx, exec, log)
			o.notify(ctx, EventStepFailed, exec, id, err)
			log.Error().Err(err).Str("step", string(id)).Msg("saga step failed")
			return o.unwind(ctx, def, exec, id, err, log)
		}

		exec.Context().Merge(result)
		exec.stepCompleted(id, result)
		if err := o.persist(ctx, exec); err != nil {
			return o.unwind(ctx, def, exec, id, err, log)
		}
		o.notify(ctx, EventStepCompleted, exec, id, nil)
	}

	exec.setStatus(ExecutionCompleted)
	if err := o.persist(ctx, exec); err != nil {
		return err
	}
	o.notify(ctx, EventSagaCompleted, exec, "", nil)
	log.Info().Msg("saga execution completed")
	return nil
}

// runAction executes one step's action under its retry budget, routed through
// the step's circuit breaker when it declares a dependency.
func (o *Orchestrator) runAction(ctx context.Context, exec *SagaExecution, step *SagaStep) (Result, error) {
	var result Result
	attempt := 0
	op := func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			exec.stepRetried(step.ID, attempt-1)
		}
		r, err := step.Action(ctx, exec.Context())
		if err != nil {
			return err
		}
		result = r
		return nil
	}
	if step.Dependency != "" && o.breakers != nil {
		inner := op
		breaker := o.breakers.Get(step.Dependency)
		op = func(ctx context.Context) error {
			return breaker.Execute(ctx, inner)
		}
	}

	// Step overrides: zero inherits the orchestrator default, negative
	// MaxRetries disables retries for the step.
	maxRetries := -1
	if step.MaxRetries > 0 {
		maxRetries = step.MaxRetries
	} else if step.MaxRetries < 0 {
		maxRetries = 0
	}
	retrier := o.retrier
	if maxRetries >= 0 || step.Timeout > 0 {
		retrier = retrier.with(maxRetries, step.Timeout)
	}
	if err := retrier.Do(ctx, string(step.ID), op); err != nil {
		return nil, err
	}
	return result, nil
}

func (o *Orchestrator) attemptsFor(exec *SagaExecution, id StepID) int {
	rec, _ := exec.Step(id)
	return rec.Retries
}

// unwind moves a failed execution through compensation and dead-lettering.
// The returned error is the original step failure.
func (o *Orchestrator) unwind(ctx context.Context, def *SagaDefinition, exec *SagaExecution, failedStep StepID, cause error, log zerolog.Logger) error {
	// Compensation and its bookkeeping must survive the cancellation or
	// deadline that may have caused the failure.
	ctx = context.WithoutCancel(ctx)

	// A resumed execution may already be past the Failed state.
	if exec.Status() != ExecutionCompensating {
		exec.setStatus(ExecutionFailed)
		o.persistBestEffort(ctx, exec, log)
	}

	steps := o.compensationSteps(def, exec)
	exec.setStatus(ExecutionCompensating)
	o.persistBestEffort(ctx, exec, log)
	o.notify(ctx, EventCompensationStarted, exec, failedStep, cause)

	report := o.compensator.Run(ctx, exec.ID(), steps)
	for _, res := range report.Steps {
		if res.Outcome == CompensationSucceeded {
			exec.stepCompensated(res.TargetID)
		}
	}
	exec.setCompensation(report)
	exec.setStatus(ExecutionCompensated)
	o.persistBestEffort(ctx, exec, log)
	o.notify(ctx, EventSagaCompensated, exec, "", nil)
	log.Info().
		Int("compensated", report.Succeeded).
		Int("failed", report.Failed).
		Int("skipped", report.Skipped).
		Msg("saga execution compensated")

	o.deadLetter(ctx, exec, failedStep, cause, report, log)
	return cause
}

// compensationSteps schedules an undo for every completed step that has a
// compensation, prioritized by completion order so the most recent work is
// undone first.
func (o *Orchestrator) compensationSteps(def *SagaDefinition, exec *SagaExecution) []CompensationStep {
	order := exec.CompletionOrder()
	steps := make([]CompensationStep, 0, len(order))
	for i, id := range order {
		step, ok := def.Step(id)
		if !ok || step.Compensation == nil {
			continue
		}
		rec, _ := exec.Step(id)
		if rec.Status == StepCompensated {
			continue
		}
		original := rec.Result
		comp := step.Compensation
		ec := exec.Context()
		steps = append(steps, CompensationStep{
			TargetID: id,
			Name:     step.Name,
			Undo: func(ctx context.Context) error {
				return comp(ctx, ec, original)
			},
			Priority:   i,
			Critical:   step.Critical,
			Timeout:    step.Timeout,
			MaxRetries: step.MaxRetries,
		})
	}
	return steps
}

// deadLetter parks the failed work, and any failed compensations, for
// operator review.
func (o *Orchestrator) deadLetter(ctx context.Context, exec *SagaExecution, failedStep StepID, cause error, report *CompensationReport, log zerolog.Logger) {
	if o.deadLetters == nil {
		return
	}
	payload, err := json.Marshal(exec.Context().Snapshot())
	if err != nil {
		payload = nil
	}
	if _, err := o.deadLetters.Add(ctx, FailedEvent{
		Reason:  KindOf(cause),
		Payload: payload,
		Error:   cause.Error(),
		Source:  exec.Definition(),
		Target:  string(failedStep),
	}); err != nil {
		log.Error().Err(err).Msg("dead-letter failed step")
	}

	for _, res := range report.Steps {
		if res.Outcome != CompensationFailed {
			continue
		}
		if _, err := o.deadLetters.Add(ctx, FailedEvent{
			Reason: CompensationFailure,
			Error:  res.Error,
			Source: exec.Definition(),
			Target: string(res.TargetID),
		}); err != nil {
			log.Error().Err(err).Msg("dead-letter failed compensation")
		}
	}
}

// Abort signals the named execution to stop. The in-flight action's context
// is cancelled; once the action returns, completed steps are compensated as
// for any other failure. Aborting an unknown or finished execution returns
// ErrExecutionNotFound.
func (o *Orchestrator) Abort(id string) error {
	handle, ok := o.executions.Load(id)
	if !ok || handle.exec.Status().terminal() {
		return fmt.Errorf("%w: %q", ErrExecutionNotFound, id)
	}
	handle.aborted.Store(true)
	handle.cancel()
	return nil
}

// Forget evicts a finished execution from the in-process registry so a
// long-lived orchestrator does not accumulate handles. The persisted snapshot
// is untouched. A running execution cannot be forgotten.
func (o *Orchestrator) Forget(id string) error {
	handle, ok := o.executions.Load(id)
	if !ok {
		return fmt.Errorf("%w: %q", ErrExecutionNotFound, id)
	}
	if !handle.exec.Status().terminal() {
		return Validation(fmt.Errorf("execution %q is still %s", id, handle.exec.Status()))
	}
	o.executions.Delete(id)
	return nil
}

// Execution returns the named execution from the in-process registry.
func (o *Orchestrator) Execution(id string) (*SagaExecution, bool) {
	handle, ok := o.executions.Load(id)
	if !ok {
		return nil, false
	}
	return handle.exec, true
}

// Report returns the named execution's summary.
func (o *Orchestrator) Report(id string) (ExecutionReport, error) {
	handle, ok := o.executions.Load(id)
	if !ok {
		return ExecutionReport{}, fmt.Errorf("%w: %q", ErrExecutionNotFound, id)
	}
	return handle.exec.Report(), nil
}

// Stats exposes the per-step attempt statistics collected by the retrier.
func (o *Orchestrator) Stats(step StepID) (StatsSnapshot, bool) {
	return o.retrier.Stats(string(step))
}

// HandleLateFailure dead-letters a failure reported after its saga already
// finished, e.g. an asynchronous confirmation arriving after the execution
// completed.
func (o *Orchestrator) HandleLateFailure(ctx context.Context, executionID string, target string, payload json.RawMessage, cause error) error {
	if o.deadLetters == nil {
		return Validation(fmt.Errorf("no dead-letter store configured"))
	}
	source := executionID
	if handle, ok := o.executions.Load(executionID); ok {
		source = handle.exec.Definition()
	}
	_, err := o.deadLetters.Add(ctx, FailedEvent{
		Reason:  KindOf(cause),
		Payload: payload,
		Error:   cause.Error(),
		Source:  source,
		Target:  target,
	})
	return err
}

// persist writes the execution snapshot. Forward-path callers treat an error
// as a step failure; compensation-path callers log and continue.
func (o *Orchestrator) persist(ctx context.Context, exec *SagaExecution) error {
	if err := o.store.Save(ctx, exec.Snapshot()); err != nil {
		return fmt.Errorf("persist execution %s: %w", exec.ID(), err)
	}
	return nil
}

func (o *Orchestrator) persistBestEffort(ctx context.Context, exec *SagaExecution, log zerolog.Logger) {
	if err := o.persist(ctx, exec); err != nil {
		log.Error().Err(err).Msg("persist execution snapshot")
	}
}

func (o *Orchestrator) notify(ctx context.Context, event string, exec *SagaExecution, step StepID, cause error) {
	n := Notification{
		Event:       event,
		ExecutionID: exec.ID(),
		Definition:  exec.Definition(),
		StepID:      step,
		Status:      exec.Status(),
		At:          time.Now(),
	}
	if cause != nil {
		n.Error = cause.Error()
	}
	o.notifier.Notify(ctx, n)
}
