package orchestrate

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/btree"
)

// ExecutionStatus is the lifecycle state of one saga execution.
type ExecutionStatus string

const (
	ExecutionPending      ExecutionStatus = "pending"
	ExecutionRunning      ExecutionStatus = "running"
	ExecutionCompleted    ExecutionStatus = "completed"
	ExecutionFailed       ExecutionStatus = "failed"
	ExecutionCompensating ExecutionStatus = "compensating"
	ExecutionCompensated  ExecutionStatus = "compensated"
)

// terminal reports whether the execution can transition no further.
func (s ExecutionStatus) terminal() bool {
	return s == ExecutionCompleted || s == ExecutionCompensated
}

// StepStatus is the lifecycle state of one step within an execution.
type StepStatus string

const (
	StepPending     StepStatus = "pending"
	StepRunning     StepStatus = "running"
	StepCompleted   StepStatus = "completed"
	StepFailed      StepStatus = "failed"
	StepCompensated StepStatus = "compensated"
)

// StepRecord is the per-step bookkeeping kept on an execution.
type StepRecord struct {
	ID         StepID     `json:"id"`
	Name       string     `json:"name"`
	Status     StepStatus `json:"status"`
	Result     Result     `json:"result,omitempty"`
	Error      string     `json:"error,omitempty"`
	Retries    int        `json:"retries"`
	StartedAt  time.Time  `json:"started_at,omitempty"`
	FinishedAt time.Time  `json:"finished_at,omitempty"`
}

// ExecContext is the shared key/value state threaded through a saga's steps.
// It starts from the definition's initial value, absorbs each completed step's
// result, and is safe for concurrent readers.
type ExecContext struct {
	mu     sync.RWMutex
	values btree.Map[string, any]
}

// NewExecContext builds a context seeded with the given values.
func NewExecContext(initial map[string]any) *ExecContext {
	ec := &ExecContext{}
	for k, v := range initial {
		ec.values.Set(k, v)
	}
	return ec
}

// Value returns the value stored under key.
func (ec *ExecContext) Value(key string) (any, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return ec.values.Get(key)
}

// Set stores a single value.
func (ec *ExecContext) Set(key string, value any) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.values.Set(key, value)
}

// Merge folds a step result into the context. Later writes win.
func (ec *ExecContext) Merge(result Result) {
	if len(result) == 0 {
		return
	}
	ec.mu.Lock()
	defer ec.mu.Unlock()
	for k, v := range result {
		ec.values.Set(k, v)
	}
}

// Len returns the number of stored keys.
func (ec *ExecContext) Len() int {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return ec.values.Len()
}

// Snapshot copies the context into a plain map for persistence or inspection.
func (ec *ExecContext) Snapshot() map[string]any {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	out := make(map[string]any, ec.values.Len())
	ec.values.Scan(func(k string, v any) bool {
		out[k] = v
		return true
	})
	return out
}

// ValueAs retrieves the value under key as type T. Values that arrived through
// a persisted snapshot may still be raw JSON; those are unmarshalled into T on
// the way out.
func ValueAs[T any](ec *ExecContext, key string) (T, error) {
	var zero T
	v, ok := ec.Value(key)
	if !ok {
		return zero, fmt.Errorf("context key %q not found", key)
	}
	if typed, ok := v.(T); ok {
		return typed, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return zero, fmt.Errorf("context key %q: %w", key, err)
	}
	var typed T
	if err := json.Unmarshal(raw, &typed); err != nil {
		return zero, fmt.Errorf("context key %q holds %T: %w", key, v, err)
	}
	return typed, nil
}

// SagaExecution is one run of a SagaDefinition. The orchestrator owns the
// mutation of this structure; readers should go through Snapshot or Report.
type SagaExecution struct {
	mu sync.RWMutex

	id         string
	definition string
	status     ExecutionStatus
	context    *ExecContext
	steps      map[StepID]*StepRecord

	// completionOrder records step ids in the order their actions completed.
	// Compensation walks it backwards.
	completionOrder []StepID

	failedStep   StepID
	failure      string
	compensation *CompensationReport

	startedAt  time.Time
	finishedAt time.Time
}

func newExecution(def *SagaDefinition, initial map[string]any) *SagaExecution {
	merged := make(map[string]any, len(def.initial)+len(initial))
	for k, v := range def.initial {
		merged[k] = v
	}
	for k, v := range initial {
		merged[k] = v
	}
	steps := make(map[StepID]*StepRecord, len(def.steps))
	for id, step := range def.steps {
		steps[id] = &StepRecord{ID: id, Name: step.Name, Status: StepPending}
	}
	return &SagaExecution{
		id:         uuid.NewString(),
		definition: string(def.name),
		status:     ExecutionPending,
		context:    NewExecContext(merged),
		steps:      steps,
	}
}

// ID returns the execution's unique identifier.
func (e *SagaExecution) ID() string { return e.id }

// Definition returns the name of the definition this execution runs.
func (e *SagaExecution) Definition() string { return e.definition }

// Status returns the execution's current lifecycle state.
func (e *SagaExecution) Status() ExecutionStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

// Context returns the execution's shared state.
func (e *SagaExecution) Context() *ExecContext { return e.context }

// Step returns a copy of the record for the given step id.
func (e *SagaExecution) Step(id StepID) (StepRecord, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rec, ok := e.steps[id]
	if !ok {
		return StepRecord{}, false
	}
	return *rec, true
}

// CompletionOrder returns the step ids whose actions completed, in completion
// order.
func (e *SagaExecution) CompletionOrder() []StepID {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]StepID, len(e.completionOrder))
	copy(out, e.completionOrder)
	return out
}

func (e *SagaExecution) setStatus(s ExecutionStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status = s
	switch s {
	case ExecutionRunning:
		if e.startedAt.IsZero() {
			e.startedAt = time.Now()
		}
	case ExecutionCompleted, ExecutionCompensated, ExecutionFailed:
		e.finishedAt = time.Now()
	}
}

func (e *SagaExecution) stepStarted(id StepID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec := e.steps[id]
	rec.Status = StepRunning
	rec.StartedAt = time.Now()
}

func (e *SagaExecution) stepCompleted(id StepID, result Result) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec := e.steps[id]
	rec.Status = StepCompleted
	rec.Result = result
	rec.FinishedAt = time.Now()
	e.completionOrder = append(e.completionOrder, id)
}

func (e *SagaExecution) stepFailed(id StepID, retries int, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec := e.steps[id]
	rec.Status = StepFailed
	rec.Retries = retries
	rec.Error = err.Error()
	rec.FinishedAt = time.Now()
	e.failedStep = id
	e.failure = err.Error()
}

func (e *SagaExecution) stepRetried(id StepID, retries int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.steps[id].Retries = retries
}

func (e *SagaExecution) stepCompensated(id StepID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.steps[id].Status = StepCompensated
}

func (e *SagaExecution) setCompensation(report *CompensationReport) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compensation = report
}

// ExecutionSnapshot is the serializable form of a SagaExecution, written to
// the ExecutionStore before and after every state transition.
type ExecutionSnapshot struct {
	ID              string               `json:"id"`
	Definition      string               `json:"definition"`
	Status          ExecutionStatus      `json:"status"`
	Context         map[string]any       `json:"context,omitempty"`
	Steps           []StepRecord         `json:"steps"`
	CompletionOrder []StepID             `json:"completion_order,omitempty"`
	FailedStep      StepID               `json:"failed_step,omitempty"`
	Failure         string               `json:"failure,omitempty"`
	Compensation    *CompensationReport  `json:"compensation,omitempty"`
	StartedAt       time.Time            `json:"started_at,omitempty"`
	FinishedAt      time.Time            `json:"finished_at,omitempty"`
}

// Snapshot captures the execution's full state.
func (e *SagaExecution) Snapshot() ExecutionSnapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()

	steps := make([]StepRecord, 0, len(e.steps))
	for _, rec := range e.steps {
		steps = append(steps, *rec)
	}
	sortStepRecords(steps)

	order := make([]StepID, len(e.completionOrder))
	copy(order, e.completionOrder)

	return ExecutionSnapshot{
		ID:              e.id,
		Definition:      e.definition,
		Status:          e.status,
		Context:         e.context.Snapshot(),
		Steps:           steps,
		CompletionOrder: order,
		FailedStep:      e.failedStep,
		Failure:         e.failure,
		Compensation:    e.compensation,
		StartedAt:       e.startedAt,
		FinishedAt:      e.finishedAt,
	}
}

// executionFromSnapshot rebuilds an in-memory execution from a persisted
// snapshot, for resuming after a restart.
func executionFromSnapshot(snap ExecutionSnapshot) *SagaExecution {
	steps := make(map[StepID]*StepRecord, len(snap.Steps))
	for i := range snap.Steps {
		rec := snap.Steps[i]
		steps[rec.ID] = &rec
	}
	order := make([]StepID, len(snap.CompletionOrder))
	copy(order, snap.CompletionOrder)
	return &SagaExecution{
		id:              snap.ID,
		definition:      snap.Definition,
		status:          snap.Status,
		context:         NewExecContext(snap.Context),
		steps:           steps,
		completionOrder: order,
		failedStep:      snap.FailedStep,
		failure:         snap.Failure,
		compensation:    snap.Compensation,
		startedAt:       snap.StartedAt,
		finishedAt:      snap.FinishedAt,
	}
}

func sortStepRecords(steps []StepRecord) {
	sort.Slice(steps, func(i, j int) bool { return steps[i].ID < steps[j].ID })
}

// ExecutionReport summarizes a finished (or in-flight) execution for callers
// that do not need the full snapshot.
type ExecutionReport struct {
	ID           string
	Definition   string
	Status       ExecutionStatus
	StepsTotal   int
	StepsDone    int
	FailedStep   StepID
	Failure      string
	Compensation *CompensationReport
	Duration     time.Duration
}

// Report summarizes the execution.
func (e *SagaExecution) Report() ExecutionReport {
	e.mu.RLock()
	defer e.mu.RUnlock()

	done := 0
	for _, rec := range e.steps {
		if rec.Status == StepCompleted || rec.Status == StepCompensated {
			done++
		}
	}
	var dur time.Duration
	if !e.startedAt.IsZero() {
		end := e.finishedAt
		if end.IsZero() {
			end = time.Now()
		}
		dur = end.Sub(e.startedAt)
	}
	return ExecutionReport{
		ID:           e.id,
		Definition:   e.definition,
		Status:       e.status,
		StepsTotal:   len(e.steps),
		StepsDone:    done,
		FailedStep:   e.failedStep,
		Failure:      e.failure,
		Compensation: e.compensation,
		Duration:     dur,
	}
}
