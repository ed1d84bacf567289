package orchestrate

import (
	"context"
	"fmt"
	"time"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/encoding/dot"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"github.com/meridianfi/orchestrate/set"
)

// SagaName identifies a saga definition.
type SagaName string

// StepID identifies a step within one saga definition.
type StepID string

// Result is the key/value output of a step's action, merged into the shared
// execution context when the step completes.
type Result map[string]any

// Action is a step's forward operation. The returned Result is merged into
// the execution context and handed back to the step's Compensation if the
// saga later unwinds.
type Action func(ctx context.Context, ec *ExecContext) (Result, error)

// Compensation undoes a completed action. It receives the Result the action
// originally produced.
type Compensation func(ctx context.Context, ec *ExecContext, original Result) error

// SagaStep is one unit of work in a saga.
type SagaStep struct {
	// ID must be unique within the definition.
	ID StepID

	// Name is a human-readable label used in logs and reports. Defaults to
	// the ID.
	Name string

	Action       Action
	Compensation Compensation

	// DependsOn lists step ids whose actions must complete before this one
	// starts.
	DependsOn []StepID

	// Timeout bounds each attempt of the action. Zero inherits the
	// orchestrator default.
	Timeout time.Duration

	// MaxRetries is the retry budget for the action beyond the first attempt.
	// Zero inherits the orchestrator default; negative disables retries.
	MaxRetries int

	// Dependency names the downstream system this step calls. Steps sharing a
	// name share a circuit breaker. Empty means no breaker.
	Dependency string

	// Critical marks the step's compensation as must-succeed: if it exhausts
	// its retries during rollback, compensation halts rather than continuing
	// past it.
	Critical bool
}

// SagaDefinition is an immutable, validated saga blueprint. Build it once with
// a DefinitionBuilder and run it any number of times.
type SagaDefinition struct {
	name    SagaName
	timeout time.Duration
	initial map[string]any
	steps   map[StepID]*SagaStep
	order   []StepID
	g       *simple.DirectedGraph
}

// DefinitionBuilder assembles a SagaDefinition. Not safe for concurrent use.
type DefinitionBuilder struct {
	name    SagaName
	timeout time.Duration
	initial map[string]any
	steps   []*SagaStep
	ids     *set.Set[StepID]
	dup     []StepID
}

// NewDefinition starts a builder for the named saga.
func NewDefinition(name SagaName) *DefinitionBuilder {
	return &DefinitionBuilder{
		name: name,
		ids:  set.New[StepID](),
	}
}

// InitialValue seeds the execution context with a value present before any
// step runs.
func (b *DefinitionBuilder) InitialValue(key string, value any) *DefinitionBuilder {
	if b.initial == nil {
		b.initial = make(map[string]any)
	}
	b.initial[key] = value
	return b
}

// Timeout sets the overall deadline for one execution of this saga. Zero
// means no saga-level deadline.
func (b *DefinitionBuilder) Timeout(d time.Duration) *DefinitionBuilder {
	b.timeout = d
	return b
}

// AddStep appends a step. Validation is deferred to Build.
func (b *DefinitionBuilder) AddStep(step SagaStep) *DefinitionBuilder {
	if step.Name == "" {
		step.Name = string(step.ID)
	}
	if !b.ids.Insert(step.ID) {
		b.dup = append(b.dup, step.ID)
	}
	b.steps = append(b.steps, &step)
	return b
}

// Build validates the accumulated steps and fixes the execution order.
// It rejects empty definitions, duplicate ids, references to unknown steps,
// and dependency cycles.
func (b *DefinitionBuilder) Build() (*SagaDefinition, error) {
	if len(b.steps) == 0 {
		return nil, fmt.Errorf("saga %q: %w", b.name, ErrNoSteps)
	}
	if len(b.dup) > 0 {
		return nil, fmt.Errorf("saga %q: %w: %v", b.name, ErrDuplicateStep, b.dup)
	}

	steps := make(map[StepID]*SagaStep, len(b.steps))
	for _, step := range b.steps {
		if step.ID == "" {
			return nil, fmt.Errorf("saga %q: %w", b.name, Validation(fmt.Errorf("step with empty id")))
		}
		if step.Action == nil {
			return nil, fmt.Errorf("saga %q: step %q: %w", b.name, step.ID, Validation(fmt.Errorf("nil action")))
		}
		steps[step.ID] = step
	}

	g := simple.NewDirectedGraph()
	nodes := make(map[StepID]*stepNode, len(b.steps))
	for i, step := range b.steps {
		n := &stepNode{id: int64(i), step: step.ID}
		nodes[step.ID] = n
		g.AddNode(n)
	}
	for _, step := range b.steps {
		for _, dep := range step.DependsOn {
			from, ok := nodes[dep]
			if !ok {
				return nil, fmt.Errorf("saga %q: step %q: %w: %q", b.name, step.ID, ErrUnknownDependency, dep)
			}
			if dep == step.ID {
				return nil, fmt.Errorf("saga %q: step %q: %w: self-dependency", b.name, step.ID, ErrCycleDetected)
			}
			g.SetEdge(g.NewEdge(from, nodes[step.ID]))
		}
	}

	// SortStabilized with a nil order keeps insertion order among steps with
	// no ordering constraint between them, so execution order is stable
	// across runs.
	sorted, err := topo.SortStabilized(g, nil)
	if err != nil {
		return nil, fmt.Errorf("saga %q: %w: %v", b.name, ErrCycleDetected, err)
	}
	order := make([]StepID, len(sorted))
	for i, n := range sorted {
		order[i] = n.(*stepNode).step
	}

	return &SagaDefinition{
		name:    b.name,
		timeout: b.timeout,
		initial: b.initial,
		steps:   steps,
		order:   order,
		g:       g,
	}, nil
}

// Name returns the definition's name.
func (d *SagaDefinition) Name() SagaName { return d.name }

// Len returns the number of steps.
func (d *SagaDefinition) Len() int { return len(d.steps) }

// Order returns the fixed execution order.
func (d *SagaDefinition) Order() []StepID {
	out := make([]StepID, len(d.order))
	copy(out, d.order)
	return out
}

// Step returns the step with the given id.
func (d *SagaDefinition) Step(id StepID) (*SagaStep, bool) {
	step, ok := d.steps[id]
	return step, ok
}

// Dot renders the dependency graph in Graphviz DOT format.
func (d *SagaDefinition) Dot() (string, error) {
	data, err := dot.Marshal(d.g, string(d.name), "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// stepNode adapts a step to gonum's graph node interfaces.
type stepNode struct {
	id   int64
	step StepID
}

func (n *stepNode) ID() int64     { return n.id }
func (n *stepNode) DOTID() string { return string(n.step) }

var (
	_ graph.Node = (*stepNode)(nil)
	_ dot.Node   = (*stepNode)(nil)
)
