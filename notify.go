package orchestrate

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Event names emitted over the saga lifecycle.
const (
	EventSagaStarted         = "saga_started"
	EventStepStarted         = "saga_step_started"
	EventStepCompleted       = "saga_step_completed"
	EventStepFailed          = "saga_step_failed"
	EventCompensationStarted = "saga_compensation_started"
	EventSagaCompensated     = "saga_compensated"
	EventSagaCompleted       = "saga_completed"
)

// Notification is one lifecycle event from a saga execution.
type Notification struct {
	Event       string          `json:"event"`
	ExecutionID string          `json:"execution_id"`
	Definition  string          `json:"definition"`
	StepID      StepID          `json:"step_id,omitempty"`
	Status      ExecutionStatus `json:"status,omitempty"`
	Error       string          `json:"error,omitempty"`
	At          time.Time       `json:"at"`
}

// Notifier receives saga lifecycle events. Implementations must not block the
// orchestrator for long; delivery is best effort and a notifier error never
// fails the execution.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// NopNotifier discards all notifications.
type NopNotifier struct{}

// Notify implements Notifier.
func (NopNotifier) Notify(context.Context, Notification) {}

// LogNotifier writes notifications to a structured log.
type LogNotifier struct {
	log zerolog.Logger
}

// NewLogNotifier constructs a LogNotifier.
func NewLogNotifier(log zerolog.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

// Notify implements Notifier.
func (n *LogNotifier) Notify(_ context.Context, note Notification) {
	evt := n.log.Info().
		Str("event", note.Event).
		Str("execution_id", note.ExecutionID).
		Str("definition", note.Definition)
	if note.StepID != "" {
		evt = evt.Str("step", string(note.StepID))
	}
	if note.Status != "" {
		evt = evt.Str("status", string(note.Status))
	}
	if note.Error != "" {
		evt = evt.Str("error", note.Error)
	}
	evt.Msg("saga event")
}
