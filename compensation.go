package orchestrate

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"
)

// CompensationStep is one undo operation scheduled during rollback. Higher
// Priority runs first; the orchestrator assigns priorities from completion
// order so the most recent work is undone before the work it built on.
type CompensationStep struct {
	// TargetID is the id of the saga step being undone.
	TargetID StepID

	Name string

	// Undo performs the compensation. The closure carries whatever original
	// result data the undo needs.
	Undo Operation

	Priority int
	Critical bool

	// Timeout bounds each undo attempt. Zero inherits the manager default.
	Timeout time.Duration

	// MaxRetries is the undo retry budget. Zero inherits the manager default,
	// negative disables retries.
	MaxRetries int
}

// CompensationOutcome is the terminal status of one compensation step.
type CompensationOutcome string

const (
	CompensationSucceeded CompensationOutcome = "succeeded"
	CompensationFailed    CompensationOutcome = "failed"
	CompensationSkipped   CompensationOutcome = "skipped"
)

// CompensationStepResult records how one undo operation fared.
type CompensationStepResult struct {
	TargetID StepID              `json:"target_id"`
	Name     string              `json:"name,omitempty"`
	Outcome  CompensationOutcome `json:"outcome"`
	Attempts int                 `json:"attempts"`
	Error    string              `json:"error,omitempty"`
}

// CompensationReport accounts for every scheduled undo operation: each one is
// reported as succeeded, failed, or skipped, never silently dropped.
type CompensationReport struct {
	TransactionID string                   `json:"transaction_id"`
	Total         int                      `json:"total"`
	Succeeded     int                      `json:"succeeded"`
	Failed        int                      `json:"failed"`
	Skipped       int                      `json:"skipped"`
	Halted        bool                     `json:"halted,omitempty"`
	Steps         []CompensationStepResult `json:"steps"`
}

// Complete reports whether every undo operation succeeded.
func (r *CompensationReport) Complete() bool {
	return r.Failed == 0 && r.Skipped == 0
}

// CompensationConfig configures a CompensationManager.
type CompensationConfig struct {
	// MaxRetries is the default undo retry budget for steps that do not set
	// their own.
	MaxRetries int

	// Timeout is the default per-attempt deadline for steps that do not set
	// their own. Zero disables the deadline.
	Timeout time.Duration

	// Backoff spaces the undo retries. The zero value falls back to
	// DefaultBackoff.
	Backoff Backoff

	Logger zerolog.Logger

	// Sleep overrides the inter-attempt wait for tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// CompensationManager runs a batch of undo operations in priority order.
type CompensationManager struct {
	cfg   CompensationConfig
	log   zerolog.Logger
	sleep func(ctx context.Context, d time.Duration) error
}

// NewCompensationManager constructs a manager.
func NewCompensationManager(cfg CompensationConfig) *CompensationManager {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Backoff.isZero() {
		cfg.Backoff = DefaultBackoff()
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = sleepWithContext
	}
	return &CompensationManager{cfg: cfg, log: cfg.Logger, sleep: sleep}
}

// Run executes the given compensation steps in descending priority order and
// returns a report covering every step. A failure is not fatal unless the
// step is Critical: a failed non-critical undo is recorded and the run moves
// on, while a failed critical undo halts the run and the remaining steps are
// reported as skipped.
//
// Run never returns an error; the report is the outcome.
func (m *CompensationManager) Run(ctx context.Context, txID string, steps []CompensationStep) *CompensationReport {
	ordered := make([]CompensationStep, len(steps))
	copy(ordered, steps)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority > ordered[j].Priority
	})

	report := &CompensationReport{
		TransactionID: txID,
		Total:         len(ordered),
		Steps:         make([]CompensationStepResult, 0, len(ordered)),
	}
	log := m.log.With().Str("transaction_id", txID).Logger()

	halted := false
	for _, step := range ordered {
		if halted {
			report.Skipped++
			report.Steps = append(report.Steps, CompensationStepResult{
				TargetID: step.TargetID,
				Name:     step.Name,
				Outcome:  CompensationSkipped,
			})
			continue
		}

		attempts, err := m.runStep(ctx, step)
		if err == nil {
			report.Succeeded++
			report.Steps = append(report.Steps, CompensationStepResult{
				TargetID: step.TargetID,
				Name:     step.Name,
				Outcome:  CompensationSucceeded,
				Attempts: attempts,
			})
			continue
		}

		report.Failed++
		report.Steps = append(report.Steps, CompensationStepResult{
			TargetID: step.TargetID,
			Name:     step.Name,
			Outcome:  CompensationFailed,
			Attempts: attempts,
			Error:    err.Error(),
		})
		log.Error().
			Err(err).
			Str("step", string(step.TargetID)).
			Int("attempts", attempts).
			Bool("critical", step.Critical).
			Msg("compensation step failed")

		if step.Critical {
			halted = true
			report.Halted = true
		}
	}
	return report
}

// runStep retries one undo operation to exhaustion and returns the attempt
// count alongside the final error.
func (m *CompensationManager) runStep(ctx context.Context, step CompensationStep) (int, error) {
	maxRetries := step.MaxRetries
	if maxRetries == 0 {
		maxRetries = m.cfg.MaxRetries
	} else if maxRetries < 0 {
		maxRetries = 0
	}
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = m.cfg.Timeout
	}

	attempts := 0
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr == nil {
				lastErr = err
			}
			break
		}
		attempts++
		err := runWithTimeout(ctx, timeout, step.Undo)
		if err == nil {
			return attempts, nil
		}
		lastErr = err
		if KindOf(err) == ValidationFailure || attempt == maxRetries {
			break
		}
		if err := m.sleep(ctx, m.cfg.Backoff.Delay(attempt+1)); err != nil {
			break
		}
	}
	return attempts, NewFailure(CompensationFailure, lastErr)
}
