package pipeline

import (
	"fmt"
	"time"
)

// RunStatus is the lifecycle state of a pipeline run.
type RunStatus string

const (
	// RunStatusCreated means the run record exists but execution has not begun.
	RunStatusCreated RunStatus = "created"
	// RunStatusRunning means step execution is in progress.
	RunStatusRunning RunStatus = "running"
	// RunStatusPaused means execution stopped at a step boundary and can resume.
	RunStatusPaused RunStatus = "paused"
	// RunStatusCompleted means every step finished successfully.
	RunStatusCompleted RunStatus = "completed"
	// RunStatusFailed means a step failed beyond its retry budget.
	RunStatusFailed RunStatus = "failed"
	// RunStatusCancelled means a cancellation request was honored.
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status permits no further events.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// StepStatus is the lifecycle state of a single step execution.
type StepStatus string

const (
	// StepStatusPending means the step has not started.
	StepStatusPending StepStatus = "pending"
	// StepStatusRunning means the step is executing.
	StepStatusRunning StepStatus = "running"
	// StepStatusCompleted means the step finished successfully.
	StepStatusCompleted StepStatus = "completed"
	// StepStatusFailed means the step failed.
	StepStatusFailed StepStatus = "failed"
	// StepStatusSkipped means the step was never attempted.
	StepStatusSkipped StepStatus = "skipped"
	// StepStatusCancelled means the run was cancelled before the step finished.
	StepStatusCancelled StepStatus = "cancelled"
)

// Terminal reports whether the step reached a final status.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepStatusCompleted, StepStatusFailed, StepStatusSkipped, StepStatusCancelled:
		return true
	}
	return false
}

// DefaultMaxRetries is the retry budget applied when a template does not
// specify one.
const DefaultMaxRetries = 3

// StepExecution records the progress of one step within a run.
// Mutations happen only through events; the structs here are value carriers.
type StepExecution struct {
	StepKey     string     `json:"step_key"`
	Status      StepStatus `json:"status"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Inputs captures the rendered inputs the step ran with
	Inputs map[string]any `json:"inputs,omitempty"`

	// Responses holds all sampled responses for this step
	Responses []string `json:"responses,omitempty"`

	// SelectedResponse is the response chosen for downstream steps
	SelectedResponse string `json:"selected_response,omitempty"`

	// UserFeedback is free-form feedback attached after completion
	UserFeedback string `json:"user_feedback,omitempty"`

	// TokensUsed maps model id to total tokens consumed
	TokensUsed map[string]int `json:"tokens_used,omitempty"`

	// ExecutionTime is the wall-clock step duration in seconds
	ExecutionTime float64 `json:"execution_time_secs,omitempty"`

	Error      string `json:"error,omitempty"`
	RetryCount int    `json:"retry_count"`
	MaxRetries int    `json:"max_retries"`
}

// Output returns the step's effective output: the selected response, or the
// first response when none was selected.
func (s *StepExecution) Output() string {
	if s.SelectedResponse != "" {
		return s.SelectedResponse
	}
	if len(s.Responses) > 0 {
		return s.Responses[0]
	}
	return ""
}

// validTransition reports whether a step status change is legal:
// pending -> running -> {completed|failed|cancelled}, or pending -> skipped.
// A retry moves a failed or running step back to pending.
func validTransition(from, to StepStatus) bool {
	switch from {
	case StepStatusPending:
		return to == StepStatusRunning || to == StepStatusSkipped || to == StepStatusCancelled
	case StepStatusRunning:
		return to == StepStatusCompleted || to == StepStatusFailed || to == StepStatusCancelled || to == StepStatusPending
	case StepStatusFailed:
		return to == StepStatusPending
	}
	return false
}

// Run is the authoritative record of one pipeline execution, derived by
// folding the run's event log.
type Run struct {
	ID         string    `json:"id"`
	TemplateID string    `json:"template_id"`
	Workspace  string    `json:"workspace"`

	// Inputs are the validated user values the run started with
	Inputs map[string]any `json:"inputs,omitempty"`

	Status      RunStatus  `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`

	// Steps is ordered by first appearance in the event log
	Steps []StepExecution `json:"steps,omitempty"`

	// Outputs are the final accumulated outputs keyed by step
	Outputs map[string]string `json:"outputs,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`
}

// Step returns the execution record for a step key, or nil.
func (r *Run) Step(stepKey string) *StepExecution {
	for i := range r.Steps {
		if r.Steps[i].StepKey == stepKey {
			return &r.Steps[i]
		}
	}
	return nil
}

// CompletedSteps returns the keys of all completed steps.
func (r *Run) CompletedSteps() []string {
	var out []string
	for i := range r.Steps {
		if r.Steps[i].Status == StepStatusCompleted {
			out = append(out, r.Steps[i].StepKey)
		}
	}
	return out
}

// Clone returns a deep copy of the run with no aliasing to mutable state.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	out := &Run{
		ID:         r.ID,
		TemplateID: r.TemplateID,
		Workspace:  r.Workspace,
		Status:     r.Status,
		CreatedAt:  r.CreatedAt,
		Error:      r.Error,
	}
	if r.StartedAt != nil {
		t := *r.StartedAt
		out.StartedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		out.CompletedAt = &t
	}
	if r.Inputs != nil {
		out.Inputs = make(map[string]any, len(r.Inputs))
		for k, v := range r.Inputs {
			out.Inputs[k] = v
		}
	}
	if r.Outputs != nil {
		out.Outputs = make(map[string]string, len(r.Outputs))
		for k, v := range r.Outputs {
			out.Outputs[k] = v
		}
	}
	if r.Metadata != nil {
		out.Metadata = make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	if r.Steps != nil {
		out.Steps = make([]StepExecution, len(r.Steps))
		for i := range r.Steps {
			out.Steps[i] = cloneStep(&r.Steps[i])
		}
	}
	return out
}

func cloneStep(s *StepExecution) StepExecution {
	out := *s
	if s.StartedAt != nil {
		t := *s.StartedAt
		out.StartedAt = &t
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		out.CompletedAt = &t
	}
	if s.Inputs != nil {
		out.Inputs = make(map[string]any, len(s.Inputs))
		for k, v := range s.Inputs {
			out.Inputs[k] = v
		}
	}
	if s.Responses != nil {
		out.Responses = append([]string(nil), s.Responses...)
	}
	if s.TokensUsed != nil {
		out.TokensUsed = make(map[string]int, len(s.TokensUsed))
		for k, v := range s.TokensUsed {
			out.TokensUsed[k] = v
		}
	}
	return out
}

// NewRun constructs the initial run record carried by a run_created event.
func NewRun(id, templateID, workspace string, inputs map[string]any, now time.Time) *Run {
	return &Run{
		ID:         id,
		TemplateID: templateID,
		Workspace:  workspace,
		Inputs:     inputs,
		Status:     RunStatusCreated,
		CreatedAt:  now.UTC(),
		Outputs:    make(map[string]string),
	}
}

// String implements fmt.Stringer for log output.
func (r *Run) String() string {
	return fmt.Sprintf("run %s (%s, %d steps)", r.ID, r.Status, len(r.Steps))
}
