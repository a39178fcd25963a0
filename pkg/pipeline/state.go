package pipeline

import (
	"time"
)

// MainBranch is the branch id of the primary event timeline.
const MainBranch = "main"

// State is the immutable result of folding a run's events.
// Version equals the sequence number of the last event applied. States are
// never mutated in place: Copy and Apply return new values parented at the
// previous version.
type State struct {
	Run           *Run      `json:"run"`
	Version       uint64    `json:"version"`
	BranchID      string    `json:"branch_id"`
	ParentVersion *uint64   `json:"parent_version,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// NewState wraps an initial run record as version-1 state on the main branch.
func NewState(run *Run) *State {
	return &State{
		Run:       run,
		Version:   1,
		BranchID:  MainBranch,
		CreatedAt: time.Now().UTC(),
	}
}

// Copy returns a new state derived by applying mutate to a deep copy of the
// run. The copy's version is incremented and parented at the current version.
func (s *State) Copy(mutate func(run *Run)) *State {
	run := s.Run.Clone()
	if mutate != nil {
		mutate(run)
	}
	parent := s.Version
	return &State{
		Run:           run,
		Version:       s.Version + 1,
		BranchID:      s.BranchID,
		ParentVersion: &parent,
		CreatedAt:     time.Now().UTC(),
	}
}

// Branch returns a fresh state on a named branch, sharing event history up
// to the current version. Branch merging is not supported.
func (s *State) Branch(name string) *State {
	return &State{
		Run:       s.Run.Clone(),
		Version:   0,
		BranchID:  name,
		CreatedAt: time.Now().UTC(),
	}
}

// ProgressFraction is completed steps over total steps, 0 when no steps
// have been recorded yet.
func (s *State) ProgressFraction() float64 {
	if s.Run == nil || len(s.Run.Steps) == 0 {
		return 0
	}
	completed := 0
	for i := range s.Run.Steps {
		if s.Run.Steps[i].Status == StepStatusCompleted {
			completed++
		}
	}
	return float64(completed) / float64(len(s.Run.Steps))
}

// NextReadySteps returns the pending step keys whose declared dependencies
// are all completed, evaluated against the given template.
func (s *State) NextReadySteps(t *Template) []string {
	if s.Run == nil {
		return nil
	}
	completed := make(map[string]bool)
	status := make(map[string]StepStatus)
	for i := range s.Run.Steps {
		step := &s.Run.Steps[i]
		status[step.StepKey] = step.Status
		if step.Status == StepStatusCompleted {
			completed[step.StepKey] = true
		}
	}

	var ready []string
	for _, key := range t.StepKeys {
		if st, seen := status[key]; seen && st != StepStatusPending {
			continue
		}
		ok := true
		for _, dep := range t.Steps[key].DependsOn {
			if !completed[dep] {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, key)
		}
	}
	return ready
}

// TotalTokens sums token usage across all steps, keyed by model.
func (s *State) TotalTokens() map[string]int {
	totals := make(map[string]int)
	if s.Run == nil {
		return totals
	}
	for i := range s.Run.Steps {
		for model, n := range s.Run.Steps[i].TokensUsed {
			totals[model] += n
		}
	}
	return totals
}
