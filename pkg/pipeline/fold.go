package pipeline

import (
	"fmt"
	"log/slog"
)

// Apply is the pure transition function of the event fold: it returns a new
// state with the event applied, never mutating its input. The returned
// state's version equals the event's sequence number, so replaying any
// prefix of a run's log yields the same versions every time.
func Apply(state *State, event *Event) (*State, error) {
	payload, err := event.DecodePayload()
	if err != nil {
		return nil, err
	}

	if event.EventType == EventRunCreated {
		if state != nil {
			return nil, fmt.Errorf("run_created must be the first event for run %s", event.RunID)
		}
		data := payload.(*RunCreatedData)
		if data.Run == nil {
			return nil, fmt.Errorf("run_created event %s has no run payload", event.ID)
		}
		next := NewState(data.Run.Clone())
		next.Version = event.SequenceNumber
		return next, nil
	}

	if state == nil {
		return nil, fmt.Errorf("event %s (%s) arrived before run_created", event.ID, event.EventType)
	}

	if event.EventType == EventStateSnapshot {
		data := payload.(*StateSnapshotData)
		if data.State == nil || data.State.Run == nil {
			return nil, fmt.Errorf("snapshot event %s has no state payload", event.ID)
		}
		next := *data.State
		next.Run = data.State.Run.Clone()
		next.Version = event.SequenceNumber
		return &next, nil
	}

	if from, to, ok := stepTransition(state.Run, event.EventType, payload); ok && from != to && !validTransition(from, to) {
		return nil, fmt.Errorf("illegal step transition %s -> %s in event %s (%s)",
			from, to, event.ID, event.EventType)
	}

	ts := event.Timestamp
	next := state.Copy(func(run *Run) {
		switch event.EventType {
		case EventRunStarted:
			run.Status = RunStatusRunning
			run.StartedAt = &ts
		case EventRunCompleted:
			data := payload.(*RunCompletedData)
			run.Status = RunStatusCompleted
			run.CompletedAt = &ts
			if data.Outputs != nil {
				run.Outputs = data.Outputs
			}
		case EventRunFailed:
			data := payload.(*RunFailedData)
			run.Status = RunStatusFailed
			run.CompletedAt = &ts
			run.Error = data.Error
		case EventRunCancelled:
			run.Status = RunStatusCancelled
			run.CompletedAt = &ts
		case EventRunPaused:
			run.Status = RunStatusPaused
		case EventRunResumed:
			run.Status = RunStatusRunning

		case EventStepStarted:
			data := payload.(*StepStartedData)
			step := locateOrCreateStep(run, data.StepKey)
			step.Status = StepStatusRunning
			step.StartedAt = &ts
			if data.Inputs != nil {
				step.Inputs = data.Inputs
			}
			if data.MaxRetries > 0 {
				step.MaxRetries = data.MaxRetries
			}
		case EventStepCompleted:
			data := payload.(*StepCompletedData)
			step := locateOrCreateStep(run, data.StepKey)
			step.Status = StepStatusCompleted
			step.CompletedAt = &ts
			step.ExecutionTime = data.ExecutionTime
			if data.TokensUsed != nil {
				step.TokensUsed = data.TokensUsed
			}
			if out := step.Output(); out != "" {
				if run.Outputs == nil {
					run.Outputs = make(map[string]string)
				}
				run.Outputs[data.StepKey] = out
			}
		case EventStepFailed:
			data := payload.(*StepFailedData)
			step := locateOrCreateStep(run, data.StepKey)
			step.Status = StepStatusFailed
			step.CompletedAt = &ts
			step.Error = data.Error
		case EventStepResponseGenerated:
			data := payload.(*StepResponseGeneratedData)
			step := locateOrCreateStep(run, data.StepKey)
			step.Responses = data.Responses
		case EventStepResponseSelected:
			data := payload.(*StepResponseSelectedData)
			step := locateOrCreateStep(run, data.StepKey)
			step.SelectedResponse = data.Selected
			if run.Outputs == nil {
				run.Outputs = make(map[string]string)
			}
			run.Outputs[data.StepKey] = data.Selected
		case EventStepFeedbackAdded:
			data := payload.(*StepFeedbackAddedData)
			step := locateOrCreateStep(run, data.StepKey)
			step.UserFeedback = data.Feedback
		case EventStepRetried:
			data := payload.(*StepRetriedData)
			step := locateOrCreateStep(run, data.StepKey)
			step.Status = StepStatusPending
			step.StartedAt = nil
			step.CompletedAt = nil
			step.Error = ""
			step.RetryCount = data.RetryCount
		}
	})

	// Step retries beyond the budget are invalid events.
	if event.EventType == EventStepRetried {
		data := payload.(*StepRetriedData)
		step := next.Run.Step(data.StepKey)
		if step != nil && step.MaxRetries > 0 && step.RetryCount > step.MaxRetries {
			return nil, fmt.Errorf("step %s retry_count %d exceeds max_retries %d",
				data.StepKey, step.RetryCount, step.MaxRetries)
		}
	}

	next.Version = event.SequenceNumber
	return next, nil
}

// stepTransition extracts the step status change an event encodes, if any.
// A step not yet seen counts as pending.
func stepTransition(run *Run, eventType EventType, payload any) (from, to StepStatus, ok bool) {
	var key string
	switch eventType {
	case EventStepStarted:
		key, to = payload.(*StepStartedData).StepKey, StepStatusRunning
	case EventStepCompleted:
		key, to = payload.(*StepCompletedData).StepKey, StepStatusCompleted
	case EventStepFailed:
		key, to = payload.(*StepFailedData).StepKey, StepStatusFailed
	case EventStepRetried:
		key, to = payload.(*StepRetriedData).StepKey, StepStatusPending
	default:
		return "", "", false
	}
	from = StepStatusPending
	if step := run.Step(key); step != nil {
		from = step.Status
	}
	return from, to, true
}

// locateOrCreateStep finds the step execution for a key, appending a fresh
// pending record on first sight.
func locateOrCreateStep(run *Run, stepKey string) *StepExecution {
	if step := run.Step(stepKey); step != nil {
		return step
	}
	run.Steps = append(run.Steps, StepExecution{
		StepKey:    stepKey,
		Status:     StepStatusPending,
		MaxRetries: DefaultMaxRetries,
	})
	return &run.Steps[len(run.Steps)-1]
}

// Fold replays events in order and returns the resulting state.
// Replay begins from the highest-index state_snapshot when one is present.
// Corrupted individual events are logged and skipped so a single bad write
// cannot brick a run; pass a nil logger to discard those reports.
func Fold(events []*Event, logger *slog.Logger) (*State, error) {
	if len(events) == 0 {
		return nil, nil
	}

	start := 0
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].EventType == EventStateSnapshot {
			start = i
			break
		}
	}

	var state *State
	if start > 0 || events[0].EventType == EventStateSnapshot {
		snap, err := Apply(dummySnapshotBase(), events[start])
		if err != nil {
			// Fall back to a full replay when the snapshot is unreadable.
			if logger != nil {
				logger.Warn("unreadable snapshot, replaying full log",
					"run_id", events[start].RunID,
					"sequence", events[start].SequenceNumber,
					"error", err)
			}
			start = 0
		} else {
			state = snap
			start++
		}
	}

	for _, event := range events[start:] {
		if state != nil && event.EventType == EventStateSnapshot {
			// Snapshots restate the state already folded; applying them is
			// a no-op beyond the version bump.
			state.Version = event.SequenceNumber
			continue
		}
		next, err := Apply(state, event)
		if err != nil {
			if state == nil {
				return nil, err
			}
			if logger != nil {
				logger.Warn("skipping corrupted event during replay",
					"run_id", event.RunID,
					"sequence", event.SequenceNumber,
					"event_type", string(event.EventType),
					"error", err)
			}
			continue
		}
		state = next
	}

	return state, nil
}

// dummySnapshotBase provides the non-nil state Apply requires when the first
// event folded is itself a snapshot.
func dummySnapshotBase() *State {
	return &State{Run: &Run{}, BranchID: MainBranch}
}
