package pipeline

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType identifies the kind of state transition an event records.
type EventType string

const (
	EventRunCreated   EventType = "run_created"
	EventRunStarted   EventType = "run_started"
	EventRunCompleted EventType = "run_completed"
	EventRunFailed    EventType = "run_failed"
	EventRunPaused    EventType = "run_paused"
	EventRunResumed   EventType = "run_resumed"
	EventRunCancelled EventType = "run_cancelled"

	EventStepStarted           EventType = "step_started"
	EventStepCompleted         EventType = "step_completed"
	EventStepFailed            EventType = "step_failed"
	EventStepResponseGenerated EventType = "step_response_generated"
	EventStepResponseSelected  EventType = "step_response_selected"
	EventStepFeedbackAdded     EventType = "step_feedback_added"
	EventStepRetried           EventType = "step_retried"

	EventStateSnapshot EventType = "state_snapshot"
)

// Terminal reports whether this event type closes a run's event log.
func (t EventType) Terminal() bool {
	return t == EventRunCompleted || t == EventRunFailed || t == EventRunCancelled
}

// Event is an atomic, timestamped, sequence-numbered record of one state
// transition for one run. Data carries the typed payload serialized as JSON;
// decode it with the payload struct matching EventType.
type Event struct {
	ID             string          `json:"id"`
	RunID          string          `json:"run_id"`
	EventType      EventType       `json:"event_type"`
	Timestamp      time.Time       `json:"timestamp"`
	SequenceNumber uint64          `json:"sequence_number"`
	Data           json.RawMessage `json:"data,omitempty"`
	Metadata       map[string]any  `json:"metadata,omitempty"`
}

// NewEvent constructs an event with a fresh id and UTC timestamp.
// The sequence number is assigned by the event store at append time.
func NewEvent(runID string, eventType EventType, payload any, metadata map[string]any) (*Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return &Event{
		ID:        uuid.NewString(),
		RunID:     runID,
		EventType: eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
		Metadata:  metadata,
	}, nil
}

// Typed event payloads. One struct per event type; the fold switches on the
// event type and decodes the matching payload.

// RunCreatedData carries the initial run record.
type RunCreatedData struct {
	Run *Run `json:"run"`
}

// RunCompletedData carries the final accumulated outputs.
type RunCompletedData struct {
	Outputs map[string]string `json:"outputs"`
}

// RunFailedData carries the terminal error.
type RunFailedData struct {
	Error string `json:"error"`
}

// StepStartedData marks a step entering the running state.
type StepStartedData struct {
	StepKey string `json:"step_key"`

	// Inputs are the rendered inputs the step runs with
	Inputs map[string]any `json:"inputs,omitempty"`

	// MaxRetries is the retry budget for this step
	MaxRetries int `json:"max_retries,omitempty"`
}

// StepCompletedData marks a successful step.
type StepCompletedData struct {
	StepKey       string         `json:"step_key"`
	ExecutionTime float64        `json:"execution_time_secs"`
	TokensUsed    map[string]int `json:"tokens_used,omitempty"`
}

// StepFailedData marks a failed step.
type StepFailedData struct {
	StepKey string `json:"step_key"`
	Error   string `json:"error"`
}

// StepResponseGeneratedData carries the sampled responses for a step.
type StepResponseGeneratedData struct {
	StepKey   string   `json:"step_key"`
	Responses []string `json:"responses"`

	// Model records which model produced the responses
	Model string `json:"model,omitempty"`
}

// StepResponseSelectedData records the user's choice among responses.
type StepResponseSelectedData struct {
	StepKey  string `json:"step_key"`
	Selected string `json:"selected"`
}

// StepFeedbackAddedData records user feedback on a completed step.
type StepFeedbackAddedData struct {
	StepKey  string `json:"step_key"`
	Feedback string `json:"feedback"`
}

// StepRetriedData resets a step to pending with an incremented retry count.
type StepRetriedData struct {
	StepKey    string `json:"step_key"`
	RetryCount int    `json:"retry_count"`
}

// StateSnapshotData carries a full state to shorten future replays.
type StateSnapshotData struct {
	State *State `json:"state"`
}

// DecodePayload unmarshals the event's data into the typed payload struct
// for its event type. Returns an error for unknown event types or malformed
// payloads; callers replaying a log should log and skip such events.
func (e *Event) DecodePayload() (any, error) {
	var payload any
	switch e.EventType {
	case EventRunCreated:
		payload = &RunCreatedData{}
	case EventRunCompleted:
		payload = &RunCompletedData{}
	case EventRunFailed:
		payload = &RunFailedData{}
	case EventRunStarted, EventRunPaused, EventRunResumed, EventRunCancelled:
		// No payload beyond the timestamp.
		return nil, nil
	case EventStepStarted:
		payload = &StepStartedData{}
	case EventStepCompleted:
		payload = &StepCompletedData{}
	case EventStepFailed:
		payload = &StepFailedData{}
	case EventStepResponseGenerated:
		payload = &StepResponseGeneratedData{}
	case EventStepResponseSelected:
		payload = &StepResponseSelectedData{}
	case EventStepFeedbackAdded:
		payload = &StepFeedbackAddedData{}
	case EventStepRetried:
		payload = &StepRetriedData{}
	case EventStateSnapshot:
		payload = &StateSnapshotData{}
	default:
		return nil, fmt.Errorf("unknown event type %q", e.EventType)
	}

	if len(e.Data) > 0 {
		if err := json.Unmarshal(e.Data, payload); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", e.EventType, err)
		}
	}
	return payload, nil
}
