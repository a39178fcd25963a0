// Copyright 2026 The WriteIt Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package executor

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/writeit/writeit/internal/cache"
	"github.com/writeit/writeit/internal/events"
	"github.com/writeit/writeit/internal/storage"
	"github.com/writeit/writeit/pkg/errors"
	"github.com/writeit/writeit/pkg/llm"
	"github.com/writeit/writeit/pkg/pipeline"
)

// scriptedClient answers Complete calls from a script keyed by call number.
type scriptedClient struct {
	mu      sync.Mutex
	calls   int
	prompts []string
	script  func(call int, req llm.Request) (*llm.Response, error)
}

func (s *scriptedClient) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.prompts = append(s.prompts, req.Prompt)
	s.mu.Unlock()
	return s.script(call, req)
}

func (s *scriptedClient) Stream(ctx context.Context, req llm.Request) (<-chan llm.StreamChunk, error) {
	resp, err := s.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	out := make(chan llm.StreamChunk, 2)
	out <- llm.StreamChunk{Delta: resp.Text}
	out <- llm.StreamChunk{Final: true, Text: resp.Text, Usage: &resp.Usage}
	close(out)
	return out, nil
}

func (s *scriptedClient) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *scriptedClient) promptList() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.prompts...)
}

func respond(text string) func(int, llm.Request) (*llm.Response, error) {
	return func(_ int, req llm.Request) (*llm.Response, error) {
		return &llm.Response{
			Text:      text,
			Responses: []string{text},
			Usage:     llm.TokenUsage{Input: 3, Output: 4, Total: 7},
			Model:     req.Model,
		}, nil
	}
}

func newEventStore(t *testing.T) *events.Store {
	t.Helper()
	kv, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })
	return events.New(kv, "default")
}

func parseTemplate(t *testing.T, src string) *pipeline.Template {
	t.Helper()
	tmpl, err := pipeline.ParseTemplate([]byte(src))
	require.NoError(t, err)
	return tmpl
}

const singleStepTemplate = `
metadata:
  name: single
defaults:
  model: claude-sonnet
inputs:
  topic:
    type: text
    required: true
steps:
  draft:
    type: llm_generate
    prompt_template: "Write about {{ inputs.topic }}"
`

func eventTypes(t *testing.T, store *events.Store, runID string) []pipeline.EventType {
	t.Helper()
	evs, err := store.Events(context.Background(), runID, 1)
	require.NoError(t, err)
	types := make([]pipeline.EventType, len(evs))
	for i, event := range evs {
		require.Equal(t, uint64(i+1), event.SequenceNumber, "sequence numbers must be dense")
		types[i] = event.EventType
	}
	return types
}

func TestExecuteSingleStep(t *testing.T) {
	store := newEventStore(t)
	client := &scriptedClient{script: respond("Draft text.")}
	exec := New(store, client, WithRetryDelay(time.Millisecond))

	state, err := exec.Execute(context.Background(), parseTemplate(t, singleStepTemplate),
		map[string]any{"topic": "compilers"})
	require.NoError(t, err)
	require.NotNil(t, state)

	assert.Equal(t, pipeline.RunStatusCompleted, state.Run.Status)
	assert.Equal(t, "Draft text.", state.Run.Outputs["draft"])

	step := state.Run.Step("draft")
	require.NotNil(t, step)
	assert.Equal(t, pipeline.StepStatusCompleted, step.Status)
	assert.Equal(t, []string{"Draft text."}, step.Responses)
	assert.Equal(t, 7, step.TokensUsed["claude-sonnet"])

	// The prompt was fully rendered before the call.
	require.Len(t, client.promptList(), 1)
	assert.Equal(t, "Write about compilers", client.promptList()[0])

	// The log is the canonical 6-event sequence plus the terminal snapshot.
	types := eventTypes(t, store, state.Run.ID)
	assert.Equal(t, []pipeline.EventType{
		pipeline.EventRunCreated,
		pipeline.EventRunStarted,
		pipeline.EventStepStarted,
		pipeline.EventStepResponseGenerated,
		pipeline.EventStepCompleted,
		pipeline.EventRunCompleted,
		pipeline.EventStateSnapshot,
	}, types)
}

const twoStepTemplate = `
metadata:
  name: chained
defaults:
  model: claude-sonnet
inputs:
  topic:
    type: text
    required: true
steps:
  outline:
    type: llm_generate
    prompt_template: "Outline {{ inputs.topic }}"
  draft:
    type: llm_generate
    prompt_template: "Expand this outline: {{ steps.outline }}"
    depends_on: [outline]
`

func TestExecuteDependencyOrdering(t *testing.T) {
	store := newEventStore(t)
	client := &scriptedClient{script: func(call int, req llm.Request) (*llm.Response, error) {
		text := "O"
		if strings.Contains(req.Prompt, "outline") {
			text = "D"
		}
		return &llm.Response{Text: text, Responses: []string{text}, Model: req.Model}, nil
	}}
	exec := New(store, client, WithRetryDelay(time.Millisecond))

	state, err := exec.Execute(context.Background(), parseTemplate(t, twoStepTemplate),
		map[string]any{"topic": "go"})
	require.NoError(t, err)
	assert.Equal(t, pipeline.RunStatusCompleted, state.Run.Status)

	// The draft prompt embeds the outline's output.
	prompts := client.promptList()
	require.Len(t, prompts, 2)
	assert.Equal(t, "Outline go", prompts[0])
	assert.Equal(t, "Expand this outline: O", prompts[1])

	// Step timestamps are consistent with their execution.
	for _, key := range []string{"outline", "draft"} {
		step := state.Run.Step(key)
		require.NotNil(t, step, key)
		require.NotNil(t, step.StartedAt, key)
		require.NotNil(t, step.CompletedAt, key)
		assert.False(t, step.CompletedAt.Before(*step.StartedAt), key)
	}

	// The upstream step finished before the dependent step started.
	outline := state.Run.Step("outline")
	draft := state.Run.Step("draft")
	assert.False(t, draft.StartedAt.Before(*outline.CompletedAt))
}

func TestExecuteRetriesThenSucceeds(t *testing.T) {
	store := newEventStore(t)
	client := &scriptedClient{script: func(call int, req llm.Request) (*llm.Response, error) {
		if call <= 2 {
			return nil, &errors.RateLimitedError{Provider: "anthropic"}
		}
		return &llm.Response{Text: "OK", Responses: []string{"OK"}, Model: req.Model}, nil
	}}
	exec := New(store, client, WithRetryDelay(time.Millisecond), WithMaxRetries(3))

	state, err := exec.Execute(context.Background(), parseTemplate(t, singleStepTemplate),
		map[string]any{"topic": "go"})
	require.NoError(t, err)

	assert.Equal(t, pipeline.RunStatusCompleted, state.Run.Status)
	step := state.Run.Step("draft")
	assert.Equal(t, []string{"OK"}, step.Responses)
	assert.Equal(t, 2, step.RetryCount)
	assert.Equal(t, 3, client.callCount())

	retried := 0
	for _, eventType := range eventTypes(t, store, state.Run.ID) {
		if eventType == pipeline.EventStepRetried {
			retried++
		}
	}
	assert.Equal(t, 2, retried)
}

func TestExecuteFailsAfterRetryBudget(t *testing.T) {
	store := newEventStore(t)
	client := &scriptedClient{script: func(int, llm.Request) (*llm.Response, error) {
		return nil, &errors.RateLimitedError{Provider: "anthropic"}
	}}
	exec := New(store, client, WithRetryDelay(time.Millisecond), WithMaxRetries(1))

	_, err := exec.Execute(context.Background(), parseTemplate(t, singleStepTemplate),
		map[string]any{"topic": "go"})
	require.Error(t, err)

	var serr *errors.StepExecutionError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "draft", serr.StepKey)
	assert.Equal(t, 1, serr.RetryCount)
	assert.Equal(t, 2, client.callCount())

	types := eventTypes(t, store, serr.RunID)
	assert.Contains(t, types, pipeline.EventStepFailed)
	assert.Contains(t, types, pipeline.EventRunFailed)
}

func TestExecuteStepTimeoutIsFinal(t *testing.T) {
	store := newEventStore(t)
	client := &scriptedClient{script: func(int, llm.Request) (*llm.Response, error) {
		time.Sleep(200 * time.Millisecond)
		return nil, context.DeadlineExceeded
	}}
	exec := New(store, client,
		WithStepTimeout(20*time.Millisecond),
		WithRetryDelay(time.Millisecond),
		WithMaxRetries(3))

	_, err := exec.Execute(context.Background(), parseTemplate(t, singleStepTemplate),
		map[string]any{"topic": "go"})
	require.Error(t, err)

	var serr *errors.StepExecutionError
	require.ErrorAs(t, err, &serr)
	var terr *errors.TimeoutError
	assert.ErrorAs(t, err, &terr)

	// Timed-out steps are never retried.
	assert.Equal(t, 1, client.callCount())
	assert.NotContains(t, eventTypes(t, store, serr.RunID), pipeline.EventStepRetried)
}

// stallingClient blocks until the request context expires.
type stallingClient struct{}

func (stallingClient) Complete(ctx context.Context, _ llm.Request) (*llm.Response, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (stallingClient) Stream(ctx context.Context, _ llm.Request) (<-chan llm.StreamChunk, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestExecuteRunTimeoutRecordsTerminalEvents(t *testing.T) {
	store := newEventStore(t)
	exec := New(store, stallingClient{},
		WithRunTimeout(50*time.Millisecond),
		WithStepTimeout(10*time.Second),
		WithRetryDelay(time.Millisecond))

	_, err := exec.Execute(context.Background(), parseTemplate(t, singleStepTemplate),
		map[string]any{"topic": "go"})
	require.Error(t, err)

	var terr *errors.TimeoutError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, errors.CodeTimeout, errors.Code(err))

	var serr *errors.StepExecutionError
	require.ErrorAs(t, err, &serr)

	// The expired run deadline must not block the terminal records.
	types := eventTypes(t, store, serr.RunID)
	assert.Contains(t, types, pipeline.EventStepFailed)
	assert.Contains(t, types, pipeline.EventRunFailed)
	assert.NotContains(t, types, pipeline.EventStepRetried)

	state, err := store.State(context.Background(), serr.RunID)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, pipeline.RunStatusFailed, state.Run.Status)
}

func TestExecuteServesRepeatFromCache(t *testing.T) {
	kv, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })

	store := events.New(kv, "default")
	responses := cache.New(kv, "default")
	client := &scriptedClient{script: respond("cached draft")}
	exec := New(store, cache.NewCachingClient(client, responses), WithRetryDelay(time.Millisecond))

	tmpl := parseTemplate(t, singleStepTemplate)
	inputs := map[string]any{"topic": "go"}

	for i := 0; i < 2; i++ {
		state, err := exec.Execute(context.Background(), tmpl, inputs)
		require.NoError(t, err)
		assert.Equal(t, "cached draft", state.Run.Outputs["draft"])
	}

	assert.Equal(t, 1, client.callCount(), "the second run is served from cache")

	stats, err := responses.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
}

func TestExecuteValidationFailureWritesNoEvents(t *testing.T) {
	store := newEventStore(t)
	client := &scriptedClient{script: respond("never called")}
	exec := New(store, client)

	tmpl := parseTemplate(t, `
metadata:
  name: broken
steps:
  draft:
    type: llm_generate
    prompt_template: "Write about {{ inputs.undeclared }}"
`)

	_, err := exec.Execute(context.Background(), tmpl, nil)
	require.Error(t, err)

	var verr *pipeline.ValidationFailedError
	require.ErrorAs(t, err, &verr)
	require.NotEmpty(t, verr.Issues)
	assert.Equal(t, pipeline.CodeUndefinedVariable, verr.Issues[0].Code)
	assert.Equal(t, "steps.draft.prompt_template", verr.Issues[0].Location)
	assert.Equal(t, errors.CodePipelineValidation, errors.Code(err))

	assert.Equal(t, 0, client.callCount())
	runs, err := store.Runs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, runs, "fail-fast validation must not write events")
}

func TestExecuteBadInputsRejected(t *testing.T) {
	store := newEventStore(t)
	exec := New(store, &scriptedClient{script: respond("x")})

	_, err := exec.Execute(context.Background(), parseTemplate(t, singleStepTemplate), map[string]any{})
	require.Error(t, err)

	var verr *errors.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "topic", verr.Field)
}

const selectionTemplate = `
metadata:
  name: curated
defaults:
  model: claude-sonnet
inputs:
  topic:
    type: text
    required: true
steps:
  variants:
    type: llm_generate
    prompt_template: "Draft variants about {{ inputs.topic }}"
  pick:
    type: user_selection
    prompt_template: "Pick the best draft"
    depends_on: [variants]
  polish:
    type: llm_refine
    prompt_template: "Polish: {{ steps.pick }}"
    depends_on: [pick]
`

func TestExecuteUserSelectionFlow(t *testing.T) {
	store := newEventStore(t)
	client := &scriptedClient{script: func(call int, req llm.Request) (*llm.Response, error) {
		if strings.HasPrefix(req.Prompt, "Draft variants") {
			return &llm.Response{Text: "R1", Responses: []string{"R1", "R2"}, Model: req.Model}, nil
		}
		return &llm.Response{Text: "polished", Responses: []string{"polished"}, Model: req.Model}, nil
	}}
	exec := New(store, client, WithRetryDelay(time.Millisecond))
	ctx := context.Background()
	tmpl := parseTemplate(t, selectionTemplate)

	// The run pauses at the selection step.
	state, err := exec.Execute(ctx, tmpl, map[string]any{"topic": "go"})
	require.NoError(t, err)
	assert.Equal(t, pipeline.RunStatusPaused, state.Run.Status)

	pick := state.Run.Step("pick")
	require.NotNil(t, pick)
	assert.Equal(t, pipeline.StepStatusRunning, pick.Status)
	assert.Equal(t, []string{"R1", "R2"}, pick.Responses, "candidates come from the dependency")

	// A response outside the candidate set is rejected.
	err = exec.SelectResponse(ctx, state.Run.ID, "pick", "R3")
	require.Error(t, err)

	require.NoError(t, exec.SelectResponse(ctx, state.Run.ID, "pick", "R2"))

	final, err := exec.Resume(ctx, tmpl, state.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.RunStatusCompleted, final.Run.Status)
	assert.Equal(t, "R2", final.Run.Outputs["pick"])
	assert.Equal(t, "polished", final.Run.Outputs["polish"])

	// The polish prompt saw the selected response.
	prompts := client.promptList()
	assert.Contains(t, prompts, "Polish: R2")
}

func TestResumeRejectsNonPausedRun(t *testing.T) {
	store := newEventStore(t)
	client := &scriptedClient{script: respond("done")}
	exec := New(store, client)
	tmpl := parseTemplate(t, singleStepTemplate)

	state, err := exec.Execute(context.Background(), tmpl, map[string]any{"topic": "go"})
	require.NoError(t, err)

	_, err = exec.Resume(context.Background(), tmpl, state.Run.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "only paused runs resume")
}

const transformTemplate = `
metadata:
  name: reshaped
defaults:
  model: claude-sonnet
inputs:
  topic:
    type: text
    required: true
steps:
  draft:
    type: llm_generate
    prompt_template: "Write about {{ inputs.topic }}"
  shout:
    type: transform
    prompt_template: ".steps.draft.selected | ascii_upcase"
    depends_on: [draft]
`

func TestExecuteTransformStep(t *testing.T) {
	store := newEventStore(t)
	client := &scriptedClient{script: respond("quiet text")}
	exec := New(store, client, WithRetryDelay(time.Millisecond))

	state, err := exec.Execute(context.Background(), parseTemplate(t, transformTemplate),
		map[string]any{"topic": "go"})
	require.NoError(t, err)

	assert.Equal(t, pipeline.RunStatusCompleted, state.Run.Status)
	assert.Equal(t, "QUIET TEXT", state.Run.Outputs["shout"])
	assert.Equal(t, 1, client.callCount(), "transform steps make no LLM calls")
}

func TestCancelIdleRun(t *testing.T) {
	store := newEventStore(t)
	exec := New(store, &scriptedClient{script: respond("x")})
	ctx := context.Background()

	runID, err := exec.CreateRun(ctx, parseTemplate(t, singleStepTemplate), map[string]any{"topic": "go"})
	require.NoError(t, err)

	require.NoError(t, exec.Cancel(ctx, runID))

	state, err := store.State(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.RunStatusCancelled, state.Run.Status)

	// Cancelling a terminal run fails.
	err = exec.Cancel(ctx, runID)
	var terr *errors.TerminalRunError
	assert.ErrorAs(t, err, &terr)
}

func TestStreamingExecution(t *testing.T) {
	store := newEventStore(t)
	client := &scriptedClient{script: respond("streamed draft")}
	exec := New(store, client, WithStreaming(true), WithRetryDelay(time.Millisecond))

	state, err := exec.Execute(context.Background(), parseTemplate(t, singleStepTemplate),
		map[string]any{"topic": "go"})
	require.NoError(t, err)
	assert.Equal(t, pipeline.RunStatusCompleted, state.Run.Status)
	assert.Equal(t, "streamed draft", state.Run.Outputs["draft"])
}

func TestAddFeedback(t *testing.T) {
	store := newEventStore(t)
	exec := New(store, &scriptedClient{script: respond("draft")})
	ctx := context.Background()

	runID, err := exec.CreateRun(ctx, parseTemplate(t, singleStepTemplate), map[string]any{"topic": "go"})
	require.NoError(t, err)
	require.NoError(t, exec.AddFeedback(ctx, runID, "draft", "tighten the intro"))

	state, err := store.State(ctx, runID)
	require.NoError(t, err)
	step := state.Run.Step("draft")
	require.NotNil(t, step)
	assert.Equal(t, "tighten the intro", step.UserFeedback)
}
