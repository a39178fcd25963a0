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

// Package executor orchestrates pipeline runs: it validates the template,
// drives steps in dependency order, renders prompts, dispatches LLM calls,
// and records every transition through the event store. Mutually
// independent steps run concurrently up to a configurable parallelism;
// pause and cancellation are observed at step boundaries.
package executor

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/writeit/writeit/internal/events"
	wlog "github.com/writeit/writeit/internal/log"
	"github.com/writeit/writeit/internal/transform"
	"github.com/writeit/writeit/pkg/errors"
	"github.com/writeit/writeit/pkg/llm"
	"github.com/writeit/writeit/pkg/pipeline"
)

// Defaults for the orchestration knobs.
const (
	DefaultConcurrency = 3
	DefaultStepTimeout = 5 * time.Minute
	DefaultRunTimeout  = 30 * time.Minute
)

// Executor runs pipelines for one workspace.
type Executor struct {
	events     *events.Store
	client     llm.Client
	transforms *transform.Executor
	validator  *pipeline.Validator
	logger     *slog.Logger
	tracer     trace.Tracer
	hub        *hub
	metrics    *metrics

	concurrency  int
	stepTimeout  time.Duration
	runTimeout   time.Duration
	streaming    bool
	samples      int
	defaultModel string
	globals      map[string]any
	retryDelay   time.Duration
	maxRetries   int
	now          func() time.Time

	mu      sync.Mutex
	control map[string]*runControl
}

// runControl carries the cooperative pause/cancel flags for an active run.
type runControl struct {
	mu     sync.Mutex
	pause  bool
	cancel bool
}

func (c *runControl) requestPause()  { c.mu.Lock(); c.pause = true; c.mu.Unlock() }
func (c *runControl) requestCancel() { c.mu.Lock(); c.cancel = true; c.mu.Unlock() }
func (c *runControl) paused() bool   { c.mu.Lock(); defer c.mu.Unlock(); return c.pause }
func (c *runControl) cancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancel
}

// Option configures an Executor.
type Option func(*Executor)

// WithConcurrency bounds how many mutually independent steps run at once.
func WithConcurrency(n int) Option {
	return func(e *Executor) { e.concurrency = n }
}

// WithStepTimeout sets the per-step execution budget.
func WithStepTimeout(d time.Duration) Option {
	return func(e *Executor) { e.stepTimeout = d }
}

// WithRunTimeout sets the whole-run execution budget.
func WithRunTimeout(d time.Duration) Option {
	return func(e *Executor) { e.runTimeout = d }
}

// WithStreaming makes llm_generate steps stream tokens to subscribers
// instead of blocking on a full completion.
func WithStreaming(streaming bool) Option {
	return func(e *Executor) { e.streaming = streaming }
}

// WithSamples asks for this many independent responses per generate step.
func WithSamples(n int) Option {
	return func(e *Executor) { e.samples = n }
}

// WithDefaultModel is the model used when a step has no preference list.
func WithDefaultModel(model string) Option {
	return func(e *Executor) { e.defaultModel = model }
}

// WithGlobals provides the global.* render namespace.
func WithGlobals(globals map[string]any) Option {
	return func(e *Executor) { e.globals = globals }
}

// WithValidator overrides the template validator.
func WithValidator(v *pipeline.Validator) Option {
	return func(e *Executor) { e.validator = v }
}

// WithLogger sets the executor's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) { e.logger = logger }
}

// WithRetryDelay sets the base backoff delay between step retries.
func WithRetryDelay(d time.Duration) Option {
	return func(e *Executor) { e.retryDelay = d }
}

// WithMaxRetries sets the per-step retry budget.
func WithMaxRetries(n int) Option {
	return func(e *Executor) { e.maxRetries = n }
}

// WithRegisterer registers executor metrics on the given registerer.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(e *Executor) { e.metrics = newMetrics(reg, e.events.Workspace()) }
}

// WithTracerProvider sets the tracer used for run and step spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Executor) { e.tracer = tp.Tracer("writeit/executor") }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// New creates an executor over the workspace's event store and LLM client.
// Wrap the client with cache.NewCachingClient and llm.NewRetryingClient
// before handing it in; the executor drives retries through events and
// expects the same cache key on every attempt.
func New(store *events.Store, client llm.Client, opts ...Option) *Executor {
	e := &Executor{
		events:      store,
		client:      client,
		transforms:  transform.NewExecutor(0, 0),
		validator:   pipeline.NewValidator(),
		logger:      slog.Default(),
		tracer:      otel.Tracer("writeit/executor"),
		concurrency: DefaultConcurrency,
		stepTimeout: DefaultStepTimeout,
		runTimeout:  DefaultRunTimeout,
		samples:     1,
		retryDelay:  100 * time.Millisecond,
		maxRetries:  pipeline.DefaultMaxRetries,
		now:         time.Now,
		control:     make(map[string]*runControl),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = wlog.WithComponent(e.logger, "executor")
	e.hub = newHub(e.logger, DefaultSubscriberBuffer)
	return e
}

// Subscribe registers a bounded progress channel for a run. Cancel it when
// done; the channel also closes when the run reaches a terminal state.
func (e *Executor) Subscribe(runID string) (<-chan Progress, func()) {
	return e.hub.subscribe(runID)
}

// CreateRun validates the template and inputs, then appends run_created.
// Validation failures are fail-fast: no events are written.
func (e *Executor) CreateRun(ctx context.Context, tmpl *pipeline.Template, inputs map[string]any) (string, error) {
	result := e.validator.Validate(tmpl)
	if !result.IsValid {
		return "", &pipeline.ValidationFailedError{TemplateID: tmpl.ID, Issues: result.ErrorIssues()}
	}
	if err := pipeline.ValidateInputs(tmpl, inputs); err != nil {
		return "", err
	}
	inputs = pipeline.ApplyInputDefaults(tmpl, inputs)

	runID := uuid.NewString()
	run := pipeline.NewRun(runID, tmpl.ID, e.events.Workspace(), inputs, e.now())
	if _, err := e.events.Append(ctx, runID, pipeline.EventRunCreated, &pipeline.RunCreatedData{Run: run}, nil); err != nil {
		return "", err
	}
	e.logger.Info("run created", "run_id", runID, "template", tmpl.ID)
	return runID, nil
}

// Execute runs a pipeline end to end: create, start, and drive every step.
// It returns the final folded state; a paused run (user_selection step)
// returns with status paused, to be continued via SelectResponse and Resume.
func (e *Executor) Execute(ctx context.Context, tmpl *pipeline.Template, inputs map[string]any) (*pipeline.State, error) {
	runID, err := e.CreateRun(ctx, tmpl, inputs)
	if err != nil {
		return nil, err
	}
	if _, err := e.events.Append(ctx, runID, pipeline.EventRunStarted, nil, nil); err != nil {
		return nil, err
	}
	return e.drive(ctx, tmpl, runID)
}

// Resume re-enters a paused run at the first pending step whose
// dependencies are satisfied.
func (e *Executor) Resume(ctx context.Context, tmpl *pipeline.Template, runID string) (*pipeline.State, error) {
	state, err := e.events.State(ctx, runID)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, &errors.NotFoundError{Resource: "run", ID: runID}
	}
	if state.Run.Status != pipeline.RunStatusPaused {
		return nil, &errors.ValidationError{
			Field:   "run",
			Message: fmt.Sprintf("run %s is %s, only paused runs resume", runID, state.Run.Status),
		}
	}
	if _, err := e.events.Append(ctx, runID, pipeline.EventRunResumed, nil, nil); err != nil {
		return nil, err
	}
	return e.drive(ctx, tmpl, runID)
}

// Pause requests a pause at the next step boundary of an active run.
func (e *Executor) Pause(runID string) {
	e.controlFor(runID).requestPause()
}

// Cancel requests cancellation. An active run observes the flag at the next
// step boundary; an idle (created or paused) run is cancelled immediately.
func (e *Executor) Cancel(ctx context.Context, runID string) error {
	e.mu.Lock()
	ctrl, active := e.control[runID]
	e.mu.Unlock()
	if active {
		ctrl.requestCancel()
		return nil
	}

	state, err := e.events.State(ctx, runID)
	if err != nil {
		return err
	}
	if state == nil {
		return &errors.NotFoundError{Resource: "run", ID: runID}
	}
	if state.Run.Status.Terminal() {
		return &errors.TerminalRunError{RunID: runID, Status: string(state.Run.Status)}
	}
	if _, err := e.events.Append(ctx, runID, pipeline.EventRunCancelled, nil, nil); err != nil {
		return err
	}
	e.publishTerminal(ctx, runID, ProgressRunCancelled, "")
	return nil
}

// SelectResponse records the user's choice for a user_selection step and
// completes it. The run stays paused; call Resume to continue.
func (e *Executor) SelectResponse(ctx context.Context, runID, stepKey, selected string) error {
	state, err := e.events.State(ctx, runID)
	if err != nil {
		return err
	}
	if state == nil {
		return &errors.NotFoundError{Resource: "run", ID: runID}
	}
	step := state.Run.Step(stepKey)
	if step == nil {
		return &errors.NotFoundError{Resource: "step", ID: stepKey}
	}
	if step.Status.Terminal() {
		return &errors.ValidationError{Field: "step", Message: fmt.Sprintf("step %s is already %s", stepKey, step.Status)}
	}
	if len(step.Responses) > 0 {
		found := false
		for _, r := range step.Responses {
			if r == selected {
				found = true
				break
			}
		}
		if !found {
			return &errors.ValidationError{
				Field:      "selected",
				Message:    "selected response is not among the step's responses",
				Suggestion: "pick one of the generated responses",
			}
		}
	}

	if _, err := e.events.Append(ctx, runID, pipeline.EventStepResponseSelected,
		&pipeline.StepResponseSelectedData{StepKey: stepKey, Selected: selected}, nil); err != nil {
		return err
	}
	elapsed := 0.0
	if step.StartedAt != nil {
		elapsed = e.now().Sub(*step.StartedAt).Seconds()
	}
	_, err = e.events.Append(ctx, runID, pipeline.EventStepCompleted,
		&pipeline.StepCompletedData{StepKey: stepKey, ExecutionTime: elapsed}, nil)
	return err
}

// AddFeedback attaches user feedback to a step.
func (e *Executor) AddFeedback(ctx context.Context, runID, stepKey, feedback string) error {
	_, err := e.events.Append(ctx, runID, pipeline.EventStepFeedbackAdded,
		&pipeline.StepFeedbackAddedData{StepKey: stepKey, Feedback: feedback}, nil)
	return err
}

func (e *Executor) controlFor(runID string) *runControl {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.control[runID]; !ok {
		e.control[runID] = &runControl{}
	}
	return e.control[runID]
}

func (e *Executor) dropControl(runID string) {
	e.mu.Lock()
	delete(e.control, runID)
	e.mu.Unlock()
}

// drive is the scheduling loop: fold state, find ready steps, dispatch a
// wave, repeat. Pause and cancel are observed between waves, so the
// currently running steps always finish before the run yields.
func (e *Executor) drive(ctx context.Context, tmpl *pipeline.Template, runID string) (*pipeline.State, error) {
	logger := wlog.WithRunContext(e.logger, runID, e.events.Workspace())
	ctrl := e.controlFor(runID)
	defer e.dropControl(runID)

	ctx, cancel := context.WithTimeout(ctx, e.runTimeout)
	defer cancel()

	ctx, span := e.tracer.Start(ctx, "pipeline.run",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("template.id", tmpl.ID),
		))
	defer span.End()

	start := e.now()
	for {
		state, err := e.events.State(ctx, runID)
		if err != nil {
			return nil, err
		}

		if ctrl.cancelled() {
			return e.finishCancelled(ctx, runID, logger)
		}
		if ctrl.paused() {
			return e.finishPaused(ctx, runID, logger)
		}

		ready := state.NextReadySteps(tmpl)
		if len(ready) == 0 {
			if len(state.Run.CompletedSteps()) == len(tmpl.StepKeys) {
				return e.finishCompleted(ctx, runID, state, logger, start)
			}
			// A step awaiting user selection blocks its dependents; the run
			// stays paused until SelectResponse completes it.
			if hasAwaitingSelection(tmpl, state) {
				return e.finishPaused(ctx, runID, logger)
			}
			return e.failRun(ctx, runID, logger,
				fmt.Errorf("no runnable steps: dependencies cannot be satisfied"))
		}

		// A user_selection step at the front of the wave pauses the run
		// for the caller to pick a response.
		if key := firstSelectionStep(tmpl, state, ready); key != "" {
			if err := e.beginSelection(ctx, tmpl, runID, state, key); err != nil {
				return nil, err
			}
			return e.finishPaused(ctx, runID, logger)
		}

		if err := e.dispatchWave(ctx, tmpl, runID, ready); err != nil {
			if stderrors.Is(err, context.Canceled) && ctrl.cancelled() {
				return e.finishCancelled(ctx, runID, logger)
			}
			return e.failRun(ctx, runID, logger, err)
		}
	}
}

// hasAwaitingSelection reports whether a user_selection step is running,
// meaning it started but no response has been selected yet.
func hasAwaitingSelection(tmpl *pipeline.Template, state *pipeline.State) bool {
	for i := range state.Run.Steps {
		step := &state.Run.Steps[i]
		if step.Status == pipeline.StepStatusRunning && tmpl.Steps[step.StepKey].Type == pipeline.StepTypeUserSelection {
			return true
		}
	}
	return false
}

// firstSelectionStep returns the first ready user_selection step that has
// not yet started, or empty.
func firstSelectionStep(tmpl *pipeline.Template, state *pipeline.State, ready []string) string {
	for _, key := range ready {
		if tmpl.Steps[key].Type != pipeline.StepTypeUserSelection {
			continue
		}
		step := state.Run.Step(key)
		if step == nil || step.Status == pipeline.StepStatusPending {
			return key
		}
	}
	return ""
}

// beginSelection starts a user_selection step: its candidate responses are
// the outputs of its dependencies, and the run pauses until one is chosen.
func (e *Executor) beginSelection(ctx context.Context, tmpl *pipeline.Template, runID string, state *pipeline.State, stepKey string) error {
	var responses []string
	for _, dep := range tmpl.Steps[stepKey].DependsOn {
		if step := state.Run.Step(dep); step != nil {
			responses = append(responses, step.Responses...)
		}
	}

	if _, err := e.events.Append(ctx, runID, pipeline.EventStepStarted,
		&pipeline.StepStartedData{StepKey: stepKey, MaxRetries: e.maxRetries}, nil); err != nil {
		return err
	}
	if len(responses) > 0 {
		if _, err := e.events.Append(ctx, runID, pipeline.EventStepResponseGenerated,
			&pipeline.StepResponseGeneratedData{StepKey: stepKey, Responses: responses}, nil); err != nil {
			return err
		}
	}
	e.publishStep(ctx, runID, stepKey, tmpl, ProgressStepStart, pipeline.StepStatusRunning)
	return nil
}

// dispatchWave runs the ready steps concurrently, bounded by concurrency.
func (e *Executor) dispatchWave(ctx context.Context, tmpl *pipeline.Template, runID string, ready []string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for _, key := range ready {
		key := key
		g.Go(func() error {
			return e.runStep(gctx, tmpl, runID, key)
		})
	}
	return g.Wait()
}

// runStep executes one step with retries. Every attempt emits step_started;
// a retryable failure within budget emits step_retried and backs off; the
// final failure emits step_failed.
func (e *Executor) runStep(ctx context.Context, tmpl *pipeline.Template, runID, stepKey string) error {
	logger := wlog.WithStepContext(e.logger, runID, stepKey)
	spec := tmpl.Steps[stepKey]

	retryCount := 0
	if state, err := e.events.State(ctx, runID); err == nil && state != nil {
		if step := state.Run.Step(stepKey); step != nil {
			retryCount = step.RetryCount
		}
	}

	for {
		if _, err := e.events.Append(ctx, runID, pipeline.EventStepStarted,
			&pipeline.StepStartedData{StepKey: stepKey, MaxRetries: e.maxRetries}, nil); err != nil {
			return err
		}
		e.publishStep(ctx, runID, stepKey, tmpl, ProgressStepStart, pipeline.StepStatusRunning)

		start := e.now()
		responses, model, usage, err := e.executeStep(ctx, tmpl, runID, stepKey, &spec)
		elapsed := e.now().Sub(start)

		if err == nil {
			if _, err := e.events.Append(ctx, runID, pipeline.EventStepResponseGenerated,
				&pipeline.StepResponseGeneratedData{StepKey: stepKey, Responses: responses, Model: model}, nil); err != nil {
				return err
			}
			tokens := map[string]int{}
			if usage.Total > 0 && model != "" {
				tokens[model] = usage.Total
			}
			if _, err := e.events.Append(ctx, runID, pipeline.EventStepCompleted,
				&pipeline.StepCompletedData{StepKey: stepKey, ExecutionTime: elapsed.Seconds(), TokensUsed: tokens}, nil); err != nil {
				return err
			}
			e.metrics.recordStep(string(pipeline.StepStatusCompleted), elapsed)
			e.metrics.recordTokens(usage.Total)
			e.publishStep(ctx, runID, stepKey, tmpl, ProgressStepComplete, pipeline.StepStatusCompleted)
			logger.Info("step completed", wlog.Duration(wlog.DurationKey, elapsed.Milliseconds()))
			return nil
		}

		stepTimedOut := stderrors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil
		if stepTimedOut {
			err = &errors.TimeoutError{Operation: "pipeline step", Duration: e.stepTimeout, Cause: err}
		}
		runTimedOut := stderrors.Is(ctx.Err(), context.DeadlineExceeded)
		if runTimedOut {
			err = &errors.TimeoutError{Operation: "pipeline run", Duration: e.runTimeout, Cause: err}
		}

		// Timeout budgets are final: a timed-out step is not retried.
		if !stepTimedOut && !runTimedOut && errors.Retryable(err) && retryCount < e.maxRetries {
			retryCount++
			if _, aerr := e.events.Append(ctx, runID, pipeline.EventStepRetried,
				&pipeline.StepRetriedData{StepKey: stepKey, RetryCount: retryCount}, nil); aerr != nil {
				return aerr
			}
			logger.Warn("step retrying", "retry_count", retryCount, wlog.Error(err))
			select {
			case <-time.After(e.backoff(retryCount)):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		// The failure record must persist even when the run deadline that
		// caused it has already expired.
		if _, aerr := e.events.Append(context.WithoutCancel(ctx), runID, pipeline.EventStepFailed,
			&pipeline.StepFailedData{StepKey: stepKey, Error: err.Error()}, nil); aerr != nil {
			return aerr
		}
		e.metrics.recordStep(string(pipeline.StepStatusFailed), elapsed)
		logger.Error("step failed", wlog.Error(err), "retry_count", retryCount)
		return &errors.StepExecutionError{
			RunID:      runID,
			StepKey:    stepKey,
			Message:    err.Error(),
			RetryCount: retryCount,
			Cause:      err,
		}
	}
}

// backoff is exponential in the retry count: delay * 2^(n-1).
func (e *Executor) backoff(retryCount int) time.Duration {
	d := e.retryDelay
	for i := 1; i < retryCount; i++ {
		d *= 2
	}
	return d
}

// executeStep performs the work of one attempt and returns the responses,
// the model used, and token usage.
func (e *Executor) executeStep(ctx context.Context, tmpl *pipeline.Template, runID, stepKey string, spec *pipeline.StepSpec) ([]string, string, llm.TokenUsage, error) {
	ctx, cancel := context.WithTimeout(ctx, e.stepTimeout)
	defer cancel()

	ctx, span := e.tracer.Start(ctx, "pipeline.step",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("step.key", stepKey),
			attribute.String("step.type", string(spec.Type)),
		))
	defer span.End()

	state, err := e.events.State(ctx, runID)
	if err != nil {
		return nil, "", llm.TokenUsage{}, err
	}
	renderCtx := e.buildContext(tmpl, state)

	if spec.Type == pipeline.StepTypeTransform {
		out, err := e.transforms.ExecuteToString(ctx, spec.PromptTemplate, contextAsData(renderCtx))
		if err != nil {
			return nil, "", llm.TokenUsage{}, err
		}
		return []string{out}, "", llm.TokenUsage{}, nil
	}

	renderer := pipeline.NewRenderer(pipeline.RenderStrict)
	rendered, err := renderer.Render(spec.PromptTemplate, renderCtx)
	if err != nil {
		return nil, "", llm.TokenUsage{}, err
	}

	model, err := e.selectModel(spec, tmpl)
	if err != nil {
		return nil, "", llm.TokenUsage{}, err
	}

	req := llm.Request{
		Prompt:  rendered.Text,
		Model:   model,
		Context: map[string]any{"template": tmpl.ID, "step": stepKey},
		Samples: e.samples,
		Metadata: map[string]string{
			"run_id":   runID,
			"step_key": stepKey,
		},
	}

	if e.streaming && spec.Type == pipeline.StepTypeLLMGenerate {
		return e.streamCompletion(ctx, runID, stepKey, req)
	}

	resp, err := e.client.Complete(ctx, req)
	if err != nil {
		return nil, model, llm.TokenUsage{}, err
	}
	responses := resp.Responses
	if len(responses) == 0 {
		responses = []string{resp.Text}
	}
	return responses, model, resp.Usage, nil
}

// streamCompletion consumes a token stream, forwarding chunks to progress
// subscribers, and returns the concatenated text.
func (e *Executor) streamCompletion(ctx context.Context, runID, stepKey string, req llm.Request) ([]string, string, llm.TokenUsage, error) {
	chunks, err := e.client.Stream(ctx, req)
	if err != nil {
		return nil, req.Model, llm.TokenUsage{}, err
	}

	var (
		text  string
		usage llm.TokenUsage
	)
	for chunk := range chunks {
		if chunk.Err != nil {
			return nil, req.Model, usage, chunk.Err
		}
		if chunk.Delta != "" {
			text += chunk.Delta
			e.hub.publish(Progress{
				Type:    ProgressTokenChunk,
				RunID:   runID,
				StepKey: stepKey,
				Chunk:   chunk.Delta,
			})
		}
		if chunk.Final {
			if chunk.Text != "" {
				text = chunk.Text
			}
			if chunk.Usage != nil {
				usage = *chunk.Usage
			}
		}
	}
	return []string{text}, req.Model, usage, nil
}

// selectModel resolves the step's preference list, falling back to the
// executor's default model.
func (e *Executor) selectModel(spec *pipeline.StepSpec, tmpl *pipeline.Template) (string, error) {
	prefs := spec.ModelPreference
	if len(prefs) == 0 {
		if e.defaultModel != "" {
			return e.defaultModel, nil
		}
		prefs = []string{"{{ defaults.model }}"}
	}
	model, err := llm.SelectModel(prefs, tmpl.Defaults)
	if err != nil && e.defaultModel != "" {
		return e.defaultModel, nil
	}
	return model, err
}

// buildContext assembles the render context from run inputs, completed step
// outputs, template defaults, and globals.
func (e *Executor) buildContext(tmpl *pipeline.Template, state *pipeline.State) *pipeline.RenderContext {
	ctx := pipeline.NewRenderContext()
	ctx.Inputs = state.Run.Inputs
	ctx.Defaults = tmpl.Defaults
	ctx.Global = e.globals
	for i := range state.Run.Steps {
		step := &state.Run.Steps[i]
		if step.Status == pipeline.StepStatusCompleted {
			ctx.SetStepOutput(step.StepKey, step.Responses, step.SelectedResponse)
		}
	}
	return ctx
}

// contextAsData flattens a render context into the JSON-shaped input for
// transform expressions.
func contextAsData(ctx *pipeline.RenderContext) map[string]any {
	return map[string]any{
		"inputs":   ctx.Inputs,
		"steps":    ctx.Steps,
		"defaults": ctx.Defaults,
		"global":   ctx.Global,
	}
}

func (e *Executor) finishCompleted(ctx context.Context, runID string, state *pipeline.State, logger *slog.Logger, start time.Time) (*pipeline.State, error) {
	if _, err := e.events.Append(ctx, runID, pipeline.EventRunCompleted,
		&pipeline.RunCompletedData{Outputs: state.Run.Outputs}, nil); err != nil {
		return nil, err
	}
	e.metrics.recordRun(string(pipeline.RunStatusCompleted))
	logger.Info("run completed", wlog.Duration(wlog.DurationKey, e.now().Sub(start).Milliseconds()))
	e.publishTerminal(ctx, runID, ProgressRunComplete, "")
	return e.events.State(ctx, runID)
}

func (e *Executor) finishCancelled(ctx context.Context, runID string, logger *slog.Logger) (*pipeline.State, error) {
	if _, err := e.events.Append(ctx, runID, pipeline.EventRunCancelled, nil, nil); err != nil {
		return nil, err
	}
	e.metrics.recordRun(string(pipeline.RunStatusCancelled))
	logger.Info("run cancelled")
	e.publishTerminal(ctx, runID, ProgressRunCancelled, "")
	return e.events.State(ctx, runID)
}

func (e *Executor) finishPaused(ctx context.Context, runID string, logger *slog.Logger) (*pipeline.State, error) {
	state, err := e.events.State(ctx, runID)
	if err != nil {
		return nil, err
	}
	if state.Run.Status != pipeline.RunStatusPaused {
		if _, err := e.events.Append(ctx, runID, pipeline.EventRunPaused, nil, nil); err != nil {
			return nil, err
		}
		state, err = e.events.State(ctx, runID)
		if err != nil {
			return nil, err
		}
	}
	logger.Info("run paused")
	e.hub.publish(Progress{Type: ProgressRunPaused, RunID: runID, State: state})
	return state, nil
}

// failRun records the run-level failure and returns the causing error.
// The terminal event is appended on a deadline-detached context so a run
// timeout cannot leave the log non-terminal.
func (e *Executor) failRun(ctx context.Context, runID string, logger *slog.Logger, cause error) (*pipeline.State, error) {
	ctx = context.WithoutCancel(ctx)
	if _, err := e.events.Append(ctx, runID, pipeline.EventRunFailed,
		&pipeline.RunFailedData{Error: cause.Error()}, nil); err != nil {
		logger.Error("failed to record run failure", wlog.Error(err))
	}
	e.metrics.recordRun(string(pipeline.RunStatusFailed))
	logger.Error("run failed", wlog.Error(cause))
	e.publishTerminal(ctx, runID, ProgressRunFailed, cause.Error())
	return nil, cause
}

// publishStep emits a step progress message with the step's index in the
// template's declaration order.
func (e *Executor) publishStep(ctx context.Context, runID, stepKey string, tmpl *pipeline.Template, ptype ProgressType, status pipeline.StepStatus) {
	index := 0
	for i, key := range tmpl.StepKeys {
		if key == stepKey {
			index = i
			break
		}
	}
	state, _ := e.events.State(ctx, runID)
	e.hub.publish(Progress{
		Type:      ptype,
		RunID:     runID,
		StepIndex: index,
		StepKey:   stepKey,
		Status:    status,
		State:     state,
	})
}

// publishTerminal emits the run's terminal progress message and closes all
// subscriber channels.
func (e *Executor) publishTerminal(ctx context.Context, runID string, ptype ProgressType, errMsg string) {
	state, _ := e.events.State(ctx, runID)
	e.hub.publish(Progress{Type: ptype, RunID: runID, Error: errMsg, State: state})
	e.hub.closeRun(runID)
}
