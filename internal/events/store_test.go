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

package events

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/writeit/writeit/internal/storage"
	"github.com/writeit/writeit/pkg/errors"
	"github.com/writeit/writeit/pkg/pipeline"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	kv, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })
	return New(kv, "default", opts...)
}

func createRun(t *testing.T, s *Store, runID string) {
	t.Helper()
	run := pipeline.NewRun(runID, "article-pipeline", s.Workspace(), map[string]any{"topic": "go"}, time.Now())
	_, err := s.Append(context.Background(), runID, pipeline.EventRunCreated, &pipeline.RunCreatedData{Run: run}, nil)
	require.NoError(t, err)
}

func TestAppendAssignsDenseSequences(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createRun(t, s, "run-1")

	for i, eventType := range []pipeline.EventType{
		pipeline.EventRunStarted,
		pipeline.EventStepStarted,
		pipeline.EventStepCompleted,
	} {
		var payload any
		switch eventType {
		case pipeline.EventStepStarted:
			payload = &pipeline.StepStartedData{StepKey: "draft"}
		case pipeline.EventStepCompleted:
			payload = &pipeline.StepCompletedData{StepKey: "draft"}
		}
		event, err := s.Append(ctx, "run-1", eventType, payload, nil)
		require.NoError(t, err)
		assert.Equal(t, uint64(i+2), event.SequenceNumber)
	}

	evs, err := s.Events(ctx, "run-1", 1)
	require.NoError(t, err)
	require.Len(t, evs, 4)
	for i, event := range evs {
		assert.Equal(t, uint64(i+1), event.SequenceNumber)
		assert.Equal(t, "run-1", event.RunID)
	}
}

func TestConcurrentAppendsKeepSequencesDense(t *testing.T) {
	s := newTestStore(t, WithSnapshotEvery(0))
	ctx := context.Background()
	createRun(t, s, "run-1")

	const writers = 24
	var wg sync.WaitGroup
	appendErrs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := s.Append(ctx, "run-1", pipeline.EventStepFeedbackAdded,
				&pipeline.StepFeedbackAddedData{StepKey: "draft", Feedback: fmt.Sprintf("note %d", n)}, nil)
			appendErrs <- err
		}(i)
	}
	wg.Wait()
	close(appendErrs)
	for err := range appendErrs {
		require.NoError(t, err)
	}

	// No duplicate sequence number may have overwritten an earlier event.
	evs, err := s.Events(ctx, "run-1", 1)
	require.NoError(t, err)
	require.Len(t, evs, writers+1)
	for i, event := range evs {
		assert.Equal(t, uint64(i+1), event.SequenceNumber)
	}
}

func TestAppendRequiresRunCreatedFirst(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Append(context.Background(), "run-x", pipeline.EventRunStarted, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run_created")
}

func TestAppendRejectsDuplicateRunCreated(t *testing.T) {
	s := newTestStore(t)
	createRun(t, s, "run-1")

	run := pipeline.NewRun("run-1", "tmpl", "default", nil, time.Now())
	_, err := s.Append(context.Background(), "run-1", pipeline.EventRunCreated, &pipeline.RunCreatedData{Run: run}, nil)
	require.Error(t, err)
}

func TestTerminalEventClosesLog(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createRun(t, s, "run-1")

	_, err := s.Append(ctx, "run-1", pipeline.EventRunStarted, nil, nil)
	require.NoError(t, err)
	_, err = s.Append(ctx, "run-1", pipeline.EventRunCancelled, nil, nil)
	require.NoError(t, err)

	_, err = s.Append(ctx, "run-1", pipeline.EventStepStarted, &pipeline.StepStartedData{StepKey: "draft"}, nil)
	require.Error(t, err)

	var terr *errors.TerminalRunError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "run-1", terr.RunID)
	assert.Equal(t, string(pipeline.RunStatusCancelled), terr.Status)
}

func TestTerminalGuardSurvivesRestart(t *testing.T) {
	kv, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	defer kv.Close()
	ctx := context.Background()

	s := New(kv, "default")
	createRun(t, s, "run-1")
	_, err = s.Append(ctx, "run-1", pipeline.EventRunStarted, nil, nil)
	require.NoError(t, err)
	_, err = s.Append(ctx, "run-1", pipeline.EventRunCompleted, &pipeline.RunCompletedData{}, nil)
	require.NoError(t, err)

	// A fresh store has cold counters and must rebuild them from the log,
	// including looking past the terminal snapshot.
	fresh := New(kv, "default")
	_, err = fresh.Append(ctx, "run-1", pipeline.EventRunStarted, nil, nil)
	var terr *errors.TerminalRunError
	require.ErrorAs(t, err, &terr)
}

func TestTerminalRunSnapshotsAutomatically(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createRun(t, s, "run-1")

	_, err := s.Append(ctx, "run-1", pipeline.EventRunCompleted, &pipeline.RunCompletedData{}, nil)
	require.NoError(t, err)

	evs, err := s.Events(ctx, "run-1", 1)
	require.NoError(t, err)
	require.Len(t, evs, 3)
	assert.Equal(t, pipeline.EventStateSnapshot, evs[2].EventType)
}

func TestSnapshotCadence(t *testing.T) {
	s := newTestStore(t, WithSnapshotEvery(3))
	ctx := context.Background()
	createRun(t, s, "run-1")

	_, err := s.Append(ctx, "run-1", pipeline.EventRunStarted, nil, nil)
	require.NoError(t, err)
	_, err = s.Append(ctx, "run-1", pipeline.EventStepStarted, &pipeline.StepStartedData{StepKey: "draft"}, nil)
	require.NoError(t, err)

	evs, err := s.Events(ctx, "run-1", 1)
	require.NoError(t, err)
	require.Len(t, evs, 4, "third event triggers a snapshot")
	assert.Equal(t, pipeline.EventStateSnapshot, evs[3].EventType)

	state, err := s.State(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, pipeline.RunStatusRunning, state.Run.Status)
}

func TestStateFoldsLog(t *testing.T) {
	s := newTestStore(t, WithSnapshotEvery(0))
	ctx := context.Background()
	createRun(t, s, "run-1")

	_, err := s.Append(ctx, "run-1", pipeline.EventRunStarted, nil, nil)
	require.NoError(t, err)
	_, err = s.Append(ctx, "run-1", pipeline.EventStepStarted, &pipeline.StepStartedData{StepKey: "draft"}, nil)
	require.NoError(t, err)
	_, err = s.Append(ctx, "run-1", pipeline.EventStepResponseGenerated, &pipeline.StepResponseGeneratedData{StepKey: "draft", Responses: []string{"text"}}, nil)
	require.NoError(t, err)
	_, err = s.Append(ctx, "run-1", pipeline.EventStepCompleted, &pipeline.StepCompletedData{StepKey: "draft"}, nil)
	require.NoError(t, err)

	state, err := s.State(ctx, "run-1")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, uint64(5), state.Version)
	assert.Equal(t, "text", state.Run.Outputs["draft"])

	// A state for an unknown run is nil, not an error.
	state, err = s.State(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestStateAt(t *testing.T) {
	s := newTestStore(t, WithSnapshotEvery(0))
	ctx := context.Background()
	createRun(t, s, "run-1")

	_, err := s.Append(ctx, "run-1", pipeline.EventRunStarted, nil, nil)
	require.NoError(t, err)
	_, err = s.Append(ctx, "run-1", pipeline.EventRunCompleted, &pipeline.RunCompletedData{}, nil)
	require.NoError(t, err)

	state, err := s.StateAt(ctx, "run-1", 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), state.Version)
	assert.Equal(t, pipeline.RunStatusRunning, state.Run.Status)

	state, err = s.StateAt(ctx, "run-1", 3)
	require.NoError(t, err)
	assert.Equal(t, pipeline.RunStatusCompleted, state.Run.Status)
}

func TestEachEventEarlyStop(t *testing.T) {
	s := newTestStore(t, WithSnapshotEvery(0))
	ctx := context.Background()
	createRun(t, s, "run-1")
	_, err := s.Append(ctx, "run-1", pipeline.EventRunStarted, nil, nil)
	require.NoError(t, err)

	count := 0
	err = s.EachEvent(ctx, "run-1", 1, func(*pipeline.Event) (bool, error) {
		count++
		return false, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestRunsListing(t *testing.T) {
	s := newTestStore(t, WithSnapshotEvery(0))
	ctx := context.Background()

	createRun(t, s, "run-a")
	createRun(t, s, "run-b")
	_, err := s.Append(ctx, "run-b", pipeline.EventRunStarted, nil, nil)
	require.NoError(t, err)
	_, err = s.Append(ctx, "run-b", pipeline.EventRunFailed, &pipeline.RunFailedData{Error: "boom"}, nil)
	require.NoError(t, err)

	runs, err := s.Runs(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	assert.Equal(t, "run-a", runs[0].ID)
	assert.Equal(t, pipeline.RunStatusCreated, runs[0].Status)
	assert.Equal(t, "article-pipeline", runs[0].TemplateID)

	assert.Equal(t, "run-b", runs[1].ID)
	assert.Equal(t, pipeline.RunStatusFailed, runs[1].Status)
}

func TestBranch(t *testing.T) {
	s := newTestStore(t, WithSnapshotEvery(0))
	ctx := context.Background()
	createRun(t, s, "run-1")

	_, err := s.Append(ctx, "run-1", pipeline.EventRunStarted, nil, nil)
	require.NoError(t, err)
	_, err = s.Append(ctx, "run-1", pipeline.EventStepStarted, &pipeline.StepStartedData{StepKey: "draft"}, nil)
	require.NoError(t, err)

	branchID, err := s.Branch(ctx, "run-1", "alt", 2)
	require.NoError(t, err)
	assert.Equal(t, "run-1@alt", branchID)

	// The branch starts at version 1 with the state as of the fork point.
	state, err := s.State(ctx, branchID)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, branchID, state.Run.ID)
	assert.Equal(t, pipeline.RunStatusRunning, state.Run.Status)
	assert.Empty(t, state.Run.Steps, "the fork point predates the step")

	// The parent log is untouched.
	evs, err := s.Events(ctx, "run-1", 1)
	require.NoError(t, err)
	assert.Len(t, evs, 3)

	// Branch events carry lineage metadata.
	branchEvents, err := s.Events(ctx, branchID, 1)
	require.NoError(t, err)
	require.Len(t, branchEvents, 1)
	assert.Equal(t, "run-1", branchEvents[0].Metadata["branched_from"])
}

func TestBranchRejectsBadNames(t *testing.T) {
	s := newTestStore(t)
	createRun(t, s, "run-1")

	for _, name := range []string{"", "has@at", "has_underscore"} {
		_, err := s.Branch(context.Background(), "run-1", name, 1)
		require.Error(t, err, "branch name %q", name)
	}
}

func TestBranchUnknownRun(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Branch(context.Background(), "missing", "alt", 1)
	require.Error(t, err)

	var nerr *errors.NotFoundError
	assert.ErrorAs(t, err, &nerr)
}
