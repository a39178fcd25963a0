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

// Package events implements the append-only per-run event log.
//
// Events live in the pipeline_events sub-database under keys of the form
// event_{run_id}_{sequence:06d}; the zero-padded sequence number makes
// lexicographic iteration chronological. Sequence numbers are dense and
// start at 1. After a terminal event (run_completed, run_failed,
// run_cancelled) only state_snapshot events may follow.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/writeit/writeit/internal/storage"
	"github.com/writeit/writeit/pkg/errors"
	"github.com/writeit/writeit/pkg/pipeline"
)

// DefaultSnapshotEvery is the automatic snapshot cadence in events.
const DefaultSnapshotEvery = 100

// eventBatchSize bounds how many events one storage read materializes.
const eventBatchSize = 100

// Store is the event log for one workspace.
type Store struct {
	kv        *storage.Store
	workspace string
	logger    *slog.Logger

	snapshotEvery int

	// appendMu serializes the whole read-assign-commit-update cycle of an
	// append. Without it a concurrent append on the same run could read the
	// warm counter before the prior append publishes its update and assign a
	// duplicate sequence number.
	appendMu sync.Mutex

	mu            sync.Mutex
	lastSeq       map[string]uint64             // last assigned sequence per run
	terminalType  map[string]pipeline.EventType // terminal event type per run, if any
	lastSnapshot  map[string]uint64             // sequence of the latest snapshot per run
	sinceSnapshot map[string]int                // events appended since the last snapshot
}

// Option configures a Store.
type Option func(*Store)

// WithSnapshotEvery overrides the automatic snapshot cadence.
// Zero disables cadence-based snapshots; terminal snapshots still happen.
func WithSnapshotEvery(n int) Option {
	return func(s *Store) { s.snapshotEvery = n }
}

// WithLogger sets the store's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// New creates an event store over the workspace's KV store.
func New(kv *storage.Store, workspace string, opts ...Option) *Store {
	s := &Store{
		kv:            kv,
		workspace:     workspace,
		logger:        slog.Default(),
		snapshotEvery: DefaultSnapshotEvery,
		lastSeq:       make(map[string]uint64),
		terminalType:  make(map[string]pipeline.EventType),
		lastSnapshot:  make(map[string]uint64),
		sinceSnapshot: make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "events", "workspace", workspace)
	return s
}

// Workspace returns the workspace this store belongs to.
func (s *Store) Workspace() string {
	return s.workspace
}

func eventKey(runID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("event_%s_%06d", runID, seq))
}

func runPrefix(runID string) []byte {
	return []byte(fmt.Sprintf("event_%s_", runID))
}

// parseSeq extracts the sequence number from an event key.
func parseSeq(key []byte) (uint64, error) {
	k := string(key)
	idx := strings.LastIndexByte(k, '_')
	if idx < 0 {
		return 0, fmt.Errorf("malformed event key %q", k)
	}
	seq, err := strconv.ParseUint(k[idx+1:], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed event key %q: %w", k, err)
	}
	return seq, nil
}

// Append atomically assigns the next sequence number for the run, persists
// the event, and updates the run index. It fails with TerminalRunError when
// the run's last non-snapshot event is terminal; state_snapshot events are
// exempt so a terminal run can still be snapshotted.
func (s *Store) Append(ctx context.Context, runID string, eventType pipeline.EventType, payload any, metadata map[string]any) (*pipeline.Event, error) {
	event, err := pipeline.NewEvent(runID, eventType, payload, metadata)
	if err != nil {
		return nil, err
	}
	if err := s.appendEvent(ctx, event); err != nil {
		return nil, err
	}

	s.maybeSnapshot(ctx, runID, eventType)
	return event, nil
}

func (s *Store) appendEvent(ctx context.Context, event *pipeline.Event) error {
	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	runID := event.RunID

	err := s.kv.Transaction(ctx, func(txn *storage.Txn) error {
		lastSeq, termType, err := s.runPosition(ctx, txn, runID)
		if err != nil {
			return err
		}

		if termType != "" && event.EventType != pipeline.EventStateSnapshot {
			return &errors.TerminalRunError{RunID: runID, Status: terminalStatus(termType)}
		}
		if lastSeq == 0 && event.EventType != pipeline.EventRunCreated {
			return fmt.Errorf("first event for run %s must be run_created, got %s", runID, event.EventType)
		}
		if lastSeq > 0 && event.EventType == pipeline.EventRunCreated {
			return fmt.Errorf("run %s already created", runID)
		}

		event.SequenceNumber = lastSeq + 1
		data, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("failed to marshal event: %w", err)
		}
		if err := txn.Put(ctx, storage.SubDBEvents, eventKey(runID, event.SequenceNumber), data); err != nil {
			return err
		}
		return s.updateRunIndex(ctx, txn, event)
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.lastSeq[runID] = event.SequenceNumber
	if event.EventType.Terminal() {
		s.terminalType[runID] = event.EventType
	}
	if event.EventType == pipeline.EventStateSnapshot {
		s.lastSnapshot[runID] = event.SequenceNumber
		s.sinceSnapshot[runID] = 0
	} else {
		s.sinceSnapshot[runID]++
	}
	s.mu.Unlock()

	s.logger.Debug("event appended",
		"run_id", runID,
		"event_type", string(event.EventType),
		"sequence", event.SequenceNumber)
	return nil
}

// runPosition returns the run's last sequence number and its terminal event
// type (empty when not terminal). The in-memory counters are authoritative
// once warm; cold runs are rebuilt from the log inside the transaction.
func (s *Store) runPosition(ctx context.Context, txn *storage.Txn, runID string) (uint64, pipeline.EventType, error) {
	s.mu.Lock()
	seq, warm := s.lastSeq[runID]
	term := s.terminalType[runID]
	s.mu.Unlock()
	if warm {
		return seq, term, nil
	}

	lastKey, err := txn.MaxKey(ctx, storage.SubDBEvents, runPrefix(runID))
	if err != nil {
		return 0, "", err
	}
	if lastKey == nil {
		return 0, "", nil
	}
	seq, err = parseSeq(lastKey)
	if err != nil {
		return 0, "", err
	}

	// The last key can be a snapshot; walk back until a non-snapshot event
	// settles the terminal question.
	for at := seq; at >= 1; at-- {
		data, ok, err := txn.Get(ctx, storage.SubDBEvents, eventKey(runID, at))
		if err != nil {
			return 0, "", err
		}
		if !ok {
			break
		}
		var event pipeline.Event
		if err := json.Unmarshal(data, &event); err != nil {
			return 0, "", fmt.Errorf("%w: event %d of run %s", errors.ErrCorruption, at, runID)
		}
		if event.EventType == pipeline.EventStateSnapshot {
			continue
		}
		if event.EventType.Terminal() {
			return seq, event.EventType, nil
		}
		break
	}
	return seq, "", nil
}

func terminalStatus(t pipeline.EventType) string {
	switch t {
	case pipeline.EventRunCompleted:
		return string(pipeline.RunStatusCompleted)
	case pipeline.EventRunFailed:
		return string(pipeline.RunStatusFailed)
	case pipeline.EventRunCancelled:
		return string(pipeline.RunStatusCancelled)
	}
	return string(t)
}

// maybeSnapshot writes an automatic snapshot after a terminal event and
// every snapshotEvery events.
func (s *Store) maybeSnapshot(ctx context.Context, runID string, appended pipeline.EventType) {
	if appended == pipeline.EventStateSnapshot {
		return
	}

	s.mu.Lock()
	due := appended.Terminal() || (s.snapshotEvery > 0 && s.sinceSnapshot[runID] >= s.snapshotEvery)
	s.mu.Unlock()
	if !due {
		return
	}

	if _, err := s.Snapshot(ctx, runID); err != nil {
		// Snapshots only shorten replay; losing one is not fatal.
		s.logger.Warn("automatic snapshot failed", "run_id", runID, "error", err)
	}
}

// Events returns the run's events with sequence >= fromSeq, in order.
// Reads stream from storage in bounded batches.
func (s *Store) Events(ctx context.Context, runID string, fromSeq uint64) ([]*pipeline.Event, error) {
	var out []*pipeline.Event
	err := s.EachEvent(ctx, runID, fromSeq, func(event *pipeline.Event) (bool, error) {
		out = append(out, event)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// EachEvent streams the run's events with sequence >= fromSeq to fn, in
// order, loading at most eventBatchSize events per storage read. fn returns
// false to stop early.
func (s *Store) EachEvent(ctx context.Context, runID string, fromSeq uint64, fn func(*pipeline.Event) (bool, error)) error {
	if fromSeq < 1 {
		fromSeq = 1
	}

	next := fromSeq
	for {
		batch := make([]*pipeline.Event, 0, eventBatchSize)
		err := s.kv.Scan(ctx, storage.SubDBEvents, runPrefix(runID), func(key, value []byte) (bool, error) {
			seq, err := parseSeq(key)
			if err != nil {
				s.logger.Warn("skipping malformed event key", "run_id", runID, "key", string(key))
				return true, nil
			}
			if seq < next {
				return true, nil
			}
			var event pipeline.Event
			if err := json.Unmarshal(value, &event); err != nil {
				s.logger.Warn("skipping undecodable event", "run_id", runID, "sequence", seq, "error", err)
				return true, nil
			}
			batch = append(batch, &event)
			return len(batch) < eventBatchSize, nil
		})
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		for _, event := range batch {
			more, err := fn(event)
			if err != nil {
				return err
			}
			if !more {
				return nil
			}
		}
		next = batch[len(batch)-1].SequenceNumber + 1
	}
}

// State folds the run's event log to its current state, starting from the
// latest snapshot when one is known. Returns nil when the run has no events.
func (s *Store) State(ctx context.Context, runID string) (*pipeline.State, error) {
	s.mu.Lock()
	fromSeq := s.lastSnapshot[runID]
	s.mu.Unlock()

	evs, err := s.Events(ctx, runID, fromSeq)
	if err != nil {
		return nil, err
	}
	if len(evs) == 0 && fromSeq > 1 {
		// Stale snapshot pointer; replay the full log.
		evs, err = s.Events(ctx, runID, 1)
		if err != nil {
			return nil, err
		}
	}
	return pipeline.Fold(evs, s.logger)
}

// StateAt replays the run up to the given version (sequence number).
func (s *Store) StateAt(ctx context.Context, runID string, version uint64) (*pipeline.State, error) {
	var evs []*pipeline.Event
	err := s.EachEvent(ctx, runID, 1, func(event *pipeline.Event) (bool, error) {
		if event.SequenceNumber > version {
			return false, nil
		}
		evs = append(evs, event)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return pipeline.Fold(evs, s.logger)
}

// Snapshot folds the run's current state and appends it as a state_snapshot
// event, shortening future replays.
func (s *Store) Snapshot(ctx context.Context, runID string) (*pipeline.Event, error) {
	state, err := s.State(ctx, runID)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, &errors.NotFoundError{Resource: "run", ID: runID}
	}

	event, err := pipeline.NewEvent(runID, pipeline.EventStateSnapshot, &pipeline.StateSnapshotData{State: state}, nil)
	if err != nil {
		return nil, err
	}
	if err := s.appendEvent(ctx, event); err != nil {
		return nil, err
	}
	s.logger.Debug("snapshot written", "run_id", runID, "sequence", event.SequenceNumber, "state_version", state.Version)
	return event, nil
}

// runIndexRecord is the listing entry kept in the pipeline_runs sub-database.
type runIndexRecord struct {
	ID         string    `json:"id"`
	TemplateID string    `json:"template_id,omitempty"`
	Workspace  string    `json:"workspace,omitempty"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func runIndexKey(runID string) []byte {
	return []byte("run_" + runID)
}

// updateRunIndex keeps the pipeline_runs listing entry current. Called
// inside the append transaction so the index never disagrees with the log.
func (s *Store) updateRunIndex(ctx context.Context, txn *storage.Txn, event *pipeline.Event) error {
	var rec runIndexRecord
	data, ok, err := txn.Get(ctx, storage.SubDBRuns, runIndexKey(event.RunID))
	if err != nil {
		return err
	}
	if ok {
		if err := json.Unmarshal(data, &rec); err != nil {
			rec = runIndexRecord{ID: event.RunID, CreatedAt: event.Timestamp}
		}
	} else {
		rec = runIndexRecord{ID: event.RunID, CreatedAt: event.Timestamp}
	}

	switch event.EventType {
	case pipeline.EventRunCreated:
		var payload pipeline.RunCreatedData
		if err := json.Unmarshal(event.Data, &payload); err == nil && payload.Run != nil {
			rec.TemplateID = payload.Run.TemplateID
			rec.Workspace = payload.Run.Workspace
		}
		rec.Status = string(pipeline.RunStatusCreated)
	case pipeline.EventRunStarted, pipeline.EventRunResumed:
		rec.Status = string(pipeline.RunStatusRunning)
	case pipeline.EventRunPaused:
		rec.Status = string(pipeline.RunStatusPaused)
	case pipeline.EventRunCompleted:
		rec.Status = string(pipeline.RunStatusCompleted)
	case pipeline.EventRunFailed:
		rec.Status = string(pipeline.RunStatusFailed)
	case pipeline.EventRunCancelled:
		rec.Status = string(pipeline.RunStatusCancelled)
	default:
		// Step events do not change the listing status.
	}
	rec.UpdatedAt = event.Timestamp

	out, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal run index: %w", err)
	}
	return txn.Put(ctx, storage.SubDBRuns, runIndexKey(event.RunID), out)
}

// RunInfo is a listing entry for one run.
type RunInfo struct {
	ID         string
	TemplateID string
	Workspace  string
	Status     pipeline.RunStatus
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Runs lists all runs in the workspace, ordered by run id.
func (s *Store) Runs(ctx context.Context) ([]RunInfo, error) {
	var out []RunInfo
	err := s.kv.Scan(ctx, storage.SubDBRuns, []byte("run_"), func(key, value []byte) (bool, error) {
		var rec runIndexRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			s.logger.Warn("skipping undecodable run index entry", "key", string(key))
			return true, nil
		}
		out = append(out, RunInfo{
			ID:         rec.ID,
			TemplateID: rec.TemplateID,
			Workspace:  rec.Workspace,
			Status:     pipeline.RunStatus(rec.Status),
			CreatedAt:  rec.CreatedAt,
			UpdatedAt:  rec.UpdatedAt,
		})
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Branch forks a run at a version into a new event log under the derived
// run id <run>@<branch>. The branch starts with its own run_created event
// carrying the forked run, followed by a snapshot of the branch state.
// Branch merging is not supported.
func (s *Store) Branch(ctx context.Context, runID, name string, version uint64) (string, error) {
	if name == "" || strings.ContainsAny(name, "@_") {
		return "", &errors.ValidationError{Field: "branch", Message: fmt.Sprintf("invalid branch name %q", name)}
	}

	state, err := s.StateAt(ctx, runID, version)
	if err != nil {
		return "", err
	}
	if state == nil {
		return "", &errors.NotFoundError{Resource: "run", ID: runID}
	}

	branchID := runID + "@" + name
	branchState := state.Branch(name)
	branchState.Run.ID = branchID

	if _, err := s.Append(ctx, branchID, pipeline.EventRunCreated, &pipeline.RunCreatedData{Run: branchState.Run}, map[string]any{
		"branched_from": runID,
		"parent_version": version,
	}); err != nil {
		return "", err
	}
	s.logger.Info("run branched", "run_id", runID, "branch", name, "parent_version", version)
	return branchID, nil
}
