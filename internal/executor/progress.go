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
	"log/slog"
	"sync"

	"github.com/writeit/writeit/pkg/pipeline"
)

// ProgressType tags a progress message.
type ProgressType string

const (
	ProgressStepStart    ProgressType = "step_start"
	ProgressStepComplete ProgressType = "step_complete"
	ProgressTokenChunk   ProgressType = "token_chunk"
	ProgressRunComplete  ProgressType = "run_complete"
	ProgressRunFailed    ProgressType = "run_failed"
	ProgressRunCancelled ProgressType = "run_cancelled"
	ProgressRunPaused    ProgressType = "run_paused"
)

// Progress is one tagged message delivered to run subscribers.
type Progress struct {
	Type      ProgressType
	RunID     string
	StepIndex int
	StepKey   string
	Status    pipeline.StepStatus

	// Chunk carries streamed token text for token_chunk messages.
	Chunk string

	// Error carries the failure message for run_failed.
	Error string

	// State is a snapshot of the accumulated run state at publish time.
	State *pipeline.State
}

// DefaultSubscriberBuffer is the bounded channel size per subscriber.
const DefaultSubscriberBuffer = 256

// subscriber is one bounded progress channel.
type subscriber struct {
	ch     chan Progress
	lagged bool
}

// hub fans progress messages out to per-run subscribers. Channels are
// bounded; when a subscriber falls behind, its oldest non-token message is
// dropped and a lagging_subscriber warning is recorded once. Token chunks
// block instead of dropping.
type hub struct {
	logger *slog.Logger
	buffer int

	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]*subscriber
}

func newHub(logger *slog.Logger, buffer int) *hub {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	return &hub{
		logger: logger,
		buffer: buffer,
		subs:   make(map[string]map[int]*subscriber),
	}
}

// subscribe registers a progress channel for a run. The returned cancel
// function unregisters and closes it.
func (h *hub) subscribe(runID string) (<-chan Progress, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.subs[runID] == nil {
		h.subs[runID] = make(map[int]*subscriber)
	}
	id := h.nextID
	h.nextID++
	sub := &subscriber{ch: make(chan Progress, h.buffer)}
	h.subs[runID][id] = sub

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if s, ok := h.subs[runID][id]; ok {
			delete(h.subs[runID], id)
			close(s.ch)
		}
	}
	return sub.ch, cancel
}

// publish delivers a message to every subscriber of the run.
func (h *hub) publish(p Progress) {
	h.mu.Lock()
	subs := make([]*subscriber, 0, len(h.subs[p.RunID]))
	for _, sub := range h.subs[p.RunID] {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		if p.Type == ProgressTokenChunk {
			// Token chunks are never dropped.
			sub.ch <- p
			continue
		}
		select {
		case sub.ch <- p:
		default:
			// Drop the oldest message to make room.
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- p:
			default:
			}
			h.mu.Lock()
			first := !sub.lagged
			sub.lagged = true
			h.mu.Unlock()
			if first {
				h.logger.Warn("lagging_subscriber", "run_id", p.RunID)
			}
		}
	}
}

// closeRun closes and removes every subscriber of a finished run.
func (h *hub) closeRun(runID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, sub := range h.subs[runID] {
		delete(h.subs[runID], id)
		close(sub.ch)
	}
	delete(h.subs, runID)
}
