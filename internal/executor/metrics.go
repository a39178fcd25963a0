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
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// metrics holds the executor's instrumentation. All fields are nil until a
// registerer is configured; callers must nil-check before recording.
type metrics struct {
	runsTotal    *prometheus.CounterVec
	stepsTotal   *prometheus.CounterVec
	stepDuration prometheus.Histogram
	llmTokens    prometheus.Counter
}

// newMetrics creates and registers the executor metric set.
// Per-instance registries keep concurrent executors and tests apart.
func newMetrics(reg prometheus.Registerer, workspace string) *metrics {
	labels := prometheus.Labels{"workspace": workspace}
	m := &metrics{
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "writeit_executor_runs_total", Help: "Pipeline runs by terminal status.", ConstLabels: labels,
		}, []string{"status"}),
		stepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "writeit_executor_steps_total", Help: "Pipeline steps by terminal status.", ConstLabels: labels,
		}, []string{"status"}),
		stepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "writeit_executor_step_duration_seconds", Help: "Wall-clock step duration.", ConstLabels: labels,
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		llmTokens: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "writeit_executor_llm_tokens_total", Help: "Total tokens consumed by LLM calls.", ConstLabels: labels,
		}),
	}
	reg.MustRegister(m.runsTotal, m.stepsTotal, m.stepDuration, m.llmTokens)
	return m
}

func (m *metrics) recordRun(status string) {
	if m == nil {
		return
	}
	m.runsTotal.WithLabelValues(status).Inc()
}

func (m *metrics) recordStep(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.stepsTotal.WithLabelValues(status).Inc()
	m.stepDuration.Observe(duration.Seconds())
}

func (m *metrics) recordTokens(total int) {
	if m == nil || total <= 0 {
		return
	}
	m.llmTokens.Add(float64(total))
}
