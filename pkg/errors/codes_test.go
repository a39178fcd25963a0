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

package errors

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

type selfCodedError struct{}

func (selfCodedError) Error() string     { return "self coded" }
func (selfCodedError) ErrorCode() string { return "CUSTOM_CODE" }

type temporaryError struct{ temp bool }

func (e temporaryError) Error() string   { return "temporary" }
func (e temporaryError) Temporary() bool { return e.temp }

func TestCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"validation", &ValidationError{Field: "topic", Message: "missing"}, CodeInputValidation},
		{"model unavailable", &ModelUnavailableError{Model: "m"}, CodeModelUnavailable},
		{"provider", &ProviderError{Provider: "anthropic", StatusCode: 500}, CodeLLMProvider},
		{"rate limited", &RateLimitedError{Provider: "anthropic"}, CodeLLMProvider},
		{"context too large", &ContextTooLargeError{Model: "m"}, CodeLLMProvider},
		{"isolation", &IsolationError{Workspace: "w", Path: ".."}, CodeIsolation},
		{"terminal run", &TerminalRunError{RunID: "r"}, CodeTerminalRun},
		{"cache", &CacheError{Op: "get"}, CodeCache},
		{"storage", &StorageError{Op: "put"}, CodeStorage},
		{"storage sentinel", fmt.Errorf("put: %w", ErrStorageFull), CodeStorage},
		{"timeout", &TimeoutError{Operation: "step"}, CodeTimeout},
		{"step execution", &StepExecutionError{RunID: "r", StepKey: "s"}, CodeStepExecution},
		{"unknown", fmt.Errorf("mystery"), CodeStepExecution},
		{"wrapped validation", fmt.Errorf("outer: %w", &ValidationError{Message: "m"}), CodeInputValidation},
		{"cancelled", context.Canceled, CodeCancelled},
		{"deadline", context.DeadlineExceeded, CodeTimeout},
		{"self coded", selfCodedError{}, "CUSTOM_CODE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Code(tt.err))
		})
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"rate limited", &RateLimitedError{Provider: "anthropic"}, true},
		{"timeout", &TimeoutError{Operation: "llm"}, true},
		{"transaction aborted", fmt.Errorf("append: %w", ErrTransactionAborted), true},
		{"provider 500", &ProviderError{StatusCode: 500}, true},
		{"provider 503", &ProviderError{StatusCode: 503}, true},
		{"provider 429", &ProviderError{StatusCode: 429}, true},
		{"provider 400", &ProviderError{StatusCode: 400}, false},
		{"provider 401", &ProviderError{StatusCode: 401}, false},
		{"validation", &ValidationError{Message: "bad"}, false},
		{"isolation", &IsolationError{Workspace: "w"}, false},
		{"context too large", &ContextTooLargeError{Model: "m"}, false},
		{"cancelled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, false},
		{"temporary true", temporaryError{temp: true}, true},
		{"temporary false", temporaryError{temp: false}, false},
		{"plain", fmt.Errorf("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Retryable(tt.err))
		})
	}
}

func TestWrapHelpers(t *testing.T) {
	assert.Nil(t, Wrap(nil, "context"))
	assert.Nil(t, Wrapf(nil, "context %d", 1))

	base := &ValidationError{Message: "bad"}
	wrapped := Wrap(base, "loading template")
	assert.Contains(t, wrapped.Error(), "loading template")

	var verr *ValidationError
	assert.True(t, As(wrapped, &verr))
}
