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
	"errors"
	"fmt"
	"time"
)

// ValidationError represents user input validation failures.
// Use this for invalid run inputs, malformed values, or constraint violations.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// NotFoundError represents a resource not found error.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "run", "template", "workspace")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ProviderError represents LLM provider failures.
// Provider errors with a 5xx or 429 status are considered retryable.
type ProviderError struct {
	// Provider is the name of the LLM provider (e.g., "anthropic", "openai")
	Provider string

	// StatusCode is the HTTP status code (if applicable)
	StatusCode int

	// Message is the human-readable error message
	Message string

	// Suggestion provides actionable guidance for resolution
	Suggestion string

	// RequestID correlates this error with provider logs
	RequestID string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("provider %s error", e.Provider)
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s [HTTP %d]", msg, e.StatusCode)
	}
	msg = fmt.Sprintf("%s: %s", msg, e.Message)
	if e.RequestID != "" {
		msg = fmt.Sprintf("%s (request-id: %s)", msg, e.RequestID)
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// ModelUnavailableError indicates the requested model cannot serve the
// request. The caller should fall through to the next model preference.
type ModelUnavailableError struct {
	// Model is the model identifier that was unavailable
	Model string

	// Provider is the provider that rejected the model (if known)
	Provider string
}

// Error implements the error interface.
func (e *ModelUnavailableError) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("model %s unavailable on provider %s", e.Model, e.Provider)
	}
	return fmt.Sprintf("model %s unavailable", e.Model)
}

// ContextTooLargeError indicates the prompt exceeded the model's context
// window. Never retried: the same inputs produce the same failure.
type ContextTooLargeError struct {
	// Model is the model whose context window was exceeded
	Model string

	// Message describes the limit violation
	Message string
}

// Error implements the error interface.
func (e *ContextTooLargeError) Error() string {
	return fmt.Sprintf("context too large for model %s: %s", e.Model, e.Message)
}

// RateLimitedError indicates the provider throttled the request.
// Retryable with backoff.
type RateLimitedError struct {
	// Provider is the provider that throttled the request
	Provider string

	// RetryAfter is the provider-suggested wait, zero if unknown
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("provider %s rate limited, retry after %v", e.Provider, e.RetryAfter)
	}
	return fmt.Sprintf("provider %s rate limited", e.Provider)
}

// StepExecutionError describes a step failure surfaced to callers.
// The run's event log remains the ground truth of what happened.
type StepExecutionError struct {
	// RunID is the run the step belongs to
	RunID string

	// StepKey identifies the failed step
	StepKey string

	// Message is the failure description
	Message string

	// RetryCount is how many retries were attempted before giving up
	RetryCount int

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("step %s failed in run %s: %s", e.StepKey, e.RunID, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *StepExecutionError) Unwrap() error {
	return e.Cause
}

// StorageError represents infrastructure failures in the storage engine.
type StorageError struct {
	// Op is the storage operation that failed (e.g., "put", "commit")
	Op string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s failed: %v", e.Op, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *StorageError) Unwrap() error {
	return e.Cause
}

// Storage failure classes. Callers retry ErrTransactionAborted; ErrStorageFull
// is fatal for the write and surfaced with guidance to grow the map size;
// ErrCorruption requires workspace repair.
var (
	ErrStorageFull        = errors.New("storage full")
	ErrTransactionAborted = errors.New("transaction aborted")
	ErrCorruption         = errors.New("storage corruption detected")
)

// CacheError represents failures in the LLM response cache.
// Cache errors are advisory: a failed cache operation never fails the run.
type CacheError struct {
	// Op is the cache operation that failed (e.g., "get", "put")
	Op string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *CacheError) Error() string {
	return fmt.Sprintf("cache %s failed: %v", e.Op, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *CacheError) Unwrap() error {
	return e.Cause
}

// IsolationError indicates an attempted access outside a workspace root.
// Always fatal, never retried, logged as a security event.
type IsolationError struct {
	// Workspace is the workspace whose boundary was violated
	Workspace string

	// Path is the offending path
	Path string
}

// Error implements the error interface.
func (e *IsolationError) Error() string {
	return fmt.Sprintf("path %q escapes workspace %q", e.Path, e.Workspace)
}

// TerminalRunError indicates an append was attempted on a run whose last
// event is terminal (completed, failed, or cancelled).
type TerminalRunError struct {
	// RunID is the run that is already terminal
	RunID string

	// Status is the terminal status recorded for the run
	Status string
}

// Error implements the error interface.
func (e *TerminalRunError) Error() string {
	return fmt.Sprintf("run %s is terminal (%s): no further events may be appended", e.RunID, e.Status)
}

// TimeoutError represents operation timeouts.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "LLM request", "pipeline step")
	Operation string

	// Duration is how long the operation ran before timing out
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s operation timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}
