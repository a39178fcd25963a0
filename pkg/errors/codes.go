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
	"errors"
)

// Stable string identifiers surfaced to callers for UI mapping.
// These never change once published.
const (
	CodePipelineValidation = "PIPELINE_VALIDATION_ERROR"
	CodeInputValidation    = "INPUT_VALIDATION_ERROR"
	CodeStepExecution      = "STEP_EXECUTION_ERROR"
	CodeLLMProvider        = "LLM_PROVIDER_ERROR"
	CodeModelUnavailable   = "MODEL_UNAVAILABLE"
	CodeCache              = "CACHE_ERROR"
	CodeStorage            = "STORAGE_ERROR"
	CodeIsolation          = "ISOLATION_VIOLATION"
	CodeTerminalRun        = "TERMINAL_RUN"
	CodeTimeout            = "TIMEOUT"
	CodeCancelled          = "CANCELLED"
)

// Code maps an error to its stable string identifier.
// Unknown errors map to STEP_EXECUTION_ERROR, the most generic
// execution-side code; nil maps to the empty string.
func Code(err error) string {
	if err == nil {
		return ""
	}

	if errors.Is(err, context.Canceled) {
		return CodeCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}

	// Errors outside this package carry their own code.
	var coded interface{ ErrorCode() string }
	if errors.As(err, &coded) {
		return coded.ErrorCode()
	}

	var (
		validationErr  *ValidationError
		providerErr    *ProviderError
		modelErr       *ModelUnavailableError
		ctxTooLarge    *ContextTooLargeError
		rateLimitedErr *RateLimitedError
		cacheErr       *CacheError
		storageErr     *StorageError
		isolationErr   *IsolationError
		terminalErr    *TerminalRunError
		timeoutErr     *TimeoutError
		stepErr        *StepExecutionError
	)

	switch {
	case errors.As(err, &validationErr):
		return CodeInputValidation
	case errors.As(err, &modelErr):
		return CodeModelUnavailable
	case errors.As(err, &ctxTooLarge), errors.As(err, &rateLimitedErr), errors.As(err, &providerErr):
		return CodeLLMProvider
	case errors.As(err, &isolationErr):
		return CodeIsolation
	case errors.As(err, &terminalErr):
		return CodeTerminalRun
	case errors.As(err, &cacheErr):
		return CodeCache
	case errors.As(err, &storageErr),
		errors.Is(err, ErrStorageFull),
		errors.Is(err, ErrTransactionAborted),
		errors.Is(err, ErrCorruption):
		return CodeStorage
	case errors.As(err, &timeoutErr):
		return CodeTimeout
	case errors.As(err, &stepErr):
		return CodeStepExecution
	default:
		return CodeStepExecution
	}
}

// Retryable reports whether an error may succeed on a later attempt.
// Retryable: provider 5xx/429, explicit rate limiting, timeouts, aborted
// transactions, and errors implementing Temporary() bool. Validation,
// isolation, context-too-large, and cancellation are never retryable.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var ctxTooLarge *ContextTooLargeError
	if errors.As(err, &ctxTooLarge) {
		return false
	}
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return false
	}
	var isolationErr *IsolationError
	if errors.As(err, &isolationErr) {
		return false
	}

	var rateLimitedErr *RateLimitedError
	if errors.As(err, &rateLimitedErr) {
		return true
	}
	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		return true
	}
	if errors.Is(err, ErrTransactionAborted) {
		return true
	}

	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr.StatusCode >= 500 || providerErr.StatusCode == 429
	}

	type temporary interface {
		Temporary() bool
	}
	var temp temporary
	if errors.As(err, &temp) {
		return temp.Temporary()
	}

	return false
}
