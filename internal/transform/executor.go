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

// Package transform evaluates jq expressions for transform pipeline steps.
// A transform step's prompt_template field holds the expression; the input
// is the step's rendered context (inputs, upstream step outputs, defaults).
package transform

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/itchyny/gojq"

	"github.com/writeit/writeit/pkg/errors"
)

const (
	// DefaultTimeout bounds a single expression's execution.
	DefaultTimeout = 1 * time.Second

	// DefaultMaxInputSize bounds the JSON-encoded input (10MB).
	DefaultMaxInputSize = 10 * 1024 * 1024
)

// Executor evaluates jq expressions with timeout and input-size limits.
type Executor struct {
	timeout      time.Duration
	maxInputSize int64
}

// NewExecutor creates an executor. Zero values select the defaults.
func NewExecutor(timeout time.Duration, maxInputSize int64) *Executor {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	if maxInputSize == 0 {
		maxInputSize = DefaultMaxInputSize
	}
	return &Executor{timeout: timeout, maxInputSize: maxInputSize}
}

// Execute runs an expression against data. An empty expression passes the
// data through unchanged. Multiple jq outputs come back as a list.
func (e *Executor) Execute(ctx context.Context, expression string, data any) (any, error) {
	if expression == "" {
		return data, nil
	}
	if err := e.checkInputSize(data); err != nil {
		return nil, err
	}

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, &errors.ValidationError{
			Field:   "prompt_template",
			Message: fmt.Sprintf("invalid jq expression: %v", err),
		}
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, &errors.ValidationError{
			Field:   "prompt_template",
			Message: fmt.Sprintf("jq compilation failed: %v", err),
		}
	}

	execCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	resultCh := make(chan any, 1)
	errCh := make(chan error, 1)
	go func() {
		iter := code.RunWithContext(execCtx, data)
		var results []any
		for {
			v, ok := iter.Next()
			if !ok {
				break
			}
			if err, isErr := v.(error); isErr {
				errCh <- err
				return
			}
			results = append(results, v)
		}
		switch len(results) {
		case 0:
			resultCh <- nil
		case 1:
			resultCh <- results[0]
		default:
			resultCh <- results
		}
	}()

	select {
	case result := <-resultCh:
		return result, nil
	case err := <-errCh:
		// gojq reports context expiry through the iterator.
		if execCtx.Err() != nil {
			return nil, &errors.TimeoutError{Operation: "transform", Duration: e.timeout}
		}
		return nil, err
	case <-execCtx.Done():
		return nil, &errors.TimeoutError{Operation: "transform", Duration: e.timeout}
	}
}

// ExecuteToString runs an expression and renders the result as the step's
// textual output: strings pass through, everything else is JSON-encoded.
func (e *Executor) ExecuteToString(ctx context.Context, expression string, data any) (string, error) {
	result, err := e.Execute(ctx, expression, data)
	if err != nil {
		return "", err
	}
	if result == nil {
		return "", nil
	}
	if s, ok := result.(string); ok {
		return s, nil
	}
	out, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("failed to encode transform result: %w", err)
	}
	return string(out), nil
}

// Validate compiles an expression without running it; used at template
// validation time to catch syntax errors early.
func (e *Executor) Validate(expression string) error {
	if expression == "" {
		return nil
	}
	query, err := gojq.Parse(expression)
	if err != nil {
		return fmt.Errorf("invalid jq expression: %w", err)
	}
	if _, err := gojq.Compile(query); err != nil {
		return fmt.Errorf("jq compilation failed: %w", err)
	}
	return nil
}

func (e *Executor) checkInputSize(data any) error {
	encoded, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal transform input: %w", err)
	}
	if int64(len(encoded)) > e.maxInputSize {
		return fmt.Errorf("transform input size %d exceeds %d bytes", len(encoded), e.maxInputSize)
	}
	return nil
}
