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

package transform

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/writeit/writeit/pkg/errors"
)

func TestExecute(t *testing.T) {
	e := NewExecutor(0, 0)

	tests := []struct {
		name       string
		expression string
		data       any
		want       any
	}{
		{
			name:       "identity",
			expression: ".",
			data:       map[string]any{"a": float64(1)},
			want:       map[string]any{"a": float64(1)},
		},
		{
			name:       "field access",
			expression: ".steps.outline.selected",
			data:       map[string]any{"steps": map[string]any{"outline": map[string]any{"selected": "O"}}},
			want:       "O",
		},
		{
			name:       "string interpolation",
			expression: `"title: \(.title)"`,
			data:       map[string]any{"title": "Go"},
			want:       "title: Go",
		},
		{
			name:       "array map",
			expression: "[.items[] | ascii_upcase]",
			data:       map[string]any{"items": []any{"a", "b"}},
			want:       []any{"A", "B"},
		},
		{
			name:       "empty expression passes data through",
			expression: "",
			data:       map[string]any{"x": true},
			want:       map[string]any{"x": true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Execute(context.Background(), tt.expression, tt.data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExecuteInvalidExpression(t *testing.T) {
	e := NewExecutor(0, 0)
	_, err := e.Execute(context.Background(), ".foo[", nil)
	require.Error(t, err)

	var verr *errors.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestExecuteTimeout(t *testing.T) {
	e := NewExecutor(50*time.Millisecond, 0)

	// An unbounded recursion never produces a value within the budget.
	_, err := e.Execute(context.Background(), "def loop: loop; loop", nil)
	require.Error(t, err)

	var terr *errors.TimeoutError
	assert.ErrorAs(t, err, &terr)
}

func TestExecuteInputSizeLimit(t *testing.T) {
	e := NewExecutor(0, 16)
	_, err := e.Execute(context.Background(), ".", map[string]any{"key": "a value larger than sixteen bytes"})
	require.Error(t, err)
}

func TestExecuteToString(t *testing.T) {
	e := NewExecutor(0, 0)

	out, err := e.ExecuteToString(context.Background(), ".name", map[string]any{"name": "WriteIt"})
	require.NoError(t, err)
	assert.Equal(t, "WriteIt", out)

	out, err = e.ExecuteToString(context.Background(), "{n: .name}", map[string]any{"name": "WriteIt"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":"WriteIt"}`, out)
}

func TestValidate(t *testing.T) {
	e := NewExecutor(0, 0)
	assert.NoError(t, e.Validate(".a | length"))
	assert.Error(t, e.Validate(".a |"))
}
