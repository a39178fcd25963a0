package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/writeit/writeit/pkg/errors"
)

func TestSelectModel(t *testing.T) {
	defaults := map[string]any{
		"model": "claude-sonnet",
		"models": map[string]any{
			"fast": "claude-haiku",
		},
	}

	tests := []struct {
		name        string
		preferences []string
		want        string
	}{
		{
			name:        "literal model id",
			preferences: []string{"gpt-large"},
			want:        "gpt-large",
		},
		{
			name:        "defaults placeholder",
			preferences: []string{"{{ defaults.model }}"},
			want:        "claude-sonnet",
		},
		{
			name:        "nested defaults path",
			preferences: []string{"{{ defaults.models.fast }}"},
			want:        "claude-haiku",
		},
		{
			name:        "unresolvable preference skipped",
			preferences: []string{"{{ defaults.missing }}", "fallback-model"},
			want:        "fallback-model",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SelectModel(tt.preferences, defaults)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSelectModelExhausted(t *testing.T) {
	_, err := SelectModel([]string{"{{ defaults.missing }}", "{{ defaults.also.missing }}"}, nil)
	require.Error(t, err)

	var merr *errors.ModelUnavailableError
	require.ErrorAs(t, err, &merr)
	assert.Contains(t, merr.Model, "defaults.missing")
}

func TestSelectModelEmptyPreferences(t *testing.T) {
	_, err := SelectModel(nil, nil)
	require.Error(t, err)
}
