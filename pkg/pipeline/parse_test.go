package pipeline

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vardasoft/antfarm/pkg/models"
)

func TestParseOutput(t *testing.T) {
	tests := []struct {
		name           string
		output         string
		expectedFields map[string]string
		expectedJSON   string
	}{
		{
			name:           "single field",
			output:         "SUMMARY: did the thing",
			expectedFields: map[string]string{"summary": "did the thing"},
		},
		{
			name:   "multiple fields lowercased",
			output: "STATUS: ok\nDETAIL: all clear",
			expectedFields: map[string]string{
				"status": "ok",
				"detail": "all clear",
			},
		},
		{
			name:   "multi-line value accumulates until next KEY: at column 0",
			output: "SUMMARY: line one\nstill summary\nDETAIL: other field",
			expectedFields: map[string]string{
				"summary": "line one\nstill summary",
				"detail":  "other field",
			},
		},
		{
			name:           "leading prose before the first key is discarded",
			output:         "some preamble the worker printed\nSTATUS: ok",
			expectedFields: map[string]string{"status": "ok"},
		},
		{
			name:           "STORIES_JSON is excluded from Fields",
			output:         "STATUS: ok\nSTORIES_JSON: [{\"id\":\"s1\"}]",
			expectedFields: map[string]string{"status": "ok"},
			expectedJSON:   `[{"id":"s1"}]`,
		},
		{
			name:   "STORIES_JSON value spans multiple lines",
			output: "STORIES_JSON: [\n{\"id\":\"s1\"}\n]",
			expectedFields: map[string]string{},
			expectedJSON:   "[\n{\"id\":\"s1\"}\n]",
		},
		{
			name:           "empty output",
			output:         "",
			expectedFields: map[string]string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseOutput(tt.output)
			assert.Equal(t, tt.expectedFields, got.Fields)
			assert.Equal(t, tt.expectedJSON, got.StoriesJSON)
		})
	}
}

func validStory(id string) models.StoryPayload {
	return models.StoryPayload{
		ID:                 id,
		Title:              "Title " + id,
		Description:        "Description " + id,
		AcceptanceCriteria: []string{"it works"},
	}
}

func TestParseStoriesJSON(t *testing.T) {
	t.Run("valid payload round-trips", func(t *testing.T) {
		raw := `[{"id":"s1","title":"T","description":"D","acceptanceCriteria":["works"]}]`
		got, err := ParseStoriesJSON(raw)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "s1", got[0].ID)
		assert.Equal(t, []string{"works"}, got[0].Criteria())
	})

	t.Run("accepts the acceptance_criteria alias key", func(t *testing.T) {
		raw := `[{"id":"s1","title":"T","description":"D","acceptance_criteria":["works"]}]`
		got, err := ParseStoriesJSON(raw)
		require.NoError(t, err)
		assert.Equal(t, []string{"works"}, got[0].Criteria())
	})

	t.Run("invalid JSON is rejected", func(t *testing.T) {
		_, err := ParseStoriesJSON("not json")
		assert.Error(t, err)
	})

	t.Run("empty list is rejected", func(t *testing.T) {
		_, err := ParseStoriesJSON("[]")
		assert.Error(t, err)
	})

	t.Run("20 stories accepted, 21 rejected", func(t *testing.T) {
		var sb strings.Builder
		sb.WriteString("[")
		for i := 0; i < 20; i++ {
			if i > 0 {
				sb.WriteString(",")
			}
			fmt.Fprintf(&sb, `{"id":"s%d","title":"T","description":"D","acceptanceCriteria":["works"]}`, i)
		}
		sb.WriteString("]")
		_, err := ParseStoriesJSON(sb.String())
		require.NoError(t, err)

		sb.Reset()
		sb.WriteString("[")
		for i := 0; i < 21; i++ {
			if i > 0 {
				sb.WriteString(",")
			}
			fmt.Fprintf(&sb, `{"id":"s%d","title":"T","description":"D","acceptanceCriteria":["works"]}`, i)
		}
		sb.WriteString("]")
		_, err = ParseStoriesJSON(sb.String())
		assert.Error(t, err)
	})

	t.Run("duplicate story ids rejected", func(t *testing.T) {
		raw := `[{"id":"s1","title":"T","description":"D","acceptanceCriteria":["works"]},` +
			`{"id":"s1","title":"T2","description":"D2","acceptanceCriteria":["works"]}]`
		_, err := ParseStoriesJSON(raw)
		assert.Error(t, err)
	})

	t.Run("missing acceptance criteria rejected", func(t *testing.T) {
		raw := `[{"id":"s1","title":"T","description":"D"}]`
		_, err := ParseStoriesJSON(raw)
		assert.Error(t, err)
	})
}
