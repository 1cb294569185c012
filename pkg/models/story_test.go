package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validPayload(id string) StoryPayload {
	return StoryPayload{
		ID:                 id,
		Title:              "Title",
		Description:        "Description",
		AcceptanceCriteria: []string{"works"},
	}
}

func TestStoryPayload_Criteria(t *testing.T) {
	t.Run("prefers camelCase key", func(t *testing.T) {
		p := StoryPayload{AcceptanceCriteria: []string{"a"}, AcceptanceCriteria_: []string{"b"}}
		assert.Equal(t, []string{"a"}, p.Criteria())
	})

	t.Run("falls back to snake_case alias", func(t *testing.T) {
		p := StoryPayload{AcceptanceCriteria_: []string{"b"}}
		assert.Equal(t, []string{"b"}, p.Criteria())
	})

	t.Run("nil when neither set", func(t *testing.T) {
		p := StoryPayload{}
		assert.Empty(t, p.Criteria())
	})
}

func TestValidateStoryPayloads(t *testing.T) {
	t.Run("rejects an empty list", func(t *testing.T) {
		err := ValidateStoryPayloads(nil)
		assert.Error(t, err)
	})

	t.Run("accepts a single valid story", func(t *testing.T) {
		err := ValidateStoryPayloads([]StoryPayload{validPayload("s1")})
		require.NoError(t, err)
	})

	t.Run("accepts exactly MaxStoriesPerRun stories", func(t *testing.T) {
		payloads := make([]StoryPayload, MaxStoriesPerRun)
		for i := range payloads {
			payloads[i] = validPayload(string(rune('a' + i)))
		}
		assert.NoError(t, ValidateStoryPayloads(payloads))
	})

	t.Run("rejects one story over the max", func(t *testing.T) {
		payloads := make([]StoryPayload, MaxStoriesPerRun+1)
		for i := range payloads {
			payloads[i] = validPayload(string(rune('a' + i)))
		}
		err := ValidateStoryPayloads(payloads)
		assert.Error(t, err)
	})

	t.Run("rejects a missing id", func(t *testing.T) {
		p := validPayload("")
		err := ValidateStoryPayloads([]StoryPayload{p})
		assert.Error(t, err)
	})

	t.Run("rejects a missing title", func(t *testing.T) {
		p := validPayload("s1")
		p.Title = ""
		err := ValidateStoryPayloads([]StoryPayload{p})
		assert.Error(t, err)
	})

	t.Run("rejects a missing description", func(t *testing.T) {
		p := validPayload("s1")
		p.Description = ""
		err := ValidateStoryPayloads([]StoryPayload{p})
		assert.Error(t, err)
	})

	t.Run("rejects empty acceptance criteria", func(t *testing.T) {
		p := validPayload("s1")
		p.AcceptanceCriteria = nil
		err := ValidateStoryPayloads([]StoryPayload{p})
		assert.Error(t, err)
	})

	t.Run("rejects duplicate ids", func(t *testing.T) {
		err := ValidateStoryPayloads([]StoryPayload{validPayload("s1"), validPayload("s1")})
		assert.Error(t, err)
	})
}
