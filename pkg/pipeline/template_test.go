package pipeline

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vardasoft/antfarm/pkg/models"
)

func TestResolveTemplate(t *testing.T) {
	ctx := models.Context{"task": "fix the bug", "run_id": "run-1"}

	tests := []struct {
		name     string
		tmpl     string
		expected string
	}{
		{
			name:     "single placeholder",
			tmpl:     "Do this: {{task}}",
			expected: "Do this: fix the bug",
		},
		{
			name:     "multiple placeholders",
			tmpl:     "[{{run_id}}] {{task}}",
			expected: "[run-1] fix the bug",
		},
		{
			name:     "whitespace inside braces tolerated",
			tmpl:     "{{ task }}",
			expected: "fix the bug",
		},
		{
			name:     "missing key renders a marker instead of raising",
			tmpl:     "{{nonexistent}}",
			expected: "[missing: nonexistent]",
		},
		{
			name:     "no placeholders is passed through unchanged",
			tmpl:     "just plain text",
			expected: "just plain text",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ResolveTemplate(tt.tmpl, ctx))
		})
	}
}

func TestAugmentContext(t *testing.T) {
	t.Run("always sets run_id", func(t *testing.T) {
		out := AugmentContext(models.Context{}, "run-42", false, "")
		assert.Equal(t, "run-42", out["run_id"])
	})

	t.Run("does not mutate the input context", func(t *testing.T) {
		in := models.Context{"task": "x"}
		out := AugmentContext(in, "run-1", false, "")
		out["task"] = "mutated"
		assert.Equal(t, "x", in["task"])
	})

	t.Run("has_frontend_changes absent without both repo and branch", func(t *testing.T) {
		out := AugmentContext(models.Context{"repo": "/tmp/repo"}, "run-1", false, "")
		_, ok := out["has_frontend_changes"]
		assert.False(t, ok)
	})

	t.Run("progress only populated when hasStories is true", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "run-1.progress"), []byte("  50% done  "), 0o644))

		withStories := AugmentContext(models.Context{}, "run-1", true, dir)
		assert.Equal(t, "50% done", withStories["progress"])

		withoutStories := AugmentContext(models.Context{}, "run-1", false, dir)
		_, ok := withoutStories["progress"]
		assert.False(t, ok)
	})

	t.Run("missing progress file yields empty string", func(t *testing.T) {
		dir := t.TempDir()
		out := AugmentContext(models.Context{}, "run-missing", true, dir)
		assert.Equal(t, "", out["progress"])
	})
}

func TestArchiveProgressFile(t *testing.T) {
	t.Run("renames an existing progress file", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "run-1.progress")
		require.NoError(t, os.WriteFile(path, []byte("content"), 0o644))

		require.NoError(t, ArchiveProgressFile(dir, "run-1"))

		_, err := os.Stat(path)
		assert.True(t, os.IsNotExist(err))
		_, err = os.Stat(path + ".archived")
		assert.NoError(t, err)
	})

	t.Run("missing file is a no-op, not an error", func(t *testing.T) {
		dir := t.TempDir()
		assert.NoError(t, ArchiveProgressFile(dir, "no-such-run"))
	})

	t.Run("empty progressDir is a no-op", func(t *testing.T) {
		assert.NoError(t, ArchiveProgressFile("", "run-1"))
	})
}
