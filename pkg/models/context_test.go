package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContext_Clone(t *testing.T) {
	t.Run("independent of the original", func(t *testing.T) {
		orig := Context{"a": "1"}
		clone := orig.Clone()
		clone["a"] = "2"
		assert.Equal(t, "1", orig["a"])
	})

	t.Run("nil receiver clones to an empty non-nil map", func(t *testing.T) {
		var c Context
		clone := c.Clone()
		assert.NotNil(t, clone)
		assert.Empty(t, clone)
	})
}

func TestContext_Merge(t *testing.T) {
	t.Run("overwrites existing keys and adds new ones", func(t *testing.T) {
		c := Context{"a": "1", "b": "2"}
		c.Merge(Context{"b": "3", "c": "4"})
		assert.Equal(t, Context{"a": "1", "b": "3", "c": "4"}, c)
	})

	t.Run("nil receiver allocates a fresh map", func(t *testing.T) {
		var c Context
		c = c.Merge(Context{"a": "1"})
		assert.Equal(t, Context{"a": "1"}, c)
	})
}
