// Package storetest is a behavior suite every session store backend runs.
package storetest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PabloGalante/herdbot/internal/domain"
)

// Run exercises store. It must start empty.
func Run(t *testing.T, store domain.SessionStore) {
	t.Helper()
	ctx := context.Background()

	t.Run("missing key", func(t *testing.T) {
		v, ok, err := store.Get(ctx, "nope")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Empty(t, v)
	})

	t.Run("set get overwrite", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, "local/chat-history", `[{"role":"user","text":"Kühe?","citations":null}]`))
		v, ok, err := store.Get(ctx, "local/chat-history")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, `[{"role":"user","text":"Kühe?","citations":null}]`, v)

		require.NoError(t, store.Set(ctx, "local/chat-history", "[]"))
		v, _, err = store.Get(ctx, "local/chat-history")
		require.NoError(t, err)
		assert.Equal(t, "[]", v)
	})

	t.Run("empty value is present", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, "empty", ""))
		v, ok, err := store.Get(ctx, "empty")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Empty(t, v)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, "gone", "x"))
		require.NoError(t, store.Delete(ctx, "gone"))
		_, ok, err := store.Get(ctx, "gone")
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, store.Delete(ctx, "never-set"))
	})

	t.Run("clear", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, "a/sessionId", "s-1"))
		require.NoError(t, store.Set(ctx, "b/sessionId", "s-2"))
		require.NoError(t, store.Clear(ctx))
		for _, k := range []string{"a/sessionId", "b/sessionId", "local/chat-history"} {
			_, ok, err := store.Get(ctx, k)
			require.NoError(t, err)
			assert.False(t, ok, k)
		}
	})
}
