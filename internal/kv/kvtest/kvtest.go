// Package kvtest holds a behavioural suite every kv backend must pass.
package kvtest

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlfrontier/internal/kv"
)

// RunBackendSuite exercises the kv.Backend contract against newBackend.
// newBackend is called once per subtest and must return an empty backend.
func RunBackendSuite(t *testing.T, newBackend func(t *testing.T) kv.Backend) {
	t.Helper()

	t.Run("put get delete", func(t *testing.T) {
		ctx := context.Background()
		c := open(t, newBackend(t), "basic")

		_, err := c.Get(ctx, []byte("missing"))
		require.ErrorIs(t, err, kv.ErrNotFound)

		require.NoError(t, c.Put(ctx, []byte("a"), []byte("1")))
		require.NoError(t, c.Put(ctx, []byte("a"), []byte("2")))
		got, err := c.Get(ctx, []byte("a"))
		require.NoError(t, err)
		require.Equal(t, []byte("2"), got)

		ok, err := c.Has(ctx, []byte("a"))
		require.NoError(t, err)
		require.True(t, ok)

		n, err := c.Len(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n)

		require.NoError(t, c.Delete(ctx, []byte("a")))
		ok, err = c.Has(ctx, []byte("a"))
		require.NoError(t, err)
		require.False(t, ok)
		require.NoError(t, c.Delete(ctx, []byte("a")))
	})

	t.Run("ascending iteration", func(t *testing.T) {
		ctx := context.Background()
		c := open(t, newBackend(t), "ordered")
		keys := [][]byte{{0, 0, 2}, {0, 0, 1}, {1, 0, 0}, {0, 1, 0}}
		for _, k := range keys {
			require.NoError(t, c.Put(ctx, k, k))
		}
		var seen [][]byte
		require.NoError(t, c.ForEach(ctx, func(k, v []byte) error {
			require.Equal(t, k, v)
			seen = append(seen, append([]byte(nil), k...))
			return nil
		}))
		require.Equal(t, [][]byte{{0, 0, 1}, {0, 0, 2}, {0, 1, 0}, {1, 0, 0}}, seen)

		count := 0
		require.NoError(t, c.ForEach(ctx, func(_, _ []byte) error {
			count++
			return kv.ErrStop
		}))
		require.Equal(t, 1, count)

		boom := errors.New("boom")
		require.ErrorIs(t, c.ForEach(ctx, func(_, _ []byte) error { return boom }), boom)
	})

	t.Run("clear and drop", func(t *testing.T) {
		ctx := context.Background()
		b := newBackend(t)
		c := open(t, b, "dropme")
		require.NoError(t, c.Put(ctx, []byte("k"), []byte("v")))
		require.NoError(t, c.Clear(ctx))
		n, err := c.Len(ctx)
		require.NoError(t, err)
		require.Zero(t, n)

		require.NoError(t, c.Put(ctx, []byte("k"), []byte("v")))
		require.NoError(t, c.Close())
		require.NoError(t, b.Drop(ctx, "dropme"))

		reopened := open(t, b, "dropme")
		n, err = reopened.Len(ctx)
		require.NoError(t, err)
		require.Zero(t, n)
	})

	t.Run("containers are independent and survive reopen", func(t *testing.T) {
		ctx := context.Background()
		b := newBackend(t)
		left := open(t, b, "left")
		right := open(t, b, "right")
		require.NoError(t, left.Put(ctx, []byte("k"), []byte("left")))
		require.NoError(t, right.Put(ctx, []byte("k"), []byte("right")))
		require.NoError(t, left.Close())

		again := open(t, b, "left")
		got, err := again.Get(ctx, []byte("k"))
		require.NoError(t, err)
		require.Equal(t, []byte("left"), got)
		got, err = right.Get(ctx, []byte("k"))
		require.NoError(t, err)
		require.Equal(t, []byte("right"), got)
	})

	t.Run("invalid name", func(t *testing.T) {
		_, err := newBackend(t).Open(context.Background(), "../escape")
		require.Error(t, err)
	})
}

func open(t *testing.T, b kv.Backend, name string) kv.Container {
	t.Helper()
	c, err := b.Open(context.Background(), name)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}
