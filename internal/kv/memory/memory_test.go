package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlfrontier/internal/kv"
	"github.com/JakeFAU/crawlfrontier/internal/kv/kvtest"
)

func TestBackendContract(t *testing.T) {
	t.Parallel()
	kvtest.RunBackendSuite(t, func(*testing.T) kv.Backend { return New() })
}

func TestClosedContainerRejectsWrites(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := New()
	c, err := b.Open(ctx, "closed")
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.ErrorIs(t, c.Put(ctx, []byte("k"), []byte("v")), kv.ErrClosed)

	require.NoError(t, b.Close())
	_, err = b.Open(ctx, "other")
	require.ErrorIs(t, err, kv.ErrClosed)
}
