package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "pages", map[string]string{"url": "http://a.test/"})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id1)
	id2, err := pub.Publish(context.Background(), "images", "payload")
	require.NoError(t, err)
	require.Equal(t, "memory-2", id2)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "pages", msgs[0].Topic)
	require.Equal(t, "images", msgs[1].Topic)

	msgs[0].Topic = "modified"
	require.Equal(t, "pages", pub.Messages()[0].Topic)
}

func TestPublisherFailures(t *testing.T) {
	t.Parallel()

	pub := New()
	boom := errors.New("topic deleted")
	pub.FailWith(boom)
	_, err := pub.Publish(context.Background(), "pages", "x")
	require.ErrorIs(t, err, boom)

	pub.FailWith(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = pub.Publish(ctx, "pages", "x")
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, pub.Messages())
}
