package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "reports", map[string]string{"run_id": "r1"})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id1)
	id2, err := pub.Publish(context.Background(), "events", "done")
	require.NoError(t, err)
	require.Equal(t, "memory-2", id2)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "reports", msgs[0].Topic)
	require.Equal(t, "events", msgs[1].Topic)

	msgs[0].Topic = "modified"
	require.Equal(t, "reports", pub.Messages()[0].Topic)
}

func TestPublisherTopicFilter(t *testing.T) {
	t.Parallel()

	pub := New()
	_, _ = pub.Publish(context.Background(), "a", 1)
	_, _ = pub.Publish(context.Background(), "b", 2)
	_, _ = pub.Publish(context.Background(), "a", 3)

	got := pub.Topic("a")
	require.Len(t, got, 2)
	require.Equal(t, 3, got[1].Payload)
}
