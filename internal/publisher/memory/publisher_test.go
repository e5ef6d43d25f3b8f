package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/recoverable-crawler/internal/crawler"
)

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "pages", crawler.PageEvent{RunID: "r", PageID: 7, URL: "http://a.test/"})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id1)
	id2, err := pub.Publish(context.Background(), "other", map[string]string{"k": "v"})
	require.NoError(t, err)
	require.Equal(t, "memory-2", id2)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.JSONEq(t, `{"k":"v"}`, string(msgs[1].Data))

	msgs[0].Topic = "modified"
	require.Equal(t, "pages", pub.Messages()[0].Topic, "Messages() must return a copy")

	events, err := pub.Events("pages")
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.EqualValues(t, 7, events[0].PageID)
	require.Equal(t, "http://a.test/", events[0].URL)
}

func TestPublisherRejectsUnencodablePayload(t *testing.T) {
	t.Parallel()
	pub := New()
	_, err := pub.Publish(context.Background(), "pages", make(chan int))
	require.Error(t, err)
	require.Empty(t, pub.Messages())
}
