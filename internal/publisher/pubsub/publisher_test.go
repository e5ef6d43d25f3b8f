package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"cloud.google.com/go/pubsub"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/recoverable-crawler/internal/crawler"
)

func TestPublishEncodesEvent(t *testing.T) {
	t.Parallel()
	var gotTopic string
	var got *pubsub.Message
	p := newWithSend(func(_ context.Context, topic string, msg *pubsub.Message) (string, error) {
		gotTopic, got = topic, msg
		return "id-1", nil
	})

	id, err := p.Publish(context.Background(), "pages", crawler.PageEvent{RunID: "run-3", PageID: 4, Digest: "d"})
	require.NoError(t, err)
	require.Equal(t, "id-1", id)
	require.Equal(t, "pages", gotTopic)
	require.Equal(t, "run-3", got.Attributes["run_id"])
	require.Equal(t, "application/json", got.Attributes["content-type"])

	var ev crawler.PageEvent
	require.NoError(t, json.Unmarshal(got.Data, &ev))
	require.EqualValues(t, 4, ev.PageID)
	require.Equal(t, "d", ev.Digest)
	require.NoError(t, p.Close())
}

func TestPublishErrors(t *testing.T) {
	t.Parallel()
	p := newWithSend(func(context.Context, string, *pubsub.Message) (string, error) {
		return "", errors.New("unavailable")
	})

	_, err := p.Publish(context.Background(), "", "x")
	require.ErrorContains(t, err, "topic is required")
	_, err = p.Publish(context.Background(), "pages", make(chan int))
	require.ErrorContains(t, err, "marshal payload")
	_, err = p.Publish(context.Background(), "pages", "x")
	require.ErrorContains(t, err, "unavailable")
}

func TestNewRequiresProject(t *testing.T) {
	t.Parallel()
	_, err := New(context.Background(), "")
	require.Error(t, err)
}
