package pubsub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryPubSub_PublishSubscribe(t *testing.T) {
	ps := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, cleanup := ps.Subscribe(ctx, RunTopic("42"))
	defer cleanup()

	err := ps.Publish(ctx, RunTopic("42"), RunEvent{UserID: "42", State: "RUNNING"})
	require.NoError(t, err)

	select {
	case data := <-ch:
		var evt RunEvent
		require.NoError(t, json.Unmarshal(data, &evt))
		assert.Equal(t, "RUNNING", evt.State)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestMemoryPubSub_NoSubscribersIsNotError(t *testing.T) {
	ps := NewMemory()
	err := ps.Publish(context.Background(), "nobody-listening", RunEvent{})
	assert.NoError(t, err)
}

func TestMemoryPubSub_CleanupRemovesSubscriber(t *testing.T) {
	ps := NewMemory()
	ctx := context.Background()
	_, cleanup := ps.Subscribe(ctx, "topic")
	cleanup()
	assert.Empty(t, ps.subs["topic"])
}
