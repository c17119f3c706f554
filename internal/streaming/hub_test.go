package streaming

import (
	"context"
	"testing"
	"time"

	"github.com/rendis/buildcore/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_FilterByBuildAndKind(t *testing.T) {
	hub := NewHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{
		BuildID: "b1",
		Kinds:   []schema.EventKind{schema.EventAfterExecute},
	})
	require.NoError(t, err)
	defer cancel()

	hub.OnEvent(schema.Event{Kind: schema.EventBeforeExecute, BuildID: "b1", UnitID: "a"})
	hub.OnEvent(schema.Event{Kind: schema.EventAfterExecute, BuildID: "b2", UnitID: "a"})
	hub.OnEvent(schema.Event{Kind: schema.EventAfterExecute, BuildID: "b1", UnitID: "c"})

	select {
	case got := <-ch:
		assert.Equal(t, "c", got.UnitID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	assert.Len(t, ch, 0)
}

func TestHub_CancelClosesChannel(t *testing.T) {
	hub := NewHub()
	ch, cancel, err := hub.Subscribe(context.Background(), EventFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, hub.Subscribers())

	cancel()
	cancel()

	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, hub.Subscribers())
	hub.OnEvent(schema.Event{Kind: schema.EventLog})
}

func TestHub_DropsWhenSubscriberFull(t *testing.T) {
	hub := NewHub()
	ch, cancel, err := hub.Subscribe(context.Background(), EventFilter{})
	require.NoError(t, err)
	defer cancel()

	for i := 0; i < defaultChannelBuffer+10; i++ {
		hub.OnEvent(schema.Event{Kind: schema.EventLog})
	}
	assert.Len(t, ch, defaultChannelBuffer)
}

func TestHub_SubscribeCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := NewHub().Subscribe(ctx, EventFilter{})
	assert.ErrorIs(t, err, context.Canceled)
}
