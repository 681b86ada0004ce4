package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/infusion/pkg/delivery"
)

func TestBroker_PublishSubscribe(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)
	assert.Equal(t, 1, b.SubscriberCount())

	snap := delivery.Snapshot{SuspendState: delivery.Suspended(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))}
	require.True(t, b.Publish(&Event{Type: EventSuspended, State: &snap}))

	select {
	case ev := <-sub:
		assert.Equal(t, EventSuspended, ev.Type)
		assert.False(t, ev.Timestamp.IsZero())
		require.NotNil(t, ev.State)
		assert.True(t, ev.State.SuspendState.Suspended)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestBroker_PublishNeverBlocks(t *testing.T) {
	b := NewBroker()
	// not started: the queue fills and further events are dropped

	accepted := 0
	for i := 0; i < 150; i++ {
		if b.Publish(&Event{Type: EventStatusUpdated}) {
			accepted++
		}
	}
	assert.Equal(t, 100, accepted)

	b.Stop()
	b.Stop()
	assert.False(t, b.Publish(&Event{Type: EventStatusUpdated}))
}

func TestBroker_UnsubscribeTwice(t *testing.T) {
	b := NewBroker()
	sub := b.Subscribe()
	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	assert.Zero(t, b.SubscriberCount())
}
