package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeReceivesPublishedEvents(t *testing.T) {
	b := NewBroker()
	defer b.Stop()
	sub := b.Subscribe()

	b.Publish(&Event{Type: EventJobCompleted, JobID: "j1", SessionID: "s1"})

	e := <-sub
	require.NotNil(t, e)
	assert.Equal(t, EventJobCompleted, e.Type)
	assert.Equal(t, "j1", e.JobID)
	assert.Equal(t, "s1", e.SessionID)
	assert.False(t, e.Timestamp.IsZero())
}

func TestFilteredSubscriptionOnlySeesItsChannels(t *testing.T) {
	b := NewBroker()
	defer b.Stop()
	sub := b.Subscribe(EventRollbackCompleted)

	b.Publish(&Event{Type: EventJobCompleted, JobID: "j1"})
	b.Publish(&Event{Type: EventRollbackCompleted, OperationID: "op1"})

	e := <-sub
	require.NotNil(t, e)
	assert.Equal(t, EventRollbackCompleted, e.Type)
	assert.Empty(t, sub, "the filtered-out event must not be buffered")
}

func TestPublishDropsForFullSubscriber(t *testing.T) {
	b := NewBroker()
	defer b.Stop()
	sub := b.Subscribe()

	for i := 0; i < cap(sub)+10; i++ {
		b.Publish(&Event{Type: EventJobEnqueued})
	}
	assert.Len(t, sub, cap(sub), "overflow must drop, not block")
}

func TestStopClosesSubscribersAndDropsLaterPublishes(t *testing.T) {
	b := NewBroker()
	sub := b.Subscribe()

	b.Stop()
	_, open := <-sub
	assert.False(t, open)

	b.Publish(&Event{Type: EventJobEnqueued}) // must not panic
	assert.Equal(t, 0, b.SubscriberCount())

	late := b.Subscribe()
	_, open = <-late
	assert.False(t, open, "subscribing after Stop returns a closed channel")
}

func TestUnsubscribeIsIdempotentWithStop(t *testing.T) {
	b := NewBroker()
	sub := b.Subscribe()
	b.Unsubscribe(sub)
	b.Unsubscribe(sub) // second call is a no-op, no double close
	b.Stop()
}
