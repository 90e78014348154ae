package eventbus_test

import (
	"testing"

	"github.com/srg/blecentral/internal/eventbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	// GOAL: Verify every subscriber receives every published value in order

	b := eventbus.New[int]()
	s1 := b.Subscribe()
	s2 := b.Subscribe()

	b.Publish(1)
	b.Publish(2)

	for _, sub := range []*eventbus.Subscription[int]{s1, s2} {
		assert.Equal(t, 1, <-sub.C())
		assert.Equal(t, 2, <-sub.C())
	}
}

func TestPublishDropsOldestWhenSubscriberIsFull(t *testing.T) {
	// GOAL: Verify a full subscriber buffer loses its oldest value and the
	// publisher never blocks

	b := eventbus.New[int]()
	sub := b.SubscribeBuffered(2)

	b.Publish(1)
	b.Publish(2)
	b.Publish(3) // overwrites 1

	assert.Equal(t, 2, <-sub.C())
	assert.Equal(t, 3, <-sub.C())
}

func TestUnsubscribeClosesChannelAndStopsDelivery(t *testing.T) {
	// GOAL: Verify unsubscribing closes the channel and later publishes are
	// not delivered to it

	b := eventbus.New[string]()
	sub := b.Subscribe()
	other := b.Subscribe()

	sub.Unsubscribe()
	sub.Unsubscribe() // idempotent

	b.Publish("x")

	_, ok := <-sub.C()
	require.False(t, ok, "channel MUST be closed after Unsubscribe")
	assert.Equal(t, "x", <-other.C(), "remaining subscribers MUST still receive")
}

func TestCloseShutsDownAllSubscribers(t *testing.T) {
	// GOAL: Verify Close closes every subscriber channel and rejects publishes

	b := eventbus.New[int]()
	sub := b.Subscribe()

	b.Close()
	b.Publish(1) // no-op

	_, ok := <-sub.C()
	require.False(t, ok, "channel MUST be closed after bus Close")

	late := b.Subscribe()
	_, ok = <-late.C()
	assert.False(t, ok, "subscribing to a closed bus MUST yield a closed channel")
}
