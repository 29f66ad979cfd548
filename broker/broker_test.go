package broker_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ringlink/broker"
	"ringlink/broker/subscription"
)

func TestPublishSubscribe(t *testing.T) {
	t.Run("given subscriber when published then message is received in order", func(t *testing.T) {
		b := broker.New()
		sub := b.Subscribe(broker.ClientSocket, "conn-1")

		require.NoError(t, b.Publish(broker.ClientSocket, "conn-1", "first"))
		require.NoError(t, b.Publish(broker.ClientSocket, "conn-1", "second"))

		assert.Equal(t, "first", <-sub.Receive())
		assert.Equal(t, "second", <-sub.Receive())
	})

	t.Run("given different detail when published then message is not received", func(t *testing.T) {
		b := broker.New()
		sub := b.Subscribe(broker.ClientSocket, "conn-1")

		require.NoError(t, b.Publish(broker.ClientSocket, "conn-2", "other"))

		select {
		case msg := <-sub.Receive():
			t.Fatalf("unexpected message: %v", msg)
		default:
		}
	})

	t.Run("given unsubscribed subscription when published then no delivery", func(t *testing.T) {
		b := broker.New()
		sub := b.Subscribe(broker.Calls, broker.ENDED)
		require.NoError(t, b.Unsubscribe(broker.Calls, broker.ENDED, sub))

		require.NoError(t, b.Publish(broker.Calls, broker.ENDED, "gone"))

		_, open := <-sub.Receive()
		assert.False(t, open)
	})

	t.Run("given unknown subscription when unsubscribed then error", func(t *testing.T) {
		b := broker.New()
		sub := subscription.New()

		err := b.Unsubscribe(broker.ClientSocket, "conn-1", sub)
		assert.Error(t, err)
	})

	t.Run("given slow subscriber when queue full then publish reports drop", func(t *testing.T) {
		b := broker.New()
		_ = b.Subscribe(broker.ClientSocket, "conn-1")

		var err error
		for i := 0; i <= subscription.DefaultQueueSize; i++ {
			err = b.Publish(broker.ClientSocket, "conn-1", i)
		}
		assert.Error(t, err)
	})
}
